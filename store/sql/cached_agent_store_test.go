package sqlstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	repositorycache "github.com/goliatone/go-repository-cache/cache"

	"github.com/goliatone/go-leads/core"
)

type stubAgentStore struct {
	mu        sync.Mutex
	agent     core.Agent
	slugCalls int
	idCalls   int
	err       error
}

func (s *stubAgentStore) GetBySlug(_ context.Context, slug string) (core.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slugCalls++
	if s.err != nil {
		return core.Agent{}, s.err
	}
	if core.NormalizeSlug(slug) != s.agent.Slug {
		return core.Agent{}, core.ErrAgentNotFound
	}
	return s.agent, nil
}

func (s *stubAgentStore) Get(_ context.Context, id string) (core.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.idCalls++
	if s.err != nil {
		return core.Agent{}, s.err
	}
	if id != s.agent.ID {
		return core.Agent{}, core.ErrAgentNotFound
	}
	return s.agent, nil
}

func newTestAgentCacheService(t *testing.T) repositorycache.CacheService {
	t.Helper()
	config := repositorycache.DefaultConfig()
	config.TTL = time.Minute
	service, err := repositorycache.NewCacheService(config)
	if err != nil {
		t.Fatalf("new cache service: %v", err)
	}
	return service
}

func TestCachedAgentStore_GetBySlug_MissFetchThenHit(t *testing.T) {
	base := &stubAgentStore{agent: core.Agent{
		ID:        "agent_cache_1",
		Slug:      "jane-smith",
		TEOwnerID: "owner_1",
		Active:    true,
	}}
	store, err := NewCachedAgentStore(base, newTestAgentCacheService(t))
	if err != nil {
		t.Fatalf("new cached agent store: %v", err)
	}

	agent, err := store.GetBySlug(context.Background(), "Jane-Smith")
	if err != nil {
		t.Fatalf("first get: %v", err)
	}
	if agent.TEOwnerID != "owner_1" {
		t.Fatalf("expected owner_1, got %q", agent.TEOwnerID)
	}
	if base.slugCalls != 1 {
		t.Fatalf("expected first get to fetch base store once, got %d", base.slugCalls)
	}

	if _, err := store.GetBySlug(context.Background(), "jane-smith"); err != nil {
		t.Fatalf("second get: %v", err)
	}
	if base.slugCalls != 1 {
		t.Fatalf("expected second get to be cache hit, base calls=%d", base.slugCalls)
	}
}

func TestCachedAgentStore_Invalidate_DropsBothKeys(t *testing.T) {
	base := &stubAgentStore{agent: core.Agent{
		ID:        "agent_cache_2",
		Slug:      "john-doe",
		TEOwnerID: "owner_2",
		Active:    true,
	}}
	store, err := NewCachedAgentStore(base, newTestAgentCacheService(t))
	if err != nil {
		t.Fatalf("new cached agent store: %v", err)
	}

	if _, err := store.GetBySlug(context.Background(), "john-doe"); err != nil {
		t.Fatalf("prime slug cache: %v", err)
	}
	if _, err := store.Get(context.Background(), "agent_cache_2"); err != nil {
		t.Fatalf("prime id cache: %v", err)
	}

	if err := store.Invalidate(context.Background(), base.agent); err != nil {
		t.Fatalf("invalidate: %v", err)
	}

	if _, err := store.GetBySlug(context.Background(), "john-doe"); err != nil {
		t.Fatalf("get after invalidate: %v", err)
	}
	if base.slugCalls != 2 {
		t.Fatalf("expected slug refetch after invalidate, base calls=%d", base.slugCalls)
	}
	if _, err := store.Get(context.Background(), "agent_cache_2"); err != nil {
		t.Fatalf("get by id after invalidate: %v", err)
	}
	if base.idCalls != 2 {
		t.Fatalf("expected id refetch after invalidate, base calls=%d", base.idCalls)
	}
}

func TestCachedAgentStore_PropagatesNotFound(t *testing.T) {
	base := &stubAgentStore{agent: core.Agent{
		ID:     "agent_cache_3",
		Slug:   "someone",
		Active: true,
	}}
	store, err := NewCachedAgentStore(base, newTestAgentCacheService(t))
	if err != nil {
		t.Fatalf("new cached agent store: %v", err)
	}

	_, err = store.GetBySlug(context.Background(), "nobody")
	if !errors.Is(err, core.ErrAgentNotFound) {
		t.Fatalf("expected agent not found, got %v", err)
	}
}

func TestAgentCacheKeys_AreDeterministic(t *testing.T) {
	slugKey, err := AgentSlugCacheKey("  Jane-Smith ")
	if err != nil {
		t.Fatalf("slug cache key: %v", err)
	}
	if slugKey != "go-leads::agent::v1::slug::jane-smith" {
		t.Fatalf("unexpected slug key %q", slugKey)
	}

	idKey, err := AgentIDCacheKey("agent_1")
	if err != nil {
		t.Fatalf("id cache key: %v", err)
	}
	if idKey != "go-leads::agent::v1::id::agent_1" {
		t.Fatalf("unexpected id key %q", idKey)
	}

	if _, err := AgentSlugCacheKey("   "); err == nil {
		t.Fatalf("expected blank slug to be rejected")
	}
}
