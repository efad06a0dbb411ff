package sqlstore

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	repositorycache "github.com/goliatone/go-repository-cache/cache"

	"github.com/goliatone/go-leads/core"
)

const agentCacheKeyPrefix = "go-leads::agent::v1"

// CachedAgentStore layers a read-through cache over agent lookups. Agents
// change rarely and every intake request resolves one, so the cache absorbs
// nearly all of that read traffic.
type CachedAgentStore struct {
	base  core.AgentStore
	cache repositorycache.CacheService
}

func NewCachedAgentStore(base core.AgentStore, cacheService repositorycache.CacheService) (*CachedAgentStore, error) {
	if base == nil {
		return nil, fmt.Errorf("sqlstore: base agent store is required")
	}
	if cacheService == nil {
		return nil, fmt.Errorf("sqlstore: agent cache service is required")
	}
	return &CachedAgentStore{base: base, cache: cacheService}, nil
}

// AgentSlugCacheKey returns the deterministic cache key for slug lookups:
// go-leads::agent::v1::slug::<slug> with the slug normalized then URL-path
// escaped.
func AgentSlugCacheKey(slug string) (string, error) {
	normalized := core.NormalizeSlug(slug)
	if normalized == "" {
		return "", fmt.Errorf("sqlstore: agent slug is required")
	}
	return strings.Join([]string{agentCacheKeyPrefix, "slug", url.PathEscape(normalized)}, "::"), nil
}

// AgentIDCacheKey returns the deterministic cache key for id lookups.
func AgentIDCacheKey(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", fmt.Errorf("sqlstore: agent id is required")
	}
	return strings.Join([]string{agentCacheKeyPrefix, "id", url.PathEscape(id)}, "::"), nil
}

func (s *CachedAgentStore) GetBySlug(ctx context.Context, slug string) (core.Agent, error) {
	if s == nil || s.base == nil || s.cache == nil {
		return core.Agent{}, fmt.Errorf("sqlstore: cached agent store is not configured")
	}
	cacheKey, err := AgentSlugCacheKey(slug)
	if err != nil {
		return core.Agent{}, core.ErrAgentNotFound
	}
	agent, err := repositorycache.GetOrFetch(ctx, s.cache, cacheKey, func(ctx context.Context) (core.Agent, error) {
		return s.base.GetBySlug(ctx, slug)
	})
	if err != nil {
		return core.Agent{}, err
	}
	return agent, nil
}

func (s *CachedAgentStore) Get(ctx context.Context, id string) (core.Agent, error) {
	if s == nil || s.base == nil || s.cache == nil {
		return core.Agent{}, fmt.Errorf("sqlstore: cached agent store is not configured")
	}
	cacheKey, err := AgentIDCacheKey(id)
	if err != nil {
		return core.Agent{}, core.ErrAgentNotFound
	}
	agent, err := repositorycache.GetOrFetch(ctx, s.cache, cacheKey, func(ctx context.Context) (core.Agent, error) {
		return s.base.Get(ctx, id)
	})
	if err != nil {
		return core.Agent{}, err
	}
	return agent, nil
}

// Invalidate drops the cache entries for one agent after a roster update.
func (s *CachedAgentStore) Invalidate(ctx context.Context, agent core.Agent) error {
	if s == nil || s.cache == nil {
		return fmt.Errorf("sqlstore: cached agent store is not configured")
	}
	keys := make([]string, 0, 2)
	if key, err := AgentSlugCacheKey(agent.Slug); err == nil {
		keys = append(keys, key)
	}
	if key, err := AgentIDCacheKey(agent.ID); err == nil {
		keys = append(keys, key)
	}
	for _, key := range keys {
		if err := s.cache.Delete(ctx, key); err != nil {
			return err
		}
	}
	return nil
}
