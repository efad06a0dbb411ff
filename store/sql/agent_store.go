package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/uptrace/bun"

	"github.com/goliatone/go-leads/core"
)

// AgentStore reads and maintains routing agents. The sync pipeline only
// reads; Upsert exists for the directory import tooling.
type AgentStore struct {
	db   *bun.DB
	repo repository.Repository[*agentRecord]
}

func NewAgentStore(db *bun.DB) (*AgentStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*agentRecord](db, agentHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid agent repository wiring: %w", err)
		}
	}
	return &AgentStore{db: db, repo: repo}, nil
}

// GetBySlug resolves an active agent by its normalized slug.
func (s *AgentStore) GetBySlug(ctx context.Context, slug string) (core.Agent, error) {
	if s == nil || s.repo == nil {
		return core.Agent{}, fmt.Errorf("sqlstore: agent store is not configured")
	}
	normalized := core.NormalizeSlug(slug)
	if normalized == "" {
		return core.Agent{}, core.ErrAgentNotFound
	}
	records, _, err := s.repo.List(ctx,
		repository.SelectBy("slug", "=", normalized),
		repository.SelectRawProcessor(func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Where("?TableAlias.active = ?", true)
		}),
		repository.SelectRawProcessor(func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Where("?TableAlias.deleted_at IS NULL")
		}),
		repository.SelectPaginate(1, 0),
	)
	if err != nil {
		return core.Agent{}, err
	}
	if len(records) == 0 {
		return core.Agent{}, core.ErrAgentNotFound
	}
	return records[0].toDomain(), nil
}

func (s *AgentStore) Get(ctx context.Context, id string) (core.Agent, error) {
	if s == nil || s.repo == nil {
		return core.Agent{}, fmt.Errorf("sqlstore: agent store is not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return core.Agent{}, core.ErrAgentNotFound
	}
	record, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if isNoRows(err) {
			return core.Agent{}, core.ErrAgentNotFound
		}
		return core.Agent{}, err
	}
	return record.toDomain(), nil
}

// Upsert inserts or replaces an agent row keyed by id. Used by the roster
// import command.
func (s *AgentStore) Upsert(ctx context.Context, agent core.Agent) (core.Agent, error) {
	if s == nil || s.db == nil {
		return core.Agent{}, fmt.Errorf("sqlstore: agent store is not configured")
	}
	if strings.TrimSpace(agent.ID) == "" {
		return core.Agent{}, fmt.Errorf("sqlstore: agent id is required")
	}
	if core.NormalizeSlug(agent.Slug) == "" {
		return core.Agent{}, fmt.Errorf("sqlstore: agent slug is required")
	}
	record := newAgentRecord(agent, time.Now().UTC())
	_, err := s.db.NewInsert().
		Model(record).
		On("CONFLICT (id) DO UPDATE").
		Set("slug = EXCLUDED.slug").
		Set("first_name = EXCLUDED.first_name").
		Set("last_name = EXCLUDED.last_name").
		Set("email = EXCLUDED.email").
		Set("phone = EXCLUDED.phone").
		Set("te_owner_id = EXCLUDED.te_owner_id").
		Set("active = EXCLUDED.active").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return core.Agent{}, err
	}
	return record.toDomain(), nil
}

func isNoRows(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, sql.ErrNoRows) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "no rows")
}
