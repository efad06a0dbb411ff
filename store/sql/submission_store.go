package sqlstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/uptrace/bun"

	"github.com/goliatone/go-leads/core"
)

// SubmissionStore persists lead submissions. Status changes re-read the row
// inside a transaction and run the domain transition, so concurrent markers
// cannot skip states. The attempt counter is advanced SQL-side.
type SubmissionStore struct {
	db   *bun.DB
	repo repository.Repository[*submissionRecord]
}

func NewSubmissionStore(db *bun.DB) (*SubmissionStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*submissionRecord](db, submissionHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid submission repository wiring: %w", err)
		}
	}
	return &SubmissionStore{db: db, repo: repo}, nil
}

func (s *SubmissionStore) Create(ctx context.Context, submission core.Submission) (core.Submission, error) {
	if s == nil || s.repo == nil {
		return core.Submission{}, fmt.Errorf("sqlstore: submission store is not configured")
	}
	if strings.TrimSpace(submission.ID) == "" {
		return core.Submission{}, fmt.Errorf("sqlstore: submission id is required")
	}
	if strings.TrimSpace(submission.AgentID) == "" {
		return core.Submission{}, fmt.Errorf("sqlstore: submission agent id is required")
	}
	if strings.TrimSpace(string(submission.Status)) == "" {
		submission.Status = core.SubmissionStatusReceived
	}
	record := newSubmissionRecord(submission, time.Now().UTC())
	created, err := s.repo.Create(ctx, record)
	if err != nil {
		return core.Submission{}, err
	}
	return created.toDomain(), nil
}

func (s *SubmissionStore) Get(ctx context.Context, id string) (core.Submission, error) {
	if s == nil || s.repo == nil {
		return core.Submission{}, fmt.Errorf("sqlstore: submission store is not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return core.Submission{}, core.ErrSubmissionNotFound
	}
	record, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if isNoRows(err) {
			return core.Submission{}, core.ErrSubmissionNotFound
		}
		return core.Submission{}, err
	}
	return record.toDomain(), nil
}

func (s *SubmissionStore) ListByStatus(ctx context.Context, status core.SubmissionStatus, limit int) ([]core.Submission, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("sqlstore: submission store is not configured")
	}
	if limit <= 0 {
		limit = 50
	}
	records, _, err := s.repo.List(ctx,
		repository.SelectBy("status", "=", string(status)),
		repository.OrderBy("submitted_at ASC"),
		repository.SelectPaginate(limit, 0),
	)
	if err != nil {
		return nil, err
	}
	out := make([]core.Submission, 0, len(records))
	for _, record := range records {
		out = append(out, record.toDomain())
	}
	return out, nil
}

func (s *SubmissionStore) MarkQueued(ctx context.Context, id string, queuedAt time.Time) (core.Submission, error) {
	return s.update(ctx, id, func(submission *core.Submission) error {
		return submission.MarkQueued(queuedAt)
	}, false)
}

func (s *SubmissionStore) MarkEnqueueFailed(ctx context.Context, id string, cause error) (core.Submission, error) {
	return s.update(ctx, id, func(submission *core.Submission) error {
		submission.MarkEnqueueFailed(cause)
		return nil
	}, true)
}

func (s *SubmissionStore) MarkSynced(ctx context.Context, id string, contactID string, syncedAt time.Time) (core.Submission, error) {
	return s.update(ctx, id, func(submission *core.Submission) error {
		// A lost queued-status write leaves the row in received; bridge
		// through queued so the transition map stays intact.
		if submission.Status == core.SubmissionStatusReceived {
			if err := submission.MarkQueued(syncedAt); err != nil {
				return err
			}
		}
		return submission.MarkSynced(contactID, syncedAt)
	}, false)
}

func (s *SubmissionStore) MarkSyncFailed(ctx context.Context, id string, cause error) (core.Submission, error) {
	now := time.Now().UTC()
	return s.update(ctx, id, func(submission *core.Submission) error {
		if submission.Status == core.SubmissionStatusReceived {
			if err := submission.MarkQueued(now); err != nil {
				return err
			}
		}
		return submission.MarkSyncFailed(cause, now)
	}, true)
}

// update applies fn to the current row inside a transaction and writes the
// resulting state back. When countAttempt is set the attempt counter advances
// in SQL instead of trusting the in-memory value, so two markers racing on
// the same row both land their increment.
func (s *SubmissionStore) update(ctx context.Context, id string, fn func(*core.Submission) error, countAttempt bool) (core.Submission, error) {
	if s == nil || s.db == nil {
		return core.Submission{}, fmt.Errorf("sqlstore: submission store is not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return core.Submission{}, core.ErrSubmissionNotFound
	}

	var updated core.Submission
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		record := &submissionRecord{}
		if err := tx.NewSelect().
			Model(record).
			Where("?TableAlias.id = ?", id).
			Limit(1).
			Scan(ctx); err != nil {
			if isNoRows(err) {
				return core.ErrSubmissionNotFound
			}
			return err
		}

		submission := record.toDomain()
		if err := fn(&submission); err != nil {
			return err
		}

		now := time.Now().UTC()
		query := tx.NewUpdate().
			Model((*submissionRecord)(nil)).
			Set("status = ?", string(submission.Status)).
			Set("te_contact_id = ?", submission.TEContactID).
			Set("last_error = ?", submission.LastError).
			Set("queued_at = ?", submission.QueuedAt).
			Set("synced_at = ?", submission.SyncedAt).
			Set("updated_at = ?", now).
			Where("id = ?", id)
		if countAttempt {
			query = query.Set("attempt_count = attempt_count + 1")
			submission.AttemptCount = record.AttemptCount + 1
		}
		if _, err := query.Exec(ctx); err != nil {
			return err
		}
		updated = submission
		return nil
	})
	if err != nil {
		return core.Submission{}, err
	}
	return updated, nil
}
