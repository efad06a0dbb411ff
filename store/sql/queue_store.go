package sqlstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/goliatone/go-leads/core"
)

const (
	queueStatusPending    = "pending"
	queueStatusProcessing = "processing"
	queueStatusDelivered  = "delivered"
	queueStatusDead       = "dead"

	// DefaultMaxDeliveryAttempts bounds redelivery before a message is
	// parked in the dead-letter state.
	DefaultMaxDeliveryAttempts = 10

	defaultLease        = 2 * time.Minute
	defaultPollInterval = 250 * time.Millisecond
)

// QueueStore is the SQL-backed durable queue. Messages survive restarts and
// are claimed with a batch CTE, so any number of workers can compete without
// double-claiming. Delivery is at least once: a crash between claim and ack
// returns the message after its lease expires.
type QueueStore struct {
	db   *bun.DB
	repo repository.Repository[*queueMessageRecord]

	lease        time.Duration
	pollInterval time.Duration
	maxAttempts  int
	now          func() time.Time
}

type QueueStoreOption func(*QueueStore)

func WithQueueLease(lease time.Duration) QueueStoreOption {
	return func(s *QueueStore) {
		if lease > 0 {
			s.lease = lease
		}
	}
}

func WithQueuePollInterval(interval time.Duration) QueueStoreOption {
	return func(s *QueueStore) {
		if interval > 0 {
			s.pollInterval = interval
		}
	}
}

func WithQueueMaxAttempts(max int) QueueStoreOption {
	return func(s *QueueStore) {
		if max > 0 {
			s.maxAttempts = max
		}
	}
}

func WithQueueClock(now func() time.Time) QueueStoreOption {
	return func(s *QueueStore) {
		if now != nil {
			s.now = now
		}
	}
}

func NewQueueStore(db *bun.DB, options ...QueueStoreOption) (*QueueStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*queueMessageRecord](db, queueMessageHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid queue repository wiring: %w", err)
		}
	}
	store := &QueueStore{
		db:           db,
		repo:         repo,
		lease:        defaultLease,
		pollInterval: defaultPollInterval,
		maxAttempts:  DefaultMaxDeliveryAttempts,
		now:          func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range options {
		if opt != nil {
			opt(store)
		}
	}
	return store, nil
}

func (s *QueueStore) Enqueue(ctx context.Context, msg core.QueueMessage) error {
	if s == nil || s.repo == nil {
		return fmt.Errorf("sqlstore: queue store is not configured")
	}
	submissionID := strings.TrimSpace(msg.SubmissionID)
	if submissionID == "" {
		return fmt.Errorf("sqlstore: queue message submission id is required")
	}
	now := s.now()
	record := &queueMessageRecord{
		ID:           uuid.NewString(),
		SubmissionID: submissionID,
		AgentSlug:    core.NormalizeSlug(msg.AgentSlug),
		Metadata:     copyAnyMap(msg.Metadata),
		Status:       queueStatusPending,
		Attempts:     0,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	_, err := s.repo.Create(ctx, record)
	if err != nil {
		return fmt.Errorf("%w: %v", core.ErrQueueUnavailable, err)
	}
	return nil
}

// Receive blocks up to wait for at least one message, polling the claim
// query. Returns an empty batch on timeout.
func (s *QueueStore) Receive(ctx context.Context, batchSize int, wait time.Duration) ([]core.Delivery, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: queue store is not configured")
	}
	if batchSize <= 0 {
		batchSize = 1
	}
	deadline := s.now().Add(wait)
	for {
		records, err := s.claimBatch(ctx, batchSize)
		if err != nil {
			return nil, err
		}
		if len(records) > 0 {
			deliveries := make([]core.Delivery, 0, len(records))
			for _, record := range records {
				record := record
				deliveries = append(deliveries, &queueDelivery{store: s, record: record})
			}
			return deliveries, nil
		}
		if wait <= 0 || !s.now().Before(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.pollInterval):
		}
	}
}

// claimBatch flips a batch of due messages to processing in one statement.
// Pending rows are due once visible; processing rows become reclaimable when
// their lease has expired, which covers consumers that died mid-flight.
func (s *QueueStore) claimBatch(ctx context.Context, limit int) ([]queueMessageRecord, error) {
	now := s.now()
	leaseExpiresAt := now.Add(s.lease)
	var records []queueMessageRecord
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		query := `
WITH claimed AS (
	SELECT id
	FROM lead_queue_messages
	WHERE (status = ? AND (visible_at IS NULL OR visible_at <= ?))
	   OR (status = ? AND lease_expires_at IS NOT NULL AND lease_expires_at <= ?)
	ORDER BY created_at ASC
	LIMIT ?
)
UPDATE lead_queue_messages
SET status = ?, attempts = attempts + 1, lease_expires_at = ?, updated_at = ?
WHERE id IN (SELECT id FROM claimed)
RETURNING
	id,
	submission_id,
	agent_slug,
	metadata,
	status,
	attempts,
	visible_at,
	lease_expires_at,
	last_error,
	created_at,
	updated_at
`
		return tx.NewRaw(
			query,
			queueStatusPending,
			now,
			queueStatusProcessing,
			now,
			limit,
			queueStatusProcessing,
			leaseExpiresAt,
			now,
		).Scan(ctx, &records)
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (s *QueueStore) ack(ctx context.Context, messageID string) error {
	_, err := s.db.NewUpdate().
		Model((*queueMessageRecord)(nil)).
		Set("status = ?", queueStatusDelivered).
		Set("last_error = ?", "").
		Set("lease_expires_at = NULL").
		Set("updated_at = ?", s.now()).
		Where("id = ?", messageID).
		Exec(ctx)
	return err
}

func (s *QueueStore) nack(ctx context.Context, record queueMessageRecord, opts core.NackOptions) error {
	status := queueStatusPending
	var visibleAt *time.Time
	if opts.DeadLetter || record.Attempts >= s.maxAttempts {
		status = queueStatusDead
	} else if opts.Delay > 0 {
		next := s.now().Add(opts.Delay)
		visibleAt = &next
	}
	_, err := s.db.NewUpdate().
		Model((*queueMessageRecord)(nil)).
		Set("status = ?", status).
		Set("visible_at = ?", visibleAt).
		Set("lease_expires_at = NULL").
		Set("last_error = ?", core.TruncateErrorText(opts.Reason, core.DefaultErrorTextLimit)).
		Set("updated_at = ?", s.now()).
		Where("id = ?", record.ID).
		Exec(ctx)
	return err
}

// DeadLetters lists parked messages for operator inspection.
func (s *QueueStore) DeadLetters(ctx context.Context, limit int) ([]core.QueueMessage, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("sqlstore: queue store is not configured")
	}
	if limit <= 0 {
		limit = 50
	}
	records, _, err := s.repo.List(ctx,
		repository.SelectBy("status", "=", queueStatusDead),
		repository.OrderBy("updated_at ASC"),
		repository.SelectPaginate(limit, 0),
	)
	if err != nil {
		return nil, err
	}
	out := make([]core.QueueMessage, 0, len(records))
	for _, record := range records {
		out = append(out, record.toMessage())
	}
	return out, nil
}

type queueDelivery struct {
	store  *QueueStore
	record queueMessageRecord
}

func (d *queueDelivery) Message() core.QueueMessage {
	if d == nil {
		return core.QueueMessage{}
	}
	return d.record.toMessage()
}

func (d *queueDelivery) Attempt() int {
	if d == nil {
		return 0
	}
	return d.record.Attempts
}

func (d *queueDelivery) Ack(ctx context.Context) error {
	if d == nil || d.store == nil {
		return fmt.Errorf("sqlstore: delivery is not configured")
	}
	return d.store.ack(ctx, d.record.ID)
}

func (d *queueDelivery) Nack(ctx context.Context, opts core.NackOptions) error {
	if d == nil || d.store == nil {
		return fmt.Errorf("sqlstore: delivery is not configured")
	}
	return d.store.nack(ctx, d.record, opts)
}
