package core

import (
	"context"
	"time"

	glog "github.com/goliatone/go-logger/glog"
)

type Logger = glog.Logger

type LoggerProvider = glog.LoggerProvider

type FieldsLogger = glog.FieldsLogger

// QueueMessage is the minimal pointer handed across the queue: enough to load
// the submission plus routing context so consumers can log without a lookup.
type QueueMessage struct {
	SubmissionID string         `json:"submission_id"`
	AgentSlug    string         `json:"agent_slug,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// NackOptions control how an unprocessed delivery returns to the queue.
// DeadLetter parks the message instead of requeueing it; the queue also
// dead-letters on its own once a message exhausts its attempt budget.
type NackOptions struct {
	Delay      time.Duration
	Reason     string
	DeadLetter bool
}

// Delivery is one received queue message awaiting an ack or nack decision.
// Redelivery after a nack, a lease expiry, or a consumer crash is expected;
// consumers must be idempotent.
type Delivery interface {
	Message() QueueMessage
	Attempt() int
	Ack(ctx context.Context) error
	Nack(ctx context.Context, opts NackOptions) error
}

// QueueBridge is the durable at-least-once messaging abstraction connecting
// intake to the sync worker. No ordering is guaranteed across messages.
type QueueBridge interface {
	Enqueue(ctx context.Context, msg QueueMessage) error
	Receive(ctx context.Context, batchSize int, wait time.Duration) ([]Delivery, error)
}

// SubmissionStore persists lead submissions. Status mutations are short-lived
// atomic read-modify-write operations; the attempt counter is advanced inside
// the store so competing workers cannot lose increments.
type SubmissionStore interface {
	Create(ctx context.Context, submission Submission) (Submission, error)
	Get(ctx context.Context, id string) (Submission, error)
	ListByStatus(ctx context.Context, status SubmissionStatus, limit int) ([]Submission, error)
	MarkQueued(ctx context.Context, id string, queuedAt time.Time) (Submission, error)
	MarkEnqueueFailed(ctx context.Context, id string, cause error) (Submission, error)
	MarkSynced(ctx context.Context, id string, contactID string, syncedAt time.Time) (Submission, error)
	MarkSyncFailed(ctx context.Context, id string, cause error) (Submission, error)
}

// AgentStore resolves routing agents. Lookup is case-insensitive on the
// normalized slug and only returns active agents.
type AgentStore interface {
	GetBySlug(ctx context.Context, slug string) (Agent, error)
	Get(ctx context.Context, id string) (Agent, error)
}

// Contact is the provider-facing contact shape built from a submission.
type Contact struct {
	FirstName string
	LastName  string
	Email     string
	Phone     string
	OwnerID   string
	Source    string
}

// CRMClient wraps the external contact-upsert API. UpsertContact must be safe
// to repeat with the same logical contact; the provider upserts by
// owner+identity fields, which is what makes at-least-once delivery workable.
type CRMClient interface {
	UpsertContact(ctx context.Context, contact Contact) (string, error)
}
