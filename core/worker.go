package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	goerrors "github.com/goliatone/go-errors"
)

// RetryPolicy schedules nack delays between sync attempts.
type RetryPolicy interface {
	NextDelay(attempt int) time.Duration
}

type ExponentialRetryPolicy struct {
	Initial time.Duration
	Max     time.Duration
}

func (p ExponentialRetryPolicy) NextDelay(attempt int) time.Duration {
	initial := p.Initial
	if initial <= 0 {
		initial = 5 * time.Second
	}
	maximum := p.Max
	if maximum <= 0 {
		maximum = 5 * time.Minute
	}
	delay := initial
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maximum {
			return maximum
		}
	}
	if delay > maximum {
		return maximum
	}
	return delay
}

// SyncWorker is the long-running consumer loop pulling queue messages and
// advancing submissions through the CRM sync. Any number of workers may share
// the queue; the queue's competing-consumers semantics provide the safety,
// not in-process locking.
type SyncWorker struct {
	config      Config
	logger      Logger
	metrics     MetricsRecorder
	submissions SubmissionStore
	agents      AgentStore
	queue       QueueBridge
	crm         CRMClient
	retry       RetryPolicy
	now         func() time.Time
}

func NewSyncWorker(cfg Config, options ...Option) (*SyncWorker, error) {
	builder := defaultPipelineBuilder(cfg)
	for _, opt := range options {
		if opt == nil {
			continue
		}
		opt(&builder)
	}
	if builder.submissionStore == nil {
		return nil, fmt.Errorf("core: sync worker requires a submission store")
	}
	if builder.agentStore == nil {
		return nil, fmt.Errorf("core: sync worker requires an agent store")
	}
	if builder.queue == nil {
		return nil, fmt.Errorf("core: sync worker requires a queue bridge")
	}
	if builder.crmClient == nil {
		return nil, fmt.Errorf("core: sync worker requires a crm client")
	}

	finalConfig, err := builder.resolveConfig(context.Background())
	if err != nil {
		return nil, builder.errorMapper(err)
	}

	return &SyncWorker{
		config:      finalConfig,
		logger:      builder.resolveLogger("leads.worker"),
		metrics:     builder.metricsRecorder,
		submissions: builder.submissionStore,
		agents:      builder.agentStore,
		queue:       builder.queue,
		crm:         builder.crmClient,
		retry: ExponentialRetryPolicy{
			Initial: finalConfig.Worker.NackDelay(),
			Max:     finalConfig.Worker.MaxNackDelay(),
		},
		now: builder.now,
	}, nil
}

// Run pulls batches until ctx is cancelled. Cancellation stops new receives;
// in-flight messages finish on a detached context so their ack/nack still
// lands. Unacked messages are simply redelivered to another consumer.
func (w *SyncWorker) Run(ctx context.Context) error {
	if w == nil || w.queue == nil {
		return fmt.Errorf("core: sync worker is not configured")
	}
	logInfo(ctx, w.logger, "sync worker started", map[string]any{
		"batch_size":   w.config.Worker.BatchSize,
		"wait_timeout": w.config.Worker.WaitTimeout().String(),
	})
	for {
		if ctx.Err() != nil {
			logInfo(context.Background(), w.logger, "sync worker stopping", nil)
			return nil
		}
		deliveries, err := w.queue.Receive(ctx, w.config.Worker.BatchSize, w.config.Worker.WaitTimeout())
		if err != nil {
			if ctx.Err() != nil {
				logInfo(context.Background(), w.logger, "sync worker stopping", nil)
				return nil
			}
			logError(ctx, w.logger, "queue receive failed", map[string]any{"error": err.Error()})
			select {
			case <-ctx.Done():
			case <-time.After(w.retry.NextDelay(1)):
			}
			continue
		}
		if len(deliveries) == 0 {
			continue
		}
		w.handleBatch(context.WithoutCancel(ctx), deliveries)
	}
}

func (w *SyncWorker) handleBatch(ctx context.Context, deliveries []Delivery) {
	concurrency := w.config.Worker.Concurrency
	if concurrency <= 1 {
		for _, delivery := range deliveries {
			w.Handle(ctx, delivery)
		}
		return
	}
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	for _, delivery := range deliveries {
		wg.Add(1)
		sem <- struct{}{}
		go func(delivery Delivery) {
			defer wg.Done()
			defer func() { <-sem }()
			w.Handle(ctx, delivery)
		}(delivery)
	}
	wg.Wait()
}

// Handle processes one delivery end to end, always settling it with an ack or
// nack. It never panics out of the loop; each message's outcome is
// independent.
func (w *SyncWorker) Handle(ctx context.Context, delivery Delivery) {
	if w == nil || delivery == nil {
		return
	}
	defer func() {
		if recovered := recover(); recovered != nil {
			logError(ctx, w.logger, "message handler panicked", map[string]any{
				"panic": fmt.Sprint(recovered),
			})
			_ = delivery.Nack(ctx, NackOptions{
				Delay:  w.retry.NextDelay(delivery.Attempt()),
				Reason: fmt.Sprintf("panic: %v", recovered),
			})
		}
	}()

	msg := delivery.Message()
	submissionID := strings.TrimSpace(msg.SubmissionID)
	if submissionID == "" {
		// Malformed pointer; a retry cannot repair it.
		logWarn(ctx, w.logger, "queue message missing submission id", nil)
		w.count(ctx, "dropped", "malformed")
		_ = delivery.Nack(ctx, NackOptions{Reason: "missing submission id", DeadLetter: true})
		return
	}

	submission, err := w.submissions.Get(ctx, submissionID)
	if err != nil {
		if errors.Is(err, ErrSubmissionNotFound) {
			logWarn(ctx, w.logger, "submission not found for message", map[string]any{
				"submission_id": submissionID,
			})
			w.count(ctx, "dropped", "not_found")
			_ = delivery.Ack(ctx)
			return
		}
		logError(ctx, w.logger, "load submission failed", map[string]any{
			"submission_id": submissionID,
			"error":         err.Error(),
		})
		w.count(ctx, "retried", "store")
		_ = delivery.Nack(ctx, NackOptions{
			Delay:  w.retry.NextDelay(delivery.Attempt()),
			Reason: TruncateErrorText(err.Error(), DefaultErrorTextLimit),
		})
		return
	}

	// Primary defense against duplicate delivery.
	if submission.Status == SubmissionStatusSynced {
		logInfo(ctx, w.logger, "submission already synced, skipping", map[string]any{
			"submission_id": submission.ID,
		})
		w.count(ctx, "skipped", "already_synced")
		_ = delivery.Ack(ctx)
		return
	}

	agent, err := w.agents.Get(ctx, submission.AgentID)
	if err != nil {
		// A missing agent is a data defect; anything else is infrastructure
		// and the message must come back around.
		if errors.Is(err, ErrAgentNotFound) {
			w.failPermanently(ctx, delivery, submission,
				fmt.Errorf("core: agent %q unavailable for routing: %w", submission.AgentID, err))
			return
		}
		logError(ctx, w.logger, "load agent failed", map[string]any{
			"submission_id": submission.ID,
			"agent_id":      submission.AgentID,
			"error":         err.Error(),
		})
		w.count(ctx, "retried", "store")
		_ = delivery.Nack(ctx, NackOptions{
			Delay:  w.retry.NextDelay(delivery.Attempt()),
			Reason: TruncateErrorText(err.Error(), DefaultErrorTextLimit),
		})
		return
	}
	if !agent.Routable() {
		w.failPermanently(ctx, delivery, submission,
			fmt.Errorf("core: agent %q has no total expert owner id configured", agent.Slug))
		return
	}

	contactID, err := w.crm.UpsertContact(ctx, Contact{
		FirstName: submission.FirstName,
		LastName:  submission.LastName,
		Email:     submission.Email,
		Phone:     submission.Phone,
		OwnerID:   agent.TEOwnerID,
		Source:    w.resolveSourceTag(submission.Source),
	})
	if err != nil {
		if isPermanentSyncError(err) {
			w.failPermanently(ctx, delivery, submission, err)
			return
		}
		if _, markErr := w.submissions.MarkSyncFailed(ctx, submission.ID, err); markErr != nil {
			logError(ctx, w.logger, "record sync failure failed", map[string]any{
				"submission_id": submission.ID,
				"error":         markErr.Error(),
			})
		}
		logError(ctx, w.logger, "crm upsert failed", map[string]any{
			"submission_id": submission.ID,
			"attempt":       delivery.Attempt(),
			"error":         err.Error(),
		})
		w.count(ctx, "retried", "crm")
		_ = delivery.Nack(ctx, NackOptions{
			Delay:  w.retry.NextDelay(delivery.Attempt()),
			Reason: TruncateErrorText(err.Error(), DefaultErrorTextLimit),
		})
		return
	}

	if _, err := w.submissions.MarkSynced(ctx, submission.ID, contactID, w.now()); err != nil {
		// The upsert is idempotent; leave the message for redelivery so the
		// status catches up.
		logError(ctx, w.logger, "mark submission synced failed", map[string]any{
			"submission_id": submission.ID,
			"error":         err.Error(),
		})
		w.count(ctx, "retried", "store")
		_ = delivery.Nack(ctx, NackOptions{
			Delay:  w.retry.NextDelay(delivery.Attempt()),
			Reason: TruncateErrorText(err.Error(), DefaultErrorTextLimit),
		})
		return
	}
	logInfo(ctx, w.logger, "submission synced", map[string]any{
		"submission_id": submission.ID,
		"te_contact_id": contactID,
	})
	w.count(ctx, "synced", "")
	_ = delivery.Ack(ctx)
}

// failPermanently records a terminal failure and acks: retrying a data defect
// cannot fix it, so the message must not circle the queue.
func (w *SyncWorker) failPermanently(ctx context.Context, delivery Delivery, submission Submission, cause error) {
	if _, err := w.submissions.MarkSyncFailed(ctx, submission.ID, cause); err != nil {
		logError(ctx, w.logger, "record permanent failure failed", map[string]any{
			"submission_id": submission.ID,
			"error":         err.Error(),
		})
	}
	logWarn(ctx, w.logger, "submission failed permanently", map[string]any{
		"submission_id": submission.ID,
		"error":         cause.Error(),
	})
	w.count(ctx, "failed", "permanent")
	_ = delivery.Ack(ctx)
}

func (w *SyncWorker) resolveSourceTag(submissionSource string) string {
	if trimmed := strings.TrimSpace(submissionSource); trimmed != "" {
		return trimmed
	}
	return w.config.CRM.SourceTag
}

func (w *SyncWorker) count(ctx context.Context, outcome string, reason string) {
	if w == nil || w.metrics == nil {
		return
	}
	tags := map[string]string{"outcome": outcome}
	if reason != "" {
		tags["reason"] = reason
	}
	w.metrics.IncCounter(ctx, "leads.sync.total", 1, cloneTags(tags))
}

func isPermanentSyncError(err error) bool {
	var richErr *goerrors.Error
	if !goerrors.As(err, &richErr) {
		return false
	}
	switch richErr.Category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation, goerrors.CategoryOperation:
		return true
	}
	return false
}
