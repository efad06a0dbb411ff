// Package gojob bridges the lead queue contracts onto go-job's durable queue
// primitives so deployments can swap the SQL-backed queue for a broker-backed
// one without touching intake or worker code.
package gojob

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goliatone/go-leads/core"

	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
	"github.com/goliatone/go-job/queue/worker"
)

// JobIDLeadSync identifies the CRM sync job on the go-job queue.
const JobIDLeadSync = "leads.sync"

const (
	paramSubmissionID = "submission_id"
	paramAgentSlug    = "agent_slug"
	paramMetadata     = "metadata"
	paramAttempt      = "attempt"
)

const defaultDrainWait = 25 * time.Millisecond

// RetryPolicy defines queue retry bounds to avoid unbounded retry loops.
type RetryPolicy struct {
	MaxAttempts     int
	MaxDelay        time.Duration
	DeadLetterOnMax bool
}

// Normalize maps a lead nack decision into bounded go-job nack options for
// the given delivery attempt.
func (p RetryPolicy) Normalize(opts core.NackOptions, attempt int) queue.NackOptions {
	out := queue.NackOptions{
		Delay:      opts.Delay,
		Requeue:    !opts.DeadLetter,
		DeadLetter: opts.DeadLetter,
		Reason:     strings.TrimSpace(opts.Reason),
	}
	if out.Delay < 0 {
		out.Delay = 0
	}
	if p.MaxDelay > 0 && out.Delay > p.MaxDelay {
		out.Delay = p.MaxDelay
	}
	if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
		out.Requeue = false
		if p.DeadLetterOnMax {
			out.DeadLetter = true
		}
	}
	if !out.Requeue && !out.DeadLetter {
		out.Requeue = true
	}
	return out
}

// ToExecutionMessage maps a lead queue message into a go-job execution
// message. The submission id doubles as the idempotency key so brokers with
// dedup support collapse duplicate enqueues of the same submission.
func ToExecutionMessage(msg core.QueueMessage) *job.ExecutionMessage {
	params := map[string]any{
		paramSubmissionID: strings.TrimSpace(msg.SubmissionID),
	}
	if slug := strings.TrimSpace(msg.AgentSlug); slug != "" {
		params[paramAgentSlug] = slug
	}
	if len(msg.Metadata) > 0 {
		params[paramMetadata] = copyAnyMap(msg.Metadata)
	}
	return &job.ExecutionMessage{
		JobID:          JobIDLeadSync,
		Parameters:     params,
		IdempotencyKey: strings.TrimSpace(msg.SubmissionID),
	}
}

// FromExecutionMessage maps a go-job message back into the lead queue
// contract. Unknown parameter shapes degrade to zero values rather than
// failing the delivery.
func FromExecutionMessage(msg *job.ExecutionMessage) core.QueueMessage {
	if msg == nil {
		return core.QueueMessage{}
	}
	out := core.QueueMessage{}
	if id, ok := msg.Parameters[paramSubmissionID].(string); ok {
		out.SubmissionID = strings.TrimSpace(id)
	}
	if slug, ok := msg.Parameters[paramAgentSlug].(string); ok {
		out.AgentSlug = strings.TrimSpace(slug)
	}
	if meta, ok := msg.Parameters[paramMetadata].(map[string]any); ok && len(meta) > 0 {
		out.Metadata = copyAnyMap(meta)
	}
	return out
}

// QueueBridgeAdapter implements the lead queue bridge on top of go-job's
// enqueuer and dequeuer pair.
type QueueBridgeAdapter struct {
	enqueuer  queue.Enqueuer
	dequeuer  queue.Dequeuer
	policy    RetryPolicy
	drainWait time.Duration
}

// AdapterOption customizes a QueueBridgeAdapter.
type AdapterOption func(*QueueBridgeAdapter)

// WithDrainWait bounds how long Receive waits for additional messages after
// the first delivery of a batch arrives.
func WithDrainWait(wait time.Duration) AdapterOption {
	return func(a *QueueBridgeAdapter) {
		if wait > 0 {
			a.drainWait = wait
		}
	}
}

// NewQueueBridgeAdapter wires a go-job queue behind the lead queue contract.
func NewQueueBridgeAdapter(enqueuer queue.Enqueuer, dequeuer queue.Dequeuer, policy RetryPolicy, options ...AdapterOption) *QueueBridgeAdapter {
	adapter := &QueueBridgeAdapter{
		enqueuer:  enqueuer,
		dequeuer:  dequeuer,
		policy:    policy,
		drainWait: defaultDrainWait,
	}
	for _, option := range options {
		if option != nil {
			option(adapter)
		}
	}
	return adapter
}

func (a *QueueBridgeAdapter) Enqueue(ctx context.Context, msg core.QueueMessage) error {
	if a == nil || a.enqueuer == nil {
		return fmt.Errorf("gojob: enqueuer is not configured")
	}
	if strings.TrimSpace(msg.SubmissionID) == "" {
		return fmt.Errorf("gojob: queue message submission id is required")
	}
	if err := a.enqueuer.Enqueue(ctx, ToExecutionMessage(msg)); err != nil {
		return fmt.Errorf("%w: %v", core.ErrQueueUnavailable, err)
	}
	return nil
}

// Receive blocks up to wait for the first delivery, then drains whatever is
// immediately available until batchSize is reached.
func (a *QueueBridgeAdapter) Receive(ctx context.Context, batchSize int, wait time.Duration) ([]core.Delivery, error) {
	if a == nil || a.dequeuer == nil {
		return nil, fmt.Errorf("gojob: dequeuer is not configured")
	}
	if batchSize <= 0 {
		batchSize = 1
	}

	deliveries := make([]core.Delivery, 0, batchSize)
	for len(deliveries) < batchSize {
		budget := wait
		if len(deliveries) > 0 {
			budget = a.drainWait
		}
		delivery, err := a.dequeueWithin(ctx, budget)
		if err != nil {
			if isWaitExpired(err) {
				return deliveries, nil
			}
			if ctx.Err() != nil {
				return deliveries, ctx.Err()
			}
			return deliveries, fmt.Errorf("%w: %v", core.ErrQueueUnavailable, err)
		}
		if delivery == nil {
			return deliveries, nil
		}
		deliveries = append(deliveries, newDeliveryAdapter(delivery, a.policy))
	}
	return deliveries, nil
}

func (a *QueueBridgeAdapter) dequeueWithin(ctx context.Context, wait time.Duration) (queue.Delivery, error) {
	if wait <= 0 {
		return a.dequeuer.Dequeue(ctx)
	}
	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	return a.dequeuer.Dequeue(waitCtx)
}

func isWaitExpired(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}

// DeliveryAdapter presents one go-job delivery through the lead queue
// delivery contract.
type DeliveryAdapter struct {
	delivery queue.Delivery
	policy   RetryPolicy
	attempt  int
}

func newDeliveryAdapter(delivery queue.Delivery, policy RetryPolicy) *DeliveryAdapter {
	return &DeliveryAdapter{
		delivery: delivery,
		policy:   policy,
		attempt:  attemptFromMessage(delivery),
	}
}

func (d *DeliveryAdapter) Message() core.QueueMessage {
	if d == nil || d.delivery == nil {
		return core.QueueMessage{}
	}
	return FromExecutionMessage(d.delivery.Message())
}

func (d *DeliveryAdapter) Attempt() int {
	if d == nil {
		return 0
	}
	return d.attempt
}

func (d *DeliveryAdapter) Ack(ctx context.Context) error {
	if d == nil || d.delivery == nil {
		return fmt.Errorf("gojob: delivery is not configured")
	}
	return d.delivery.Ack(ctx)
}

// Nack re-stamps the attempt counter before handing the message back so the
// count survives brokers that do not track redeliveries themselves.
func (d *DeliveryAdapter) Nack(ctx context.Context, opts core.NackOptions) error {
	if d == nil || d.delivery == nil {
		return fmt.Errorf("gojob: delivery is not configured")
	}
	if msg := d.delivery.Message(); msg != nil {
		if msg.Parameters == nil {
			msg.Parameters = map[string]any{}
		}
		msg.Parameters[paramAttempt] = d.attempt + 1
	}
	return d.delivery.Nack(ctx, d.policy.Normalize(opts, d.attempt))
}

// attemptFromMessage reads the stamped attempt counter, tolerating the
// numeric widenings JSON transports apply. A message without a counter is a
// first delivery.
func attemptFromMessage(delivery queue.Delivery) int {
	if delivery == nil {
		return 1
	}
	msg := delivery.Message()
	if msg == nil {
		return 1
	}
	switch v := msg.Parameters[paramAttempt].(type) {
	case int:
		if v > 0 {
			return v
		}
	case int64:
		if v > 0 {
			return int(v)
		}
	case float64:
		if v > 0 {
			return int(v)
		}
	}
	return 1
}

// WorkerHookAdapter republishes go-job worker lifecycle events onto the lead
// metrics recorder so both queue backends feed the same counters.
type WorkerHookAdapter struct {
	metrics core.MetricsRecorder
}

// NewWorkerHookAdapter wires worker events into a metrics recorder.
func NewWorkerHookAdapter(metrics core.MetricsRecorder) *WorkerHookAdapter {
	return &WorkerHookAdapter{metrics: metrics}
}

func (h *WorkerHookAdapter) OnStart(context.Context, worker.Event) {}

func (h *WorkerHookAdapter) OnSuccess(ctx context.Context, event worker.Event) {
	h.record(ctx, event, "success")
}

func (h *WorkerHookAdapter) OnFailure(ctx context.Context, event worker.Event) {
	h.record(ctx, event, "failure")
}

func (h *WorkerHookAdapter) OnRetry(ctx context.Context, event worker.Event) {
	h.record(ctx, event, "retry")
}

func (h *WorkerHookAdapter) record(ctx context.Context, event worker.Event, outcome string) {
	if h == nil || h.metrics == nil {
		return
	}
	tags := map[string]string{
		"outcome": outcome,
		"attempt": strconv.Itoa(event.Attempt),
	}
	h.metrics.IncCounter(ctx, "leads.jobqueue.total", 1, tags)
	if event.Duration > 0 {
		h.metrics.ObserveHistogram(ctx, "leads.jobqueue.duration_ms", float64(event.Duration.Milliseconds()), tags)
	}
}

func copyAnyMap(in map[string]any) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}

var (
	_ core.QueueBridge = (*QueueBridgeAdapter)(nil)
	_ core.Delivery    = (*DeliveryAdapter)(nil)
	_ worker.Hook      = (*WorkerHookAdapter)(nil)
)
