package core

import (
	"context"
	"sync"
	"time"
)

type memAgentStore struct {
	agents []Agent
	getErr error
}

func (s *memAgentStore) GetBySlug(_ context.Context, slug string) (Agent, error) {
	slug = NormalizeSlug(slug)
	for _, agent := range s.agents {
		if agent.Slug == slug && agent.Active {
			return agent, nil
		}
	}
	return Agent{}, ErrAgentNotFound
}

func (s *memAgentStore) Get(_ context.Context, id string) (Agent, error) {
	if s.getErr != nil {
		return Agent{}, s.getErr
	}
	for _, agent := range s.agents {
		if agent.ID == id {
			return agent, nil
		}
	}
	return Agent{}, ErrAgentNotFound
}

type memSubmissionStore struct {
	mu    sync.Mutex
	items map[string]Submission

	createErr error
	getErr    error
	markErr   error
}

func newMemSubmissionStore() *memSubmissionStore {
	return &memSubmissionStore{items: map[string]Submission{}}
}

func (s *memSubmissionStore) Create(_ context.Context, submission Submission) (Submission, error) {
	if s.createErr != nil {
		return Submission{}, s.createErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[submission.ID] = submission
	return submission, nil
}

func (s *memSubmissionStore) Get(_ context.Context, id string) (Submission, error) {
	if s.getErr != nil {
		return Submission{}, s.getErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	submission, ok := s.items[id]
	if !ok {
		return Submission{}, ErrSubmissionNotFound
	}
	return submission, nil
}

func (s *memSubmissionStore) ListByStatus(_ context.Context, status SubmissionStatus, limit int) ([]Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Submission
	for _, submission := range s.items {
		if submission.Status == status {
			out = append(out, submission)
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *memSubmissionStore) mutate(id string, fn func(*Submission) error) (Submission, error) {
	if s.markErr != nil {
		return Submission{}, s.markErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	submission, ok := s.items[id]
	if !ok {
		return Submission{}, ErrSubmissionNotFound
	}
	if err := fn(&submission); err != nil {
		return Submission{}, err
	}
	s.items[id] = submission
	return submission, nil
}

func (s *memSubmissionStore) MarkQueued(_ context.Context, id string, queuedAt time.Time) (Submission, error) {
	return s.mutate(id, func(submission *Submission) error {
		return submission.MarkQueued(queuedAt)
	})
}

func (s *memSubmissionStore) MarkEnqueueFailed(_ context.Context, id string, cause error) (Submission, error) {
	return s.mutate(id, func(submission *Submission) error {
		submission.MarkEnqueueFailed(cause)
		return nil
	})
}

func (s *memSubmissionStore) MarkSynced(_ context.Context, id string, contactID string, syncedAt time.Time) (Submission, error) {
	return s.mutate(id, func(submission *Submission) error {
		if submission.Status == SubmissionStatusReceived {
			if err := submission.MarkQueued(syncedAt); err != nil {
				return err
			}
		}
		return submission.MarkSynced(contactID, syncedAt)
	})
}

func (s *memSubmissionStore) MarkSyncFailed(_ context.Context, id string, cause error) (Submission, error) {
	return s.mutate(id, func(submission *Submission) error {
		if submission.Status == SubmissionStatusReceived {
			if err := submission.MarkQueued(time.Now().UTC()); err != nil {
				return err
			}
		}
		return submission.MarkSyncFailed(cause, time.Now().UTC())
	})
}

type memQueue struct {
	mu         sync.Mutex
	messages   []QueueMessage
	enqueueErr error
}

func (q *memQueue) Enqueue(_ context.Context, msg QueueMessage) error {
	if q.enqueueErr != nil {
		return q.enqueueErr
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.messages = append(q.messages, msg)
	return nil
}

func (q *memQueue) Receive(ctx context.Context, batchSize int, _ time.Duration) ([]Delivery, error) {
	q.mu.Lock()
	empty := len(q.messages) == 0
	q.mu.Unlock()
	if empty {
		select {
		case <-ctx.Done():
		case <-time.After(5 * time.Millisecond):
		}
		return nil, nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.messages) == 0 {
		return nil, nil
	}
	if batchSize <= 0 || batchSize > len(q.messages) {
		batchSize = len(q.messages)
	}
	var out []Delivery
	for _, msg := range q.messages[:batchSize] {
		out = append(out, &fakeDelivery{msg: msg, attempt: 1})
	}
	q.messages = q.messages[batchSize:]
	return out, nil
}

type fakeDelivery struct {
	msg     QueueMessage
	attempt int

	acked      bool
	nacked     bool
	lastNack   NackOptions
	settleCall int
}

func (d *fakeDelivery) Message() QueueMessage { return d.msg }

func (d *fakeDelivery) Attempt() int { return d.attempt }

func (d *fakeDelivery) Ack(context.Context) error {
	d.acked = true
	d.settleCall++
	return nil
}

func (d *fakeDelivery) Nack(_ context.Context, opts NackOptions) error {
	d.nacked = true
	d.lastNack = opts
	d.settleCall++
	return nil
}

type stubCRMClient struct {
	mu      sync.Mutex
	calls   []Contact
	result  string
	err     error
	upserts int
}

func (c *stubCRMClient) UpsertContact(_ context.Context, contact Contact) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, contact)
	c.upserts++
	if c.err != nil {
		return "", c.err
	}
	if c.result == "" {
		return "ct_stub", nil
	}
	return c.result, nil
}

func (c *stubCRMClient) upsertCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.upserts
}

type memMetrics struct {
	mu       sync.Mutex
	counters map[string]int64
}

func newMemMetrics() *memMetrics {
	return &memMetrics{counters: map[string]int64{}}
}

func (m *memMetrics) IncCounter(_ context.Context, name string, delta int64, tags map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := name
	if outcome := tags["outcome"]; outcome != "" {
		key += ":" + outcome
	}
	m.counters[key] += delta
}

func (m *memMetrics) ObserveHistogram(_ context.Context, _ string, _ float64, _ map[string]string) {}

func (m *memMetrics) count(key string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[key]
}

var (
	_ AgentStore      = (*memAgentStore)(nil)
	_ SubmissionStore = (*memSubmissionStore)(nil)
	_ QueueBridge     = (*memQueue)(nil)
	_ Delivery        = (*fakeDelivery)(nil)
	_ CRMClient       = (*stubCRMClient)(nil)
	_ MetricsRecorder = (*memMetrics)(nil)
)
