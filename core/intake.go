package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"
)

// IntakeRequest carries a decoded submission body plus request provenance.
// The payload map is whatever the transport decoded; field aliases are
// resolved here, not at the edge.
type IntakeRequest struct {
	Payload   map[string]any
	Source    string
	IPAddress string
	UserAgent string
}

// IntakeResult reports the durable-write outcome and, separately, the
// enqueue outcome. Queued=false with a nil error means the submission is
// safely persisted but awaiting re-drive.
type IntakeResult struct {
	Submission Submission
	Queued     bool
	QueueError string
}

// IntakeService validates inbound payloads, persists submissions, and hands
// them to the queue bridge strictly after the durable write commits. The
// queue must never reference a submission the worker cannot yet read.
type IntakeService struct {
	config      Config
	logger      Logger
	metrics     MetricsRecorder
	errorMapper ErrorMapper
	submissions SubmissionStore
	agents      AgentStore
	queue       QueueBridge
	now         func() time.Time
}

func NewIntakeService(cfg Config, options ...Option) (*IntakeService, error) {
	builder := defaultPipelineBuilder(cfg)
	for _, opt := range options {
		if opt == nil {
			continue
		}
		opt(&builder)
	}
	if builder.submissionStore == nil {
		return nil, fmt.Errorf("core: intake requires a submission store")
	}
	if builder.agentStore == nil {
		return nil, fmt.Errorf("core: intake requires an agent store")
	}
	if builder.queue == nil {
		return nil, fmt.Errorf("core: intake requires a queue bridge")
	}

	finalConfig, err := builder.resolveConfig(context.Background())
	if err != nil {
		return nil, builder.errorMapper(err)
	}

	return &IntakeService{
		config:      finalConfig,
		logger:      builder.resolveLogger("leads.intake"),
		metrics:     builder.metricsRecorder,
		errorMapper: builder.errorMapper,
		submissions: builder.submissionStore,
		agents:      builder.agentStore,
		queue:       builder.queue,
		now:         builder.now,
	}, nil
}

func (s *IntakeService) Config() Config {
	if s == nil {
		return Config{}
	}
	return s.config
}

// Submit runs the intake pipeline for one payload: validate, resolve the
// routing agent, persist, then enqueue post-commit. Enqueue failure is a
// degraded success, not an error; both failure modes stay distinguishable.
func (s *IntakeService) Submit(ctx context.Context, req IntakeRequest) (IntakeResult, error) {
	if s == nil || s.submissions == nil {
		return IntakeResult{}, fmt.Errorf("core: intake service is not configured")
	}

	payload := ParseLeadPayload(req.Payload)
	if err := payload.Validate(); err != nil {
		s.count(ctx, "rejected", "bad_input")
		return IntakeResult{}, s.errorMapper(err)
	}

	agent, err := s.agents.GetBySlug(ctx, payload.Slug)
	if err != nil {
		s.count(ctx, "rejected", "agent_not_found")
		logWarn(ctx, s.logger, "unknown or inactive agent slug", map[string]any{
			"lo_slug": payload.Slug,
		})
		return IntakeResult{}, s.errorMapper(err)
	}

	now := s.now()
	submission := Submission{
		ID:          uuid.NewString(),
		AgentID:     agent.ID,
		AgentSlug:   agent.Slug,
		Source:      s.resolveSource(payload.Source, req.Source),
		FirstName:   payload.FirstName,
		LastName:    payload.LastName,
		Email:       payload.Email,
		Phone:       payload.Phone,
		OKToEmail:   payload.OptIn,
		OKToCall:    payload.OptIn,
		PageURL:     payload.PageURL,
		Referrer:    payload.Referrer,
		IPAddress:   strings.TrimSpace(req.IPAddress),
		UserAgent:   truncate(strings.TrimSpace(req.UserAgent), maxUserAgentLength),
		RawPayload:  payload.Raw,
		Status:      SubmissionStatusReceived,
		SubmittedAt: now,
	}

	created, err := s.submissions.Create(ctx, submission)
	if err != nil {
		s.count(ctx, "failed", "store")
		return IntakeResult{}, s.errorMapper(goerrors.Wrap(err, goerrors.CategoryInternal, "core: persist submission failed"))
	}
	logInfo(ctx, s.logger, "submission created", map[string]any{
		"submission_id": created.ID,
		"lo_slug":       agent.Slug,
	})

	// Durable write is committed; enqueue is a separate best-effort step.
	if err := s.queue.Enqueue(ctx, QueueMessage{
		SubmissionID: created.ID,
		AgentSlug:    agent.Slug,
	}); err != nil {
		failed, markErr := s.submissions.MarkEnqueueFailed(ctx, created.ID, err)
		if markErr != nil {
			logError(ctx, s.logger, "record enqueue failure failed", map[string]any{
				"submission_id": created.ID,
				"error":         markErr.Error(),
			})
			failed = created
		}
		s.count(ctx, "accepted", "enqueue_failed")
		logError(ctx, s.logger, "enqueue submission failed", map[string]any{
			"submission_id": created.ID,
			"error":         err.Error(),
		})
		return IntakeResult{
			Submission: failed,
			Queued:     false,
			QueueError: TruncateErrorText(err.Error(), DefaultErrorTextLimit),
		}, nil
	}

	queued, err := s.submissions.MarkQueued(ctx, created.ID, s.now())
	if err != nil {
		// The message is already on the queue; the worker's idempotent
		// short-circuit covers the stale status.
		logError(ctx, s.logger, "mark submission queued failed", map[string]any{
			"submission_id": created.ID,
			"error":         err.Error(),
		})
		queued = created
	}
	s.count(ctx, "accepted", "queued")
	logInfo(ctx, s.logger, "submission queued", map[string]any{
		"submission_id": queued.ID,
		"lo_slug":       agent.Slug,
	})
	return IntakeResult{Submission: queued, Queued: true}, nil
}

func (s *IntakeService) resolveSource(payloadSource, requestSource string) string {
	for _, candidate := range []string{payloadSource, requestSource, s.config.Intake.DefaultSource} {
		if trimmed := strings.TrimSpace(candidate); trimmed != "" {
			return trimmed
		}
	}
	return DefaultSource
}

func (s *IntakeService) count(ctx context.Context, outcome string, reason string) {
	if s == nil || s.metrics == nil {
		return
	}
	s.metrics.IncCounter(ctx, "leads.intake.total", 1, cloneTags(map[string]string{
		"outcome": outcome,
		"reason":  reason,
	}))
}
