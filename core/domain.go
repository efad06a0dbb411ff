package core

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

var (
	ErrInvalidSubmissionStatusTransition = errors.New("core: invalid submission status transition")
	ErrAgentNotFound                     = errors.New("core: agent not found")
	ErrSubmissionNotFound                = errors.New("core: submission not found")
	ErrQueueUnavailable                  = errors.New("core: queue unavailable")
)

const (
	// DefaultErrorTextLimit bounds stored error text so a single noisy CRM
	// response cannot bloat submission rows.
	DefaultErrorTextLimit = 500

	DefaultSource = "webform"

	maxURLLength       = 200
	maxUserAgentLength = 500
	maxNameLength      = 80
	maxPhoneLength     = 30
	maxContactIDLength = 120
)

type SubmissionStatus string

const (
	SubmissionStatusReceived SubmissionStatus = "received"
	SubmissionStatusQueued   SubmissionStatus = "queued"
	SubmissionStatusSynced   SubmissionStatus = "synced"
	SubmissionStatusFailed   SubmissionStatus = "failed"
)

// Submission is one captured lead event and its delivery state. The status
// field only moves forward through the lifecycle; a failed sync attempt keeps
// the record eligible for re-queue until a later attempt lands it in synced.
type Submission struct {
	ID           string
	AgentID      string
	AgentSlug    string
	Source       string
	FirstName    string
	LastName     string
	Email        string
	Phone        string
	OKToEmail    bool
	OKToCall     bool
	PageURL      string
	Referrer     string
	IPAddress    string
	UserAgent    string
	RawPayload   map[string]any
	Status       SubmissionStatus
	TEContactID  string
	AttemptCount int
	LastError    string
	SubmittedAt  time.Time
	QueuedAt     *time.Time
	SyncedAt     *time.Time
}

func (s *Submission) TransitionTo(status SubmissionStatus, now time.Time) error {
	if s == nil {
		return nil
	}
	if s.Status == status {
		return nil
	}
	if !submissionTransitionAllowed(s.Status, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidSubmissionStatusTransition, s.Status, status)
	}
	s.Status = status
	switch status {
	case SubmissionStatusQueued:
		if s.QueuedAt == nil {
			queuedAt := now.UTC()
			s.QueuedAt = &queuedAt
		}
	case SubmissionStatusSynced:
		if s.SyncedAt == nil {
			syncedAt := now.UTC()
			s.SyncedAt = &syncedAt
		}
	}
	return nil
}

func submissionTransitionAllowed(current, next SubmissionStatus) bool {
	allowed := map[SubmissionStatus]map[SubmissionStatus]struct{}{
		SubmissionStatusReceived: {
			SubmissionStatusQueued: {},
		},
		SubmissionStatusQueued: {
			SubmissionStatusSynced: {},
			SubmissionStatusFailed: {},
		},
		SubmissionStatusFailed: {
			SubmissionStatusQueued: {},
			SubmissionStatusSynced: {},
		},
	}
	_, ok := allowed[current][next]
	return ok
}

// MarkQueued records a successful hand-off to the queue bridge.
func (s *Submission) MarkQueued(now time.Time) error {
	if s == nil {
		return nil
	}
	return s.TransitionTo(SubmissionStatusQueued, now)
}

// MarkEnqueueFailed keeps the submission in received for later re-drive. The
// attempt counter still advances so the failure leaves an observable trail.
func (s *Submission) MarkEnqueueFailed(cause error) {
	if s == nil {
		return
	}
	s.AttemptCount++
	s.LastError = TruncateErrorText(causeText(cause), DefaultErrorTextLimit)
}

// MarkSynced records a successful CRM upsert. The contact id is written once
// and the error trail is cleared.
func (s *Submission) MarkSynced(contactID string, now time.Time) error {
	if s == nil {
		return nil
	}
	contactID = strings.TrimSpace(contactID)
	if contactID == "" {
		return fmt.Errorf("core: synced submission requires a contact id")
	}
	if err := s.TransitionTo(SubmissionStatusSynced, now); err != nil {
		return err
	}
	if len(contactID) > maxContactIDLength {
		contactID = contactID[:maxContactIDLength]
	}
	s.TEContactID = contactID
	s.LastError = ""
	return nil
}

// MarkSyncFailed records a failed CRM attempt. The attempt counter is never
// reset; each failure overwrites the last error text.
func (s *Submission) MarkSyncFailed(cause error, now time.Time) error {
	if s == nil {
		return nil
	}
	if err := s.TransitionTo(SubmissionStatusFailed, now); err != nil {
		return err
	}
	s.AttemptCount++
	s.LastError = TruncateErrorText(causeText(cause), DefaultErrorTextLimit)
	return nil
}

// Agent is the routing entity a submission is assigned to. Agents are owned by
// the directory tooling; the pipeline only reads them.
type Agent struct {
	ID        string
	Slug      string
	FirstName string
	LastName  string
	Email     string
	Phone     string
	TEOwnerID string
	Active    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Routable reports whether the agent carries the CRM owner id required to
// assign contacts. A missing owner id is a data defect, not a transient error.
func (a Agent) Routable() bool {
	return strings.TrimSpace(a.TEOwnerID) != ""
}

// NormalizeSlug lower-cases a routing slug and strips whitespace and stray
// leading/trailing slashes so URL-derived values compare equal.
func NormalizeSlug(raw string) string {
	return strings.ToLower(strings.Trim(strings.TrimSpace(raw), "/"))
}

// TruncateErrorText caps stored error text at limit bytes, backing up to a
// rune boundary so truncation never produces invalid UTF-8.
func TruncateErrorText(text string, limit int) string {
	text = strings.TrimSpace(text)
	if limit <= 0 {
		limit = DefaultErrorTextLimit
	}
	return truncateToRuneBoundary(text, limit)
}

func truncateToRuneBoundary(text string, limit int) string {
	if len(text) <= limit {
		return text
	}
	for limit > 0 && !utf8.RuneStart(text[limit]) {
		limit--
	}
	return text[:limit]
}

func causeText(cause error) string {
	if cause == nil {
		return ""
	}
	return cause.Error()
}
