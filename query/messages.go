package query

import (
	"fmt"
	"strings"

	"github.com/goliatone/go-leads/core"
)

const (
	TypeGetSubmission         = "leads.query.submission.get"
	TypeListSubmissionsStatus = "leads.query.submission.list_by_status"
	TypeGetAgent              = "leads.query.agent.get"
	TypeListDeadLetters       = "leads.query.queue.dead_letters"
)

type GetSubmissionMessage struct {
	SubmissionID string
}

func (GetSubmissionMessage) Type() string { return TypeGetSubmission }

func (m GetSubmissionMessage) Validate() error {
	if strings.TrimSpace(m.SubmissionID) == "" {
		return fmt.Errorf("query: submission id is required")
	}
	return nil
}

type ListSubmissionsByStatusMessage struct {
	Status core.SubmissionStatus
	Limit  int
}

func (ListSubmissionsByStatusMessage) Type() string { return TypeListSubmissionsStatus }

func (m ListSubmissionsByStatusMessage) Validate() error {
	switch m.Status {
	case core.SubmissionStatusReceived, core.SubmissionStatusQueued,
		core.SubmissionStatusSynced, core.SubmissionStatusFailed:
	default:
		return fmt.Errorf("query: unknown submission status %q", m.Status)
	}
	if m.Limit < 0 {
		return fmt.Errorf("query: limit must be >= 0")
	}
	return nil
}

type GetAgentMessage struct {
	Slug string
}

func (GetAgentMessage) Type() string { return TypeGetAgent }

func (m GetAgentMessage) Validate() error {
	if core.NormalizeSlug(m.Slug) == "" {
		return fmt.Errorf("query: agent slug is required")
	}
	return nil
}

type ListDeadLettersMessage struct {
	Limit int
}

func (ListDeadLettersMessage) Type() string { return TypeListDeadLetters }

func (m ListDeadLettersMessage) Validate() error {
	if m.Limit < 0 {
		return fmt.Errorf("query: limit must be >= 0")
	}
	return nil
}
