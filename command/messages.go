package command

import (
	"fmt"
	"strings"

	"github.com/goliatone/go-leads/core"
)

const (
	TypeRequeueSubmission = "leads.command.submission.requeue"
	TypeUpsertAgent       = "leads.command.agent.upsert"
)

// RequeueSubmissionMessage re-drives a persisted submission onto the queue.
// Used after enqueue failures and for retrying dead-lettered work.
type RequeueSubmissionMessage struct {
	SubmissionID string
	Reason       string
}

func (RequeueSubmissionMessage) Type() string { return TypeRequeueSubmission }

func (m RequeueSubmissionMessage) Validate() error {
	if strings.TrimSpace(m.SubmissionID) == "" {
		return fmt.Errorf("command: submission id is required")
	}
	return nil
}

// UpsertAgentMessage creates or replaces one routing agent.
type UpsertAgentMessage struct {
	Agent core.Agent
}

func (UpsertAgentMessage) Type() string { return TypeUpsertAgent }

func (m UpsertAgentMessage) Validate() error {
	if strings.TrimSpace(m.Agent.ID) == "" {
		return fmt.Errorf("command: agent id is required")
	}
	if core.NormalizeSlug(m.Agent.Slug) == "" {
		return fmt.Errorf("command: agent slug is required")
	}
	return nil
}
