// Package command holds the write-side message handlers: operational
// actions that mutate pipeline state outside the hot intake path.
package command

import (
	"context"
	"time"

	gocmd "github.com/goliatone/go-command"

	"github.com/goliatone/go-leads/core"
)

// AgentUpserter is the roster write surface, satisfied by the SQL agent
// store.
type AgentUpserter interface {
	Upsert(ctx context.Context, agent core.Agent) (core.Agent, error)
}

// AgentCacheInvalidator drops cached lookups after a roster change.
type AgentCacheInvalidator interface {
	Invalidate(ctx context.Context, agent core.Agent) error
}

// RequeueSubmissionCommand puts a persisted submission back onto the queue.
// Synced submissions are refused; everything else is fair game, including
// queued ones whose original message was lost.
type RequeueSubmissionCommand struct {
	submissions core.SubmissionStore
	queue       core.QueueBridge
	now         func() time.Time
}

func NewRequeueSubmissionCommand(submissions core.SubmissionStore, queue core.QueueBridge) *RequeueSubmissionCommand {
	return &RequeueSubmissionCommand{
		submissions: submissions,
		queue:       queue,
		now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

func (c *RequeueSubmissionCommand) Execute(ctx context.Context, msg RequeueSubmissionMessage) error {
	if c == nil || c.submissions == nil || c.queue == nil {
		return commandDependencyError("command: requeue requires submission store and queue")
	}
	if err := msg.Validate(); err != nil {
		return commandInvalidInputError(err.Error())
	}

	submission, err := c.submissions.Get(ctx, msg.SubmissionID)
	if err != nil {
		return err
	}
	if submission.Status == core.SubmissionStatusSynced {
		return commandInvalidInputError("command: submission is already synced")
	}

	metadata := map[string]any{"requeued": true}
	if msg.Reason != "" {
		metadata["requeue_reason"] = msg.Reason
	}
	if err := c.queue.Enqueue(ctx, core.QueueMessage{
		SubmissionID: submission.ID,
		AgentSlug:    submission.AgentSlug,
		Metadata:     metadata,
	}); err != nil {
		return commandWrapExternal(err, "command: requeue enqueue failed")
	}

	updated, err := c.submissions.MarkQueued(ctx, submission.ID, c.now())
	if err != nil {
		return err
	}
	storeResult(ctx, updated)
	return nil
}

// UpsertAgentCommand writes one agent and invalidates its cache entries.
type UpsertAgentCommand struct {
	agents AgentUpserter
	cache  AgentCacheInvalidator
}

func NewUpsertAgentCommand(agents AgentUpserter, cache AgentCacheInvalidator) *UpsertAgentCommand {
	return &UpsertAgentCommand{agents: agents, cache: cache}
}

func (c *UpsertAgentCommand) Execute(ctx context.Context, msg UpsertAgentMessage) error {
	if c == nil || c.agents == nil {
		return commandDependencyError("command: agent upsert requires an agent store")
	}
	if err := msg.Validate(); err != nil {
		return commandInvalidInputError(err.Error())
	}

	agent, err := c.agents.Upsert(ctx, msg.Agent)
	if err != nil {
		return err
	}
	if c.cache != nil {
		if err := c.cache.Invalidate(ctx, agent); err != nil {
			return err
		}
	}
	storeResult(ctx, agent)
	return nil
}

func storeResult[T any](ctx context.Context, value T) {
	collector := gocmd.ResultFromContext[T](ctx)
	if collector == nil {
		return
	}
	collector.Store(value)
}
