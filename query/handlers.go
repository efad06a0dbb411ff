// Package query holds the read-side message handlers for inspecting
// pipeline state: submissions, agents, and parked queue messages.
package query

import (
	"context"

	"github.com/goliatone/go-leads/core"
)

// SubmissionReader is the read slice of the submission store.
type SubmissionReader interface {
	Get(ctx context.Context, id string) (core.Submission, error)
	ListByStatus(ctx context.Context, status core.SubmissionStatus, limit int) ([]core.Submission, error)
}

// AgentReader resolves routing agents by slug.
type AgentReader interface {
	GetBySlug(ctx context.Context, slug string) (core.Agent, error)
}

// DeadLetterReader lists messages parked by the durable queue.
type DeadLetterReader interface {
	DeadLetters(ctx context.Context, limit int) ([]core.QueueMessage, error)
}

type GetSubmissionQuery struct {
	reader SubmissionReader
}

func NewGetSubmissionQuery(reader SubmissionReader) *GetSubmissionQuery {
	return &GetSubmissionQuery{reader: reader}
}

func (q *GetSubmissionQuery) Query(ctx context.Context, msg GetSubmissionMessage) (core.Submission, error) {
	if q == nil || q.reader == nil {
		return core.Submission{}, queryDependencyError("query: submission reader is required")
	}
	if err := msg.Validate(); err != nil {
		return core.Submission{}, queryInvalidInputError(err.Error())
	}
	return q.reader.Get(ctx, msg.SubmissionID)
}

type ListSubmissionsByStatusQuery struct {
	reader SubmissionReader
}

func NewListSubmissionsByStatusQuery(reader SubmissionReader) *ListSubmissionsByStatusQuery {
	return &ListSubmissionsByStatusQuery{reader: reader}
}

func (q *ListSubmissionsByStatusQuery) Query(
	ctx context.Context,
	msg ListSubmissionsByStatusMessage,
) ([]core.Submission, error) {
	if q == nil || q.reader == nil {
		return nil, queryDependencyError("query: submission reader is required")
	}
	if err := msg.Validate(); err != nil {
		return nil, queryInvalidInputError(err.Error())
	}
	return q.reader.ListByStatus(ctx, msg.Status, msg.Limit)
}

type GetAgentQuery struct {
	reader AgentReader
}

func NewGetAgentQuery(reader AgentReader) *GetAgentQuery {
	return &GetAgentQuery{reader: reader}
}

func (q *GetAgentQuery) Query(ctx context.Context, msg GetAgentMessage) (core.Agent, error) {
	if q == nil || q.reader == nil {
		return core.Agent{}, queryDependencyError("query: agent reader is required")
	}
	if err := msg.Validate(); err != nil {
		return core.Agent{}, queryInvalidInputError(err.Error())
	}
	return q.reader.GetBySlug(ctx, msg.Slug)
}

type ListDeadLettersQuery struct {
	reader DeadLetterReader
}

func NewListDeadLettersQuery(reader DeadLetterReader) *ListDeadLettersQuery {
	return &ListDeadLettersQuery{reader: reader}
}

func (q *ListDeadLettersQuery) Query(ctx context.Context, msg ListDeadLettersMessage) ([]core.QueueMessage, error) {
	if q == nil || q.reader == nil {
		return nil, queryDependencyError("query: dead letter reader is required")
	}
	if err := msg.Validate(); err != nil {
		return nil, queryInvalidInputError(err.Error())
	}
	return q.reader.DeadLetters(ctx, msg.Limit)
}
