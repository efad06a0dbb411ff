package query

import (
	gocmd "github.com/goliatone/go-command"

	"github.com/goliatone/go-leads/core"
)

var (
	_ gocmd.Querier[GetSubmissionMessage, core.Submission]             = (*GetSubmissionQuery)(nil)
	_ gocmd.Querier[ListSubmissionsByStatusMessage, []core.Submission] = (*ListSubmissionsByStatusQuery)(nil)
	_ gocmd.Querier[GetAgentMessage, core.Agent]                       = (*GetAgentQuery)(nil)
	_ gocmd.Querier[ListDeadLettersMessage, []core.QueueMessage]       = (*ListDeadLettersQuery)(nil)
)
