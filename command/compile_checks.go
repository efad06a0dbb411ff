package command

import gocmd "github.com/goliatone/go-command"

var (
	_ gocmd.Commander[RequeueSubmissionMessage] = (*RequeueSubmissionCommand)(nil)
	_ gocmd.Commander[UpsertAgentMessage]       = (*UpsertAgentCommand)(nil)
)
