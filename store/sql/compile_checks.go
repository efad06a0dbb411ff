package sqlstore

import "github.com/goliatone/go-leads/core"

var (
	_ core.AgentStore      = (*AgentStore)(nil)
	_ core.AgentStore      = (*CachedAgentStore)(nil)
	_ core.SubmissionStore = (*SubmissionStore)(nil)
	_ core.QueueBridge     = (*QueueStore)(nil)
	_ core.Delivery        = (*queueDelivery)(nil)
)
