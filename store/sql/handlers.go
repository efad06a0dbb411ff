package sqlstore

import (
	"strings"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
)

func agentHandlers() repository.ModelHandlers[*agentRecord] {
	return repository.ModelHandlers[*agentRecord]{
		NewRecord: func() *agentRecord {
			return &agentRecord{}
		},
		GetID: func(record *agentRecord) uuid.UUID {
			if record == nil {
				return uuid.Nil
			}
			return parseUUID(record.ID)
		},
		SetID: func(record *agentRecord, id uuid.UUID) {
			if record == nil {
				return
			}
			record.ID = id.String()
		},
		GetIdentifier: func() string {
			return "id"
		},
		GetIdentifierValue: func(record *agentRecord) string {
			if record == nil {
				return ""
			}
			return strings.TrimSpace(record.ID)
		},
	}
}

func submissionHandlers() repository.ModelHandlers[*submissionRecord] {
	return repository.ModelHandlers[*submissionRecord]{
		NewRecord: func() *submissionRecord {
			return &submissionRecord{}
		},
		GetID: func(record *submissionRecord) uuid.UUID {
			if record == nil {
				return uuid.Nil
			}
			return parseUUID(record.ID)
		},
		SetID: func(record *submissionRecord, id uuid.UUID) {
			if record == nil {
				return
			}
			record.ID = id.String()
		},
		GetIdentifier: func() string {
			return "id"
		},
		GetIdentifierValue: func(record *submissionRecord) string {
			if record == nil {
				return ""
			}
			return strings.TrimSpace(record.ID)
		},
	}
}

func queueMessageHandlers() repository.ModelHandlers[*queueMessageRecord] {
	return repository.ModelHandlers[*queueMessageRecord]{
		NewRecord: func() *queueMessageRecord {
			return &queueMessageRecord{}
		},
		GetID: func(record *queueMessageRecord) uuid.UUID {
			if record == nil {
				return uuid.Nil
			}
			return parseUUID(record.ID)
		},
		SetID: func(record *queueMessageRecord, id uuid.UUID) {
			if record == nil {
				return
			}
			record.ID = id.String()
		},
		GetIdentifier: func() string {
			return "id"
		},
		GetIdentifierValue: func(record *queueMessageRecord) string {
			if record == nil {
				return ""
			}
			return strings.TrimSpace(record.ID)
		},
	}
}

func parseUUID(value string) uuid.UUID {
	parsed, err := uuid.Parse(strings.TrimSpace(value))
	if err != nil {
		return uuid.Nil
	}
	return parsed
}
