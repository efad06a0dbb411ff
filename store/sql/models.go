package sqlstore

import (
	"strings"
	"time"

	"github.com/uptrace/bun"

	"github.com/goliatone/go-leads/core"
)

type agentRecord struct {
	bun.BaseModel `bun:"table:agents,alias:a"`

	ID        string     `bun:"id,pk"`
	Slug      string     `bun:"slug,notnull"`
	FirstName string     `bun:"first_name"`
	LastName  string     `bun:"last_name"`
	Email     string     `bun:"email"`
	Phone     string     `bun:"phone"`
	TEOwnerID string     `bun:"te_owner_id"`
	Active    bool       `bun:"active,notnull"`
	CreatedAt time.Time  `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt time.Time  `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
	DeletedAt *time.Time `bun:"deleted_at,soft_delete"`
}

func (r *agentRecord) toDomain() core.Agent {
	if r == nil {
		return core.Agent{}
	}
	return core.Agent{
		ID:        strings.TrimSpace(r.ID),
		Slug:      core.NormalizeSlug(r.Slug),
		FirstName: r.FirstName,
		LastName:  r.LastName,
		Email:     r.Email,
		Phone:     r.Phone,
		TEOwnerID: strings.TrimSpace(r.TEOwnerID),
		Active:    r.Active,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

func newAgentRecord(agent core.Agent, now time.Time) *agentRecord {
	createdAt := agent.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	return &agentRecord{
		ID:        strings.TrimSpace(agent.ID),
		Slug:      core.NormalizeSlug(agent.Slug),
		FirstName: agent.FirstName,
		LastName:  agent.LastName,
		Email:     agent.Email,
		Phone:     agent.Phone,
		TEOwnerID: strings.TrimSpace(agent.TEOwnerID),
		Active:    agent.Active,
		CreatedAt: createdAt,
		UpdatedAt: now,
	}
}

type submissionRecord struct {
	bun.BaseModel `bun:"table:lead_submissions,alias:ls"`

	ID           string         `bun:"id,pk"`
	AgentID      string         `bun:"agent_id,notnull"`
	AgentSlug    string         `bun:"agent_slug,notnull"`
	Source       string         `bun:"source"`
	FirstName    string         `bun:"first_name"`
	LastName     string         `bun:"last_name"`
	Email        string         `bun:"email"`
	Phone        string         `bun:"phone"`
	OKToEmail    bool           `bun:"ok_to_email,notnull"`
	OKToCall     bool           `bun:"ok_to_call,notnull"`
	PageURL      string         `bun:"page_url"`
	Referrer     string         `bun:"referrer"`
	IPAddress    string         `bun:"ip_address"`
	UserAgent    string         `bun:"user_agent"`
	RawPayload   map[string]any `bun:"raw_payload,type:jsonb,notnull"`
	Status       string         `bun:"status,notnull"`
	TEContactID  string         `bun:"te_contact_id"`
	AttemptCount int            `bun:"attempt_count,notnull"`
	LastError    string         `bun:"last_error"`
	SubmittedAt  time.Time      `bun:"submitted_at,notnull"`
	QueuedAt     *time.Time     `bun:"queued_at,nullzero"`
	SyncedAt     *time.Time     `bun:"synced_at,nullzero"`
	CreatedAt    time.Time      `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt    time.Time      `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

func (r *submissionRecord) toDomain() core.Submission {
	if r == nil {
		return core.Submission{}
	}
	return core.Submission{
		ID:           strings.TrimSpace(r.ID),
		AgentID:      strings.TrimSpace(r.AgentID),
		AgentSlug:    r.AgentSlug,
		Source:       r.Source,
		FirstName:    r.FirstName,
		LastName:     r.LastName,
		Email:        r.Email,
		Phone:        r.Phone,
		OKToEmail:    r.OKToEmail,
		OKToCall:     r.OKToCall,
		PageURL:      r.PageURL,
		Referrer:     r.Referrer,
		IPAddress:    r.IPAddress,
		UserAgent:    r.UserAgent,
		RawPayload:   copyAnyMap(r.RawPayload),
		Status:       core.SubmissionStatus(r.Status),
		TEContactID:  r.TEContactID,
		AttemptCount: r.AttemptCount,
		LastError:    r.LastError,
		SubmittedAt:  r.SubmittedAt,
		QueuedAt:     cloneTimePtr(r.QueuedAt),
		SyncedAt:     cloneTimePtr(r.SyncedAt),
	}
}

func newSubmissionRecord(submission core.Submission, now time.Time) *submissionRecord {
	submittedAt := submission.SubmittedAt.UTC()
	if submittedAt.IsZero() {
		submittedAt = now
	}
	return &submissionRecord{
		ID:           strings.TrimSpace(submission.ID),
		AgentID:      strings.TrimSpace(submission.AgentID),
		AgentSlug:    core.NormalizeSlug(submission.AgentSlug),
		Source:       submission.Source,
		FirstName:    submission.FirstName,
		LastName:     submission.LastName,
		Email:        submission.Email,
		Phone:        submission.Phone,
		OKToEmail:    submission.OKToEmail,
		OKToCall:     submission.OKToCall,
		PageURL:      submission.PageURL,
		Referrer:     submission.Referrer,
		IPAddress:    submission.IPAddress,
		UserAgent:    submission.UserAgent,
		RawPayload:   copyAnyMap(submission.RawPayload),
		Status:       string(submission.Status),
		TEContactID:  submission.TEContactID,
		AttemptCount: submission.AttemptCount,
		LastError:    submission.LastError,
		SubmittedAt:  submittedAt,
		QueuedAt:     cloneTimePtr(submission.QueuedAt),
		SyncedAt:     cloneTimePtr(submission.SyncedAt),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

type queueMessageRecord struct {
	bun.BaseModel `bun:"table:lead_queue_messages,alias:lqm"`

	ID             string         `bun:"id,pk"`
	SubmissionID   string         `bun:"submission_id,notnull"`
	AgentSlug      string         `bun:"agent_slug"`
	Metadata       map[string]any `bun:"metadata,type:jsonb,notnull"`
	Status         string         `bun:"status,notnull"`
	Attempts       int            `bun:"attempts,notnull"`
	VisibleAt      *time.Time     `bun:"visible_at,nullzero"`
	LeaseExpiresAt *time.Time     `bun:"lease_expires_at,nullzero"`
	LastError      string         `bun:"last_error"`
	CreatedAt      time.Time      `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt      time.Time      `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

func (r *queueMessageRecord) toMessage() core.QueueMessage {
	if r == nil {
		return core.QueueMessage{}
	}
	return core.QueueMessage{
		SubmissionID: strings.TrimSpace(r.SubmissionID),
		AgentSlug:    r.AgentSlug,
		Metadata:     copyAnyMap(r.Metadata),
	}
}

func copyAnyMap(in map[string]any) map[string]any {
	if len(in) == 0 {
		return map[string]any{}
	}
	out := make(map[string]any, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}

func cloneTimePtr(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	copied := value.UTC()
	return &copied
}
