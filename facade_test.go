package leads_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	leads "github.com/goliatone/go-leads"
	leadscommand "github.com/goliatone/go-leads/command"
	"github.com/goliatone/go-leads/core"
	"github.com/goliatone/go-leads/migrations"
	leadsquery "github.com/goliatone/go-leads/query"
	sqlstore "github.com/goliatone/go-leads/store/sql"
)

type stubCRMClient struct {
	mu        sync.Mutex
	contactID string
	err       error
	calls     []core.Contact
}

func (c *stubCRMClient) UpsertContact(_ context.Context, contact core.Contact) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, contact)
	if c.err != nil {
		return "", c.err
	}
	return c.contactID, nil
}

func newTestPipeline(t *testing.T, crmClient core.CRMClient) (*leads.Pipeline, func()) {
	t.Helper()

	dsn := fmt.Sprintf(
		"file:leads-facade-%d?mode=memory&cache=shared&_foreign_keys=on",
		time.Now().UnixNano(),
	)
	client, err := sqlstore.NewSQLiteClient(sqlstore.ConnectionConfig{
		DSN:            dsn,
		MaxOpenConns:   1,
		OtelIdentifier: "go-leads-tests",
	})
	if err != nil {
		t.Fatalf("new persistence client: %v", err)
	}

	ctx := context.Background()
	_, err = migrations.Register(ctx, func(_ context.Context, _ string, _ string, fsys fs.FS) error {
		client.RegisterSQLMigrations(fsys)
		return nil
	}, migrations.WithValidationTargets(migrations.DialectSQLite))
	if err != nil {
		_ = client.Close()
		t.Fatalf("register migrations: %v", err)
	}
	if err := client.Migrate(ctx); err != nil {
		_ = client.Close()
		t.Fatalf("migrate: %v", err)
	}

	cfg := leads.DefaultConfig()
	pipeline, err := leads.Setup(cfg, client,
		leads.WithSetupCRMClient(crmClient),
		leads.WithAgentCacheTTL(time.Minute),
		leads.WithQueueStoreOptions(sqlstore.WithQueuePollInterval(5*time.Millisecond)),
	)
	if err != nil {
		_ = client.Close()
		t.Fatalf("setup pipeline: %v", err)
	}

	return pipeline, func() {
		_ = client.Close()
	}
}

func seedPipelineAgent(t *testing.T, pipeline *leads.Pipeline, slug string, ownerID string) core.Agent {
	t.Helper()
	agent, err := pipeline.Stores().AgentStore().Upsert(context.Background(), core.Agent{
		ID:        uuid.NewString(),
		Slug:      slug,
		TEOwnerID: ownerID,
		Active:    true,
	})
	if err != nil {
		t.Fatalf("seed agent %s: %v", slug, err)
	}
	return agent
}

func TestPipelineWebformToSyncedContact(t *testing.T) {
	crmClient := &stubCRMClient{contactID: "ct_123"}
	pipeline, cleanup := newTestPipeline(t, crmClient)
	defer cleanup()

	seedPipelineAgent(t, pipeline, "jane-smith", "owner_1")

	handler, err := pipeline.WebhookHandler()
	if err != nil {
		t.Fatalf("webhook handler: %v", err)
	}
	server := httptest.NewServer(handler.Routes())
	defer server.Close()

	body, _ := json.Marshal(map[string]any{
		"lo_slug":    "jane-smith",
		"first_name": "Ada",
		"last_name":  "Lovelace",
		"email":      "ada@example.com",
		"phone":      "555-0100",
	})
	resp, err := http.Post(server.URL+"/leads/webform?source=landing", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post webform: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	var created struct {
		SubmissionID string `json:"submission_id"`
		Status       string `json:"status"`
		Queued       bool   `json:"queued"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if created.SubmissionID == "" || !created.Queued {
		t.Fatalf("expected queued submission, got %+v", created)
	}
	if created.Status != string(core.SubmissionStatusQueued) {
		t.Fatalf("expected queued status, got %q", created.Status)
	}

	ctx := context.Background()
	deliveries, err := pipeline.Queue().Receive(ctx, 1, time.Second)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if len(deliveries) != 1 {
		t.Fatalf("expected one delivery, got %d", len(deliveries))
	}
	pipeline.Worker().Handle(ctx, deliveries[0])

	synced, err := pipeline.Queries().GetSubmission.Query(ctx, leadsquery.GetSubmissionMessage{
		SubmissionID: created.SubmissionID,
	})
	if err != nil {
		t.Fatalf("get submission: %v", err)
	}
	if synced.Status != core.SubmissionStatusSynced {
		t.Fatalf("expected synced status, got %q", synced.Status)
	}
	if synced.TEContactID != "ct_123" {
		t.Fatalf("expected contact id ct_123, got %q", synced.TEContactID)
	}

	crmClient.mu.Lock()
	defer crmClient.mu.Unlock()
	if len(crmClient.calls) != 1 {
		t.Fatalf("expected one CRM upsert, got %d", len(crmClient.calls))
	}
	if crmClient.calls[0].OwnerID != "owner_1" {
		t.Fatalf("expected routed owner, got %q", crmClient.calls[0].OwnerID)
	}
	if crmClient.calls[0].Email != "ada@example.com" {
		t.Fatalf("expected contact email, got %q", crmClient.calls[0].Email)
	}

	// Redelivery of an already synced submission must ack without another
	// CRM call.
	drained, err := pipeline.Queue().Receive(ctx, 1, 30*time.Millisecond)
	if err != nil {
		t.Fatalf("drain receive: %v", err)
	}
	if len(drained) != 0 {
		t.Fatalf("expected empty queue after ack, got %d", len(drained))
	}
}

func TestPipelineUnroutableAgentFailsPermanently(t *testing.T) {
	crmClient := &stubCRMClient{contactID: "ct_999"}
	pipeline, cleanup := newTestPipeline(t, crmClient)
	defer cleanup()

	seedPipelineAgent(t, pipeline, "no-owner", "")

	ctx := context.Background()
	result, err := pipeline.Intake().Submit(ctx, core.IntakeRequest{
		Payload: map[string]any{
			"lo_slug": "no-owner",
			"email":   "lead@example.com",
		},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !result.Queued {
		t.Fatalf("expected submission queued, got %+v", result)
	}

	deliveries, err := pipeline.Queue().Receive(ctx, 1, time.Second)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if len(deliveries) != 1 {
		t.Fatalf("expected one delivery, got %d", len(deliveries))
	}
	pipeline.Worker().Handle(ctx, deliveries[0])

	submission, err := pipeline.Queries().GetSubmission.Query(ctx, leadsquery.GetSubmissionMessage{
		SubmissionID: result.Submission.ID,
	})
	if err != nil {
		t.Fatalf("get submission: %v", err)
	}
	if submission.Status != core.SubmissionStatusFailed {
		t.Fatalf("expected failed status, got %q", submission.Status)
	}
	if submission.LastError == "" {
		t.Fatalf("expected recorded failure reason")
	}
	crmClient.mu.Lock()
	defer crmClient.mu.Unlock()
	if len(crmClient.calls) != 0 {
		t.Fatalf("expected no CRM call for unroutable agent, got %d", len(crmClient.calls))
	}
}

func TestPipelineRequeueFailedSubmission(t *testing.T) {
	crmClient := &stubCRMClient{err: errors.New("provider offline")}
	pipeline, cleanup := newTestPipeline(t, crmClient)
	defer cleanup()

	seedPipelineAgent(t, pipeline, "jane-smith", "owner_1")

	ctx := context.Background()
	result, err := pipeline.Intake().Submit(ctx, core.IntakeRequest{
		Payload: map[string]any{
			"lo_slug": "jane-smith",
			"email":   "lead@example.com",
		},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	deliveries, err := pipeline.Queue().Receive(ctx, 1, time.Second)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if len(deliveries) != 1 {
		t.Fatalf("expected one delivery, got %d", len(deliveries))
	}
	// Transient CRM failure nacks the delivery and records the failure.
	pipeline.Worker().Handle(ctx, deliveries[0])

	failed, err := pipeline.Queries().GetSubmission.Query(ctx, leadsquery.GetSubmissionMessage{
		SubmissionID: result.Submission.ID,
	})
	if err != nil {
		t.Fatalf("get submission: %v", err)
	}
	if failed.Status != core.SubmissionStatusFailed {
		t.Fatalf("expected failed status, got %q", failed.Status)
	}

	crmClient.mu.Lock()
	crmClient.err = nil
	crmClient.contactID = "ct_456"
	crmClient.mu.Unlock()

	if err := pipeline.Commands().RequeueSubmission.Execute(ctx, leadscommand.RequeueSubmissionMessage{
		SubmissionID: result.Submission.ID,
		Reason:       "provider recovered",
	}); err != nil {
		t.Fatalf("requeue: %v", err)
	}

	// The original nacked message plus the requeued one may both surface;
	// handling either syncs the submission, handling both is harmless.
	deadline := time.Now().Add(2 * time.Second)
	for {
		redelivered, err := pipeline.Queue().Receive(ctx, 2, 200*time.Millisecond)
		if err != nil {
			t.Fatalf("redelivery receive: %v", err)
		}
		for _, delivery := range redelivered {
			pipeline.Worker().Handle(ctx, delivery)
		}
		submission, err := pipeline.Queries().GetSubmission.Query(ctx, leadsquery.GetSubmissionMessage{
			SubmissionID: result.Submission.ID,
		})
		if err != nil {
			t.Fatalf("get submission: %v", err)
		}
		if submission.Status == core.SubmissionStatusSynced {
			if submission.TEContactID != "ct_456" {
				t.Fatalf("expected contact id ct_456, got %q", submission.TEContactID)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("submission never synced after requeue, status %q", submission.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestPipelineAgentQueriesUseCache(t *testing.T) {
	crmClient := &stubCRMClient{contactID: "ct_1"}
	pipeline, cleanup := newTestPipeline(t, crmClient)
	defer cleanup()

	seedPipelineAgent(t, pipeline, "jane-smith", "owner_1")

	ctx := context.Background()
	agent, err := pipeline.Queries().GetAgent.Query(ctx, leadsquery.GetAgentMessage{Slug: "Jane-Smith"})
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if agent.Slug != "jane-smith" {
		t.Fatalf("expected normalized slug lookup, got %q", agent.Slug)
	}

	// A stale cache would hide the owner change without the upsert command's
	// invalidation hook.
	updated := agent
	updated.TEOwnerID = "owner_2"
	if err := pipeline.Commands().UpsertAgent.Execute(ctx, leadscommand.UpsertAgentMessage{Agent: updated}); err != nil {
		t.Fatalf("upsert agent: %v", err)
	}
	refreshed, err := pipeline.Queries().GetAgent.Query(ctx, leadsquery.GetAgentMessage{Slug: "jane-smith"})
	if err != nil {
		t.Fatalf("get refreshed agent: %v", err)
	}
	if refreshed.TEOwnerID != "owner_2" {
		t.Fatalf("expected refreshed owner id, got %q", refreshed.TEOwnerID)
	}

	letters, err := pipeline.Queries().ListDeadLetters.Query(ctx, leadsquery.ListDeadLettersMessage{Limit: 10})
	if err != nil {
		t.Fatalf("list dead letters: %v", err)
	}
	if len(letters) != 0 {
		t.Fatalf("expected no dead letters, got %d", len(letters))
	}
}

func TestSetupValidation(t *testing.T) {
	if _, err := leads.Setup(leads.DefaultConfig(), nil); err == nil {
		t.Fatalf("expected error for missing persistence client")
	}
}
