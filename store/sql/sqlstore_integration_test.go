package sqlstore_test

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"testing"
	"time"

	persistence "github.com/goliatone/go-persistence-bun"
	"github.com/goliatone/go-leads/core"
	leadsmigrations "github.com/goliatone/go-leads/migrations"
	sqlstore "github.com/goliatone/go-leads/store/sql"
	"github.com/google/uuid"
)

func TestMigrationSmokeApplySQLite(t *testing.T) {
	client, cleanup := newSQLiteClient(t)
	defer cleanup()

	for _, tableName := range []string{"agents", "lead_submissions", "lead_queue_messages"} {
		var found string
		if err := client.DB().NewRaw(
			"SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?",
			tableName,
		).Scan(context.Background(), &found); err != nil {
			t.Fatalf("query sqlite master for %s: %v", tableName, err)
		}
		if found != tableName {
			t.Fatalf("expected %s table, got %q", tableName, found)
		}
	}
}

func TestAgentStore_UpsertAndLookup(t *testing.T) {
	ctx := context.Background()
	client, cleanup := newSQLiteClient(t)
	defer cleanup()

	factory, err := sqlstore.NewStoreFactoryFromPersistence(client)
	if err != nil {
		t.Fatalf("new store factory: %v", err)
	}
	agents := factory.AgentStore()

	active, err := agents.Upsert(ctx, core.Agent{
		ID:        uuid.NewString(),
		Slug:      "Jane-Smith",
		FirstName: "Jane",
		LastName:  "Smith",
		Email:     "jane@example.com",
		TEOwnerID: "owner_1",
		Active:    true,
	})
	if err != nil {
		t.Fatalf("upsert active agent: %v", err)
	}

	inactive, err := agents.Upsert(ctx, core.Agent{
		ID:        uuid.NewString(),
		Slug:      "john-doe",
		TEOwnerID: "owner_2",
		Active:    false,
	})
	if err != nil {
		t.Fatalf("upsert inactive agent: %v", err)
	}

	found, err := agents.GetBySlug(ctx, "  JANE-SMITH ")
	if err != nil {
		t.Fatalf("get by slug: %v", err)
	}
	if found.ID != active.ID {
		t.Fatalf("expected agent %s, got %s", active.ID, found.ID)
	}
	if found.Slug != "jane-smith" {
		t.Fatalf("expected normalized slug, got %q", found.Slug)
	}
	if found.TEOwnerID != "owner_1" {
		t.Fatalf("expected owner_1, got %q", found.TEOwnerID)
	}

	if _, err := agents.GetBySlug(ctx, "john-doe"); !errors.Is(err, core.ErrAgentNotFound) {
		t.Fatalf("expected inactive agent to be hidden, got %v", err)
	}
	if _, err := agents.GetBySlug(ctx, "nobody"); !errors.Is(err, core.ErrAgentNotFound) {
		t.Fatalf("expected unknown slug not found, got %v", err)
	}

	byID, err := agents.Get(ctx, inactive.ID)
	if err != nil {
		t.Fatalf("get by id: %v", err)
	}
	if byID.Active {
		t.Fatalf("expected inactive agent by id")
	}

	// Re-upsert on the same id updates in place.
	if _, err := agents.Upsert(ctx, core.Agent{
		ID:        active.ID,
		Slug:      "jane-smith",
		TEOwnerID: "owner_1b",
		Active:    true,
	}); err != nil {
		t.Fatalf("re-upsert agent: %v", err)
	}
	refreshed, err := agents.GetBySlug(ctx, "jane-smith")
	if err != nil {
		t.Fatalf("get refreshed agent: %v", err)
	}
	if refreshed.TEOwnerID != "owner_1b" {
		t.Fatalf("expected updated owner, got %q", refreshed.TEOwnerID)
	}
}

func TestSubmissionStore_StatusLifecycle(t *testing.T) {
	ctx := context.Background()
	client, cleanup := newSQLiteClient(t)
	defer cleanup()

	factory, err := sqlstore.NewStoreFactoryFromPersistence(client)
	if err != nil {
		t.Fatalf("new store factory: %v", err)
	}

	agent := seedAgent(t, factory, "lifecycle-agent", "owner_9")
	submissions := factory.SubmissionStore()

	created, err := submissions.Create(ctx, core.Submission{
		ID:         uuid.NewString(),
		AgentID:    agent.ID,
		AgentSlug:  agent.Slug,
		Source:     "Web Form",
		FirstName:  "Pat",
		LastName:   "Lee",
		Email:      "pat@example.com",
		RawPayload: map[string]any{"loSlug": agent.Slug, "email": "pat@example.com"},
	})
	if err != nil {
		t.Fatalf("create submission: %v", err)
	}
	if created.Status != core.SubmissionStatusReceived {
		t.Fatalf("expected received status, got %s", created.Status)
	}
	if created.AttemptCount != 0 {
		t.Fatalf("expected zero attempts, got %d", created.AttemptCount)
	}

	queued, err := submissions.MarkQueued(ctx, created.ID, time.Now().UTC())
	if err != nil {
		t.Fatalf("mark queued: %v", err)
	}
	if queued.Status != core.SubmissionStatusQueued || queued.QueuedAt == nil {
		t.Fatalf("expected queued submission with timestamp, got %+v", queued)
	}

	failed, err := submissions.MarkSyncFailed(ctx, created.ID, errors.New("upstream timeout"))
	if err != nil {
		t.Fatalf("mark sync failed: %v", err)
	}
	if failed.Status != core.SubmissionStatusFailed {
		t.Fatalf("expected failed status, got %s", failed.Status)
	}
	if failed.AttemptCount != 1 {
		t.Fatalf("expected attempt count 1, got %d", failed.AttemptCount)
	}
	if failed.LastError == "" {
		t.Fatalf("expected last error to be recorded")
	}

	failedAgain, err := submissions.MarkSyncFailed(ctx, created.ID, errors.New("upstream timeout"))
	if err != nil {
		t.Fatalf("mark sync failed again: %v", err)
	}
	if failedAgain.AttemptCount != 2 {
		t.Fatalf("expected attempt count 2, got %d", failedAgain.AttemptCount)
	}

	synced, err := submissions.MarkSynced(ctx, created.ID, "ct_123", time.Now().UTC())
	if err != nil {
		t.Fatalf("mark synced: %v", err)
	}
	if synced.Status != core.SubmissionStatusSynced {
		t.Fatalf("expected synced status, got %s", synced.Status)
	}
	if synced.TEContactID != "ct_123" {
		t.Fatalf("expected contact id ct_123, got %q", synced.TEContactID)
	}
	if synced.LastError != "" {
		t.Fatalf("expected last error cleared, got %q", synced.LastError)
	}

	stored, err := submissions.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("get submission: %v", err)
	}
	if stored.Status != core.SubmissionStatusSynced || stored.AttemptCount != 2 {
		t.Fatalf("unexpected stored submission %+v", stored)
	}
	if stored.RawPayload["email"] != "pat@example.com" {
		t.Fatalf("expected raw payload to round-trip, got %v", stored.RawPayload)
	}

	syncedList, err := submissions.ListByStatus(ctx, core.SubmissionStatusSynced, 10)
	if err != nil {
		t.Fatalf("list by status: %v", err)
	}
	if len(syncedList) != 1 || syncedList[0].ID != created.ID {
		t.Fatalf("expected one synced submission, got %+v", syncedList)
	}

	if _, err := submissions.Get(ctx, uuid.NewString()); !errors.Is(err, core.ErrSubmissionNotFound) {
		t.Fatalf("expected submission not found, got %v", err)
	}
}

func TestQueueStore_EnqueueReceiveAckNack(t *testing.T) {
	ctx := context.Background()
	client, cleanup := newSQLiteClient(t)
	defer cleanup()

	factory, err := sqlstore.NewStoreFactoryFromPersistence(client,
		sqlstore.WithQueuePollInterval(5*time.Millisecond),
	)
	if err != nil {
		t.Fatalf("new store factory: %v", err)
	}

	agent := seedAgent(t, factory, "queue-agent", "owner_q")
	submission := seedSubmission(t, factory, agent)
	queue := factory.QueueStore()

	if err := queue.Enqueue(ctx, core.QueueMessage{
		SubmissionID: submission.ID,
		AgentSlug:    agent.Slug,
		Metadata:     map[string]any{"source": "webform"},
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	deliveries, err := queue.Receive(ctx, 10, 500*time.Millisecond)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if len(deliveries) != 1 {
		t.Fatalf("expected one delivery, got %d", len(deliveries))
	}
	delivery := deliveries[0]
	if delivery.Attempt() != 1 {
		t.Fatalf("expected first attempt, got %d", delivery.Attempt())
	}
	msg := delivery.Message()
	if msg.SubmissionID != submission.ID {
		t.Fatalf("expected submission %s, got %s", submission.ID, msg.SubmissionID)
	}
	if msg.AgentSlug != agent.Slug {
		t.Fatalf("expected agent slug %s, got %s", agent.Slug, msg.AgentSlug)
	}

	// Claimed messages are leased: a second receive sees nothing.
	idle, err := queue.Receive(ctx, 10, 0)
	if err != nil {
		t.Fatalf("receive while leased: %v", err)
	}
	if len(idle) != 0 {
		t.Fatalf("expected no deliveries while leased, got %d", len(idle))
	}

	if err := delivery.Nack(ctx, core.NackOptions{
		Delay:  40 * time.Millisecond,
		Reason: "upstream timeout",
	}); err != nil {
		t.Fatalf("nack: %v", err)
	}

	// Not yet visible inside the backoff window.
	early, err := queue.Receive(ctx, 10, 0)
	if err != nil {
		t.Fatalf("receive inside backoff: %v", err)
	}
	if len(early) != 0 {
		t.Fatalf("expected backoff to hide message, got %d deliveries", len(early))
	}

	redelivered, err := queue.Receive(ctx, 10, time.Second)
	if err != nil {
		t.Fatalf("receive after backoff: %v", err)
	}
	if len(redelivered) != 1 {
		t.Fatalf("expected redelivery after backoff, got %d", len(redelivered))
	}
	if redelivered[0].Attempt() != 2 {
		t.Fatalf("expected second attempt, got %d", redelivered[0].Attempt())
	}

	if err := redelivered[0].Ack(ctx); err != nil {
		t.Fatalf("ack: %v", err)
	}

	drained, err := queue.Receive(ctx, 10, 0)
	if err != nil {
		t.Fatalf("receive after ack: %v", err)
	}
	if len(drained) != 0 {
		t.Fatalf("expected empty queue after ack, got %d deliveries", len(drained))
	}
}

func TestQueueStore_DeadLetterAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	client, cleanup := newSQLiteClient(t)
	defer cleanup()

	factory, err := sqlstore.NewStoreFactoryFromPersistence(client,
		sqlstore.WithQueuePollInterval(5*time.Millisecond),
		sqlstore.WithQueueMaxAttempts(2),
	)
	if err != nil {
		t.Fatalf("new store factory: %v", err)
	}

	agent := seedAgent(t, factory, "dead-letter-agent", "owner_d")
	submission := seedSubmission(t, factory, agent)
	queue := factory.QueueStore()

	if err := queue.Enqueue(ctx, core.QueueMessage{SubmissionID: submission.ID, AgentSlug: agent.Slug}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	for attempt := 1; attempt <= 2; attempt++ {
		deliveries, err := queue.Receive(ctx, 1, time.Second)
		if err != nil {
			t.Fatalf("receive attempt %d: %v", attempt, err)
		}
		if len(deliveries) != 1 {
			t.Fatalf("expected delivery on attempt %d, got %d", attempt, len(deliveries))
		}
		if deliveries[0].Attempt() != attempt {
			t.Fatalf("expected attempt %d, got %d", attempt, deliveries[0].Attempt())
		}
		if err := deliveries[0].Nack(ctx, core.NackOptions{Reason: "still failing"}); err != nil {
			t.Fatalf("nack attempt %d: %v", attempt, err)
		}
	}

	empty, err := queue.Receive(ctx, 1, 0)
	if err != nil {
		t.Fatalf("receive after dead letter: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("expected dead-lettered message to stay parked, got %d deliveries", len(empty))
	}

	parked, err := queue.DeadLetters(ctx, 10)
	if err != nil {
		t.Fatalf("dead letters: %v", err)
	}
	if len(parked) != 1 || parked[0].SubmissionID != submission.ID {
		t.Fatalf("expected one dead letter for %s, got %+v", submission.ID, parked)
	}
}

func TestQueueStore_ExplicitDeadLetter(t *testing.T) {
	ctx := context.Background()
	client, cleanup := newSQLiteClient(t)
	defer cleanup()

	factory, err := sqlstore.NewStoreFactoryFromPersistence(client,
		sqlstore.WithQueuePollInterval(5*time.Millisecond),
	)
	if err != nil {
		t.Fatalf("new store factory: %v", err)
	}

	agent := seedAgent(t, factory, "poison-agent", "owner_p")
	submission := seedSubmission(t, factory, agent)
	queue := factory.QueueStore()

	if err := queue.Enqueue(ctx, core.QueueMessage{SubmissionID: submission.ID}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	deliveries, err := queue.Receive(ctx, 1, time.Second)
	if err != nil || len(deliveries) != 1 {
		t.Fatalf("receive: %v (%d deliveries)", err, len(deliveries))
	}
	if err := deliveries[0].Nack(ctx, core.NackOptions{Reason: "poison payload", DeadLetter: true}); err != nil {
		t.Fatalf("dead-letter nack: %v", err)
	}

	parked, err := queue.DeadLetters(ctx, 10)
	if err != nil {
		t.Fatalf("dead letters: %v", err)
	}
	if len(parked) != 1 {
		t.Fatalf("expected one dead letter, got %d", len(parked))
	}
}

func TestQueueStore_LeaseExpiryReclaim(t *testing.T) {
	ctx := context.Background()
	client, cleanup := newSQLiteClient(t)
	defer cleanup()

	factory, err := sqlstore.NewStoreFactoryFromPersistence(client,
		sqlstore.WithQueuePollInterval(5*time.Millisecond),
		sqlstore.WithQueueLease(30*time.Millisecond),
	)
	if err != nil {
		t.Fatalf("new store factory: %v", err)
	}

	agent := seedAgent(t, factory, "crash-agent", "owner_c")
	submission := seedSubmission(t, factory, agent)
	queue := factory.QueueStore()

	if err := queue.Enqueue(ctx, core.QueueMessage{SubmissionID: submission.ID}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	first, err := queue.Receive(ctx, 1, time.Second)
	if err != nil || len(first) != 1 {
		t.Fatalf("first receive: %v (%d deliveries)", err, len(first))
	}
	// Never settled: a crashed consumer. The lease expires and the message
	// becomes claimable again.
	reclaimed, err := queue.Receive(ctx, 1, time.Second)
	if err != nil {
		t.Fatalf("reclaim receive: %v", err)
	}
	if len(reclaimed) != 1 {
		t.Fatalf("expected reclaimed delivery, got %d", len(reclaimed))
	}
	if reclaimed[0].Attempt() != 2 {
		t.Fatalf("expected reclaim to count as attempt 2, got %d", reclaimed[0].Attempt())
	}
	if err := reclaimed[0].Ack(ctx); err != nil {
		t.Fatalf("ack reclaimed: %v", err)
	}
}

func seedAgent(t *testing.T, factory *sqlstore.StoreFactory, slug string, ownerID string) core.Agent {
	t.Helper()
	agent, err := factory.AgentStore().Upsert(context.Background(), core.Agent{
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

func seedSubmission(t *testing.T, factory *sqlstore.StoreFactory, agent core.Agent) core.Submission {
	t.Helper()
	submission, err := factory.SubmissionStore().Create(context.Background(), core.Submission{
		ID:         uuid.NewString(),
		AgentID:    agent.ID,
		AgentSlug:  agent.Slug,
		Email:      "lead@example.com",
		RawPayload: map[string]any{"loSlug": agent.Slug},
	})
	if err != nil {
		t.Fatalf("seed submission: %v", err)
	}
	return submission
}

func newSQLiteClient(t *testing.T) (*persistence.Client, func()) {
	t.Helper()

	dsn := fmt.Sprintf(
		"file:leads-test-%d?mode=memory&cache=shared&_foreign_keys=on",
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
	_, err = leadsmigrations.Register(ctx, func(_ context.Context, dialect string, _ string, fsys fs.FS) error {
		if dialect != leadsmigrations.DialectSQLite {
			return nil
		}
		client.RegisterSQLMigrations(fsys)
		return nil
	}, leadsmigrations.WithValidationTargets(leadsmigrations.DialectSQLite))
	if err != nil {
		_ = client.Close()
		t.Fatalf("register migrations: %v", err)
	}
	if err := client.Migrate(ctx); err != nil {
		_ = client.Close()
		t.Fatalf("migrate: %v", err)
	}

	return client, func() {
		_ = client.Close()
	}
}
