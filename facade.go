// Package leads assembles the lead capture pipeline: webform intake,
// durable queueing, and CRM synchronization, backed by SQL storage.
package leads

import (
	"fmt"
	"time"

	persistence "github.com/goliatone/go-persistence-bun"
	repositorycache "github.com/goliatone/go-repository-cache/cache"

	leadscommand "github.com/goliatone/go-leads/command"
	"github.com/goliatone/go-leads/core"
	"github.com/goliatone/go-leads/crm"
	leadsquery "github.com/goliatone/go-leads/query"
	sqlstore "github.com/goliatone/go-leads/store/sql"
	"github.com/goliatone/go-leads/webhooks"
)

// Commands groups the mutating handlers the pipeline exposes to callers.
type Commands struct {
	RequeueSubmission *leadscommand.RequeueSubmissionCommand
	UpsertAgent       *leadscommand.UpsertAgentCommand
}

// Queries groups the read handlers the pipeline exposes to callers.
type Queries struct {
	GetSubmission           *leadsquery.GetSubmissionQuery
	ListSubmissionsByStatus *leadsquery.ListSubmissionsByStatusQuery
	GetAgent                *leadsquery.GetAgentQuery
	ListDeadLetters         *leadsquery.ListDeadLettersQuery
}

// Pipeline is the fully wired lead pipeline. Build one with Setup.
type Pipeline struct {
	config   core.Config
	stores   *sqlstore.StoreFactory
	agents   core.AgentStore
	queue    core.QueueBridge
	crm      core.CRMClient
	intake   *core.IntakeService
	worker   *core.SyncWorker
	commands Commands
	queries  Queries
}

type setupConfig struct {
	logger         core.Logger
	loggerProvider core.LoggerProvider
	metrics        core.MetricsRecorder
	crmClient      core.CRMClient
	queue          core.QueueBridge
	agentCacheTTL  time.Duration
	queueOptions   []sqlstore.QueueStoreOption
	clock          func() time.Time
}

// SetupOption customizes pipeline assembly.
type SetupOption func(*setupConfig)

// WithSetupLogger sets the logger shared by every pipeline component.
func WithSetupLogger(logger core.Logger) SetupOption {
	return func(cfg *setupConfig) {
		cfg.logger = logger
	}
}

// WithSetupLoggerProvider sets a provider used to resolve per-component loggers.
func WithSetupLoggerProvider(provider core.LoggerProvider) SetupOption {
	return func(cfg *setupConfig) {
		cfg.loggerProvider = provider
	}
}

// WithSetupMetrics sets the metrics recorder shared by intake and the worker.
func WithSetupMetrics(recorder core.MetricsRecorder) SetupOption {
	return func(cfg *setupConfig) {
		cfg.metrics = recorder
	}
}

// WithSetupCRMClient swaps the Total Expert client for a custom CRM client.
func WithSetupCRMClient(client core.CRMClient) SetupOption {
	return func(cfg *setupConfig) {
		cfg.crmClient = client
	}
}

// WithSetupQueueBridge swaps the SQL-backed queue for a custom bridge, for
// example a go-job broker adapter.
func WithSetupQueueBridge(queue core.QueueBridge) SetupOption {
	return func(cfg *setupConfig) {
		cfg.queue = queue
	}
}

// WithAgentCacheTTL enables the read-through agent cache with the given TTL.
// A zero or negative TTL leaves agent lookups uncached.
func WithAgentCacheTTL(ttl time.Duration) SetupOption {
	return func(cfg *setupConfig) {
		cfg.agentCacheTTL = ttl
	}
}

// WithQueueStoreOptions forwards extra options to the SQL queue store.
func WithQueueStoreOptions(options ...sqlstore.QueueStoreOption) SetupOption {
	return func(cfg *setupConfig) {
		cfg.queueOptions = append(cfg.queueOptions, options...)
	}
}

// WithSetupClock overrides the time source across the pipeline.
func WithSetupClock(now func() time.Time) SetupOption {
	return func(cfg *setupConfig) {
		cfg.clock = now
	}
}

// Setup wires stores, intake, worker, and the command/query handlers on top
// of a persistence client that has already run its migrations.
func Setup(cfg core.Config, client *persistence.Client, opts ...SetupOption) (*Pipeline, error) {
	if client == nil {
		return nil, fmt.Errorf("leads: persistence client is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	setup := setupConfig{}
	for _, opt := range opts {
		if opt != nil {
			opt(&setup)
		}
	}

	queueOptions := make([]sqlstore.QueueStoreOption, 0, len(setup.queueOptions)+2)
	if lease := cfg.Queue.Lease(); lease > 0 {
		queueOptions = append(queueOptions, sqlstore.WithQueueLease(lease))
	}
	if setup.clock != nil {
		queueOptions = append(queueOptions, sqlstore.WithQueueClock(setup.clock))
	}
	queueOptions = append(queueOptions, setup.queueOptions...)

	stores, err := sqlstore.NewStoreFactoryFromPersistence(client, queueOptions...)
	if err != nil {
		return nil, err
	}

	agents, invalidator, err := buildAgentStore(stores, setup.agentCacheTTL)
	if err != nil {
		return nil, err
	}

	queue := setup.queue
	if queue == nil {
		queue = stores.QueueStore()
	}

	crmClient := setup.crmClient
	if crmClient == nil {
		crmClient, err = crm.NewClientFromConfig(cfg.CRM, func(c *crm.Config) {
			c.Logger = setup.logger
			if setup.clock != nil {
				c.Now = setup.clock
			}
		})
		if err != nil {
			return nil, err
		}
	}

	shared := []core.Option{
		core.WithSubmissionStore(stores.SubmissionStore()),
		core.WithAgentStore(agents),
		core.WithQueueBridge(queue),
	}
	if setup.logger != nil {
		shared = append(shared, core.WithLogger(setup.logger))
	}
	if setup.loggerProvider != nil {
		shared = append(shared, core.WithLoggerProvider(setup.loggerProvider))
	}
	if setup.metrics != nil {
		shared = append(shared, core.WithMetricsRecorder(setup.metrics))
	}
	if setup.clock != nil {
		shared = append(shared, core.WithClock(setup.clock))
	}

	intake, err := core.NewIntakeService(cfg, shared...)
	if err != nil {
		return nil, err
	}
	worker, err := core.NewSyncWorker(cfg, append(shared, core.WithCRMClient(crmClient))...)
	if err != nil {
		return nil, err
	}

	pipeline := &Pipeline{
		config: cfg,
		stores: stores,
		agents: agents,
		queue:  queue,
		crm:    crmClient,
		intake: intake,
		worker: worker,
	}
	pipeline.commands = Commands{
		RequeueSubmission: leadscommand.NewRequeueSubmissionCommand(stores.SubmissionStore(), queue),
		UpsertAgent:       leadscommand.NewUpsertAgentCommand(stores.AgentStore(), invalidator),
	}
	pipeline.queries = Queries{
		GetSubmission:           leadsquery.NewGetSubmissionQuery(stores.SubmissionStore()),
		ListSubmissionsByStatus: leadsquery.NewListSubmissionsByStatusQuery(stores.SubmissionStore()),
		GetAgent:                leadsquery.NewGetAgentQuery(agents),
		ListDeadLetters:         leadsquery.NewListDeadLettersQuery(stores.QueueStore()),
	}
	return pipeline, nil
}

func buildAgentStore(stores *sqlstore.StoreFactory, ttl time.Duration) (core.AgentStore, leadscommand.AgentCacheInvalidator, error) {
	base := stores.AgentStore()
	if ttl <= 0 {
		return base, nil, nil
	}
	cacheConfig := repositorycache.DefaultConfig()
	cacheConfig.TTL = ttl
	cacheService, err := repositorycache.NewCacheService(cacheConfig)
	if err != nil {
		return nil, nil, err
	}
	cached, err := sqlstore.NewCachedAgentStore(base, cacheService)
	if err != nil {
		return nil, nil, err
	}
	return cached, cached, nil
}

// Config returns the resolved configuration the pipeline runs with.
func (p *Pipeline) Config() core.Config {
	if p == nil {
		return core.Config{}
	}
	return p.config
}

// Intake returns the ingestion service.
func (p *Pipeline) Intake() *core.IntakeService {
	if p == nil {
		return nil
	}
	return p.intake
}

// Worker returns the CRM sync worker. Callers own its Run lifecycle.
func (p *Pipeline) Worker() *core.SyncWorker {
	if p == nil {
		return nil
	}
	return p.worker
}

// Stores exposes the SQL store factory for advanced wiring.
func (p *Pipeline) Stores() *sqlstore.StoreFactory {
	if p == nil {
		return nil
	}
	return p.stores
}

// Agents returns the agent store the pipeline routes with, cached when the
// agent cache is enabled.
func (p *Pipeline) Agents() core.AgentStore {
	if p == nil {
		return nil
	}
	return p.agents
}

// Queue returns the queue bridge connecting intake to the worker.
func (p *Pipeline) Queue() core.QueueBridge {
	if p == nil {
		return nil
	}
	return p.queue
}

func (p *Pipeline) Commands() Commands {
	if p == nil {
		return Commands{}
	}
	return p.commands
}

func (p *Pipeline) Queries() Queries {
	if p == nil {
		return Queries{}
	}
	return p.queries
}

// WebhookHandler builds the inbound HTTP surface bound to this pipeline's
// intake service, honoring the configured proxy trust setting.
func (p *Pipeline) WebhookHandler(options ...webhooks.HandlerOption) (*webhooks.Handler, error) {
	if p == nil || p.intake == nil {
		return nil, fmt.Errorf("leads: pipeline is not configured")
	}
	opts := []webhooks.HandlerOption{
		webhooks.WithTrustProxyHeaders(p.config.Intake.TrustProxyHeaders),
	}
	opts = append(opts, options...)
	return webhooks.NewHandler(p.intake, opts...)
}
