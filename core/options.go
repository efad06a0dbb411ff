package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-config/cfgx"
	goerrors "github.com/goliatone/go-errors"
	glog "github.com/goliatone/go-logger/glog"
	opts "github.com/goliatone/go-options"
)

type ErrorMapper func(err error) *goerrors.Error

type ConfigProvider interface {
	Load(ctx context.Context, defaults Config) (Config, error)
}

type RawConfigLoader interface {
	LoadRaw(ctx context.Context) (map[string]any, error)
}

type OptionsResolver interface {
	Resolve(defaults Config, loaded Config, runtime Config) (Config, error)
}

type pipelineBuilder struct {
	runtimeConfig   Config
	logger          Logger
	loggerProvider  LoggerProvider
	metricsRecorder MetricsRecorder
	errorMapper     ErrorMapper
	configProvider  ConfigProvider
	optionsResolver OptionsResolver
	submissionStore SubmissionStore
	agentStore      AgentStore
	queue           QueueBridge
	crmClient       CRMClient
	now             func() time.Time
}

type Option func(*pipelineBuilder)

func WithLogger(logger Logger) Option {
	return func(b *pipelineBuilder) {
		b.logger = logger
	}
}

func WithLoggerProvider(provider LoggerProvider) Option {
	return func(b *pipelineBuilder) {
		b.loggerProvider = provider
	}
}

func WithMetricsRecorder(recorder MetricsRecorder) Option {
	return func(b *pipelineBuilder) {
		b.metricsRecorder = recorder
	}
}

func WithErrorMapper(mapper ErrorMapper) Option {
	return func(b *pipelineBuilder) {
		b.errorMapper = mapper
	}
}

func WithConfigProvider(provider ConfigProvider) Option {
	return func(b *pipelineBuilder) {
		b.configProvider = provider
	}
}

func WithOptionsResolver(resolver OptionsResolver) Option {
	return func(b *pipelineBuilder) {
		b.optionsResolver = resolver
	}
}

func WithSubmissionStore(store SubmissionStore) Option {
	return func(b *pipelineBuilder) {
		b.submissionStore = store
	}
}

func WithAgentStore(store AgentStore) Option {
	return func(b *pipelineBuilder) {
		b.agentStore = store
	}
}

func WithQueueBridge(queue QueueBridge) Option {
	return func(b *pipelineBuilder) {
		b.queue = queue
	}
}

func WithCRMClient(client CRMClient) Option {
	return func(b *pipelineBuilder) {
		b.crmClient = client
	}
}

func WithClock(now func() time.Time) Option {
	return func(b *pipelineBuilder) {
		b.now = now
	}
}

func defaultPipelineBuilder(runtime Config) pipelineBuilder {
	loggerProvider, logger := glog.Resolve("leads", nil, nil)
	return pipelineBuilder{
		runtimeConfig:   runtime,
		loggerProvider:  loggerProvider,
		logger:          logger,
		metricsRecorder: NopMetricsRecorder{},
		errorMapper:     defaultErrorMapper,
		configProvider:  NewCfgxConfigProvider(nil),
		optionsResolver: GoOptionsResolver{},
		now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

func defaultErrorMapper(err error) *goerrors.Error {
	if err == nil {
		return nil
	}
	return leadsErrorMapper(err)
}

func (b *pipelineBuilder) resolveConfig(ctx context.Context) (Config, error) {
	defaults := DefaultConfig()
	loaded, err := b.configProvider.Load(ctx, defaults)
	if err != nil {
		return Config{}, err
	}
	return b.optionsResolver.Resolve(defaults, loaded, b.runtimeConfig)
}

func (b *pipelineBuilder) resolveLogger(name string) Logger {
	provider, logger := glog.Resolve(name, b.loggerProvider, b.logger)
	logger = glog.Ensure(logger)
	if provider != nil {
		if named := provider.GetLogger(name); named != nil {
			logger = glog.Ensure(named)
		}
	}
	return logger
}

type staticRawConfigLoader struct {
	Values map[string]any
}

func (l staticRawConfigLoader) LoadRaw(context.Context) (map[string]any, error) {
	if len(l.Values) == 0 {
		return map[string]any{}, nil
	}
	out := make(map[string]any, len(l.Values))
	for key, value := range l.Values {
		out[key] = value
	}
	return out, nil
}

type CfgxConfigProvider struct {
	Loader RawConfigLoader
}

func NewCfgxConfigProvider(loader RawConfigLoader) *CfgxConfigProvider {
	return &CfgxConfigProvider{Loader: loader}
}

func (p *CfgxConfigProvider) Load(ctx context.Context, defaults Config) (Config, error) {
	if p == nil {
		return defaults, nil
	}
	loader := p.Loader
	if loader == nil {
		loader = staticRawConfigLoader{}
	}
	raw, err := loader.LoadRaw(ctx)
	if err != nil {
		return Config{}, err
	}
	cfg, err := cfgx.Build[Config](raw,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

type GoOptionsResolver struct{}

func (GoOptionsResolver) Resolve(defaults Config, loaded Config, runtime Config) (Config, error) {
	defaultLayer := configToLayerMap(defaults, true)
	loadedLayer := configToLayerMap(loaded, false)
	runtimeLayer := configToLayerMap(runtime, false)

	stack, err := opts.NewStack(
		opts.NewLayer(
			opts.NewScope("defaults", 0),
			defaultLayer,
			opts.WithSnapshotID[map[string]any]("defaults"),
		),
		opts.NewLayer(
			opts.NewScope("config", 10),
			loadedLayer,
			opts.WithSnapshotID[map[string]any]("config"),
		),
		opts.NewLayer(
			opts.NewScope("runtime", 20),
			runtimeLayer,
			opts.WithSnapshotID[map[string]any]("runtime"),
		),
	)
	if err != nil {
		return Config{}, fmt.Errorf("core: options stack build failed: %w", err)
	}
	merged, err := stack.Merge()
	if err != nil {
		return Config{}, fmt.Errorf("core: options merge failed: %w", err)
	}
	resolved, err := cfgx.Build[Config](merged.Value,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	if err := resolved.Validate(); err != nil {
		return Config{}, err
	}
	return resolved, nil
}

func configToLayerMap(cfg Config, includeZero bool) map[string]any {
	layer := map[string]any{}
	if includeZero || strings.TrimSpace(cfg.ServiceName) != "" {
		layer["service_name"] = cfg.ServiceName
	}

	intake := map[string]any{}
	if includeZero || strings.TrimSpace(cfg.Intake.DefaultSource) != "" {
		intake["default_source"] = cfg.Intake.DefaultSource
	}
	if includeZero || cfg.Intake.TrustProxyHeaders {
		intake["trust_proxy_headers"] = cfg.Intake.TrustProxyHeaders
	}
	if len(intake) > 0 {
		layer["intake"] = intake
	}

	worker := map[string]any{}
	if includeZero || cfg.Worker.BatchSize != 0 {
		worker["batch_size"] = cfg.Worker.BatchSize
	}
	if includeZero || cfg.Worker.WaitTimeoutSeconds != 0 {
		worker["wait_timeout_seconds"] = cfg.Worker.WaitTimeoutSeconds
	}
	if includeZero || cfg.Worker.Concurrency != 0 {
		worker["concurrency"] = cfg.Worker.Concurrency
	}
	if includeZero || cfg.Worker.NackDelaySeconds != 0 {
		worker["nack_delay_seconds"] = cfg.Worker.NackDelaySeconds
	}
	if includeZero || cfg.Worker.MaxNackDelaySeconds != 0 {
		worker["max_nack_delay_seconds"] = cfg.Worker.MaxNackDelaySeconds
	}
	if len(worker) > 0 {
		layer["worker"] = worker
	}

	queue := map[string]any{}
	if includeZero || cfg.Queue.LeaseSeconds != 0 {
		queue["lease_seconds"] = cfg.Queue.LeaseSeconds
	}
	if len(queue) > 0 {
		layer["queue"] = queue
	}

	crm := map[string]any{}
	if includeZero || strings.TrimSpace(cfg.CRM.BaseURL) != "" {
		crm["base_url"] = cfg.CRM.BaseURL
	}
	if includeZero || strings.TrimSpace(cfg.CRM.ClientID) != "" {
		crm["client_id"] = cfg.CRM.ClientID
	}
	if includeZero || strings.TrimSpace(cfg.CRM.ClientSecret) != "" {
		crm["client_secret"] = cfg.CRM.ClientSecret
	}
	if includeZero || strings.TrimSpace(cfg.CRM.SourceTag) != "" {
		crm["source_tag"] = cfg.CRM.SourceTag
	}
	if includeZero || cfg.CRM.RequestTimeoutSeconds != 0 {
		crm["request_timeout_seconds"] = cfg.CRM.RequestTimeoutSeconds
	}
	if includeZero || cfg.CRM.TokenSafetyMarginSeconds != 0 {
		crm["token_safety_margin_seconds"] = cfg.CRM.TokenSafetyMarginSeconds
	}
	if len(crm) > 0 {
		layer["crm"] = crm
	}

	return layer
}
