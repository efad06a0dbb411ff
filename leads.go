package leads

import "github.com/goliatone/go-leads/core"

type Config = core.Config

type IntakeConfig = core.IntakeConfig
type WorkerConfig = core.WorkerConfig
type QueueConfig = core.QueueConfig
type CRMConfig = core.CRMConfig

type Option = core.Option

type IntakeService = core.IntakeService
type SyncWorker = core.SyncWorker

type IntakeRequest = core.IntakeRequest
type IntakeResult = core.IntakeResult

type Submission = core.Submission
type SubmissionStatus = core.SubmissionStatus
type Agent = core.Agent
type Contact = core.Contact

type QueueMessage = core.QueueMessage
type Delivery = core.Delivery
type NackOptions = core.NackOptions

type SubmissionStore = core.SubmissionStore
type AgentStore = core.AgentStore
type QueueBridge = core.QueueBridge
type CRMClient = core.CRMClient
type MetricsRecorder = core.MetricsRecorder

var (
	WithLogger          = core.WithLogger
	WithLoggerProvider  = core.WithLoggerProvider
	WithMetricsRecorder = core.WithMetricsRecorder
	WithErrorMapper     = core.WithErrorMapper
	WithConfigProvider  = core.WithConfigProvider
	WithOptionsResolver = core.WithOptionsResolver
	WithSubmissionStore = core.WithSubmissionStore
	WithAgentStore      = core.WithAgentStore
	WithQueueBridge     = core.WithQueueBridge
	WithCRMClient       = core.WithCRMClient
	WithClock           = core.WithClock
)

func DefaultConfig() Config {
	return core.DefaultConfig()
}

func NewIntakeService(cfg Config, opts ...Option) (*IntakeService, error) {
	return core.NewIntakeService(cfg, opts...)
}

func NewSyncWorker(cfg Config, opts ...Option) (*SyncWorker, error) {
	return core.NewSyncWorker(cfg, opts...)
}
