package core

import (
	"fmt"
	"strings"
	"time"
)

type IntakeConfig struct {
	DefaultSource     string `koanf:"default_source" mapstructure:"default_source"`
	TrustProxyHeaders bool   `koanf:"trust_proxy_headers" mapstructure:"trust_proxy_headers"`
}

type WorkerConfig struct {
	BatchSize           int `koanf:"batch_size" mapstructure:"batch_size"`
	WaitTimeoutSeconds  int `koanf:"wait_timeout_seconds" mapstructure:"wait_timeout_seconds"`
	Concurrency         int `koanf:"concurrency" mapstructure:"concurrency"`
	NackDelaySeconds    int `koanf:"nack_delay_seconds" mapstructure:"nack_delay_seconds"`
	MaxNackDelaySeconds int `koanf:"max_nack_delay_seconds" mapstructure:"max_nack_delay_seconds"`
}

func (c WorkerConfig) WaitTimeout() time.Duration {
	return time.Duration(c.WaitTimeoutSeconds) * time.Second
}

func (c WorkerConfig) NackDelay() time.Duration {
	return time.Duration(c.NackDelaySeconds) * time.Second
}

func (c WorkerConfig) MaxNackDelay() time.Duration {
	return time.Duration(c.MaxNackDelaySeconds) * time.Second
}

type QueueConfig struct {
	LeaseSeconds int `koanf:"lease_seconds" mapstructure:"lease_seconds"`
}

func (c QueueConfig) Lease() time.Duration {
	return time.Duration(c.LeaseSeconds) * time.Second
}

type CRMConfig struct {
	BaseURL                  string `koanf:"base_url" mapstructure:"base_url"`
	ClientID                 string `koanf:"client_id" mapstructure:"client_id"`
	ClientSecret             string `koanf:"client_secret" mapstructure:"client_secret"`
	SourceTag                string `koanf:"source_tag" mapstructure:"source_tag"`
	RequestTimeoutSeconds    int    `koanf:"request_timeout_seconds" mapstructure:"request_timeout_seconds"`
	TokenSafetyMarginSeconds int    `koanf:"token_safety_margin_seconds" mapstructure:"token_safety_margin_seconds"`
}

func (c CRMConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

func (c CRMConfig) TokenSafetyMargin() time.Duration {
	return time.Duration(c.TokenSafetyMarginSeconds) * time.Second
}

type Config struct {
	ServiceName string       `koanf:"service_name" mapstructure:"service_name"`
	Intake      IntakeConfig `koanf:"intake" mapstructure:"intake"`
	Worker      WorkerConfig `koanf:"worker" mapstructure:"worker"`
	Queue       QueueConfig  `koanf:"queue" mapstructure:"queue"`
	CRM         CRMConfig    `koanf:"crm" mapstructure:"crm"`
}

func DefaultConfig() Config {
	return Config{
		ServiceName: "leads",
		Intake: IntakeConfig{
			DefaultSource:     DefaultSource,
			TrustProxyHeaders: true,
		},
		Worker: WorkerConfig{
			BatchSize:           10,
			WaitTimeoutSeconds:  60,
			Concurrency:         1,
			NackDelaySeconds:    5,
			MaxNackDelaySeconds: 300,
		},
		Queue: QueueConfig{
			LeaseSeconds: 120,
		},
		CRM: CRMConfig{
			BaseURL:                  "https://api.totalexpert.net",
			SourceTag:                "Web Form",
			RequestTimeoutSeconds:    15,
			TokenSafetyMarginSeconds: 60,
		},
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ServiceName) == "" {
		return fmt.Errorf("core: service_name is required")
	}
	if c.Worker.BatchSize < 0 {
		return fmt.Errorf("core: worker batch_size cannot be negative")
	}
	if c.Worker.Concurrency < 0 {
		return fmt.Errorf("core: worker concurrency cannot be negative")
	}
	if c.Queue.LeaseSeconds < 0 {
		return fmt.Errorf("core: queue lease_seconds cannot be negative")
	}
	return nil
}
