// Package gologger centralizes logger resolution for the lead pipeline so
// intake, the sync worker, and the go-job queue all log through one
// configured provider.
package gologger

import (
	"strings"

	job "github.com/goliatone/go-job"
	glog "github.com/goliatone/go-logger/glog"
)

const defaultComponent = "leads"

// Resolve picks the logger for a named pipeline component with deterministic
// precedence provider > logger > nop. A blank component falls back to the
// pipeline default.
func Resolve(component string, provider glog.LoggerProvider, logger glog.Logger) (glog.LoggerProvider, glog.Logger) {
	return glog.Resolve(componentName(component), provider, logger)
}

// Component resolves just the logger for a named component, discarding the
// provider. Convenient at call sites that only ever log.
func Component(component string, provider glog.LoggerProvider, logger glog.Logger) glog.Logger {
	_, resolved := Resolve(component, provider, logger)
	return glog.Ensure(resolved)
}

// ToJobProvider maps a glog provider to the go-job logger provider contract.
func ToJobProvider(provider glog.LoggerProvider) job.LoggerProvider {
	if provider == nil {
		return nil
	}
	return job.GoLoggerProvider(provider)
}

// ToJobLogger maps a glog logger to the go-job logger contract.
func ToJobLogger(logger glog.Logger) job.Logger {
	if logger == nil {
		return nil
	}
	return job.GoLogger(logger)
}

// ResolveForJob resolves the component logger and provider, then returns the
// equivalent go-job bridges so the queue worker logs alongside the pipeline.
func ResolveForJob(
	component string,
	provider glog.LoggerProvider,
	logger glog.Logger,
) (glog.LoggerProvider, glog.Logger, job.LoggerProvider, job.Logger) {
	resolvedProvider, resolvedLogger := Resolve(component, provider, logger)
	return resolvedProvider, resolvedLogger, ToJobProvider(resolvedProvider), ToJobLogger(resolvedLogger)
}

func componentName(component string) string {
	component = strings.TrimSpace(component)
	if component == "" {
		return defaultComponent
	}
	return component
}
