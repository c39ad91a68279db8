// Package apm wraps an optional New Relic agent, recording the two
// pool events worth tracing: share submissions and accepted blocks.
package apm

import (
	"sync"
	"time"

	"github.com/newrelic/go-agent/v3/newrelic"

	"github.com/pooldance/pool-dance/internal/config"
	"github.com/pooldance/pool-dance/internal/logging"
)

// Agent wraps New Relic APM integration. A disabled or unconfigured
// Agent makes every method a no-op, so callers never need to check
// IsEnabled before calling them.
type Agent struct {
	cfg config.APMConfig

	mu  sync.RWMutex
	app *newrelic.Application
}

// New builds an Agent. Call Start to establish the connection.
func New(cfg config.APMConfig) *Agent {
	return &Agent{cfg: cfg}
}

// Start connects to New Relic, if enabled and configured.
func (a *Agent) Start() error {
	if !a.cfg.Enabled {
		logging.Info("APM disabled")
		return nil
	}
	if a.cfg.LicenseKey == "" {
		logging.Warn("APM license key not configured, disabling")
		return nil
	}

	app, err := newrelic.NewApplication(
		newrelic.ConfigAppName(a.cfg.AppName),
		newrelic.ConfigLicense(a.cfg.LicenseKey),
		newrelic.ConfigDistributedTracerEnabled(true),
	)
	if err != nil {
		return err
	}

	if err := app.WaitForConnection(5 * time.Second); err != nil {
		logging.Warnf("APM connection timeout: %v (will retry in background)", err)
	}

	a.mu.Lock()
	a.app = app
	a.mu.Unlock()

	logging.Infof("APM enabled for app: %s", a.cfg.AppName)
	return nil
}

// Stop shuts the agent down, flushing any pending data.
func (a *Agent) Stop() {
	a.mu.RLock()
	app := a.app
	a.mu.RUnlock()

	if app != nil {
		app.Shutdown(10 * time.Second)
	}
}

// IsEnabled reports whether the agent connected successfully.
func (a *Agent) IsEnabled() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.app != nil
}

func (a *Agent) recordEvent(eventType string, params map[string]interface{}) {
	a.mu.RLock()
	app := a.app
	a.mu.RUnlock()

	if app != nil {
		app.RecordCustomEvent(eventType, params)
	}
}

// RecordShareSubmission records a validated submission's outcome.
func (a *Agent) RecordShareSubmission(user string, status string) {
	a.recordEvent("ShareSubmission", map[string]interface{}{
		"user":   user,
		"status": status,
	})
}

// RecordBlockFound records an accepted block candidate.
func (a *Agent) RecordBlockFound(block uint64, finder string) {
	a.recordEvent("BlockFound", map[string]interface{}{
		"height": block,
		"finder": finder,
	})
}
