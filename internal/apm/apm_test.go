package apm

import (
	"testing"

	"github.com/pooldance/pool-dance/internal/config"
)

func TestStartDisabled(t *testing.T) {
	a := New(config.APMConfig{Enabled: false})

	if err := a.Start(); err != nil {
		t.Errorf("Start() returned error when disabled: %v", err)
	}
	if a.IsEnabled() {
		t.Error("IsEnabled() should be false when disabled")
	}
}

func TestStartNoLicenseKey(t *testing.T) {
	a := New(config.APMConfig{Enabled: true, AppName: "pool-dance"})

	if err := a.Start(); err != nil {
		t.Errorf("Start() returned error with no license key: %v", err)
	}
	if a.IsEnabled() {
		t.Error("IsEnabled() should be false without a license key")
	}
}

func TestRecordMethodsNoopWhenDisabled(t *testing.T) {
	a := New(config.APMConfig{})
	a.RecordShareSubmission("alice", "SUCCESS") // must not panic
	a.RecordBlockFound(101, "alice")            // must not panic
	a.Stop()                                    // must not panic without a connected app
}
