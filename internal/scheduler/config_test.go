package scheduler

import (
	"testing"
	"time"
)

// =============================================================================
// Default Configuration Tests
// =============================================================================

// TestDefaultConfig verifies that the default configuration has positive values and passes validation.
func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	if config.AgentCount <= 0 {
		t.Error("AgentCount must be positive")
	}
	if config.AllowedPing <= 0 {
		t.Error("AllowedPing must be positive")
	}
	if config.CalibrationRounds <= 0 {
		t.Error("CalibrationRounds must be positive")
	}
	if config.ReadyTimeout <= 0 {
		t.Error("ReadyTimeout must be positive")
	}
	if config.DoneTimeout <= 0 {
		t.Error("DoneTimeout must be positive")
	}
	if config.WebsiteAttempts <= 0 {
		t.Error("WebsiteAttempts must be positive")
	}
	if config.ReCalibrateOnDisconnect {
		t.Error("ReCalibrateOnDisconnect should default to reusing profiles")
	}

	err := validateConfig(config)
	if err != nil {
		t.Errorf("default config should pass validation, got error: %v", err)
	}
}

// =============================================================================
// Configuration Validation Tests
// =============================================================================

// TestValidateConfig_Invalid verifies that each out-of-range field is rejected.
func TestValidateConfig_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero agent count", func(c *Config) { c.AgentCount = 0 }},
		{"zero allowed ping", func(c *Config) { c.AllowedPing = 0 }},
		{"zero calibration rounds", func(c *Config) { c.CalibrationRounds = 0 }},
		{"negative recalibration", func(c *Config) { c.ReCalibration = -1 }},
		{"negative ready timeout", func(c *Config) { c.ReadyTimeout = -1 * time.Second }},
		{"zero done timeout", func(c *Config) { c.DoneTimeout = 0 }},
		{"zero website attempts", func(c *Config) { c.WebsiteAttempts = 0 }},
		{"test run without iterations", func(c *Config) { c.TestRun = true; c.TestIterations = 0 }},
		{"zero inbox buffer", func(c *Config) { c.InboxBufferSize = 0 }},
		{"zero inbox send timeout", func(c *Config) { c.InboxSendTimeout = 0 }},
		{"zero flush interval", func(c *Config) { c.FlushInterval = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.mutate(&config)

			if err := config.Validate(); err == nil {
				t.Errorf("expected error for %s", tt.name)
			}
		})
	}
}

// TestValidateConfig_RecalibrationDisabled verifies that zero disables periodic recalibration.
func TestValidateConfig_RecalibrationDisabled(t *testing.T) {
	config := DefaultConfig()
	config.ReCalibration = 0

	if err := validateConfig(config); err != nil {
		t.Errorf("ReCalibration of zero should be valid, got error: %v", err)
	}
}

// TestValidateConfig_IterationsIgnoredOutsideTestRun verifies that TestIterations only matters for test runs.
func TestValidateConfig_IterationsIgnoredOutsideTestRun(t *testing.T) {
	config := DefaultConfig()
	config.TestIterations = 0

	if err := validateConfig(config); err != nil {
		t.Errorf("TestIterations should be ignored without TestRun, got error: %v", err)
	}
}
