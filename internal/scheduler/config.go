package scheduler

import (
	"fmt"
	"time"
)

// Config defines how the coordinator gates, calibrates and supervises rounds
type Config struct {
	// Number of agents that must be connected before anything is dispatched
	AgentCount int `toml:"agent_count"`

	// Largest one-way latency an agent may have
	AllowedPing time.Duration `toml:"allowed_ping"`

	// Calibration rounds per calibration phase
	CalibrationRounds int `toml:"calibration_rounds"`

	// Recalibrate after this many completed work items (0 disables)
	ReCalibration int `toml:"re_calibration"`

	// Drop an agent's calibration profile when it disconnects
	ReCalibrateOnDisconnect bool `toml:"re_calibrate_on_disconnect"`

	// Watchdogs
	ReadyTimeout time.Duration `toml:"ready_timeout"`
	DoneTimeout  time.Duration `toml:"done_timeout"`

	// Attempts per work item before it is skipped
	WebsiteAttempts int `toml:"website_attempts"`

	// Run synchronization self-test rounds instead of crawling
	TestRun        bool `toml:"test_run"`
	TestIterations int  `toml:"test_iterations"`

	// Inbox buffer size
	InboxBufferSize int `toml:"inbox_buffer_size"`

	// Timeout for sending to inbox
	InboxSendTimeout time.Duration `toml:"inbox_send_timeout"`

	// How often recorders are asked to flush
	FlushInterval time.Duration `toml:"flush_interval"`
}

// DefaultConfig returns coordinator defaults for a small fleet
func DefaultConfig() Config {
	return Config{
		AgentCount:              4,
		AllowedPing:             100 * time.Millisecond,
		CalibrationRounds:       10,
		ReCalibration:           100,
		ReCalibrateOnDisconnect: false,
		ReadyTimeout:            120 * time.Second,
		DoneTimeout:             60 * time.Second,
		WebsiteAttempts:         2,
		TestRun:                 false,
		TestIterations:          100,
		InboxBufferSize:         1000,
		InboxSendTimeout:        5 * time.Second,
		FlushInterval:           1 * time.Second,
	}
}

// validateConfig validates scheduler configuration and returns error if invalid
func validateConfig(config Config) error {
	if config.AgentCount <= 0 {
		return fmt.Errorf("AgentCount must be positive, got %d", config.AgentCount)
	}

	if config.AllowedPing <= 0 {
		return fmt.Errorf("AllowedPing must be positive, got %v", config.AllowedPing)
	}

	if config.CalibrationRounds <= 0 {
		return fmt.Errorf("CalibrationRounds must be positive, got %d", config.CalibrationRounds)
	}

	if config.ReCalibration < 0 {
		return fmt.Errorf("ReCalibration must not be negative, got %d", config.ReCalibration)
	}

	if config.ReadyTimeout <= 0 {
		return fmt.Errorf("ReadyTimeout must be positive, got %v", config.ReadyTimeout)
	}

	if config.DoneTimeout <= 0 {
		return fmt.Errorf("DoneTimeout must be positive, got %v", config.DoneTimeout)
	}

	if config.WebsiteAttempts <= 0 {
		return fmt.Errorf("WebsiteAttempts must be positive, got %d", config.WebsiteAttempts)
	}

	if config.TestRun && config.TestIterations <= 0 {
		return fmt.Errorf("TestIterations must be positive when TestRun is set, got %d", config.TestIterations)
	}

	if config.InboxBufferSize <= 0 {
		return fmt.Errorf("InboxBufferSize must be positive, got %d", config.InboxBufferSize)
	}

	if config.InboxSendTimeout <= 0 {
		return fmt.Errorf("InboxSendTimeout must be positive, got %v", config.InboxSendTimeout)
	}

	if config.FlushInterval <= 0 {
		return fmt.Errorf("FlushInterval must be positive, got %v", config.FlushInterval)
	}

	return nil
}

// Validate reports the first invalid setting
func (c Config) Validate() error {
	return validateConfig(c)
}
