package stats

import (
	"fmt"
	"time"
)

// Config defines configuration for the stats collector
type Config struct {
	// Inbox configuration
	InboxBufferSize  int           `toml:"inbox_buffer_size"`
	InboxSendTimeout time.Duration `toml:"inbox_send_timeout"`

	// Flush configuration
	FlushInterval  time.Duration `toml:"flush_interval"`
	FlushThreshold int           `toml:"flush_threshold"`

	// Stats period configuration
	PeriodDuration time.Duration `toml:"period_duration"`

	// Rounds whose max delay exceeds this are counted as slow
	SlowRoundThreshold time.Duration `toml:"slow_round_threshold"`
}

// DefaultConfig returns default stats collector configuration
func DefaultConfig() Config {
	return Config{
		InboxBufferSize:    1000,
		InboxSendTimeout:   5 * time.Second,
		FlushInterval:      5 * time.Second,
		FlushThreshold:     1000,
		PeriodDuration:     time.Minute,
		SlowRoundThreshold: time.Second,
	}
}

// Validate checks the collector configuration
func (c Config) Validate() error {
	if c.InboxBufferSize <= 0 {
		return fmt.Errorf("InboxBufferSize must be positive, got %d", c.InboxBufferSize)
	}
	if c.FlushInterval <= 0 {
		return fmt.Errorf("FlushInterval must be positive, got %v", c.FlushInterval)
	}
	if c.FlushThreshold <= 0 {
		return fmt.Errorf("FlushThreshold must be positive, got %d", c.FlushThreshold)
	}
	if c.PeriodDuration <= 0 {
		return fmt.Errorf("PeriodDuration must be positive, got %v", c.PeriodDuration)
	}
	if c.SlowRoundThreshold <= 0 {
		return fmt.Errorf("SlowRoundThreshold must be positive, got %v", c.SlowRoundThreshold)
	}
	return nil
}
