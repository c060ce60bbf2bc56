package syncer

import (
	"fmt"
	"time"
)

// Config defines configuration for the syncer's database write buffering
type Config struct {
	// Maximum buffered records before new ones are dropped
	MaxBufferedRecords int `toml:"max_buffered_records"`

	// Channel buffer size, in batches
	BatchChannelSize int `toml:"batch_channel_size"`

	// Flushing - dual mechanism (size OR time triggers flush)
	FlushThreshold int           `toml:"flush_threshold"`
	FlushInterval  time.Duration `toml:"flush_interval"`
}

// DefaultConfig returns syncer configuration defaults
func DefaultConfig() Config {
	return Config{
		MaxBufferedRecords: 10000,
		BatchChannelSize:   16,
		FlushThreshold:     100, // a few rounds of a large fleet
		FlushInterval:      1 * time.Second,
	}
}

// Validate validates syncer configuration and returns error if invalid
func (c Config) Validate() error {
	if c.MaxBufferedRecords <= 0 {
		return fmt.Errorf("MaxBufferedRecords must be positive, got %d", c.MaxBufferedRecords)
	}

	if c.BatchChannelSize <= 0 {
		return fmt.Errorf("BatchChannelSize must be positive, got %d", c.BatchChannelSize)
	}

	if c.FlushThreshold <= 0 {
		return fmt.Errorf("FlushThreshold must be positive, got %d", c.FlushThreshold)
	}

	if c.FlushThreshold > c.MaxBufferedRecords {
		return fmt.Errorf("FlushThreshold (%d) must not exceed MaxBufferedRecords (%d)", c.FlushThreshold, c.MaxBufferedRecords)
	}

	if c.FlushInterval <= 0 {
		return fmt.Errorf("FlushInterval must be positive, got %v", c.FlushInterval)
	}

	return nil
}
