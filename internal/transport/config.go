package transport

import (
	"fmt"
	"time"
)

// Config holds the coordinator's HTTP and websocket settings
type Config struct {
	Address string `toml:"address"`
	Port    int    `toml:"port"`

	// Base URL agents use to reach the callback endpoint, e.g.
	// "http://10.0.0.5:3000". Derived from Address and Port when empty.
	PublicURL string `toml:"public_url"`

	// Outbound messages queued per agent before Send reports an error
	SendBuffer int `toml:"send_buffer"`

	// Upper bound on writing one frame to an agent
	WriteTimeout time.Duration `toml:"write_timeout"`

	// Largest inbound frame accepted from an agent
	ReadLimit int64 `toml:"read_limit"`

	// Accept websocket upgrades from any origin
	InsecureSkipVerify bool `toml:"insecure_skip_verify"`

	ShutdownTimeout time.Duration `toml:"shutdown_timeout"`
}

// DefaultConfig returns transport settings matching the default agent setup
func DefaultConfig() Config {
	return Config{
		Address:            "0.0.0.0",
		Port:               3000,
		SendBuffer:         64,
		WriteTimeout:       10 * time.Second,
		ReadLimit:          1 << 20,
		InsecureSkipVerify: true,
		ShutdownTimeout:    5 * time.Second,
	}
}

// Addr is the listen address
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Address, c.Port)
}

// BaseURL is the URL agents use to reach the coordinator over HTTP
func (c Config) BaseURL() string {
	if c.PublicURL != "" {
		return c.PublicURL
	}
	host := c.Address
	if host == "" || host == "0.0.0.0" {
		host = "localhost"
	}
	return fmt.Sprintf("http://%s:%d", host, c.Port)
}

// Validate checks the transport settings
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535, got %d", c.Port)
	}
	if c.SendBuffer <= 0 {
		return fmt.Errorf("server send_buffer must be positive, got %d", c.SendBuffer)
	}
	if c.WriteTimeout <= 0 {
		return fmt.Errorf("server write_timeout must be positive, got %v", c.WriteTimeout)
	}
	if c.ReadLimit <= 0 {
		return fmt.Errorf("server read_limit must be positive, got %d", c.ReadLimit)
	}
	return nil
}
