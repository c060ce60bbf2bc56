package agent

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Config defines how an agent reaches the coordinator and drives its browser
type Config struct {
	// Name announced on initialization; must be unique across the fleet
	Name string `toml:"name"`

	// Websocket endpoint of the coordinator, e.g. "ws://10.0.0.5:3000/ws"
	CoordinatorURL string `toml:"coordinator_url"`

	// Base URL of the callback endpoint. Derived from CoordinatorURL when empty.
	CallbackURL string `toml:"callback_url"`

	// Browser engine: "chromium" or "firefox"
	Browser  string `toml:"browser"`
	Headless bool   `toml:"headless"`

	// How long a page stays open after the navigation response arrived
	VisitDuration time.Duration `toml:"visit_duration"`

	// Upper bound on one navigation
	NavigationTimeout time.Duration `toml:"navigation_timeout"`

	// Minimum spacing between connection attempts
	ReconnectInterval time.Duration `toml:"reconnect_interval"`

	// Give up after this many consecutive failed connections (0 retries forever)
	MaxReconnects int `toml:"max_reconnects"`
}

// DefaultConfig returns settings for an agent on the coordinator's host
func DefaultConfig() Config {
	return Config{
		CoordinatorURL:    "ws://localhost:3000/ws",
		Browser:           "chromium",
		Headless:          true,
		VisitDuration:     10 * time.Second,
		NavigationTimeout: 60 * time.Second,
		ReconnectInterval: 5 * time.Second,
	}
}

// Validate checks the agent settings
func (c Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("agent name must be set")
	}
	u, err := url.Parse(c.CoordinatorURL)
	if err != nil {
		return fmt.Errorf("agent coordinator_url is invalid: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("agent coordinator_url must use ws or wss, got %q", u.Scheme)
	}
	if c.CallbackURL != "" {
		if _, err := url.Parse(c.CallbackURL); err != nil {
			return fmt.Errorf("agent callback_url is invalid: %w", err)
		}
	}
	switch c.Browser {
	case "chromium", "firefox":
	default:
		return fmt.Errorf("agent browser must be chromium or firefox, got %q", c.Browser)
	}
	if c.VisitDuration < 0 {
		return fmt.Errorf("agent visit_duration must not be negative, got %v", c.VisitDuration)
	}
	if c.NavigationTimeout <= 0 {
		return fmt.Errorf("agent navigation_timeout must be positive, got %v", c.NavigationTimeout)
	}
	if c.ReconnectInterval <= 0 {
		return fmt.Errorf("agent reconnect_interval must be positive, got %v", c.ReconnectInterval)
	}
	if c.MaxReconnects < 0 {
		return fmt.Errorf("agent max_reconnects must not be negative, got %d", c.MaxReconnects)
	}
	return nil
}

// callbackBase returns the HTTP base URL of the coordinator
func (c Config) callbackBase() string {
	if c.CallbackURL != "" {
		return strings.TrimSuffix(c.CallbackURL, "/")
	}
	u, err := url.Parse(c.CoordinatorURL)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "wss":
		u.Scheme = "https"
	default:
		u.Scheme = "http"
	}
	u.Path = ""
	u.RawQuery = ""
	return u.String()
}
