package config

import (
	"net/url"
	"strings"
	"time"

	"github.com/partners/syncagent/internal/models"
)

// Config holds all agent configuration
type Config struct {
	BackendURL   string   `json:"backendUrl" mapstructure:"backendUrl"`
	APIKey       string   `json:"apiKey,omitempty" mapstructure:"apiKey"`
	DatabasePath string   `json:"databasePath" mapstructure:"databasePath"`
	DatabaseURL  string   `json:"databaseUrl,omitempty" mapstructure:"databaseUrl"`
	LogLevel     string   `json:"logLevel" mapstructure:"logLevel"`
	Sync         Sync     `json:"sync" mapstructure:"sync"`
	Realtime     Realtime `json:"realtime" mapstructure:"realtime"`
	Admin        Admin    `json:"admin" mapstructure:"admin"`
}

// Sync configures the outbox drain and reference pulls. Durations are milliseconds.
type Sync struct {
	SyncInterval      int     `json:"syncInterval" mapstructure:"syncInterval"`
	RetryAttempts     int     `json:"retryAttempts" mapstructure:"retryAttempts"`
	RetryDelay        int     `json:"retryDelay" mapstructure:"retryDelay"`
	MaxRetryDelay     int     `json:"maxRetryDelay" mapstructure:"maxRetryDelay"`
	DispatchTimeout   int     `json:"dispatchTimeout" mapstructure:"dispatchTimeout"`
	ProbeInterval     int     `json:"probeInterval" mapstructure:"probeInterval"`
	BatchSize         int     `json:"batchSize" mapstructure:"batchSize"`
	RetentionHours    int     `json:"retentionHours" mapstructure:"retentionHours"`
	RequestsPerSecond float64 `json:"requestsPerSecond" mapstructure:"requestsPerSecond"`
	Burst             int     `json:"burst" mapstructure:"burst"`
}

// Realtime configures the push channel. Durations are milliseconds.
type Realtime struct {
	URL                  string `json:"url,omitempty" mapstructure:"url"`
	ReconnectInterval    int    `json:"reconnectInterval" mapstructure:"reconnectInterval"`
	MaxReconnectAttempts int    `json:"maxReconnectAttempts" mapstructure:"maxReconnectAttempts"`
	HeartbeatInterval    int    `json:"heartbeatInterval" mapstructure:"heartbeatInterval"`
	PongTimeout          int    `json:"pongTimeout" mapstructure:"pongTimeout"`
}

// Admin configures the local HTTP API used by POS front-ends and operators
type Admin struct {
	Address      string `json:"address" mapstructure:"address"`
	APIKey       string `json:"apiKey,omitempty" mapstructure:"apiKey"`
	APIKeyHash   string `json:"apiKeyHash,omitempty" mapstructure:"apiKeyHash"`
	APIKeyHeader string `json:"apiKeyHeader" mapstructure:"apiKeyHeader"`
}

// UsePostgres returns true if PostgreSQL should be used
func (c *Config) UsePostgres() bool {
	return c.DatabaseURL != ""
}

// RealtimeURL returns the websocket endpoint, derived from the backend URL
// when none is configured.
func (c *Config) RealtimeURL() string {
	if c.Realtime.URL != "" {
		return c.Realtime.URL
	}
	u, err := url.Parse(c.BackendURL)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return u.String()
}

// Redacted returns a copy without secrets, safe to return over the admin API
func (c Config) Redacted() Config {
	c.APIKey = ""
	c.DatabaseURL = ""
	c.Admin.APIKey = ""
	c.Admin.APIKeyHash = ""
	return c
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	u, err := url.Parse(c.BackendURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return &models.ValidationError{Field: "backendUrl", Message: "must be an absolute http(s) URL"}
	}
	if c.Realtime.URL != "" {
		ru, err := url.Parse(c.Realtime.URL)
		if err != nil || (ru.Scheme != "ws" && ru.Scheme != "wss") {
			return &models.ValidationError{Field: "realtime.url", Message: "must be a ws(s) URL"}
		}
	}

	positive := []struct {
		field string
		value int
	}{
		{"sync.syncInterval", c.Sync.SyncInterval},
		{"sync.retryDelay", c.Sync.RetryDelay},
		{"sync.maxRetryDelay", c.Sync.MaxRetryDelay},
		{"sync.dispatchTimeout", c.Sync.DispatchTimeout},
		{"sync.probeInterval", c.Sync.ProbeInterval},
		{"sync.batchSize", c.Sync.BatchSize},
		{"sync.burst", c.Sync.Burst},
		{"realtime.reconnectInterval", c.Realtime.ReconnectInterval},
		{"realtime.heartbeatInterval", c.Realtime.HeartbeatInterval},
		{"realtime.pongTimeout", c.Realtime.PongTimeout},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return &models.ValidationError{Field: p.field, Message: "must be greater than zero"}
		}
	}

	if c.Sync.RetryAttempts < 0 {
		return &models.ValidationError{Field: "sync.retryAttempts", Message: "cannot be negative"}
	}
	if c.Sync.MaxRetryDelay < c.Sync.RetryDelay {
		return &models.ValidationError{Field: "sync.maxRetryDelay", Message: "cannot be lower than retryDelay"}
	}
	if c.Sync.RetentionHours < 0 {
		return &models.ValidationError{Field: "sync.retentionHours", Message: "cannot be negative"}
	}
	if c.Sync.RequestsPerSecond <= 0 {
		return &models.ValidationError{Field: "sync.requestsPerSecond", Message: "must be greater than zero"}
	}
	if c.Sync.RequestsPerSecond*c.Sync.Timeout().Seconds() < 1 {
		return &models.ValidationError{Field: "sync.requestsPerSecond", Message: "must allow at least one request per dispatchTimeout"}
	}
	if c.Realtime.MaxReconnectAttempts < 0 {
		return &models.ValidationError{Field: "realtime.maxReconnectAttempts", Message: "cannot be negative"}
	}
	switch strings.ToLower(c.LogLevel) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return &models.ValidationError{Field: "logLevel", Message: "must be one of debug, info, warn, error"}
	}
	if c.DatabasePath == "" && c.DatabaseURL == "" {
		return &models.ValidationError{Field: "databasePath", Message: "a database path or URL is required"}
	}
	return nil
}

// Interval returns the periodic sync period
func (s Sync) Interval() time.Duration { return ms(s.SyncInterval) }

// RetryBase returns the first backoff delay
func (s Sync) RetryBase() time.Duration { return ms(s.RetryDelay) }

// RetryCap returns the maximum backoff delay
func (s Sync) RetryCap() time.Duration { return ms(s.MaxRetryDelay) }

// Timeout returns the per-request deadline for backend calls
func (s Sync) Timeout() time.Duration { return ms(s.DispatchTimeout) }

// Probe returns the connectivity probe period
func (s Sync) Probe() time.Duration { return ms(s.ProbeInterval) }

// Retention returns how long completed operations are kept
func (s Sync) Retention() time.Duration { return time.Duration(s.RetentionHours) * time.Hour }

// ReconnectBase returns the linear reconnect step
func (r Realtime) ReconnectBase() time.Duration { return ms(r.ReconnectInterval) }

// Heartbeat returns the ping period
func (r Realtime) Heartbeat() time.Duration { return ms(r.HeartbeatInterval) }

// PongWait returns how long to wait for a pong before declaring the connection dead
func (r Realtime) PongWait() time.Duration { return ms(r.PongTimeout) }

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

// Default returns the built-in configuration
func Default() Config {
	return Config{
		BackendURL:   "http://localhost:3001",
		DatabasePath: "syncagent.db",
		LogLevel:     "info",
		Sync: Sync{
			SyncInterval:      30000,
			RetryAttempts:     3,
			RetryDelay:        1000,
			MaxRetryDelay:     300000,
			DispatchTimeout:   15000,
			ProbeInterval:     15000,
			BatchSize:         50,
			RetentionHours:    24,
			RequestsPerSecond: 10,
			Burst:             20,
		},
		Realtime: Realtime{
			ReconnectInterval:    5000,
			MaxReconnectAttempts: 10,
			HeartbeatInterval:    30000,
			PongTimeout:          10000,
		},
		Admin: Admin{
			Address:      "127.0.0.1:8765",
			APIKeyHeader: "X-API-Key",
		},
	}
}
