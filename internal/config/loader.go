package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/partners/syncagent/internal/observability"
)

// envBindings maps config keys to the plain environment variables accepted
// alongside the SYNCAGENT_ prefixed form.
var envBindings = map[string]string{
	"backendUrl":    "BACKEND_URL",
	"apiKey":        "API_KEY",
	"databasePath":  "DATABASE_PATH",
	"databaseUrl":   "DATABASE_URL",
	"logLevel":      "LOG_LEVEL",
	"realtime.url":  "REALTIME_URL",
	"admin.address": "ADMIN_ADDRESS",
	"admin.apiKey":  "ADMIN_API_KEY",
}

// Loader reads configuration from an optional file and the environment
type Loader struct {
	v    *viper.Viper
	path string
}

// NewLoader creates a loader for the given config file. An empty path falls
// back to CONFIG_PATH, then config.json.
func NewLoader(path string) *Loader {
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = "config.json"
	}

	v := viper.New()
	setDefaults(v, Default())
	v.SetEnvPrefix("SYNCAGENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range envBindings {
		_ = v.BindEnv(key, "SYNCAGENT_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env)
	}

	return &Loader{v: v, path: path}
}

// Load loads configuration from file or environment
func Load() (*Config, error) {
	return NewLoader("").Load()
}

// Load reads the config file if present and returns the validated result
func (l *Loader) Load() (*Config, error) {
	l.v.SetConfigFile(l.path)
	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read config %s: %w", l.path, err)
		}
	}
	return l.decode()
}

func (l *Loader) decode() (*Config, error) {
	cfg := Default()
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Watch calls onChange with the re-validated configuration every time the
// config file changes. Invalid edits are logged and ignored.
func (l *Loader) Watch(onChange func(Config)) {
	if l.v.ConfigFileUsed() == "" {
		return
	}
	if _, err := os.Stat(l.v.ConfigFileUsed()); err != nil {
		return
	}

	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := l.decode()
		if err != nil {
			observability.WithField("file", e.Name).Warnf("Ignoring config change: %v", err)
			return
		}
		observability.WithField("file", e.Name).Info("Config file changed, applying")
		onChange(*cfg)
	})
	l.v.WatchConfig()
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("backendUrl", d.BackendURL)
	v.SetDefault("apiKey", d.APIKey)
	v.SetDefault("databasePath", d.DatabasePath)
	v.SetDefault("databaseUrl", d.DatabaseURL)
	v.SetDefault("logLevel", d.LogLevel)

	v.SetDefault("sync.syncInterval", d.Sync.SyncInterval)
	v.SetDefault("sync.retryAttempts", d.Sync.RetryAttempts)
	v.SetDefault("sync.retryDelay", d.Sync.RetryDelay)
	v.SetDefault("sync.maxRetryDelay", d.Sync.MaxRetryDelay)
	v.SetDefault("sync.dispatchTimeout", d.Sync.DispatchTimeout)
	v.SetDefault("sync.probeInterval", d.Sync.ProbeInterval)
	v.SetDefault("sync.batchSize", d.Sync.BatchSize)
	v.SetDefault("sync.retentionHours", d.Sync.RetentionHours)
	v.SetDefault("sync.requestsPerSecond", d.Sync.RequestsPerSecond)
	v.SetDefault("sync.burst", d.Sync.Burst)

	v.SetDefault("realtime.url", d.Realtime.URL)
	v.SetDefault("realtime.reconnectInterval", d.Realtime.ReconnectInterval)
	v.SetDefault("realtime.maxReconnectAttempts", d.Realtime.MaxReconnectAttempts)
	v.SetDefault("realtime.heartbeatInterval", d.Realtime.HeartbeatInterval)
	v.SetDefault("realtime.pongTimeout", d.Realtime.PongTimeout)

	v.SetDefault("admin.address", d.Admin.Address)
	v.SetDefault("admin.apiKey", d.Admin.APIKey)
	v.SetDefault("admin.apiKeyHash", d.Admin.APIKeyHash)
	v.SetDefault("admin.apiKeyHeader", d.Admin.APIKeyHeader)
}
