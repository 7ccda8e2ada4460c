// pkg/config/config.go
package config

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/knadh/koanf/v2"
	"github.com/spf13/cast"
	"github.com/spf13/pflag"

	"github.com/codelens/codelens/pkg/engine"
	"github.com/codelens/codelens/pkg/notify"
	"github.com/codelens/codelens/pkg/server"
	"github.com/codelens/codelens/pkg/storage"
)

// Global koanf instance, initialized once at startup.
var (
	k    *koanf.Koanf
	once sync.Once
)

// InitGlobalConfig initializes the global koanf instance. Called early in
// the application lifecycle, before Load.
func InitGlobalConfig() {
	once.Do(func() {
		k = koanf.New(".")
	})
}

// LogConfig controls structured logging.
type LogConfig struct {
	// Level is the minimum level: debug, info, warn, error.
	Level string `koanf:"level"`

	// Format selects text (console) or json output.
	Format string `koanf:"format"`

	// File redirects log output; empty logs to stderr.
	File string `koanf:"file"`
}

// Config is the full application configuration.
type Config struct {
	Log     LogConfig      `koanf:"log"`
	Server  server.Config  `koanf:"server"`
	Engine  engine.Config  `koanf:"engine"`
	Storage storage.Config `koanf:"storage"`
	Webhook notify.Config  `koanf:"webhook"`
}

// DefaultConfig returns the baseline configuration used when no other
// source overrides a key.
func DefaultConfig() Config {
	engineCfg := engine.Config{}
	engineCfg.ApplyDefaults()
	webhookCfg := notify.Config{}
	webhookCfg.ApplyDefaults()
	storageCfg := storage.Config{}
	if def, err := storage.DefaultConfig(); err == nil {
		storageCfg = *def
	}

	return Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server:  server.DefaultConfig(),
		Engine:  engineCfg,
		Storage: storageCfg,
		Webhook: webhookCfg,
	}
}

// Manager handles loading and accessing application configuration.
type Manager struct {
	koanfInstance *koanf.Koanf
	currentConfig Config
	mu            sync.RWMutex
}

// NewManager creates a Manager bound to the global koanf instance.
func NewManager() *Manager {
	InitGlobalConfig()
	return &Manager{koanfInstance: k}
}

// Load loads configuration from the standard sources.
//
// Precedence (highest to lowest):
//  1. Command-line flags (--log.level=debug)
//  2. Environment variables (CODELENS_LOG_LEVEL=debug)
//  3. Config file (YAML)
//  4. Default values
//
// Environment variables use the CODELENS_ prefix with underscore-to-dot
// mapping: CODELENS_SERVER_PORT -> server.port.
func (m *Manager) Load(flags *pflag.FlagSet, configFilePath string) error {
	debug := false
	if flags != nil {
		if f := flags.Lookup("debug"); f != nil && f.Value.String() == "true" {
			debug = true
		}
	}
	return m.LoadWithSources(DefaultSources(configFilePath, flags, debug))
}

// LoadWithSources loads configuration from the given sources, lowest
// priority first, so higher priority sources override earlier values.
func (m *Manager) LoadWithSources(sources []Source) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sort.Slice(sources, func(i, j int) bool {
		return sources[i].Priority() < sources[j].Priority()
	})

	for _, src := range sources {
		if err := src.Load(m.koanfInstance); err != nil {
			return fmt.Errorf("error loading config from %s: %w", src.Name(), err)
		}
	}

	var cfg Config
	if err := m.koanfInstance.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return fmt.Errorf("error unmarshaling final config: %w", err)
	}
	m.currentConfig = cfg
	return nil
}

// Get returns a copy of the current configuration.
func (m *Manager) Get() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.currentConfig
}

// GetValue retrieves a raw configuration value by key path, nil when the
// key does not exist.
func (m *Manager) GetValue(key string) any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.koanfInstance.Get(key)
}

// Typed accessors for callers that read single keys instead of the full
// Config struct. Coercion follows cast semantics ("8080" -> 8080).

func (m *Manager) GetString(key string) string {
	return cast.ToString(m.GetValue(key))
}

func (m *Manager) GetInt(key string) int {
	return cast.ToInt(m.GetValue(key))
}

func (m *Manager) GetBool(key string) bool {
	return cast.ToBool(m.GetValue(key))
}

func (m *Manager) GetDuration(key string) time.Duration {
	return cast.ToDuration(m.GetValue(key))
}

// DefaultConfigAsMap flattens DefaultConfig for koanf's confmap provider,
// so every known key exists before the file/env/flag layers merge in.
func DefaultConfigAsMap() map[string]any {
	def := DefaultConfig()
	return map[string]any{
		"log.level":  def.Log.Level,
		"log.format": def.Log.Format,
		"log.file":   def.Log.File,

		"server.addr":             def.Server.Addr,
		"server.port":             def.Server.Port,
		"server.read_timeout":     def.Server.ReadTimeout,
		"server.write_timeout":    def.Server.WriteTimeout,
		"server.shutdown_timeout": def.Server.ShutdownTimeout,

		"engine.workers":                 def.Engine.Workers,
		"engine.queue_capacity":          def.Engine.QueueCapacity,
		"engine.max_retry_delay":         def.Engine.MaxRetryDelay,
		"engine.limiter.max_in_flight":   def.Engine.Limiter.MaxInFlight,
		"engine.limiter.rate_per_second": def.Engine.Limiter.RatePerSecond,
		"engine.limiter.burst":           def.Engine.Limiter.Burst,
		"engine.limiter.max_wait":        def.Engine.Limiter.MaxWait,

		"storage.workspace_root":         def.Storage.WorkspaceRoot,
		"storage.retention.max_age_days": def.Storage.Retention.MaxAgeDays,
		"storage.retention.max_jobs":     def.Storage.Retention.MaxJobs,

		"webhook.url":           def.Webhook.URL,
		"webhook.secret":        def.Webhook.Secret,
		"webhook.timeout":       def.Webhook.Timeout,
		"webhook.max_retries":   def.Webhook.MaxRetries,
		"webhook.progress_step": def.Webhook.ProgressStep,
	}
}

// BindFlags defines the config-related command-line flags shared by all
// commands.
func BindFlags(flags *pflag.FlagSet) {
	var debug bool
	flags.BoolVar(&debug, "debug", false, "Enable debug logging")
}
