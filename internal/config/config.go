package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/bryanchriswhite/PipeScope/internal/logger"
	"github.com/bryanchriswhite/PipeScope/internal/override"
	"github.com/bryanchriswhite/PipeScope/internal/tracing"
)

// EnvPrefix is prepended to every configuration key read from the environment
const EnvPrefix = "PIPESCOPE"

// Engine names accepted by the engine key
const (
	EngineMemGraph  = "memgraph"
	EngineGStreamer = "gstreamer"
)

// MediaConfig tunes source probing and readiness waits
type MediaConfig struct {
	ReadyTimeout time.Duration `json:"ready_timeout" yaml:"ready_timeout" mapstructure:"ready_timeout"`
	PollInterval time.Duration `json:"poll_interval" yaml:"poll_interval" mapstructure:"poll_interval"`
	ProbeDelay   time.Duration `json:"probe_delay" yaml:"probe_delay" mapstructure:"probe_delay"`
}

// Config represents the application configuration
type Config struct {
	LogLevel   string `json:"log_level" yaml:"log_level" mapstructure:"log_level"`
	LogPretty  bool   `json:"log_pretty" yaml:"log_pretty" mapstructure:"log_pretty"`
	ServerPort int    `json:"server_port" yaml:"server_port" mapstructure:"server_port"`
	Engine     string `json:"engine" yaml:"engine" mapstructure:"engine"`
	DumpDir    string `json:"dump_dir,omitempty" yaml:"dump_dir,omitempty" mapstructure:"dump_dir"`

	// Overrides maps a stage name to an element chain description
	Overrides map[string]string `json:"overrides" yaml:"overrides" mapstructure:"overrides"`

	Media   MediaConfig    `json:"media" yaml:"media" mapstructure:"media"`
	Tracing tracing.Config `json:"tracing" yaml:"tracing" mapstructure:"tracing"`
}

// Validate checks values that would otherwise fail late
func (c *Config) Validate() error {
	switch c.Engine {
	case EngineMemGraph, EngineGStreamer:
	default:
		return fmt.Errorf("invalid engine %q (use: %s, %s)", c.Engine, EngineMemGraph, EngineGStreamer)
	}
	if c.ServerPort < 0 || c.ServerPort > 65535 {
		return fmt.Errorf("invalid server port: %d", c.ServerPort)
	}
	if c.Media.PollInterval <= 0 {
		return fmt.Errorf("media.poll_interval must be positive")
	}
	return nil
}

// Defaults returns the configuration written for a fresh install
func Defaults() Config {
	return Config{
		LogLevel:   "info",
		ServerPort: 8080,
		Engine:     EngineMemGraph,
		Overrides:  map[string]string{},
		Media: MediaConfig{
			ReadyTimeout: 10 * time.Second,
			PollInterval: 50 * time.Millisecond,
		},
		Tracing: tracing.DefaultConfig(),
	}
}

func setDefaults(v *viper.Viper) {
	d := Defaults()
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("log_pretty", d.LogPretty)
	v.SetDefault("server_port", d.ServerPort)
	v.SetDefault("engine", d.Engine)
	v.SetDefault("dump_dir", d.DumpDir)
	v.SetDefault("overrides", map[string]string{})
	v.SetDefault("media.ready_timeout", d.Media.ReadyTimeout)
	v.SetDefault("media.poll_interval", d.Media.PollInterval)
	v.SetDefault("media.probe_delay", d.Media.ProbeDelay)
	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.exporter", d.Tracing.Exporter)
	v.SetDefault("tracing.file_path", d.Tracing.FilePath)
	v.SetDefault("tracing.otlp_endpoint", d.Tracing.OTLPEndpoint)
	v.SetDefault("tracing.sample_rate", d.Tracing.SampleRate)
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)
}

// Manager handles configuration
type Manager struct {
	configPath string
	v          *viper.Viper

	mu     sync.RWMutex
	config Config
}

var _ override.Source = (*Manager)(nil)

// DefaultPath returns ~/.config/pipescope/config.yaml
func DefaultPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "pipescope", "config.yaml"), nil
}

// NewManager loads configFile, or the default path when empty. A missing file is created
// with defaults.
func NewManager(configFile string) (*Manager, error) {
	path := configFile
	if path == "" {
		def, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		path = def
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	m := &Manager{configPath: path, v: v}
	log := logger.WithComponent("config")

	if _, err := os.Stat(path); os.IsNotExist(err) {
		log.Info().Str("path", path).Msg("Config file not found, creating new config")
		if err := m.write(Defaults()); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
	}

	if err := m.load(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := m.Get()
	log.Info().
		Str("path", path).
		Str("engine", cfg.Engine).
		Int("overrides", len(cfg.Overrides)).
		Msg("Config loaded")
	return m, nil
}

// load reads the file into viper and refreshes the snapshot
func (m *Manager) load() error {
	if err := m.v.ReadInConfig(); err != nil {
		return err
	}
	return m.refresh()
}

func (m *Manager) refresh() error {
	var cfg Config
	if err := m.v.Unmarshal(&cfg); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.Overrides == nil {
		cfg.Overrides = map[string]string{}
	}
	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
	return nil
}

// Get returns a copy of the current configuration
func (m *Manager) Get() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg := m.config
	cfg.Overrides = make(map[string]string, len(m.config.Overrides))
	for k, v := range m.config.Overrides {
		cfg.Overrides[k] = v
	}
	return cfg
}

// Lookup implements override.Source. A non-blank environment variable wins over the
// overrides section of the file.
func (m *Manager) Lookup(stage override.Stage) (string, bool) {
	if v, ok := os.LookupEnv(override.EnvKey(stage)); ok && strings.TrimSpace(v) != "" {
		return v, true
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.config.Overrides[string(stage)]
	return v, ok
}

// GetViper exposes the underlying viper instance for key-level access
func (m *Manager) GetViper() *viper.Viper {
	return m.v
}

// Set assigns a key in memory; call Save to persist it
func (m *Manager) Set(key string, value interface{}) error {
	m.v.Set(key, value)
	return m.refresh()
}

// SetOverride stores the chain description for a stage and saves the file. An empty
// description removes the override.
func (m *Manager) SetOverride(stage override.Stage, description string) error {
	cfg := m.Get()
	if description == "" {
		delete(cfg.Overrides, string(stage))
	} else {
		cfg.Overrides[string(stage)] = description
	}
	return m.Update(cfg)
}

// Save writes the current configuration to disk
func (m *Manager) Save() error {
	return m.write(m.Get())
}

// Update replaces the entire configuration and saves it
func (m *Manager) Update(cfg Config) error {
	if err := m.write(cfg); err != nil {
		return err
	}
	return m.load()
}

func (m *Manager) write(cfg Config) error {
	log := logger.WithComponent("config")

	configDir := filepath.Dir(m.configPath)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		log.Error().Err(err).Str("config_dir", configDir).Msg("Failed to create config directory")
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal config")
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(m.configPath, data, 0644); err != nil {
		log.Error().Err(err).Str("path", m.configPath).Msg("Failed to write config")
		return err
	}

	log.Debug().Str("path", m.configPath).Msg("Config saved")
	return nil
}

// GetConfigPath returns the path to the config file
func (m *Manager) GetConfigPath() string {
	return m.configPath
}

// GetConfigDir returns the config directory path
func (m *Manager) GetConfigDir() string {
	return filepath.Dir(m.configPath)
}

// Watch reloads the file whenever it changes on disk and hands the new configuration to
// fn. Bursts of writes within debounce collapse into one reload. It blocks until ctx is
// done. Pipelines built later see new overrides; running ones are left alone.
func (m *Manager) Watch(ctx context.Context, debounce time.Duration, fn func(Config)) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	defer fsw.Close()

	// Watch the directory so editors that replace the file are seen
	dir := filepath.Dir(m.configPath)
	if err := fsw.Add(dir); err != nil {
		return fmt.Errorf("watching directory %s: %w", dir, err)
	}

	log := logger.WithComponent("config")
	target := filepath.Clean(m.configPath)

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target || event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			log.Debug().Str("event", event.String()).Msg("Config file changed")
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				timer.Reset(debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			if err := m.load(); err != nil {
				log.Warn().Err(err).Str("path", m.configPath).Msg("Failed to reload config")
				continue
			}
			log.Info().Str("path", m.configPath).Msg("Config reloaded")
			if fn != nil {
				fn(m.Get())
			}

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("Config watcher error")
		}
	}
}
