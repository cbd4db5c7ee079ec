package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/bryanchriswhite/PipeScope/internal/override"
)

func newManager(t *testing.T, contents string) *Manager {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pipescope", "config.yaml")
	if contents != "" {
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
	}
	m, err := NewManager(path)
	require.NoError(t, err)
	return m
}

func TestNewManager_CreatesDefaults(t *testing.T) {
	m := newManager(t, "")

	_, err := os.Stat(m.GetConfigPath())
	require.NoError(t, err, "default config file should be written")

	cfg := m.Get()
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 8080, cfg.ServerPort)
	assert.Equal(t, EngineMemGraph, cfg.Engine)
	assert.Equal(t, 10*time.Second, cfg.Media.ReadyTimeout)
	assert.Equal(t, 50*time.Millisecond, cfg.Media.PollInterval)
	assert.Equal(t, "pipescope", cfg.Tracing.ServiceName)
	assert.Empty(t, cfg.Overrides)
	require.NoError(t, cfg.Validate())
}

func TestNewManager_ReadsFile(t *testing.T) {
	m := newManager(t, `
log_level: debug
server_port: 9191
engine: gstreamer
overrides:
  video_conversion: "identity name=myConverter"
media:
  ready_timeout: 3s
tracing:
  enabled: true
  exporter: otlp
`)
	cfg := m.Get()
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 9191, cfg.ServerPort)
	assert.Equal(t, EngineGStreamer, cfg.Engine)
	assert.Equal(t, 3*time.Second, cfg.Media.ReadyTimeout)
	assert.Equal(t, 50*time.Millisecond, cfg.Media.PollInterval, "unset keys keep defaults")
	assert.True(t, cfg.Tracing.Enabled)
	assert.Equal(t, "otlp", cfg.Tracing.Exporter)
	assert.Equal(t, "identity name=myConverter", cfg.Overrides["video_conversion"])
}

func TestNewManager_EnvOverridesFile(t *testing.T) {
	t.Setenv("PIPESCOPE_SERVER_PORT", "7000")
	t.Setenv("PIPESCOPE_MEDIA_READY_TIMEOUT", "1s")
	m := newManager(t, "server_port: 9191\n")

	cfg := m.Get()
	assert.Equal(t, 7000, cfg.ServerPort)
	assert.Equal(t, time.Second, cfg.Media.ReadyTimeout)
}

func TestNewManager_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server_port: [unterminated"), 0644))
	_, err := NewManager(path)
	require.Error(t, err)
}

func TestLookup_EnvBeforeFile(t *testing.T) {
	m := newManager(t, `
overrides:
  video_conversion: "identity name=fromFile"
`)
	v, ok := m.Lookup(override.StageVideoConversion)
	require.True(t, ok)
	assert.Equal(t, "identity name=fromFile", v)

	_, ok = m.Lookup(override.StageAudioConversion)
	assert.False(t, ok)

	t.Setenv(override.EnvKey(override.StageVideoConversion), "queue ! identity name=fromEnv")
	v, ok = m.Lookup(override.StageVideoConversion)
	require.True(t, ok)
	assert.Equal(t, "queue ! identity name=fromEnv", v)

	// a blank variable does not hide the file
	t.Setenv(override.EnvKey(override.StageVideoConversion), "  ")
	v, _ = m.Lookup(override.StageVideoConversion)
	assert.Equal(t, "identity name=fromFile", v)
}

func TestLookup_DrivesResolver(t *testing.T) {
	m := newManager(t, `
overrides:
  audio_conversion: "audioconvert name=a ! volume name=v"
`)
	res, err := override.NewResolver(m, nil).Resolve(override.StageAudioConversion)
	require.NoError(t, err)
	assert.True(t, res.Overridden)
	assert.Equal(t, []string{"a", "v"}, res.Chain.Names())
}

func TestSetAndSave(t *testing.T) {
	m := newManager(t, "")
	require.NoError(t, m.Set("log_level", "warn"))
	require.NoError(t, m.SetOverride(override.StageVideoConversion, "identity name=saved"))
	require.NoError(t, m.Save())

	data, err := os.ReadFile(m.GetConfigPath())
	require.NoError(t, err)
	var onDisk Config
	require.NoError(t, yaml.Unmarshal(data, &onDisk))
	assert.Equal(t, "warn", onDisk.LogLevel)
	assert.Equal(t, "identity name=saved", onDisk.Overrides["video_conversion"])

	reloaded, err := NewManager(m.GetConfigPath())
	require.NoError(t, err)
	assert.Equal(t, "warn", reloaded.Get().LogLevel)
	v, ok := reloaded.Lookup(override.StageVideoConversion)
	require.True(t, ok)
	assert.Equal(t, "identity name=saved", v)

	require.NoError(t, m.SetOverride(override.StageVideoConversion, ""))
	_, ok = m.Lookup(override.StageVideoConversion)
	assert.False(t, ok)
}

func TestGetReturnsCopy(t *testing.T) {
	m := newManager(t, "overrides:\n  video_conversion: identity\n")
	cfg := m.Get()
	cfg.Overrides["video_conversion"] = "tampered"
	v, _ := m.Lookup(override.StageVideoConversion)
	assert.Equal(t, "identity", v)
}

func TestValidate(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())

	cfg.Engine = "ffmpeg"
	require.Error(t, cfg.Validate())

	cfg = Defaults()
	cfg.ServerPort = 70000
	require.Error(t, cfg.Validate())

	cfg = Defaults()
	cfg.Media.PollInterval = 0
	require.Error(t, cfg.Validate())
}

func TestWatch_ReloadsOnWrite(t *testing.T) {
	m := newManager(t, "overrides:\n  video_conversion: identity name=before\n")

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	var mu sync.Mutex
	var seen []Config

	ready := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		close(ready)
		_ = m.Watch(ctx, 10*time.Millisecond, func(cfg Config) {
			mu.Lock()
			seen = append(seen, cfg)
			mu.Unlock()
		})
	}()
	<-ready
	defer func() {
		cancel()
		wg.Wait()
	}()

	// the watcher may not be registered yet; keep rewriting until a reload lands
	require.Eventually(t, func() bool {
		_ = os.WriteFile(m.GetConfigPath(), []byte("overrides:\n  video_conversion: identity name=after\n"), 0644)
		v, _ := m.Lookup(override.StageVideoConversion)
		return v == "identity name=after"
	}, 5*time.Second, 50*time.Millisecond)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) > 0 && seen[len(seen)-1].Overrides["video_conversion"] == "identity name=after"
	}, 5*time.Second, 10*time.Millisecond)
}
