package config

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/arbiterlabs/observer/internal/redact"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Service.Port)
	assert.Equal(t, 8081, cfg.Service.AdminPort)
	assert.Equal(t, 10*time.Second, cfg.Service.GracefulTimeout)
	assert.Equal(t, "./data", cfg.Data.Dir)
	assert.Equal(t, int64(128<<20), cfg.Data.RotationBytes)
	assert.Equal(t, 1000, cfg.Ingest.MaxQueueSize)
	assert.Equal(t, 5000, cfg.Ingest.RingCapacity)
	assert.Equal(t, 100, cfg.Stream.MaxClients)
	assert.Equal(t, 15*time.Second, cfg.Stream.HeartbeatInterval)
	assert.Equal(t, redact.ModeStandard, cfg.Privacy.Mode)
	assert.True(t, cfg.RateLimit.Enabled)
	assert.Equal(t, 120, cfg.RateLimit.RequestsPerMinute)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.False(t, cfg.AuthConfigured())
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "observer.yaml")
	doc := `
service:
  port: 9090
  admin_port: 9091
  graceful_timeout: 5s
data:
  dir: /var/lib/observer
ingest:
  max_queue_size: 50
privacy:
  mode: strict
  rules:
    - name: custom-secret
      pattern: "xoxb-[0-9A-Za-z]+"
auth:
  token: sekrit
  allowed_origins:
    - https://ops.example.com
runtime:
  base_url: http://arbiter:7070
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
	t.Setenv("CONFIG_PATH", path)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Service.Port)
	assert.Equal(t, 5*time.Second, cfg.Service.GracefulTimeout)
	assert.Equal(t, "/var/lib/observer", cfg.Data.Dir)
	assert.Equal(t, 50, cfg.Ingest.MaxQueueSize)
	assert.Equal(t, redact.ModeStrict, cfg.Privacy.Mode)
	require.Len(t, cfg.Privacy.Rules, 1)
	assert.Equal(t, "custom-secret", cfg.Privacy.Rules[0].Name)
	assert.True(t, cfg.AuthConfigured())
	assert.Equal(t, []string{"https://ops.example.com"}, cfg.Auth.AllowedOrigins)
	assert.Equal(t, "http://arbiter:7070", cfg.Runtime.BaseURL)

	// Unset values keep defaults.
	assert.Equal(t, 5000, cfg.Ingest.RingCapacity)
	assert.Equal(t, 120, cfg.RateLimit.RequestsPerMinute)
}

func TestLoadMissingExplicitFileFails(t *testing.T) {
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "nope.yaml"))
	_, err := Load()
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("OBSERVER_PORT", "7001")
	t.Setenv("OBSERVER_DATA_DIR", "/tmp/obs-data")
	t.Setenv("OBSERVER_AUTH_TOKEN", "env-token")
	t.Setenv("OBSERVER_PRIVACY_MODE", "strict")
	t.Setenv("OBSERVER_RUNTIME_URL", "http://arbiter:7070")
	t.Setenv("REDIS_URL", "redis://localhost:6379/2")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 7001, cfg.Service.Port)
	assert.Equal(t, "/tmp/obs-data", cfg.Data.Dir)
	assert.Equal(t, "env-token", cfg.Auth.Token)
	assert.Equal(t, redact.ModeStrict, cfg.Privacy.Mode)
	assert.Equal(t, "http://arbiter:7070", cfg.Runtime.BaseURL)
	assert.Equal(t, "redis://localhost:6379/2", cfg.Redis.URL)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestEnvOverridesFileValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "observer.yaml")
	require.NoError(t, os.WriteFile(path, []byte("service:\n  port: 9000\n"), 0o644))
	t.Setenv("CONFIG_PATH", path)
	t.Setenv("OBSERVER_PORT", "9999")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.Service.Port)
}

func TestValidate(t *testing.T) {
	base := func() *Config { return Default() }

	t.Run("default is valid", func(t *testing.T) {
		assert.NoError(t, base().Validate())
	})

	t.Run("port range", func(t *testing.T) {
		cfg := base()
		cfg.Service.Port = 0
		assert.Error(t, cfg.Validate())
	})

	t.Run("admin port collision", func(t *testing.T) {
		cfg := base()
		cfg.Service.AdminPort = cfg.Service.Port
		assert.Error(t, cfg.Validate())
	})

	t.Run("unknown privacy mode", func(t *testing.T) {
		cfg := base()
		cfg.Privacy.Mode = "paranoid"
		assert.Error(t, cfg.Validate())
	})

	t.Run("bad rule pattern", func(t *testing.T) {
		cfg := base()
		cfg.Privacy.Rules = []redact.Rule{{Name: "broken", Pattern: "("}}
		assert.Error(t, cfg.Validate())
	})

	t.Run("rule missing name", func(t *testing.T) {
		cfg := base()
		cfg.Privacy.Rules = []redact.Rule{{Pattern: "x"}}
		assert.Error(t, cfg.Validate())
	})

	t.Run("rate limit needs a rate", func(t *testing.T) {
		cfg := base()
		cfg.RateLimit.RequestsPerMinute = 0
		assert.Error(t, cfg.Validate())
		cfg.RateLimit.Enabled = false
		assert.NoError(t, cfg.Validate())
	})

	t.Run("bad log level", func(t *testing.T) {
		cfg := base()
		cfg.Logging.Level = "verbose"
		assert.Error(t, cfg.Validate())
	})

	t.Run("sampling rate range", func(t *testing.T) {
		cfg := base()
		cfg.Tracing.SamplingRate = 1.5
		assert.Error(t, cfg.Validate())
	})
}

func TestLoadRules(t *testing.T) {
	dir := t.TempDir()

	t.Run("document form", func(t *testing.T) {
		path := filepath.Join(dir, "rules.yaml")
		doc := `
rules:
  - name: slack-token
    pattern: "xoxb-[0-9A-Za-z-]+"
    replacement: "[SLACK]"
  - name: ssn
    pattern: "\\d{3}-\\d{2}-\\d{4}"
`
		require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

		rules, err := LoadRules(path)
		require.NoError(t, err)
		require.Len(t, rules, 2)
		assert.Equal(t, "slack-token", rules[0].Name)
		assert.Equal(t, "[SLACK]", rules[0].Replacement)
	})

	t.Run("bare list form", func(t *testing.T) {
		path := filepath.Join(dir, "bare.yaml")
		doc := `
- name: email
  pattern: "[a-z]+@[a-z]+\\.com"
`
		require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

		rules, err := LoadRules(path)
		require.NoError(t, err)
		require.Len(t, rules, 1)
		assert.Equal(t, "email", rules[0].Name)
	})

	t.Run("invalid pattern rejected", func(t *testing.T) {
		path := filepath.Join(dir, "bad.yaml")
		require.NoError(t, os.WriteFile(path, []byte("rules:\n  - name: broken\n    pattern: '('\n"), 0o644))

		_, err := LoadRules(path)
		assert.Error(t, err)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadRules(filepath.Join(dir, "absent.yaml"))
		assert.Error(t, err)
	})
}

func TestEffectiveRules(t *testing.T) {
	t.Run("defaults when nothing configured", func(t *testing.T) {
		cfg := Default()
		rules, err := cfg.EffectiveRules()
		require.NoError(t, err)
		assert.Equal(t, redact.DefaultRules(), rules)
	})

	t.Run("file rules append after inline", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "rules.yaml")
		require.NoError(t, os.WriteFile(path, []byte("rules:\n  - name: from-file\n    pattern: ff\n"), 0o644))

		cfg := Default()
		cfg.Privacy.Rules = []redact.Rule{{Name: "inline", Pattern: "ii"}}
		cfg.Privacy.RulesFile = path

		rules, err := cfg.EffectiveRules()
		require.NoError(t, err)
		require.Len(t, rules, 2)
		assert.Equal(t, "inline", rules[0].Name)
		assert.Equal(t, "from-file", rules[1].Name)
	})
}

func TestWatchRulesReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rules:\n  - name: one\n    pattern: aaa\n"), 0o644))

	var applied atomic.Int32
	var lastCount atomic.Int32
	w, err := WatchRules(path, func(rules []redact.Rule) error {
		applied.Add(1)
		lastCount.Store(int32(len(rules)))
		return nil
	}, zap.NewNop())
	require.NoError(t, err)
	defer w.Stop()

	doc := "rules:\n  - name: one\n    pattern: aaa\n  - name: two\n    pattern: bbb\n"
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	require.Eventually(t, func() bool {
		return applied.Load() >= 1 && lastCount.Load() == 2
	}, 5*time.Second, 20*time.Millisecond, "rule reload never applied")
}

func TestWatchRulesKeepsOldOnBadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rules:\n  - name: one\n    pattern: aaa\n"), 0o644))

	var applied atomic.Int32
	w, err := WatchRules(path, func([]redact.Rule) error {
		applied.Add(1)
		return nil
	}, zap.NewNop())
	require.NoError(t, err)
	defer w.Stop()

	// A broken pattern must be rejected before apply is ever called.
	require.NoError(t, os.WriteFile(path, []byte("rules:\n  - name: broken\n    pattern: '('\n"), 0o644))
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, int32(0), applied.Load())
}
