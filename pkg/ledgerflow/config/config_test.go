package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/config"
)

func TestAccessors(t *testing.T) {
	cfg := config.New(map[string]any{
		"name":     "ledger",
		"count":    3,
		"ratio":    0.5,
		"whole":    float64(7),
		"fraction": 7.5,
		"enabled":  true,
		"timeout":  "30s",
		"seconds":  10,
		"tags":     []any{"a", "b"},
		"mixed":    []any{"a", 1},
		"big":      int64(5_000_000),
	})

	assert.Equal(t, "ledger", cfg.String("name", "x"))
	assert.Equal(t, "x", cfg.String("count", "x"))
	assert.Equal(t, 3, cfg.Int("count", 0))
	assert.Equal(t, 7, cfg.Int("whole", 0))
	assert.Equal(t, 0, cfg.Int("fraction", 0))
	assert.Equal(t, int64(5_000_000), cfg.Int64("big", 0))
	assert.InDelta(t, 0.5, cfg.Float("ratio", 0), 1e-9)
	assert.InDelta(t, 3.0, cfg.Float("count", 0), 1e-9)
	assert.True(t, cfg.Bool("enabled", false))
	assert.Equal(t, 30*time.Second, cfg.Duration("timeout", 0))
	assert.Equal(t, 10*time.Second, cfg.Duration("seconds", 0))
	assert.Equal(t, time.Minute, cfg.Duration("missing", time.Minute))
	assert.Equal(t, []string{"a", "b"}, cfg.StringSlice("tags", nil))
	assert.Equal(t, []string{"z"}, cfg.StringSlice("mixed", []string{"z"}))
	assert.True(t, cfg.Has("name"))
	assert.False(t, cfg.Has("nope"))
}

func TestNew_NilMap(t *testing.T) {
	cfg := config.New(nil)
	assert.NotNil(t, cfg.Raw())
	assert.Equal(t, "d", cfg.String("k", "d"))
}

func TestSubAndList(t *testing.T) {
	cfg, err := config.FromYAML([]byte(`
dispatcher:
  breaker_threshold: 5
providers:
  - id: one
    priority: 1
  - not-a-map
  - id: two
    priority: 2
`))
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Sub("dispatcher").Int("breaker_threshold", 0))
	assert.Empty(t, cfg.Sub("missing").Raw())

	list := cfg.List("providers")
	require.Len(t, list, 2)
	assert.Equal(t, "one", list[0].String("id", ""))
	assert.Equal(t, 2, list[1].Int("priority", 0))
	assert.Nil(t, cfg.List("dispatcher"))
}

func TestFromFile(t *testing.T) {
	dir := t.TempDir()

	yamlPath := filepath.Join(dir, "cfg.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte("listen: \":9000\"\n"), 0o600))
	cfg, err := config.FromFile(yamlPath)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.String("listen", ""))

	jsonPath := filepath.Join(dir, "cfg.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{"listen": ":9001"}`), 0o600))
	cfg, err = config.FromFile(jsonPath)
	require.NoError(t, err)
	assert.Equal(t, ":9001", cfg.String("listen", ""))

	badPath := filepath.Join(dir, "cfg.toml")
	require.NoError(t, os.WriteFile(badPath, []byte(""), 0o600))
	_, err = config.FromFile(badPath)
	assert.ErrorContains(t, err, "unsupported config file extension")

	_, err = config.FromYAML([]byte("a: [unclosed"))
	assert.ErrorContains(t, err, "parse yaml")
}

func TestDefault(t *testing.T) {
	s := config.Default()

	assert.Equal(t, 1000, s.HistorySize)
	assert.Equal(t, 30*time.Second, s.SnapshotTTL)
	assert.Equal(t, 60*time.Second, s.RateLimitWindow)
	assert.Equal(t, 3, s.BreakerThreshold)
	assert.Equal(t, 30*time.Second, s.BreakerCooldown)
	assert.Equal(t, 3, s.FallbackActivation)
	assert.Equal(t, 5*time.Minute, s.ExecutorCooldown)
	assert.Equal(t, config.Thresholds{Low: 60, Medium: 70, High: 80, Critical: 90}, s.Thresholds)
	assert.Equal(t, 3, s.ProviderConcurrency)
	assert.NoError(t, s.Validate())
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ledgerflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database: /tmp/file.db
log:
  level: debug
executor:
  cooldown: 1m
  thresholds:
    high: 85
providers:
  - id: openai
    kind: openai
    model: gpt-4o-mini
    priority: 1
    api_key: from-file
`), 0o600))

	e, err := config.ParseEnvFrom(map[string]string{
		"LEDGERFLOW_DB":  "/tmp/env.db",
		"OPENAI_API_KEY": "from-env",
	})
	require.NoError(t, err)

	s, err := config.Load(path, e)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/env.db", s.Database)
	assert.Equal(t, "debug", s.LogLevel)
	assert.Equal(t, time.Minute, s.ExecutorCooldown)
	assert.InDelta(t, 85.0, s.Thresholds.High, 1e-9)
	assert.InDelta(t, 70.0, s.Thresholds.Medium, 1e-9)
	require.Len(t, s.Providers, 1)
	assert.Equal(t, "from-env", s.Providers[0].APIKey)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	s, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"), config.Env{})
	require.NoError(t, err)
	assert.Equal(t, config.Default().Listen, s.Listen)
}

func TestFromConfig_Invalid(t *testing.T) {
	_, err := config.FromConfig(config.New(map[string]any{
		"log": map[string]any{"level": "verbose"},
	}))
	assert.ErrorContains(t, err, "invalid settings")

	_, err = config.FromConfig(config.New(map[string]any{
		"providers": []any{map[string]any{"id": "x", "kind": "bogus", "model": "m"}},
	}))
	assert.Error(t, err)
}
