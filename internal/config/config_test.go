package config

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/structcap/internal/vision"
)

func TestLoad_Defaults(t *testing.T) {
	for _, key := range []string{"STRUCTCAP_PROVIDER", "STRUCTCAP_NUM_VIEWS", "STRUCTCAP_RATE_LIMIT_DELAY", "STRUCTCAP_USE_RANKING", "SURREALDB_URL", "STRUCTCAP_JOB_MODE"} {
		t.Setenv(key, "")
	}

	cfg := Load()
	assert.Equal(t, "anthropic", cfg.Provider)
	assert.Equal(t, 6, cfg.NumViews)
	assert.Equal(t, 4096, cfg.MaxTokens)
	assert.Equal(t, time.Second, cfg.RateLimitDelay)
	assert.True(t, cfg.UseRanking)
	assert.Equal(t, "Cap3D_imgs", cfg.ImagesSubdir)
	assert.Equal(t, JobModeProcess, cfg.JobMode)
	assert.Empty(t, cfg.SurrealDBURL)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_Env(t *testing.T) {
	t.Setenv("STRUCTCAP_PROVIDER", "openai")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("STRUCTCAP_NUM_VIEWS", "4")
	t.Setenv("STRUCTCAP_RATE_LIMIT_DELAY", "2.5")
	t.Setenv("STRUCTCAP_STOP_GRACE", "750ms")
	t.Setenv("STRUCTCAP_USE_RANKING", "false")
	t.Setenv("STRUCTCAP_RENDER_ARGS", "--manifest {manifest}  --out {output}")
	t.Setenv("STRUCTCAP_LOG_LEVEL", "debug")

	cfg := Load()
	assert.Equal(t, "sk-test", cfg.APIKey())
	assert.Equal(t, 4, cfg.NumViews)
	assert.Equal(t, 2500*time.Millisecond, cfg.RateLimitDelay)
	assert.Equal(t, 750*time.Millisecond, cfg.StopGrace)
	assert.False(t, cfg.UseRanking)
	assert.Equal(t, []string{"--manifest", "{manifest}", "--out", "{output}"}, cfg.RenderArgs)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
}

func TestLoad_InvalidNumbersFallBack(t *testing.T) {
	t.Setenv("STRUCTCAP_NUM_VIEWS", "six")
	t.Setenv("STRUCTCAP_RATE_LIMIT_DELAY", "soon")

	cfg := Load()
	assert.Equal(t, 6, cfg.NumViews)
	assert.Equal(t, time.Second, cfg.RateLimitDelay)
}

func TestLoadWithFile(t *testing.T) {
	t.Setenv("STRUCTCAP_PROVIDER", "anthropic")
	t.Setenv("STRUCTCAP_MODEL", "from-env")

	path := filepath.Join(t.TempDir(), "structcap.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
provider: ollama
parent_dir: /data/objects
rate_limit_delay: 250ms
use_ranking: false
log_level: WARN
render_args: ["{manifest}", "{output}"]
`), 0o644))

	cfg, err := LoadWithFile(path)
	require.NoError(t, err)
	assert.Equal(t, "ollama", cfg.Provider)
	assert.Equal(t, "from-env", cfg.Model)
	assert.Equal(t, "/data/objects", cfg.ParentDir)
	assert.Equal(t, 250*time.Millisecond, cfg.RateLimitDelay)
	assert.False(t, cfg.UseRanking)
	assert.Equal(t, slog.LevelWarn, cfg.LogLevel)
	assert.Equal(t, []string{"{manifest}", "{output}"}, cfg.RenderArgs)
	assert.Equal(t, "", cfg.APIKey())
	assert.Equal(t, filepath.Join("/data/objects", "Cap3D_imgs"), cfg.ImagesDir(cfg.ParentDir))
}

func TestLoadWithFile_EnvPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "structcap.yaml")
	require.NoError(t, os.WriteFile(path, []byte("num_views: 3\n"), 0o644))
	t.Setenv("STRUCTCAP_CONFIG", path)

	cfg, err := LoadWithFile("")
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.NumViews)
}

func TestLoadWithFile_Errors(t *testing.T) {
	t.Setenv("STRUCTCAP_CONFIG", "")
	dir := t.TempDir()

	_, err := LoadWithFile(filepath.Join(dir, "missing.yaml"))
	assert.ErrorContains(t, err, "read config file")

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("num_views: [1"), 0o644))
	_, err = LoadWithFile(bad)
	assert.ErrorContains(t, err, "parse config file")

	invalid := filepath.Join(dir, "invalid.yaml")
	require.NoError(t, os.WriteFile(invalid, []byte("provider: mystery\njob_mode: threads\n"), 0o644))
	_, err = LoadWithFile(invalid)
	assert.ErrorContains(t, err, `unknown provider "mystery"`)
	assert.ErrorContains(t, err, `unknown job mode "threads"`)
}

func TestConfig_Vision(t *testing.T) {
	cfg := Config{OllamaHost: "http://ollama:11434", AWSRegion: "eu-west-1"}
	v := cfg.Vision("bedrock", "")
	assert.Equal(t, vision.ProviderBedrock, v.Provider)
	assert.Equal(t, "eu-west-1", v.AWSRegion)
	assert.Equal(t, "http://ollama:11434", v.OllamaHost)
}

func TestSetupLoggerWithWriters(t *testing.T) {
	var stderr, file bytes.Buffer
	logger := SetupLoggerWithWriters(&stderr, &file, slog.LevelInfo)

	logger.Debug("hidden")
	logger.Info("item processed", "uid", "abc")

	assert.NotContains(t, stderr.String(), "hidden")
	assert.Contains(t, stderr.String(), "uid=abc")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(file.Bytes(), &entry))
	assert.Equal(t, "item processed", entry["msg"])
	assert.Equal(t, "abc", entry["uid"])
}

func TestSetupLogger_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "structcap.log")
	logger, cleanup := SetupLogger(path, slog.LevelInfo)
	logger.Info("hello")
	require.NoError(t, cleanup())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"hello"`)
}
