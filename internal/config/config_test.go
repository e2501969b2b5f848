package config

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "loftsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func env(vars map[string]string) func(string) (string, bool) {
	return func(name string) (string, bool) {
		v, ok := vars[name]
		return v, ok
	}
}

func TestLoad_Full(t *testing.T) {
	cfg, err := Load(filepath.Join("testdata", "full.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/loftsync/local.db", cfg.LocalDB)
	assert.Equal(t, "sqlite:///var/lib/loftsync/docs.db", cfg.Storage)
	assert.Equal(t, Remote{URL: "https://cloud.example.test", Token: "secret", Retries: 5}, cfg.Remote)
	assert.Equal(t, "wss://cloud.example.test/collab", cfg.Collab.URL)
	assert.Equal(t, Log{Level: "debug", Format: "json"}, cfg.Log)
	assert.Equal(t, 250*time.Millisecond, cfg.Hydration.ProvenanceTimeout)
	assert.Equal(t, 4, cfg.Registry.Keep)
}

func TestLoad_NoPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	def := Default()
	assert.Equal(t, def.Storage, cfg.Storage)
	assert.Equal(t, DefaultProvenanceTimeout, cfg.Hydration.ProvenanceTimeout)
}

func TestLoad_PartialKeepsDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "log:\n  level: warn\n"))
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, DefaultLocalDB, cfg.LocalDB)
	assert.Equal(t, DefaultRetries, cfg.Remote.Retries)
}

func TestLoad_EmptyFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	require.NoError(t, err)
	assert.Equal(t, DefaultKeep, cfg.Registry.Keep)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestLoad_SchemaViolations(t *testing.T) {
	cases := map[string]string{
		"unknown key":        "lcoal_db: x\n",
		"bad log level":      "log:\n  level: loud\n",
		"bad remote scheme":  "remote:\n  url: ftp://x\n",
		"url and dsn":        "remote:\n  url: http://x\n  dsn: memory://\n",
		"negative keep":      "registry:\n  keep: -1\n",
		"bad duration":       "hydration:\n  provenance_timeout: soon\n",
		"zero duration":      "hydration:\n  provenance_timeout: 0s\n",
		"collab not ws":      "collab:\n  url: http://x\n",
		"retries not number": "remote:\n  retries: many\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := writeConfig(t, body)
			_, err := Load(path)
			require.Error(t, err)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, path, verr.Path)
		})
	}
}

func TestLoad_MalformedYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "log: [unterminated\n"))
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	ApplyEnv(&cfg, env(map[string]string{
		"LOFTSYNC_LOCAL_DB":           " /tmp/local.db ",
		"LOFTSYNC_STORAGE":            "memory://",
		"LOFTSYNC_REMOTE_URL":         "http://127.0.0.1:8080",
		"LOFTSYNC_REMOTE_TOKEN":       "tok",
		"LOFTSYNC_COLLAB_URL":         "ws://127.0.0.1:8080/collab",
		"LOFTSYNC_LOG_FORMAT":         "json",
		"LOFTSYNC_PROVENANCE_TIMEOUT": "2s",
		"LOFTSYNC_REMOTE_RETRIES":     "0",
		"LOFTSYNC_REGISTRY_KEEP":      "8",
		"LOFTSYNC_UNRELATED_VARIABLE": "ignored",
	}))

	assert.Equal(t, "/tmp/local.db", cfg.LocalDB)
	assert.Equal(t, "memory://", cfg.Storage)
	assert.Equal(t, "http://127.0.0.1:8080", cfg.Remote.URL)
	assert.Equal(t, "tok", cfg.Remote.Token)
	assert.Equal(t, "ws://127.0.0.1:8080/collab", cfg.Collab.URL)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 2*time.Second, cfg.Hydration.ProvenanceTimeout)
	assert.Equal(t, 0, cfg.Remote.Retries)
	assert.Equal(t, 8, cfg.Registry.Keep)
}

func TestApplyEnv_InvalidValuesIgnored(t *testing.T) {
	cfg := Default()
	ApplyEnv(&cfg, env(map[string]string{
		"LOFTSYNC_PROVENANCE_TIMEOUT": "later",
		"LOFTSYNC_REGISTRY_KEEP":      "-3",
		"LOFTSYNC_REMOTE_RETRIES":     "x",
		"LOFTSYNC_STORAGE":            "   ",
	}))
	assert.Equal(t, Default(), cfg)
}

func TestApplyEnv_NonPositiveTimeoutIgnored(t *testing.T) {
	for _, raw := range []string{"0s", "-1s"} {
		cfg := Default()
		ApplyEnv(&cfg, env(map[string]string{"LOFTSYNC_PROVENANCE_TIMEOUT": raw}))
		assert.Equal(t, DefaultProvenanceTimeout, cfg.Hydration.ProvenanceTimeout, raw)
	}
}

func TestSlogLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, Log{Level: "DEBUG"}.SlogLevel())
	assert.Equal(t, slog.LevelWarn, Log{Level: "warn"}.SlogLevel())
	assert.Equal(t, slog.LevelError, Log{Level: "error"}.SlogLevel())
	assert.Equal(t, slog.LevelInfo, Log{}.SlogLevel())
}
