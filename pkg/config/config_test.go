package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(values map[string]string) LookupEnv {
	return func(k string) (string, bool) {
		v, ok := values[k]
		return v, ok
	}
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestServerDefaults(t *testing.T) {
	cfg, err := LoadServer(nil, env(nil))
	require.NoError(t, err)
	assert.Equal(t, DefaultServer(), cfg)
}

func TestServerPrecedence(t *testing.T) {
	path := writeFile(t, "server.yaml", `
addr: "0.0.0.0:9000"
database: from-file.sqlite3
backup_interval: 30s
send_buffer: 8
logging:
  level: debug
`)
	cfg, err := LoadServer([]string{"-config", path, "-send-buffer", "16", "-advertise"}, env(map[string]string{
		"LOTTIESYNC_DATABASE": "from-env.sqlite3",
		"LOTTIESYNC_ADDR":     "",
	}))
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9000", cfg.Addr, "empty env values are ignored")
	assert.Equal(t, "from-env.sqlite3", cfg.Database, "env beats file")
	assert.Equal(t, 30*time.Second, cfg.BackupInterval)
	assert.Equal(t, 16, cfg.SendBuffer, "flag beats file")
	assert.True(t, cfg.Advertise)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format, "unset nested keys keep defaults")
}

func TestServerConfigFromEnv(t *testing.T) {
	path := writeFile(t, "server.yaml", "seed: anim.json\n")
	cfg, err := LoadServer([]string{"-database", "flag.sqlite3"}, env(map[string]string{
		"LOTTIESYNC_CONFIG":   path,
		"LOTTIESYNC_DATABASE": "env.sqlite3",
	}))
	require.NoError(t, err)
	assert.Equal(t, "anim.json", cfg.Seed)
	assert.Equal(t, "flag.sqlite3", cfg.Database)
}

func TestServerInvalid(t *testing.T) {
	_, err := LoadServer([]string{"-backup-interval", "soon"}, env(nil))
	assert.Error(t, err)
	_, err = LoadServer([]string{"-send-buffer", "0"}, env(nil))
	assert.Error(t, err)
	_, err = LoadServer([]string{"-nope"}, env(nil))
	assert.Error(t, err)
	_, err = LoadServer(nil, env(map[string]string{"LOTTIESYNC_ADVERTISE": "maybe"}))
	assert.Error(t, err)
	_, err = LoadServer([]string{"-config", filepath.Join(t.TempDir(), "missing.yaml")}, env(nil))
	assert.Error(t, err)
}

func TestClient(t *testing.T) {
	cfg, err := LoadClient([]string{"-session", "s1", "-edits", "3", "-discover"}, env(map[string]string{
		"LOTTIESYNC_INTERVAL": "250ms",
	}))
	require.NoError(t, err)
	assert.Equal(t, "s1", cfg.Session)
	assert.Equal(t, 3, cfg.Edits)
	assert.True(t, cfg.Discover)
	assert.Equal(t, 250*time.Millisecond, cfg.Interval)
	assert.Equal(t, "ws://localhost:8080", cfg.URL)

	_, err = LoadClient([]string{"-session", ""}, env(nil))
	assert.Error(t, err)
}

func TestLoadDotEnv(t *testing.T) {
	path := writeFile(t, "test.env", "LOTTIESYNC_TEST_DOTENV=loaded\n")
	t.Cleanup(func() { _ = os.Unsetenv("LOTTIESYNC_TEST_DOTENV") })
	require.NoError(t, LoadDotEnv(path, filepath.Join(t.TempDir(), "missing.env")))
	assert.Equal(t, "loaded", os.Getenv("LOTTIESYNC_TEST_DOTENV"))
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(Logging{Level: "warn", Format: "json"}, &buf)
	require.NoError(t, err)
	logger.Info("hidden")
	logger.Warn("shown", "k", 1)
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)

	_, err = NewLogger(Logging{Level: "loud"}, &buf)
	assert.Error(t, err)
	_, err = NewLogger(Logging{Format: "xml"}, &buf)
	assert.Error(t, err)
}
