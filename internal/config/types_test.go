package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"salagent/internal/artifact"
	"salagent/internal/client"
	"salagent/internal/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaults(t *testing.T) {
	cfg := config.Load(zerolog.Nop(), filepath.Join(t.TempDir(), "missing.yaml"))

	assert.Equal(t, "http://sal", cfg.ServerURL)
	assert.True(t, cfg.BasicAuth)
	assert.True(t, cfg.SyncScripts)
	assert.Empty(t, cfg.SkipFacts)
	assert.Equal(t, uint(3), cfg.Lock.Attempts)
	assert.Equal(t, time.Second, cfg.Lock.Pause)
	assert.Equal(t, []string{"managedsoftwareupdate"}, cfg.Lock.Processes, "the agent's own name would fail runs while a sibling sleeps in --delay")
	assert.Equal(t, "/usr/local/sal/checkin_results.json", cfg.Paths.Results)
	assert.Equal(t, artifact.CodecZstd, cfg.Codec())
	assert.Equal(t, config.SourceDefault, cfg.SourceOf("server_url"))
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
server_url: https://sal.example.com/
key: abcdefgh
basic_auth: false
skip_facts: [uptime]
message_blacklist_patterns: ["^Could not"]
compression: lz4
status_thresholds:
  checkin: ">400"
lock:
  attempts: 5
  pause: 250ms
paths:
  results: /tmp/results.json
`)

	cfg := config.Load(zerolog.Nop(), path)

	assert.Equal(t, "https://sal.example.com/", cfg.ServerURL)
	assert.Equal(t, "abcdefgh", cfg.Key)
	assert.False(t, cfg.BasicAuth)
	assert.True(t, cfg.SyncScripts, "unset keys keep defaults")
	assert.Equal(t, []string{"uptime"}, cfg.SkipFacts)
	assert.Equal(t, artifact.CodecLZ4, cfg.Codec())
	assert.Equal(t, map[string]client.Threshold{client.EndpointCheckin: client.FailAbove400}, cfg.Thresholds())
	assert.Equal(t, uint(5), cfg.Lock.Attempts)
	assert.Equal(t, 250*time.Millisecond, cfg.Lock.Pause)
	assert.Equal(t, "/tmp/results.json", cfg.Paths.Results)
	assert.Equal(t, config.DefaultExternalScripts, cfg.Paths.ExternalScripts)
	assert.Equal(t, config.SourceFile, cfg.SourceOf("key"))
}

func TestLoadInvalidValuesFallBack(t *testing.T) {
	path := writeConfig(t, `
server_url: "  "
compression: bzip2
status_thresholds:
  checkin: "sometimes"
lock:
  attempts: 0
`)

	cfg := config.Load(zerolog.Nop(), path)

	assert.Equal(t, config.DefaultServerURL, cfg.ServerURL)
	assert.Equal(t, "zstd", cfg.Compression)
	assert.Empty(t, cfg.Thresholds())
	assert.Equal(t, uint(3), cfg.Lock.Attempts)
}

func TestLoadGarbageUsesDefaults(t *testing.T) {
	cfg := config.Load(zerolog.Nop(), writeConfig(t, "server_url: [unclosed"))
	assert.Equal(t, config.DefaultServerURL, cfg.ServerURL)
}

func TestOverridesAndReport(t *testing.T) {
	cfg := config.Default()
	cfg.OverrideServerURL("http://override")
	cfg.OverrideKey("supersecretkey")

	assert.Equal(t, "http://override", cfg.ServerURL)
	assert.Equal(t, config.SourceCommandLine, cfg.SourceOf("key"))

	var keyPref config.Pref
	for _, p := range cfg.Report() {
		if p.Name == "key" {
			keyPref = p
		}
	}
	assert.Equal(t, "**********tkey", keyPref.Value)
	assert.Equal(t, config.SourceCommandLine, keyPref.Source)
}
