package config

import (
	"encoding/json"
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultMatchesDocumentedDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, time.Duration(-1), cfg.RequestTimeout())
	assert.Equal(t, 5*time.Second, cfg.ReconnectDelay())
	assert.False(t, cfg.AllowMesh)
	assert.Equal(t, "0.0.0.0:7070", cfg.ListenAddr())
}

func TestLoadRuntimeConfigOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{
		"listen_port": 9090,
		"peers": [
			{"friendly_name": "root", "addr": "10.0.0.1:7070", "connections": 4, "is_root": true}
		],
		"request_timeout_ms": 2000
	}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))

	cfg, err := LoadRuntimeConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.ListenPort)
	assert.Equal(t, "0.0.0.0", cfg.ListenAddress) // untouched default
	assert.Equal(t, 2*time.Second, cfg.RequestTimeout())
	assert.Equal(t, 5*time.Second, cfg.ReconnectDelay()) // untouched default

	require.Len(t, cfg.Peers, 1)
	assert.Equal(t, "root", cfg.Peers[0].FriendlyName)
	assert.True(t, cfg.Peers[0].IsRoot)
}

func TestLoadRuntimeConfigMissingFile(t *testing.T) {
	_, err := LoadRuntimeConfig(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestApplyToFlagsOverridesUnsetFlags(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	oldCommandLine := flag.CommandLine
	flag.CommandLine = fs
	defer func() { flag.CommandLine = oldCommandLine }()

	logLevel := flag.String("log-level", "info", "")
	listenPort := flag.Int("listen-port", 7070, "")
	require.NoError(t, fs.Parse([]string{"-listen-port", "1234"}))

	cfg := map[string]interface{}{
		"log-level":   "debug",
		"listen-port": float64(9999), // JSON numbers decode as float64
	}
	ApplyToFlags(cfg)

	assert.Equal(t, "debug", *logLevel)     // not set explicitly, overlaid from config
	assert.Equal(t, 1234, *listenPort)      // set explicitly on the command line, config ignored
}

func TestLoadParsesArbitraryJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	raw := map[string]interface{}{"log_level": "warn", "listen_port": 8080.0}
	data, err := json.Marshal(raw)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg["log_level"])
}
