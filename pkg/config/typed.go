// Typed configuration for the mesh RPC runtime (spec §6.6), layered over
// the generic JSON-to-map loader above. Peer lists can't be expressed as
// command-line flags, so this always reads the full JSON document; the
// handful of process-wide scalars (listen address, log level) still go
// through Load/ApplyToFlags first so a flag explicitly set on the command
// line wins, exactly as the teacher's cmd/daemon does it.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// PeerConfig is one "Per-peer" block of spec §6.6.
type PeerConfig struct {
	FriendlyName     string `json:"friendly_name"`
	Addr             string `json:"addr"`
	Connections      int    `json:"connections"`
	TrustedPublicKey string `json:"trusted_public_key"` // path to a PEM-encoded PKCS#1 public key
	SignInURL        string `json:"sign_in_url"`
	Token            string `json:"token"`
	Reverse          bool   `json:"reverse"`
	IsRoot           bool   `json:"is_root"`
}

// RuntimeConfig is the full configuration surface of spec §6.6.
type RuntimeConfig struct {
	ListenAddress string `json:"listen_address"`
	ListenPort    int    `json:"listen_port"`
	Token         string `json:"token"`

	MyKeysPath string `json:"my_keys"`
	KeyBits    int    `json:"key_bits"`

	Peers []PeerConfig `json:"peers"`

	RequestTimeoutMS int `json:"request_timeout_ms"`
	ReconnectDelayMS int `json:"reconnect_delay_ms"`

	AllowMesh bool `json:"allow_mesh"`

	LogLevel    string `json:"log_level"`
	LogEncoding string `json:"log_encoding"`

	// ObserveAddr, if set, serves the observability snapshot (SPEC_FULL.md
	// §A.5) over HTTP. Empty disables the endpoint.
	ObserveAddr string `json:"observe_address"`
}

// Default returns a RuntimeConfig with spec.md §6.6's documented defaults:
// no token check, infinite request timeout, 5s reconnect delay, mesh
// forwarding disabled.
func Default() RuntimeConfig {
	return RuntimeConfig{
		ListenAddress:    "0.0.0.0",
		ListenPort:       7070,
		MyKeysPath:       "meshrpc.key",
		KeyBits:          8192,
		RequestTimeoutMS: -1,
		ReconnectDelayMS: 5000,
		LogLevel:         "info",
		LogEncoding:      "console",
	}
}

// LoadRuntimeConfig reads path as JSON directly into a RuntimeConfig,
// starting from Default() so an omitted field keeps its documented
// default rather than zeroing out.
func LoadRuntimeConfig(path string) (RuntimeConfig, error) {
	cfg := Default()
	f, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()
	if err := json.NewDecoder(f).Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("config: decode %q: %w", path, err)
	}
	return cfg, nil
}

// RequestTimeout converts RequestTimeoutMS to a time.Duration, with -1
// meaning "no timeout" per spec §4.8/§6.6.
func (c RuntimeConfig) RequestTimeout() time.Duration {
	if c.RequestTimeoutMS < 0 {
		return -1
	}
	return time.Duration(c.RequestTimeoutMS) * time.Millisecond
}

// ReconnectDelay converts ReconnectDelayMS to a time.Duration.
func (c RuntimeConfig) ReconnectDelay() time.Duration {
	return time.Duration(c.ReconnectDelayMS) * time.Millisecond
}

// ListenAddr joins ListenAddress/ListenPort into a net.Listen-ready string.
func (c RuntimeConfig) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.ListenAddress, c.ListenPort)
}
