package rtlog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewDefaultsToInfoOnMalformedLevel(t *testing.T) {
	log, err := New(Config{Level: "not-a-level", Encoding: "console"})
	require.NoError(t, err)
	assert.True(t, log.Core().Enabled(zapcore.InfoLevel))
	assert.False(t, log.Core().Enabled(zapcore.DebugLevel))
}

func TestNewAcceptsKnownLevels(t *testing.T) {
	for _, lvl := range []string{"debug", "info", "warn", "warning", "error"} {
		log, err := New(Config{Level: lvl, Encoding: "json"})
		require.NoError(t, err)
		require.NotNil(t, log)
	}
}

func TestNewDefaultsToConsoleOnMalformedEncoding(t *testing.T) {
	log, err := New(Config{Level: "info", Encoding: "xml"})
	require.NoError(t, err)
	require.NotNil(t, log)
}

func TestNop(t *testing.T) {
	log := Nop()
	require.NotNil(t, log)
	// A nop logger must never panic and never write anywhere observable.
	log.Info("discarded")
}
