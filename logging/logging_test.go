package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]zapcore.Level{
		"":        zapcore.InfoLevel,
		"debug":   zapcore.DebugLevel,
		"WARN":    zapcore.WarnLevel,
		"warning": zapcore.WarnLevel,
		" error ": zapcore.ErrorLevel,
	}
	for name, want := range tests {
		got, err := ParseLevel(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, got, name)
	}

	_, err := ParseLevel("chatty")
	assert.Error(t, err)
}

func TestNewJSONWritesToOutputPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keysign.log")

	logger, err := New(Config{Level: "warn", Format: "json", OutputPaths: []string{path}})
	require.NoError(t, err)

	logger.Info("dropped")
	logger.Warn("possible spoof", zap.String("fingerprint", "ABCD"))
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	out := string(data)
	assert.NotContains(t, out, "dropped")
	assert.Contains(t, out, `"msg":"possible spoof"`)
	assert.Contains(t, out, `"fingerprint":"ABCD"`)
	assert.Equal(t, 1, strings.Count(strings.TrimSpace(out), "\n")+1)
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New(Config{Level: "loud"})
	assert.Error(t, err)
}
