package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestHelpersSafeBeforeInitialize(t *testing.T) {
	assert.NotPanics(t, func() {
		Info("before initialize")
		Debug("before initialize", zap.String("k", "v"))
		Warn("before initialize")
		Error("before initialize")
		LogSecurityEvent("signature_rejected")
		Sync()
	})
}

func TestInitialize_ReplacesNopLogger(t *testing.T) {
	before := Log
	require.NoError(t, Initialize(Config{Level: "error", Environment: "test"}))
	assert.NotSame(t, before, Log)
}

func TestInitialize_InvalidLevel(t *testing.T) {
	err := Initialize(Config{Level: "shouty"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid log level")
}
