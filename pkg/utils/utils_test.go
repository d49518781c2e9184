package utils

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger(LoggerConfig{Level: "debug", Format: "json", OutputPath: "stderr"})
	require.NoError(t, err)
	assert.NotNil(t, logger)

	path := filepath.Join(t.TempDir(), "logs", "stageflow.log")
	logger, err = NewLogger(LoggerConfig{Format: "console", OutputPath: path, ServiceName: "stageflow"})
	require.NoError(t, err)
	logger.Info("hello")
	assert.FileExists(t, path)

	_, err = NewLogger(LoggerConfig{Level: "loud"})
	assert.Error(t, err)
}

func TestKVLogger(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	logger := NewKVLogger(zap.New(core))

	logger.Info("moved", "instance_id", int64(7), "stage", "approved", 42, "dropped")
	logger.Error("failed", "error", errors.New("boom"))

	entries := logs.All()
	require.Len(t, entries, 2)

	ctx := entries[0].ContextMap()
	assert.Equal(t, int64(7), ctx["instance_id"])
	assert.Equal(t, "approved", ctx["stage"])
	assert.Len(t, ctx, 2)

	assert.Equal(t, "boom", entries[1].ContextMap()["error"])
}

func TestValidateIdentifier(t *testing.T) {
	assert.NoError(t, ValidateIdentifier("reference_id", "PO-2026-0042"))
	assert.Error(t, ValidateIdentifier("reference_id", "  "))
	assert.Error(t, ValidateIdentifier("reference_id", strings.Repeat("x", MaxIdentifierLength+1)))
	assert.Error(t, ValidateIdentifier("reference_id", "A\x00B"))
}

func TestSanitizeString(t *testing.T) {
	assert.Equal(t, "duplicate request", SanitizeString(" duplicate\x07 request\n"))
}
