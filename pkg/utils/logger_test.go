package utils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewLogger(t *testing.T) {
	tmpDir := t.TempDir()

	cfg := DefaultLogConfig()
	cfg.OutputPath = filepath.Join(tmpDir, "logs", "test.log")

	logger, err := NewLogger(cfg)
	require.NoError(t, err)

	logger.Info("startup", zap.String("component", "test"))
	require.NoError(t, logger.Sync())

	content, err := os.ReadFile(cfg.OutputPath)
	require.NoError(t, err)
	assert.Contains(t, string(content), `"msg":"startup"`)
	assert.Contains(t, string(content), `"component":"test"`)
}

func TestNewLogger_BadLevel(t *testing.T) {
	cfg := DefaultLogConfig()
	cfg.Level = "shouting"
	cfg.OutputPath = filepath.Join(t.TempDir(), "test.log")

	_, err := NewLogger(cfg)
	assert.Error(t, err)
}

func TestLoggerWithContext(t *testing.T) {
	cfg := DefaultLogConfig()
	cfg.OutputPath = filepath.Join(t.TempDir(), "test.log")

	logger, err := NewLogger(cfg)
	require.NoError(t, err)

	child := LoggerWithContext(logger, zap.String("runID", "abc"))
	assert.NotNil(t, child)
}
