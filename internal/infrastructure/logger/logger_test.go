package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	gormlogger "gorm.io/gorm/logger"
)

func TestNewWithLevel(t *testing.T) {
	l, atom, err := NewWithLevel(Config{Level: "warn", Format: "console", OutputPath: "stderr"})
	require.NoError(t, err)
	require.NotNil(t, l)
	assert.Equal(t, zapcore.WarnLevel, atom.Level())

	assert.True(t, SetLevel(atom, "debug"))
	assert.Equal(t, zapcore.DebugLevel, atom.Level())
	assert.False(t, SetLevel(atom, "debug"), "unchanged level is a no-op")
	assert.False(t, SetLevel(atom, "loud"))
	assert.Equal(t, zapcore.DebugLevel, atom.Level())
}

func TestNewWithLevel_BadLevelFallsBackToInfo(t *testing.T) {
	_, atom, err := NewWithLevel(Config{Level: "nope"})
	require.NoError(t, err)
	assert.Equal(t, zapcore.InfoLevel, atom.Level())
}

func TestParseGormLevel(t *testing.T) {
	assert.Equal(t, gormlogger.Silent, ParseGormLevel("silent"))
	assert.Equal(t, gormlogger.Error, ParseGormLevel("error"))
	assert.Equal(t, gormlogger.Info, ParseGormLevel("info"))
	assert.Equal(t, gormlogger.Warn, ParseGormLevel(""))
}
