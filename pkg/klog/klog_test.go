package klog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestComponentDebugSwitch(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	log := NewWithCore(core, false, "signal")

	log.Named("signal").Debug("delivered", Int("sig", 10))
	log.Named("sched").Debug("tick")
	log.Named("sched").Info("idle")

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "delivered", entries[0].Message)
	assert.Equal(t, "signal", entries[0].LoggerName)
	assert.Equal(t, "idle", entries[1].Message)
}

func TestAllDebug(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	log := NewWithCore(core, true)

	assert.True(t, log.Named("anything").DebugEnabled())
	log.Named("vfs").Debug("lookup")
	assert.Equal(t, 1, logs.Len())
}

func TestWithKeepsComponent(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	log := NewWithCore(core, false, "process").Named("process").With(Int("pid", 3))

	log.Debug("forked")
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, int64(3), logs.All()[0].ContextMap()["pid"])
}

func TestNewRejectsBadOptions(t *testing.T) {
	_, err := New(Options{Level: "loud"})
	assert.Error(t, err)

	_, err = New(Options{Format: "xml"})
	assert.Error(t, err)

	log, err := New(Options{Level: "warn", Format: "json"})
	require.NoError(t, err)
	assert.False(t, log.DebugEnabled())
}

func TestNop(t *testing.T) {
	log := Nop()
	log.Named("x").With(String("k", "v")).Error("ignored")
	assert.False(t, log.DebugEnabled())
	assert.NoError(t, log.Sync())
}

func TestHex(t *testing.T) {
	f := Hex("addr", 0xc0000000)
	assert.Equal(t, "0xc0000000", f.String)
}
