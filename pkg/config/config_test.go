package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, DefaultMaxPID, cfg.Kernel.MaxPID)
	assert.Equal(t, DefaultMaxFiles, cfg.Kernel.MaxFiles)
	assert.Equal(t, DefaultKernelStackSize, cfg.Memory.KernelStackSize)
	assert.Equal(t, DefaultQuantum, cfg.Scheduler.Quantum)
	assert.Equal(t, DefaultInit, cfg.Boot.Init)
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "taskos.toml")
	content := `
[kernel]
max_pid = 500
max_files = 16

[scheduler]
tick = "5ms"

[log]
level = "debug"
debug_components = ["signal", "sched"]

[boot]
init = "/sbin/init"
args = ["-v"]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	t.Setenv("TASKOS_KERNEL_MAX_FILES", "32")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 500, cfg.Kernel.MaxPID)
	assert.Equal(t, 32, cfg.Kernel.MaxFiles)
	assert.Equal(t, 5*time.Millisecond, cfg.Scheduler.Tick)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, []string{"signal", "sched"}, cfg.Log.DebugComponents)
	assert.Equal(t, "/sbin/init", cfg.Boot.Init)
	assert.Equal(t, []string{"-v"}, cfg.Boot.Args)
	// Untouched sections keep their defaults.
	assert.Equal(t, DefaultFrames, cfg.Memory.Frames)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"defaults", func(c *Config) {}, false},
		{"tiny max pid", func(c *Config) { c.Kernel.MaxPID = 1 }, true},
		{"too few files", func(c *Config) { c.Kernel.MaxFiles = 2 }, true},
		{"unaligned stack", func(c *Config) { c.Memory.UserStackSize = 1000 }, true},
		{"relative init", func(c *Config) { c.Boot.Init = "init" }, true},
		{"zero tick", func(c *Config) { c.Scheduler.Tick = 0 }, true},
		{"no cpus", func(c *Config) { c.Scheduler.CPUs = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(c)
			err := c.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDump(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Dump(&buf, Default()))

	out := buf.String()
	assert.Contains(t, out, "[kernel]")
	assert.Contains(t, out, "max_pid = 32768")
	assert.Contains(t, out, `init = "/bin/init"`)
}
