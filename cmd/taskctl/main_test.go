package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/BurntSushi/toml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"taskos/pkg/config"
	"taskos/pkg/kernel"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append(args, "--log-level", "error"))
	err := cmd.Execute()
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "taskctl dev\n", out)
}

func TestConfigDump(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "taskos.toml")
	require.NoError(t, os.WriteFile(path, []byte("[scheduler]\ncpus = 2\n"), 0o600))

	out, err := execute(t, "config", "dump", "--config", path)
	require.NoError(t, err)

	var cfg config.Config
	_, err = toml.Decode(out, &cfg)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Scheduler.CPUs)
	assert.Equal(t, "error", cfg.Log.Level)
	assert.Equal(t, config.DefaultInit, cfg.Boot.Init)
}

func TestBoot(t *testing.T) {
	out, err := execute(t, "boot", "--timeout", "10s")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "init: pid 1\n"), out)
	assert.True(t, strings.HasSuffix(out, "init: done\n"), out)
	assert.Contains(t, out, "init: sleep killed by SIGTERM\n")
}

func TestPs(t *testing.T) {
	out, err := execute(t, "ps", "-o", "json", "--after", "1ms")
	require.NoError(t, err)
	var snap kernel.Snapshot
	require.NoError(t, json.Unmarshal([]byte(out), &snap))
	assert.NotEmpty(t, snap.BootID)

	out, err = execute(t, "ps", "-o", "yaml", "--after", "1ms")
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(out), &doc))
	assert.Contains(t, doc, "boot_id")
	assert.Contains(t, doc, "processes")

	out, err = execute(t, "ps", "--after", "1ms")
	require.NoError(t, err)
	assert.Contains(t, out, "PID")
	assert.Contains(t, out, "NAME")
}

func TestPsRejectsUnknownFormat(t *testing.T) {
	_, err := execute(t, "ps", "-o", "xml")
	assert.ErrorContains(t, err, "unknown output format")
}
