package kernel

import (
	"bytes"
	"context"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"taskos/pkg/config"
	"taskos/pkg/klog"
	"taskos/pkg/libc"
	"taskos/pkg/process"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Memory.Frames = 4096
	cfg.Scheduler.Tick = time.Millisecond
	cfg.Scheduler.IdleBackoffMax = 5 * time.Millisecond
	return cfg
}

func boot(t *testing.T, cfg *config.Config, readers ...sdkmetric.Reader) (*Kernel, *syncBuffer) {
	t.Helper()
	out := &syncBuffer{}
	k, err := Boot(Options{Config: cfg, Logger: klog.Nop(), Console: out, MetricReaders: readers})
	require.NoError(t, err)
	t.Cleanup(func() { _ = k.Shutdown(context.Background()) })
	return k, out
}

func hang(t *libc.Thread) int {
	for {
		t.Sleep(time.Hour)
	}
}

func TestBootScenario(t *testing.T) {
	k, out := boot(t, testConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	status, err := k.Run(ctx)
	require.NoError(t, err, "console: %q", out.String())

	code, ok := process.StatusExited(status)
	require.True(t, ok)
	assert.Equal(t, 0, code)

	lines := strings.Split(strings.TrimSuffix(out.String(), "\n"), "\n")
	assert.ElementsMatch(t, []string{
		"init: pid 1",
		"hello from echo",
		"init: echo exited 0",
		"through a pipe",
		"init: pipeline writer exited 0",
		"init: pipeline reader exited 0",
		"init: sleep killed by SIGTERM",
		"init: job stopped by SIGSTOP",
		"init: job exited 0",
		"init: done",
	}, lines)
	require.NotEmpty(t, lines)
	assert.Equal(t, "init: pid 1", lines[0])
	assert.Equal(t, "init: done", lines[len(lines)-1])
	assert.Less(t, slices.Index(lines, "hello from echo"), slices.Index(lines, "init: echo exited 0"))
	assert.Less(t, slices.Index(lines, "through a pipe"), slices.Index(lines, "init: pipeline reader exited 0"))
	assert.Less(t, slices.Index(lines, "init: job stopped by SIGSTOP"), slices.Index(lines, "init: job exited 0"))

	snap := k.Snapshot()
	assert.Equal(t, k.ID().String(), snap.BootID)
	assert.Empty(t, snap.Processes)
	assert.Equal(t, 4096, snap.Memory.Frames)
	assert.Zero(t, snap.Memory.Used)
}

func TestBootMetrics(t *testing.T) {
	cfg := testConfig()
	cfg.Telemetry.Enabled = true
	reader := sdkmetric.NewManualReader()
	k, out := boot(t, cfg, reader)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := k.Run(ctx)
	require.NoError(t, err, "console: %q", out.String())

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	got := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					got[m.Name] += dp.Value
				}
			}
		}
	}
	assert.Equal(t, int64(5), got["taskos.process.forks"])
	assert.Equal(t, int64(0), got["taskos.process.live"])
	assert.Positive(t, got["taskos.syscalls"])
}

func TestRunCancelled(t *testing.T) {
	cfg := testConfig()
	cfg.Boot.Init = "/bin/hang"
	k, _ := boot(t, cfg)
	require.NoError(t, k.Install("/bin/hang", hang))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	status, err := k.Run(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	sig, ok := process.StatusSignaled(status)
	require.True(t, ok, "status %#x", status)
	assert.Equal(t, process.SIGKILL, sig)
}

func TestSnapshotWhileRunning(t *testing.T) {
	cfg := testConfig()
	cfg.Boot.Init = "/bin/hang"
	k, _ := boot(t, cfg)
	require.NoError(t, k.Install("/bin/hang", hang))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := k.Run(ctx)
		done <- err
	}()

	require.Eventually(t, func() bool {
		info, ok := k.Lookup(1)
		return ok && info.Blocker != ""
	}, 5*time.Second, 5*time.Millisecond)

	snap := k.Snapshot()
	var names []string
	for _, info := range snap.Processes {
		names = append(names, info.Name)
	}
	assert.Contains(t, names, "hang")
	assert.Contains(t, names, "sched")
	assert.Equal(t, 1, snap.Scheduler.CPUs)
	assert.Positive(t, snap.Memory.Used)

	_, ok := k.Lookup(999)
	assert.False(t, ok)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancel")
	}
}

func TestConsoleInterruptKillsForeground(t *testing.T) {
	cfg := testConfig()
	cfg.Boot.Init = "/bin/hang"
	k, _ := boot(t, cfg)
	require.NoError(t, k.Install("/bin/hang", hang))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	type result struct {
		status int
		err    error
	}
	done := make(chan result, 1)
	go func() {
		status, err := k.Run(ctx)
		done <- result{status, err}
	}()

	require.Eventually(t, func() bool {
		info, ok := k.Lookup(1)
		return ok && info.Blocker != ""
	}, 5*time.Second, 5*time.Millisecond)
	require.Equal(t, 1, k.Console().Foreground())
	require.NoError(t, k.Console().Input([]byte{0x03}), "^C must reach init's group")

	var res result
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("init survived ^C")
	}
	require.NoError(t, res.err)
	sig, ok := process.StatusSignaled(res.status)
	require.True(t, ok, "status %#x", res.status)
	assert.Equal(t, process.SIGINT, sig)
}

func TestRunMissingInit(t *testing.T) {
	cfg := testConfig()
	cfg.Boot.Init = "/bin/nothing"
	k, _ := boot(t, cfg)

	_, err := k.Run(context.Background())
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestBootRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Scheduler.CPUs = 0
	_, err := Boot(Options{Config: cfg, Logger: klog.Nop()})
	assert.Error(t, err)
}

func TestDescribe(t *testing.T) {
	assert.Equal(t, "exited 3", describe(process.WaitExited(3)))
	assert.Equal(t, "killed by SIGKILL", describe(process.WaitSignaled(process.SIGKILL, false)))
	assert.Equal(t, "stopped by SIGTSTP", describe(process.WaitStopped(process.SIGTSTP)))
}
