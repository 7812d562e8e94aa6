// Package kernel boots the process subsystem and its collaborators and
// runs the first user process.
//
// Boot wires the memory manager, the boot filesystem, the console, the
// scheduler, the process manager, the syscall dispatcher and the user-mode
// runtime together from a config.Config. Run starts init and the scheduler
// loop and returns once every user program has finished.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/google/uuid"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"golang.org/x/sync/errgroup"

	"taskos/pkg/config"
	"taskos/pkg/klog"
	"taskos/pkg/libc"
	"taskos/pkg/loader"
	"taskos/pkg/mm"
	"taskos/pkg/process"
	"taskos/pkg/sched"
	"taskos/pkg/syscalls"
	"taskos/pkg/telemetry"
	"taskos/pkg/tty"
	"taskos/pkg/vfs/memfs"
)

// ErrNotRunning is returned by Run when init could not be started.
var ErrNotRunning = errors.New("kernel: init is not running")

// Options configures Boot.
type Options struct {
	// Config defaults to config.Default().
	Config *config.Config
	// Logger defaults to one built from Config.Log.
	Logger klog.Logger
	// Console receives console output.
	Console io.Writer
	// MetricReaders are attached to the meter provider when telemetry is
	// enabled.
	MetricReaders []sdkmetric.Reader
}

// Kernel is a booted system.
type Kernel struct {
	id     uuid.UUID
	booted time.Time
	cfg    config.Config
	log    klog.Logger

	mem     *mm.Manager
	fs      *memfs.FS
	console *tty.Console
	sched   *sched.RoundRobin
	procs   *process.Manager
	sys     *syscalls.Dispatcher
	rt      *libc.Runtime

	// ctx bounds every blocking call made on behalf of user programs.
	ctx             context.Context
	cancel          context.CancelFunc
	shutdownMetrics func(context.Context) error
}

// Boot builds a kernel with the builtin programs installed. Nothing runs
// until Run.
func Boot(opts Options) (*Kernel, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	log := opts.Logger
	if log == nil {
		var err error
		log, err = klog.New(klog.Options{
			Level:           cfg.Log.Level,
			Format:          cfg.Log.Format,
			File:            cfg.Log.File,
			MaxSizeMB:       cfg.Log.MaxSize,
			MaxBackups:      cfg.Log.MaxBackups,
			MaxAgeDays:      cfg.Log.MaxAge,
			DebugComponents: cfg.Log.DebugComponents,
		})
		if err != nil {
			return nil, err
		}
	}

	mp, shutdownMetrics, err := telemetry.Init(cfg.Telemetry, opts.MetricReaders...)
	if err != nil {
		return nil, err
	}
	metrics, err := telemetry.NewMetrics(mp)
	if err != nil {
		_ = shutdownMetrics(context.Background())
		return nil, err
	}

	k := &Kernel{
		id:              uuid.New(),
		booted:          time.Now(),
		cfg:             *cfg,
		log:             log.Named("kernel"),
		mem:             mm.NewManager(cfg.Memory.Frames),
		fs:              memfs.New(),
		console:         tty.New(opts.Console),
		shutdownMetrics: shutdownMetrics,
	}
	k.ctx, k.cancel = context.WithCancel(context.Background())

	for _, dir := range []string{"/bin", "/tmp", "/dev"} {
		if err := k.fs.MkdirAll(dir, 0o755); err != nil {
			k.cancel()
			return nil, err
		}
	}

	k.sched = sched.New(sched.Options{
		CPUs:           cfg.Scheduler.CPUs,
		Quantum:        cfg.Scheduler.Quantum,
		Tick:           cfg.Scheduler.Tick,
		IdleBackoffMax: cfg.Scheduler.IdleBackoffMax,
		Logger:         log,
	})
	k.procs, err = process.NewManager(process.Options{
		Memory:          k.mem,
		Loader:          loader.ELF{FS: k.fs},
		FS:              k.fs,
		Scheduler:       k.sched,
		Logger:          log,
		Metrics:         metrics,
		Console:         k.console,
		MaxPID:          cfg.Kernel.MaxPID,
		MaxProcesses:    cfg.Kernel.MaxProcesses,
		KernelStackSize: cfg.Memory.KernelStackSize,
		Limits: process.Limits{
			MaxFiles:    cfg.Kernel.MaxFiles,
			MaxHeap:     uint32(cfg.Memory.MaxHeap),
			MaxStack:    uint32(cfg.Memory.UserStackSize),
			SignalStack: uint32(cfg.Memory.SignalStackSize),
		},
	})
	if err != nil {
		k.cancel()
		return nil, err
	}
	k.console.SetSignalFunc(func(pgid, sig int) error {
		return k.procs.KillGroup(pgid, process.Signal(sig))
	})
	k.sys = syscalls.New(k.procs, syscalls.Options{Logger: log, Metrics: metrics})
	k.rt = libc.New(k.ctx, k.procs, k.sys, libc.Options{Scheduler: k.sched, Logger: log})

	paths := make([]string, 0, len(Builtins))
	for path := range Builtins {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	for _, path := range paths {
		if err := k.rt.Install(path, Builtins[path]); err != nil {
			k.cancel()
			return nil, err
		}
	}

	k.log.Info("kernel booted",
		klog.String("boot_id", k.id.String()),
		klog.Int("frames", cfg.Memory.Frames),
		klog.Int("cpus", cfg.Scheduler.CPUs),
		klog.String("init", cfg.Boot.Init),
	)
	return k, nil
}

// ID returns the boot id.
func (k *Kernel) ID() uuid.UUID { return k.id }

// Console returns the system console.
func (k *Kernel) Console() *tty.Console { return k.console }

// Processes returns the process manager.
func (k *Kernel) Processes() *process.Manager { return k.procs }

// Install adds a program to the boot filesystem.
func (k *Kernel) Install(path string, prog libc.Program) error {
	return k.rt.Install(path, prog)
}

// Run starts init and the scheduler and waits until every user program
// has finished. It returns init's wait status. Cancelling ctx kills every
// user process.
func (k *Kernel) Run(ctx context.Context) (int, error) {
	argv := append([]string{k.cfg.Boot.Init}, k.cfg.Boot.Args...)
	initp, err := k.rt.Spawn(k.cfg.Boot.Init, argv, k.cfg.Boot.Env, 0)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %w", ErrNotRunning, k.cfg.Boot.Init, err)
	}
	k.console.SetForeground(initp.PGID())
	k.log.Info("init started", klog.Int("pid", initp.PID()))

	g, gctx := errgroup.WithContext(ctx)
	idle, stop := context.WithCancel(gctx)
	defer stop()

	if _, err := k.procs.CreateKernel(idle, "sched", func(ctx context.Context, _ *process.Process) error {
		return k.sched.Run(ctx)
	}); err != nil {
		k.killAll()
		k.rt.Wait()
		return initp.ExitStatus(), err
	}
	g.Go(func() error {
		defer stop()
		k.rt.Wait()
		return nil
	})
	g.Go(func() error {
		k.procs.Wait()
		return nil
	})
	g.Go(func() error {
		<-idle.Done()
		if err := ctx.Err(); err != nil {
			k.log.Warn("run cancelled, killing user processes", klog.Err(err))
			k.killAll()
			return err
		}
		return nil
	})

	err = g.Wait()
	status := initp.ExitStatus()
	k.log.Info("init finished", klog.Int("status", status))
	return status, err
}

// killAll sends SIGKILL to every user process.
func (k *Kernel) killAll() {
	k.procs.Table().Range(func(p *process.Process) bool {
		if !p.IsKernel() {
			p.SendSignal(process.SIGKILL)
		}
		return true
	})
}

// Lookup describes the process with the given pid.
func (k *Kernel) Lookup(pid int) (process.Info, bool) {
	p, ok := k.procs.Lookup(pid)
	if !ok {
		return process.Info{}, false
	}
	return p.Info(), true
}

// MemoryStats reports the frame budget.
type MemoryStats struct {
	Frames int `json:"frames" yaml:"frames"`
	Used   int `json:"used" yaml:"used"`
}

// Snapshot is a point-in-time view of the whole system.
type Snapshot struct {
	BootID    string         `json:"boot_id" yaml:"boot_id"`
	Uptime    string         `json:"uptime" yaml:"uptime"`
	Memory    MemoryStats    `json:"memory" yaml:"memory"`
	Scheduler sched.Stats    `json:"scheduler" yaml:"scheduler"`
	Processes []process.Info `json:"processes" yaml:"processes"`
}

// Snapshot describes every live process.
func (k *Kernel) Snapshot() Snapshot {
	return Snapshot{
		BootID:    k.id.String(),
		Uptime:    time.Since(k.booted).Round(time.Millisecond).String(),
		Memory:    MemoryStats{Frames: k.mem.Total(), Used: k.mem.Used()},
		Scheduler: k.sched.Stats(),
		Processes: k.procs.Snapshot(),
	}
}

// Shutdown releases the kernel. User programs still blocked see their
// calls fail.
func (k *Kernel) Shutdown(ctx context.Context) error {
	k.cancel()
	errs := []error{k.console.Close()}
	if err := k.shutdownMetrics(ctx); err != nil {
		errs = append(errs, err)
	}
	_ = k.log.Sync()
	return errors.Join(errs...)
}
