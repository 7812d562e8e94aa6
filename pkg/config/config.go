// Package config loads kernel boot configuration.
//
// Loading priority (highest to lowest):
//  1. Environment variables (TASKOS_KERNEL_MAX_PID, TASKOS_LOG_LEVEL, ...)
//  2. Configuration file (TOML, YAML or JSON, picked by extension)
//  3. Default values
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"
)

// Default configuration values.
const (
	DefaultMaxPID          = 32768
	DefaultMaxProcesses    = 1024
	DefaultMaxFiles        = 64
	DefaultFrames          = 16384 // 64 MiB of 4 KiB frames
	DefaultKernelStackSize = 4096
	DefaultUserStackSize   = 1 << 20
	DefaultSignalStackSize = 16 * 1024
	DefaultMaxHeap         = 64 << 20
	DefaultCPUs            = 1
	DefaultQuantum         = 10 * time.Millisecond
	DefaultTick            = 2 * time.Millisecond
	DefaultIdleBackoffMax  = 50 * time.Millisecond
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "console"
	DefaultInit            = "/bin/init"

	EnvPrefix = "TASKOS"
)

// Config is the complete boot configuration.
type Config struct {
	Kernel    KernelConfig    `mapstructure:"kernel" toml:"kernel"`
	Memory    MemoryConfig    `mapstructure:"memory" toml:"memory"`
	Scheduler SchedulerConfig `mapstructure:"scheduler" toml:"scheduler"`
	Log       LogConfig       `mapstructure:"log" toml:"log"`
	Telemetry TelemetryConfig `mapstructure:"telemetry" toml:"telemetry"`
	Boot      BootConfig      `mapstructure:"boot" toml:"boot"`
}

// KernelConfig bounds the process table.
type KernelConfig struct {
	// MaxPID is the largest pid handed out before allocation wraps.
	MaxPID int `mapstructure:"max_pid" toml:"max_pid"`
	// MaxProcesses caps the number of live table entries.
	MaxProcesses int `mapstructure:"max_processes" toml:"max_processes"`
	// MaxFiles is the per-process descriptor limit.
	MaxFiles int `mapstructure:"max_files" toml:"max_files"`
}

// MemoryConfig sizes the memory manager and per-process regions.
type MemoryConfig struct {
	Frames          int `mapstructure:"frames" toml:"frames"`
	KernelStackSize int `mapstructure:"kernel_stack_size" toml:"kernel_stack_size"`
	UserStackSize   int `mapstructure:"user_stack_size" toml:"user_stack_size"`
	SignalStackSize int `mapstructure:"signal_stack_size" toml:"signal_stack_size"`
	MaxHeap         int `mapstructure:"max_heap" toml:"max_heap"`
}

// SchedulerConfig tunes the round-robin scheduler.
type SchedulerConfig struct {
	// CPUs is how many user processes may execute at once.
	CPUs           int           `mapstructure:"cpus" toml:"cpus"`
	Quantum        time.Duration `mapstructure:"quantum" toml:"quantum"`
	Tick           time.Duration `mapstructure:"tick" toml:"tick"`
	IdleBackoffMax time.Duration `mapstructure:"idle_backoff_max" toml:"idle_backoff_max"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level           string   `mapstructure:"level" toml:"level"`
	Format          string   `mapstructure:"format" toml:"format"`
	File            string   `mapstructure:"file" toml:"file"`
	MaxSize         int      `mapstructure:"max_size" toml:"max_size"`
	MaxBackups      int      `mapstructure:"max_backups" toml:"max_backups"`
	MaxAge          int      `mapstructure:"max_age" toml:"max_age"`
	DebugComponents []string `mapstructure:"debug_components" toml:"debug_components"`
}

// TelemetryConfig switches metric export.
type TelemetryConfig struct {
	Enabled  bool          `mapstructure:"enabled" toml:"enabled"`
	Stdout   bool          `mapstructure:"stdout" toml:"stdout"`
	Interval time.Duration `mapstructure:"interval" toml:"interval"`
}

// BootConfig names the first user process.
type BootConfig struct {
	Init string   `mapstructure:"init" toml:"init"`
	Args []string `mapstructure:"args" toml:"args"`
	Env  []string `mapstructure:"env" toml:"env"`
}

// Load reads configuration from path (optional) and the environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path == "" {
		path = os.Getenv(EnvPrefix + "_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Kernel: KernelConfig{
			MaxPID:       DefaultMaxPID,
			MaxProcesses: DefaultMaxProcesses,
			MaxFiles:     DefaultMaxFiles,
		},
		Memory: MemoryConfig{
			Frames:          DefaultFrames,
			KernelStackSize: DefaultKernelStackSize,
			UserStackSize:   DefaultUserStackSize,
			SignalStackSize: DefaultSignalStackSize,
			MaxHeap:         DefaultMaxHeap,
		},
		Scheduler: SchedulerConfig{
			CPUs:           DefaultCPUs,
			Quantum:        DefaultQuantum,
			Tick:           DefaultTick,
			IdleBackoffMax: DefaultIdleBackoffMax,
		},
		Log: LogConfig{
			Level:      DefaultLogLevel,
			Format:     DefaultLogFormat,
			MaxSize:    100,
			MaxBackups: 3,
			MaxAge:     7,
		},
		Telemetry: TelemetryConfig{
			Interval: 15 * time.Second,
		},
		Boot: BootConfig{
			Init: DefaultInit,
		},
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("kernel.max_pid", d.Kernel.MaxPID)
	v.SetDefault("kernel.max_processes", d.Kernel.MaxProcesses)
	v.SetDefault("kernel.max_files", d.Kernel.MaxFiles)

	v.SetDefault("memory.frames", d.Memory.Frames)
	v.SetDefault("memory.kernel_stack_size", d.Memory.KernelStackSize)
	v.SetDefault("memory.user_stack_size", d.Memory.UserStackSize)
	v.SetDefault("memory.signal_stack_size", d.Memory.SignalStackSize)
	v.SetDefault("memory.max_heap", d.Memory.MaxHeap)

	v.SetDefault("scheduler.cpus", d.Scheduler.CPUs)
	v.SetDefault("scheduler.quantum", d.Scheduler.Quantum)
	v.SetDefault("scheduler.tick", d.Scheduler.Tick)
	v.SetDefault("scheduler.idle_backoff_max", d.Scheduler.IdleBackoffMax)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size", d.Log.MaxSize)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age", d.Log.MaxAge)
	v.SetDefault("log.debug_components", []string{})

	v.SetDefault("telemetry.enabled", d.Telemetry.Enabled)
	v.SetDefault("telemetry.stdout", d.Telemetry.Stdout)
	v.SetDefault("telemetry.interval", d.Telemetry.Interval)

	v.SetDefault("boot.init", d.Boot.Init)
	v.SetDefault("boot.args", []string{})
	v.SetDefault("boot.env", []string{})
}

// Validate checks the configuration for values the kernel cannot boot with.
func (c *Config) Validate() error {
	var errs []error
	if c.Kernel.MaxPID < 2 {
		errs = append(errs, errors.New("kernel.max_pid must be at least 2"))
	}
	if c.Kernel.MaxProcesses < 1 {
		errs = append(errs, errors.New("kernel.max_processes must be positive"))
	}
	if c.Kernel.MaxFiles < 3 {
		errs = append(errs, errors.New("kernel.max_files must be at least 3"))
	}
	if c.Memory.Frames < 1 {
		errs = append(errs, errors.New("memory.frames must be positive"))
	}
	for name, size := range map[string]int{
		"memory.kernel_stack_size": c.Memory.KernelStackSize,
		"memory.user_stack_size":   c.Memory.UserStackSize,
		"memory.signal_stack_size": c.Memory.SignalStackSize,
	} {
		if size <= 0 || size%4096 != 0 {
			errs = append(errs, fmt.Errorf("%s must be a positive multiple of 4096", name))
		}
	}
	if c.Scheduler.CPUs < 1 {
		errs = append(errs, errors.New("scheduler.cpus must be positive"))
	}
	if c.Scheduler.Tick <= 0 {
		errs = append(errs, errors.New("scheduler.tick must be positive"))
	}
	if !strings.HasPrefix(c.Boot.Init, "/") {
		errs = append(errs, fmt.Errorf("boot.init must be an absolute path, got %q", c.Boot.Init))
	}
	return errors.Join(errs...)
}

// Dump writes c as TOML.
func Dump(w io.Writer, c *Config) error {
	enc := toml.NewEncoder(w)
	enc.Indent = ""
	return enc.Encode(c)
}
