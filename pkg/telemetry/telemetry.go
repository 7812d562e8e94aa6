// Package telemetry provides OpenTelemetry metrics for the kernel.
//
// Metrics are disabled by default: Init installs a no-op meter provider and
// every instrument becomes free to call. With telemetry.enabled set, a
// periodic stdout exporter (telemetry.stdout) or a caller supplied reader
// receives:
//
//	taskos.syscalls            syscalls dispatched, by name and errno
//	taskos.process.forks       successful forks
//	taskos.process.live        live process table entries
//	taskos.process.reaped      zombies reaped
//	taskos.signals.delivered   signals acted on, by signal and action
//	taskos.faults              page faults, by outcome
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"taskos/pkg/config"
)

const instrumentationScope = "taskos/kernel"

// Init returns the meter provider selected by cfg and a shutdown func that
// flushes it.
func Init(cfg config.TelemetryConfig, readers ...sdkmetric.Reader) (metric.MeterProvider, func(context.Context) error, error) {
	if !cfg.Enabled {
		return metricnoop.NewMeterProvider(), func(context.Context) error { return nil }, nil
	}

	var opts []sdkmetric.Option
	if cfg.Stdout {
		exp, err := stdoutmetric.New()
		if err != nil {
			return nil, nil, fmt.Errorf("telemetry: stdout exporter: %w", err)
		}
		opts = append(opts, sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(cfg.Interval)),
		))
	}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	return mp, mp.Shutdown, nil
}

// Metrics holds the kernel's instruments. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	syscalls  metric.Int64Counter
	forks     metric.Int64Counter
	live      metric.Int64UpDownCounter
	reaped    metric.Int64Counter
	delivered metric.Int64Counter
	faults    metric.Int64Counter
}

// NewMetrics creates the instruments on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(instrumentationScope)
	var (
		out Metrics
		err error
	)
	if out.syscalls, err = m.Int64Counter("taskos.syscalls",
		metric.WithDescription("Syscalls dispatched")); err != nil {
		return nil, err
	}
	if out.forks, err = m.Int64Counter("taskos.process.forks",
		metric.WithDescription("Successful forks")); err != nil {
		return nil, err
	}
	if out.live, err = m.Int64UpDownCounter("taskos.process.live",
		metric.WithDescription("Process table entries")); err != nil {
		return nil, err
	}
	if out.reaped, err = m.Int64Counter("taskos.process.reaped",
		metric.WithDescription("Zombies reaped")); err != nil {
		return nil, err
	}
	if out.delivered, err = m.Int64Counter("taskos.signals.delivered",
		metric.WithDescription("Signals acted on at return to user mode")); err != nil {
		return nil, err
	}
	if out.faults, err = m.Int64Counter("taskos.faults",
		metric.WithDescription("Page faults by outcome")); err != nil {
		return nil, err
	}
	return &out, nil
}

// Syscall records one dispatched syscall and its result code.
func (m *Metrics) Syscall(ctx context.Context, name string, errno int) {
	if m == nil {
		return
	}
	m.syscalls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("syscall", name),
		attribute.Int("errno", errno),
	))
}

// Fork records a successful fork.
func (m *Metrics) Fork(ctx context.Context) {
	if m == nil {
		return
	}
	m.forks.Add(ctx, 1)
}

// ProcessAdded records a new table entry.
func (m *Metrics) ProcessAdded(ctx context.Context) {
	if m == nil {
		return
	}
	m.live.Add(ctx, 1)
}

// ProcessRemoved records a removed table entry.
func (m *Metrics) ProcessRemoved(ctx context.Context) {
	if m == nil {
		return
	}
	m.live.Add(ctx, -1)
}

// Reaped records a ZOMBIE to DEAD transition.
func (m *Metrics) Reaped(ctx context.Context) {
	if m == nil {
		return
	}
	m.reaped.Add(ctx, 1)
}

// SignalDelivered records the action taken for a signal.
func (m *Metrics) SignalDelivered(ctx context.Context, sig int, action string) {
	if m == nil {
		return
	}
	m.delivered.Add(ctx, 1, metric.WithAttributes(
		attribute.Int("signal", sig),
		attribute.String("action", action),
	))
}

// Fault records a page fault and how it was resolved.
func (m *Metrics) Fault(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.faults.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
