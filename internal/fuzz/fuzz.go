package fuzz

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"dpifuzz/pkg/metrics"
	"dpifuzz/pkg/telemetry"

	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

const (
	progressOK    = '.'
	progressCrash = 'x'
)

type Options struct {
	MaxPackets   int           // 0 runs until the context is cancelled
	RestartEvery int           // 0 disables proactive restarts
	StatsEvery   int           // 0 disables periodic statistics
	SendDelay    time.Duration // pause after each send
	Progress     io.Writer     // receives one marker per packet, nil discards them
}

type Deps struct {
	Generator Generator
	Sender    Sender
	Target    Target
	Recorder  Recorder
	Metrics   *metrics.Metrics // optional
	Tracer    telemetry.Tracer // optional
}

// Runner drives the fuzz loop: generate, send, pace, check the target, and on death
// capture a report and restart. Everything it owns is touched from the goroutine
// calling Run only; State may be read from anywhere.
type Runner struct {
	opts   Options
	deps   Deps
	logger *zap.Logger

	state atomic.Int32
	stats RunStats
}

func NewRunner(opts Options, deps Deps, logger *zap.Logger) *Runner {
	if opts.Progress == nil {
		opts.Progress = io.Discard
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewMetrics()
	}
	if deps.Tracer == nil {
		deps.Tracer = &telemetry.DummyTracer{}
	}
	r := &Runner{opts: opts, deps: deps, logger: logger.Named("runner")}
	r.setState(StateStarting)
	return r
}

func (r *Runner) State() State {
	return State(r.state.Load())
}

func (r *Runner) setState(s State) {
	old := State(r.state.Swap(int32(s)))
	if old != s {
		r.logger.Debug("state change", zap.Stringer("from", old), zap.Stringer("to", s))
	}
}

// Run executes the loop until MaxPackets is reached, a fatal error occurs or ctx is
// cancelled. Cancellation is a normal way to end and returns a nil error. The target is
// stopped and a summary logged on every exit path.
func (r *Runner) Run(ctx context.Context) (stats RunStats, err error) {
	started := time.Now()
	r.deps.Tracer.Start()
	defer func() {
		r.setState(StateStopped)
		if stopErr := r.deps.Target.Stop(); stopErr != nil {
			r.logger.Error("failed to stop target", zap.Error(stopErr))
		}
		r.deps.Metrics.TargetUp.Set(0)
		fmt.Fprintln(r.opts.Progress)

		stats = r.stats
		r.logger.Info("fuzzing finished",
			zap.Int("packets", stats.Packets),
			zap.Int("failures", stats.Failures),
			zap.Int("restarts", stats.Restarts),
			zap.Int("next_report", r.deps.Recorder.Index()),
			zap.Duration("elapsed", time.Since(started)),
			zap.Error(err))
		r.deps.Tracer.WithAttributes(telemetry.EmptySpanAttributes().WithExtraAttributes(map[string]any{
			"dpifuzz.packets":  stats.Packets,
			"dpifuzz.failures": stats.Failures,
			"dpifuzz.restarts": stats.Restarts,
		}))
		if err != nil {
			r.deps.Tracer.SetStatus(codes.Error, err.Error())
		}
		r.deps.Tracer.End()
	}()

	err = r.run(ctx)
	if isInterrupt(ctx, err) {
		r.logger.Info("fuzzing interrupted")
		err = nil
	}
	return r.stats, err
}

func isInterrupt(ctx context.Context, err error) bool {
	return err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err())
}

func (r *Runner) run(ctx context.Context) error {
	r.setState(StateStarting)
	// clears orphans of an earlier run before the first launch
	if err := r.deps.Target.Stop(); err != nil {
		return fmt.Errorf("failed to clean up before start: %w", err)
	}
	if err := r.deps.Target.Start(ctx); err != nil {
		return err
	}
	r.deps.Metrics.TargetUp.Set(1)
	r.setState(StateRunning)

	for r.opts.MaxPackets == 0 || r.stats.Packets < r.opts.MaxPackets {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.step(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) step(ctx context.Context) error {
	if Every(r.stats.Packets, r.opts.RestartEvery) {
		if err := r.restart(ctx, metrics.RestartScheduled); err != nil {
			return err
		}
	}
	if Every(r.stats.Packets, r.opts.StatsEvery) {
		r.logger.Info("fuzzing statistics",
			zap.Int("packets", r.stats.Packets),
			zap.Int("failures", r.stats.Failures),
			zap.Int("restarts", r.stats.Restarts))
	}

	pkt, err := r.deps.Generator.Generate()
	if err != nil {
		return fmt.Errorf("failed to generate packet: %w", err)
	}
	if err := r.deps.Sender.Send(pkt); err != nil {
		return fmt.Errorf("failed to transmit packet: %w", err)
	}
	if err := sleep(ctx, r.opts.SendDelay); err != nil {
		return err
	}
	r.stats.Packets++
	r.deps.Metrics.Packets.Inc()

	if r.deps.Target.IsAlive() {
		r.progress(progressOK)
		return nil
	}

	r.progress(progressCrash)
	r.stats.Failures++
	r.deps.Metrics.Failures.Inc()
	r.deps.Metrics.TargetUp.Set(0)
	r.logger.Warn("target died", zap.Int("packet", r.stats.Packets), zap.String("last_packet", pkt.Summary()))

	r.setState(StateReporting)
	rep, err := r.deps.Recorder.Capture(pkt, r.deps.Target.ErrorStream())
	if err != nil {
		r.deps.Metrics.CaptureErrors.Inc()
		return fmt.Errorf("failed to capture crash report: %w", err)
	}
	r.deps.Tracer.AddEvent("crash", telemetry.CrashEventAttributes(rep.Index, pkt.Summary()))

	return r.restart(ctx, metrics.RestartCrash)
}

func (r *Runner) restart(ctx context.Context, reason string) error {
	r.setState(StateRestarting)
	r.logger.Debug("restarting target", zap.String("reason", reason), zap.Int("packet", r.stats.Packets))
	if err := r.deps.Target.Restart(ctx); err != nil {
		return fmt.Errorf("failed to restart target: %w", err)
	}
	r.stats.Restarts++
	r.deps.Metrics.Restarts.WithLabelValues(reason).Inc()
	r.deps.Metrics.TargetUp.Set(1)
	r.deps.Tracer.AddEvent("restart", telemetry.NewEventAttributes(map[string]string{"reason": reason}))
	r.setState(StateRunning)
	return nil
}

func (r *Runner) progress(marker byte) {
	_, _ = r.opts.Progress.Write([]byte{marker})
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
