package fuzz

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"

	"dpifuzz/config"
	"dpifuzz/internal/mutator"
	"dpifuzz/internal/report"
	"dpifuzz/internal/supervisor"
	"dpifuzz/internal/transmit"
	"dpifuzz/internal/types"
	"dpifuzz/pkg/metrics"
	"dpifuzz/pkg/telemetry"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

type ServiceParams struct {
	fx.In
	Lc            fx.Lifecycle
	Shutdowner    fx.Shutdowner
	Config        *config.AppConfig
	Logger        *zap.Logger
	Metrics       *metrics.Metrics
	TracerFactory *telemetry.TracerFactory
	RunID         types.RunID
}

// Service runs one Runner for the lifetime of the fx app and shuts the app down once
// the run ends: exit code 0 when it finished or was interrupted, 1 on a fatal error.
type Service struct {
	Runner   *Runner
	Recorder *report.Recorder

	sender transmit.Sender
	cancel context.CancelFunc
	done   chan struct{}
}

func NewRunnerService(p ServiceParams) (*Service, error) {
	cfg := p.Config
	logger := p.Logger.With(zap.String("run_id", string(p.RunID)))

	recorder, err := report.NewRecorder(cfg.OutDir, logger)
	if err != nil {
		return nil, err
	}

	source := net.ParseIP(cfg.Source).To4()
	if source == nil {
		if source, err = transmit.InterfaceIPv4(cfg.Iface); err != nil {
			logger.Warn("no source address for interface, leaving it to the kernel", zap.Error(err))
		}
	}
	gen, err := mutator.New(mutator.Config{
		Target:     cfg.TargetIP(),
		Source:     source,
		MinPayload: cfg.MinPayload,
		MaxPayload: cfg.MaxPayload,
		Seed:       cfg.Seed,
	})
	if err != nil {
		return nil, err
	}

	sender, err := transmit.NewRawSender(cfg.Iface, logger)
	if err != nil {
		return nil, err
	}

	target := supervisor.New(supervisor.Config{
		Binary:       cfg.Binary,
		Iface:        cfg.Iface,
		IfaceFlag:    cfg.IfaceFlag,
		StartupDelay: cfg.StartupDelay,
		StopGrace:    cfg.StopGrace,
	}, logger)

	var progress io.Writer = os.Stdout
	if cfg.Quiet {
		progress = io.Discard
	}

	tracer := p.TracerFactory.NewTracer(context.Background(), "dpifuzz run").
		WithAttributes(telemetry.EmptySpanAttributes().
			WithRunID(string(p.RunID)).
			WithTarget(cfg.Target, cfg.Iface, cfg.Binary).
			WithSeed(gen.Seed()))

	runner := NewRunner(Options{
		MaxPackets:   cfg.MaxPackets,
		RestartEvery: cfg.RestartEvery,
		StatsEvery:   cfg.StatsEvery,
		SendDelay:    cfg.SendDelay,
		Progress:     progress,
	}, Deps{
		Generator: gen,
		Sender:    sender,
		Target:    target,
		Recorder:  recorder,
		Metrics:   p.Metrics,
		Tracer:    tracer,
	}, logger)

	s := &Service{Runner: runner, Recorder: recorder, sender: sender, done: make(chan struct{})}

	logger.Info("fuzzing configured",
		zap.String("target", cfg.Target),
		zap.String("iface", cfg.Iface),
		zap.Stringer("source", source),
		zap.String("binary", cfg.Binary),
		zap.String("out_dir", cfg.OutDir),
		zap.Int64("seed", gen.Seed()),
		zap.Int("max_packets", cfg.MaxPackets),
		zap.Int("restart_every", cfg.RestartEvery))

	p.Lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			s.start(logger, p.Shutdowner)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return s.stop(ctx)
		},
	})
	return s, nil
}

func (s *Service) start(logger *zap.Logger, shutdowner fx.Shutdowner) {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go func() {
		defer close(s.done)
		code := 0
		if _, err := s.Runner.Run(ctx); err != nil {
			logger.Error("fuzzing aborted", zap.Error(err))
			code = 1
		}
		if err := shutdowner.Shutdown(fx.ExitCode(code)); err != nil {
			logger.Warn("failed to request shutdown", zap.Error(err))
		}
	}()
}

func (s *Service) stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
		select {
		case <-s.done:
		case <-ctx.Done():
			return fmt.Errorf("runner did not stop in time: %w", ctx.Err())
		}
	}
	return s.sender.Close()
}
