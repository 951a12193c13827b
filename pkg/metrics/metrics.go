package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"dpifuzz/config"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const namespace = "dpifuzz"

const (
	RestartScheduled = "scheduled"
	RestartCrash     = "crash"
)

// Metrics holds the run counters. Every collector lives on a private registry so
// tests can build as many instances as they like.
type Metrics struct {
	Registry *prometheus.Registry

	Packets       prometheus.Counter
	Failures      prometheus.Counter
	Restarts      *prometheus.CounterVec // by reason
	CaptureErrors prometheus.Counter
	SinkErrors    *prometheus.CounterVec // by sink
	TargetUp      prometheus.Gauge
}

func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		Packets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_sent_total",
			Help:      "Crafted frames put on the wire.",
		}),
		Failures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "target_failures_total",
			Help:      "Times the target was found dead after a send.",
		}),
		Restarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "target_restarts_total",
			Help:      "Target restarts by reason.",
		}, []string{"reason"}),
		CaptureErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capture_errors_total",
			Help:      "Crash reports that could not be written.",
		}),
		SinkErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "crash_sink_errors_total",
			Help:      "Crash messages a sink failed to accept.",
		}, []string{"sink"}),
		TargetUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "target_up",
			Help:      "1 while the supervised target is believed alive.",
		}),
	}
	m.Registry.MustRegister(
		m.Packets, m.Failures, m.Restarts, m.CaptureErrors, m.SinkErrors, m.TargetUp,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

type ServerParams struct {
	fx.In
	Lc      fx.Lifecycle
	Config  *config.AppConfig
	Metrics *Metrics
	Logger  *zap.Logger
}

// NewServer exposes /metrics on MetricsAddr for the lifetime of the app. Nothing is
// served when the address is empty.
func NewServer(p ServerParams) *http.Server {
	if p.Config.MetricsAddr == "" {
		return nil
	}
	logger := p.Logger.Named("metrics")

	mux := http.NewServeMux()
	mux.Handle("/metrics", p.Metrics.Handler())
	server := &http.Server{
		Addr:              p.Config.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	p.Lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ln, err := net.Listen("tcp", server.Addr)
			if err != nil {
				return err
			}
			logger.Info("serving metrics", zap.String("addr", ln.Addr().String()))
			go func() {
				if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("metrics server failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Debug("stopping metrics server")
			return server.Shutdown(ctx)
		},
	})
	return server
}
