package crash

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"reflect"
	"time"

	"dpifuzz/config"
	"dpifuzz/internal/packet"
	"dpifuzz/internal/report"
	"dpifuzz/internal/types"
	"dpifuzz/pkg/metrics"
	"dpifuzz/pkg/watchdog"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	stderrExcerpt = 4096
	submitTimeout = 10 * time.Second
)

// Sink receives every completed crash report.
type Sink interface {
	Name() string
	Submit(ctx context.Context, msg types.CrashMessage) error
}

// Manager follows the output directory and fans completed crash reports out to the
// configured sinks. It only reads what the recorder wrote and never slows the fuzz loop.
type Manager struct {
	dir    string
	runID  types.RunID
	host   string
	sinks  []Sink
	logger *zap.Logger

	metrics         *metrics.Metrics
	watchDogFactory *watchdog.WatchDogFactory

	crashChan chan string
	cancel    context.CancelFunc
	done      chan struct{}
}

type ManagerParams struct {
	fx.In
	Lc              fx.Lifecycle
	Config          *config.AppConfig
	Logger          *zap.Logger
	Metrics         *metrics.Metrics
	WatchDogFactory *watchdog.WatchDogFactory
	RunID           types.RunID
	Sinks           []Sink `group:"crashSinks"`
}

func NewCrashManager(p ManagerParams) *Manager {
	sinks := make([]Sink, 0, len(p.Sinks))
	for _, sink := range p.Sinks {
		if sink == nil {
			continue
		}
		if v := reflect.ValueOf(sink); v.Kind() == reflect.Ptr && v.IsNil() {
			continue // skip unconfigured sinks
		}
		sinks = append(sinks, sink)
		p.Logger.Debug("crash sink registered", zap.String("sink", sink.Name()))
	}

	host, _ := os.Hostname()
	c := &Manager{
		dir:             p.Config.OutDir,
		runID:           p.RunID,
		host:            host,
		sinks:           sinks,
		logger:          p.Logger.Named("crash").With(zap.String("run_id", string(p.RunID))),
		metrics:         p.Metrics,
		watchDogFactory: p.WatchDogFactory,
		crashChan:       make(chan string, 64),
		done:            make(chan struct{}),
	}

	p.Lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			c.logger.Debug("starting crash manager", zap.Int("sinks", len(c.sinks)))
			return c.start()
		},
		OnStop: func(ctx context.Context) error {
			c.logger.Info("stopping crash manager")
			c.cancel()
			select {
			case <-c.done: // wait until all crashes are processed
			case <-ctx.Done():
				return ctx.Err()
			}
			return nil
		},
	})

	return c
}

func isDump(path string) bool {
	_, suffix, ok := report.ParseArtifact(path)
	return ok && suffix == report.DumpSuffix
}

func (c *Manager) start() error {
	if err := os.MkdirAll(c.dir, 0755); err != nil {
		return fmt.Errorf("failed to create crash folder: %w", err)
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	wd, err := c.watchDogFactory.New(watchCtx, c.crashChan, isDump)
	if err != nil {
		cancel()
		return err
	}
	if err := wd.AddDir(c.dir); err != nil {
		cancel()
		return err
	}

	go func() {
		defer close(c.done)
		// the watchdog closes crashChan once watchCtx is done
		for path := range c.crashChan {
			if _, err := c.Handle(context.Background(), path); err != nil {
				c.logger.Error("failed to process crash report", zap.String("dump", path), zap.Error(err))
			}
		}
	}()
	return nil
}

// Handle turns the report owning the given dump into a CrashMessage and submits it to
// every sink. Sink failures are logged and counted, not returned.
func (c *Manager) Handle(ctx context.Context, dumpPath string) (types.CrashMessage, error) {
	msg, err := c.buildMessage(dumpPath)
	if err != nil {
		return msg, err
	}
	c.logger.Info("crash report complete",
		zap.Int("index", msg.Index),
		zap.String("packet", msg.Summary),
		zap.Int("sinks", len(c.sinks)))

	for _, sink := range c.sinks {
		submitCtx, cancel := context.WithTimeout(ctx, submitTimeout)
		err := sink.Submit(submitCtx, msg)
		cancel()
		if err != nil {
			c.metrics.SinkErrors.WithLabelValues(sink.Name()).Inc()
			c.logger.Error("crash sink failed", zap.String("sink", sink.Name()), zap.Error(err))
		}
	}
	return msg, nil
}

func (c *Manager) buildMessage(dumpPath string) (types.CrashMessage, error) {
	index, _, ok := report.ParseArtifact(dumpPath)
	if !ok {
		return types.CrashMessage{}, fmt.Errorf("%s is not a crash dump", dumpPath)
	}
	paths := report.PathsFor(c.dir, index)

	dump, err := os.ReadFile(paths.Dump)
	if err != nil {
		return types.CrashMessage{}, fmt.Errorf("failed to read crash dump: %w", err)
	}
	pkts, err := packet.ReadPcap(bytes.NewReader(dump))
	if err != nil {
		return types.CrashMessage{}, err
	}
	if len(pkts) == 0 {
		return types.CrashMessage{}, fmt.Errorf("crash dump %s holds no packet", paths.Dump)
	}
	pkt := pkts[0]

	stderr, err := os.ReadFile(paths.ErrorLog)
	if err != nil {
		return types.CrashMessage{}, fmt.Errorf("failed to read error log: %w", err)
	}
	if len(stderr) > stderrExcerpt {
		stderr = stderr[:stderrExcerpt]
	}

	foundAt := time.Now()
	if info, err := os.Stat(paths.Dump); err == nil {
		foundAt = info.ModTime()
	}

	return types.CrashMessage{
		RunID:     c.runID,
		Index:     index,
		Host:      c.host,
		FoundAt:   foundAt,
		ErrorLog:  paths.ErrorLog,
		PacketLog: paths.PacketLog,
		Dump:      paths.Dump,
		Protocol:  pkt.Protocol(),
		SrcPort:   pkt.SrcPort(),
		DstPort:   pkt.DstPort(),
		Summary:   pkt.Summary(),
		Stderr:    string(stderr),
	}, nil
}
