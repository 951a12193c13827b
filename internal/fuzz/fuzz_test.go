package fuzz

import (
	"bytes"
	"context"
	"errors"
	"net"
	"os"
	"testing"

	"dpifuzz/internal/packet"
	"dpifuzz/internal/report"
	"dpifuzz/pkg/metrics"

	"github.com/google/gopacket/layers"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

type fixedGenerator struct {
	t *testing.T
}

func (g fixedGenerator) Generate() (*packet.Packet, error) {
	ip := &layers.IPv4{
		Version: 4, IHL: 5, TTL: 64, Id: 1,
		Flags: layers.IPv4DontFragment,
		SrcIP: net.IPv4(10, 0, 0, 1).To4(),
		DstIP: net.IPv4(10, 0, 0, 2).To4(),
	}
	udp := &layers.UDP{SrcPort: 40000, DstPort: 9999, Length: 9}
	pkt, err := packet.Build(ip, nil, udp, []byte{0x41})
	require.NoError(g.t, err)
	return pkt, nil
}

type mockSender struct {
	mock.Mock
	sent int
}

func (m *mockSender) Send(pkt *packet.Packet) error {
	m.sent++
	return m.Called(pkt).Error(0)
}

// fakeTarget dies right after the starts listed in dieOnStart (1-based).
type fakeTarget struct {
	sender     *mockSender
	dieOnStart map[int]bool
	startErr   error

	alive     bool
	starts    int
	stops     int
	restarts  int
	restartAt []int
}

func (f *fakeTarget) Start(ctx context.Context) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.starts++
	f.alive = !f.dieOnStart[f.starts]
	return nil
}

func (f *fakeTarget) Stop() error {
	f.stops++
	f.alive = false
	return nil
}

func (f *fakeTarget) Restart(ctx context.Context) error {
	f.restarts++
	f.restartAt = append(f.restartAt, f.sender.sent)
	_ = f.Stop()
	return f.Start(ctx)
}

func (f *fakeTarget) IsAlive() bool       { return f.alive }
func (f *fakeTarget) ErrorStream() []byte { return []byte("segfault in protocol guess\n") }

type failingRecorder struct{}

func (failingRecorder) Capture(*packet.Packet, []byte) (report.Report, error) {
	return report.Report{}, errors.New("disk full")
}
func (failingRecorder) Index() int { return 0 }

type harness struct {
	runner   *Runner
	sender   *mockSender
	target   *fakeTarget
	metrics  *metrics.Metrics
	progress *bytes.Buffer
	logs     *observer.ObservedLogs
	dir      string
}

func newHarness(t *testing.T, opts Options, rec Recorder) *harness {
	t.Helper()
	h := &harness{
		sender:   &mockSender{},
		metrics:  metrics.NewMetrics(),
		progress: &bytes.Buffer{},
		dir:      t.TempDir(),
	}
	h.target = &fakeTarget{sender: h.sender, dieOnStart: map[int]bool{}}
	if rec == nil {
		var err error
		rec, err = report.NewRecorder(h.dir, zaptest.NewLogger(t))
		require.NoError(t, err)
	}
	opts.Progress = h.progress
	observed, logs := observer.New(zapcore.InfoLevel)
	h.logs = logs
	logger := zap.New(zapcore.NewTee(zaptest.NewLogger(t).Core(), observed))
	h.runner = NewRunner(opts, Deps{
		Generator: fixedGenerator{t},
		Sender:    h.sender,
		Target:    h.target,
		Recorder:  rec,
		Metrics:   h.metrics,
	}, logger)
	return h
}

func TestEvery(t *testing.T) {
	assert.False(t, Every(0, 3), "never at zero")
	assert.False(t, Every(1, 3))
	assert.False(t, Every(2, 3))
	assert.True(t, Every(3, 3))
	assert.False(t, Every(4, 3))
	assert.True(t, Every(6, 3))
	assert.False(t, Every(5, 0), "zero interval disables")
	assert.False(t, Every(0, 0))
	assert.True(t, Every(7, 1))
}

func TestHealthyTargetRun(t *testing.T) {
	h := newHarness(t, Options{MaxPackets: 5, StatsEvery: 100}, nil)
	h.sender.On("Send", mock.Anything).Return(nil)

	stats, err := h.runner.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, RunStats{Packets: 5}, stats)
	h.sender.AssertNumberOfCalls(t, "Send", 5)
	assert.Equal(t, ".....\n", h.progress.String())
	assert.Equal(t, StateStopped, h.runner.State())
	assert.Equal(t, 1, h.target.starts)
	assert.Equal(t, 2, h.target.stops, "orphan sweep before start and cleanup on exit")
	assert.Zero(t, h.target.restarts)
	assert.Equal(t, 5.0, testutil.ToFloat64(h.metrics.Packets))

	entries, err := os.ReadDir(h.dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "no crash artifacts")
}

func TestDyingTargetIsCapturedAndRestarted(t *testing.T) {
	h := newHarness(t, Options{MaxPackets: 3}, nil)
	h.target.dieOnStart[1] = true
	h.sender.On("Send", mock.Anything).Return(nil)

	stats, err := h.runner.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, RunStats{Packets: 3, Failures: 1, Restarts: 1}, stats)
	assert.Equal(t, "x..\n", h.progress.String())
	assert.Equal(t, []int{1}, h.target.restartAt)

	paths := report.PathsFor(h.dir, 0)
	assert.FileExists(t, paths.ErrorLog)
	assert.FileExists(t, paths.PacketLog)
	assert.FileExists(t, paths.Dump)
	errLog, err := os.ReadFile(paths.ErrorLog)
	require.NoError(t, err)
	assert.Equal(t, "segfault in protocol guess\n", string(errLog))
	assert.NoFileExists(t, report.PathsFor(h.dir, 1).ErrorLog)

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Failures))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Restarts.WithLabelValues(metrics.RestartCrash)))
}

func TestProactiveRestartInterval(t *testing.T) {
	h := newHarness(t, Options{MaxPackets: 10, RestartEvery: 3}, nil)
	h.sender.On("Send", mock.Anything).Return(nil)

	stats, err := h.runner.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []int{3, 6, 9}, h.target.restartAt)
	assert.Equal(t, 3, stats.Restarts)
	assert.Equal(t, 3.0, testutil.ToFloat64(h.metrics.Restarts.WithLabelValues(metrics.RestartScheduled)))
}

func TestStatisticsInterval(t *testing.T) {
	h := newHarness(t, Options{MaxPackets: 10, StatsEvery: 3}, nil)
	h.target.dieOnStart[1] = true
	h.sender.On("Send", mock.Anything).Return(nil)

	_, err := h.runner.Run(context.Background())
	require.NoError(t, err)

	entries := h.logs.FilterMessage("fuzzing statistics").All()
	require.Len(t, entries, 3)
	for i, entry := range entries {
		fields := entry.ContextMap()
		assert.Equal(t, int64(3*(i+1)), fields["packets"])
		assert.Equal(t, int64(1), fields["failures"])
		assert.Equal(t, int64(1), fields["restarts"])
	}

	finished := h.logs.FilterMessage("fuzzing finished").All()
	require.Len(t, finished, 1)
	assert.Equal(t, int64(10), finished[0].ContextMap()["packets"])
	assert.NotContains(t, finished[0].ContextMap(), "error")
}

func TestSendFailureIsFatal(t *testing.T) {
	h := newHarness(t, Options{MaxPackets: 5}, nil)
	h.sender.On("Send", mock.Anything).Return(nil).Twice()
	h.sender.On("Send", mock.Anything).Return(errors.New("network is down")).Once()

	stats, err := h.runner.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "network is down")
	assert.Equal(t, 2, stats.Packets)
	assert.Equal(t, 2, h.target.stops)
	assert.False(t, h.target.alive)
	assert.Equal(t, StateStopped, h.runner.State())

	finished := h.logs.FilterMessage("fuzzing finished").All()
	require.Len(t, finished, 1)
	fields := finished[0].ContextMap()
	assert.Equal(t, int64(2), fields["packets"])
	assert.Contains(t, fields["error"], "network is down")
}

func TestStartFailureIsFatal(t *testing.T) {
	h := newHarness(t, Options{MaxPackets: 5}, nil)
	h.target.startErr = errors.New("exec: no such file")

	stats, err := h.runner.Run(context.Background())
	require.Error(t, err)
	assert.Zero(t, stats.Packets)
	h.sender.AssertNotCalled(t, "Send", mock.Anything)
	assert.Equal(t, 2, h.target.stops)
}

func TestCaptureFailureIsFatal(t *testing.T) {
	h := newHarness(t, Options{MaxPackets: 5}, failingRecorder{})
	h.target.dieOnStart[1] = true
	h.sender.On("Send", mock.Anything).Return(nil)

	stats, err := h.runner.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, RunStats{Packets: 1, Failures: 1}, stats)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.CaptureErrors))
}

func TestCancellationEndsRunCleanly(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	h.sender.On("Send", mock.Anything).Return(nil).Run(func(mock.Arguments) {
		if h.sender.sent == 4 {
			cancel()
		}
	})

	stats, err := h.runner.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Packets, "the packet in flight at cancellation is not counted")
	assert.Equal(t, StateStopped, h.runner.State())
	assert.Equal(t, 2, h.target.stops)
}
