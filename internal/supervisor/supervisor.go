package supervisor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const (
	DefaultStartupDelay = 4 * time.Second
	DefaultStopGrace    = 2 * time.Second

	// bounds how long Wait keeps copying stderr from grandchildren that inherited it
	stderrWaitDelay = time.Second
)

type Config struct {
	Binary       string        // path to the target binary
	Iface        string        // interface handed to the target
	IfaceFlag    string        // flag preceding the interface, empty for a positional argument
	StartupDelay time.Duration // time the target gets to open its capture before traffic resumes
	StopGrace    time.Duration // SIGTERM to SIGKILL window
}

// Sweeper kills every process carrying the given name and reports how many it hit.
type Sweeper func(ctx context.Context, name string) (int, error)

// Supervisor owns the lifecycle of the target process. Exactly one instance is live at
// a time; Restart replaces it wholesale. It is driven from a single goroutine.
type Supervisor struct {
	cfg    Config
	name   string
	sweep  Sweeper
	logger *zap.Logger

	proc *instance // current instance, nil before the first Start
}

type instance struct {
	cmd    *exec.Cmd
	stderr *syncBuffer
	exited chan struct{}
	err    error // written before exited is closed
}

func New(cfg Config, logger *zap.Logger) *Supervisor {
	if cfg.StartupDelay < 0 {
		cfg.StartupDelay = 0
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = DefaultStopGrace
	}
	return &Supervisor{
		cfg:    cfg,
		name:   filepath.Base(cfg.Binary),
		sweep:  KillByName,
		logger: logger.Named("supervisor").With(zap.String("binary", cfg.Binary)),
	}
}

// WithSweeper swaps the orphan sweep, mostly for tests that must not touch other processes.
func (s *Supervisor) WithSweeper(sweep Sweeper) *Supervisor {
	s.sweep = sweep
	return s
}

func (s *Supervisor) args() []string {
	if s.cfg.IfaceFlag == "" {
		return []string{s.cfg.Iface}
	}
	return []string{s.cfg.IfaceFlag, s.cfg.Iface}
}

// Start launches the target with stdout discarded and stderr captured in memory, then
// blocks for the startup delay. A launch failure is returned as is; callers treat it
// as fatal.
func (s *Supervisor) Start(ctx context.Context) error {
	cmd := exec.Command(s.cfg.Binary, s.args()...)
	cmd.Stdout = io.Discard
	stderr := &syncBuffer{}
	cmd.Stderr = stderr
	cmd.WaitDelay = stderrWaitDelay

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to launch target %s: %w", s.cfg.Binary, err)
	}

	proc := &instance{cmd: cmd, stderr: stderr, exited: make(chan struct{})}
	s.proc = proc
	go func() {
		proc.err = cmd.Wait()
		close(proc.exited)
	}()

	s.logger.Info("target started",
		zap.Int("pid", cmd.Process.Pid),
		zap.String("command", cmd.String()),
		zap.Duration("startup_delay", s.cfg.StartupDelay))

	select {
	case <-time.After(s.cfg.StartupDelay):
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// IsAlive reports whether the current instance has not exited yet. It never blocks.
func (s *Supervisor) IsAlive() bool {
	if s.proc == nil {
		return false
	}
	select {
	case <-s.proc.exited:
		return false
	default:
		return true
	}
}

// ExitErr is the result of waiting on the last instance, nil while it is running.
func (s *Supervisor) ExitErr() error {
	if s.proc == nil || s.IsAlive() {
		return nil
	}
	return s.proc.err
}

// ErrorStream returns everything the current instance wrote to stderr so far.
func (s *Supervisor) ErrorStream() []byte {
	if s.proc == nil {
		return nil
	}
	return s.proc.stderr.Bytes()
}

func (s *Supervisor) Pid() int {
	if s.proc == nil {
		return 0
	}
	return s.proc.cmd.Process.Pid
}

// Stop terminates the current instance if it still runs, then sweeps any process
// sharing the binary name to catch orphans of earlier ungraceful exits. Calling it
// with nothing running is a no-op.
func (s *Supervisor) Stop() error {
	if s.IsAlive() {
		s.terminate()
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.StopGrace)
	defer cancel()
	n, err := s.sweep(ctx, s.name)
	if err != nil {
		// the sweep is best effort; a failing listing must not abort the run
		s.logger.Warn("orphan sweep failed", zap.String("name", s.name), zap.Error(err))
		return nil
	}
	if n > 0 {
		s.logger.Info("killed orphaned targets", zap.String("name", s.name), zap.Int("count", n))
	}
	return nil
}

func (s *Supervisor) terminate() {
	proc := s.proc
	pid := proc.cmd.Process.Pid
	if err := proc.cmd.Process.Signal(unix.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		s.logger.Warn("failed to signal target", zap.Int("pid", pid), zap.Error(err))
	}

	timer := time.NewTimer(s.cfg.StopGrace)
	defer timer.Stop()
	select {
	case <-proc.exited:
		s.logger.Debug("target terminated", zap.Int("pid", pid))
		return
	case <-timer.C:
	}

	s.logger.Warn("target ignored SIGTERM, killing it", zap.Int("pid", pid))
	_ = proc.cmd.Process.Kill()
	<-proc.exited
}

// Restart is Stop followed by Start, the only way the live instance is replaced.
func (s *Supervisor) Restart(ctx context.Context) error {
	if err := s.Stop(); err != nil {
		return err
	}
	return s.Start(ctx)
}

// syncBuffer collects stderr; exec copies into it from its own goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return bytes.Clone(b.buf.Bytes())
}
