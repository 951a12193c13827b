package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"dpifuzz/internal/utils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type sweepRecorder struct {
	names []string
}

func (r *sweepRecorder) sweep(_ context.Context, name string) (int, error) {
	r.names = append(r.names, name)
	return 0, nil
}

func writeScript(t *testing.T, name, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts are not supported on windows")
	}
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0755))
	return path
}

func newTestSupervisor(t *testing.T, binary string) (*Supervisor, *sweepRecorder) {
	t.Helper()
	rec := &sweepRecorder{}
	s := New(Config{
		Binary:       binary,
		Iface:        "fuzz0",
		IfaceFlag:    "-i",
		StartupDelay: 10 * time.Millisecond,
		StopGrace:    time.Second,
	}, zaptest.NewLogger(t)).WithSweeper(rec.sweep)
	t.Cleanup(func() { _ = s.Stop() })
	return s, rec
}

func TestStartMissingBinary(t *testing.T) {
	s, _ := newTestSupervisor(t, filepath.Join(t.TempDir(), "no-such-target"))
	err := s.Start(context.Background())
	assert.Error(t, err)
	assert.False(t, s.IsAlive())
}

func TestStopBeforeStartIsNoop(t *testing.T) {
	s, rec := newTestSupervisor(t, "/nonexistent/ndpiReader")
	assert.NoError(t, s.Stop())
	assert.NoError(t, s.Stop())
	assert.Equal(t, []string{"ndpiReader", "ndpiReader"}, rec.names)
	assert.Nil(t, s.ErrorStream())
	assert.Zero(t, s.Pid())
}

func TestLiveTargetStopsOnRequest(t *testing.T) {
	bin := writeScript(t, "live-target", "exec sleep 30")
	s, rec := newTestSupervisor(t, bin)

	require.NoError(t, s.Start(context.Background()))
	assert.True(t, s.IsAlive())
	assert.NotZero(t, s.Pid())

	require.NoError(t, s.Stop())
	assert.False(t, s.IsAlive())
	assert.Equal(t, []string{"live-target"}, rec.names)

	// stopping an already stopped target must not fail
	assert.NoError(t, s.Stop())
}

func TestDeadTargetKeepsStderr(t *testing.T) {
	bin := writeScript(t, "crashy-target", `echo "reader: $@" >&2; echo "SIGSEGV in flow parser" >&2; exit 3`)
	s, _ := newTestSupervisor(t, bin)

	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return !s.IsAlive() }, 5*time.Second, 10*time.Millisecond)

	stderr := string(s.ErrorStream())
	assert.Contains(t, stderr, "reader: -i fuzz0")
	assert.Contains(t, stderr, "SIGSEGV in flow parser")

	var exitErr *exec.ExitError
	require.ErrorAs(t, s.ExitErr(), &exitErr)
	assert.Equal(t, 3, exitErr.ExitCode())
}

func TestPositionalIface(t *testing.T) {
	bin := writeScript(t, "args-target", `echo "args=$*" >&2; exit 0`)
	s, _ := newTestSupervisor(t, bin)
	s.cfg.IfaceFlag = ""

	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return !s.IsAlive() }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "args=fuzz0\n", string(s.ErrorStream()))
}

func TestRestartReplacesInstance(t *testing.T) {
	bin := writeScript(t, "restart-target", "echo started >&2; exec sleep 30")
	s, rec := newTestSupervisor(t, bin)

	require.NoError(t, s.Start(context.Background()))
	first := s.Pid()

	require.NoError(t, s.Restart(context.Background()))
	assert.True(t, s.IsAlive())
	assert.NotEqual(t, first, s.Pid())
	assert.Len(t, rec.names, 1)
	// the new instance gets a fresh stderr buffer
	require.Eventually(t, func() bool { return len(s.ErrorStream()) > 0 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "started\n", string(s.ErrorStream()))
}

func TestStartHonoursContext(t *testing.T) {
	bin := writeScript(t, "slow-target", "exec sleep 30")
	s, _ := newTestSupervisor(t, bin)
	s.cfg.StartupDelay = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Start(ctx), context.DeadlineExceeded)
}

// TestHelperOrphan is not a real test: TestKillByName runs a renamed copy of the test
// binary with this test selected to get a long-lived process with a unique name.
func TestHelperOrphan(t *testing.T) {
	if os.Getenv("DPIFUZZ_HELPER_ORPHAN") != "1" {
		t.Skip("helper process")
	}
	time.Sleep(30 * time.Second)
}

func TestKillByName(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("process names are checked on linux only")
	}
	self, err := os.Executable()
	require.NoError(t, err)

	name := fmt.Sprintf("dfz%d", os.Getpid()%100000)
	orphan := filepath.Join(t.TempDir(), name)
	require.NoError(t, utils.CopyFile(self, orphan))

	cmd := exec.Command(orphan, "-test.run=^TestHelperOrphan$")
	cmd.Env = append(os.Environ(), "DPIFUZZ_HELPER_ORPHAN=1")
	require.NoError(t, cmd.Start())
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	// the name only shows up once exec completed
	var n int
	require.Eventually(t, func() bool {
		n, err = KillByName(context.Background(), name)
		return err == nil && n == 1
	}, 5*time.Second, 20*time.Millisecond)

	select {
	case err := <-done:
		require.Error(t, err)
		assert.True(t, strings.Contains(err.Error(), "killed"))
	case <-time.After(5 * time.Second):
		_ = cmd.Process.Kill()
		t.Fatal("orphan survived the sweep")
	}

	n, err = KillByName(context.Background(), name)
	require.NoError(t, err)
	assert.Zero(t, n)
}
