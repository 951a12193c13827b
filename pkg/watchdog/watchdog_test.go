package watchdog

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestWatchDogReportsFilteredCreates(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	notify := make(chan string, 8)
	wd, err := NewWatchDogFactory(zaptest.NewLogger(t)).New(ctx, notify, func(name string) bool {
		return strings.HasSuffix(name, ".pcap")
	})
	require.NoError(t, err)
	require.NoError(t, wd.AddDir(dir))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644))
	// written elsewhere and renamed in, the way crash reports land
	tmp := filepath.Join(dir, ".tmp-dump")
	require.NoError(t, os.WriteFile(tmp, []byte("x"), 0644))
	require.NoError(t, os.Rename(tmp, filepath.Join(dir, "run-0-dump.pcap")))

	select {
	case name := <-notify:
		assert.Equal(t, filepath.Join(dir, "run-0-dump.pcap"), name)
	case <-time.After(5 * time.Second):
		t.Fatal("no notification for the pcap")
	}

	cancel()
	for range notify {
		// drained until the watcher closes the channel
	}
}

func TestAddDirMissing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wd, err := NewWatchDogFactory(zaptest.NewLogger(t)).New(ctx, make(chan string), nil)
	require.NoError(t, err)
	assert.Error(t, wd.AddDir(filepath.Join(t.TempDir(), "missing")))
}
