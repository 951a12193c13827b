package report

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"dpifuzz/internal/packet"
	"dpifuzz/internal/utils"

	"go.uber.org/zap"
)

const (
	ErrorLogSuffix  = "error.log"
	PacketLogSuffix = "packet.log"
	DumpSuffix      = "dump.pcap"
)

var artifactRe = regexp.MustCompile(`^run-(\d+)-(error\.log|packet\.log|dump\.pcap)$`)

// Paths names the three artifacts of one crash report.
type Paths struct {
	ErrorLog  string
	PacketLog string
	Dump      string
}

func PathsFor(dir string, n int) Paths {
	prefix := filepath.Join(dir, "run-"+strconv.Itoa(n)+"-")
	return Paths{
		ErrorLog:  prefix + ErrorLogSuffix,
		PacketLog: prefix + PacketLogSuffix,
		Dump:      prefix + DumpSuffix,
	}
}

// ParseArtifact extracts the report index and suffix from an artifact file name.
func ParseArtifact(name string) (int, string, bool) {
	m := artifactRe.FindStringSubmatch(filepath.Base(name))
	if m == nil {
		return 0, "", false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, "", false
	}
	return n, m[2], true
}

// NextIndex returns one past the highest report index found in dir, or 0 when dir holds
// no artifacts. Incomplete triads still count so nothing is ever overwritten.
func NextIndex(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to scan %s: %w", dir, err)
	}
	next := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if n, _, ok := ParseArtifact(e.Name()); ok && n+1 > next {
			next = n + 1
		}
	}
	return next, nil
}

// Report is one captured crash.
type Report struct {
	Index    int
	Paths    Paths
	FailedAt time.Time
}

// Recorder persists crash reports into a single directory. Not safe for concurrent use;
// the fuzz loop is its only caller.
type Recorder struct {
	dir    string
	index  int
	now    func() time.Time
	logger *zap.Logger
}

// NewRecorder creates outDir if needed, checks that it is writable and resumes numbering
// after the highest existing report.
func NewRecorder(outDir string, logger *zap.Logger) (*Recorder, error) {
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	scratch, err := os.CreateTemp(outDir, ".scratch-*")
	if err != nil {
		return nil, fmt.Errorf("output directory %s is not writable: %w", outDir, err)
	}
	_ = scratch.Close()
	_ = os.Remove(scratch.Name())

	index, err := NextIndex(outDir)
	if err != nil {
		return nil, err
	}

	logger = logger.Named("report")
	logger.Info("crash recorder ready", zap.String("dir", outDir), zap.Int("next_index", index))
	return &Recorder{dir: outDir, index: index, now: time.Now, logger: logger}, nil
}

// Index is the number the next report will get.
func (r *Recorder) Index() int {
	return r.index
}

func (r *Recorder) Dir() string {
	return r.dir
}

// Capture writes the error log, the packet log and the pcap for pkt under the current
// index, in that order. The index only advances once all three are on disk, so a failed
// capture is retried under the same number.
func (r *Recorder) Capture(pkt *packet.Packet, errBytes []byte) (Report, error) {
	rep := Report{Index: r.index, Paths: PathsFor(r.dir, r.index), FailedAt: r.now()}

	if err := utils.WriteBytesAtomic(rep.Paths.ErrorLog, 0644, errBytes); err != nil {
		return rep, fmt.Errorf("failed to write error log: %w", err)
	}
	if err := utils.WriteBytesAtomic(rep.Paths.PacketLog, 0644, []byte(pkt.Describe(rep.FailedAt))); err != nil {
		return rep, fmt.Errorf("failed to write packet log: %w", err)
	}
	// the dump completes the triad; downstream watchers key on it
	if err := utils.WriteFileAtomic(rep.Paths.Dump, 0644, func(w io.Writer) error {
		return pkt.WritePcap(w, rep.FailedAt)
	}); err != nil {
		return rep, fmt.Errorf("failed to write pcap: %w", err)
	}

	r.index++
	r.logger.Info("crash captured",
		zap.Int("index", rep.Index),
		zap.String("packet", pkt.Summary()),
		zap.Int("stderr_bytes", len(errBytes)))
	return rep, nil
}
