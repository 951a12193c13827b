package fuzz

import (
	"context"

	"dpifuzz/internal/packet"
	"dpifuzz/internal/report"
)

// Generator hands out one fresh frame per call.
type Generator interface {
	Generate() (*packet.Packet, error)
}

// Sender puts a frame on the wire. Fire and forget, nothing is read back.
type Sender interface {
	Send(pkt *packet.Packet) error
}

// Target is the supervised process under test.
//
// Start blocks until the target had time to come up and fails only if it cannot be
// launched. Stop must be idempotent. IsAlive must not block.
type Target interface {
	Start(ctx context.Context) error
	Stop() error
	Restart(ctx context.Context) error
	IsAlive() bool
	ErrorStream() []byte
}

// Recorder persists one crash report per call and numbers them.
type Recorder interface {
	Capture(pkt *packet.Packet, errBytes []byte) (report.Report, error)
	Index() int
}

type State int32

const (
	StateStarting State = iota
	StateRunning
	StateRestarting
	StateReporting
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateRestarting:
		return "restarting"
	case StateReporting:
		return "reporting"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// RunStats are the counters of one run. They only ever grow.
type RunStats struct {
	Packets  int
	Failures int
	Restarts int
}

// Every reports whether an interval of k fires at count n. Disabled intervals (k == 0)
// never fire, and nothing fires before the first packet.
func Every(n, k int) bool {
	return k > 0 && n > 0 && n%k == 0
}
