package types

import (
	"time"

	"github.com/google/uuid"
)

// RunID identifies one fuzzing run across logs, traces and crash sinks.
type RunID string

func NewRunID() RunID {
	return RunID(uuid.NewString())
}

// CrashMessage describes one crash report once its triad is complete on disk.
type CrashMessage struct {
	RunID     RunID     `json:"run_id"`
	Index     int       `json:"index"`
	Host      string    `json:"host"`
	FoundAt   time.Time `json:"found_at"`
	ErrorLog  string    `json:"error_log"`  // path to the captured stderr
	PacketLog string    `json:"packet_log"` // path to the decoded packet
	Dump      string    `json:"dump"`       // path to the single packet pcap
	Protocol  string    `json:"protocol"`
	SrcPort   uint16    `json:"src_port"`
	DstPort   uint16    `json:"dst_port"`
	Summary   string    `json:"summary"`
	Stderr    string    `json:"stderr"` // head of the error log
}
