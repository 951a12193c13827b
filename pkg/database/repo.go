package database

import (
	"context"

	"dpifuzz/internal/types"

	"gorm.io/gorm"
)

// inserts a single crash record into the database
func AddCrash(ctx context.Context, db *gorm.DB, crash *Crash) error {
	if crash == nil {
		return nil
	}
	return db.WithContext(ctx).Create(crash).Error
}

// CountCrashes returns how many crashes a run has recorded so far
func CountCrashes(ctx context.Context, db *gorm.DB, runID types.RunID) (int64, error) {
	var n int64
	err := db.WithContext(ctx).Model(&Crash{}).Where("run_id = ?", string(runID)).Count(&n).Error
	return n, err
}

// NewCrash creates a new Crash object from a crash message
func NewCrash(msg types.CrashMessage) *Crash {
	return &Crash{
		RunID:       string(msg.RunID),
		ReportIndex: msg.Index,
		CreatedAt:   msg.FoundAt,
		Host:        msg.Host,
		Protocol:    msg.Protocol,
		SrcPort:     int(msg.SrcPort),
		DstPort:     int(msg.DstPort),
		Summary:     msg.Summary,
		DumpPath:    msg.Dump,
		Stderr:      msg.Stderr,
		Artifacts: Artifacts{
			"error_log":  msg.ErrorLog,
			"packet_log": msg.PacketLog,
			"dump":       msg.Dump,
		},
	}
}
