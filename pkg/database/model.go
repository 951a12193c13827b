package database

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// Crash represents a record in the public.crashes table
type Crash struct {
	ID          int       `gorm:"primaryKey;column:id"`
	RunID       string    `gorm:"column:run_id;not null;index:idx_crashes_run"`
	ReportIndex int       `gorm:"column:report_index;not null"`
	CreatedAt   time.Time `gorm:"column:created_at;default:now()"`
	Host        string    `gorm:"column:host"`
	Protocol    string    `gorm:"column:protocol;not null"`
	SrcPort     int       `gorm:"column:src_port"`
	DstPort     int       `gorm:"column:dst_port"`
	Summary     string    `gorm:"column:summary"`
	DumpPath    string    `gorm:"column:dump_path;not null"`
	Stderr      string    `gorm:"column:stderr;type:text"`
	Artifacts   Artifacts `gorm:"column:artifacts;type:jsonb"`
}

func (Crash) TableName() string {
	return "crashes"
}

// Artifacts represents the jsonb field listing every file of a crash report
type Artifacts map[string]string

// Value implements the driver.Valuer interface for the Artifacts type
func (a Artifacts) Value() (driver.Value, error) {
	if a == nil {
		return nil, nil
	}
	return json.Marshal(a)
}

// Scan implements the sql.Scanner interface for the Artifacts type
func (a *Artifacts) Scan(value any) error {
	if value == nil {
		*a = nil
		return nil
	}

	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}

	return json.Unmarshal(bytes, a)
}
