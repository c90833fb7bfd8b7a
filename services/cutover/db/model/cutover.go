package model

import (
	"time"
)

// CutoverState is the write-ahead phase record of a cutover. There is at most
// one row per (source-set, target) pair; a non-terminal row blocks a second
// concurrent start for that pair.
type CutoverState struct {
	PairKey   string `gorm:"primarykey"`
	CreatedAt time.Time
	UpdatedAt time.Time

	RunID           string
	Phase           string
	PhaseEnteredAt  time.Time
	Terminal        bool
	MetricsSnapshot string
	// PreCutoverDirective holds the routing directive observed before the
	// cutover started, for restoration on rollback.
	PreCutoverDirective string
}

// MigrationRun records one MigrateAll invocation with its aggregate stats.
type MigrationRun struct {
	RunID     string `gorm:"primarykey"`
	CreatedAt time.Time
	UpdatedAt time.Time

	PairKey             string
	Status              string
	StartedAt           time.Time
	FinishedAt          *time.Time
	TotalRecords        int64
	MigratedRecords     int64
	FailedRecords       int64
	VerificationsPassed int
	VerificationsFailed int
	ConsistencyScore    float64
	ErrorMessage        string
}

const (
	MigrationRunStatusRunning   = "RUNNING"
	MigrationRunStatusSucceeded = "SUCCEEDED"
	MigrationRunStatusFailed    = "FAILED"
)

// ParityCheck logs one dual-write probe outcome.
type ParityCheck struct {
	ID        uint `gorm:"primarykey"`
	CreatedAt time.Time

	RunID    string
	ProbeID  string
	SourceOK bool
	TargetOK bool
	Detail   string
}
