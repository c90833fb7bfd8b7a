package api

import (
	"time"
)

type CutoverPhase string

const (
	CutoverPhasePreparation     CutoverPhase = "PREPARATION"
	CutoverPhaseDualWrite       CutoverPhase = "DUAL_WRITE_ENABLED"
	CutoverPhaseTrafficShifting CutoverPhase = "TRAFFIC_SHIFTING"
	CutoverPhaseVerification    CutoverPhase = "VERIFICATION"
	CutoverPhaseComplete        CutoverPhase = "COMPLETE"
	CutoverPhaseRolledBack      CutoverPhase = "ROLLED_BACK"
)

func (p CutoverPhase) IsTerminal() bool {
	return p == CutoverPhaseComplete || p == CutoverPhaseRolledBack
}

// Next returns the phase that follows p on the forward path. Terminal
// phases return themselves.
func (p CutoverPhase) Next() CutoverPhase {
	switch p {
	case CutoverPhasePreparation:
		return CutoverPhaseDualWrite
	case CutoverPhaseDualWrite:
		return CutoverPhaseTrafficShifting
	case CutoverPhaseTrafficShifting:
		return CutoverPhaseVerification
	case CutoverPhaseVerification:
		return CutoverPhaseComplete
	default:
		return p
	}
}

type MigrationStats struct {
	RunID               string     `json:"run_id"`
	StartedAt           time.Time  `json:"started_at"`
	FinishedAt          *time.Time `json:"finished_at,omitempty"`
	TotalRecords        int64      `json:"total_records"`
	MigratedRecords     int64      `json:"migrated_records"`
	FailedRecords       int64      `json:"failed_records"`
	VerificationsPassed int        `json:"verifications_passed"`
	VerificationsFailed int        `json:"verifications_failed"`
	ConsistencyScore    float64    `json:"consistency_score"`
}

type TableSyncResult struct {
	Database       string   `json:"database"`
	Table          string   `json:"table"`
	SourceRowCount int64    `json:"source_row_count"`
	TargetRowCount int64    `json:"target_row_count"`
	DigestMatch    bool     `json:"digest_match"`
	SourceDigest   string   `json:"source_digest,omitempty"`
	TargetDigest   string   `json:"target_digest,omitempty"`
	Errors         []string `json:"errors,omitempty"`
}

func (r TableSyncResult) Matches() bool {
	return r.SourceRowCount == r.TargetRowCount && r.DigestMatch && len(r.Errors) == 0
}

// CutoverMetrics is the status snapshot handed to operators. Mutation is
// serialized inside the orchestrator; readers only ever see copies.
type CutoverMetrics struct {
	RunID             string       `json:"run_id"`
	Phase             CutoverPhase `json:"phase"`
	PhaseEnteredAt    time.Time    `json:"phase_entered_at"`
	TrafficPercentage int          `json:"traffic_percentage"`
	ErrorRate         float64      `json:"error_rate"`
	SourceLatencyMs   []float64    `json:"source_latency_ms,omitempty"`
	TargetLatencyMs   []float64    `json:"target_latency_ms,omitempty"`
	ConsistencyScore  float64      `json:"consistency_score"`
	HealthPassRatio   float64      `json:"health_pass_ratio"`
	Errors            []string     `json:"errors,omitempty"`
}

type EventLevel string

const (
	EventLevelInfo     EventLevel = "INFO"
	EventLevelWarning  EventLevel = "WARNING"
	EventLevelCritical EventLevel = "CRITICAL"
)

// Event is the structured notification posted to the configured webhooks on
// phase transitions, rollbacks and critical errors.
type Event struct {
	Timestamp         time.Time    `json:"timestamp"`
	Level             EventLevel   `json:"level"`
	Message           string       `json:"message"`
	Phase             CutoverPhase `json:"phase"`
	TrafficPercentage int          `json:"traffic_percentage"`
}
