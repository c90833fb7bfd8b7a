package api

import (
	"fmt"
)

// ValidationError reports bad configuration detected before any side effect.
// It is surfaced to the operator and never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

// ConnectivityError reports an unreachable source or target store.
type ConnectivityError struct {
	Store string
	Err   error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("store %s unreachable: %v", e.Store, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// DataIntegrityError reports a consistency score below the configured floor.
// It is fatal to the current phase.
type DataIntegrityError struct {
	Score float64
	Floor float64
	Stats *MigrationStats
}

func (e *DataIntegrityError) Error() string {
	return fmt.Sprintf("consistency score %.2f below floor %.2f", e.Score, e.Floor)
}

// HealthCheckError reports one or more failing health endpoints observed
// during traffic shifting.
type HealthCheckError struct {
	Failed []string
}

func (e *HealthCheckError) Error() string {
	return fmt.Sprintf("health check failed for %d endpoint(s): %v", len(e.Failed), e.Failed)
}

// ErrorRateExceededError reports a rolling error rate above the configured
// threshold during traffic shifting.
type ErrorRateExceededError struct {
	Rate      float64
	Threshold float64
}

func (e *ErrorRateExceededError) Error() string {
	return fmt.Sprintf("error rate %.2f%% exceeds threshold %.2f%%", e.Rate, e.Threshold)
}

// RollbackError reports a failure on the rollback path itself. It is never
// retried into another rollback attempt; it is escalated as a critical,
// human-actionable alert.
type RollbackError struct {
	Phase CutoverPhase
	Err   error
}

func (e *RollbackError) Error() string {
	return fmt.Sprintf("rollback failed from phase %s: %v", e.Phase, e.Err)
}

func (e *RollbackError) Unwrap() error { return e.Err }

// MigrationError carries the partial stats of a bulk migration that failed a
// fatal precondition or aborted mid-run.
type MigrationError struct {
	Stats MigrationStats
	Err   error
}

func (e *MigrationError) Error() string {
	return fmt.Sprintf("migration failed after %d/%d records: %v", e.Stats.MigratedRecords, e.Stats.TotalRecords, e.Err)
}

func (e *MigrationError) Unwrap() error { return e.Err }
