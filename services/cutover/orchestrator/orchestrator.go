package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/caseflow-io/caseflow-engine/services/cutover/api"
	"github.com/caseflow-io/caseflow-engine/services/cutover/db/model"
	"github.com/caseflow-io/caseflow-engine/services/cutover/routing"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var PhaseTransitionsCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "caseflow",
	Subsystem: "cutover",
	Name:      "phase_transitions_total",
	Help:      "Count of cutover phase transitions",
}, []string{"phase"})

var RollbacksCount = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "caseflow",
	Subsystem: "cutover",
	Name:      "rollbacks_total",
	Help:      "Count of cutover rollbacks",
})

// StateStore is the durable phase record of a cutover. The record doubles as
// the per-pair lock: a non-terminal record blocks a second concurrent start.
type StateStore interface {
	GetCutoverState(pairKey string) (*model.CutoverState, error)
	ActiveCutover(pairKey string) (*model.CutoverState, error)
	AcquireCutover(state *model.CutoverState) (bool, error)
	SaveCutoverState(state *model.CutoverState) error
	LatestSucceededMigrationRun(pairKey string) (*model.MigrationRun, error)
}

type DualWriter interface {
	Enable(ctx context.Context) error
	Disable(ctx context.Context, authoritative routing.WriteTarget) error
	CheckParity(ctx context.Context) (bool, string, error)
}

type TrafficShifter interface {
	AdvanceTo(ctx context.Context, percentage int) error
	Revert(ctx context.Context) error
	CurrentPercentage() int
	Ladder() []int
}

type HealthChecker interface {
	CheckAll(ctx context.Context) (float64, []string)
}

type Notifier interface {
	Send(ctx context.Context, event api.Event)
}

// VerifyFunc runs one integrity verification pass over all tables.
type VerifyFunc func(ctx context.Context) (float64, []api.TableSyncResult, error)

// LatencyProbe measures one round trip against each store, in milliseconds.
type LatencyProbe func(ctx context.Context) (sourceMs, targetMs float64, err error)

// SmokeTest exercises the functional battery (write, read, delete) against
// the target-only path.
type SmokeTest func(ctx context.Context) error

// ArchiveFunc moves the source stores aside after completion. It must never
// delete them.
type ArchiveFunc func(ctx context.Context) error

// SyncFunc runs one incremental catch-up pass over all tables.
type SyncFunc func(ctx context.Context) error

type outcome int

const (
	outcomeAdvance outcome = iota
	outcomeRetry
	outcomeRollback
)

type signal struct {
	reason string
	err    error
}

type Params struct {
	Logger  *zap.Logger
	PairKey string

	State   StateStore
	Routing routing.Store
	Dual    DualWriter
	Shift   TrafficShifter
	Health  HealthChecker
	Notify  Notifier

	Verify      VerifyFunc
	Latency     LatencyProbe
	Smoke       SmokeTest
	Archive     ArchiveFunc
	CatchUpSync SyncFunc

	// Rates is shared with the traffic shifter so both observe the same
	// rolling error rate. A nil tracker gets a private one.
	Rates *RateTracker

	ConsistencyFloor     float64
	FinalGate            float64
	VerificationInterval time.Duration
	ParityChecks         int
	RollbackTimeout      time.Duration
}

// Orchestrator sequences the cutover phases. It is the only component
// allowed to change the phase; background monitors raise signals and the
// phase loop dispatches on them.
type Orchestrator struct {
	logger *zap.Logger
	p      Params

	mu           sync.Mutex
	metrics      api.CutoverMetrics
	preDirective routing.Directive
	running      bool
	rates        *RateTracker

	signals chan signal

	monitorWG     sync.WaitGroup
	cancelMonitor context.CancelFunc
}

func New(p Params) (*Orchestrator, error) {
	if p.Logger == nil {
		return nil, errors.New("logger is nil")
	}
	if p.PairKey == "" {
		return nil, errors.New("pair key is empty")
	}
	if p.ConsistencyFloor <= 0 {
		p.ConsistencyFloor = 95
	}
	if p.FinalGate <= 0 {
		p.FinalGate = 99.5
	}
	if p.VerificationInterval <= 0 {
		p.VerificationInterval = 30 * time.Second
	}
	if p.ParityChecks <= 0 {
		p.ParityChecks = 3
	}
	if p.RollbackTimeout <= 0 {
		p.RollbackTimeout = 15 * time.Minute
	}
	if p.Rates == nil {
		p.Rates = NewRateTracker(50)
	}
	return &Orchestrator{
		logger:  p.Logger,
		p:       p,
		rates:   p.Rates,
		signals: make(chan signal, 8),
	}, nil
}

// Status returns a copy of the current metrics snapshot.
func (o *Orchestrator) Status() api.CutoverMetrics {
	o.mu.Lock()
	defer o.mu.Unlock()
	return cloneMetrics(o.metrics)
}

// ErrorRate exposes the rolling probe error rate for the traffic shifter.
func (o *Orchestrator) ErrorRate() float64 {
	return o.rates.Rate()
}

// Run drives a fresh cutover end to end. Only one cutover may be active per
// pair; the initial phase record is claimed atomically so two concurrent
// starts cannot both pass.
func (o *Orchestrator) Run(ctx context.Context) error {
	pre, err := o.p.Routing.Get(ctx)
	if err != nil {
		return fmt.Errorf("snapshot routing directive: %w", err)
	}

	o.mu.Lock()
	o.preDirective = pre
	o.metrics = api.CutoverMetrics{
		RunID:           uuid.NewString(),
		Phase:           api.CutoverPhasePreparation,
		PhaseEnteredAt:  time.Now(),
		HealthPassRatio: 1,
	}
	o.mu.Unlock()

	record, err := o.stateRecord(false)
	if err != nil {
		return fmt.Errorf("persist initial phase: %w", err)
	}
	acquired, err := o.p.State.AcquireCutover(record)
	if err != nil {
		return fmt.Errorf("acquire cutover lock: %w", err)
	}
	if !acquired {
		reason := "cutover already in progress for this pair"
		if active, lookupErr := o.p.State.ActiveCutover(o.p.PairKey); lookupErr == nil && active != nil {
			reason = fmt.Sprintf("cutover %s already in phase %s", active.RunID, active.Phase)
		}
		return &api.ValidationError{Field: "pair_key", Reason: reason}
	}
	o.notifyTransition(ctx, api.EventLevelInfo, "cutover started")

	return o.runFrom(ctx, api.CutoverPhasePreparation)
}

// Resume picks up a cutover whose process died mid-flight, either continuing
// from the last durable phase or forcing an immediate rollback.
func (o *Orchestrator) Resume(ctx context.Context, forceRollback bool) error {
	state, err := o.p.State.ActiveCutover(o.p.PairKey)
	if err != nil {
		return fmt.Errorf("check active cutover: %w", err)
	}
	if state == nil {
		return &api.ValidationError{Field: "pair_key", Reason: "no cutover in progress to resume"}
	}

	var pre routing.Directive
	if state.PreCutoverDirective != "" {
		if err := json.Unmarshal([]byte(state.PreCutoverDirective), &pre); err != nil {
			return fmt.Errorf("decode pre-cutover directive: %w", err)
		}
	} else {
		pre = routing.DefaultDirective()
	}

	o.mu.Lock()
	o.preDirective = pre
	o.metrics = api.CutoverMetrics{
		RunID:           state.RunID,
		Phase:           api.CutoverPhase(state.Phase),
		PhaseEnteredAt:  state.PhaseEnteredAt,
		HealthPassRatio: 1,
	}
	o.mu.Unlock()

	if forceRollback {
		return o.rollback(ctx, fmt.Errorf("operator forced rollback on resume from phase %s", state.Phase))
	}
	o.logger.Info("resuming cutover from durable phase",
		zap.String("run_id", state.RunID),
		zap.String("phase", state.Phase))
	return o.runFrom(ctx, api.CutoverPhase(state.Phase))
}

// ForceRollback rolls the cutover back on operator request. While the phase
// loop is running the request is raised as a signal and the loop itself
// performs the rollback; only an idle orchestrator rolls back inline.
func (o *Orchestrator) ForceRollback(ctx context.Context) error {
	o.mu.Lock()
	running := o.running
	o.mu.Unlock()
	if running {
		o.raise("operator", errors.New("operator requested rollback"))
		return nil
	}
	return o.rollback(ctx, errors.New("operator requested rollback"))
}

func (o *Orchestrator) runFrom(ctx context.Context, phase api.CutoverPhase) error {
	o.mu.Lock()
	o.running = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.running = false
		o.mu.Unlock()
	}()

	o.startMonitors(ctx)
	defer o.stopMonitors()

	retried := map[api.CutoverPhase]bool{}
	for {
		if sig, ok := o.pendingSignal(); ok {
			return o.rollback(ctx, fmt.Errorf("%s: %w", sig.reason, sig.err))
		}
		if ctx.Err() != nil {
			return o.rollback(ctx, ctx.Err())
		}

		var (
			out      outcome
			phaseErr error
		)
		switch phase {
		case api.CutoverPhasePreparation:
			out, phaseErr = o.runPreparation(ctx)
		case api.CutoverPhaseDualWrite:
			out, phaseErr = o.runDualWrite(ctx)
		case api.CutoverPhaseTrafficShifting:
			out, phaseErr = o.runTrafficShift(ctx)
		case api.CutoverPhaseVerification:
			out, phaseErr = o.runVerification(ctx)
		case api.CutoverPhaseComplete:
			return o.runComplete(ctx)
		default:
			return fmt.Errorf("cannot run from phase %s", phase)
		}

		switch out {
		case outcomeAdvance:
			phase = phase.Next()
			if err := o.transitionTo(ctx, phase); err != nil {
				return o.rollback(ctx, err)
			}
		case outcomeRetry:
			if retried[phase] {
				return o.rollback(ctx, fmt.Errorf("phase %s failed after retry: %w", phase, phaseErr))
			}
			retried[phase] = true
			o.logger.Warn("retrying phase once",
				zap.String("phase", string(phase)),
				zap.Error(phaseErr))
		case outcomeRollback:
			return o.rollback(ctx, phaseErr)
		}
	}
}

func (o *Orchestrator) runPreparation(ctx context.Context) (outcome, error) {
	run, err := o.p.State.LatestSucceededMigrationRun(o.p.PairKey)
	if err != nil {
		return outcomeRetry, fmt.Errorf("look up bulk migration run: %w", err)
	}
	if run == nil {
		return outcomeRollback, errors.New("no successful bulk migration recorded for this pair")
	}
	if run.FailedRecords > 0 || run.MigratedRecords < run.TotalRecords {
		return outcomeRollback, fmt.Errorf("bulk migration incomplete: %d/%d records migrated, %d failed",
			run.MigratedRecords, run.TotalRecords, run.FailedRecords)
	}

	// Catch-up pass for writes landed since the bulk copy.
	if o.p.CatchUpSync != nil {
		if err := o.p.CatchUpSync(ctx); err != nil {
			return outcomeRetry, fmt.Errorf("incremental catch-up sync: %w", err)
		}
	}
	o.logger.Info("preparation complete",
		zap.String("bulk_run_id", run.RunID),
		zap.Int64("bulk_records", run.MigratedRecords))
	return outcomeAdvance, nil
}

func (o *Orchestrator) runDualWrite(ctx context.Context) (outcome, error) {
	if err := o.p.Dual.Enable(ctx); err != nil {
		return outcomeRetry, fmt.Errorf("enable dual-write: %w", err)
	}

	// Parity must hold for the whole stability window. No partial dual-write
	// state is acceptable: the first mismatch rolls back.
	for i := 0; i < o.p.ParityChecks; i++ {
		ok, detail, err := o.p.Dual.CheckParity(ctx)
		if err != nil {
			return outcomeRollback, fmt.Errorf("parity check: %w", err)
		}
		if !ok {
			return outcomeRollback, fmt.Errorf("dual-write parity mismatch: %s", detail)
		}
		if i < o.p.ParityChecks-1 {
			select {
			case <-ctx.Done():
				return outcomeRollback, ctx.Err()
			case <-time.After(o.p.VerificationInterval):
			}
		}
	}
	return outcomeAdvance, nil
}

func (o *Orchestrator) runTrafficShift(ctx context.Context) (outcome, error) {
	for _, pct := range o.p.Shift.Ladder() {
		if pct <= o.p.Shift.CurrentPercentage() {
			continue
		}
		if sig, ok := o.pendingSignal(); ok {
			return outcomeRollback, fmt.Errorf("%s: %w", sig.reason, sig.err)
		}

		err := o.p.Shift.AdvanceTo(ctx, pct)
		if err != nil {
			var healthErr *api.HealthCheckError
			var rateErr *api.ErrorRateExceededError
			if errors.As(err, &healthErr) || errors.As(err, &rateErr) {
				return outcomeRollback, fmt.Errorf("traffic step %d: %w", pct, err)
			}
			// Transient failures get one in-place retry of the same step.
			o.logger.Warn("traffic step failed, retrying step once",
				zap.Int("percentage", pct), zap.Error(err))
			if err := o.p.Shift.AdvanceTo(ctx, pct); err != nil {
				return outcomeRollback, fmt.Errorf("traffic step %d after retry: %w", pct, err)
			}
		}

		o.updateMetrics(func(m *api.CutoverMetrics) {
			m.TrafficPercentage = pct
		})
		o.logger.Info("traffic step stabilized", zap.Int("percentage", pct))
	}
	return outcomeAdvance, nil
}

func (o *Orchestrator) runVerification(ctx context.Context) (outcome, error) {
	score, discrepancies, err := o.p.Verify(ctx)
	if err != nil {
		return outcomeRetry, fmt.Errorf("final verification: %w", err)
	}
	o.updateMetrics(func(m *api.CutoverMetrics) {
		m.ConsistencyScore = score
	})
	if score < o.p.FinalGate {
		return outcomeRollback, &api.DataIntegrityError{Score: score, Floor: o.p.FinalGate}
	}
	if len(discrepancies) > 0 {
		o.logger.Warn("final verification passed gate with discrepancies",
			zap.Float64("score", score),
			zap.Int("discrepancies", len(discrepancies)))
	}

	if o.p.Smoke != nil {
		if err := o.p.Smoke(ctx); err != nil {
			return outcomeRollback, fmt.Errorf("smoke checks against target: %w", err)
		}
	}
	return outcomeAdvance, nil
}

func (o *Orchestrator) runComplete(ctx context.Context) error {
	if err := o.p.Dual.Disable(ctx, routing.WriteTargetTarget); err != nil {
		return o.rollback(ctx, fmt.Errorf("hand authority to target: %w", err))
	}

	if o.p.Archive != nil {
		if err := o.p.Archive(ctx); err != nil {
			// Traffic is already committed to the target; a failed archive is
			// an operator problem, not a rollback trigger.
			o.logger.Error("failed to archive source stores", zap.Error(err))
			o.notify(ctx, api.EventLevelWarning, fmt.Sprintf("source archive failed: %v", err))
		}
	}

	o.updateMetrics(func(m *api.CutoverMetrics) {
		m.Phase = api.CutoverPhaseComplete
		m.PhaseEnteredAt = time.Now()
	})
	if err := o.persistState(true); err != nil {
		return fmt.Errorf("persist completion: %w", err)
	}
	PhaseTransitionsCount.WithLabelValues(string(api.CutoverPhaseComplete)).Inc()
	o.notifyTransition(ctx, api.EventLevelInfo, "cutover complete, target store is authoritative")
	o.logger.Info("cutover complete", zap.String("run_id", o.Status().RunID))
	return nil
}

// rollback restores the pre-cutover routing state under a hard timeout.
// Failure here is never retried into another rollback attempt; it escalates
// as a critical alert.
func (o *Orchestrator) rollback(ctx context.Context, cause error) error {
	fromPhase := o.currentPhase()
	RollbacksCount.Inc()
	o.logger.Error("rolling back cutover", zap.Error(cause))
	o.notify(ctx, api.EventLevelCritical, fmt.Sprintf("rolling back: %v", cause))

	o.updateMetrics(func(m *api.CutoverMetrics) {
		m.Phase = api.CutoverPhaseRolledBack
		m.PhaseEnteredAt = time.Now()
		m.TrafficPercentage = 0
		m.Errors = append(m.Errors, cause.Error())
	})
	if err := o.persistState(false); err != nil {
		o.logger.Error("failed to persist rollback phase", zap.Error(err))
	}
	PhaseTransitionsCount.WithLabelValues(string(api.CutoverPhaseRolledBack)).Inc()

	// Rollback runs on its own context: the cause may be the parent context
	// itself, and rollback must still execute, bounded by its own timeout.
	rctx, cancel := context.WithTimeout(context.Background(), o.p.RollbackTimeout)
	defer cancel()

	err := o.executeRollback(rctx)
	if err == nil && rctx.Err() != nil {
		err = rctx.Err()
	}
	if err != nil {
		rbErr := &api.RollbackError{Phase: fromPhase, Err: err}
		o.notify(ctx, api.EventLevelCritical, fmt.Sprintf("ROLLBACK FAILED, manual intervention required: %v", rbErr))
		o.logger.Error("rollback failed", zap.Error(rbErr))
		if persistErr := o.persistState(true); persistErr != nil {
			o.logger.Error("failed to persist rollback failure", zap.Error(persistErr))
		}
		return rbErr
	}

	if err := o.persistState(true); err != nil {
		o.logger.Error("failed to persist rollback completion", zap.Error(err))
	}
	o.notify(ctx, api.EventLevelCritical, "rollback complete, source store restored as sole authority")
	return fmt.Errorf("cutover rolled back: %w", cause)
}

func (o *Orchestrator) executeRollback(rctx context.Context) error {
	if err := o.p.Shift.Revert(rctx); err != nil {
		return fmt.Errorf("revert traffic: %w", err)
	}
	if err := o.p.Dual.Disable(rctx, routing.WriteTargetSource); err != nil {
		return fmt.Errorf("disable dual-write: %w", err)
	}

	o.mu.Lock()
	pre := o.preDirective
	o.mu.Unlock()
	if err := o.p.Routing.Publish(rctx, pre); err != nil {
		return fmt.Errorf("restore pre-cutover directive: %w", err)
	}
	return nil
}

// transitionTo persists the new phase before any of its actions run, so a
// restarted process can trust the durable record.
func (o *Orchestrator) transitionTo(ctx context.Context, phase api.CutoverPhase) error {
	o.updateMetrics(func(m *api.CutoverMetrics) {
		m.Phase = phase
		m.PhaseEnteredAt = time.Now()
	})
	if err := o.persistState(false); err != nil {
		return fmt.Errorf("persist phase %s: %w", phase, err)
	}
	PhaseTransitionsCount.WithLabelValues(string(phase)).Inc()
	o.notifyTransition(ctx, api.EventLevelInfo, "entered phase "+string(phase))
	o.logger.Info("phase transition", zap.String("phase", string(phase)))
	return nil
}

func (o *Orchestrator) persistState(terminal bool) error {
	record, err := o.stateRecord(terminal)
	if err != nil {
		return err
	}
	return o.p.State.SaveCutoverState(record)
}

func (o *Orchestrator) stateRecord(terminal bool) (*model.CutoverState, error) {
	o.mu.Lock()
	snapshot := cloneMetrics(o.metrics)
	pre := o.preDirective
	o.mu.Unlock()

	metricsJSON, err := json.Marshal(snapshot)
	if err != nil {
		return nil, err
	}
	preJSON, err := json.Marshal(pre)
	if err != nil {
		return nil, err
	}
	return &model.CutoverState{
		PairKey:             o.p.PairKey,
		RunID:               snapshot.RunID,
		Phase:               string(snapshot.Phase),
		PhaseEnteredAt:      snapshot.PhaseEnteredAt,
		Terminal:            terminal,
		MetricsSnapshot:     string(metricsJSON),
		PreCutoverDirective: string(preJSON),
	}, nil
}

func (o *Orchestrator) updateMetrics(mutate func(m *api.CutoverMetrics)) {
	o.mu.Lock()
	mutate(&o.metrics)
	o.mu.Unlock()
}

func (o *Orchestrator) currentPhase() api.CutoverPhase {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.metrics.Phase
}

func (o *Orchestrator) pendingSignal() (signal, bool) {
	select {
	case sig := <-o.signals:
		return sig, true
	default:
		return signal{}, false
	}
}

func (o *Orchestrator) raise(reason string, err error) {
	select {
	case o.signals <- signal{reason: reason, err: err}:
	default:
	}
}

func (o *Orchestrator) notifyTransition(ctx context.Context, level api.EventLevel, message string) {
	o.notify(ctx, level, message)
}

func (o *Orchestrator) notify(ctx context.Context, level api.EventLevel, message string) {
	if o.p.Notify == nil {
		return
	}
	status := o.Status()
	o.p.Notify.Send(ctx, api.Event{
		Timestamp:         time.Now(),
		Level:             level,
		Message:           message,
		Phase:             status.Phase,
		TrafficPercentage: status.TrafficPercentage,
	})
}

func cloneMetrics(m api.CutoverMetrics) api.CutoverMetrics {
	out := m
	out.SourceLatencyMs = append([]float64(nil), m.SourceLatencyMs...)
	out.TargetLatencyMs = append([]float64(nil), m.TargetLatencyMs...)
	out.Errors = append([]string(nil), m.Errors...)
	return out
}
