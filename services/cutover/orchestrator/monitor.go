package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/caseflow-io/caseflow-engine/services/cutover/api"
	"go.uber.org/zap"
)

const latencySampleCap = 20

// RateTracker keeps a rolling window of probe outcomes and reports the
// failure rate as a percentage.
type RateTracker struct {
	mu      sync.Mutex
	window  []bool
	next    int
	filled  bool
	maxSize int
}

func NewRateTracker(windowSize int) *RateTracker {
	if windowSize < 1 {
		windowSize = 1
	}
	return &RateTracker{
		window:  make([]bool, windowSize),
		maxSize: windowSize,
	}
}

func (t *RateTracker) Observe(failed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.window[t.next] = failed
	t.next++
	if t.next == t.maxSize {
		t.next = 0
		t.filled = true
	}
}

func (t *RateTracker) Rate() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	size := t.maxSize
	if !t.filled {
		size = t.next
	}
	if size == 0 {
		return 0
	}
	failures := 0
	for i := 0; i < size; i++ {
		if t.window[i] {
			failures++
		}
	}
	return 100 * float64(failures) / float64(size)
}

// startMonitors launches the supervised background loops: health polling,
// performance sampling and continuous integrity verification. They update
// the shared metrics and raise rollback signals; they never mutate the phase
// themselves.
func (o *Orchestrator) startMonitors(ctx context.Context) {
	mctx, cancel := context.WithCancel(ctx)
	o.cancelMonitor = cancel

	o.monitorWG.Add(3)
	go o.healthLoop(mctx)
	go o.performanceLoop(mctx)
	go o.verificationLoop(mctx)
}

// stopMonitors cancels and joins every monitor so no loop outlives the
// cutover.
func (o *Orchestrator) stopMonitors() {
	if o.cancelMonitor != nil {
		o.cancelMonitor()
	}
	o.monitorWG.Wait()
}

func (o *Orchestrator) healthLoop(ctx context.Context) {
	defer o.monitorWG.Done()
	ticker := time.NewTicker(o.p.VerificationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if o.p.Health == nil {
			continue
		}
		ratio, failed := o.p.Health.CheckAll(ctx)
		o.updateMetrics(func(m *api.CutoverMetrics) {
			m.HealthPassRatio = ratio
		})
		if ratio < 1 && o.currentPhase() == api.CutoverPhaseTrafficShifting {
			o.raise("health monitor", &api.HealthCheckError{Failed: failed})
		}
	}
}

func (o *Orchestrator) performanceLoop(ctx context.Context) {
	defer o.monitorWG.Done()
	ticker := time.NewTicker(o.p.VerificationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if o.p.Latency == nil {
			continue
		}
		srcMs, tgtMs, err := o.p.Latency(ctx)
		o.rates.Observe(err != nil)
		o.updateMetrics(func(m *api.CutoverMetrics) {
			m.ErrorRate = o.rates.Rate()
			if err == nil {
				m.SourceLatencyMs = appendSample(m.SourceLatencyMs, srcMs)
				m.TargetLatencyMs = appendSample(m.TargetLatencyMs, tgtMs)
			}
		})
		if err != nil {
			o.logger.Warn("latency probe failed", zap.Error(err))
		}
	}
}

func (o *Orchestrator) verificationLoop(ctx context.Context) {
	defer o.monitorWG.Done()
	ticker := time.NewTicker(o.p.VerificationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if o.p.Verify == nil {
			continue
		}
		score, discrepancies, err := o.p.Verify(ctx)
		if err != nil {
			o.logger.Warn("continuous verification run failed", zap.Error(err))
			continue
		}
		o.updateMetrics(func(m *api.CutoverMetrics) {
			m.ConsistencyScore = score
		})
		if score < o.p.ConsistencyFloor && !o.currentPhase().IsTerminal() {
			o.logger.Error("continuous verification below floor",
				zap.Float64("score", score),
				zap.Int("discrepancies", len(discrepancies)))
			o.raise("continuous verification", &api.DataIntegrityError{Score: score, Floor: o.p.ConsistencyFloor})
		}
	}
}

func appendSample(samples []float64, v float64) []float64 {
	samples = append(samples, v)
	if len(samples) > latencySampleCap {
		samples = samples[len(samples)-latencySampleCap:]
	}
	return samples
}
