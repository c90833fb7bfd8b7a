package shift

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/caseflow-io/caseflow-engine/services/cutover/api"
	"github.com/caseflow-io/caseflow-engine/services/cutover/routing"
	"go.uber.org/zap"
)

// HealthChecker reports the pass ratio of the configured health endpoints.
type HealthChecker interface {
	CheckAll(ctx context.Context) (float64, []string)
}

// Controller walks read traffic up the configured percentage ladder, holding
// each step for a stabilization window while watching health and error-rate
// signals. It never decides to roll the whole cutover back itself; on a
// violation it restores the previous step and reports the failure to the
// caller.
type Controller struct {
	logger         *zap.Logger
	store          routing.Store
	health         HealthChecker
	errorRate      func() float64
	ladder         []int
	stepWindow     time.Duration
	sampleInterval time.Duration
	errorThreshold float64

	mu      sync.Mutex
	current int
}

type Params struct {
	Logger         *zap.Logger
	Store          routing.Store
	Health         HealthChecker
	ErrorRate      func() float64
	Ladder         []int
	StepWindow     time.Duration
	SampleInterval time.Duration
	ErrorThreshold float64
}

func New(p Params) *Controller {
	if p.SampleInterval <= 0 {
		p.SampleInterval = 30 * time.Second
	}
	if p.ErrorThreshold <= 0 {
		p.ErrorThreshold = 1
	}
	if p.ErrorRate == nil {
		p.ErrorRate = func() float64 { return 0 }
	}
	return &Controller{
		logger:         p.Logger,
		store:          p.Store,
		health:         p.Health,
		errorRate:      p.ErrorRate,
		ladder:         p.Ladder,
		stepWindow:     p.StepWindow,
		sampleInterval: p.SampleInterval,
		errorThreshold: p.ErrorThreshold,
	}
}

func (c *Controller) Ladder() []int {
	out := make([]int, len(c.ladder))
	copy(out, c.ladder)
	return out
}

func (c *Controller) CurrentPercentage() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// AdvanceTo publishes the new read split and holds it for the stabilization
// window. On a health or error-rate violation the previous percentage is
// restored and the violation is returned; the caller decides whether to
// retry the step or roll back entirely.
func (c *Controller) AdvanceTo(ctx context.Context, percentage int) error {
	if !c.onLadder(percentage) {
		return &api.ValidationError{Field: "percentage", Reason: fmt.Sprintf("%d is not a ladder step", percentage)}
	}

	c.mu.Lock()
	previous := c.current
	c.mu.Unlock()
	if percentage <= previous {
		return &api.ValidationError{Field: "percentage", Reason: fmt.Sprintf("%d does not advance past %d", percentage, previous)}
	}

	if err := c.publish(ctx, percentage); err != nil {
		return err
	}
	c.logger.Info("traffic step published, stabilizing",
		zap.Int("percentage", percentage),
		zap.Duration("window", c.stepWindow))

	if err := c.stabilize(ctx); err != nil {
		if revertErr := c.publish(ctx, previous); revertErr != nil {
			c.logger.Error("failed to restore previous traffic step",
				zap.Int("previous", previous),
				zap.Error(revertErr))
		}
		return err
	}

	c.mu.Lock()
	c.current = percentage
	c.mu.Unlock()
	return nil
}

// Revert immediately republishes percentage zero and clears the step
// bookkeeping. Only the orchestrator's rollback path calls this.
func (c *Controller) Revert(ctx context.Context) error {
	if err := c.publish(ctx, 0); err != nil {
		return err
	}
	c.mu.Lock()
	c.current = 0
	c.mu.Unlock()
	c.logger.Info("traffic shift reverted to zero")
	return nil
}

func (c *Controller) stabilize(ctx context.Context) error {
	deadline := time.NewTimer(c.stepWindow)
	defer deadline.Stop()
	ticker := time.NewTicker(c.sampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// A timed-out wait feeds the same failure path as an explicit
			// health violation.
			return &api.HealthCheckError{Failed: []string{"stabilization window cancelled: " + ctx.Err().Error()}}
		case <-ticker.C:
			if err := c.sample(ctx); err != nil {
				return err
			}
		case <-deadline.C:
			return c.sample(ctx)
		}
	}
}

func (c *Controller) sample(ctx context.Context) error {
	ratio, failed := c.health.CheckAll(ctx)
	if ratio < 1 {
		return &api.HealthCheckError{Failed: failed}
	}
	if rate := c.errorRate(); rate > c.errorThreshold {
		return &api.ErrorRateExceededError{Rate: rate, Threshold: c.errorThreshold}
	}
	return nil
}

func (c *Controller) publish(ctx context.Context, percentage int) error {
	d, err := c.store.Get(ctx)
	if err != nil {
		return fmt.Errorf("read directive: %w", err)
	}
	d.ReadSplitPercentage = percentage
	if err := c.store.Publish(ctx, d); err != nil {
		return fmt.Errorf("publish traffic step %d: %w", percentage, err)
	}
	return nil
}

func (c *Controller) onLadder(percentage int) bool {
	for _, p := range c.ladder {
		if p == percentage {
			return true
		}
	}
	return false
}
