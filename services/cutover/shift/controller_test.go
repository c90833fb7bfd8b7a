package shift

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/caseflow-io/caseflow-engine/services/cutover/api"
	"github.com/caseflow-io/caseflow-engine/services/cutover/routing"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeHealth struct {
	mu     sync.Mutex
	ratio  float64
	failed []string
}

func (f *fakeHealth) CheckAll(ctx context.Context) (float64, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ratio, f.failed
}

func (f *fakeHealth) set(ratio float64, failed []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ratio = ratio
	f.failed = failed
}

func newTestController(store routing.Store, health HealthChecker, errorRate func() float64) *Controller {
	return New(Params{
		Logger:         zap.NewNop(),
		Store:          store,
		Health:         health,
		ErrorRate:      errorRate,
		Ladder:         []int{10, 25, 50, 75, 90, 100},
		StepWindow:     20 * time.Millisecond,
		SampleInterval: 5 * time.Millisecond,
		ErrorThreshold: 1,
	})
}

func TestAdvanceToPublishesStep(t *testing.T) {
	store := routing.NewMemoryStore()
	c := newTestController(store, &fakeHealth{ratio: 1}, nil)

	require.NoError(t, c.AdvanceTo(context.Background(), 10))
	require.Equal(t, 10, c.CurrentPercentage())

	d, err := store.Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, 10, d.ReadSplitPercentage)

	require.NoError(t, c.AdvanceTo(context.Background(), 25))
	require.Equal(t, 25, c.CurrentPercentage())
}

func TestAdvanceToRejectsOffLadderPercentage(t *testing.T) {
	c := newTestController(routing.NewMemoryStore(), &fakeHealth{ratio: 1}, nil)

	err := c.AdvanceTo(context.Background(), 33)
	var valErr *api.ValidationError
	require.True(t, errors.As(err, &valErr))
	require.Equal(t, "percentage", valErr.Field)
}

func TestAdvanceToRejectsNonMonotonicStep(t *testing.T) {
	c := newTestController(routing.NewMemoryStore(), &fakeHealth{ratio: 1}, nil)
	require.NoError(t, c.AdvanceTo(context.Background(), 50))

	err := c.AdvanceTo(context.Background(), 25)
	var valErr *api.ValidationError
	require.True(t, errors.As(err, &valErr))
	require.Equal(t, 50, c.CurrentPercentage())
}

func TestAdvanceToRestoresPreviousStepOnHealthFailure(t *testing.T) {
	store := routing.NewMemoryStore()
	health := &fakeHealth{ratio: 1}
	c := newTestController(store, health, nil)

	require.NoError(t, c.AdvanceTo(context.Background(), 25))

	health.set(0.5, []string{"http://app/healthz"})
	err := c.AdvanceTo(context.Background(), 50)
	var healthErr *api.HealthCheckError
	require.True(t, errors.As(err, &healthErr))
	require.Contains(t, healthErr.Failed, "http://app/healthz")

	// The previous split is back in the coordination store and bookkeeping
	// still reports the last good step.
	require.Equal(t, 25, c.CurrentPercentage())
	d, getErr := store.Get(context.Background())
	require.NoError(t, getErr)
	require.Equal(t, 25, d.ReadSplitPercentage)
}

func TestAdvanceToFailsWhenErrorRateExceedsThreshold(t *testing.T) {
	store := routing.NewMemoryStore()
	c := newTestController(store, &fakeHealth{ratio: 1}, func() float64 { return 2.5 })

	err := c.AdvanceTo(context.Background(), 10)
	var rateErr *api.ErrorRateExceededError
	require.True(t, errors.As(err, &rateErr))
	require.Equal(t, 2.5, rateErr.Rate)
	require.Equal(t, 0, c.CurrentPercentage())

	d, getErr := store.Get(context.Background())
	require.NoError(t, getErr)
	require.Equal(t, 0, d.ReadSplitPercentage)
}

func TestAdvanceToCancelledContext(t *testing.T) {
	c := New(Params{
		Logger:         zap.NewNop(),
		Store:          routing.NewMemoryStore(),
		Health:         &fakeHealth{ratio: 1},
		Ladder:         []int{10},
		StepWindow:     time.Hour,
		SampleInterval: time.Hour,
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := c.AdvanceTo(ctx, 10)
	var healthErr *api.HealthCheckError
	require.True(t, errors.As(err, &healthErr))
}

func TestRevertPublishesZero(t *testing.T) {
	store := routing.NewMemoryStore()
	c := newTestController(store, &fakeHealth{ratio: 1}, nil)
	require.NoError(t, c.AdvanceTo(context.Background(), 50))

	require.NoError(t, c.Revert(context.Background()))
	require.Equal(t, 0, c.CurrentPercentage())

	d, err := store.Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, d.ReadSplitPercentage)
}

func TestLadderReturnsCopy(t *testing.T) {
	c := newTestController(routing.NewMemoryStore(), &fakeHealth{ratio: 1}, nil)
	ladder := c.Ladder()
	ladder[0] = 99
	require.Equal(t, []int{10, 25, 50, 75, 90, 100}, c.Ladder())
}
