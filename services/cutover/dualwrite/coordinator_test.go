package dualwrite

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/caseflow-io/caseflow-engine/internal/sqlite"
	"github.com/caseflow-io/caseflow-engine/services/cutover/db/model"
	"github.com/caseflow-io/caseflow-engine/services/cutover/routing"
	syncpkg "github.com/caseflow-io/caseflow-engine/services/cutover/sync"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type memoryParityLog struct {
	mu     sync.Mutex
	checks []*model.ParityCheck
}

func (l *memoryParityLog) AddParityCheck(check *model.ParityCheck) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.checks = append(l.checks, check)
	return nil
}

func openMemoryDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sqlite.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestCoordinator(t *testing.T, store routing.Store, source, target *sql.DB, log ParityLog) *Coordinator {
	t.Helper()
	return New(Params{
		Logger:        zap.NewNop(),
		Store:         store,
		Source:        source,
		Target:        target,
		TargetDialect: syncpkg.DialectSQLite,
		ParityLog:     log,
		RunID:         "run-1",
		Settle:        0,
	})
}

func TestEnablePublishesDualWrite(t *testing.T) {
	store := routing.NewMemoryStore()
	c := newTestCoordinator(t, store, openMemoryDB(t), openMemoryDB(t), nil)

	require.NoError(t, c.Enable(context.Background()))

	d, err := store.Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, routing.WriteTargetBoth, d.WriteTarget)
	require.True(t, d.CutoverInProgress)
	require.Equal(t, 0, d.ReadSplitPercentage)
}

func TestDisableRestoresAuthoritativeStore(t *testing.T) {
	store := routing.NewMemoryStore()
	c := newTestCoordinator(t, store, openMemoryDB(t), openMemoryDB(t), nil)
	require.NoError(t, c.Enable(context.Background()))

	require.NoError(t, c.Disable(context.Background(), routing.WriteTargetTarget))
	d, err := store.Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, routing.WriteTargetTarget, d.WriteTarget)
	require.Equal(t, 100, d.ReadSplitPercentage)
	require.False(t, d.CutoverInProgress)

	require.NoError(t, c.Disable(context.Background(), routing.WriteTargetSource))
	d, err = store.Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, routing.WriteTargetSource, d.WriteTarget)
	require.Equal(t, 0, d.ReadSplitPercentage)
}

func TestCheckParityBothStoresHealthy(t *testing.T) {
	log := &memoryParityLog{}
	c := newTestCoordinator(t, routing.NewMemoryStore(), openMemoryDB(t), openMemoryDB(t), log)

	ok, detail, err := c.CheckParity(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.Empty(t, detail)
	require.Len(t, log.checks, 1)
	require.True(t, log.checks[0].SourceOK)
	require.True(t, log.checks[0].TargetOK)
}

func TestCheckParityUnreachableTarget(t *testing.T) {
	dead, err := sqlite.OpenMemory()
	require.NoError(t, err)
	require.NoError(t, dead.Close())

	log := &memoryParityLog{}
	c := newTestCoordinator(t, routing.NewMemoryStore(), openMemoryDB(t), dead, log)

	ok, detail, err := c.CheckParity(context.Background())
	require.NoError(t, err)
	require.False(t, ok)
	require.Contains(t, detail, "target:")
	// The mismatch is retried once before being reported.
	require.Len(t, log.checks, 2)
	require.False(t, log.checks[0].TargetOK)
}

func TestEnableRespectsContextDuringSettle(t *testing.T) {
	c := New(Params{
		Logger:        zap.NewNop(),
		Store:         routing.NewMemoryStore(),
		Source:        openMemoryDB(t),
		Target:        openMemoryDB(t),
		TargetDialect: syncpkg.DialectSQLite,
		Settle:        time.Hour,
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := c.Enable(ctx)
	require.ErrorIs(t, err, context.Canceled)
}
