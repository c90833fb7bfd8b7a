package bulk

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/caseflow-io/caseflow-engine/internal/sqlite"
	"github.com/caseflow-io/caseflow-engine/services/cutover/api"
	"github.com/caseflow-io/caseflow-engine/services/cutover/db/model"
	syncpkg "github.com/caseflow-io/caseflow-engine/services/cutover/sync"
	"github.com/caseflow-io/caseflow-engine/services/cutover/verify"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type memoryRunStore struct {
	mu   sync.Mutex
	runs []*model.MigrationRun
}

func (s *memoryRunStore) CreateMigrationRun(run *model.MigrationRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = append(s.runs, run)
	return nil
}

func (s *memoryRunStore) UpdateMigrationRun(run *model.MigrationRun) error {
	return nil
}

func openMemoryDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sqlite.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func seedTable(t *testing.T, db *sql.DB, table string, rows int) {
	t.Helper()
	_, err := db.Exec(fmt.Sprintf(`CREATE TABLE %s (id INTEGER PRIMARY KEY, payload TEXT)`, table))
	require.NoError(t, err)
	for i := 1; i <= rows; i++ {
		_, err := db.Exec(fmt.Sprintf(`INSERT INTO %s (id, payload) VALUES (?, ?)`, table), i, fmt.Sprintf("%s-%d", table, i))
		require.NoError(t, err)
	}
}

func newTestMigrator(t *testing.T, sources []SourceHandle, target *sql.DB, runs RunStore) *Migrator {
	t.Helper()
	logger := zap.NewNop()
	return New(Params{
		Logger:           logger,
		Sources:          sources,
		Target:           target,
		Synchronizer:     syncpkg.NewSynchronizer(logger, 25, nil, syncpkg.DialectSQLite),
		Verifier:         verify.NewVerifier(logger, 10, syncpkg.DialectSQLite),
		Runs:             runs,
		PairKey:          "test-pair",
		ParallelWorkers:  3,
		VerifyAfter:      true,
		ConsistencyFloor: 95,
	})
}

func TestMigrateAllThreeTables(t *testing.T) {
	source := openMemoryDB(t)
	target := openMemoryDB(t)
	seedTable(t, source, "users", 100)
	seedTable(t, source, "documents", 200)
	seedTable(t, source, "sessions", 50)

	runs := &memoryRunStore{}
	m := newTestMigrator(t, []SourceHandle{{Name: "main", DB: source}}, target, runs)

	stats, err := m.MigrateAll(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(350), stats.TotalRecords)
	require.Equal(t, int64(350), stats.MigratedRecords)
	require.Equal(t, int64(0), stats.FailedRecords)
	require.Equal(t, float64(100), stats.ConsistencyScore)
	require.Equal(t, 1, stats.VerificationsPassed)
	require.NotNil(t, stats.FinishedAt)
	require.Len(t, runs.runs, 1)
}

func TestMigrateAllIsIdempotent(t *testing.T) {
	source := openMemoryDB(t)
	target := openMemoryDB(t)
	seedTable(t, source, "users", 40)

	m := newTestMigrator(t, []SourceHandle{{Name: "main", DB: source}}, target, nil)

	first, err := m.MigrateAll(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(40), first.MigratedRecords)

	second, err := m.MigrateAll(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(40), second.TotalRecords)
	require.Equal(t, int64(40), second.MigratedRecords)
	require.Equal(t, int64(0), second.FailedRecords)

	var count int64
	require.NoError(t, target.QueryRow(`SELECT COUNT(*) FROM users`).Scan(&count))
	require.Equal(t, int64(40), count)
}

func TestMigrateAllMultipleSources(t *testing.T) {
	sourceA := openMemoryDB(t)
	sourceB := openMemoryDB(t)
	target := openMemoryDB(t)
	seedTable(t, sourceA, "users", 10)
	seedTable(t, sourceB, "audit_entries", 20)

	m := newTestMigrator(t, []SourceHandle{
		{Name: "app", DB: sourceA},
		{Name: "audit", DB: sourceB},
	}, target, nil)

	stats, err := m.MigrateAll(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(30), stats.TotalRecords)
	require.Equal(t, int64(30), stats.MigratedRecords)
}

func TestMigrateAllPrePopulatedTargetDoesNotInflateStats(t *testing.T) {
	source := openMemoryDB(t)
	target := openMemoryDB(t)
	seedTable(t, source, "users", 10)

	// Rows already in the target are not part of this migration and must not
	// be counted as migrated.
	_, err := target.Exec(`CREATE TABLE users (id INTEGER PRIMARY KEY, payload TEXT)`)
	require.NoError(t, err)
	for i := 100; i < 105; i++ {
		_, err := target.Exec(`INSERT INTO users (id, payload) VALUES (?, ?)`, i, "pre-existing")
		require.NoError(t, err)
	}

	logger := zap.NewNop()
	m := New(Params{
		Logger:          logger,
		Sources:         []SourceHandle{{Name: "main", DB: source}},
		Target:          target,
		Synchronizer:    syncpkg.NewSynchronizer(logger, 25, nil, syncpkg.DialectSQLite),
		Verifier:        verify.NewVerifier(logger, 10, syncpkg.DialectSQLite),
		PairKey:         "test-pair",
		ParallelWorkers: 2,
	})

	stats, err := m.MigrateAll(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(10), stats.TotalRecords)
	require.Equal(t, int64(10), stats.MigratedRecords)
	require.Equal(t, int64(0), stats.FailedRecords)
	require.LessOrEqual(t, stats.MigratedRecords+stats.FailedRecords, stats.TotalRecords)
}

func TestMigrateAllRejectsDuplicateTableNames(t *testing.T) {
	sourceA := openMemoryDB(t)
	sourceB := openMemoryDB(t)
	target := openMemoryDB(t)
	seedTable(t, sourceA, "users", 10)
	seedTable(t, sourceB, "users", 10)

	m := newTestMigrator(t, []SourceHandle{
		{Name: "app", DB: sourceA},
		{Name: "legacy", DB: sourceB},
	}, target, nil)

	_, err := m.MigrateAll(context.Background())
	require.Error(t, err)
	var valErr *api.ValidationError
	require.True(t, errors.As(err, &valErr))
	require.Contains(t, valErr.Reason, "users")

	// Nothing was copied: the collision is rejected before any sync starts.
	var count int64
	require.Error(t, target.QueryRow(`SELECT COUNT(*) FROM users`).Scan(&count))
}

func TestMigrateAllBacksUpFileSources(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "main.db")
	source, err := sqlite.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { source.Close() })
	seedTable(t, source, "users", 10)
	target := openMemoryDB(t)

	logger := zap.NewNop()
	m := New(Params{
		Logger:          logger,
		Sources:         []SourceHandle{{Name: "main", Path: path, DB: source}},
		Target:          target,
		Synchronizer:    syncpkg.NewSynchronizer(logger, 25, nil, syncpkg.DialectSQLite),
		Verifier:        verify.NewVerifier(logger, 10, syncpkg.DialectSQLite),
		PairKey:         "test-pair",
		ParallelWorkers: 1,
		BackupBefore:    true,
	})

	stats, err := m.MigrateAll(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(10), stats.MigratedRecords)

	backups, err := filepath.Glob(path + ".backup-*")
	require.NoError(t, err)
	require.Len(t, backups, 1)
}

func TestMigrateAllUnreachableSource(t *testing.T) {
	dead, err := sqlite.OpenMemory()
	require.NoError(t, err)
	require.NoError(t, dead.Close())
	target := openMemoryDB(t)

	m := newTestMigrator(t, []SourceHandle{{Name: "dead", DB: dead}}, target, nil)

	_, err = m.MigrateAll(context.Background())
	require.Error(t, err)

	var migErr *api.MigrationError
	require.True(t, errors.As(err, &migErr))
	var connErr *api.ConnectivityError
	require.True(t, errors.As(err, &connErr))
	require.Equal(t, "dead", connErr.Store)
}

func TestMigrateAllVerificationBelowFloorFails(t *testing.T) {
	source := openMemoryDB(t)
	target := openMemoryDB(t)
	seedTable(t, source, "users", 10)

	// Pre-create the target table with a conflicting row so the copy cannot
	// reach parity: id 1 is taken by different content and upserts never
	// overwrite.
	_, err := target.Exec(`CREATE TABLE users (id INTEGER PRIMARY KEY, payload TEXT)`)
	require.NoError(t, err)
	_, err = target.Exec(`INSERT INTO users (id, payload) VALUES (1, 'poisoned')`)
	require.NoError(t, err)

	m := newTestMigrator(t, []SourceHandle{{Name: "main", DB: source}}, target, nil)

	_, err = m.MigrateAll(context.Background())
	require.Error(t, err)
	var intErr *api.DataIntegrityError
	require.True(t, errors.As(err, &intErr))
	require.Less(t, intErr.Score, float64(95))
}
