package verify

import (
	"context"
	"database/sql"
	"fmt"
	"testing"

	"github.com/caseflow-io/caseflow-engine/internal/sqlite"
	"github.com/caseflow-io/caseflow-engine/services/cutover/sync"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func openMemoryDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sqlite.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func seedMirrored(t *testing.T, source, target *sql.DB, table string, rows int) {
	t.Helper()
	stmt := fmt.Sprintf(`CREATE TABLE %s (id INTEGER PRIMARY KEY, name TEXT)`, table)
	for _, db := range []*sql.DB{source, target} {
		_, err := db.Exec(stmt)
		require.NoError(t, err)
		for i := 1; i <= rows; i++ {
			_, err := db.Exec(fmt.Sprintf(`INSERT INTO %s (id, name) VALUES (?, ?)`, table), i, fmt.Sprintf("row-%d", i))
			require.NoError(t, err)
		}
	}
}

func newTestVerifier() *Verifier {
	return NewVerifier(zap.NewNop(), 10, sync.DialectSQLite)
}

func TestVerifyConsistentStores(t *testing.T) {
	source := openMemoryDB(t)
	target := openMemoryDB(t)
	seedMirrored(t, source, target, "users", 50)
	seedMirrored(t, source, target, "documents", 20)

	score, discrepancies, err := newTestVerifier().Verify(context.Background(),
		map[string]*sql.DB{"main": source}, target)
	require.NoError(t, err)
	require.Equal(t, float64(100), score)
	require.Empty(t, discrepancies)
}

func TestVerifyCountMismatchIsFullMiss(t *testing.T) {
	source := openMemoryDB(t)
	target := openMemoryDB(t)
	seedMirrored(t, source, target, "users", 10)
	_, err := target.Exec(`DELETE FROM users WHERE id = 10`)
	require.NoError(t, err)

	score, discrepancies, err := newTestVerifier().Verify(context.Background(),
		map[string]*sql.DB{"main": source}, target)
	require.NoError(t, err)
	require.Equal(t, float64(0), score)
	require.Len(t, discrepancies, 1)
	require.Equal(t, int64(10), discrepancies[0].SourceRowCount)
	require.Equal(t, int64(9), discrepancies[0].TargetRowCount)
}

func TestVerifyContentDrift(t *testing.T) {
	source := openMemoryDB(t)
	target := openMemoryDB(t)
	seedMirrored(t, source, target, "users", 10)
	seedMirrored(t, source, target, "documents", 10)
	_, err := target.Exec(`UPDATE users SET name = 'tampered' WHERE id = 5`)
	require.NoError(t, err)

	score, discrepancies, err := newTestVerifier().Verify(context.Background(),
		map[string]*sql.DB{"main": source}, target)
	require.NoError(t, err)
	require.Equal(t, float64(50), score)
	require.Len(t, discrepancies, 1)
	require.Equal(t, "users", discrepancies[0].Table)
}

func TestVerifyUnreachableSourceIsNeverConsistent(t *testing.T) {
	source := openMemoryDB(t)
	target := openMemoryDB(t)
	seedMirrored(t, source, target, "users", 5)

	closed, err := sqlite.OpenMemory()
	require.NoError(t, err)
	require.NoError(t, closed.Close())

	score, discrepancies, err := newTestVerifier().Verify(context.Background(),
		map[string]*sql.DB{"main": source, "dead": closed}, target)
	require.NoError(t, err)
	require.Less(t, score, float64(100))
	require.NotEmpty(t, discrepancies)

	var foundDead bool
	for _, d := range discrepancies {
		if d.Database == "dead" {
			foundDead = true
			require.NotEmpty(t, d.Errors)
		}
	}
	require.True(t, foundDead)
}

func TestVerifyTableWithoutKeyFallsBackToFullDigest(t *testing.T) {
	source := openMemoryDB(t)
	target := openMemoryDB(t)
	for _, db := range []*sql.DB{source, target} {
		_, err := db.Exec(`CREATE TABLE notes (body TEXT)`)
		require.NoError(t, err)
		_, err = db.Exec(`INSERT INTO notes (body) VALUES ('a'), ('b')`)
		require.NoError(t, err)
	}

	score, discrepancies, err := newTestVerifier().Verify(context.Background(),
		map[string]*sql.DB{"main": source}, target)
	require.NoError(t, err)
	require.Equal(t, float64(100), score)
	require.Empty(t, discrepancies)

	_, err = target.Exec(`UPDATE notes SET body = 'c' WHERE body = 'b'`)
	require.NoError(t, err)
	score, _, err = newTestVerifier().Verify(context.Background(),
		map[string]*sql.DB{"main": source}, target)
	require.NoError(t, err)
	require.Equal(t, float64(0), score)
}
