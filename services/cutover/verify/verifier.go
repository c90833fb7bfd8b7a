package verify

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/caseflow-io/caseflow-engine/services/cutover/api"
	"github.com/caseflow-io/caseflow-engine/services/cutover/sync"
	"go.uber.org/zap"
)

const defaultSampleSize = 100

// Verifier compares row counts and sampled content digests between the
// source stores and the target. It is cheap enough to run on a fixed
// interval throughout a cutover.
type Verifier struct {
	logger        *zap.Logger
	sampleSize    int
	targetDialect sync.Dialect
}

func NewVerifier(logger *zap.Logger, sampleSize int, targetDialect sync.Dialect) *Verifier {
	if sampleSize <= 0 {
		sampleSize = defaultSampleSize
	}
	if targetDialect == "" {
		targetDialect = sync.DialectPostgres
	}
	return &Verifier{
		logger:        logger,
		sampleSize:    sampleSize,
		targetDialect: targetDialect,
	}
}

// Verify checks every table of every source database against the target and
// returns the consistency score (0-100) with the list of discrepancies. An
// unreachable store marks every affected table as a discrepancy; it is never
// interpreted as consistent.
func (v *Verifier) Verify(ctx context.Context, sources map[string]*sql.DB, target *sql.DB) (float64, []api.TableSyncResult, error) {
	var checked, matching int
	var discrepancies []api.TableSyncResult

	targetDown := target.PingContext(ctx) != nil

	for name, source := range sources {
		if err := source.PingContext(ctx); err != nil {
			// Table list is unknown when the source is down; report the
			// database itself as a discrepancy.
			checked++
			discrepancies = append(discrepancies, api.TableSyncResult{
				Database: name,
				Table:    "*",
				Errors:   []string{fmt.Sprintf("source unreachable: %v", err)},
			})
			continue
		}

		tables, err := sync.ListTables(ctx, source)
		if err != nil {
			checked++
			discrepancies = append(discrepancies, api.TableSyncResult{
				Database: name,
				Table:    "*",
				Errors:   []string{fmt.Sprintf("list tables: %v", err)},
			})
			continue
		}

		for _, table := range tables {
			checked++
			if targetDown {
				discrepancies = append(discrepancies, api.TableSyncResult{
					Database: name,
					Table:    table,
					Errors:   []string{"target unreachable"},
				})
				continue
			}
			result := v.verifyTable(ctx, source, target, name, table)
			if result.Matches() {
				matching++
			} else {
				discrepancies = append(discrepancies, result)
			}
		}
	}

	score := float64(100)
	if checked > 0 {
		score = 100 * float64(matching) / float64(checked)
	}
	v.logger.Info("verification run finished",
		zap.Int("tables_checked", checked),
		zap.Int("tables_matching", matching),
		zap.Float64("consistency_score", score))
	return score, discrepancies, nil
}

func (v *Verifier) verifyTable(ctx context.Context, source, target *sql.DB, database, table string) api.TableSyncResult {
	result := api.TableSyncResult{Database: database, Table: table}

	srcCount, err := scalarCount(ctx, source, table)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("count source: %v", err))
		return result
	}
	result.SourceRowCount = srcCount

	tgtCount, err := scalarCount(ctx, target, table)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("count target: %v", err))
		return result
	}
	result.TargetRowCount = tgtCount

	// A count mismatch is a full miss regardless of digests.
	if srcCount != tgtCount {
		return result
	}
	if srcCount == 0 {
		result.DigestMatch = true
		return result
	}

	match, err := v.sampleDigests(ctx, source, target, table)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("sample digests: %v", err))
		return result
	}
	result.DigestMatch = match
	return result
}

// sampleDigests draws a bounded random sample of rows from the source and
// compares their digests against the matching target rows.
func (v *Verifier) sampleDigests(ctx context.Context, source, target *sql.DB, table string) (bool, error) {
	pkCols, err := primaryKeyColumns(ctx, source, table)
	if err != nil {
		return false, err
	}
	if len(pkCols) == 0 {
		// Without a key there is no way to address individual rows on both
		// sides, so compare the whole-table digests instead.
		return compareFullDigests(ctx, source, target, table)
	}

	keys, err := v.samplePKs(ctx, source, table, pkCols)
	if err != nil {
		return false, err
	}

	for _, key := range keys {
		srcHash, srcOK, err := rowDigestByPK(ctx, source, table, pkCols, key, sync.DialectSQLite)
		if err != nil {
			return false, err
		}
		tgtHash, tgtOK, err := rowDigestByPK(ctx, target, table, pkCols, key, v.targetDialect)
		if err != nil {
			return false, err
		}
		if !srcOK || !tgtOK || srcHash != tgtHash {
			return false, nil
		}
	}
	return true, nil
}

func (v *Verifier) samplePKs(ctx context.Context, source *sql.DB, table string, pkCols []string) ([][]interface{}, error) {
	quoted := make([]string, len(pkCols))
	for i, c := range pkCols {
		quoted[i] = quoteIdent(c)
	}
	stmt := fmt.Sprintf("SELECT %s FROM %s ORDER BY RANDOM() LIMIT ?",
		strings.Join(quoted, ", "), quoteIdent(table))
	rows, err := source.QueryContext(ctx, stmt, v.sampleSize)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys [][]interface{}
	for rows.Next() {
		values := make([]interface{}, len(pkCols))
		ptrs := make([]interface{}, len(pkCols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		keys = append(keys, values)
	}
	return keys, rows.Err()
}

func rowDigestByPK(ctx context.Context, db *sql.DB, table string, pkCols []string, key []interface{}, dialect sync.Dialect) (string, bool, error) {
	conds := make([]string, len(pkCols))
	for i, c := range pkCols {
		conds[i] = quoteIdent(c) + " = " + dialect.Placeholder(i+1)
	}
	stmt := fmt.Sprintf("SELECT * FROM %s WHERE %s", quoteIdent(table), strings.Join(conds, " AND "))
	rows, err := db.QueryContext(ctx, stmt, key...)
	if err != nil {
		return "", false, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return "", false, err
	}
	if !rows.Next() {
		return "", false, rows.Err()
	}
	values := make([]interface{}, len(cols))
	ptrs := make([]interface{}, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return "", false, err
	}
	hash := sync.HashRow(values)
	return fmt.Sprintf("%x", hash[:]), true, nil
}

func compareFullDigests(ctx context.Context, source, target *sql.DB, table string) (bool, error) {
	srcSum, err := fullDigest(ctx, source, table)
	if err != nil {
		return false, err
	}
	tgtSum, err := fullDigest(ctx, target, table)
	if err != nil {
		return false, err
	}
	return srcSum == tgtSum, nil
}

func fullDigest(ctx context.Context, db *sql.DB, table string) (string, error) {
	rows, err := db.QueryContext(ctx, "SELECT * FROM "+quoteIdent(table))
	if err != nil {
		return "", err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return "", err
	}
	var digest sync.Digest
	for rows.Next() {
		values := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return "", err
		}
		digest.AddRow(values)
	}
	return digest.Sum(), rows.Err()
}

func primaryKeyColumns(ctx context.Context, source *sql.DB, table string) ([]string, error) {
	rows, err := source.QueryContext(ctx,
		"SELECT name FROM pragma_table_info(?) WHERE pk > 0 ORDER BY pk", table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		cols = append(cols, name)
	}
	return cols, rows.Err()
}

func scalarCount(ctx context.Context, db *sql.DB, table string) (int64, error) {
	var count int64
	err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+quoteIdent(table)).Scan(&count)
	return count, err
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
