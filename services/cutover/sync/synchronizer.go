package sync

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/caseflow-io/caseflow-engine/services/cutover/api"
	"go.uber.org/zap"
)

type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// Placeholder returns the 1-based bind placeholder for the dialect.
func (d Dialect) Placeholder(i int) string {
	if d == DialectPostgres {
		return "$" + strconv.Itoa(i)
	}
	return "?"
}

const (
	defaultBatchSize  = 1000
	maxCopyAttempts   = 3
	retryBackoffStart = time.Second
)

type column struct {
	Name       string
	SourceType string
	TargetType string
	PKIndex    int
}

// Synchronizer copies one table at a time from a source store into the
// target store in batches, with declared type mapping and duplicate-ignoring
// inserts so re-runs are idempotent.
type Synchronizer struct {
	logger        *zap.Logger
	batchSize     int
	typeOverrides map[string]string
	targetDialect Dialect
}

func NewSynchronizer(logger *zap.Logger, batchSize int, typeOverrides map[string]string, targetDialect Dialect) *Synchronizer {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	if targetDialect == "" {
		targetDialect = DialectPostgres
	}
	return &Synchronizer{
		logger:        logger,
		batchSize:     batchSize,
		typeOverrides: typeOverrides,
		targetDialect: targetDialect,
	}
}

// Sync copies table from source into target. Connection-level failures are
// retried with bounded backoff; after the last attempt the whole table is
// reported failed so the caller may retry it. Row-level failures are recorded
// and the batch continues.
func (s *Synchronizer) Sync(ctx context.Context, source, target *sql.DB, database, table string) api.TableSyncResult {
	backoff := retryBackoffStart
	var result api.TableSyncResult
	for attempt := 1; ; attempt++ {
		var retriable bool
		result, retriable = s.syncOnce(ctx, source, target, database, table)
		if !retriable || attempt == maxCopyAttempts {
			return result
		}
		s.logger.Warn("table sync failed, retrying",
			zap.String("database", database),
			zap.String("table", table),
			zap.Int("attempt", attempt),
			zap.Strings("errors", result.Errors))
		select {
		case <-ctx.Done():
			result.Errors = append(result.Errors, ctx.Err().Error())
			return result
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

func (s *Synchronizer) syncOnce(ctx context.Context, source, target *sql.DB, database, table string) (api.TableSyncResult, bool) {
	result := api.TableSyncResult{Database: database, Table: table}

	cols, err := introspectColumns(ctx, source, table)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("introspect columns: %v", err))
		return result, true
	}
	if len(cols) == 0 {
		result.Errors = append(result.Errors, "table has no columns")
		return result, false
	}
	for i := range cols {
		cols[i].TargetType = TargetType(cols[i].SourceType, s.typeOverrides)
	}

	srcCount, err := countRows(ctx, source, table)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("count source rows: %v", err))
		return result, true
	}
	result.SourceRowCount = srcCount

	if err := s.ensureTargetTable(ctx, target, table, cols); err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("create target table: %v", err))
		return result, true
	}

	hasPK := false
	for _, c := range cols {
		if c.PKIndex > 0 {
			hasPK = true
			break
		}
	}

	// Tables without a primary key have no conflict target for duplicate
	// suppression, so a re-run skips the copy when the target already holds
	// the rows.
	skipCopy := false
	if !hasPK {
		tgtCount, err := countRows(ctx, target, table)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("count target rows: %v", err))
			return result, true
		}
		skipCopy = tgtCount >= srcCount && srcCount > 0
	}

	selectSQL := buildSelect(table, cols)
	insertSQL := s.buildInsert(table, cols, hasPK)

	var srcDigest Digest
	for offset := int64(0); offset < srcCount; offset += int64(s.batchSize) {
		failed, retriable := s.copyBatch(ctx, source, target, cols, selectSQL, insertSQL, offset, &srcDigest, skipCopy, &result)
		if failed {
			return result, retriable
		}
	}

	tgtCount, err := countRows(ctx, target, table)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("count target rows: %v", err))
		return result, true
	}
	result.TargetRowCount = tgtCount

	tgtDigest, err := tableDigest(ctx, target, table, cols)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("digest target rows: %v", err))
		return result, true
	}

	result.SourceDigest = srcDigest.Sum()
	result.TargetDigest = tgtDigest.Sum()
	result.DigestMatch = result.SourceDigest == result.TargetDigest

	s.logger.Info("table sync finished",
		zap.String("database", database),
		zap.String("table", table),
		zap.Int64("source_rows", result.SourceRowCount),
		zap.Int64("target_rows", result.TargetRowCount),
		zap.Bool("digest_match", result.DigestMatch),
		zap.Int("row_errors", len(result.Errors)))
	return result, false
}

// copyBatch reads one batch from source, folds it into the source digest and
// writes it to target. The bool returns are (tableFailed, retriable).
func (s *Synchronizer) copyBatch(ctx context.Context, source, target *sql.DB, cols []column, selectSQL, insertSQL string, offset int64, srcDigest *Digest, skipCopy bool, result *api.TableSyncResult) (bool, bool) {
	rows, err := source.QueryContext(ctx, selectSQL, s.batchSize, offset)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("read batch at offset %d: %v", offset, err))
		return true, true
	}
	defer rows.Close()

	colNames, err := rows.Columns()
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("batch columns: %v", err))
		return true, true
	}

	for rows.Next() {
		values := make([]interface{}, len(colNames))
		ptrs := make([]interface{}, len(colNames))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("scan row at offset %d: %v", offset, err))
			continue
		}

		srcDigest.AddRow(values)
		if skipCopy {
			continue
		}

		coerced := make([]interface{}, len(values))
		for i, v := range values {
			coerced[i] = coerceValue(v, cols[i].TargetType)
		}
		if _, err := target.ExecContext(ctx, insertSQL, coerced...); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("insert row into %s: %v", result.Table, err))
			continue
		}
	}
	if err := rows.Err(); err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("iterate batch at offset %d: %v", offset, err))
		return true, true
	}
	return false, false
}

func (s *Synchronizer) ensureTargetTable(ctx context.Context, target *sql.DB, table string, cols []column) error {
	defs := make([]string, 0, len(cols)+1)
	var pkCols []string
	for _, c := range cols {
		defs = append(defs, quoteIdent(c.Name)+" "+c.TargetType)
		if c.PKIndex > 0 {
			pkCols = append(pkCols, quoteIdent(c.Name))
		}
	}
	if len(pkCols) > 0 {
		defs = append(defs, "PRIMARY KEY ("+strings.Join(pkCols, ", ")+")")
	}
	stmt := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", quoteIdent(table), strings.Join(defs, ", "))
	_, err := target.ExecContext(ctx, stmt)
	return err
}

func (s *Synchronizer) buildInsert(table string, cols []column, hasPK bool) string {
	names := make([]string, len(cols))
	holders := make([]string, len(cols))
	for i, c := range cols {
		names[i] = quoteIdent(c.Name)
		holders[i] = s.targetDialect.Placeholder(i + 1)
	}
	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quoteIdent(table), strings.Join(names, ", "), strings.Join(holders, ", "))
	if hasPK {
		stmt += " ON CONFLICT DO NOTHING"
	}
	return stmt
}

func buildSelect(table string, cols []column) string {
	names := make([]string, len(cols))
	var orderCols []string
	for i, c := range cols {
		names[i] = quoteIdent(c.Name)
		if c.PKIndex > 0 {
			orderCols = append(orderCols, quoteIdent(c.Name))
		}
	}
	orderBy := "rowid"
	if len(orderCols) > 0 {
		orderBy = strings.Join(orderCols, ", ")
	}
	return fmt.Sprintf("SELECT %s FROM %s ORDER BY %s LIMIT ? OFFSET ?",
		strings.Join(names, ", "), quoteIdent(table), orderBy)
}

func introspectColumns(ctx context.Context, source *sql.DB, table string) ([]column, error) {
	rows, err := source.QueryContext(ctx, "SELECT name, type, pk FROM pragma_table_info(?) ORDER BY cid", table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cols []column
	for rows.Next() {
		var c column
		if err := rows.Scan(&c.Name, &c.SourceType, &c.PKIndex); err != nil {
			return nil, err
		}
		cols = append(cols, c)
	}
	return cols, rows.Err()
}

func countRows(ctx context.Context, db *sql.DB, table string) (int64, error) {
	var count int64
	err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+quoteIdent(table)).Scan(&count)
	return count, err
}

func tableDigest(ctx context.Context, db *sql.DB, table string, cols []column) (*Digest, error) {
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = quoteIdent(c.Name)
	}
	rows, err := db.QueryContext(ctx, fmt.Sprintf("SELECT %s FROM %s", strings.Join(names, ", "), quoteIdent(table)))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var digest Digest
	for rows.Next() {
		values := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		digest.AddRow(values)
	}
	return &digest, rows.Err()
}

// coerceValue converts a scanned source value into the shape the target
// column expects. Unknown target types pass the value through unchanged and
// leave conversion to the driver.
func coerceValue(v interface{}, targetType string) interface{} {
	if v == nil {
		return nil
	}
	switch targetType {
	case "text":
		return NormalizeValue(v)
	case "bytea":
		switch t := v.(type) {
		case []byte:
			return t
		case string:
			return []byte(t)
		}
		return v
	case "bigint":
		return v
	case "double precision":
		return v
	default:
		return v
	}
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// ListTables enumerates the user tables of a source database.
func ListTables(ctx context.Context, source *sql.DB) ([]string, error) {
	rows, err := source.QueryContext(ctx,
		"SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		tables = append(tables, name)
	}
	return tables, rows.Err()
}
