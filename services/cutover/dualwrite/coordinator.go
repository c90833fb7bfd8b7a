package dualwrite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/caseflow-io/caseflow-engine/services/cutover/db/model"
	"github.com/caseflow-io/caseflow-engine/services/cutover/routing"
	"github.com/caseflow-io/caseflow-engine/services/cutover/sync"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const probeTable = "cutover_parity_probe"

// ParityLog persists probe outcomes. A nil log disables persistence.
type ParityLog interface {
	AddParityCheck(check *model.ParityCheck) error
}

// Coordinator owns no business data. Its only state is the published routing
// directive and the parity-check log.
type Coordinator struct {
	logger        *zap.Logger
	store         routing.Store
	source        *sql.DB
	target        *sql.DB
	targetDialect sync.Dialect
	parityLog     ParityLog
	runID         string
	settle        time.Duration
}

type Params struct {
	Logger        *zap.Logger
	Store         routing.Store
	Source        *sql.DB
	Target        *sql.DB
	TargetDialect sync.Dialect
	ParityLog     ParityLog
	RunID         string
	Settle        time.Duration
}

func New(p Params) *Coordinator {
	if p.TargetDialect == "" {
		p.TargetDialect = sync.DialectPostgres
	}
	if p.Settle < 0 {
		p.Settle = 0
	}
	return &Coordinator{
		logger:        p.Logger,
		store:         p.Store,
		source:        p.Source,
		target:        p.Target,
		targetDialect: p.TargetDialect,
		parityLog:     p.ParityLog,
		runID:         p.RunID,
		settle:        p.Settle,
	}
}

// Enable publishes write-target=both with the read split unchanged, then
// waits the settle window so external consumers pick up the change before
// the caller proceeds.
func (c *Coordinator) Enable(ctx context.Context) error {
	d, err := c.store.Get(ctx)
	if err != nil {
		return fmt.Errorf("read directive: %w", err)
	}
	d.WriteTarget = routing.WriteTargetBoth
	d.CutoverInProgress = true
	if err := c.store.Publish(ctx, d); err != nil {
		return fmt.Errorf("publish dual-write directive: %w", err)
	}

	c.logger.Info("dual-write enabled, waiting settle window", zap.Duration("settle", c.settle))
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(c.settle):
	}
	return nil
}

// Disable reverts the write target to the authoritative store and clears the
// cutover-in-progress flag.
func (c *Coordinator) Disable(ctx context.Context, authoritative routing.WriteTarget) error {
	d, err := c.store.Get(ctx)
	if err != nil {
		return fmt.Errorf("read directive: %w", err)
	}
	d.WriteTarget = authoritative
	d.CutoverInProgress = false
	switch authoritative {
	case routing.WriteTargetSource:
		d.ReadSplitPercentage = 0
	case routing.WriteTargetTarget:
		d.ReadSplitPercentage = 100
	}
	if err := c.store.Publish(ctx, d); err != nil {
		return fmt.Errorf("publish directive: %w", err)
	}
	c.logger.Info("dual-write disabled", zap.String("authoritative", string(authoritative)))
	return nil
}

// CheckParity writes a synthetic record through both stores and confirms it
// is retrievable from each. A mismatch is retried once before being
// reported.
func (c *Coordinator) CheckParity(ctx context.Context) (bool, string, error) {
	ok, detail, err := c.probeOnce(ctx)
	if err != nil {
		return false, detail, err
	}
	if !ok {
		ok, detail, err = c.probeOnce(ctx)
		if err != nil {
			return false, detail, err
		}
	}
	return ok, detail, nil
}

func (c *Coordinator) probeOnce(ctx context.Context) (bool, string, error) {
	probeID := uuid.NewString()
	now := time.Now().UTC().Format(time.RFC3339Nano)

	sourceOK, sourceDetail := c.probeStore(ctx, c.source, sync.DialectSQLite, probeID, now)
	targetOK, targetDetail := c.probeStore(ctx, c.target, c.targetDialect, probeID, now)

	detail := ""
	if !sourceOK {
		detail = "source: " + sourceDetail
	}
	if !targetOK {
		if detail != "" {
			detail += "; "
		}
		detail += "target: " + targetDetail
	}

	if c.parityLog != nil {
		if err := c.parityLog.AddParityCheck(&model.ParityCheck{
			RunID:    c.runID,
			ProbeID:  probeID,
			SourceOK: sourceOK,
			TargetOK: targetOK,
			Detail:   detail,
		}); err != nil {
			c.logger.Error("failed to record parity check", zap.Error(err))
		}
	}

	return sourceOK && targetOK, detail, nil
}

func (c *Coordinator) probeStore(ctx context.Context, db *sql.DB, dialect sync.Dialect, probeID, createdAt string) (bool, string) {
	createStmt := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (id text PRIMARY KEY, created_at text)", probeTable)
	if _, err := db.ExecContext(ctx, createStmt); err != nil {
		return false, fmt.Sprintf("create probe table: %v", err)
	}

	insertStmt := fmt.Sprintf("INSERT INTO %s (id, created_at) VALUES (%s, %s)",
		probeTable, dialect.Placeholder(1), dialect.Placeholder(2))
	if _, err := db.ExecContext(ctx, insertStmt, probeID, createdAt); err != nil {
		return false, fmt.Sprintf("write probe: %v", err)
	}

	selectStmt := fmt.Sprintf("SELECT created_at FROM %s WHERE id = %s", probeTable, dialect.Placeholder(1))
	var got string
	if err := db.QueryRowContext(ctx, selectStmt, probeID).Scan(&got); err != nil {
		return false, fmt.Sprintf("read probe back: %v", err)
	}
	if got != createdAt {
		return false, fmt.Sprintf("probe payload mismatch: %q != %q", got, createdAt)
	}
	return true, ""
}
