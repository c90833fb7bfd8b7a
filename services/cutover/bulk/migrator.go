package bulk

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/caseflow-io/caseflow-engine/pkg/concurrency"
	"github.com/caseflow-io/caseflow-engine/services/cutover/api"
	"github.com/caseflow-io/caseflow-engine/services/cutover/db/model"
	"github.com/caseflow-io/caseflow-engine/services/cutover/sync"
	"github.com/caseflow-io/caseflow-engine/services/cutover/verify"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

var TablesSyncedCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "caseflow",
	Subsystem: "cutover_bulk",
	Name:      "tables_synced_total",
	Help:      "Count of table syncs done by the bulk migrator",
}, []string{"database", "status"})

var MigrationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "caseflow",
	Subsystem: "cutover_bulk",
	Name:      "migration_duration_seconds",
	Help:      "Duration of bulk migration runs",
	Buckets:   []float64{5, 60, 300, 600, 1800, 3600, 7200, 36000},
})

// SourceHandle couples an opened source database with the file path it was
// opened from, for backups and archival.
type SourceHandle struct {
	Name string
	Path string
	DB   *sql.DB
}

// RunStore persists the aggregate stats of each migration run. A nil store
// disables persistence.
type RunStore interface {
	CreateMigrationRun(run *model.MigrationRun) error
	UpdateMigrationRun(run *model.MigrationRun) error
}

type Migrator struct {
	logger           *zap.Logger
	sources          []SourceHandle
	target           *sql.DB
	synchronizer     *sync.Synchronizer
	verifier         *verify.Verifier
	runs             RunStore
	pairKey          string
	parallelWorkers  int
	verifyAfter      bool
	backupBefore     bool
	consistencyFloor float64
}

type Params struct {
	Logger           *zap.Logger
	Sources          []SourceHandle
	Target           *sql.DB
	Synchronizer     *sync.Synchronizer
	Verifier         *verify.Verifier
	Runs             RunStore
	PairKey          string
	ParallelWorkers  int
	VerifyAfter      bool
	BackupBefore     bool
	ConsistencyFloor float64
}

func New(p Params) *Migrator {
	if p.ParallelWorkers < 1 {
		p.ParallelWorkers = 1
	}
	if p.ConsistencyFloor <= 0 {
		p.ConsistencyFloor = 95
	}
	return &Migrator{
		logger:           p.Logger,
		sources:          p.Sources,
		target:           p.Target,
		synchronizer:     p.Synchronizer,
		verifier:         p.Verifier,
		runs:             p.Runs,
		pairKey:          p.PairKey,
		parallelWorkers:  p.ParallelWorkers,
		verifyAfter:      p.VerifyAfter,
		backupBefore:     p.BackupBefore,
		consistencyFloor: p.ConsistencyFloor,
	}
}

type tableJob struct {
	database string
	source   *sql.DB
	table    string
}

// MigrateAll copies every table of every source into the target with bounded
// parallelism. Re-running after a partial failure is safe: the synchronizer
// suppresses duplicate rows. A failed fatal precondition or a consistency
// score below the floor returns a MigrationError carrying the partial stats.
func (m *Migrator) MigrateAll(ctx context.Context) (api.MigrationStats, error) {
	start := time.Now()
	defer func() {
		MigrationDuration.Observe(time.Since(start).Seconds())
	}()

	stats := api.MigrationStats{
		RunID:     uuid.NewString(),
		StartedAt: start,
	}

	if err := m.checkPreconditions(ctx); err != nil {
		return stats, &api.MigrationError{Stats: stats, Err: err}
	}

	run := &model.MigrationRun{
		RunID:     stats.RunID,
		PairKey:   m.pairKey,
		Status:    model.MigrationRunStatusRunning,
		StartedAt: start,
	}
	if m.runs != nil {
		if err := m.runs.CreateMigrationRun(run); err != nil {
			return stats, &api.MigrationError{Stats: stats, Err: fmt.Errorf("record migration run: %w", err)}
		}
	}

	jobs, err := m.collectJobs(ctx, &stats)
	if err != nil {
		m.finishRun(run, &stats, err)
		return stats, &api.MigrationError{Stats: stats, Err: err}
	}

	pool := concurrency.NewWorkPool(m.parallelWorkers)
	for _, job := range jobs {
		job := job
		pool.AddJob(func() (interface{}, error) {
			result := m.synchronizer.Sync(ctx, job.source, m.target, job.database, job.table)
			return result, nil
		})
	}

	for _, res := range pool.Run() {
		if res.Error != nil {
			stats.FailedRecords++
			m.logger.Error("table sync job failed", zap.Error(res.Error))
			continue
		}
		result := res.Value.(api.TableSyncResult)

		status := "success"
		if !result.Matches() {
			status = "failure"
		}
		TablesSyncedCount.WithLabelValues(result.Database, status).Inc()

		// Target rows beyond the source's are pre-existing, not migrated;
		// crediting them would break migrated + failed <= total.
		copied := result.TargetRowCount
		if copied > result.SourceRowCount {
			copied = result.SourceRowCount
		}
		stats.MigratedRecords += copied
		if missed := result.SourceRowCount - copied; missed > 0 {
			stats.FailedRecords += missed
		}
	}

	if m.verifyAfter {
		sources := map[string]*sql.DB{}
		for _, s := range m.sources {
			sources[s.Name] = s.DB
		}
		score, discrepancies, err := m.verifier.Verify(ctx, sources, m.target)
		if err != nil {
			m.finishRun(run, &stats, err)
			return stats, &api.MigrationError{Stats: stats, Err: fmt.Errorf("post-migration verification: %w", err)}
		}
		stats.ConsistencyScore = score
		if score < m.consistencyFloor {
			stats.VerificationsFailed++
			intErr := &api.DataIntegrityError{Score: score, Floor: m.consistencyFloor, Stats: &stats}
			m.logger.Error("migration verification below floor",
				zap.Float64("score", score),
				zap.Int("discrepancies", len(discrepancies)))
			m.finishRun(run, &stats, intErr)
			return stats, intErr
		}
		stats.VerificationsPassed++
	}

	now := time.Now()
	stats.FinishedAt = &now
	m.finishRun(run, &stats, nil)

	m.logger.Info("bulk migration finished",
		zap.String("run_id", stats.RunID),
		zap.Int64("total", stats.TotalRecords),
		zap.Int64("migrated", stats.MigratedRecords),
		zap.Int64("failed", stats.FailedRecords),
		zap.Float64("consistency_score", stats.ConsistencyScore))
	return stats, nil
}

func (m *Migrator) collectJobs(ctx context.Context, stats *api.MigrationStats) ([]tableJob, error) {
	var jobs []tableJob
	owners := map[string]string{}
	for _, s := range m.sources {
		tables, err := sync.ListTables(ctx, s.DB)
		if err != nil {
			return nil, &api.ConnectivityError{Store: s.Name, Err: err}
		}
		for _, table := range tables {
			// All sources share one target schema; a colliding name would
			// silently interleave two tables' rows.
			if prev, taken := owners[table]; taken {
				return nil, &api.ValidationError{
					Field:  "sources",
					Reason: fmt.Sprintf("table %s exists in both %s and %s and would collide in the target", table, prev, s.Name),
				}
			}
			owners[table] = s.Name
			var count int64
			if err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM "`+table+`"`).Scan(&count); err != nil {
				return nil, &api.ConnectivityError{Store: s.Name, Err: err}
			}
			stats.TotalRecords += count
			jobs = append(jobs, tableJob{database: s.Name, source: s.DB, table: table})
		}
	}
	return jobs, nil
}

func (m *Migrator) checkPreconditions(ctx context.Context) error {
	for _, s := range m.sources {
		if err := s.DB.PingContext(ctx); err != nil {
			return &api.ConnectivityError{Store: s.Name, Err: err}
		}
	}
	if err := m.target.PingContext(ctx); err != nil {
		return &api.ConnectivityError{Store: "target", Err: err}
	}
	if m.backupBefore {
		if err := checkDiskSpace(m.sources); err != nil {
			return err
		}
		for _, s := range m.sources {
			if err := backupSource(s); err != nil {
				return fmt.Errorf("backup %s: %w", s.Name, err)
			}
			m.logger.Info("source backed up", zap.String("database", s.Name))
		}
	}
	return nil
}

// checkDiskSpace confirms each source volume has room for a full backup copy
// of the database files it holds.
func checkDiskSpace(sources []SourceHandle) error {
	required := map[string]int64{}
	for _, s := range sources {
		if s.Path == "" || s.Path == ":memory:" {
			continue
		}
		info, err := os.Stat(s.Path)
		if err != nil {
			return fmt.Errorf("stat %s: %w", s.Path, err)
		}
		required[filepath.Dir(s.Path)] += info.Size()
	}
	for dir, size := range required {
		var fs unix.Statfs_t
		if err := unix.Statfs(dir, &fs); err != nil {
			return fmt.Errorf("statfs %s: %w", dir, err)
		}
		if free := int64(fs.Bavail) * int64(fs.Bsize); free < size {
			return fmt.Errorf("insufficient disk space in %s: %d bytes free, %d needed for backups", dir, free, size)
		}
	}
	return nil
}

// backupSource copies the source file aside and verifies the copy is a
// readable database of the same size.
func backupSource(s SourceHandle) error {
	if s.Path == "" || s.Path == ":memory:" {
		return nil
	}
	info, err := os.Stat(s.Path)
	if err != nil {
		return err
	}

	backupPath := fmt.Sprintf("%s.backup-%s", s.Path, time.Now().UTC().Format("20060102T150405"))
	in, err := os.Open(s.Path)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(backupPath)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	if err := out.Sync(); err != nil {
		return err
	}

	copied, err := os.Stat(backupPath)
	if err != nil {
		return err
	}
	if copied.Size() != info.Size() {
		return fmt.Errorf("backup size mismatch: %d != %d", copied.Size(), info.Size())
	}
	return nil
}

func (m *Migrator) finishRun(run *model.MigrationRun, stats *api.MigrationStats, failure error) {
	if m.runs == nil {
		return
	}
	now := time.Now()
	run.FinishedAt = &now
	run.TotalRecords = stats.TotalRecords
	run.MigratedRecords = stats.MigratedRecords
	run.FailedRecords = stats.FailedRecords
	run.VerificationsPassed = stats.VerificationsPassed
	run.VerificationsFailed = stats.VerificationsFailed
	run.ConsistencyScore = stats.ConsistencyScore
	if failure != nil {
		run.Status = model.MigrationRunStatusFailed
		run.ErrorMessage = failure.Error()
	} else {
		run.Status = model.MigrationRunStatusSucceeded
	}
	if err := m.runs.UpdateMigrationRun(run); err != nil {
		m.logger.Error("failed to update migration run", zap.Error(err), zap.String("run_id", run.RunID))
	}
}
