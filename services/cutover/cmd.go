package cutover

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/caseflow-io/caseflow-engine/internal/postgres"
	"github.com/caseflow-io/caseflow-engine/internal/sqlite"
	"github.com/caseflow-io/caseflow-engine/services/cutover/api"
	"github.com/caseflow-io/caseflow-engine/services/cutover/bulk"
	"github.com/caseflow-io/caseflow-engine/services/cutover/config"
	"github.com/caseflow-io/caseflow-engine/services/cutover/db"
	"github.com/caseflow-io/caseflow-engine/services/cutover/dualwrite"
	"github.com/caseflow-io/caseflow-engine/services/cutover/health"
	"github.com/caseflow-io/caseflow-engine/services/cutover/httpserver"
	"github.com/caseflow-io/caseflow-engine/services/cutover/notify"
	"github.com/caseflow-io/caseflow-engine/services/cutover/orchestrator"
	"github.com/caseflow-io/caseflow-engine/services/cutover/routing"
	"github.com/caseflow-io/caseflow-engine/services/cutover/shift"
	"github.com/caseflow-io/caseflow-engine/services/cutover/sync"
	"github.com/caseflow-io/caseflow-engine/services/cutover/verify"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/push"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// Exit codes of the operator CLI.
const (
	ExitOK         = 0
	ExitFatal      = 1
	ExitValidation = 2
)

// ExitCode maps a command error to the CLI contract: 0 success, 2 validation
// failure, 1 fatal or rollback-triggered failure.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var validationErr *api.ValidationError
	if errors.As(err, &validationErr) {
		return ExitValidation
	}
	return ExitFatal
}

func Command() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:          "cutover",
		Short:        "Zero-downtime migration and traffic cutover engine",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to the cutover configuration file")

	cmd.AddCommand(
		migrateCommand(&configPath),
		cutoverCommand(&configPath),
		statusCommand(&configPath),
		rollbackCommand(&configPath),
		serveCommand(&configPath),
	)
	return cmd
}

func migrateCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run the cold bulk migration of all source databases into the target",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := zap.NewProduction()
			if err != nil {
				return err
			}
			env, err := initializeEnv(*configPath, logger)
			if err != nil {
				return err
			}
			defer env.Close()

			stats, err := env.migrator().MigrateAll(cmd.Context())
			env.pushMetrics(logger, "cutover-migrate")
			if err != nil {
				return err
			}
			logger.Info("migration succeeded",
				zap.String("run_id", stats.RunID),
				zap.Int64("migrated", stats.MigratedRecords),
				zap.Float64("consistency_score", stats.ConsistencyScore))
			return nil
		},
	}
}

func cutoverCommand(configPath *string) *cobra.Command {
	var resume, forceRollback bool

	cmd := &cobra.Command{
		Use:   "cutover",
		Short: "Run the live traffic cutover from the source stores to the target",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if resume && forceRollback {
				return &api.ValidationError{Field: "flags", Reason: "--resume and --force-rollback are mutually exclusive"}
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := zap.NewProduction()
			if err != nil {
				return err
			}
			env, err := initializeEnv(*configPath, logger)
			if err != nil {
				return err
			}
			defer env.Close()

			orch, err := env.orchestrator(logger)
			if err != nil {
				return err
			}

			handler := httpserver.NewHttpHandler(logger, orch, env.database, env.pairKey)
			go func() {
				if err := httpserver.RegisterAndStart(logger, env.cnf.HTTPAddress, handler); err != nil {
					logger.Error("status server stopped", zap.Error(err))
				}
			}()

			switch {
			case forceRollback:
				err = orch.Resume(cmd.Context(), true)
			case resume:
				err = orch.Resume(cmd.Context(), false)
			default:
				err = orch.Run(cmd.Context())
			}
			env.pushMetrics(logger, "cutover-run")
			return err
		},
	}
	cmd.Flags().BoolVar(&resume, "resume", false, "Resume a cutover from its last durable phase")
	cmd.Flags().BoolVar(&forceRollback, "force-rollback", false, "Roll back a cutover left mid-flight by a dead process")
	return cmd
}

func statusCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the last durable cutover phase and metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := zap.NewProduction()
			if err != nil {
				return err
			}
			env, err := initializeEnv(*configPath, logger)
			if err != nil {
				return err
			}
			defer env.Close()

			state, err := env.database.GetCutoverState(env.pairKey)
			if err != nil {
				return fmt.Errorf("read cutover state: %w", err)
			}
			if state == nil {
				fmt.Println("no cutover recorded for this pair")
				return nil
			}
			fmt.Printf("run:    %s\nphase:  %s (entered %s, terminal=%v)\n", state.RunID, state.Phase, state.PhaseEnteredAt.Format(time.RFC3339), state.Terminal)
			fmt.Println(state.MetricsSnapshot)
			return nil
		},
	}
}

func rollbackCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "rollback",
		Short: "Force an immediate rollback of the active cutover",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := zap.NewProduction()
			if err != nil {
				return err
			}
			env, err := initializeEnv(*configPath, logger)
			if err != nil {
				return err
			}
			defer env.Close()

			orch, err := env.orchestrator(logger)
			if err != nil {
				return err
			}
			return orch.Resume(cmd.Context(), true)
		},
	}
}

func serveCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the read-only status API without driving a cutover",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := zap.NewProduction()
			if err != nil {
				return err
			}
			env, err := initializeEnv(*configPath, logger)
			if err != nil {
				return err
			}
			defer env.Close()

			orch, err := env.orchestrator(logger)
			if err != nil {
				return err
			}
			handler := httpserver.NewHttpHandler(logger, orch, env.database, env.pairKey)
			return httpserver.RegisterAndStart(logger, env.cnf.HTTPAddress, handler)
		},
	}
}

// env holds the opened stores and shared components of one command
// invocation. The command owns the lifecycle; nothing is opened at import
// time.
type env struct {
	cnf      config.CutoverConfig
	logger   *zap.Logger
	sources  []bulk.SourceHandle
	targetDB *sql.DB
	database db.Database
	routing  routing.Store
	pairKey  string
	closers  []func() error
}

func initializeEnv(configPath string, logger *zap.Logger) (*env, error) {
	cnf, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cnf.Validate(); err != nil {
		return nil, err
	}

	e := &env{cnf: cnf, logger: logger}

	for _, src := range cnf.Sources {
		handle, err := sqlite.Open(src.Path)
		if err != nil {
			e.Close()
			return nil, &api.ConnectivityError{Store: src.Name, Err: err}
		}
		e.sources = append(e.sources, bulk.SourceHandle{Name: src.Name, Path: src.Path, DB: handle})
		e.closers = append(e.closers, handle.Close)
	}

	pgCfg := postgres.Config{
		Host:    cnf.TargetPostgres.Host,
		Port:    cnf.TargetPostgres.Port,
		User:    cnf.TargetPostgres.Username,
		Passwd:  cnf.TargetPostgres.Password,
		DB:      cnf.TargetPostgres.DB,
		SSLMode: cnf.TargetPostgres.SSLMode,
	}
	orm, err := postgres.NewClient(&pgCfg, logger)
	if err != nil {
		e.Close()
		return nil, &api.ConnectivityError{Store: "target", Err: err}
	}
	e.database = db.Database{ORM: orm}
	if err := e.database.Initialize(); err != nil {
		e.Close()
		return nil, fmt.Errorf("initialize state store: %w", err)
	}
	e.targetDB, err = orm.DB()
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("raw target handle: %w", err)
	}
	e.closers = append(e.closers, e.targetDB.Close)

	etcdStore, err := routing.NewEtcdStore(
		cnf.Etcd.Endpoints,
		time.Duration(cnf.Etcd.DialTimeoutSeconds)*time.Second,
		cnf.RoutingKey,
		logger,
	)
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("routing store: %w", err)
	}
	e.routing = etcdStore
	e.closers = append(e.closers, etcdStore.Close)

	e.pairKey = pairKey(cnf)
	return e, nil
}

func (e *env) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			e.logger.Warn("close failed", zap.Error(err))
		}
	}
}

func (e *env) synchronizer() *sync.Synchronizer {
	return sync.NewSynchronizer(e.logger, e.cnf.BatchSize, e.cnf.TypeOverrides, sync.DialectPostgres)
}

func (e *env) verifier() *verify.Verifier {
	return verify.NewVerifier(e.logger, 100, sync.DialectPostgres)
}

func (e *env) sourcesByName() map[string]*sql.DB {
	out := map[string]*sql.DB{}
	for _, s := range e.sources {
		out[s.Name] = s.DB
	}
	return out
}

func (e *env) migrator() *bulk.Migrator {
	return bulk.New(bulk.Params{
		Logger:           e.logger,
		Sources:          e.sources,
		Target:           e.targetDB,
		Synchronizer:     e.synchronizer(),
		Verifier:         e.verifier(),
		Runs:             e.database,
		PairKey:          e.pairKey,
		ParallelWorkers:  e.cnf.ParallelWorkers,
		VerifyAfter:      e.cnf.VerifyAfterBulk,
		BackupBefore:     e.cnf.BackupBefore,
		ConsistencyFloor: e.cnf.ConsistencyFloor,
	})
}

func (e *env) orchestrator(logger *zap.Logger) (*orchestrator.Orchestrator, error) {
	verifier := e.verifier()
	synchronizer := e.synchronizer()
	checker := health.NewChecker(logger, e.cnf.HealthEndpoints, 0)
	notifier := notify.NewNotifier(logger, e.cnf.NotificationWebhooks)

	verifyFn := func(ctx context.Context) (float64, []api.TableSyncResult, error) {
		return verifier.Verify(ctx, e.sourcesByName(), e.targetDB)
	}
	catchUp := func(ctx context.Context) error {
		for _, s := range e.sources {
			tables, err := sync.ListTables(ctx, s.DB)
			if err != nil {
				return &api.ConnectivityError{Store: s.Name, Err: err}
			}
			for _, table := range tables {
				result := synchronizer.Sync(ctx, s.DB, e.targetDB, s.Name, table)
				if !result.Matches() {
					return fmt.Errorf("catch-up sync of %s.%s left %d error(s)", s.Name, table, len(result.Errors))
				}
			}
		}
		return nil
	}

	tracker := orchestrator.NewRateTracker(50)
	coordinator := dualwrite.New(dualwrite.Params{
		Logger:        logger,
		Store:         e.routing,
		Source:        e.sources[0].DB,
		Target:        e.targetDB,
		TargetDialect: sync.DialectPostgres,
		ParityLog:     e.database,
		RunID:         uuid.NewString(),
		Settle:        e.cnf.DualWriteSettle(),
	})
	shifter := shift.New(shift.Params{
		Logger:         logger,
		Store:          e.routing,
		Health:         checker,
		ErrorRate:      tracker.Rate,
		Ladder:         e.cnf.TrafficShiftLadder,
		StepWindow:     e.cnf.StepWindow(),
		SampleInterval: e.cnf.VerificationInterval(),
		ErrorThreshold: e.cnf.ErrorThresholdPercent,
	})

	orch, err := orchestrator.New(orchestrator.Params{
		Logger:               logger,
		PairKey:              e.pairKey,
		State:                e.database,
		Routing:              e.routing,
		Dual:                 coordinator,
		Shift:                shifter,
		Health:               checker,
		Notify:               notifier,
		Verify:               verifyFn,
		Latency:              e.latencyProbe(),
		Smoke:                e.smokeTest(),
		Archive:              e.archiver(),
		CatchUpSync:          catchUp,
		Rates:                tracker,
		ConsistencyFloor:     e.cnf.ConsistencyFloor,
		FinalGate:            e.cnf.FinalVerificationGate,
		VerificationInterval: e.cnf.VerificationInterval(),
		RollbackTimeout:      e.cnf.RollbackTimeout(),
	})
	if err != nil {
		return nil, err
	}
	return orch, nil
}

func (e *env) latencyProbe() orchestrator.LatencyProbe {
	source := e.sources[0].DB
	target := e.targetDB
	return func(ctx context.Context) (float64, float64, error) {
		start := time.Now()
		if err := source.PingContext(ctx); err != nil {
			return 0, 0, err
		}
		srcMs := float64(time.Since(start).Microseconds()) / 1000

		start = time.Now()
		if err := target.PingContext(ctx); err != nil {
			return srcMs, 0, err
		}
		tgtMs := float64(time.Since(start).Microseconds()) / 1000
		return srcMs, tgtMs, nil
	}
}

// smokeTest runs the functional battery against the target-only path: write
// a record, read it back, delete it.
func (e *env) smokeTest() orchestrator.SmokeTest {
	target := e.targetDB
	return func(ctx context.Context) error {
		if _, err := target.ExecContext(ctx,
			"CREATE TABLE IF NOT EXISTS cutover_smoke_check (id text PRIMARY KEY, payload text)"); err != nil {
			return fmt.Errorf("smoke create: %w", err)
		}
		id := uuid.NewString()
		if _, err := target.ExecContext(ctx,
			"INSERT INTO cutover_smoke_check (id, payload) VALUES ($1, $2)", id, "ok"); err != nil {
			return fmt.Errorf("smoke write: %w", err)
		}
		var payload string
		if err := target.QueryRowContext(ctx,
			"SELECT payload FROM cutover_smoke_check WHERE id = $1", id).Scan(&payload); err != nil {
			return fmt.Errorf("smoke read: %w", err)
		}
		if payload != "ok" {
			return fmt.Errorf("smoke read returned %q", payload)
		}
		if _, err := target.ExecContext(ctx,
			"DELETE FROM cutover_smoke_check WHERE id = $1", id); err != nil {
			return fmt.Errorf("smoke delete: %w", err)
		}
		return nil
	}
}

// archiver renames every source file aside. Archival never deletes.
func (e *env) archiver() orchestrator.ArchiveFunc {
	paths := make([]string, 0, len(e.sources))
	for _, s := range e.sources {
		paths = append(paths, s.Path)
	}
	logger := e.logger
	return func(ctx context.Context) error {
		stamp := time.Now().UTC().Format("20060102T150405")
		for _, path := range paths {
			if path == "" || path == ":memory:" {
				continue
			}
			archived := fmt.Sprintf("%s.archived-%s", path, stamp)
			if err := os.Rename(path, archived); err != nil {
				return fmt.Errorf("archive %s: %w", path, err)
			}
			logger.Info("source archived", zap.String("from", path), zap.String("to", archived))
		}
		return nil
	}
}

func (e *env) pushMetrics(logger *zap.Logger, jobName string) {
	if e.cnf.PrometheusPushAddress == "" {
		return
	}
	pusher := push.New(e.cnf.PrometheusPushAddress, jobName).
		Collector(bulk.TablesSyncedCount).
		Collector(bulk.MigrationDuration).
		Collector(orchestrator.PhaseTransitionsCount).
		Collector(orchestrator.RollbacksCount)
	if err := pusher.Push(); err != nil {
		logger.Warn("failed to push metrics", zap.Error(err))
	}
}

// pairKey identifies a (source-set, target) pair; the durable phase record
// is keyed by it.
func pairKey(cnf config.CutoverConfig) string {
	names := make([]string, 0, len(cnf.Sources))
	for _, s := range cnf.Sources {
		names = append(names, s.Name)
	}
	sort.Strings(names)
	seed := strings.Join(names, ",") + "->" + cnf.TargetPostgres.Host + "/" + cnf.TargetPostgres.DB
	sum := sha256.Sum256([]byte(seed))
	return hex.EncodeToString(sum[:8])
}
