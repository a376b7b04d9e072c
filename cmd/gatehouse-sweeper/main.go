package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/gatehouse/pkg/audit"
	"github.com/platinummonkey/gatehouse/pkg/config"
	"github.com/platinummonkey/gatehouse/pkg/observability"
	"github.com/platinummonkey/gatehouse/pkg/propagation"
	"github.com/platinummonkey/gatehouse/pkg/stores/postgres"
)

var (
	runOnce      = flag.Bool("run-once", false, "Sweep once and exit")
	sweepTimeout = flag.Duration("timeout", 10*time.Minute, "Upper bound on a single sweep")
)

func main() {
	flag.Parse()

	cfg, err := config.LoadSweeperConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	log := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openJobStore(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to open job store")
	}
	defer closeStore()

	var archiver propagation.Archiver
	if archiveCfg, ok := cfg.ArchiveSettings(); ok {
		client, err := propagation.NewS3Client(ctx, archiveCfg)
		if err != nil {
			log.WithError(err).Fatal("Failed to create S3 client")
		}
		archiver = propagation.NewS3Archiver(client, archiveCfg.Bucket, archiveCfg.Prefix)
		log.WithField("bucket", archiveCfg.Bucket).Info("Archiving job reports before deletion")
	}

	sweeper := propagation.NewSweeper(store, archiver, cfg.Propagation.JobRetention, log)

	var pruner *auditPruner
	if cfg.PruneAudit() {
		cm, err := postgres.NewConnectionManager(cfg.ConnectionSettings(), log)
		if err != nil {
			log.WithError(err).Fatal("Failed to connect to the audit database")
		}
		defer cm.Close()
		events, err := audit.NewDBLogger(cm.Primary())
		if err != nil {
			log.WithError(err).Fatal("Failed to open audit store")
		}
		pruner = &auditPruner{events: events, retention: cfg.Audit.Retention}
		log.WithField("retention", cfg.Audit.Retention).Info("Pruning expired audit events")
	}

	if *runOnce {
		if err := sweep(ctx, sweeper, pruner, log); err != nil {
			log.WithError(err).Fatal("Sweep failed")
		}
		return
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err = c.AddFunc(cfg.Propagation.SweepSchedule, func() {
		if err := sweep(ctx, sweeper, pruner, log); err != nil {
			log.WithError(err).Error("Sweep failed")
		}
	})
	if err != nil {
		log.WithError(err).Fatal("Failed to schedule sweep")
	}

	c.Start()
	log.WithFields(logrus.Fields{
		"schedule":  cfg.Propagation.SweepSchedule,
		"retention": cfg.Propagation.JobRetention,
	}).Info("Job sweeper started")

	<-ctx.Done()
	log.Info("Shutting down gracefully")
	<-c.Stop().Done()
	log.Info("Job sweeper stopped")
}

// auditPruner deletes audit events older than retention
type auditPruner struct {
	events    *audit.DBLogger
	retention time.Duration
}

func sweep(parent context.Context, sweeper *propagation.Sweeper, pruner *auditPruner, log *logrus.Logger) error {
	ctx, cancel := context.WithTimeout(parent, *sweepTimeout)
	defer cancel()

	start := time.Now()
	res, err := sweeper.Sweep(ctx)
	fields := logrus.Fields{
		"archived":    res.Archived,
		"deleted":     res.Deleted,
		"duration_ms": time.Since(start).Milliseconds(),
	}
	if err != nil {
		return err
	}

	if pruner != nil {
		n, err := pruner.events.Cleanup(ctx, time.Now().Add(-pruner.retention))
		if err != nil {
			return err
		}
		fields["audit_events_deleted"] = n
	}
	log.WithFields(fields).Info("Sweep complete")
	return nil
}

func openJobStore(ctx context.Context, cfg *config.SweeperConfig, log *logrus.Logger) (propagation.JobStore, func() error, error) {
	var (
		db      *sql.DB
		dialect propagation.Dialect
		closer  func() error
	)
	switch cfg.Storage.JobStore {
	case "postgres":
		cm, err := postgres.NewConnectionManager(cfg.ConnectionSettings(), log)
		if err != nil {
			return nil, nil, err
		}
		db, dialect, closer = cm.Primary(), propagation.DialectPostgres, cm.Close
	default:
		sqliteDB, err := sql.Open(string(propagation.DialectSQLite), cfg.Storage.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open sqlite job store: %w", err)
		}
		db, dialect, closer = sqliteDB, propagation.DialectSQLite, sqliteDB.Close
	}

	store, err := propagation.NewSQLJobStore(db, dialect)
	if err != nil {
		closer()
		return nil, nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		closer()
		return nil, nil, err
	}
	return store, closer, nil
}
