// droidfleetd is the fleet control plane: heartbeat ingestion, command
// dispatch, alerting, OTA rollout and the operator API in one binary.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"droidfleet.sh/internal/alert"
	"droidfleet.sh/internal/artifact"
	"droidfleet.sh/internal/config"
	"droidfleet.sh/internal/database"
	"droidfleet.sh/internal/dispatch"
	"droidfleet.sh/internal/events"
	"droidfleet.sh/internal/ingest"
	"droidfleet.sh/internal/ota"
	"droidfleet.sh/internal/scheduler"
	"droidfleet.sh/internal/security"
	"droidfleet.sh/internal/server"
	"droidfleet.sh/internal/store"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:     "droidfleetd",
		Short:   "Android fleet control plane",
		Version: version,
	}
	root.AddCommand(serveCmd(), migrateCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the control plane server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			db, err := database.New(database.DefaultConfig(cfg.DatabaseURL))
			if err != nil {
				return err
			}
			defer db.Close()
			return db.Migrate()
		},
	}
}

func runServe() error {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))
	logger := slog.Default().With("component", "main")

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("configuration: %w", err)
	}

	db, err := database.New(database.DefaultConfig(cfg.DatabaseURL))
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Stores.
	devices := store.NewDeviceStore(db)
	heartbeats := store.NewHeartbeatStore(db)
	dispatches := store.NewDispatchStore(db)
	alerts := store.NewAlertStore(db)
	builds := store.NewBuildStore(db)
	partitions := store.NewPartitionStore(db)
	snapshots := store.NewSnapshotStore(db)

	// Heartbeat partitions must exist before the first write.
	if _, err := partitions.EnsureForward(ctx, time.Now()); err != nil {
		return fmt.Errorf("partition bootstrap: %w", err)
	}

	// Event fan-out.
	hub := events.NewHub()
	go hub.Run(ctx)

	// Command signing and sessions.
	keyring, err := security.NewKeyring(cfg.HMACPrimaryKey, cfg.HMACSecondaryKey)
	if err != nil {
		return fmt.Errorf("hmac keyring: %w", err)
	}
	var sessions *security.SessionManager
	if cfg.SessionSecret != "" {
		if sessions, err = security.NewSessionManager(cfg.SessionSecret); err != nil {
			return fmt.Errorf("session manager: %w", err)
		}
	}

	// Services.
	push := dispatch.NewHTTPPushClient(cfg.PushProviderEndpoint, cfg.PushProviderCredentials)
	dispatcher := dispatch.NewDispatcher(devices, dispatches, keyring, push, hub)
	bulk := dispatch.NewBulkRunner(devices, dispatches, dispatcher, cfg.OfflineAfter())
	ingestSvc := ingest.NewService(db, heartbeats, hub, cfg.OfflineAfter())
	reconciler := ingest.NewReconciler(heartbeats)
	otaSvc := ota.NewService(builds, devices, dispatcher, hub)
	artifacts := artifact.NewStore(cfg.ArtifactStoreRoot,
		artifact.NewCache(artifact.DefaultCacheCapacity, artifact.DefaultCacheTTL))

	var remediator alert.Remediator
	if cfg.AlertsEnableAutoRemediate {
		remediator = dispatcher
	}
	engine := alert.NewEngine(cfg, devices, heartbeats, alerts, alert.NewWebhookNotifier(cfg.WebhookURL), remediator, hub)

	// Periodic jobs, each guarded by an advisory lock.
	archiveDir := filepath.Join(cfg.ArtifactStoreRoot, "archives")
	sched := scheduler.New(db)
	sched.Register(&scheduler.Job{
		Name:     "alert-tick",
		Interval: alert.TickInterval,
		LockKey:  database.LockAlertTick,
		Run: func(ctx context.Context) error {
			if _, err := dispatcher.SweepTimeouts(ctx); err != nil {
				return err
			}
			return engine.Tick(ctx, time.Now())
		},
	})
	sched.Register(&scheduler.Job{
		Name:     "reconcile",
		Interval: time.Hour,
		LockKey:  database.LockReconcile,
		Run: func(ctx context.Context) error {
			if _, err := snapshots.PruneExpired(ctx, time.Now()); err != nil {
				return err
			}
			return reconciler.Run(ctx)
		},
	})
	sched.Register(&scheduler.Job{
		Name:     "maintenance",
		Interval: 24 * time.Hour,
		LockKey:  database.LockMaintenance,
		Run: func(ctx context.Context) error {
			if _, err := partitions.EnsureForward(ctx, time.Now()); err != nil {
				return err
			}
			if _, err := partitions.RefreshStats(ctx); err != nil {
				return err
			}
			if _, err := partitions.ArchiveExpired(ctx, archiveDir, time.Now()); err != nil {
				return err
			}
			if _, err := partitions.DropArchived(ctx); err != nil {
				return err
			}
			return partitions.VacuumHotWindow(ctx, time.Now())
		},
	})
	sched.Start(ctx)

	srv := server.New(cfg, server.Deps{
		DB:         db,
		Devices:    devices,
		Heartbeats: heartbeats,
		Dispatches: dispatches,
		Snapshots:  snapshots,
		Builds:     builds,
		Partitions: partitions,
		Ingest:     ingestSvc,
		Dispatcher: dispatcher,
		Bulk:       bulk,
		OTA:        otaSvc,
		Artifacts:  artifacts,
		Hub:        hub,
		Scheduler:  sched,
		Sessions:   sessions,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	logger.Info("Control plane started", "version", version, "port", cfg.Port)

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	}

	if err := srv.Shutdown(context.Background()); err != nil {
		logger.Error("Server shutdown failed", "error", err)
	}
	sched.Wait()
	logger.Info("Shutdown complete")
	return nil
}
