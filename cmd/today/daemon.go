package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kimhsiao/today/backend/cmd/today/handlers"
	exportsched "github.com/kimhsiao/today/backend/internal/export/scheduler"
	"github.com/kimhsiao/today/backend/internal/importwatch"
	"github.com/kimhsiao/today/backend/internal/legacy"
	"github.com/kimhsiao/today/backend/internal/logging"
	syncpkg "github.com/kimhsiao/today/backend/internal/sync"
	"github.com/kimhsiao/today/backend/internal/sync/realtime"
	"github.com/kimhsiao/today/backend/internal/sync/remote/postgres"
	"github.com/kimhsiao/today/backend/internal/sync/scheduler"
	"github.com/kimhsiao/today/backend/internal/telemetry"
)

const shutdownTimeout = 10 * time.Second

func daemonCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run background sync, realtime triggers, backups and the local API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := openApp(ctx, flags, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer a.Close()
			return runDaemon(ctx, a)
		},
	}
}

func runDaemon(ctx context.Context, a *app) error {
	cfg := a.cfg
	owner := a.tracker.Owner()

	if cfg.Store.LegacyBlob != "" {
		if _, err := legacy.NewMigrator(a.store, a.tracker).MigrateFile(ctx, cfg.Store.LegacyBlob, owner); err != nil {
			// The flag stays unset, so the next start tries again.
			logging.Error("legacy migration failed", err, map[string]interface{}{"path": cfg.Store.LegacyBlob})
		}
	}

	hub := realtime.NewHub()
	metrics := telemetry.NewRecorder()
	a.engine.SetNotifier(syncpkg.Notifiers{hub, metrics})

	sched := scheduler.NewScheduler(a.engine, a.queue, &scheduler.SchedulerConfig{
		SyncInterval: cfg.Sync.Interval,
		MinInterval:  cfg.Sync.MinInterval,
		CycleTimeout: cfg.Sync.CycleTimeout,
		OwnerID:      owner,
	})
	a.tracker.SetSubmitter(sched)

	interval, err := exportsched.ParseInterval(cfg.Backup.Interval)
	if err != nil {
		return err
	}
	backups := exportsched.NewScheduler(a.export, exportsched.SchedulerConfig{
		Interval:       interval,
		RetentionCount: cfg.Backup.RetentionCount,
		ExportDir:      cfg.Backup.Dir,
		Kind:           cfg.Backup.BackupKind(),
	})

	g, ctx := errgroup.WithContext(ctx)

	sched.Start(ctx)
	defer sched.Stop()
	if err := backups.Start(ctx); err != nil {
		return err
	}
	defer backups.Stop()

	g.Go(func() error {
		hub.Run(ctx)
		return nil
	})

	if cfg.Realtime.HubAddr != "" {
		mux := http.NewServeMux()
		handlers.Register(mux,
			handlers.NewSyncHandler(sched, a.queue),
			handlers.NewExportHandler(a.export, cfg.Backup.Dir),
			handlers.NewTaskHandler(a.tracker),
			hub,
		)
		mux.Handle("/api/metrics", handlers.Metrics(metrics))
		srv := &http.Server{Addr: cfg.Realtime.HubAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

		g.Go(func() error {
			logging.Info("local API listening", map[string]interface{}{"addr": srv.Addr})
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("local API: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	dispatcher := realtime.NewDispatcher(owner, func() {
		sched.RequestSync(scheduler.ReasonRealtime)
	})
	handle := func(payload []byte) { dispatcher.Handle(payload) }

	switch cfg.Realtime.Source {
	case "websocket":
		sub := realtime.NewSubscriber(realtime.SubscriberConfig{
			URL:        cfg.Realtime.URL,
			MinBackoff: cfg.Realtime.MinBackoff,
			MaxBackoff: cfg.Realtime.MaxBackoff,
		}, handle)
		g.Go(func() error {
			if err := sub.Run(ctx); err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		})
	case "postgres":
		g.Go(func() error {
			listenLoop(ctx, cfg.Realtime.MaxBackoff, func(ctx context.Context) error {
				return postgres.Listen(ctx, a.pool, handle)
			})
			return nil
		})
	}

	if cfg.Import.Dir != "" {
		w := importwatch.New(cfg.Import.Dir, a.export, importwatch.Options{
			Settle:  cfg.Import.Settle,
			Counter: metrics,
		})
		g.Go(func() error {
			if err := w.Run(ctx); err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		})
	}

	logging.Info("daemon started", map[string]interface{}{
		"user":     owner,
		"remote":   cfg.Remote.Kind,
		"realtime": cfg.Realtime.Source,
		"backup":   cfg.Backup.Interval,
	})

	err = g.Wait()
	logging.Info("daemon stopped", nil)
	return err
}

// listenLoop reruns listen until ctx is cancelled, waiting delay after each
// failure. A dropped LISTEN connection must not stop the daemon.
func listenLoop(ctx context.Context, delay time.Duration, listen func(context.Context) error) {
	if delay <= 0 {
		delay = time.Second
	}
	for {
		err := listen(ctx)
		if ctx.Err() != nil {
			return
		}
		logging.Warn("change listener stopped, reconnecting", map[string]interface{}{
			"error": errString(err),
			"delay": delay.String(),
		})
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
