package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/kimhsiao/today/backend/internal/config"
	"github.com/kimhsiao/today/backend/internal/db"
	"github.com/kimhsiao/today/backend/internal/export"
	"github.com/kimhsiao/today/backend/internal/logging"
	syncpkg "github.com/kimhsiao/today/backend/internal/sync"
	"github.com/kimhsiao/today/backend/internal/sync/queue"
	"github.com/kimhsiao/today/backend/internal/sync/remote/memory"
	"github.com/kimhsiao/today/backend/internal/sync/remote/postgres"
	"github.com/kimhsiao/today/backend/internal/tracker"
)

// app wires the store, queue, engine and services for one command.
type app struct {
	cfg    *config.Config
	log    *logging.Logger
	out    io.Writer
	asJSON bool

	db      *db.DB
	store   *db.Store
	queue   *queue.Queue
	pool    *pgxpool.Pool
	remote  syncpkg.Remote
	engine  *syncpkg.Engine
	tracker *tracker.Service
	export  *export.Service
}

func loadConfig(flags *globalFlags) (*config.Config, error) {
	path := flags.configPath
	if path == "" {
		path = os.Getenv("TODAY_CONFIG")
	}
	cfg, err := config.LoadFile(path)
	if err != nil {
		return nil, err
	}
	if flags.remote == "" && flags.user == "" {
		return cfg, nil
	}
	if flags.remote != "" {
		cfg.Remote.Kind = flags.remote
	}
	if flags.user != "" {
		cfg.User.ID = flags.user
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}
	return cfg, nil
}

func openApp(ctx context.Context, flags *globalFlags, out io.Writer) (*app, error) {
	cfg, err := loadConfig(flags)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:    cfg,
		out:    out,
		asJSON: flags.json,
		log:    setupLogging(cfg),
	}

	a.db, err = db.Open(ctx, cfg.Store.DataDir)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.store = db.NewStore(a.db)
	a.queue = queue.New(a.db, queue.Options{MaxSize: cfg.Store.MaxQueueSize})

	switch cfg.Remote.Kind {
	case "postgres":
		a.pool, err = postgres.NewPool(ctx, postgres.PoolConfig{
			DSN:             cfg.Remote.DSN,
			MaxConns:        cfg.Remote.MaxConns,
			MinConns:        cfg.Remote.MinConns,
			MaxConnLifetime: cfg.Remote.MaxConnLifetime,
			MaxConnIdleTime: cfg.Remote.MaxConnIdleTime,
		})
		if err != nil {
			a.Close()
			return nil, err
		}
		a.remote = postgres.New(a.pool)
	default:
		// Lives only as long as the process.
		a.remote = memory.New()
	}

	a.engine = syncpkg.NewEngine(a.store, a.queue, a.remote, syncpkg.Options{
		MaxRetries: cfg.Sync.MaxRetries,
		Backoff:    cfg.Sync.Backoff,
	})
	a.tracker = tracker.New(a.store, a.queue, tracker.Options{OwnerID: cfg.User.ID})
	a.export = export.NewService(a.store, a.tracker)
	return a, nil
}

// Close releases the remote pool, the store lock and the log file.
func (a *app) Close() {
	if a.pool != nil {
		a.pool.Close()
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			logging.Warn("failed to close store", map[string]interface{}{"error": err.Error()})
		}
	}
	if a.log != nil {
		a.log.Close()
	}
}

// withApp adapts fn into a cobra RunE that opens and closes the app.
func withApp(flags *globalFlags, fn func(ctx context.Context, a *app, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		a, err := openApp(ctx, flags, cmd.OutOrStdout())
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(ctx, a, args)
	}
}

// printJSON writes v as indented JSON.
func (a *app) printJSON(v interface{}) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (a *app) printf(format string, args ...interface{}) {
	fmt.Fprintf(a.out, format, args...)
}
