package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"orgline/internal/archive"
	"orgline/internal/audit"
	"orgline/internal/blocking"
	"orgline/internal/config"
	"orgline/internal/db"
	"orgline/internal/deadlock"
	"orgline/internal/engine"
	"orgline/internal/hierarchy"
	"orgline/internal/lifecycle"
	"orgline/internal/migrate"
	"orgline/internal/notify"
	"orgline/internal/repo"
)

// Services is every component of a workspace wired against one database.
type Services struct {
	DB           *sql.DB
	Workspace    string
	Repo         repo.Repo
	Config       *config.Live
	Audit        audit.Writer
	Validator    hierarchy.Validator
	Blocking     blocking.Engine
	Inbox        notify.Inbox
	Archiver     archive.Archiver
	Orchestrator lifecycle.Orchestrator
	Tasks        engine.Engine
	Monitor      deadlock.Monitor
	Logger       *slog.Logger
}

// ResolveConfig loads orgline.yml from the workspace, falling back to defaults named
// after the workspace directory when the file does not exist.
func ResolveConfig(workspace string) (*config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cfg != nil {
		return cfg, nil
	}
	abs, err := filepath.Abs(workspace)
	if err != nil {
		abs = workspace
	}
	return config.Default(filepath.Base(abs)), nil
}

// Build wires the services around an open, migrated database.
func Build(conn *sql.DB, workspace string, live *config.Live, logger *slog.Logger) Services {
	if logger == nil {
		logger = slog.Default()
	}
	r := repo.Repo{DB: conn}
	s := Services{
		DB:        conn,
		Workspace: workspace,
		Repo:      r,
		Config:    live,
		Audit:     audit.Writer{DB: conn, Now: time.Now},
		Logger:    logger,
	}
	s.Validator = hierarchy.Validator{Store: r, Config: live, Now: time.Now}
	s.Blocking = blocking.Engine{Store: r, Now: time.Now, Logger: logger.With("component", "blocking")}
	s.Inbox = notify.Inbox{Store: r, Workspace: workspace, Now: time.Now}
	s.Archiver = archive.Archiver{Workspace: workspace, Now: time.Now}
	s.Orchestrator = lifecycle.Orchestrator{
		DB:          conn,
		Store:       r,
		Validator:   s.Validator,
		Blocking:    s.Blocking,
		Audit:       s.Audit,
		Notifier:    s.Inbox,
		Archiver:    s.Archiver,
		Registry:    r,
		Queue:       r,
		Snapshots:   r,
		SnapshotDir: filepath.Join(db.StateDir(workspace), "snapshots"),
		Config:      live,
		Workspace:   workspace,
		Now:         time.Now,
		Logger:      logger.With("component", "lifecycle"),
	}
	s.Tasks = engine.New(conn, live)
	s.Tasks.Logger = logger.With("component", "tasks")
	s.Monitor = deadlock.Monitor{
		Store:    r,
		Detector: deadlock.StoreDetector{Store: r},
		Notifier: s.Inbox,
		Prefs:    live,
		Audit:    s.Audit,
		Logger:   logger.With("component", "deadlock"),
	}
	return s
}

// Open prepares the workspace, migrates its database and builds the services. The
// returned close function releases the database.
func Open(ctx context.Context, workspace string, logger *slog.Logger) (Services, func() error, error) {
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return Services{}, nil, err
	}
	cfg, err := ResolveConfig(workspace)
	if err != nil {
		return Services{}, nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return Services{}, nil, err
	}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return Services{}, nil, fmt.Errorf("migrate: %w", err)
	}
	return Build(conn, workspace, config.NewLive(cfg), logger), conn.Close, nil
}
