package app

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"civicwater/internal/config"
	"civicwater/internal/db"
	"civicwater/internal/engine"
	"civicwater/internal/files"
	"civicwater/internal/fixtures"
	"civicwater/internal/logging"
	"civicwater/internal/login"
	"civicwater/internal/migrate"
	"civicwater/internal/notify"
	"civicwater/internal/pgstore"
	"civicwater/internal/repo"
	"civicwater/internal/scheduler"
	"civicwater/internal/tracking"
)

type Options struct {
	Workspace string
	// ConfigPath overrides <workspace>/civicwater.yml.
	ConfigPath string
	JWTSecret  string
	// Seed loads the demo directory and records on an empty workspace.
	Seed bool
	Log  *zerolog.Logger
}

// Context holds the services of one open workspace.
type Context struct {
	Config   *config.Config
	DB       *sql.DB
	Engine   engine.Engine
	Login    login.Service
	Tracking tracking.Service
	Log      zerolog.Logger

	// Records serves tracking reads: the SQLite repo, or the Postgres read
	// model when storage.driver is postgres.
	Records repo.StatusRecordRepository

	pg      *pgstore.Store
	nats    *notify.NATSPublisher
	closeMu sync.Mutex
	closed  bool
}

// Open loads config, opens and migrates the database and builds services.
func Open(ctx context.Context, opts Options) (*Context, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	log := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if opts.Log != nil {
		log = *opts.Log
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	if opts.Seed {
		n, err := fixtures.Seed(ctx, conn)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("seed: %w", err)
		}
		if n > 0 {
			log.Info().Int("records", n).Msg("seeded demo records")
		}
	}

	eng := engine.New(conn, cfg)
	basePath := cfg.Portal.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	eng.Files = files.Store{Dir: db.FilesDir(opts.Workspace), URLPrefix: path.Join(basePath, "files")}
	eng.Log = logging.Component(log, "engine")

	secret := opts.JWTSecret
	if secret == "" {
		secret = os.Getenv("CIVICWATER_JWT_SECRET")
	}
	lg := login.New(conn, cfg, secret)
	lg.Log = logging.Component(log, "login")
	lg.Sender = login.LogSender{Log: lg.Log}

	c := &Context{
		Config:  cfg,
		DB:      conn,
		Engine:  eng,
		Login:   lg,
		Log:     log,
		Records: eng.Repo,
	}
	if strings.EqualFold(cfg.Storage.Driver, "postgres") {
		pg, err := pgstore.Open(ctx, cfg.Storage.PostgresDSN)
		if err != nil {
			conn.Close()
			return nil, err
		}
		c.pg = pg
		c.Records = pg
	}
	c.Tracking = tracking.New(c.Records, cfg.Tracking.Timeout.Duration)
	return c, nil
}

func loadConfig(opts Options) (*config.Config, error) {
	if opts.ConfigPath != "" {
		return config.FromFile(opts.ConfigPath)
	}
	return config.LoadOptional(opts.Workspace)
}

// Publisher builds the outbox fan-out (the Postgres mirror first, then NATS
// and webhooks when configured) and returns the outbox cursor to dispatch
// from. The cursor is read before the mirror syncs.
func (c *Context) Publisher(ctx context.Context) (notify.Publisher, int64, error) {
	var (
		pubs   notify.Multi
		cursor int64
		err    error
	)
	if c.pg != nil {
		m := pgstore.Mirror{Store: c.pg, Source: c.Engine.Repo, Log: logging.Component(c.Log, "mirror")}
		if cursor, err = m.Prime(ctx, c.Engine.Repo); err != nil {
			return nil, 0, err
		}
		pubs = append(pubs, m)
	} else if cursor, err = c.Engine.Repo.LatestEventID(ctx); err != nil {
		return nil, 0, err
	}
	if url := strings.TrimSpace(c.Config.Notify.NATSURL); url != "" {
		np, err := notify.ConnectNATS(url, c.Config.Notify.SubjectPrefix, logging.Component(c.Log, "nats"))
		if err != nil {
			return nil, 0, fmt.Errorf("connect nats: %w", err)
		}
		c.nats = np
		pubs = append(pubs, np)
	}
	if len(c.Config.Notify.Webhooks) > 0 {
		pubs = append(pubs, notify.WebhookPublisher{Hooks: c.Config.Notify.Webhooks})
	}
	return pubs, cursor, nil
}

// RunBackground starts the outbox dispatcher and the scheduler and blocks
// until ctx is done.
func (c *Context) RunBackground(ctx context.Context) error {
	pub, cursor, err := c.Publisher(ctx)
	if err != nil {
		return err
	}
	var wg sync.WaitGroup
	if multi, ok := pub.(notify.Multi); !ok || len(multi) > 0 {
		d := &notify.Dispatcher{
			Source:    c.Engine.Repo,
			Publisher: pub,
			Interval:  c.Config.Notify.Interval.Duration,
			Log:       logging.Component(c.Log, "notify"),
		}
		d.StartAt(cursor)
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.Run(ctx)
		}()
	}
	s := scheduler.New(logging.Component(c.Log, "scheduler"))
	if err := scheduler.RegisterRTSSweep(s, c.Engine, c.Config.Scheduler.RTSSweep); err != nil {
		return err
	}
	_ = s.Start(ctx)
	wg.Wait()
	return nil
}

func (c *Context) Close() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.nats != nil {
		_ = c.nats.Close()
	}
	if c.pg != nil {
		c.pg.Close()
	}
	return c.DB.Close()
}
