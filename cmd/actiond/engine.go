package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/lib/pq" // Postgres Driver
	"go.opentelemetry.io/otel/metric"
	_ "modernc.org/sqlite"

	"github.com/Mindburn-Labs/actiond/pkg/actionlog"
	"github.com/Mindburn-Labs/actiond/pkg/alerting"
	"github.com/Mindburn-Labs/actiond/pkg/config"
	"github.com/Mindburn-Labs/actiond/pkg/credentials"
	"github.com/Mindburn-Labs/actiond/pkg/dispatch"
	"github.com/Mindburn-Labs/actiond/pkg/factory"
	"github.com/Mindburn-Labs/actiond/pkg/observability"
	"github.com/Mindburn-Labs/actiond/pkg/signing"
	"github.com/Mindburn-Labs/actiond/pkg/targets"
)

const targetCacheTTL = 5 * time.Minute

// database is the storage every subcommand needs.
type database struct {
	cfg   *config.Config
	db    *sql.DB
	store *actionlog.SQLStore
	lite  bool
}

func openDatabase(ctx context.Context, cfg *config.Config) (*database, error) {
	var (
		db  *sql.DB
		err error
	)
	path, lite := cfg.SQLite()
	if lite {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0750); err != nil {
				return nil, fmt.Errorf("failed to create data dir: %w", err)
			}
		}
		db, err = sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	} else {
		db, err = sql.Open("postgres", cfg.DatabaseURL)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}
	return &database{cfg: cfg, db: db, store: actionlog.NewSQLStore(db), lite: lite}, nil
}

// migrate creates every table actiond owns.
func (d *database) migrate(ctx context.Context) error {
	if err := d.store.Init(ctx); err != nil {
		return err
	}
	if err := targets.NewSQLRegistry(d.db).Init(ctx); err != nil {
		return fmt.Errorf("targets: migrate: %w", err)
	}
	if err := credentials.NewVault(d.db, nil).Init(ctx); err != nil {
		return fmt.Errorf("credentials: migrate: %w", err)
	}
	return nil
}

func (d *database) Close() error { return d.db.Close() }

// engine wires the dispatch pipeline on top of a database.
type engine struct {
	*database
	resolver   targets.Resolver
	vault      *credentials.Vault
	signer     *signing.Signer
	dispatcher *dispatch.Dispatcher
	hook       *alerting.Hook
	factory    *factory.Factory
	telemetry  *observability.Provider
	meter      metric.Meter
	closers    []func() error
}

func newEngine(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	d, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	e := &engine{database: d}
	if err := e.wire(ctx, logger); err != nil {
		_ = e.Close()
		return nil, err
	}
	return e, nil
}

func (e *engine) wire(ctx context.Context, logger *slog.Logger) error {
	cfg := e.cfg
	if e.lite {
		logger.Info("lite mode: using sqlite", "database", cfg.DatabaseURL)
		if err := e.migrate(ctx); err != nil {
			return err
		}
	}

	if cfg.CatalogPath != "" {
		catalog, err := targets.LoadCatalog(cfg.CatalogPath)
		if err != nil {
			return err
		}
		e.resolver = catalog
	} else {
		e.resolver = targets.NewSQLRegistry(e.db)
	}
	if cfg.RedisAddr != "" {
		cached := targets.NewCachedResolver(e.resolver, cfg.RedisAddr, targetCacheTTL)
		e.closers = append(e.closers, cached.Close)
		e.resolver = cached
	}

	key, err := credentials.DeriveKey([]byte(cfg.CredentialsKey), "sources")
	if err != nil {
		return err
	}
	cipher, err := credentials.NewCipher(key)
	if err != nil {
		return err
	}
	e.vault = credentials.NewVault(e.db, cipher)

	e.signer, err = signing.New([]byte(cfg.SigningSecret))
	if err != nil {
		return err
	}

	otelCfg := observability.DefaultConfig()
	otelCfg.ServiceVersion = version
	otelCfg.Enabled = cfg.OTelEnabled
	if cfg.OTelEndpoint != "" {
		otelCfg.OTLPEndpoint = cfg.OTelEndpoint
	}
	e.telemetry, err = observability.New(ctx, otelCfg)
	if err != nil {
		return err
	}
	e.meter = e.telemetry.Meter()
	e.closers = append(e.closers, func() error {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return e.telemetry.Shutdown(sctx)
	})

	var pager alerting.Pager = alerting.LogPager{Logger: logger}
	if cfg.PagerURL != "" {
		pager = alerting.NewHTTPPager(cfg.PagerURL)
	}
	e.hook = alerting.NewHook(e.resolver, pager, cfg.AdminBaseURL)

	e.dispatcher = dispatch.New(e.store, e.signer, dispatch.Config{
		WorkerURL: cfg.WorkerURL,
		Grace:     cfg.DelayedGrace,
		RPS:       cfg.DispatchRPS,
	}, dispatch.WithLogger(logger.With("component", "dispatch")))

	e.factory = factory.New(e.store, e.resolver, e.vault, factory.Config{
		TTL:        cfg.ActionTTL,
		PublicHost: cfg.PublicHost,
	}, factory.WithEventSink(e.hook))
	return nil
}

func (e *engine) Close() error {
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		errs = append(errs, e.closers[i]())
	}
	errs = append(errs, e.database.Close())
	return errors.Join(errs...)
}
