package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/example/tablebook/internal/application/reconcile"
	"github.com/example/tablebook/internal/application/usecases"
	"github.com/example/tablebook/internal/config"
	"github.com/example/tablebook/internal/db"
	"github.com/example/tablebook/internal/domain/reservation"
	"github.com/example/tablebook/internal/infrastructure/crypto"
	"github.com/example/tablebook/internal/infrastructure/memory"
	"github.com/example/tablebook/internal/infrastructure/postgres"
	"github.com/example/tablebook/internal/infrastructure/redisledger"
	"github.com/example/tablebook/internal/logging"
	"github.com/example/tablebook/internal/migrate"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// ledger is what the drivers provide for availability.
type ledger interface {
	reservation.Ledger
	reservation.Inventory
}

// app holds the wired backends for one command invocation.
type app struct {
	cfg   config.Config
	log   *zap.Logger
	db    *db.DB
	redis *redis.Client

	ledger ledger
	store  reservation.Store
	users  usecases.UserRepo

	coord usecases.Coordinator
	staff usecases.StaffService
}

func loadConfig() (config.Config, error) {
	return config.Load(configPath)
}

// openApp connects the configured backends. Postgres migrations run when
// migrateUp is set.
func openApp(ctx context.Context, cfg config.Config, migrateUp bool) (*app, error) {
	log, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: log}

	if cfg.NeedsPostgres() {
		d, err := db.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		a.db = d
		if err := d.Ping(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("db ping: %w", err)
		}
		if migrateUp {
			if err := migrate.Up(ctx, d); err != nil {
				a.Close()
				return nil, err
			}
		}
	}

	switch cfg.LedgerDriver {
	case config.DriverPostgres:
		a.ledger = postgres.NewLedger(a.db)
	case config.DriverRedis:
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if err := a.redis.Ping(pingCtx).Err(); err != nil {
			a.Close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		a.ledger = redisledger.NewLedger(a.redis)
	default:
		a.ledger = memory.NewLedger()
	}

	switch cfg.StoreDriver {
	case config.DriverPostgres:
		var aead *crypto.AEAD
		if len(cfg.PIIKey) > 0 {
			if aead, err = crypto.New(cfg.PIIKey); err != nil {
				a.Close()
				return nil, fmt.Errorf("PII_KEY: %w", err)
			}
		}
		a.store = postgres.NewStore(a.db, aead)
	default:
		a.store = memory.NewStore()
	}

	if a.db != nil {
		a.users = postgres.NewUserRepo(a.db)
	} else {
		a.users = memory.NewUsers()
	}

	a.coord = usecases.Coordinator{
		Ledger:          a.ledger,
		Store:           a.store,
		Log:             log.Named("coordinator"),
		SearchWindow:    cfg.SearchWindow,
		DefaultDuration: cfg.DefaultDuration,
		MaxHoldAttempts: cfg.MaxHoldAttempts,
	}
	a.staff = usecases.StaffService{
		Inventory: a.ledger,
		Store:     a.store,
		Location:  cfg.Location,
		Log:       log.Named("staff"),
	}

	log.Debug("backends ready",
		zap.String("ledger", cfg.LedgerDriver),
		zap.String("store", cfg.StoreDriver))
	return a, nil
}

func (a *app) reconciler() *reconcile.Reconciler {
	return &reconcile.Reconciler{
		Ledger:    a.ledger,
		Inventory: a.ledger,
		Store:     a.store,
		Log:       a.log.Named("reconcile"),
		Interval:  a.cfg.ReconcileInterval,
		Grace:     a.cfg.ReconcileGrace,
	}
}

// seedIfEmpty fills an empty restaurant with demo tables and slots.
func (a *app) seedIfEmpty(ctx context.Context) error {
	tables, err := a.staff.Tables(ctx, a.cfg.RestaurantID)
	if err != nil {
		return err
	}
	if len(tables) > 0 {
		return nil
	}
	a.log.Info("seeding demo restaurant", zap.String("restaurant_id", a.cfg.RestaurantID))
	return a.staff.SeedDemo(ctx, a.cfg.RestaurantID, time.Now(), 7)
}

func (a *app) Close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
	_ = a.log.Sync()
}
