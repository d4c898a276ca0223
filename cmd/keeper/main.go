// Command keeper runs the API keeper service: credential auto-discovery,
// rail guards, request routing, and the admin HTTP API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/BrandonDucar/api-keeper/internal/api"
	"github.com/BrandonDucar/api-keeper/internal/config"
	"github.com/BrandonDucar/api-keeper/internal/db"
	"github.com/BrandonDucar/api-keeper/internal/discovery"
	"github.com/BrandonDucar/api-keeper/internal/guards"
	"github.com/BrandonDucar/api-keeper/internal/keystore"
	"github.com/BrandonDucar/api-keeper/internal/ratelimit"
	"github.com/BrandonDucar/api-keeper/internal/registry"
	"github.com/BrandonDucar/api-keeper/internal/router"
	"github.com/BrandonDucar/api-keeper/internal/scheduler"
	"github.com/BrandonDucar/api-keeper/internal/watcher"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Fatal("keeper exited")
	}
}

func run(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("keeper", flag.ContinueOnError)
	configPath := flags.String("config", "", "path to config.yaml")
	port := flags.Int("port", 0, "override listen port")
	verbose := flags.Bool("v", false, "enable debug logging")
	if errParse := flags.Parse(args); errParse != nil {
		return errParse
	}

	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	if *verbose {
		log.SetLevel(log.DebugLevel)
	}

	cfg, errLoad := config.Load(config.ResolveConfigPath(*configPath))
	if errLoad != nil {
		return fmt.Errorf("load config: %w", errLoad)
	}
	if *port > 0 {
		cfg.Port = *port
	}

	conn, errOpen := db.Open(cfg.DatabaseDSN)
	if errOpen != nil {
		return fmt.Errorf("open database: %w", errOpen)
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		return fmt.Errorf("migrate database: %w", errMigrate)
	}

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer func() { _ = redisClient.Close() }()
	}

	reg := registry.New(conn)
	store := keystore.New(conn, reg, cfg.Keeper.RequireKnownProvider)
	engine := discovery.New(reg, store,
		discovery.WithExtraEnvFiles(cfg.Keeper.ExtraEnvFiles),
		discovery.WithRequireKnownProvider(cfg.Keeper.RequireKnownProvider),
	)
	guardSvc := guards.New(conn)
	rt := router.New(conn, reg, store, guardSvc, nil)
	sched := scheduler.New(conn, reg, engine, store, guardSvc, cfg.Keeper.SchedulerInterval, cfg.Keeper.DisableDiscovery)
	limiter := ratelimit.NewManager(redisClient, cfg.Redis.Prefix)

	sched.Start(ctx)

	if !cfg.Keeper.DisableDiscovery {
		w, errWatch := watcher.New(engine.WatchPaths(), sched)
		if errWatch != nil {
			log.WithError(errWatch).Warn("file watcher unavailable")
		} else if w != nil {
			w.Start(ctx)
		}
	}

	server := api.New(cfg, reg, store, guardSvc, rt, sched, engine, limiter)
	return server.Start(ctx)
}
