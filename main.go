package main

import (
	"context"

	"github.com/labstack/echo-contrib/pprof"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	log "github.com/sirupsen/logrus"

	"portfolio-kanban/api"
	"portfolio-kanban/board"
	"portfolio-kanban/config"
	"portfolio-kanban/internal/bootstrap"
	"portfolio-kanban/processor"
	"portfolio-kanban/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	}
	logger := log.StandardLogger()
	ctx := context.Background()

	base, closeStore, err := bootstrap.OpenStore(cfg)
	if err != nil {
		log.Fatal(err)
	}
	defer closeStore()

	rc, err := bootstrap.Redis(ctx, cfg)
	if err != nil {
		log.Fatal(err)
	}
	if rc == nil && cfg.StoreDriver == config.DriverAzure {
		log.Fatal("missing redis config")
	}

	cache := storage.NewCache(base, rc, cfg.CacheTTL)

	auth, err := bootstrap.Auth(cfg)
	if err != nil {
		log.Fatal(err)
	}

	deps := api.Deps{
		Store:          cache,
		Boards:         board.NewService(cache, nil),
		Auth:           auth,
		Workspace:      cfg.Workspace,
		Logger:         logger,
		Redis:          rc,
		UpdatesChannel: cfg.BoardUpdatesChannel,
		EnqueueTimeout: cfg.EnqueueTimeout,
	}
	if rc != nil {
		deps.Deduper = api.NewRedisDeduper(rc, cfg.DeduperTTL)
	}
	var queue api.CommandQueue = cache
	if cfg.StoreDriver == config.DriverSQLite {
		// No queue in front of SQLite: moves are applied in-process.
		queue = processor.New(base, cache, rc, cfg.BoardUpdatesChannel, logger)
	}
	deps.Queue = queue
	deps.Sender = api.NewCommandSender(queue, deps.Deduper, logger, api.SenderConfig{
		Workers:        cfg.EnqueueWorkers,
		Buffer:         cfg.EnqueueBuffer,
		Timeout:        cfg.EnqueueTimeout,
		HandoffTimeout: cfg.EnqueueHandoffTimeout,
	})
	defer deps.Sender.Close()

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, echo.HeaderContentEncoding},
	}))
	e.Use(api.DecompressRequests())
	if cfg.Debug {
		pprof.Register(e)
	}

	api.Register(e, deps)

	log.Infof("portfolio kanban listening on %s (store: %s, workspace: %s)", cfg.ListenAddr, cfg.StoreDriver, cfg.Workspace.ID)
	if err := e.Start(cfg.ListenAddr); err != nil {
		log.Error(err)
	}
	if rc != nil {
		_ = rc.Close()
	}
}
