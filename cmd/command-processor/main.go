package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

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
	if cfg.StoreDriver != config.DriverAzure {
		log.Fatalf("command processor requires STORE_DRIVER=%s", config.DriverAzure)
	}
	log.Info("command processor starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	base, closeStore, err := bootstrap.OpenStore(cfg)
	if err != nil {
		log.Fatal(err)
	}
	defer closeStore()
	st, ok := base.(*storage.Storage)
	if !ok {
		log.Fatal("command processor requires table storage")
	}

	rc, err := bootstrap.Redis(ctx, cfg)
	if err != nil {
		log.Fatal(err)
	}
	if rc == nil {
		log.Fatal("missing redis config")
	}
	defer rc.Close()

	p := processor.New(st, storage.NewCache(st, rc, cfg.CacheTTL), rc, cfg.BoardUpdatesChannel, log.StandardLogger())
	p.Run(ctx, st.Queue(), time.Second)
	log.Info("command processor stopped")
}
