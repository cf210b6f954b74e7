package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	log "github.com/sirupsen/logrus"

	"portfolio-kanban/config"
	"portfolio-kanban/internal/bootstrap"
	"portfolio-kanban/storage"
)

func main() {
	seedPath := flag.String("seed", "", "YAML file with types, states and items to load")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	}
	log.Info("storage init starting")

	ctx := context.Background()

	if cfg.StoreDriver == config.DriverAzure {
		if err := createTables(ctx, cfg.ConnectionString, []string{
			cfg.TypesTable,
			cfg.StatesTable,
			cfg.ItemsTable,
			cfg.SettingsTable,
		}); err != nil {
			log.Fatalf("create tables: %v", err)
		}
		if err := createQueues(ctx, cfg.ConnectionString, []string{cfg.CommandQueue}); err != nil {
			log.Fatalf("create queues: %v", err)
		}
	}

	// Opening the SQLite store creates its schema.
	st, closeStore, err := bootstrap.OpenStore(cfg)
	if err != nil {
		log.Fatal(err)
	}
	defer closeStore()

	if *seedPath != "" {
		seed, err := storage.LoadSeed(*seedPath)
		if err != nil {
			log.Fatalf("seed: %v", err)
		}
		if err := storage.ApplySeed(ctx, st, seed, time.Now()); err != nil {
			log.Fatalf("apply seed: %v", err)
		}
		log.Infof("seeded workspace %s with %d types", seed.Workspace, len(seed.Types))

		rc, err := bootstrap.Redis(ctx, cfg)
		if err != nil {
			log.Fatal(err)
		}
		if rc != nil {
			cache := storage.NewCache(st, rc, cfg.CacheTTL)
			for _, t := range seed.Types {
				cache.EvictBoard(ctx, seed.Workspace, t.Ref)
			}
			_ = rc.Close()
		}
	}

	log.Info("storage init complete")
}

func createTables(ctx context.Context, connStr string, names []string) error {
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, nil)
	if err != nil {
		return err
	}
	for _, name := range names {
		if name == "" {
			continue
		}
		_, err := svc.NewClient(name).CreateTable(ctx, nil)
		if err := ignoreExists(err, string(aztables.TableAlreadyExists)); err != nil {
			return fmt.Errorf("table %s: %w", name, err)
		}
		log.Debugf("table %s ready", name)
	}
	return nil
}

func createQueues(ctx context.Context, connStr string, names []string) error {
	for _, name := range names {
		if name == "" {
			continue
		}
		q, err := azqueue.NewQueueClientFromConnectionString(connStr, name, nil)
		if err != nil {
			return err
		}
		_, err = q.Create(ctx, nil)
		if err := ignoreExists(err, "QueueAlreadyExists"); err != nil {
			return fmt.Errorf("queue %s: %w", name, err)
		}
		log.Debugf("queue %s ready", name)
	}
	return nil
}

// ignoreExists drops the service error carrying code so reruns are no-ops.
func ignoreExists(err error, code string) error {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) && respErr.ErrorCode == code {
		return nil
	}
	return err
}
