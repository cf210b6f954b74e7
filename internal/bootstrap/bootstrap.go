// Package bootstrap builds the stores and clients shared by the server, the
// command processor and the CLI from a config.Config.
package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"portfolio-kanban/api"
	"portfolio-kanban/config"
	"portfolio-kanban/storage"
	"portfolio-kanban/storage/sqlite"
)

// OpenStore opens the store selected by cfg.StoreDriver. The returned close
// function releases it.
func OpenStore(cfg config.Config) (storage.Store, func() error, error) {
	switch cfg.StoreDriver {
	case config.DriverAzure:
		st, err := storage.New(cfg.ConnectionString, storage.Tables{
			Types:        cfg.TypesTable,
			States:       cfg.StatesTable,
			Items:        cfg.ItemsTable,
			Settings:     cfg.SettingsTable,
			CommandQueue: cfg.CommandQueue,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("storage: %w", err)
		}
		return st, func() error { return nil }, nil
	case config.DriverSQLite:
		st, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return st, st.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported store driver %q", cfg.StoreDriver)
	}
}

// Redis connects to the configured Redis. It returns nil when no connection
// string is set.
func Redis(ctx context.Context, cfg config.Config) (*redis.Client, error) {
	if cfg.RedisConnection == "" {
		return nil, nil
	}
	opts, err := config.RedisOptions(cfg.RedisConnection)
	if err != nil {
		return nil, err
	}
	rc := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rc.Ping(pingCtx).Err(); err != nil {
		_ = rc.Close()
		return nil, fmt.Errorf("redis: %w", err)
	}
	return rc, nil
}

// Auth builds the token validator. Test mode uses the shared HS256 secret;
// otherwise keys come from the Auth0 tenant's JWKS endpoint.
func Auth(cfg config.Config) (*api.Auth, error) {
	if cfg.Auth0TestMode {
		log.Warn("AUTH0_TEST_MODE enabled; accepting HS256 tokens signed with TEST_JWT_SECRET")
		return api.NewAuth(api.AuthConfig{
			SharedSecret: []byte(cfg.TestJWTSecret),
			Audience:     cfg.Auth0Audience,
		}), nil
	}
	if cfg.Auth0Audience == "" || cfg.Auth0Domain == "" {
		return nil, fmt.Errorf("missing Auth0 config")
	}
	jwksURL := fmt.Sprintf("https://%s/.well-known/jwks.json", cfg.Auth0Domain)
	jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{
		RefreshInterval:   time.Hour,
		RefreshUnknownKID: true,
		RefreshErrorHandler: func(err error) {
			log.Errorf("jwks refresh: %v", err)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("jwks: %w", err)
	}
	return api.NewAuth(api.AuthConfig{
		JWKS:        jwks,
		Audience:    cfg.Auth0Audience,
		Issuer:      "https://" + cfg.Auth0Domain + "/",
		KeyCacheTTL: cfg.JWKSCacheTTL,
	}), nil
}
