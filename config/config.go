// Package config loads service configuration from the environment and an
// optional config file.
package config

import (
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"

	"portfolio-kanban/domain"
)

// Store drivers accepted in STORE_DRIVER.
const (
	// DriverAzure stores boards in Azure Table Storage and queues moves in
	// Azure Queue Storage.
	DriverAzure = "azure"
	// DriverSQLite stores boards in a local SQLite file and applies moves
	// in-process.
	DriverSQLite = "sqlite"
)

// Config holds the settings shared by the server, processor and CLI.
type Config struct {
	Debug bool

	StoreDriver      string
	ConnectionString string
	TypesTable       string
	StatesTable      string
	ItemsTable       string
	SettingsTable    string
	CommandQueue     string
	SQLitePath       string

	RedisConnection     string
	BoardUpdatesChannel string
	CacheTTL            time.Duration
	DeduperTTL          time.Duration

	Workspace domain.Workspace

	Auth0Domain   string
	Auth0Audience string
	Auth0TestMode bool
	TestJWTSecret string
	JWKSCacheTTL  time.Duration

	EnqueueWorkers        int
	EnqueueBuffer         int
	EnqueueTimeout        time.Duration
	EnqueueHandoffTimeout time.Duration

	ListenAddr string
}

// Load reads configuration. Values come from environment variables using the
// deployment's names (STORAGE_CONNECTION_STRING, STATES_TABLE, ...), optionally
// layered over the file named by KANBAN_CONFIG.
func Load() (Config, error) {
	v := viper.New()

	v.SetDefault("debug", false)
	v.SetDefault("store_driver", DriverAzure)
	v.SetDefault("types_table", "WorkflowTypes")
	v.SetDefault("states_table", "States")
	v.SetDefault("items_table", "PortfolioItems")
	v.SetDefault("settings_table", "BoardSettings")
	v.SetDefault("command_queue", "board-commands")
	v.SetDefault("sqlite_path", "kanban.db")
	v.SetDefault("board_updates_channel", "board-updates")
	v.SetDefault("cache_ttl", "5m")
	v.SetDefault("deduper_ttl", "24h")
	v.SetDefault("workspace_id", "default")
	v.SetDefault("drag_drop_ranking_enabled", true)
	v.SetDefault("policies_feature_enabled", true)
	v.SetDefault("functions_customhandler_port", "8080")
	v.SetDefault("jwks_cache_ttl", "15m")
	v.SetDefault("enqueue_workers", 32)
	v.SetDefault("enqueue_buffer", 4096)
	v.SetDefault("enqueue_timeout", "60s")
	v.SetDefault("enqueue_handoff_timeout", "15ms")

	for _, key := range []string{
		"storage_connection_string", "redis_connection_string",
		"auth0_domain", "auth0_audience", "auth0_test_mode", "test_jwt_secret",
	} {
		_ = v.BindEnv(key)
	}
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if path := v.GetString("kanban_config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cacheTTL, err := duration(v, "cache_ttl")
	if err != nil {
		return Config{}, err
	}
	deduperTTL, err := duration(v, "deduper_ttl")
	if err != nil {
		return Config{}, err
	}
	if deduperTTL <= 0 {
		return Config{}, fmt.Errorf("invalid DEDUPER_TTL: must be greater than zero")
	}
	jwksTTL, err := duration(v, "jwks_cache_ttl")
	if err != nil {
		return Config{}, err
	}
	enqueueTimeout, err := duration(v, "enqueue_timeout")
	if err != nil {
		return Config{}, err
	}
	handoffTimeout, err := duration(v, "enqueue_handoff_timeout")
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Debug:               v.GetBool("debug"),
		StoreDriver:         strings.ToLower(v.GetString("store_driver")),
		ConnectionString:    v.GetString("storage_connection_string"),
		TypesTable:          v.GetString("types_table"),
		StatesTable:         v.GetString("states_table"),
		ItemsTable:          v.GetString("items_table"),
		SettingsTable:       v.GetString("settings_table"),
		CommandQueue:        v.GetString("command_queue"),
		SQLitePath:          v.GetString("sqlite_path"),
		RedisConnection:     v.GetString("redis_connection_string"),
		BoardUpdatesChannel: v.GetString("board_updates_channel"),
		CacheTTL:            cacheTTL,
		DeduperTTL:          deduperTTL,
		Workspace: domain.Workspace{
			ID:                     v.GetString("workspace_id"),
			DragDropRankingEnabled: v.GetBool("drag_drop_ranking_enabled"),
			PoliciesEnabled:        v.GetBool("policies_feature_enabled"),
		},
		Auth0Domain:   v.GetString("auth0_domain"),
		Auth0Audience: v.GetString("auth0_audience"),
		Auth0TestMode: v.GetString("auth0_test_mode") == "1",
		TestJWTSecret: v.GetString("test_jwt_secret"),
		JWKSCacheTTL:  jwksTTL,

		EnqueueWorkers:        v.GetInt("enqueue_workers"),
		EnqueueBuffer:         v.GetInt("enqueue_buffer"),
		EnqueueTimeout:        enqueueTimeout,
		EnqueueHandoffTimeout: handoffTimeout,

		ListenAddr: ":" + v.GetString("functions_customhandler_port"),
	}
	return cfg, cfg.validate()
}

func duration(v *viper.Viper, key string) (time.Duration, error) {
	raw := v.GetString(key)
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("invalid %s: %q", strings.ToUpper(key), raw)
	}
	return d, nil
}

func (c Config) validate() error {
	switch c.StoreDriver {
	case DriverAzure:
		if c.ConnectionString == "" {
			return fmt.Errorf("missing storage config: STORAGE_CONNECTION_STRING")
		}
		if c.TypesTable == "" || c.StatesTable == "" || c.ItemsTable == "" || c.SettingsTable == "" || c.CommandQueue == "" {
			return fmt.Errorf("missing storage config: table and queue names are required")
		}
	case DriverSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("missing storage config: SQLITE_PATH")
		}
	default:
		return fmt.Errorf("unsupported STORE_DRIVER %q", c.StoreDriver)
	}
	if c.Workspace.ID == "" {
		return fmt.Errorf("missing WORKSPACE_ID")
	}
	if c.Auth0TestMode && c.TestJWTSecret == "" {
		return fmt.Errorf("TEST_JWT_SECRET must be set when AUTH0_TEST_MODE=1")
	}
	if c.EnqueueWorkers <= 0 || c.EnqueueBuffer < 0 {
		return fmt.Errorf("invalid ENQUEUE_WORKERS/ENQUEUE_BUFFER")
	}
	return nil
}

// RedisOptions parses the Redis connection string. Both redis:// URLs and the
// Azure "host:port,password=...,ssl=True" form are accepted.
func RedisOptions(conn string) (*redis.Options, error) {
	if conn == "" {
		return nil, fmt.Errorf("missing redis config")
	}
	if opts, err := redis.ParseURL(conn); err == nil {
		return opts, nil
	}
	parts := strings.Split(conn, ",")
	opts := &redis.Options{Addr: parts[0]}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(kv[0])) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.ToLower(kv[1]) == "true" {
				opts.TLSConfig = &tls.Config{}
			}
		}
	}
	return opts, nil
}
