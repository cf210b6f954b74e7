package bootstrap

import (
	"context"
	"path/filepath"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"

	"portfolio-kanban/config"
	"portfolio-kanban/domain"
)

func TestOpenStoreSQLite(t *testing.T) {
	cfg := config.Config{StoreDriver: config.DriverSQLite, SQLitePath: filepath.Join(t.TempDir(), "db", "kanban.db")}
	st, closeFn, err := OpenStore(cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer closeFn()

	ctx := context.Background()
	if err := st.UpsertType(ctx, "ws", domain.WorkflowType{Ref: "feature", Name: "Feature"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	types, err := st.FetchTypes(ctx, "ws")
	if err != nil || len(types) != 1 {
		t.Fatalf("fetch types = %v, %v", types, err)
	}
}

func TestOpenStoreUnknownDriver(t *testing.T) {
	if _, _, err := OpenStore(config.Config{StoreDriver: "mongo"}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestRedis(t *testing.T) {
	rc, err := Redis(context.Background(), config.Config{})
	if err != nil || rc != nil {
		t.Fatalf("expected no client without connection string, got %v, %v", rc, err)
	}

	m, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	addr := m.Addr()
	rc, err = Redis(context.Background(), config.Config{RedisConnection: addr})
	if err != nil || rc == nil {
		t.Fatalf("connect: %v", err)
	}
	rc.Close()

	m.Close()
	if _, err := Redis(context.Background(), config.Config{RedisConnection: addr}); err == nil {
		t.Fatalf("expected ping failure")
	}
}

func TestAuthConfig(t *testing.T) {
	if _, err := Auth(config.Config{}); err == nil {
		t.Fatalf("expected missing Auth0 config error")
	}
	a, err := Auth(config.Config{Auth0TestMode: true, TestJWTSecret: "secret"})
	if err != nil || a == nil {
		t.Fatalf("test mode auth: %v", err)
	}
}
