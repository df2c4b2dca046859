package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newSQLiteTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	store, err := NewSQLiteStore(SQLiteStoreConfig{DSN: dsn})
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testTemplateStore(t *testing.T, store TemplateStore) {
	ctx := context.Background()
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	created, err := store.Put(ctx, TemplateRecord{
		Name: "b", Graph: json.RawMessage(`{"nodes":[]}`), CreatedAt: t0, UpdatedAt: t0,
	})
	if err != nil || !created {
		t.Fatalf("Put b: created=%v err=%v", created, err)
	}
	if _, err := store.Put(ctx, TemplateRecord{Name: "a", Graph: json.RawMessage(`{}`), CreatedAt: t0, UpdatedAt: t0}); err != nil {
		t.Fatal(err)
	}

	later := t0.Add(time.Hour)
	created, err = store.Put(ctx, TemplateRecord{
		Name: "b", Graph: json.RawMessage(`{"nodes":[1]}`), CreatedAt: later, UpdatedAt: later,
	})
	if err != nil || created {
		t.Fatalf("replace b: created=%v err=%v", created, err)
	}

	rec, ok, err := store.Get(ctx, "b")
	if err != nil || !ok {
		t.Fatalf("Get b: ok=%v err=%v", ok, err)
	}
	if string(rec.Graph) != `{"nodes":[1]}` {
		t.Errorf("Graph = %s", rec.Graph)
	}
	if !rec.CreatedAt.Equal(t0) || !rec.UpdatedAt.Equal(later) {
		t.Errorf("CreatedAt = %v UpdatedAt = %v", rec.CreatedAt, rec.UpdatedAt)
	}

	list, err := store.List(ctx)
	if err != nil || len(list) != 2 || list[0].Name != "a" || list[1].Name != "b" {
		t.Fatalf("List = %+v err=%v", list, err)
	}

	if _, ok, _ := store.Get(ctx, "missing"); ok {
		t.Error("Get missing reported ok")
	}
	if err := store.Delete(ctx, "a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := store.Delete(ctx, "a"); !errors.Is(err, ErrTemplateNotFound) {
		t.Errorf("second Delete err = %v", err)
	}
}

// newRedisTestStore connects to CANVASBRIDGE_TEST_REDIS_URL and skips the
// test when it is unset.
func newRedisTestStore(t *testing.T) *RedisStore {
	t.Helper()
	url := os.Getenv("CANVASBRIDGE_TEST_REDIS_URL")
	if url == "" {
		t.Skip("CANVASBRIDGE_TEST_REDIS_URL not set")
	}
	prefix := fmt.Sprintf("canvasbridge-test:%s:%s:", t.Name(), uuid.NewString())
	store, err := NewRedisStore(context.Background(), RedisStoreConfig{URL: url, Prefix: prefix})
	if err != nil {
		t.Fatalf("NewRedisStore: %v", err)
	}
	t.Cleanup(func() {
		ctx := context.Background()
		if keys, err := store.client.Keys(ctx, prefix+"*").Result(); err == nil && len(keys) > 0 {
			_ = store.client.Del(ctx, keys...).Err()
		}
		_ = store.Close()
	})
	return store
}

func TestMemoryStore(t *testing.T) {
	testTemplateStore(t, NewMemoryStore())
}

func TestSQLiteStore(t *testing.T) {
	testTemplateStore(t, newSQLiteTestStore(t))
}

func TestRedisStore(t *testing.T) {
	testTemplateStore(t, newRedisTestStore(t))
}

func TestNewRedisStore_Config(t *testing.T) {
	ctx := context.Background()
	if _, err := NewRedisStore(ctx, RedisStoreConfig{}); err == nil {
		t.Error("expected error for empty URL")
	}
	if _, err := NewRedisStore(ctx, RedisStoreConfig{URL: "http://not-redis"}); err == nil {
		t.Error("expected error for a non-redis URL")
	}
}

func TestMemoryStore_GetReturnsCopy(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	_, _ = store.Put(ctx, TemplateRecord{Name: "x", Graph: json.RawMessage(`{"a":1}`)})
	rec, _, _ := store.Get(ctx, "x")
	rec.Graph[0] = '['
	again, _, _ := store.Get(ctx, "x")
	if string(again.Graph) != `{"a":1}` {
		t.Errorf("stored graph mutated: %s", again.Graph)
	}
}

func TestNewSQLiteStore_RequiresDSN(t *testing.T) {
	if _, err := NewSQLiteStore(SQLiteStoreConfig{}); err == nil {
		t.Error("expected error for empty DSN")
	}
}
