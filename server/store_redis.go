package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces every key the Redis store writes.
const DefaultRedisPrefix = "canvasbridge:"

// RedisStoreConfig configures a RedisStore.
type RedisStoreConfig struct {
	// URL is a redis:// or rediss:// connection URL.
	URL string

	// Prefix defaults to DefaultRedisPrefix.
	Prefix string
}

// RedisStore keeps each template in a hash ("<prefix>template:<name>") and
// the set of names in "<prefix>templates".
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg RedisStoreConfig) (*RedisStore, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("redis url is required")
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}, nil
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) indexKey() string { return s.prefix + "templates" }

func (s *RedisStore) key(name string) string { return s.prefix + "template:" + name }

// List returns all templates in name order.
func (s *RedisStore) List(ctx context.Context) ([]TemplateRecord, error) {
	names, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("listing templates: %w", err)
	}
	sort.Strings(names)

	out := make([]TemplateRecord, 0, len(names))
	for _, name := range names {
		rec, ok, err := s.Get(ctx, name)
		if err != nil {
			return nil, err
		}
		// Deleted between SMEMBERS and HGETALL.
		if !ok {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *RedisStore) Get(ctx context.Context, name string) (TemplateRecord, bool, error) {
	clean := strings.TrimSpace(name)
	fields, err := s.client.HGetAll(ctx, s.key(clean)).Result()
	if err != nil {
		return TemplateRecord{}, false, fmt.Errorf("getting template %q: %w", clean, err)
	}
	if len(fields) == 0 {
		return TemplateRecord{}, false, nil
	}

	rec := TemplateRecord{Name: clean, Graph: json.RawMessage(fields["graph"])}
	if rec.CreatedAt, err = parseRedisTime(fields["created_at"]); err != nil {
		return TemplateRecord{}, false, fmt.Errorf("template %q created_at: %w", clean, err)
	}
	if rec.UpdatedAt, err = parseRedisTime(fields["updated_at"]); err != nil {
		return TemplateRecord{}, false, fmt.Errorf("template %q updated_at: %w", clean, err)
	}
	return rec, true, nil
}

func (s *RedisStore) Put(ctx context.Context, rec TemplateRecord) (bool, error) {
	name := strings.TrimSpace(rec.Name)
	key := s.key(name)

	// HSETNX keeps the original creation time on replace.
	created, err := s.client.HSetNX(ctx, key, "created_at", formatRedisTime(rec.CreatedAt)).Result()
	if err != nil {
		return false, fmt.Errorf("putting template %q: %w", name, err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			"graph", string(rec.Graph),
			"updated_at", formatRedisTime(rec.UpdatedAt),
		)
		pipe.SAdd(ctx, s.indexKey(), name)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("putting template %q: %w", name, err)
	}
	return created, nil
}

func (s *RedisStore) Delete(ctx context.Context, name string) error {
	clean := strings.TrimSpace(name)
	var del *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, s.key(clean))
		pipe.SRem(ctx, s.indexKey(), clean)
		return nil
	})
	if err != nil {
		return fmt.Errorf("deleting template %q: %w", clean, err)
	}
	if del.Val() == 0 {
		return ErrTemplateNotFound
	}
	return nil
}

func formatRedisTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseRedisTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, errors.New("missing timestamp")
	}
	return time.Parse(time.RFC3339Nano, s)
}

var _ TemplateStore = (*RedisStore)(nil)
