// Package rediskv implements the shared low-latency cache backend over
// Redis.
package rediskv

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/stratakv/stratakv/internal/config"
	"github.com/stratakv/stratakv/internal/router"
	"github.com/stratakv/stratakv/internal/types"
)

// envelope is the stored JSON record. Redis handles expiry natively via the
// key TTL; WrittenAt is kept for metadata merge ordering.
type envelope struct {
	Value     []byte            `json:"value"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	WrittenAt time.Time         `json:"written_at"`
}

// Store implements router.Adapter over a Redis instance.
type Store struct {
	name   string
	client *redis.Client
	logger *zap.Logger

	gets, puts, deletes, errs atomic.Uint64
}

// NewStore connects to Redis and verifies the connection.
func NewStore(ctx context.Context, name string, cfg config.RedisConfig, logger *zap.Logger) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", cfg.Addr, err)
	}
	return &Store{name: name, client: client, logger: logger}, nil
}

func (s *Store) Name() string            { return s.name }
func (s *Store) Kind() types.BackendKind { return types.BackendRedis }

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	s.gets.Add(1)

	raw, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		s.errs.Add(1)
		return nil, false, fmt.Errorf("reading key %q: %w", key, err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		s.logger.Warn("corrupt value, deleting", zap.String("key", key), zap.Error(err))
		s.client.Del(ctx, key)
		return nil, false, nil
	}
	return env.Value, true, nil
}

func (s *Store) Put(ctx context.Context, key string, value []byte, opts router.PutOptions) error {
	s.puts.Add(1)
	now := time.Now()

	env := envelope{
		Value:     value,
		Metadata:  opts.Metadata,
		WrittenAt: now,
	}

	// Merge metadata with the stored record, last write wins by timestamp.
	if raw, err := s.client.Get(ctx, key).Bytes(); err == nil {
		var prev envelope
		if json.Unmarshal(raw, &prev) == nil && len(prev.Metadata) > 0 {
			if now.Before(prev.WrittenAt) {
				env.Metadata = mergeMeta(opts.Metadata, prev.Metadata)
			} else {
				env.Metadata = mergeMeta(prev.Metadata, opts.Metadata)
			}
		}
	}

	encoded, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding envelope: %w", err)
	}

	if err := s.client.Set(ctx, key, encoded, opts.TTL).Err(); err != nil {
		s.errs.Add(1)
		return fmt.Errorf("writing key %q: %w", key, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	s.deletes.Add(1)
	if err := s.client.Del(ctx, key).Err(); err != nil {
		s.errs.Add(1)
		return fmt.Errorf("deleting key %q: %w", key, err)
	}
	return nil
}

func (s *Store) List(ctx context.Context, opts router.ListOptions) ([]string, error) {
	match := opts.Prefix + "*"
	var keys []string
	iter := s.client.Scan(ctx, 0, match, int64(opts.Limit)).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
		if opts.Limit > 0 && len(keys) >= opts.Limit {
			break
		}
	}
	if err := iter.Err(); err != nil {
		s.errs.Add(1)
		return nil, fmt.Errorf("scanning keys: %w", err)
	}
	return keys, nil
}

func (s *Store) Stats(ctx context.Context) (types.AdapterStats, error) {
	keys, err := s.client.DBSize(ctx).Result()
	if err != nil {
		return types.AdapterStats{}, fmt.Errorf("reading redis dbsize: %w", err)
	}
	return types.AdapterStats{
		Kind:    types.BackendRedis,
		Name:    s.name,
		Keys:    keys,
		Gets:    s.gets.Load(),
		Puts:    s.puts.Load(),
		Deletes: s.deletes.Load(),
		Errors:  s.errs.Load(),
	}, nil
}

func (s *Store) HealthCheck(ctx context.Context) (bool, []string) {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return false, []string{fmt.Sprintf("redis ping: %v", err)}
	}
	return true, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

func mergeMeta(base, winner map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(winner))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range winner {
		out[k] = v
	}
	return out
}
