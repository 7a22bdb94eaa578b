// Package natskv implements the actor-backed low-latency backend over a
// NATS JetStream key-value bucket. The bucket has a single writer per
// deployment; readers go through JetStream replicas.
package natskv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/stratakv/stratakv/internal/config"
	"github.com/stratakv/stratakv/internal/router"
	"github.com/stratakv/stratakv/internal/types"
	"github.com/stratakv/stratakv/pkg/natsutil"
)

// envelope is the stored JSON record. JetStream KV TTLs are per bucket, so
// expiry is carried in the envelope and enforced lazily on read.
type envelope struct {
	Value     []byte            `json:"value"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	WrittenAt time.Time         `json:"written_at"`
	ExpiresAt time.Time         `json:"expires_at,omitempty"`
}

// Store implements router.Adapter over a JetStream KV bucket.
type Store struct {
	name   string
	nc     *nats.Conn
	kv     jetstream.KeyValue
	logger *zap.Logger

	ownConn bool

	gets, puts, deletes, errs atomic.Uint64
}

// NewStore connects to NATS and creates or binds the configured bucket.
func NewStore(ctx context.Context, name string, cfg config.NATSConfig, logger *zap.Logger) (*Store, error) {
	nc, err := natsutil.Connect(cfg, logger)
	if err != nil {
		return nil, err
	}

	s, err := NewStoreWithConn(ctx, name, nc, cfg.Bucket, logger)
	if err != nil {
		nc.Close()
		return nil, err
	}
	s.ownConn = true
	return s, nil
}

// NewStoreWithConn binds the bucket over an existing connection. The caller
// keeps ownership of the connection.
func NewStoreWithConn(ctx context.Context, name string, nc *nats.Conn, bucket string, logger *zap.Logger) (*Store, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("creating JetStream context: %w", err)
	}

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket: bucket,
	})
	if err != nil {
		return nil, fmt.Errorf("creating KV bucket %q: %w", bucket, err)
	}

	return &Store{name: name, nc: nc, kv: kv, logger: logger}, nil
}

func (s *Store) Name() string            { return s.name }
func (s *Store) Kind() types.BackendKind { return types.BackendNATSKV }

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	s.gets.Add(1)

	entry, err := s.kv.Get(ctx, encodeKey(key))
	if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted) {
		return nil, false, nil
	}
	if err != nil {
		s.errs.Add(1)
		return nil, false, fmt.Errorf("reading key %q: %w", key, err)
	}

	var env envelope
	if err := json.Unmarshal(entry.Value(), &env); err != nil {
		s.logger.Warn("corrupt value, deleting", zap.String("key", key), zap.Error(err))
		s.kv.Delete(ctx, encodeKey(key))
		return nil, false, nil
	}

	if !env.ExpiresAt.IsZero() && time.Now().After(env.ExpiresAt) {
		if derr := s.kv.Delete(ctx, encodeKey(key)); derr != nil {
			s.logger.Warn("failed to delete expired key", zap.String("key", key), zap.Error(derr))
		}
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
	if opts.TTL > 0 {
		env.ExpiresAt = now.Add(opts.TTL)
	}

	// Merge metadata with the stored entry, last write wins by timestamp.
	if entry, err := s.kv.Get(ctx, encodeKey(key)); err == nil {
		var prev envelope
		if json.Unmarshal(entry.Value(), &prev) == nil && len(prev.Metadata) > 0 {
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

	if _, err := s.kv.Put(ctx, encodeKey(key), encoded); err != nil {
		s.errs.Add(1)
		return fmt.Errorf("writing key %q: %w", key, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	s.deletes.Add(1)
	err := s.kv.Delete(ctx, encodeKey(key))
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		s.errs.Add(1)
		return fmt.Errorf("deleting key %q: %w", key, err)
	}
	return nil
}

func (s *Store) List(ctx context.Context, opts router.ListOptions) ([]string, error) {
	lister, err := s.kv.ListKeys(ctx)
	if err != nil {
		s.errs.Add(1)
		return nil, fmt.Errorf("listing keys: %w", err)
	}

	var keys []string
	for k := range lister.Keys() {
		decoded := decodeKey(k)
		if opts.Prefix != "" && !strings.HasPrefix(decoded, opts.Prefix) {
			continue
		}
		keys = append(keys, decoded)
		if opts.Limit > 0 && len(keys) >= opts.Limit {
			lister.Stop()
			break
		}
	}
	return keys, nil
}

func (s *Store) Stats(ctx context.Context) (types.AdapterStats, error) {
	status, err := s.kv.Status(ctx)
	if err != nil {
		return types.AdapterStats{}, fmt.Errorf("reading bucket status: %w", err)
	}
	return types.AdapterStats{
		Kind:    types.BackendNATSKV,
		Name:    s.name,
		Keys:    int64(status.Values()),
		Bytes:   int64(status.Bytes()),
		Gets:    s.gets.Load(),
		Puts:    s.puts.Load(),
		Deletes: s.deletes.Load(),
		Errors:  s.errs.Load(),
	}, nil
}

func (s *Store) HealthCheck(_ context.Context) (bool, []string) {
	if !s.nc.IsConnected() {
		return false, []string{"NATS connection lost"}
	}
	return true, nil
}

func (s *Store) Close() error {
	if s.ownConn {
		s.nc.Close()
	}
	return nil
}

// JetStream KV keys cannot contain ':'. Every ':' maps to '.' on the wire;
// literal '.' and the escape character '=' are escaped so the mapping stays
// reversible for keys with multiple separators.
func encodeKey(key string) string {
	var b strings.Builder
	b.Grow(len(key))
	for i := 0; i < len(key); i++ {
		switch key[i] {
		case ':':
			b.WriteByte('.')
		case '.':
			b.WriteString("=d")
		case '=':
			b.WriteString("==")
		default:
			b.WriteByte(key[i])
		}
	}
	return b.String()
}

func decodeKey(key string) string {
	var b strings.Builder
	b.Grow(len(key))
	for i := 0; i < len(key); i++ {
		switch key[i] {
		case '.':
			b.WriteByte(':')
		case '=':
			if i+1 < len(key) {
				i++
				if key[i] == 'd' {
					b.WriteByte('.')
				} else {
					b.WriteByte(key[i])
				}
			}
		default:
			b.WriteByte(key[i])
		}
	}
	return b.String()
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
