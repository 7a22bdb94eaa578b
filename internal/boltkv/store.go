// Package boltkv implements the fast durable key-value backend over bbolt.
package boltkv

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"sync/atomic"
	"time"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/stratakv/stratakv/internal/config"
	"github.com/stratakv/stratakv/internal/router"
	"github.com/stratakv/stratakv/internal/types"
)

var bucketEntries = []byte("entries")

// envelope is the on-disk record. WrittenAt drives last-write-wins metadata
// merges; ExpiresAt drives lazy expiry on read.
type envelope struct {
	Value     []byte
	Metadata  map[string]string
	WrittenAt time.Time
	ExpiresAt time.Time
}

// Store implements router.Adapter over a bbolt database file.
type Store struct {
	name   string
	db     *bbolt.DB
	logger *zap.Logger

	gets, puts, deletes, errs atomic.Uint64
}

// NewStore opens or creates the bolt-backed store.
func NewStore(name string, cfg config.BoltConfig, logger *zap.Logger) (*Store, error) {
	db, err := bbolt.Open(cfg.Path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening bolt db: %w", err)
	}
	db.NoSync = cfg.NoSync

	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketEntries)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating entries bucket: %w", err)
	}

	return &Store{name: name, db: db, logger: logger}, nil
}

func (s *Store) Name() string            { return s.name }
func (s *Store) Kind() types.BackendKind { return types.BackendBolt }

func (s *Store) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.gets.Add(1)

	var env *envelope
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketEntries).Get([]byte(key))
		if raw == nil {
			return nil
		}
		decoded, derr := decodeEnvelope(raw)
		if derr != nil {
			return derr
		}
		env = decoded
		return nil
	})
	if err != nil {
		s.errs.Add(1)
		if types.IsCorrupt(err) {
			// Corrupt values degrade to a miss; delete on detection.
			s.logger.Warn("corrupt value, deleting", zap.String("key", key), zap.Error(err))
			s.deleteQuietly(key)
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("reading key %q: %w", key, err)
	}
	if env == nil {
		return nil, false, nil
	}

	if !env.ExpiresAt.IsZero() && time.Now().After(env.ExpiresAt) {
		s.deleteQuietly(key)
		return nil, false, nil
	}

	return env.Value, true, nil
}

func (s *Store) Put(_ context.Context, key string, value []byte, opts router.PutOptions) error {
	s.puts.Add(1)
	now := time.Now()

	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketEntries)

		env := envelope{
			Value:     value,
			WrittenAt: now,
			Metadata:  opts.Metadata,
		}
		if opts.TTL > 0 {
			env.ExpiresAt = now.Add(opts.TTL)
		}

		// Merge metadata with the stored record, last write wins by
		// timestamp.
		if raw := b.Get([]byte(key)); raw != nil {
			if prev, derr := decodeEnvelope(raw); derr == nil && len(prev.Metadata) > 0 {
				if now.Before(prev.WrittenAt) {
					env.Metadata = mergeMeta(opts.Metadata, prev.Metadata)
				} else {
					env.Metadata = mergeMeta(prev.Metadata, opts.Metadata)
				}
			}
		}

		encoded, eerr := encodeEnvelope(&env)
		if eerr != nil {
			return eerr
		}
		return b.Put([]byte(key), encoded)
	})
	if err != nil {
		s.errs.Add(1)
		return fmt.Errorf("writing key %q: %w", key, err)
	}
	return nil
}

func (s *Store) Delete(_ context.Context, key string) error {
	s.deletes.Add(1)
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEntries).Delete([]byte(key))
	})
	if err != nil {
		s.errs.Add(1)
		return fmt.Errorf("deleting key %q: %w", key, err)
	}
	return nil
}

func (s *Store) List(_ context.Context, opts router.ListOptions) ([]string, error) {
	var keys []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketEntries).Cursor()
		prefix := []byte(opts.Prefix)

		var k []byte
		if len(prefix) > 0 {
			k, _ = c.Seek(prefix)
		} else {
			k, _ = c.First()
		}
		for ; k != nil; k, _ = c.Next() {
			if len(prefix) > 0 && !bytes.HasPrefix(k, prefix) {
				break
			}
			keys = append(keys, string(k))
			if opts.Limit > 0 && len(keys) >= opts.Limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		s.errs.Add(1)
		return nil, fmt.Errorf("listing keys: %w", err)
	}
	return keys, nil
}

func (s *Store) Stats(_ context.Context) (types.AdapterStats, error) {
	var keys int64
	err := s.db.View(func(tx *bbolt.Tx) error {
		keys = int64(tx.Bucket(bucketEntries).Stats().KeyN)
		return nil
	})
	if err != nil {
		return types.AdapterStats{}, fmt.Errorf("reading bolt stats: %w", err)
	}
	return types.AdapterStats{
		Kind:    types.BackendBolt,
		Name:    s.name,
		Keys:    keys,
		Gets:    s.gets.Load(),
		Puts:    s.puts.Load(),
		Deletes: s.deletes.Load(),
		Errors:  s.errs.Load(),
	}, nil
}

func (s *Store) HealthCheck(_ context.Context) (bool, []string) {
	err := s.db.View(func(tx *bbolt.Tx) error {
		if tx.Bucket(bucketEntries) == nil {
			return fmt.Errorf("entries bucket missing")
		}
		return nil
	})
	if err != nil {
		return false, []string{err.Error()}
	}
	return true, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) deleteQuietly(key string) {
	if err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEntries).Delete([]byte(key))
	}); err != nil {
		s.logger.Warn("failed to delete expired key", zap.String("key", key), zap.Error(err))
	}
}

func encodeEnvelope(env *envelope) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(env); err != nil {
		return nil, fmt.Errorf("encoding envelope: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeEnvelope(data []byte) (*envelope, error) {
	var env envelope
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&env); err != nil {
		return nil, fmt.Errorf("%w: decoding envelope: %v", types.ErrCorrupt, err)
	}
	return &env, nil
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
