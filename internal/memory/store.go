package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/stratakv/stratakv/internal/config"
	"github.com/stratakv/stratakv/internal/router"
	"github.com/stratakv/stratakv/internal/types"
)

type entry struct {
	value     []byte
	metadata  map[string]string
	writtenAt time.Time
	expiresAt time.Time // zero means no expiry
}

// Store implements router.Adapter as an in-process map with recency-based
// pruning. It backs the ephemeral class and serves as the test double for
// every other backend role.
type Store struct {
	name   string
	cfg    config.MemoryConfig
	logger *zap.Logger

	mu         sync.RWMutex
	entries    map[string]entry
	totalBytes int64

	gets, puts, deletes, errors uint64
}

func NewStore(name string, cfg config.MemoryConfig, logger *zap.Logger) *Store {
	return &Store{
		name:    name,
		cfg:     cfg,
		logger:  logger,
		entries: make(map[string]entry),
	}
}

func (s *Store) Name() string            { return s.name }
func (s *Store) Kind() types.BackendKind { return types.BackendMemory }

func (s *Store) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.gets++
	e, ok := s.entries[key]
	if !ok {
		return nil, false, nil
	}
	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		s.totalBytes -= int64(len(e.value))
		delete(s.entries, key)
		return nil, false, nil
	}
	return append([]byte(nil), e.value...), true, nil
}

func (s *Store) Put(_ context.Context, key string, value []byte, opts router.PutOptions) error {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.puts++
	e := entry{
		value:     append([]byte(nil), value...),
		writtenAt: now,
	}
	if opts.TTL > 0 {
		e.expiresAt = now.Add(opts.TTL)
	}

	// Metadata merges are last-write-wins by timestamp.
	if prev, ok := s.entries[key]; ok {
		s.totalBytes -= int64(len(prev.value))
		if len(prev.metadata) > 0 {
			if now.Before(prev.writtenAt) {
				e.metadata = mergeMetadata(opts.Metadata, prev.metadata)
			} else {
				e.metadata = mergeMetadata(prev.metadata, opts.Metadata)
			}
		} else if len(opts.Metadata) > 0 {
			e.metadata = mergeMetadata(nil, opts.Metadata)
		}
	} else if len(opts.Metadata) > 0 {
		e.metadata = mergeMetadata(nil, opts.Metadata)
	}

	s.entries[key] = e
	s.totalBytes += int64(len(e.value))
	s.pruneLocked()
	return nil
}

func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.deletes++
	if e, ok := s.entries[key]; ok {
		s.totalBytes -= int64(len(e.value))
		delete(s.entries, key)
	}
	return nil
}

func (s *Store) List(_ context.Context, opts router.ListOptions) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		if opts.Prefix == "" || strings.HasPrefix(k, opts.Prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	if opts.Limit > 0 && len(keys) > opts.Limit {
		keys = keys[:opts.Limit]
	}
	return keys, nil
}

func (s *Store) Stats(_ context.Context) (types.AdapterStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return types.AdapterStats{
		Kind:    types.BackendMemory,
		Name:    s.name,
		Keys:    int64(len(s.entries)),
		Bytes:   s.totalBytes,
		Gets:    s.gets,
		Puts:    s.puts,
		Deletes: s.deletes,
		Errors:  s.errors,
	}, nil
}

func (s *Store) HealthCheck(_ context.Context) (bool, []string) {
	s.mu.RLock()
	closed := s.entries == nil
	s.mu.RUnlock()

	if closed {
		return false, []string{"store is closed"}
	}
	return true, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = nil
	s.totalBytes = 0
	return nil
}

// Metadata returns the stored metadata for a key, for inspection in tests
// and the ops surface.
func (s *Store) Metadata(key string) (map[string]string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	out := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		out[k] = v
	}
	return out, true
}

// pruneLocked drops the oldest entries by write time when the store exceeds
// its configured capacity.
func (s *Store) pruneLocked() {
	max := s.cfg.MaxEntries
	if max <= 0 || len(s.entries) <= max {
		return
	}

	type aged struct {
		key       string
		writtenAt time.Time
	}
	all := make([]aged, 0, len(s.entries))
	for k, e := range s.entries {
		all = append(all, aged{k, e.writtenAt})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].writtenAt.Before(all[j].writtenAt) })

	for _, a := range all[:len(s.entries)-max] {
		if e, ok := s.entries[a.key]; ok {
			s.totalBytes -= int64(len(e.value))
			delete(s.entries, a.key)
			s.logger.Debug("pruned entry over capacity", zap.String("key", a.key))
		}
	}
}

func mergeMetadata(base, in map[string]string) map[string]string {
	if len(base) == 0 && len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(base)+len(in))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range in {
		out[k] = v
	}
	return out
}
