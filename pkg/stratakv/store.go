// Package stratakv is the public entry point to the tiered key-value core:
// storage-class routing, the dual-level cache, guard policy enforcement,
// metrics/health scoring, and the staleness-aware snapshot reader, all
// behind one Store object built from configuration at startup.
package stratakv

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/stratakv/stratakv/internal/blob"
	"github.com/stratakv/stratakv/internal/boltkv"
	"github.com/stratakv/stratakv/internal/cache"
	"github.com/stratakv/stratakv/internal/config"
	"github.com/stratakv/stratakv/internal/fallback"
	"github.com/stratakv/stratakv/internal/guard"
	"github.com/stratakv/stratakv/internal/memory"
	"github.com/stratakv/stratakv/internal/metrics"
	"github.com/stratakv/stratakv/internal/natskv"
	"github.com/stratakv/stratakv/internal/rediskv"
	"github.com/stratakv/stratakv/internal/router"
	"github.com/stratakv/stratakv/internal/sqlstore"
	"github.com/stratakv/stratakv/internal/types"
	"github.com/stratakv/stratakv/pkg/s3util"
)

// Re-exported so callers outside the module can name the core types.
type (
	Config           = config.Config
	StorageClass     = types.StorageClass
	GuardConfig      = config.GuardConfig
	GuardViolation   = types.GuardViolation
	HealthAssessment = types.HealthAssessment
	AdapterStats     = types.AdapterStats
	Snapshot         = fallback.Snapshot
	CacheStats       = cache.Stats
	PutOptions       = router.PutOptions
	ListOptions      = router.ListOptions
	RouteMeta        = types.RouteMeta
)

const (
	ClassHot       = types.ClassHot
	ClassWarm      = types.ClassWarm
	ClassCold      = types.ClassCold
	ClassEphemeral = types.ClassEphemeral
)

// DefaultConfig returns the built-in defaults, before any file or
// environment overrides.
func DefaultConfig() *Config { return config.DefaultConfig() }

// LoadConfig reads, merges, and validates a YAML config file.
func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// ParseStorageClass maps a class name to its StorageClass.
func ParseStorageClass(s string) (StorageClass, bool) { return types.ParseStorageClass(s) }

// Store is the assembled core. Build one per process with Open and share it
// across workers; all methods are safe for concurrent use.
type Store struct {
	cfg      *config.Config
	logger   *zap.Logger
	adapters map[string]router.Adapter
	router   *router.Router
	guard    *guard.Engine
	metrics  *metrics.Engine
	cache    *cache.Manager
	reader   *fallback.Reader
}

// Open validates cfg, connects every configured backend, and wires the
// router, guard, metrics engine, cache manager, and fallback reader.
func Open(ctx context.Context, cfg *Config, logger *zap.Logger) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	engine := metrics.NewEngine(cfg.Health, logger)
	guardEngine := guard.New(cfg.Guard, engine, logger)

	adapters := make(map[string]router.Adapter, len(cfg.Backends))
	for _, bc := range cfg.Backends {
		a, err := openAdapter(ctx, bc, logger)
		if err != nil {
			closeAll(adapters, logger)
			return nil, fmt.Errorf("opening backend %q: %w", bc.Name, err)
		}
		adapters[bc.Name] = a
	}

	bindings := make(map[types.StorageClass]router.Binding, len(cfg.Classes))
	classTTL := make(map[types.StorageClass]time.Duration, len(cfg.Classes))
	for name, cc := range cfg.Classes {
		class, _ := types.ParseStorageClass(name)
		b := router.Binding{
			Class:    class,
			Primary:  adapters[cc.Primary],
			DualRead: cc.DualRead,
		}
		if cc.Fallback != "" {
			b.Fallback = adapters[cc.Fallback]
		}
		bindings[class] = b
		if cc.TTL > 0 {
			classTTL[class] = cc.TTL.Duration()
		}
	}

	rt := router.New(router.Config{
		Bindings:  bindings,
		Guard:     guardEngine,
		Metrics:   engine,
		OpTimeout: cfg.Cache.OpTimeout.Duration(),
		Logger:    logger,
	})

	mgr := cache.NewManager(cache.ManagerConfig{
		Router:   rt,
		Metrics:  engine,
		Cache:    cfg.Cache,
		ClassTTL: classTTL,
		Logger:   logger,
	})

	s := &Store{
		cfg:      cfg,
		logger:   logger,
		adapters: adapters,
		router:   rt,
		guard:    guardEngine,
		metrics:  engine,
		cache:    mgr,
	}

	if cfg.Fallback.Source != "" {
		class, _ := types.ParseStorageClass(cfg.Fallback.Class)
		s.reader = fallback.NewReader(fallback.ReaderConfig{
			Cache:    mgr,
			Source:   adapters[cfg.Fallback.Source],
			Class:    class,
			Fallback: cfg.Fallback,
			Logger:   logger,
		})
	}

	return s, nil
}

func openAdapter(ctx context.Context, bc config.BackendConfig, logger *zap.Logger) (router.Adapter, error) {
	switch types.BackendKind(bc.Kind) {
	case types.BackendMemory:
		return memory.NewStore(bc.Name, bc.Memory, logger), nil
	case types.BackendBolt:
		return boltkv.NewStore(bc.Name, bc.Bolt, logger)
	case types.BackendNATSKV:
		return natskv.NewStore(ctx, bc.Name, bc.NATS, logger)
	case types.BackendRedis:
		return rediskv.NewStore(ctx, bc.Name, bc.Redis, logger)
	case types.BackendSQL:
		return sqlstore.NewStore(ctx, bc.Name, bc.SQL, logger)
	case types.BackendS3:
		client, err := s3util.NewClient(ctx, bc.S3)
		if err != nil {
			return nil, err
		}
		return blob.NewStore(bc.Name, client.S3, client.Bucket, client.Prefix, logger), nil
	default:
		return nil, fmt.Errorf("unknown backend kind %q", bc.Kind)
	}
}

func closeAll(adapters map[string]router.Adapter, logger *zap.Logger) {
	for name, a := range adapters {
		if err := a.Close(); err != nil {
			logger.Warn("closing backend", zap.String("backend", name), zap.Error(err))
		}
	}
}

// Get reads a key through the dual-level cache. The returned RouteMeta names
// the class and the level or backend that served it; an L1 hit reports
// adapter "l1".
func (s *Store) Get(ctx context.Context, class StorageClass, keyspace, key string, caller string) ([]byte, bool, RouteMeta, error) {
	data, level, rm, err := s.cache.Get(ctx, class, key, router.OpMeta{Keyspace: keyspace, Caller: caller})
	if err != nil {
		return nil, false, rm, err
	}
	return data, level != cache.HitNone, rm, nil
}

// Put writes a key through the dual-level cache. A durable-level failure is
// logged, never returned.
func (s *Store) Put(ctx context.Context, class StorageClass, keyspace, key string, value []byte, caller string) (RouteMeta, error) {
	return s.cache.Put(ctx, class, key, value, router.OpMeta{Keyspace: keyspace, Caller: caller})
}

// Delete removes a key from both cache levels.
func (s *Store) Delete(ctx context.Context, class StorageClass, keyspace, key string, caller string) (RouteMeta, error) {
	return s.cache.Invalidate(ctx, class, key, router.OpMeta{Keyspace: keyspace, Caller: caller})
}

// Invalidate is Delete under its cache-centric name.
func (s *Store) Invalidate(ctx context.Context, class StorageClass, keyspace, key string, caller string) (RouteMeta, error) {
	return s.Delete(ctx, class, keyspace, key, caller)
}

// List returns keys in the class's primary backend matching a prefix.
func (s *Store) List(ctx context.Context, class StorageClass, opts ListOptions, caller string) ([]string, RouteMeta, error) {
	return s.router.List(ctx, class, opts, router.OpMeta{Caller: caller})
}

// BatchGet reads many keys with bounded fan-out. Per-key failures come back
// in the second map.
func (s *Store) BatchGet(ctx context.Context, class StorageClass, keyspace string, keys []string, caller string) (map[string][]byte, map[string]error) {
	return s.cache.BatchGet(ctx, class, keys, router.OpMeta{Keyspace: keyspace, Caller: caller})
}

// WarmUp pre-populates L1 from the durable level, returning the number of
// keys now resident.
func (s *Store) WarmUp(ctx context.Context, class StorageClass, keyspace string, keys []string, caller string) int {
	return s.cache.WarmUp(ctx, class, keys, router.OpMeta{Keyspace: keyspace, Caller: caller})
}

// ReadSnapshot resolves date-keyed data through the staleness-aware fallback
// chain. Returns an error if no fallback source is configured.
func (s *Store) ReadSnapshot(ctx context.Context, keyspace, date, caller string) (Snapshot, error) {
	if s.reader == nil {
		return Snapshot{}, fmt.Errorf("no fallback source configured")
	}
	return s.reader.Read(ctx, keyspace, date, router.OpMeta{Keyspace: keyspace, Caller: caller})
}

// GetStats returns cache hit/miss/error aggregates.
func (s *Store) GetStats() CacheStats { return s.cache.Stats() }

// AdapterStats collects per-backend statistics.
func (s *Store) AdapterStats(ctx context.Context) map[string]AdapterStats {
	out := make(map[string]AdapterStats, len(s.adapters))
	for name, a := range s.adapters {
		st, err := a.Stats(ctx)
		if err != nil {
			s.logger.Warn("reading adapter stats", zap.String("backend", name), zap.Error(err))
			continue
		}
		out[name] = st
	}
	return out
}

// BackendHealth is one backend's health probe result.
type BackendHealth struct {
	Healthy  bool     `json:"healthy"`
	Messages []string `json:"messages,omitempty"`
}

// HealthCheck probes every backend and reports results by name.
func (s *Store) HealthCheck(ctx context.Context) map[string]BackendHealth {
	out := make(map[string]BackendHealth, len(s.adapters))
	for name, a := range s.adapters {
		healthy, msgs := a.HealthCheck(ctx)
		out[name] = BackendHealth{Healthy: healthy, Messages: msgs}
	}
	return out
}

// AssessHealth computes the composite weighted health score.
func (s *Store) AssessHealth() HealthAssessment { return s.metrics.AssessHealth() }

// MetricsSnapshot returns the JSON-shaped metrics view.
func (s *Store) MetricsSnapshot() metrics.Snapshot { return s.metrics.Snapshot() }

// MetricsText renders the flat-text exposition format.
func (s *Store) MetricsText() string { return s.metrics.Exposition() }

// RecentViolations returns up to limit guard violations, newest first.
func (s *Store) RecentViolations(limit int) []GuardViolation {
	return s.guard.RecentViolations(limit)
}

// GuardConfig returns the current guard configuration snapshot.
func (s *Store) GuardConfig() GuardConfig { return s.guard.Config() }

// UpdateGuardConfig swaps the guard configuration copy-on-write. In-flight
// checks keep the snapshot they started with.
func (s *Store) UpdateGuardConfig(cfg GuardConfig) error { return s.guard.UpdateConfig(cfg) }

// RunSweepLoop runs the periodic L1 expiry sweep until ctx is cancelled.
func (s *Store) RunSweepLoop(ctx context.Context) error { return s.cache.RunSweepLoop(ctx) }

// Router exposes the storage router for collaborators that bypass the cache.
func (s *Store) Router() *router.Router { return s.router }

// Cache exposes the dual-level cache manager.
func (s *Store) Cache() *cache.Manager { return s.cache }

// Guard exposes the policy engine.
func (s *Store) Guard() *guard.Engine { return s.guard }

// Metrics exposes the metrics engine.
func (s *Store) Metrics() *metrics.Engine { return s.metrics }

// Adapters exposes the configured backends by name.
func (s *Store) Adapters() map[string]router.Adapter { return s.adapters }

// Close releases every backend connection.
func (s *Store) Close() error {
	var firstErr error
	for name, a := range s.adapters {
		if err := a.Close(); err != nil {
			s.logger.Warn("closing backend", zap.String("backend", name), zap.Error(err))
			if firstErr == nil {
				firstErr = fmt.Errorf("closing backend %q: %w", name, err)
			}
		}
	}
	return firstErr
}

var (
	defaultMu    sync.Mutex
	defaultStore *Store
)

// Default returns the process-wide store, initializing it lazily from
// DefaultConfig on first use. Intended only for the process entry point;
// everything else should receive a *Store explicitly.
func Default(ctx context.Context, logger *zap.Logger) (*Store, error) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultStore != nil {
		return defaultStore, nil
	}

	cfg := config.DefaultConfig()
	cfg.Backends = []config.BackendConfig{{Name: "local", Kind: "memory"}}
	cfg.Classes = map[string]config.ClassConfig{
		"hot":       {Primary: "local"},
		"warm":      {Primary: "local"},
		"cold":      {Primary: "local"},
		"ephemeral": {Primary: "local"},
	}

	s, err := Open(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	defaultStore = s
	return s, nil
}
