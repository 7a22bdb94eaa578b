// Package cache implements the dual-level cache used for per-entity data:
// a recency-bounded in-process map (L1) in front of a durable backend (L2)
// reached through the storage router, with promotion on L2 hit and TTL
// expiry at both levels.
package cache

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/stratakv/stratakv/internal/config"
	"github.com/stratakv/stratakv/internal/metrics"
	"github.com/stratakv/stratakv/internal/router"
	"github.com/stratakv/stratakv/internal/types"
)

// HitLevel reports which level served a read.
type HitLevel string

const (
	HitL1   HitLevel = "l1"
	HitL2   HitLevel = "l2"
	HitNone HitLevel = "miss"
)

// evictFraction is the share of oldest-by-write-time L1 entries dropped when
// the cache exceeds its configured capacity.
const evictFraction = 4

// Stats is the cache manager's aggregate view.
type Stats struct {
	Hits           uint64                `json:"hits"`
	Misses         uint64                `json:"misses"`
	HitRate        float64               `json:"hit_rate"`
	Errors         uint64                `json:"errors"`
	Promotions     uint64                `json:"promotions"`
	L1Entries      int                   `json:"l1_entries"`
	ByStorageClass map[string]ClassStats `json:"by_storage_class"`
}

// ClassStats is the per-class slice of Stats.
type ClassStats struct {
	L1Hits uint64 `json:"l1_hits"`
	L2Hits uint64 `json:"l2_hits"`
	Misses uint64 `json:"misses"`
	Errors uint64 `json:"errors"`
}

// Manager coordinates the two cache levels. Safe for concurrent use.
type Manager struct {
	router  *router.Router
	metrics *metrics.Engine
	logger  *zap.Logger
	cfg     config.CacheConfig
	ttls    map[types.StorageClass]time.Duration

	mu sync.Mutex
	l1 map[string]types.CacheEntry

	statsMu    sync.Mutex
	byClass    map[types.StorageClass]*ClassStats
	promotions uint64
}

// ManagerConfig holds dependencies for the cache manager.
type ManagerConfig struct {
	Router   *router.Router
	Metrics  *metrics.Engine
	Cache    config.CacheConfig
	ClassTTL map[types.StorageClass]time.Duration
	Logger   *zap.Logger
}

// NewManager creates a dual-level cache manager.
func NewManager(cfg ManagerConfig) *Manager {
	return &Manager{
		router:  cfg.Router,
		metrics: cfg.Metrics,
		logger:  cfg.Logger,
		cfg:     cfg.Cache,
		ttls:    cfg.ClassTTL,
		l1:      make(map[string]types.CacheEntry),
		byClass: make(map[types.StorageClass]*ClassStats),
	}
}

// TTLFor resolves the entry TTL for a class, falling back to the default.
func (m *Manager) TTLFor(class types.StorageClass) time.Duration {
	if ttl, ok := m.ttls[class]; ok && ttl > 0 {
		return ttl
	}
	return m.cfg.DefaultTTL.Duration()
}

// Get reads a key: L1 first, then L2 through the router with promotion on a
// fresh hit. The returned RouteMeta names the level or backend that served the
// read (an L1 hit reports adapter "l1"). Guard denials in error and block
// modes propagate; any other L2 failure degrades to a miss.
func (m *Manager) Get(ctx context.Context, class types.StorageClass, key string, meta router.OpMeta) ([]byte, HitLevel, router.RouteMeta, error) {
	now := time.Now()

	m.mu.Lock()
	if e, ok := m.l1[key]; ok {
		if e.Expired(now) {
			delete(m.l1, key)
		} else {
			e.HitCount++
			m.l1[key] = e
			data := append([]byte(nil), e.Data...)
			m.mu.Unlock()

			m.record(class, metrics.LayerL1, "get", meta.Keyspace, metrics.ResultHit, true)
			return data, HitL1, router.RouteMeta{Class: class.String(), Adapter: "l1"}, nil
		}
	}
	m.mu.Unlock()
	m.record(class, metrics.LayerL1, "get", meta.Keyspace, metrics.ResultMiss, true)

	raw, found, rm, err := m.router.Get(ctx, class, key, meta)
	if err != nil {
		if types.IsPolicyDenied(err) || types.IsRateLimited(err) {
			m.countError(class)
			return nil, HitNone, rm, err
		}
		// Backend failure degrades to a miss; the cache is an optimization,
		// not a system of record.
		m.logger.Warn("l2 read failed, degrading to miss", zap.Error(err), zap.String("key", key))
		m.countError(class)
		m.record(class, metrics.LayerL2, "get", meta.Keyspace, metrics.ResultError, false)
		return nil, HitNone, rm, nil
	}
	if !found {
		m.record(class, metrics.LayerL2, "get", meta.Keyspace, metrics.ResultMiss, true)
		return nil, HitNone, rm, nil
	}

	var entry types.CacheEntry
	if jerr := json.Unmarshal(raw, &entry); jerr != nil {
		// Corrupt envelope: treated as a miss, deleted on detection.
		m.logger.Warn("corrupt l2 envelope, deleting", zap.String("key", key), zap.Error(jerr))
		m.deleteL2(ctx, class, key, meta)
		m.record(class, metrics.LayerL2, "get", meta.Keyspace, metrics.ResultMiss, true)
		return nil, HitNone, rm, nil
	}

	if entry.Expired(now) {
		// Lazy L2 expiry: delete on detection.
		m.deleteL2(ctx, class, key, meta)
		m.record(class, metrics.LayerL2, "get", meta.Keyspace, metrics.ResultMiss, true)
		m.metrics.RecordPromotion(false)
		return nil, HitNone, rm, nil
	}

	m.record(class, metrics.LayerL2, "get", meta.Keyspace, metrics.ResultHit, true)
	m.promote(key, entry)
	return entry.Data, HitL2, rm, nil
}

// promote copies an L2 entry into L1, evicting the oldest quarter when the
// cache is over capacity.
func (m *Manager) promote(key string, entry types.CacheEntry) {
	copied := entry.Copy()
	copied.HitCount++

	m.mu.Lock()
	m.l1[key] = copied
	m.evictLocked()
	m.mu.Unlock()

	m.metrics.RecordPromotion(true)
	m.statsMu.Lock()
	m.promotions++
	m.statsMu.Unlock()
}

// Put writes to L1 unconditionally and to L2 best-effort. An L2 failure is
// logged, never propagated; the returned RouteMeta then reports "l1" as the
// adapter since that is where the write landed.
func (m *Manager) Put(ctx context.Context, class types.StorageClass, key string, value []byte, meta router.OpMeta) (router.RouteMeta, error) {
	now := time.Now()
	ttl := m.TTLFor(class)

	entry := types.CacheEntry{
		Data:       append([]byte(nil), value...),
		WrittenAt:  now,
		TTLSeconds: int(ttl.Seconds()),
	}

	m.mu.Lock()
	m.l1[key] = entry
	m.evictLocked()
	m.mu.Unlock()
	m.record(class, metrics.LayerL1, "put", meta.Keyspace, metrics.ResultOK, true)

	l1Only := router.RouteMeta{Class: class.String(), Adapter: "l1"}

	encoded, err := json.Marshal(entry.Copy())
	if err != nil {
		m.logger.Warn("encoding l2 envelope failed", zap.Error(err), zap.String("key", key))
		return l1Only, nil
	}

	rm, werr := m.router.Put(ctx, class, key, encoded, router.PutOptions{TTL: ttl}, meta)
	if werr != nil {
		m.logger.Warn("l2 write failed, keeping l1 only", zap.Error(werr), zap.String("key", key))
		m.countError(class)
		m.record(class, metrics.LayerL2, "put", meta.Keyspace, metrics.ResultError, false)
		return l1Only, nil
	}
	m.record(class, metrics.LayerL2, "put", meta.Keyspace, metrics.ResultOK, true)
	return rm, nil
}

// BatchGet looks keys up with bounded-concurrency L2 fan-out. Per-key
// failures are captured in the errors map and do not fail the batch.
func (m *Manager) BatchGet(ctx context.Context, class types.StorageClass, keys []string, meta router.OpMeta) (map[string][]byte, map[string]error) {
	results := make(map[string][]byte, len(keys))
	failures := make(map[string]error)
	var resMu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.BatchFanout)

	for _, key := range keys {
		key := key
		g.Go(func() error {
			data, level, _, err := m.Get(gctx, class, key, meta)
			resMu.Lock()
			defer resMu.Unlock()
			if err != nil {
				failures[key] = err
				return nil
			}
			if level != HitNone {
				results[key] = data
			}
			return nil
		})
	}
	g.Wait()

	return results, failures
}

// WarmUp pre-populates L1 from L2 with the same bounded fan-out as BatchGet.
// It returns the number of keys now resident in L1.
func (m *Manager) WarmUp(ctx context.Context, class types.StorageClass, keys []string, meta router.OpMeta) int {
	results, _ := m.BatchGet(ctx, class, keys, meta)
	return len(results)
}

// Invalidate removes a key from both levels.
func (m *Manager) Invalidate(ctx context.Context, class types.StorageClass, key string, meta router.OpMeta) (router.RouteMeta, error) {
	m.mu.Lock()
	delete(m.l1, key)
	m.mu.Unlock()

	return m.router.Delete(ctx, class, key, meta)
}

// RunSweepLoop periodically removes expired L1 entries. L2 expiry stays lazy,
// enforced on read.
func (m *Manager) RunSweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.SweepInterval.Duration())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			removed := m.SweepOnce()
			if removed > 0 {
				m.logger.Debug("swept expired l1 entries", zap.Int("removed", removed))
			}
		}
	}
}

// SweepOnce removes expired L1 entries and returns how many were dropped.
func (m *Manager) SweepOnce() int {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for k, e := range m.l1 {
		if e.Expired(now) {
			delete(m.l1, k)
			removed++
		}
	}
	return removed
}

// L1Len returns the current number of L1 entries.
func (m *Manager) L1Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.l1)
}

// Stats returns aggregate hit/miss/error counts.
func (m *Manager) Stats() Stats {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()

	s := Stats{
		ByStorageClass: make(map[string]ClassStats, len(m.byClass)),
		Promotions:     m.promotions,
		L1Entries:      m.L1Len(),
	}
	for class, cs := range m.byClass {
		s.ByStorageClass[class.String()] = *cs
		s.Hits += cs.L1Hits + cs.L2Hits
		s.Misses += cs.Misses
		s.Errors += cs.Errors
	}
	if s.Hits+s.Misses > 0 {
		s.HitRate = float64(s.Hits) / float64(s.Hits+s.Misses)
	}
	return s
}

// evictLocked drops the oldest quarter of entries by write time once L1
// exceeds its configured capacity. Caller holds m.mu.
func (m *Manager) evictLocked() {
	if m.cfg.L1MaxEntries <= 0 || len(m.l1) <= m.cfg.L1MaxEntries {
		return
	}

	type aged struct {
		key       string
		writtenAt time.Time
	}
	all := make([]aged, 0, len(m.l1))
	for k, e := range m.l1 {
		all = append(all, aged{k, e.WrittenAt})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].writtenAt.Before(all[j].writtenAt) })

	drop := len(m.l1) / evictFraction
	if drop < 1 {
		drop = 1
	}
	for _, a := range all[:drop] {
		delete(m.l1, a.key)
	}
	m.logger.Debug("evicted oldest l1 entries", zap.Int("dropped", drop))
}

func (m *Manager) deleteL2(ctx context.Context, class types.StorageClass, key string, meta router.OpMeta) {
	if _, err := m.router.Delete(ctx, class, key, meta); err != nil {
		m.logger.Warn("failed to delete l2 entry", zap.Error(err), zap.String("key", key))
	}
}

func (m *Manager) record(class types.StorageClass, layer, op, keyspace, result string, success bool) {
	m.metrics.RecordOperation(types.Labels{
		System:       "stratakv",
		Layer:        layer,
		StorageClass: class.String(),
		Keyspace:     keyspace,
		Operation:    op,
		Result:       result,
	}, 0, success)

	m.statsMu.Lock()
	cs, ok := m.byClass[class]
	if !ok {
		cs = &ClassStats{}
		m.byClass[class] = cs
	}
	switch {
	case layer == metrics.LayerL1 && result == metrics.ResultHit:
		cs.L1Hits++
	case layer == metrics.LayerL2 && result == metrics.ResultHit:
		cs.L2Hits++
	case layer == metrics.LayerL2 && result == metrics.ResultMiss:
		cs.Misses++
	}
	m.statsMu.Unlock()
}

func (m *Manager) countError(class types.StorageClass) {
	m.statsMu.Lock()
	cs, ok := m.byClass[class]
	if !ok {
		cs = &ClassStats{}
		m.byClass[class] = cs
	}
	cs.Errors++
	m.statsMu.Unlock()
}
