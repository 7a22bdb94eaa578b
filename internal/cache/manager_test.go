package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/stratakv/stratakv/internal/config"
	"github.com/stratakv/stratakv/internal/memory"
	"github.com/stratakv/stratakv/internal/metrics"
	"github.com/stratakv/stratakv/internal/router"
	"github.com/stratakv/stratakv/internal/types"
)

func testCacheConfig() config.CacheConfig {
	return config.CacheConfig{
		L1MaxEntries:  100,
		DefaultTTL:    config.Duration(time.Minute),
		SweepInterval: config.Duration(time.Second),
		BatchFanout:   4,
	}
}

// failAdapter always fails, for L2 failure paths.
type failAdapter struct {
	err error
}

func (f *failAdapter) Name() string            { return "broken" }
func (f *failAdapter) Kind() types.BackendKind { return types.BackendBolt }
func (f *failAdapter) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, f.err
}
func (f *failAdapter) Put(context.Context, string, []byte, router.PutOptions) error { return f.err }
func (f *failAdapter) Delete(context.Context, string) error                         { return f.err }
func (f *failAdapter) List(context.Context, router.ListOptions) ([]string, error) {
	return nil, f.err
}
func (f *failAdapter) Stats(context.Context) (types.AdapterStats, error) {
	return types.AdapterStats{}, f.err
}
func (f *failAdapter) HealthCheck(context.Context) (bool, []string) { return false, nil }
func (f *failAdapter) Close() error                                 { return nil }

func newTestManager(t *testing.T, l2 router.Adapter, cfg config.CacheConfig) (*Manager, *metrics.Engine) {
	t.Helper()
	engine := metrics.NewEngine(config.DefaultConfig().Health, zap.NewNop())
	rt := router.New(router.Config{
		Bindings: map[types.StorageClass]router.Binding{
			types.ClassWarm: {Class: types.ClassWarm, Primary: l2},
		},
		Metrics: engine,
		Logger:  zap.NewNop(),
	})
	return NewManager(ManagerConfig{
		Router:  rt,
		Metrics: engine,
		Cache:   cfg,
		Logger:  zap.NewNop(),
	}), engine
}

func l2Adapter() *memory.Store {
	return memory.NewStore("l2", config.MemoryConfig{}, zap.NewNop())
}

func TestPutThenGetHitsL1(t *testing.T) {
	m, _ := newTestManager(t, l2Adapter(), testCacheConfig())
	ctx := context.Background()

	if _, err := m.Put(ctx, types.ClassWarm, "snapshots:2026-08-29", []byte("v"), router.OpMeta{}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	data, level, _, err := m.Get(ctx, types.ClassWarm, "snapshots:2026-08-29", router.OpMeta{})
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if level != HitL1 {
		t.Errorf("expected l1 hit, got %s", level)
	}
	if string(data) != "v" {
		t.Errorf("got %q", data)
	}
}

func TestL2HitPromotesToL1(t *testing.T) {
	l2 := l2Adapter()
	m, _ := newTestManager(t, l2, testCacheConfig())
	ctx := context.Background()

	// Seed L2 directly with a fresh envelope, bypassing L1.
	entry := types.CacheEntry{Data: []byte("from-l2"), WrittenAt: time.Now(), TTLSeconds: 300}
	encoded, _ := json.Marshal(entry)
	l2.Put(ctx, "snapshots:k", encoded, router.PutOptions{})

	data, level, _, err := m.Get(ctx, types.ClassWarm, "snapshots:k", router.OpMeta{})
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if level != HitL2 {
		t.Fatalf("expected l2 hit, got %s", level)
	}
	if string(data) != "from-l2" {
		t.Errorf("got %q", data)
	}

	// Within TTL the next read is served from L1.
	_, level, _, err = m.Get(ctx, types.ClassWarm, "snapshots:k", router.OpMeta{})
	if err != nil {
		t.Fatalf("second Get failed: %v", err)
	}
	if level != HitL1 {
		t.Errorf("promotion did not take: second read served from %s", level)
	}
}

func TestGetReportsServingLevelInRouteMeta(t *testing.T) {
	l2 := l2Adapter()
	m, _ := newTestManager(t, l2, testCacheConfig())
	ctx := context.Background()

	entry := types.CacheEntry{Data: []byte("v"), WrittenAt: time.Now(), TTLSeconds: 300}
	encoded, _ := json.Marshal(entry)
	l2.Put(ctx, "snapshots:k", encoded, router.PutOptions{})

	_, level, rm, err := m.Get(ctx, types.ClassWarm, "snapshots:k", router.OpMeta{})
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if level != HitL2 || rm.Class != "warm" || rm.Adapter != "l2" {
		t.Fatalf("l2 hit route meta wrong: level=%s rm=%+v", level, rm)
	}

	// After promotion the read is served from L1 and reported as such.
	_, level, rm, err = m.Get(ctx, types.ClassWarm, "snapshots:k", router.OpMeta{})
	if err != nil {
		t.Fatalf("second Get failed: %v", err)
	}
	if level != HitL1 || rm.Class != "warm" || rm.Adapter != "l1" {
		t.Fatalf("l1 hit route meta wrong: level=%s rm=%+v", level, rm)
	}
}

func TestExpiredL2EntryIsAMissAndDeleted(t *testing.T) {
	l2 := l2Adapter()
	m, _ := newTestManager(t, l2, testCacheConfig())
	ctx := context.Background()

	entry := types.CacheEntry{Data: []byte("stale"), WrittenAt: time.Now().Add(-time.Hour), TTLSeconds: 60}
	encoded, _ := json.Marshal(entry)
	l2.Put(ctx, "snapshots:old", encoded, router.PutOptions{})

	_, level, _, err := m.Get(ctx, types.ClassWarm, "snapshots:old", router.OpMeta{})
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if level != HitNone {
		t.Fatalf("expired entry must be a miss, got %s", level)
	}
	if _, found, _ := l2.Get(ctx, "snapshots:old"); found {
		t.Error("expired L2 entry should be deleted on detection")
	}
}

func TestCorruptL2EnvelopeIsAMissAndDeleted(t *testing.T) {
	l2 := l2Adapter()
	m, _ := newTestManager(t, l2, testCacheConfig())
	ctx := context.Background()

	l2.Put(ctx, "snapshots:bad", []byte("{not json"), router.PutOptions{})

	_, level, _, err := m.Get(ctx, types.ClassWarm, "snapshots:bad", router.OpMeta{})
	if err != nil {
		t.Fatalf("corrupt envelope must not surface an error: %v", err)
	}
	if level != HitNone {
		t.Fatalf("corrupt envelope must be a miss, got %s", level)
	}
	if _, found, _ := l2.Get(ctx, "snapshots:bad"); found {
		t.Error("corrupt envelope should be deleted")
	}
}

func TestL2WriteFailureDoesNotFailPut(t *testing.T) {
	m, _ := newTestManager(t, &failAdapter{err: errors.New("disk full")}, testCacheConfig())
	ctx := context.Background()

	rm, err := m.Put(ctx, types.ClassWarm, "snapshots:k", []byte("v"), router.OpMeta{})
	if err != nil {
		t.Fatalf("L2 failure must not propagate from Put: %v", err)
	}
	if rm.Adapter != "l1" {
		t.Errorf("write that only reached l1 must report adapter l1, got %q", rm.Adapter)
	}

	// The entry is still readable from L1.
	_, level, _, err := m.Get(ctx, types.ClassWarm, "snapshots:k", router.OpMeta{})
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if level != HitL1 {
		t.Errorf("expected l1 hit, got %s", level)
	}
}

func TestL2ReadFailureDegradesToMiss(t *testing.T) {
	m, _ := newTestManager(t, &failAdapter{err: errors.New("connection refused")}, testCacheConfig())

	_, level, _, err := m.Get(context.Background(), types.ClassWarm, "snapshots:k", router.OpMeta{})
	if err != nil {
		t.Fatalf("backend failure on read must degrade to a miss: %v", err)
	}
	if level != HitNone {
		t.Errorf("expected miss, got %s", level)
	}
}

func TestEvictionDropsOldestQuarter(t *testing.T) {
	cfg := testCacheConfig()
	cfg.L1MaxEntries = 8
	m, _ := newTestManager(t, l2Adapter(), cfg)
	ctx := context.Background()

	for _, k := range []string{"a:1", "a:2", "a:3", "a:4", "a:5", "a:6", "a:7", "a:8"} {
		m.Put(ctx, types.ClassWarm, k, []byte("v"), router.OpMeta{})
		time.Sleep(time.Millisecond)
	}
	m.Put(ctx, types.ClassWarm, "a:9", []byte("v"), router.OpMeta{})

	// 9 entries over an 8-cap evicts the oldest quarter (9/4 = 2).
	if got := m.L1Len(); got != 7 {
		t.Fatalf("expected 7 entries after eviction, got %d", got)
	}
	if _, level, _, _ := m.Get(ctx, types.ClassWarm, "a:9", router.OpMeta{}); level != HitL1 {
		t.Error("newest entry must survive eviction")
	}
}

func TestBatchGetPartialResults(t *testing.T) {
	l2 := l2Adapter()
	m, _ := newTestManager(t, l2, testCacheConfig())
	ctx := context.Background()

	m.Put(ctx, types.ClassWarm, "snapshots:a", []byte("1"), router.OpMeta{})
	m.Put(ctx, types.ClassWarm, "snapshots:b", []byte("2"), router.OpMeta{})

	results, failures := m.BatchGet(ctx, types.ClassWarm, []string{"snapshots:a", "snapshots:b", "snapshots:missing"}, router.OpMeta{})
	if len(failures) != 0 {
		t.Fatalf("unexpected failures: %v", failures)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %v", results)
	}
	if _, ok := results["snapshots:missing"]; ok {
		t.Error("missing key must not appear in results")
	}
}

func TestWarmUpPopulatesL1(t *testing.T) {
	l2 := l2Adapter()
	m, _ := newTestManager(t, l2, testCacheConfig())
	ctx := context.Background()

	for _, k := range []string{"snapshots:a", "snapshots:b"} {
		entry := types.CacheEntry{Data: []byte("v"), WrittenAt: time.Now(), TTLSeconds: 300}
		encoded, _ := json.Marshal(entry)
		l2.Put(ctx, k, encoded, router.PutOptions{})
	}

	n := m.WarmUp(ctx, types.ClassWarm, []string{"snapshots:a", "snapshots:b", "snapshots:absent"}, router.OpMeta{})
	if n != 2 {
		t.Fatalf("expected 2 warmed keys, got %d", n)
	}
	if _, level, _, _ := m.Get(ctx, types.ClassWarm, "snapshots:a", router.OpMeta{}); level != HitL1 {
		t.Errorf("warm-up did not populate l1, got %s", level)
	}
}

func TestInvalidateRemovesBothLevels(t *testing.T) {
	l2 := l2Adapter()
	m, _ := newTestManager(t, l2, testCacheConfig())
	ctx := context.Background()

	m.Put(ctx, types.ClassWarm, "snapshots:k", []byte("v"), router.OpMeta{})
	if _, err := m.Invalidate(ctx, types.ClassWarm, "snapshots:k", router.OpMeta{}); err != nil {
		t.Fatalf("Invalidate failed: %v", err)
	}

	if _, level, _, _ := m.Get(ctx, types.ClassWarm, "snapshots:k", router.OpMeta{}); level != HitNone {
		t.Errorf("expected miss after invalidate, got %s", level)
	}
	if _, found, _ := l2.Get(ctx, "snapshots:k"); found {
		t.Error("L2 entry survived invalidate")
	}
}

func TestSweepRemovesExpiredL1Entries(t *testing.T) {
	m, _ := newTestManager(t, l2Adapter(), testCacheConfig())
	ctx := context.Background()

	m.Put(ctx, types.ClassWarm, "snapshots:fresh", []byte("v"), router.OpMeta{})
	m.mu.Lock()
	m.l1["snapshots:old"] = types.CacheEntry{
		Data:       []byte("v"),
		WrittenAt:  time.Now().Add(-2 * time.Minute),
		TTLSeconds: 60,
	}
	m.mu.Unlock()

	if removed := m.SweepOnce(); removed != 1 {
		t.Fatalf("expected 1 swept entry, got %d", removed)
	}
	if m.L1Len() != 1 {
		t.Errorf("fresh entry should survive the sweep, l1 size %d", m.L1Len())
	}
}

func TestConcurrentAccess(t *testing.T) {
	m, _ := newTestManager(t, l2Adapter(), testCacheConfig())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			key := fmt.Sprintf("snapshots:%d", n%4)
			for j := 0; j < 50; j++ {
				m.Put(ctx, types.ClassWarm, key, []byte("v"), router.OpMeta{})
				m.Get(ctx, types.ClassWarm, key, router.OpMeta{})
				if j%10 == 0 {
					m.Invalidate(ctx, types.ClassWarm, key, router.OpMeta{})
					m.SweepOnce()
					m.Stats()
				}
			}
		}(i)
	}
	wg.Wait()
}

func TestStatsAggregation(t *testing.T) {
	m, _ := newTestManager(t, l2Adapter(), testCacheConfig())
	ctx := context.Background()

	m.Put(ctx, types.ClassWarm, "snapshots:k", []byte("v"), router.OpMeta{})
	m.Get(ctx, types.ClassWarm, "snapshots:k", router.OpMeta{})       // l1 hit
	m.Get(ctx, types.ClassWarm, "snapshots:missing", router.OpMeta{}) // miss

	s := m.Stats()
	if s.Hits != 1 || s.Misses != 1 {
		t.Errorf("stats = %+v", s)
	}
	if s.HitRate != 0.5 {
		t.Errorf("hit rate = %v", s.HitRate)
	}
	cs, ok := s.ByStorageClass["warm"]
	if !ok || cs.L1Hits != 1 {
		t.Errorf("per-class stats wrong: %+v", s.ByStorageClass)
	}
}
