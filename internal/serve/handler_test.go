package serve

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/stratakv/stratakv/internal/cache"
	"github.com/stratakv/stratakv/internal/config"
	"github.com/stratakv/stratakv/internal/guard"
	"github.com/stratakv/stratakv/internal/memory"
	"github.com/stratakv/stratakv/internal/metrics"
	"github.com/stratakv/stratakv/internal/router"
	"github.com/stratakv/stratakv/internal/types"
)

type testAPI struct {
	mux  *http.ServeMux
	hot  *memory.Store
	warm *memory.Store
	mgr  *cache.Manager
	grd  *guard.Engine
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	logger := zap.NewNop()
	defaults := config.DefaultConfig()

	engine := metrics.NewEngine(defaults.Health, logger)
	grd := guard.New(defaults.Guard, engine, logger)

	hot := memory.NewStore("fast", config.MemoryConfig{}, logger)
	warm := memory.NewStore("durable", config.MemoryConfig{}, logger)
	adapters := map[string]router.Adapter{"fast": hot, "durable": warm}

	rt := router.New(router.Config{
		Bindings: map[types.StorageClass]router.Binding{
			types.ClassHot:  {Class: types.ClassHot, Primary: hot, Fallback: warm},
			types.ClassWarm: {Class: types.ClassWarm, Primary: warm},
		},
		Guard:   grd,
		Metrics: engine,
		Logger:  logger,
	})
	mgr := cache.NewManager(cache.ManagerConfig{
		Router:  rt,
		Metrics: engine,
		Cache: config.CacheConfig{
			L1MaxEntries: 100,
			DefaultTTL:   config.Duration(time.Minute),
			BatchFanout:  4,
		},
		Logger: logger,
	})

	return &testAPI{
		mux: Mux(Deps{
			Router:   rt,
			Cache:    mgr,
			Guard:    grd,
			Metrics:  engine,
			Adapters: adapters,
			Logger:   logger,
		}),
		hot:  hot,
		warm: warm,
		mgr:  mgr,
		grd:  grd,
	}
}

func (a *testAPI) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	a.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("decoding response body: %v", err)
	}
}

func TestStatusReportsHealthyBackends(t *testing.T) {
	a := newTestAPI(t)

	rec := a.get(t, "/v1/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}

	var body struct {
		Status   string                            `json:"status"`
		Classes  int                               `json:"classes"`
		Backends map[string]map[string]interface{} `json:"backends"`
	}
	decodeBody(t, rec, &body)
	if body.Status != "ok" {
		t.Errorf("status = %q", body.Status)
	}
	if body.Classes != 2 {
		t.Errorf("classes = %d", body.Classes)
	}
	if len(body.Backends) != 2 {
		t.Errorf("backends = %v", body.Backends)
	}
}

func TestStatusDegradedOnUnhealthyBackend(t *testing.T) {
	a := newTestAPI(t)
	a.hot.Close()

	rec := a.get(t, "/v1/status")
	var body struct {
		Status string `json:"status"`
	}
	decodeBody(t, rec, &body)
	if body.Status != "degraded" {
		t.Errorf("status = %q, want degraded", body.Status)
	}
}

func TestStatsIncludesCacheAndBackends(t *testing.T) {
	a := newTestAPI(t)
	ctx := context.Background()

	a.mgr.Put(ctx, types.ClassWarm, "snapshots:k", []byte("v"), router.OpMeta{})
	a.mgr.Get(ctx, types.ClassWarm, "snapshots:k", router.OpMeta{})

	rec := a.get(t, "/v1/stats")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var body struct {
		Cache    cache.Stats                       `json:"cache"`
		Backends map[string]map[string]interface{} `json:"backends"`
	}
	decodeBody(t, rec, &body)
	if body.Cache.Hits != 1 {
		t.Errorf("cache hits = %d", body.Cache.Hits)
	}
	if _, ok := body.Backends["durable"]; !ok {
		t.Errorf("backends missing durable: %v", body.Backends)
	}
}

func TestClassesListsBindings(t *testing.T) {
	a := newTestAPI(t)

	rec := a.get(t, "/v1/classes")
	var body []map[string]interface{}
	decodeBody(t, rec, &body)
	if len(body) != 2 {
		t.Fatalf("expected 2 classes, got %v", body)
	}
	// AllStorageClasses order puts hot first.
	if body[0]["class"] != "hot" || body[0]["primary"] != "fast" || body[0]["fallback"] != "durable" {
		t.Errorf("hot binding wrong: %v", body[0])
	}
	if _, ok := body[1]["fallback"]; ok {
		t.Errorf("warm has no fallback: %v", body[1])
	}
}

func TestViolationsLimitValidation(t *testing.T) {
	a := newTestAPI(t)

	if rec := a.get(t, "/v1/violations?limit=abc"); rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit accepted: %d", rec.Code)
	}
	if rec := a.get(t, "/v1/violations?limit=0"); rec.Code != http.StatusBadRequest {
		t.Errorf("zero limit accepted: %d", rec.Code)
	}
	if rec := a.get(t, "/v1/violations?limit=5"); rec.Code != http.StatusOK {
		t.Errorf("valid limit rejected: %d", rec.Code)
	}
}

func TestHealthScoreEndpoint(t *testing.T) {
	a := newTestAPI(t)

	rec := a.get(t, "/v1/health/score")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var body types.HealthAssessment
	decodeBody(t, rec, &body)
	if body.Score != 100 {
		t.Errorf("idle score = %v", body.Score)
	}
}

func TestKeysListsByClass(t *testing.T) {
	a := newTestAPI(t)
	ctx := context.Background()

	a.warm.Put(ctx, "reports:a", []byte("1"), router.PutOptions{})
	a.warm.Put(ctx, "reports:b", []byte("2"), router.PutOptions{})
	a.warm.Put(ctx, "other:c", []byte("3"), router.PutOptions{})

	rec := a.get(t, "/v1/keys/warm?prefix=reports:")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Class string   `json:"class"`
		Count int      `json:"count"`
		Keys  []string `json:"keys"`
	}
	decodeBody(t, rec, &body)
	if body.Class != "warm" || body.Count != 2 {
		t.Errorf("body = %+v", body)
	}
	for _, k := range body.Keys {
		if !strings.HasPrefix(k, "reports:") {
			t.Errorf("key %q escapes prefix", k)
		}
	}
}

func TestKeysUnknownClassRejected(t *testing.T) {
	a := newTestAPI(t)

	rec := a.get(t, "/v1/keys/glacial")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown class accepted: %d", rec.Code)
	}
}

func TestGuardUpdateSwapsConfig(t *testing.T) {
	a := newTestAPI(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/admin/guard",
		strings.NewReader(`{"mode":"block","max_ops_per_minute":42}`))
	a.mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}

	got := a.grd.Config()
	if got.Mode != "block" || got.MaxOpsPerMinute != 42 {
		t.Errorf("config not swapped: %+v", got)
	}
}

func TestGuardUpdateRejectsInvalidMode(t *testing.T) {
	a := newTestAPI(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/admin/guard",
		strings.NewReader(`{"mode":"lenient"}`))
	a.mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid mode accepted: %d", rec.Code)
	}
}
