package guard

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/stratakv/stratakv/internal/config"
	"github.com/stratakv/stratakv/internal/types"
)

func testConfig() config.GuardConfig {
	return config.DefaultConfig().Guard
}

func newTestEngine(cfg config.GuardConfig) *Engine {
	return New(cfg, nil, zap.NewNop())
}

func TestDisabledGuardAllowsEverything(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false
	cfg.Mode = "block"
	e := newTestEngine(cfg)

	d := e.Check("get", "quotes:aapl", types.ClassHot, CheckMeta{Backend: types.BackendS3})
	if !d.Allowed {
		t.Fatal("disabled guard must allow all operations")
	}
	if len(e.RecentViolations(0)) != 0 {
		t.Error("disabled guard must not record violations")
	}
}

func TestWarnModeRecordsButAllows(t *testing.T) {
	cfg := testConfig()
	cfg.Mode = "warn"
	e := newTestEngine(cfg)

	d := e.Check("get", "quotes:aapl", types.ClassHot, CheckMeta{Backend: types.BackendSQL})
	if !d.Allowed {
		t.Fatal("warn mode must not deny")
	}
	if d.Action != types.ActionLogged {
		t.Errorf("expected logged action, got %s", d.Action)
	}

	vs := e.RecentViolations(0)
	if len(vs) != 1 {
		t.Fatalf("expected 1 violation, got %d", len(vs))
	}
	if vs[0].ViolationType != ViolationPolicy {
		t.Errorf("expected %s, got %s", ViolationPolicy, vs[0].ViolationType)
	}
}

func TestWarnedPolicyViolationStillCountsAgainstRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.Mode = "warn"
	cfg.MaxOpsPerMinute = 3
	e := newTestEngine(cfg)

	// Every check violates the hot-class backend policy; in warn mode they
	// still consume rate-limit capacity.
	for i := 0; i < 3; i++ {
		d := e.Check("get", "quotes:aapl", types.ClassHot, CheckMeta{Backend: types.BackendSQL})
		if !d.Allowed {
			t.Fatalf("check %d: warn mode must not deny", i+1)
		}
		if d.Rule == "rate_limit" {
			t.Fatalf("check %d: rate limit fired below the threshold", i+1)
		}
	}

	d := e.Check("get", "quotes:aapl", types.ClassHot, CheckMeta{Backend: types.BackendSQL})
	if !d.Allowed {
		t.Fatal("warn mode must not deny even over the limit")
	}
	if d.Rule != "rate_limit" {
		t.Fatalf("expected rate_limit rule on the 4th check, got %q", d.Rule)
	}

	var sawPolicy, sawRate bool
	for _, v := range e.RecentViolations(0) {
		switch v.ViolationType {
		case ViolationPolicy:
			sawPolicy = true
		case ViolationRateLimit:
			sawRate = true
		}
	}
	if !sawPolicy || !sawRate {
		t.Errorf("expected both policy and rate-limit violations recorded, policy=%v rate=%v", sawPolicy, sawRate)
	}
}

func TestErrorModeDenies(t *testing.T) {
	cfg := testConfig()
	cfg.Mode = "error"
	e := newTestEngine(cfg)

	d := e.Check("put", "quotes:aapl", types.ClassHot, CheckMeta{Backend: types.BackendS3})
	if d.Allowed {
		t.Fatal("error mode must deny a policy violation")
	}
	if d.Action != types.ActionDenied {
		t.Errorf("expected denied action, got %s", d.Action)
	}
}

func TestBlockModeDenies(t *testing.T) {
	cfg := testConfig()
	cfg.Mode = "block"
	e := newTestEngine(cfg)

	d := e.Check("put", "snapshots:x", types.ClassWarm, CheckMeta{Backend: types.BackendSQL})
	if d.Allowed {
		t.Fatal("block mode must deny a policy violation")
	}
	if d.Action != types.ActionBlocked {
		t.Errorf("expected blocked action, got %s", d.Action)
	}
}

func TestRepeatedViolationsGiveConsistentVerdicts(t *testing.T) {
	cfg := testConfig()
	cfg.Mode = "block"
	e := newTestEngine(cfg)

	for i := 0; i < 5; i++ {
		d := e.Check("get", "quotes:aapl", types.ClassHot, CheckMeta{Backend: types.BackendS3})
		if d.Allowed {
			t.Fatalf("check %d: same violation must yield the same verdict", i)
		}
	}
	if got := len(e.RecentViolations(0)); got != 5 {
		t.Errorf("expected 5 recorded violations, got %d", got)
	}
}

func TestAdminBypassSkipsPolicy(t *testing.T) {
	cfg := testConfig()
	cfg.Mode = "block"
	cfg.AdminBypass = []string{"migration-job"}
	e := newTestEngine(cfg)

	d := e.Check("put", "quotes:aapl", types.ClassHot, CheckMeta{Backend: types.BackendS3, Caller: "migration-job"})
	if !d.Allowed {
		t.Fatal("admin caller must bypass policy")
	}
	if d.Rule != "admin_bypass" {
		t.Errorf("expected admin_bypass rule, got %s", d.Rule)
	}
}

func TestAllowedPrefixSkipsPolicy(t *testing.T) {
	cfg := testConfig()
	cfg.Mode = "block"
	cfg.AllowedPrefixes = []string{"migrations:"}
	e := newTestEngine(cfg)

	d := e.Check("put", "migrations:0042", types.ClassHot, CheckMeta{Backend: types.BackendS3})
	if !d.Allowed {
		t.Fatal("allowlisted prefix must bypass policy")
	}
}

func TestMaintenanceModeAllowsAndRecords(t *testing.T) {
	cfg := testConfig()
	cfg.Mode = "block"
	cfg.MaintenanceMode = true
	e := newTestEngine(cfg)

	d := e.Check("put", "quotes:aapl", types.ClassHot, CheckMeta{Backend: types.BackendS3})
	if !d.Allowed {
		t.Fatal("maintenance mode must allow operations")
	}
	vs := e.RecentViolations(1)
	if len(vs) != 1 || vs[0].ViolationType != ViolationMaintenance {
		t.Errorf("expected a recorded maintenance violation, got %+v", vs)
	}
}

func TestRateLimitThreshold(t *testing.T) {
	cfg := testConfig()
	cfg.Mode = "block"
	cfg.MaxOpsPerMinute = 10
	e := newTestEngine(cfg)

	for i := 0; i < 10; i++ {
		d := e.Check("get", "quotes:aapl", types.ClassHot, CheckMeta{Backend: types.BackendMemory})
		if !d.Allowed {
			t.Fatalf("operation %d within the limit was denied", i+1)
		}
	}

	d := e.Check("get", "quotes:msft", types.ClassHot, CheckMeta{Backend: types.BackendMemory})
	if d.Allowed {
		t.Fatal("operation over the limit must be denied in block mode")
	}
	if d.Rule != "rate_limit" {
		t.Errorf("expected rate_limit rule, got %s", d.Rule)
	}

	// A different key prefix has its own window.
	d = e.Check("get", "fx:eurusd", types.ClassHot, CheckMeta{Backend: types.BackendMemory})
	if !d.Allowed {
		t.Error("rate limit must be scoped per key prefix")
	}
}

func TestLatencyOutlierNeverDenies(t *testing.T) {
	cfg := testConfig()
	cfg.Mode = "block"
	cfg.MaxLatencyMs = 100
	e := newTestEngine(cfg)

	d := e.Check("get", "quotes:aapl", types.ClassHot, CheckMeta{Backend: types.BackendMemory, LatencyMs: 2500})
	if !d.Allowed {
		t.Fatal("latency outliers are observations, never denials")
	}
	vs := e.RecentViolations(1)
	if len(vs) != 1 || vs[0].ViolationType != ViolationLatency {
		t.Errorf("expected a latency violation record, got %+v", vs)
	}
}

func TestObserveLatency(t *testing.T) {
	cfg := testConfig()
	cfg.MaxLatencyMs = 100
	e := newTestEngine(cfg)

	e.ObserveLatency("get", "quotes", types.ClassHot, 50)
	if got := len(e.RecentViolations(0)); got != 0 {
		t.Fatalf("latency under the threshold must not record, got %d violations", got)
	}

	e.ObserveLatency("get", "quotes", types.ClassHot, 750)
	vs := e.RecentViolations(0)
	if len(vs) != 1 || vs[0].ViolationType != ViolationLatency {
		t.Fatalf("expected one latency violation, got %+v", vs)
	}
}

func TestHistoryRingIsBounded(t *testing.T) {
	cfg := testConfig()
	cfg.HistorySize = 3
	e := newTestEngine(cfg)

	for i := 0; i < 10; i++ {
		e.Check("get", "quotes:aapl", types.ClassHot, CheckMeta{Backend: types.BackendSQL})
	}

	vs := e.RecentViolations(0)
	if len(vs) != 3 {
		t.Fatalf("expected history capped at 3, got %d", len(vs))
	}
	for i := 1; i < len(vs); i++ {
		if vs[i].Timestamp.After(vs[i-1].Timestamp) {
			t.Error("violations must be returned newest first")
		}
	}
}

func TestUpdateConfigValidatesAndSwaps(t *testing.T) {
	e := newTestEngine(testConfig())

	bad := testConfig()
	bad.Mode = "nuke"
	if err := e.UpdateConfig(bad); err == nil {
		t.Fatal("invalid mode must be rejected")
	}

	good := testConfig()
	good.Mode = "block"
	if err := e.UpdateConfig(good); err != nil {
		t.Fatalf("valid update rejected: %v", err)
	}
	if e.Config().Mode != "block" {
		t.Error("update did not take effect")
	}
}

func TestConcurrentChecksAndUpdates(t *testing.T) {
	e := newTestEngine(testConfig())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				e.Check("get", fmt.Sprintf("quotes:%d", n), types.ClassHot, CheckMeta{Backend: types.BackendMemory})
				e.ObserveLatency("get", fmt.Sprintf("quotes:%d", n), types.ClassHot, float64(j))
				if j%25 == 0 {
					cfg := e.Config()
					cfg.MaxLatencyMs = 100 + j
					if err := e.UpdateConfig(cfg); err != nil {
						t.Errorf("UpdateConfig failed: %v", err)
					}
					e.RecentViolations(10)
				}
			}
		}(i)
	}
	wg.Wait()
}

func TestRateLimiterWindowPruning(t *testing.T) {
	l := newRateLimiter(time.Minute)
	base := time.Now()

	for i := 0; i < 5; i++ {
		if !l.allow("get|quotes", 5, base.Add(time.Duration(i)*time.Second)) {
			t.Fatalf("op %d within limit denied", i)
		}
	}
	if l.allow("get|quotes", 5, base.Add(6*time.Second)) {
		t.Fatal("6th op within the window must be denied")
	}
	// Past the window, old entries are pruned and capacity returns.
	if !l.allow("get|quotes", 5, base.Add(90*time.Second)) {
		t.Fatal("op after window expiry must be allowed")
	}
}
