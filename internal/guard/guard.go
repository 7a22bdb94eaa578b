// Package guard enforces backend-usage policy for every storage operation:
// which storage class may reach which backend, per-prefix rate limits, and
// latency outlier detection, with enforcement graduated from warn to block.
package guard

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stratakv/stratakv/internal/config"
	"github.com/stratakv/stratakv/internal/metrics"
	"github.com/stratakv/stratakv/internal/types"
)

// Violation type names.
const (
	ViolationMaintenance = "maintenance_mode"
	ViolationPolicy      = "class_backend_policy"
	ViolationRateLimit   = "rate_limit"
	ViolationLatency     = "latency_outlier"
)

const rateWindow = 60 * time.Second

// CheckMeta carries per-call context used purely for policy evaluation.
type CheckMeta struct {
	Backend   types.BackendKind
	Caller    string
	LatencyMs float64
}

// Decision is the outcome of one guard check.
type Decision struct {
	Allowed bool
	Action  types.GuardAction
	Rule    string
	Reason  string
}

var decisionAllow = Decision{Allowed: true, Action: types.ActionAllowed}

// Engine is the guard. Configuration is copy-on-write: readers take a
// consistent snapshot without locking; updates swap the whole pointer.
type Engine struct {
	cfg     atomic.Pointer[config.GuardConfig]
	limiter *rateLimiter
	metrics *metrics.Engine
	logger  *zap.Logger

	mu       sync.Mutex
	history  []types.GuardViolation
	histNext int
	histLen  int
}

// New creates a guard engine with the given startup configuration.
func New(cfg config.GuardConfig, m *metrics.Engine, logger *zap.Logger) *Engine {
	e := &Engine{
		limiter: newRateLimiter(rateWindow),
		metrics: m,
		logger:  logger,
		history: make([]types.GuardViolation, cfg.HistorySize),
	}
	e.cfg.Store(&cfg)
	return e
}

// Config returns the current configuration snapshot.
func (e *Engine) Config() config.GuardConfig {
	return *e.cfg.Load()
}

// UpdateConfig replaces the configuration wholesale. This is the only
// mutation path; in-flight checks keep the snapshot they started with.
func (e *Engine) UpdateConfig(cfg config.GuardConfig) error {
	if err := validateGuard(cfg); err != nil {
		return err
	}
	e.cfg.Store(&cfg)
	e.logger.Info("guard configuration updated",
		zap.String("mode", cfg.Mode),
		zap.Bool("enabled", cfg.Enabled),
		zap.Bool("maintenance", cfg.MaintenanceMode),
	)
	return nil
}

// Check evaluates one operation against the active policy. Evaluation order:
// disabled, admin bypass, maintenance mode, allowlisted prefix, class/backend
// policy, rate limit, latency.
func (e *Engine) Check(operation, key string, class types.StorageClass, meta CheckMeta) Decision {
	cfg := e.cfg.Load()

	if !cfg.Enabled {
		return decisionAllow
	}

	if meta.Caller != "" && contains(cfg.AdminBypass, meta.Caller) {
		e.logger.Debug("guard bypassed by admin caller",
			zap.String("caller", meta.Caller),
			zap.String("operation", operation),
		)
		return Decision{Allowed: true, Action: types.ActionLogged, Rule: "admin_bypass"}
	}

	if cfg.MaintenanceMode {
		e.recordViolation(cfg, class, operation, key, ViolationMaintenance, types.SeverityMedium, types.ActionLogged, map[string]string{
			"caller": meta.Caller,
		})
		return Decision{Allowed: true, Action: types.ActionLogged, Rule: "maintenance_mode"}
	}

	for _, prefix := range cfg.AllowedPrefixes {
		if strings.HasPrefix(key, prefix) {
			return decisionAllow
		}
	}

	// A warned policy violation still flows through the remaining checks so the
	// operation counts against the rate-limit window; the verdict is held and
	// returned only if nothing downstream denies first.
	var policyVerdict *Decision
	if rule, sev, ok := classBackendViolation(cfg, class, meta.Backend); ok {
		action := e.enforce(cfg, class, operation, key, ViolationPolicy, sev, map[string]string{
			"rule":    rule,
			"backend": string(meta.Backend),
		})
		if action == types.ActionDenied || action == types.ActionBlocked {
			return Decision{Allowed: false, Action: action, Rule: rule,
				Reason: class.String() + " class may not use " + string(meta.Backend) + " backend"}
		}
		policyVerdict = &Decision{Allowed: true, Action: action, Rule: rule}
	}

	if !e.limiter.allow(operation+"|"+keyPrefix(key), cfg.MaxOpsPerMinute, time.Now()) {
		action := e.enforce(cfg, class, operation, key, ViolationRateLimit, types.SeverityMedium, map[string]string{
			"max_ops_per_minute": strconv.Itoa(cfg.MaxOpsPerMinute),
		})
		if action == types.ActionDenied || action == types.ActionBlocked {
			return Decision{Allowed: false, Action: action, Rule: "rate_limit",
				Reason: "ops/minute window exceeded for " + keyPrefix(key)}
		}
		return Decision{Allowed: true, Action: action, Rule: "rate_limit"}
	}

	if cfg.MaxLatencyMs > 0 && meta.LatencyMs > float64(cfg.MaxLatencyMs) {
		// Latency outliers are observations; they never deny.
		e.recordViolation(cfg, class, operation, key, ViolationLatency, types.SeverityLow, types.ActionLogged, map[string]string{
			"latency_ms": strconv.FormatFloat(meta.LatencyMs, 'f', 1, 64),
		})
	}

	if policyVerdict != nil {
		return *policyVerdict
	}
	return decisionAllow
}

// ObserveLatency reports a completed operation's observed latency so that
// outliers surface as violations even when the admission check ran before
// the backend call.
func (e *Engine) ObserveLatency(operation, key string, class types.StorageClass, latencyMs float64) {
	cfg := e.cfg.Load()
	if !cfg.Enabled || cfg.MaxLatencyMs <= 0 || latencyMs <= float64(cfg.MaxLatencyMs) {
		return
	}
	e.recordViolation(cfg, class, operation, key, ViolationLatency, types.SeverityLow, types.ActionLogged, map[string]string{
		"latency_ms": strconv.FormatFloat(latencyMs, 'f', 1, 64),
	})
}

// enforce records the violation and maps the configured mode onto an action.
func (e *Engine) enforce(cfg *config.GuardConfig, class types.StorageClass, operation, key, vtype string, sev types.Severity, meta map[string]string) types.GuardAction {
	var action types.GuardAction
	switch cfg.Mode {
	case "block":
		action = types.ActionBlocked
	case "error":
		action = types.ActionDenied
	default:
		action = types.ActionLogged
	}
	e.recordViolation(cfg, class, operation, key, vtype, sev, action, meta)
	return action
}

func (e *Engine) recordViolation(cfg *config.GuardConfig, class types.StorageClass, operation, key, vtype string, sev types.Severity, action types.GuardAction, meta map[string]string) {
	v := types.GuardViolation{
		ID:            uuid.NewString(),
		Timestamp:     time.Now(),
		Class:         class.String(),
		Operation:     operation,
		ViolationType: vtype,
		Key:           key,
		Severity:      sev.String(),
		Action:        action,
		Metadata:      meta,
	}

	e.mu.Lock()
	if len(e.history) > 0 {
		e.history[e.histNext] = v
		e.histNext = (e.histNext + 1) % len(e.history)
		if e.histLen < len(e.history) {
			e.histLen++
		}
	}
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.RecordViolation(v)
	}

	e.logger.Warn("guard violation",
		zap.String("type", vtype),
		zap.String("class", v.Class),
		zap.String("operation", operation),
		zap.String("key", key),
		zap.String("severity", v.Severity),
		zap.String("action", string(action)),
	)
}

// RecentViolations returns up to limit violations, newest first.
func (e *Engine) RecentViolations(limit int) []types.GuardViolation {
	e.mu.Lock()
	defer e.mu.Unlock()

	if limit <= 0 || limit > e.histLen {
		limit = e.histLen
	}
	out := make([]types.GuardViolation, 0, limit)
	for i := 0; i < limit; i++ {
		idx := (e.histNext - 1 - i + len(e.history)) % len(e.history)
		out = append(out, e.history[idx])
	}
	return out
}

// classBackendViolation applies the per-class backend eligibility toggles.
func classBackendViolation(cfg *config.GuardConfig, class types.StorageClass, backend types.BackendKind) (rule string, sev types.Severity, violated bool) {
	if backend == "" {
		return "", 0, false
	}
	switch class {
	case types.ClassHot:
		if cfg.HotOnlyFastBackend && isSlowBackend(backend) {
			return "hot_only_fast_backend", types.SeverityHigh, true
		}
	case types.ClassWarm:
		if cfg.WarmOnlyFastBackend && isSlowBackend(backend) {
			return "warm_only_fast_backend", types.SeverityMedium, true
		}
	case types.ClassCold:
		if !cfg.ColdAllowsRelationalBackend && backend == types.BackendSQL {
			return "cold_allows_relational_backend", types.SeverityMedium, true
		}
	case types.ClassEphemeral:
		if !cfg.EphemeralAllowsMemory && backend == types.BackendMemory {
			return "ephemeral_allows_memory", types.SeverityLow, true
		}
	}
	return "", 0, false
}

// isSlowBackend reports whether a backend is in the relational/archive tier
// that hot and warm traffic must not reach.
func isSlowBackend(k types.BackendKind) bool {
	return k == types.BackendSQL || k == types.BackendS3
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

func validateGuard(g config.GuardConfig) error {
	switch g.Mode {
	case "warn", "error", "block":
	default:
		return fmt.Errorf("guard mode must be warn, error, or block, got %q", g.Mode)
	}
	if g.MaxOpsPerMinute <= 0 {
		return fmt.Errorf("max_ops_per_minute must be > 0, got %d", g.MaxOpsPerMinute)
	}
	return nil
}
