package metrics

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/stratakv/stratakv/internal/config"
	"github.com/stratakv/stratakv/internal/types"
)

// Layer label values used across the system.
const (
	LayerL1     = "l1"
	LayerL2     = "l2"
	LayerRouter = "router"
	LayerGuard  = "guard"
)

// Result label values.
const (
	ResultHit   = "hit"
	ResultMiss  = "miss"
	ResultOK    = "ok"
	ResultError = "error"
)

// latencyBuckets are the fixed histogram bucket upper bounds in milliseconds,
// sub-millisecond through 10s.
var latencyBuckets = []float64{0.5, 1, 2.5, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

type histogram struct {
	counts []uint64
	sum    float64
	count  uint64
}

func (h *histogram) observe(ms float64) {
	for i, ub := range latencyBuckets {
		if ms <= ub {
			h.counts[i]++
			break
		}
	}
	h.sum += ms
	h.count++
}

type levelCounts struct {
	hits   uint64
	misses uint64
	errors uint64
	total  uint64
}

func (l levelCounts) hitRate() float64 {
	if l.hits+l.misses == 0 {
		return 1
	}
	return float64(l.hits) / float64(l.hits+l.misses)
}

func (l levelCounts) errRate() float64 {
	if l.total == 0 {
		return 0
	}
	return float64(l.errors) / float64(l.total)
}

func (l levelCounts) stats() types.LevelStats {
	return types.LevelStats{
		Hits:    l.hits,
		Misses:  l.misses,
		Errors:  l.errors,
		HitRate: l.hitRate(),
		ErrRate: l.errRate(),
	}
}

// Engine aggregates every operation outcome into labeled counters, a
// fixed-bucket latency histogram, and a bounded ring of operation records
// used for percentile and health computation. It is safe for concurrent use.
type Engine struct {
	cfg    config.HealthScoringConfig
	logger *zap.Logger

	mu         sync.Mutex
	operations map[types.Labels]uint64
	errors     map[types.Labels]uint64
	histograms map[types.Labels]*histogram

	ring     []types.OperationRecord
	ringNext int
	ringLen  int

	l1, l2            levelCounts
	promotions        uint64
	promotionAttempts uint64
	violationsByType  map[string]uint64
	violationsBySev   map[string]uint64
}

// NewEngine creates a metrics engine. The scoring config is validated at
// load time; weights always sum to 100 here.
func NewEngine(cfg config.HealthScoringConfig, logger *zap.Logger) *Engine {
	return &Engine{
		cfg:              cfg,
		logger:           logger,
		operations:       make(map[types.Labels]uint64),
		errors:           make(map[types.Labels]uint64),
		histograms:       make(map[types.Labels]*histogram),
		ring:             make([]types.OperationRecord, cfg.RingSize),
		violationsByType: make(map[string]uint64),
		violationsBySev:  make(map[string]uint64),
	}
}

// RecordOperation funnels one completed operation into the counters, the
// latency histogram, and the ring buffer. The record is never mutated after
// this call.
func (e *Engine) RecordOperation(labels types.Labels, durationMs float64, success bool) {
	now := time.Now()

	e.mu.Lock()
	e.operations[labels]++
	if !success {
		e.errors[labels]++
	}

	h, ok := e.histograms[labels]
	if !ok {
		h = &histogram{counts: make([]uint64, len(latencyBuckets))}
		e.histograms[labels] = h
	}
	h.observe(durationMs)

	e.ring[e.ringNext] = types.OperationRecord{
		Timestamp:  now,
		DurationMs: durationMs,
		Labels:     labels,
		Success:    success,
	}
	e.ringNext = (e.ringNext + 1) % len(e.ring)
	if e.ringLen < len(e.ring) {
		e.ringLen++
	}

	switch labels.Layer {
	case LayerL1:
		e.applyLevel(&e.l1, labels.Result, success)
	case LayerL2:
		e.applyLevel(&e.l2, labels.Result, success)
	}
	e.mu.Unlock()

	operationsTotal.WithLabelValues(labels.Layer, labels.StorageClass, labels.Operation, labels.Result).Inc()
	if !success {
		errorsTotal.WithLabelValues(labels.Layer, labels.StorageClass, labels.Operation).Inc()
	}
	operationLatency.WithLabelValues(labels.Layer, labels.StorageClass, labels.Operation).Observe(durationMs / 1000)
}

func (e *Engine) applyLevel(l *levelCounts, result string, success bool) {
	l.total++
	switch result {
	case ResultHit:
		l.hits++
	case ResultMiss:
		l.misses++
	}
	if !success {
		l.errors++
	}
}

// RecordPromotion counts an L2-to-L1 promotion attempt. Effective means the
// promoted entry was fresh and actually entered L1.
func (e *Engine) RecordPromotion(effective bool) {
	e.mu.Lock()
	e.promotionAttempts++
	if effective {
		e.promotions++
	}
	e.mu.Unlock()

	if effective {
		promotionsTotal.WithLabelValues("effective").Inc()
	} else {
		promotionsTotal.WithLabelValues("discarded").Inc()
	}
}

// RecordViolation counts a guard violation by type and severity.
func (e *Engine) RecordViolation(v types.GuardViolation) {
	e.mu.Lock()
	e.violationsByType[v.ViolationType]++
	e.violationsBySev[v.Severity]++
	e.mu.Unlock()

	guardViolations.WithLabelValues(v.ViolationType, v.Severity).Inc()
}

// Percentiles returns nearest-rank p50/p90/p99 latencies in milliseconds over
// the recent operation window.
func (e *Engine) Percentiles() (p50, p90, p99 float64) {
	e.mu.Lock()
	lat := make([]float64, 0, e.ringLen)
	for i := 0; i < e.ringLen; i++ {
		lat = append(lat, e.ring[i].DurationMs)
	}
	e.mu.Unlock()

	if len(lat) == 0 {
		return 0, 0, 0
	}
	sort.Float64s(lat)
	return nearestRank(lat, 50), nearestRank(lat, 90), nearestRank(lat, 99)
}

func nearestRank(sorted []float64, pct int) float64 {
	rank := int(math.Ceil(float64(pct) / 100 * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}

// RecentRecords returns up to limit of the most recent operation records,
// newest first.
func (e *Engine) RecentRecords(limit int) []types.OperationRecord {
	e.mu.Lock()
	defer e.mu.Unlock()

	if limit <= 0 || limit > e.ringLen {
		limit = e.ringLen
	}
	out := make([]types.OperationRecord, 0, limit)
	for i := 0; i < limit; i++ {
		idx := (e.ringNext - 1 - i + len(e.ring)) % len(e.ring)
		out = append(out, e.ring[idx])
	}
	return out
}

// AssessHealth recomputes the composite health assessment from the current
// counters. The assessment is derived state; it is never persisted.
func (e *Engine) AssessHealth() types.HealthAssessment {
	e.mu.Lock()
	l1 := e.l1
	l2 := e.l2
	promotions := e.promotions
	attempts := e.promotionAttempts
	e.mu.Unlock()

	w := e.cfg.Weights
	t := e.cfg.Thresholds

	promoRate := 1.0
	if attempts > 0 {
		promoRate = float64(promotions) / float64(attempts)
	}

	successRate := 1 - combinedErrRate(l1, l2)

	score := float64(w.L1Hit)*attainment(l1.hitRate(), t.L1HitRate) +
		float64(w.L2Hit)*attainment(l2.hitRate(), t.L2HitRate) +
		float64(w.ErrorRate)*attainment(successRate, t.SuccessRate) +
		float64(w.Promotion)*attainment(promoRate, t.PromotionRate)

	rounded := int(math.Round(score))

	a := types.HealthAssessment{
		Timestamp:     time.Now(),
		L1:            l1.stats(),
		L2:            l2.stats(),
		PromotionRate: promoRate,
		Score:         rounded,
	}

	// Hard override: excessive errors at either level are critical
	// irrespective of score.
	switch {
	case l1.errRate() > t.CriticalErrorRate || l2.errRate() > t.CriticalErrorRate:
		a.Status = types.StateCritical
	case rounded >= t.HealthyScore:
		a.Status = types.StateHealthy
	case rounded >= t.DegradedScore:
		a.Status = types.StateDegraded
	case rounded >= t.UnhealthyScore:
		a.Status = types.StateUnhealthy
	default:
		a.Status = types.StateCritical
	}

	if l1.hitRate() < t.L1HitRate && l1.hits+l1.misses > 0 {
		a.Insights = append(a.Insights, fmt.Sprintf("l1 hit rate %.2f below threshold %.2f", l1.hitRate(), t.L1HitRate))
		a.Recommendations = append(a.Recommendations, "increase l1 capacity or entry ttl")
	}
	if l2.hitRate() < t.L2HitRate && l2.hits+l2.misses > 0 {
		a.Insights = append(a.Insights, fmt.Sprintf("l2 hit rate %.2f below threshold %.2f", l2.hitRate(), t.L2HitRate))
		a.Recommendations = append(a.Recommendations, "review ttl configuration for the durable cache")
	}
	if a.Status == types.StateCritical {
		a.Insights = append(a.Insights, "error rate exceeds the critical threshold")
		a.Recommendations = append(a.Recommendations, "check backend availability and recent violations")
	}

	healthScore.Set(float64(a.Score))
	return a
}

// attainment maps an observed rate onto [0,1] relative to its threshold.
// Meeting or exceeding the threshold earns the full weight.
func attainment(value, threshold float64) float64 {
	if threshold <= 0 || value >= threshold {
		return 1
	}
	if value < 0 {
		return 0
	}
	return value / threshold
}

func combinedErrRate(l1, l2 levelCounts) float64 {
	total := l1.total + l2.total
	if total == 0 {
		return 0
	}
	return float64(l1.errors+l2.errors) / float64(total)
}
