package metrics

import (
	"fmt"
	"sort"
	"strings"

	"github.com/stratakv/stratakv/internal/types"
)

// LatencySummary holds nearest-rank percentiles for one label group.
type LatencySummary struct {
	P50   float64 `json:"p50_ms"`
	P90   float64 `json:"p90_ms"`
	P99   float64 `json:"p99_ms"`
	SumMs float64 `json:"sum_ms"`
	Count uint64  `json:"count"`
}

// LabelGroup is the per-label-tuple slice of the snapshot.
type LabelGroup struct {
	Labels     types.Labels   `json:"labels"`
	Operations uint64         `json:"operations"`
	Errors     uint64         `json:"errors"`
	Latency    LatencySummary `json:"latency"`
}

// Snapshot is the JSON exposition of the engine, grouped by label tuple.
type Snapshot struct {
	Totals struct {
		Operations uint64 `json:"operations"`
		Errors     uint64 `json:"errors"`
		L1Hits     uint64 `json:"l1_hits"`
		L1Misses   uint64 `json:"l1_misses"`
		L2Hits     uint64 `json:"l2_hits"`
		L2Misses   uint64 `json:"l2_misses"`
		Promotions uint64 `json:"promotions"`
	} `json:"totals"`
	ByLabelGroup []LabelGroup `json:"by_label_group"`
	Gauges       struct {
		HealthScore   int     `json:"health_score"`
		P50Ms         float64 `json:"p50_ms"`
		P90Ms         float64 `json:"p90_ms"`
		P99Ms         float64 `json:"p99_ms"`
		RecordsStored int     `json:"records_stored"`
	} `json:"gauges"`
	Violations map[string]uint64 `json:"violations_by_type"`
}

// Snapshot renders the engine state as a JSON-friendly structure grouped by
// label tuple.
func (e *Engine) Snapshot() Snapshot {
	assessment := e.AssessHealth()
	p50, p90, p99 := e.Percentiles()

	e.mu.Lock()
	defer e.mu.Unlock()

	var snap Snapshot
	snap.Totals.L1Hits = e.l1.hits
	snap.Totals.L1Misses = e.l1.misses
	snap.Totals.L2Hits = e.l2.hits
	snap.Totals.L2Misses = e.l2.misses
	snap.Totals.Promotions = e.promotions

	for labels, count := range e.operations {
		snap.Totals.Operations += count
		group := LabelGroup{
			Labels:     labels,
			Operations: count,
			Errors:     e.errors[labels],
		}
		snap.Totals.Errors += group.Errors
		if h, ok := e.histograms[labels]; ok {
			group.Latency = LatencySummary{SumMs: h.sum, Count: h.count}
			group.Latency.P50, group.Latency.P90, group.Latency.P99 = histogramPercentiles(h)
		}
		snap.ByLabelGroup = append(snap.ByLabelGroup, group)
	}
	sort.Slice(snap.ByLabelGroup, func(i, j int) bool {
		return labelString(snap.ByLabelGroup[i].Labels) < labelString(snap.ByLabelGroup[j].Labels)
	})

	snap.Gauges.HealthScore = assessment.Score
	snap.Gauges.P50Ms = p50
	snap.Gauges.P90Ms = p90
	snap.Gauges.P99Ms = p99
	snap.Gauges.RecordsStored = e.ringLen

	snap.Violations = make(map[string]uint64, len(e.violationsByType))
	for k, v := range e.violationsByType {
		snap.Violations[k] = v
	}

	return snap
}

// histogramPercentiles approximates percentiles from bucket counts using the
// bucket upper bound at the nearest rank.
func histogramPercentiles(h *histogram) (p50, p90, p99 float64) {
	if h.count == 0 {
		return 0, 0, 0
	}
	pick := func(pct float64) float64 {
		rank := uint64(pct / 100 * float64(h.count))
		if rank == 0 {
			rank = 1
		}
		var cum uint64
		for i, c := range h.counts {
			cum += c
			if cum >= rank {
				return latencyBuckets[i]
			}
		}
		return latencyBuckets[len(latencyBuckets)-1]
	}
	return pick(50), pick(90), pick(99)
}

// Exposition renders a flat-text format of name/labels/value triples with
// cumulative histogram buckets, suitable for external scrapers.
func (e *Engine) Exposition() string {
	e.mu.Lock()
	defer e.mu.Unlock()

	var b strings.Builder

	writeCounter := func(name string, series map[types.Labels]uint64) {
		keys := make([]types.Labels, 0, len(series))
		for l := range series {
			keys = append(keys, l)
		}
		sort.Slice(keys, func(i, j int) bool { return labelString(keys[i]) < labelString(keys[j]) })
		for _, l := range keys {
			fmt.Fprintf(&b, "%s{%s} %d\n", name, labelString(l), series[l])
		}
	}

	writeCounter("strata_operations_total", e.operations)
	writeCounter("strata_errors_total", e.errors)

	fmt.Fprintf(&b, "strata_hits_total{layer=%q} %d\n", LayerL1, e.l1.hits)
	fmt.Fprintf(&b, "strata_hits_total{layer=%q} %d\n", LayerL2, e.l2.hits)
	fmt.Fprintf(&b, "strata_misses_total{layer=%q} %d\n", LayerL1, e.l1.misses)
	fmt.Fprintf(&b, "strata_misses_total{layer=%q} %d\n", LayerL2, e.l2.misses)
	fmt.Fprintf(&b, "strata_promotions_total %d\n", e.promotions)

	histKeys := make([]types.Labels, 0, len(e.histograms))
	for l := range e.histograms {
		histKeys = append(histKeys, l)
	}
	sort.Slice(histKeys, func(i, j int) bool { return labelString(histKeys[i]) < labelString(histKeys[j]) })
	for _, l := range histKeys {
		h := e.histograms[l]
		ls := labelString(l)
		var cum uint64
		for i, c := range h.counts {
			cum += c
			fmt.Fprintf(&b, "strata_latency_ms_bucket{%s,le=%q} %d\n", ls, trimFloat(latencyBuckets[i]), cum)
		}
		fmt.Fprintf(&b, "strata_latency_ms_bucket{%s,le=\"+Inf\"} %d\n", ls, h.count)
		fmt.Fprintf(&b, "strata_latency_ms_sum{%s} %s\n", ls, trimFloat(h.sum))
		fmt.Fprintf(&b, "strata_latency_ms_count{%s} %d\n", ls, h.count)
	}

	vioKeys := make([]string, 0, len(e.violationsByType))
	for k := range e.violationsByType {
		vioKeys = append(vioKeys, k)
	}
	sort.Strings(vioKeys)
	for _, k := range vioKeys {
		fmt.Fprintf(&b, "strata_guard_violations_total{type=%q} %d\n", k, e.violationsByType[k])
	}

	return b.String()
}

func labelString(l types.Labels) string {
	parts := make([]string, 0, 6)
	add := func(k, v string) {
		if v != "" {
			parts = append(parts, fmt.Sprintf("%s=%q", k, v))
		}
	}
	add("system", l.System)
	add("layer", l.Layer)
	add("storage_class", l.StorageClass)
	add("keyspace", l.Keyspace)
	add("operation", l.Operation)
	add("result", l.Result)
	return strings.Join(parts, ",")
}

func trimFloat(f float64) string {
	s := fmt.Sprintf("%g", f)
	return s
}
