package types

import "time"

// StorageClass identifies the durability/latency tier of a logical data class.
type StorageClass int

const (
	ClassHot StorageClass = iota
	ClassWarm
	ClassCold
	ClassEphemeral
)

func (c StorageClass) String() string {
	switch c {
	case ClassHot:
		return "hot"
	case ClassWarm:
		return "warm"
	case ClassCold:
		return "cold"
	case ClassEphemeral:
		return "ephemeral"
	default:
		return "unknown"
	}
}

// ParseStorageClass converts a configuration string into a StorageClass.
func ParseStorageClass(s string) (StorageClass, bool) {
	switch s {
	case "hot":
		return ClassHot, true
	case "warm":
		return ClassWarm, true
	case "cold":
		return ClassCold, true
	case "ephemeral":
		return ClassEphemeral, true
	}
	return 0, false
}

// AllStorageClasses lists every class in tier order, hottest first.
func AllStorageClasses() []StorageClass {
	return []StorageClass{ClassHot, ClassWarm, ClassCold, ClassEphemeral}
}

// BackendKind names a physical backend implementation.
type BackendKind string

const (
	BackendMemory BackendKind = "memory"
	BackendBolt   BackendKind = "bolt"
	BackendNATSKV BackendKind = "natskv"
	BackendRedis  BackendKind = "redis"
	BackendSQL    BackendKind = "sql"
	BackendS3     BackendKind = "s3"
)

func (k BackendKind) Valid() bool {
	switch k {
	case BackendMemory, BackendBolt, BackendNATSKV, BackendRedis, BackendSQL, BackendS3:
		return true
	}
	return false
}

// CacheEntry is the envelope stored at both cache levels. Promotion between
// levels copies Data; an entry is never shared by reference across levels.
type CacheEntry struct {
	Data       []byte    `json:"data"`
	WrittenAt  time.Time `json:"written_at"`
	TTLSeconds int       `json:"ttl_seconds"`
	HitCount   int       `json:"hit_count"`
}

// Expired reports whether the entry's TTL has elapsed at the given instant.
// A zero TTL means the entry never expires.
func (e CacheEntry) Expired(now time.Time) bool {
	if e.TTLSeconds <= 0 {
		return false
	}
	return now.Sub(e.WrittenAt) > time.Duration(e.TTLSeconds)*time.Second
}

// Copy returns a deep copy of the entry.
func (e CacheEntry) Copy() CacheEntry {
	out := e
	out.Data = append([]byte(nil), e.Data...)
	return out
}

// Labels is the dimension set attached to every recorded operation.
type Labels struct {
	System       string `json:"system"`
	Layer        string `json:"layer"`
	StorageClass string `json:"storage_class"`
	Keyspace     string `json:"keyspace"`
	Operation    string `json:"operation"`
	Result       string `json:"result"`
}

// OperationRecord is one completed backend or cache operation. Records are
// append-only and retained in a bounded ring buffer.
type OperationRecord struct {
	Timestamp  time.Time `json:"timestamp"`
	DurationMs float64   `json:"duration_ms"`
	Labels     Labels    `json:"labels"`
	Success    bool      `json:"success"`
}

// Severity grades a guard violation.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// GuardAction is what the guard did about a violation.
type GuardAction string

const (
	ActionAllowed GuardAction = "allowed"
	ActionLogged  GuardAction = "logged"
	ActionDenied  GuardAction = "denied"
	ActionBlocked GuardAction = "blocked"
)

// GuardViolation is produced by the guard engine and retained in a bounded
// history. Severity and Action are derived by the engine, never set by the
// caller.
type GuardViolation struct {
	ID            string            `json:"id"`
	Timestamp     time.Time         `json:"timestamp"`
	Class         string            `json:"storage_class"`
	Operation     string            `json:"operation"`
	ViolationType string            `json:"violation_type"`
	Key           string            `json:"key"`
	Severity      string            `json:"severity"`
	Action        GuardAction       `json:"action"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// HealthState classifies overall health.
type HealthState string

const (
	StateHealthy   HealthState = "healthy"
	StateDegraded  HealthState = "degraded"
	StateUnhealthy HealthState = "unhealthy"
	StateCritical  HealthState = "critical"
)

// LevelStats holds hit/miss/error counts for one cache level.
type LevelStats struct {
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	Errors  uint64  `json:"errors"`
	HitRate float64 `json:"hit_rate"`
	ErrRate float64 `json:"error_rate"`
}

// HealthAssessment is derived on demand from recent operation records. It is
// never persisted; it can always be reconstructed.
type HealthAssessment struct {
	Timestamp       time.Time   `json:"timestamp"`
	L1              LevelStats  `json:"l1"`
	L2              LevelStats  `json:"l2"`
	PromotionRate   float64     `json:"promotion_rate"`
	Score           int         `json:"score"`
	Status          HealthState `json:"status"`
	Insights        []string    `json:"insights,omitempty"`
	Recommendations []string    `json:"recommendations,omitempty"`
}

// AdapterStats is the self-reported state of one backend adapter.
type AdapterStats struct {
	Kind    BackendKind `json:"kind"`
	Name    string      `json:"name"`
	Keys    int64       `json:"keys"`
	Bytes   int64       `json:"bytes"`
	Gets    uint64      `json:"gets"`
	Puts    uint64      `json:"puts"`
	Deletes uint64      `json:"deletes"`
	Errors  uint64      `json:"errors"`
}

// RouteMeta identifies where an operation was actually served.
type RouteMeta struct {
	Class   string `json:"routed_class"`
	Adapter string `json:"routed_adapter"`
}
