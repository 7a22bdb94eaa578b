// Package fallback implements the staleness-aware read path for date-keyed
// snapshot data. On a cache miss it consults a secondary persistent source
// for the requested date, then walks backward a bounded number of days to
// the most recent available snapshot, tagging anything older than the
// request as stale.
package fallback

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/stratakv/stratakv/internal/cache"
	"github.com/stratakv/stratakv/internal/config"
	"github.com/stratakv/stratakv/internal/router"
	"github.com/stratakv/stratakv/internal/types"
)

// DateFormat is the canonical date layout used in snapshot keys
// ("keyspace:2026-08-30").
const DateFormat = "2006-01-02"

// Snapshot is the result of a fallback read. SourceDate differs from
// RequestedDate exactly when Stale is true.
type Snapshot struct {
	Data          []byte `json:"data"`
	RequestedDate string `json:"requested_date"`
	SourceDate    string `json:"source_date"`
	Stale         bool   `json:"stale"`
	Strategy      string `json:"strategy"`
}

// strategy is one step of the read chain. It reports the snapshot, whether
// it found one, and any hard failure. Strategies are tried in order; the
// first hit wins.
type strategy struct {
	name string
	run  func(ctx context.Context, keyspace string, day time.Time, meta router.OpMeta) (Snapshot, bool, error)
}

// Reader resolves date-keyed snapshots through an ordered strategy chain:
// the dual-level cache, the secondary source for the exact date, then a
// bounded walk back through earlier dates. Only fresh results repopulate
// the cache.
type Reader struct {
	cache      *cache.Manager
	source     router.Adapter
	class      types.StorageClass
	lookback   int
	logger     *zap.Logger
	strategies []strategy
}

// ReaderConfig holds dependencies for the fallback reader.
type ReaderConfig struct {
	Cache    *cache.Manager
	Source   router.Adapter
	Class    types.StorageClass
	Fallback config.FallbackConfig
	Logger   *zap.Logger
}

// NewReader builds the reader and its strategy chain.
func NewReader(cfg ReaderConfig) *Reader {
	r := &Reader{
		cache:    cfg.Cache,
		source:   cfg.Source,
		class:    cfg.Class,
		lookback: cfg.Fallback.MaxLookbackDays,
		logger:   cfg.Logger,
	}
	r.strategies = []strategy{
		{name: "cache", run: r.fromCache},
		{name: "source_exact", run: r.fromSourceExact},
		{name: "source_lookback", run: r.fromSourceLookback},
	}
	return r
}

// Read resolves the snapshot for keyspace and date. A stale result is still
// returned to the caller, flagged, so presentation can warn the user. When
// no strategy yields data the error wraps ErrNotFound; when the chain failed
// outright the error carries the first and last failure causes.
func (r *Reader) Read(ctx context.Context, keyspace, date string, meta router.OpMeta) (Snapshot, error) {
	day, err := time.Parse(DateFormat, date)
	if err != nil {
		return Snapshot{}, fmt.Errorf("parsing snapshot date %q: %w", date, err)
	}

	var firstErr, lastErr error
	var firstName, lastName string
	for _, s := range r.strategies {
		snap, found, serr := s.run(ctx, keyspace, day, meta)
		if serr != nil {
			r.logger.Warn("fallback strategy failed",
				zap.String("strategy", s.name),
				zap.String("keyspace", keyspace),
				zap.String("date", date),
				zap.Error(serr))
			if firstErr == nil {
				firstErr, firstName = serr, s.name
			}
			lastErr, lastName = serr, s.name
			continue
		}
		if !found {
			continue
		}

		snap.Strategy = s.name
		if !snap.Stale {
			r.repopulate(ctx, keyspace, snap, meta)
		}
		return snap, nil
	}

	if firstErr != nil {
		return Snapshot{}, &types.RouteError{
			Class:       r.class,
			Operation:   "read_snapshot",
			Primary:     firstName,
			PrimaryErr:  firstErr,
			Fallback:    lastName,
			FallbackErr: lastErr,
		}
	}
	return Snapshot{}, fmt.Errorf("snapshot %s:%s within %d days: %w", keyspace, date, r.lookback, types.ErrNotFound)
}

func (r *Reader) fromCache(ctx context.Context, keyspace string, day time.Time, meta router.OpMeta) (Snapshot, bool, error) {
	date := day.Format(DateFormat)
	data, level, _, err := r.cache.Get(ctx, r.class, snapshotKey(keyspace, date), meta)
	if err != nil {
		return Snapshot{}, false, err
	}
	if level == cache.HitNone {
		return Snapshot{}, false, nil
	}
	return Snapshot{Data: data, RequestedDate: date, SourceDate: date}, true, nil
}

func (r *Reader) fromSourceExact(ctx context.Context, keyspace string, day time.Time, meta router.OpMeta) (Snapshot, bool, error) {
	date := day.Format(DateFormat)
	data, found, err := r.source.Get(ctx, snapshotKey(keyspace, date))
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("reading source snapshot for %s: %w", date, err)
	}
	if !found {
		return Snapshot{}, false, nil
	}
	return Snapshot{Data: data, RequestedDate: date, SourceDate: date}, true, nil
}

func (r *Reader) fromSourceLookback(ctx context.Context, keyspace string, day time.Time, meta router.OpMeta) (Snapshot, bool, error) {
	requested := day.Format(DateFormat)
	for back := 1; back <= r.lookback; back++ {
		candidate := day.AddDate(0, 0, -back)
		date := candidate.Format(DateFormat)
		data, found, err := r.source.Get(ctx, snapshotKey(keyspace, date))
		if err != nil {
			return Snapshot{}, false, fmt.Errorf("reading source snapshot for %s: %w", date, err)
		}
		if !found {
			continue
		}
		r.logger.Info("serving stale snapshot",
			zap.String("keyspace", keyspace),
			zap.String("requested", requested),
			zap.String("source", date))
		return Snapshot{Data: data, RequestedDate: requested, SourceDate: date, Stale: true}, true, nil
	}
	return Snapshot{}, false, nil
}

// repopulate writes a fresh result back into the cache. Stale data never
// reaches the fast path.
func (r *Reader) repopulate(ctx context.Context, keyspace string, snap Snapshot, meta router.OpMeta) {
	if snap.Strategy == "cache" {
		return
	}
	if _, err := r.cache.Put(ctx, r.class, snapshotKey(keyspace, snap.SourceDate), snap.Data, meta); err != nil {
		r.logger.Warn("repopulating cache from source failed",
			zap.String("keyspace", keyspace),
			zap.String("date", snap.SourceDate),
			zap.Error(err))
	}
}

func snapshotKey(keyspace, date string) string {
	return keyspace + ":" + date
}
