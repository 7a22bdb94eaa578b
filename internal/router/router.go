// Package router maps (storage class, key) pairs onto the adapters
// configured for that class and executes operations with guarded,
// metered fallback.
package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/stratakv/stratakv/internal/guard"
	"github.com/stratakv/stratakv/internal/metrics"
	"github.com/stratakv/stratakv/internal/types"
)

// Binding is the static adapter assignment for one storage class, built once
// from configuration.
type Binding struct {
	Class    StorageClass
	Primary  Adapter
	Fallback Adapter
	DualRead bool
}

// Config holds dependencies for the router.
type Config struct {
	Bindings  map[StorageClass]Binding
	Guard     *guard.Engine
	Metrics   *metrics.Engine
	OpTimeout time.Duration
	Logger    *zap.Logger
}

// Router routes each operation to the primary adapter for its class, falling
// back once to the configured fallback adapter on backend failure. "Not
// found" is a valid miss and never triggers fallback unless the class is
// configured for dual-read.
type Router struct {
	bindings  map[StorageClass]Binding
	guard     *guard.Engine
	metrics   *metrics.Engine
	opTimeout time.Duration
	logger    *zap.Logger
}

// New builds a router over the configured bindings.
func New(cfg Config) *Router {
	return &Router{
		bindings:  cfg.Bindings,
		guard:     cfg.Guard,
		metrics:   cfg.Metrics,
		opTimeout: cfg.OpTimeout,
		logger:    cfg.Logger,
	}
}

// Binding returns the binding for a class.
func (r *Router) Binding(class StorageClass) (Binding, bool) {
	b, ok := r.bindings[class]
	return b, ok
}

// Bindings returns every configured binding.
func (r *Router) Bindings() map[StorageClass]Binding {
	return r.bindings
}

// Get reads a key through the class's adapter chain.
func (r *Router) Get(ctx context.Context, class StorageClass, key string, meta OpMeta) ([]byte, bool, RouteMeta, error) {
	b, ok := r.bindings[class]
	if !ok {
		return nil, false, RouteMeta{}, fmt.Errorf("no binding for storage class %s", class)
	}

	if err := r.admit("get", key, class, b.Primary, meta); err != nil {
		return nil, false, RouteMeta{}, err
	}

	value, found, err := r.adapterGet(ctx, b.Primary, key, class, meta)
	if err == nil {
		if found {
			return value, true, routed(class, b.Primary), nil
		}
		// Primary miss. Only a dual-read class consults the secondary.
		if b.DualRead && b.Fallback != nil {
			value, found, ferr := r.adapterGet(ctx, b.Fallback, key, class, meta)
			if ferr == nil {
				return value, found, routed(class, b.Fallback), nil
			}
			r.logger.Warn("dual-read secondary failed",
				zap.Error(ferr), zap.String("class", class.String()), zap.String("adapter", b.Fallback.Name()))
		}
		return nil, false, routed(class, b.Primary), nil
	}

	// Primary failed. Retry once against the fallback adapter.
	if b.Fallback == nil {
		return nil, false, routed(class, b.Primary), &types.RouteError{
			Class: class, Operation: "get", Primary: b.Primary.Name(), PrimaryErr: err,
		}
	}

	r.logger.Warn("primary adapter failed, retrying fallback",
		zap.Error(err),
		zap.String("class", class.String()),
		zap.String("primary", b.Primary.Name()),
		zap.String("fallback", b.Fallback.Name()),
	)
	metrics.ObserveFallback(class.String(), "get")

	value, found, ferr := r.adapterGet(ctx, b.Fallback, key, class, meta)
	if ferr != nil {
		return nil, false, routed(class, b.Fallback), &types.RouteError{
			Class: class, Operation: "get",
			Primary: b.Primary.Name(), PrimaryErr: err,
			Fallback: b.Fallback.Name(), FallbackErr: ferr,
		}
	}
	return value, found, routed(class, b.Fallback), nil
}

// Put writes a key through the class's adapter chain.
func (r *Router) Put(ctx context.Context, class StorageClass, key string, value []byte, opts PutOptions, meta OpMeta) (RouteMeta, error) {
	return r.execute(ctx, class, "put", key, meta, func(ctx context.Context, a Adapter) error {
		return a.Put(ctx, key, value, opts)
	})
}

// Delete removes a key through the class's adapter chain. Deleting an absent
// key is not an error.
func (r *Router) Delete(ctx context.Context, class StorageClass, key string, meta OpMeta) (RouteMeta, error) {
	return r.execute(ctx, class, "delete", key, meta, func(ctx context.Context, a Adapter) error {
		return a.Delete(ctx, key)
	})
}

// List enumerates keys from the class's primary adapter, falling back on
// failure.
func (r *Router) List(ctx context.Context, class StorageClass, opts ListOptions, meta OpMeta) ([]string, RouteMeta, error) {
	var keys []string
	rm, err := r.execute(ctx, class, "list", opts.Prefix, meta, func(ctx context.Context, a Adapter) error {
		var lerr error
		keys, lerr = a.List(ctx, opts)
		return lerr
	})
	return keys, rm, err
}

// execute runs one mutating or listing operation with admission, timeout,
// and single fallback retry.
func (r *Router) execute(ctx context.Context, class StorageClass, op, key string, meta OpMeta, fn func(context.Context, Adapter) error) (RouteMeta, error) {
	b, ok := r.bindings[class]
	if !ok {
		return RouteMeta{}, fmt.Errorf("no binding for storage class %s", class)
	}

	if err := r.admit(op, key, class, b.Primary, meta); err != nil {
		return RouteMeta{}, err
	}

	err := r.run(ctx, b.Primary, op, class, meta, fn)
	if err == nil {
		return routed(class, b.Primary), nil
	}

	if b.Fallback == nil {
		return routed(class, b.Primary), &types.RouteError{
			Class: class, Operation: op, Primary: b.Primary.Name(), PrimaryErr: err,
		}
	}

	r.logger.Warn("primary adapter failed, retrying fallback",
		zap.Error(err),
		zap.String("class", class.String()),
		zap.String("operation", op),
		zap.String("primary", b.Primary.Name()),
		zap.String("fallback", b.Fallback.Name()),
	)
	metrics.ObserveFallback(class.String(), op)

	if ferr := r.run(ctx, b.Fallback, op, class, meta, fn); ferr != nil {
		return routed(class, b.Fallback), &types.RouteError{
			Class: class, Operation: op,
			Primary: b.Primary.Name(), PrimaryErr: err,
			Fallback: b.Fallback.Name(), FallbackErr: ferr,
		}
	}
	return routed(class, b.Fallback), nil
}

// admit runs the guard admission check for the adapter about to be used.
func (r *Router) admit(op, key string, class StorageClass, a Adapter, meta OpMeta) error {
	if r.guard == nil {
		return nil
	}
	d := r.guard.Check(op, key, class, guard.CheckMeta{
		Backend: a.Kind(),
		Caller:  meta.Caller,
	})
	if d.Allowed {
		return nil
	}
	if d.Rule == guard.ViolationRateLimit {
		return types.NewPolicyError(d.Rule, d.Reason, types.SeverityMedium, types.ErrRateLimited)
	}
	return types.NewPolicyError(d.Rule, d.Reason, types.SeverityHigh, types.ErrPolicyViolation)
}

// adapterGet executes a single Get against one adapter with timeout and
// metrics. The returned error is already classified.
func (r *Router) adapterGet(ctx context.Context, a Adapter, key string, class StorageClass, meta OpMeta) ([]byte, bool, error) {
	opCtx, cancel := r.opContext(ctx)
	defer cancel()

	start := time.Now()
	value, found, err := a.Get(opCtx, key)
	err = classify(opCtx, err)
	r.observe(a, "get", class, meta, start, err, found)
	if err != nil {
		return nil, false, err
	}
	return value, found, nil
}

func (r *Router) run(ctx context.Context, a Adapter, op string, class StorageClass, meta OpMeta, fn func(context.Context, Adapter) error) error {
	opCtx, cancel := r.opContext(ctx)
	defer cancel()

	start := time.Now()
	err := fn(opCtx, a)
	err = classify(opCtx, err)
	r.observe(a, op, class, meta, start, err, err == nil)
	return err
}

func (r *Router) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.opTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, r.opTimeout)
}

func (r *Router) observe(a Adapter, op string, class StorageClass, meta OpMeta, start time.Time, err error, found bool) {
	elapsed := time.Since(start)
	ms := float64(elapsed.Microseconds()) / 1000

	result := metrics.ResultOK
	switch {
	case err != nil:
		result = metrics.ResultError
	case op == "get" && !found:
		result = metrics.ResultMiss
	case op == "get":
		result = metrics.ResultHit
	}

	if r.metrics != nil {
		r.metrics.RecordOperation(types.Labels{
			System:       "stratakv",
			Layer:        metrics.LayerRouter,
			StorageClass: class.String(),
			Keyspace:     meta.Keyspace,
			Operation:    op,
			Result:       result,
		}, ms, err == nil)
	}
	if r.guard != nil {
		r.guard.ObserveLatency(op, meta.Keyspace, class, ms)
	}
}

// classify maps raw adapter errors onto the operation error taxonomy.
// Timeouts count as backend failures for fallback purposes.
func classify(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, types.ErrNotFound) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || (ctx.Err() != nil && errors.Is(ctx.Err(), context.DeadlineExceeded)) {
		return fmt.Errorf("%w: %v", types.ErrTimeout, err)
	}
	if errors.Is(err, types.ErrBackendUnavailable) || errors.Is(err, types.ErrCorrupt) {
		return err
	}
	return fmt.Errorf("%w: %v", types.ErrBackendUnavailable, err)
}

func routed(class StorageClass, a Adapter) RouteMeta {
	return RouteMeta{Class: class.String(), Adapter: a.Name()}
}
