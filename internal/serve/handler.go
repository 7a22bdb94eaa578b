// Package serve exposes the operational HTTP surface: status, stats, class
// bindings, guard violations, the composite health score, and key listings.
package serve

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/stratakv/stratakv/internal/cache"
	"github.com/stratakv/stratakv/internal/config"
	"github.com/stratakv/stratakv/internal/guard"
	"github.com/stratakv/stratakv/internal/metrics"
	"github.com/stratakv/stratakv/internal/router"
	"github.com/stratakv/stratakv/internal/types"
)

type handler struct {
	router   *router.Router
	cache    *cache.Manager
	guard    *guard.Engine
	metrics  *metrics.Engine
	adapters map[string]router.Adapter
	logger   *zap.Logger
}

// Deps carries everything the ops API reads from.
type Deps struct {
	Router   *router.Router
	Cache    *cache.Manager
	Guard    *guard.Engine
	Metrics  *metrics.Engine
	Adapters map[string]router.Adapter
	Logger   *zap.Logger
}

// RunHTTP starts the ops API server and blocks until ctx is cancelled.
func RunHTTP(ctx context.Context, cfg config.APIConfig, deps Deps) error {
	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: Mux(deps),
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	deps.Logger.Info("ops API listening", zap.String("addr", cfg.Listen))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Mux returns the ops API routes without starting a server. Used in tests.
func Mux(deps Deps) *http.ServeMux {
	h := &handler{
		router:   deps.Router,
		cache:    deps.Cache,
		guard:    deps.Guard,
		metrics:  deps.Metrics,
		adapters: deps.Adapters,
		logger:   deps.Logger,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/status", h.handleStatus)
	mux.HandleFunc("GET /v1/stats", h.handleStats)
	mux.HandleFunc("GET /v1/classes", h.handleClasses)
	mux.HandleFunc("GET /v1/violations", h.handleViolations)
	mux.HandleFunc("GET /v1/health/score", h.handleHealthScore)
	mux.HandleFunc("GET /v1/keys/{class}", h.handleKeys)
	mux.HandleFunc("POST /v1/admin/guard", h.handleGuardUpdate)
	return mux
}

func (h *handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	backends := make(map[string]interface{}, len(h.adapters))
	overall := "ok"
	for name, a := range h.adapters {
		healthy, msgs := a.HealthCheck(r.Context())
		entry := map[string]interface{}{"kind": string(a.Kind()), "healthy": healthy}
		if !healthy {
			entry["messages"] = msgs
			overall = "degraded"
		}
		backends[name] = entry
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     overall,
		"classes":    len(h.router.Bindings()),
		"backends":   backends,
		"l1_entries": h.cache.L1Len(),
	})
}

func (h *handler) handleStats(w http.ResponseWriter, r *http.Request) {
	adapterStats := make(map[string]types.AdapterStats, len(h.adapters))
	for name, a := range h.adapters {
		st, err := a.Stats(r.Context())
		if err != nil {
			h.logger.Warn("reading adapter stats", zap.String("backend", name), zap.Error(err))
			continue
		}
		adapterStats[name] = st
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"cache":    h.cache.Stats(),
		"backends": adapterStats,
	})
}

func (h *handler) handleClasses(w http.ResponseWriter, r *http.Request) {
	var classes []map[string]interface{}
	for _, class := range types.AllStorageClasses() {
		b, ok := h.router.Binding(class)
		if !ok {
			continue
		}
		entry := map[string]interface{}{
			"class":     class.String(),
			"primary":   b.Primary.Name(),
			"dual_read": b.DualRead,
		}
		if b.Fallback != nil {
			entry["fallback"] = b.Fallback.Name()
		}
		classes = append(classes, entry)
	}
	writeJSON(w, http.StatusOK, classes)
}

func (h *handler) handleViolations(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, h.guard.RecentViolations(limit))
}

func (h *handler) handleHealthScore(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.metrics.AssessHealth())
}

func (h *handler) handleKeys(w http.ResponseWriter, r *http.Request) {
	class, ok := types.ParseStorageClass(r.PathValue("class"))
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown storage class " + r.PathValue("class")})
		return
	}

	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, perr := strconv.Atoi(s)
		if perr != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
			return
		}
		limit = n
	}

	opts := router.ListOptions{Prefix: r.URL.Query().Get("prefix"), Limit: limit}
	keys, rm, lerr := h.router.List(r.Context(), class, opts, router.OpMeta{Caller: "ops-api"})
	if lerr != nil {
		status := http.StatusInternalServerError
		if types.IsPolicyDenied(lerr) || types.IsRateLimited(lerr) {
			status = http.StatusForbidden
		}
		writeJSON(w, status, map[string]string{"error": lerr.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"class":   class.String(),
		"adapter": rm.Adapter,
		"count":   len(keys),
		"keys":    keys,
	})
}

func (h *handler) handleGuardUpdate(w http.ResponseWriter, r *http.Request) {
	cfg := h.guard.Config()
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid guard config: " + err.Error()})
		return
	}
	if err := h.guard.UpdateConfig(cfg); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	h.logger.Info("guard config updated", zap.String("mode", cfg.Mode))
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
