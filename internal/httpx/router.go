package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// ReadinessCheck reports whether a dependency is usable.
type ReadinessCheck func(ctx context.Context) error

// CycleRunner runs one optimisation cycle for the given time.
type CycleRunner func(ctx context.Context, cycle time.Time) error

// Options wire the ops endpoints.
type Options struct {
	Checks   map[string]ReadinessCheck
	Metrics  http.Handler
	RunCycle CycleRunner
	Now      func() time.Time
}

// NewRouter exposes /healthz, /readyz, /metrics and POST /cycles/run.
func NewRouter(logger zerolog.Logger, opts Options) http.Handler {
	logger = logger.With().Str("component", "http").Logger()
	if opts.Now == nil {
		opts.Now = time.Now
	}

	mux := chi.NewRouter()
	mux.Use(middleware.RequestID)
	mux.Use(middleware.Recoverer)
	mux.Use(requestLogger(logger))

	mux.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		names := make([]string, 0, len(opts.Checks))
		for name := range opts.Checks {
			names = append(names, name)
		}
		sort.Strings(names)

		status := http.StatusOK
		results := make(map[string]string, len(names))
		for _, name := range names {
			if err := opts.Checks[name](ctx); err != nil {
				status = http.StatusServiceUnavailable
				results[name] = err.Error()
				continue
			}
			results[name] = "ok"
		}
		writeJSON(w, status, results)
	})

	if opts.Metrics != nil {
		mux.Handle("/metrics", opts.Metrics)
	}

	if opts.RunCycle != nil {
		mux.Post("/cycles/run", func(w http.ResponseWriter, r *http.Request) {
			cycle := opts.Now().UTC()
			if q := r.URL.Query().Get("at"); q != "" {
				t, err := time.Parse(time.RFC3339, q)
				if err != nil {
					http.Error(w, "at must be RFC3339", http.StatusBadRequest)
					return
				}
				cycle = t.UTC()
			}
			if err := opts.RunCycle(r.Context(), cycle); err != nil {
				http.Error(w, err.Error(), http.StatusBadGateway)
				return
			}
			writeJSON(w, http.StatusAccepted, map[string]any{"cycle": cycle})
		})
	}

	return mux
}

func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Str("rid", middleware.GetReqID(r.Context())).
				Dur("latency", time.Since(start)).
				Msg("http")
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", " ")
	_ = enc.Encode(v)
}
