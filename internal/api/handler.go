package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/semsql/semsql/internal/audit"
	"github.com/semsql/semsql/internal/config"
	"github.com/semsql/semsql/internal/keypool"
	"github.com/semsql/semsql/internal/nl2sql"
	"github.com/semsql/semsql/internal/observability"
)

// PublicPaths are served without authentication.
var PublicPaths = []string{"/v1/health", "/v1/ready", "/v1/metrics"}

type ReadinessCheck func(ctx context.Context) error

// Generator runs the two-phase pipeline. *nl2sql.Service implements it.
type Generator interface {
	GenerateQuery(ctx context.Context, req nl2sql.Request) (nl2sql.Outcome, error)
}

type KeyStatusSource interface {
	Status() keypool.Status
}

// ArchiveReader reads back one archived denial. *s3.Archive implements it.
type ArchiveReader interface {
	Fetch(ctx context.Context, id uuid.UUID, createdAt time.Time) (audit.PermissionFailure, error)
}

type Dependencies struct {
	Logger            *slog.Logger
	Readiness         ReadinessCheck
	AuthMiddleware    func(http.Handler) http.Handler
	DependencyTimeout time.Duration
	Generator         Generator
	Keys              KeyStatusSource
	Denials           audit.Reader
	Archive           ArchiveReader
}

func NewHandler(cfg config.Config, deps Dependencies) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "service": cfg.Service.Name})
	})

	mux.HandleFunc("GET /v1/ready", func(w http.ResponseWriter, r *http.Request) {
		if deps.Readiness == nil {
			writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
			return
		}
		timeout := deps.DependencyTimeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		if err := deps.Readiness(ctx); err != nil {
			writeError(r.Context(), w, http.StatusServiceUnavailable, "NOT_READY", err.Error(), true, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
	})

	mux.Handle("GET /v1/metrics", promhttp.Handler())

	mux.HandleFunc("POST /v1/sql/generate", func(w http.ResponseWriter, r *http.Request) {
		handleGenerate(cfg, deps, w, r)
	})
	mux.HandleFunc("GET /v1/keys", func(w http.ResponseWriter, r *http.Request) {
		handleKeyStatus(deps, w, r)
	})
	mux.HandleFunc("GET /v1/audit/permission-failures", func(w http.ResponseWriter, r *http.Request) {
		handleListPermissionFailures(deps, w, r)
	})
	mux.HandleFunc("GET /v1/audit/archive/{day}/{id}", func(w http.ResponseWriter, r *http.Request) {
		handleFetchArchived(deps, w, r)
	})

	var root http.Handler = mux
	if cfg.Auth.Required {
		if deps.AuthMiddleware == nil {
			if deps.Logger != nil {
				deps.Logger.Error("auth required but auth middleware missing")
			}
			root = publicOnly(mux)
		} else {
			root = deps.AuthMiddleware(mux)
		}
	}

	middlewares := []func(http.Handler) http.Handler{
		observability.TraceMiddleware,
		observability.MetricsMiddleware,
	}
	if deps.Logger != nil {
		middlewares = append(middlewares, observability.LoggingMiddleware(deps.Logger))
	}
	return chain(root, middlewares...)
}

func publicOnly(next http.Handler) http.Handler {
	public := map[string]bool{}
	for _, path := range PublicPaths {
		public[path] = true
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if public[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}
		writeError(r.Context(), w, http.StatusInternalServerError, "AUTH_MIDDLEWARE_MISSING", "auth middleware is required by configuration", false, nil)
	})
}

// Pinger is satisfied by *postgres.Repository.
type Pinger interface {
	HealthCheck(ctx context.Context) error
}

func CheckAuditStore(store Pinger) ReadinessCheck {
	if store == nil {
		return nil
	}
	return func(ctx context.Context) error {
		return store.HealthCheck(ctx)
	}
}

// CheckKeyPool fails while every api key is cooling down.
func CheckKeyPool(keys KeyStatusSource) ReadinessCheck {
	if keys == nil {
		return nil
	}
	return func(_ context.Context) error {
		if keys.Status().AvailableKeys == 0 {
			return errors.New("all api keys are rate limited")
		}
		return nil
	}
}

func CombineReadinessChecks(checks ...ReadinessCheck) ReadinessCheck {
	filtered := make([]ReadinessCheck, 0, len(checks))
	for _, check := range checks {
		if check != nil {
			filtered = append(filtered, check)
		}
	}
	return func(ctx context.Context) error {
		for _, check := range filtered {
			if err := check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

func chain(base http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	wrapped := base
	for i := len(middlewares) - 1; i >= 0; i-- {
		wrapped = middlewares[i](wrapped)
	}
	return wrapped
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(ctx context.Context, w http.ResponseWriter, status int, code, message string, retryable bool, extra map[string]any) {
	writeJSON(w, status, map[string]any{
		"error_code": code,
		"message":    message,
		"retryable":  retryable,
		"context":    extra,
		"trace_id":   observability.TraceIDFromContext(ctx),
	})
}
