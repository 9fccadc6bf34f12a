package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/semsql/semsql/internal/auth"
	"github.com/semsql/semsql/internal/config"
	"github.com/semsql/semsql/internal/extract"
	"github.com/semsql/semsql/internal/llm"
	"github.com/semsql/semsql/internal/nl2sql"
	"github.com/semsql/semsql/internal/observability"
)

const maxGenerateBodyBytes = 4 << 20

type generateResponse struct {
	Query         string `json:"query"`
	ExecutorRole  string `json:"executorRole"`
	SQL           string `json:"sql"`
	Explanation   string `json:"explanation"`
	Status        string `json:"status"`
	ResolvedQuery string `json:"resolvedQuery,omitempty"`
	Attempts      int    `json:"attempts"`
}

func handleGenerate(cfg config.Config, deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Generator == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "GENERATOR_NOT_CONFIGURED", "sql generation is not configured", false, nil)
		return
	}

	var req nl2sql.Request
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxGenerateBodyBytes))
	if err := decoder.Decode(&req); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid generate request body", false, map[string]any{"details": err.Error()})
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "QUERY_REQUIRED", "query is required", false, nil)
		return
	}
	req.ExecutorRole = strings.TrimSpace(req.ExecutorRole)
	if identity, ok := auth.IdentityFromContext(r.Context()); ok {
		switch {
		case req.ExecutorRole == "":
			req.ExecutorRole = identity.ExecutorRole()
		case cfg.Auth.Required && !identity.HasRole(req.ExecutorRole):
			writeError(r.Context(), w, http.StatusForbidden, "ROLE_NOT_PERMITTED", "executor role is not granted to the caller", false, map[string]any{
				"executor_role": req.ExecutorRole,
				"subject":       identity.Subject,
			})
			return
		}
	}

	ctx := r.Context()
	if cfg.LLM.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.LLM.RequestTimeout)
		defer cancel()
	}

	outcome, err := deps.Generator.GenerateQuery(ctx, req)
	if err != nil {
		if deps.Logger != nil {
			observability.WithTrace(r.Context(), deps.Logger).Warn("sql generation failed", "error", err)
		}
		writeGenerateError(r.Context(), w, err)
		return
	}

	role := strings.TrimSpace(req.ExecutorRole)
	if role == "" {
		role = nl2sql.DefaultExecutorRole
	}
	writeJSON(w, http.StatusOK, generateResponse{
		Query:         strings.TrimSpace(req.Query),
		ExecutorRole:  role,
		SQL:           outcome.SQL,
		Explanation:   outcome.Explanation,
		Status:        string(outcome.Status),
		ResolvedQuery: outcome.ResolvedQuery,
		Attempts:      outcome.Attempts,
	})
}

func writeGenerateError(ctx context.Context, w http.ResponseWriter, err error) {
	var (
		validation *nl2sql.ValidationError
		invalid    *nl2sql.InvalidGenerationError
		extractErr *extract.Error
		exhausted  *llm.ExhaustedError
		attempts   *llm.AttemptsError
	)
	switch {
	case errors.As(err, &validation):
		writeError(ctx, w, http.StatusBadRequest, "QUERY_REQUIRED", validation.Error(), false, map[string]any{"field": validation.Field})
	case errors.As(err, &exhausted):
		writeError(ctx, w, http.StatusBadGateway, "LLM_KEYS_EXHAUSTED", err.Error(), true, map[string]any{
			"attempts": exhausted.Attempts,
			"last_key": exhausted.LastKey,
		})
	case errors.As(err, &attempts):
		extra := map[string]any{
			"attempts": attempts.Attempts,
			"last_key": attempts.LastKey,
		}
		var hard *llm.HardError
		if errors.As(attempts.Last, &hard) {
			if hard.Status != 0 {
				extra["status"] = hard.Status
			}
			if hard.Body != "" {
				extra["body"] = hard.Body
			}
		}
		writeError(ctx, w, http.StatusBadGateway, "LLM_UNAVAILABLE", err.Error(), true, extra)
	case errors.As(err, &extractErr):
		writeError(ctx, w, http.StatusBadGateway, "LLM_RESPONSE_UNPARSEABLE", err.Error(), true, map[string]any{
			"kind": string(extractErr.Kind),
			"raw":  extractErr.Raw,
		})
	case errors.As(err, &invalid):
		writeError(ctx, w, http.StatusBadGateway, "LLM_INVALID_RESULT", err.Error(), true, map[string]any{
			"field": invalid.Field,
			"raw":   invalid.Raw,
		})
	case errors.Is(err, context.DeadlineExceeded):
		writeError(ctx, w, http.StatusGatewayTimeout, "LLM_TIMEOUT", "sql generation timed out", true, nil)
	case errors.Is(err, context.Canceled):
		writeError(ctx, w, http.StatusServiceUnavailable, "REQUEST_CANCELED", "request canceled", true, nil)
	default:
		writeError(ctx, w, http.StatusInternalServerError, "INTERNAL", err.Error(), false, nil)
	}
}
