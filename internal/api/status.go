package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/semsql/semsql/internal/audit"
)

func handleKeyStatus(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Keys == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "KEYS_NOT_CONFIGURED", "key pool is not configured", false, nil)
		return
	}
	writeJSON(w, http.StatusOK, deps.Keys.Status())
}

func handleListPermissionFailures(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Denials == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "AUDIT_NOT_CONFIGURED", "audit store is not configured", false, nil)
		return
	}

	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(r.Context(), w, http.StatusBadRequest, "INVALID_LIMIT", "limit must be a positive integer", false, map[string]any{"limit": raw})
			return
		}
		limit = parsed
	}

	records, err := deps.Denials.ListPermissionFailures(r.Context(), limit)
	if err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, "AUDIT_READ_FAILED", "failed to list permission failures", true, map[string]any{"details": err.Error()})
		return
	}
	if records == nil {
		records = []audit.PermissionFailure{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"permission_failures": records,
		"count":               len(records),
	})
}

// handleFetchArchived serves the archived copy of one denial. day is the UTC date of created_at as
// YYYY-MM-DD, matching the archive's key layout.
func handleFetchArchived(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Archive == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "ARCHIVE_NOT_CONFIGURED", "audit archive is not configured", false, nil)
		return
	}
	day, err := time.Parse(time.DateOnly, r.PathValue("day"))
	if err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_DAY", "day must be formatted as YYYY-MM-DD", false, map[string]any{"day": r.PathValue("day")})
		return
	}
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_ID", "id must be a uuid", false, map[string]any{"id": r.PathValue("id")})
		return
	}

	rec, err := deps.Archive.Fetch(r.Context(), id, day)
	if err != nil {
		if errors.Is(err, audit.ErrNotFound) {
			writeError(r.Context(), w, http.StatusNotFound, "ARCHIVED_RECORD_NOT_FOUND", "no archived permission failure for that day and id", false, map[string]any{
				"day": day.Format(time.DateOnly),
				"id":  id.String(),
			})
			return
		}
		writeError(r.Context(), w, http.StatusInternalServerError, "ARCHIVE_READ_FAILED", "failed to read archived permission failure", true, map[string]any{"details": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
