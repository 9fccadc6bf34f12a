package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/semsql/semsql/internal/audit"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) HealthCheck(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping audit db: %w", err)
	}
	return nil
}

func (r *Repository) WritePermissionFailure(ctx context.Context, rec audit.PermissionFailure) error {
	model := string(rec.Model)
	if model == "" {
		model = "null"
	}
	query := `
INSERT INTO permission_failure (failure_id, query_text, executor_role, semantic_model, explanation, created_at)
VALUES ($1, $2, $3, $4::jsonb, $5, $6)
ON CONFLICT (failure_id) DO NOTHING`
	if _, err := r.db.ExecContext(ctx, query,
		rec.ID.String(),
		rec.Query,
		rec.ExecutorRole,
		model,
		rec.Explanation,
		rec.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert permission failure: %w", err)
	}
	return nil
}

func (r *Repository) ListPermissionFailures(ctx context.Context, limit int) ([]audit.PermissionFailure, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT failure_id, query_text, executor_role, semantic_model, explanation, created_at
FROM permission_failure
ORDER BY created_at DESC, failure_id DESC
LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list permission failures: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]audit.PermissionFailure, 0)
	for rows.Next() {
		var (
			rec   audit.PermissionFailure
			id    string
			model []byte
		)
		if err := rows.Scan(&id, &rec.Query, &rec.ExecutorRole, &model, &rec.Explanation, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan permission failure row: %w", err)
		}
		if err := rec.ID.UnmarshalText([]byte(id)); err != nil {
			return nil, fmt.Errorf("parse permission failure id %q: %w", id, err)
		}
		rec.Model = append(rec.Model[:0], model...)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate permission failure rows: %w", err)
	}
	return out, nil
}
