// Package audit records permission-check denials.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const NoExplanation = "No explanation provided"

// ErrNotFound is returned by stores that have no record for the requested id.
var ErrNotFound = errors.New("permission failure not found")

// PermissionFailure is one denied request. Model holds the semantic model exactly as it was
// submitted.
type PermissionFailure struct {
	ID           uuid.UUID       `json:"id"`
	Query        string          `json:"query"`
	ExecutorRole string          `json:"executor_role"`
	Model        json.RawMessage `json:"semantic_model"`
	Explanation  string          `json:"explanation"`
	CreatedAt    time.Time       `json:"created_at"`
}

type NewPermissionFailureInput struct {
	Query        string
	ExecutorRole string
	Model        any
	Explanation  string
	Now          time.Time
}

// NewPermissionFailure assigns an id, encodes the model and substitutes NoExplanation for a blank
// explanation.
func NewPermissionFailure(in NewPermissionFailureInput) (PermissionFailure, error) {
	model, err := json.Marshal(in.Model)
	if err != nil {
		return PermissionFailure{}, fmt.Errorf("encode semantic model: %w", err)
	}
	explanation := in.Explanation
	if explanation == "" {
		explanation = NoExplanation
	}
	createdAt := in.Now
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	return PermissionFailure{
		ID:           uuid.New(),
		Query:        in.Query,
		ExecutorRole: in.ExecutorRole,
		Model:        model,
		Explanation:  explanation,
		CreatedAt:    createdAt.UTC(),
	}, nil
}

type Writer interface {
	WritePermissionFailure(ctx context.Context, rec PermissionFailure) error
}

// Reader lists recorded denials, newest first.
type Reader interface {
	ListPermissionFailures(ctx context.Context, limit int) ([]PermissionFailure, error)
}

type WriterFunc func(ctx context.Context, rec PermissionFailure) error

func (f WriterFunc) WritePermissionFailure(ctx context.Context, rec PermissionFailure) error {
	return f(ctx, rec)
}

// Discard drops every record. Used when no audit sink is configured.
var Discard Writer = WriterFunc(func(context.Context, PermissionFailure) error { return nil })

// Fanout writes to every writer, even after one fails, and joins the errors.
type Fanout []Writer

func (f Fanout) WritePermissionFailure(ctx context.Context, rec PermissionFailure) error {
	var errs []error
	for _, w := range f {
		if w == nil {
			continue
		}
		if err := w.WritePermissionFailure(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
