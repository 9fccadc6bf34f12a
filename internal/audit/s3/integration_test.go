//go:build integration

package s3

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/semsql/semsql/internal/audit"
)

func TestArchiveRoundTripAgainstMinIO(t *testing.T) {
	endpoint := envOr("SEMSQL_TEST_S3_ENDPOINT", "")
	if endpoint == "" {
		t.Skip("SEMSQL_TEST_S3_ENDPOINT is not set")
	}

	cfg := Config{
		Endpoint:         endpoint,
		Region:           envOr("SEMSQL_TEST_S3_REGION", "us-east-1"),
		Bucket:           envOr("SEMSQL_TEST_S3_BUCKET", "semsql-it"),
		AccessKeyID:      envOr("SEMSQL_TEST_S3_ACCESS_KEY", "minio"),
		SecretAccessKey:  envOr("SEMSQL_TEST_S3_SECRET_KEY", "miniostorage"),
		UseSSL:           false,
		Prefix:           "integration-tests",
		AutoCreateBucket: true,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	archive, err := New(ctx, cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	rec, err := audit.NewPermissionFailure(audit.NewPermissionFailureInput{
		Query:        "salaries by employee",
		ExecutorRole: "analyst",
		Model:        map[string]any{"tables": map[string]any{"SALARY": map[string]any{}}},
		Explanation:  "analyst cannot read SALARY",
		Now:          time.Now(),
	})
	if err != nil {
		t.Fatalf("NewPermissionFailure() error = %v", err)
	}

	if err := archive.WritePermissionFailure(ctx, rec); err != nil {
		t.Fatalf("WritePermissionFailure() error = %v", err)
	}
	got, err := archive.Fetch(ctx, rec.ID, rec.CreatedAt)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if got.ID != rec.ID || got.Explanation != rec.Explanation {
		t.Fatalf("Fetch() = %+v, want %+v", got, rec)
	}

	missing := rec
	missing.CreatedAt = rec.CreatedAt.Add(-72 * time.Hour)
	if _, err := archive.Fetch(ctx, missing.ID, missing.CreatedAt); !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("Fetch() missing error = %v, want ErrObjectNotFound", err)
	}
}

func envOr(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}
