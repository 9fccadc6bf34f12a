package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/semsql/semsql/internal/observability"
)

type RetryOptions struct {
	MaxTries        int
	InitialInterval time.Duration
	MaxElapsedTime  time.Duration
	Logger          *slog.Logger
}

// Retrying retries a failing writer with exponential backoff.
type Retrying struct {
	next            Writer
	maxTries        int
	initialInterval time.Duration
	maxElapsed      time.Duration
	logger          *slog.Logger
}

func NewRetrying(next Writer, opts RetryOptions) (*Retrying, error) {
	if next == nil {
		return nil, fmt.Errorf("audit writer is required")
	}
	r := &Retrying{
		next:            next,
		maxTries:        opts.MaxTries,
		initialInterval: opts.InitialInterval,
		maxElapsed:      opts.MaxElapsedTime,
		logger:          opts.Logger,
	}
	if r.maxTries <= 0 {
		r.maxTries = 3
	}
	if r.initialInterval <= 0 {
		r.initialInterval = 200 * time.Millisecond
	}
	if r.maxElapsed <= 0 {
		r.maxElapsed = 2 * time.Second
	}
	if r.logger == nil {
		r.logger = observability.DiscardLogger()
	}
	return r, nil
}

func (r *Retrying) WritePermissionFailure(ctx context.Context, rec PermissionFailure) error {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = r.initialInterval
	expo.MaxElapsedTime = r.maxElapsed
	bo := backoff.WithContext(backoff.WithMaxRetries(expo, uint64(r.maxTries-1)), ctx)

	tries := 0
	op := func() error {
		tries++
		return r.next.WritePermissionFailure(ctx, rec)
	}
	notify := func(err error, wait time.Duration) {
		observability.WithTrace(ctx, r.logger).Warn("audit write failed, retrying",
			slog.String("record_id", rec.ID.String()),
			slog.Int("try", tries),
			slog.Duration("delay", wait),
			slog.Any("error", err),
		)
	}
	if err := backoff.RetryNotify(op, bo, notify); err != nil {
		return fmt.Errorf("write permission failure after %d tries: %w", tries, err)
	}
	return nil
}
