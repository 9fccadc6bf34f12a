package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/semsql/semsql/internal/observability"
)

const (
	DefaultMaxAttempts = 6

	rateLimitCeiling = 30 * time.Second
	hardErrorCeiling = 10 * time.Second
)

type Sender interface {
	Send(ctx context.Context, prompt string) (Response, error)
}

// KeyTracker receives the outcome of each attempt. *keypool.Pool implements it.
type KeyTracker interface {
	MarkRateLimited(index int)
	Rotate(index int)
}

type ExecutorOptions struct {
	MaxAttempts int
	// NewTimer supplies the timer used between attempts of one Execute call. Nil uses a real timer.
	NewTimer func() backoff.Timer
	Logger   *slog.Logger
}

type Executor struct {
	sender      Sender
	keys        KeyTracker
	maxAttempts int
	newTimer    func() backoff.Timer
	logger      *slog.Logger
}

// Completion is the trimmed assistant message of a successful Execute call.
type Completion struct {
	Content  string
	KeyIndex int
	Attempts int
}

func NewExecutor(sender Sender, keys KeyTracker, opts ExecutorOptions) (*Executor, error) {
	if sender == nil {
		return nil, fmt.Errorf("sender is required")
	}
	if keys == nil {
		return nil, fmt.Errorf("key tracker is required")
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	logger := opts.Logger
	if logger == nil {
		logger = observability.DiscardLogger()
	}
	return &Executor{
		sender:      sender,
		keys:        keys,
		maxAttempts: maxAttempts,
		newTimer:    opts.NewTimer,
		logger:      logger,
	}, nil
}

// attemptState is local to one Execute call.
type attemptState struct {
	attempt  int
	lastKind Kind
	lastErr  error
	lastKey  int
}

// schedule picks the wait after a failed attempt from the outcome of that attempt.
type schedule struct {
	state *attemptState
}

func (s schedule) NextBackOff() time.Duration {
	if s.state.lastKind == KindRateLimited {
		return RateLimitDelay(s.state.attempt)
	}
	return HardErrorDelay(s.state.attempt)
}

func (s schedule) Reset() {}

// Execute sends prompt until a key succeeds, the pool runs dry or the attempt budget is spent.
func (e *Executor) Execute(ctx context.Context, prompt string) (Completion, error) {
	if strings.TrimSpace(prompt) == "" {
		return Completion{}, fmt.Errorf("prompt is required")
	}
	logger := observability.WithTrace(ctx, e.logger)

	var (
		state   = &attemptState{lastKey: -1}
		out     Completion
		stopped error
	)
	op := func() error {
		resp, err := e.sender.Send(ctx, prompt)
		if err != nil {
			if errors.Is(err, ErrKeysExhausted) {
				logger.Warn("no eligible api key", slog.Int("attempt", state.attempt), slog.Int("last_key", state.lastKey))
				stopped = &ExhaustedError{Last: state.lastErr, Attempts: state.attempt, LastKey: state.lastKey}
			} else {
				stopped = fmt.Errorf("send chat completion: %w", err)
			}
			return backoff.Permanent(stopped)
		}
		state.lastKey = resp.KeyIndex

		if resp.Kind == KindSuccess {
			e.keys.Rotate(resp.KeyIndex)
			out = Completion{
				Content:  strings.TrimSpace(resp.Content),
				KeyIndex: resp.KeyIndex,
				Attempts: state.attempt + 1,
			}
			return nil
		}
		if resp.Kind == KindRateLimited {
			e.keys.MarkRateLimited(resp.KeyIndex)
			observability.IncrementKeyRateLimited()
		}
		if resp.Err == nil {
			resp.Err = &HardError{Status: resp.Status, KeyIndex: resp.KeyIndex, Err: fmt.Errorf("unclassified response kind %q", resp.Kind)}
		}
		state.attempt++
		state.lastKind = resp.Kind
		state.lastErr = resp.Err
		return resp.Err
	}
	notify := func(err error, delay time.Duration) {
		reason := string(KindHardError)
		if state.lastKind == KindRateLimited {
			reason = string(KindRateLimited)
		}
		logger.Warn("chat completion attempt failed",
			slog.String("reason", reason),
			slog.Int("key_index", state.lastKey),
			slog.Int("attempt", state.attempt),
			slog.Int("max_attempts", e.maxAttempts),
			slog.Duration("delay", delay),
			slog.Any("error", err),
		)
		observability.ObserveBackoff(reason, delay)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(schedule{state: state}, uint64(e.maxAttempts-1)), ctx)
	var timer backoff.Timer
	if e.newTimer != nil {
		timer = e.newTimer()
	}
	err := backoff.RetryNotifyWithTimer(op, policy, notify, timer)
	switch {
	case err == nil:
		return out, nil
	case stopped != nil:
		return Completion{}, stopped
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		return Completion{}, fmt.Errorf("wait before retry: %w", err)
	}

	logger.Error("chat completion attempts exhausted",
		slog.Int("attempts", state.attempt),
		slog.Int("last_key", state.lastKey),
		slog.Any("error", state.lastErr),
	)
	return Completion{}, &AttemptsError{Last: state.lastErr, Attempts: state.attempt, LastKey: state.lastKey}
}

// RateLimitDelay is the wait after the attempt-th rate-limited response: 1s doubling, capped at 30s.
func RateLimitDelay(attempt int) time.Duration {
	return backoffDelay(attempt, rateLimitCeiling)
}

// HardErrorDelay is the wait after the attempt-th failed response: 1s doubling, capped at 10s.
func HardErrorDelay(attempt int) time.Duration {
	return backoffDelay(attempt, hardErrorCeiling)
}

func backoffDelay(attempt int, ceiling time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 16 {
		return ceiling
	}
	delay := time.Second << (attempt - 1)
	if delay > ceiling {
		return ceiling
	}
	return delay
}
