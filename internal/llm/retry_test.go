package llm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
)

type scriptedSender struct {
	mu        sync.Mutex
	responses []Response
	errs      []error
	calls     int
}

func (s *scriptedSender) Send(context.Context, string) (Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	s.calls++
	if i < len(s.errs) && s.errs[i] != nil {
		return Response{}, s.errs[i]
	}
	if i >= len(s.responses) {
		return Response{}, ErrKeysExhausted
	}
	return s.responses[i], nil
}

type recordingTracker struct {
	limited []int
	rotated []int
}

func (r *recordingTracker) MarkRateLimited(index int) { r.limited = append(r.limited, index) }
func (r *recordingTracker) Rotate(index int)          { r.rotated = append(r.rotated, index) }

// recordingTimer fires immediately and keeps every requested delay.
type recordingTimer struct {
	delays []time.Duration
	c      chan time.Time
}

func (r *recordingTimer) Start(d time.Duration) {
	r.delays = append(r.delays, d)
	r.c = make(chan time.Time, 1)
	r.c <- time.Time{}
}

func (r *recordingTimer) Stop() {}

func (r *recordingTimer) C() <-chan time.Time { return r.c }

// cancelingTimer cancels the call's context instead of firing.
type cancelingTimer struct {
	cancel context.CancelFunc
	c      chan time.Time
}

func (c *cancelingTimer) Start(time.Duration) {
	c.c = make(chan time.Time)
	c.cancel()
}

func (c *cancelingTimer) Stop() {}

func (c *cancelingTimer) C() <-chan time.Time { return c.c }

func rateLimited(index int) Response {
	return Response{Kind: KindRateLimited, KeyIndex: index, Status: 429, Err: &RateLimitError{Status: 429, KeyIndex: index}}
}

func failed(index, status int) Response {
	return Response{Kind: KindHardError, KeyIndex: index, Status: status, Err: &HardError{Status: status, KeyIndex: index, Body: "boom"}}
}

func succeeded(index int, content string) Response {
	return Response{Kind: KindSuccess, KeyIndex: index, Status: 200, Content: content}
}

func newTestExecutor(t *testing.T, sender Sender, tracker KeyTracker, timer *recordingTimer, maxAttempts int) *Executor {
	t.Helper()
	exec, err := NewExecutor(sender, tracker, ExecutorOptions{
		MaxAttempts: maxAttempts,
		NewTimer:    func() backoff.Timer { return timer },
	})
	if err != nil {
		t.Fatalf("NewExecutor() error = %v", err)
	}
	return exec
}

func TestExecuteReturnsTrimmedContentAndRotates(t *testing.T) {
	sender := &scriptedSender{responses: []Response{succeeded(2, "\n  SELECT 1  \n")}}
	tracker := &recordingTracker{}
	timer := &recordingTimer{}
	exec := newTestExecutor(t, sender, tracker, timer, 0)

	got, err := exec.Execute(context.Background(), "prompt")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if got.Content != "SELECT 1" || got.KeyIndex != 2 || got.Attempts != 1 {
		t.Fatalf("Execute() = %+v", got)
	}
	if len(tracker.rotated) != 1 || tracker.rotated[0] != 2 {
		t.Fatalf("rotated = %v", tracker.rotated)
	}
	if len(timer.delays) != 0 {
		t.Fatalf("delays = %v", timer.delays)
	}
}

func TestExecuteMarksRateLimitedKeysAndBacksOff(t *testing.T) {
	sender := &scriptedSender{responses: []Response{rateLimited(0), rateLimited(1), succeeded(2, "ok")}}
	tracker := &recordingTracker{}
	timer := &recordingTimer{}
	exec := newTestExecutor(t, sender, tracker, timer, 6)

	got, err := exec.Execute(context.Background(), "prompt")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if got.Attempts != 3 || got.KeyIndex != 2 {
		t.Fatalf("Execute() = %+v", got)
	}
	if len(tracker.limited) != 2 || tracker.limited[0] != 0 || tracker.limited[1] != 1 {
		t.Fatalf("limited = %v", tracker.limited)
	}
	want := []time.Duration{time.Second, 2 * time.Second}
	if len(timer.delays) != len(want) || timer.delays[0] != want[0] || timer.delays[1] != want[1] {
		t.Fatalf("delays = %v, want %v", timer.delays, want)
	}
}

func TestExecuteFailsImmediatelyWhenKeysExhausted(t *testing.T) {
	sender := &scriptedSender{
		responses: []Response{rateLimited(0)},
		errs:      []error{nil, ErrKeysExhausted},
	}
	tracker := &recordingTracker{}
	timer := &recordingTimer{}
	exec := newTestExecutor(t, sender, tracker, timer, 6)

	_, err := exec.Execute(context.Background(), "prompt")
	if !errors.Is(err, ErrKeysExhausted) {
		t.Fatalf("Execute() error = %v, want %v", err, ErrKeysExhausted)
	}
	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("Execute() error = %T", err)
	}
	if exhausted.Attempts != 1 || exhausted.LastKey != 0 {
		t.Fatalf("ExhaustedError = %+v", exhausted)
	}
	var rl *RateLimitError
	if !errors.As(err, &rl) {
		t.Fatalf("last error = %v, want rate limit", exhausted.Last)
	}
	if len(timer.delays) != 1 {
		t.Fatalf("delays = %v, want one wait before the exhausted attempt", timer.delays)
	}
	if sender.calls != 2 {
		t.Fatalf("calls = %d", sender.calls)
	}
}

func TestExecuteWithAllKeysLimitedNeverSleeps(t *testing.T) {
	sender := &scriptedSender{errs: []error{ErrKeysExhausted}}
	timer := &recordingTimer{}
	exec := newTestExecutor(t, sender, &recordingTracker{}, timer, 6)

	_, err := exec.Execute(context.Background(), "prompt")
	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) || exhausted.Last != nil || exhausted.Attempts != 0 {
		t.Fatalf("Execute() error = %v", err)
	}
	if len(timer.delays) != 0 {
		t.Fatalf("delays = %v", timer.delays)
	}
}

func TestExecuteStopsAfterMaxAttempts(t *testing.T) {
	sender := &scriptedSender{responses: []Response{failed(0, 500), failed(1, 502), failed(0, 500), failed(1, 500)}}
	timer := &recordingTimer{}
	exec := newTestExecutor(t, sender, &recordingTracker{}, timer, 4)

	_, err := exec.Execute(context.Background(), "prompt")
	var attempts *AttemptsError
	if !errors.As(err, &attempts) {
		t.Fatalf("Execute() error = %v", err)
	}
	if attempts.Attempts != 4 || attempts.LastKey != 1 {
		t.Fatalf("AttemptsError = %+v", attempts)
	}
	var hard *HardError
	if !errors.As(err, &hard) || hard.Status != 500 {
		t.Fatalf("last error = %v", attempts.Last)
	}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	if len(timer.delays) != len(want) {
		t.Fatalf("delays = %v, want %v", timer.delays, want)
	}
	for i := range want {
		if timer.delays[i] != want[i] {
			t.Fatalf("delays = %v, want %v", timer.delays, want)
		}
	}
	if sender.calls != 4 {
		t.Fatalf("calls = %d", sender.calls)
	}
}

func TestExecuteStopsWhenContextCanceledDuringWait(t *testing.T) {
	sender := &scriptedSender{responses: []Response{rateLimited(0), succeeded(1, "never")}}
	tracker := &recordingTracker{}
	ctx, cancel := context.WithCancel(context.Background())
	exec, err := NewExecutor(sender, tracker, ExecutorOptions{
		NewTimer: func() backoff.Timer { return &cancelingTimer{cancel: cancel} },
	})
	if err != nil {
		t.Fatalf("NewExecutor() error = %v", err)
	}

	_, err = exec.Execute(ctx, "prompt")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Execute() error = %v, want context.Canceled", err)
	}
	if len(tracker.limited) != 1 || tracker.limited[0] != 0 {
		t.Fatalf("limited = %v, mark must persist after cancellation", tracker.limited)
	}
	if sender.calls != 1 {
		t.Fatalf("calls = %d", sender.calls)
	}
}

func TestExecuteRejectsBlankPrompt(t *testing.T) {
	sender := &scriptedSender{}
	exec := newTestExecutor(t, sender, &recordingTracker{}, &recordingTimer{}, 1)
	if _, err := exec.Execute(context.Background(), "  "); err == nil {
		t.Fatal("Execute() expected error for blank prompt")
	}
	if sender.calls != 0 {
		t.Fatalf("calls = %d", sender.calls)
	}
}

func TestBackoffDelays(t *testing.T) {
	rateLimit := []time.Duration{1, 2, 4, 8, 16, 30, 30}
	hard := []time.Duration{1, 2, 4, 8, 10, 10, 10}
	for i := range rateLimit {
		attempt := i + 1
		if got := RateLimitDelay(attempt); got != rateLimit[i]*time.Second {
			t.Fatalf("RateLimitDelay(%d) = %s", attempt, got)
		}
		if got := HardErrorDelay(attempt); got != hard[i]*time.Second {
			t.Fatalf("HardErrorDelay(%d) = %s", attempt, got)
		}
	}
	if got := RateLimitDelay(64); got != 30*time.Second {
		t.Fatalf("RateLimitDelay(64) = %s", got)
	}
}

func TestExecuteTreatsUnclassifiedFailureAsHardError(t *testing.T) {
	sender := &scriptedSender{responses: []Response{{Kind: "mystery", KeyIndex: 0, Status: 418}, succeeded(1, "ok")}}
	timer := &recordingTimer{}
	exec := newTestExecutor(t, sender, &recordingTracker{}, timer, 3)

	got, err := exec.Execute(context.Background(), "prompt")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if got.Attempts != 2 {
		t.Fatalf("Execute() = %+v", got)
	}
	if len(timer.delays) != 1 || timer.delays[0] != HardErrorDelay(1) {
		t.Fatalf("delays = %v", timer.delays)
	}
}

func TestExecuteSingleAttemptNeverWaits(t *testing.T) {
	sender := &scriptedSender{responses: []Response{rateLimited(0)}}
	timer := &recordingTimer{}
	exec := newTestExecutor(t, sender, &recordingTracker{}, timer, 1)

	_, err := exec.Execute(context.Background(), "prompt")
	var attempts *AttemptsError
	if !errors.As(err, &attempts) || attempts.Attempts != 1 {
		t.Fatalf("Execute() error = %v", err)
	}
	if len(timer.delays) != 0 {
		t.Fatalf("delays = %v", timer.delays)
	}
}
