package llm

import (
	"errors"
	"fmt"
)

// ErrKeysExhausted is returned when every key in the pool is cooling down.
var ErrKeysExhausted = errors.New("all api keys are rate limited")

type RateLimitError struct {
	Status   int
	KeyIndex int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("api key %d rate limited (status=%d)", e.KeyIndex, e.Status)
}

// HardError is any failed exchange that is not a rate limit. Status is 0 for transport failures.
type HardError struct {
	Status   int
	Body     string
	KeyIndex int
	Err      error
}

func (e *HardError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("chat completion failed key=%d: %v", e.KeyIndex, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("chat completion failed status=%d key=%d: %v", e.Status, e.KeyIndex, e.Err)
	}
	return fmt.Sprintf("chat completion failed status=%d key=%d body=%s", e.Status, e.KeyIndex, e.Body)
}

func (e *HardError) Unwrap() error {
	return e.Err
}

// ExhaustedError ends an Execute call that ran out of eligible keys. Last is the error seen
// before exhaustion, if any.
type ExhaustedError struct {
	Last     error
	Attempts int
	LastKey  int
}

func (e *ExhaustedError) Error() string {
	if e.Last == nil {
		return fmt.Sprintf("%v after %d attempts", ErrKeysExhausted, e.Attempts)
	}
	return fmt.Sprintf("%v after %d attempts: last error: %v", ErrKeysExhausted, e.Attempts, e.Last)
}

func (e *ExhaustedError) Is(target error) bool {
	return target == ErrKeysExhausted
}

func (e *ExhaustedError) Unwrap() error {
	return e.Last
}

// AttemptsError ends an Execute call that used up its attempt budget.
type AttemptsError struct {
	Last     error
	Attempts int
	LastKey  int
}

func (e *AttemptsError) Error() string {
	return fmt.Sprintf("chat completion failed after %d attempts: %v", e.Attempts, e.Last)
}

func (e *AttemptsError) Unwrap() error {
	return e.Last
}
