// Package keypool holds the credential keys used against the LLM endpoint and tracks which of
// them are cooling down after a rate-limit response.
package keypool

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

const DefaultCooldown = time.Hour

var ErrNoKeys = errors.New("at least one api key is required")

// Lease identifies a selected key. It is the only view of a key that leaves the pool.
type Lease struct {
	Index  int
	Secret string
}

type key struct {
	index         int
	secret        string
	rateLimited   bool
	cooldownUntil time.Time
}

type Pool struct {
	mu       sync.Mutex
	keys     []key
	cursor   int
	cooldown time.Duration
	now      func() time.Time
}

type Option func(*Pool)

func WithCooldown(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.cooldown = d
		}
	}
}

// WithClock replaces time.Now; tests use it to move past cooldowns.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) {
		if now != nil {
			p.now = now
		}
	}
}

func New(secrets []string, opts ...Option) (*Pool, error) {
	if len(secrets) == 0 {
		return nil, ErrNoKeys
	}
	p := &Pool{
		keys:     make([]key, 0, len(secrets)),
		cooldown: DefaultCooldown,
		now:      time.Now,
	}
	for i, secret := range secrets {
		secret = strings.TrimSpace(secret)
		if secret == "" {
			return nil, fmt.Errorf("api key %d is empty", i+1)
		}
		p.keys = append(p.keys, key{index: i, secret: secret})
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func (p *Pool) Size() int {
	return len(p.keys)
}

// Select returns the first eligible key at or after the cursor and moves the cursor past it.
func (p *Pool) Select() (Lease, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	n := len(p.keys)
	for i := 0; i < n; i++ {
		idx := (p.cursor + i) % n
		k := &p.keys[idx]
		if !isEligible(k, now) {
			continue
		}
		p.cursor = (idx + 1) % n
		return Lease{Index: k.index, Secret: k.secret}, true
	}
	return Lease{}, false
}

// MarkRateLimited starts (or restarts) the cooldown window of the key at index.
func (p *Pool) MarkRateLimited(index int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if index < 0 || index >= len(p.keys) {
		return
	}
	k := &p.keys[index]
	k.rateLimited = true
	k.cooldownUntil = p.now().Add(p.cooldown)
}

// Rotate moves the cursor past the key at index after a successful call. Select has usually done
// this already; under concurrent use another caller may have moved the cursor back onto it.
func (p *Pool) Rotate(index int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if index < 0 || index >= len(p.keys) {
		return
	}
	if p.cursor == index {
		p.cursor = (index + 1) % len(p.keys)
	}
}

// IsEligible reports whether the key at index can be selected right now.
func (p *Pool) IsEligible(index int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if index < 0 || index >= len(p.keys) {
		return false
	}
	return isEligible(&p.keys[index], p.now())
}

// isEligible clears an expired cooldown as a side effect. Callers hold p.mu.
func isEligible(k *key, now time.Time) bool {
	if !k.rateLimited {
		return true
	}
	if now.Before(k.cooldownUntil) {
		return false
	}
	k.rateLimited = false
	k.cooldownUntil = time.Time{}
	return true
}

type LimitedKey struct {
	Index         int       `json:"index"`
	CooldownUntil time.Time `json:"cooldown_until"`
}

type Status struct {
	TotalKeys     int          `json:"total_keys"`
	AvailableKeys int          `json:"available_keys"`
	NextKey       int          `json:"next_key"`
	RateLimited   []LimitedKey `json:"rate_limited"`
}

func (p *Pool) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	status := Status{
		TotalKeys:   len(p.keys),
		NextKey:     p.cursor,
		RateLimited: make([]LimitedKey, 0),
	}
	for i := range p.keys {
		k := &p.keys[i]
		if isEligible(k, now) {
			status.AvailableKeys++
			continue
		}
		status.RateLimited = append(status.RateLimited, LimitedKey{Index: k.index, CooldownUntil: k.cooldownUntil})
	}
	return status
}
