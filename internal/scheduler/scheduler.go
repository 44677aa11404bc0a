// Package scheduler implements the Request Scheduler (spec.md §4.2):
// per-venue rate budgets plus structured retry/backoff and cancellation.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/greenline-otc/bridge/internal/observability"
)

// ErrorKind classifies an operation failure for the retry policy.
type ErrorKind string

const (
	KindNetwork            ErrorKind = "network"
	KindHTTP5xx            ErrorKind = "http_5xx"
	KindRateLimited        ErrorKind = "rate_limited"
	KindCloudflareChallenge ErrorKind = "cloudflare_challenge"
	KindAuthInvalid        ErrorKind = "auth_invalid"
	KindNotFound           ErrorKind = "not_found"
	KindValidation         ErrorKind = "validation"
	KindGone               ErrorKind = "gone"
)

var retryable = map[ErrorKind]bool{
	KindNetwork:             true,
	KindHTTP5xx:             true,
	KindRateLimited:         true,
	KindCloudflareChallenge: true,
}

// ErrTimeout is returned when a call's deadline expires before it
// completes.
var ErrTimeout = errors.New("scheduler: deadline exceeded")

// ClassifiedError lets an Operation report which retry class it belongs
// to; operations that return a plain error are treated as non-retryable.
type ClassifiedError struct {
	Kind ErrorKind
	Err  error
}

func (e *ClassifiedError) Error() string { return e.Err.Error() }
func (e *ClassifiedError) Unwrap() error { return e.Err }

// Operation is an idempotent, cancellation-aware unit of work dispatched
// through a venue's rate budget.
type Operation[T any] func(ctx context.Context) (T, error)

// RetryPolicy controls backoff behavior.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy matches spec §4.2's defaults: attempt ceiling 5,
// exponential backoff with jitter capped at 60s.
var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 5, BaseDelay: 250 * time.Millisecond, MaxDelay: 60 * time.Second}

// tokenBucket is a steady-rate + burst limiter serving FIFO waiters,
// refilled lazily on each Take call (no background goroutine needed).
type tokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	capacity   float64
	refillRate float64 // tokens per second
	updatedAt  time.Time
	waiters    chan struct{}
}

func newTokenBucket(ratePerMinute, burst int) *tokenBucket {
	if burst <= 0 {
		burst = ratePerMinute
	}
	return &tokenBucket{
		tokens:     float64(burst),
		capacity:   float64(burst),
		refillRate: float64(ratePerMinute) / 60.0,
		updatedAt:  time.Now(),
		waiters:    make(chan struct{}, 1),
	}
}

// Take blocks (respecting ctx) until a token is available, then consumes
// one. Waiters are served FIFO via a semaphore channel so overlapping
// Take calls from a single caller are never reordered relative to others
// queued earlier.
func (b *tokenBucket) Take(ctx context.Context) error {
	select {
	case b.waiters <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-b.waiters }()
	for {
		b.mu.Lock()
		b.refillLocked(time.Now())
		if b.tokens >= 1 {
			b.tokens--
			b.mu.Unlock()
			return nil
		}
		wait := b.waitDurationLocked()
		b.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (b *tokenBucket) refillLocked(now time.Time) {
	elapsed := now.Sub(b.updatedAt).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * b.refillRate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.updatedAt = now
}

func (b *tokenBucket) waitDurationLocked() time.Duration {
	if b.refillRate <= 0 {
		return time.Second
	}
	deficit := 1 - b.tokens
	seconds := deficit / b.refillRate
	if seconds < 0 {
		seconds = 0
	}
	return time.Duration(seconds * float64(time.Second))
}

// Scheduler dispatches operations against named venues, each with its own
// token bucket, applying the shared retry policy.
type Scheduler struct {
	mu      sync.Mutex
	buckets map[string]*tokenBucket
	limits  map[string]venueLimit
	policy  RetryPolicy
	metrics *observability.BridgeMetrics
	rng     *rand.Rand
	rngMu   sync.Mutex
}

type venueLimit struct {
	ratePerMinute int
	burst         int
}

// New constructs a Scheduler. venueLimits maps a venue tag ("gate",
// "bybit") to its steady rate (per minute) and burst.
func New(venueLimits map[string]struct{ RatePerMinute, Burst int }, policy RetryPolicy, metrics *observability.BridgeMetrics) *Scheduler {
	if policy.MaxAttempts <= 0 {
		policy = DefaultRetryPolicy
	}
	limits := make(map[string]venueLimit, len(venueLimits))
	for venue, l := range venueLimits {
		limits[venue] = venueLimit{ratePerMinute: l.RatePerMinute, burst: l.Burst}
	}
	return &Scheduler{
		buckets: make(map[string]*tokenBucket),
		limits:  limits,
		policy:  policy,
		metrics: metrics,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (s *Scheduler) bucketFor(venue string) *tokenBucket {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.buckets[venue]; ok {
		return b
	}
	lim, ok := s.limits[venue]
	if !ok {
		lim = venueLimit{ratePerMinute: 60, burst: 60}
	}
	b := newTokenBucket(lim.ratePerMinute, lim.burst)
	s.buckets[venue] = b
	return b
}

// Run dispatches operation against venue's rate budget, retrying
// retryable failures with exponential backoff and jitter up to the
// configured ceiling. ctx's deadline bounds the whole call, including
// time spent waiting for tokens and for backoff.
func Run[T any](ctx context.Context, s *Scheduler, venue string, op Operation[T]) (T, error) {
	var zero T
	bucket := s.bucketFor(venue)
	var lastErr error
	for attempt := 1; attempt <= s.policy.MaxAttempts; attempt++ {
		waitStart := time.Now()
		if err := bucket.Take(ctx); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return zero, ErrTimeout
			}
			return zero, err
		}
		if s.metrics != nil {
			s.metrics.ObserveSchedulerWait(venue, time.Since(waitStart))
		}

		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		var classified *ClassifiedError
		kind, isClassified := ErrorKind(""), false
		if errors.As(err, &classified) {
			kind, isClassified = classified.Kind, true
		}
		if !isClassified || !retryable[kind] {
			if s.metrics != nil {
				reason := string(kind)
				if reason == "" {
					reason = "unclassified"
				}
				s.metrics.RecordSchedulerRejection(venue, reason)
			}
			return zero, err
		}
		if attempt == s.policy.MaxAttempts {
			if s.metrics != nil {
				s.metrics.RecordSchedulerRejection(venue, "ceiling_exceeded")
			}
			return zero, fmt.Errorf("scheduler: attempt ceiling exceeded: %w", err)
		}

		delay := s.backoff(attempt)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ErrTimeout
		case <-timer.C:
		}
	}
	return zero, lastErr
}

func (s *Scheduler) backoff(attempt int) time.Duration {
	base := s.policy.BaseDelay
	if base <= 0 {
		base = DefaultRetryPolicy.BaseDelay
	}
	max := s.policy.MaxDelay
	if max <= 0 {
		max = DefaultRetryPolicy.MaxDelay
	}
	delay := base * time.Duration(1<<uint(attempt-1))
	if delay > max {
		delay = max
	}
	s.rngMu.Lock()
	jitter := time.Duration(s.rng.Int63n(int64(delay) + 1))
	s.rngMu.Unlock()
	return (delay + jitter) / 2
}
