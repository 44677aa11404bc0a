package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestTokenBucketEnforcesBurstThenSteadyRate(t *testing.T) {
	bucket := newTokenBucket(60, 2) // 1 token/sec, burst 2
	ctx := context.Background()

	if err := bucket.Take(ctx); err != nil {
		t.Fatalf("first take: %v", err)
	}
	if err := bucket.Take(ctx); err != nil {
		t.Fatalf("second take (burst): %v", err)
	}

	start := time.Now()
	if err := bucket.Take(ctx); err != nil {
		t.Fatalf("third take: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 400*time.Millisecond {
		t.Fatalf("expected to wait for refill, only waited %v", elapsed)
	}
}

func TestTokenBucketRespectsContextCancellation(t *testing.T) {
	bucket := newTokenBucket(1, 1) // 1 token per 60s, burst 1
	ctx := context.Background()
	if err := bucket.Take(ctx); err != nil {
		t.Fatalf("drain burst: %v", err)
	}

	cancelCtx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := bucket.Take(cancelCtx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestRunRetriesRetryableKindsThenSucceeds(t *testing.T) {
	s := New(map[string]struct{ RatePerMinute, Burst int }{
		"gate": {RatePerMinute: 6000, Burst: 10},
	}, RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond}, nil)

	attempts := 0
	result, err := Run(context.Background(), s, "gate", func(ctx context.Context) (string, error) {
		attempts++
		if attempts < 3 {
			return "", &ClassifiedError{Kind: KindHTTP5xx, Err: errors.New("upstream 500")}
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if result != "ok" {
		t.Fatalf("unexpected result %q", result)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestRunReturnsImmediatelyOnNonRetryableKind(t *testing.T) {
	s := New(map[string]struct{ RatePerMinute, Burst int }{
		"bybit": {RatePerMinute: 6000, Burst: 10},
	}, DefaultRetryPolicy, nil)

	attempts := 0
	_, err := Run(context.Background(), s, "bybit", func(ctx context.Context) (string, error) {
		attempts++
		return "", &ClassifiedError{Kind: KindAuthInvalid, Err: errors.New("bad signature")}
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if attempts != 1 {
		t.Fatalf("expected exactly 1 attempt for a non-retryable kind, got %d", attempts)
	}
}

func TestRunStopsAtAttemptCeiling(t *testing.T) {
	s := New(map[string]struct{ RatePerMinute, Burst int }{
		"gate": {RatePerMinute: 6000, Burst: 10},
	}, RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}, nil)

	attempts := 0
	_, err := Run(context.Background(), s, "gate", func(ctx context.Context) (string, error) {
		attempts++
		return "", &ClassifiedError{Kind: KindNetwork, Err: errors.New("dial timeout")}
	})
	if err == nil {
		t.Fatal("expected ceiling error")
	}
	if attempts != 2 {
		t.Fatalf("expected attempts to stop at ceiling (2), got %d", attempts)
	}
}
