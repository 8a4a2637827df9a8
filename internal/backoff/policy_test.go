package backoff

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestComputeWithRand_NoJitter(t *testing.T) {
	p := Policy{Initial: time.Second, Max: 30 * time.Second, Factor: 2, Jitter: 0}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second}, // clamped
		{10, 30 * time.Second},
	}

	for _, tt := range tests {
		if got := p.ComputeWithRand(tt.attempt, 0); got != tt.want {
			t.Errorf("attempt %d: got %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestComputeWithRand_Jitter(t *testing.T) {
	p := DefaultPolicy()

	base := p.ComputeWithRand(1, 0)
	jittered := p.ComputeWithRand(1, 0.999)

	if base != time.Second {
		t.Errorf("expected base 1s, got %v", base)
	}
	if jittered <= base {
		t.Errorf("expected jittered delay > base, got %v", jittered)
	}
	if jittered > base+time.Duration(float64(base)*p.Jitter) {
		t.Errorf("jitter exceeds bound: %v", jittered)
	}
}

func TestComputeWithRand_ZeroAttemptClamped(t *testing.T) {
	p := DefaultPolicy()
	if got := p.ComputeWithRand(0, 0); got != p.Initial {
		t.Errorf("attempt 0 should behave like attempt 1, got %v", got)
	}
}

func TestRetry_SucceedsAfterFailures(t *testing.T) {
	p := Policy{Initial: time.Millisecond, Max: 5 * time.Millisecond, Factor: 2}

	calls := 0
	v, attempts, err := Retry(context.Background(), p, 5, nil, func(attempt int) (string, error) {
		calls++
		if attempt < 3 {
			return "", errors.New("transient")
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != "ok" || attempts != 3 || calls != 3 {
		t.Errorf("got value=%q attempts=%d calls=%d", v, attempts, calls)
	}
}

func TestRetry_NonRetryableStopsImmediately(t *testing.T) {
	p := Policy{Initial: time.Millisecond, Max: 5 * time.Millisecond, Factor: 2}
	permanent := errors.New("permanent")

	calls := 0
	_, attempts, err := Retry(context.Background(), p, 5, func(err error) bool {
		return !errors.Is(err, permanent)
	}, func(int) (struct{}, error) {
		calls++
		return struct{}{}, permanent
	})
	if !errors.Is(err, permanent) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if attempts != 1 || calls != 1 {
		t.Errorf("expected a single attempt, got attempts=%d calls=%d", attempts, calls)
	}
}

func TestRetry_ExhaustsAttempts(t *testing.T) {
	p := Policy{Initial: time.Millisecond, Max: 2 * time.Millisecond, Factor: 2}

	_, attempts, err := Retry(context.Background(), p, 3, nil, func(int) (struct{}, error) {
		return struct{}{}, errors.New("always fails")
	})
	if !errors.Is(err, ErrAttemptsExhausted) {
		t.Fatalf("expected ErrAttemptsExhausted, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestRetry_ContextCancelled(t *testing.T) {
	p := Policy{Initial: time.Hour, Max: time.Hour, Factor: 2}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, _, err := Retry(ctx, p, 5, nil, func(int) (struct{}, error) {
		return struct{}{}, errors.New("fail")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestSleep_RespectsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := Sleep(ctx, time.Hour)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("sleep did not return promptly on cancellation")
	}
}
