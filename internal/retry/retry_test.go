package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gsoultan/imapmigrate/internal/retry"
)

func TestDoExponentialSuccessFirstTry(t *testing.T) {
	b := retry.Exponential{MaxRetries: 3, InitialInterval: time.Millisecond, MaxInterval: 10 * time.Millisecond, Multiplier: 2.0}
	calls := 0
	err := retry.Do(context.Background(), b, func() error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestDoExponentialSuccessAfterRetries(t *testing.T) {
	b := retry.Exponential{MaxRetries: 3, InitialInterval: time.Millisecond, MaxInterval: 10 * time.Millisecond, Multiplier: 2.0}
	calls := 0
	err := retry.Do(context.Background(), b, func() error {
		calls++
		if calls < 3 {
			return errors.New("temporary error")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestDoFailureAllRetries(t *testing.T) {
	b := retry.Exponential{MaxRetries: 2, InitialInterval: time.Millisecond, MaxInterval: 10 * time.Millisecond, Multiplier: 2.0}
	calls := 0
	expected := errors.New("permanent error")
	err := retry.Do(context.Background(), b, func() error {
		calls++
		return expected
	})
	if !errors.Is(err, expected) {
		t.Fatalf("expected %v, got %v", expected, err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestDoContextCancellation(t *testing.T) {
	b := retry.Exponential{MaxRetries: 10, InitialInterval: 100 * time.Millisecond, MaxInterval: time.Second, Multiplier: 2.0}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	err := retry.Do(ctx, b, func() error {
		return errors.New("temporary error")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestFixedGapCapsAt300Seconds(t *testing.T) {
	f := retry.FixedGap{Attempts: 5, Gap: 10 * time.Minute}
	if got := f.Next(1); got != 300*time.Second {
		t.Fatalf("expected gap capped at 300s, got %v", got)
	}
}

func TestFixedGapMaxAttempts(t *testing.T) {
	f := retry.FixedGap{Attempts: 5, Gap: time.Millisecond}
	calls := 0
	err := retry.Do(context.Background(), f, func() error {
		calls++
		return errors.New("boom")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 6 {
		t.Fatalf("expected 6 calls (1 + 5 retries), got %d", calls)
	}
}
