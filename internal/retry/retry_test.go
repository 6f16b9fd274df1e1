package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDoSucceedsAfterFailures(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), Fixed(3, 0), func(attempt int) error {
		attempts++
		if attempt < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	wantErr := errors.New("still down")
	attempts := 0
	err := Do(context.Background(), Fixed(3, 0), func(int) error {
		attempts++
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Errorf("error = %v, want last op error", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestDoStopsOnPermanent(t *testing.T) {
	wantErr := errors.New("bad credentials")
	attempts := 0
	err := Do(context.Background(), Fixed(5, 0), func(int) error {
		attempts++
		return Permanent(wantErr)
	})
	if !errors.Is(err, wantErr) {
		t.Errorf("error = %v, want wrapped permanent error", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}

func TestDoHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	err := Do(ctx, Fixed(10, time.Hour), func(int) error {
		attempts++
		cancel()
		return errors.New("transient")
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}

func TestOnceAllowsSingleRetry(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), Once(), func(int) error {
		attempts++
		return errors.New("transient")
	})
	if err == nil {
		t.Fatal("Do() succeeded, want exhaustion")
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
}

func TestDoBackoffFactor(t *testing.T) {
	start := time.Now()
	_ = Do(context.Background(), Config{MaxAttempts: 3, Delay: 10 * time.Millisecond, Factor: 2}, func(int) error {
		return errors.New("transient")
	})
	// 10ms + 20ms between the three attempts.
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Errorf("elapsed = %v, want at least 30ms of backoff", elapsed)
	}
}
