package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastConfig(maxAttempts int) *Config {
	return &Config{
		MaxAttempts:  maxAttempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestWithExponentialBackoff_SucceedsFirstAttempt(t *testing.T) {
	calls := 0
	result := WithExponentialBackoff(context.Background(), fastConfig(3), nil, nil, func(ctx context.Context, attempt int) error {
		calls++
		return nil
	})

	if !result.Success {
		t.Fatal("expected success")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestWithExponentialBackoff_RetriesUntilSuccess(t *testing.T) {
	calls := 0
	result := WithExponentialBackoff(context.Background(), fastConfig(5), nil, nil, func(ctx context.Context, attempt int) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})

	if !result.Success {
		t.Fatalf("expected success, last error: %v", result.LastError)
	}
	if result.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", result.Attempts)
	}
}

func TestWithExponentialBackoff_ExhaustsAttempts(t *testing.T) {
	wantErr := errors.New("persistent")
	result := WithExponentialBackoff(context.Background(), fastConfig(3), nil, nil, func(ctx context.Context, attempt int) error {
		return wantErr
	})

	if result.Success {
		t.Fatal("expected failure")
	}
	if result.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", result.Attempts)
	}
	if !errors.Is(result.LastError, wantErr) {
		t.Errorf("LastError = %v, want %v", result.LastError, wantErr)
	}
}

func TestWithExponentialBackoff_StopsWhenNotRetryable(t *testing.T) {
	calls := 0
	shouldRetry := func(err error) bool { return false }

	result := WithExponentialBackoff(context.Background(), fastConfig(5), shouldRetry, nil, func(ctx context.Context, attempt int) error {
		calls++
		return errors.New("fatal")
	})

	if result.Success {
		t.Fatal("expected failure")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (no retry for non-retryable error)", calls)
	}
}

func TestWithExponentialBackoff_ContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	config := &Config{
		MaxAttempts:  3,
		InitialDelay: time.Minute, // force a long backoff window
		MaxDelay:     time.Minute,
		Multiplier:   2.0,
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	result := WithExponentialBackoff(ctx, config, nil, nil, func(ctx context.Context, attempt int) error {
		return errors.New("transient")
	})

	if result.Success {
		t.Fatal("expected failure")
	}
	if !errors.Is(result.LastError, context.Canceled) {
		t.Errorf("LastError = %v, want context.Canceled", result.LastError)
	}
}

func TestWithExponentialBackoff_HonorsDelayHint(t *testing.T) {
	hint := 20 * time.Millisecond
	delayHint := func(err error) time.Duration { return hint }

	start := time.Now()
	calls := 0
	result := WithExponentialBackoff(context.Background(), fastConfig(2), nil, delayHint, func(ctx context.Context, attempt int) error {
		calls++
		if calls == 1 {
			return errors.New("rate limited")
		}
		return nil
	})

	if !result.Success {
		t.Fatalf("expected success, got %v", result.LastError)
	}
	if elapsed := time.Since(start); elapsed < hint {
		t.Errorf("elapsed = %v, want at least %v (delay hint)", elapsed, hint)
	}
}

func TestCalculateDelay_CapsAtMax(t *testing.T) {
	config := &Config{
		InitialDelay: time.Second,
		MaxDelay:     4 * time.Second,
		Multiplier:   2.0,
	}

	if got := calculateDelay(config, 1); got != time.Second {
		t.Errorf("attempt 1 delay = %v, want 1s", got)
	}
	if got := calculateDelay(config, 10); got != 4*time.Second {
		t.Errorf("attempt 10 delay = %v, want capped 4s", got)
	}
}
