package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetry_SucceedsFirstTry(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryConfig{Name: "test"}, func(_ context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRetry_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	cfg := RetryConfig{Name: "test", Attempts: 3, BaseDelay: time.Millisecond}
	err := Retry(context.Background(), cfg, func(_ context.Context) error {
		calls++
		if calls < 3 {
			return errTest
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetry_ExhaustsAttempts(t *testing.T) {
	calls := 0
	cfg := RetryConfig{Name: "test", Attempts: 3, BaseDelay: time.Millisecond}
	err := Retry(context.Background(), cfg, func(_ context.Context) error {
		calls++
		return errTest
	})
	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if !errors.Is(err, errTest) {
		t.Errorf("err = %v, want errTest wrapped", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetry_PermanentStopsImmediately(t *testing.T) {
	calls := 0
	cfg := RetryConfig{Name: "test", Attempts: 5, BaseDelay: time.Millisecond}
	err := Retry(context.Background(), cfg, func(_ context.Context) error {
		calls++
		return Permanent(errTest)
	})
	if !errors.Is(err, errTest) {
		t.Fatalf("err = %v, want errTest", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (permanent errors must not be retried)", calls)
	}
}

func TestRetry_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	cfg := RetryConfig{Name: "test", Attempts: 10, BaseDelay: 50 * time.Millisecond}
	errCh := make(chan error, 1)
	go func() {
		errCh <- Retry(ctx, cfg, func(_ context.Context) error {
			calls++
			return errTest
		})
	}()

	// Cancel while the retry loop is sleeping between attempts.
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Retry did not return after cancellation")
	}
}

func TestPermanent_NilIsNil(t *testing.T) {
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) should be nil")
	}
}
