package flow

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetrySucceedsAfterFailures(t *testing.T) {
	calls := 0
	result, err := Retry(context.Background(), 3, 0, func(ctx context.Context, attempt int) (any, error) {
		if attempt != calls {
			t.Errorf("attempt = %d, want %d", attempt, calls)
		}
		calls++
		if calls < 3 {
			return nil, errors.New("boom")
		}
		return "ok", nil
	}, nil, "test")

	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if result != "ok" {
		t.Errorf("result = %v, want ok", result)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetryExhaustedReturnsLastError(t *testing.T) {
	calls := 0
	_, err := Retry(context.Background(), 2, 0, func(ctx context.Context, attempt int) (any, error) {
		calls++
		return nil, errors.New("always fails")
	}, nil, "test")

	if err == nil || err.Error() != "always fails" {
		t.Errorf("err = %v, want last attempt error", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestRetryFallbackReplacesError(t *testing.T) {
	cause := errors.New("boom")
	result, err := Retry(context.Background(), 2, 0, func(ctx context.Context, attempt int) (any, error) {
		return nil, cause
	}, func(ctx context.Context, got error, attempt int) (any, error) {
		if !errors.Is(got, cause) {
			t.Errorf("fallback cause = %v, want %v", got, cause)
		}
		if attempt != 1 {
			t.Errorf("fallback attempt = %d, want 1", attempt)
		}
		return "recovered", nil
	}, "test")

	if err != nil {
		t.Fatalf("Retry with fallback: %v", err)
	}
	if result != "recovered" {
		t.Errorf("result = %v, want recovered", result)
	}
}

func TestRetryZeroAttemptsRunsOnce(t *testing.T) {
	calls := 0
	_, err := Retry(context.Background(), 0, 0, func(ctx context.Context, attempt int) (any, error) {
		calls++
		return nil, nil
	}, nil, "test")
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRetryWaitCancellable(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := Retry(ctx, 2, time.Hour, func(ctx context.Context, attempt int) (any, error) {
			return nil, errors.New("fail")
		}, nil, "test")
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Retry did not return after cancellation")
	}
}
