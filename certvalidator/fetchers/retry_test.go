package fetchers

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func fastRetry(attempts int) *RetryConfig {
	return &RetryConfig{
		MaxAttempts:  attempts,
		InitialDelay: 1 * time.Millisecond,
		MaxDelay:     10 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestDefaultRetryConfig(t *testing.T) {
	config := DefaultRetryConfig()

	if config.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", config.MaxAttempts)
	}
	if config.InitialDelay != 500*time.Millisecond {
		t.Errorf("InitialDelay = %v, want 500ms", config.InitialDelay)
	}
	if config.Multiplier != 2.0 {
		t.Errorf("Multiplier = %f, want 2.0", config.Multiplier)
	}
	if NoRetryConfig().MaxAttempts != 1 {
		t.Error("NoRetryConfig should make a single attempt")
	}
}

func TestRetryConfigCalculateDelay(t *testing.T) {
	config := &RetryConfig{
		InitialDelay: 1 * time.Second,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
	}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 0},
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second}, // Capped at MaxDelay
		{6, 10 * time.Second},
	}

	for _, tt := range tests {
		if delay := config.calculateDelay(tt.attempt); delay != tt.want {
			t.Errorf("calculateDelay(%d) = %v, want %v", tt.attempt, delay, tt.want)
		}
	}
}

func TestRetryConfigCalculateDelayWithJitter(t *testing.T) {
	config := &RetryConfig{
		InitialDelay: 1 * time.Second,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.5,
	}

	for i := 0; i < 10; i++ {
		delay := config.calculateDelay(1)
		if delay < 500*time.Millisecond || delay > 1500*time.Millisecond {
			t.Errorf("calculateDelay(1) with jitter = %v, want between 500ms and 1.5s", delay)
		}
	}
}

func TestRetryConfigIsRetryable(t *testing.T) {
	customErr := errors.New("custom error")

	tests := []struct {
		name     string
		config   *RetryConfig
		err      error
		expected bool
	}{
		{"any error", &RetryConfig{}, customErr, true},
		{"nil error", &RetryConfig{}, nil, false},
		{"canceled", &RetryConfig{}, context.Canceled, false},
		{"deadline", &RetryConfig{}, context.DeadlineExceeded, false},
		{"too large", &RetryConfig{}, ErrResponseTooLarge, false},
		{"bad scheme", &RetryConfig{}, ErrUnsupportedScheme, false},
		{"listed", &RetryConfig{RetryableErrors: []error{customErr}}, customErr, true},
		{"not listed", &RetryConfig{RetryableErrors: []error{customErr}}, errors.New("other"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.config.isRetryable(tt.err); got != tt.expected {
				t.Errorf("isRetryable(%v) = %v, want %v", tt.err, got, tt.expected)
			}
		})
	}
}

func TestRetry(t *testing.T) {
	t.Run("SuccessOnFirstAttempt", func(t *testing.T) {
		var attempts int32
		result, retryResult := Retry(context.Background(), fastRetry(3), func(ctx context.Context) (string, error) {
			atomic.AddInt32(&attempts, 1)
			return "success", nil
		})

		if result != "success" || !retryResult.Success {
			t.Errorf("Result = %q, success = %v", result, retryResult.Success)
		}
		if attempts != 1 {
			t.Errorf("Function called %d times, want 1", attempts)
		}
	})

	t.Run("SuccessOnRetry", func(t *testing.T) {
		var attempts int32
		var retried []int
		config := fastRetry(3)
		config.OnRetry = func(attempt int, err error, delay time.Duration) {
			retried = append(retried, attempt)
		}

		result, retryResult := Retry(context.Background(), config, func(ctx context.Context) (string, error) {
			if atomic.AddInt32(&attempts, 1) < 3 {
				return "", errors.New("temporary error")
			}
			return "success", nil
		})

		if result != "success" {
			t.Errorf("Result = %q, want %q", result, "success")
		}
		if retryResult.Attempts != 3 {
			t.Errorf("Attempts = %d, want 3", retryResult.Attempts)
		}
		if len(retried) != 2 {
			t.Errorf("OnRetry called %d times, want 2", len(retried))
		}
	})

	t.Run("AllAttemptsFail", func(t *testing.T) {
		_, retryResult := Retry(context.Background(), fastRetry(3), func(ctx context.Context) (string, error) {
			return "", errors.New("persistent error")
		})

		if retryResult.Success {
			t.Error("Expected failure")
		}
		if len(retryResult.Errors) != 3 {
			t.Errorf("Errors count = %d, want 3", len(retryResult.Errors))
		}
	})

	t.Run("NonRetryableStopsEarly", func(t *testing.T) {
		var attempts int32
		_, retryResult := Retry(context.Background(), fastRetry(5), func(ctx context.Context) (string, error) {
			atomic.AddInt32(&attempts, 1)
			return "", ErrResponseTooLarge
		})

		if attempts != 1 {
			t.Errorf("Function called %d times, want 1", attempts)
		}
		if !errors.Is(retryResult.AllErrors(), ErrResponseTooLarge) {
			t.Errorf("AllErrors should wrap ErrResponseTooLarge, got %v", retryResult.AllErrors())
		}
	})

	t.Run("ContextCancellation", func(t *testing.T) {
		config := &RetryConfig{MaxAttempts: 5, InitialDelay: time.Hour, MaxDelay: time.Hour, Multiplier: 1}
		ctx, cancel := context.WithCancel(context.Background())
		var attempts int32

		_, retryResult := Retry(ctx, config, func(ctx context.Context) (string, error) {
			atomic.AddInt32(&attempts, 1)
			cancel()
			return "", errors.New("error")
		})

		if retryResult.Success {
			t.Error("Expected failure due to cancellation")
		}
		if attempts != 1 {
			t.Errorf("Should have stopped after the first attempt, got %d", attempts)
		}
		if !errors.Is(retryResult.LastError(), context.Canceled) {
			t.Errorf("LastError = %v, want context.Canceled", retryResult.LastError())
		}
	})
}

func TestRetryMultiURL(t *testing.T) {
	urls := []string{"http://url1", "http://url2", "http://url3"}

	t.Run("FirstURLSucceeds", func(t *testing.T) {
		result, multiResult := RetryMultiURL(context.Background(), fastRetry(2), urls,
			func(ctx context.Context, url string) (string, error) {
				return "from:" + url, nil
			})

		if result != "from:http://url1" {
			t.Errorf("Result = %q, want %q", result, "from:http://url1")
		}
		if multiResult.SuccessfulURL != "http://url1" || len(multiResult.AttemptedURLs) != 1 {
			t.Errorf("SuccessfulURL = %q, attempted %v", multiResult.SuccessfulURL, multiResult.AttemptedURLs)
		}
	})

	t.Run("SecondURLSucceeds", func(t *testing.T) {
		result, multiResult := RetryMultiURL(context.Background(), fastRetry(2), urls,
			func(ctx context.Context, url string) (string, error) {
				if url == "http://url1" {
					return "", errors.New("url1 failed")
				}
				return "from:" + url, nil
			})

		if result != "from:http://url2" {
			t.Errorf("Result = %q, want %q", result, "from:http://url2")
		}
		if multiResult.TotalAttempts != 3 {
			t.Errorf("TotalAttempts = %d, want 3", multiResult.TotalAttempts)
		}
	})

	t.Run("AllURLsFail", func(t *testing.T) {
		_, multiResult := RetryMultiURL(context.Background(), fastRetry(1), urls[:2],
			func(ctx context.Context, url string) (string, error) {
				return "", errors.New("failed for " + url)
			})

		if multiResult.Success {
			t.Error("Expected failure")
		}
		if len(multiResult.URLErrors) != 2 {
			t.Errorf("URLErrors count = %d, want 2", len(multiResult.URLErrors))
		}
		msg := multiResult.AllErrors().Error()
		if !strings.Contains(msg, "url1") || !strings.Contains(msg, "url2") {
			t.Errorf("AllErrors = %q, should mention both URLs", msg)
		}
		if !strings.Contains(multiResult.Summary(), "failed for http://url2") {
			t.Errorf("Summary = %q", multiResult.Summary())
		}
	})

	t.Run("NoURLs", func(t *testing.T) {
		_, multiResult := RetryMultiURL(context.Background(), fastRetry(1), nil,
			func(ctx context.Context, url string) (string, error) { return url, nil })
		if !errors.Is(multiResult.AllErrors(), ErrFetchFailed) {
			t.Errorf("AllErrors = %v, want ErrFetchFailed", multiResult.AllErrors())
		}
	})
}

func TestCircuitBreaker(t *testing.T) {
	t.Run("OpensAfterFailures", func(t *testing.T) {
		cb := NewCircuitBreaker(3, 2, time.Minute, clockwork.NewFakeClock())
		if cb.State() != CircuitClosed {
			t.Errorf("Initial state = %v, want closed", cb.State())
		}

		cb.RecordFailure()
		cb.RecordFailure()
		if cb.State() != CircuitClosed {
			t.Error("Should still be closed after 2 failures")
		}
		cb.RecordFailure()
		if cb.State() != CircuitOpen || cb.Allow() {
			t.Errorf("State = %v, want open and blocking", cb.State())
		}
	})

	t.Run("SuccessResetsFailures", func(t *testing.T) {
		cb := NewCircuitBreaker(2, 1, time.Minute, clockwork.NewFakeClock())
		cb.RecordFailure()
		cb.RecordSuccess()
		cb.RecordFailure()
		if cb.State() != CircuitClosed {
			t.Errorf("State = %v, want closed", cb.State())
		}
	})

	t.Run("HalfOpenThenClosed", func(t *testing.T) {
		clock := clockwork.NewFakeClock()
		cb := NewCircuitBreaker(1, 2, time.Minute, clock)
		cb.RecordFailure()

		clock.Advance(30 * time.Second)
		if cb.Allow() {
			t.Error("Should still block before the reset timeout")
		}
		clock.Advance(30 * time.Second)
		if !cb.Allow() || cb.State() != CircuitHalfOpen {
			t.Errorf("State = %v, want half-open", cb.State())
		}

		cb.RecordSuccess()
		if cb.State() != CircuitHalfOpen {
			t.Error("Should still be half-open after 1 success")
		}
		cb.RecordSuccess()
		if cb.State() != CircuitClosed {
			t.Errorf("State = %v, want closed after 2 successes", cb.State())
		}
	})

	t.Run("ReopensOnFailureInHalfOpen", func(t *testing.T) {
		clock := clockwork.NewFakeClock()
		cb := NewCircuitBreaker(1, 2, time.Minute, clock)
		cb.RecordFailure()
		clock.Advance(time.Minute)
		cb.Allow()

		cb.RecordFailure()
		if cb.State() != CircuitOpen {
			t.Errorf("State = %v, want open after failure in half-open", cb.State())
		}
	})

	t.Run("Reset", func(t *testing.T) {
		cb := NewCircuitBreaker(1, 1, time.Minute, nil)
		cb.RecordFailure()
		cb.Reset()
		if cb.State() != CircuitClosed || !cb.Allow() {
			t.Errorf("State = %v, want closed after reset", cb.State())
		}
	})
}

func TestCircuitStateString(t *testing.T) {
	tests := []struct {
		state CircuitState
		want  string
	}{
		{CircuitClosed, "closed"},
		{CircuitOpen, "open"},
		{CircuitHalfOpen, "half-open"},
		{CircuitState(99), "unknown"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("CircuitState(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
