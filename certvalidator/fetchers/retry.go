package fetchers

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// RetryConfig configures retry behavior for requests to CRL distribution
// points, OCSP responders and AIA locations.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including the first try).
	// Default: 3
	MaxAttempts int

	// InitialDelay is the delay before the first retry.
	// Default: 500 milliseconds
	InitialDelay time.Duration

	// MaxDelay is the maximum delay between retries.
	// Default: 10 seconds
	MaxDelay time.Duration

	// Multiplier is the factor by which delay increases after each retry.
	// Default: 2.0 (exponential backoff)
	Multiplier float64

	// Jitter adds randomness to delays.
	// Value between 0 and 1, where 0.1 means +/-10% jitter.
	// Default: 0.1
	Jitter float64

	// RetryableErrors is a list of errors that should trigger a retry.
	// If nil, all errors are retryable except context cancellation and
	// ErrResponseTooLarge.
	RetryableErrors []error

	// OnRetry is called before each retry attempt.
	OnRetry func(attempt int, err error, delay time.Duration)

	// Clock drives the delays between attempts. Nil uses the real clock.
	Clock clockwork.Clock
}

// DefaultRetryConfig returns a default retry configuration with exponential backoff.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.1,
	}
}

// NoRetryConfig returns a configuration making exactly one attempt.
func NoRetryConfig() *RetryConfig {
	return &RetryConfig{MaxAttempts: 1}
}

func (c *RetryConfig) clock() clockwork.Clock {
	if c.Clock == nil {
		return clockwork.NewRealClock()
	}
	return c.Clock
}

// calculateDelay calculates the delay for a given attempt number.
func (c *RetryConfig) calculateDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}

	delay := float64(c.InitialDelay) * math.Pow(c.Multiplier, float64(attempt-1))
	if c.MaxDelay > 0 && delay > float64(c.MaxDelay) {
		delay = float64(c.MaxDelay)
	}

	if c.Jitter > 0 {
		jitterRange := delay * c.Jitter
		delay = delay - jitterRange + (rand.Float64() * 2 * jitterRange)
	}

	return time.Duration(delay)
}

// isRetryable determines if an error should trigger a retry.
func (c *RetryConfig) isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrResponseTooLarge) || errors.Is(err, ErrUnsupportedScheme) || errors.Is(err, ErrCircuitOpen) {
		return false
	}
	if len(c.RetryableErrors) == 0 {
		return true
	}
	for _, retryableErr := range c.RetryableErrors {
		if errors.Is(err, retryableErr) {
			return true
		}
	}
	return false
}

// RetryResult contains the result of a retry operation.
type RetryResult struct {
	// Attempts is the number of attempts made.
	Attempts int

	// TotalDuration is the total time spent including all retries.
	TotalDuration time.Duration

	// Errors contains all errors encountered during retries.
	Errors []error

	// Success indicates if the operation ultimately succeeded.
	Success bool
}

// LastError returns the last error encountered, or nil if successful.
func (r *RetryResult) LastError() error {
	if len(r.Errors) == 0 {
		return nil
	}
	return r.Errors[len(r.Errors)-1]
}

// AllErrors joins all attempt errors. errors.Is sees through the result.
func (r *RetryResult) AllErrors() error {
	if len(r.Errors) == 0 {
		return nil
	}
	wrapped := make([]error, len(r.Errors))
	for i, err := range r.Errors {
		wrapped[i] = fmt.Errorf("attempt %d: %w", i+1, err)
	}
	return errors.Join(wrapped...)
}

// Retry executes fn until it succeeds, returns a non-retryable error or the
// attempts are exhausted.
func Retry[T any](ctx context.Context, config *RetryConfig, fn func(ctx context.Context) (T, error)) (T, *RetryResult) {
	if config == nil {
		config = DefaultRetryConfig()
	}
	clock := config.clock()

	result := &RetryResult{}
	start := clock.Now()

	var zero T
	for attempt := 1; attempt <= max(config.MaxAttempts, 1); attempt++ {
		result.Attempts = attempt

		value, err := fn(ctx)
		if err == nil {
			result.Success = true
			result.TotalDuration = clock.Since(start)
			return value, result
		}
		result.Errors = append(result.Errors, err)

		if attempt >= config.MaxAttempts || !config.isRetryable(err) {
			break
		}

		delay := config.calculateDelay(attempt)
		if config.OnRetry != nil {
			config.OnRetry(attempt, err, delay)
		}

		select {
		case <-ctx.Done():
			result.Errors = append(result.Errors, ctx.Err())
			result.TotalDuration = clock.Since(start)
			return zero, result
		case <-clock.After(delay):
		}
	}

	result.TotalDuration = clock.Since(start)
	return zero, result
}

// MultiURLResult contains the result of attempting multiple URLs.
type MultiURLResult struct {
	// SuccessfulURL is the URL that succeeded, if any.
	SuccessfulURL string

	// AttemptedURLs is the list of URLs that were attempted.
	AttemptedURLs []string

	// URLErrors maps each URL to the errors encountered.
	URLErrors map[string][]error

	// TotalAttempts is the total number of attempts across all URLs.
	TotalAttempts int

	// Success indicates if any URL succeeded.
	Success bool
}

// AllErrors joins the errors of every attempted URL.
func (r *MultiURLResult) AllErrors() error {
	if r.Success {
		return nil
	}
	var errs []error
	for _, url := range r.AttemptedURLs {
		for _, err := range r.URLErrors[url] {
			errs = append(errs, fmt.Errorf("%s: %w", url, err))
		}
	}
	if len(errs) == 0 {
		return fmt.Errorf("%w: no URL could be tried", ErrFetchFailed)
	}
	return errors.Join(errs...)
}

// Summary formats the per-URL failures on one line, for logging.
func (r *MultiURLResult) Summary() string {
	var msgs []string
	for _, url := range r.AttemptedURLs {
		if errs := r.URLErrors[url]; len(errs) > 0 {
			msgs = append(msgs, fmt.Sprintf("%s: %v", url, errs[len(errs)-1]))
		}
	}
	return strings.Join(msgs, "; ")
}

// RetryMultiURL tries each URL in order, with retries per URL, and returns
// on the first success.
func RetryMultiURL[T any](
	ctx context.Context,
	config *RetryConfig,
	urls []string,
	fn func(ctx context.Context, url string) (T, error),
) (T, *MultiURLResult) {
	result := &MultiURLResult{
		AttemptedURLs: make([]string, 0, len(urls)),
		URLErrors:     make(map[string][]error),
	}

	var zero T
	for _, url := range urls {
		if ctx.Err() != nil {
			break
		}
		result.AttemptedURLs = append(result.AttemptedURLs, url)

		value, retryResult := Retry(ctx, config, func(ctx context.Context) (T, error) {
			return fn(ctx, url)
		})
		result.TotalAttempts += retryResult.Attempts
		result.URLErrors[url] = retryResult.Errors

		if retryResult.Success {
			result.SuccessfulURL = url
			result.Success = true
			return value, result
		}
	}

	return zero, result
}

// CircuitBreaker stops calling a host that keeps failing.
type CircuitBreaker struct {
	mu sync.Mutex

	failureThreshold int
	successThreshold int
	resetTimeout     time.Duration
	clock            clockwork.Clock

	state       CircuitState
	failures    int
	successes   int
	lastFailure time.Time
}

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

// String returns a string representation of the circuit state.
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// NewCircuitBreaker creates a circuit breaker. A nil clock uses the real clock.
func NewCircuitBreaker(failureThreshold, successThreshold int, resetTimeout time.Duration, clock clockwork.Clock) *CircuitBreaker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &CircuitBreaker{
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		resetTimeout:     resetTimeout,
		clock:            clock,
	}
}

// State returns the current state of the circuit breaker.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Allow checks if a request should be allowed through.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed, CircuitHalfOpen:
		return true
	case CircuitOpen:
		if cb.clock.Since(cb.lastFailure) >= cb.resetTimeout {
			cb.state = CircuitHalfOpen
			cb.successes = 0
			return true
		}
		return false
	default:
		return false
	}
}

// RecordSuccess records a successful request.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitHalfOpen:
		cb.successes++
		if cb.successes >= cb.successThreshold {
			cb.state = CircuitClosed
			cb.failures = 0
		}
	case CircuitClosed:
		cb.failures = 0
	}
}

// RecordFailure records a failed request.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastFailure = cb.clock.Now()
	switch cb.state {
	case CircuitClosed:
		cb.failures++
		if cb.failures >= cb.failureThreshold {
			cb.state = CircuitOpen
		}
	case CircuitHalfOpen:
		cb.state = CircuitOpen
	}
}

// Reset resets the circuit breaker to closed state.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = CircuitClosed
	cb.failures = 0
	cb.successes = 0
}
