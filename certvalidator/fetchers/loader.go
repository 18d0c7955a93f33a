// Package fetchers retrieves CRLs, OCSP responses and issuer certificates
// over HTTP and exposes them as online sources for the validation context.
package fetchers

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// Common errors
var (
	ErrFetchFailed          = errors.New("fetch failed")
	ErrUnsupportedScheme    = errors.New("unsupported URL scheme")
	ErrResponseTooLarge     = errors.New("response exceeds size limit")
	ErrCircuitOpen          = errors.New("circuit breaker is open")
	ErrNoDistributionPoints = errors.New("no CRL distribution points")
	ErrNoOCSPServers        = errors.New("no OCSP servers")
	ErrNoIssuerURLs         = errors.New("no AIA caIssuers locations")
	ErrIssuerRequired       = errors.New("issuer certificate required")
)

// LoaderConfig configures the DataLoader.
type LoaderConfig struct {
	// Timeout bounds a single HTTP request when no HTTPClient is given.
	Timeout time.Duration

	// MaxResponseSize is the maximum accepted body size in bytes.
	MaxResponseSize int64

	// UserAgent header sent with every request.
	UserAgent string

	// UseCache enables the in-memory response cache.
	UseCache bool

	// CacheTTL is how long a successful response stays cached.
	CacheTTL time.Duration

	// RequestsPerSecond limits outgoing requests. Zero disables the limit.
	RequestsPerSecond float64

	// Burst is the rate limiter burst size.
	Burst int

	// Retry configures retries of a single URL. Nil uses DefaultRetryConfig.
	Retry *RetryConfig

	// BreakerFailureThreshold opens a per-host circuit after this many
	// consecutive failures. Zero disables circuit breaking.
	BreakerFailureThreshold int

	// BreakerResetTimeout is how long an open circuit stays open.
	BreakerResetTimeout time.Duration

	// HTTPClient allows using a custom HTTP client, for example one built with
	// NewHTTPClient for proxy or TLS settings.
	HTTPClient *http.Client

	// Clock drives retries and circuit breakers. Nil uses the real clock.
	Clock clockwork.Clock

	// Logger receives request level debug output.
	Logger *slog.Logger
}

// DefaultLoaderConfig returns the default loader configuration.
func DefaultLoaderConfig() *LoaderConfig {
	return &LoaderConfig{
		Timeout:                 30 * time.Second,
		MaxResponseSize:         10 * 1024 * 1024, // 10 MB
		UserAgent:               "certtrust/1.0",
		UseCache:                true,
		CacheTTL:                time.Hour,
		Burst:                   1,
		Retry:                   DefaultRetryConfig(),
		BreakerFailureThreshold: 5,
		BreakerResetTimeout:     30 * time.Second,
	}
}

// DataLoader performs HTTP GET and POST requests with caching, request
// coalescing, rate limiting, retries and per-host circuit breaking.
type DataLoader struct {
	config  *LoaderConfig
	client  *http.Client
	cache   *gocache.Cache
	group   singleflight.Group
	limiter *rate.Limiter
	clock   clockwork.Clock
	logger  *slog.Logger

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewDataLoader creates a loader. A nil config uses DefaultLoaderConfig.
func NewDataLoader(config *LoaderConfig) *DataLoader {
	if config == nil {
		config = DefaultLoaderConfig()
	}
	client := config.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: config.Timeout}
	}
	clock := config.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ttl := config.CacheTTL
	if ttl <= 0 {
		ttl = time.Hour
	}

	l := &DataLoader{
		config:   config,
		client:   client,
		cache:    gocache.New(ttl, 2*ttl),
		clock:    clock,
		logger:   logger,
		breakers: make(map[string]*CircuitBreaker),
	}
	if config.RequestsPerSecond > 0 {
		l.limiter = rate.NewLimiter(rate.Limit(config.RequestsPerSecond), max(config.Burst, 1))
	}
	return l
}

// HTTPClient returns the HTTP client used by this loader.
func (l *DataLoader) HTTPClient() *http.Client {
	return l.client
}

// ClearCache drops every cached response.
func (l *DataLoader) ClearCache() {
	l.cache.Flush()
}

// Get fetches url with a GET request.
func (l *DataLoader) Get(ctx context.Context, url string) ([]byte, error) {
	return l.load(ctx, http.MethodGet, url, "", nil)
}

// Post sends body to url and returns the response body. Identical requests
// share one cache entry.
func (l *DataLoader) Post(ctx context.Context, url, contentType string, body []byte) ([]byte, error) {
	return l.load(ctx, http.MethodPost, url, contentType, body)
}

func (l *DataLoader) load(ctx context.Context, method, rawURL, contentType string, body []byte) ([]byte, error) {
	key := method + " " + rawURL
	if body != nil {
		sum := sha256.Sum256(body)
		key += " " + hex.EncodeToString(sum[:])
	}

	if l.config.UseCache {
		if v, ok := l.cache.Get(key); ok {
			l.logger.Debug("loader cache hit", "method", method, "url", rawURL)
			return v.([]byte), nil
		}
	}

	v, err, shared := l.group.Do(key, func() (interface{}, error) {
		data, result := Retry(ctx, l.retryConfig(), func(ctx context.Context) ([]byte, error) {
			return l.fetchOnce(ctx, method, rawURL, contentType, body)
		})
		if !result.Success {
			return nil, result.AllErrors()
		}
		if l.config.UseCache {
			l.cache.SetDefault(key, data)
		}
		return data, nil
	})
	if err != nil {
		l.logger.Debug("loader request failed", "method", method, "url", rawURL, "error", err)
		return nil, err
	}
	if shared {
		l.logger.Debug("loader request coalesced", "method", method, "url", rawURL)
	}
	return v.([]byte), nil
}

func (l *DataLoader) retryConfig() *RetryConfig {
	cfg := l.config.Retry
	if cfg == nil {
		cfg = DefaultRetryConfig()
	}
	if cfg.Clock == nil {
		c := *cfg
		c.Clock = l.clock
		cfg = &c
	}
	return cfg
}

func (l *DataLoader) breaker(host string) *CircuitBreaker {
	if l.config.BreakerFailureThreshold <= 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	cb, ok := l.breakers[host]
	if !ok {
		cb = NewCircuitBreaker(l.config.BreakerFailureThreshold, 1, l.config.BreakerResetTimeout, l.clock)
		l.breakers[host] = cb
	}
	return cb
}

func (l *DataLoader) fetchOnce(ctx context.Context, method, rawURL, contentType string, body []byte) ([]byte, error) {
	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid URL: %v", ErrFetchFailed, err)
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedScheme, parsedURL.Scheme)
	}

	cb := l.breaker(parsedURL.Host)
	if cb != nil && !cb.Allow() {
		return nil, fmt.Errorf("%w: %s", ErrCircuitOpen, parsedURL.Host)
	}
	if l.limiter != nil {
		if err := l.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	data, err := l.do(ctx, method, rawURL, contentType, body)
	if cb != nil {
		if err != nil && ctx.Err() == nil {
			cb.RecordFailure()
		} else if err == nil {
			cb.RecordSuccess()
		}
	}
	return data, err
}

func (l *DataLoader) do(ctx context.Context, method, rawURL, contentType string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	if l.config.UserAgent != "" {
		req.Header.Set("User-Agent", l.config.UserAgent)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: HTTP %d", ErrFetchFailed, resp.StatusCode)
	}

	limit := l.config.MaxResponseSize
	if limit <= 0 {
		return io.ReadAll(resp.Body)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrResponseTooLarge, limit)
	}
	return data, nil
}
