package fetchers

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"
)

// HTTPClientConfig configures the HTTP client used for revocation and AIA
// requests. CRL and OCSP endpoints are usually plain HTTP; the TLS settings
// matter only for https distribution points.
type HTTPClientConfig struct {
	// Timeout is the overall request timeout.
	// Default: 30 seconds.
	Timeout time.Duration

	// ProxyURL is the URL of the HTTP proxy to use.
	// If empty, the proxy is taken from the environment.
	ProxyURL string

	// TLSConfig provides custom TLS configuration.
	// If nil, a configuration with MinTLSVersion is used.
	TLSConfig *tls.Config

	// MinTLSVersion specifies the minimum TLS version to accept.
	// Default: TLS 1.2.
	MinTLSVersion uint16

	// MaxIdleConnsPerHost controls the maximum idle connections per host.
	// Default: 10.
	MaxIdleConnsPerHost int

	// DialTimeout is the maximum time to wait for a connection to be established.
	// Default: 10 seconds.
	DialTimeout time.Duration
}

// DefaultHTTPClientConfig returns the default client configuration.
func DefaultHTTPClientConfig() *HTTPClientConfig {
	return &HTTPClientConfig{
		Timeout:             30 * time.Second,
		MinTLSVersion:       tls.VersionTLS12,
		MaxIdleConnsPerHost: 10,
		DialTimeout:         10 * time.Second,
	}
}

// NewHTTPClient creates an HTTP client with the specified configuration.
func NewHTTPClient(config *HTTPClientConfig) (*http.Client, error) {
	if config == nil {
		config = DefaultHTTPClientConfig()
	}

	tlsConfig := config.TLSConfig
	if tlsConfig == nil {
		tlsConfig = &tls.Config{MinVersion: config.MinTLSVersion}
	} else if tlsConfig.MinVersion == 0 && config.MinTLSVersion != 0 {
		tlsConfig = tlsConfig.Clone()
		tlsConfig.MinVersion = config.MinTLSVersion
	}

	dialer := &net.Dialer{
		Timeout:   config.DialTimeout,
		KeepAlive: 30 * time.Second,
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSClientConfig:       tlsConfig,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   config.MaxIdleConnsPerHost,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	if config.ProxyURL != "" {
		proxyURL, err := url.Parse(config.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy URL: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	return &http.Client{
		Transport: transport,
		Timeout:   config.Timeout,
	}, nil
}
