package config

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"encoding/asn1"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/georgepadayatti/certtrust/certvalidator/policy"
)

func TestNewConfigError(t *testing.T) {
	err := NewConfigError("field", "message")
	assert.Equal(t, "field", err.Field)
	assert.Equal(t, "message", err.Message)
	assert.Equal(t, "config error in 'field': message", err.Error())
	assert.ErrorIs(t, err, ErrConfigurationError)
}

func TestConfigErrorWithoutField(t *testing.T) {
	err := NewConfigError("", "general error")
	assert.Equal(t, "config error: general error", err.Error())
}

func TestOIDRegex(t *testing.T) {
	tests := []struct {
		input    string
		expected bool
	}{
		{"1.2.3.4", true},
		{"1.2.840.113549.1.1.1", true},
		{"2.5.4.3", true},
		{"1.2", true},
		{"1", false},
		{"abc", false},
		{"1.2.abc", false},
		{"", false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, OIDRegex.MatchString(tt.input), "OIDRegex.MatchString(%q)", tt.input)
	}
}

func TestProcessOID(t *testing.T) {
	tests := []struct {
		input    string
		expected asn1.ObjectIdentifier
		err      error
	}{
		{input: "1.2.3.4", expected: asn1.ObjectIdentifier{1, 2, 3, 4}},
		{input: "ocsp-nocheck", expected: policy.OIDOCSPNoCheck},
		{input: "any-policy", expected: asn1.ObjectIdentifier{2, 5, 29, 32, 0}},
		{input: "sha256", err: ErrInvalidOID},
		{input: "1.99999999999999999999", err: ErrInvalidOID},
		{input: "", err: ErrConfigurationError},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			oid, err := ProcessOID(tt.input)
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			assert.True(t, oid.Equal(tt.expected), "got %v, want %v", oid, tt.expected)
		})
	}
}

func TestProcessOIDsReturnsCopies(t *testing.T) {
	oids, err := ProcessOIDs([]string{"ocsp-nocheck", "1.2.3"})
	require.NoError(t, err)
	require.Len(t, oids, 2)

	oids[0][0] = 99
	assert.Equal(t, 1, policy.OIDOCSPNoCheck[0], "named OIDs must not be aliased")
}

func TestNormalizeKey(t *testing.T) {
	assert.Equal(t, "key-name", normalizeKey("key_name"))
	assert.Equal(t, "key-name", normalizeKey("key-name"))
	assert.Equal(t, "key-name-long", normalizeKey("key_name_long"))
	assert.Equal(t, "keyname", normalizeKey("keyname"))
}

func TestCheckConfigKeys(t *testing.T) {
	expected := []string{"trust-anchors", "other-certs", "fetch-order"}

	assert.NoError(t, CheckConfigKeys("validation", expected, []string{"trust-anchors", "fetch-order"}))
	assert.NoError(t, CheckConfigKeys("validation", expected, []string{"trust_anchors"}))

	err := CheckConfigKeys("validation", expected, []string{"trust-anchors", "unknown", "other"})
	assert.ErrorIs(t, err, ErrUnexpectedField)
	assert.Contains(t, err.Error(), "unexpected keys")
}

func TestToPolicyDefaults(t *testing.T) {
	var c *ValidationConfig
	p, err := c.ToPolicy()
	require.NoError(t, err)
	assert.Equal(t, policy.Default(), p)

	p, err = (&ValidationConfig{}).ToPolicy()
	require.NoError(t, err)
	assert.Equal(t, policy.Default(), p)
}

func TestToPolicy(t *testing.T) {
	noNextUpdate := false
	c := &ValidationConfig{
		MaxFreshness: map[string]time.Duration{
			"signature": 24 * time.Hour,
			"timestamp": time.Hour,
		},
		FreshnessFromNextUpdate:           &noNextUpdate,
		AcceptableDigests:                 []string{"SHA256", "sha3-512"},
		MinimumKeySizes:                   map[string]int{"rsa": 2048},
		SkipExtensions:                    []string{"ocsp-nocheck", "1.2.3.4"},
		SkipPolicies:                      []string{"0.4.0.194112.1.0"},
		AcceptTimestampUntrustedChains:    true,
		UseSunsetDate:                     true,
		CheckRevocationForUntrustedChains: true,
		FetchOrder:                        "crl-first",
		Fallback:                          true,
	}

	p, err := c.ToPolicy()
	require.NoError(t, err)

	d, ok := p.MaxFreshnessFor(policy.ContextSignature)
	assert.True(t, ok)
	assert.Equal(t, 24*time.Hour, d)
	d, ok = p.MaxFreshnessFor(policy.ContextTimestamp)
	assert.True(t, ok)
	assert.Equal(t, time.Hour, d)
	_, ok = p.MaxFreshnessFor(policy.ContextRevocation)
	assert.False(t, ok)

	assert.False(t, p.FreshnessFromNextUpdate)
	assert.Equal(t, []crypto.Hash{crypto.SHA256, crypto.SHA3_512}, p.AcceptableDigests)
	size, _ := p.MinimumKeySize(x509.RSA)
	assert.Equal(t, 2048, size)
	size, _ = p.MinimumKeySize(x509.ECDSA)
	assert.Equal(t, 160, size, "unconfigured algorithms keep their default")
	require.Len(t, p.SkipExtensions, 2)
	assert.True(t, p.SkipExtensions[0].Equal(policy.OIDOCSPNoCheck))
	require.Len(t, p.SkipPolicies, 1)
	assert.True(t, p.AcceptTimestampUntrustedChains)
	assert.False(t, p.AcceptRevocationUntrustedChains)
	assert.True(t, p.UseSunsetDate)
	assert.True(t, p.CheckRevocationForUntrustedChains)
	assert.Equal(t, policy.CRLFirst, p.FetchOrder)
	assert.True(t, p.Fallback)
}

func TestToPolicyErrors(t *testing.T) {
	tests := []struct {
		name   string
		config ValidationConfig
	}{
		{"unknown context", ValidationConfig{MaxFreshness: map[string]time.Duration{"document": time.Hour}}},
		{"non-positive freshness", ValidationConfig{MaxFreshness: map[string]time.Duration{"signature": 0}}},
		{"unknown digest", ValidationConfig{AcceptableDigests: []string{"whirlpool"}}},
		{"unknown key algorithm", ValidationConfig{MinimumKeySizes: map[string]int{"elgamal": 1024}}},
		{"negative key size", ValidationConfig{MinimumKeySizes: map[string]int{"rsa": -1}}},
		{"bad skip extension", ValidationConfig{SkipExtensions: []string{"not-an-oid"}}},
		{"bad skip policy", ValidationConfig{SkipPolicies: []string{""}}},
		{"bad fetch order", ValidationConfig{FetchOrder: "random"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.config.ToPolicy()
			var cfgErr *ConfigError
			assert.True(t, errors.As(err, &cfgErr), "expected *ConfigError, got %v", err)
		})
	}
}

func TestFetchingConfigDefaults(t *testing.T) {
	c := &FetchingConfig{}
	c.SetDefaults()

	assert.True(t, c.IsOnline())
	assert.Equal(t, 30*time.Second, c.Timeout)
	assert.Equal(t, int64(10*1024*1024), c.MaxResponseSize)
	assert.Equal(t, "certtrust/1.0", c.UserAgent)
	assert.Equal(t, time.Hour, c.CacheTTL)
	assert.Equal(t, 3, c.Retries)

	offline := false
	assert.False(t, (&FetchingConfig{Online: &offline}).IsOnline())
}

func TestFetchingConfigLoaderConfig(t *testing.T) {
	c := &FetchingConfig{
		Timeout:           5 * time.Second,
		MaxResponseSize:   1024,
		UserAgent:         "test-agent",
		CacheTTL:          time.Minute,
		Retries:           1,
		RequestsPerMinute: 120,
		ProxyURL:          "http://proxy.example.com:3128",
	}

	lc, err := c.LoaderConfig(slog.Default())
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, lc.Timeout)
	assert.Equal(t, int64(1024), lc.MaxResponseSize)
	assert.Equal(t, "test-agent", lc.UserAgent)
	assert.Equal(t, time.Minute, lc.CacheTTL)
	assert.Equal(t, 1, lc.Retry.MaxAttempts)
	assert.InDelta(t, 2.0, lc.RequestsPerSecond, 1e-9)
	assert.NotNil(t, lc.HTTPClient)

	_, err = (&FetchingConfig{Retries: -1}).LoaderConfig(nil)
	assert.ErrorIs(t, err, ErrConfigurationError)
}

func TestLoggingConfigSetDefaults(t *testing.T) {
	c := &LoggingConfig{}
	c.SetDefaults()
	assert.Equal(t, "info", c.Level)
	assert.Equal(t, "text", c.Format)
	assert.Equal(t, "stderr", c.Output)

	c = &LoggingConfig{Level: "debug", Format: "json", Output: "stdout"}
	c.SetDefaults()
	assert.Equal(t, "debug", c.Level)
	assert.Equal(t, "json", c.Format)
	assert.Equal(t, "stdout", c.Output)
}

func TestLoggingConfigNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := (&LoggingConfig{Level: "warn", Format: "json"}).NewLogger(&buf)
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("shown", "certificate", "C-01")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "shown", record["msg"])
	assert.Equal(t, "C-01", record["certificate"])

	buf.Reset()
	logger, err = (&LoggingConfig{Level: "debug", Format: "text"}).NewLogger(&buf)
	require.NoError(t, err)
	logger.Debug("text output")
	assert.Contains(t, buf.String(), "msg=\"text output\"")

	_, err = (&LoggingConfig{Level: "loud", Format: "text"}).NewLogger(&buf)
	assert.Error(t, err)
	_, err = (&LoggingConfig{Level: "info", Format: "xml"}).NewLogger(&buf)
	assert.Error(t, err)
}

func TestLoggingConfigOpenOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "certtrust.log")
	w, err := (&LoggingConfig{Output: path}).OpenOutput()
	require.NoError(t, err)
	_, err = w.Write([]byte("line\n"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "line\n", string(data))

	w, err = (&LoggingConfig{Output: "stderr"}).OpenOutput()
	require.NoError(t, err)
	assert.NoError(t, w.Close())
}

func TestParseAppConfig(t *testing.T) {
	data := []byte(`
validation:
  trust-anchors:
    - /etc/certtrust/roots.pem
  max-freshness:
    signature: 24h
    timestamp: 30m
  fetch-order: crl-first
  skip-extensions:
    - ocsp-nocheck
fetching:
  online: false
  timeout: 10s
  requests-per-minute: 30
cache:
  path: /var/cache/certtrust.db
logging:
  level: debug
  format: json
`)

	cfg, err := ParseAppConfig(data)
	require.NoError(t, err)

	assert.Equal(t, []string{"/etc/certtrust/roots.pem"}, cfg.Validation.TrustAnchors)
	assert.Equal(t, 30*time.Minute, cfg.Validation.MaxFreshness["timestamp"])
	assert.False(t, cfg.Fetching.IsOnline())
	assert.Equal(t, 10*time.Second, cfg.Fetching.Timeout)
	assert.Equal(t, 3, cfg.Fetching.Retries, "defaults fill unset values")
	assert.Equal(t, "/var/cache/certtrust.db", cfg.Cache.Path)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "stderr", cfg.Logging.Output)

	p, err := cfg.Validation.ToPolicy()
	require.NoError(t, err)
	assert.Equal(t, policy.CRLFirst, p.FetchOrder)
}

func TestParseAppConfigInvalid(t *testing.T) {
	_, err := ParseAppConfig([]byte("validation: [unclosed"))
	assert.Error(t, err)

	_, err = ParseAppConfig([]byte("validation:\n  fetch-order: sideways\n"))
	assert.ErrorIs(t, err, ErrConfigurationError)

	_, err = ParseAppConfig([]byte("logging:\n  format: xml\n"))
	assert.ErrorIs(t, err, ErrConfigurationError)
}

func TestLoadAppConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: warn\n"), 0o600))

	cfg, err := LoadAppConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.NotNil(t, cfg.Validation)
	assert.NotNil(t, cfg.Cache)

	_, err = LoadAppConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadConfigFromMap(t *testing.T) {
	cfg, err := LoadConfigFromMap(map[string]any{
		"validation": map[string]any{
			"fetch-order":     "ocsp-first",
			"use-sunset-date": true,
		},
	})
	require.NoError(t, err)
	assert.True(t, cfg.Validation.UseSunsetDate)
}

func TestDefaultAppConfig(t *testing.T) {
	cfg := DefaultAppConfig()
	require.NoError(t, cfg.Validate())
	assert.True(t, cfg.Fetching.IsOnline())
	assert.Empty(t, cfg.Cache.Path)
}
