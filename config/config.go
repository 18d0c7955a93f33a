package config

import (
	"crypto"
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/georgepadayatti/certtrust/certvalidator/fetchers"
	"github.com/georgepadayatti/certtrust/certvalidator/policy"
)

// Common errors
var (
	ErrConfigurationError   = errors.New("configuration error")
	ErrMissingRequiredField = errors.New("missing required field")
	ErrUnexpectedField      = errors.New("unexpected field in configuration")
	ErrInvalidOID           = errors.New("invalid OID")
)

// OIDRegex matches OID strings like "1.2.3.4"
var OIDRegex = regexp.MustCompile(`^\d+(\.\d+)+$`)

// ConfigError represents a configuration error with context.
type ConfigError struct {
	Field   string
	Message string
	Err     error
}

func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("config error in '%s': %s", e.Field, e.Message)
	}
	return fmt.Sprintf("config error: %s", e.Message)
}

func (e *ConfigError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrConfigurationError
}

// NewConfigError creates a new ConfigError.
func NewConfigError(field, message string) *ConfigError {
	return &ConfigError{Field: field, Message: message}
}

// NamedOIDs maps the names accepted in place of dotted OIDs.
var NamedOIDs = map[string]asn1.ObjectIdentifier{
	"ocsp-nocheck":         policy.OIDOCSPNoCheck,
	"any-policy":           {2, 5, 29, 32, 0},
	"expired-certs-on-crl": {2, 5, 29, 60},
}

// ProcessOID parses a dotted OID string or one of the NamedOIDs.
func ProcessOID(oidString string) (asn1.ObjectIdentifier, error) {
	if oidString == "" {
		return nil, NewConfigError("oid", "OID string is empty")
	}
	if oid, ok := NamedOIDs[oidString]; ok {
		return append(asn1.ObjectIdentifier(nil), oid...), nil
	}
	if !OIDRegex.MatchString(oidString) {
		return nil, &ConfigError{Field: "oid", Message: fmt.Sprintf("'%s' is not a dotted OID or a known name", oidString), Err: ErrInvalidOID}
	}
	parts := strings.Split(oidString, ".")
	oid := make(asn1.ObjectIdentifier, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, &ConfigError{Field: "oid", Message: fmt.Sprintf("arc '%s' out of range", p), Err: ErrInvalidOID}
		}
		oid[i] = n
	}
	return oid, nil
}

// ProcessOIDs parses a list of OID strings.
func ProcessOIDs(oidStrings []string) ([]asn1.ObjectIdentifier, error) {
	result := make([]asn1.ObjectIdentifier, 0, len(oidStrings))
	for _, s := range oidStrings {
		oid, err := ProcessOID(s)
		if err != nil {
			return nil, err
		}
		result = append(result, oid)
	}
	return result, nil
}

// CheckConfigKeys checks if all provided keys are valid for a given configuration type.
func CheckConfigKeys(configName string, expectedKeys, suppliedKeys []string) error {
	expectedSet := make(map[string]bool)
	for _, k := range expectedKeys {
		expectedSet[normalizeKey(k)] = true
	}

	var unexpected []string
	for _, k := range suppliedKeys {
		if !expectedSet[normalizeKey(k)] {
			unexpected = append(unexpected, k)
		}
	}

	if len(unexpected) > 0 {
		keyWord := "key"
		if len(unexpected) > 1 {
			keyWord = "keys"
		}
		return fmt.Errorf("%w: unexpected %s in configuration for %s: %s",
			ErrUnexpectedField, keyWord, configName, strings.Join(unexpected, ", "))
	}
	return nil
}

// normalizeKey normalizes a configuration key (underscores to dashes).
func normalizeKey(key string) string {
	return strings.ReplaceAll(key, "_", "-")
}

var digestNames = map[string]crypto.Hash{
	"md5":      crypto.MD5,
	"sha1":     crypto.SHA1,
	"sha224":   crypto.SHA224,
	"sha256":   crypto.SHA256,
	"sha384":   crypto.SHA384,
	"sha512":   crypto.SHA512,
	"sha3-256": crypto.SHA3_256,
	"sha3-384": crypto.SHA3_384,
	"sha3-512": crypto.SHA3_512,
}

var keyAlgorithmNames = map[string]x509.PublicKeyAlgorithm{
	"rsa":     x509.RSA,
	"dsa":     x509.DSA,
	"ecdsa":   x509.ECDSA,
	"ed25519": x509.Ed25519,
}

// ValidationConfig contains validation configuration.
type ValidationConfig struct {
	// TrustAnchors contains paths to trust anchor certificate files.
	TrustAnchors []string `yaml:"trust-anchors" json:"trust_anchors,omitempty"`

	// OtherCerts contains paths to untrusted intermediate certificate files.
	OtherCerts []string `yaml:"other-certs" json:"other_certs,omitempty"`

	// MaxFreshness maps a validation context name (signature,
	// counter-signature, timestamp, revocation, evidence-record) to the
	// maximum age of revocation data, e.g. "24h".
	MaxFreshness map[string]time.Duration `yaml:"max-freshness" json:"max_freshness,omitempty"`

	// FreshnessFromNextUpdate uses nextUpdate - thisUpdate when no maximum is configured.
	FreshnessFromNextUpdate *bool `yaml:"freshness-from-next-update" json:"freshness_from_next_update,omitempty"`

	// AcceptableDigests lists digest names, e.g. sha256 or sha3-256.
	AcceptableDigests []string `yaml:"acceptable-digests" json:"acceptable_digests,omitempty"`

	// MinimumKeySizes maps rsa, dsa, ecdsa or ed25519 to a size in bits.
	MinimumKeySizes map[string]int `yaml:"minimum-key-sizes" json:"minimum_key_sizes,omitempty"`

	// SkipExtensions lists extension OIDs exempting a certificate from revocation checks.
	SkipExtensions []string `yaml:"skip-extensions" json:"skip_extensions,omitempty"`

	// SkipPolicies lists policy OIDs exempting a certificate from revocation checks.
	SkipPolicies []string `yaml:"skip-policies" json:"skip_policies,omitempty"`

	AcceptTimestampUntrustedChains    bool `yaml:"accept-timestamp-untrusted-chains" json:"accept_timestamp_untrusted_chains"`
	AcceptRevocationUntrustedChains   bool `yaml:"accept-revocation-untrusted-chains" json:"accept_revocation_untrusted_chains"`
	UseSunsetDate                     bool `yaml:"use-sunset-date" json:"use_sunset_date"`
	CheckRevocationForUntrustedChains bool `yaml:"check-revocation-for-untrusted-chains" json:"check_revocation_for_untrusted_chains"`

	// FetchOrder is ocsp-first or crl-first.
	FetchOrder string `yaml:"fetch-order" json:"fetch_order,omitempty"`

	// Fallback keeps unacceptable online data when nothing better was found.
	Fallback bool `yaml:"fallback" json:"fallback"`
}

// ToPolicy builds a validation policy on top of policy.Default.
func (c *ValidationConfig) ToPolicy() (*policy.Policy, error) {
	p := policy.Default()
	if c == nil {
		return p, nil
	}

	for name, d := range c.MaxFreshness {
		ctx, err := policy.ParseContext(name)
		if err != nil {
			return nil, &ConfigError{Field: "max-freshness", Message: err.Error(), Err: ErrConfigurationError}
		}
		if d <= 0 {
			return nil, NewConfigError("max-freshness", fmt.Sprintf("duration for %s must be positive", name))
		}
		p.MaxFreshness[ctx] = d
	}
	if c.FreshnessFromNextUpdate != nil {
		p.FreshnessFromNextUpdate = *c.FreshnessFromNextUpdate
	}

	if len(c.AcceptableDigests) > 0 {
		p.AcceptableDigests = p.AcceptableDigests[:0]
		for _, name := range c.AcceptableDigests {
			h, ok := digestNames[strings.ToLower(name)]
			if !ok {
				return nil, NewConfigError("acceptable-digests", fmt.Sprintf("'%s' is not a known digest", name))
			}
			p.AcceptableDigests = append(p.AcceptableDigests, h)
		}
	}
	for name, size := range c.MinimumKeySizes {
		alg, ok := keyAlgorithmNames[strings.ToLower(name)]
		if !ok {
			return nil, NewConfigError("minimum-key-sizes", fmt.Sprintf("'%s' is not a known key algorithm", name))
		}
		if size < 0 {
			return nil, NewConfigError("minimum-key-sizes", fmt.Sprintf("size for %s must not be negative", name))
		}
		p.MinimumKeySizes[alg] = size
	}

	if len(c.SkipExtensions) > 0 {
		oids, err := ProcessOIDs(c.SkipExtensions)
		if err != nil {
			return nil, err
		}
		p.SkipExtensions = oids
	}
	if len(c.SkipPolicies) > 0 {
		oids, err := ProcessOIDs(c.SkipPolicies)
		if err != nil {
			return nil, err
		}
		p.SkipPolicies = oids
	}

	p.AcceptTimestampUntrustedChains = c.AcceptTimestampUntrustedChains
	p.AcceptRevocationUntrustedChains = c.AcceptRevocationUntrustedChains
	p.UseSunsetDate = c.UseSunsetDate
	p.CheckRevocationForUntrustedChains = c.CheckRevocationForUntrustedChains
	p.Fallback = c.Fallback

	switch c.FetchOrder {
	case "", policy.OCSPFirst.String():
		p.FetchOrder = policy.OCSPFirst
	case policy.CRLFirst.String():
		p.FetchOrder = policy.CRLFirst
	default:
		return nil, NewConfigError("fetch-order", fmt.Sprintf("'%s' is not ocsp-first or crl-first", c.FetchOrder))
	}
	return p, nil
}

// FetchingConfig contains online revocation and AIA fetching configuration.
type FetchingConfig struct {
	// Online enables fetching. Defaults to true.
	Online *bool `yaml:"online" json:"online,omitempty"`

	// Timeout bounds a single request.
	Timeout time.Duration `yaml:"timeout" json:"timeout,omitempty"`

	// MaxResponseSize is the maximum body size in bytes.
	MaxResponseSize int64 `yaml:"max-response-size" json:"max_response_size,omitempty"`

	// UserAgent header sent with every request.
	UserAgent string `yaml:"user-agent" json:"user_agent,omitempty"`

	// CacheTTL is how long responses stay in the in-memory cache.
	CacheTTL time.Duration `yaml:"cache-ttl" json:"cache_ttl,omitempty"`

	// Retries is the number of attempts per URL.
	Retries int `yaml:"retries" json:"retries,omitempty"`

	// RequestsPerMinute limits outgoing requests. Zero means unlimited.
	RequestsPerMinute float64 `yaml:"requests-per-minute" json:"requests_per_minute,omitempty"`

	// ProxyURL routes requests through an HTTP proxy.
	ProxyURL string `yaml:"proxy-url" json:"proxy_url,omitempty"`
}

// SetDefaults sets default values for fetching configuration.
func (c *FetchingConfig) SetDefaults() {
	defaults := fetchers.DefaultLoaderConfig()
	if c.Online == nil {
		online := true
		c.Online = &online
	}
	if c.Timeout == 0 {
		c.Timeout = defaults.Timeout
	}
	if c.MaxResponseSize == 0 {
		c.MaxResponseSize = defaults.MaxResponseSize
	}
	if c.UserAgent == "" {
		c.UserAgent = defaults.UserAgent
	}
	if c.CacheTTL == 0 {
		c.CacheTTL = defaults.CacheTTL
	}
	if c.Retries == 0 {
		c.Retries = fetchers.DefaultRetryConfig().MaxAttempts
	}
}

// IsOnline reports whether online fetching is enabled.
func (c *FetchingConfig) IsOnline() bool {
	return c == nil || c.Online == nil || *c.Online
}

// LoaderConfig builds the data loader configuration.
func (c *FetchingConfig) LoaderConfig(logger *slog.Logger) (*fetchers.LoaderConfig, error) {
	if c.Timeout < 0 || c.CacheTTL < 0 || c.MaxResponseSize < 0 || c.Retries < 0 || c.RequestsPerMinute < 0 {
		return nil, NewConfigError("fetching", "values must not be negative")
	}
	lc := fetchers.DefaultLoaderConfig()
	lc.Timeout = c.Timeout
	lc.MaxResponseSize = c.MaxResponseSize
	lc.UserAgent = c.UserAgent
	lc.CacheTTL = c.CacheTTL
	lc.RequestsPerSecond = c.RequestsPerMinute / 60
	lc.Logger = logger
	lc.Retry = fetchers.DefaultRetryConfig()
	lc.Retry.MaxAttempts = c.Retries

	if c.ProxyURL != "" {
		hc := fetchers.DefaultHTTPClientConfig()
		hc.Timeout = c.Timeout
		hc.ProxyURL = c.ProxyURL
		client, err := fetchers.NewHTTPClient(hc)
		if err != nil {
			return nil, &ConfigError{Field: "proxy-url", Message: err.Error(), Err: ErrConfigurationError}
		}
		lc.HTTPClient = client
	}
	return lc, nil
}

// CacheConfig configures the persistent revocation data cache.
type CacheConfig struct {
	// Path of the bbolt database. Empty disables the cache.
	Path string `yaml:"path" json:"path,omitempty"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `yaml:"level" json:"level,omitempty"`

	// Format is the log format (text, json).
	Format string `yaml:"format" json:"format,omitempty"`

	// Output is the log output (stdout, stderr, or file path).
	Output string `yaml:"output" json:"output,omitempty"`
}

// SetDefaults sets default values for logging configuration.
func (c *LoggingConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "text"
	}
	if c.Output == "" {
		c.Output = "stderr"
	}
}

// SlogLevel parses Level.
func (c *LoggingConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		return 0, NewConfigError("level", fmt.Sprintf("'%s' is not a log level", c.Level))
	}
	return level, nil
}

// NewLogger builds a logger writing to w in the configured format.
func (c *LoggingConfig) NewLogger(w io.Writer) (*slog.Logger, error) {
	level, err := c.SlogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	switch c.Format {
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, NewConfigError("format", fmt.Sprintf("'%s' is not text or json", c.Format))
	}
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

// OpenOutput opens the configured output. Files are appended to.
func (c *LoggingConfig) OpenOutput() (io.WriteCloser, error) {
	switch c.Output {
	case "stdout":
		return nopCloser{os.Stdout}, nil
	case "", "stderr":
		return nopCloser{os.Stderr}, nil
	}
	f, err := os.OpenFile(c.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log output: %w", err)
	}
	return f, nil
}

// AppConfig contains the complete application configuration.
type AppConfig struct {
	// Validation contains validation policy and input configuration.
	Validation *ValidationConfig `yaml:"validation" json:"validation,omitempty"`

	// Fetching contains online fetching configuration.
	Fetching *FetchingConfig `yaml:"fetching" json:"fetching,omitempty"`

	// Cache contains the persistent revocation cache configuration.
	Cache *CacheConfig `yaml:"cache" json:"cache,omitempty"`

	// Logging contains logging configuration.
	Logging *LoggingConfig `yaml:"logging" json:"logging,omitempty"`
}

// SetDefaults fills in missing sections and values.
func (c *AppConfig) SetDefaults() {
	if c.Validation == nil {
		c.Validation = &ValidationConfig{}
	}
	if c.Fetching == nil {
		c.Fetching = &FetchingConfig{}
	}
	c.Fetching.SetDefaults()
	if c.Cache == nil {
		c.Cache = &CacheConfig{}
	}
	if c.Logging == nil {
		c.Logging = &LoggingConfig{}
	}
	c.Logging.SetDefaults()
}

// Validate checks the configuration without side effects.
func (c *AppConfig) Validate() error {
	if _, err := c.Validation.ToPolicy(); err != nil {
		return err
	}
	if _, err := c.Logging.SlogLevel(); err != nil {
		return err
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return NewConfigError("format", fmt.Sprintf("'%s' is not text or json", c.Logging.Format))
	}
	return nil
}

// DefaultAppConfig returns a configuration with every default applied.
func DefaultAppConfig() *AppConfig {
	c := &AppConfig{}
	c.SetDefaults()
	return c
}

// ParseAppConfig parses and validates configuration from YAML data.
func ParseAppConfig(data []byte) (*AppConfig, error) {
	var config AppConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	config.SetDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// LoadAppConfig loads the complete application configuration from a file.
func LoadAppConfig(filename string) (*AppConfig, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseAppConfig(data)
}

// LoadConfigFromMap loads configuration from a map.
func LoadConfigFromMap(data map[string]any) (*AppConfig, error) {
	yamlData, err := yaml.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config map: %w", err)
	}
	return ParseAppConfig(yamlData)
}
