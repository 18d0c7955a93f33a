// Package certvalidator decides whether the certificates, revocation data and
// timestamps gathered from a signed object form trustworthy, unrevoked and
// temporally valid chains, and extracts proof of existence from trusted
// timestamps.
//
// A ValidationContext ingests signatures and tokens, drains them to a fixed
// point in Validate, and then answers assertion queries that report failing
// tokens as a Status instead of an error.
package certvalidator

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/georgepadayatti/certtrust/certvalidator/ltv"
	"github.com/georgepadayatti/certtrust/certvalidator/policy"
	"github.com/georgepadayatti/certtrust/certvalidator/revinfo"
	"github.com/georgepadayatti/certtrust/certvalidator/source"
	"github.com/georgepadayatti/certtrust/certvalidator/token"
	"github.com/georgepadayatti/certtrust/certvalidator/trust"
)

// ErrMissingTrustedSource is returned when no trusted certificate source is configured.
var ErrMissingTrustedSource = errors.New("trusted certificate source is required")

// tokenState tracks a registered token through processing.
type tokenState int

const (
	statePending tokenState = iota
	stateProcessing
	stateDone
)

// ValidationContext orchestrates chain resolution, revocation discovery and
// POE propagation for one validation run.
type ValidationContext struct {
	mu sync.Mutex

	policy          *policy.Policy
	trusted         *source.TrustedCertificateSource
	adjunct         []source.CertificateSource
	crlSource       source.OnlineRevocationSource
	ocspSource      source.OnlineRevocationSource
	aiaSource       source.AIASource
	strategyFactory revinfo.StrategyFactory
	clock           clockwork.Clock
	logger          *slog.Logger

	checkUntrustedChains    bool
	checkUntrustedChainsSet bool

	trust       *trust.Verifier
	revocation  *revinfo.Verifier
	timestamps  *TimestampTokenVerifier
	poe         *ltv.POERegistry
	currentTime time.Time

	// Certificate sources consulted during issuer resolution.
	documentCerts   *source.ListCertificateSource
	embeddedCerts   *source.ListCertificateSource
	aiaCerts        *source.ListCertificateSource
	revocationCerts *source.ListCertificateSource
	processedCerts  *source.ListCertificateSource
	allSources      *source.CompositeCertificateSource

	documentRevocations *source.OfflineRevocationSource
	fetchedRevocations  *source.OfflineRevocationSource

	// Dispatch map and processing queues, in registration order.
	states             map[token.ID]tokenState
	pending            []token.Token
	pendingTimestamps  []*token.TimestampToken
	certificates       []*token.CertificateToken
	revocations        []*token.RevocationToken
	timestampTokens    []*token.TimestampToken
	evidenceRecords    []*token.EvidenceRecord
	signatures         []Signature
	signatureSeen      map[token.ID]bool
	counterSignatureOf map[token.ID]token.ID

	// Caches, including negative results.
	issuers           map[token.ID]*token.CertificateToken
	issuerResolved    map[token.ID]bool
	aiaTried          map[token.ID]bool
	revocationsByCert map[token.ID][]*token.RevocationToken
	revocationChecked map[token.ID]bool
	validTimestamps   map[token.ID]bool
	lastUsage         map[token.ID]time.Time
}

// Option is a functional option for ValidationContext.
type Option func(*ValidationContext) error

// WithPolicy sets the validation policy. The policy is copied.
func WithPolicy(p *policy.Policy) Option {
	return func(c *ValidationContext) error {
		if p != nil {
			c.policy = p.Clone()
		}
		return nil
	}
}

// WithTrustedSource sets the trust anchors. Required.
func WithTrustedSource(trusted *source.TrustedCertificateSource) Option {
	return func(c *ValidationContext) error {
		c.trusted = trusted
		return nil
	}
}

// WithAdjunctSource adds a source of untrusted intermediate certificates.
// It may be given more than once.
func WithAdjunctSource(s source.CertificateSource) Option {
	return func(c *ValidationContext) error {
		if s != nil {
			c.adjunct = append(c.adjunct, s)
		}
		return nil
	}
}

// WithCRLSource sets the online CRL source.
func WithCRLSource(s source.OnlineRevocationSource) Option {
	return func(c *ValidationContext) error {
		c.crlSource = s
		return nil
	}
}

// WithOCSPSource sets the online OCSP source.
func WithOCSPSource(s source.OnlineRevocationSource) Option {
	return func(c *ValidationContext) error {
		c.ocspSource = s
		return nil
	}
}

// WithAIASource sets the source used to download missing issuer certificates.
func WithAIASource(s source.AIASource) Option {
	return func(c *ValidationContext) error {
		c.aiaSource = s
		return nil
	}
}

// WithLoadingStrategyFactory overrides how online revocation sources are tried.
func WithLoadingStrategyFactory(f revinfo.StrategyFactory) Option {
	return func(c *ValidationContext) error {
		c.strategyFactory = f
		return nil
	}
}

// WithClock sets the clock that provides the current time of the run.
func WithClock(clock clockwork.Clock) Option {
	return func(c *ValidationContext) error {
		if clock != nil {
			c.clock = clock
		}
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *ValidationContext) error {
		if logger != nil {
			c.logger = logger
		}
		return nil
	}
}

// WithCheckRevocationForUntrustedChains fetches online revocation data even
// for certificates whose chain reaches no trust anchor.
func WithCheckRevocationForUntrustedChains(check bool) Option {
	return func(c *ValidationContext) error {
		c.checkUntrustedChains = check
		c.checkUntrustedChainsSet = true
		return nil
	}
}

// NewValidationContext creates a validation context. The current time of the
// run is taken from the clock once, here.
func NewValidationContext(opts ...Option) (*ValidationContext, error) {
	c := &ValidationContext{
		policy: policy.Default(),
		clock:  clockwork.NewRealClock(),
		logger: slog.Default(),

		documentCerts:   source.NewListCertificateSource(source.TypeDocument),
		embeddedCerts:   source.NewListCertificateSource(source.TypeEmbedded),
		aiaCerts:        source.NewListCertificateSource(source.TypeAIA),
		revocationCerts: source.NewListCertificateSource(source.TypeRevocation),
		processedCerts:  source.NewListCertificateSource(source.TypeEmbedded),

		documentRevocations: source.NewOfflineRevocationSource(nil, nil),
		fetchedRevocations:  source.NewOfflineRevocationSource(nil, nil),

		states:             make(map[token.ID]tokenState),
		signatureSeen:      make(map[token.ID]bool),
		counterSignatureOf: make(map[token.ID]token.ID),
		issuers:            make(map[token.ID]*token.CertificateToken),
		issuerResolved:     make(map[token.ID]bool),
		aiaTried:           make(map[token.ID]bool),
		revocationsByCert:  make(map[token.ID][]*token.RevocationToken),
		revocationChecked:  make(map[token.ID]bool),
		validTimestamps:    make(map[token.ID]bool),
		lastUsage:          make(map[token.ID]time.Time),
		poe:                ltv.NewPOERegistry(),
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	if c.trusted == nil {
		return nil, ErrMissingTrustedSource
	}
	if !c.checkUntrustedChainsSet {
		c.checkUntrustedChains = c.policy.CheckRevocationForUntrustedChains
	}
	if c.strategyFactory == nil {
		c.strategyFactory = &revinfo.OrderedStrategyFactory{
			Order:    c.policy.FetchOrder,
			Fallback: c.policy.Fallback,
			Logger:   c.logger,
		}
	}

	c.currentTime = c.clock.Now()
	c.trust = trust.NewVerifier(c.trusted, c.policy)
	c.revocation = revinfo.NewVerifier(c.policy, c.trust, c.logger)
	c.timestamps = NewTimestampTokenVerifier(c.trust, c.logger)

	sources := []source.CertificateSource{c.trusted}
	sources = append(sources, c.adjunct...)
	sources = append(sources, c.documentCerts, c.embeddedCerts, c.aiaCerts, c.revocationCerts)
	c.allSources = source.NewCompositeCertificateSource(sources...)

	return c, nil
}

// CurrentTime returns the time the run was started at.
func (c *ValidationContext) CurrentTime() time.Time { return c.currentTime }

// Policy returns the policy in use.
func (c *ValidationContext) Policy() *policy.Policy { return c.policy }

// TrustVerifier returns the trust anchor verifier.
func (c *ValidationContext) TrustVerifier() *trust.Verifier { return c.trust }

// RevocationVerifier returns the revocation data verifier.
func (c *ValidationContext) RevocationVerifier() *revinfo.Verifier { return c.revocation }

// POERegistry returns the proof of existence registry of the run.
func (c *ValidationContext) POERegistry() *ltv.POERegistry { return c.poe }

// LowestPOE returns the earliest proven existence time of id. Every
// registered token has at least the current time of the run.
func (c *ValidationContext) LowestPOE(id token.ID) time.Time {
	return c.poe.LowestPOETime(id, c.currentTime)
}

// ProcessedCertificates returns the registered certificates in registration order.
func (c *ValidationContext) ProcessedCertificates() []*token.CertificateToken {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*token.CertificateToken(nil), c.certificates...)
}

// ProcessedRevocations returns the registered revocation tokens in registration order.
func (c *ValidationContext) ProcessedRevocations() []*token.RevocationToken {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*token.RevocationToken(nil), c.revocations...)
}

// ProcessedTimestamps returns the registered timestamps in registration order.
func (c *ValidationContext) ProcessedTimestamps() []*token.TimestampToken {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*token.TimestampToken(nil), c.timestampTokens...)
}

// ProcessedEvidenceRecords returns the registered evidence records in registration order.
func (c *ValidationContext) ProcessedEvidenceRecords() []*token.EvidenceRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*token.EvidenceRecord(nil), c.evidenceRecords...)
}

// Signatures returns the registered signatures, counter-signatures included.
func (c *ValidationContext) Signatures() []Signature {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Signature(nil), c.signatures...)
}

// IsTimestampValid reports whether ts passed timestamp verification.
func (c *ValidationContext) IsTimestampValid(ts *token.TimestampToken) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.validTimestamps[ts.ID()]
}

// CertificateChain returns the resolved issuers of tok, starting with its
// direct issuer. Only cached results are consulted.
func (c *ValidationContext) CertificateChain(tok token.Token) []*token.CertificateToken {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cachedChainLocked(tok.ID())
}

func (c *ValidationContext) cachedChainLocked(id token.ID) []*token.CertificateToken {
	var chain []*token.CertificateToken
	visited := map[token.ID]bool{id: true}
	for {
		issuer := c.issuers[id]
		if issuer == nil || visited[issuer.ID()] {
			return chain
		}
		visited[issuer.ID()] = true
		chain = append(chain, issuer)
		id = issuer.ID()
	}
}
