// Package trust decides whether a certificate acts as a trust anchor.
package trust

import (
	"time"

	"github.com/georgepadayatti/certtrust/certvalidator/policy"
	"github.com/georgepadayatti/certtrust/certvalidator/source"
	"github.com/georgepadayatti/certtrust/certvalidator/token"
)

// Verifier answers trust anchor questions against a trusted certificate source.
type Verifier struct {
	trusted *source.TrustedCertificateSource

	// AcceptTimestampUntrustedChains bypasses the anchor check in the timestamp context.
	AcceptTimestampUntrustedChains bool

	// AcceptRevocationUntrustedChains bypasses the anchor check in the revocation context.
	AcceptRevocationUntrustedChains bool

	// UseSunsetDate honours trust anchor sunset dates.
	UseSunsetDate bool
}

// NewVerifier creates a verifier configured from p. A nil policy uses policy.Default.
func NewVerifier(trusted *source.TrustedCertificateSource, p *policy.Policy) *Verifier {
	if p == nil {
		p = policy.Default()
	}
	if trusted == nil {
		trusted = source.NewTrustedCertificateSource()
	}
	return &Verifier{
		trusted:                         trusted,
		AcceptTimestampUntrustedChains:  p.AcceptTimestampUntrustedChains,
		AcceptRevocationUntrustedChains: p.AcceptRevocationUntrustedChains,
		UseSunsetDate:                   p.UseSunsetDate,
	}
}

// Source returns the trusted certificate source.
func (v *Verifier) Source() *source.TrustedCertificateSource { return v.trusted }

// IsTrusted reports plain membership in the trusted source.
func (v *Verifier) IsTrusted(cert *token.CertificateToken) bool {
	return cert != nil && v.trusted.IsTrusted(cert)
}

// IsTrustAnchorAt reports whether cert is a trust anchor at t. Sunset dates
// are only consulted when UseSunsetDate is set.
func (v *Verifier) IsTrustAnchorAt(cert *token.CertificateToken, t time.Time) bool {
	if cert == nil {
		return false
	}
	if v.UseSunsetDate {
		return v.trusted.IsTrustedAtTime(cert, t)
	}
	return v.trusted.IsTrusted(cert)
}

// IsTrustedAtTime reports whether cert is to be treated as trusted at t in ctx.
// The accept-untrusted flags of the timestamp and revocation contexts bypass the check.
func (v *Verifier) IsTrustedAtTime(cert *token.CertificateToken, t time.Time, ctx policy.Context) bool {
	switch {
	case ctx == policy.ContextTimestamp && v.AcceptTimestampUntrustedChains:
		return true
	case ctx == policy.ContextRevocation && v.AcceptRevocationUntrustedChains:
		return true
	}
	return v.IsTrustAnchorAt(cert, t)
}

// ChainReachesAnchor reports whether any certificate of chain is a trust anchor at t.
func (v *Verifier) ChainReachesAnchor(chain []*token.CertificateToken, t time.Time) bool {
	for _, c := range chain {
		if v.IsTrustAnchorAt(c, t) {
			return true
		}
	}
	return false
}
