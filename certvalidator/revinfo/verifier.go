// Package revinfo decides acceptability and freshness of revocation data and
// loads it from online sources.
package revinfo

import (
	"log/slog"
	"time"

	"github.com/georgepadayatti/certtrust/certvalidator/policy"
	"github.com/georgepadayatti/certtrust/certvalidator/trust"
	"github.com/georgepadayatti/certtrust/certvalidator/token"
)

// Verifier evaluates revocation tokens against a policy.
type Verifier struct {
	policy *policy.Policy
	trust  *trust.Verifier
	logger *slog.Logger
}

// NewVerifier creates a revocation data verifier. A nil policy uses
// policy.Default and a nil logger uses slog.Default.
func NewVerifier(p *policy.Policy, tv *trust.Verifier, logger *slog.Logger) *Verifier {
	if p == nil {
		p = policy.Default()
	}
	if tv == nil {
		tv = trust.NewVerifier(nil, p)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{policy: p, trust: tv, logger: logger}
}

// Policy returns the policy in use.
func (v *Verifier) Policy() *policy.Policy { return v.policy }

// IsAcceptable reports whether rt may be relied upon for its certificate.
// issuer is the certificate whose key signed rt and chain starts at issuer
// walking toward a trust anchor. OCSP data must be signed by the CA of cert
// or by a responder that CA issued for id-kp-OCSPSigning.
func (v *Verifier) IsAcceptable(rt *token.RevocationToken, cert, issuer *token.CertificateToken, chain []*token.CertificateToken, controlTime time.Time) bool {
	switch {
	case rt == nil:
		return false
	case issuer == nil || !rt.IsSignedBy(issuer):
		v.logger.Debug("revocation data signature not verified", "token", rt.ID())
		return false
	case rt.Type() == token.RevocationOCSP && !isAuthorizedResponder(cert, issuer, chain):
		v.logger.Debug("OCSP responder not authorized", "token", rt.ID(), "responder", issuer.ID())
		return false
	case !rt.IsComplete():
		v.logger.Debug("revocation data incomplete", "token", rt.ID())
		return false
	case !v.isIssuerValid(issuer, controlTime):
		v.logger.Debug("revocation issuer not valid at control time", "token", rt.ID(), "issuer", issuer.ID(), "time", controlTime)
		return false
	case !v.isChainValid(chain, controlTime):
		v.logger.Debug("revocation issuer chain not valid", "token", rt.ID(), "time", controlTime)
		return false
	case cert != nil && !v.IsConsistent(rt, cert):
		v.logger.Debug("revocation data not consistent with certificate", "token", rt.ID(), "certificate", cert.ID())
		return false
	case !v.IsAcceptableAlgorithm(rt, issuer):
		v.logger.Debug("revocation data algorithm not acceptable", "token", rt.ID(), "algorithm", rt.SignatureAlgorithm())
		return false
	}
	return true
}

// isAuthorizedResponder accepts an OCSP signer that issued cert, or a
// delegated responder issued by the same CA. chain[1] is the signer's issuer.
func isAuthorizedResponder(cert, signer *token.CertificateToken, chain []*token.CertificateToken) bool {
	if cert == nil {
		return false
	}
	if cert.IsSignedBy(signer) {
		return true
	}
	return len(chain) > 1 && cert.IsSignedBy(chain[1]) && token.IsAuthorizedResponder(signer, chain[1])
}

func (v *Verifier) isIssuerValid(issuer *token.CertificateToken, controlTime time.Time) bool {
	return v.trust.IsTrustedAtTime(issuer, controlTime, policy.ContextRevocation) || issuer.IsValidOn(controlTime)
}

// isChainValid walks chain until a certificate trusted in the revocation
// context is reached; every certificate before it must be valid at controlTime.
func (v *Verifier) isChainValid(chain []*token.CertificateToken, controlTime time.Time) bool {
	for _, c := range chain {
		if v.trust.IsTrustedAtTime(c, controlTime, policy.ContextRevocation) {
			return true
		}
		if !c.IsValidOn(controlTime) {
			return false
		}
	}
	return false
}

// IsConsistent reports whether rt can speak for cert: cert.notBefore must not
// be after thisUpdate, and either the data still reports on certificates
// expiring at cert.notAfter or a certHash proves the responder saw cert.
func (v *Verifier) IsConsistent(rt *token.RevocationToken, cert *token.CertificateToken) bool {
	if rt.RelatedCertificateID() != cert.ID() {
		return false
	}
	if cert.NotBefore().After(rt.ThisUpdate()) {
		return false
	}
	if rt.CertHashPresent() && rt.CertHashMatch() {
		return true
	}
	return !rt.KnownFrom().After(cert.NotAfter())
}

// IsAcceptableAlgorithm checks the digest allow-list and the issuer's key size.
func (v *Verifier) IsAcceptableAlgorithm(rt *token.RevocationToken, issuer *token.CertificateToken) bool {
	digest, _ := policy.DigestOf(rt.SignatureAlgorithm())
	if !v.policy.IsAcceptableDigest(digest) {
		return false
	}
	if issuer == nil {
		return false
	}
	minSize, ok := v.policy.MinimumKeySize(issuer.PublicKeyAlgorithm())
	if !ok {
		return false
	}
	return issuer.PublicKeySize() >= minSize
}

// IsRevocationDataFresh reports whether rt was issued late enough to be
// authoritative for referenceTime in ctx.
func (v *Verifier) IsRevocationDataFresh(rt *token.RevocationToken, referenceTime time.Time, ctx policy.Context) bool {
	if rt == nil {
		return false
	}
	window, ok := v.policy.MaxFreshnessFor(ctx)
	if !ok {
		if !v.policy.FreshnessFromNextUpdate || rt.NextUpdate().IsZero() {
			return true
		}
		window = rt.NextUpdate().Sub(rt.ThisUpdate())
	}
	return rt.ThisUpdate().After(referenceTime.Add(-window))
}

// IsRevocationDataSkip reports whether cert needs no revocation data at t.
func (v *Verifier) IsRevocationDataSkip(cert *token.CertificateToken, t time.Time) bool {
	if cert.IsSelfSigned() || v.trust.IsTrustAnchorAt(cert, t) {
		return true
	}
	for _, oid := range v.policy.SkipExtensions {
		if cert.HasExtension(oid) {
			return true
		}
	}
	for _, oid := range cert.PolicyOIDs() {
		for _, skip := range v.policy.SkipPolicies {
			if oid.EqualASN1OID(skip) {
				return true
			}
		}
	}
	return false
}

// CheckCertificateNotRevoked reports whether rt shows its certificate as not
// revoked at controlTime. A revocation takes effect from its stated date on.
func (v *Verifier) CheckCertificateNotRevoked(rt *token.RevocationToken, controlTime time.Time) bool {
	switch rt.Status() {
	case token.StatusGood:
		return true
	case token.StatusRevoked:
		return controlTime.Before(rt.RevocationDate())
	default:
		return false
	}
}
