package certvalidator

import (
	"time"

	"github.com/georgepadayatti/certtrust/certvalidator/policy"
	"github.com/georgepadayatti/certtrust/certvalidator/token"
)

// chainUse is a certificate chain examined at a reference time.
type chainUse struct {
	leaf *token.CertificateToken
	at   time.Time
	ctx  policy.Context
}

// BestSignatureTime returns the earliest proven existence time of sig.
func (c *ValidationContext) BestSignatureTime(sig Signature) time.Time {
	return c.LowestPOE(sig.ID())
}

func signingCertificates(sig Signature) []*token.CertificateToken {
	if signer := sig.SigningCertificate(); signer != nil {
		return []*token.CertificateToken{signer}
	}
	return sig.CertificateCandidates()
}

func (c *ValidationContext) signatureContext(sig Signature) policy.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.counterSignatureOf[sig.ID()]; ok {
		return policy.ContextCounterSignature
	}
	return policy.ContextSignature
}

// signatureUses lists the signing certificate chains of every registered
// signature at its best signature time.
func (c *ValidationContext) signatureUses() []chainUse {
	var uses []chainUse
	for _, sig := range c.Signatures() {
		at, ctx := c.BestSignatureTime(sig), c.signatureContext(sig)
		for _, cert := range signingCertificates(sig) {
			uses = append(uses, chainUse{leaf: cert, at: at, ctx: ctx})
		}
	}
	return uses
}

// timestampUses lists the signer chains of the accepted timestamps at their
// generation time.
func (c *ValidationContext) timestampUses() []chainUse {
	var uses []chainUse
	for _, ts := range c.ProcessedTimestamps() {
		if !c.IsTimestampValid(ts) {
			continue
		}
		c.mu.Lock()
		signer := c.issuers[ts.ID()]
		c.mu.Unlock()
		if signer != nil {
			uses = append(uses, chainUse{leaf: signer, at: ts.GenerationTime(), ctx: policy.ContextTimestamp})
		}
	}
	return uses
}

// walkChain returns cert followed by its resolved issuers, stopping at the
// first trust anchor at t or self-signed certificate.
func (c *ValidationContext) walkChain(cert *token.CertificateToken, t time.Time) []*token.CertificateToken {
	chain := []*token.CertificateToken{cert}
	visited := map[token.ID]bool{cert.ID(): true}
	current := cert
	for !current.IsSelfSigned() && !c.trust.IsTrustAnchorAt(current, t) {
		c.mu.Lock()
		issuer := c.issuers[current.ID()]
		c.mu.Unlock()
		if issuer == nil || visited[issuer.ID()] {
			break
		}
		visited[issuer.ID()] = true
		chain = append(chain, issuer)
		current = issuer
	}
	return chain
}

// revocationRequired walks each use and calls fn for every certificate that
// needs revocation data.
func (c *ValidationContext) revocationRequired(uses []chainUse, fn func(cert *token.CertificateToken, use chainUse)) {
	for _, use := range uses {
		for _, cert := range c.walkChain(use.leaf, use.at) {
			if !c.revocation.IsRevocationDataSkip(cert, use.at) {
				fn(cert, use)
			}
		}
	}
}

// AllRequiredRevocationDataPresent reports the certificates of signature and
// timestamp chains that lack acceptable and fresh revocation data.
func (c *ValidationContext) AllRequiredRevocationDataPresent() *Status {
	status := NewStatus("Revocation data is missing for one or more certificate(s)")
	uses := append(c.signatureUses(), c.timestampUses()...)
	c.revocationRequired(uses, func(cert *token.CertificateToken, _ chainUse) {
		refTime, ctx := c.usage(cert)
		if !c.CheckCertificateHasFreshRevocationData(cert, refTime, ctx) {
			status.Add(cert, "no acceptable and fresh revocation data")
		}
	})
	return status
}

// AllPOECoveredByRevocationData reports the certificates used by accepted
// timestamps whose revocation data was not issued at or after their latest use.
func (c *ValidationContext) AllPOECoveredByRevocationData() *Status {
	status := NewStatus("Revocation data is missing for one or more POE(s)")
	uses := append(c.signatureUses(), c.timestampUses()...)
	c.revocationRequired(uses, func(cert *token.CertificateToken, _ chainUse) {
		c.mu.Lock()
		lastUsage, used := c.lastUsage[cert.ID()]
		c.mu.Unlock()
		if !used {
			return
		}
		for _, rt := range c.acceptableRevocations(cert) {
			if !rt.ThisUpdate().Before(lastUsage) {
				return
			}
		}
		status.Add(cert, "no revocation data issued after "+lastUsage.UTC().Format(time.RFC3339))
	})
	return status
}

// AllSignatureCertificatesNotRevoked reports signature chain certificates
// whose revocation data shows them revoked, or of unknown status, at the
// earlier of the best signature time and their own lowest POE.
func (c *ValidationContext) AllSignatureCertificatesNotRevoked() *Status {
	status := NewStatus("Revoked certificate(s) detected")
	c.revocationRequired(c.signatureUses(), func(cert *token.CertificateToken, use chainUse) {
		controlTime := use.at
		if poe := c.LowestPOE(cert.ID()); poe.Before(controlTime) {
			controlTime = poe
		}
		known, notRevoked := c.notRevokedAt(cert, controlTime)
		if !known || notRevoked {
			return
		}
		reason := "revocation status unknown"
		for _, rt := range c.acceptableRevocations(cert) {
			if rt.Status() == token.StatusRevoked {
				reason = "revoked on " + rt.RevocationDate().UTC().Format(time.RFC3339)
				break
			}
		}
		status.Add(cert, reason)
	})
	return status
}

// AllSignatureCertificateHaveFreshRevocationData reports signature chain
// certificates without revocation data fresh for the best signature time.
func (c *ValidationContext) AllSignatureCertificateHaveFreshRevocationData() *Status {
	status := NewStatus("Fresh revocation data is missing for one or more certificate(s)")
	c.revocationRequired(c.signatureUses(), func(cert *token.CertificateToken, use chainUse) {
		if !c.CheckCertificateHasFreshRevocationData(cert, use.at, use.ctx) {
			status.Add(cert, "revocation data not fresh at "+use.at.UTC().Format(time.RFC3339))
		}
	})
	return status
}

// AllSignaturesNotExpired reports signing certificates expired at the best
// signature time.
func (c *ValidationContext) AllSignaturesNotExpired() *Status {
	status := NewStatus("Expired signature(s) found")
	for _, use := range c.signatureUses() {
		if !c.CheckCertificateNotExpired(use.leaf, use.at) {
			status.Add(use.leaf, "expired at best signature time "+use.at.UTC().Format(time.RFC3339))
		}
	}
	return status
}

// AllTimestampsValid reports the registered timestamps that are not acceptable.
func (c *ValidationContext) AllTimestampsValid() *Status {
	status := NewStatus("Broken timestamp(s) detected")
	for _, ts := range c.ProcessedTimestamps() {
		if !c.IsTimestampValid(ts) {
			status.Add(ts, "timestamp is not trusted or not intact")
		}
	}
	return status
}

// CheckCertificateNotRevoked reports whether cert is known not to be revoked
// at controlTime. A certificate needing no revocation data passes.
func (c *ValidationContext) CheckCertificateNotRevoked(cert *token.CertificateToken, controlTime time.Time) bool {
	if c.revocation.IsRevocationDataSkip(cert, controlTime) {
		return true
	}
	known, notRevoked := c.notRevokedAt(cert, controlTime)
	return known && notRevoked
}

// CheckCertificateHasFreshRevocationData reports whether cert has acceptable
// revocation data fresh for referenceTime in ctx. A certificate needing no
// revocation data passes.
func (c *ValidationContext) CheckCertificateHasFreshRevocationData(cert *token.CertificateToken, referenceTime time.Time, ctx policy.Context) bool {
	if c.revocation.IsRevocationDataSkip(cert, referenceTime) {
		return true
	}
	for _, rt := range c.acceptableRevocations(cert) {
		if c.revocation.IsRevocationDataFresh(rt, referenceTime, ctx) {
			return true
		}
	}
	return false
}

// CheckCertificateNotExpired reports whether cert has not expired at controlTime.
func (c *ValidationContext) CheckCertificateNotExpired(cert *token.CertificateToken, controlTime time.Time) bool {
	return !controlTime.After(cert.NotAfter())
}
