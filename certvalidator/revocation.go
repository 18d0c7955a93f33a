package certvalidator

import (
	"context"
	"time"

	"github.com/georgepadayatti/certtrust/certvalidator/token"
)

// FindRevocationData returns the revocation tokens found for cert, whose
// resolved issuer chain is chain. Nothing is looked up for a certificate that
// is self-signed, a trust anchor at its lowest POE or carries a skip
// extension or policy. Document supplied data is used first; online sources
// are asked when it is missing or not fresh, provided the chain reaches a
// trust anchor or untrusted chains are checked too. Each certificate is
// examined at most once per run.
func (c *ValidationContext) FindRevocationData(ctx context.Context, cert *token.CertificateToken, chain []*token.CertificateToken) []*token.RevocationToken {
	c.mu.Lock()
	if c.revocationChecked[cert.ID()] {
		found := append([]*token.RevocationToken(nil), c.revocationsByCert[cert.ID()]...)
		c.mu.Unlock()
		return found
	}
	c.revocationChecked[cert.ID()] = true
	c.mu.Unlock()

	poeTime := c.LowestPOE(cert.ID())
	if c.revocation.IsRevocationDataSkip(cert, poeTime) {
		c.logger.Debug("revocation check skipped", "certificate", cert.ID())
		return nil
	}
	if len(chain) == 0 {
		c.logger.Debug("no issuer for revocation lookup", "certificate", cert.ID())
		return nil
	}
	issuer := chain[0]

	var found []*token.RevocationToken
	for _, src := range []interface {
		RevocationTokens(cert, issuer *token.CertificateToken) []*token.RevocationToken
	}{c.documentRevocations, c.fetchedRevocations} {
		found = append(found, src.RevocationTokens(cert, issuer)...)
	}
	for _, rt := range found {
		c.attach(cert, rt)
	}

	refTime, valCtx := c.usage(cert)
	if best := c.bestRevocation(ctx, cert, found); best != nil && c.revocation.IsRevocationDataFresh(best, refTime, valCtx) {
		return c.revocationsFor(cert)
	}

	if c.crlSource == nil && c.ocspSource == nil {
		return c.revocationsFor(cert)
	}
	if !c.checkUntrustedChains && !c.trust.ChainReachesAnchor(chain, poeTime) {
		c.logger.Debug("chain reaches no trust anchor, online revocation lookup skipped", "certificate", cert.ID())
		return c.revocationsFor(cert)
	}

	strategy := c.strategyFactory.NewStrategy(c.crlSource, c.ocspSource)
	rt := strategy.Load(ctx, cert, issuer, func(rt *token.RevocationToken) bool {
		return c.isAcceptable(ctx, rt, cert) && c.revocation.IsRevocationDataFresh(rt, refTime, valCtx)
	})
	if rt == nil {
		c.logger.Debug("no revocation data retrieved online", "certificate", cert.ID())
		return c.revocationsFor(cert)
	}
	c.attach(cert, rt)
	if crl := rt.CRL(); crl != nil && c.fetchedRevocations.AddCRL(crl) {
		c.associateSiblings(cert, issuer, crl)
	}
	if resp := rt.OCSPResponse(); resp != nil {
		c.fetchedRevocations.AddOCSPResponse(resp)
	}
	return c.revocationsFor(cert)
}

// attach records rt as revocation data of cert and registers it.
func (c *ValidationContext) attach(cert *token.CertificateToken, rt *token.RevocationToken) {
	c.mu.Lock()
	for _, existing := range c.revocationsByCert[cert.ID()] {
		if existing.ID() == rt.ID() {
			c.mu.Unlock()
			return
		}
	}
	c.revocationsByCert[cert.ID()] = append(c.revocationsByCert[cert.ID()], rt)
	c.mu.Unlock()
	c.AddRevocationTokenForVerification(rt)
}

// associateSiblings gives every other processed certificate of the same
// issuer a token from a newly fetched CRL.
func (c *ValidationContext) associateSiblings(cert, issuer *token.CertificateToken, crl *token.CRL) {
	c.mu.Lock()
	var siblings []*token.CertificateToken
	for _, other := range c.certificates {
		if other.ID() != cert.ID() && c.issuers[other.ID()] != nil && c.issuers[other.ID()].ID() == issuer.ID() {
			siblings = append(siblings, other)
		}
	}
	c.mu.Unlock()
	for _, sibling := range siblings {
		if rt := crl.TokenFor(sibling); rt != nil {
			c.attach(sibling, rt)
		}
	}
}

func (c *ValidationContext) revocationsFor(cert *token.CertificateToken) []*token.RevocationToken {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*token.RevocationToken(nil), c.revocationsByCert[cert.ID()]...)
}

// isAcceptable checks rt against its resolved signer and the signer's chain,
// at the time the data was produced.
func (c *ValidationContext) isAcceptable(ctx context.Context, rt *token.RevocationToken, cert *token.CertificateToken) bool {
	signer := c.GetIssuer(ctx, rt)
	if signer == nil {
		return false
	}
	chain := append([]*token.CertificateToken{signer}, c.resolveChain(ctx, signer)...)
	return c.revocation.IsAcceptable(rt, cert, signer, chain, rt.ProducedAt())
}

// bestRevocation returns the acceptable token of tokens with the latest
// thisUpdate, or nil.
func (c *ValidationContext) bestRevocation(ctx context.Context, cert *token.CertificateToken, tokens []*token.RevocationToken) *token.RevocationToken {
	var best *token.RevocationToken
	for _, rt := range tokens {
		if !c.isAcceptable(ctx, rt, cert) {
			continue
		}
		if best == nil || rt.ThisUpdate().After(best.ThisUpdate()) {
			best = rt
		}
	}
	return best
}

// acceptableRevocations returns the acceptable tokens found for cert.
func (c *ValidationContext) acceptableRevocations(cert *token.CertificateToken) []*token.RevocationToken {
	var result []*token.RevocationToken
	for _, rt := range c.revocationsFor(cert) {
		if c.isAcceptable(context.Background(), rt, cert) {
			result = append(result, rt)
		}
	}
	return result
}

// latestRevocation returns the acceptable token for cert with the latest thisUpdate.
func (c *ValidationContext) latestRevocation(cert *token.CertificateToken) *token.RevocationToken {
	return c.bestRevocation(context.Background(), cert, c.revocationsFor(cert))
}

// notRevokedAt evaluates the acceptable revocation data of cert at
// controlTime. known is false when there is no acceptable data.
func (c *ValidationContext) notRevokedAt(cert *token.CertificateToken, controlTime time.Time) (known, notRevoked bool) {
	acceptable := c.acceptableRevocations(cert)
	if len(acceptable) == 0 {
		return false, false
	}
	for _, rt := range acceptable {
		if rt.Status() == token.StatusRevoked && !controlTime.Before(rt.RevocationDate()) {
			return true, false
		}
	}
	for _, rt := range acceptable {
		if c.revocation.CheckCertificateNotRevoked(rt, controlTime) {
			return true, true
		}
	}
	return true, false
}
