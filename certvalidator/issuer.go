package certvalidator

import (
	"context"

	"github.com/georgepadayatti/certtrust/certvalidator/source"
	"github.com/georgepadayatti/certtrust/certvalidator/token"
)

// signerMatcher is implemented by tokens that name their signing certificate
// in signed attributes.
type signerMatcher interface {
	MatchesSigningCertificate(cert *token.CertificateToken) bool
}

// responderMatcher is implemented by OCSP responses naming their responder.
type responderMatcher interface {
	MatchesResponder(cert *token.CertificateToken) bool
}

// GetIssuer returns the certificate whose key verifies tok's signature, or
// nil. Candidates are taken, in order, from the token's own embedded
// certificates, the document, every configured source and the certificates
// processed so far; if none verifies and tok is a certificate, its AIA
// locations are tried. Results, including failures, are cached.
func (c *ValidationContext) GetIssuer(ctx context.Context, tok token.Token) *token.CertificateToken {
	id := tok.ID()
	c.mu.Lock()
	if c.issuerResolved[id] {
		issuer := c.issuers[id]
		c.mu.Unlock()
		return issuer
	}
	c.mu.Unlock()

	issuer := c.findIssuer(ctx, tok)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.issuerResolved[id] {
		return c.issuers[id]
	}
	c.issuerResolved[id] = true
	c.issuers[id] = issuer
	if issuer == nil {
		c.logger.Debug("no issuer found", "token", id)
	}
	return issuer
}

func (c *ValidationContext) findIssuer(ctx context.Context, tok token.Token) *token.CertificateToken {
	if cert, ok := tok.(*token.CertificateToken); ok && cert.IsSelfSigned() {
		return cert
	}

	embedded := source.NewListCertificateSource(source.TypeEmbedded, tok.EmbeddedCertificates()...)
	stages := [][]*token.CertificateToken{
		candidatesFrom(embedded, tok),
		tok.EmbeddedCertificates(),
		candidatesFrom(c.documentCerts, tok),
		candidatesFrom(c.allSources, tok),
		candidatesFrom(c.processedCerts, tok),
	}
	if ts, ok := tok.(*token.TimestampToken); ok {
		stages[1] = ts.SigningCertificateCandidates()
	}
	for _, candidates := range stages {
		if issuer := selectIssuer(tok, candidates); issuer != nil {
			return issuer
		}
	}

	cert, ok := tok.(*token.CertificateToken)
	if !ok || c.aiaSource == nil {
		return nil
	}
	c.mu.Lock()
	tried := c.aiaTried[cert.ID()]
	c.aiaTried[cert.ID()] = true
	c.mu.Unlock()
	if tried {
		return nil
	}
	fetched, err := c.aiaSource.IssuerCandidates(ctx, cert)
	if err != nil {
		c.logger.Debug("AIA issuer download failed", "certificate", cert.ID(), "error", err)
	}
	c.aiaCerts.AddAll(fetched)
	return selectIssuer(tok, fetched)
}

// candidatesFrom looks up the certificates of src that tok's issuer hints point at.
func candidatesFrom(src source.CertificateSource, tok token.Token) []*token.CertificateToken {
	if m, ok := tok.(signerMatcher); ok {
		var matched []*token.CertificateToken
		for _, cert := range src.Certificates() {
			if m.MatchesSigningCertificate(cert) {
				matched = append(matched, cert)
			}
		}
		return matched
	}

	hints := tok.IssuerHints()
	var result []*token.CertificateToken
	if len(hints.ResponderKeyHash) > 0 {
		result = append(result, src.ByPublicKeyHash(hints.ResponderKeyHash)...)
	}
	if len(hints.RawResponderName) > 0 {
		result = append(result, src.BySubject(hints.RawResponderName)...)
	}
	if len(hints.AuthorityKeyID) > 0 {
		result = append(result, src.BySubjectKeyID(hints.AuthorityKeyID)...)
	}
	if len(hints.RawIssuer) > 0 {
		result = append(result, src.BySubject(hints.RawIssuer)...)
	}
	return result
}

// selectIssuer returns the first candidate whose key verifies tok. An OCSP
// response additionally has to name the candidate as its responder.
func selectIssuer(tok token.Token, candidates []*token.CertificateToken) *token.CertificateToken {
	var responder responderMatcher
	if rt, ok := tok.(*token.RevocationToken); ok && rt.OCSPResponse() != nil {
		responder = rt.OCSPResponse()
	}
	seen := make(map[token.ID]bool, len(candidates))
	for _, candidate := range candidates {
		if candidate == nil || seen[candidate.ID()] || candidate.ID() == tok.ID() {
			continue
		}
		seen[candidate.ID()] = true
		if responder != nil && !responder.MatchesResponder(candidate) {
			continue
		}
		if tok.IsSignedBy(candidate) {
			return candidate
		}
	}
	return nil
}
