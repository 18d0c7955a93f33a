package source

import (
	"context"
	"sync"

	"github.com/georgepadayatti/certtrust/certvalidator/token"
)

// OnlineRevocationSource retrieves fresh revocation data for a certificate.
// Implementations own timeouts and retries; an error and a nil token are
// treated alike by callers.
type OnlineRevocationSource interface {
	RevocationToken(ctx context.Context, cert, issuer *token.CertificateToken) (*token.RevocationToken, error)
}

// OnlineRevocationSourceFunc adapts a function to OnlineRevocationSource.
type OnlineRevocationSourceFunc func(ctx context.Context, cert, issuer *token.CertificateToken) (*token.RevocationToken, error)

// RevocationToken calls f.
func (f OnlineRevocationSourceFunc) RevocationToken(ctx context.Context, cert, issuer *token.CertificateToken) (*token.RevocationToken, error) {
	return f(ctx, cert, issuer)
}

// AIASource resolves issuer candidates from a certificate's AIA caIssuers locations.
type AIASource interface {
	IssuerCandidates(ctx context.Context, cert *token.CertificateToken) ([]*token.CertificateToken, error)
}

// AIASourceFunc adapts a function to AIASource.
type AIASourceFunc func(ctx context.Context, cert *token.CertificateToken) ([]*token.CertificateToken, error)

// IssuerCandidates calls f.
func (f AIASourceFunc) IssuerCandidates(ctx context.Context, cert *token.CertificateToken) ([]*token.CertificateToken, error) {
	return f(ctx, cert)
}

// OfflineRevocationSource holds CRLs and OCSP responses, typically those
// embedded in a signed document, and derives per-certificate tokens from them.
type OfflineRevocationSource struct {
	mu    sync.RWMutex
	crls  []*token.CRL
	ocsps []*token.OCSPResponse
	seen  map[token.ID]bool
}

// NewOfflineRevocationSource creates a source over the given data.
func NewOfflineRevocationSource(crls []*token.CRL, ocsps []*token.OCSPResponse) *OfflineRevocationSource {
	s := &OfflineRevocationSource{seen: make(map[token.ID]bool)}
	for _, c := range crls {
		s.AddCRL(c)
	}
	for _, o := range ocsps {
		s.AddOCSPResponse(o)
	}
	return s
}

// AddCRL adds a CRL. Returns true if it was newly added.
func (s *OfflineRevocationSource) AddCRL(crl *token.CRL) bool {
	if crl == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seen[crl.ID()] {
		return false
	}
	s.seen[crl.ID()] = true
	s.crls = append(s.crls, crl)
	return true
}

// AddOCSPResponse adds an OCSP response. Returns true if it was newly added.
func (s *OfflineRevocationSource) AddOCSPResponse(resp *token.OCSPResponse) bool {
	if resp == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seen[resp.ID()] {
		return false
	}
	s.seen[resp.ID()] = true
	s.ocsps = append(s.ocsps, resp)
	return true
}

// Merge adds everything held by other.
func (s *OfflineRevocationSource) Merge(other *OfflineRevocationSource) {
	if other == nil {
		return
	}
	for _, c := range other.CRLs() {
		s.AddCRL(c)
	}
	for _, o := range other.OCSPResponses() {
		s.AddOCSPResponse(o)
	}
}

// CRLs returns the held CRLs.
func (s *OfflineRevocationSource) CRLs() []*token.CRL {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*token.CRL(nil), s.crls...)
}

// OCSPResponses returns the held OCSP responses.
func (s *OfflineRevocationSource) OCSPResponses() []*token.OCSPResponse {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*token.OCSPResponse(nil), s.ocsps...)
}

// RevocationTokens returns every token speaking about cert whose underlying
// data verifies against issuer. A nil issuer skips the signature filter.
func (s *OfflineRevocationSource) RevocationTokens(cert, issuer *token.CertificateToken) []*token.RevocationToken {
	var result []*token.RevocationToken
	for _, o := range s.OCSPResponses() {
		if rt := o.TokenFor(cert); rt != nil && signedByIssuerOrResponder(rt, issuer) {
			result = append(result, rt)
		}
	}
	for _, c := range s.CRLs() {
		if rt := c.TokenFor(cert); rt != nil && (issuer == nil || rt.IsSignedBy(issuer)) {
			result = append(result, rt)
		}
	}
	return result
}

// signedByIssuerOrResponder keeps OCSP tokens signed by the CA itself or by a
// delegated responder the CA authorized.
func signedByIssuerOrResponder(rt *token.RevocationToken, issuer *token.CertificateToken) bool {
	return issuer == nil || rt.IsAuthorizedBy(issuer)
}
