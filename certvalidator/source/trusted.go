package source

import (
	"sync"
	"time"

	"github.com/georgepadayatti/certtrust/certvalidator/token"
)

// TrustedCertificateSource holds trust anchors, each with an optional sunset
// date after which it no longer acts as a trust anchor.
type TrustedCertificateSource struct {
	*ListCertificateSource

	mu     sync.RWMutex
	sunset map[token.ID]time.Time
}

// NewTrustedCertificateSource creates a trusted source holding anchors without sunset dates.
func NewTrustedCertificateSource(anchors ...*token.CertificateToken) *TrustedCertificateSource {
	return &TrustedCertificateSource{
		ListCertificateSource: NewListCertificateSource(TypeTrusted, anchors...),
		sunset:                make(map[token.ID]time.Time),
	}
}

// AddWithSunset adds an anchor that stops being trusted after sunset.
func (s *TrustedCertificateSource) AddWithSunset(anchor *token.CertificateToken, sunset time.Time) bool {
	added := s.Add(anchor)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sunset[anchor.ID()] = sunset
	return added
}

// SunsetDate returns the sunset date of an anchor, if one is configured.
func (s *TrustedCertificateSource) SunsetDate(cert *token.CertificateToken) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.sunset[cert.ID()]
	return t, ok
}

// IsTrusted reports plain membership.
func (s *TrustedCertificateSource) IsTrusted(cert *token.CertificateToken) bool {
	return s.Contains(cert)
}

// IsTrustedAtTime reports membership, honouring the anchor's sunset date:
// an anchor with sunset date S is trusted at t only when t is not after S.
func (s *TrustedCertificateSource) IsTrustedAtTime(cert *token.CertificateToken, t time.Time) bool {
	if !s.Contains(cert) {
		return false
	}
	sunset, ok := s.SunsetDate(cert)
	return !ok || !t.After(sunset)
}
