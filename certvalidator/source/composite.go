package source

import (
	"sync"

	"github.com/georgepadayatti/certtrust/certvalidator/token"
)

// CompositeCertificateSource layers several sources and deduplicates results by token ID.
// Sources may be added while lookups are running.
type CompositeCertificateSource struct {
	mu      sync.RWMutex
	sources []CertificateSource
}

// NewCompositeCertificateSource creates a composite over sources, skipping nil entries.
func NewCompositeCertificateSource(sources ...CertificateSource) *CompositeCertificateSource {
	c := &CompositeCertificateSource{}
	for _, s := range sources {
		c.Add(s)
	}
	return c
}

// Add appends a source.
func (c *CompositeCertificateSource) Add(s CertificateSource) {
	if s == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sources = append(c.sources, s)
}

// Sources returns the layered sources.
func (c *CompositeCertificateSource) Sources() []CertificateSource {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]CertificateSource(nil), c.sources...)
}

// Type returns TypeComposite.
func (c *CompositeCertificateSource) Type() Type { return TypeComposite }

// Certificates returns the union of all sources.
func (c *CompositeCertificateSource) Certificates() []*token.CertificateToken {
	return c.collect(func(s CertificateSource) []*token.CertificateToken { return s.Certificates() })
}

// BySubject returns the union of all sources' subject matches.
func (c *CompositeCertificateSource) BySubject(rawName []byte) []*token.CertificateToken {
	return c.collect(func(s CertificateSource) []*token.CertificateToken { return s.BySubject(rawName) })
}

// BySubjectKeyID returns the union of all sources' key identifier matches.
func (c *CompositeCertificateSource) BySubjectKeyID(ski []byte) []*token.CertificateToken {
	return c.collect(func(s CertificateSource) []*token.CertificateToken { return s.BySubjectKeyID(ski) })
}

// ByEntityKey returns the union of all sources' entity key matches.
func (c *CompositeCertificateSource) ByEntityKey(entityKey string) []*token.CertificateToken {
	return c.collect(func(s CertificateSource) []*token.CertificateToken { return s.ByEntityKey(entityKey) })
}

// ByPublicKeyHash returns the union of all sources' public key hash matches.
func (c *CompositeCertificateSource) ByPublicKeyHash(hash []byte) []*token.CertificateToken {
	return c.collect(func(s CertificateSource) []*token.CertificateToken { return s.ByPublicKeyHash(hash) })
}

// Contains reports whether any source holds cert.
func (c *CompositeCertificateSource) Contains(cert *token.CertificateToken) bool {
	for _, s := range c.Sources() {
		if s.Contains(cert) {
			return true
		}
	}
	return false
}

func (c *CompositeCertificateSource) collect(fn func(CertificateSource) []*token.CertificateToken) []*token.CertificateToken {
	seen := make(map[token.ID]bool)
	var result []*token.CertificateToken
	for _, s := range c.Sources() {
		for _, cert := range fn(s) {
			if !seen[cert.ID()] {
				seen[cert.ID()] = true
				result = append(result, cert)
			}
		}
	}
	return result
}
