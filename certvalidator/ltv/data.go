package ltv

import (
	"encoding/pem"
	"fmt"

	"github.com/valyala/bytebufferpool"

	"github.com/georgepadayatti/certtrust/certvalidator/token"
)

// ValidationData is the ordered set of certificates and revocation tokens a
// signature, timestamp or certificate needs for long-term validation.
type ValidationData struct {
	certs       []*token.CertificateToken
	revocations []*token.RevocationToken
	seen        map[token.ID]bool
}

// NewValidationData creates an empty validation data set.
func NewValidationData() *ValidationData {
	return &ValidationData{seen: make(map[token.ID]bool)}
}

// AddCertificate adds cert unless it is already present. Returns true if it was added.
func (d *ValidationData) AddCertificate(cert *token.CertificateToken) bool {
	if cert == nil || d.seen[cert.ID()] {
		return false
	}
	d.seen[cert.ID()] = true
	d.certs = append(d.certs, cert)
	return true
}

// AddRevocation adds rt unless it is already present. Returns true if it was added.
func (d *ValidationData) AddRevocation(rt *token.RevocationToken) bool {
	if rt == nil || d.seen[rt.ID()] {
		return false
	}
	d.seen[rt.ID()] = true
	d.revocations = append(d.revocations, rt)
	return true
}

// Merge adds everything held by other.
func (d *ValidationData) Merge(other *ValidationData) {
	if other == nil {
		return
	}
	for _, c := range other.certs {
		d.AddCertificate(c)
	}
	for _, rt := range other.revocations {
		d.AddRevocation(rt)
	}
}

// Certificates returns the certificates in insertion order.
func (d *ValidationData) Certificates() []*token.CertificateToken {
	return append([]*token.CertificateToken(nil), d.certs...)
}

// Revocations returns the revocation tokens in insertion order.
func (d *ValidationData) Revocations() []*token.RevocationToken {
	return append([]*token.RevocationToken(nil), d.revocations...)
}

// IsEmpty reports whether the set holds nothing.
func (d *ValidationData) IsEmpty() bool {
	return len(d.certs) == 0 && len(d.revocations) == 0
}

// CRLs returns the distinct CRLs backing the revocation tokens.
func (d *ValidationData) CRLs() []*token.CRL {
	var result []*token.CRL
	seen := make(map[token.ID]bool)
	for _, rt := range d.revocations {
		if crl := rt.CRL(); crl != nil && !seen[crl.ID()] {
			seen[crl.ID()] = true
			result = append(result, crl)
		}
	}
	return result
}

// OCSPResponses returns the distinct OCSP responses backing the revocation tokens.
func (d *ValidationData) OCSPResponses() []*token.OCSPResponse {
	var result []*token.OCSPResponse
	seen := make(map[token.ID]bool)
	for _, rt := range d.revocations {
		if resp := rt.OCSPResponse(); resp != nil && !seen[resp.ID()] {
			seen[resp.ID()] = true
			result = append(result, resp)
		}
	}
	return result
}

// PEM block types written by EncodePEM.
const (
	PEMTypeCertificate  = "CERTIFICATE"
	PEMTypeCRL          = "X509 CRL"
	PEMTypeOCSPResponse = "OCSP RESPONSE"
)

// EncodePEM writes the certificates, CRLs and OCSP responses as one PEM bundle.
// CRLs and OCSP responses shared by several tokens are written once.
func (d *ValidationData) EncodePEM() ([]byte, error) {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	write := func(typ string, der []byte) error {
		if err := pem.Encode(buf, &pem.Block{Type: typ, Bytes: der}); err != nil {
			return fmt.Errorf("failed to encode %s: %w", typ, err)
		}
		return nil
	}
	for _, c := range d.certs {
		if err := write(PEMTypeCertificate, c.Encoded()); err != nil {
			return nil, err
		}
	}
	for _, crl := range d.CRLs() {
		if err := write(PEMTypeCRL, crl.Raw()); err != nil {
			return nil, err
		}
	}
	for _, resp := range d.OCSPResponses() {
		if err := write(PEMTypeOCSPResponse, resp.Raw()); err != nil {
			return nil, err
		}
	}
	return append([]byte(nil), buf.B...), nil
}
