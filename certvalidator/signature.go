package certvalidator

import (
	"errors"

	"github.com/georgepadayatti/certtrust/certvalidator/token"
)

// ErrEmptySignature is returned by NewSignature for an empty signature value.
var ErrEmptySignature = errors.New("signature value is empty")

// Signature is what a format specific validator hands in for a signature.
// Only these accessors are consumed; the wire encoding never is.
type Signature interface {
	// ID returns a stable identity, also used as a timestamp reference.
	ID() token.ID

	// Certificates returns the certificates embedded in the signature.
	Certificates() []*token.CertificateToken

	// CRLs returns the CRLs embedded in the signature.
	CRLs() []*token.CRL

	// OCSPResponses returns the OCSP responses embedded in the signature.
	OCSPResponses() []*token.OCSPResponse

	// SigningCertificate returns the resolved signing certificate, or nil.
	SigningCertificate() *token.CertificateToken

	// CertificateCandidates returns the possible signing certificates when
	// SigningCertificate is nil.
	CertificateCandidates() []*token.CertificateToken

	// Timestamps returns the timestamps over the signature.
	Timestamps() []*token.TimestampToken

	// EvidenceRecords returns the evidence records over the signature.
	EvidenceRecords() []*token.EvidenceRecord

	// CounterSignatures returns the signatures over this signature.
	CounterSignatures() []Signature
}

// SignatureParams describes a signature for NewSignature.
type SignatureParams struct {
	// Raw is the encoded signature value. Required; the ID derives from it.
	Raw []byte

	Certificates       []*token.CertificateToken
	CRLs               []*token.CRL
	OCSPResponses      []*token.OCSPResponse
	SigningCertificate *token.CertificateToken
	Candidates         []*token.CertificateToken
	Timestamps         []*token.TimestampToken
	EvidenceRecords    []*token.EvidenceRecord
	CounterSignatures  []Signature
}

type basicSignature struct {
	id     token.ID
	params SignatureParams
}

// NewSignature builds a Signature from already parsed parts.
func NewSignature(p SignatureParams) (Signature, error) {
	if len(p.Raw) == 0 {
		return nil, ErrEmptySignature
	}
	return &basicSignature{id: token.NewID("S", p.Raw), params: p}, nil
}

func (s *basicSignature) ID() token.ID { return s.id }
func (s *basicSignature) Certificates() []*token.CertificateToken { return s.params.Certificates }
func (s *basicSignature) CRLs() []*token.CRL { return s.params.CRLs }
func (s *basicSignature) OCSPResponses() []*token.OCSPResponse { return s.params.OCSPResponses }
func (s *basicSignature) SigningCertificate() *token.CertificateToken { return s.params.SigningCertificate }
func (s *basicSignature) Timestamps() []*token.TimestampToken { return s.params.Timestamps }
func (s *basicSignature) EvidenceRecords() []*token.EvidenceRecord { return s.params.EvidenceRecords }
func (s *basicSignature) CounterSignatures() []Signature { return s.params.CounterSignatures }

// CertificateCandidates falls back to every embedded certificate when no
// explicit candidates were given.
func (s *basicSignature) CertificateCandidates() []*token.CertificateToken {
	if len(s.params.Candidates) > 0 {
		return s.params.Candidates
	}
	return s.params.Certificates
}
