package token

import (
	"crypto/x509"
	"fmt"
)

// EvidenceRecordParams is what a format specific parser extracts from an evidence record.
type EvidenceRecordParams struct {
	Raw           []byte
	References    []ID
	Timestamps    []*TimestampToken
	Certificates  []*CertificateToken
	CRLs          []*CRL
	OCSPResponses []*OCSPResponse
}

// EvidenceRecord is an unsigned chain of archive timestamps over a set of references.
type EvidenceRecord struct {
	id     ID
	params EvidenceRecordParams
}

// NewEvidenceRecord builds an evidence record.
func NewEvidenceRecord(p EvidenceRecordParams) (*EvidenceRecord, error) {
	if len(p.Raw) == 0 {
		return nil, fmt.Errorf("%w: empty encoding", ErrMalformedEvidence)
	}
	return &EvidenceRecord{id: NewID("E", p.Raw), params: p}, nil
}

func (e *EvidenceRecord) ID() ID { return e.id }
func (e *EvidenceRecord) Kind() Kind { return KindEvidenceRecord }
func (e *EvidenceRecord) Encoded() []byte { return e.params.Raw }
func (e *EvidenceRecord) IssuerHints() IssuerHints { return IssuerHints{} }
func (e *EvidenceRecord) IsSelfSigned() bool { return false }

// IsSignedBy is always false: evidence records are protected by their timestamps.
func (e *EvidenceRecord) IsSignedBy(*CertificateToken) bool { return false }

// SignatureAlgorithm is always unknown.
func (e *EvidenceRecord) SignatureAlgorithm() x509.SignatureAlgorithm {
	return x509.UnknownSignatureAlgorithm
}

// EmbeddedCertificates returns the certificates carried in the record.
func (e *EvidenceRecord) EmbeddedCertificates() []*CertificateToken {
	return e.params.Certificates
}

// Timestamps returns the archive timestamps of the record.
func (e *EvidenceRecord) Timestamps() []*TimestampToken { return e.params.Timestamps }

// CRLs returns the CRLs carried in the record.
func (e *EvidenceRecord) CRLs() []*CRL { return e.params.CRLs }

// OCSPResponses returns the OCSP responses carried in the record.
func (e *EvidenceRecord) OCSPResponses() []*OCSPResponse { return e.params.OCSPResponses }

// References returns the IDs the record protects.
func (e *EvidenceRecord) References() []ID { return e.params.References }

// String returns a short description of the record.
func (e *EvidenceRecord) String() string {
	return fmt.Sprintf("evidence record with %d timestamps [%s]", len(e.params.Timestamps), e.id.Short())
}
