package token

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"fmt"
	"math/big"
	"time"
)

// TimestampType is the role a timestamp plays in a signed object.
type TimestampType int

const (
	SignatureTimestamp TimestampType = iota
	ContentTimestamp
	ArchiveTimestamp
	ValidationDataTimestamp
	EvidenceRecordTimestamp
)

// String returns the string representation of a timestamp type.
func (t TimestampType) String() string {
	switch t {
	case SignatureTimestamp:
		return "signature"
	case ContentTimestamp:
		return "content"
	case ArchiveTimestamp:
		return "archive"
	case ValidationDataTimestamp:
		return "validation-data"
	case EvidenceRecordTimestamp:
		return "evidence-record"
	default:
		return "unknown"
	}
}

// TimestampParams is what a format specific parser extracts from a
// time-stamp token. The signature math is supplied through CheckSignature.
type TimestampParams struct {
	// Raw is the encoded time-stamp token. Required.
	Raw []byte

	// GenerationTime is the genTime of the TSTInfo. Required.
	GenerationTime time.Time

	// Type is the role of the timestamp.
	Type TimestampType

	// MessageImprintIntact reports whether the message imprint matched the covered data.
	MessageImprintIntact bool

	// Certificates are the certificates embedded in the token.
	Certificates []*CertificateToken

	// CRLs and OCSPResponses are revocation data embedded in the token.
	CRLs          []*CRL
	OCSPResponses []*OCSPResponse

	// SignerIssuer and SignerSerial identify the signer by issuer and serial number.
	SignerIssuer []byte
	SignerSerial *big.Int

	// SignerKeyID identifies the signer by subject key identifier.
	SignerKeyID []byte

	// SigningCertificateDigest is the ESS signing-certificate(-v2) digest.
	SigningCertificateDigest          []byte
	SigningCertificateDigestAlgorithm crypto.Hash

	// References lists the IDs of the objects the timestamp covers.
	References []ID

	// SignatureAlgorithm is the algorithm of the token's signer info.
	SignatureAlgorithm x509.SignatureAlgorithm

	// CheckSignature verifies the token's signature with a candidate signer certificate.
	CheckSignature func(signer *x509.Certificate) error
}

// TimestampToken is a trusted time assertion over a set of references.
type TimestampToken struct {
	id     ID
	params TimestampParams
	sigs   signatureCache
}

// NewTimestampToken validates params and builds a timestamp token.
func NewTimestampToken(p TimestampParams) (*TimestampToken, error) {
	if len(p.Raw) == 0 {
		return nil, fmt.Errorf("%w: empty encoding", ErrMalformedTimestamp)
	}
	if p.GenerationTime.IsZero() {
		return nil, fmt.Errorf("%w: missing generation time", ErrMalformedTimestamp)
	}
	refs := make([]ID, len(p.References))
	copy(refs, p.References)
	p.References = refs
	return &TimestampToken{
		id:     NewID("T", p.Raw),
		params: p,
	}, nil
}

func (t *TimestampToken) ID() ID { return t.id }
func (t *TimestampToken) Kind() Kind { return KindTimestamp }
func (t *TimestampToken) Encoded() []byte { return t.params.Raw }
func (t *TimestampToken) IsSelfSigned() bool { return false }

// IssuerHints returns the signer identifier and signing-certificate digest.
func (t *TimestampToken) IssuerHints() IssuerHints {
	return IssuerHints{
		RawIssuer:                         t.params.SignerIssuer,
		SignerSerial:                      t.params.SignerSerial,
		SignerKeyID:                       t.params.SignerKeyID,
		SigningCertificateDigest:          t.params.SigningCertificateDigest,
		SigningCertificateDigestAlgorithm: t.params.SigningCertificateDigestAlgorithm,
	}
}

// IsSignedBy runs the parser supplied signature check against issuer.
func (t *TimestampToken) IsSignedBy(issuer *CertificateToken) bool {
	if t.params.CheckSignature == nil {
		return false
	}
	return t.sigs.check(issuer, t.params.CheckSignature)
}

// IsSignatureIntact reports whether a signer certificate has verified the token.
func (t *TimestampToken) IsSignatureIntact() bool {
	return t.sigs.verifiedBy() != ""
}

// IsMessageImprintIntact reports whether the message imprint matched.
func (t *TimestampToken) IsMessageImprintIntact() bool {
	return t.params.MessageImprintIntact
}

// EmbeddedCertificates returns the certificates embedded in the token.
func (t *TimestampToken) EmbeddedCertificates() []*CertificateToken {
	return t.params.Certificates
}

// CRLs returns the CRLs embedded in the token.
func (t *TimestampToken) CRLs() []*CRL { return t.params.CRLs }

// OCSPResponses returns the OCSP responses embedded in the token.
func (t *TimestampToken) OCSPResponses() []*OCSPResponse { return t.params.OCSPResponses }

// SignatureAlgorithm returns the signer info algorithm.
func (t *TimestampToken) SignatureAlgorithm() x509.SignatureAlgorithm {
	return t.params.SignatureAlgorithm
}

// GenerationTime returns the asserted time.
func (t *TimestampToken) GenerationTime() time.Time { return t.params.GenerationTime }

// Type returns the timestamp role.
func (t *TimestampToken) Type() TimestampType { return t.params.Type }

// References returns the IDs covered by the timestamp.
func (t *TimestampToken) References() []ID { return t.params.References }

// String returns a short description of the token.
func (t *TimestampToken) String() string {
	return fmt.Sprintf("%s timestamp at %s [%s]", t.params.Type,
		t.params.GenerationTime.UTC().Format(time.RFC3339), t.id.Short())
}

// MatchesSigningCertificate reports whether cert is the signer named by the token,
// preferring the signing-certificate digest over the signer identifier.
func (t *TimestampToken) MatchesSigningCertificate(cert *CertificateToken) bool {
	p := t.params
	if len(p.SigningCertificateDigest) > 0 && p.SigningCertificateDigestAlgorithm.Available() {
		h := p.SigningCertificateDigestAlgorithm.New()
		h.Write(cert.Encoded())
		return bytes.Equal(h.Sum(nil), p.SigningCertificateDigest)
	}
	if p.SignerSerial != nil && len(p.SignerIssuer) > 0 {
		return p.SignerSerial.Cmp(cert.SerialNumber()) == 0 &&
			CanonicalName(p.SignerIssuer) == CanonicalName(cert.RawIssuer())
	}
	if len(p.SignerKeyID) > 0 {
		return bytes.Equal(p.SignerKeyID, cert.SubjectKeyID())
	}
	return false
}

// SigningCertificateCandidates returns the embedded certificates matching the signer identifier.
// When nothing matches, all embedded certificates are returned.
func (t *TimestampToken) SigningCertificateCandidates() []*CertificateToken {
	var matched []*CertificateToken
	for _, c := range t.params.Certificates {
		if t.MatchesSigningCertificate(c) {
			matched = append(matched, c)
		}
	}
	if len(matched) == 0 {
		return t.params.Certificates
	}
	return matched
}
