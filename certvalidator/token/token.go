// Package token provides the immutable token model used by the trust-validation engine:
// certificates, revocation data, timestamps and evidence records.
package token

import (
	"crypto"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"math/big"
	"strings"
	"sync"
)

// Common errors
var (
	ErrMalformedCertificate = errors.New("malformed certificate")
	ErrMalformedCRL         = errors.New("malformed CRL")
	ErrMalformedOCSP        = errors.New("malformed OCSP response")
	ErrMalformedTimestamp   = errors.New("malformed timestamp token")
	ErrMalformedEvidence    = errors.New("malformed evidence record")
)

// Kind identifies the variant of a token.
type Kind int

const (
	KindCertificate Kind = iota
	KindRevocation
	KindTimestamp
	KindEvidenceRecord
)

// String returns the string representation of a token kind.
func (k Kind) String() string {
	switch k {
	case KindCertificate:
		return "certificate"
	case KindRevocation:
		return "revocation"
	case KindTimestamp:
		return "timestamp"
	case KindEvidenceRecord:
		return "evidence-record"
	default:
		return "unknown"
	}
}

// ID is a stable, content-derived token identity.
// Two tokens with the same encoding always share the same ID.
type ID string

// NewID derives an ID from a kind prefix and the SHA-256 digest of parts.
func NewID(prefix string, parts ...[]byte) ID {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	return ID(prefix + "-" + strings.ToUpper(hex.EncodeToString(h.Sum(nil))))
}

// String returns the ID as a string.
func (id ID) String() string {
	return string(id)
}

// Short returns an abbreviated form of the ID for logs and tables.
func (id ID) Short() string {
	s := string(id)
	if len(s) > 14 {
		return s[:14]
	}
	return s
}

// IssuerHints carries whatever the token itself says about who issued it.
// Fields that do not apply to a variant are left empty.
type IssuerHints struct {
	// AuthorityKeyID is the authority key identifier of certificates and CRLs.
	AuthorityKeyID []byte

	// RawIssuer is the DER encoded issuer name of certificates and CRLs,
	// or the issuer name from a timestamp's signer identifier.
	RawIssuer []byte

	// ResponderKeyHash is the SHA-1 hash of an OCSP responder's public key.
	ResponderKeyHash []byte

	// RawResponderName is the DER encoded responder name of an OCSP response.
	RawResponderName []byte

	// SignerSerial is the serial number from a timestamp's signer identifier.
	SignerSerial *big.Int

	// SignerKeyID is the subject key identifier from a timestamp's signer identifier.
	SignerKeyID []byte

	// SigningCertificateDigest is the digest over the signing certificate
	// taken from a timestamp's signed attributes.
	SigningCertificateDigest []byte

	// SigningCertificateDigestAlgorithm is the hash used for SigningCertificateDigest.
	SigningCertificateDigestAlgorithm crypto.Hash
}

// Token is the capability interface shared by every token variant.
type Token interface {
	// ID returns the content-derived identity.
	ID() ID

	// Kind returns the token variant.
	Kind() Kind

	// Encoded returns the raw encoded bytes.
	Encoded() []byte

	// IssuerHints returns the issuer-identifying hints carried by the token.
	IssuerHints() IssuerHints

	// IsSignedBy reports whether the issuer's public key verifies the token's signature.
	// The result is computed lazily and cached per issuer.
	IsSignedBy(issuer *CertificateToken) bool

	// IsSelfSigned reports whether the token is signed by its own key.
	IsSelfSigned() bool

	// EmbeddedCertificates returns the certificates carried inside the token.
	EmbeddedCertificates() []*CertificateToken

	// SignatureAlgorithm returns the algorithm the token is signed with.
	SignatureAlgorithm() x509.SignatureAlgorithm

	// String returns a short description of the token.
	String() string
}

// signatureCache memoizes signature verification results per issuer.
type signatureCache struct {
	mu       sync.Mutex
	results  map[ID]bool
	verified ID
}

func (c *signatureCache) check(issuer *CertificateToken, verify func(*x509.Certificate) error) bool {
	if issuer == nil {
		return false
	}
	c.mu.Lock()
	if ok, found := c.results[issuer.ID()]; found {
		c.mu.Unlock()
		return ok
	}
	c.mu.Unlock()

	ok := verify(issuer.Certificate()) == nil

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.results == nil {
		c.results = make(map[ID]bool)
	}
	c.results[issuer.ID()] = ok
	if ok && c.verified == "" {
		c.verified = issuer.ID()
	}
	return ok
}

// verifiedBy returns the ID of the first issuer that verified the signature.
func (c *signatureCache) verifiedBy() ID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.verified
}
