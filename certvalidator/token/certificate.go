package token

import (
	"bytes"
	"crypto/dsa" //nolint:staticcheck // DSA keys still appear in archived chains
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"math/big"
	"time"
)

// OIDOCSPNoCheck is the id-pkix-ocsp-nocheck extension.
var OIDOCSPNoCheck = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 48, 1, 5}

// CertificateToken wraps a parsed X.509 certificate.
type CertificateToken struct {
	cert       *x509.Certificate
	id         ID
	entityKey  string
	keyHash    []byte
	selfSigned bool
	sigs       signatureCache
}

// NewCertificateToken wraps an already parsed certificate.
func NewCertificateToken(cert *x509.Certificate) *CertificateToken {
	ct := &CertificateToken{
		cert: cert,
		id:   NewID("C", cert.Raw),
	}
	sum := sha256.Sum256(cert.RawSubjectPublicKeyInfo)
	ct.entityKey = hex.EncodeToString(sum[:])
	ct.keyHash = publicKeyHash(cert.RawSubjectPublicKeyInfo)
	ct.selfSigned = bytes.Equal(cert.RawSubject, cert.RawIssuer) &&
		cert.CheckSignature(cert.SignatureAlgorithm, cert.RawTBSCertificate, cert.Signature) == nil
	return ct
}

// ParseCertificate parses a single DER encoded certificate.
func ParseCertificate(der []byte) (*CertificateToken, error) {
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCertificate, err)
	}
	return NewCertificateToken(cert), nil
}

// ParseCertificates parses either a PEM bundle or a single DER certificate.
func ParseCertificates(data []byte) ([]*CertificateToken, error) {
	var out []*CertificateToken
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		ct, err := ParseCertificate(block.Bytes)
		if err != nil {
			return nil, err
		}
		out = append(out, ct)
	}
	if len(out) > 0 {
		return out, nil
	}
	ct, err := ParseCertificate(data)
	if err != nil {
		return nil, err
	}
	return []*CertificateToken{ct}, nil
}

// publicKeyHash returns the SHA-1 hash of the subjectPublicKey BIT STRING,
// as used by OCSP byKey responder identifiers.
func publicKeyHash(spki []byte) []byte {
	var info struct {
		Algorithm pkix.AlgorithmIdentifier
		PublicKey asn1.BitString
	}
	if _, err := asn1.Unmarshal(spki, &info); err != nil {
		return nil
	}
	sum := sha1.Sum(info.PublicKey.RightAlign())
	return sum[:]
}

func (c *CertificateToken) ID() ID { return c.id }
func (c *CertificateToken) Kind() Kind { return KindCertificate }
func (c *CertificateToken) Encoded() []byte { return c.cert.Raw }
func (c *CertificateToken) IsSelfSigned() bool { return c.selfSigned }
func (c *CertificateToken) Certificate() *x509.Certificate { return c.cert }

// IssuerHints returns the authority key identifier and issuer name.
func (c *CertificateToken) IssuerHints() IssuerHints {
	return IssuerHints{
		AuthorityKeyID: c.cert.AuthorityKeyId,
		RawIssuer:      c.cert.RawIssuer,
	}
}

// IsSignedBy reports whether issuer's key verifies this certificate.
func (c *CertificateToken) IsSignedBy(issuer *CertificateToken) bool {
	return c.sigs.check(issuer, func(parent *x509.Certificate) error {
		return parent.CheckSignature(c.cert.SignatureAlgorithm, c.cert.RawTBSCertificate, c.cert.Signature)
	})
}

// EmbeddedCertificates returns nil: a certificate carries no other certificates.
func (c *CertificateToken) EmbeddedCertificates() []*CertificateToken { return nil }

// SignatureAlgorithm returns the certificate's signature algorithm.
func (c *CertificateToken) SignatureAlgorithm() x509.SignatureAlgorithm {
	return c.cert.SignatureAlgorithm
}

// String returns the subject and a short ID.
func (c *CertificateToken) String() string {
	return fmt.Sprintf("%s [%s]", c.cert.Subject.String(), c.id.Short())
}

// Subject returns the subject name.
func (c *CertificateToken) Subject() pkix.Name { return c.cert.Subject }

// Issuer returns the issuer name.
func (c *CertificateToken) Issuer() pkix.Name { return c.cert.Issuer }

// RawSubject returns the DER encoded subject name.
func (c *CertificateToken) RawSubject() []byte { return c.cert.RawSubject }

// RawIssuer returns the DER encoded issuer name.
func (c *CertificateToken) RawIssuer() []byte { return c.cert.RawIssuer }

// SerialNumber returns the certificate serial number.
func (c *CertificateToken) SerialNumber() *big.Int { return c.cert.SerialNumber }

// NotBefore returns the start of the validity interval.
func (c *CertificateToken) NotBefore() time.Time { return c.cert.NotBefore }

// NotAfter returns the end of the validity interval.
func (c *CertificateToken) NotAfter() time.Time { return c.cert.NotAfter }

// IsValidOn reports whether t lies within [NotBefore, NotAfter].
func (c *CertificateToken) IsValidOn(t time.Time) bool {
	return !t.Before(c.cert.NotBefore) && !t.After(c.cert.NotAfter)
}

// IsCA reports whether the certificate asserts the CA basic constraint.
func (c *CertificateToken) IsCA() bool {
	return c.cert.BasicConstraintsValid && c.cert.IsCA
}

// EntityKey identifies the certificate's key pair: hex SHA-256 of the SubjectPublicKeyInfo.
// Re-issued certificates for the same key share an entity key.
func (c *CertificateToken) EntityKey() string { return c.entityKey }

// PublicKeyHash returns the SHA-1 hash of the public key bits.
func (c *CertificateToken) PublicKeyHash() []byte { return c.keyHash }

// PublicKeyAlgorithm returns the public key algorithm.
func (c *CertificateToken) PublicKeyAlgorithm() x509.PublicKeyAlgorithm {
	return c.cert.PublicKeyAlgorithm
}

// PublicKeySize returns the public key size in bits, or 0 if unknown.
func (c *CertificateToken) PublicKeySize() int {
	switch key := c.cert.PublicKey.(type) {
	case *rsa.PublicKey:
		return key.N.BitLen()
	case *dsa.PublicKey:
		return key.P.BitLen()
	case *ecdsa.PublicKey:
		if key.Curve != nil {
			return key.Curve.Params().BitSize
		}
		return 0
	case ed25519.PublicKey:
		return len(key) * 8
	default:
		return 0
	}
}

// SubjectKeyID returns the subject key identifier.
func (c *CertificateToken) SubjectKeyID() []byte { return c.cert.SubjectKeyId }

// AuthorityKeyID returns the authority key identifier.
func (c *CertificateToken) AuthorityKeyID() []byte { return c.cert.AuthorityKeyId }

// IssuerURLs returns the AIA caIssuers locations.
func (c *CertificateToken) IssuerURLs() []string { return c.cert.IssuingCertificateURL }

// CRLDistributionPoints returns the CRL distribution point URLs.
func (c *CertificateToken) CRLDistributionPoints() []string { return c.cert.CRLDistributionPoints }

// OCSPServers returns the AIA OCSP locations.
func (c *CertificateToken) OCSPServers() []string { return c.cert.OCSPServer }

// HasExtension reports whether the certificate carries the extension oid.
func (c *CertificateToken) HasExtension(oid asn1.ObjectIdentifier) bool {
	for _, ext := range c.cert.Extensions {
		if ext.Id.Equal(oid) {
			return true
		}
	}
	return false
}

// HasOCSPNoCheck reports whether the certificate is exempt from revocation checking.
func (c *CertificateToken) HasOCSPNoCheck() bool {
	return c.HasExtension(OIDOCSPNoCheck)
}

// PolicyOIDs returns the certificate policy identifiers, including those
// with arcs too large for asn1.ObjectIdentifier.
func (c *CertificateToken) PolicyOIDs() []x509.OID {
	return c.cert.Policies
}

// HasExtKeyUsage reports whether the certificate lists usage in its
// extended key usage extension.
func (c *CertificateToken) HasExtKeyUsage(usage x509.ExtKeyUsage) bool {
	for _, u := range c.cert.ExtKeyUsage {
		if u == usage {
			return true
		}
	}
	return false
}

// IsAuthorizedResponder reports whether signer may sign OCSP responses about
// certificates issued by ca: either signer holds ca's key, or ca issued signer
// for id-kp-OCSPSigning.
func IsAuthorizedResponder(signer, ca *CertificateToken) bool {
	if signer == nil || ca == nil {
		return false
	}
	if signer.EntityKey() == ca.EntityKey() {
		return true
	}
	return signer.HasExtKeyUsage(x509.ExtKeyUsageOCSPSigning) && signer.IsSignedBy(ca)
}

// Equal reports whether two tokens wrap the same encoding.
func (c *CertificateToken) Equal(other *CertificateToken) bool {
	return other != nil && c.id == other.id
}
