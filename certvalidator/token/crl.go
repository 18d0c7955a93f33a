package token

import (
	"bytes"
	"crypto/x509"
	"encoding/asn1"
	"encoding/pem"
	"fmt"
	"math/big"
	"time"
)

// OIDExpiredCertsOnCRL is the expiredCertsOnCRL CRL extension (RFC 5280 / X.509).
var OIDExpiredCertsOnCRL = asn1.ObjectIdentifier{2, 5, 29, 60}

// CRL is a parsed certificate revocation list.
type CRL struct {
	list              *x509.RevocationList
	raw               []byte
	id                ID
	expiredCertsOnCRL time.Time
	origin            Origin
	sourceURL         string
	sigs              signatureCache
}

// ParseCRL parses a DER or PEM encoded CRL obtained from a signed document.
func ParseCRL(data []byte) (*CRL, error) {
	return ParseCRLFrom(data, OriginDocument, "")
}

// ParseCRLFrom parses a CRL and records where it was obtained.
func ParseCRLFrom(data []byte, origin Origin, sourceURL string) (*CRL, error) {
	der := data
	if block, _ := pem.Decode(data); block != nil && block.Type == "X509 CRL" {
		der = block.Bytes
	}
	list, err := x509.ParseRevocationList(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCRL, err)
	}
	crl := &CRL{
		list:      list,
		raw:       list.Raw,
		id:        NewID("L", list.Raw),
		origin:    origin,
		sourceURL: sourceURL,
	}
	for _, ext := range list.Extensions {
		if ext.Id.Equal(OIDExpiredCertsOnCRL) {
			var t time.Time
			if _, err := asn1.Unmarshal(ext.Value, &t); err == nil {
				crl.expiredCertsOnCRL = t
			}
		}
	}
	return crl, nil
}

// ID returns the digest based identity of the whole CRL.
func (c *CRL) ID() ID { return c.id }

// Raw returns the DER encoding.
func (c *CRL) Raw() []byte { return c.raw }

// RevocationList returns the parsed list.
func (c *CRL) RevocationList() *x509.RevocationList { return c.list }

// RawIssuer returns the DER encoded CRL issuer name.
func (c *CRL) RawIssuer() []byte { return c.list.RawIssuer }

// AuthorityKeyID returns the CRL authority key identifier.
func (c *CRL) AuthorityKeyID() []byte { return c.list.AuthorityKeyId }

// ThisUpdate returns the CRL issue time.
func (c *CRL) ThisUpdate() time.Time { return c.list.ThisUpdate }

// NextUpdate returns the CRL next update time.
func (c *CRL) NextUpdate() time.Time { return c.list.NextUpdate }

// Number returns the CRL number, or nil.
func (c *CRL) Number() *big.Int { return c.list.Number }

// Origin returns where the CRL came from.
func (c *CRL) Origin() Origin { return c.origin }

// SourceURL returns the distribution point the CRL was fetched from, if any.
func (c *CRL) SourceURL() string { return c.sourceURL }

// IsSignedBy reports whether issuer's key verifies the CRL signature.
func (c *CRL) IsSignedBy(issuer *CertificateToken) bool {
	return c.sigs.check(issuer, func(parent *x509.Certificate) error {
		return parent.CheckSignature(c.list.SignatureAlgorithm, c.list.RawTBSRevocationList, c.list.Signature)
	})
}

// Covers reports whether the CRL is issued under the same name as the certificate's issuer.
func (c *CRL) Covers(cert *CertificateToken) bool {
	if bytes.Equal(c.list.RawIssuer, cert.RawIssuer()) {
		return true
	}
	return CanonicalName(c.list.RawIssuer) == CanonicalName(cert.RawIssuer())
}

// TokenFor builds the revocation token asserting cert's status, or nil if the
// CRL is not issued by cert's issuer.
func (c *CRL) TokenFor(cert *CertificateToken) *RevocationToken {
	if cert == nil || !c.Covers(cert) {
		return nil
	}
	rt := &RevocationToken{
		id:                NewID("R", c.raw, []byte(cert.ID())),
		revType:           RevocationCRL,
		raw:               c.raw,
		relatedCertID:     cert.ID(),
		status:            StatusGood,
		thisUpdate:        c.list.ThisUpdate,
		nextUpdate:        c.list.NextUpdate,
		producedAt:        c.list.ThisUpdate,
		expiredCertsOnCRL: c.expiredCertsOnCRL,
		sigAlg:            c.list.SignatureAlgorithm,
		hints: IssuerHints{
			AuthorityKeyID: c.list.AuthorityKeyId,
			RawIssuer:      c.list.RawIssuer,
		},
		origin:    c.origin,
		sourceURL: c.sourceURL,
		crl:       c,
	}
	for _, entry := range c.list.RevokedCertificateEntries {
		if entry.SerialNumber.Cmp(cert.SerialNumber()) == 0 {
			rt.status = StatusRevoked
			rt.revocationDate = entry.RevocationTime
			rt.reason = Reason(entry.ReasonCode)
			break
		}
	}
	return rt
}
