package token

import (
	"bytes"
	"crypto"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"time"

	"golang.org/x/crypto/ocsp"
	_ "golang.org/x/crypto/sha3"
)

var (
	// OIDCertHash is the ISIS-MTT / Common PKI certHash OCSP single extension.
	OIDCertHash = asn1.ObjectIdentifier{1, 3, 36, 8, 3, 13}

	// OIDArchiveCutoff is the id-pkix-ocsp-archive-cutoff extension.
	OIDArchiveCutoff = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 48, 1, 6}
)

var hashOIDs = map[string]crypto.Hash{
	"1.3.14.3.2.26":           crypto.SHA1,
	"2.16.840.1.101.3.4.2.4":  crypto.SHA224,
	"2.16.840.1.101.3.4.2.1":  crypto.SHA256,
	"2.16.840.1.101.3.4.2.2":  crypto.SHA384,
	"2.16.840.1.101.3.4.2.3":  crypto.SHA512,
	"2.16.840.1.101.3.4.2.8":  crypto.SHA3_256,
	"2.16.840.1.101.3.4.2.9":  crypto.SHA3_384,
	"2.16.840.1.101.3.4.2.10": crypto.SHA3_512,
}

type certHashValue struct {
	HashAlgorithm   pkix.AlgorithmIdentifier
	CertificateHash []byte
}

// OCSPResponse is a parsed OCSP response carrying one or more single responses.
type OCSPResponse struct {
	raw       []byte
	id        ID
	parsed    *ocsp.Response
	embedded  []*CertificateToken
	origin    Origin
	sourceURL string
	sigs      signatureCache
}

// ParseOCSPResponse parses an OCSP response obtained from a signed document.
func ParseOCSPResponse(raw []byte) (*OCSPResponse, error) {
	return ParseOCSPResponseFrom(raw, OriginDocument, "")
}

// ParseOCSPResponseFrom parses an OCSP response and records where it was obtained.
func ParseOCSPResponseFrom(raw []byte, origin Origin, sourceURL string) (*OCSPResponse, error) {
	resp, err := ocsp.ParseResponse(raw, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedOCSP, err)
	}
	o := &OCSPResponse{
		raw:       raw,
		id:        NewID("O", raw),
		parsed:    resp,
		origin:    origin,
		sourceURL: sourceURL,
	}
	if resp.Certificate != nil {
		o.embedded = append(o.embedded, NewCertificateToken(resp.Certificate))
	}
	return o, nil
}

// ID returns the digest based identity of the whole response.
func (o *OCSPResponse) ID() ID { return o.id }

// Raw returns the DER encoding.
func (o *OCSPResponse) Raw() []byte { return o.raw }

// ProducedAt returns the producedAt time.
func (o *OCSPResponse) ProducedAt() time.Time { return o.parsed.ProducedAt }

// ThisUpdate returns the thisUpdate of the first single response.
func (o *OCSPResponse) ThisUpdate() time.Time { return o.parsed.ThisUpdate }

// NextUpdate returns the nextUpdate of the first single response.
func (o *OCSPResponse) NextUpdate() time.Time { return o.parsed.NextUpdate }

// Origin returns where the response came from.
func (o *OCSPResponse) Origin() Origin { return o.origin }

// SourceURL returns the responder URL the response was fetched from, if any.
func (o *OCSPResponse) SourceURL() string { return o.sourceURL }

// EmbeddedCertificates returns the responder certificate carried in the response.
func (o *OCSPResponse) EmbeddedCertificates() []*CertificateToken { return o.embedded }

// ResponderKeyHash returns the byKey responder identifier, or nil.
func (o *OCSPResponse) ResponderKeyHash() []byte { return o.parsed.ResponderKeyHash }

// RawResponderName returns the byName responder identifier, or nil.
func (o *OCSPResponse) RawResponderName() []byte { return o.parsed.RawResponderName }

// MatchesResponder reports whether cert is the responder named in the response.
func (o *OCSPResponse) MatchesResponder(cert *CertificateToken) bool {
	if len(o.parsed.ResponderKeyHash) > 0 {
		return bytes.Equal(o.parsed.ResponderKeyHash, cert.PublicKeyHash())
	}
	if len(o.parsed.RawResponderName) > 0 {
		return CanonicalName(o.parsed.RawResponderName) == CanonicalName(cert.RawSubject())
	}
	return false
}

// IsSignedBy reports whether issuer's key verifies the response signature.
func (o *OCSPResponse) IsSignedBy(issuer *CertificateToken) bool {
	return o.sigs.check(issuer, o.parsed.CheckSignatureFrom)
}

// TokenFor builds the revocation token for cert, or nil if the response
// holds no single response for cert's serial number.
func (o *OCSPResponse) TokenFor(cert *CertificateToken) *RevocationToken {
	if cert == nil {
		return nil
	}
	single, err := ocsp.ParseResponseForCert(o.raw, cert.Certificate(), nil)
	if err != nil {
		return nil
	}
	rt := &RevocationToken{
		id:            NewID("R", o.raw, []byte(cert.ID())),
		revType:       RevocationOCSP,
		raw:           o.raw,
		relatedCertID: cert.ID(),
		thisUpdate:    single.ThisUpdate,
		nextUpdate:    single.NextUpdate,
		producedAt:    single.ProducedAt,
		sigAlg:        single.SignatureAlgorithm,
		hints: IssuerHints{
			ResponderKeyHash: single.ResponderKeyHash,
			RawResponderName: single.RawResponderName,
		},
		origin:    o.origin,
		sourceURL: o.sourceURL,
		ocsp:      o,
	}
	switch single.Status {
	case ocsp.Good:
		rt.status = StatusGood
	case ocsp.Revoked:
		rt.status = StatusRevoked
		rt.revocationDate = single.RevokedAt
		rt.reason = Reason(single.RevocationReason)
	default:
		rt.status = StatusUnknown
	}
	for _, ext := range single.Extensions {
		switch {
		case ext.Id.Equal(OIDArchiveCutoff):
			var t time.Time
			if _, err := asn1.Unmarshal(ext.Value, &t); err == nil {
				rt.archiveCutOff = t
			}
		case ext.Id.Equal(OIDCertHash):
			rt.certHashPresent = true
			rt.certHashMatch = certHashMatches(ext.Value, cert.Encoded())
		}
	}
	return rt
}

func certHashMatches(value, certDER []byte) bool {
	var ch certHashValue
	if _, err := asn1.Unmarshal(value, &ch); err != nil {
		return false
	}
	h, ok := hashOIDs[ch.HashAlgorithm.Algorithm.String()]
	if !ok || !h.Available() {
		return false
	}
	hasher := h.New()
	hasher.Write(certDER)
	return bytes.Equal(hasher.Sum(nil), ch.CertificateHash)
}
