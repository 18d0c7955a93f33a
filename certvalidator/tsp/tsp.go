// Package tsp parses RFC 3161 time-stamp tokens into timestamp tokens.
package tsp

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/georgepadayatti/certtrust/certvalidator/token"
)

// OIDs for time-stamp structures
var (
	OIDSignedData = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 2}
	OIDTSTInfo    = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 1, 4}

	OIDContentType          = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 3}
	OIDMessageDigest        = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 4}
	OIDSigningCertificate   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 2, 12}
	OIDSigningCertificateV2 = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 2, 47}

	// Hash algorithms
	OIDSHA1   = asn1.ObjectIdentifier{1, 3, 14, 3, 2, 26}
	OIDSHA256 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}
	OIDSHA384 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 2}
	OIDSHA512 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 3}

	// Signature algorithms
	OIDRSAEncryption   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 1}
	OIDSHA1WithRSA     = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 5}
	OIDRSAPSS          = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 10}
	OIDSHA256WithRSA   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 11}
	OIDSHA384WithRSA   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 12}
	OIDSHA512WithRSA   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 13}
	OIDECDSAWithSHA1   = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 1}
	OIDECDSAWithSHA256 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 2}
	OIDECDSAWithSHA384 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 3}
	OIDECDSAWithSHA512 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 4}
	OIDEd25519         = asn1.ObjectIdentifier{1, 3, 101, 112}
)

// Common errors
var (
	ErrInvalidToken          = errors.New("invalid time-stamp token")
	ErrTimestampRejected     = errors.New("time-stamp request rejected")
	ErrUnsupportedAlgorithm  = errors.New("unsupported algorithm")
	ErrMessageDigestMismatch = errors.New("message digest mismatch")
)

// AlgorithmIdentifier represents an algorithm with parameters.
type AlgorithmIdentifier struct {
	Algorithm  asn1.ObjectIdentifier
	Parameters asn1.RawValue `asn1:"optional"`
}

// MessageImprint represents the hash of the time-stamped data.
type MessageImprint struct {
	HashAlgorithm AlgorithmIdentifier
	HashedMessage []byte
}

// TSTInfo represents the time-stamp token info.
type TSTInfo struct {
	Version        int
	Policy         asn1.ObjectIdentifier
	MessageImprint MessageImprint
	SerialNumber   *big.Int
	GenTime        time.Time
	Accuracy       Accuracy      `asn1:"optional"`
	Ordering       bool          `asn1:"optional,default:false"`
	Nonce          *big.Int      `asn1:"optional"`
	TSA            asn1.RawValue `asn1:"optional,explicit,tag:0"`
	Extensions     []Extension   `asn1:"optional,implicit,tag:1"`
}

// Accuracy represents time-stamp accuracy.
type Accuracy struct {
	Seconds int `asn1:"optional"`
	Millis  int `asn1:"optional,implicit,tag:0"`
	Micros  int `asn1:"optional,implicit,tag:1"`
}

// Extension represents an X.509 extension.
type Extension struct {
	ExtnID    asn1.ObjectIdentifier
	Critical  bool `asn1:"optional,default:false"`
	ExtnValue []byte
}

// PKIStatusInfo represents the status of a time-stamp response.
type PKIStatusInfo struct {
	Status       int
	StatusString []string       `asn1:"optional"`
	FailInfo     asn1.BitString `asn1:"optional"`
}

// TimeStampResp represents a time-stamp response.
type TimeStampResp struct {
	Status         PKIStatusInfo
	TimeStampToken asn1.RawValue `asn1:"optional"`
}

type contentInfo struct {
	ContentType asn1.ObjectIdentifier
	Content     asn1.RawValue `asn1:"explicit,optional,tag:0"`
}

type encapsulatedContentInfo struct {
	EContentType asn1.ObjectIdentifier
	EContent     asn1.RawValue `asn1:"explicit,optional,tag:0"`
}

type signedData struct {
	Version          int
	DigestAlgorithms []AlgorithmIdentifier `asn1:"set"`
	EncapContentInfo encapsulatedContentInfo
	Certificates     []asn1.RawValue `asn1:"optional,implicit,tag:0,set"`
	CRLs             []asn1.RawValue `asn1:"optional,implicit,tag:1,set"`
	SignerInfos      []asn1.RawValue `asn1:"set"`
}

// signerInfo keeps the raw signed attributes, they are the signed content.
type signerInfo struct {
	Version            int
	SID                asn1.RawValue
	DigestAlgorithm    AlgorithmIdentifier
	SignedAttrs        asn1.RawValue `asn1:"optional,tag:0"`
	SignatureAlgorithm AlgorithmIdentifier
	Signature          []byte
	UnsignedAttrs      asn1.RawValue `asn1:"optional,tag:1"`
}

type issuerAndSerialNumber struct {
	Issuer       asn1.RawValue
	SerialNumber *big.Int
}

type attribute struct {
	Type   asn1.ObjectIdentifier
	Values []asn1.RawValue `asn1:"set"`
}

type essCertID struct {
	CertHash     []byte
	IssuerSerial asn1.RawValue `asn1:"optional"`
}

type signingCertificate struct {
	Certs    []essCertID
	Policies asn1.RawValue `asn1:"optional"`
}

type essCertIDv2 struct {
	HashAlgorithm AlgorithmIdentifier `asn1:"optional"`
	CertHash      []byte
	IssuerSerial  asn1.RawValue `asn1:"optional"`
}

type signingCertificateV2 struct {
	Certs    []essCertIDv2
	Policies asn1.RawValue `asn1:"optional"`
}

// ParseOptions controls how a time-stamp token becomes a token.TimestampToken.
type ParseOptions struct {
	// Type is the role of the timestamp. Default: token.SignatureTimestamp.
	Type token.TimestampType

	// CoveredData is the data the message imprint is checked against.
	// Without it the imprint is reported as not intact.
	CoveredData []byte

	// References lists the IDs of the objects the timestamp covers.
	References []token.ID
}

// UnwrapResponse returns the time-stamp token of a granted response. Data
// that already is a token is returned unchanged.
func UnwrapResponse(data []byte) ([]byte, error) {
	var ci contentInfo
	if _, err := asn1.Unmarshal(data, &ci); err == nil && ci.ContentType.Equal(OIDSignedData) {
		return data, nil
	}

	var resp TimeStampResp
	if _, err := asn1.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	// 0 = granted, 1 = grantedWithMods
	if resp.Status.Status != 0 && resp.Status.Status != 1 {
		return nil, fmt.Errorf("%w: status %d", ErrTimestampRejected, resp.Status.Status)
	}
	if len(resp.TimeStampToken.FullBytes) == 0 {
		return nil, fmt.Errorf("%w: response carries no token", ErrInvalidToken)
	}
	return resp.TimeStampToken.FullBytes, nil
}

func parseSignedData(data []byte) (*signedData, error) {
	var ci contentInfo
	if _, err := asn1.Unmarshal(data, &ci); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !ci.ContentType.Equal(OIDSignedData) {
		return nil, fmt.Errorf("%w: expected SignedData, got %v", ErrInvalidToken, ci.ContentType)
	}
	var sd signedData
	if _, err := asn1.Unmarshal(ci.Content.Bytes, &sd); err != nil {
		return nil, fmt.Errorf("%w: failed to parse SignedData: %v", ErrInvalidToken, err)
	}
	if !sd.EncapContentInfo.EContentType.Equal(OIDTSTInfo) {
		return nil, fmt.Errorf("%w: content type %v is not TSTInfo", ErrInvalidToken, sd.EncapContentInfo.EContentType)
	}
	return &sd, nil
}

// tstInfoContent returns the DER TSTInfo carried in the eContent OCTET STRING.
func tstInfoContent(sd *signedData) ([]byte, *TSTInfo, error) {
	var der []byte
	if _, err := asn1.Unmarshal(sd.EncapContentInfo.EContent.Bytes, &der); err != nil {
		return nil, nil, fmt.Errorf("%w: bad eContent: %v", ErrInvalidToken, err)
	}
	var info TSTInfo
	if _, err := asn1.Unmarshal(der, &info); err != nil {
		return nil, nil, fmt.Errorf("%w: failed to parse TSTInfo: %v", ErrInvalidToken, err)
	}
	return der, &info, nil
}

// ExtractTSTInfo extracts the TSTInfo from a time-stamp token.
func ExtractTSTInfo(data []byte) (*TSTInfo, error) {
	sd, err := parseSignedData(data)
	if err != nil {
		return nil, err
	}
	_, info, err := tstInfoContent(sd)
	return info, err
}

// VerifyImprint checks the message imprint of info against data.
func VerifyImprint(info *TSTInfo, data []byte) error {
	h, ok := hashFromOID(info.MessageImprint.HashAlgorithm.Algorithm)
	if !ok || !h.Available() {
		return fmt.Errorf("%w: imprint hash %v", ErrUnsupportedAlgorithm, info.MessageImprint.HashAlgorithm.Algorithm)
	}
	d := h.New()
	d.Write(data)
	if !bytes.Equal(d.Sum(nil), info.MessageImprint.HashedMessage) {
		return ErrMessageDigestMismatch
	}
	return nil
}

// ParseToken parses a DER time-stamp token, or a time-stamp response
// wrapping one. The token's signature is checked lazily through the
// returned token's CheckSignature callback.
func ParseToken(data []byte, opts *ParseOptions) (*token.TimestampToken, error) {
	if opts == nil {
		opts = &ParseOptions{}
	}
	raw, err := UnwrapResponse(data)
	if err != nil {
		return nil, err
	}
	sd, err := parseSignedData(raw)
	if err != nil {
		return nil, err
	}
	tstInfoDER, info, err := tstInfoContent(sd)
	if err != nil {
		return nil, err
	}
	if len(sd.SignerInfos) != 1 {
		return nil, fmt.Errorf("%w: expected one signer, got %d", ErrInvalidToken, len(sd.SignerInfos))
	}
	var si signerInfo
	if _, err := asn1.Unmarshal(sd.SignerInfos[0].FullBytes, &si); err != nil {
		return nil, fmt.Errorf("%w: failed to parse SignerInfo: %v", ErrInvalidToken, err)
	}
	if len(si.SignedAttrs.FullBytes) == 0 {
		return nil, fmt.Errorf("%w: signed attributes are required", ErrInvalidToken)
	}

	params := token.TimestampParams{
		Raw:            raw,
		GenerationTime: info.GenTime,
		Type:           opts.Type,
		References:     opts.References,
	}
	if opts.CoveredData != nil {
		params.MessageImprintIntact = VerifyImprint(info, opts.CoveredData) == nil
	}

	for _, c := range sd.Certificates {
		cert, err := x509.ParseCertificate(c.FullBytes)
		if err != nil {
			continue
		}
		params.Certificates = append(params.Certificates, token.NewCertificateToken(cert))
	}
	for _, c := range sd.CRLs {
		crl, err := token.ParseCRL(c.FullBytes)
		if err != nil {
			continue
		}
		params.CRLs = append(params.CRLs, crl)
	}

	if err := setSignerID(&params, si.SID); err != nil {
		return nil, err
	}

	messageDigest, err := readSignedAttributes(&params, si.SignedAttrs.Bytes)
	if err != nil {
		return nil, err
	}

	digestAlg, ok := hashFromOID(si.DigestAlgorithm.Algorithm)
	if !ok || !digestAlg.Available() {
		return nil, fmt.Errorf("%w: digest %v", ErrUnsupportedAlgorithm, si.DigestAlgorithm.Algorithm)
	}
	params.SignatureAlgorithm = signatureAlgorithm(si.DigestAlgorithm.Algorithm, si.SignatureAlgorithm.Algorithm)
	if params.SignatureAlgorithm == x509.UnknownSignatureAlgorithm {
		return nil, fmt.Errorf("%w: signature %v", ErrUnsupportedAlgorithm, si.SignatureAlgorithm.Algorithm)
	}

	// The signature covers the DER SET OF the signed attributes, not the [0] tagged form.
	signedAttrs := append([]byte(nil), si.SignedAttrs.FullBytes...)
	signedAttrs[0] = 0x31
	sigAlg := params.SignatureAlgorithm
	signature := si.Signature
	params.CheckSignature = func(signer *x509.Certificate) error {
		d := digestAlg.New()
		d.Write(tstInfoDER)
		if !bytes.Equal(d.Sum(nil), messageDigest) {
			return ErrMessageDigestMismatch
		}
		return signer.CheckSignature(sigAlg, signedAttrs, signature)
	}

	return token.NewTimestampToken(params)
}

func setSignerID(params *token.TimestampParams, sid asn1.RawValue) error {
	switch {
	case sid.Class == asn1.ClassUniversal && sid.Tag == asn1.TagSequence:
		var ias issuerAndSerialNumber
		if _, err := asn1.Unmarshal(sid.FullBytes, &ias); err != nil {
			return fmt.Errorf("%w: failed to parse signer identifier: %v", ErrInvalidToken, err)
		}
		params.SignerIssuer = ias.Issuer.FullBytes
		params.SignerSerial = ias.SerialNumber
	case sid.Class == asn1.ClassContextSpecific && sid.Tag == 0:
		params.SignerKeyID = sid.Bytes
	default:
		return fmt.Errorf("%w: unknown signer identifier", ErrInvalidToken)
	}
	return nil
}

// readSignedAttributes records the ESS signing certificate in params and
// returns the message digest attribute.
func readSignedAttributes(params *token.TimestampParams, der []byte) ([]byte, error) {
	var messageDigest []byte
	var contentType asn1.ObjectIdentifier
	for rest := der; len(rest) > 0; {
		var attr attribute
		var err error
		rest, err = asn1.Unmarshal(rest, &attr)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to parse signed attribute: %v", ErrInvalidToken, err)
		}
		if len(attr.Values) == 0 {
			continue
		}
		value := attr.Values[0].FullBytes
		switch {
		case attr.Type.Equal(OIDContentType):
			if _, err := asn1.Unmarshal(value, &contentType); err != nil {
				return nil, fmt.Errorf("%w: bad content type attribute: %v", ErrInvalidToken, err)
			}
		case attr.Type.Equal(OIDMessageDigest):
			if _, err := asn1.Unmarshal(value, &messageDigest); err != nil {
				return nil, fmt.Errorf("%w: bad message digest: %v", ErrInvalidToken, err)
			}
		case attr.Type.Equal(OIDSigningCertificateV2):
			var sc signingCertificateV2
			if _, err := asn1.Unmarshal(value, &sc); err != nil || len(sc.Certs) == 0 {
				continue
			}
			h := crypto.SHA256
			if len(sc.Certs[0].HashAlgorithm.Algorithm) > 0 {
				var ok bool
				if h, ok = hashFromOID(sc.Certs[0].HashAlgorithm.Algorithm); !ok {
					continue
				}
			}
			params.SigningCertificateDigest = sc.Certs[0].CertHash
			params.SigningCertificateDigestAlgorithm = h
		case attr.Type.Equal(OIDSigningCertificate):
			if params.SigningCertificateDigest != nil {
				continue
			}
			var sc signingCertificate
			if _, err := asn1.Unmarshal(value, &sc); err != nil || len(sc.Certs) == 0 {
				continue
			}
			params.SigningCertificateDigest = sc.Certs[0].CertHash
			params.SigningCertificateDigestAlgorithm = crypto.SHA1
		}
	}
	if !contentType.Equal(OIDTSTInfo) {
		return nil, fmt.Errorf("%w: signed content type %v is not TSTInfo", ErrInvalidToken, contentType)
	}
	if messageDigest == nil {
		return nil, fmt.Errorf("%w: message digest attribute not found", ErrInvalidToken)
	}
	return messageDigest, nil
}

func hashFromOID(oid asn1.ObjectIdentifier) (crypto.Hash, bool) {
	switch {
	case oid.Equal(OIDSHA1):
		return crypto.SHA1, true
	case oid.Equal(OIDSHA256):
		return crypto.SHA256, true
	case oid.Equal(OIDSHA384):
		return crypto.SHA384, true
	case oid.Equal(OIDSHA512):
		return crypto.SHA512, true
	default:
		return 0, false
	}
}

// signatureAlgorithm maps a signer info's digest and signature algorithms
// onto the x509 algorithm used to check it.
func signatureAlgorithm(digest, sig asn1.ObjectIdentifier) x509.SignatureAlgorithm {
	switch {
	case sig.Equal(OIDSHA1WithRSA):
		return x509.SHA1WithRSA
	case sig.Equal(OIDSHA256WithRSA):
		return x509.SHA256WithRSA
	case sig.Equal(OIDSHA384WithRSA):
		return x509.SHA384WithRSA
	case sig.Equal(OIDSHA512WithRSA):
		return x509.SHA512WithRSA
	case sig.Equal(OIDECDSAWithSHA1):
		return x509.ECDSAWithSHA1
	case sig.Equal(OIDECDSAWithSHA256):
		return x509.ECDSAWithSHA256
	case sig.Equal(OIDECDSAWithSHA384):
		return x509.ECDSAWithSHA384
	case sig.Equal(OIDECDSAWithSHA512):
		return x509.ECDSAWithSHA512
	case sig.Equal(OIDEd25519):
		return x509.PureEd25519
	}

	h, ok := hashFromOID(digest)
	if !ok {
		return x509.UnknownSignatureAlgorithm
	}
	switch {
	case sig.Equal(OIDRSAEncryption):
		switch h {
		case crypto.SHA1:
			return x509.SHA1WithRSA
		case crypto.SHA256:
			return x509.SHA256WithRSA
		case crypto.SHA384:
			return x509.SHA384WithRSA
		case crypto.SHA512:
			return x509.SHA512WithRSA
		}
	case sig.Equal(OIDRSAPSS):
		switch h {
		case crypto.SHA256:
			return x509.SHA256WithRSAPSS
		case crypto.SHA384:
			return x509.SHA384WithRSAPSS
		case crypto.SHA512:
			return x509.SHA512WithRSAPSS
		}
	}
	return x509.UnknownSignatureAlgorithm
}
