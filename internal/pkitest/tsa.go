package pkitest

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/asn1"
	"math/big"
	"testing"
	"time"
)

var (
	oidSignedData           = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 2}
	oidTSTInfo              = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 1, 4}
	oidContentType          = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 3}
	oidMessageDigest        = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 4}
	oidSigningCertificateV2 = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 2, 47}
	oidSHA256               = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}
	oidECDSAWithSHA256      = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 2}
	oidTSAPolicy            = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 4146, 2, 2}
)

type algorithmIdentifier struct {
	Algorithm  asn1.ObjectIdentifier
	Parameters asn1.RawValue `asn1:"optional"`
}

type messageImprint struct {
	HashAlgorithm algorithmIdentifier
	HashedMessage []byte
}

type tstInfo struct {
	Version        int
	Policy         asn1.ObjectIdentifier
	MessageImprint messageImprint
	SerialNumber   *big.Int
	GenTime        time.Time `asn1:"generalized"`
}

type attribute struct {
	Type   asn1.ObjectIdentifier
	Values []asn1.RawValue `asn1:"set"`
}

type issuerAndSerialNumber struct {
	Issuer       asn1.RawValue
	SerialNumber *big.Int
}

type signerInfo struct {
	Version            int
	SID                issuerAndSerialNumber
	DigestAlgorithm    algorithmIdentifier
	SignedAttrs        asn1.RawValue
	SignatureAlgorithm algorithmIdentifier
	Signature          []byte
}

type encapsulatedContentInfo struct {
	EContentType asn1.ObjectIdentifier
	EContent     asn1.RawValue
}

type signedData struct {
	Version          int
	DigestAlgorithms []algorithmIdentifier `asn1:"set"`
	EncapContentInfo encapsulatedContentInfo
	Certificates     []asn1.RawValue `asn1:"implicit,optional,tag:0,set"`
	SignerInfos      []signerInfo    `asn1:"set"`
}

type contentInfo struct {
	ContentType asn1.ObjectIdentifier
	Content     asn1.RawValue
}

type essCertIDv2 struct {
	CertHash []byte
}

type signingCertificateV2 struct {
	Certs []essCertIDv2
}

type pkiStatusInfo struct {
	Status int
}

type timeStampResp struct {
	Status         pkiStatusInfo
	TimeStampToken asn1.RawValue `asn1:"optional"`
}

// explicit0 wraps an encoded element in a [0] EXPLICIT tag.
func explicit0(inner []byte) asn1.RawValue {
	return asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 0, IsCompound: true, Bytes: inner}
}

func mustMarshal(t testing.TB, v any) []byte {
	t.Helper()
	der, err := asn1.Marshal(v)
	if err != nil {
		t.Fatalf("Failed to encode: %v", err)
	}
	return der
}

// TimestampDER creates an RFC 3161 time-stamp token signed by e over data.
// The token embeds e's certificate plus the certificates of embed.
func (e *Entity) TimestampDER(t testing.TB, genTime time.Time, data []byte, embed ...*Entity) []byte {
	t.Helper()
	return e.timestampDER(t, genTime, data, oidTSTInfo, embed)
}

// TimestampDERWithContentType is TimestampDER with contentType as the signed
// content-type attribute in place of id-ct-TSTInfo.
func (e *Entity) TimestampDERWithContentType(t testing.TB, genTime time.Time, data []byte, contentType asn1.ObjectIdentifier) []byte {
	t.Helper()
	return e.timestampDER(t, genTime, data, contentType, nil)
}

func (e *Entity) timestampDER(t testing.TB, genTime time.Time, data []byte, contentType asn1.ObjectIdentifier, embed []*Entity) []byte {
	t.Helper()
	sha := algorithmIdentifier{Algorithm: oidSHA256}
	imprint := sha256.Sum256(data)
	info := mustMarshal(t, tstInfo{
		Version:        1,
		Policy:         oidTSAPolicy,
		MessageImprint: messageImprint{HashAlgorithm: sha, HashedMessage: imprint[:]},
		SerialNumber:   serial(t),
		GenTime:        genTime.UTC().Truncate(time.Second),
	})

	contentDigest := sha256.Sum256(info)
	certHash := sha256.Sum256(e.Cert.Raw)
	attrs := mustMarshal(t, []attribute{
		{Type: oidContentType, Values: []asn1.RawValue{{FullBytes: mustMarshal(t, contentType)}}},
		{Type: oidMessageDigest, Values: []asn1.RawValue{{FullBytes: mustMarshal(t, contentDigest[:])}}},
		{Type: oidSigningCertificateV2, Values: []asn1.RawValue{{FullBytes: mustMarshal(t, signingCertificateV2{
			Certs: []essCertIDv2{{CertHash: certHash[:]}},
		})}}},
	})

	// Signed as SET OF, embedded as [0] IMPLICIT with identical content.
	toSign := append([]byte(nil), attrs...)
	toSign[0] = 0x31
	embedded := append([]byte(nil), attrs...)
	embedded[0] = 0xA0
	digest := sha256.Sum256(toSign)
	sig, err := ecdsa.SignASN1(rand.Reader, e.Key, digest[:])
	if err != nil {
		t.Fatalf("Failed to sign time-stamp token: %v", err)
	}

	certs := []asn1.RawValue{{FullBytes: e.Cert.Raw}}
	for _, c := range embed {
		certs = append(certs, asn1.RawValue{FullBytes: c.Cert.Raw})
	}
	sd := mustMarshal(t, signedData{
		Version:          3,
		DigestAlgorithms: []algorithmIdentifier{sha},
		EncapContentInfo: encapsulatedContentInfo{
			EContentType: oidTSTInfo,
			EContent:     explicit0(mustMarshal(t, info)),
		},
		Certificates: certs,
		SignerInfos: []signerInfo{{
			Version: 1,
			SID: issuerAndSerialNumber{
				Issuer:       asn1.RawValue{FullBytes: e.Cert.RawIssuer},
				SerialNumber: e.Cert.SerialNumber,
			},
			DigestAlgorithm:    sha,
			SignedAttrs:        asn1.RawValue{FullBytes: embedded},
			SignatureAlgorithm: algorithmIdentifier{Algorithm: oidECDSAWithSHA256},
			Signature:          sig,
		}},
	})

	return mustMarshal(t, contentInfo{
		ContentType: oidSignedData,
		Content:     explicit0(sd),
	})
}

// TimestampResponse wraps a time-stamp token in a response with the given status.
func TimestampResponse(t testing.TB, status int, tokenDER []byte) []byte {
	t.Helper()
	resp := timeStampResp{Status: pkiStatusInfo{Status: status}}
	if tokenDER != nil {
		resp.TimeStampToken = asn1.RawValue{FullBytes: tokenDER}
	}
	return mustMarshal(t, resp)
}
