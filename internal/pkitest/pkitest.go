// Package pkitest builds throwaway PKI hierarchies, CRLs, OCSP responses and
// timestamp tokens for tests.
package pkitest

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"testing"
	"time"

	"golang.org/x/crypto/ocsp"

	"github.com/georgepadayatti/certtrust/certvalidator/token"
)

// Entity is a certificate together with its private key.
type Entity struct {
	Cert  *x509.Certificate
	Key   *ecdsa.PrivateKey
	Token *token.CertificateToken
}

// CertOption adjusts a certificate template before signing.
type CertOption func(*x509.Certificate)

// WithValidity overrides the validity interval.
func WithValidity(notBefore, notAfter time.Time) CertOption {
	return func(c *x509.Certificate) {
		c.NotBefore = notBefore
		c.NotAfter = notAfter
	}
}

// WithExtension adds a non-critical extension.
func WithExtension(oid []int, value []byte) CertOption {
	return func(c *x509.Certificate) {
		c.ExtraExtensions = append(c.ExtraExtensions, pkix.Extension{Id: oid, Value: value})
	}
}

// WithPolicies sets certificate policy identifiers given in dotted form.
// Arcs larger than an int are allowed.
func WithPolicies(oids ...string) CertOption {
	return func(c *x509.Certificate) {
		for _, s := range oids {
			oid, err := x509.ParseOID(s)
			if err != nil {
				panic(fmt.Sprintf("pkitest: bad policy OID %q: %v", s, err))
			}
			c.Policies = append(c.Policies, oid)
		}
	}
}

// WithExtKeyUsage adds extended key usages.
func WithExtKeyUsage(usages ...x509.ExtKeyUsage) CertOption {
	return func(c *x509.Certificate) {
		c.ExtKeyUsage = append(c.ExtKeyUsage, usages...)
	}
}

// WithIssuerURL sets the AIA caIssuers location.
func WithIssuerURL(url string) CertOption {
	return func(c *x509.Certificate) {
		c.IssuingCertificateURL = []string{url}
	}
}

// WithOCSPServer sets the AIA OCSP location.
func WithOCSPServer(url string) CertOption {
	return func(c *x509.Certificate) {
		c.OCSPServer = []string{url}
	}
}

// WithCRLDistributionPoint sets a CRL distribution point.
func WithCRLDistributionPoint(url string) CertOption {
	return func(c *x509.Certificate) {
		c.CRLDistributionPoints = []string{url}
	}
}

// Window returns a validity interval of one year around now.
func Window() (time.Time, time.Time) {
	now := time.Now()
	return now.Add(-30 * 24 * time.Hour), now.Add(365 * 24 * time.Hour)
}

func newKey(t testing.TB) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	return key
}

func serial(t testing.TB) *big.Int {
	t.Helper()
	n, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		t.Fatalf("Failed to generate serial: %v", err)
	}
	return n.Add(n, big.NewInt(1))
}

func keyID(pub *ecdsa.PublicKey) []byte {
	raw, _ := x509.MarshalPKIXPublicKey(pub)
	sum := sha1.Sum(raw)
	return sum[:]
}

func create(t testing.TB, template *x509.Certificate, parent *Entity, key *ecdsa.PrivateKey) *Entity {
	t.Helper()
	signerCert := template
	signerKey := key
	if parent != nil {
		signerCert = parent.Cert
		signerKey = parent.Key
	}
	der, err := x509.CreateCertificate(rand.Reader, template, signerCert, &key.PublicKey, signerKey)
	if err != nil {
		t.Fatalf("Failed to create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("Failed to parse certificate: %v", err)
	}
	return &Entity{Cert: cert, Key: key, Token: token.NewCertificateToken(cert)}
}

// NewRoot creates a self-signed CA.
func NewRoot(t testing.TB, name string, opts ...CertOption) *Entity {
	t.Helper()
	key := newKey(t)
	notBefore, notAfter := Window()
	template := &x509.Certificate{
		SerialNumber:          serial(t),
		Subject:               pkix.Name{Organization: []string{"Test Org"}, CommonName: name},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		SubjectKeyId:          keyID(&key.PublicKey),
	}
	for _, opt := range opts {
		opt(template)
	}
	return create(t, template, nil, key)
}

// Issue creates a certificate signed by e.
func (e *Entity) Issue(t testing.TB, name string, isCA bool, opts ...CertOption) *Entity {
	t.Helper()
	key := newKey(t)
	notBefore, notAfter := Window()
	template := &x509.Certificate{
		SerialNumber:          serial(t),
		Subject:               pkix.Name{Organization: []string{"Test Org"}, CommonName: name},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  isCA,
		SubjectKeyId:          keyID(&key.PublicKey),
	}
	if isCA {
		template.KeyUsage |= x509.KeyUsageCertSign | x509.KeyUsageCRLSign
	}
	for _, opt := range opts {
		opt(template)
	}
	return create(t, template, e, key)
}

// IssueTSA creates a time-stamping authority certificate signed by e.
func (e *Entity) IssueTSA(t testing.TB, name string, opts ...CertOption) *Entity {
	t.Helper()
	return e.Issue(t, name, false, append([]CertOption{WithExtKeyUsage(x509.ExtKeyUsageTimeStamping)}, opts...)...)
}

// Revoked describes one CRL entry.
type Revoked struct {
	Entity *Entity
	At     time.Time
	Reason int
}

// CRL creates a DER CRL issued by e.
func (e *Entity) CRL(t testing.TB, thisUpdate, nextUpdate time.Time, revoked ...Revoked) []byte {
	t.Helper()
	template := &x509.RevocationList{
		Number:     serial(t),
		ThisUpdate: thisUpdate,
		NextUpdate: nextUpdate,
	}
	for _, r := range revoked {
		template.RevokedCertificateEntries = append(template.RevokedCertificateEntries, x509.RevocationListEntry{
			SerialNumber:   r.Entity.Cert.SerialNumber,
			RevocationTime: r.At,
			ReasonCode:     r.Reason,
		})
	}
	der, err := x509.CreateRevocationList(rand.Reader, template, e.Cert, e.Key)
	if err != nil {
		t.Fatalf("Failed to create CRL: %v", err)
	}
	return der
}

// ParsedCRL is CRL followed by token.ParseCRL.
func (e *Entity) ParsedCRL(t testing.TB, thisUpdate, nextUpdate time.Time, revoked ...Revoked) *token.CRL {
	t.Helper()
	crl, err := token.ParseCRL(e.CRL(t, thisUpdate, nextUpdate, revoked...))
	if err != nil {
		t.Fatalf("Failed to parse CRL: %v", err)
	}
	return crl
}

// OCSPTemplate describes a single OCSP response.
type OCSPTemplate struct {
	Status           int
	ThisUpdate       time.Time
	NextUpdate       time.Time
	RevokedAt        time.Time
	RevocationReason int
	Extensions       []pkix.Extension
}

// OCSP creates a DER OCSP response about subject, signed by e as the issuing CA.
func (e *Entity) OCSP(t testing.TB, subject *Entity, tmpl OCSPTemplate) []byte {
	t.Helper()
	return e.signOCSP(t, e, subject, tmpl)
}

// DelegatedOCSP creates a DER OCSP response about subject, a certificate e
// issued, signed by responder. The responder certificate is embedded.
func (e *Entity) DelegatedOCSP(t testing.TB, responder, subject *Entity, tmpl OCSPTemplate) []byte {
	t.Helper()
	return e.signOCSP(t, responder, subject, tmpl)
}

func (e *Entity) signOCSP(t testing.TB, signer, subject *Entity, tmpl OCSPTemplate) []byte {
	t.Helper()
	resp := ocsp.Response{
		Status:           tmpl.Status,
		SerialNumber:     subject.Cert.SerialNumber,
		ThisUpdate:       tmpl.ThisUpdate,
		NextUpdate:       tmpl.NextUpdate,
		RevokedAt:        tmpl.RevokedAt,
		RevocationReason: tmpl.RevocationReason,
		IssuerHash:       crypto.SHA1,
		ExtraExtensions:  tmpl.Extensions,
	}
	if signer != e {
		resp.Certificate = signer.Cert
	}
	der, err := ocsp.CreateResponse(e.Cert, signer.Cert, resp, signer.Key)
	if err != nil {
		t.Fatalf("Failed to create OCSP response: %v", err)
	}
	return der
}

// ParsedOCSP is OCSP followed by token.ParseOCSPResponse.
func (e *Entity) ParsedOCSP(t testing.TB, subject *Entity, tmpl OCSPTemplate) *token.OCSPResponse {
	t.Helper()
	return parseOCSP(t, e.OCSP(t, subject, tmpl))
}

// ParsedDelegatedOCSP is DelegatedOCSP followed by token.ParseOCSPResponse.
func (e *Entity) ParsedDelegatedOCSP(t testing.TB, responder, subject *Entity, tmpl OCSPTemplate) *token.OCSPResponse {
	t.Helper()
	return parseOCSP(t, e.DelegatedOCSP(t, responder, subject, tmpl))
}

func parseOCSP(t testing.TB, der []byte) *token.OCSPResponse {
	t.Helper()
	resp, err := token.ParseOCSPResponse(der)
	if err != nil {
		t.Fatalf("Failed to parse OCSP response: %v", err)
	}
	return resp
}

// Timestamp creates a timestamp token signed by e over the given references.
// The token embeds e's certificate plus any extra certificates.
func (e *Entity) Timestamp(t testing.TB, genTime time.Time, refs []token.ID, extra ...*token.CertificateToken) *token.TimestampToken {
	t.Helper()
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		t.Fatalf("Failed to generate timestamp content: %v", err)
	}
	digest := sha256.Sum256(raw)
	sig, err := ecdsa.SignASN1(rand.Reader, e.Key, digest[:])
	if err != nil {
		t.Fatalf("Failed to sign timestamp: %v", err)
	}
	certs := append([]*token.CertificateToken{e.Token}, extra...)
	ts, err := token.NewTimestampToken(token.TimestampParams{
		Raw:                  raw,
		GenerationTime:       genTime,
		Type:                 token.SignatureTimestamp,
		MessageImprintIntact: true,
		Certificates:         certs,
		SignerIssuer:         e.Cert.RawIssuer,
		SignerSerial:         e.Cert.SerialNumber,
		References:           refs,
		SignatureAlgorithm:   x509.ECDSAWithSHA256,
		CheckSignature: func(signer *x509.Certificate) error {
			return signer.CheckSignature(x509.ECDSAWithSHA256, raw, sig)
		},
	})
	if err != nil {
		t.Fatalf("Failed to build timestamp: %v", err)
	}
	return ts
}
