package token_test

import (
	"crypto/sha256"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/ocsp"

	"github.com/georgepadayatti/certtrust/internal/pkitest"
	"github.com/georgepadayatti/certtrust/certvalidator/token"
)

func TestNewIDIsContentDerived(t *testing.T) {
	a := token.NewID("C", []byte("abc"))
	b := token.NewID("C", []byte("abc"))
	c := token.NewID("C", []byte("abd"))

	if a != b {
		t.Errorf("same content produced different IDs: %s vs %s", a, b)
	}
	if a == c {
		t.Error("different content produced the same ID")
	}
	if !strings.HasPrefix(a.String(), "C-") {
		t.Errorf("ID %s does not carry its prefix", a)
	}
	if len(a.Short()) != 14 {
		t.Errorf("Short() = %q, want 14 characters", a.Short())
	}
}

func TestKindString(t *testing.T) {
	tests := []struct {
		kind     token.Kind
		expected string
	}{
		{token.KindCertificate, "certificate"},
		{token.KindRevocation, "revocation"},
		{token.KindTimestamp, "timestamp"},
		{token.KindEvidenceRecord, "evidence-record"},
		{token.Kind(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.kind.String(); got != tt.expected {
			t.Errorf("Kind(%d).String() = %q, want %q", tt.kind, got, tt.expected)
		}
	}
}

func TestParseCertificateMalformed(t *testing.T) {
	_, err := token.ParseCertificate([]byte("not a certificate"))
	if !errors.Is(err, token.ErrMalformedCertificate) {
		t.Fatalf("expected ErrMalformedCertificate, got %v", err)
	}
}

func TestParseCertificatesPEMAndDER(t *testing.T) {
	root := pkitest.NewRoot(t, "Root")
	leaf := root.Issue(t, "Leaf", false)

	der, err := token.ParseCertificates(leaf.Cert.Raw)
	if err != nil {
		t.Fatalf("ParseCertificates(DER) failed: %v", err)
	}
	if len(der) != 1 || der[0].ID() != leaf.Token.ID() {
		t.Fatalf("unexpected DER parse result: %v", der)
	}

	bundle := pemEncode(root.Cert.Raw) + pemEncode(leaf.Cert.Raw)
	certs, err := token.ParseCertificates([]byte(bundle))
	if err != nil {
		t.Fatalf("ParseCertificates(PEM) failed: %v", err)
	}
	if len(certs) != 2 {
		t.Fatalf("expected 2 certificates, got %d", len(certs))
	}
}

func TestCertificateTokenSignatures(t *testing.T) {
	root := pkitest.NewRoot(t, "Root")
	other := pkitest.NewRoot(t, "Other Root")
	leaf := root.Issue(t, "Leaf", false)

	if !root.Token.IsSelfSigned() {
		t.Error("root should be self-signed")
	}
	if leaf.Token.IsSelfSigned() {
		t.Error("leaf should not be self-signed")
	}
	if !leaf.Token.IsSignedBy(root.Token) {
		t.Error("leaf should verify against its issuer")
	}
	if leaf.Token.IsSignedBy(other.Token) {
		t.Error("leaf should not verify against an unrelated root")
	}
	// cached result must be stable
	if !leaf.Token.IsSignedBy(root.Token) {
		t.Error("cached verification result changed")
	}
	if leaf.Token.IsSignedBy(nil) {
		t.Error("nil issuer must not verify")
	}
	if leaf.Token.PublicKeySize() != 256 {
		t.Errorf("PublicKeySize() = %d, want 256", leaf.Token.PublicKeySize())
	}
	if root.Token.EntityKey() == leaf.Token.EntityKey() {
		t.Error("distinct keys share an entity key")
	}
}

func TestCertificateTokenExtensions(t *testing.T) {
	root := pkitest.NewRoot(t, "Root")
	responder := root.Issue(t, "Responder", false,
		pkitest.WithExtension(token.OIDOCSPNoCheck, []byte{0x05, 0x00}),
		pkitest.WithPolicies("1.2.3.4", "2.25.329800735698586629295641978511506172918"),
		pkitest.WithIssuerURL("http://example.com/ca.crt"),
	)

	if !responder.Token.HasOCSPNoCheck() {
		t.Error("expected ocsp-nocheck extension")
	}
	policies := responder.Token.PolicyOIDs()
	if len(policies) != 2 || !policies[0].EqualASN1OID(asn1.ObjectIdentifier{1, 2, 3, 4}) {
		t.Fatalf("unexpected policies: %v", policies)
	}
	if got := policies[1].String(); got != "2.25.329800735698586629295641978511506172918" {
		t.Errorf("large-arc policy = %s", got)
	}
	if got := responder.Token.IssuerURLs(); len(got) != 1 || got[0] != "http://example.com/ca.crt" {
		t.Errorf("unexpected AIA: %v", got)
	}
}

func TestCanonicalNameFoldsCaseAndSpace(t *testing.T) {
	a, _ := asn1.Marshal(pkix.Name{CommonName: "Test  CA", Organization: []string{"ACME"}}.ToRDNSequence())
	b, _ := asn1.Marshal(pkix.Name{CommonName: "test ca", Organization: []string{"acme"}}.ToRDNSequence())
	if token.CanonicalName(a) != token.CanonicalName(b) {
		t.Errorf("names should compare equal: %q vs %q", token.CanonicalName(a), token.CanonicalName(b))
	}
	if !strings.HasPrefix(token.CanonicalName([]byte{0x01}), "raw:") {
		t.Error("undecodable name should fall back to raw form")
	}
}

func TestCRLTokenFor(t *testing.T) {
	root := pkitest.NewRoot(t, "Root")
	good := root.Issue(t, "Good", false)
	bad := root.Issue(t, "Bad", false)
	stranger := pkitest.NewRoot(t, "Stranger").Issue(t, "Stranger Leaf", false)

	now := time.Now().Truncate(time.Second)
	revokedAt := now.Add(-2 * time.Hour)
	crl := root.ParsedCRL(t, now.Add(-time.Hour), now.Add(24*time.Hour),
		pkitest.Revoked{Entity: bad, At: revokedAt, Reason: 1})

	gt := crl.TokenFor(good.Token)
	if gt == nil || gt.Status() != token.StatusGood {
		t.Fatalf("expected good status, got %v", gt)
	}
	if gt.RelatedCertificateID() != good.Token.ID() {
		t.Error("token not related to its certificate")
	}
	if !gt.IsComplete() {
		t.Error("CRL token should be complete")
	}

	bt := crl.TokenFor(bad.Token)
	if bt.Status() != token.StatusRevoked {
		t.Fatalf("expected revoked status, got %s", bt.Status())
	}
	if !bt.RevocationDate().Equal(revokedAt) {
		t.Errorf("RevocationDate() = %v, want %v", bt.RevocationDate(), revokedAt)
	}
	if bt.Reason() != token.ReasonKeyCompromise {
		t.Errorf("Reason() = %s, want keyCompromise", bt.Reason())
	}
	if gt.ID() == bt.ID() {
		t.Error("tokens for different certificates share an ID")
	}

	if crl.TokenFor(stranger.Token) != nil {
		t.Error("CRL must not speak for certificates of another issuer")
	}

	if gt.IsSignatureValid() {
		t.Error("signature should not be valid before any issuer verified it")
	}
	if !gt.IsSignedBy(root.Token) {
		t.Error("CRL should verify against its issuer")
	}
	if !bt.IsSignatureValid() {
		t.Error("verification result should be shared by tokens of the same CRL")
	}
}

func TestParseCRLMalformed(t *testing.T) {
	if _, err := token.ParseCRL([]byte{0x30, 0x00}); !errors.Is(err, token.ErrMalformedCRL) {
		t.Fatalf("expected ErrMalformedCRL, got %v", err)
	}
}

func TestOCSPTokenFor(t *testing.T) {
	root := pkitest.NewRoot(t, "Root")
	leaf := root.Issue(t, "Leaf", false)
	other := root.Issue(t, "Other", false)

	now := time.Now().Truncate(time.Second)
	revokedAt := now.Add(-time.Hour)
	resp := root.ParsedOCSP(t, leaf, pkitest.OCSPTemplate{
		Status:     ocsp.Revoked,
		ThisUpdate: now.Add(-time.Minute),
		NextUpdate: now.Add(time.Hour),
		RevokedAt:  revokedAt,
	})

	rt := resp.TokenFor(leaf.Token)
	if rt == nil {
		t.Fatal("expected a token for the leaf")
	}
	if rt.Type() != token.RevocationOCSP || rt.Status() != token.StatusRevoked {
		t.Fatalf("unexpected token: %s", rt)
	}
	if !rt.RevocationDate().Equal(revokedAt) {
		t.Errorf("RevocationDate() = %v, want %v", rt.RevocationDate(), revokedAt)
	}
	if !rt.IsSignedBy(root.Token) {
		t.Error("OCSP response should verify against the issuing CA")
	}
	if !resp.MatchesResponder(root.Token) {
		t.Error("responder ID should match the signing CA")
	}
	if resp.MatchesResponder(leaf.Token) {
		t.Error("responder ID should not match the leaf")
	}
	if resp.TokenFor(other.Token) != nil {
		t.Error("OCSP response must not speak for another serial number")
	}
}

func TestParseOCSPResponseMalformed(t *testing.T) {
	if _, err := token.ParseOCSPResponse([]byte("junk")); !errors.Is(err, token.ErrMalformedOCSP) {
		t.Fatalf("expected ErrMalformedOCSP, got %v", err)
	}
}

func TestRevocationTokenKnownFrom(t *testing.T) {
	thisUpdate := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	cutoff := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

	plain := token.NewRevocationToken(token.RevocationParams{Raw: []byte{1}, ThisUpdate: thisUpdate})
	if !plain.KnownFrom().Equal(thisUpdate) {
		t.Errorf("KnownFrom() = %v, want thisUpdate", plain.KnownFrom())
	}

	archived := token.NewRevocationToken(token.RevocationParams{Raw: []byte{2}, ThisUpdate: thisUpdate, ArchiveCutOff: cutoff})
	if !archived.KnownFrom().Equal(cutoff) {
		t.Errorf("KnownFrom() = %v, want archive cutoff", archived.KnownFrom())
	}

	expired := token.NewRevocationToken(token.RevocationParams{Raw: []byte{3}, ThisUpdate: thisUpdate, ExpiredCertsOnCRL: cutoff})
	if !expired.KnownFrom().Equal(cutoff) {
		t.Errorf("KnownFrom() = %v, want expiredCertsOnCRL", expired.KnownFrom())
	}
}

func TestTimestampToken(t *testing.T) {
	tsa := pkitest.NewRoot(t, "TSA")
	other := pkitest.NewRoot(t, "Other")
	ref := token.NewID("S", []byte("signature"))
	genTime := time.Now().Add(-time.Hour)

	ts := tsa.Timestamp(t, genTime, []token.ID{ref}, other.Token)

	if !ts.GenerationTime().Equal(genTime) {
		t.Error("generation time not preserved")
	}
	if len(ts.References()) != 1 || ts.References()[0] != ref {
		t.Errorf("unexpected references: %v", ts.References())
	}
	cands := ts.SigningCertificateCandidates()
	if len(cands) != 1 || cands[0].ID() != tsa.Token.ID() {
		t.Fatalf("unexpected signing candidates: %v", cands)
	}
	if ts.IsSignatureIntact() {
		t.Error("signature should not be intact before verification")
	}
	if ts.IsSignedBy(other.Token) {
		t.Error("timestamp should not verify with an unrelated key")
	}
	if !ts.IsSignedBy(tsa.Token) {
		t.Fatal("timestamp should verify with the TSA key")
	}
	if !ts.IsSignatureIntact() {
		t.Error("signature should be intact after verification")
	}
}

func TestTimestampMatchesSigningCertificateDigest(t *testing.T) {
	tsa := pkitest.NewRoot(t, "TSA")
	other := pkitest.NewRoot(t, "Other")
	digest := sha256.Sum256(tsa.Cert.Raw)

	ts, err := token.NewTimestampToken(token.TimestampParams{
		Raw:                               []byte{1, 2, 3},
		GenerationTime:                    time.Now(),
		Certificates:                      []*token.CertificateToken{other.Token, tsa.Token},
		SigningCertificateDigest:          digest[:],
		SigningCertificateDigestAlgorithm: sha256Hash,
	})
	if err != nil {
		t.Fatalf("NewTimestampToken failed: %v", err)
	}
	if !ts.MatchesSigningCertificate(tsa.Token) || ts.MatchesSigningCertificate(other.Token) {
		t.Error("signing certificate digest not honoured")
	}
}

func TestNewTimestampTokenRejectsIncompleteInput(t *testing.T) {
	if _, err := token.NewTimestampToken(token.TimestampParams{GenerationTime: time.Now()}); !errors.Is(err, token.ErrMalformedTimestamp) {
		t.Errorf("expected ErrMalformedTimestamp for empty encoding, got %v", err)
	}
	if _, err := token.NewTimestampToken(token.TimestampParams{Raw: []byte{1}}); !errors.Is(err, token.ErrMalformedTimestamp) {
		t.Errorf("expected ErrMalformedTimestamp for missing time, got %v", err)
	}
}

func TestEvidenceRecordIsUnsigned(t *testing.T) {
	root := pkitest.NewRoot(t, "Root")
	er, err := token.NewEvidenceRecord(token.EvidenceRecordParams{Raw: []byte("er")})
	if err != nil {
		t.Fatalf("NewEvidenceRecord failed: %v", err)
	}
	if er.IsSignedBy(root.Token) {
		t.Error("evidence record must never be signed by a certificate")
	}
	if er.Kind() != token.KindEvidenceRecord {
		t.Errorf("Kind() = %s", er.Kind())
	}
	if _, err := token.NewEvidenceRecord(token.EvidenceRecordParams{}); !errors.Is(err, token.ErrMalformedEvidence) {
		t.Errorf("expected ErrMalformedEvidence, got %v", err)
	}
}
