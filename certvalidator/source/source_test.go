package source

import (
	"context"
	"crypto/x509/pkix"
	"encoding/asn1"
	"testing"
	"time"

	"golang.org/x/crypto/ocsp"

	"github.com/georgepadayatti/certtrust/internal/pkitest"
	"github.com/georgepadayatti/certtrust/certvalidator/token"
)

func TestTypeString(t *testing.T) {
	if TypeTrusted.String() != "trusted" || TypeAIA.String() != "aia" || Type(99).String() != "unknown" {
		t.Error("unexpected type names")
	}
}

func TestListCertificateSourceLookups(t *testing.T) {
	root := pkitest.NewRoot(t, "Root CA")
	inter := root.Issue(t, "Intermediate CA", true)

	s := NewListCertificateSource(TypeAdjunct, root.Token)
	if !s.Add(inter.Token) {
		t.Fatal("first Add should report a new certificate")
	}
	if s.Add(inter.Token) {
		t.Error("second Add should be a no-op")
	}
	if s.Len() != 2 {
		t.Errorf("Len() = %d, want 2", s.Len())
	}

	folded, _ := asn1.Marshal(pkix.Name{Organization: []string{"test org"}, CommonName: "ROOT ca"}.ToRDNSequence())
	if got := s.BySubject(folded); len(got) != 1 || got[0].ID() != root.Token.ID() {
		t.Errorf("BySubject with folded name = %v", got)
	}
	if got := s.BySubjectKeyID(inter.Cert.SubjectKeyId); len(got) != 1 || got[0].ID() != inter.Token.ID() {
		t.Errorf("BySubjectKeyID = %v", got)
	}
	if got := s.ByEntityKey(root.Token.EntityKey()); len(got) != 1 {
		t.Errorf("ByEntityKey = %v", got)
	}
	if got := s.ByPublicKeyHash(inter.Token.PublicKeyHash()); len(got) != 1 {
		t.Errorf("ByPublicKeyHash = %v", got)
	}
	if s.BySubjectKeyID(nil) != nil {
		t.Error("empty key identifier should match nothing")
	}
	if got := s.Certificates(); got[0].ID() != root.Token.ID() || got[1].ID() != inter.Token.ID() {
		t.Error("Certificates() should keep insertion order")
	}
}

func TestTrustedCertificateSourceSunset(t *testing.T) {
	root := pkitest.NewRoot(t, "Root")
	retired := pkitest.NewRoot(t, "Retired")
	stranger := pkitest.NewRoot(t, "Stranger")

	sunset := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewTrustedCertificateSource(root.Token)
	s.AddWithSunset(retired.Token, sunset)

	if !s.IsTrusted(retired.Token) || s.IsTrusted(stranger.Token) {
		t.Error("unexpected plain membership")
	}
	if !s.IsTrustedAtTime(root.Token, sunset.Add(100*365*24*time.Hour)) {
		t.Error("anchor without sunset should always be trusted")
	}
	if !s.IsTrustedAtTime(retired.Token, sunset) {
		t.Error("anchor should be trusted at its sunset date")
	}
	if s.IsTrustedAtTime(retired.Token, sunset.Add(time.Second)) {
		t.Error("anchor should not be trusted after its sunset date")
	}
	if s.IsTrustedAtTime(stranger.Token, sunset) {
		t.Error("non-member should never be trusted")
	}
}

func TestCompositeCertificateSourceDeduplicates(t *testing.T) {
	root := pkitest.NewRoot(t, "Root")
	inter := root.Issue(t, "Inter", true)

	a := NewListCertificateSource(TypeTrusted, root.Token)
	b := NewListCertificateSource(TypeAdjunct, root.Token, inter.Token)
	c := NewCompositeCertificateSource(a, nil, b)

	if got := c.Certificates(); len(got) != 2 {
		t.Fatalf("expected 2 distinct certificates, got %d", len(got))
	}
	if got := c.BySubject(root.Cert.RawSubject); len(got) != 1 {
		t.Errorf("BySubject should deduplicate, got %d", len(got))
	}
	if !c.Contains(inter.Token) {
		t.Error("composite should contain the intermediate")
	}

	late := pkitest.NewRoot(t, "Late")
	c.Add(NewListCertificateSource(TypeAIA, late.Token))
	if !c.Contains(late.Token) {
		t.Error("sources added later should be visible")
	}
}

func TestOfflineRevocationSource(t *testing.T) {
	root := pkitest.NewRoot(t, "Root")
	other := pkitest.NewRoot(t, "Other")
	leaf := root.Issue(t, "Leaf", false)

	now := time.Now()
	crl := root.ParsedCRL(t, now.Add(-time.Hour), now.Add(time.Hour))
	resp := root.ParsedOCSP(t, leaf, pkitest.OCSPTemplate{Status: ocsp.Good, ThisUpdate: now.Add(-time.Minute), NextUpdate: now.Add(time.Hour)})

	s := NewOfflineRevocationSource([]*token.CRL{crl, crl}, []*token.OCSPResponse{resp})
	if len(s.CRLs()) != 1 {
		t.Errorf("duplicate CRL should be ignored, got %d", len(s.CRLs()))
	}

	tokens := s.RevocationTokens(leaf.Token, root.Token)
	if len(tokens) != 2 {
		t.Fatalf("expected OCSP and CRL tokens, got %d", len(tokens))
	}
	if tokens[0].Type() != token.RevocationOCSP || tokens[1].Type() != token.RevocationCRL {
		t.Error("OCSP tokens should come before CRL tokens")
	}
	if got := s.RevocationTokens(leaf.Token, other.Token); len(got) != 0 {
		t.Errorf("tokens not signed by the issuer must be filtered, got %d", len(got))
	}
	if got := s.RevocationTokens(root.Token, nil); len(got) != 1 {
		t.Errorf("root is covered by its own CRL only, got %d", len(got))
	}

	merged := NewOfflineRevocationSource(nil, nil)
	merged.Merge(s)
	if len(merged.CRLs()) != 1 || len(merged.OCSPResponses()) != 1 {
		t.Error("Merge should copy all data")
	}
}

func TestSourceFuncAdapters(t *testing.T) {
	root := pkitest.NewRoot(t, "Root")
	var online OnlineRevocationSource = OnlineRevocationSourceFunc(func(context.Context, *token.CertificateToken, *token.CertificateToken) (*token.RevocationToken, error) {
		return nil, nil
	})
	if rt, err := online.RevocationToken(context.Background(), root.Token, root.Token); rt != nil || err != nil {
		t.Error("adapter should forward the call")
	}
	var aia AIASource = AIASourceFunc(func(context.Context, *token.CertificateToken) ([]*token.CertificateToken, error) {
		return []*token.CertificateToken{root.Token}, nil
	})
	if got, _ := aia.IssuerCandidates(context.Background(), root.Token); len(got) != 1 {
		t.Error("adapter should forward the call")
	}
}
