package fetchers

import (
	"context"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/ocsp"

	"github.com/georgepadayatti/certtrust/internal/pkitest"
	"github.com/georgepadayatti/certtrust/certvalidator/token"
)

// pkiServer serves whatever the test registers under a path.
type pkiServer struct {
	*httptest.Server
	routes map[string]http.HandlerFunc
}

func newPKIServer(t *testing.T) *pkiServer {
	t.Helper()
	s := &pkiServer{routes: make(map[string]http.HandlerFunc)}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for prefix, h := range s.routes {
			if strings.HasPrefix(r.URL.Path, prefix) {
				h(w, r)
				return
			}
		}
		http.NotFound(w, r)
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *pkiServer) serve(path string, body []byte) {
	s.routes[path] = func(w http.ResponseWriter, r *http.Request) { w.Write(body) }
}

func newTestLoader() *DataLoader {
	config := testLoaderConfig()
	config.Retry = NoRetryConfig()
	return NewDataLoader(config)
}

func TestCRLSourceRevocationToken(t *testing.T) {
	server := newPKIServer(t)
	root := pkitest.NewRoot(t, "Root")
	inter := root.Issue(t, "Intermediate", true)
	leaf := inter.Issue(t, "Leaf", false,
		pkitest.WithCRLDistributionPoint(server.URL+"/inter.crl"))

	now := time.Now()
	revokedAt := now.Add(-2 * time.Hour).Truncate(time.Second)
	server.serve("/inter.crl", inter.CRL(t, now.Add(-time.Hour), now.Add(24*time.Hour),
		pkitest.Revoked{Entity: leaf, At: revokedAt, Reason: 1}))

	src := NewCRLSource(newTestLoader(), nil)
	rt, err := src.RevocationToken(context.Background(), leaf.Token, inter.Token)
	if err != nil {
		t.Fatalf("RevocationToken() error: %v", err)
	}
	if rt.Status() != token.StatusRevoked || !rt.RevocationDate().Equal(revokedAt) {
		t.Errorf("status = %v at %v, want revoked at %v", rt.Status(), rt.RevocationDate(), revokedAt)
	}
	if rt.Origin() != token.OriginOnline || rt.SourceURL() != server.URL+"/inter.crl" {
		t.Errorf("origin = %v from %q", rt.Origin(), rt.SourceURL())
	}
	if rt.CRL() == nil || !rt.IsSignedBy(inter.Token) {
		t.Error("token should carry its CRL and verify against the issuer")
	}

	if _, err := src.RevocationToken(context.Background(), leaf.Token, root.Token); err == nil {
		t.Error("CRL signed by another CA should be rejected")
	}
	if _, err := src.RevocationToken(context.Background(), inter.Token, root.Token); !errors.Is(err, ErrNoDistributionPoints) {
		t.Errorf("error = %v, want ErrNoDistributionPoints", err)
	}
}

func TestCRLSourceSkipsFailingDistributionPoint(t *testing.T) {
	server := newPKIServer(t)
	root := pkitest.NewRoot(t, "Root")
	leaf := root.Issue(t, "Leaf", false, func(c *x509.Certificate) {
		c.CRLDistributionPoints = []string{
			"ldap://ldap.example.com/cn=Root",
			server.URL + "/missing.crl",
			server.URL + "/root.crl",
		}
	})
	now := time.Now()
	server.serve("/root.crl", root.CRL(t, now.Add(-time.Hour), now.Add(time.Hour)))

	rt, err := NewCRLSource(newTestLoader(), nil).RevocationToken(context.Background(), leaf.Token, root.Token)
	if err != nil {
		t.Fatalf("RevocationToken() error: %v", err)
	}
	if rt.Status() != token.StatusGood || rt.SourceURL() != server.URL+"/root.crl" {
		t.Errorf("status = %v from %q", rt.Status(), rt.SourceURL())
	}
}

func ocspHandler(t *testing.T, issuer, subject *pkitest.Entity, allowPost bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var raw []byte
		switch r.Method {
		case http.MethodPost:
			if !allowPost {
				w.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			raw, _ = io.ReadAll(r.Body)
		case http.MethodGet:
			escaped := strings.TrimPrefix(r.URL.EscapedPath(), "/ocsp/")
			encoded, err := url.PathUnescape(escaped)
			if err == nil {
				raw, err = base64.StdEncoding.DecodeString(encoded)
			}
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
		}
		req, err := ocsp.ParseRequest(raw)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.SerialNumber.Cmp(subject.Cert.SerialNumber) != 0 {
			http.Error(w, "unknown serial", http.StatusNotFound)
			return
		}
		now := time.Now()
		w.Write(issuer.OCSP(t, subject, pkitest.OCSPTemplate{
			Status:     ocsp.Good,
			ThisUpdate: now.Add(-time.Minute),
			NextUpdate: now.Add(time.Hour),
		}))
	}
}

func TestOCSPSourceRevocationToken(t *testing.T) {
	for _, tt := range []struct {
		name      string
		allowPost bool
	}{
		{"post", true},
		{"get fallback", false},
	} {
		t.Run(tt.name, func(t *testing.T) {
			server := newPKIServer(t)
			root := pkitest.NewRoot(t, "Root")
			leaf := root.Issue(t, "Leaf", false, pkitest.WithOCSPServer(server.URL+"/ocsp"))
			server.routes["/ocsp"] = ocspHandler(t, root, leaf, tt.allowPost)

			rt, err := NewOCSPSource(newTestLoader(), nil).RevocationToken(context.Background(), leaf.Token, root.Token)
			if err != nil {
				t.Fatalf("RevocationToken() error: %v", err)
			}
			if rt.Type() != token.RevocationOCSP || rt.Status() != token.StatusGood {
				t.Errorf("token = %v %v", rt.Type(), rt.Status())
			}
			if rt.RelatedCertificateID() != leaf.Token.ID() || !rt.IsSignedBy(root.Token) {
				t.Error("token should speak for the leaf and verify against the CA")
			}
		})
	}
}

func TestOCSPSourceErrors(t *testing.T) {
	root := pkitest.NewRoot(t, "Root")
	withServer := root.Issue(t, "Leaf", false, pkitest.WithOCSPServer("http://127.0.0.1:1/ocsp"))
	src := NewOCSPSource(newTestLoader(), nil)

	if _, err := src.RevocationToken(context.Background(), withServer.Token, nil); !errors.Is(err, ErrIssuerRequired) {
		t.Errorf("error = %v, want ErrIssuerRequired", err)
	}
	plain := root.Issue(t, "Plain", false)
	if _, err := src.RevocationToken(context.Background(), plain.Token, root.Token); !errors.Is(err, ErrNoOCSPServers) {
		t.Errorf("error = %v, want ErrNoOCSPServers", err)
	}
}

func TestAIASourceIssuerCandidates(t *testing.T) {
	server := newPKIServer(t)
	root := pkitest.NewRoot(t, "Root")
	inter := root.Issue(t, "Intermediate", true)
	leaf := inter.Issue(t, "Leaf", false, pkitest.WithIssuerURL(server.URL+"/inter.cer"))
	pemLeaf := inter.Issue(t, "PEM Leaf", false, pkitest.WithIssuerURL(server.URL+"/inter.pem"))

	server.serve("/inter.cer", inter.Cert.Raw)
	server.serve("/inter.pem", pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: inter.Cert.Raw}))

	src := NewAIASource(newTestLoader(), nil)
	for _, cert := range []*token.CertificateToken{leaf.Token, pemLeaf.Token} {
		got, err := src.IssuerCandidates(context.Background(), cert)
		if err != nil {
			t.Fatalf("IssuerCandidates() error: %v", err)
		}
		if len(got) != 1 || got[0].ID() != inter.Token.ID() {
			t.Errorf("IssuerCandidates() = %v, want the intermediate", got)
		}
	}

	if _, err := src.IssuerCandidates(context.Background(), inter.Token); !errors.Is(err, ErrNoIssuerURLs) {
		t.Errorf("error = %v, want ErrNoIssuerURLs", err)
	}
}

func TestDecodeCertificatesRejectsGarbage(t *testing.T) {
	if _, err := DecodeCertificates([]byte("not a certificate")); !errors.Is(err, token.ErrMalformedCertificate) {
		t.Errorf("error = %v, want ErrMalformedCertificate", err)
	}
}
