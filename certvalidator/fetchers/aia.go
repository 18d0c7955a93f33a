package fetchers

import (
	"context"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cloudflare/cfssl/crypto/pkcs7"

	"github.com/georgepadayatti/certtrust/certvalidator/token"
)

// ErrNoCertificates is returned when an AIA location yields no certificate.
var ErrNoCertificates = errors.New("no certificates found")

// AIASource downloads issuer candidates from AIA caIssuers locations.
type AIASource struct {
	loader *DataLoader
	logger *slog.Logger
}

// NewAIASource creates an AIA source on top of loader.
func NewAIASource(loader *DataLoader, logger *slog.Logger) *AIASource {
	if logger == nil {
		logger = slog.Default()
	}
	return &AIASource{loader: loader, logger: logger}
}

// FetchCertificates downloads url and decodes it as DER, a PEM bundle or a
// certs-only PKCS#7 structure.
func (s *AIASource) FetchCertificates(ctx context.Context, url string) ([]*token.CertificateToken, error) {
	data, err := s.loader.Get(ctx, url)
	if err != nil {
		return nil, err
	}
	return DecodeCertificates(data)
}

// IssuerCandidates implements source.AIASource. Every location is consulted
// and the results are concatenated; failures of single locations are logged.
func (s *AIASource) IssuerCandidates(ctx context.Context, cert *token.CertificateToken) ([]*token.CertificateToken, error) {
	urls := httpURLs(cert.IssuerURLs())
	if len(urls) == 0 {
		return nil, ErrNoIssuerURLs
	}

	var (
		out  []*token.CertificateToken
		errs []error
	)
	for _, url := range urls {
		certs, err := s.FetchCertificates(ctx, url)
		if err != nil {
			s.logger.Debug("AIA download failed", "certificate", cert.ID(), "url", url, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", url, err))
			continue
		}
		out = append(out, certs...)
	}
	if len(out) == 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

// DecodeCertificates decodes DER, PEM or PKCS#7 encoded certificates.
func DecodeCertificates(data []byte) ([]*token.CertificateToken, error) {
	if certs, err := token.ParseCertificates(data); err == nil {
		return certs, nil
	}

	der := data
	if block, _ := pem.Decode(data); block != nil {
		der = block.Bytes
	}
	p, err := pkcs7.ParsePKCS7(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", token.ErrMalformedCertificate, err)
	}
	if len(p.Content.SignedData.Certificates) == 0 {
		return nil, ErrNoCertificates
	}
	out := make([]*token.CertificateToken, 0, len(p.Content.SignedData.Certificates))
	for _, c := range p.Content.SignedData.Certificates {
		out = append(out, token.NewCertificateToken(c))
	}
	return out, nil
}
