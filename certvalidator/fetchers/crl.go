package fetchers

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/georgepadayatti/certtrust/certvalidator/token"
)

// CRLSource downloads CRLs from a certificate's distribution points.
type CRLSource struct {
	loader *DataLoader
	logger *slog.Logger
}

// NewCRLSource creates a CRL source on top of loader.
func NewCRLSource(loader *DataLoader, logger *slog.Logger) *CRLSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &CRLSource{loader: loader, logger: logger}
}

// FetchCRL downloads and parses the CRL at url.
func (s *CRLSource) FetchCRL(ctx context.Context, url string) (*token.CRL, error) {
	data, err := s.loader.Get(ctx, url)
	if err != nil {
		return nil, err
	}
	return token.ParseCRLFrom(data, token.OriginOnline, url)
}

// RevocationToken implements source.OnlineRevocationSource. Distribution
// points are tried in order; the first CRL issued by issuer that covers cert wins.
func (s *CRLSource) RevocationToken(ctx context.Context, cert, issuer *token.CertificateToken) (*token.RevocationToken, error) {
	urls := httpURLs(cert.CRLDistributionPoints())
	if len(urls) == 0 {
		return nil, ErrNoDistributionPoints
	}

	rt, result := RetryMultiURL(ctx, NoRetryConfig(), urls, func(ctx context.Context, url string) (*token.RevocationToken, error) {
		crl, err := s.FetchCRL(ctx, url)
		if err != nil {
			return nil, err
		}
		if issuer != nil && !crl.IsSignedBy(issuer) {
			return nil, fmt.Errorf("CRL at %s is not signed by %s", url, issuer.ID().Short())
		}
		rt := crl.TokenFor(cert)
		if rt == nil {
			return nil, fmt.Errorf("CRL at %s does not cover %s", url, cert.ID().Short())
		}
		return rt, nil
	})
	if !result.Success {
		s.logger.Debug("no CRL retrieved", "certificate", cert.ID(), "errors", result.Summary())
		return nil, result.AllErrors()
	}
	s.logger.Debug("CRL retrieved", "certificate", cert.ID(), "url", result.SuccessfulURL, "token", rt.ID())
	return rt, nil
}

// httpURLs keeps the http and https locations; ldap and file URLs are skipped.
func httpURLs(urls []string) []string {
	var out []string
	for _, u := range urls {
		lower := strings.ToLower(u)
		if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
			out = append(out, u)
		}
	}
	return out
}
