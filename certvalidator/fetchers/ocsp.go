package fetchers

import (
	"context"
	"crypto"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"golang.org/x/crypto/ocsp"

	"github.com/georgepadayatti/certtrust/certvalidator/token"
)

// OCSPSource queries the OCSP responders named in a certificate's AIA extension.
type OCSPSource struct {
	loader *DataLoader
	logger *slog.Logger

	// Hash is the algorithm used for the CertID in requests. Default: SHA-1,
	// which every responder understands.
	Hash crypto.Hash
}

// NewOCSPSource creates an OCSP source on top of loader.
func NewOCSPSource(loader *DataLoader, logger *slog.Logger) *OCSPSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &OCSPSource{loader: loader, logger: logger, Hash: crypto.SHA1}
}

// RevocationToken implements source.OnlineRevocationSource.
func (s *OCSPSource) RevocationToken(ctx context.Context, cert, issuer *token.CertificateToken) (*token.RevocationToken, error) {
	if issuer == nil {
		return nil, ErrIssuerRequired
	}
	servers := httpURLs(cert.OCSPServers())
	if len(servers) == 0 {
		return nil, ErrNoOCSPServers
	}

	req, err := ocsp.CreateRequest(cert.Certificate(), issuer.Certificate(), &ocsp.RequestOptions{Hash: s.Hash})
	if err != nil {
		return nil, fmt.Errorf("failed to create OCSP request: %w", err)
	}

	rt, result := RetryMultiURL(ctx, NoRetryConfig(), servers, func(ctx context.Context, server string) (*token.RevocationToken, error) {
		resp, err := s.query(ctx, server, req)
		if err != nil {
			return nil, err
		}
		rt := resp.TokenFor(cert)
		if rt == nil {
			return nil, fmt.Errorf("OCSP response from %s does not cover %s", server, cert.ID().Short())
		}
		return rt, nil
	})
	if !result.Success {
		s.logger.Debug("no OCSP response retrieved", "certificate", cert.ID(), "errors", result.Summary())
		return nil, result.AllErrors()
	}
	s.logger.Debug("OCSP response retrieved", "certificate", cert.ID(), "url", result.SuccessfulURL, "token", rt.ID())
	return rt, nil
}

// query tries POST first and falls back to GET with the base64 request in the path.
func (s *OCSPSource) query(ctx context.Context, server string, req []byte) (*token.OCSPResponse, error) {
	body, err := s.loader.Post(ctx, server, "application/ocsp-request", req)
	if err == nil {
		resp, perr := token.ParseOCSPResponseFrom(body, token.OriginOnline, server)
		if perr == nil {
			return resp, nil
		}
		err = perr
	}
	s.logger.Debug("OCSP POST failed, trying GET", "url", server, "error", err)

	getURL := strings.TrimSuffix(server, "/") + "/" + url.PathEscape(base64.StdEncoding.EncodeToString(req))
	body, err = s.loader.Get(ctx, getURL)
	if err != nil {
		return nil, err
	}
	return token.ParseOCSPResponseFrom(body, token.OriginOnline, server)
}
