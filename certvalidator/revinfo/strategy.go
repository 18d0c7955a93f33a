package revinfo

import (
	"context"
	"log/slog"

	"github.com/georgepadayatti/certtrust/certvalidator/policy"
	"github.com/georgepadayatti/certtrust/certvalidator/source"
	"github.com/georgepadayatti/certtrust/certvalidator/token"
)

// AcceptFunc decides whether a retrieved token is good enough to stop looking.
type AcceptFunc func(*token.RevocationToken) bool

// Strategy retrieves revocation data for a certificate from online sources.
type Strategy interface {
	// Load returns the first acceptable token, a fallback candidate, or nil.
	Load(ctx context.Context, cert, issuer *token.CertificateToken, accept AcceptFunc) *token.RevocationToken
}

// StrategyFactory builds a Strategy over the configured online sources.
type StrategyFactory interface {
	NewStrategy(crl, ocsp source.OnlineRevocationSource) Strategy
}

// StrategyFactoryFunc adapts a function to StrategyFactory.
type StrategyFactoryFunc func(crl, ocsp source.OnlineRevocationSource) Strategy

// NewStrategy calls f.
func (f StrategyFactoryFunc) NewStrategy(crl, ocsp source.OnlineRevocationSource) Strategy {
	return f(crl, ocsp)
}

// OrderedStrategyFactory creates strategies that try OCSP and CRL in a fixed order.
type OrderedStrategyFactory struct {
	// Order selects which source type is tried first.
	Order policy.FetchOrder

	// Fallback returns the first retrieved token when none is acceptable.
	Fallback bool

	// Logger receives fetch failures at debug level.
	Logger *slog.Logger
}

// NewOCSPFirstStrategyFactory returns a factory trying OCSP before CRL.
func NewOCSPFirstStrategyFactory(fallback bool, logger *slog.Logger) *OrderedStrategyFactory {
	return &OrderedStrategyFactory{Order: policy.OCSPFirst, Fallback: fallback, Logger: logger}
}

// NewCRLFirstStrategyFactory returns a factory trying CRL before OCSP.
func NewCRLFirstStrategyFactory(fallback bool, logger *slog.Logger) *OrderedStrategyFactory {
	return &OrderedStrategyFactory{Order: policy.CRLFirst, Fallback: fallback, Logger: logger}
}

// NewStrategy builds an OrderedStrategy. Nil sources are skipped.
func (f *OrderedStrategyFactory) NewStrategy(crl, ocsp source.OnlineRevocationSource) Strategy {
	logger := f.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &OrderedStrategy{fallback: f.Fallback, logger: logger}
	first, second := namedSource{"OCSP", ocsp}, namedSource{"CRL", crl}
	if f.Order == policy.CRLFirst {
		first, second = second, first
	}
	for _, ns := range []namedSource{first, second} {
		if ns.src != nil {
			s.sources = append(s.sources, ns)
		}
	}
	return s
}

type namedSource struct {
	name string
	src  source.OnlineRevocationSource
}

// OrderedStrategy tries its sources in order.
type OrderedStrategy struct {
	sources  []namedSource
	fallback bool
	logger   *slog.Logger
}

// Load implements Strategy. Every source is asked at most once. When no token
// is acceptable and fallback is enabled, the first token retrieved in source
// order is returned, even if a later one is equally unacceptable.
func (s *OrderedStrategy) Load(ctx context.Context, cert, issuer *token.CertificateToken, accept AcceptFunc) *token.RevocationToken {
	var candidate *token.RevocationToken
	for _, ns := range s.sources {
		if ctx.Err() != nil {
			break
		}
		rt, err := ns.src.RevocationToken(ctx, cert, issuer)
		if err != nil {
			s.logger.Debug("online revocation source failed", "type", ns.name, "certificate", cert.ID(), "error", err)
			continue
		}
		if rt == nil {
			continue
		}
		if accept == nil || accept(rt) {
			return rt
		}
		s.logger.Debug("retrieved revocation data not acceptable", "type", ns.name, "token", rt.ID())
		if candidate == nil {
			candidate = rt
		}
	}
	if s.fallback {
		return candidate
	}
	return nil
}
