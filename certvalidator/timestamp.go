package certvalidator

import (
	"crypto/x509"
	"log/slog"

	"github.com/georgepadayatti/certtrust/certvalidator/policy"
	"github.com/georgepadayatti/certtrust/certvalidator/token"
	"github.com/georgepadayatti/certtrust/certvalidator/trust"
)

// TimestampTokenVerifier decides whether a timestamp may contribute proof of existence.
type TimestampTokenVerifier struct {
	trust  *trust.Verifier
	logger *slog.Logger
}

// NewTimestampTokenVerifier creates a timestamp verifier. A nil logger uses slog.Default.
func NewTimestampTokenVerifier(tv *trust.Verifier, logger *slog.Logger) *TimestampTokenVerifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &TimestampTokenVerifier{trust: tv, logger: logger}
}

// IsAcceptable reports whether ts is trusted and cryptographically valid.
// chain starts at the signing certificate, which must carry the
// id-kp-timeStamping extended key usage. Trust is evaluated at the
// generation time, so a trust anchor past its sunset date does not count.
func (v *TimestampTokenVerifier) IsAcceptable(ts *token.TimestampToken, chain []*token.CertificateToken) bool {
	if ts == nil {
		return false
	}
	if !v.isTrusted(ts, chain) {
		v.logger.Debug("timestamp chain reaches no trust anchor", "timestamp", ts.ID())
		return false
	}
	if !ts.IsMessageImprintIntact() {
		v.logger.Debug("timestamp message imprint not intact", "timestamp", ts.ID())
		return false
	}
	if len(chain) == 0 || !ts.IsSignedBy(chain[0]) || !ts.IsSignatureIntact() {
		v.logger.Debug("timestamp signature not intact", "timestamp", ts.ID())
		return false
	}
	if !chain[0].HasExtKeyUsage(x509.ExtKeyUsageTimeStamping) {
		v.logger.Debug("timestamp signer lacks the timeStamping key usage", "timestamp", ts.ID(), "signer", chain[0].ID())
		return false
	}
	return true
}

func (v *TimestampTokenVerifier) isTrusted(ts *token.TimestampToken, chain []*token.CertificateToken) bool {
	for _, c := range chain {
		if v.trust.IsTrustedAtTime(c, ts.GenerationTime(), policy.ContextTimestamp) {
			return true
		}
	}
	return false
}
