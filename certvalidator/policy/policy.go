// Package policy holds the validation policy knobs consulted by the trust,
// revocation and timestamp verifiers.
package policy

import (
	"crypto"
	"crypto/x509"
	"encoding/asn1"
	"fmt"
	"time"
)

// Context identifies what a certificate chain is being validated for.
type Context int

const (
	ContextSignature Context = iota
	ContextCounterSignature
	ContextTimestamp
	ContextRevocation
	ContextEvidenceRecord
)

// String returns the string representation of a context.
func (c Context) String() string {
	switch c {
	case ContextSignature:
		return "signature"
	case ContextCounterSignature:
		return "counter-signature"
	case ContextTimestamp:
		return "timestamp"
	case ContextRevocation:
		return "revocation"
	case ContextEvidenceRecord:
		return "evidence-record"
	default:
		return fmt.Sprintf("context(%d)", int(c))
	}
}

// ParseContext maps a configuration name onto a Context.
func ParseContext(name string) (Context, error) {
	for c := ContextSignature; c <= ContextEvidenceRecord; c++ {
		if c.String() == name {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown validation context %q", name)
}

// FetchOrder selects which online revocation source is tried first.
type FetchOrder int

const (
	OCSPFirst FetchOrder = iota
	CRLFirst
)

// String returns the string representation of a fetch order.
func (o FetchOrder) String() string {
	if o == CRLFirst {
		return "crl-first"
	}
	return "ocsp-first"
}

// Policy configures the verifiers.
type Policy struct {
	// MaxFreshness is the maximum age of revocation data per context.
	// A context without an entry has no explicit freshness constraint.
	MaxFreshness map[Context]time.Duration

	// FreshnessFromNextUpdate treats (nextUpdate - thisUpdate) as the tolerance
	// window when no MaxFreshness is configured for the context.
	FreshnessFromNextUpdate bool

	// AcceptableDigests lists the digest algorithms accepted in revocation data signatures.
	AcceptableDigests []crypto.Hash

	// MinimumKeySizes maps a public key algorithm to its minimum size in bits.
	MinimumKeySizes map[x509.PublicKeyAlgorithm]int

	// SkipExtensions lists certificate extensions that exempt a certificate
	// from revocation checking.
	SkipExtensions []asn1.ObjectIdentifier

	// SkipPolicies lists certificate policy OIDs that exempt a certificate
	// from revocation checking.
	SkipPolicies []asn1.ObjectIdentifier

	// AcceptTimestampUntrustedChains accepts timestamps whose chain reaches no trust anchor.
	AcceptTimestampUntrustedChains bool

	// AcceptRevocationUntrustedChains accepts revocation data whose chain reaches no trust anchor.
	AcceptRevocationUntrustedChains bool

	// UseSunsetDate makes trust anchors stop being trusted after their sunset date.
	UseSunsetDate bool

	// CheckRevocationForUntrustedChains fetches online revocation data even
	// when the chain reaches no trust anchor.
	CheckRevocationForUntrustedChains bool

	// FetchOrder selects whether OCSP or CRL is fetched first.
	FetchOrder FetchOrder

	// Fallback returns a retrieved but unacceptable candidate when no
	// acceptable one exists.
	Fallback bool
}

// OIDOCSPNoCheck is the id-pkix-ocsp-nocheck extension.
var OIDOCSPNoCheck = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 48, 1, 5}

// Default returns the default policy.
func Default() *Policy {
	return &Policy{
		MaxFreshness:            make(map[Context]time.Duration),
		FreshnessFromNextUpdate: true,
		AcceptableDigests: []crypto.Hash{
			crypto.SHA1,
			crypto.SHA224,
			crypto.SHA256,
			crypto.SHA384,
			crypto.SHA512,
			crypto.SHA3_256,
			crypto.SHA3_384,
			crypto.SHA3_512,
		},
		MinimumKeySizes: map[x509.PublicKeyAlgorithm]int{
			x509.RSA:     1024,
			x509.DSA:     1024,
			x509.ECDSA:   160,
			x509.Ed25519: 0,
		},
		SkipExtensions: []asn1.ObjectIdentifier{OIDOCSPNoCheck},
		FetchOrder:     OCSPFirst,
	}
}

// Clone returns a deep copy of the policy.
func (p *Policy) Clone() *Policy {
	c := *p
	c.MaxFreshness = make(map[Context]time.Duration, len(p.MaxFreshness))
	for k, v := range p.MaxFreshness {
		c.MaxFreshness[k] = v
	}
	c.AcceptableDigests = append([]crypto.Hash(nil), p.AcceptableDigests...)
	c.MinimumKeySizes = make(map[x509.PublicKeyAlgorithm]int, len(p.MinimumKeySizes))
	for k, v := range p.MinimumKeySizes {
		c.MinimumKeySizes[k] = v
	}
	c.SkipExtensions = append([]asn1.ObjectIdentifier(nil), p.SkipExtensions...)
	c.SkipPolicies = append([]asn1.ObjectIdentifier(nil), p.SkipPolicies...)
	return &c
}

// MaxFreshnessFor returns the configured maximum freshness for ctx.
func (p *Policy) MaxFreshnessFor(ctx Context) (time.Duration, bool) {
	d, ok := p.MaxFreshness[ctx]
	return d, ok
}

// IsAcceptableDigest reports whether h is on the allow-list.
func (p *Policy) IsAcceptableDigest(h crypto.Hash) bool {
	for _, a := range p.AcceptableDigests {
		if a == h {
			return true
		}
	}
	return false
}

// MinimumKeySize returns the minimum key size for alg, and whether alg is known to the policy.
func (p *Policy) MinimumKeySize(alg x509.PublicKeyAlgorithm) (int, bool) {
	n, ok := p.MinimumKeySizes[alg]
	return n, ok
}

// DigestOf returns the digest and key algorithm a signature algorithm is built on.
func DigestOf(algo x509.SignatureAlgorithm) (crypto.Hash, x509.PublicKeyAlgorithm) {
	switch algo {
	case x509.MD5WithRSA:
		return crypto.MD5, x509.RSA
	case x509.SHA1WithRSA:
		return crypto.SHA1, x509.RSA
	case x509.DSAWithSHA1:
		return crypto.SHA1, x509.DSA
	case x509.ECDSAWithSHA1:
		return crypto.SHA1, x509.ECDSA
	case x509.SHA256WithRSA, x509.SHA256WithRSAPSS:
		return crypto.SHA256, x509.RSA
	case x509.DSAWithSHA256:
		return crypto.SHA256, x509.DSA
	case x509.ECDSAWithSHA256:
		return crypto.SHA256, x509.ECDSA
	case x509.SHA384WithRSA, x509.SHA384WithRSAPSS:
		return crypto.SHA384, x509.RSA
	case x509.ECDSAWithSHA384:
		return crypto.SHA384, x509.ECDSA
	case x509.SHA512WithRSA, x509.SHA512WithRSAPSS:
		return crypto.SHA512, x509.RSA
	case x509.ECDSAWithSHA512:
		return crypto.SHA512, x509.ECDSA
	case x509.PureEd25519:
		return crypto.SHA512, x509.Ed25519
	default:
		return crypto.Hash(0), x509.UnknownPublicKeyAlgorithm
	}
}

// ContainsOID reports whether oid is in list.
func ContainsOID(list []asn1.ObjectIdentifier, oid asn1.ObjectIdentifier) bool {
	for _, o := range list {
		if o.Equal(oid) {
			return true
		}
	}
	return false
}
