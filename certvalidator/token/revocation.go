package token

import (
	"crypto/x509"
	"fmt"
	"time"
)

// RevocationType identifies the kind of revocation data a token was built from.
type RevocationType int

const (
	RevocationCRL RevocationType = iota
	RevocationOCSP
)

// String returns the string representation of a revocation type.
func (t RevocationType) String() string {
	if t == RevocationOCSP {
		return "OCSP"
	}
	return "CRL"
}

// Status represents the revocation status a token asserts for its certificate.
type Status int

const (
	StatusUnknown Status = iota
	StatusGood
	StatusRevoked
)

// String returns the string representation of a revocation status.
func (s Status) String() string {
	switch s {
	case StatusGood:
		return "good"
	case StatusRevoked:
		return "revoked"
	default:
		return "unknown"
	}
}

// Reason represents the reason for certificate revocation.
type Reason int

const (
	ReasonUnspecified          Reason = 0
	ReasonKeyCompromise        Reason = 1
	ReasonCACompromise         Reason = 2
	ReasonAffiliationChanged   Reason = 3
	ReasonSuperseded           Reason = 4
	ReasonCessationOfOperation Reason = 5
	ReasonCertificateHold      Reason = 6
	ReasonRemoveFromCRL        Reason = 8
	ReasonPrivilegeWithdrawn   Reason = 9
	ReasonAACompromise         Reason = 10
)

// String returns the string representation of a revocation reason.
func (r Reason) String() string {
	switch r {
	case ReasonUnspecified:
		return "unspecified"
	case ReasonKeyCompromise:
		return "keyCompromise"
	case ReasonCACompromise:
		return "cACompromise"
	case ReasonAffiliationChanged:
		return "affiliationChanged"
	case ReasonSuperseded:
		return "superseded"
	case ReasonCessationOfOperation:
		return "cessationOfOperation"
	case ReasonCertificateHold:
		return "certificateHold"
	case ReasonRemoveFromCRL:
		return "removeFromCRL"
	case ReasonPrivilegeWithdrawn:
		return "privilegeWithdrawn"
	case ReasonAACompromise:
		return "aACompromise"
	default:
		return fmt.Sprintf("unknown(%d)", r)
	}
}

// Origin records where revocation data came from.
type Origin int

const (
	OriginUnknown Origin = iota
	OriginDocument
	OriginOnline
	OriginCache
)

// String returns the string representation of an origin.
func (o Origin) String() string {
	switch o {
	case OriginDocument:
		return "document"
	case OriginOnline:
		return "online"
	case OriginCache:
		return "cache"
	default:
		return "unknown"
	}
}

// RevocationToken is the status of one certificate as asserted by one CRL or OCSP response.
// A single CRL therefore yields one RevocationToken per covered certificate.
type RevocationToken struct {
	id            ID
	revType       RevocationType
	raw           []byte
	relatedCertID ID

	status         Status
	thisUpdate     time.Time
	nextUpdate     time.Time
	producedAt     time.Time
	revocationDate time.Time
	reason         Reason

	expiredCertsOnCRL time.Time
	archiveCutOff     time.Time
	certHashPresent   bool
	certHashMatch     bool

	sigAlg    x509.SignatureAlgorithm
	hints     IssuerHints
	origin    Origin
	sourceURL string

	crl  *CRL
	ocsp *OCSPResponse
}

// RevocationParams describes a revocation token assembled outside of this package,
// for example by a source that decodes a proprietary status format.
type RevocationParams struct {
	Type               RevocationType
	Raw                []byte
	Certificate        *CertificateToken
	Status             Status
	ThisUpdate         time.Time
	NextUpdate         time.Time
	ProducedAt         time.Time
	RevocationDate     time.Time
	Reason             Reason
	ExpiredCertsOnCRL  time.Time
	ArchiveCutOff      time.Time
	CertHashPresent    bool
	CertHashMatch      bool
	SignatureAlgorithm x509.SignatureAlgorithm
	Hints              IssuerHints
	Origin             Origin
	SourceURL          string
}

// NewRevocationToken builds a token without an underlying CRL or OCSP response.
// Such a token never verifies against any issuer.
func NewRevocationToken(p RevocationParams) *RevocationToken {
	var certID ID
	if p.Certificate != nil {
		certID = p.Certificate.ID()
	}
	producedAt := p.ProducedAt
	if producedAt.IsZero() {
		producedAt = p.ThisUpdate
	}
	return &RevocationToken{
		id:                NewID("R", p.Raw, []byte(certID)),
		revType:           p.Type,
		raw:               p.Raw,
		relatedCertID:     certID,
		status:            p.Status,
		thisUpdate:        p.ThisUpdate,
		nextUpdate:        p.NextUpdate,
		producedAt:        producedAt,
		revocationDate:    p.RevocationDate,
		reason:            p.Reason,
		expiredCertsOnCRL: p.ExpiredCertsOnCRL,
		archiveCutOff:     p.ArchiveCutOff,
		certHashPresent:   p.CertHashPresent,
		certHashMatch:     p.CertHashMatch,
		sigAlg:            p.SignatureAlgorithm,
		hints:             p.Hints,
		origin:            p.Origin,
		sourceURL:         p.SourceURL,
	}
}

func (r *RevocationToken) ID() ID { return r.id }
func (r *RevocationToken) Kind() Kind { return KindRevocation }
func (r *RevocationToken) Encoded() []byte { return r.raw }
func (r *RevocationToken) IssuerHints() IssuerHints { return r.hints }
func (r *RevocationToken) IsSelfSigned() bool { return false }

// SignatureAlgorithm returns the algorithm the CRL or OCSP response is signed with.
func (r *RevocationToken) SignatureAlgorithm() x509.SignatureAlgorithm { return r.sigAlg }

// IsSignedBy delegates to the underlying CRL or OCSP response.
func (r *RevocationToken) IsSignedBy(issuer *CertificateToken) bool {
	switch {
	case r.crl != nil:
		return r.crl.IsSignedBy(issuer)
	case r.ocsp != nil:
		return r.ocsp.IsSignedBy(issuer)
	}
	return false
}

// IsAuthorizedBy reports whether ca signed the data, or, for OCSP, whether an
// embedded responder certificate authorized by ca did.
func (r *RevocationToken) IsAuthorizedBy(ca *CertificateToken) bool {
	if r.IsSignedBy(ca) {
		return true
	}
	if r.ocsp == nil {
		return false
	}
	for _, responder := range r.ocsp.EmbeddedCertificates() {
		if IsAuthorizedResponder(responder, ca) && r.IsSignedBy(responder) {
			return true
		}
	}
	return false
}

// IsSignatureValid reports whether some issuer has verified the token's signature.
func (r *RevocationToken) IsSignatureValid() bool {
	switch {
	case r.crl != nil:
		return r.crl.sigs.verifiedBy() != ""
	case r.ocsp != nil:
		return r.ocsp.sigs.verifiedBy() != ""
	}
	return false
}

// EmbeddedCertificates returns the responder certificates of an OCSP response.
func (r *RevocationToken) EmbeddedCertificates() []*CertificateToken {
	if r.ocsp != nil {
		return r.ocsp.EmbeddedCertificates()
	}
	return nil
}

// String returns a short description of the token.
func (r *RevocationToken) String() string {
	return fmt.Sprintf("%s %s for %s [%s]", r.revType, r.status, r.relatedCertID.Short(), r.id.Short())
}

// Type returns whether the token came from a CRL or an OCSP response.
func (r *RevocationToken) Type() RevocationType { return r.revType }

// RelatedCertificateID returns the ID of the certificate the token speaks about.
func (r *RevocationToken) RelatedCertificateID() ID { return r.relatedCertID }

// Status returns the asserted revocation status.
func (r *RevocationToken) Status() Status { return r.status }

// ThisUpdate returns the issuance time of the status information.
func (r *RevocationToken) ThisUpdate() time.Time { return r.thisUpdate }

// NextUpdate returns the announced next update, or the zero time if absent.
func (r *RevocationToken) NextUpdate() time.Time { return r.nextUpdate }

// ProducedAt returns the OCSP producedAt time, or ThisUpdate for a CRL.
func (r *RevocationToken) ProducedAt() time.Time { return r.producedAt }

// RevocationDate returns the stated revocation date, zero unless revoked.
func (r *RevocationToken) RevocationDate() time.Time { return r.revocationDate }

// Reason returns the stated revocation reason.
func (r *RevocationToken) Reason() Reason { return r.reason }

// ExpiredCertsOnCRL returns the CRL expiredCertsOnCRL date, or the zero time.
func (r *RevocationToken) ExpiredCertsOnCRL() time.Time { return r.expiredCertsOnCRL }

// ArchiveCutOff returns the OCSP archive cutoff, or the zero time.
func (r *RevocationToken) ArchiveCutOff() time.Time { return r.archiveCutOff }

// CertHashPresent reports whether the OCSP response carried a certHash extension.
func (r *RevocationToken) CertHashPresent() bool { return r.certHashPresent }

// CertHashMatch reports whether the certHash extension matches the related certificate.
func (r *RevocationToken) CertHashMatch() bool { return r.certHashMatch }

// Origin returns where the token came from.
func (r *RevocationToken) Origin() Origin { return r.origin }

// SourceURL returns the URL the data was fetched from, if any.
func (r *RevocationToken) SourceURL() string { return r.sourceURL }

// CRL returns the CRL the token was derived from, or nil.
func (r *RevocationToken) CRL() *CRL { return r.crl }

// OCSPResponse returns the OCSP response the token was derived from, or nil.
func (r *RevocationToken) OCSPResponse() *OCSPResponse { return r.ocsp }

// IsComplete reports whether the token names its certificate and carries a thisUpdate.
// An unknown status is still a status; the not-revoked check rejects it separately.
func (r *RevocationToken) IsComplete() bool {
	return r.relatedCertID != "" && !r.thisUpdate.IsZero()
}

// KnownFrom returns the earliest certificate expiry the token still reports on.
// Without archiveCutOff or expiredCertsOnCRL this is thisUpdate: status for a
// certificate that expired before thisUpdate may already have been dropped.
func (r *RevocationToken) KnownFrom() time.Time {
	from := r.thisUpdate
	if !r.expiredCertsOnCRL.IsZero() && r.expiredCertsOnCRL.Before(from) {
		from = r.expiredCertsOnCRL
	}
	if !r.archiveCutOff.IsZero() && r.archiveCutOff.Before(from) {
		from = r.archiveCutOff
	}
	return from
}
