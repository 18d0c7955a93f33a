// Package source provides certificate and revocation data sources consulted
// during chain resolution and revocation discovery.
package source

import (
	"encoding/hex"
	"sync"

	"github.com/georgepadayatti/certtrust/certvalidator/token"
)

// Type classifies where the certificates of a source come from.
type Type int

const (
	TypeTrusted Type = iota
	TypeAdjunct
	TypeDocument
	TypeEmbedded
	TypeAIA
	TypeRevocation
	TypeComposite
)

// String returns the string representation of a source type.
func (t Type) String() string {
	switch t {
	case TypeTrusted:
		return "trusted"
	case TypeAdjunct:
		return "adjunct"
	case TypeDocument:
		return "document"
	case TypeEmbedded:
		return "embedded"
	case TypeAIA:
		return "aia"
	case TypeRevocation:
		return "revocation"
	case TypeComposite:
		return "composite"
	default:
		return "unknown"
	}
}

// CertificateSource is a read-only collection of certificates indexed for issuer lookups.
type CertificateSource interface {
	// Type returns the source classification.
	Type() Type

	// Certificates returns all certificates in insertion order.
	Certificates() []*token.CertificateToken

	// BySubject returns the certificates whose subject matches the DER encoded name.
	BySubject(rawName []byte) []*token.CertificateToken

	// BySubjectKeyID returns the certificates with the given subject key identifier.
	BySubjectKeyID(ski []byte) []*token.CertificateToken

	// ByEntityKey returns the certificates sharing a key pair.
	ByEntityKey(entityKey string) []*token.CertificateToken

	// ByPublicKeyHash returns the certificates whose SHA-1 public key hash matches,
	// as used by OCSP byKey responder identifiers.
	ByPublicKeyHash(hash []byte) []*token.CertificateToken

	// Contains reports whether the source holds cert.
	Contains(cert *token.CertificateToken) bool
}

// ListCertificateSource is an in-memory CertificateSource.
type ListCertificateSource struct {
	mu  sync.RWMutex
	typ Type

	// Main storage keyed by token ID, with insertion order kept separately
	byID  map[token.ID]*token.CertificateToken
	order []*token.CertificateToken

	subjectMap   map[string][]*token.CertificateToken
	keyIDMap     map[string][]*token.CertificateToken
	entityKeyMap map[string][]*token.CertificateToken
	keyHashMap   map[string][]*token.CertificateToken
}

// NewListCertificateSource creates a source of the given type holding certs.
func NewListCertificateSource(typ Type, certs ...*token.CertificateToken) *ListCertificateSource {
	s := &ListCertificateSource{
		typ:          typ,
		byID:         make(map[token.ID]*token.CertificateToken),
		subjectMap:   make(map[string][]*token.CertificateToken),
		keyIDMap:     make(map[string][]*token.CertificateToken),
		entityKeyMap: make(map[string][]*token.CertificateToken),
		keyHashMap:   make(map[string][]*token.CertificateToken),
	}
	for _, c := range certs {
		s.Add(c)
	}
	return s
}

// Add registers a certificate. Returns true if it was newly added.
func (s *ListCertificateSource) Add(cert *token.CertificateToken) bool {
	if cert == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byID[cert.ID()]; exists {
		return false
	}
	s.byID[cert.ID()] = cert
	s.order = append(s.order, cert)

	subjectKey := token.CanonicalName(cert.RawSubject())
	s.subjectMap[subjectKey] = append(s.subjectMap[subjectKey], cert)

	if ski := cert.SubjectKeyID(); len(ski) > 0 {
		k := hex.EncodeToString(ski)
		s.keyIDMap[k] = append(s.keyIDMap[k], cert)
	}
	s.entityKeyMap[cert.EntityKey()] = append(s.entityKeyMap[cert.EntityKey()], cert)
	if kh := cert.PublicKeyHash(); len(kh) > 0 {
		k := hex.EncodeToString(kh)
		s.keyHashMap[k] = append(s.keyHashMap[k], cert)
	}
	return true
}

// AddAll registers several certificates and returns how many were new.
func (s *ListCertificateSource) AddAll(certs []*token.CertificateToken) int {
	added := 0
	for _, c := range certs {
		if s.Add(c) {
			added++
		}
	}
	return added
}

// Type returns the source classification.
func (s *ListCertificateSource) Type() Type { return s.typ }

// Certificates returns all certificates in insertion order.
func (s *ListCertificateSource) Certificates() []*token.CertificateToken {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*token.CertificateToken(nil), s.order...)
}

// Len returns the number of certificates.
func (s *ListCertificateSource) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// BySubject returns the certificates whose subject matches rawName.
func (s *ListCertificateSource) BySubject(rawName []byte) []*token.CertificateToken {
	return s.lookup(s.subjectMap, token.CanonicalName(rawName))
}

// BySubjectKeyID returns the certificates with the given subject key identifier.
func (s *ListCertificateSource) BySubjectKeyID(ski []byte) []*token.CertificateToken {
	if len(ski) == 0 {
		return nil
	}
	return s.lookup(s.keyIDMap, hex.EncodeToString(ski))
}

// ByEntityKey returns the certificates sharing a key pair.
func (s *ListCertificateSource) ByEntityKey(entityKey string) []*token.CertificateToken {
	return s.lookup(s.entityKeyMap, entityKey)
}

// ByPublicKeyHash returns the certificates with the given SHA-1 public key hash.
func (s *ListCertificateSource) ByPublicKeyHash(hash []byte) []*token.CertificateToken {
	if len(hash) == 0 {
		return nil
	}
	return s.lookup(s.keyHashMap, hex.EncodeToString(hash))
}

// Contains reports whether the source holds cert.
func (s *ListCertificateSource) Contains(cert *token.CertificateToken) bool {
	if cert == nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.byID[cert.ID()]
	return ok
}

func (s *ListCertificateSource) lookup(index map[string][]*token.CertificateToken, key string) []*token.CertificateToken {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*token.CertificateToken(nil), index[key]...)
}
