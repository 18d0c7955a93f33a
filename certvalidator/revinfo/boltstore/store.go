// Package boltstore persists online revocation data in a bbolt database so
// repeated validations can reuse CRLs and OCSP responses until they expire.
package boltstore

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"go.etcd.io/bbolt"

	"github.com/georgepadayatti/certtrust/certvalidator/source"
	"github.com/georgepadayatti/certtrust/certvalidator/token"
)

var (
	bucketCRL  = []byte("crl")
	bucketOCSP = []byte("ocsp")

	keyRaw    = []byte("raw")
	keyURL    = []byte("url")
	keyStored = []byte("stored")
)

// Store is a bbolt database of revocation data keyed by certificate ID.
type Store struct {
	db     *bbolt.DB
	clock  clockwork.Clock
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the clock used for expiry decisions.
func WithClock(clock clockwork.Clock) Option {
	return func(s *Store) { s.clock = clock }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// Open opens or creates the database at path.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open revocation store: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketCRL, bucketOCSP} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{db: db, clock: clockwork.NewRealClock(), logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// CRLSource wraps an online CRL source with the store.
func (s *Store) CRLSource(online source.OnlineRevocationSource) *CachingSource {
	return &CachingSource{store: s, online: online, kind: token.RevocationCRL}
}

// OCSPSource wraps an online OCSP source with the store.
func (s *Store) OCSPSource(online source.OnlineRevocationSource) *CachingSource {
	return &CachingSource{store: s, online: online, kind: token.RevocationOCSP}
}

func bucketFor(kind token.RevocationType) []byte {
	if kind == token.RevocationOCSP {
		return bucketOCSP
	}
	return bucketCRL
}

// Put stores the data underlying rt. Tokens built without a CRL or OCSP
// response are ignored.
func (s *Store) Put(rt *token.RevocationToken) error {
	var raw []byte
	switch {
	case rt.CRL() != nil:
		raw = rt.CRL().Raw()
	case rt.OCSPResponse() != nil:
		raw = rt.OCSPResponse().Raw()
	default:
		return nil
	}
	stored, err := s.clock.Now().UTC().MarshalBinary()
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		parent := tx.Bucket(bucketFor(rt.Type()))
		key := []byte(rt.RelatedCertificateID())
		if parent.Bucket(key) != nil {
			if err := parent.DeleteBucket(key); err != nil {
				return err
			}
		}
		b, err := parent.CreateBucket(key)
		if err != nil {
			return err
		}
		if err := b.Put(keyRaw, raw); err != nil {
			return err
		}
		if err := b.Put(keyURL, []byte(rt.SourceURL())); err != nil {
			return err
		}
		return b.Put(keyStored, stored)
	})
}

// Get returns the stored token of kind for cert, or nil.
func (s *Store) Get(kind token.RevocationType, cert *token.CertificateToken) (*token.RevocationToken, error) {
	var raw []byte
	var url string
	if err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketFor(kind)).Bucket([]byte(cert.ID()))
		if b == nil {
			return nil
		}
		raw = append([]byte(nil), b.Get(keyRaw)...)
		url = string(b.Get(keyURL))
		return nil
	}); err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}

	if kind == token.RevocationOCSP {
		resp, err := token.ParseOCSPResponseFrom(raw, token.OriginCache, url)
		if err != nil {
			return nil, err
		}
		return resp.TokenFor(cert), nil
	}
	crl, err := token.ParseCRLFrom(raw, token.OriginCache, url)
	if err != nil {
		return nil, err
	}
	return crl.TokenFor(cert), nil
}

// Delete removes every stored entry for cert.
func (s *Store) Delete(cert *token.CertificateToken) error {
	key := []byte(cert.ID())
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketCRL, bucketOCSP} {
			parent := tx.Bucket(name)
			if parent.Bucket(key) == nil {
				continue
			}
			if err := parent.DeleteBucket(key); err != nil {
				return err
			}
		}
		return nil
	})
}

// Purge removes entries whose nextUpdate lies before the current time and
// returns how many were removed.
func (s *Store) Purge() (int, error) {
	now := s.clock.Now()
	removed := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketCRL, bucketOCSP} {
			parent := tx.Bucket(name)
			var expired [][]byte
			if err := parent.ForEachBucket(func(k []byte) error {
				if nextUpdate, ok := storedNextUpdate(name, parent.Bucket(k).Get(keyRaw)); ok && nextUpdate.Before(now) {
					expired = append(expired, append([]byte(nil), k...))
				}
				return nil
			}); err != nil {
				return err
			}
			for _, k := range expired {
				if err := parent.DeleteBucket(k); err != nil {
					return err
				}
			}
			removed += len(expired)
		}
		return nil
	})
	return removed, err
}

func storedNextUpdate(bucket, raw []byte) (time.Time, bool) {
	if string(bucket) == string(bucketCRL) {
		crl, err := token.ParseCRL(raw)
		if err != nil || crl.NextUpdate().IsZero() {
			return time.Time{}, false
		}
		return crl.NextUpdate(), true
	}
	resp, err := token.ParseOCSPResponse(raw)
	if err != nil || resp.NextUpdate().IsZero() {
		return time.Time{}, false
	}
	return resp.NextUpdate(), true
}

// CachingSource serves revocation data from the store while it is current
// and falls back to the wrapped online source otherwise.
type CachingSource struct {
	store  *Store
	online source.OnlineRevocationSource
	kind   token.RevocationType
}

// RevocationToken implements source.OnlineRevocationSource. A stored token is
// returned while its nextUpdate lies in the future and it was signed by issuer
// or a responder issuer authorized. When the online source fails, a stale stored token is returned.
func (c *CachingSource) RevocationToken(ctx context.Context, cert, issuer *token.CertificateToken) (*token.RevocationToken, error) {
	logger := c.store.logger
	cached, err := c.store.Get(c.kind, cert)
	if err != nil {
		logger.Debug("revocation store read failed", "certificate", cert.ID(), "error", err)
		cached = nil
	}
	if cached != nil && issuer != nil && !cached.IsAuthorizedBy(issuer) {
		cached = nil
	}
	if cached != nil && cached.NextUpdate().After(c.store.clock.Now()) {
		logger.Debug("revocation data served from store", "certificate", cert.ID(), "type", c.kind)
		return cached, nil
	}

	if c.online == nil {
		if cached != nil {
			return cached, nil
		}
		return nil, nil
	}
	rt, err := c.online.RevocationToken(ctx, cert, issuer)
	if err != nil || rt == nil {
		if cached != nil {
			logger.Debug("online revocation source failed, serving stale data", "certificate", cert.ID(), "error", err)
			return cached, nil
		}
		return rt, err
	}
	if err := c.store.Put(rt); err != nil {
		logger.Warn("revocation store write failed", "certificate", cert.ID(), "error", err)
	}
	return rt, nil
}
