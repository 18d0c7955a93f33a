// Package ltv provides Long-Term Validation (LTV) support for certificate validation.
//
// It keeps the proof of existence (POE) attested for every token of a
// validation run and aggregates the certificates and revocation data a
// signature needs so that it can still be validated after its certificates
// have expired or been revoked.
package ltv

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/georgepadayatti/certtrust/certvalidator/token"
)

// POEType represents the type of proof of existence.
type POEType int

const (
	// POETypeValidationTime is the current time of the validation run
	POETypeValidationTime POEType = iota
	// POETypeTimestamp indicates POE from a timestamp token
	POETypeTimestamp
	// POETypeArchiveTimestamp indicates POE from an archive timestamp
	POETypeArchiveTimestamp
	// POETypeEvidenceRecord indicates POE from an evidence record timestamp
	POETypeEvidenceRecord
	// POETypeExternal indicates externally provided POE
	POETypeExternal
)

// String returns the string representation of POE type.
func (t POEType) String() string {
	switch t {
	case POETypeValidationTime:
		return "validation_time"
	case POETypeTimestamp:
		return "timestamp"
	case POETypeArchiveTimestamp:
		return "archive_timestamp"
	case POETypeEvidenceRecord:
		return "evidence_record"
	case POETypeExternal:
		return "external"
	default:
		return fmt.Sprintf("unknown(%d)", t)
	}
}

// POETypeFor returns the POE type a timestamp of kind typ contributes.
func POETypeFor(typ token.TimestampType) POEType {
	switch typ {
	case token.ArchiveTimestamp, token.ValidationDataTimestamp:
		return POETypeArchiveTimestamp
	case token.EvidenceRecordTimestamp:
		return POETypeEvidenceRecord
	default:
		return POETypeTimestamp
	}
}

// POE is one proof that a token existed at Time.
type POE struct {
	// Time is when the token was proven to exist
	Time time.Time
	// Type indicates the source of this POE
	Type POEType
	// Timestamp is the timestamp that attested the POE, if any
	Timestamp *token.TimestampToken
}

// IsValidAt checks if this POE is valid at the given time.
func (p POE) IsValidAt(at time.Time) bool {
	return !at.Before(p.Time)
}

// String returns a short description of the POE.
func (p POE) String() string {
	if p.Timestamp != nil {
		return fmt.Sprintf("%s at %s by %s", p.Type, p.Time.UTC().Format(time.RFC3339), p.Timestamp.ID().Short())
	}
	return fmt.Sprintf("%s at %s", p.Type, p.Time.UTC().Format(time.RFC3339))
}

// POERegistry is an append-only map from token ID to the POEs attested for it.
type POERegistry struct {
	mu   sync.RWMutex
	poes map[token.ID][]POE
}

// NewPOERegistry creates an empty registry.
func NewPOERegistry() *POERegistry {
	return &POERegistry{
		poes: make(map[token.ID][]POE),
	}
}

// Register records that id existed at t.
func (r *POERegistry) Register(id token.ID, t time.Time) {
	r.add(id, POE{Time: t, Type: POETypeValidationTime})
}

// RegisterExternal records a POE for id supplied by the caller.
func (r *POERegistry) RegisterExternal(id token.ID, t time.Time) {
	r.add(id, POE{Time: t, Type: POETypeExternal})
}

// RegisterFromTimestamp records that id existed at the generation time of ts.
// The caller must only pass timestamps that passed verification.
func (r *POERegistry) RegisterFromTimestamp(id token.ID, ts *token.TimestampToken) {
	if ts == nil {
		return
	}
	r.add(id, POE{Time: ts.GenerationTime(), Type: POETypeFor(ts.Type()), Timestamp: ts})
}

// RegisterTimestampReferences registers a POE from ts for every reference it
// covers and returns how many references were registered.
func (r *POERegistry) RegisterTimestampReferences(ts *token.TimestampToken) int {
	if ts == nil {
		return 0
	}
	for _, ref := range ts.References() {
		r.RegisterFromTimestamp(ref, ts)
	}
	return len(ts.References())
}

func (r *POERegistry) add(id token.ID, poe POE) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.poes[id] = append(r.poes[id], poe)
}

// All returns every POE registered for id, in registration order.
func (r *POERegistry) All(id token.ID) []POE {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]POE(nil), r.poes[id]...)
}

// Has reports whether any POE is registered for id.
func (r *POERegistry) Has(id token.ID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.poes[id]) > 0
}

// LowestPOE returns the earliest POE for id. Among POEs with equal times the
// first registered one wins.
func (r *POERegistry) LowestPOE(id token.ID) (POE, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	poes := r.poes[id]
	if len(poes) == 0 {
		return POE{}, false
	}
	lowest := poes[0]
	for _, poe := range poes[1:] {
		if poe.Time.Before(lowest.Time) {
			lowest = poe
		}
	}
	return lowest, true
}

// LowestPOETime returns the earliest POE time for id, or fallback when none
// is registered.
func (r *POERegistry) LowestPOETime(id token.ID, fallback time.Time) time.Time {
	if poe, ok := r.LowestPOE(id); ok {
		return poe.Time
	}
	return fallback
}

// HasPOEBefore reports whether id is proven to exist at or before t.
func (r *POERegistry) HasPOEBefore(id token.ID, t time.Time) bool {
	poe, ok := r.LowestPOE(id)
	return ok && !poe.Time.After(t)
}

// IDs returns the registered token IDs in sorted order.
func (r *POERegistry) IDs() []token.ID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]token.ID, 0, len(r.poes))
	for id := range r.poes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
