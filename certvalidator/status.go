package certvalidator

import (
	"errors"
	"fmt"
	"strings"

	"github.com/georgepadayatti/certtrust/certvalidator/token"
)

// ErrStatusFailed is wrapped by Status.Err for a status with failing tokens.
var ErrStatusFailed = errors.New("validation status has failures")

// StatusEntry is one failing token of a Status.
type StatusEntry struct {
	ID          token.ID
	Description string
	Reason      string
}

// Status is the result of an assertion query: the tokens failing it and a
// message. An empty status means the assertion holds.
type Status struct {
	Message string
	entries []StatusEntry
	seen    map[token.ID]bool
}

// NewStatus creates an empty status for an assertion described by message.
func NewStatus(message string) *Status {
	return &Status{Message: message, seen: make(map[token.ID]bool)}
}

// Add records tok as failing for reason. A token is recorded once.
func (s *Status) Add(tok token.Token, reason string) {
	if tok == nil || s.seen[tok.ID()] {
		return
	}
	s.seen[tok.ID()] = true
	s.entries = append(s.entries, StatusEntry{ID: tok.ID(), Description: tok.String(), Reason: reason})
}

// IsEmpty reports whether nothing failed.
func (s *Status) IsEmpty() bool { return len(s.entries) == 0 }

// Entries returns the failing tokens in the order they were found.
func (s *Status) Entries() []StatusEntry {
	return append([]StatusEntry(nil), s.entries...)
}

// IDs returns the IDs of the failing tokens.
func (s *Status) IDs() []token.ID {
	ids := make([]token.ID, len(s.entries))
	for i, e := range s.entries {
		ids[i] = e.ID
	}
	return ids
}

// Contains reports whether id is among the failing tokens.
func (s *Status) Contains(id token.ID) bool { return s.seen[id] }

// Err returns nil for an empty status and an error wrapping ErrStatusFailed otherwise.
func (s *Status) Err() error {
	if s.IsEmpty() {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrStatusFailed, s.String())
}

// String returns the message followed by the failing tokens.
func (s *Status) String() string {
	if s.IsEmpty() {
		return s.Message + ": ok"
	}
	parts := make([]string, len(s.entries))
	for i, e := range s.entries {
		parts[i] = fmt.Sprintf("%s (%s)", e.Description, e.Reason)
	}
	return fmt.Sprintf("%s: %s", s.Message, strings.Join(parts, "; "))
}
