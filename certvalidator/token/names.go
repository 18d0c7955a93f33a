package token

import (
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// CanonicalName returns a comparison key for a DER encoded distinguished name.
// String attribute values are NFKC normalized, case folded and have their
// internal whitespace collapsed. Undecodable input falls back to its hex form.
func CanonicalName(raw []byte) string {
	var rdns pkix.RDNSequence
	if rest, err := asn1.Unmarshal(raw, &rdns); err != nil || len(rest) > 0 {
		return fmt.Sprintf("raw:%x", raw)
	}
	return canonicalRDNs(rdns)
}

// CanonicalPKIXName is CanonicalName for an already decoded name.
func CanonicalPKIXName(name pkix.Name) string {
	return canonicalRDNs(name.ToRDNSequence())
}

func canonicalRDNs(rdns pkix.RDNSequence) string {
	folder := cases.Fold()
	parts := make([]string, 0, len(rdns))
	for _, rdn := range rdns {
		for _, atv := range rdn {
			parts = append(parts, atv.Type.String()+"="+normalizeValue(folder, atv.Value))
		}
	}
	return strings.Join(parts, ",")
}

func normalizeValue(folder cases.Caser, value interface{}) string {
	s, ok := value.(string)
	if !ok {
		return fmt.Sprint(value)
	}
	s = norm.NFKC.String(strings.TrimSpace(s))
	return folder.String(strings.Join(strings.Fields(s), " "))
}
