package certvalidator

import (
	"github.com/georgepadayatti/certtrust/certvalidator/ltv"
	"github.com/georgepadayatti/certtrust/certvalidator/token"
)

// ValidationDataForCertificate collects cert, its resolved issuer chain and
// the acceptable revocation data of every certificate on it. Call after Validate.
func (c *ValidationContext) ValidationDataForCertificate(cert *token.CertificateToken) *ltv.ValidationData {
	data := ltv.NewValidationData()
	if cert != nil {
		c.collect(data, make(map[token.ID]bool), cert)
	}
	return data
}

// ValidationDataForTimestamp collects the signer chain of ts with its
// revocation data.
func (c *ValidationContext) ValidationDataForTimestamp(ts *token.TimestampToken) *ltv.ValidationData {
	data := ltv.NewValidationData()
	if ts != nil {
		c.collect(data, make(map[token.ID]bool), ts)
	}
	return data
}

// ValidationDataForSignature collects the validation data of sig, its
// timestamps, evidence record timestamps and counter-signatures.
func (c *ValidationContext) ValidationDataForSignature(sig Signature) *ltv.ValidationData {
	data := ltv.NewValidationData()
	visited := make(map[token.ID]bool)
	seenSigs := make(map[token.ID]bool)

	work := []Signature{sig}
	for len(work) > 0 {
		s := work[len(work)-1]
		work = work[:len(work)-1]
		if s == nil || seenSigs[s.ID()] {
			continue
		}
		seenSigs[s.ID()] = true

		var roots []token.Token
		for _, cert := range signingCertificates(s) {
			roots = append(roots, cert)
		}
		for _, ts := range s.Timestamps() {
			roots = append(roots, ts)
		}
		for _, er := range s.EvidenceRecords() {
			for _, ts := range er.Timestamps() {
				roots = append(roots, ts)
			}
		}
		c.collect(data, visited, roots...)
		work = append(work, s.CounterSignatures()...)
	}
	return data
}

// collect walks from roots with an explicit stack. A certificate contributes
// itself, its acceptable revocation data and its issuer; any other token
// contributes the certificate that signed it. Roots are explored in order
// and revocation data before the issuer it speaks for.
func (c *ValidationContext) collect(data *ltv.ValidationData, visited map[token.ID]bool, roots ...token.Token) {
	stack := make([]token.Token, 0, len(roots))
	for i := len(roots) - 1; i >= 0; i-- {
		stack = append(stack, roots[i])
	}
	for len(stack) > 0 {
		tok := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[tok.ID()] {
			continue
		}
		visited[tok.ID()] = true

		if issuer := c.resolvedIssuer(tok); issuer != nil {
			stack = append(stack, issuer)
		}
		cert, ok := tok.(*token.CertificateToken)
		if !ok {
			continue
		}
		data.AddCertificate(cert)
		revs := c.acceptableRevocations(cert)
		for _, rt := range revs {
			data.AddRevocation(rt)
		}
		for i := len(revs) - 1; i >= 0; i-- {
			stack = append(stack, revs[i])
		}
	}
}

func (c *ValidationContext) resolvedIssuer(tok token.Token) *token.CertificateToken {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.issuers[tok.ID()]
}
