package certvalidator

import (
	"context"
	"time"

	"github.com/georgepadayatti/certtrust/certvalidator/policy"
	"github.com/georgepadayatti/certtrust/certvalidator/token"
)

// AddSignatureForVerification imports the signature's embedded data,
// registers its signing certificate (or every candidate when unresolved),
// seeds a POE at the current time and does the same for its timestamps,
// evidence records and counter-signatures.
func (c *ValidationContext) AddSignatureForVerification(sig Signature) {
	type item struct {
		sig    Signature
		parent token.ID
	}
	work := []item{{sig: sig}}
	for len(work) > 0 {
		it := work[len(work)-1]
		work = work[:len(work)-1]
		s := it.sig
		if s == nil {
			continue
		}

		c.mu.Lock()
		if c.signatureSeen[s.ID()] {
			c.mu.Unlock()
			continue
		}
		c.signatureSeen[s.ID()] = true
		c.signatures = append(c.signatures, s)
		if it.parent != "" {
			c.counterSignatureOf[s.ID()] = it.parent
		}
		c.poe.Register(s.ID(), c.currentTime)
		c.mu.Unlock()

		c.documentCerts.AddAll(s.Certificates())
		for _, crl := range s.CRLs() {
			c.documentRevocations.AddCRL(crl)
		}
		for _, resp := range s.OCSPResponses() {
			c.documentRevocations.AddOCSPResponse(resp)
		}

		if signer := s.SigningCertificate(); signer != nil {
			c.AddCertificateTokenForVerification(signer)
		} else {
			for _, candidate := range s.CertificateCandidates() {
				c.AddCertificateTokenForVerification(candidate)
			}
		}
		for _, ts := range s.Timestamps() {
			c.AddTimestampTokenForVerification(ts)
		}
		for _, er := range s.EvidenceRecords() {
			c.AddEvidenceRecordForVerification(er)
		}
		for _, counter := range s.CounterSignatures() {
			work = append(work, item{sig: counter, parent: s.ID()})
		}
	}
}

// register claims tok in the dispatch map and seeds its POE at the current
// time while still holding the lock, so a registered token always has a POE.
// It returns false when the token was already registered.
func (c *ValidationContext) register(tok token.Token) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.states[tok.ID()]; ok {
		return false
	}
	c.states[tok.ID()] = statePending
	c.poe.Register(tok.ID(), c.currentTime)
	switch t := tok.(type) {
	case *token.CertificateToken:
		c.certificates = append(c.certificates, t)
		c.processedCerts.Add(t)
		c.pending = append(c.pending, t)
	case *token.RevocationToken:
		c.revocations = append(c.revocations, t)
		c.pending = append(c.pending, t)
	case *token.TimestampToken:
		c.timestampTokens = append(c.timestampTokens, t)
		c.pendingTimestamps = append(c.pendingTimestamps, t)
	case *token.EvidenceRecord:
		c.evidenceRecords = append(c.evidenceRecords, t)
		c.pending = append(c.pending, t)
	}
	return true
}

// AddCertificateTokenForVerification registers cert. Returns true if it was
// newly registered.
func (c *ValidationContext) AddCertificateTokenForVerification(cert *token.CertificateToken) bool {
	return cert != nil && c.register(cert)
}

// AddRevocationTokenForVerification registers rt together with the
// certificates it carries. Returns true if it was newly registered.
func (c *ValidationContext) AddRevocationTokenForVerification(rt *token.RevocationToken) bool {
	if rt == nil || !c.register(rt) {
		return false
	}
	for _, cert := range rt.EmbeddedCertificates() {
		c.revocationCerts.Add(cert)
		c.AddCertificateTokenForVerification(cert)
	}
	return true
}

// AddTimestampTokenForVerification registers ts, its embedded revocation
// data and its candidate signing certificates. Returns true if it was newly
// registered.
func (c *ValidationContext) AddTimestampTokenForVerification(ts *token.TimestampToken) bool {
	if ts == nil || !c.register(ts) {
		return false
	}
	c.embeddedCerts.AddAll(ts.EmbeddedCertificates())
	for _, crl := range ts.CRLs() {
		c.documentRevocations.AddCRL(crl)
	}
	for _, resp := range ts.OCSPResponses() {
		c.documentRevocations.AddOCSPResponse(resp)
	}
	for _, cert := range ts.SigningCertificateCandidates() {
		c.AddCertificateTokenForVerification(cert)
	}
	return true
}

// AddEvidenceRecordForVerification registers er with its embedded data and
// timestamps. Returns true if it was newly registered.
func (c *ValidationContext) AddEvidenceRecordForVerification(er *token.EvidenceRecord) bool {
	if er == nil || !c.register(er) {
		return false
	}
	c.embeddedCerts.AddAll(er.EmbeddedCertificates())
	for _, crl := range er.CRLs() {
		c.documentRevocations.AddCRL(crl)
	}
	for _, resp := range er.OCSPResponses() {
		c.documentRevocations.AddOCSPResponse(resp)
	}
	for _, ts := range er.Timestamps() {
		c.AddTimestampTokenForVerification(ts)
	}
	return true
}

// Validate drains registered work to a fixed point. Pending timestamps are
// processed first, newest first, so each can provide POE for older tokens
// before those are examined; then every other pending token is processed.
// Tokens surfaced while processing join the same run. Only context errors
// are returned; running it again on a drained context does nothing.
func (c *ValidationContext) Validate(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if ts := c.claimTimestamp(); ts != nil {
			c.processTimestamp(ctx, ts)
			c.finish(ts)
			continue
		}
		tok := c.claim()
		if tok == nil {
			return nil
		}
		c.process(ctx, tok)
		c.finish(tok)
	}
}

// claimTimestamp takes the pending timestamp with the latest generation time.
func (c *ValidationContext) claimTimestamp() *token.TimestampToken {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pendingTimestamps) == 0 {
		return nil
	}
	newest := 0
	for i, ts := range c.pendingTimestamps {
		if ts.GenerationTime().After(c.pendingTimestamps[newest].GenerationTime()) {
			newest = i
		}
	}
	ts := c.pendingTimestamps[newest]
	c.pendingTimestamps = append(c.pendingTimestamps[:newest], c.pendingTimestamps[newest+1:]...)
	c.states[ts.ID()] = stateProcessing
	return ts
}

// claim takes the oldest pending non-timestamp token.
func (c *ValidationContext) claim() token.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) == 0 {
		return nil
	}
	tok := c.pending[0]
	c.pending = c.pending[1:]
	c.states[tok.ID()] = stateProcessing
	return tok
}

func (c *ValidationContext) finish(tok token.Token) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.states[tok.ID()] = stateDone
}

func (c *ValidationContext) process(ctx context.Context, tok token.Token) {
	chain := c.resolveChain(ctx, tok)
	switch t := tok.(type) {
	case *token.CertificateToken:
		c.FindRevocationData(ctx, t, chain)
	case *token.EvidenceRecord:
		c.processEvidenceRecord(t)
	}
}

// processTimestamp verifies ts and, when it is acceptable, gives every
// reference it covers a POE at its generation time.
func (c *ValidationContext) processTimestamp(ctx context.Context, ts *token.TimestampToken) {
	chain := c.resolveChain(ctx, ts)
	if !c.timestamps.IsAcceptable(ts, chain) {
		c.logger.Debug("timestamp not acceptable, no POE registered", "timestamp", ts.ID())
		return
	}

	c.mu.Lock()
	c.validTimestamps[ts.ID()] = true
	for _, cert := range chain {
		if ts.GenerationTime().After(c.lastUsage[cert.ID()]) {
			c.lastUsage[cert.ID()] = ts.GenerationTime()
		}
	}
	c.mu.Unlock()

	n := c.poe.RegisterTimestampReferences(ts)
	c.logger.Debug("timestamp accepted", "timestamp", ts.ID(), "references", n, "time", ts.GenerationTime())
}

// processEvidenceRecord propagates the POE of the record's valid timestamps
// to the references the record covers.
func (c *ValidationContext) processEvidenceRecord(er *token.EvidenceRecord) {
	for _, ts := range er.Timestamps() {
		if !c.IsTimestampValid(ts) {
			continue
		}
		for _, ref := range er.References() {
			c.poe.RegisterFromTimestamp(ref, ts)
		}
	}
}

// resolveChain walks issuers of tok toward a self-signed certificate,
// registering every issuer found. The returned chain starts with the direct
// issuer. A certificate already on the chain stops the walk.
func (c *ValidationContext) resolveChain(ctx context.Context, tok token.Token) []*token.CertificateToken {
	var chain []*token.CertificateToken
	visited := map[token.ID]bool{tok.ID(): true}
	current := tok
	for {
		issuer := c.GetIssuer(ctx, current)
		if issuer == nil || visited[issuer.ID()] {
			return chain
		}
		visited[issuer.ID()] = true
		chain = append(chain, issuer)
		c.AddCertificateTokenForVerification(issuer)
		current = issuer
	}
}

// usage returns the latest generation time of an accepted timestamp whose
// chain contains cert with the timestamp context, or the current time with
// the signature context.
func (c *ValidationContext) usage(cert *token.CertificateToken) (time.Time, policy.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.lastUsage[cert.ID()]; ok {
		return t, policy.ContextTimestamp
	}
	return c.currentTime, policy.ContextSignature
}
