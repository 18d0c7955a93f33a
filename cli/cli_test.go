package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/georgepadayatti/certtrust/internal/pkitest"
)

type testPKI struct {
	dir    string
	root   *pkitest.Entity
	inter  *pkitest.Entity
	leaf   *pkitest.Entity
	roots  string
	signer string
}

func newTestPKI(t *testing.T) *testPKI {
	t.Helper()
	p := &testPKI{dir: t.TempDir()}
	p.root = pkitest.NewRoot(t, "CLI Root")
	p.inter = p.root.Issue(t, "CLI Intermediate", true)
	p.leaf = p.inter.Issue(t, "CLI Signer", false)

	p.roots = p.writePEM(t, "roots.pem", "CERTIFICATE", p.root.Cert.Raw)
	p.signer = p.writePEM(t, "signer.pem", "CERTIFICATE", p.leaf.Cert.Raw, p.inter.Cert.Raw)
	return p
}

func (p *testPKI) writePEM(t *testing.T, name, typ string, ders ...[]byte) string {
	t.Helper()
	var buf bytes.Buffer
	for _, der := range ders {
		require.NoError(t, pem.Encode(&buf, &pem.Block{Type: typ, Bytes: der}))
	}
	path := filepath.Join(p.dir, name)
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))
	return path
}

func (p *testPKI) writeCRL(t *testing.T, name string, issuer *pkitest.Entity, revoked ...pkitest.Revoked) string {
	t.Helper()
	now := time.Now()
	der := issuer.CRL(t, now.Add(-time.Hour), now.Add(24*time.Hour), revoked...)
	path := filepath.Join(p.dir, name)
	require.NoError(t, os.WriteFile(path, der, 0o600))
	return path
}

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := NewRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	Version = "1.2.3-test"
	t.Cleanup(func() { Version = "dev" })

	out, err := runCommand(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "certtrust version 1.2.3-test")
	assert.Contains(t, out, "Build time:")
}

func TestValidateRequiresCertificateFile(t *testing.T) {
	_, err := runCommand(t, "validate")
	assert.Error(t, err)
}

func TestValidateNonExistentFile(t *testing.T) {
	_, err := runCommand(t, "validate", "--offline", "--log-level", "error", filepath.Join(t.TempDir(), "missing.pem"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read certificate file")
}

func TestValidateInvalidCertificate(t *testing.T) {
	p := newTestPKI(t)
	path := filepath.Join(p.dir, "invalid.cer")
	require.NoError(t, os.WriteFile(path, []byte("invalid data"), 0o600))

	_, err := runCommand(t, "validate", "--offline", "--log-level", "error", "--trust", p.roots, path)
	assert.Error(t, err)
}

func TestValidateWithoutTrustAnchors(t *testing.T) {
	p := newTestPKI(t)
	_, err := runCommand(t, "validate", "--offline", "--log-level", "error", p.signer)
	assert.ErrorIs(t, err, ErrNoTrustAnchors)
}

func TestValidateOfflineJSON(t *testing.T) {
	p := newTestPKI(t)
	interCRL := p.writeCRL(t, "inter.crl", p.inter)
	rootCRL := p.writeCRL(t, "root.crl", p.root)
	export := filepath.Join(p.dir, "ltv.pem")

	out, err := runCommand(t, "validate", "--offline", "--json", "--log-level", "error",
		"--trust", p.roots, "--crl", interCRL, "--crl", rootCRL, "--export", export, p.signer)
	require.NoError(t, err, out)

	var output ValidateOutput
	require.NoError(t, json.Unmarshal([]byte(out), &output))
	assert.True(t, output.Valid)
	require.Len(t, output.Chain, 3)
	assert.Equal(t, "signer", output.Chain[0].Role)
	assert.Equal(t, "intermediate", output.Chain[1].Role)
	assert.Equal(t, "trust anchor", output.Chain[2].Role)
	assert.True(t, output.Chain[2].Trusted)
	assert.Contains(t, output.Chain[0].Revocation, "good")
	assert.Equal(t, "not required", output.Chain[2].Revocation)
	require.Len(t, output.Checks, 6)
	for _, c := range output.Checks {
		assert.True(t, c.Passed, "%s: %v", c.Name, c.Failures)
	}

	data, err := os.ReadFile(export)
	require.NoError(t, err)
	assert.Contains(t, string(data), "BEGIN CERTIFICATE")
	assert.Contains(t, string(data), "BEGIN X509 CRL")
	assert.Equal(t, export, output.Exported)
}

func TestValidateRevokedSigner(t *testing.T) {
	p := newTestPKI(t)
	interCRL := p.writeCRL(t, "inter.crl", p.inter, pkitest.Revoked{
		Entity: p.leaf,
		At:     time.Now().Add(-2 * time.Hour),
		Reason: 1,
	})
	rootCRL := p.writeCRL(t, "root.crl", p.root)

	out, err := runCommand(t, "validate", "--offline", "--log-level", "error",
		"--trust", p.roots, "--crl", interCRL, "--crl", rootCRL, p.signer)
	assert.ErrorIs(t, err, ErrValidationFailed)
	assert.Contains(t, out, "FAILED")
	assert.Contains(t, out, "Revoked certificate(s) detected")
	assert.Contains(t, out, "CLI Signer")
}

func TestValidateMissingRevocationData(t *testing.T) {
	p := newTestPKI(t)

	out, err := runCommand(t, "validate", "--offline", "--log-level", "error", "--trust", p.roots, p.signer)
	assert.ErrorIs(t, err, ErrValidationFailed)
	assert.Contains(t, out, "Revocation data is missing for one or more certificate(s)")
	assert.Contains(t, out, "no data")
}

func TestValidateConfigFile(t *testing.T) {
	p := newTestPKI(t)
	interCRL := p.writeCRL(t, "inter.crl", p.inter)
	rootCRL := p.writeCRL(t, "root.crl", p.root)
	cfg := filepath.Join(p.dir, "certtrust.yaml")
	require.NoError(t, os.WriteFile(cfg, []byte(`validation:
  trust-anchors:
    - `+p.roots+`
fetching:
  online: false
logging:
  level: error
`), 0o600))

	out, err := runCommand(t, "validate", "--config", cfg, "--crl", interCRL, "--crl", rootCRL, p.signer)
	require.NoError(t, err, out)
	assert.Contains(t, out, "Revoked certificate(s) detected")
	assert.NotContains(t, out, "FAILED")
	assert.Contains(t, out, "trust anchor")
}

func TestValidateInvalidConfig(t *testing.T) {
	p := newTestPKI(t)
	cfg := filepath.Join(p.dir, "bad.yaml")
	require.NoError(t, os.WriteFile(cfg, []byte("validation:\n  fetch-order: sideways\n"), 0o600))

	_, err := runCommand(t, "validate", "--config", cfg, p.signer)
	assert.Error(t, err)
}

func TestValidateWithTimestamp(t *testing.T) {
	p := newTestPKI(t)
	tsa := p.root.IssueTSA(t, "CLI TSA")
	interCRL := p.writeCRL(t, "inter.crl", p.inter)
	rootCRL := p.writeCRL(t, "root.crl", p.root)

	signature := []byte("cli-signature-value")
	sigPath := filepath.Join(p.dir, "signature.bin")
	require.NoError(t, os.WriteFile(sigPath, signature, 0o600))

	genTime := time.Now().Add(-10 * 24 * time.Hour).UTC().Truncate(time.Second)
	tsPath := filepath.Join(p.dir, "signature.tsr")
	require.NoError(t, os.WriteFile(tsPath, pkitest.TimestampResponse(t, 0, tsa.TimestampDER(t, genTime, signature)), 0o600))

	out, _ := runCommand(t, "validate", "--offline", "--json", "--log-level", "error",
		"--trust", p.roots, "--crl", interCRL, "--crl", rootCRL,
		"--signature", sigPath, "--timestamp", tsPath, p.signer)

	var output ValidateOutput
	require.NoError(t, json.Unmarshal([]byte(out), &output), out)
	best, err := time.Parse(time.RFC3339, output.BestSignatureTime)
	require.NoError(t, err)
	assert.True(t, best.Equal(genTime), "best signature time %s, want %s", best, genTime)
	for _, c := range output.Checks {
		if c.Name == "Broken timestamp(s) detected" {
			assert.True(t, c.Passed, "%v", c.Failures)
		}
	}
}

func TestValidateInvalidTimestamp(t *testing.T) {
	p := newTestPKI(t)
	tsPath := filepath.Join(p.dir, "bad.tsr")
	require.NoError(t, os.WriteFile(tsPath, []byte("not a token"), 0o600))

	_, err := runCommand(t, "validate", "--offline", "--log-level", "error",
		"--trust", p.roots, "--timestamp", tsPath, p.signer)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad.tsr")
}
