package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/renderer"
	"github.com/olekukonko/tablewriter/tw"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/georgepadayatti/certtrust/certvalidator"
	"github.com/georgepadayatti/certtrust/certvalidator/fetchers"
	"github.com/georgepadayatti/certtrust/certvalidator/revinfo/boltstore"
	"github.com/georgepadayatti/certtrust/certvalidator/source"
	"github.com/georgepadayatti/certtrust/certvalidator/token"
	"github.com/georgepadayatti/certtrust/certvalidator/tsp"
	"github.com/georgepadayatti/certtrust/config"
)

var (
	// ErrValidationFailed is returned when at least one check fails.
	ErrValidationFailed = errors.New("validation failed")

	// ErrNoTrustAnchors is returned when neither the flags nor the config name a trust anchor.
	ErrNoTrustAnchors = errors.New("no trust anchors configured")
)

// ValidateOptions contains options for the validate command.
type ValidateOptions struct {
	ConfigFile    string
	TrustAnchors  []string
	OtherCerts    []string
	CRLs          []string
	OCSPResponses []string
	Timestamps    []string
	SignatureFile string
	ExportFile    string
	Offline       bool
	JSON          bool
	LogLevel      string
}

func newValidateCommand() *cobra.Command {
	var opts ValidateOptions

	cmd := &cobra.Command{
		Use:   "validate [flags] CERT_FILE",
		Short: "Validate a signing certificate and its supporting data",
		Long: `Validate builds the chain of the first certificate in CERT_FILE, gathers
revocation data for every certificate of the chain and reports whether the
revocation data is present, fresh and not revoked. Remaining certificates in
CERT_FILE are treated as embedded in the signature.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output, err := runValidate(cmd.Context(), args[0], &opts)
			if err != nil {
				return err
			}
			if opts.JSON {
				err = outputJSON(cmd.OutOrStdout(), output)
			} else {
				err = outputTable(cmd.OutOrStdout(), output)
			}
			if err != nil {
				return err
			}
			if !output.Valid {
				return ErrValidationFailed
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.ConfigFile, "config", "c", "", "YAML configuration file")
	flags.StringSliceVarP(&opts.TrustAnchors, "trust", "t", nil, "trust anchor certificate file (PEM or DER), repeatable")
	flags.StringSliceVar(&opts.OtherCerts, "certs", nil, "untrusted intermediate certificate file, repeatable")
	flags.StringSliceVar(&opts.CRLs, "crl", nil, "CRL file embedded in the signature, repeatable")
	flags.StringSliceVar(&opts.OCSPResponses, "ocsp", nil, "DER OCSP response embedded in the signature, repeatable")
	flags.StringSliceVar(&opts.Timestamps, "timestamp", nil, "RFC 3161 time-stamp token or response over the signature value, repeatable")
	flags.StringVarP(&opts.SignatureFile, "signature", "s", "", "signature value file (default: the signing certificate)")
	flags.StringVarP(&opts.ExportFile, "export", "o", "", "write the collected validation data as PEM to this file")
	flags.BoolVar(&opts.Offline, "offline", false, "disable online CRL, OCSP and AIA fetching")
	flags.BoolVar(&opts.JSON, "json", false, "output results in JSON format")
	flags.StringVar(&opts.LogLevel, "log-level", "", "override the configured log level")

	return cmd
}

// ValidateOutput is the result of a validate run.
type ValidateOutput struct {
	Signature         string             `json:"signature"`
	ValidationTime    string             `json:"validation_time"`
	BestSignatureTime string             `json:"best_signature_time"`
	Chain             []*CertificateInfo `json:"chain"`
	Checks            []*CheckResult     `json:"checks"`
	Exported          string             `json:"exported,omitempty"`
	Valid             bool               `json:"valid"`
}

// CertificateInfo describes one certificate of the signing chain.
type CertificateInfo struct {
	Role       string `json:"role"`
	ID         string `json:"id"`
	Subject    string `json:"subject"`
	Issuer     string `json:"issuer"`
	Serial     string `json:"serial"`
	NotAfter   string `json:"not_after"`
	Trusted    bool   `json:"trusted"`
	Revocation string `json:"revocation"`
}

// CheckResult is the outcome of one assertion.
type CheckResult struct {
	Name     string   `json:"name"`
	Passed   bool     `json:"passed"`
	Failures []string `json:"failures,omitempty"`
}

type inputs struct {
	signing    []*token.CertificateToken
	anchors    []*token.CertificateToken
	others     []*token.CertificateToken
	crls       []*token.CRL
	ocsps      []*token.OCSPResponse
	timestamps []*token.TimestampToken
	signature  []byte
}

func runValidate(ctx context.Context, certFile string, opts *ValidateOptions) (*ValidateOutput, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}

	logOut, err := cfg.Logging.OpenOutput()
	if err != nil {
		return nil, err
	}
	defer logOut.Close()
	logger, err := cfg.Logging.NewLogger(logOut)
	if err != nil {
		return nil, err
	}

	in, err := loadInputs(ctx, certFile, opts, cfg.Validation)
	if err != nil {
		return nil, err
	}
	if len(in.anchors) == 0 {
		return nil, ErrNoTrustAnchors
	}

	vcOpts, closeSources, err := contextOptions(cfg, in, opts.Offline, logger)
	if err != nil {
		return nil, err
	}
	defer closeSources()

	vc, err := certvalidator.NewValidationContext(vcOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create validation context: %w", err)
	}

	signing := in.signing[0]
	sig, err := certvalidator.NewSignature(certvalidator.SignatureParams{
		Raw:                in.signature,
		Certificates:       in.signing,
		CRLs:               in.crls,
		OCSPResponses:      in.ocsps,
		Timestamps:         in.timestamps,
		SigningCertificate: signing,
	})
	if err != nil {
		return nil, err
	}

	vc.AddSignatureForVerification(sig)
	if err := vc.Validate(ctx); err != nil {
		return nil, err
	}

	output := buildOutput(vc, sig, signing)
	if opts.ExportFile != "" {
		data, err := vc.ValidationDataForSignature(sig).EncodePEM()
		if err != nil {
			return nil, fmt.Errorf("failed to encode validation data: %w", err)
		}
		if err := os.WriteFile(opts.ExportFile, data, 0o644); err != nil {
			return nil, fmt.Errorf("failed to write export file: %w", err)
		}
		output.Exported = opts.ExportFile
	}
	return output, nil
}

func loadConfig(opts *ValidateOptions) (*config.AppConfig, error) {
	var (
		cfg *config.AppConfig
		err error
	)
	if opts.ConfigFile != "" {
		cfg, err = config.LoadAppConfig(opts.ConfigFile)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = config.DefaultAppConfig()
	}
	if opts.LogLevel != "" {
		cfg.Logging.Level = opts.LogLevel
	}
	return cfg, nil
}

// loadInputs reads every input file concurrently.
func loadInputs(ctx context.Context, certFile string, opts *ValidateOptions, vcfg *config.ValidationConfig) (*inputs, error) {
	in := &inputs{}
	g, _ := errgroup.WithContext(ctx)

	g.Go(func() error {
		certs, err := loadCertificates(certFile)
		if err != nil {
			return err
		}
		in.signing = certs
		return nil
	})
	g.Go(func() error {
		certs, err := loadCertificateFiles(append(append([]string(nil), vcfg.TrustAnchors...), opts.TrustAnchors...))
		in.anchors = certs
		return err
	})
	g.Go(func() error {
		certs, err := loadCertificateFiles(append(append([]string(nil), vcfg.OtherCerts...), opts.OtherCerts...))
		in.others = certs
		return err
	})
	g.Go(func() error {
		for _, path := range opts.CRLs {
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("failed to read CRL: %w", err)
			}
			crl, err := token.ParseCRL(data)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			in.crls = append(in.crls, crl)
		}
		return nil
	})
	g.Go(func() error {
		for _, path := range opts.OCSPResponses {
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("failed to read OCSP response: %w", err)
			}
			resp, err := token.ParseOCSPResponse(data)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			in.ocsps = append(in.ocsps, resp)
		}
		return nil
	})
	rawTimestamps := make([][]byte, len(opts.Timestamps))
	for i, path := range opts.Timestamps {
		g.Go(func() error {
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("failed to read timestamp: %w", err)
			}
			rawTimestamps[i] = data
			return nil
		})
	}
	if opts.SignatureFile != "" {
		g.Go(func() error {
			data, err := os.ReadFile(opts.SignatureFile)
			if err != nil {
				return fmt.Errorf("failed to read signature: %w", err)
			}
			in.signature = data
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if len(in.signature) == 0 {
		in.signature = in.signing[0].Encoded()
	}

	// Timestamps cover the signature value, so they are parsed once it is known.
	sigID := token.NewID("S", in.signature)
	for i, data := range rawTimestamps {
		ts, err := tsp.ParseToken(data, &tsp.ParseOptions{
			Type:        token.SignatureTimestamp,
			CoveredData: in.signature,
			References:  []token.ID{sigID},
		})
		if err != nil {
			return nil, fmt.Errorf("%s: %w", opts.Timestamps[i], err)
		}
		in.timestamps = append(in.timestamps, ts)
	}
	return in, nil
}

func loadCertificates(path string) ([]*token.CertificateToken, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read certificate file: %w", err)
	}
	certs, err := token.ParseCertificates(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return certs, nil
}

func loadCertificateFiles(paths []string) ([]*token.CertificateToken, error) {
	var out []*token.CertificateToken
	for _, path := range paths {
		certs, err := loadCertificates(path)
		if err != nil {
			return nil, err
		}
		out = append(out, certs...)
	}
	return out, nil
}

// contextOptions wires policy, sources and fetchers. The returned function
// releases the revocation cache.
func contextOptions(cfg *config.AppConfig, in *inputs, offline bool, logger *slog.Logger) ([]certvalidator.Option, func(), error) {
	p, err := cfg.Validation.ToPolicy()
	if err != nil {
		return nil, nil, err
	}

	opts := []certvalidator.Option{
		certvalidator.WithPolicy(p),
		certvalidator.WithTrustedSource(source.NewTrustedCertificateSource(in.anchors...)),
		certvalidator.WithLogger(logger),
	}
	if len(in.others) > 0 {
		opts = append(opts, certvalidator.WithAdjunctSource(source.NewListCertificateSource(source.TypeAdjunct, in.others...)))
	}

	closeSources := func() {}
	if offline || !cfg.Fetching.IsOnline() {
		return opts, closeSources, nil
	}

	lc, err := cfg.Fetching.LoaderConfig(logger)
	if err != nil {
		return nil, nil, err
	}
	loader := fetchers.NewDataLoader(lc)

	var (
		crlSource  source.OnlineRevocationSource = fetchers.NewCRLSource(loader, logger)
		ocspSource source.OnlineRevocationSource = fetchers.NewOCSPSource(loader, logger)
	)
	if cfg.Cache.Path != "" {
		store, err := boltstore.Open(cfg.Cache.Path, boltstore.WithLogger(logger))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open revocation cache: %w", err)
		}
		crlSource = store.CRLSource(crlSource)
		ocspSource = store.OCSPSource(ocspSource)
		closeSources = func() {
			if err := store.Close(); err != nil {
				logger.Warn("failed to close revocation cache", "error", err)
			}
		}
	}

	opts = append(opts,
		certvalidator.WithCRLSource(crlSource),
		certvalidator.WithOCSPSource(ocspSource),
		certvalidator.WithAIASource(fetchers.NewAIASource(loader, logger)),
	)
	return opts, closeSources, nil
}

func buildOutput(vc *certvalidator.ValidationContext, sig certvalidator.Signature, signing *token.CertificateToken) *ValidateOutput {
	output := &ValidateOutput{
		Signature:         string(sig.ID()),
		ValidationTime:    vc.CurrentTime().Format(time.RFC3339),
		BestSignatureTime: vc.BestSignatureTime(sig).Format(time.RFC3339),
		Valid:             true,
	}

	chain := append([]*token.CertificateToken{signing}, vc.CertificateChain(signing)...)
	for i, cert := range chain {
		role := "intermediate"
		switch {
		case i == 0:
			role = "signer"
		case vc.TrustVerifier().IsTrusted(cert):
			role = "trust anchor"
		case cert.IsSelfSigned():
			role = "root"
		}
		output.Chain = append(output.Chain, &CertificateInfo{
			Role:       role,
			ID:         string(cert.ID()),
			Subject:    cert.Subject().String(),
			Issuer:     cert.Issuer().String(),
			Serial:     cert.SerialNumber().String(),
			NotAfter:   cert.NotAfter().Format(time.RFC3339),
			Trusted:    vc.TrustVerifier().IsTrusted(cert),
			Revocation: revocationSummary(vc, cert),
		})
	}

	checks := []*certvalidator.Status{
		vc.AllRequiredRevocationDataPresent(),
		vc.AllPOECoveredByRevocationData(),
		vc.AllSignatureCertificatesNotRevoked(),
		vc.AllSignatureCertificateHaveFreshRevocationData(),
		vc.AllSignaturesNotExpired(),
		vc.AllTimestampsValid(),
	}
	for _, status := range checks {
		result := &CheckResult{Name: status.Message, Passed: status.IsEmpty()}
		for _, e := range status.Entries() {
			result.Failures = append(result.Failures, fmt.Sprintf("%s: %s", e.Description, e.Reason))
		}
		if !result.Passed {
			output.Valid = false
		}
		output.Checks = append(output.Checks, result)
	}
	return output
}

// revocationSummary describes the newest revocation token of cert.
func revocationSummary(vc *certvalidator.ValidationContext, cert *token.CertificateToken) string {
	if cert.IsSelfSigned() {
		return "not required"
	}
	var latest *token.RevocationToken
	for _, rt := range vc.ProcessedRevocations() {
		if rt.RelatedCertificateID() != cert.ID() {
			continue
		}
		if latest == nil || rt.ThisUpdate().After(latest.ThisUpdate()) {
			latest = rt
		}
	}
	if latest == nil {
		return "no data"
	}
	summary := fmt.Sprintf("%s (%s, %s)", latest.Status(), latest.Type(), latest.Origin())
	if latest.Status() == token.StatusRevoked {
		summary += " at " + latest.RevocationDate().Format(time.RFC3339)
	}
	return summary
}

func outputJSON(w io.Writer, output *ValidateOutput) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(output); err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}
	return nil
}

func outputTable(w io.Writer, output *ValidateOutput) error {
	fmt.Fprintf(w, "Signature: %s\n", output.Signature)
	fmt.Fprintf(w, "Validation time: %s\n", output.ValidationTime)
	fmt.Fprintf(w, "Best signature time: %s\n\n", output.BestSignatureTime)

	chain := tablewriter.NewTable(w,
		tablewriter.WithRenderer(renderer.NewMarkdown(tw.Rendition{Streaming: true})),
	)
	chain.Header([]string{"#", "Role", "Subject", "Valid Until", "Revocation"})
	var rows [][]string
	for i, c := range output.Chain {
		rows = append(rows, []string{fmt.Sprintf("%d", i+1), c.Role, c.Subject, c.NotAfter, c.Revocation})
	}
	if err := chain.Bulk(rows); err != nil {
		return err
	}
	if err := chain.Render(); err != nil {
		return err
	}
	fmt.Fprintln(w)

	checks := tablewriter.NewTable(w,
		tablewriter.WithRenderer(renderer.NewMarkdown(tw.Rendition{Streaming: true})),
	)
	checks.Header([]string{"Check", "Result", "Details"})
	rows = nil
	for _, c := range output.Checks {
		result := "ok"
		if !c.Passed {
			result = "FAILED"
		}
		rows = append(rows, []string{c.Name, result, strings.Join(c.Failures, "; ")})
	}
	if err := checks.Bulk(rows); err != nil {
		return err
	}
	if err := checks.Render(); err != nil {
		return err
	}

	if output.Exported != "" {
		fmt.Fprintf(w, "\nValidation data written to %s\n", output.Exported)
	}
	return nil
}
