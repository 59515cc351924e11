package cli

import (
	"crypto/x509"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/casamonarca/pdfsigner/keys"
	"github.com/casamonarca/pdfsigner/sign/validation"
)

// VerifyOptions contains options for the verify command.
type VerifyOptions struct {
	TrustRoots []string
	Verbose    bool
}

// VerifyOutput is the complete verification output including document info
// and signatures.
type VerifyOutput struct {
	Document  *DocumentInfo `json:"document,omitempty"`
	AllIntact bool          `json:"all_intact"`
	validation.Report
}

func (a *app) verifyCommand() *cobra.Command {
	var opts VerifyOptions
	cmd := &cobra.Command{
		Use:   "verify <pdf>",
		Short: "Verify every signature in a PDF, oldest first",
		Long: `Verify checks each signature independently: the digest of the signed
byte ranges (integrity) and the signature over the signed attributes.
Trust is only evaluated against --trust-roots or validation.trust-roots.
The command fails with exit code 6 when any signature is not intact.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runVerify(args[0], opts)
		},
	}
	cmd.Flags().StringSliceVar(&opts.TrustRoots, "trust-roots", nil, "PEM or DER files with trusted root certificates")
	cmd.Flags().BoolVarP(&opts.Verbose, "verbose", "v", false, "show document and certificate details")
	return cmd
}

func (a *app) trustPool(files []string) (*x509.CertPool, error) {
	if len(files) > 0 {
		pool, err := keys.CertPoolFromFiles(files)
		if err != nil {
			return nil, notFoundAs(err, keys.ErrNoCertFound)
		}
		return pool, nil
	}
	pool, err := a.cfg.Validation.TrustPool()
	if err != nil {
		return nil, notFoundAs(err, keys.ErrNoCertFound)
	}
	return pool, nil
}

func (a *app) runVerify(path string, opts VerifyOptions) error {
	doc, err := readDocument(path)
	if err != nil {
		return err
	}
	info, err := documentInfo(doc)
	if err != nil {
		return fmt.Errorf("%w: %v", validation.ErrMalformedDocument, err)
	}
	vopts := []validation.Option{validation.WithClock(a.clock), validation.WithLogger(a.log)}
	pool, err := a.trustPool(opts.TrustRoots)
	if err != nil {
		return err
	}
	if pool != nil {
		vopts = append(vopts, validation.WithRoots(pool))
	}

	rep := validation.NewVerifier(vopts...).VerifyAll(doc)
	out := VerifyOutput{Document: info, AllIntact: rep.AllIntact(), Report: rep}
	if a.output == "json" {
		if err := a.printJSON(out); err != nil {
			return err
		}
	} else {
		a.outputText(out, opts.Verbose)
	}

	if err := rep.Err(); errors.Is(err, validation.ErrMalformedDocument) {
		return err
	}
	if !out.AllIntact {
		return fmt.Errorf("%w: %v", validation.ErrIntegrityCheckFailed, rep.Err())
	}
	return nil
}

// outputText outputs the results in human-readable text format.
func (a *app) outputText(output VerifyOutput, verbose bool) {
	a.printf("PDF Verification Results\n")
	a.printf("========================\n\n")

	if output.Document != nil && verbose {
		doc := output.Document
		a.printf("Document Information\n")
		a.printf("--------------------\n")
		if doc.Title != "" {
			a.printf("  Title: %s\n", doc.Title)
		}
		if doc.Producer != "" {
			a.printf("  Producer: %s\n", doc.Producer)
		}
		if doc.CreationDate != "" {
			a.printf("  Created: %s\n", doc.CreationDate)
		}
		if doc.ModDate != "" {
			a.printf("  Modified: %s\n", doc.ModDate)
		}
		a.printf("  Pages: %d\n", doc.Pages)
		a.printf("  Revisions: %d\n\n", doc.Revisions)
	}

	a.printf("Found %d signature(s)\n\n", output.Total)

	for _, result := range output.Signatures[:output.Total] {
		status := result.Status()
		a.printf("Signature #%d\n", result.Index)
		a.printf("------------\n")
		a.printf("  Status: %s %s\n", statusIcon(status), status)
		a.printf("  Field: %s\n", result.FieldName)
		a.printf("  Integrity: %s\n", boolToStatus(result.Integrity))
		a.printf("  Signature: %s\n", boolToStatus(result.SignatureValid))
		a.printf("  Trust: %s\n", boolToStatus(result.Trusted))
		if result.Signer != nil {
			a.printf("  Signer: %s\n", result.Signer.CommonName)
		}
		if !result.SigningTime.IsZero() {
			a.printf("  Signing Time: %s\n", result.SigningTime.Format(time.RFC3339))
		}
		if result.Reason != "" {
			a.printf("  Reason: %s\n", result.Reason)
		}
		if result.Location != "" {
			a.printf("  Location: %s\n", result.Location)
		}
		if !result.CoversWholeDocument {
			a.printf("  Note: later revisions were appended after this signature\n")
		}

		if verbose && result.Signer != nil {
			s := result.Signer
			a.printf("\n  Certificate Details:\n")
			if s.Email != "" {
				a.printf("    E-mail: %s\n", s.Email)
			}
			if s.Organization != "" {
				a.printf("    Organization: %s\n", s.Organization)
			}
			a.printf("    Serial: %s\n", s.Serial)
			a.printf("    Fingerprint: %s\n", s.Fingerprint)
			a.printf("    Valid: %s to %s\n", s.NotBefore.Format(time.RFC3339), s.NotAfter.Format(time.RFC3339))
		}

		if result.Err != nil {
			a.printf("\n  Errors:\n")
			a.printf("    - %s\n", result.Err)
		}
		a.printf("\n")
	}
	if err := output.Err(); errors.Is(err, validation.ErrMalformedDocument) {
		a.printf("Document could not be parsed: %v\n", err)
	}
}

func statusIcon(s validation.ValidationStatus) string {
	switch s {
	case validation.StatusValid:
		return "[OK]"
	case validation.StatusInvalid:
		return "[FAIL]"
	case validation.StatusWarning:
		return "[WARN]"
	default:
		return "[?]"
	}
}

func boolToStatus(b bool) string {
	if b {
		return "OK"
	}
	return "FAILED"
}
