package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/casamonarca/pdfsigner/internal/atomicwrite"
	"github.com/casamonarca/pdfsigner/keys"
	"github.com/casamonarca/pdfsigner/sign/signers"
)

// SignOptions contains options for the sign command.
type SignOptions struct {
	CertFile    string
	KeyFile     string
	Passphrase  string
	Fingerprint string
	Name        string
	Reason      string
	Location    string
	Out         string
}

// SignOutput is printed after a successful signature.
type SignOutput struct {
	Success bool   `json:"success"`
	Path    string `json:"path"`
	*signers.Outcome
}

func (a *app) signCommand() *cobra.Command {
	var opts SignOptions
	cmd := &cobra.Command{
		Use:   "sign <pdf>",
		Short: "Append a signature to a PDF as a new incremental revision",
		Long: `Sign appends a signature to the document without touching earlier bytes.
The identity comes either from --cert and --key files or from the keystore
by --fingerprint. The input is replaced atomically unless --out is given.`,
		Example: `  pdfsigner sign contract.pdf --cert jane.cert.pem --key jane.key.pem --reason Approval
  pdfsigner sign contract.pdf --fingerprint 3f2a... --out contract-signed.pdf`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runSign(cmd, args[0], opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.CertFile, "cert", "", "signing certificate (PEM or DER)")
	f.StringVar(&opts.KeyFile, "key", "", "private key (PEM or DER)")
	f.StringVar(&opts.Passphrase, "passphrase", "", "passphrase of an encrypted private key")
	f.StringVar(&opts.Fingerprint, "fingerprint", "", "SHA-256 fingerprint of a keystore identity")
	f.StringVar(&opts.Name, "name", "", "signer name (default: certificate common name)")
	f.StringVar(&opts.Reason, "reason", "", "reason for signing (default from config)")
	f.StringVar(&opts.Location, "location", "", "location of the signer (default from config)")
	f.StringVar(&opts.Out, "out", "", "write the signed PDF here instead of replacing the input")
	cmd.MarkFlagsRequiredTogether("cert", "key")
	cmd.MarkFlagsMutuallyExclusive("cert", "fingerprint")
	cmd.MarkFlagsOneRequired("cert", "fingerprint")
	return cmd
}

func (a *app) loadIdentity(opts SignOptions) (*keys.Identity, error) {
	if opts.Fingerprint != "" {
		ks, err := a.keystore()
		if err != nil {
			return nil, err
		}
		return ks.Load(opts.Fingerprint)
	}
	var pass []byte
	if opts.Passphrase != "" {
		pass = []byte(opts.Passphrase)
	}
	id, err := keys.LoadIdentity(opts.CertFile, opts.KeyFile, pass)
	if err != nil {
		return nil, notFoundAs(err, signers.ErrCertificateOrKeyNotFound)
	}
	return id, nil
}

func (a *app) runSign(cmd *cobra.Command, path string, opts SignOptions) error {
	doc, err := readDocument(path)
	if err != nil {
		return err
	}
	id, err := a.loadIdentity(opts)
	if err != nil {
		return err
	}
	meta := signers.Metadata{Name: opts.Name, Reason: opts.Reason, Location: opts.Location}
	if meta.Reason == "" {
		meta.Reason = a.cfg.Signing.Reason
	}
	if meta.Location == "" {
		meta.Location = a.cfg.Signing.Location
	}

	signed, outcome, err := a.signer().Sign(cmd.Context(), doc, id, meta)
	if err != nil {
		var se *signers.SigningError
		if errors.As(err, &se) {
			return fmt.Errorf("signing %s failed at %s: %w", path, se.Step, se.Cause)
		}
		return err
	}
	dest := path
	if opts.Out != "" {
		dest = opts.Out
	}
	if err := atomicwrite.WriteFile(dest, signed, 0o644); err != nil {
		return err
	}

	if a.output == "json" {
		return a.printJSON(SignOutput{Success: true, Path: dest, Outcome: outcome})
	}
	a.printf("Signed %s as %s\n", dest, outcome.FieldName)
	a.printf("  Signer:     %s\n", id.Certificate.Subject.CommonName)
	a.printf("  Signatures: %d of %d\n", outcome.SignerCount, outcome.MaxSigners)
	a.printf("  ByteRange:  %v\n", outcome.ByteRange)
	return nil
}
