package cli

import (
	"encoding/base64"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/casamonarca/pdfsigner/internal/atomicwrite"
	"github.com/casamonarca/pdfsigner/keys"
)

type issueOptions struct {
	commonName  string
	email       string
	days        int
	outDir      string
	store       bool
	p12File     string
	p12Password string
}

// IssueOutput is printed by the issue command.
type IssueOutput struct {
	Success        bool                 `json:"success"`
	PrivateKeyPEM  string               `json:"private_key_pem_base64,omitempty"`
	CertificatePEM string               `json:"certificate_pem_base64"`
	Certificate    keys.CertificateInfo `json:"certificate_info"`
	KeyFile        string               `json:"key_file,omitempty"`
	CertFile       string               `json:"cert_file,omitempty"`
	PKCS12File     string               `json:"pkcs12_file,omitempty"`
	Keystore       string               `json:"keystore,omitempty"`
}

func (a *app) issueCommand() *cobra.Command {
	var opts issueOptions
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Generate an RSA key and a self-signed signing certificate",
		Example: `  pdfsigner issue --cn "Jane Doe" --email jane@example.org --days 365
  pdfsigner issue --cn "Jane Doe" --email jane@example.org --out-dir ./ids
  pdfsigner issue --cn "Jane Doe" --email jane@example.org --store`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runIssue(cmd, opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.commonName, "cn", "", "common name of the holder")
	f.StringVar(&opts.email, "email", "", "e-mail address of the holder")
	f.IntVar(&opts.days, "days", 0, "validity in days (default from config)")
	f.StringVar(&opts.outDir, "out-dir", "", "write <name>.key.pem and <name>.cert.pem here instead of printing the key")
	f.BoolVar(&opts.store, "store", false, "save the identity in the encrypted keystore")
	f.StringVar(&opts.p12File, "p12", "", "also export a PKCS#12 bundle to this file")
	f.StringVar(&opts.p12Password, "p12-password", "", "password for the PKCS#12 bundle")
	_ = cmd.MarkFlagRequired("cn")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func (a *app) runIssue(cmd *cobra.Command, opts issueOptions) error {
	days := opts.days
	if days == 0 {
		days = a.cfg.Issuer.ValidityDays
	}
	issuer, err := a.issuer()
	if err != nil {
		return err
	}
	id, err := issuer.Issue(cmd.Context(), keys.IssueRequest{CommonName: opts.commonName, Email: opts.email, ValidityDays: days})
	if err != nil {
		return err
	}
	certPEM, keyPEM, err := keys.PEMBytes(id)
	if err != nil {
		return err
	}

	out := IssueOutput{
		Success:        true,
		CertificatePEM: base64.StdEncoding.EncodeToString(certPEM),
		Certificate:    id.Info(),
	}
	if opts.outDir != "" {
		base := filepath.Join(opts.outDir, slug(opts.commonName))
		out.KeyFile, out.CertFile = base+".key.pem", base+".cert.pem"
		if err := atomicwrite.WriteFile(out.KeyFile, keyPEM, 0o600); err != nil {
			return err
		}
		if err := atomicwrite.WriteFile(out.CertFile, certPEM, 0o644); err != nil {
			return err
		}
	} else if !opts.store {
		out.PrivateKeyPEM = base64.StdEncoding.EncodeToString(keyPEM)
	}
	if opts.p12File != "" {
		p12, err := keys.ExportPKCS12(id, opts.p12Password)
		if err != nil {
			return err
		}
		if err := atomicwrite.WriteFile(opts.p12File, p12, 0o600); err != nil {
			return err
		}
		out.PKCS12File = opts.p12File
	}
	if opts.store {
		ks, err := a.keystore()
		if err != nil {
			return err
		}
		res, err := ks.Put(id)
		if err != nil {
			return err
		}
		out.Keystore = res.String()
	}

	if a.output == "json" {
		return a.printJSON(out)
	}
	info := out.Certificate
	a.printf("Issued certificate for %s <%s>\n", info.CommonName, info.EmailAddress)
	a.printf("  Serial:      %s\n", info.SerialNumber)
	a.printf("  Valid:       %s to %s\n", info.ValidFrom.Format("2006-01-02"), info.ValidTo.Format("2006-01-02"))
	a.printf("  Fingerprint: %s\n", info.FingerprintSHA256)
	for _, p := range []string{out.KeyFile, out.CertFile, out.PKCS12File} {
		if p != "" {
			a.printf("  Wrote %s\n", p)
		}
	}
	if out.Keystore != "" {
		a.printf("  Keystore:    %s\n", out.Keystore)
	}
	if out.PrivateKeyPEM != "" {
		fmt.Fprintln(a.stdout, string(keyPEM))
		fmt.Fprintln(a.stdout, string(certPEM))
	}
	return nil
}
