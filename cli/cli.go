// Package cli provides the pdfsigner command-line interface.
package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/casamonarca/pdfsigner/config"
	"github.com/casamonarca/pdfsigner/internal/logger"
	"github.com/casamonarca/pdfsigner/keys"
	"github.com/casamonarca/pdfsigner/keystore"
	"github.com/casamonarca/pdfsigner/sign/signers"
	"github.com/casamonarca/pdfsigner/sign/validation"
)

// Version information
var (
	Version   = "dev"
	BuildTime = "unknown"
)

// osExit is a variable for os.Exit to allow testing
var osExit = os.Exit

// Exit codes
const (
	ExitOK                       = 0
	ExitFailure                  = 1
	ExitSignatureLimitExceeded   = 2
	ExitCertificateExpired       = 3
	ExitCertificateOrKeyNotFound = 4
	ExitMalformedDocument        = 5
	ExitIntegrityCheckFailed     = 6
	ExitKeyGenerationError       = 7
	ExitDuplicateSigner          = 8
)

// ExitCode maps an error returned by a command to the process exit code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, signers.ErrSignatureLimitExceeded):
		return ExitSignatureLimitExceeded
	case errors.Is(err, signers.ErrCertificateExpired):
		return ExitCertificateExpired
	case errors.Is(err, signers.ErrCertificateOrKeyNotFound),
		errors.Is(err, keys.ErrNoCertFound),
		errors.Is(err, keys.ErrNoKeyFound),
		errors.Is(err, keystore.ErrNotFound):
		return ExitCertificateOrKeyNotFound
	case errors.Is(err, signers.ErrMalformedDocument), errors.Is(err, validation.ErrMalformedDocument):
		return ExitMalformedDocument
	case errors.Is(err, validation.ErrIntegrityCheckFailed):
		return ExitIntegrityCheckFailed
	case errors.Is(err, keys.ErrKeyGeneration):
		return ExitKeyGenerationError
	case errors.Is(err, signers.ErrDuplicateSigner):
		return ExitDuplicateSigner
	default:
		return ExitFailure
	}
}

// app is the state shared by all subcommands.
type app struct {
	configPath string
	logLevel   string
	output     string

	cfg   *config.Config
	log   *zap.Logger
	clock clockwork.Clock

	stdout io.Writer
	stderr io.Writer
}

func newApp(stdout, stderr io.Writer) *app {
	return &app{clock: clockwork.NewRealClock(), stdout: stdout, stderr: stderr}
}

// Run executes the CLI with the given arguments (without the program
// name) and exits with the mapped exit code on failure.
func Run(args []string) {
	a := newApp(os.Stdout, os.Stderr)
	if code := a.execute(args); code != ExitOK {
		osExit(code)
	}
}

func (a *app) execute(args []string) int {
	root := a.rootCommand()
	root.SetArgs(args)
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)
	err := root.Execute()
	if a.log != nil {
		_ = a.log.Sync()
	}
	if err != nil {
		fmt.Fprintf(a.stderr, "Error: %v\n", err)
		return ExitCode(err)
	}
	return ExitOK
}

func (a *app) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "pdfsigner",
		Short:         "Multi-party incremental PDF signing and verification",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init()
		},
	}
	pf := root.PersistentFlags()
	pf.StringVar(&a.configPath, "config", "", "config file (default ./"+config.DefaultFile+" when present)")
	pf.StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn, error")
	pf.StringVarP(&a.output, "output", "o", "json", "output format: json or text")

	root.AddCommand(
		a.issueCommand(),
		a.newCommand(),
		a.setMaxSignersCommand(),
		a.signCommand(),
		a.verifyCommand(),
		a.statusCommand(),
		a.serveCommand(),
		a.versionCommand(),
	)
	return root
}

func (a *app) init() error {
	if a.output != "json" && a.output != "text" {
		return fmt.Errorf("unknown output format %q", a.output)
	}
	if err := config.LoadDotEnv(); err != nil {
		return err
	}
	path := a.configPath
	if path == "" {
		if _, err := os.Stat(config.DefaultFile); err == nil {
			path = config.DefaultFile
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
	}
	a.cfg = cfg
	log, err := logger.New(cfg.Logging.Logger("pdfsigner", Version))
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	a.log = log
	return nil
}

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (a *app) printf(format string, args ...any) {
	fmt.Fprintf(a.stdout, format, args...)
}

func (a *app) signer() *signers.Signer {
	return signers.New(
		signers.WithClock(a.clock),
		signers.WithLogger(a.log),
		signers.WithPlaceholderSize(a.cfg.Signing.PlaceholderSize),
		signers.WithDefaultMaxSigners(a.cfg.Signing.DefaultMaxSigners),
	)
}

func (a *app) issuer() (*keys.Issuer, error) {
	return keys.NewIssuer(
		keys.WithClock(a.clock),
		keys.WithKeyBits(a.cfg.Issuer.KeyBits),
		keys.WithSubjectDefaults(a.cfg.Issuer.Subject()),
	)
}

func (a *app) keystore() (*keystore.Store, error) {
	return keystore.New(a.cfg.Keystore.Dir, a.cfg.Keystore.Passphrase(), keystore.WithLogger(a.log))
}

// readDocument reads a PDF, reporting a missing file as a plain I/O error.
func readDocument(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

func notFoundAs(err error, sentinel error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %w", sentinel, err)
	}
	return err
}

func (a *app) versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if a.output == "json" {
				return a.printJSON(map[string]string{"version": Version, "build_time": BuildTime})
			}
			a.printf("pdfsigner version %s\n", Version)
			a.printf("Build time: %s\n", BuildTime)
			return nil
		},
	}
}

func slug(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	dash := false
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		case !dash && b.Len() > 0:
			b.WriteByte('-')
			dash = true
		}
	}
	out := strings.TrimSuffix(b.String(), "-")
	if out == "" {
		return "identity"
	}
	return out
}
