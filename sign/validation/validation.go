// Package validation verifies the signatures embedded in a PDF document.
package validation

import (
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/casamonarca/pdfsigner/keys"
	"github.com/casamonarca/pdfsigner/pdf/generic"
	"github.com/casamonarca/pdfsigner/pdf/reader"
	"github.com/casamonarca/pdfsigner/sign/cms"
	"github.com/casamonarca/pdfsigner/sign/digest"
)

// Common validation errors
var (
	ErrMalformedDocument    = errors.New("malformed document")
	ErrIntegrityCheckFailed = errors.New("integrity check failed: signed bytes were modified")
	ErrInvalidSignature     = errors.New("invalid signature")
	ErrMalformedSignature   = errors.New("malformed signature")
)

// ValidationStatus summarises a Result.
type ValidationStatus int

const (
	StatusUnknown ValidationStatus = iota
	StatusValid
	StatusInvalid
	StatusWarning
)

// String returns the string representation of the status.
func (s ValidationStatus) String() string {
	switch s {
	case StatusValid:
		return "VALID"
	case StatusInvalid:
		return "INVALID"
	case StatusWarning:
		return "WARNING"
	default:
		return "UNKNOWN"
	}
}

// SignerSummary describes the certificate that produced a signature.
type SignerSummary struct {
	CommonName   string    `json:"common_name"`
	Email        string    `json:"email,omitempty"`
	Organization string    `json:"organization,omitempty"`
	Serial       string    `json:"serial_number"`
	Fingerprint  string    `json:"fingerprint_sha256"`
	NotBefore    time.Time `json:"not_before"`
	NotAfter     time.Time `json:"not_after"`
}

func summarize(cert *x509.Certificate) *SignerSummary {
	if cert == nil {
		return nil
	}
	info := keys.DescribeCertificate(cert)
	return &SignerSummary{
		CommonName:   info.CommonName,
		Email:        info.EmailAddress,
		Organization: info.OrganizationName,
		Serial:       info.SerialNumber,
		Fingerprint:  info.FingerprintSHA256,
		NotBefore:    info.ValidFrom,
		NotAfter:     info.ValidTo,
	}
}

// Result is the verification outcome of one signature. Integrity and
// SignatureValid are computed independently.
type Result struct {
	FieldName           string         `json:"field_name"`
	Index               int            `json:"signature_index"`
	Signer              *SignerSummary `json:"signer,omitempty"`
	Integrity           bool           `json:"integrity_valid"`
	SignatureValid      bool           `json:"signature_valid"`
	Trusted             bool           `json:"trust_valid"`
	CoversWholeDocument bool           `json:"covers_whole_document"`
	SigningTime         time.Time      `json:"signing_time"`
	Reason              string         `json:"reason,omitempty"`
	Location            string         `json:"location,omitempty"`
	Err                 error          `json:"-"`
}

// MarshalJSON adds the error message as "error".
func (r Result) MarshalJSON() ([]byte, error) {
	type plain Result
	out := struct {
		plain
		Error string `json:"error,omitempty"`
	}{plain: plain(r)}
	if r.Err != nil {
		out.Error = r.Err.Error()
	}
	return json.Marshal(out)
}

// Status folds the checks into a single verdict. Untrusted but intact
// signatures are warnings.
func (r Result) Status() ValidationStatus {
	switch {
	case !r.Integrity || !r.SignatureValid:
		return StatusInvalid
	case !r.Trusted:
		return StatusWarning
	default:
		return StatusValid
	}
}

// Report is a drained verification sequence.
type Report struct {
	Signatures []Result  `json:"signatures"`
	Total      int       `json:"total_signatures"`
	VerifiedAt time.Time `json:"verification_time"`
}

// AllIntact reports whether every signature passed the integrity and
// signature checks. A document without signatures is intact.
func (r Report) AllIntact() bool {
	for _, res := range r.Signatures {
		if !res.Integrity || !res.SignatureValid {
			return false
		}
	}
	return true
}

// Err joins the errors of all entries.
func (r Report) Err() error {
	var errs []error
	for _, res := range r.Signatures {
		if res.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", res.FieldName, res.Err))
		}
	}
	return errors.Join(errs...)
}

// Verifier checks signatures. It keeps no state between calls.
type Verifier struct {
	roots *x509.CertPool
	clock clockwork.Clock
	log   *zap.Logger
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithRoots enables trust evaluation against pool.
func WithRoots(pool *x509.CertPool) Option {
	return func(v *Verifier) { v.roots = pool }
}

// WithClock sets the clock used for Report.VerifiedAt and as the trust
// time of signatures without a signing time.
func WithClock(c clockwork.Clock) Option {
	return func(v *Verifier) { v.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(v *Verifier) { v.log = l }
}

// NewVerifier creates a Verifier. Without WithRoots no signature is
// reported as trusted.
func NewVerifier(opts ...Option) *Verifier {
	v := &Verifier{clock: clockwork.NewRealClock(), log: zap.NewNop()}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify yields one Result per signature, oldest first. The document is
// parsed when iteration starts; each iteration starts over.
func (v *Verifier) Verify(doc []byte) iter.Seq[Result] {
	return func(yield func(Result) bool) {
		r, err := reader.NewPdfFileReaderFromBytes(doc)
		if err != nil {
			yield(Result{Err: fmt.Errorf("%w: %v", ErrMalformedDocument, err)})
			return
		}
		size := int64(len(doc))
		for i, sig := range r.Signatures() {
			res := v.check(doc, size, sig)
			res.Index = i
			if !yield(res) {
				return
			}
		}
	}
}

// VerifyAll drains Verify into a Report.
func (v *Verifier) VerifyAll(doc []byte) Report {
	rep := Report{Signatures: []Result{}, VerifiedAt: v.clock.Now().UTC()}
	for res := range v.Verify(doc) {
		rep.Signatures = append(rep.Signatures, res)
		if res.Err != nil {
			v.log.Debug("signature check failed", zap.String("field_name", res.FieldName), zap.Error(res.Err))
		}
	}
	// A document that failed to parse has no signatures to count.
	if len(rep.Signatures) == 1 && rep.Signatures[0].FieldName == "" && errors.Is(rep.Signatures[0].Err, ErrMalformedDocument) {
		rep.Total = 0
	} else {
		rep.Total = len(rep.Signatures)
	}
	return rep
}

func (v *Verifier) check(doc []byte, size int64, sig *reader.EmbeddedSignature) Result {
	res := Result{
		FieldName: sig.FieldName,
		Reason:    sig.Reason(),
		Location:  sig.Location(),
	}
	if m := sig.SigningTime(); m != "" {
		if t, err := generic.ParseDate(m); err == nil {
			res.SigningTime = t.UTC()
		}
	}
	if sig.Err != nil {
		res.Err = fmt.Errorf("%w: %v", ErrMalformedSignature, sig.Err)
		return res
	}

	ranges := digest.FromPDF(sig.ByteRange)
	if err := ranges.Validate(size); err != nil {
		res.Err = fmt.Errorf("%w: %v", ErrMalformedSignature, err)
		return res
	}
	if !ranges.Covers(sig.SignedEnd()) {
		res.Err = fmt.Errorf("%w: /ByteRange must be two spans from offset 0 around /Contents", ErrMalformedSignature)
		return res
	}
	if err := checkContentsGap(doc, sig); err != nil {
		res.Err = fmt.Errorf("%w: %v", ErrMalformedSignature, err)
		return res
	}
	res.CoversWholeDocument = sig.SignedEnd() == size

	sd, err := cms.Parse(sig.Contents)
	if err != nil {
		res.Err = fmt.Errorf("%w: %v", ErrMalformedSignature, err)
		return res
	}
	sum, err := digest.DigestBytes(doc, ranges)
	if err != nil {
		res.Err = fmt.Errorf("%w: %v", ErrMalformedSignature, err)
		return res
	}

	c := sd.Verify(sum)
	res.Integrity = c.DigestMatches
	res.SignatureValid = c.SignatureValid
	res.Signer = summarize(c.Signer)
	if !c.SigningTime.IsZero() {
		res.SigningTime = c.SigningTime.UTC()
	}

	var errs []error
	if !res.Integrity {
		errs = append(errs, ErrIntegrityCheckFailed)
	}
	if !res.SignatureValid {
		errs = append(errs, fmt.Errorf("%w: %v", ErrInvalidSignature, c.Err))
	} else if c.Err != nil {
		errs = append(errs, c.Err)
	}
	res.Err = errors.Join(errs...)

	res.Trusted = v.trusted(c.Signer, sd.Certificates, res.SigningTime)
	return res
}

// checkContentsGap requires the unsigned gap between the two spans to be
// exactly the hex string holding /Contents, so no other byte of the
// signature dictionary is left out of the digest.
func checkContentsGap(doc []byte, sig *reader.EmbeddedSignature) error {
	start, end := sig.ByteRange[1], sig.ByteRange[2]
	if end-start < 2 || doc[start] != '<' || doc[end-1] != '>' {
		return errors.New("/ByteRange gap is not a hex string")
	}
	for _, c := range doc[start+1 : end-1] {
		if !isHexDigit(c) {
			return fmt.Errorf("/ByteRange gap holds non-hex byte %q", c)
		}
	}
	if digits := end - start - 2; digits != 2*int64(len(sig.Contents)) {
		return fmt.Errorf("/ByteRange gap has %d hex digits, /Contents holds %d bytes", digits, len(sig.Contents))
	}
	return nil
}

func isHexDigit(c byte) bool {
	return c >= '0' && c <= '9' || c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F'
}

// trusted verifies the signer chain against the configured roots at the
// signing time. It is always false without roots.
func (v *Verifier) trusted(signer *x509.Certificate, certs []*x509.Certificate, at time.Time) bool {
	if v.roots == nil || signer == nil {
		return false
	}
	if at.IsZero() {
		at = v.clock.Now()
	}
	intermediates := x509.NewCertPool()
	for _, c := range certs {
		if !c.Equal(signer) {
			intermediates.AddCert(c)
		}
	}
	_, err := signer.Verify(x509.VerifyOptions{
		Roots:         v.roots,
		Intermediates: intermediates,
		CurrentTime:   at,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	return err == nil
}
