// Package signers appends signatures to PDF documents as incremental
// revisions and enforces the per-document signer limit.
package signers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/text/unicode/norm"

	"github.com/casamonarca/pdfsigner/internal/logger"
	"github.com/casamonarca/pdfsigner/keys"
	"github.com/casamonarca/pdfsigner/pdf/generic"
	"github.com/casamonarca/pdfsigner/pdf/reader"
	"github.com/casamonarca/pdfsigner/pdf/writer"
	"github.com/casamonarca/pdfsigner/sign/cms"
	"github.com/casamonarca/pdfsigner/sign/digest"
)

// Signing errors. Policy errors are returned before anything is written.
var (
	ErrMalformedDocument        = errors.New("malformed document")
	ErrSignerLimitMissing       = fmt.Errorf("%w: /MaxSigners is not set", ErrMalformedDocument)
	ErrSignatureLimitExceeded   = errors.New("signature limit exceeded")
	ErrCertificateExpired       = errors.New("certificate expired or not yet valid")
	ErrCertificateOrKeyNotFound = errors.New("certificate or key not found")
	ErrDuplicateSigner          = errors.New("certificate has already signed this document")
	ErrUnsuitableKeyUsage       = errors.New("certificate key usage does not allow signing")
	ErrPolicyLocked             = errors.New("signer limit cannot change after the first signature")
	ErrInvalidLimit             = errors.New("signer limit must be at least 1")
	ErrPlaceholderTooSmall      = writer.ErrPlaceholderTooSmall
)

// SigningError wraps a failure in one step of the signing process.
type SigningError struct {
	Step  string
	Cause error
}

func (e *SigningError) Error() string {
	return e.Step + ": " + e.Cause.Error()
}

// Unwrap returns the underlying error.
func (e *SigningError) Unwrap() error {
	return e.Cause
}

// Metadata is written into the signature dictionary. Name defaults to the
// certificate common name.
type Metadata struct {
	Reason   string
	Location string
	Name     string
}

// Outcome describes a signature that was just added.
type Outcome struct {
	FieldName   string   `json:"field_name"`
	Ordinal     int      `json:"ordinal"`
	SignerCount int      `json:"signer_count"`
	MaxSigners  int      `json:"max_signers"`
	ByteRange   [4]int64 `json:"byte_range"`
}

// Status is the signing state of a document.
type Status struct {
	MaxSigners  int      `json:"max_signers"`
	SignerCount int      `json:"signer_count"`
	FieldNames  []string `json:"field_names"`
}

// Remaining is the number of signatures that can still be added.
func (s Status) Remaining() int {
	if s.SignerCount >= s.MaxSigners {
		return 0
	}
	return s.MaxSigners - s.SignerCount
}

// Signer adds signatures. It holds no per-document state, so one Signer may
// serve concurrent calls on different documents; callers serialise calls on
// the same document.
type Signer struct {
	clock             clockwork.Clock
	log               *zap.Logger
	placeholderSize   int
	defaultMaxSigners int
}

// Option configures a Signer.
type Option func(*Signer)

// WithClock sets the clock used for validity checks and signing times.
func WithClock(c clockwork.Clock) Option {
	return func(s *Signer) { s.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Signer) { s.log = l }
}

// WithPlaceholderSize fixes the /Contents placeholder size in bytes.
func WithPlaceholderSize(n int) Option {
	return func(s *Signer) { s.placeholderSize = n }
}

// WithDefaultMaxSigners applies n to documents that carry no /MaxSigners.
func WithDefaultMaxSigners(n int) Option {
	return func(s *Signer) { s.defaultMaxSigners = n }
}

// New creates a Signer.
func New(opts ...Option) *Signer {
	s := &Signer{
		clock: clockwork.NewRealClock(),
		log:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type state struct {
	reader     *reader.PdfFileReader
	signatures []*reader.EmbeddedSignature
	maxSigners int
	// explicitLimit is false when maxSigners came from the default.
	explicitLimit bool
}

func (s *Signer) load(doc []byte) (*state, error) {
	r, err := reader.NewPdfFileReaderFromBytes(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedDocument, err)
	}
	st := &state{reader: r, signatures: r.Signatures()}
	n, ok, err := r.MaxSigners()
	switch {
	case err != nil:
		return nil, fmt.Errorf("%w: %v", ErrMalformedDocument, err)
	case ok:
		st.maxSigners, st.explicitLimit = n, true
	case s.defaultMaxSigners > 0:
		st.maxSigners = s.defaultMaxSigners
	}
	return st, nil
}

// Status reports the limit, the number of signatures and the field names.
// MaxSigners is 0 when the document has no limit and no default applies.
func (s *Signer) Status(doc []byte) (Status, error) {
	st, err := s.load(doc)
	if err != nil {
		return Status{}, err
	}
	out := Status{MaxSigners: st.maxSigners, SignerCount: len(st.signatures)}
	for _, sig := range st.signatures {
		out.FieldNames = append(out.FieldNames, sig.FieldName)
	}
	return out, nil
}

// Sign appends a signature by id to doc and returns the new document. doc
// is never modified; on error the caller still holds the unchanged input.
// Cancellation of ctx is honoured until the document is about to be
// digested and signed.
func (s *Signer) Sign(ctx context.Context, doc []byte, id *keys.Identity, meta Metadata) ([]byte, *Outcome, error) {
	st, err := s.load(doc)
	if err != nil {
		return nil, nil, err
	}
	if st.maxSigners == 0 {
		return nil, nil, ErrSignerLimitMissing
	}
	count := len(st.signatures)
	if count >= st.maxSigners {
		return nil, nil, fmt.Errorf("%w: %d of %d signatures present", ErrSignatureLimitExceeded, count, st.maxSigners)
	}

	if id == nil || id.Certificate == nil || id.Signer() == nil {
		return nil, nil, ErrCertificateOrKeyNotFound
	}
	now := s.clock.Now()
	if !id.ValidAt(now) {
		return nil, nil, fmt.Errorf("%w: valid %s to %s", ErrCertificateExpired,
			id.NotBefore().Format("2006-01-02"), id.NotAfter().Format("2006-01-02"))
	}
	if ku := id.Certificate.KeyUsage; ku != 0 && ku&DefaultSignerKeyUsage == 0 {
		return nil, nil, ErrUnsuitableKeyUsage
	}
	if field, ok := signedBy(st.signatures, id.Fingerprint); ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrDuplicateSigner, field)
	}

	ordinal := count + 1
	names := st.reader.FieldNames()
	for names[fieldName(ordinal)] {
		ordinal++
	}
	name := fieldName(ordinal)
	log := s.log.With(logger.FieldName(name), logger.Fingerprint(id.Fingerprint))
	if !st.explicitLimit {
		log.Debug("document has no /MaxSigners, using default", zap.Int("max_signers", st.maxSigners))
	}

	size := s.placeholderSize
	if size <= 0 {
		size = DefaultPlaceholderReserve + len(id.Certificate.Raw)
	}
	if meta.Name == "" {
		meta.Name = id.CommonName()
	}

	w := writer.NewIncrementalWriter(st.reader)
	ph := writer.NewSignaturePlaceholder(size)
	sigRef := w.AddObject(signatureDictionary(ph, meta, now))
	if _, err := w.AddSignatureField(name, sigRef, 0); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformedDocument, err)
	}
	info, err := w.Info()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformedDocument, err)
	}
	info.Set(reader.MaxSignersKey, generic.IntegerObject(st.maxSigners))
	info.Set(reader.SignerCountKey, generic.IntegerObject(count+1))
	info.Set("ModDate", generic.NewLiteralString(generic.FormatDate(now)))

	out, err := w.Write()
	if err != nil {
		return nil, nil, &SigningError{Step: "write revision", Cause: err}
	}
	slot, err := ph.Slot(int64(len(out)))
	if err != nil {
		return nil, nil, &SigningError{Step: "locate placeholder", Cause: err}
	}
	if err := slot.PatchByteRange(out); err != nil {
		return nil, nil, &SigningError{Step: "patch byte range", Cause: err}
	}

	if err := ctx.Err(); err != nil {
		log.Debug("signing cancelled before digest")
		return nil, nil, err
	}

	sum, err := digest.DigestBytes(out, digest.FromPDF(slot.ByteRange()))
	if err != nil {
		return nil, nil, &SigningError{Step: "digest", Cause: err}
	}
	builder := &cms.Builder{Certificate: id.Certificate, Signer: id.Signer(), Clock: s.clock}
	der, err := builder.Build(sum)
	if err != nil {
		return nil, nil, &SigningError{Step: "build signature", Cause: err}
	}
	if err := slot.Fill(out, der); err != nil {
		return nil, nil, &SigningError{Step: "embed signature", Cause: err}
	}

	log.Info("document signed",
		zap.Int("ordinal", ordinal),
		zap.Int("signer_count", count+1),
		zap.Int("max_signers", st.maxSigners),
		zap.Int("size", len(out)),
	)
	return out, &Outcome{
		FieldName:   name,
		Ordinal:     ordinal,
		SignerCount: count + 1,
		MaxSigners:  st.maxSigners,
		ByteRange:   slot.ByteRange(),
	}, nil
}

func signatureDictionary(ph *writer.SignaturePlaceholder, meta Metadata, now time.Time) *generic.DictionaryObject {
	sig := generic.NewDictionary()
	sig.Set("Type", generic.NameObject("Sig"))
	sig.Set("Filter", generic.NameObject(DefaultSigFilter))
	sig.Set("SubFilter", generic.NameObject(DefaultSigSubFilter))
	sig.Set("ByteRange", ph.ByteRange)
	sig.Set("Contents", ph.Contents)
	sig.Set("M", generic.NewLiteralString(generic.FormatDate(now)))
	for _, kv := range [][2]string{{"Name", meta.Name}, {"Reason", meta.Reason}, {"Location", meta.Location}} {
		if v := norm.NFC.String(strings.TrimSpace(kv[1])); v != "" {
			sig.Set(kv[0], generic.NewTextString(v))
		}
	}
	return sig
}

// signedBy reports the field of an existing signature made with the
// certificate whose fingerprint is fp.
func signedBy(sigs []*reader.EmbeddedSignature, fp string) (string, bool) {
	for _, sig := range sigs {
		if sig.Err != nil {
			continue
		}
		sd, err := cms.Parse(sig.Contents)
		if err != nil || sd.Signer == nil {
			continue
		}
		if keys.Fingerprint(sd.Signer) == fp {
			return sig.FieldName, true
		}
	}
	return "", false
}

// SetMaxSigners appends a revision that sets /MaxSigners to n. The limit
// is fixed once the document carries a signature.
func (s *Signer) SetMaxSigners(doc []byte, n int) ([]byte, error) {
	if n < 1 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidLimit, n)
	}
	// An unreadable /MaxSigners may be replaced, so the limit is not loaded.
	r, err := reader.NewPdfFileReaderFromBytes(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedDocument, err)
	}
	st := &state{reader: r, signatures: r.Signatures()}
	if len(st.signatures) > 0 {
		return nil, fmt.Errorf("%w: %d signatures present", ErrPolicyLocked, len(st.signatures))
	}

	w := writer.NewIncrementalWriter(st.reader)
	info, err := w.Info()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedDocument, err)
	}
	info.Set(reader.MaxSignersKey, generic.IntegerObject(n))
	info.Set("ModDate", generic.NewLiteralString(generic.FormatDate(s.clock.Now())))
	out, err := w.Write()
	if err != nil {
		return nil, &SigningError{Step: "write revision", Cause: err}
	}
	s.log.Info("signer limit set", zap.Int("max_signers", n))
	return out, nil
}
