package signers

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casamonarca/pdfsigner/keys"
	"github.com/casamonarca/pdfsigner/pdf/generic"
	"github.com/casamonarca/pdfsigner/pdf/reader"
	"github.com/casamonarca/pdfsigner/pdf/writer"
	"github.com/casamonarca/pdfsigner/sign/cms"
	"github.com/casamonarca/pdfsigner/sign/digest"
)

var issuedAt = time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)

func issue(t *testing.T, cn, email string, days int) *keys.Identity {
	t.Helper()
	issuer, err := keys.NewIssuer(keys.WithClock(clockwork.NewFakeClockAt(issuedAt)))
	require.NoError(t, err)
	id, err := issuer.Issue(context.Background(), keys.IssueRequest{CommonName: cn, Email: email, ValidityDays: days})
	require.NoError(t, err)
	return id
}

func newDoc(t *testing.T, maxSigners int) []byte {
	t.Helper()
	doc, err := writer.NewDocument(writer.DocumentOptions{MaxSigners: maxSigners, Lines: []string{"Acuerdo"}, Created: issuedAt})
	require.NoError(t, err)
	return doc
}

func newSigner(opts ...Option) (*Signer, *clockwork.FakeClock) {
	clock := clockwork.NewFakeClockAt(issuedAt.Add(time.Hour))
	return New(append([]Option{WithClock(clock)}, opts...)...), clock
}

func TestSignTwoPartiesThenLimit(t *testing.T) {
	jane := issue(t, "Jane Doe", "jane@example.org", 365)
	john := issue(t, "John Roe", "john@example.org", 365)
	carl := issue(t, "Carl Poe", "carl@example.org", 365)
	s, _ := newSigner()
	ctx := context.Background()

	doc := newDoc(t, 2)
	first, out, err := s.Sign(ctx, doc, jane, Metadata{Reason: "Approval", Location: "HQ"})
	require.NoError(t, err)
	assert.Equal(t, "Signature1", out.FieldName)
	assert.Equal(t, 1, out.Ordinal)
	assert.Equal(t, 1, out.SignerCount)
	assert.Equal(t, 2, out.MaxSigners)
	assert.True(t, bytes.HasPrefix(first, doc), "signed document must extend the original")
	assert.Equal(t, int64(len(first)), out.ByteRange[2]+out.ByteRange[3])

	second, out, err := s.Sign(ctx, first, john, Metadata{Reason: "Review"})
	require.NoError(t, err)
	assert.Equal(t, "Signature2", out.FieldName)
	assert.Equal(t, 2, out.SignerCount)
	assert.True(t, bytes.HasPrefix(second, first))

	before := bytes.Clone(second)
	third, out, err := s.Sign(ctx, second, carl, Metadata{})
	assert.ErrorIs(t, err, ErrSignatureLimitExceeded)
	assert.Nil(t, third)
	assert.Nil(t, out)
	assert.Equal(t, before, second, "input must be untouched")

	st, err := s.Status(second)
	require.NoError(t, err)
	assert.Equal(t, Status{MaxSigners: 2, SignerCount: 2, FieldNames: []string{"Signature1", "Signature2"}}, st)
	assert.Zero(t, st.Remaining())
}

func TestSignEmbedsVerifiableSignature(t *testing.T) {
	jane := issue(t, "Jane Doe", "jane@example.org", 365)
	s, clock := newSigner()

	signed, _, err := s.Sign(context.Background(), newDoc(t, 1), jane, Metadata{Reason: "Aprobación", Location: "HQ"})
	require.NoError(t, err)

	r, err := reader.NewPdfFileReaderFromBytes(signed)
	require.NoError(t, err)
	sigs := r.Signatures()
	require.Len(t, sigs, 1)
	sig := sigs[0]
	require.NoError(t, sig.Err)
	assert.Equal(t, "Aprobación", sig.Reason())
	assert.Equal(t, "HQ", sig.Location())
	assert.Equal(t, "Jane Doe", sig.Name())
	assert.Equal(t, DefaultSigSubFilter, sig.Dictionary.GetName("SubFilter"))

	ranges := digest.FromPDF(sig.ByteRange)
	require.NoError(t, ranges.Validate(int64(len(signed))))
	assert.True(t, ranges.Covers(int64(len(signed))))
	sum, err := digest.DigestBytes(signed, ranges)
	require.NoError(t, err)

	sd, err := cms.Parse(sig.Contents)
	require.NoError(t, err)
	check := sd.Verify(sum)
	assert.True(t, check.DigestMatches)
	assert.True(t, check.SignatureValid, "%v", check.Err)
	assert.Equal(t, jane.Fingerprint, keys.Fingerprint(check.Signer))
	assert.True(t, check.SigningTime.Equal(clock.Now().Truncate(time.Second)))

	count, ok := r.Info.GetInt(reader.SignerCountKey)
	assert.True(t, ok)
	assert.Equal(t, int64(1), count)
	fields := r.Fields()
	require.Len(t, fields, 1)
	assert.Equal(t, "Sig", fields[0].Type)
	assert.Equal(t, int64(132), mustInt(t, fields[0].Dict, "F"))
}

func mustInt(t *testing.T, d *generic.DictionaryObject, key string) int64 {
	t.Helper()
	v, ok := d.GetInt(key)
	require.True(t, ok, key)
	return v
}

func TestSignCertificateValidity(t *testing.T) {
	jane := issue(t, "Jane Doe", "jane@example.org", 30)
	tests := []struct {
		name string
		at   time.Time
	}{
		{"expired", issuedAt.Add(31 * 24 * time.Hour)},
		{"not yet valid", issuedAt.Add(-time.Minute)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(WithClock(clockwork.NewFakeClockAt(tt.at)))
			doc := newDoc(t, 2)
			before := bytes.Clone(doc)
			out, _, err := s.Sign(context.Background(), doc, jane, Metadata{})
			assert.ErrorIs(t, err, ErrCertificateExpired)
			assert.Nil(t, out)
			assert.Equal(t, before, doc)
		})
	}
}

func TestSignDuplicateSigner(t *testing.T) {
	jane := issue(t, "Jane Doe", "jane@example.org", 365)
	s, _ := newSigner()

	signed, _, err := s.Sign(context.Background(), newDoc(t, 3), jane, Metadata{})
	require.NoError(t, err)
	_, _, err = s.Sign(context.Background(), signed, jane, Metadata{})
	assert.ErrorIs(t, err, ErrDuplicateSigner)
}

func TestSignFieldNameCollision(t *testing.T) {
	doc := newDoc(t, 2)
	r, err := reader.NewPdfFileReaderFromBytes(doc)
	require.NoError(t, err)

	// An empty field already called Signature1.
	w := writer.NewIncrementalWriter(r)
	fieldRef, err := w.AddSignatureField("Signature1", w.AddObject(generic.NewDictionary()), 0)
	require.NoError(t, err)
	field, err := w.GetForUpdate(fieldRef)
	require.NoError(t, err)
	field.(*generic.DictionaryObject).Delete("V")
	withField, err := w.Write()
	require.NoError(t, err)

	s, _ := newSigner()
	_, out, err := s.Sign(context.Background(), withField, issue(t, "Jane Doe", "jane@example.org", 365), Metadata{})
	require.NoError(t, err)
	assert.Equal(t, "Signature2", out.FieldName)
	assert.Equal(t, 2, out.Ordinal)
	assert.Equal(t, 1, out.SignerCount)
}

func TestSignSignerLimit(t *testing.T) {
	jane := issue(t, "Jane Doe", "jane@example.org", 365)
	doc := newDoc(t, 0)

	s, _ := newSigner()
	_, _, err := s.Sign(context.Background(), doc, jane, Metadata{})
	assert.ErrorIs(t, err, ErrSignerLimitMissing)
	assert.ErrorIs(t, err, ErrMalformedDocument)

	s, _ = newSigner(WithDefaultMaxSigners(1))
	signed, out, err := s.Sign(context.Background(), doc, jane, Metadata{})
	require.NoError(t, err)
	assert.Equal(t, 1, out.MaxSigners)

	r, err := reader.NewPdfFileReaderFromBytes(signed)
	require.NoError(t, err)
	n, ok, err := r.MaxSigners()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, n)
}

func TestSignRejectsBadInput(t *testing.T) {
	jane := issue(t, "Jane Doe", "jane@example.org", 365)
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	tests := []struct {
		name string
		ctx  context.Context
		doc  []byte
		id   *keys.Identity
		opts []Option
		want error
	}{
		{"not a pdf", context.Background(), []byte("hello"), jane, nil, ErrMalformedDocument},
		{"truncated pdf", context.Background(), newDoc(t, 2)[:200], jane, nil, ErrMalformedDocument},
		{"nil identity", context.Background(), newDoc(t, 2), nil, nil, ErrCertificateOrKeyNotFound},
		{"cancelled", cancelled, newDoc(t, 2), jane, nil, context.Canceled},
		{"tiny placeholder", context.Background(), newDoc(t, 2), jane, []Option{WithPlaceholderSize(16)}, ErrPlaceholderTooSmall},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newSigner(tt.opts...)
			before := bytes.Clone(tt.doc)
			out, outcome, err := s.Sign(tt.ctx, tt.doc, tt.id, Metadata{})
			assert.ErrorIs(t, err, tt.want)
			assert.Nil(t, out)
			assert.Nil(t, outcome)
			assert.Equal(t, before, tt.doc)
		})
	}
}

func TestSetMaxSigners(t *testing.T) {
	s, _ := newSigner()

	doc, err := s.SetMaxSigners(newDoc(t, 0), 3)
	require.NoError(t, err)
	st, err := s.Status(doc)
	require.NoError(t, err)
	assert.Equal(t, 3, st.MaxSigners)
	assert.Equal(t, 3, st.Remaining())

	doc, err = s.SetMaxSigners(doc, 1)
	require.NoError(t, err)
	st, err = s.Status(doc)
	require.NoError(t, err)
	assert.Equal(t, 1, st.MaxSigners)

	_, err = s.SetMaxSigners(doc, 0)
	assert.ErrorIs(t, err, ErrInvalidLimit)

	signed, _, err := s.Sign(context.Background(), doc, issue(t, "Jane Doe", "jane@example.org", 365), Metadata{})
	require.NoError(t, err)
	_, err = s.SetMaxSigners(signed, 5)
	assert.ErrorIs(t, err, ErrPolicyLocked)
}

func TestSignEmbedFailureKeepsCause(t *testing.T) {
	s, _ := newSigner(WithPlaceholderSize(16))
	_, _, err := s.Sign(context.Background(), newDoc(t, 2), issue(t, "Jane Doe", "jane@example.org", 365), Metadata{})

	var se *SigningError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "embed signature", se.Step)
	assert.ErrorIs(t, err, ErrPlaceholderTooSmall)
	assert.Contains(t, err.Error(), "reserved 16")
}
