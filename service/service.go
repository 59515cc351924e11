// Package service ties document storage, locking, signing and
// verification together for the CLI and the HTTP API.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/casamonarca/pdfsigner/internal/logger"
	"github.com/casamonarca/pdfsigner/keys"
	"github.com/casamonarca/pdfsigner/sign/signers"
	"github.com/casamonarca/pdfsigner/sign/validation"
	"github.com/casamonarca/pdfsigner/storage"
)

// DefaultVerifyConcurrency caps VerifyMany fan-out.
const DefaultVerifyConcurrency = 4

const (
	resultOK        = "ok"
	resultLimit     = "limit_exceeded"
	resultExpired   = "expired"
	resultDuplicate = "duplicate_signer"
	resultMalformed = "malformed"
	resultNotFound  = "not_found"
	resultError     = "error"
)

// Service runs document operations against a Store. Writers of the same
// document are serialised by the Locker; readers are not.
type Service struct {
	store       storage.Store
	locker      Locker
	signer      *signers.Signer
	verifier    *validation.Verifier
	metrics     *Metrics
	clock       clockwork.Clock
	log         *zap.Logger
	concurrency int
}

// Option configures a Service.
type Option func(*Service)

// WithLocker sets the document locker.
func WithLocker(l Locker) Option { return func(s *Service) { s.locker = l } }

// WithSigner sets the signer.
func WithSigner(sg *signers.Signer) Option { return func(s *Service) { s.signer = sg } }

// WithVerifier sets the verifier.
func WithVerifier(v *validation.Verifier) Option { return func(s *Service) { s.verifier = v } }

// WithMetrics enables Prometheus instruments.
func WithMetrics(m *Metrics) Option { return func(s *Service) { s.metrics = m } }

// WithClock sets the clock used for timings and the default signer.
func WithClock(c clockwork.Clock) Option { return func(s *Service) { s.clock = c } }

// WithLogger sets the fallback logger for contexts without one.
func WithLogger(l *zap.Logger) Option { return func(s *Service) { s.log = l } }

// WithVerifyConcurrency caps the number of documents VerifyMany checks at once.
func WithVerifyConcurrency(n int) Option { return func(s *Service) { s.concurrency = n } }

// New creates a Service over store. Unset collaborators get defaults: a
// LocalLocker, a default Signer and a Verifier without trust roots.
func New(store storage.Store, opts ...Option) *Service {
	s := &Service{
		store:       store,
		clock:       clockwork.NewRealClock(),
		log:         zap.NewNop(),
		concurrency: DefaultVerifyConcurrency,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.locker == nil {
		s.locker = NewLocalLocker()
	}
	if s.signer == nil {
		s.signer = signers.New(signers.WithClock(s.clock), signers.WithLogger(s.log))
	}
	if s.verifier == nil {
		s.verifier = validation.NewVerifier(validation.WithClock(s.clock), validation.WithLogger(s.log))
	}
	if s.concurrency < 1 {
		s.concurrency = 1
	}
	return s
}

// Put stores a document after checking that it parses.
func (s *Service) Put(ctx context.Context, docID string, data []byte) (signers.Status, error) {
	st, err := s.signer.Status(data)
	if err != nil {
		return signers.Status{}, err
	}
	err = s.withLock(ctx, docID, func() error {
		return s.store.Save(ctx, docID, data)
	})
	if err != nil {
		return signers.Status{}, err
	}
	logger.FromOr(ctx, s.log).Info("document stored", logger.DocumentID(docID), zap.Int("bytes", len(data)))
	return st, nil
}

// Document returns the current bytes of a document.
func (s *Service) Document(ctx context.Context, docID string) ([]byte, error) {
	return s.store.Load(ctx, docID)
}

// Status reports the signer limit and signatures of a stored document.
func (s *Service) Status(ctx context.Context, docID string) (signers.Status, error) {
	doc, err := s.store.Load(ctx, docID)
	if err != nil {
		return signers.Status{}, err
	}
	return s.signer.Status(doc)
}

// Sign appends a signature by id to the stored document and saves the
// result. The stored document is unchanged when signing fails.
func (s *Service) Sign(ctx context.Context, docID string, id *keys.Identity, meta signers.Metadata) (*signers.Outcome, error) {
	log := logger.FromOr(ctx, s.log).With(logger.DocumentID(docID))
	var outcome *signers.Outcome
	signStart := s.clock.Now()
	err := s.withLock(ctx, docID, func() error {
		doc, err := s.store.Load(ctx, docID)
		if err != nil {
			return err
		}
		signStart = s.clock.Now()
		signed, out, err := s.signer.Sign(ctx, doc, id, meta)
		if err != nil {
			return err
		}
		// Past this point the signature exists; persist it even if ctx ends.
		if err := s.store.Save(context.WithoutCancel(ctx), docID, signed); err != nil {
			return fmt.Errorf("save signed document: %w", err)
		}
		outcome = out
		return nil
	})
	result := classify(err)
	s.metrics.observeSign(result, s.clock.Since(signStart).Seconds())
	if err != nil {
		log.Info("signing refused", zap.String("result", result), zap.Error(err))
		return nil, err
	}
	log.Info("document signed",
		logger.FieldName(outcome.FieldName),
		logger.Fingerprint(id.Fingerprint),
		zap.Int("signer_count", outcome.SignerCount),
		zap.Int("max_signers", outcome.MaxSigners))
	return outcome, nil
}

// SetMaxSigners changes the signer limit of an unsigned stored document.
func (s *Service) SetMaxSigners(ctx context.Context, docID string, n int) (signers.Status, error) {
	var st signers.Status
	err := s.withLock(ctx, docID, func() error {
		doc, err := s.store.Load(ctx, docID)
		if err != nil {
			return err
		}
		updated, err := s.signer.SetMaxSigners(doc, n)
		if err != nil {
			return err
		}
		if st, err = s.signer.Status(updated); err != nil {
			return err
		}
		return s.store.Save(ctx, docID, updated)
	})
	if err != nil {
		return signers.Status{}, err
	}
	logger.FromOr(ctx, s.log).Info("signer limit set", logger.DocumentID(docID), zap.Int("max_signers", n))
	return st, nil
}

// Verify checks every signature of a stored document.
func (s *Service) Verify(ctx context.Context, docID string) (validation.Report, error) {
	doc, err := s.store.Load(ctx, docID)
	if err != nil {
		return validation.Report{}, err
	}
	return s.VerifyBytes(ctx, doc), nil
}

// VerifyBytes checks every signature of doc.
func (s *Service) VerifyBytes(ctx context.Context, doc []byte) validation.Report {
	rep := s.verifier.VerifyAll(doc)
	for _, res := range rep.Signatures[:rep.Total] {
		s.metrics.observeVerify(res.Integrity && res.SignatureValid)
	}
	logger.FromOr(ctx, s.log).Debug("document verified", zap.Int("signatures", rep.Total), zap.Bool("intact", rep.AllIntact()))
	return rep
}

// VerifyMany verifies several stored documents concurrently. It fails as a
// whole if any document cannot be loaded.
func (s *Service) VerifyMany(ctx context.Context, docIDs []string) (map[string]validation.Report, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)

	var mu sync.Mutex
	out := make(map[string]validation.Report, len(docIDs))
	for _, id := range docIDs {
		g.Go(func() error {
			rep, err := s.Verify(gctx, id)
			if err != nil {
				return fmt.Errorf("%s: %w", id, err)
			}
			mu.Lock()
			out[id] = rep
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) withLock(ctx context.Context, docID string, fn func() error) error {
	if err := storage.ValidateID(docID); err != nil {
		return err
	}
	start := s.clock.Now()
	unlock, err := s.locker.Lock(ctx, docID)
	if err != nil {
		return fmt.Errorf("lock %s: %w", docID, err)
	}
	defer unlock()
	s.metrics.observeLockWait(s.clock.Since(start).Seconds())
	return fn()
}

func classify(err error) string {
	switch {
	case err == nil:
		return resultOK
	case errors.Is(err, signers.ErrSignatureLimitExceeded):
		return resultLimit
	case errors.Is(err, signers.ErrCertificateExpired):
		return resultExpired
	case errors.Is(err, signers.ErrDuplicateSigner):
		return resultDuplicate
	case errors.Is(err, signers.ErrMalformedDocument):
		return resultMalformed
	case errors.Is(err, storage.ErrNotFound):
		return resultNotFound
	default:
		return resultError
	}
}
