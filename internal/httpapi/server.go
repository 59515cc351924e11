// Package httpapi exposes the signing service over HTTP.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/casamonarca/pdfsigner/keys"
	"github.com/casamonarca/pdfsigner/keystore"
	"github.com/casamonarca/pdfsigner/service"
)

// DefaultMaxBodyBytes limits uploaded documents.
const DefaultMaxBodyBytes = 32 << 20

const maxJSONBytes = 1 << 20

// Options wires the server to its collaborators. Keystore and Issuer may
// be nil; the identity and signing endpoints then answer 503.
type Options struct {
	Service      *service.Service
	Keystore     *keystore.Store
	Issuer       *keys.Issuer
	Registry     *prometheus.Registry
	Logger       *zap.Logger
	MaxBodyBytes int64
}

// Server is the HTTP front end.
type Server struct {
	svc      *service.Service
	keystore *keystore.Store
	issuer   *keys.Issuer
	registry *prometheus.Registry
	requests *prometheus.CounterVec
	log      *zap.Logger
	maxBody  int64
}

// New builds a Server. The request counter is registered on opts.Registry
// when one is given.
func New(opts Options) (*Server, error) {
	s := &Server{
		svc:      opts.Service,
		keystore: opts.Keystore,
		issuer:   opts.Issuer,
		registry: opts.Registry,
		log:      opts.Logger,
		maxBody:  opts.MaxBodyBytes,
	}
	if s.svc == nil {
		return nil, errors.New("httpapi: service is required")
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	if s.maxBody <= 0 {
		s.maxBody = DefaultMaxBodyBytes
	}
	if s.registry != nil {
		s.requests = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pdfsigner_http_requests_total",
			Help: "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"})
		if err := s.registry.Register(s.requests); err != nil {
			return nil, fmt.Errorf("register http metrics: %w", err)
		}
	}
	return s, nil
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(withRequestID)
	r.Use(s.withAccessLog)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/identities", s.issueIdentity)
		r.Get("/identities", s.listIdentities)

		r.Route("/documents/{id}", func(r chi.Router) {
			r.Put("/", s.putDocument)
			r.Get("/", s.getDocument)
			r.Get("/status", s.documentStatus)
			r.Put("/max-signers", s.setMaxSigners)
			r.Post("/signatures", s.signDocument)
			r.Get("/signatures", s.verifyDocument)
		})
	})
	return r
}

// ListenConfig holds the listener settings.
type ListenConfig struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, cfg ListenConfig) error {
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Handler(),
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.WriteTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", zap.String("addr", cfg.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	s.log.Info("http server shutting down")
	return srv.Shutdown(shutdownCtx)
}
