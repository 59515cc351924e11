package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/casamonarca/pdfsigner/internal/httpapi"
	"github.com/casamonarca/pdfsigner/keystore"
	"github.com/casamonarca/pdfsigner/service"
	"github.com/casamonarca/pdfsigner/sign/validation"
	"github.com/casamonarca/pdfsigner/storage"
)

func (a *app) serveCommand() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the signing HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr != "" {
				a.cfg.HTTP.Addr = addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			srv, err := a.buildServer(ctx)
			if err != nil {
				return err
			}
			return srv.ListenAndServe(ctx, httpapi.ListenConfig{
				Addr:         a.cfg.HTTP.Addr,
				ReadTimeout:  a.cfg.HTTP.ReadTimeout,
				WriteTimeout: a.cfg.HTTP.WriteTimeout,
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	return cmd
}

func (a *app) buildStore(ctx context.Context) (storage.Store, error) {
	sc := a.cfg.Storage
	if sc.Backend == "s3" {
		return storage.NewS3Store(ctx, storage.S3Config{
			Bucket:   sc.Bucket,
			Prefix:   sc.Prefix,
			Region:   sc.Region,
			Endpoint: sc.Endpoint,
		})
	}
	return storage.NewFileStore(sc.Dir)
}

func (a *app) buildLocker() service.Locker {
	lc := a.cfg.Lock
	if lc.Backend == "redis" {
		return service.NewRedisLocker(service.RedisLockerConfig{
			Addr:     lc.RedisAddr,
			Password: lc.RedisPassword,
			DB:       lc.RedisDB,
			TTL:      lc.TTL,
		}, a.log)
	}
	return service.NewLocalLocker()
}

func (a *app) buildServer(ctx context.Context) (*httpapi.Server, error) {
	store, err := a.buildStore(ctx)
	if err != nil {
		return nil, err
	}
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := service.NewMetrics(registry)
	if err != nil {
		return nil, err
	}

	vopts := []validation.Option{validation.WithClock(a.clock), validation.WithLogger(a.log)}
	pool, err := a.trustPool(nil)
	if err != nil {
		return nil, err
	}
	if pool != nil {
		vopts = append(vopts, validation.WithRoots(pool))
	}

	svc := service.New(store,
		service.WithLocker(a.buildLocker()),
		service.WithSigner(a.signer()),
		service.WithVerifier(validation.NewVerifier(vopts...)),
		service.WithMetrics(metrics),
		service.WithClock(a.clock),
		service.WithLogger(a.log),
	)

	// Identity endpoints answer 503 when no keystore passphrase is set.
	ks, err := a.keystore()
	switch {
	case errors.Is(err, keystore.ErrNoPassphrase):
		a.log.Warn("keystore disabled", zap.String("passphrase_env", a.cfg.Keystore.PassphraseEnv))
		ks = nil
	case err != nil:
		return nil, err
	}
	issuer, err := a.issuer()
	if err != nil {
		return nil, err
	}

	a.log.Info("starting API",
		zap.String("addr", a.cfg.HTTP.Addr),
		zap.String("storage", a.cfg.Storage.Backend),
		zap.String("lock", a.cfg.Lock.Backend),
		zap.Bool("keystore", ks != nil),
	)
	return httpapi.New(httpapi.Options{
		Service:      svc,
		Keystore:     ks,
		Issuer:       issuer,
		Registry:     registry,
		Logger:       a.log,
		MaxBodyBytes: a.cfg.HTTP.MaxBodyBytes,
	})
}
