package main

import (
	"context"
	"flag"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/tradepost/marketchat/internal/api"
	"github.com/tradepost/marketchat/internal/auth"
	"github.com/tradepost/marketchat/internal/config"
	"github.com/tradepost/marketchat/internal/logging"
	"github.com/tradepost/marketchat/internal/metrics"
)

// globalFlags are accepted by every subcommand.
type globalFlags struct {
	config      *string
	metricsAddr *string
	logLevel    *string
}

func registerGlobal(fs *flag.FlagSet) globalFlags {
	return globalFlags{
		config:      fs.String("config", "", "Path to a YAML config file (default: ./marketchat.yaml if present)"),
		metricsAddr: fs.String("metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9090"),
		logLevel:    fs.String("log-level", "", "Override the configured log level"),
	}
}

// app holds the collaborators shared by the subcommands.
type app struct {
	cfg    *config.Config
	logger *zap.Logger
	store  auth.Store
	tokens *auth.TokenSource
	api    *api.Client

	closers []func()
}

func newApp(g globalFlags) (*app, error) {
	cfg, err := config.Load(*g.config)
	if err != nil {
		return nil, err
	}
	if *g.logLevel != "" {
		cfg.Log.Level = *g.logLevel
	}
	if *g.metricsAddr != "" {
		cfg.MetricsAddr = *g.metricsAddr
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger}
	a.closers = append(a.closers, func() { logger.Sync() })

	store, err := a.openStore()
	if err != nil {
		a.close()
		return nil, err
	}
	a.store = store
	a.tokens = auth.NewTokenSource(store)
	a.api = api.New(cfg.APIConfig(), a.tokens, logger)

	if cfg.MetricsAddr != "" {
		a.serveMetrics(cfg.MetricsAddr)
	}
	return a, nil
}

func (a *app) openStore() (auth.Store, error) {
	switch a.cfg.Auth.Store {
	case "redis":
		rs, err := auth.NewRedisStore(a.cfg.Auth.RedisAddr, a.cfg.Profile, a.cfg.Auth.RedisTTL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { rs.Close() })
		return rs, nil
	default:
		path := a.cfg.Auth.Path
		if path == "" {
			p, err := auth.DefaultPath(a.cfg.Profile)
			if err != nil {
				return nil, err
			}
			path = p
		}
		return auth.NewFileStore(path), nil
	}
}

func (a *app) serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()
	a.logger.Info("serving metrics", zap.String("addr", addr))

	a.closers = append(a.closers, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})
}

// close releases everything in reverse order of acquisition.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// signedIn fails with a readable error when no usable token is stored.
func (a *app) signedIn(ctx context.Context) error {
	if _, err := a.tokens.Token(ctx); err != nil {
		return errors.Wrap(err, "not signed in")
	}
	return nil
}
