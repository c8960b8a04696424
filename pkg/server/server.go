// Package server provides a public API for embedding the CMR tiler.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"github.com/robert-malhotra/cmr-tiler/internal/api"
	"github.com/robert-malhotra/cmr-tiler/internal/assets"
	"github.com/robert-malhotra/cmr-tiler/internal/cmr"
	"github.com/robert-malhotra/cmr-tiler/internal/config"
	"github.com/robert-malhotra/cmr-tiler/internal/credentials"
	"github.com/robert-malhotra/cmr-tiler/internal/mosaic"
	"github.com/robert-malhotra/cmr-tiler/internal/reader"
	"github.com/robert-malhotra/cmr-tiler/internal/timeseries"
	"github.com/robert-malhotra/cmr-tiler/internal/tms"
)

// Options configures the tiler server.
type Options struct {
	// Config is the service configuration.
	// Default: loaded from the environment with config.Load
	Config *config.Config

	// Resolver replaces the CMR granule search. The configured cache and
	// retry policy still wrap it.
	// Default: CMR at Config.CMR.BaseURL
	Resolver assets.Resolver

	// Sessions builds per-asset read sessions. A supplied factory is used
	// as is; Config.Auth.TrustedDomains and Config.Mosaic.AllowLocalFiles
	// only shape the default one.
	// Default: the default AWS configuration chain for Config.Auth.Region
	Sessions *reader.SessionFactory

	// Getenv reads Earthdata credentials for the environment strategy.
	// Default: os.Getenv
	Getenv func(string) string

	// HTTPClient is used for timeseries sub-requests.
	// Default: a new client with no overall timeout
	HTTPClient *http.Client

	// Logger is the slog logger to use.
	// Default: slog.Default()
	Logger *slog.Logger
}

// Server is a CMR tiler that can be embedded in another application.
type Server struct {
	router chi.Router
	closer func() error
}

// New creates a tiler server with the given options.
func New(ctx context.Context, opts Options) (*Server, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Getenv == nil {
		opts.Getenv = os.Getenv
	}
	cfg := opts.Config
	if cfg == nil {
		var err error
		if cfg, err = config.Load(); err != nil {
			return nil, err
		}
	}
	logger := opts.Logger

	access, err := assets.ParseAccessMode(cfg.Auth.Access)
	if err != nil {
		return nil, err
	}

	identity, err := credentials.Login(credentials.Strategy(cfg.Auth.Strategy), opts.Getenv)
	switch {
	case errors.Is(err, credentials.ErrNoCredentials) && access == assets.AccessExternal:
		logger.Warn("no Earthdata credentials found, reading assets anonymously", slog.String("error", err.Error()))
	case err != nil:
		return nil, fmt.Errorf("earthdata login: %w", err)
	}

	resolver, closer, err := NewResolver(cfg, opts.Resolver, logger)
	if err != nil {
		return nil, err
	}

	sessions := opts.Sessions
	if sessions == nil {
		if sessions, err = reader.LoadSessionFactory(ctx, cfg.Auth.Region, cfg.Mosaic.ReadTimeout); err != nil {
			_ = closer()
			return nil, err
		}
		sessions = configureSessions(sessions, cfg, logger)
	}

	var creds credentials.Resolver
	if access == assets.AccessDirect {
		endpoints := credentials.NewEndpointResolver(cfg.Auth.CredentialEndpoints, cfg.Auth.Timeout).WithLogger(logger)
		creds = credentials.NewCachedResolver(endpoints, cfg.Auth.CredentialCacheSize, cfg.Auth.CredentialTTL)
		logger.Info("using direct S3 access", slog.String("region", cfg.Auth.Region))
	}

	handlers := api.NewHandlers(cfg, api.Dependencies{
		Assets:         resolver,
		Credentials:    creds,
		Identity:       identity,
		Access:         access,
		Sessions:       sessions,
		Engine:         mosaic.NewEngine(cfg.Mosaic.Concurrency, cfg.Mosaic.ReadTimeout, logger),
		Readers:        reader.Default(),
		TileMatrixSets: tms.DefaultRegistry(),
		Fetcher:        timeseries.NewFetcher(opts.HTTPClient, cfg.Timeseries.Timeout, logger),
	}, logger)

	return &Server{
		router: api.NewRouter(handlers, logger),
		closer: closer,
	}, nil
}

func configureSessions(f *reader.SessionFactory, cfg *config.Config, logger *slog.Logger) *reader.SessionFactory {
	if len(cfg.Auth.TrustedDomains) > 0 {
		f = f.WithTrustedDomains(cfg.Auth.TrustedDomains...)
	}
	if cfg.Mosaic.AllowLocalFiles {
		logger.Warn("local file asset URLs are enabled")
		f = f.WithLocalFiles()
	}
	return f
}

// NewResolver builds the discovery chain: base (or a CMR client when nil),
// retried per cfg.Retry and cached per cfg.Cache. The returned function
// releases the cache connection.
func NewResolver(cfg *config.Config, base assets.Resolver, logger *slog.Logger) (assets.Resolver, func() error, error) {
	if base == nil {
		client := cmr.NewClient(cfg.CMR.BaseURL, cfg.CMR.Timeout).
			WithLogger(logger).
			WithPageSize(cfg.CMR.PageSize).
			WithSortKey(cfg.CMR.SortKey)
		base = assets.NewCMRResolver(client, logger)
		logger.Info("using CMR discovery", slog.String("base_url", cfg.CMR.BaseURL))
	}
	resolver := assets.WithRetry(base, cfg.Retry.Tries, cfg.Retry.Delay, logger)

	noop := func() error { return nil }
	if !cfg.Cache.CacheEnabled() {
		logger.Info("asset discovery cache disabled")
		return resolver, noop, nil
	}

	switch cfg.Cache.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Cache.RedisAddr,
			Password: cfg.Cache.RedisPassword,
			DB:       cfg.Cache.RedisDB,
		})
		store := assets.NewRedisStore(client, cfg.Cache.TTL, cfg.Cache.KeyPrefix)
		logger.Info("using redis discovery cache",
			slog.String("addr", cfg.Cache.RedisAddr),
			slog.Duration("ttl", cfg.Cache.TTL),
		)
		return assets.WithCache(resolver, store, logger), client.Close, nil
	default:
		store := assets.NewMemoryStore(cfg.Cache.MaxSize, cfg.Cache.TTL)
		logger.Info("using in-memory discovery cache",
			slog.Int("maxsize", cfg.Cache.MaxSize),
			slog.Duration("ttl", cfg.Cache.TTL),
		)
		return assets.WithCache(resolver, store, logger), noop, nil
	}
}

// Router returns the chi.Router for mounting in another application.
func (s *Server) Router() chi.Router {
	return s.router
}

// Close releases the discovery cache connection.
func (s *Server) Close() error {
	if s.closer != nil {
		return s.closer()
	}
	return nil
}
