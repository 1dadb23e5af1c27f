package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/pevans/borsradar"
	"github.com/pevans/borsradar/config"
	"github.com/pevans/borsradar/dedupe"
	"github.com/pevans/borsradar/discovery"
	"github.com/pevans/borsradar/logging"
	"github.com/pevans/borsradar/newsfeed"
	"github.com/pevans/borsradar/scraper"
	"github.com/pevans/borsradar/sqlstore"
	"github.com/rs/zerolog"
)

// app holds everything a command needs. close releases it in reverse
// order of creation.
type app struct {
	cfg     *config.Config
	logger  zerolog.Logger
	store   newsfeed.Store
	service *borsradar.ScrapeService
	closers []io.Closer
}

// newApp loads the configuration and wires the pipeline.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger, logCloser, err := logging.New(logging.Options{
		Level: cfg.Log.Level,
		File:  cfg.Log.File,
	})
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger, closers: []io.Closer{logCloser}}

	if err := a.wire(ctx); err != nil {
		a.close()
		return nil, err
	}

	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	profile, err := loadProfile(a.cfg)
	if err != nil {
		return err
	}

	store, err := openStore(ctx, a.cfg, a.logger)
	if err != nil {
		return err
	}
	a.store = store
	a.closers = append(a.closers, store)

	seen, err := openSeenSet(ctx, a.cfg, a.logger)
	if err != nil {
		return err
	}
	if closer, ok := seen.(io.Closer); ok {
		a.closers = append(a.closers, closer)
	}

	fetcher := newFetcher(a.cfg, a.logger)
	a.closers = append(a.closers, fetcher)

	enricher := discovery.NewEnricher(fetcher, profile.Article, a.logger)

	service, err := borsradar.NewScrapeService(profile, fetcher, enricher, seen, store, &borsradar.ScrapeConfig{
		Limit:       a.cfg.ScrapeLimit,
		DetailDelay: a.cfg.DetailDelay,
		MaxArticles: a.cfg.MaxArticles,
	}, a.logger)
	if err != nil {
		return err
	}
	a.service = service

	return nil
}

func (a *app) close() {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn().Err(err).Msg("failed to release resources")
	}
}

func loadProfile(cfg *config.Config) (scraper.Profile, error) {
	if cfg.ProfilePath == "" {
		return scraper.DefaultProfile(), nil
	}
	profile, err := scraper.LoadProfile(cfg.ProfilePath)
	if err != nil {
		return scraper.Profile{}, fmt.Errorf("failed to load profile: %w", err)
	}
	return profile, nil
}

func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (newsfeed.Store, error) {
	switch cfg.StoreKind {
	case config.StoreSQLite:
		logger.Info().Str("path", cfg.SQLitePath).Msg("opening sqlite store")
		return sqlstore.OpenSQLite(ctx, cfg.SQLitePath, logger)
	case config.StorePostgres:
		logger.Info().Str("host", cfg.DB.Host).Str("database", cfg.DB.Name).Msg("opening postgres store")
		return sqlstore.OpenPostgres(ctx, sqlstore.PostgresConfig{
			DSN:      cfg.PostgresDSN(),
			MaxConns: int32(cfg.DB.MaxConns),
		}, logger)
	default:
		logger.Info().Str("path", cfg.DataFile).Msg("opening file store")
		return newsfeed.NewNewsFeed(cfg.DataFile, cfg.MaxArticles)
	}
}

func openSeenSet(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (dedupe.Set, error) {
	if cfg.Redis.Addr == "" {
		return dedupe.NewMemorySet(nil), nil
	}
	logger.Info().Str("addr", cfg.Redis.Addr).Str("key", cfg.Redis.Key).Msg("using redis seen set")
	return dedupe.NewRedisSet(ctx, cfg.Redis.Addr, cfg.Redis.Key)
}

func newFetcher(cfg *config.Config, logger zerolog.Logger) discovery.Fetcher {
	if cfg.Fetcher == config.FetcherBrowser {
		return discovery.NewBrowserFetcher(cfg.FetchTimeout, cfg.UserAgent, logger)
	}
	return discovery.NewHTTPFetcher(cfg.FetchTimeout, cfg.UserAgent, logger)
}
