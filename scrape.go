package borsradar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pevans/borsradar/cache"
	"github.com/pevans/borsradar/dedupe"
	"github.com/pevans/borsradar/discovery"
	"github.com/pevans/borsradar/newsfeed"
	"github.com/pevans/borsradar/scraper"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// ErrScrapeInProgress is returned when a run is requested while another one
// is still in flight.
var ErrScrapeInProgress = errors.New("scrape already in progress")

// ScrapeState is the phase of the pipeline.
type ScrapeState string

const (
	StateIdle       ScrapeState = "idle"
	StateListing    ScrapeState = "listing"
	StateFiltering  ScrapeState = "filtering"
	StateEnriching  ScrapeState = "enriching"
	StatePersisting ScrapeState = "persisting"
)

// Enricher resolves the detail fields of an article page. It never fails;
// an empty detail means nothing could be extracted.
type Enricher interface {
	Enrich(ctx context.Context, url string) newsfeed.Detail
}

// ScrapeConfig holds the tunables of a scrape run.
type ScrapeConfig struct {
	// Maximum number of new articles enriched per run
	Limit int
	// Pause between article page fetches
	DetailDelay time.Duration
	// Size of the in-memory article window
	MaxArticles int
}

// DefaultScrapeConfig returns the default run configuration.
func DefaultScrapeConfig() *ScrapeConfig {
	return &ScrapeConfig{
		Limit:       15,
		DetailDelay: time.Second,
		MaxArticles: 500,
	}
}

// ScrapeResult is the outcome of one run. Exactly one of three shapes is
// serialized: {newArticles, totalStored}, {error} or {busy, error}.
type ScrapeResult struct {
	NewArticles int
	TotalStored int
	Busy        bool
	Err         error
}

// MarshalJSON renders the result in its API shape.
func (r ScrapeResult) MarshalJSON() ([]byte, error) {
	switch {
	case r.Busy:
		return json.Marshal(struct {
			Busy  bool   `json:"busy"`
			Error string `json:"error"`
		}{true, ErrScrapeInProgress.Error()})
	case r.Err != nil:
		return json.Marshal(struct {
			Error string `json:"error"`
		}{r.Err.Error()})
	default:
		return json.Marshal(struct {
			NewArticles int `json:"newArticles"`
			TotalStored int `json:"totalStored"`
		}{r.NewArticles, r.TotalStored})
	}
}

// ScrapeStatus describes the service for the status endpoint.
type ScrapeStatus struct {
	State        ScrapeState   `json:"state"`
	LastRunID    string        `json:"lastRunId,omitempty"`
	LastRun      *time.Time    `json:"lastRun"`
	LastDuration string        `json:"lastDuration,omitempty"`
	LastResult   *ScrapeResult `json:"lastResult"`
	LastUpdate   *time.Time    `json:"lastUpdate"`
	ArticleCount int           `json:"articleCount"`
	MaxArticles  int           `json:"maxArticles"`
}

// ScrapeService runs the scrape pipeline: list, filter seen, enrich, persist.
// It owns the article window and the seen set; at most one run executes at
// a time.
type ScrapeService struct {
	profile   scraper.Profile
	fetcher   discovery.Fetcher
	extractor *discovery.Extractor
	enricher  Enricher
	seen      dedupe.Set
	store     newsfeed.Store
	window    *cache.Window
	config    *ScrapeConfig
	guard     *semaphore.Weighted
	logger    zerolog.Logger

	mu         sync.RWMutex
	state      ScrapeState
	lastRunID  string
	lastRun    *time.Time
	lastDur    time.Duration
	lastResult *ScrapeResult
	lastUpdate *time.Time
}

// NewScrapeService creates a scrape service for profile. The listing is
// fetched with fetcher and article pages are resolved by enricher.
func NewScrapeService(
	profile scraper.Profile,
	fetcher discovery.Fetcher,
	enricher Enricher,
	seen dedupe.Set,
	store newsfeed.Store,
	config *ScrapeConfig,
	logger zerolog.Logger,
) (*ScrapeService, error) {
	if config == nil {
		config = DefaultScrapeConfig()
	}

	extractor, err := discovery.NewExtractor(profile)
	if err != nil {
		return nil, fmt.Errorf("failed to create extractor: %w", err)
	}

	return &ScrapeService{
		profile:   profile,
		fetcher:   fetcher,
		extractor: extractor,
		enricher:  enricher,
		seen:      seen,
		store:     store,
		window:    cache.New(config.MaxArticles, nil),
		config:    config,
		guard:     semaphore.NewWeighted(1),
		logger:    logger.With().Str("component", "scraper").Str("source", profile.Source).Logger(),
		state:     StateIdle,
	}, nil
}

// Window returns the in-memory article window. Callers must treat it as
// read-only.
func (s *ScrapeService) Window() *cache.Window {
	return s.window
}

// State returns the current pipeline phase.
func (s *ScrapeService) State() ScrapeState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *ScrapeService) setState(state ScrapeState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// Status returns the current state and the outcome of the last run.
func (s *ScrapeService) Status() ScrapeStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := ScrapeStatus{
		State:        s.state,
		LastRunID:    s.lastRunID,
		LastRun:      s.lastRun,
		LastResult:   s.lastResult,
		LastUpdate:   s.lastUpdate,
		ArticleCount: s.window.Len(),
		MaxArticles:  s.window.Max(),
	}
	if s.lastRun != nil {
		status.LastDuration = s.lastDur.String()
	}
	return status
}

func (s *ScrapeService) recordRun(runID string, start time.Time, result ScrapeResult) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastRunID = runID
	s.lastRun = &start
	s.lastDur = time.Since(start)
	s.lastResult = &result
	if result.Err == nil && result.NewArticles > 0 {
		now := time.Now()
		s.lastUpdate = &now
	}
}

// Warm loads the newest stored articles into the window and marks every
// stored URL as seen. It is called once at startup, before the first run.
func (s *ScrapeService) Warm(ctx context.Context) error {
	page, err := s.store.Query(ctx, newsfeed.QueryFilter{Limit: s.config.MaxArticles})
	if err != nil {
		return fmt.Errorf("failed to load stored articles: %w", err)
	}
	s.window.Replace(page.Items)

	urls, err := s.store.URLs(ctx)
	if err != nil {
		return fmt.Errorf("failed to load stored urls: %w", err)
	}
	if err := s.seen.MarkSeen(ctx, urls...); err != nil {
		return fmt.Errorf("failed to seed seen urls: %w", err)
	}

	s.logger.Info().
		Int("cached", s.window.Len()).
		Int("seen", len(urls)).
		Msg("loaded stored articles")

	return nil
}

// Run executes one pipeline run, enriching at most limit new articles (the
// configured limit when limit <= 0). A run requested while another is in
// flight returns a busy result without any side effects.
func (s *ScrapeService) Run(ctx context.Context, limit int) (result ScrapeResult) {
	if !s.guard.TryAcquire(1) {
		return ScrapeResult{Busy: true, Err: ErrScrapeInProgress}
	}
	defer s.guard.Release(1)

	if limit <= 0 {
		limit = s.config.Limit
	}

	runID := uuid.New().String()
	logger := s.logger.With().Str("run_id", runID).Logger()
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("scrape run panicked")
			result = ScrapeResult{Err: fmt.Errorf("scrape run panicked: %v", r)}
		}
		s.setState(StateIdle)
		s.recordRun(runID, start, result)
	}()

	logger.Info().Int("limit", limit).Msg("scrape run starting")
	result = s.run(ctx, logger, limit)

	if result.Err != nil {
		logger.Error().Err(result.Err).Dur("duration", time.Since(start)).Msg("scrape run failed")
	} else {
		logger.Info().
			Int("new_articles", result.NewArticles).
			Int("total_stored", result.TotalStored).
			Dur("duration", time.Since(start)).
			Msg("scrape run finished")
	}

	return result
}

func (s *ScrapeService) run(ctx context.Context, logger zerolog.Logger, limit int) ScrapeResult {
	s.setState(StateListing)
	candidates, err := s.list(ctx)
	if err != nil {
		// A broken listing is not a failed run; the next tick retries.
		logger.Error().Err(err).Str("url", s.profile.ListingURL).Msg("failed to read listing")
		return ScrapeResult{TotalStored: s.window.Len()}
	}
	logger.Debug().Int("candidates", len(candidates)).Msg("listing extracted")

	s.setState(StateFiltering)
	fresh, err := s.filterNew(ctx, candidates)
	if err != nil {
		return ScrapeResult{Err: fmt.Errorf("failed to filter seen articles: %w", err)}
	}
	if len(fresh) == 0 {
		logger.Info().Msg("no new articles")
		return ScrapeResult{TotalStored: s.window.Len()}
	}
	if len(fresh) > limit {
		logger.Debug().Int("new", len(fresh)).Int("limit", limit).Msg("deferring new articles past the limit")
		fresh = fresh[:limit]
	}

	s.setState(StateEnriching)
	enriched := s.enrichAll(ctx, logger, fresh)

	// Persist whatever was enriched even if the caller has gone away.
	s.setState(StatePersisting)
	return s.persist(context.WithoutCancel(ctx), logger, enriched)
}

// list fetches and extracts the listing page.
func (s *ScrapeService) list(ctx context.Context) ([]newsfeed.Article, error) {
	page, err := s.fetcher.Fetch(ctx, s.profile.ListingURL)
	if err != nil {
		return nil, err
	}
	return s.extractor.Extract(page)
}

// filterNew drops candidates whose URL has been seen before or appears
// earlier in the same listing.
func (s *ScrapeService) filterNew(ctx context.Context, candidates []newsfeed.Article) ([]newsfeed.Article, error) {
	local := make(map[string]struct{}, len(candidates))
	var fresh []newsfeed.Article

	for _, a := range candidates {
		if _, dup := local[a.URL]; dup {
			continue
		}
		local[a.URL] = struct{}{}

		isNew, err := s.seen.IsNew(ctx, a.URL)
		if err != nil {
			return nil, err
		}
		if isNew {
			fresh = append(fresh, a)
		}
	}

	return fresh, nil
}

// enrichAll resolves the detail of each article in order, pausing between
// fetches. Cancellation stops early; only articles visited are returned.
func (s *ScrapeService) enrichAll(ctx context.Context, logger zerolog.Logger, articles []newsfeed.Article) []newsfeed.Article {
	enriched := make([]newsfeed.Article, 0, len(articles))

	for i, a := range articles {
		if i > 0 {
			if err := sleepContext(ctx, s.config.DetailDelay); err != nil {
				logger.Warn().Err(err).Int("remaining", len(articles)-i).Msg("enrichment interrupted")
				break
			}
		} else if ctx.Err() != nil {
			logger.Warn().Err(ctx.Err()).Msg("enrichment interrupted")
			break
		}

		logger.Debug().Str("url", a.URL).Str("title", a.Title).Msg("enriching article")
		a.Apply(s.enricher.Enrich(ctx, a.URL))
		if a.Content == nil {
			logger.Warn().Str("url", a.URL).Msg("no article content, keeping listing values")
		}
		enriched = append(enriched, a)
	}

	return enriched
}

// persist writes the listing fields, then backfills the detail fields of
// articles that have content. The seen set and window only change once the
// upsert has committed.
func (s *ScrapeService) persist(ctx context.Context, logger zerolog.Logger, articles []newsfeed.Article) ScrapeResult {
	if len(articles) == 0 {
		return ScrapeResult{TotalStored: s.window.Len()}
	}

	rows, err := s.store.UpsertMany(ctx, articles)
	if err != nil {
		return ScrapeResult{Err: fmt.Errorf("failed to store articles: %w", err)}
	}
	logger.Debug().Int("rows", rows).Msg("articles stored")

	urls := make([]string, len(articles))
	for i, a := range articles {
		urls[i] = a.URL
	}
	if err := s.seen.MarkSeen(ctx, urls...); err != nil {
		// Upserts are idempotent, so a retry next run is harmless.
		logger.Warn().Err(err).Msg("failed to mark articles seen")
	}

	if evicted := s.window.Prepend(articles...); evicted > 0 {
		logger.Debug().Int("evicted", evicted).Msg("trimmed article window")
	}

	var full []newsfeed.FullArticle
	for _, a := range articles {
		if f, ok := newsfeed.FullArticleOf(a); ok {
			full = append(full, f)
		}
	}
	if len(full) > 0 {
		if _, err := s.store.Backfill(ctx, full); err != nil {
			logger.Error().Err(err).Msg("failed to backfill article content")
		}
	}

	return ScrapeResult{
		NewArticles: len(articles),
		TotalStored: s.window.Len(),
	}
}

// RetryIncomplete re-enriches up to limit stored articles whose content
// could not be fetched earlier and backfills the ones that now resolve. It
// shares the run guard with Run.
func (s *ScrapeService) RetryIncomplete(ctx context.Context, limit int) (int, error) {
	if !s.guard.TryAcquire(1) {
		return 0, ErrScrapeInProgress
	}
	defer s.guard.Release(1)
	defer s.setState(StateIdle)

	if limit <= 0 {
		limit = s.config.Limit
	}

	logger := s.logger.With().Str("run_id", uuid.New().String()).Str("mode", "backfill").Logger()

	page, err := s.store.Query(ctx, newsfeed.QueryFilter{
		IncompleteOnly: true,
		Source:         s.profile.Source,
		Limit:          limit,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to query incomplete articles: %w", err)
	}
	if len(page.Items) == 0 {
		logger.Info().Msg("no incomplete articles")
		return 0, nil
	}

	s.setState(StateEnriching)
	var full []newsfeed.FullArticle
	for _, a := range s.enrichAll(ctx, logger, page.Items) {
		if f, ok := newsfeed.FullArticleOf(a); ok {
			full = append(full, f)
		}
	}
	if len(full) == 0 {
		logger.Info().Int("attempted", len(page.Items)).Msg("no article content resolved")
		return 0, nil
	}

	s.setState(StatePersisting)
	if _, err := s.store.Backfill(context.WithoutCancel(ctx), full); err != nil {
		return 0, fmt.Errorf("failed to backfill articles: %w", err)
	}
	for _, f := range full {
		s.window.Backfill(f)
	}

	logger.Info().
		Int("attempted", len(page.Items)).
		Int("backfilled", len(full)).
		Msg("backfill finished")

	return len(full), nil
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
