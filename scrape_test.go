package borsradar

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pevans/borsradar/dedupe"
	"github.com/pevans/borsradar/discovery"
	"github.com/pevans/borsradar/newsfeed"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRun_SkipsSeenAndPersistsNew verifies three candidates with one seen
// yield two enriched and persisted articles
func TestRun_SkipsSeenAndPersistsNew(t *testing.T) {
	site := newTestSite(t, "/bors/nyheter/a", "/bors/nyheter/b", "/bors/nyheter/c")
	service, store, seen := setupTestService(t, site)
	ctx := context.Background()

	require.NoError(t, seen.MarkSeen(ctx, site.url("/bors/nyheter/b")))
	before := service.Window().Len()

	result := service.Run(ctx, 0)
	require.NoError(t, result.Err)
	assert.False(t, result.Busy)
	assert.Equal(t, 2, result.NewArticles)
	assert.Equal(t, before+2, result.TotalStored)

	assert.Equal(t, 1, site.hitCount("/bors/nyheter/a"))
	assert.Equal(t, 0, site.hitCount("/bors/nyheter/b"), "seen article is not fetched")
	assert.Equal(t, 1, site.hitCount("/bors/nyheter/c"))

	page, err := store.Query(ctx, newsfeed.QueryFilter{})
	require.NoError(t, err)
	require.Equal(t, 2, page.Total)
	assert.Equal(t, site.url("/bors/nyheter/a"), page.Items[0].URL)
	assert.Equal(t, site.url("/bors/nyheter/c"), page.Items[1].URL)
	for _, a := range page.Items {
		assert.True(t, a.FullyScraped)
		require.NotNil(t, a.Content)
		assert.Contains(t, *a.Content, "Brödtext")
		assert.True(t, a.PublishedAt.Equal(time.Date(2024, 5, 2, 8, 15, 0, 0, time.UTC)))
	}

	isNew, err := seen.IsNew(ctx, site.url("/bors/nyheter/c"))
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Equal(t, StateIdle, service.State())
}

// TestRun_UnchangedListingYieldsZero verifies a re-scrape adds nothing
func TestRun_UnchangedListingYieldsZero(t *testing.T) {
	site := newTestSite(t, "/bors/nyheter/a", "/bors/nyheter/b")
	service, store, _ := setupTestService(t, site)
	ctx := context.Background()

	first := service.Run(ctx, 0)
	require.NoError(t, first.Err)
	assert.Equal(t, 2, first.NewArticles)

	second := service.Run(ctx, 0)
	require.NoError(t, second.Err)
	assert.Equal(t, 0, second.NewArticles)
	assert.Equal(t, first.TotalStored, second.TotalStored)

	page, err := store.Query(ctx, newsfeed.QueryFilter{})
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)
	assert.Equal(t, 1, site.hitCount("/bors/nyheter/a"))
}

// TestRun_DetailTimeoutKeepsFallback verifies a timed-out article keeps its
// listing values while the others are enriched
func TestRun_DetailTimeoutKeepsFallback(t *testing.T) {
	site := newTestSite(t, "/bors/nyheter/a", "/bors/nyheter/b", "/bors/nyheter/c")
	site.set(func(ts *testSite) { ts.slow["/bors/nyheter/b"] = true })
	service, store, _ := setupTestService(t, site)
	ctx := context.Background()

	result := service.Run(ctx, 0)
	require.NoError(t, result.Err)
	assert.Equal(t, 3, result.NewArticles)

	page, err := store.Query(ctx, newsfeed.QueryFilter{})
	require.NoError(t, err)
	require.Len(t, page.Items, 3)

	byURL := make(map[string]newsfeed.Article)
	for _, a := range page.Items {
		byURL[a.URL] = a
	}

	slow := byURL[site.url("/bors/nyheter/b")]
	assert.Nil(t, slow.Content)
	assert.False(t, slow.FullyScraped)
	assert.True(t, slow.PublishedAt.Equal(slow.ScrapedAt), "publishedAt stays at scrape time")
	assert.Equal(t, "Rubrik /bors/nyheter/b", slow.Title)

	for _, path := range []string{"/bors/nyheter/a", "/bors/nyheter/c"} {
		a := byURL[site.url(path)]
		require.NotNil(t, a.Content, path)
		assert.True(t, a.FullyScraped, path)
	}
}

// TestRun_BusyGuard verifies a second run during an in-flight run is
// rejected without touching the network or the store
func TestRun_BusyGuard(t *testing.T) {
	site := newTestSite(t, "/bors/nyheter/a")
	gate := make(chan struct{})
	site.set(func(ts *testSite) { ts.listingGate = gate })

	profile := site.profile()
	fetcher := discovery.NewHTTPFetcher(5*time.Second, "", zerolog.Nop())
	store, err := newsfeed.NewNewsFeed(filepath.Join(t.TempDir(), "feed.json"), 0)
	require.NoError(t, err)
	service, err := NewScrapeService(profile, fetcher,
		discovery.NewEnricher(fetcher, profile.Article, zerolog.Nop()),
		dedupe.NewMemorySet(nil), store, &ScrapeConfig{Limit: 15, MaxArticles: 500}, zerolog.Nop())
	require.NoError(t, err)

	done := make(chan ScrapeResult, 1)
	go func() { done <- service.Run(context.Background(), 0) }()

	require.Eventually(t, func() bool {
		return site.hitCount("/bors/nyheter/") == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, StateListing, service.State())

	busy := service.Run(context.Background(), 0)
	assert.True(t, busy.Busy)
	assert.ErrorIs(t, busy.Err, ErrScrapeInProgress)
	assert.Equal(t, 1, site.hitCount("/bors/nyheter/"), "busy run does not fetch")

	page, err := store.Query(context.Background(), newsfeed.QueryFilter{})
	require.NoError(t, err)
	assert.Equal(t, 0, page.Total, "busy run does not write")

	_, err = service.RetryIncomplete(context.Background(), 0)
	assert.ErrorIs(t, err, ErrScrapeInProgress)

	close(gate)
	first := <-done
	require.NoError(t, first.Err)
	assert.Equal(t, 1, first.NewArticles)
	assert.Equal(t, StateIdle, service.State())
}

// TestRun_LimitDefersRemaining verifies articles past the limit are picked
// up by the next run
func TestRun_LimitDefersRemaining(t *testing.T) {
	site := newTestSite(t, "/bors/nyheter/a", "/bors/nyheter/b", "/bors/nyheter/c")
	service, _, _ := setupTestService(t, site)
	ctx := context.Background()

	first := service.Run(ctx, 2)
	require.NoError(t, first.Err)
	assert.Equal(t, 2, first.NewArticles)
	assert.Equal(t, 0, site.hitCount("/bors/nyheter/c"))

	second := service.Run(ctx, 2)
	require.NoError(t, second.Err)
	assert.Equal(t, 1, second.NewArticles)
	assert.Equal(t, 3, second.TotalStored)
}

// TestRun_DuplicateWithinListing verifies duplicates in one listing collapse
func TestRun_DuplicateWithinListing(t *testing.T) {
	site := newTestSite(t, "/bors/nyheter/a", "/bors/nyheter/a", "/bors/nyheter/b")
	service, _, _ := setupTestService(t, site)

	result := service.Run(context.Background(), 0)
	require.NoError(t, result.Err)
	assert.Equal(t, 2, result.NewArticles)
	assert.Equal(t, 1, site.hitCount("/bors/nyheter/a"))
}

// TestRun_ListingFailureIsZeroNew verifies an unreachable listing is not an
// error result
func TestRun_ListingFailureIsZeroNew(t *testing.T) {
	site := newTestSite(t, "/bors/nyheter/a")
	site.set(func(ts *testSite) { ts.listingError = true })
	service, _, _ := setupTestService(t, site)

	result := service.Run(context.Background(), 0)
	assert.NoError(t, result.Err)
	assert.Equal(t, 0, result.NewArticles)
	assert.Equal(t, 0, result.TotalStored)
}

// TestRun_StoreFailureMarksNothingSeen verifies persistence errors fail the
// run and leave the seen set and window untouched
func TestRun_StoreFailureMarksNothingSeen(t *testing.T) {
	site := newTestSite(t, "/bors/nyheter/a")
	seen := dedupe.NewMemorySet(nil)
	service := setupTestServiceWith(t, site, failingStore{}, seen)
	ctx := context.Background()

	result := service.Run(ctx, 0)
	require.Error(t, result.Err)
	var perr *newsfeed.PersistenceError
	assert.ErrorAs(t, result.Err, &perr)

	isNew, err := seen.IsNew(ctx, site.url("/bors/nyheter/a"))
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.Equal(t, 0, service.Window().Len())

	status := service.Status()
	require.NotNil(t, status.LastResult)
	assert.Error(t, status.LastResult.Err)
}

// TestRun_RecoversPanics verifies a panicking run releases the guard
func TestRun_RecoversPanics(t *testing.T) {
	site := newTestSite(t, "/bors/nyheter/a")
	profile := site.profile()
	store, err := newsfeed.NewNewsFeed(filepath.Join(t.TempDir(), "feed.json"), 0)
	require.NoError(t, err)
	service, err := NewScrapeService(profile,
		discovery.NewHTTPFetcher(testFetchTimeout, "", zerolog.Nop()),
		panickingEnricher{}, dedupe.NewMemorySet(nil), store, nil, zerolog.Nop())
	require.NoError(t, err)

	result := service.Run(context.Background(), 0)
	require.Error(t, result.Err)
	assert.Contains(t, result.Err.Error(), "panicked")

	again := service.Run(context.Background(), 0)
	assert.False(t, again.Busy, "guard is released after a panic")
	assert.Equal(t, StateIdle, service.State())
}

// TestRun_CancellationStopsEnrichment verifies cancelling mid-run persists
// only the articles already visited
func TestRun_CancellationStopsEnrichment(t *testing.T) {
	site := newTestSite(t, "/bors/nyheter/a", "/bors/nyheter/b", "/bors/nyheter/c")
	service, store, _ := setupTestService(t, site)
	service.config.DetailDelay = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	site.set(func(ts *testSite) {
		ts.onArticle = func(string) { cancel() }
	})

	result := service.Run(ctx, 0)
	require.NoError(t, result.Err)
	assert.Equal(t, 1, result.NewArticles)

	page, err := store.Query(context.Background(), newsfeed.QueryFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)
	assert.Equal(t, 0, site.hitCount("/bors/nyheter/b"))
}

// TestRun_DelaysBetweenDetailFetches verifies article pages are fetched
// DetailDelay apart and the first one is fetched without waiting
func TestRun_DelaysBetweenDetailFetches(t *testing.T) {
	const delay = 150 * time.Millisecond

	site := newTestSite(t, "/bors/nyheter/a", "/bors/nyheter/b", "/bors/nyheter/c")
	service, _, _ := setupTestService(t, site)
	service.config.DetailDelay = delay

	var mu sync.Mutex
	var fetchedAt []time.Time
	site.set(func(ts *testSite) {
		ts.onArticle = func(string) {
			mu.Lock()
			fetchedAt = append(fetchedAt, time.Now())
			mu.Unlock()
		}
	})

	start := time.Now()
	result := service.Run(context.Background(), 0)
	require.NoError(t, result.Err)
	assert.Equal(t, 3, result.NewArticles)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, fetchedAt, 3)
	assert.Less(t, fetchedAt[0].Sub(start), delay, "first article page is not delayed")
	for i := 1; i < len(fetchedAt); i++ {
		assert.GreaterOrEqual(t, fetchedAt[i].Sub(fetchedAt[i-1]), delay, "gap before article %d", i)
	}
}

// TestWarm verifies the window and seen set are loaded from the store
func TestWarm(t *testing.T) {
	site := newTestSite(t, "/bors/nyheter/a", "/bors/nyheter/b")
	service, store, seen := setupTestService(t, site)
	ctx := context.Background()

	now := time.Date(2024, 5, 2, 9, 30, 0, 0, time.UTC)
	_, err := store.UpsertMany(ctx, []newsfeed.Article{{
		URL: site.url("/bors/nyheter/a"), Title: "Stored", Source: "di",
		PublishedAt: now, ScrapedAt: now,
	}})
	require.NoError(t, err)

	require.NoError(t, service.Warm(ctx))
	assert.Equal(t, 1, service.Window().Len())

	isNew, err := seen.IsNew(ctx, site.url("/bors/nyheter/a"))
	require.NoError(t, err)
	assert.False(t, isNew)

	result := service.Run(ctx, 0)
	require.NoError(t, result.Err)
	assert.Equal(t, 1, result.NewArticles)
	assert.Equal(t, 2, result.TotalStored)
}

// TestRetryIncomplete verifies articles whose detail failed are backfilled later
func TestRetryIncomplete(t *testing.T) {
	site := newTestSite(t, "/bors/nyheter/a", "/bors/nyheter/b")
	site.set(func(ts *testSite) { ts.slow["/bors/nyheter/b"] = true })
	service, store, _ := setupTestService(t, site)
	ctx := context.Background()

	result := service.Run(ctx, 0)
	require.NoError(t, result.Err)

	page, err := store.Query(ctx, newsfeed.QueryFilter{IncompleteOnly: true})
	require.NoError(t, err)
	require.Equal(t, 1, page.Total)

	site.set(func(ts *testSite) { ts.slow["/bors/nyheter/b"] = false })

	n, err := service.RetryIncomplete(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	page, err = store.Query(ctx, newsfeed.QueryFilter{IncompleteOnly: true})
	require.NoError(t, err)
	assert.Equal(t, 0, page.Total)

	cached, ok := service.Window().FindURL("/bors/nyheter/b")
	require.True(t, ok)
	assert.True(t, cached.FullyScraped)

	n, err = service.RetryIncomplete(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

// TestScrapeResult_MarshalJSON verifies the three result shapes
func TestScrapeResult_MarshalJSON(t *testing.T) {
	tests := []struct {
		name   string
		result ScrapeResult
		want   string
	}{
		{"success", ScrapeResult{NewArticles: 2, TotalStored: 7}, `{"newArticles":2,"totalStored":7}`},
		{"error", ScrapeResult{Err: errors.New("boom")}, `{"error":"boom"}`},
		{"busy", ScrapeResult{Busy: true, Err: ErrScrapeInProgress}, `{"busy":true,"error":"scrape already in progress"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.result)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(data))
		})
	}
}
