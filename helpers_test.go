package borsradar

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pevans/borsradar/dedupe"
	"github.com/pevans/borsradar/discovery"
	"github.com/pevans/borsradar/newsfeed"
	"github.com/pevans/borsradar/scraper"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const testFetchTimeout = 200 * time.Millisecond

// testSite serves a listing page and article pages shaped like the default
// profile expects.
type testSite struct {
	server *httptest.Server

	mu           sync.Mutex
	articles     []string        // listing order, paths like "/bors/nyheter/a"
	slow         map[string]bool // article paths that never answer in time
	listingError bool
	listingGate  chan struct{} // when set, the listing blocks until closed
	onArticle    func(path string)
	hits         map[string]int
}

func newTestSite(t *testing.T, articles ...string) *testSite {
	site := &testSite{
		articles: articles,
		slow:     make(map[string]bool),
		hits:     make(map[string]int),
	}
	site.server = httptest.NewServer(http.HandlerFunc(site.handle))
	t.Cleanup(site.server.Close)
	return site
}

func (ts *testSite) handle(w http.ResponseWriter, r *http.Request) {
	ts.mu.Lock()
	ts.hits[r.URL.Path]++
	gate := ts.listingGate
	listingError := ts.listingError
	slow := ts.slow[r.URL.Path]
	onArticle := ts.onArticle
	articles := append([]string(nil), ts.articles...)
	ts.mu.Unlock()

	w.Header().Set("Content-Type", "text/html; charset=utf-8")

	if r.URL.Path == "/bors/nyheter/" {
		if gate != nil {
			<-gate
		}
		if listingError {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(listingPage(articles...)))
		return
	}

	if slow {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
		return
	}
	if onArticle != nil {
		onArticle(r.URL.Path)
	}

	name := strings.TrimPrefix(r.URL.Path, "/bors/nyheter/")
	_, _ = fmt.Fprintf(w, `<html><body>
<time class="publication__time" datetime="2024-05-02T08:15:00Z"></time>
<div class="article__body"><p>Brödtext för %s.</p><p>Andra stycket.</p></div>
</body></html>`, name)
}

func (ts *testSite) set(fn func(ts *testSite)) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	fn(ts)
}

func (ts *testSite) hitCount(path string) int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.hits[path]
}

func (ts *testSite) url(path string) string {
	return ts.server.URL + path
}

func (ts *testSite) profile() scraper.Profile {
	p := scraper.DefaultProfile()
	p.BaseURL = ts.server.URL
	p.ListingURL = ts.server.URL + "/bors/nyheter/"
	return p
}

// listingPage renders one listing entry per path, without a time element
// so publishedAt falls back to the scrape time.
func listingPage(paths ...string) string {
	var b strings.Builder
	b.WriteString("<html><body>")
	for _, path := range paths {
		fmt.Fprintf(&b, `<div class="news-item__content">
  <img class="image__el" src="/img%s.jpg">
  <div class="news-item__content-wrapper">
    <a href="%s"><h2 class="news-item__heading">Rubrik %s</h2></a>
    <p class="news-item__text">Ingress %s</p>
  </div>
</div>`, path, path, path, path)
	}
	b.WriteString("</body></html>")
	return b.String()
}

// Test helper: create a scrape service against site with a file store
func setupTestService(t *testing.T, site *testSite) (*ScrapeService, *newsfeed.NewsFeed, *dedupe.MemorySet) {
	store, err := newsfeed.NewNewsFeed(filepath.Join(t.TempDir(), "bors-nyheter.json"), 500)
	require.NoError(t, err)
	seen := dedupe.NewMemorySet(nil)
	service := setupTestServiceWith(t, site, store, seen)
	return service, store, seen
}

func setupTestServiceWith(t *testing.T, site *testSite, store newsfeed.Store, seen dedupe.Set) *ScrapeService {
	profile := site.profile()
	fetcher := discovery.NewHTTPFetcher(testFetchTimeout, "", zerolog.Nop())
	enricher := discovery.NewEnricher(fetcher, profile.Article, zerolog.Nop())

	service, err := NewScrapeService(profile, fetcher, enricher, seen, store, &ScrapeConfig{
		Limit:       15,
		DetailDelay: 0,
		MaxArticles: 500,
	}, zerolog.Nop())
	require.NoError(t, err)
	return service
}

// failingStore rejects every write.
type failingStore struct {
	newsfeed.Store
}

func (failingStore) UpsertMany(context.Context, []newsfeed.Article) (int, error) {
	return 0, &newsfeed.PersistenceError{Backend: "test", Op: "upsert", Err: fmt.Errorf("disk full")}
}

func (failingStore) Backfill(context.Context, []newsfeed.FullArticle) (int, error) {
	return 0, &newsfeed.PersistenceError{Backend: "test", Op: "backfill", Err: fmt.Errorf("disk full")}
}

// panickingEnricher panics on every call.
type panickingEnricher struct{}

func (panickingEnricher) Enrich(context.Context, string) newsfeed.Detail {
	panic("selector exploded")
}
