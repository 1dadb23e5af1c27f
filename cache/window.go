// Package cache holds the in-memory window of recent articles served by the
// API.
package cache

import (
	"strings"
	"sync"

	"github.com/pevans/borsradar/newsfeed"
)

// Window is a bounded, newest-first list of articles. Only the scrape
// orchestrator writes to it; readers always receive copies.
type Window struct {
	mu       sync.RWMutex
	max      int
	articles []newsfeed.Article
}

// New creates a window holding at most size articles, seeded with initial
// (newest first). A non-positive size means unbounded.
func New(size int, initial []newsfeed.Article) *Window {
	w := &Window{max: size}
	w.articles = append([]newsfeed.Article(nil), initial...)
	w.trim()
	return w
}

func (w *Window) trim() int {
	if w.max <= 0 || len(w.articles) <= w.max {
		return 0
	}
	evicted := len(w.articles) - w.max
	clear(w.articles[w.max:])
	w.articles = w.articles[:w.max]
	return evicted
}

// Prepend places articles ahead of the current contents, in order, and
// evicts the oldest beyond the maximum. It returns the number evicted.
func (w *Window) Prepend(articles ...newsfeed.Article) int {
	if len(articles) == 0 {
		return 0
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	merged := make([]newsfeed.Article, 0, len(articles)+len(w.articles))
	merged = append(merged, articles...)
	merged = append(merged, w.articles...)
	w.articles = merged

	return w.trim()
}

// Replace swaps the whole contents.
func (w *Window) Replace(articles []newsfeed.Article) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.articles = append([]newsfeed.Article(nil), articles...)
	w.trim()
}

// Backfill applies the detail fields of full to every cached article with
// the same URL and returns how many were updated.
func (w *Window) Backfill(full newsfeed.FullArticle) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	updated := 0
	for i := range w.articles {
		if w.articles[i].URL != full.URL {
			continue
		}
		content := full.Content
		w.articles[i].Content = &content
		w.articles[i].Authors = append([]string(nil), full.Authors...)
		w.articles[i].Tags = append([]string(nil), full.Tags...)
		w.articles[i].FullyScraped = true
		updated++
	}
	return updated
}

// Len returns the number of cached articles.
func (w *Window) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.articles)
}

// Max returns the window capacity.
func (w *Window) Max() int {
	return w.max
}

// Page returns up to limit articles starting at offset. A non-positive limit
// returns everything from offset on.
func (w *Window) Page(offset, limit int) []newsfeed.Article {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if offset < 0 {
		offset = 0
	}
	if offset >= len(w.articles) {
		return []newsfeed.Article{}
	}
	end := len(w.articles)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return append([]newsfeed.Article{}, w.articles[offset:end]...)
}

// At returns the article at index i.
func (w *Window) At(i int) (newsfeed.Article, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if i < 0 || i >= len(w.articles) {
		return newsfeed.Article{}, false
	}
	return w.articles[i], true
}

// FindURL returns the newest article whose URL contains substr.
func (w *Window) FindURL(substr string) (newsfeed.Article, bool) {
	if substr == "" {
		return newsfeed.Article{}, false
	}

	w.mu.RLock()
	defer w.mu.RUnlock()
	for _, a := range w.articles {
		if strings.Contains(a.URL, substr) {
			return a, true
		}
	}
	return newsfeed.Article{}, false
}
