package newsfeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// NewsFeed is the file-backed store: one pretty-printed JSON array holding
// every article, newest first. Each write rewrites the whole document, so
// the store assumes a single writer.
type NewsFeed struct {
	path       string
	maxRecords int
	mu         sync.Mutex
}

// NewNewsFeed creates a news feed stored at path. A positive maxRecords caps
// the document, dropping the oldest articles first.
func NewNewsFeed(path string, maxRecords int) (*NewsFeed, error) {
	// Create the storage directory if it doesn't exist (0700: owner-only access)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	return &NewsFeed{
		path:       path,
		maxRecords: maxRecords,
	}, nil
}

// Path returns the location of the JSON document.
func (nf *NewsFeed) Path() string {
	return nf.path
}

// load reads the whole document. A missing file is an empty feed.
func (nf *NewsFeed) load() ([]Article, error) {
	data, err := os.ReadFile(nf.path)
	if errors.Is(err, os.ErrNotExist) {
		return []Article{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read news feed: %w", err)
	}

	var articles []Article
	if err := json.Unmarshal(data, &articles); err != nil {
		return nil, fmt.Errorf("failed to unmarshal news feed: %w", err)
	}
	if articles == nil {
		articles = []Article{}
	}

	return articles, nil
}

// save replaces the document. The new content is written to a temporary file
// in the same directory and renamed over the old one.
func (nf *NewsFeed) save(articles []Article) error {
	data, err := json.MarshalIndent(articles, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal news feed: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(nf.path), filepath.Base(nf.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write news feed: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to set news feed permissions: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write news feed: %w", err)
	}

	if err := os.Rename(tmpName, nf.path); err != nil {
		return fmt.Errorf("failed to replace news feed: %w", err)
	}

	return nil
}

func (nf *NewsFeed) fail(op string, err error) error {
	return &PersistenceError{Backend: "file", Op: op, Err: err}
}

// UpsertMany merges the batch into the document. New articles are placed
// first in batch order; existing ones keep their position and only take the
// new summary and image.
func (nf *NewsFeed) UpsertMany(ctx context.Context, articles []Article) (int, error) {
	if len(articles) == 0 {
		return 0, nil
	}
	if err := ctx.Err(); err != nil {
		return 0, nf.fail("upsert", err)
	}

	nf.mu.Lock()
	defer nf.mu.Unlock()

	stored, err := nf.load()
	if err != nil {
		return 0, nf.fail("upsert", err)
	}

	index := make(map[string]int, len(stored))
	for i, a := range stored {
		index[a.Key()] = i
	}

	var inserted []Article
	affected := 0
	for _, a := range articles {
		a = a.Normalized()
		key := a.Key()
		if i, ok := index[key]; ok {
			stored[i].Summary = a.Summary
			stored[i].ImageURL = a.ImageURL
			affected++
			continue
		}
		if j, ok := index["new:"+key]; ok {
			inserted[j].Summary = a.Summary
			inserted[j].ImageURL = a.ImageURL
			affected++
			continue
		}
		index["new:"+key] = len(inserted)
		inserted = append(inserted, a)
		affected++
	}

	merged := append(inserted, stored...)
	if nf.maxRecords > 0 && len(merged) > nf.maxRecords {
		merged = merged[:nf.maxRecords]
	}

	if err := nf.save(merged); err != nil {
		return 0, nf.fail("upsert", err)
	}

	return affected, nil
}

// Backfill writes content, authors and tags into every stored article with a
// matching URL and marks it fully scraped.
func (nf *NewsFeed) Backfill(ctx context.Context, articles []FullArticle) (int, error) {
	if len(articles) == 0 {
		return 0, nil
	}
	if err := ctx.Err(); err != nil {
		return 0, nf.fail("backfill", err)
	}

	nf.mu.Lock()
	defer nf.mu.Unlock()

	stored, err := nf.load()
	if err != nil {
		return 0, nf.fail("backfill", err)
	}

	byURL := make(map[string][]int, len(stored))
	for i, a := range stored {
		byURL[a.URL] = append(byURL[a.URL], i)
	}

	matched := 0
	for _, full := range articles {
		for _, i := range byURL[full.URL] {
			content := full.Content
			stored[i].Content = &content
			stored[i].Authors = full.Authors
			stored[i].Tags = full.Tags
			stored[i].FullyScraped = true
			matched++
		}
	}

	if matched == 0 {
		return 0, nil
	}

	if err := nf.save(stored); err != nil {
		return 0, nf.fail("backfill", err)
	}

	return matched, nil
}

// Query returns a page of stored articles in document order (newest first).
func (nf *NewsFeed) Query(_ context.Context, filter QueryFilter) (*Page, error) {
	nf.mu.Lock()
	stored, err := nf.load()
	nf.mu.Unlock()
	if err != nil {
		return nil, nf.fail("query", err)
	}

	var matching []Article
	for _, a := range stored {
		if filter.Matches(a) {
			matching = append(matching, a)
		}
	}

	page := &Page{
		Total:  len(matching),
		Offset: filter.Offset,
		Limit:  filter.Limit,
		Items:  []Article{},
	}

	if filter.Offset >= len(matching) {
		return page, nil
	}
	end := len(matching)
	if filter.Limit > 0 && filter.Offset+filter.Limit < end {
		end = filter.Offset + filter.Limit
	}
	page.Items = matching[filter.Offset:end]

	return page, nil
}

// URLs returns every distinct stored URL.
func (nf *NewsFeed) URLs(_ context.Context) ([]string, error) {
	nf.mu.Lock()
	stored, err := nf.load()
	nf.mu.Unlock()
	if err != nil {
		return nil, nf.fail("urls", err)
	}

	seen := make(map[string]struct{}, len(stored))
	urls := make([]string, 0, len(stored))
	for _, a := range stored {
		if _, ok := seen[a.URL]; ok {
			continue
		}
		seen[a.URL] = struct{}{}
		urls = append(urls, a.URL)
	}

	return urls, nil
}

// Close is a no-op; the file is only open while it is read or written.
func (nf *NewsFeed) Close() error {
	return nil
}
