package newsfeed

import (
	"time"
)

// Article is a single stock-news article. The JSON field names match the
// document written by the file store and served by the API.
type Article struct {
	URL          string    `json:"url"`
	Title        string    `json:"title"`
	Summary      string    `json:"summary"`
	ImageURL     *string   `json:"imageUrl"`
	Source       string    `json:"source"`
	PublishedAt  time.Time `json:"publishedAt"`
	Content      *string   `json:"content"`
	ScrapedAt    time.Time `json:"scrapedAt"`
	Authors      []string  `json:"authors,omitempty"`
	Tags         []string  `json:"tags,omitempty"`
	FullyScraped bool      `json:"fullyScraped"`
}

// Detail holds what the article page yields on top of the listing fields.
// A nil Content or PublishedAt means the value could not be resolved.
type Detail struct {
	Content     *string
	PublishedAt *time.Time
	Authors     []string
	Tags        []string
}

// Empty reports whether nothing could be extracted from the article page.
func (d Detail) Empty() bool {
	return d.Content == nil && d.PublishedAt == nil && len(d.Authors) == 0 && len(d.Tags) == 0
}

// Apply merges the detail into the article. PublishedAt only moves when the
// detail carries a valid timestamp, and the article counts as fully scraped
// once it has body content.
func (a *Article) Apply(d Detail) {
	if d.Content != nil {
		content := *d.Content
		a.Content = &content
		a.FullyScraped = true
	}
	if d.PublishedAt != nil && !d.PublishedAt.IsZero() {
		a.PublishedAt = *d.PublishedAt
	}
	if len(d.Authors) > 0 {
		a.Authors = append([]string(nil), d.Authors...)
	}
	if len(d.Tags) > 0 {
		a.Tags = append([]string(nil), d.Tags...)
	}
}

// FullArticle addresses a stored article by URL alone and carries the detail
// fields written by the backfill path.
type FullArticle struct {
	URL     string
	Content string
	Authors []string
	Tags    []string
}

// FullArticleOf returns the backfill record for an enriched article. The
// second return value is false when the article has no content to backfill.
func FullArticleOf(a Article) (FullArticle, bool) {
	if a.Content == nil {
		return FullArticle{}, false
	}
	return FullArticle{
		URL:     a.URL,
		Content: *a.Content,
		Authors: a.Authors,
		Tags:    a.Tags,
	}, true
}

// normalizeTime drops the monotonic reading and sub-microsecond precision so
// the (url, published_at) key compares equal across every backend.
func normalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// Key returns the upsert identity of an article.
func (a Article) Key() string {
	return a.URL + "\x00" + normalizeTime(a.PublishedAt).Format(time.RFC3339Nano)
}

// Normalized returns a copy of the article with its timestamps normalized.
func (a Article) Normalized() Article {
	a.PublishedAt = normalizeTime(a.PublishedAt)
	a.ScrapedAt = normalizeTime(a.ScrapedAt)
	return a
}
