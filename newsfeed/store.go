package newsfeed

import (
	"context"
	"fmt"
)

// Store is the persistence contract shared by the JSON file store and the
// relational store.
type Store interface {
	// UpsertMany inserts the listing fields of each article keyed on
	// (url, publishedAt). On conflict only summary and image are updated.
	// Any failure leaves the store unchanged and reports zero rows.
	UpsertMany(ctx context.Context, articles []Article) (int, error)

	// Backfill writes the detail fields of previously stored articles,
	// addressed by URL alone, and marks them fully scraped. Returns the
	// number of rows matched.
	Backfill(ctx context.Context, articles []FullArticle) (int, error)

	// Query returns a page of stored articles.
	Query(ctx context.Context, filter QueryFilter) (*Page, error)

	// URLs returns every distinct stored URL.
	URLs(ctx context.Context) ([]string, error)

	Close() error
}

// QueryFilter selects and paginates stored articles.
type QueryFilter struct {
	Limit          int
	Offset         int
	FullOnly       bool   // only articles with backfilled content
	IncompleteOnly bool   // only articles still missing content
	Source         string // exact source tag, empty for all
}

// Matches reports whether an article passes the filter's predicates.
func (f QueryFilter) Matches(a Article) bool {
	if f.FullOnly && !a.FullyScraped {
		return false
	}
	if f.IncompleteOnly && a.FullyScraped {
		return false
	}
	if f.Source != "" && a.Source != f.Source {
		return false
	}
	return true
}

// Page is one page of query results.
type Page struct {
	Total  int       `json:"total"`
	Offset int       `json:"offset"`
	Limit  int       `json:"limit"`
	Items  []Article `json:"articles"`
}

// PersistenceError describes a failed store operation. The operation was
// rolled back before the error was returned.
type PersistenceError struct {
	Backend string
	Op      string
	Err     error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s store: %s failed: %v", e.Backend, e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
