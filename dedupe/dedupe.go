// Package dedupe tracks which article URLs have already been scraped.
//
// Identity is the exact URL string: case and trailing-slash variants of the
// same page count as different articles.
package dedupe

import (
	"context"
	"sync"
)

// Set is a seen-URL set.
type Set interface {
	// IsNew reports whether url has not been marked seen.
	IsNew(ctx context.Context, url string) (bool, error)

	// MarkSeen records urls as seen.
	MarkSeen(ctx context.Context, urls ...string) error
}

// MemorySet is an in-process Set.
type MemorySet struct {
	mu   sync.RWMutex
	seen map[string]struct{}
}

// NewMemorySet creates a set seeded with urls.
func NewMemorySet(urls []string) *MemorySet {
	s := &MemorySet{seen: make(map[string]struct{}, len(urls))}
	for _, u := range urls {
		s.seen[u] = struct{}{}
	}
	return s
}

// IsNew reports whether url has not been seen.
func (s *MemorySet) IsNew(_ context.Context, url string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.seen[url]
	return !ok, nil
}

// MarkSeen records urls as seen.
func (s *MemorySet) MarkSeen(_ context.Context, urls ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range urls {
		s.seen[u] = struct{}{}
	}
	return nil
}

// Len returns the number of seen URLs.
func (s *MemorySet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.seen)
}
