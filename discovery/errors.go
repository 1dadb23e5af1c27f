package discovery

import (
	"errors"
	"fmt"
)

// ErrBodyTooLarge is returned when a response body exceeds the fetcher's
// size limit.
var ErrBodyTooLarge = errors.New("response body too large")

// FetchError is returned when a page could not be retrieved: a network
// failure, a timeout or a non-200 status.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("fetch error for %s (status %d): %v", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch error for %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ParseError is returned when a fetched page could not be parsed as the
// expected document.
type ParseError struct {
	URL  string
	What string // "html" or "feed"
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error for %s (%s): %v", e.URL, e.What, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }
