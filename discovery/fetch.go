package discovery

import (
	"bufio"
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/rs/zerolog"
	"golang.org/x/net/html/charset"
)

// DefaultUserAgent identifies the scraper when no user agent is configured.
const DefaultUserAgent = "borsradar/1.0 (stock news scraper)"

// DefaultMaxBodySize caps how much of a response body is read.
const DefaultMaxBodySize = 8 << 20

// Page is a fetched document, decoded to UTF-8.
type Page struct {
	URL         string // requested URL
	FinalURL    string // URL after redirects
	ContentType string
	Body        []byte
}

// Fetcher retrieves a page. Implementations bound every call by their own
// timeout in addition to the caller's context.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*Page, error)
	Close() error
}

// HTTPFetcher fetches pages with net/http.
type HTTPFetcher struct {
	client      *http.Client
	timeout     time.Duration
	userAgent   string
	maxBodySize int64
	logger      zerolog.Logger
}

// NewHTTPFetcher creates an HTTP fetcher with the given per-request timeout.
func NewHTTPFetcher(timeout time.Duration, userAgent string, logger zerolog.Logger) *HTTPFetcher {
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: timeout,
		DisableCompression:  true, // decompressed in decodeBody, including brotli
	}

	return &HTTPFetcher{
		client:      &http.Client{Transport: transport},
		timeout:     timeout,
		userAgent:   userAgent,
		maxBodySize: DefaultMaxBodySize,
		logger:      logger.With().Str("component", "http_fetcher").Logger(),
	}
}

// Fetch performs a GET request bounded by the fetcher's timeout.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) (*Page, error) {
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &FetchError{URL: url, Err: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "sv-SE,sv;q=0.9,en;q=0.8")
	req.Header.Set("Accept-Encoding", "gzip, deflate, br")

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &FetchError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &FetchError{
			URL:        url,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("HTTP error: %s", resp.Status),
		}
	}

	body, err := f.decodeBody(resp)
	if err != nil {
		return nil, &FetchError{URL: url, StatusCode: resp.StatusCode, Err: err}
	}

	f.logger.Debug().
		Str("url", url).
		Int("status", resp.StatusCode).
		Int("size", len(body)).
		Dur("duration", time.Since(start)).
		Msg("fetch complete")

	return &Page{
		URL:         url,
		FinalURL:    resp.Request.URL.String(),
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
	}, nil
}

// decodeBody undoes the content encoding and converts the body to UTF-8.
func (f *HTTPFetcher) decodeBody(resp *http.Response) ([]byte, error) {
	var reader io.Reader = resp.Body

	switch resp.Header.Get("Content-Encoding") {
	case "gzip":
		gz, err := gzip.NewReader(reader)
		if err != nil {
			return nil, fmt.Errorf("failed to open gzip body: %w", err)
		}
		defer gz.Close()
		reader = gz
	case "deflate":
		fl, err := deflateReader(reader)
		if err != nil {
			return nil, fmt.Errorf("failed to open deflate body: %w", err)
		}
		defer fl.Close()
		reader = fl
	case "br":
		reader = brotli.NewReader(reader)
	}

	raw, err := io.ReadAll(io.LimitReader(reader, f.maxBodySize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read body: %w", err)
	}
	if int64(len(raw)) > f.maxBodySize {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrBodyTooLarge, f.maxBodySize)
	}

	utf8Reader, err := charset.NewReader(bytes.NewReader(raw), resp.Header.Get("Content-Type"))
	if err != nil {
		// Unknown charset: keep the raw bytes.
		return raw, nil
	}
	body, err := io.ReadAll(utf8Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to decode body: %w", err)
	}

	return body, nil
}

// deflateReader opens an HTTP "deflate" body. That is zlib-wrapped
// DEFLATE; some servers send raw DEFLATE instead, detected by a missing
// zlib header.
func deflateReader(r io.Reader) (io.ReadCloser, error) {
	buffered := bufio.NewReader(r)
	header, err := buffered.Peek(2)
	if err != nil {
		return nil, err
	}
	if header[0]&0x0f == 8 && (uint16(header[0])<<8|uint16(header[1]))%31 == 0 {
		return zlib.NewReader(buffered)
	}
	return flate.NewReader(buffered), nil
}

// Close releases idle connections.
func (f *HTTPFetcher) Close() error {
	f.client.CloseIdleConnections()
	return nil
}
