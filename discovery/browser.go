package discovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/rs/zerolog"
)

// BrowserFetcher renders pages in headless Chromium. It is used for
// listings that are built client-side and return an empty shell over plain
// HTTP.
type BrowserFetcher struct {
	timeout   time.Duration
	userAgent string
	logger    zerolog.Logger

	// launch starts and connects a browser
	launch func() (*rod.Browser, error)

	mu      sync.Mutex
	browser *rod.Browser
}

// NewBrowserFetcher creates a browser fetcher. Chromium is launched on the
// first fetch.
func NewBrowserFetcher(timeout time.Duration, userAgent string, logger zerolog.Logger) *BrowserFetcher {
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	bf := &BrowserFetcher{
		timeout:   timeout,
		userAgent: userAgent,
		logger:    logger.With().Str("component", "browser_fetcher").Logger(),
	}
	bf.launch = bf.launchChromium
	return bf
}

func (bf *BrowserFetcher) launchChromium() (*rod.Browser, error) {
	l := launcher.New().
		Headless(true).
		Set("disable-gpu").
		Set("disable-dev-shm-usage").
		Set("no-sandbox").
		Set("disable-blink-features", "AutomationControlled")

	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		l.Kill()
		return nil, fmt.Errorf("failed to connect browser: %w", err)
	}

	return browser, nil
}

// connect returns the shared browser, starting it if needed. The wait is
// bounded by ctx; a launch that finishes after ctx expires is kept for the
// next fetch.
func (bf *BrowserFetcher) connect(ctx context.Context) (*rod.Browser, error) {
	type result struct {
		browser *rod.Browser
		err     error
	}
	done := make(chan result, 1)

	go func() {
		bf.mu.Lock()
		defer bf.mu.Unlock()

		if bf.browser != nil {
			done <- result{browser: bf.browser}
			return
		}
		browser, err := bf.launch()
		if err == nil {
			bf.logger.Info().Msg("browser fetcher ready")
			bf.browser = browser
		}
		done <- result{browser: browser, err: err}
	}()

	select {
	case r := <-done:
		return r.browser, r.err
	case <-ctx.Done():
		return nil, fmt.Errorf("failed to start browser: %w", ctx.Err())
	}
}

// Fetch navigates to url and returns the rendered HTML.
func (bf *BrowserFetcher) Fetch(ctx context.Context, url string) (*Page, error) {
	if bf.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, bf.timeout)
		defer cancel()
	}

	browser, err := bf.connect(ctx)
	if err != nil {
		return nil, &FetchError{URL: url, Err: err}
	}

	page, err := stealth.Page(browser.Context(ctx))
	if err != nil {
		return nil, &FetchError{URL: url, Err: fmt.Errorf("failed to open stealth page: %w", err)}
	}
	// Close even when ctx has expired.
	defer page.Context(context.Background()).Close()

	if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: bf.userAgent}); err != nil {
		bf.logger.Warn().Err(err).Msg("failed to set user agent")
	}

	if err := page.Navigate(url); err != nil {
		return nil, &FetchError{URL: url, Err: err}
	}
	if err := page.WaitLoad(); err != nil {
		return nil, &FetchError{URL: url, Err: fmt.Errorf("failed to wait for load: %w", err)}
	}
	if err := page.WaitStable(300 * time.Millisecond); err != nil {
		bf.logger.Warn().Err(err).Str("url", url).Msg("page stability timeout, continuing")
	}

	html, err := page.HTML()
	if err != nil {
		return nil, &FetchError{URL: url, Err: fmt.Errorf("failed to read page HTML: %w", err)}
	}

	finalURL := url
	if info, err := page.Info(); err == nil {
		finalURL = info.URL
	}

	return &Page{
		URL:         url,
		FinalURL:    finalURL,
		ContentType: "text/html; charset=utf-8",
		Body:        []byte(html),
	}, nil
}

// Close shuts the browser down if it was started.
func (bf *BrowserFetcher) Close() error {
	bf.mu.Lock()
	defer bf.mu.Unlock()

	if bf.browser == nil {
		return nil
	}
	err := bf.browser.Close()
	bf.browser = nil
	if err != nil {
		return fmt.Errorf("failed to close browser: %w", err)
	}
	return nil
}
