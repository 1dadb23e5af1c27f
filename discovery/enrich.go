package discovery

import (
	"bytes"
	"context"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-shiori/go-readability"
	"github.com/pevans/borsradar/newsfeed"
	"github.com/pevans/borsradar/scraper"
	"github.com/rs/zerolog"
)

// Enricher fetches article pages and extracts their detail fields.
type Enricher struct {
	fetcher Fetcher
	cfg     scraper.ArticleConfig
	logger  zerolog.Logger
}

// NewEnricher creates an enricher that fetches article pages with fetcher.
func NewEnricher(fetcher Fetcher, cfg scraper.ArticleConfig, logger zerolog.Logger) *Enricher {
	return &Enricher{
		fetcher: fetcher,
		cfg:     cfg,
		logger:  logger.With().Str("component", "enricher").Logger(),
	}
}

// Enrich fetches the article at articleURL and extracts its detail. It never
// fails: fetch or parse errors are logged and yield an empty Detail, leaving
// the caller's listing values in place.
func (en *Enricher) Enrich(ctx context.Context, articleURL string) newsfeed.Detail {
	page, err := en.fetcher.Fetch(ctx, articleURL)
	if err != nil {
		en.logger.Warn().Err(err).Str("url", articleURL).Msg("failed to fetch article page")
		return newsfeed.Detail{}
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
	if err != nil {
		en.logger.Warn().
			Err(&ParseError{URL: articleURL, What: "html", Err: err}).
			Msg("failed to parse article page")
		return newsfeed.Detail{}
	}

	detail := ExtractDetail(doc, en.cfg)

	if detail.Content == nil && en.cfg.Readability {
		if text := readableText(page); text != "" {
			detail.Content = &text
		}
	}

	if detail.Content == nil {
		en.logger.Debug().Str("url", articleURL).Msg("no article body found")
	}

	return detail
}

// ExtractDetail reads the detail fields of a parsed article page. Body
// content is the non-empty paragraphs of the body container joined by blank
// lines; a page without paragraphs yields nil content.
func ExtractDetail(doc *goquery.Document, cfg scraper.ArticleConfig) newsfeed.Detail {
	var detail newsfeed.Detail

	var paragraphs []string
	doc.Find(cfg.BodySelector).Find(cfg.ParagraphSelector).Each(func(_ int, p *goquery.Selection) {
		if text := strings.TrimSpace(p.Text()); text != "" {
			paragraphs = append(paragraphs, text)
		}
	})
	if content := strings.TrimSpace(strings.Join(paragraphs, "\n\n")); content != "" {
		detail.Content = &content
	}

	if cfg.TimeSelector != "" {
		attr := cfg.TimeAttribute
		if attr == "" {
			attr = "datetime"
		}
		if raw, ok := doc.Find(cfg.TimeSelector).First().Attr(attr); ok {
			if t, ok := ParseTime(raw); ok {
				detail.PublishedAt = &t
			}
		}
	}

	if cfg.AuthorSelector != "" {
		detail.Authors = collectText(doc.Find(cfg.AuthorSelector), "")
	}
	if cfg.TagSelector != "" {
		detail.Tags = collectText(doc.Find(cfg.TagSelector), cfg.TagAttribute)
	}

	return detail
}

// collectText returns the distinct, non-empty values of the selection in
// document order, read from attr or, when attr is empty, the element text.
func collectText(sel *goquery.Selection, attr string) []string {
	var values []string
	seen := make(map[string]struct{})

	sel.Each(func(_ int, s *goquery.Selection) {
		var value string
		if attr != "" {
			value, _ = s.Attr(attr)
		} else {
			value = s.Text()
		}
		value = normalizeSpace(value)
		if value == "" {
			return
		}
		if _, ok := seen[value]; ok {
			return
		}
		seen[value] = struct{}{}
		values = append(values, value)
	})

	return values
}

// readableText runs readability over the page and returns its plain text.
func readableText(page *Page) string {
	raw := page.FinalURL
	if raw == "" {
		raw = page.URL
	}
	pageURL, err := url.Parse(raw)
	if err != nil {
		return ""
	}

	article, err := readability.FromReader(bytes.NewReader(page.Body), pageURL)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(article.TextContent)
}
