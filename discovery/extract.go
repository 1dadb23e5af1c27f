package discovery

import (
	"bytes"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"
	"github.com/pevans/borsradar/newsfeed"
	"github.com/pevans/borsradar/scraper"
)

// Extractor turns a fetched listing page into candidate articles according
// to a site profile. Candidates carry listing fields only; content stays nil
// until enrichment.
type Extractor struct {
	profile scraper.Profile
	base    *url.URL
	now     func() time.Time
}

// NewExtractor creates an extractor for the given profile.
func NewExtractor(profile scraper.Profile) (*Extractor, error) {
	base, err := profile.Base()
	if err != nil {
		return nil, err
	}
	return &Extractor{
		profile: profile,
		base:    base,
		now:     time.Now,
	}, nil
}

// Extract parses the page as the profile's listing kind and returns the
// candidates it contains.
func (e *Extractor) Extract(page *Page) ([]newsfeed.Article, error) {
	if e.profile.ListingKind == scraper.ListingFeed {
		feed, err := gofeed.NewParser().Parse(bytes.NewReader(page.Body))
		if err != nil {
			return nil, &ParseError{URL: page.URL, What: "feed", Err: err}
		}
		return e.ExtractFeed(feed), nil
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
	if err != nil {
		return nil, &ParseError{URL: page.URL, What: "html", Err: err}
	}
	return e.ExtractListing(doc), nil
}

// ExtractListing returns one candidate per listing item that has both a
// title and an http(s) link. Items missing either are skipped.
func (e *Extractor) ExtractListing(doc *goquery.Document) []newsfeed.Article {
	cfg := e.profile.List
	scrapedAt := e.now()
	articles := []newsfeed.Article{}

	doc.Find(cfg.ItemSelector).Each(func(_ int, item *goquery.Selection) {
		href, _ := item.Find(cfg.LinkSelector).First().Attr("href")
		link := e.resolve(href)
		if link == "" {
			return
		}

		title := normalizeSpace(item.Find(cfg.TitleSelector).First().Text())
		if title == "" {
			return
		}

		var summary string
		if cfg.SummarySelector != "" {
			summary = strings.TrimSpace(item.Find(cfg.SummarySelector).First().Text())
		}

		// Image and time live on the surrounding container on some layouts.
		scope := item
		if cfg.ContainerSelector != "" {
			if container := item.Closest(cfg.ContainerSelector); container.Length() > 0 {
				scope = container
			}
		}

		var imageURL *string
		if cfg.ImageSelector != "" {
			if img := e.bestImage(scope.Find(cfg.ImageSelector).First()); img != "" {
				imageURL = &img
			}
		}

		publishedAt := scrapedAt
		if cfg.TimeSelector != "" {
			attr := cfg.TimeAttribute
			if attr == "" {
				attr = "datetime"
			}
			if raw, ok := scope.Find(cfg.TimeSelector).First().Attr(attr); ok {
				if t, ok := ParseTime(raw); ok {
					publishedAt = t
				}
			}
		}

		articles = append(articles, newsfeed.Article{
			URL:         link,
			Title:       title,
			Summary:     summary,
			ImageURL:    imageURL,
			Source:      e.profile.Source,
			PublishedAt: publishedAt,
			ScrapedAt:   scrapedAt,
		})
	})

	return articles
}

// bestImage picks the image URL of an <img>: the largest srcset candidate,
// then src, then data-src.
func (e *Extractor) bestImage(img *goquery.Selection) string {
	if img.Length() == 0 {
		return ""
	}
	if srcset, ok := img.Attr("srcset"); ok {
		if candidate := LargestSrcsetCandidate(srcset); candidate != "" {
			if resolved := e.resolve(candidate); resolved != "" {
				return resolved
			}
		}
	}
	for _, attr := range []string{"src", "data-src"} {
		if src, ok := img.Attr(attr); ok {
			if resolved := e.resolve(src); resolved != "" {
				return resolved
			}
		}
	}
	return ""
}

// resolve makes href absolute against the profile base URL. Anything that
// does not resolve to an http(s) URL yields "".
func (e *Extractor) resolve(href string) string {
	href = strings.TrimSpace(href)
	if href == "" {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	abs := e.base.ResolveReference(ref)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return ""
	}
	if abs.Host == "" {
		return ""
	}
	abs.Fragment = ""
	return abs.String()
}

// LargestSrcsetCandidate returns the URL of the srcset candidate with the
// largest width or density descriptor. Candidates without a descriptor
// count as 1x. On ties the later candidate wins.
func LargestSrcsetCandidate(srcset string) string {
	best := ""
	bestSize := -1.0

	for _, part := range strings.Split(srcset, ",") {
		fields := strings.Fields(part)
		if len(fields) == 0 {
			continue
		}

		size := 1.0
		if len(fields) > 1 {
			size = descriptorSize(fields[1])
		}
		if size >= bestSize {
			best = fields[0]
			bestSize = size
		}
	}

	return best
}

// descriptorSize reads a "640w" or "2x" descriptor.
func descriptorSize(desc string) float64 {
	if len(desc) < 2 {
		return 0
	}
	n, err := strconv.ParseFloat(desc[:len(desc)-1], 64)
	if err != nil {
		return 0
	}
	switch desc[len(desc)-1] {
	case 'w', 'x':
		return n
	default:
		return 0
	}
}

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05Z0700",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	time.RFC1123Z,
	time.RFC1123,
}

// ParseTime parses a datetime attribute value. Values without a zone are
// taken as UTC.
func ParseTime(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, raw, time.UTC); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
