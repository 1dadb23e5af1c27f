package discovery

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/mmcdole/gofeed"
	"github.com/pevans/borsradar/newsfeed"
)

var htmlStripper = bluemonday.StrictPolicy()

// stripHTML removes tags and decodes entities from feed text.
func stripHTML(s string) string {
	s = htmlStripper.Sanitize(s)
	s = html.UnescapeString(s)
	return strings.TrimSpace(s)
}

// ExtractFeed returns one candidate per feed item with a title and an
// http(s) link. Feed summaries are reduced to plain text.
func (e *Extractor) ExtractFeed(feed *gofeed.Feed) []newsfeed.Article {
	scrapedAt := e.now()
	articles := []newsfeed.Article{}

	if feed == nil {
		return articles
	}

	for _, item := range feed.Items {
		if item == nil {
			continue
		}

		link := e.resolve(item.Link)
		if link == "" {
			continue
		}
		title := normalizeSpace(stripHTML(item.Title))
		if title == "" {
			continue
		}

		summary := item.Description
		if summary == "" {
			summary = item.Content
		}

		publishedAt := scrapedAt
		if item.PublishedParsed != nil {
			publishedAt = *item.PublishedParsed
		} else if item.UpdatedParsed != nil {
			publishedAt = *item.UpdatedParsed
		}

		var imageURL *string
		if img := e.feedImage(item); img != "" {
			imageURL = &img
		}

		articles = append(articles, newsfeed.Article{
			URL:         link,
			Title:       title,
			Summary:     stripHTML(summary),
			ImageURL:    imageURL,
			Source:      e.profile.Source,
			PublishedAt: publishedAt,
			ScrapedAt:   scrapedAt,
		})
	}

	return articles
}

// feedImage returns the item image, falling back to the first image
// enclosure.
func (e *Extractor) feedImage(item *gofeed.Item) string {
	if item.Image != nil {
		if img := e.resolve(item.Image.URL); img != "" {
			return img
		}
	}
	for _, enc := range item.Enclosures {
		if enc == nil || !strings.HasPrefix(enc.Type, "image/") {
			continue
		}
		if img := e.resolve(enc.URL); img != "" {
			return img
		}
	}
	return ""
}
