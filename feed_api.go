package borsradar

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/feeds"
	"github.com/pevans/borsradar/newsfeed"
)

const defaultFeedSize = 50

// buildFeed renders the newest cached articles as a syndication feed.
func (s *APIServer) buildFeed(articles []newsfeed.Article) *feeds.Feed {
	profile := s.service.profile

	items := make([]*feeds.Item, 0, len(articles))
	for _, a := range articles {
		item := &feeds.Item{
			Id:          a.URL,
			Title:       a.Title,
			Link:        &feeds.Link{Href: a.URL},
			Description: a.Summary,
			Created:     a.PublishedAt,
		}
		if a.Content != nil {
			item.Content = *a.Content
		}
		if len(a.Authors) > 0 {
			item.Author = &feeds.Author{Name: strings.Join(a.Authors, ", ")}
		}
		if a.ImageURL != nil {
			item.Enclosure = &feeds.Enclosure{Url: *a.ImageURL, Length: "0", Type: "image/jpeg"}
		}
		items = append(items, item)
	}

	created := time.Now().UTC()
	if len(articles) > 0 {
		created = articles[0].PublishedAt
	}

	return &feeds.Feed{
		Title:       fmt.Sprintf("borsradar (%s)", profile.Name),
		Link:        &feeds.Link{Href: profile.ListingURL},
		Description: "Stock market news scraped from " + profile.ListingURL,
		Author:      &feeds.Author{Name: "borsradar"},
		Created:     created,
		Items:       items,
	}
}

// feedArticles reads the limit query parameter and returns the newest
// cached articles. ok is false when a 400 has already been written.
func (s *APIServer) feedArticles(c *gin.Context) ([]newsfeed.Article, bool) {
	limit, _, ok := parsePagination(c, defaultFeedSize)
	if !ok {
		return nil, false
	}
	return s.service.Window().Page(0, limit), true
}

// HandleRSSFeed handles GET /api/feed.rss.
func (s *APIServer) HandleRSSFeed(c *gin.Context) {
	articles, ok := s.feedArticles(c)
	if !ok {
		return
	}

	rss, err := s.buildFeed(articles).ToRss()
	if err != nil {
		s.handleError(c, fmt.Errorf("failed to generate RSS: %w", err))
		return
	}

	c.Header("Cache-Control", "public, max-age=300")
	c.Data(http.StatusOK, "application/rss+xml; charset=utf-8", []byte(rss))
}

// HandleAtomFeed handles GET /api/feed.atom.
func (s *APIServer) HandleAtomFeed(c *gin.Context) {
	articles, ok := s.feedArticles(c)
	if !ok {
		return
	}

	atom, err := s.buildFeed(articles).ToAtom()
	if err != nil {
		s.handleError(c, fmt.Errorf("failed to generate Atom: %w", err))
		return
	}

	c.Header("Cache-Control", "public, max-age=300")
	c.Data(http.StatusOK, "application/atom+xml; charset=utf-8", []byte(atom))
}
