package discovery

import (
	"strings"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/pevans/borsradar/scraper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const listingHTML = `<html><body>
<div class="news-item__content">
  <img class="image__el" srcset="/img/a-320.jpg 320w, /img/a-1280.jpg 1280w, /img/a-640.jpg 640w">
  <time datetime="2024-05-02T09:30:00+02:00"></time>
  <div class="news-item__content-wrapper">
    <a href="/bors/nyheter/a">
      <h2 class="news-item__heading">  Volvo   rusar
        på börsen </h2>
    </a>
    <p class="news-item__text">  Rapporten överraskade.  </p>
  </div>
</div>
<div class="news-item__content">
  <div class="news-item__content-wrapper">
    <a href="https://www.di.se/bors/nyheter/b"><h2 class="news-item__heading">Ericsson faller</h2></a>
  </div>
</div>
<div class="news-item__content-wrapper">
  <a href="/bors/nyheter/no-title"><h2 class="news-item__heading">   </h2></a>
</div>
<div class="news-item__content-wrapper">
  <h2 class="news-item__heading">Missing link</h2>
</div>
<div class="news-item__content-wrapper">
  <a href="javascript:void(0)"><h2 class="news-item__heading">Script link</h2></a>
</div>
<div class="news-item__content-wrapper">
  <a href="mailto:news@di.se"><h2 class="news-item__heading">Mail link</h2></a>
</div>
</body></html>`

// Test helper: create an extractor for the default profile with a fixed clock
func newTestExtractor(t *testing.T, now time.Time) *Extractor {
	e, err := NewExtractor(scraper.DefaultProfile())
	require.NoError(t, err)
	e.now = func() time.Time { return now }
	return e
}

func parseHTML(t *testing.T, s string) *goquery.Document {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	require.NoError(t, err)
	return doc
}

// TestExtractListing_SkipsItemsWithoutTitleOrURL verifies the candidate rules
func TestExtractListing_SkipsItemsWithoutTitleOrURL(t *testing.T) {
	now := time.Date(2024, 5, 2, 12, 0, 0, 0, time.UTC)
	e := newTestExtractor(t, now)

	articles := e.ExtractListing(parseHTML(t, listingHTML))
	require.Len(t, articles, 2)

	first := articles[0]
	assert.Equal(t, "https://www.di.se/bors/nyheter/a", first.URL)
	assert.Equal(t, "Volvo rusar på börsen", first.Title)
	assert.Equal(t, "Rapporten överraskade.", first.Summary)
	assert.Equal(t, "di", first.Source)
	require.NotNil(t, first.ImageURL)
	assert.Equal(t, "https://www.di.se/img/a-1280.jpg", *first.ImageURL)
	assert.True(t, first.PublishedAt.Equal(time.Date(2024, 5, 2, 7, 30, 0, 0, time.UTC)))
	assert.Equal(t, now, first.ScrapedAt)
	assert.Nil(t, first.Content)
	assert.False(t, first.FullyScraped)

	second := articles[1]
	assert.Equal(t, "https://www.di.se/bors/nyheter/b", second.URL)
	assert.Empty(t, second.Summary)
	assert.Nil(t, second.ImageURL)
	assert.Equal(t, now, second.PublishedAt, "missing time falls back to scrape time")
}

// TestExtractListing_Empty verifies a page without items yields no candidates
func TestExtractListing_Empty(t *testing.T) {
	e := newTestExtractor(t, time.Now())
	articles := e.ExtractListing(parseHTML(t, "<html><body><p>nothing</p></body></html>"))
	assert.NotNil(t, articles)
	assert.Empty(t, articles)
}

// TestExtractListing_ImageFallbacks verifies src and data-src fallbacks
func TestExtractListing_ImageFallbacks(t *testing.T) {
	e := newTestExtractor(t, time.Now())
	html := `<div class="news-item__content-wrapper">
  <a href="/a"><span class="news-item__heading">A</span></a>
  <img class="image__el" src="/img/a.jpg">
</div>
<div class="news-item__content-wrapper">
  <a href="/b"><span class="news-item__heading">B</span></a>
  <img class="image__el" data-src="//cdn.di.se/b.jpg">
</div>`

	articles := e.ExtractListing(parseHTML(t, html))
	require.Len(t, articles, 2)
	require.NotNil(t, articles[0].ImageURL)
	assert.Equal(t, "https://www.di.se/img/a.jpg", *articles[0].ImageURL)
	require.NotNil(t, articles[1].ImageURL)
	assert.Equal(t, "https://cdn.di.se/b.jpg", *articles[1].ImageURL)
}

// TestExtractListing_UnparsableTime verifies bad datetimes fall back to scrape time
func TestExtractListing_UnparsableTime(t *testing.T) {
	now := time.Date(2024, 5, 2, 12, 0, 0, 0, time.UTC)
	e := newTestExtractor(t, now)
	html := `<div class="news-item__content-wrapper">
  <a href="/a"><span class="news-item__heading">A</span></a>
  <time datetime="igår"></time>
</div>`

	articles := e.ExtractListing(parseHTML(t, html))
	require.Len(t, articles, 1)
	assert.Equal(t, now, articles[0].PublishedAt)
}

// TestExtract_ParseKinds verifies Extract dispatches on the listing kind
func TestExtract_ParseKinds(t *testing.T) {
	e := newTestExtractor(t, time.Now())
	articles, err := e.Extract(&Page{URL: "https://www.di.se/bors/nyheter/", Body: []byte(listingHTML)})
	require.NoError(t, err)
	assert.Len(t, articles, 2)

	profile := scraper.DefaultProfile()
	profile.ListingKind = scraper.ListingFeed
	fe, err := NewExtractor(profile)
	require.NoError(t, err)

	_, err = fe.Extract(&Page{URL: "https://www.di.se/rss", Body: []byte("not a feed")})
	require.Error(t, err)
	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "feed", perr.What)
}

// TestLargestSrcsetCandidate verifies descriptor handling
func TestLargestSrcsetCandidate(t *testing.T) {
	tests := []struct {
		name   string
		srcset string
		want   string
	}{
		{"width descriptors", "a.jpg 320w, b.jpg 1280w, c.jpg 640w", "b.jpg"},
		{"density descriptors", "a.jpg 1x, b.jpg 3x, c.jpg 2x", "b.jpg"},
		{"no descriptors takes last", "a.jpg, b.jpg", "b.jpg"},
		{"ties take last", "a.jpg 640w, b.jpg 640w", "b.jpg"},
		{"single", "only.jpg", "only.jpg"},
		{"empty", "", ""},
		{"stray commas", " , a.jpg 2x ,", "a.jpg"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, LargestSrcsetCandidate(tt.srcset))
		})
	}
}

// TestParseTime verifies the accepted datetime formats
func TestParseTime(t *testing.T) {
	tests := []struct {
		raw  string
		want time.Time
		ok   bool
	}{
		{"2024-05-02T09:30:00+02:00", time.Date(2024, 5, 2, 7, 30, 0, 0, time.UTC), true},
		{"2024-05-02T09:30:00.123Z", time.Date(2024, 5, 2, 9, 30, 0, 123000000, time.UTC), true},
		{"2024-05-02T09:30:00", time.Date(2024, 5, 2, 9, 30, 0, 0, time.UTC), true},
		{"2024-05-02 09:30", time.Date(2024, 5, 2, 9, 30, 0, 0, time.UTC), true},
		{"2024-05-02", time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC), true},
		{"", time.Time{}, false},
		{"last tuesday", time.Time{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, ok := ParseTime(tt.raw)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.True(t, tt.want.Equal(got), "got %s", got)
			}
		})
	}
}
