package scraper

import (
	"errors"
	"fmt"
	"net/url"
	"os"

	"gopkg.in/yaml.v3"
)

// Listing kinds.
const (
	ListingHTML = "html"
	ListingFeed = "feed"
)

// Profile describes how to scrape one news site: where the listing lives and
// how to pull fields out of listing entries and article pages.
type Profile struct {
	Name        string        `yaml:"name"`
	Source      string        `yaml:"source"` // tag stored on every article
	BaseURL     string        `yaml:"base_url"`
	ListingURL  string        `yaml:"listing_url"`
	ListingKind string        `yaml:"listing_kind"` // "html" or "feed"
	List        ListConfig    `yaml:"list"`
	Article     ArticleConfig `yaml:"article"`
}

// ListConfig selects the fields of one listing entry. Every selector except
// ItemSelector is evaluated relative to the matched item (or its container).
type ListConfig struct {
	ItemSelector      string `yaml:"item_selector"`
	ContainerSelector string `yaml:"container_selector,omitempty"`
	LinkSelector      string `yaml:"link_selector"`
	TitleSelector     string `yaml:"title_selector"`
	SummarySelector   string `yaml:"summary_selector,omitempty"`
	ImageSelector     string `yaml:"image_selector,omitempty"`
	TimeSelector      string `yaml:"time_selector,omitempty"`
	TimeAttribute     string `yaml:"time_attribute,omitempty"`
}

// ArticleConfig selects the detail fields of an article page.
type ArticleConfig struct {
	BodySelector      string `yaml:"body_selector"`
	ParagraphSelector string `yaml:"paragraph_selector"`
	TimeSelector      string `yaml:"time_selector,omitempty"`
	TimeAttribute     string `yaml:"time_attribute,omitempty"`
	AuthorSelector    string `yaml:"author_selector,omitempty"`
	TagSelector       string `yaml:"tag_selector,omitempty"`
	TagAttribute      string `yaml:"tag_attribute,omitempty"` // empty: element text
	Readability       bool   `yaml:"readability"`
}

// DefaultProfile returns the profile for the Dagens Industri stock-news
// listing.
func DefaultProfile() Profile {
	return Profile{
		Name:        "Dagens Industri börsnyheter",
		Source:      "di",
		BaseURL:     "https://www.di.se",
		ListingURL:  "https://www.di.se/bors/nyheter/",
		ListingKind: ListingHTML,
		List: ListConfig{
			ItemSelector:      ".news-item__content-wrapper",
			ContainerSelector: ".news-item__content",
			LinkSelector:      "a",
			TitleSelector:     ".news-item__heading",
			SummarySelector:   ".news-item__text",
			ImageSelector:     ".image__el",
			TimeSelector:      "time",
			TimeAttribute:     "datetime",
		},
		Article: ArticleConfig{
			BodySelector:      ".article__body",
			ParagraphSelector: "p",
			TimeSelector:      "time.publication__time",
			TimeAttribute:     "datetime",
			AuthorSelector:    ".byline__author",
			TagSelector:       ".tags__item",
		},
	}
}

// LoadProfile reads a YAML profile from path. Fields the file leaves unset
// keep their default values.
func LoadProfile(path string) (Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, fmt.Errorf("failed to read profile: %w", err)
	}

	profile := DefaultProfile()
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return Profile{}, fmt.Errorf("failed to parse profile: %w", err)
	}

	if err := profile.Validate(); err != nil {
		return Profile{}, err
	}

	return profile, nil
}

// Validate checks that the profile can drive a scrape.
func (p Profile) Validate() error {
	if p.Source == "" {
		return errors.New("profile source is required")
	}
	if err := validateHTTPURL("base_url", p.BaseURL); err != nil {
		return err
	}
	if err := validateHTTPURL("listing_url", p.ListingURL); err != nil {
		return err
	}

	switch p.ListingKind {
	case ListingHTML:
		if p.List.ItemSelector == "" {
			return errors.New("list item_selector is required")
		}
		if p.List.LinkSelector == "" {
			return errors.New("list link_selector is required")
		}
		if p.List.TitleSelector == "" {
			return errors.New("list title_selector is required")
		}
	case ListingFeed:
	default:
		return fmt.Errorf("invalid listing_kind %q: must be %q or %q",
			p.ListingKind, ListingHTML, ListingFeed)
	}

	if p.Article.BodySelector == "" || p.Article.ParagraphSelector == "" {
		return errors.New("article body_selector and paragraph_selector are required")
	}

	return nil
}

// Base returns the parsed base URL used to resolve relative links.
func (p Profile) Base() (*url.URL, error) {
	base, err := url.Parse(p.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse base_url: %w", err)
	}
	return base, nil
}

func validateHTTPURL(field, raw string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", field)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", field, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid %s: scheme must be http or https", field)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid %s: missing host", field)
	}
	return nil
}
