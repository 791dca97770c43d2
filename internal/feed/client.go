// Package feed implements the search-feed collaborator client.
package feed

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"context"

	"github.com/mmcdole/gofeed"
	"go.uber.org/zap"

	"github.com/jvilhena/vigia/internal/incident"
)

// Config controls the feed client. The three locale parameters must always be
// sent identically; the feed otherwise falls back to IP-based localization
// and skews results between workers.
type Config struct {
	BaseURL      string
	HostLanguage string // hl
	GeoLocation  string // gl
	Edition      string // ceid, "country:language"
	UserAgent    string
	Timeout      time.Duration
}

// Client fetches and parses search-feed results.
type Client struct {
	cfg    Config
	http   *http.Client
	parser *gofeed.Parser
	logger *zap.Logger
}

// New builds a Client.
func New(cfg Config, logger *zap.Logger) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		parser: gofeed.NewParser(),
		logger: logger,
	}
}

// SearchURL builds the request URL for a query with the locale parameters
// pinned.
func (c *Client) SearchURL(query string) string {
	params := url.Values{}
	params.Set("q", query)
	params.Set("hl", c.cfg.HostLanguage)
	params.Set("gl", c.cfg.GeoLocation)
	params.Set("ceid", c.cfg.Edition)
	return c.cfg.BaseURL + "?" + params.Encode()
}

// Search issues one feed request and returns the parsed items. The length of
// the returned slice is the result count the sharding controller consumes.
func (c *Client) Search(ctx context.Context, query string) ([]incident.FeedItem, error) {
	reqURL := c.SearchURL(query)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build feed request: %w", err)
	}
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &incident.NetworkError{Op: "feed search", Err: err}
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Warn("close feed response body", zap.Error(cerr))
		}
	}()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &incident.RateLimitError{
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			Err:        fmt.Errorf("feed returned 429 for query %q", query),
		}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &incident.NetworkError{
			Op:  "feed search",
			Err: fmt.Errorf("unexpected status %d for query %q", resp.StatusCode, query),
		}
	}

	parsed, err := c.parser.Parse(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}

	items := make([]incident.FeedItem, 0, len(parsed.Items))
	for _, entry := range parsed.Items {
		item := toFeedItem(entry)
		if item.FeedID == "" {
			continue
		}
		items = append(items, item)
	}

	c.logger.Debug("feed query returned",
		zap.String("query", query),
		zap.Int("items", len(items)),
	)
	return items, nil
}

func toFeedItem(entry *gofeed.Item) incident.FeedItem {
	id := entry.GUID
	if id == "" {
		id = entry.Link
	}
	headline, publisher := splitTitle(entry.Title)
	return incident.FeedItem{
		FeedID:      id,
		EncodedLink: entry.Link,
		Headline:    headline,
		Publisher:   publisher,
		PublishedAt: entry.PublishedParsed,
	}
}

// splitTitle separates "Headline text - Publisher Name" on the last dash,
// the feed's title convention.
func splitTitle(title string) (headline, publisher string) {
	title = strings.TrimSpace(title)
	idx := strings.LastIndex(title, " - ")
	if idx < 0 {
		return title, ""
	}
	return strings.TrimSpace(title[:idx]), strings.TrimSpace(title[idx+3:])
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := time.ParseDuration(v + "s")
	if err != nil {
		return 0
	}
	return secs
}
