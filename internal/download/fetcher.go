// Package download fetches resolved article URLs and cleans their bodies.
package download

import (
	"context"
	"fmt"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/jvilhena/vigia/internal/incident"
)

// Config controls collector behavior.
type Config struct {
	UserAgent    string
	Timeout      time.Duration
	MinBodyChars int
}

// ArticleFetcher implements incident.Fetcher using a Colly collector for the
// HTTP fetch and a goquery pass for body cleaning.
type ArticleFetcher struct {
	cfg           Config
	baseCollector *colly.Collector
	logger        *zap.Logger
}

// New builds an ArticleFetcher.
func New(cfg Config, logger *zap.Logger) *ArticleFetcher {
	if cfg.Timeout == 0 {
		cfg.Timeout = 20 * time.Second
	}
	if cfg.MinBodyChars <= 0 {
		cfg.MinBodyChars = 200
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := colly.NewCollector(colly.Async(false))
	return &ArticleFetcher{
		cfg:           cfg,
		baseCollector: c,
		logger:        logger,
	}
}

// Fetch downloads one article and returns its cleaned text. A page that
// yields less than MinBodyChars of text after cleaning counts as a failed
// download: paywall interstitials and bot walls produce exactly that shape.
func (f *ArticleFetcher) Fetch(ctx context.Context, url string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("fetch canceled: %w", err)
	}

	var (
		body     []byte
		status   int
		fetchErr error
	)

	collector := f.baseCollector.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = true
	collector.SetRequestTimeout(f.cfg.Timeout)

	collector.OnResponse(func(r *colly.Response) {
		body = r.Body
		status = r.StatusCode
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil {
			status = r.StatusCode
		}
		fetchErr = err
	})

	if err := collector.Visit(url); err != nil {
		return "", &incident.NetworkError{Op: "article fetch", Err: err}
	}
	collector.Wait()

	if fetchErr != nil {
		if status == 429 {
			return "", &incident.RateLimitError{Err: fetchErr}
		}
		return "", &incident.NetworkError{Op: "article fetch", Err: fetchErr}
	}
	if len(body) == 0 {
		return "", fmt.Errorf("empty response from %s", url)
	}

	text, err := CleanBody(body)
	if err != nil {
		return "", fmt.Errorf("clean article body: %w", err)
	}
	if len(text) < f.cfg.MinBodyChars {
		return "", fmt.Errorf("article body too short (%d chars) from %s", len(text), url)
	}

	f.logger.Debug("article fetched",
		zap.String("url", url),
		zap.Int("chars", len(text)),
	)
	return text, nil
}
