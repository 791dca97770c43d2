// Package geocode is the client for the geocoding collaborator, address in,
// coordinates plus confidence out. Results are cached in the store by the
// address that was geocoded, bounding external call volume.
package geocode

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/jvilhena/vigia/internal/incident"
)

// Config controls the geocoding client.
type Config struct {
	Endpoint string
	APIKey   string
	Timeout  time.Duration
}

// Client implements incident.Geocoder.
type Client struct {
	cfg    Config
	http   *http.Client
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
		logger: logger,
	}
}

// Geocode resolves one address.
func (c *Client) Geocode(ctx context.Context, address string) (incident.GeocodeResult, error) {
	if address == "" {
		return incident.GeocodeResult{}, fmt.Errorf("empty address")
	}

	params := url.Values{}
	params.Set("address", address)
	if c.cfg.APIKey != "" {
		params.Set("key", c.cfg.APIKey)
	}

	req, err := http.NewRequestWithContext(
		ctx, http.MethodGet, c.cfg.Endpoint+"?"+params.Encode(), nil,
	)
	if err != nil {
		return incident.GeocodeResult{}, fmt.Errorf("build geocode request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return incident.GeocodeResult{}, &incident.NetworkError{Op: "geocode", Err: err}
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Warn("close geocode response body", zap.Error(cerr))
		}
	}()

	if resp.StatusCode == http.StatusTooManyRequests {
		return incident.GeocodeResult{}, &incident.RateLimitError{
			Err: fmt.Errorf("geocoding service returned 429"),
		}
	}
	if resp.StatusCode != http.StatusOK {
		return incident.GeocodeResult{}, &incident.NetworkError{
			Op:  "geocode",
			Err: fmt.Errorf("unexpected status %d", resp.StatusCode),
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return incident.GeocodeResult{}, &incident.NetworkError{Op: "geocode read", Err: err}
	}

	var result incident.GeocodeResult
	if err := json.Unmarshal(body, &result); err != nil {
		return incident.GeocodeResult{}, fmt.Errorf("parse geocode response: %w", err)
	}
	if result.Provider == "" {
		result.Provider = "default"
	}
	return result, nil
}
