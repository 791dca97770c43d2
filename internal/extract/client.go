// Package extract is the client for the external structured-extraction
// service. The service is opaque: article text in, a structured event or a
// failure indication out. The client tolerates malformed and partial
// responses, mapping anything unusable to an incident.ExtractionError.
package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/jvilhena/vigia/internal/incident"
)

// Config controls the extraction client.
type Config struct {
	Endpoint string
	APIKey   string
	Timeout  time.Duration
}

// Client implements incident.Extractor.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *zap.Logger
}

// New builds a Client.
func New(cfg Config, logger *zap.Logger) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
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

type extractRequest struct {
	Headline string `json:"headline"`
	Content  string `json:"content"`
}

// extractResponse mirrors the service's wire contract. Event carries the
// typed fields; the full body is also kept as the schema-flexible payload.
type extractResponse struct {
	Success bool                  `json:"success"`
	Error   string                `json:"error,omitempty"`
	Model   string                `json:"model,omitempty"`
	Event   *incident.EventFields `json:"event,omitempty"`
}

// Extract sends article text to the service and returns the structured event.
func (c *Client) Extract(ctx context.Context, headline, content string) (incident.Extraction, error) {
	if content == "" {
		return incident.Extraction{}, &incident.ExtractionError{Reason: "empty article content"}
	}

	reqBody, err := json.Marshal(extractRequest{Headline: headline, Content: content})
	if err != nil {
		return incident.Extraction{}, &incident.ExtractionError{Reason: "marshal request", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return incident.Extraction{}, &incident.ExtractionError{Reason: "build request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return incident.Extraction{}, &incident.ExtractionError{
			Reason: "service unreachable",
			Err:    &incident.NetworkError{Op: "extract", Err: err},
		}
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Warn("close extraction response body", zap.Error(cerr))
		}
	}()

	if resp.StatusCode == http.StatusTooManyRequests {
		return incident.Extraction{}, &incident.ExtractionError{
			Reason: "service throttled",
			Err:    &incident.RateLimitError{Err: fmt.Errorf("extraction service returned 429")},
		}
	}
	if resp.StatusCode != http.StatusOK {
		return incident.Extraction{}, &incident.ExtractionError{
			Reason: fmt.Sprintf("unexpected status %d", resp.StatusCode),
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return incident.Extraction{}, &incident.ExtractionError{Reason: "read response", Err: err}
	}

	var parsed extractResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return incident.Extraction{}, &incident.ExtractionError{Reason: "unparseable response", Err: err}
	}
	if !parsed.Success {
		reason := parsed.Error
		if reason == "" {
			reason = "service reported failure without detail"
		}
		return incident.Extraction{}, &incident.ExtractionError{Reason: reason}
	}
	if parsed.Event == nil {
		return incident.Extraction{}, &incident.ExtractionError{Reason: "response carries no event"}
	}

	// Keep the raw response for forward compatibility with schema changes.
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		payload = nil
	}

	return incident.Extraction{
		Fields:  *parsed.Event,
		Payload: payload,
		Model:   parsed.Model,
	}, nil
}
