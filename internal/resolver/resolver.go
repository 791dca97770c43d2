// Package resolver turns opaque feed identifiers into real article URLs.
//
// The provider changed its identifier encoding over time. Legacy identifiers
// embed the URL directly and decode offline; newer-epoch identifiers carry an
// opaque signature and require one call to the provider's batch-execution
// endpoint. Treating both epochs as one linear fallback keeps the common
// offline path fast. Every failure is terminal for the item and surfaces as
// an incident.DecodeError; nothing here retries.
package resolver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jvilhena/vigia/internal/incident"
	"github.com/jvilhena/vigia/internal/metrics"
)

// rpcID identifies the URL-resolution method on the batch-execution endpoint.
const rpcID = "Fbv4je"

var articleIDPattern = regexp.MustCompile(`articles/([^?/]+)`)

// Config controls the online fallback.
type Config struct {
	RPCEndpoint string
	UserAgent   string
	Timeout     time.Duration
}

// Resolver implements incident.Resolver.
type Resolver struct {
	cfg    Config
	http   *http.Client
	logger *zap.Logger
}

// New builds a Resolver.
func New(cfg Config, logger *zap.Logger) *Resolver {
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

// Resolve decodes an opaque identifier (or a full feed article link) into the
// real article URL. The offline path makes no network calls; the online path
// makes exactly one.
func (r *Resolver) Resolve(ctx context.Context, encodedLink string) (string, error) {
	id := articleID(encodedLink)
	if id == "" {
		return "", &incident.DecodeError{Path: "offline", Err: fmt.Errorf("no article identifier in %q", encodedLink)}
	}

	payload, err := decodeEnvelope(id)
	if err != nil {
		metrics.ObserveResolution("offline", "error")
		return "", &incident.DecodeError{Path: "offline", Err: err}
	}

	if strings.HasPrefix(payload, signatureMarker) {
		u, err := r.resolveRPC(ctx, id)
		if err != nil {
			metrics.ObserveResolution("rpc", "error")
			return "", err
		}
		metrics.ObserveResolution("rpc", "ok")
		return u, nil
	}

	if !strings.HasPrefix(payload, "http") {
		metrics.ObserveResolution("offline", "error")
		return "", &incident.DecodeError{Path: "offline", Err: fmt.Errorf("envelope payload is not a URL")}
	}

	metrics.ObserveResolution("offline", "ok")
	return payload, nil
}

// articleID extracts the bare identifier from a feed article link, or returns
// the input unchanged when it already is one.
func articleID(link string) string {
	if m := articleIDPattern.FindStringSubmatch(link); m != nil {
		return m[1]
	}
	if strings.Contains(link, "/") {
		return ""
	}
	return link
}

// resolveRPC issues the single structured request to the batch-execution
// endpoint for a newer-epoch identifier.
func (r *Resolver) resolveRPC(ctx context.Context, id string) (string, error) {
	inner, err := json.Marshal([]any{
		"garturlreq",
		[]any{[]any{"X", "X", []any{"X", "X"}, nil, nil, nil, true}},
		id,
	})
	if err != nil {
		return "", &incident.DecodeError{Path: "rpc", Err: fmt.Errorf("marshal request: %w", err)}
	}
	freq, err := json.Marshal([]any{[]any{[]any{rpcID, string(inner), nil, "generic"}}})
	if err != nil {
		return "", &incident.DecodeError{Path: "rpc", Err: fmt.Errorf("marshal request: %w", err)}
	}

	form := url.Values{"f.req": {string(freq)}}
	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, r.cfg.RPCEndpoint, strings.NewReader(form.Encode()),
	)
	if err != nil {
		return "", &incident.DecodeError{Path: "rpc", Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded;charset=UTF-8")
	if r.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", r.cfg.UserAgent)
	}

	resp, err := r.http.Do(req)
	if err != nil {
		return "", &incident.DecodeError{Path: "rpc", Err: &incident.NetworkError{Op: "batch execute", Err: err}}
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			r.logger.Warn("close rpc response body", zap.Error(cerr))
		}
	}()

	if resp.StatusCode == http.StatusTooManyRequests {
		return "", &incident.DecodeError{
			Path: "rpc",
			Err:  &incident.RateLimitError{Err: fmt.Errorf("batch-execution endpoint throttled")},
		}
	}
	if resp.StatusCode != http.StatusOK {
		return "", &incident.DecodeError{
			Path: "rpc",
			Err:  fmt.Errorf("unexpected status %d", resp.StatusCode),
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", &incident.DecodeError{Path: "rpc", Err: &incident.NetworkError{Op: "read response", Err: err}}
	}

	u, err := parseRPCResponse(body)
	if err != nil {
		return "", &incident.DecodeError{Path: "rpc", Err: err}
	}
	return u, nil
}

// parseRPCResponse digs the resolved URL out of the endpoint's nested array
// response. The body opens with an anti-XSSI garbage line; the frame tagged
// with the rpc method id carries a JSON string whose decoded array holds the
// URL at index 1.
func parseRPCResponse(body []byte) (string, error) {
	start := bytes.IndexByte(body, '[')
	if start < 0 {
		return "", fmt.Errorf("no payload in response")
	}

	var frames []json.RawMessage
	if err := json.Unmarshal(body[start:], &frames); err != nil {
		return "", fmt.Errorf("parse response envelope: %w", err)
	}

	for _, raw := range frames {
		var frame []json.RawMessage
		if err := json.Unmarshal(raw, &frame); err != nil || len(frame) < 3 {
			continue
		}
		var method string
		if err := json.Unmarshal(frame[1], &method); err != nil || method != rpcID {
			continue
		}
		var payload string
		if err := json.Unmarshal(frame[2], &payload); err != nil {
			return "", fmt.Errorf("frame payload is not a string: %w", err)
		}
		var inner []json.RawMessage
		if err := json.Unmarshal([]byte(payload), &inner); err != nil || len(inner) < 2 {
			return "", fmt.Errorf("parse frame payload: %w", err)
		}
		var u string
		if err := json.Unmarshal(inner[1], &u); err != nil {
			return "", fmt.Errorf("payload holds no URL: %w", err)
		}
		if !strings.HasPrefix(u, "http") {
			return "", fmt.Errorf("payload holds no URL")
		}
		return u, nil
	}

	return "", fmt.Errorf("no %s frame in response", rpcID)
}
