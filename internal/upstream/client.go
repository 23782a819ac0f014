// Package upstream implements UpstreamClient and StreamForwarder: a
// per-request ephemeral HTTP client to a provider, and the verbatim
// server-sent-event relay used for streaming responses.
//
// Both are intentionally "hollow": the request body arrives as opaque bytes
// and leaves as opaque bytes. The only JSON this package ever parses is a
// best-effort peek for a usage object, for accounting purposes — it never
// decodes into, or re-encodes from, a typed request/response struct.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ProviderError is returned when the upstream responds with a non-2xx
// status. It carries enough of the body to build the taxonomy-mapped error
// the pipeline surfaces, never credential material.
type ProviderError struct {
	StatusCode int
	Body       []byte
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("upstream: status %d", e.StatusCode)
}

// Client is constructed per request, bound to one ephemeral credential. It
// must not be reused across requests and holds no state beyond one call.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the default *http.Client (used by tests).
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// New builds a Client scoped to one upstream base URL and one API key.
func New(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Send posts body verbatim to {baseURL}/chat/completions with the bound
// credential as a bearer token. The caller is responsible for closing the
// returned response's Body. A non-2xx response is returned as a
// *ProviderError wrapping the status and body rather than as a transport
// error, so retry classification can inspect it.
func (c *Client) Send(ctx context.Context, body []byte, stream bool) (*http.Response, error) {
	url := c.baseURL + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("upstream: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		return nil, &ProviderError{StatusCode: resp.StatusCode, Body: respBody}
	}
	return resp, nil
}

type usagePeek struct {
	Usage struct {
		TotalTokens int64 `json:"total_tokens"`
	} `json:"usage"`
}

// ExtractUsage best-effort parses a buffered JSON response for a top-level
// "usage.total_tokens" field. It returns 0, false when absent or unparsable —
// the caller is expected to fall back to the pre-request estimate. This never
// mutates or re-serializes body; it is a read-only peek alongside the
// byte-for-byte passthrough.
func ExtractUsage(body []byte) (int64, bool) {
	var u usagePeek
	if err := json.Unmarshal(body, &u); err != nil {
		return 0, false
	}
	if u.Usage.TotalTokens <= 0 {
		return 0, false
	}
	return u.Usage.TotalTokens, true
}
