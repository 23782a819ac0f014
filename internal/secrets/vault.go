// Package secrets implements SecretProvider: a thin adapter over an external
// secret store that hands back short-lived, request-scoped credentials.
//
// No client library for the target secret store (HashiCorp Vault's AppRole
// auth method) ships in this project's dependency set — none was available
// to ground on — so this talks to Vault's well-known HTTP API directly with
// net/http, the same way a raw upstream provider client would.
package secrets

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Credential is an ephemeral, request-scoped provider API key. It must never
// outlive the pipeline frame that fetched it: Release drops the Credential's
// reference to the key material so APIKey no longer returns it. Go strings
// are immutable, so the original string bytes are not zeroed in memory.
type Credential struct {
	apiKey    string
	fetchedAt time.Time
	released  bool
}

// NewCredential builds a Credential directly from key material. Exposed for
// callers (tests, or a SecretGetter implementation talking to a different
// store) that need to construct one outside of Provider.Get.
func NewCredential(apiKey string) *Credential {
	return &Credential{apiKey: apiKey, fetchedAt: time.Now()}
}

// APIKey returns the credential's key material. Calling this after Release
// returns an empty string.
func (c *Credential) APIKey() string { return c.apiKey }

// FetchedAt reports when the credential was retrieved from the secret store.
func (c *Credential) FetchedAt() time.Time { return c.fetchedAt }

// Release clears the credential's reference to its key material. It is safe to call more
// than once. Callers must invoke this on every exit path of the request that
// acquired the credential.
func (c *Credential) Release() {
	if c.released {
		return
	}
	c.apiKey = strings.Repeat("\x00", len(c.apiKey))
	c.apiKey = ""
	c.released = true
}

// Provider is a process-wide client authenticated once at startup via an
// AppRole identity. Per-request calls to Get reuse that authentication but
// never cache the returned credential — caching credentials is the secret
// store's own concern, not the core's.
type Provider struct {
	addr   string
	client *http.Client

	mu    sync.RWMutex
	token string
}

// Option configures a Provider.
type Option func(*Provider)

// WithHTTPClient overrides the default HTTP client (used by tests to point
// at an in-memory listener).
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

// New creates a Provider bound to a Vault-compatible address. It does not
// authenticate; call Login before the first Get.
func New(addr string, opts ...Option) *Provider {
	p := &Provider{
		addr:   strings.TrimRight(addr, "/"),
		client: &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

type loginRequest struct {
	RoleID   string `json:"role_id"`
	SecretID string `json:"secret_id"`
}

type loginResponse struct {
	Auth *struct {
		ClientToken string `json:"client_token"`
	} `json:"auth"`
	Errors []string `json:"errors"`
}

// Login authenticates to Vault's AppRole auth method once at process
// startup. The resulting client token is held for the lifetime of the
// process and is never returned to callers of Get.
func (p *Provider) Login(ctx context.Context, roleID, secretID string) error {
	body, err := json.Marshal(loginRequest{RoleID: roleID, SecretID: secretID})
	if err != nil {
		return fmt.Errorf("secrets: marshal login request: %w", err)
	}

	url := p.addr + "/v1/auth/approle/login"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("secrets: build login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("secrets: login request: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("secrets: login failed with status %d", resp.StatusCode)
	}

	var lr loginResponse
	if err := json.Unmarshal(respBody, &lr); err != nil {
		return fmt.Errorf("secrets: decode login response: %w", err)
	}
	if len(lr.Errors) > 0 {
		return fmt.Errorf("secrets: login errors: %s", strings.Join(lr.Errors, "; "))
	}
	if lr.Auth == nil || lr.Auth.ClientToken == "" {
		return fmt.Errorf("secrets: login response missing client token")
	}

	p.mu.Lock()
	p.token = lr.Auth.ClientToken
	p.mu.Unlock()
	return nil
}

type kvV2Response struct {
	Data struct {
		Data map[string]string `json:"data"`
	} `json:"data"`
	Errors []string `json:"errors"`
}

// Get fetches the secret at path and returns a scoped Credential built from
// its "api_key" field. The caller owns the returned Credential's lifetime and
// must call Release on it.
func (p *Provider) Get(ctx context.Context, path string) (*Credential, error) {
	p.mu.RLock()
	token := p.token
	p.mu.RUnlock()
	if token == "" {
		return nil, fmt.Errorf("secrets: provider not authenticated")
	}

	url := fmt.Sprintf("%s/v1/secret/data/%s", p.addr, strings.TrimPrefix(path, "/"))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("secrets: build request: %w", err)
	}
	req.Header.Set("X-Vault-Token", token)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("secrets: request: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("secrets: unexpected status %d for path %q", resp.StatusCode, path)
	}

	var kv kvV2Response
	if err := json.Unmarshal(body, &kv); err != nil {
		return nil, fmt.Errorf("secrets: decode response: %w", err)
	}
	if len(kv.Errors) > 0 {
		return nil, fmt.Errorf("secrets: errors: %s", strings.Join(kv.Errors, "; "))
	}
	apiKey, ok := kv.Data.Data["api_key"]
	if !ok || apiKey == "" {
		return nil, fmt.Errorf("secrets: path %q has no api_key field", path)
	}

	return &Credential{apiKey: apiKey, fetchedAt: time.Now()}, nil
}
