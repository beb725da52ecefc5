package antigravity

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultBaseURL is where antigravityd listens out of the box.
const DefaultBaseURL = "http://127.0.0.1:8045"

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the daemon. Defaults to DefaultBaseURL.
	BaseURL string

	// HTTPClient is an optional custom HTTP client. If nil, a default client
	// with a 30-second timeout is used.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	// Ignored when HTTPClient is set.
	Timeout time.Duration
}

// Client is an HTTP client for the antigravityd management API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a Client from the given configuration.
func NewClient(cfg Config) *Client {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{baseURL: baseURL, client: httpClient}
}

// Accounts lists all pooled accounts with their quota stats.
func (c *Client) Accounts(ctx context.Context) ([]Account, error) {
	var resp []Account
	if err := c.get(ctx, "/v1/accounts", &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// AddAccount exchanges an OAuth authorization code and inserts the account
// into the pool. With replace, an existing account for the same email is
// overwritten instead of rejected.
func (c *Client) AddAccount(ctx context.Context, code, redirectURI string, replace bool) (*Account, error) {
	body := map[string]any{"code": code, "redirect_uri": redirectURI}
	if replace {
		body["replace"] = true
	}
	var resp Account
	if err := c.post(ctx, "/v1/accounts", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SyncLocal imports a raw OAuth credential document already present on this
// machine. The credential must contain a refresh_token.
func (c *Client) SyncLocal(ctx context.Context, credential json.RawMessage, replace bool) (*Account, error) {
	body := map[string]any{"credential": credential}
	if replace {
		body["replace"] = true
	}
	var resp Account
	if err := c.post(ctx, "/v1/accounts/sync-local", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DeleteAccount removes an account from the pool. If it was the active
// account, the daemon promotes another usable one.
func (c *Client) DeleteAccount(ctx context.Context, id uuid.UUID) error {
	return c.doDelete(ctx, "/v1/accounts/"+id.String(), nil)
}

// SwitchAccount makes the given account the active one.
func (c *Client) SwitchAccount(ctx context.Context, id uuid.UUID) (*Account, error) {
	var resp Account
	if err := c.post(ctx, "/v1/accounts/"+id.String()+"/switch", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RefreshAccount forces a quota poll for one account and returns the
// updated view.
func (c *Client) RefreshAccount(ctx context.Context, id uuid.UUID) (*Account, error) {
	var resp Account
	if err := c.post(ctx, "/v1/accounts/"+id.String()+"/refresh", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Stats retrieves the pool-wide quota aggregate.
func (c *Client) Stats(ctx context.Context) (*GlobalStats, error) {
	var resp GlobalStats
	if err := c.get(ctx, "/v1/stats", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Settings retrieves the daemon's settings document.
func (c *Client) Settings(ctx context.Context) (*Settings, error) {
	var resp Settings
	if err := c.get(ctx, "/v1/settings", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// UpdateSettings replaces the settings document and returns the normalized
// settings now in effect.
func (c *Client) UpdateSettings(ctx context.Context, s Settings) (*Settings, error) {
	var resp Settings
	if err := c.put(ctx, "/v1/settings", s, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Health checks the daemon's health status.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var resp Health
	if err := c.get(ctx, "/health", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Events subscribes to the daemon's event stream and invokes fn for each
// event until ctx is canceled or the stream ends. Keepalive comments are
// skipped. The HTTPClient used for Events should not have a Timeout set;
// the stream is long-lived.
func (c *Client) Events(ctx context.Context, fn func(Event)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/events", nil)
	if err != nil {
		return fmt.Errorf("antigravity: create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("antigravity: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return parseErrorResponse(resp.StatusCode, body)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		var event Event
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			continue
		}
		fn(event)
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("antigravity: read event stream: %w", err)
	}
	return ctx.Err()
}

// ---------------------------------------------------------------------------
// HTTP transport
// ---------------------------------------------------------------------------

// apiEnvelope is the daemon's standard response wrapper.
type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

// apiErrorEnvelope is the daemon's standard error response wrapper.
type apiErrorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) post(ctx context.Context, path string, body any, dest any) error {
	return c.send(ctx, http.MethodPost, path, body, dest)
}

func (c *Client) put(ctx context.Context, path string, body any, dest any) error {
	return c.send(ctx, http.MethodPut, path, body, dest)
}

func (c *Client) send(ctx context.Context, method, path string, body any, dest any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("antigravity: marshal request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("antigravity: create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.doRequest(req, dest)
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("antigravity: create request: %w", err)
	}

	return c.doRequest(req, dest)
}

func (c *Client) doDelete(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("antigravity: create request: %w", err)
	}

	return c.doRequest(req, dest)
}

func (c *Client) doRequest(req *http.Request, dest any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("antigravity: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func handleResponse(resp *http.Response, dest any) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("antigravity: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}

	if resp.StatusCode == http.StatusNoContent || dest == nil {
		return nil
	}

	// Unwrap the daemon's { "data": ... } envelope.
	var envelope apiEnvelope
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
		return fmt.Errorf("antigravity: decode response envelope: %w", err)
	}

	if envelope.Data == nil {
		// Fallback: some endpoints may not wrap in "data".
		return json.Unmarshal(bodyBytes, dest)
	}

	return json.Unmarshal(envelope.Data, dest)
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
		// The daemon may suffix a recovery hint onto the code.
		if code, hint, ok := strings.Cut(apiErr.Code, "|"); ok {
			apiErr.Code = code
			apiErr.Hint = hint
		}
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = string(body)
	}

	return apiErr
}
