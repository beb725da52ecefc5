// Package upstream dispatches authenticated requests to the internal
// generation endpoints, failing over across base URLs and classifying errors
// for the callers above it.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/krishnakanthb13/AntigravityManager/internal/config"
	"github.com/krishnakanthb13/AntigravityManager/internal/model"
	"github.com/krishnakanthb13/AntigravityManager/internal/quota"
)

// Built-in base URLs, tried in order when neither the environment nor
// settings.json overrides them.
var defaultBaseURLs = []string{
	"https://cloudcode-pa.googleapis.com",
	"https://daily-cloudcode-pa.sandbox.googleapis.com",
}

const defaultUserAgent = "antigravity-manager/1.0"

// maxErrorBodyBytes caps how much of an error payload is read while digging
// for a structured message.
const maxErrorBodyBytes = 512 * 1024

const (
	opGenerate = "v1internal:generateContent"
	opStream   = "v1internal:streamGenerateContent?alt=sse"
)

// Error is a classified upstream failure. Status 0 means the request never
// produced an HTTP response.
type Error struct {
	Status   int
	Endpoint string
	Message  string
	Err      error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("upstream %s: status %d: %s", e.Endpoint, e.Status, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("upstream %s: %v", e.Endpoint, e.Err)
	}
	return fmt.Sprintf("upstream %s: status %d", e.Endpoint, e.Status)
}

func (e *Error) Unwrap() error { return e.Err }

// retryable reports whether the next endpoint should be tried.
func (e *Error) retryable() bool {
	if e.Status == 0 {
		return true // network, DNS, timeout
	}
	switch {
	case e.Status == http.StatusRequestTimeout, e.Status == http.StatusTooManyRequests:
		return true
	case e.Status >= 500:
		return true
	default:
		return false
	}
}

// IsRateLimited reports whether err is an upstream 429.
func IsRateLimited(err error) bool {
	var ue *Error
	return errors.As(err, &ue) && ue.Status == http.StatusTooManyRequests
}

// StatusOf returns the HTTP status of an upstream error, or 0.
func StatusOf(err error) int {
	var ue *Error
	if errors.As(err, &ue) {
		return ue.Status
	}
	return 0
}

// Dispatcher issues authenticated POSTs against the internal endpoints.
type Dispatcher struct {
	cfg      config.Config
	settings *config.SettingsStore
	logger   *slog.Logger

	mu       sync.Mutex
	client   *http.Client
	proxyURL string
}

// NewDispatcher creates a Dispatcher reading routing overrides from settings.
func NewDispatcher(cfg config.Config, settings *config.SettingsStore, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{cfg: cfg, settings: settings, logger: logger}
}

// baseURLs resolves the endpoint list: environment first, then settings.json,
// then the built-ins.
func (d *Dispatcher) baseURLs() []string {
	if len(d.cfg.InternalBaseURLs) > 0 {
		return d.cfg.InternalBaseURLs
	}
	if s := d.settings.Get(); len(s.InternalBaseURLs) > 0 {
		return s.InternalBaseURLs
	}
	return defaultBaseURLs
}

func (d *Dispatcher) userAgent() string {
	if d.cfg.RequestUserAgent != "" {
		return d.cfg.RequestUserAgent
	}
	if s := d.settings.Get(); s.RequestUserAgent != "" {
		return s.RequestUserAgent
	}
	return defaultUserAgent
}

// httpClient returns the shared client, rebuilt when the proxy setting
// changed. The transport is OTEL-instrumented.
func (d *Dispatcher) httpClient() (*http.Client, error) {
	s := d.settings.Get()
	proxy := ""
	if s.UpstreamProxy.Enabled && s.UpstreamProxy.URL != "" {
		proxy = s.UpstreamProxy.URL
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.client != nil && d.proxyURL == proxy {
		return d.client, nil
	}

	transport := http.DefaultTransport
	if proxy != "" {
		u, err := url.Parse(proxy)
		if err != nil {
			return nil, fmt.Errorf("upstream: proxy url: %w", err)
		}
		base, ok := http.DefaultTransport.(*http.Transport)
		if !ok {
			base = &http.Transport{}
		}
		t := base.Clone()
		t.Proxy = http.ProxyURL(u)
		transport = t
	}
	d.client = &http.Client{Transport: otelhttp.NewTransport(transport)}
	d.proxyURL = proxy
	return d.client, nil
}

// attemptTimeout is the per-endpoint deadline, from settings.
func (d *Dispatcher) attemptTimeout() time.Duration {
	secs := d.settings.Get().RequestTimeoutSeconds
	if secs < 1 {
		secs = 1
	}
	return time.Duration(secs) * time.Second
}

// Generate performs a buffered generateContent call, unwrapping the
// {response: {...}} envelope when the endpoint double-wraps.
func (d *Dispatcher) Generate(ctx context.Context, token string, greq model.GeminiRequest) (model.GeminiResponse, error) {
	body, err := d.dispatchRaw(ctx, token, opGenerate, greq, false)
	if err != nil {
		return model.GeminiResponse{}, err
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return model.GeminiResponse{}, fmt.Errorf("upstream: read response: %w", err)
	}
	var envelope struct {
		Response json.RawMessage `json:"response"`
	}
	if err := json.Unmarshal(data, &envelope); err == nil && len(envelope.Response) > 0 {
		data = envelope.Response
	}
	var resp model.GeminiResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return model.GeminiResponse{}, fmt.Errorf("upstream: decode response: %w", err)
	}
	return resp, nil
}

// Stream performs a streaming call and hands back the raw SSE body. The
// caller owns closing it. No per-attempt timeout is applied to the body
// itself, only to connection establishment via the request context.
func (d *Dispatcher) Stream(ctx context.Context, token string, greq model.GeminiRequest) (io.ReadCloser, error) {
	return d.dispatchRaw(ctx, token, opStream, greq, true)
}

// FetchQuota retrieves the per-model quota snapshot for an account. It
// implements the poller's Fetcher.
func (d *Dispatcher) FetchQuota(ctx context.Context, token string, acct model.Account) (model.Quota, error) {
	payload := struct {
		Project string `json:"project,omitempty"`
	}{Project: acct.ProjectID}

	body, err := d.dispatchRaw(ctx, token, quota.FetchPath, payload, false)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	data, err := io.ReadAll(io.LimitReader(body, maxErrorBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("upstream: read quota response: %w", err)
	}
	return quota.ParseModels(data)
}

// dispatchRaw walks the endpoint list, applying the failover rule: network
// errors and 408/429/5xx advance to the next base, 401/403 and anything else
// stop immediately.
func (d *Dispatcher) dispatchRaw(ctx context.Context, token, op string, payload any, streaming bool) (io.ReadCloser, error) {
	client, err := d.httpClient()
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("upstream: marshal request: %w", err)
	}

	var lastErr *Error
	for _, base := range d.baseURLs() {
		endpoint := base + "/" + op
		rc, attemptErr := d.attempt(ctx, client, endpoint, token, body, streaming)
		if attemptErr == nil {
			return rc, nil
		}
		lastErr = attemptErr
		if !attemptErr.retryable() {
			d.logger.Warn("upstream attempt terminal", "endpoint", endpoint, "status", attemptErr.Status, "error", attemptErr.Message)
			break
		}
		d.logger.Warn("upstream attempt failed, trying next endpoint", "endpoint", endpoint, "status", attemptErr.Status)
	}
	return nil, lastErr
}

func (d *Dispatcher) attempt(ctx context.Context, client *http.Client, endpoint, token string, body []byte, streaming bool) (io.ReadCloser, *Error) {
	attemptCtx := ctx
	var cancel context.CancelFunc
	if !streaming {
		attemptCtx, cancel = context.WithTimeout(ctx, d.attemptTimeout())
		defer cancel()
	}

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Endpoint: endpoint, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", d.userAgent())
	if streaming {
		req.Header.Set("Accept", "text/event-stream")
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, &Error{Endpoint: endpoint, Err: err}
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if streaming {
			return resp.Body, nil
		}
		// The attempt deadline is cancelled on return, so the body must be
		// drained here, not by the caller.
		data, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return nil, &Error{Endpoint: endpoint, Err: readErr}
		}
		return io.NopCloser(bytes.NewReader(data)), nil
	}

	errBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	resp.Body.Close()
	return nil, &Error{
		Status:   resp.StatusCode,
		Endpoint: endpoint,
		Message:  ExtractMessage(errBody),
	}
}

// ExtractMessage digs a human-readable message out of an upstream error
// payload: .error.message, then .message, then the same lookup applied to
// each SSE data frame. Empty when nothing structured was found.
func ExtractMessage(payload []byte) string {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return ""
	}
	if msg := objectMessage(trimmed); msg != "" {
		return msg
	}
	for _, line := range strings.Split(string(trimmed), "\n") {
		line = strings.TrimRight(line, "\r")
		frame, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		if msg := objectMessage([]byte(strings.TrimSpace(frame))); msg != "" {
			return msg
		}
	}
	return ""
}

func objectMessage(data []byte) string {
	var outer struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &outer); err != nil {
		return ""
	}
	if outer.Error.Message != "" {
		return outer.Error.Message
	}
	return outer.Message
}

// Coded maps an upstream error to the boundary error surface.
func Coded(err error) *model.CodedError {
	var ue *Error
	if !errors.As(err, &ue) {
		return model.NewCodedError(model.ErrCodeUpstreamUnavailable, "", "upstream request failed", err)
	}
	msg := ue.Message
	if msg == "" {
		msg = ue.Error()
	}
	switch {
	case ue.Status == http.StatusUnauthorized || ue.Status == http.StatusForbidden:
		return model.NewCodedError(model.ErrCodeAuthRejected, model.HintRelogin, msg, err)
	case ue.Status == http.StatusTooManyRequests:
		return model.NewCodedError(model.ErrCodeRateLimited, "", msg, err)
	case ue.Status == http.StatusBadRequest:
		return model.NewCodedError(model.ErrCodeInvalidRequest, "", msg, err)
	default:
		return model.NewCodedError(model.ErrCodeUpstreamUnavailable, "", msg, err)
	}
}
