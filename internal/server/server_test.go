package server

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/krishnakanthb13/AntigravityManager/internal/account"
	"github.com/krishnakanthb13/AntigravityManager/internal/config"
	"github.com/krishnakanthb13/AntigravityManager/internal/credential"
	"github.com/krishnakanthb13/AntigravityManager/internal/model"
	"github.com/krishnakanthb13/AntigravityManager/internal/provider"
	"github.com/krishnakanthb13/AntigravityManager/internal/quota"
	"github.com/krishnakanthb13/AntigravityManager/internal/signature"
	"github.com/krishnakanthb13/AntigravityManager/internal/transform"
	"github.com/krishnakanthb13/AntigravityManager/internal/upstream"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type memKey struct {
	name string
	key  []byte
}

func (m memKey) Name() string         { return m.name }
func (m memKey) Key() ([]byte, error) { return m.key, nil }

func signIDToken(t *testing.T, email, name string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"email":   email,
		"name":    name,
		"picture": "https://example.com/avatar.png",
	})
	signed, err := tok.SignedString([]byte("test-signing-key"))
	require.NoError(t, err)
	return signed
}

// fakeAuth mints tokens per authorization code so each code maps to a
// distinct account identity.
type fakeAuth struct {
	mu       sync.Mutex
	idTokens map[string]string // code -> signed id_token
}

func (f *fakeAuth) Exchange(_ context.Context, code, _ string) (*oauth2.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tok := &oauth2.Token{
		AccessToken:  "access-" + code,
		RefreshToken: "refresh-" + code,
		Expiry:       time.Now().Add(time.Hour),
	}
	return tok.WithExtra(map[string]any{"id_token": f.idTokens[code]}), nil
}

func (f *fakeAuth) Refresh(_ context.Context, refreshToken string) (*oauth2.Token, error) {
	return &oauth2.Token{
		AccessToken: "refreshed-" + refreshToken,
		Expiry:      time.Now().Add(time.Hour),
	}, nil
}

type fixture struct {
	t        *testing.T
	handler  http.Handler
	pool     *account.Pool
	settings *config.SettingsStore
	broker   *Broker
	auth     *fakeAuth

	// upstreamFn is swapped per test to shape upstream behavior.
	upstreamFn atomic.Value // http.HandlerFunc
}

func newFixture(t *testing.T, opts ...func(*ServerConfig)) *fixture {
	t.Helper()
	fx := &fixture{t: t}
	fx.upstreamFn.Store(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": {"message": "no upstream behavior configured"}}`, http.StatusBadRequest)
	}))

	dataDir := t.TempDir()
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	creds := credential.NewStoreWithSources(memKey{name: "primary", key: key})
	settings, err := config.NewSettingsStore(dataDir)
	require.NoError(t, err)

	fx.auth = &fakeAuth{idTokens: map[string]string{}}
	fx.broker = NewBroker(testLogger())
	fx.settings = settings

	pool, err := account.NewPool(dataDir, creds, settings, fx.auth, fx.broker.Publish, testLogger())
	require.NoError(t, err)
	fx.pool = pool

	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fx.upstreamFn.Load().(http.HandlerFunc)(w, r)
	}))
	t.Cleanup(up.Close)

	s := settings.Get()
	s.InternalBaseURLs = []string{up.URL}
	require.NoError(t, settings.Put(s))

	dispatcher := upstream.NewDispatcher(config.Config{}, settings, testLogger())
	transformer := transform.New(signature.New(0))
	poller := quota.NewPoller(pool, pool, dispatcher, time.Minute, fx.broker.Publish, testLogger())

	cfg := ServerConfig{
		Pool:                pool,
		Transformer:         transformer,
		Dispatcher:          dispatcher,
		Settings:            settings,
		Poller:              poller,
		Broker:              fx.broker,
		Logger:              testLogger(),
		Version:             "test",
		MaxRequestBodyBytes: 1 << 20,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	srv := New(cfg)
	fx.handler = srv.Handler()
	return fx
}

func (fx *fixture) addAccount(code, email string) model.Account {
	fx.t.Helper()
	fx.auth.mu.Lock()
	fx.auth.idTokens[code] = signIDToken(fx.t, email, "Test User")
	fx.auth.mu.Unlock()
	acct, err := fx.pool.Add(context.Background(), code, "http://127.0.0.1/cb", false)
	require.NoError(fx.t, err)
	return acct
}

func (fx *fixture) do(method, path string, body any) *httptest.ResponseRecorder {
	fx.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(fx.t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	fx.handler.ServeHTTP(rec, req)
	return rec
}

type envelope struct {
	Data json.RawMessage    `json:"data"`
	Meta model.ResponseMeta `json:"meta"`
}

type errEnvelope struct {
	Error model.ErrorDetail  `json:"error"`
	Meta  model.ResponseMeta `json:"meta"`
}

func decodeData(t *testing.T, rec *httptest.ResponseRecorder, target any) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	if target != nil {
		require.NoError(t, json.Unmarshal(env.Data, target))
	}
	return env
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errEnvelope {
	t.Helper()
	var env errEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return env
}

func TestHealthWithoutAccounts(t *testing.T) {
	fx := newFixture(t)

	rec := fx.do(http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp healthResponse
	env := decodeData(t, rec, &resp)
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "test", resp.Version)
	assert.Equal(t, 0, resp.Accounts)
	assert.NotEmpty(t, env.Meta.RequestID)
}

func TestOpenAPISpecServed(t *testing.T) {
	spec := []byte("openapi: 3.1.0\n")
	fx := newFixture(t, func(cfg *ServerConfig) { cfg.OpenAPISpec = spec })

	rec := fx.do(http.MethodGet, "/openapi.yaml", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/yaml", rec.Header().Get("Content-Type"))
	assert.Equal(t, spec, rec.Body.Bytes())
}

func TestOpenAPISpecMissing(t *testing.T) {
	fx := newFixture(t)

	rec := fx.do(http.MethodGet, "/openapi.yaml", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, model.ErrCodeNotFound, decodeError(t, rec).Error.Code)
}

func TestRequestIDAssigned(t *testing.T) {
	fx := newFixture(t)

	rec := fx.do(http.MethodGet, "/health", nil)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "caller-supplied")
	rec = httptest.NewRecorder()
	fx.handler.ServeHTTP(rec, req)
	assert.Equal(t, "caller-supplied", rec.Header().Get("X-Request-ID"))
}

func TestAccountLifecycle(t *testing.T) {
	fx := newFixture(t)

	rec := fx.do(http.MethodPost, "/v1/accounts", map[string]any{
		"code":         "one",
		"redirect_uri": "http://127.0.0.1/cb",
	})
	// No id_token registered for the code yet: the exchange yields an
	// unusable token and must be rejected.
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	fx.auth.mu.Lock()
	fx.auth.idTokens["one"] = signIDToken(t, "one@example.com", "Account One")
	fx.auth.mu.Unlock()

	rec = fx.do(http.MethodPost, "/v1/accounts", map[string]any{
		"code":         "one",
		"redirect_uri": "http://127.0.0.1/cb",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created accountItem
	decodeData(t, rec, &created)
	assert.Equal(t, "one@example.com", created.Email)
	assert.True(t, created.IsActive)

	rec = fx.do(http.MethodGet, "/v1/accounts", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var items []accountItem
	decodeData(t, rec, &items)
	require.Len(t, items, 1)
	assert.Equal(t, created.ID, items[0].ID)

	rec = fx.do(http.MethodDelete, "/v1/accounts/"+created.ID.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = fx.do(http.MethodGet, "/v1/accounts", nil)
	decodeData(t, rec, &items)
	assert.Empty(t, items)
}

func TestSwitchUnknownAccountIsNotFound(t *testing.T) {
	fx := newFixture(t)

	rec := fx.do(http.MethodPost, "/v1/accounts/"+uuid.NewString()+"/switch", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, model.ErrCodeNotFound, decodeError(t, rec).Error.Code)
}

func TestSwitchAccount(t *testing.T) {
	fx := newFixture(t)
	fx.addAccount("one", "one@example.com")
	second := fx.addAccount("two", "two@example.com")

	rec := fx.do(http.MethodPost, "/v1/accounts/"+second.ID.String()+"/switch", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var switched accountItem
	decodeData(t, rec, &switched)
	assert.True(t, switched.IsActive)

	active, ok := fx.pool.Active()
	require.True(t, ok)
	assert.Equal(t, second.ID, active.ID)
}

func TestSettingsRoundTrip(t *testing.T) {
	fx := newFixture(t)

	rec := fx.do(http.MethodGet, "/v1/settings", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var s config.Settings
	decodeData(t, rec, &s)
	assert.False(t, s.AutoSwitchEnabled)

	s.AutoSwitchEnabled = true
	s.AutoSwitchThreshold = 30
	rec = fx.do(http.MethodPut, "/v1/settings", s)
	require.Equal(t, http.StatusOK, rec.Code)

	var updated config.Settings
	decodeData(t, rec, &updated)
	assert.True(t, updated.AutoSwitchEnabled)
	assert.Equal(t, 30.0, updated.AutoSwitchThreshold)
	assert.True(t, fx.settings.Get().AutoSwitchEnabled)
}

func TestPutSettingsRejectsUnknownFields(t *testing.T) {
	fx := newFixture(t)

	rec := fx.do(http.MethodPut, "/v1/settings", map[string]any{"no_such_field": true})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, model.ErrCodeInvalidRequest, decodeError(t, rec).Error.Code)
}

func TestRefreshAccountPollsQuota(t *testing.T) {
	fx := newFixture(t)
	acct := fx.addAccount("one", "one@example.com")

	fx.upstreamFn.Store(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1internal:fetchAvailableModels", r.URL.Path)
		w.Write([]byte(`{"models": [{"model": "gemini-3-pro-preview", "percentage": 75}]}`))
	}))

	rec := fx.do(http.MethodPost, "/v1/accounts/"+acct.ID.String()+"/refresh", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var item accountItem
	decodeData(t, rec, &item)
	require.Contains(t, item.Quota, "gemini-3-pro-preview")
	assert.Equal(t, 75.0, item.Quota["gemini-3-pro-preview"].Percentage)
	assert.Equal(t, 75.0, item.Stats.OverallPercentage)
}

func TestGlobalStats(t *testing.T) {
	fx := newFixture(t)
	first := fx.addAccount("one", "one@example.com")
	second := fx.addAccount("two", "two@example.com")

	_, _, err := fx.pool.ApplyQuota(first.ID, model.Quota{
		"gemini-3-pro-preview": {Percentage: 90},
		"gemini-2.0-flash":     {Percentage: 90},
	})
	require.NoError(t, err)
	_, _, err = fx.pool.ApplyQuota(second.ID, model.Quota{
		"gemini-3-pro-preview": {Percentage: 30},
	})
	require.NoError(t, err)

	rec := fx.do(http.MethodGet, "/v1/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var stats provider.GlobalStats
	decodeData(t, rec, &stats)
	assert.Equal(t, 2, stats.Accounts)
	assert.Equal(t, 70.0, stats.OverallPercentage)
}

func TestStatusWriterForwardsFlush(t *testing.T) {
	rec := httptest.NewRecorder()

	// The logging and tracing middlewares stack two wrappers; the Flusher
	// must survive both layers or SSE handlers refuse to stream.
	var w http.ResponseWriter = &statusWriter{
		ResponseWriter: &statusWriter{ResponseWriter: rec, statusCode: http.StatusOK},
		statusCode:     http.StatusOK,
	}

	f, ok := w.(http.Flusher)
	require.True(t, ok)
	f.Flush()
	assert.True(t, rec.Flushed)
}

func TestEventsStreamDeliversBrokerEvents(t *testing.T) {
	fx := newFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/v1/events", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		fx.handler.ServeHTTP(rec, req)
		close(done)
	}()

	// Give the handler time to subscribe before publishing.
	time.Sleep(50 * time.Millisecond)
	fx.broker.Publish(model.Event{Type: model.EventNoCapacity, At: time.Now().UTC()})
	time.Sleep(50 * time.Millisecond)

	cancel()
	<-done

	body := rec.Body.String()
	assert.Contains(t, body, "event: no_capacity")
	assert.Contains(t, body, `"type":"no_capacity"`)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
}

func TestBrokerDropsSlowSubscribers(t *testing.T) {
	b := NewBroker(testLogger())
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	// Overrun the buffer; the broker must not block.
	for i := 0; i < 200; i++ {
		b.Publish(model.Event{Type: model.EventQuotaUpdated, At: time.Now().UTC()})
	}
	assert.Equal(t, 64, len(ch))
}
