package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/krishnakanthb13/AntigravityManager/internal/account"
	"github.com/krishnakanthb13/AntigravityManager/internal/config"
	"github.com/krishnakanthb13/AntigravityManager/internal/model"
	"github.com/krishnakanthb13/AntigravityManager/internal/provider"
	"github.com/krishnakanthb13/AntigravityManager/internal/quota"
	"github.com/krishnakanthb13/AntigravityManager/internal/ratelimit"
	"github.com/krishnakanthb13/AntigravityManager/internal/transform"
	"github.com/krishnakanthb13/AntigravityManager/internal/upstream"
)

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	pool        *account.Pool
	transformer *transform.Transformer
	dispatcher  *upstream.Dispatcher
	poller      *quota.Poller
	settings    *config.SettingsStore
	broker      *Broker
	limiter     ratelimit.Limiter
	logger      *slog.Logger
	version     string
	maxBody     int64
	openAPISpec []byte
}

// HandlersDeps holds the dependencies for NewHandlers.
type HandlersDeps struct {
	Pool                *account.Pool
	Transformer         *transform.Transformer
	Dispatcher          *upstream.Dispatcher
	Poller              *quota.Poller
	Settings            *config.SettingsStore
	Broker              *Broker
	Limiter             ratelimit.Limiter
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
	OpenAPISpec         []byte
}

// NewHandlers creates the handler set.
func NewHandlers(deps HandlersDeps) *Handlers {
	maxBody := deps.MaxRequestBodyBytes
	if maxBody <= 0 {
		maxBody = 32 * 1024 * 1024
	}
	return &Handlers{
		pool:        deps.Pool,
		transformer: deps.Transformer,
		dispatcher:  deps.Dispatcher,
		poller:      deps.Poller,
		settings:    deps.Settings,
		broker:      deps.Broker,
		limiter:     deps.Limiter,
		logger:      deps.Logger,
		version:     deps.Version,
		maxBody:     maxBody,
		openAPISpec: deps.OpenAPISpec,
	}
}

// accountItem is one account in the management API, with read-time stats.
type accountItem struct {
	model.AccountView
	Stats provider.AccountStats `json:"stats"`
}

func (h *Handlers) accountItem(a model.Account) accountItem {
	return accountItem{AccountView: a.View(), Stats: h.pool.Stats(a)}
}

// HandleListAccounts handles GET /v1/accounts.
func (h *Handlers) HandleListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts := h.pool.List()
	items := make([]accountItem, 0, len(accounts))
	for _, a := range accounts {
		items = append(items, h.accountItem(a))
	}
	writeJSON(w, r, http.StatusOK, items)
}

// HandleAddAccount handles POST /v1/accounts: it exchanges an OAuth
// authorization code for tokens and inserts the account into the pool.
func (h *Handlers) HandleAddAccount(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code        string `json:"code"`
		RedirectURI string `json:"redirect_uri"`
		Replace     bool   `json:"replace,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Code == "" || req.RedirectURI == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidRequest, "code and redirect_uri are required")
		return
	}

	acct, err := h.pool.Add(r.Context(), req.Code, req.RedirectURI, req.Replace)
	if err != nil {
		writeCodedError(w, r, err)
		return
	}
	h.pollSoon(acct.ID)
	writeJSON(w, r, http.StatusCreated, h.accountItem(acct))
}

// HandleSyncLocal handles POST /v1/accounts/sync-local: it imports a
// credential bundle already present on this machine.
func (h *Handlers) HandleSyncLocal(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Credential json.RawMessage `json:"credential"`
		Replace    bool            `json:"replace,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidRequest, "invalid request body: "+err.Error())
		return
	}
	if len(req.Credential) == 0 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidRequest, "credential is required")
		return
	}

	acct, err := h.pool.SyncLocal(r.Context(), req.Credential, req.Replace)
	if err != nil {
		writeCodedError(w, r, err)
		return
	}
	h.pollSoon(acct.ID)
	writeJSON(w, r, http.StatusCreated, h.accountItem(acct))
}

// pollSoon fetches a fresh quota snapshot for a new account in the
// background, so the UI does not wait a full poll cycle.
func (h *Handlers) pollSoon(id uuid.UUID) {
	if h.poller == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := h.poller.PollAccount(ctx, id); err != nil {
			h.logger.Warn("initial quota poll failed", "account_id", id, "error", err)
		}
	}()
}

func accountID(r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	return id, err == nil
}

// HandleDeleteAccount handles DELETE /v1/accounts/{id}.
func (h *Handlers) HandleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	id, ok := accountID(r)
	if !ok {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidRequest, "invalid account id")
		return
	}
	if err := h.pool.Delete(id); err != nil {
		writeCodedError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"deleted": id})
}

// HandleSwitchAccount handles POST /v1/accounts/{id}/switch.
func (h *Handlers) HandleSwitchAccount(w http.ResponseWriter, r *http.Request) {
	id, ok := accountID(r)
	if !ok {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidRequest, "invalid account id")
		return
	}
	acct, err := h.pool.SwitchTo(id)
	if err != nil {
		writeCodedError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, h.accountItem(acct))
}

// HandleRefreshAccount handles POST /v1/accounts/{id}/refresh: it forces a
// quota poll for one account and returns the updated view.
func (h *Handlers) HandleRefreshAccount(w http.ResponseWriter, r *http.Request) {
	id, ok := accountID(r)
	if !ok {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidRequest, "invalid account id")
		return
	}
	if h.poller == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternal, "quota poller not running")
		return
	}
	if err := h.poller.PollAccount(r.Context(), id); err != nil {
		writeCodedError(w, r, err)
		return
	}
	acct, err := h.pool.Get(id)
	if err != nil {
		writeCodedError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, h.accountItem(acct))
}

// HandleStats handles GET /v1/stats: the pool-wide quota aggregate.
func (h *Handlers) HandleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.pool.GlobalStats())
}

// HandleGetSettings handles GET /v1/settings.
func (h *Handlers) HandleGetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.settings.Get())
}

// HandlePutSettings handles PUT /v1/settings. The whole document is replaced;
// partial updates are a client concern.
func (h *Handlers) HandlePutSettings(w http.ResponseWriter, r *http.Request) {
	var s config.Settings
	if err := decodeJSON(r, &s); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidRequest, "invalid settings document: "+err.Error())
		return
	}
	if err := h.settings.Put(s); err != nil {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, err.Error())
		return
	}
	writeJSON(w, r, http.StatusOK, h.settings.Get())
}

// HandleEvents handles GET /v1/events (SSE).
func (h *Handlers) HandleEvents(w http.ResponseWriter, r *http.Request) {
	if h.broker == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternal, "event stream not available")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Disable the server's WriteTimeout for this long-lived connection.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	ch := h.broker.Subscribe()
	defer h.broker.Unsubscribe(ch)

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case event, ok := <-ch:
			if !ok {
				return
			}
			if _, err := w.Write(event); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// healthResponse is the GET /health body.
type healthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	Accounts      int    `json:"accounts"`
	ActiveAccount string `json:"active_account,omitempty"`
}

// HandleHealth handles GET /health. The daemon is usable as long as it is
// up; account trouble shows as "degraded", not as an unhealthy process.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	accounts := h.pool.List()
	resp := healthResponse{
		Status:   "healthy",
		Version:  h.version,
		Accounts: len(accounts),
	}
	if active, ok := h.pool.Active(); ok {
		resp.ActiveAccount = active.Email
	} else if len(accounts) > 0 {
		resp.Status = "degraded"
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// HandleOpenAPISpec handles GET /openapi.yaml.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openAPISpec) == 0 {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "openapi spec not embedded in this build")
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openAPISpec)
}
