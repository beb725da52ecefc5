package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/krishnakanthb13/AntigravityManager/internal/model"
	"github.com/krishnakanthb13/AntigravityManager/internal/quota"
	"github.com/krishnakanthb13/AntigravityManager/internal/ratelimit"
	"github.com/krishnakanthb13/AntigravityManager/internal/transform"
	"github.com/krishnakanthb13/AntigravityManager/internal/upstream"
)

// claudeErrorBody is the dialect-A error shape returned on /v1/messages.
// Chat clients expect this form, not the management API envelope.
type claudeErrorBody struct {
	Type  string            `json:"type"`
	Error claudeErrorDetail `json:"error"`
}

type claudeErrorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func writeClaudeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(claudeErrorBody{
		Type:  "error",
		Error: claudeErrorDetail{Type: claudeErrorType(status), Message: message},
	})
}

func claudeErrorType(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "invalid_request_error"
	case http.StatusUnauthorized, http.StatusForbidden:
		return "authentication_error"
	case http.StatusNotFound:
		return "not_found_error"
	case http.StatusTooManyRequests:
		return "rate_limit_error"
	case http.StatusServiceUnavailable:
		return "overloaded_error"
	default:
		return "api_error"
	}
}

// writeUpstreamError renders a dispatch failure in dialect-A form. Rate limit
// errors advertise the account's earliest known quota reset as Retry-After so
// clients back off instead of hammering a depleted pool.
func writeUpstreamError(w http.ResponseWriter, acct model.Account, err error) {
	coded := upstream.Coded(err)
	if coded.Code == model.ErrCodeRateLimited {
		if reset := quota.EarliestReset(acct.Quota); reset != nil {
			if secs := int(time.Until(*reset).Seconds()); secs > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(secs))
			}
		}
	}
	writeCodedClaudeError(w, coded)
}

// writeCodedClaudeError renders a CodedError in dialect-A form. The wire code
// is prefixed to the message so clients can still resolve it.
func writeCodedClaudeError(w http.ResponseWriter, err error) {
	var coded *model.CodedError
	if !errors.As(err, &coded) {
		writeClaudeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	msg := coded.Message
	if msg == "" && coded.Err != nil {
		msg = coded.Err.Error()
	}
	writeClaudeError(w, statusForCode(coded.Code), coded.Wire()+": "+msg)
}

// HandleMessages handles POST /v1/messages.
func (h *Handlers) HandleMessages(w http.ResponseWriter, r *http.Request) {
	if h.limiter != nil {
		// Limiter errors fail open; blocking all traffic is worse than
		// briefly not limiting it.
		if ok, err := h.limiter.Allow(r.Context(), ratelimit.ClientKey(r)); err == nil && !ok {
			writeClaudeError(w, http.StatusTooManyRequests, "local rate limit exceeded")
			return
		}
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)

	// Lenient decode: clients send fields this proxy does not model.
	var req model.ClaudeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeClaudeError(w, http.StatusBadRequest, "malformed request body: "+err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		writeClaudeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if req.Stream {
		h.streamMessages(w, r, req)
		return
	}
	h.bufferedMessages(w, r, req)
}

// messageAttempt is one fully prepared upstream attempt: the account it is
// billed to, its bearer token, and the rewritten request.
type messageAttempt struct {
	acct  model.Account
	token string
	res   transform.Result
}

func (h *Handlers) prepare(r *http.Request, req model.ClaudeRequest) (messageAttempt, error) {
	acct, ok := h.pool.Active()
	if !ok {
		return messageAttempt{}, model.NewCodedError(model.ErrCodeNoAccount, "", "no usable account in the pool", nil)
	}
	token, err := h.pool.AccessToken(r.Context(), acct.ID)
	if err != nil {
		return messageAttempt{}, err
	}
	res, err := h.transformer.Rewrite(req, acct.ProjectID)
	if err != nil {
		return messageAttempt{}, model.NewCodedError(model.ErrCodeInvalidRequest, "", err.Error(), err)
	}
	if res.ThinkingDropped {
		h.logger.Debug("thinking disabled for tool request without stored signature",
			"model", res.ResolvedModel, "request_id", RequestIDFromContext(r.Context()))
	}
	return messageAttempt{acct: acct, token: token, res: res}, nil
}

// failoverToFreshAccount records an upstream failure on the account and
// reports whether a different account took over, making one more attempt
// worthwhile. Switching itself is the pool's decision (auto-switch setting).
func (h *Handlers) failoverToFreshAccount(acct model.Account, err error) bool {
	switch upstream.Coded(err).Code {
	case model.ErrCodeRateLimited:
		h.pool.MarkRateLimited(acct.ID)
	case model.ErrCodeAuthRejected:
		h.pool.MarkError(acct.ID)
	default:
		return false
	}
	next, ok := h.pool.Active()
	return ok && next.ID != acct.ID
}

func (h *Handlers) bufferedMessages(w http.ResponseWriter, r *http.Request, req model.ClaudeRequest) {
	for retried := false; ; retried = true {
		at, err := h.prepare(r, req)
		if err != nil {
			writeCodedClaudeError(w, err)
			return
		}

		resp, err := h.dispatcher.Generate(r.Context(), at.token, at.res.Request)
		if err != nil {
			if !retried && h.failoverToFreshAccount(at.acct, err) {
				continue
			}
			writeUpstreamError(w, at.acct, err)
			return
		}

		h.pool.Touch(at.acct.ID)
		out := h.transformer.TranslateResponse(resp, at.res.ResolvedModel, at.res.Fingerprint)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
		return
	}
}

func (h *Handlers) streamMessages(w http.ResponseWriter, r *http.Request, req model.ClaudeRequest) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeClaudeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	for retried := false; ; retried = true {
		at, err := h.prepare(r, req)
		if err != nil {
			writeCodedClaudeError(w, err)
			return
		}

		// Dispatch errors surface before any body bytes, so failover and
		// error reporting both happen before SSE headers are committed.
		body, err := h.dispatcher.Stream(r.Context(), at.token, at.res.Request)
		if err != nil {
			if !retried && h.failoverToFreshAccount(at.acct, err) {
				continue
			}
			writeUpstreamError(w, at.acct, err)
			return
		}
		defer body.Close()

		h.pool.Touch(at.acct.ID)

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		// Disable the server's WriteTimeout for this long-lived connection.
		rc := http.NewResponseController(w)
		_ = rc.SetWriteDeadline(time.Time{})

		st := h.transformer.NewStream(w, flusher.Flush, at.res.ResolvedModel, at.res.Fingerprint)
		if err := st.Consume(body); err != nil {
			// Headers are committed; nothing more can be told to the client.
			h.logger.Warn("stream translation aborted",
				"error", err, "request_id", RequestIDFromContext(r.Context()))
		}
		return
	}
}
