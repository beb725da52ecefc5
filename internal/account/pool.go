// Package account manages the pool of authenticated upstream accounts:
// persistence, the single-active invariant, lifecycle status, token refresh
// and quota-driven auto-switching.
package account

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/krishnakanthb13/AntigravityManager/internal/config"
	"github.com/krishnakanthb13/AntigravityManager/internal/credential"
	"github.com/krishnakanthb13/AntigravityManager/internal/model"
	"github.com/krishnakanthb13/AntigravityManager/internal/provider"
	"github.com/krishnakanthb13/AntigravityManager/internal/quota"
)

// accessTokenSlack is subtracted from token expiry so a token is never
// handed out moments before the upstream would reject it.
const accessTokenSlack = 60 * time.Second

// credentialBundle is the plaintext sealed into an account's credential
// field.
type credentialBundle struct {
	RefreshToken string    `json:"refresh_token"`
	AccessToken  string    `json:"access_token,omitempty"`
	Expiry       time.Time `json:"expiry,omitempty"`
	IDToken      string    `json:"id_token,omitempty"`
	// ProjectID is the upstream project the credential is provisioned for.
	// Local desktop credentials carry it; the OAuth code flow does not.
	ProjectID string `json:"project_id,omitempty"`
}

type cachedToken struct {
	token  string
	expiry time.Time
}

// Pool is the in-memory account set backed by per-account JSON documents.
// All mutation goes through the pool so the single-active invariant holds.
type Pool struct {
	disk     *diskStore
	creds    *credential.Store
	settings *config.SettingsStore
	auth     Authenticator
	publish  model.Publisher
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	accounts map[uuid.UUID]*model.Account
	tokens   map[uuid.UUID]cachedToken
	sf       singleflight.Group
}

// NewPool loads the persisted accounts from dataDir. Documents that fail to
// parse are skipped with a warning rather than refusing startup.
func NewPool(dataDir string, creds *credential.Store, settings *config.SettingsStore, auth Authenticator, publish model.Publisher, logger *slog.Logger) (*Pool, error) {
	if publish == nil {
		publish = func(model.Event) {}
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		disk:     newDiskStore(dataDir),
		creds:    creds,
		settings: settings,
		auth:     auth,
		publish:  publish,
		logger:   logger,
		now:      time.Now,
		accounts: make(map[uuid.UUID]*model.Account),
		tokens:   make(map[uuid.UUID]cachedToken),
	}

	loaded, err := p.disk.Load()
	if err != nil {
		logger.Warn("some account documents failed to load", "error", err)
	}
	activeSeen := false
	for _, a := range loaded {
		acct := a
		// Enforce the single-active invariant on load: first active wins.
		if acct.IsActive {
			if activeSeen {
				acct.IsActive = false
				acct.Status = model.StatusIdle
			}
			activeSeen = true
		}
		p.accounts[acct.ID] = &acct
	}
	logger.Info("account pool loaded", "accounts", len(p.accounts))
	return p, nil
}

// List returns account snapshots ordered by creation time.
func (p *Pool) List() []model.Account {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]model.Account, 0, len(p.accounts))
	for _, a := range p.accounts {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

// Get returns one account snapshot.
func (p *Pool) Get(id uuid.UUID) (model.Account, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.accounts[id]
	if !ok {
		return model.Account{}, p.notFound(id)
	}
	return *a, nil
}

// Active returns the currently selected account, if any.
func (p *Pool) Active() (model.Account, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if a := p.activeLocked(); a != nil {
		return *a, true
	}
	return model.Account{}, false
}

func (p *Pool) activeLocked() *model.Account {
	for _, a := range p.accounts {
		if a.IsActive {
			return a
		}
	}
	return nil
}

func (p *Pool) notFound(id uuid.UUID) error {
	return model.NewCodedError(model.ErrCodeNotFound, "", fmt.Sprintf("account %s not found", id), nil)
}

// Add completes the OAuth code flow and inserts the account. A duplicate
// email is a conflict unless replace is set, in which case the existing
// account keeps its identity and receives the new credential.
func (p *Pool) Add(ctx context.Context, code, redirectURI string, replace bool) (model.Account, error) {
	tok, err := p.auth.Exchange(ctx, code, redirectURI)
	if err != nil {
		return model.Account{}, model.NewCodedError(model.ErrCodeAuthRejected, model.HintRelogin, "authorization code rejected", err)
	}
	bundle := credentialBundle{
		RefreshToken: tok.RefreshToken,
		AccessToken:  tok.AccessToken,
		Expiry:       tok.Expiry,
		IDToken:      idTokenOf(tok),
	}
	if bundle.RefreshToken == "" {
		return model.Account{}, model.NewCodedError(model.ErrCodeAuthRejected, model.HintRelogin, "token response carried no refresh_token", nil)
	}
	return p.insert(bundle, replace)
}

// SyncLocal imports a credential bundle written by the local desktop agent.
// The bundle is re-sealed under the primary key regardless of how it was
// protected on disk.
func (p *Pool) SyncLocal(_ context.Context, raw []byte, replace bool) (model.Account, error) {
	var bundle credentialBundle
	if err := json.Unmarshal(raw, &bundle); err != nil {
		return model.Account{}, model.NewCodedError(model.ErrCodeInvalidRequest, "", "malformed local credential", err)
	}
	if bundle.RefreshToken == "" {
		return model.Account{}, model.NewCodedError(model.ErrCodeInvalidRequest, "", "local credential carries no refresh_token", nil)
	}
	return p.insert(bundle, replace)
}

func (p *Pool) insert(bundle credentialBundle, replace bool) (model.Account, error) {
	claims, err := identityFromToken(bundle.IDToken)
	if err != nil {
		return model.Account{}, err
	}
	plaintext, err := json.Marshal(bundle)
	if err != nil {
		return model.Account{}, fmt.Errorf("account: marshal bundle: %w", err)
	}
	sealed, err := p.creds.Encrypt(plaintext)
	if err != nil {
		return model.Account{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, a := range p.accounts {
		if a.Email != claims.Email {
			continue
		}
		if !replace {
			return model.Account{}, model.NewCodedError(model.ErrCodeConflict, "",
				fmt.Sprintf("account %s already exists", claims.Email), nil)
		}
		a.Credential = sealed
		a.Name = claims.Name
		a.AvatarURL = claims.Picture
		if bundle.ProjectID != "" {
			a.ProjectID = bundle.ProjectID
		}
		if a.Status == model.StatusError {
			a.Status = model.StatusIdle
			if a.IsActive {
				a.Status = model.StatusActive
			}
		}
		delete(p.tokens, a.ID)
		if err := p.disk.Save(*a); err != nil {
			return model.Account{}, err
		}
		return *a, nil
	}

	acct := &model.Account{
		ID:         uuid.New(),
		Name:       claims.Name,
		Email:      claims.Email,
		AvatarURL:  claims.Picture,
		Provider:   "google",
		ProjectID:  bundle.ProjectID,
		Status:     model.StatusIdle,
		Credential: sealed,
		CreatedAt:  p.now().UTC(),
	}
	// The first account becomes active immediately.
	if p.activeLocked() == nil {
		acct.IsActive = true
		acct.Status = model.StatusActive
	}
	if err := p.disk.Save(*acct); err != nil {
		return model.Account{}, err
	}
	p.accounts[acct.ID] = acct
	p.logger.Info("account added", "account_id", acct.ID, "email", acct.Email, "active", acct.IsActive)
	return *acct, nil
}

// Delete removes an account and its credential bundle. Deleting the active
// account promotes the best remaining candidate, if any.
func (p *Pool) Delete(id uuid.UUID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	a, ok := p.accounts[id]
	if !ok {
		return p.notFound(id)
	}
	if err := p.disk.Delete(id); err != nil {
		return err
	}
	wasActive := a.IsActive
	delete(p.accounts, id)
	delete(p.tokens, id)
	p.logger.Info("account deleted", "account_id", id, "email", a.Email)

	if wasActive {
		candidate := p.selectCandidateLocked(nil)
		if candidate == nil {
			candidate = p.oldestUsableLocked()
		}
		if candidate != nil {
			p.switchLocked(candidate)
		}
	}
	return nil
}

// SwitchTo makes the given account the single active one.
func (p *Pool) SwitchTo(id uuid.UUID) (model.Account, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	target, ok := p.accounts[id]
	if !ok {
		return model.Account{}, p.notFound(id)
	}
	p.switchLocked(target)
	return *target, nil
}

// switchLocked enforces the single-active invariant: demote everyone else,
// promote the target, persist everything that changed.
func (p *Pool) switchLocked(target *model.Account) {
	for _, a := range p.accounts {
		if a.ID == target.ID || !a.IsActive {
			continue
		}
		a.IsActive = false
		if a.Status == model.StatusActive {
			a.Status = model.StatusIdle
		}
		if err := p.disk.Save(*a); err != nil {
			p.logger.Error("persist demoted account", "account_id", a.ID, "error", err)
		}
	}
	target.IsActive = true
	if target.Status == model.StatusIdle {
		target.Status = model.StatusActive
	}
	target.LastUsed = p.now().Unix()
	if err := p.disk.Save(*target); err != nil {
		p.logger.Error("persist promoted account", "account_id", target.ID, "error", err)
	}
	p.logger.Info("active account switched", "account_id", target.ID, "email", target.Email)
	p.publish(model.Event{Type: model.EventAccountSwitched, AccountID: target.ID, At: p.now().UTC()})
}

// Touch records that the active account served a request.
func (p *Pool) Touch(id uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.accounts[id]
	if !ok {
		return
	}
	a.LastUsed = p.now().Unix()
	if err := p.disk.Save(*a); err != nil {
		p.logger.Error("persist last_used", "account_id", id, "error", err)
	}
}

// MarkRateLimited flags an account after an upstream 429 and evaluates
// auto-switch.
func (p *Pool) MarkRateLimited(id uuid.UUID) {
	p.setStatus(id, model.StatusRateLimited)
	p.EvaluateAutoSwitch()
}

// MarkError flags an account whose credential no longer works.
func (p *Pool) MarkError(id uuid.UUID) {
	p.setStatus(id, model.StatusError)
	p.EvaluateAutoSwitch()
}

func (p *Pool) setStatus(id uuid.UUID, to model.AccountStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.accounts[id]
	if !ok || a.Status == to {
		return
	}
	from := a.Status
	a.Status = to
	if err := p.disk.Save(*a); err != nil {
		p.logger.Error("persist status", "account_id", id, "error", err)
	}
	p.logger.Info("account status changed", "account_id", id, "from", from, "to", to)
	p.publish(model.Event{Type: model.EventStatusChanged, AccountID: id, From: from, To: to, At: p.now().UTC()})
}

// ApplyQuota stores a fresh snapshot and derives the lifecycle status from
// it: fully exhausted quota means rate-limited, anything else releases a
// previous rate limit.
func (p *Pool) ApplyQuota(id uuid.UUID, q model.Quota) (model.AccountStatus, model.AccountStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	a, ok := p.accounts[id]
	if !ok {
		return "", "", p.notFound(id)
	}
	from := a.Status
	a.Quota = q

	switch {
	case from == model.StatusError:
		// A broken credential is not healed by a quota snapshot.
	case quota.Exhausted(q):
		a.Status = model.StatusRateLimited
	case a.IsActive:
		a.Status = model.StatusActive
	default:
		a.Status = model.StatusIdle
	}

	if err := p.disk.Save(*a); err != nil {
		return from, a.Status, err
	}
	return from, a.Status, nil
}

// Stats aggregates one account's quota under the current visibility settings.
func (p *Pool) Stats(a model.Account) provider.AccountStats {
	s := p.settings.Get()
	return provider.GroupModels(a.Quota, s.ModelVisible)
}

// GlobalStats aggregates quota across the whole pool.
func (p *Pool) GlobalStats() provider.GlobalStats {
	s := p.settings.Get()
	accounts := p.List()
	quotas := make([]model.Quota, 0, len(accounts))
	for _, a := range accounts {
		quotas = append(quotas, a.Quota)
	}
	return provider.Aggregate(quotas, s.ModelVisible)
}

// EvaluateAutoSwitch switches away from a depleted active account when the
// feature is enabled. The best candidate is the usable account with the
// highest aggregate percentage, ties broken by most recent use.
func (p *Pool) EvaluateAutoSwitch() {
	s := p.settings.Get()
	if !s.AutoSwitchEnabled {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	active := p.activeLocked()
	if active != nil && active.Status != model.StatusRateLimited && active.Status != model.StatusError {
		if p.overallLocked(active, s) >= s.AutoSwitchThreshold {
			return
		}
	}

	candidate := p.selectCandidateLocked(active)
	if candidate == nil {
		p.logger.Warn("auto-switch wanted but no usable account remains")
		p.publish(model.Event{Type: model.EventNoCapacity, At: p.now().UTC()})
		return
	}
	p.publish(model.Event{Type: model.EventAutoSwitchCandidate, AccountID: candidate.ID, At: p.now().UTC()})
	p.switchLocked(candidate)
}

// selectCandidateLocked picks the replacement account: not the current one,
// not rate-limited or broken, highest aggregate percentage, most recently
// used on ties.
func (p *Pool) selectCandidateLocked(current *model.Account) *model.Account {
	s := p.settings.Get()
	var best *model.Account
	var bestPct float64
	for _, a := range p.accounts {
		if current != nil && a.ID == current.ID {
			continue
		}
		if a.Status == model.StatusRateLimited || a.Status == model.StatusError {
			continue
		}
		pct := p.overallLocked(a, s)
		if pct <= 0 {
			continue
		}
		if best == nil || pct > bestPct || (pct == bestPct && a.LastUsed > best.LastUsed) {
			best = a
			bestPct = pct
		}
	}
	return best
}

// oldestUsableLocked is the promotion fallback when no account has quota
// headroom on record: any account that could still work, oldest first.
func (p *Pool) oldestUsableLocked() *model.Account {
	var oldest *model.Account
	for _, a := range p.accounts {
		if a.Status == model.StatusError {
			continue
		}
		if oldest == nil || a.CreatedAt.Before(oldest.CreatedAt) {
			oldest = a
		}
	}
	return oldest
}

func (p *Pool) overallLocked(a *model.Account, s config.Settings) float64 {
	return provider.GroupModels(a.Quota, s.ModelVisible).OverallPercentage
}
