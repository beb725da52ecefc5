package account

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/krishnakanthb13/AntigravityManager/internal/model"
)

// AccessToken returns a bearer token for the account, refreshing through the
// OAuth endpoint when the stored one is expired or missing. Concurrent
// callers for the same account coalesce onto one refresh. A refresh the
// upstream rejects marks the account broken.
func (p *Pool) AccessToken(ctx context.Context, id uuid.UUID) (string, error) {
	p.mu.Lock()
	cached, ok := p.tokens[id]
	now := p.now()
	p.mu.Unlock()
	if ok && now.Before(cached.expiry.Add(-accessTokenSlack)) {
		return cached.token, nil
	}

	v, err, _ := p.sf.Do("token:"+id.String(), func() (any, error) {
		return p.refreshToken(ctx, id)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (p *Pool) refreshToken(ctx context.Context, id uuid.UUID) (string, error) {
	p.mu.Lock()
	a, ok := p.accounts[id]
	if !ok {
		p.mu.Unlock()
		return "", p.notFound(id)
	}
	sealed := a.Credential
	p.mu.Unlock()

	res, err := p.creds.DecryptWithMigration(sealed)
	if err != nil {
		return "", err
	}
	if res.Reencrypted != "" {
		p.logger.Info("credential bundle migrated to primary key", "account_id", id, "from", res.UsedFallback)
		p.rewriteCredential(id, res.Reencrypted)
	}

	var bundle credentialBundle
	if err := json.Unmarshal(res.Plaintext, &bundle); err != nil {
		return "", model.NewCodedError(model.ErrCodeDataMigration, model.HintClearData, "credential bundle is not valid JSON", err)
	}

	now := p.now()
	if bundle.AccessToken != "" && now.Before(bundle.Expiry.Add(-accessTokenSlack)) {
		p.cacheToken(id, bundle.AccessToken, bundle.Expiry)
		return bundle.AccessToken, nil
	}

	tok, err := p.auth.Refresh(ctx, bundle.RefreshToken)
	if err != nil {
		p.setStatus(id, model.StatusError)
		return "", model.NewCodedError(model.ErrCodeAuthRejected, model.HintRelogin, "token refresh rejected", err)
	}

	bundle.AccessToken = tok.AccessToken
	bundle.Expiry = tok.Expiry
	if tok.RefreshToken != "" {
		bundle.RefreshToken = tok.RefreshToken
	}
	plaintext, err := json.Marshal(bundle)
	if err != nil {
		return "", fmt.Errorf("account: marshal bundle: %w", err)
	}
	resealed, err := p.creds.Encrypt(plaintext)
	if err != nil {
		return "", err
	}
	p.rewriteCredential(id, resealed)
	p.cacheToken(id, tok.AccessToken, tok.Expiry)
	return tok.AccessToken, nil
}

func (p *Pool) cacheToken(id uuid.UUID, token string, expiry time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokens[id] = cachedToken{token: token, expiry: expiry}
}

func (p *Pool) rewriteCredential(id uuid.UUID, sealed string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.accounts[id]
	if !ok {
		return
	}
	a.Credential = sealed
	if err := p.disk.Save(*a); err != nil {
		p.logger.Error("persist credential", "account_id", id, "error", err)
	}
}
