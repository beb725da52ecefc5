package quota

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/krishnakanthb13/AntigravityManager/internal/model"
)

const maxConcurrentPolls = 5

// AccountSource is the slice of the account pool the poller needs: listing,
// applying snapshots, and triggering the auto-switch evaluation after an
// update lands.
type AccountSource interface {
	List() []model.Account
	ApplyQuota(id uuid.UUID, q model.Quota) (from, to model.AccountStatus, err error)
	EvaluateAutoSwitch()
}

// TokenSource yields a usable bearer token for an account, refreshing if
// needed.
type TokenSource interface {
	AccessToken(ctx context.Context, id uuid.UUID) (string, error)
}

// Fetcher retrieves a quota snapshot for one account from the upstream.
type Fetcher interface {
	FetchQuota(ctx context.Context, token string, acct model.Account) (model.Quota, error)
}

// Poller refreshes every account's quota on a jittered interval. One snapshot
// failure never blocks the others, and a wedged cycle is cancelled after
// twice the interval.
type Poller struct {
	accounts AccountSource
	tokens   TokenSource
	fetch    Fetcher
	interval time.Duration
	publish  model.Publisher
	logger   *slog.Logger

	sf         singleflight.Group
	started    atomic.Bool
	cancelLoop context.CancelFunc
	done       chan struct{}
	once       sync.Once
}

// NewPoller creates a Poller. interval must be positive; publish may be nil.
func NewPoller(accounts AccountSource, tokens TokenSource, fetch Fetcher, interval time.Duration, publish model.Publisher, logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = time.Minute
	}
	if publish == nil {
		publish = func(model.Event) {}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		accounts: accounts,
		tokens:   tokens,
		fetch:    fetch,
		interval: interval,
		publish:  publish,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Start begins the background poll loop. Safe to call only once; subsequent
// calls are no-ops and log a warning.
func (p *Poller) Start(ctx context.Context) {
	if !p.started.CompareAndSwap(false, true) {
		p.logger.Warn("quota poller: Start called more than once, ignoring")
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	p.cancelLoop = cancel
	go p.pollLoop(loopCtx)
	p.logger.Info("quota poller started", "interval", p.interval)
}

// Stop cancels the loop and blocks until it exits or ctx expires.
func (p *Poller) Stop(ctx context.Context) {
	if p.cancelLoop != nil {
		p.cancelLoop()
	}
	select {
	case <-p.done:
	case <-ctx.Done():
		p.logger.Warn("quota poller: stop timed out")
	}
}

func (p *Poller) pollLoop(ctx context.Context) {
	defer p.once.Do(func() { close(p.done) })

	// First snapshot right away so the UI is not blind for a full interval.
	p.pollAll(ctx)

	for {
		timer := time.NewTimer(p.nextInterval())
		select {
		case <-ctx.Done():
			if !timer.Stop() {
				<-timer.C
			}
			return
		case <-timer.C:
			p.pollAll(ctx)
		}
	}
}

// nextInterval applies +/-10% jitter so restarts do not phase-lock every
// instance onto the same upstream second.
func (p *Poller) nextInterval() time.Duration {
	jitter := 0.9 + 0.2*rand.Float64() //nolint:gosec // jitter doesn't need crypto-strength randomness
	return time.Duration(float64(p.interval) * jitter)
}

// ForcePoll runs one full cycle immediately. Concurrent callers coalesce
// onto a single in-flight cycle.
func (p *Poller) ForcePoll(ctx context.Context) error {
	_, err, _ := p.sf.Do("poll", func() (any, error) {
		p.pollAll(ctx)
		return nil, nil
	})
	return err
}

func (p *Poller) pollAll(ctx context.Context) {
	cycleCtx, cancel := context.WithTimeout(ctx, 2*p.interval)
	defer cancel()

	accounts := p.accounts.List()
	if len(accounts) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(cycleCtx)
	g.SetLimit(maxConcurrentPolls)
	var updated atomic.Int64
	for _, acct := range accounts {
		if acct.Status == model.StatusError {
			continue
		}
		g.Go(func() error {
			if err := p.pollOne(gctx, acct); err != nil {
				p.logger.Warn("quota poll failed", "account_id", acct.ID, "email", acct.Email, "error", err)
				p.publish(model.Event{
					Type:      model.EventPollFailed,
					AccountID: acct.ID,
					Detail:    err.Error(),
					At:        time.Now().UTC(),
				})
				return nil // one account failing must not cancel the rest
			}
			updated.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	if updated.Load() > 0 {
		p.accounts.EvaluateAutoSwitch()
	}
}

// PollAccount refreshes a single account's quota, for the explicit refresh
// operation.
func (p *Poller) PollAccount(ctx context.Context, id uuid.UUID) error {
	for _, acct := range p.accounts.List() {
		if acct.ID == id {
			if err := p.pollOne(ctx, acct); err != nil {
				return err
			}
			p.accounts.EvaluateAutoSwitch()
			return nil
		}
	}
	return model.NewCodedError(model.ErrCodeNotFound, "", fmt.Sprintf("account %s not found", id), nil)
}

func (p *Poller) pollOne(ctx context.Context, acct model.Account) error {
	token, err := p.tokens.AccessToken(ctx, acct.ID)
	if err != nil {
		return fmt.Errorf("access token: %w", err)
	}
	q, err := p.fetch.FetchQuota(ctx, token, acct)
	if err != nil {
		return fmt.Errorf("fetch quota: %w", err)
	}

	from, to, err := p.accounts.ApplyQuota(acct.ID, q)
	if err != nil {
		return fmt.Errorf("apply quota: %w", err)
	}
	now := time.Now().UTC()
	p.publish(model.Event{Type: model.EventQuotaUpdated, AccountID: acct.ID, At: now})
	if from != to {
		p.logger.Info("account status changed", "account_id", acct.ID, "email", acct.Email, "from", from, "to", to)
		p.publish(model.Event{Type: model.EventStatusChanged, AccountID: acct.ID, From: from, To: to, At: now})
	}
	return nil
}
