package antigravity

import (
	"time"

	"github.com/google/uuid"
)

// AccountStatus is the lifecycle state of a pooled account.
type AccountStatus string

const (
	StatusActive      AccountStatus = "active"
	StatusIdle        AccountStatus = "idle"
	StatusRateLimited AccountStatus = "rate_limited"
	StatusError       AccountStatus = "error"
)

// ModelQuota is the remaining capacity for one model on one account.
type ModelQuota struct {
	Percentage float64    `json:"percentage"`
	ResetTime  *time.Time `json:"reset_time,omitempty"`
}

// Account mirrors the daemon's account view for API consumers. Credential
// material never crosses the management API.
type Account struct {
	ID        uuid.UUID             `json:"id"`
	Name      string                `json:"name"`
	Email     string                `json:"email"`
	AvatarURL string                `json:"avatar_url,omitempty"`
	Provider  string                `json:"provider"`
	Status    AccountStatus         `json:"status"`
	IsActive  bool                  `json:"is_active"`
	LastUsed  int64                 `json:"last_used"` // epoch seconds; 0 = never
	Quota     map[string]ModelQuota `json:"quota,omitempty"`
	Stats     AccountStats          `json:"stats"`
}

// ProviderInfo describes the vendor a model family belongs to.
type ProviderInfo struct {
	Name    string `json:"name"`
	Company string `json:"company"`
	Color   string `json:"color"`
}

// ModelUsage is one model's quota inside a provider group.
type ModelUsage struct {
	Model      string     `json:"model"`
	Percentage float64    `json:"percentage"`
	ResetTime  *time.Time `json:"reset_time,omitempty"`
}

// ProviderGroup aggregates an account's models by vendor.
type ProviderGroup struct {
	Info          ProviderInfo `json:"info"`
	Models        []ModelUsage `json:"models"`
	AvgPercentage float64      `json:"avg_percentage"`
	EarliestReset *time.Time   `json:"earliest_reset,omitempty"`
}

// AccountStats is the aggregated quota picture for one account.
type AccountStats struct {
	Groups            []ProviderGroup `json:"groups"`
	OverallPercentage float64         `json:"overall_percentage"`
	Health            string          `json:"health"`
}

// GlobalStats is the pool-wide quota aggregate from GET /v1/stats.
type GlobalStats struct {
	Accounts          int     `json:"accounts"`
	OverallPercentage float64 `json:"overall_percentage"`
	Health            string  `json:"health"`
}

// UpstreamProxy configures an optional forward proxy for upstream calls.
type UpstreamProxy struct {
	Enabled bool   `json:"enabled"`
	URL     string `json:"url,omitempty"`
}

// Settings is the daemon's mutable settings document. UpdateSettings
// replaces the whole document, so read-modify-write it.
type Settings struct {
	ModelVisibility          map[string]bool `json:"model_visibility,omitempty"`
	ProviderGroupingsEnabled bool            `json:"provider_groupings_enabled"`
	AutoSwitchEnabled        bool            `json:"auto_switch_enabled"`
	AutoSwitchThreshold      float64         `json:"auto_switch_threshold,omitempty"`
	UpstreamProxy            UpstreamProxy   `json:"upstream_proxy"`
	RequestTimeoutSeconds    int             `json:"request_timeout,omitempty"`
	InternalBaseURLs         []string        `json:"internal_base_urls,omitempty"`
	RequestUserAgent         string          `json:"request_user_agent,omitempty"`
}

// EventType labels notifications on the daemon's event stream.
type EventType string

const (
	EventQuotaUpdated        EventType = "quota_updated"
	EventStatusChanged       EventType = "status_changed"
	EventAutoSwitchCandidate EventType = "auto_switch_candidate"
	EventAccountSwitched     EventType = "account_switched"
	EventNoCapacity          EventType = "no_capacity"
	EventPollFailed          EventType = "poll_failed"
)

// Event is one pool or poller notification from GET /v1/events.
type Event struct {
	Type      EventType     `json:"type"`
	AccountID uuid.UUID     `json:"account_id,omitempty"`
	From      AccountStatus `json:"from,omitempty"`
	To        AccountStatus `json:"to,omitempty"`
	Detail    string        `json:"detail,omitempty"`
	At        time.Time     `json:"at"`
}

// Health is the output of Client.Health.
type Health struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	Accounts      int    `json:"accounts"`
	ActiveAccount string `json:"active_account,omitempty"`
}
