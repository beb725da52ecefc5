package model

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

// ModelQuota is one model's usage snapshot. Percentage 0 is a hard rate
// limit. A nil ResetTime means the reset instant is unknown; callers must
// not substitute "now".
type ModelQuota struct {
	Percentage float64    `json:"percentage"`
	ResetTime  *time.Time `json:"reset_time,omitempty"`
}

// Quota maps model identifiers to their latest polled snapshot.
type Quota map[string]ModelQuota

// Account is one authenticated cloud account in the pool.
// Credential holds the encrypted bundle (iv:tag:ct hex), never plaintext.
type Account struct {
	ID         uuid.UUID     `json:"id"`
	Name       string        `json:"name"`
	Email      string        `json:"email"`
	AvatarURL  string        `json:"avatar_url,omitempty"`
	Provider   string        `json:"provider"`
	ProjectID  string        `json:"project_id,omitempty"`
	Status     AccountStatus `json:"status"`
	IsActive   bool          `json:"is_active"`
	LastUsed   int64         `json:"last_used"` // epoch seconds; 0 = never
	Credential string        `json:"credential"`
	Quota      Quota         `json:"quota,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
}

// AccountView is the redacted representation returned by the accounts API.
type AccountView struct {
	ID        uuid.UUID     `json:"id"`
	Name      string        `json:"name"`
	Email     string        `json:"email"`
	AvatarURL string        `json:"avatar_url,omitempty"`
	Provider  string        `json:"provider"`
	Status    AccountStatus `json:"status"`
	IsActive  bool          `json:"is_active"`
	LastUsed  int64         `json:"last_used"`
	Quota     Quota         `json:"quota,omitempty"`
}

// View redacts the credential bundle for API responses.
func (a Account) View() AccountView {
	return AccountView{
		ID:        a.ID,
		Name:      a.Name,
		Email:     a.Email,
		AvatarURL: a.AvatarURL,
		Provider:  a.Provider,
		Status:    a.Status,
		IsActive:  a.IsActive,
		LastUsed:  a.LastUsed,
		Quota:     a.Quota,
	}
}

// HealthStatus buckets an aggregate quota percentage.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthLimited  HealthStatus = "limited"
	HealthCritical HealthStatus = "critical"
)

// HealthFor thresholds a percentage into a HealthStatus.
func HealthFor(pct float64) HealthStatus {
	switch {
	case pct >= 50:
		return HealthHealthy
	case pct >= 25:
		return HealthDegraded
	case pct >= 10:
		return HealthLimited
	default:
		return HealthCritical
	}
}
