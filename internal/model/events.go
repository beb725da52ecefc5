package model

import (
	"time"

	"github.com/google/uuid"
)

// EventType labels pool and poller notifications fanned out to subscribers.
type EventType string

const (
	EventQuotaUpdated        EventType = "quota_updated"
	EventStatusChanged       EventType = "status_changed"
	EventAutoSwitchCandidate EventType = "auto_switch_candidate"
	EventAccountSwitched     EventType = "account_switched"
	EventNoCapacity          EventType = "no_capacity"
	EventPollFailed          EventType = "poll_failed"
)

// Event is one pool/poller notification.
type Event struct {
	Type      EventType     `json:"type"`
	AccountID uuid.UUID     `json:"account_id,omitempty"`
	From      AccountStatus `json:"from,omitempty"`
	To        AccountStatus `json:"to,omitempty"`
	Detail    string        `json:"detail,omitempty"`
	At        time.Time     `json:"at"`
}

// Publisher receives events. Implementations must not block.
type Publisher func(Event)
