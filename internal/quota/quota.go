// Package quota tracks per-account model quota and keeps it fresh with a
// jittered background poller against the v1internal model listing endpoint.
package quota

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/krishnakanthb13/AntigravityManager/internal/model"
)

// FetchPath is the v1internal operation that reports per-model quota.
const FetchPath = "v1internal:fetchAvailableModels"

// modelsResponse mirrors the quota fields of the model listing payload.
// Unknown fields are ignored.
type modelsResponse struct {
	Models []struct {
		Model      string  `json:"model"`
		Percentage float64 `json:"percentage"`
		ResetTime  string  `json:"resetTime"`
	} `json:"models"`
}

// ParseModels extracts a quota snapshot from a fetchAvailableModels response
// body. Percentages are clamped to [0,100]; reset times are RFC3339 and
// optional, a malformed one is dropped rather than failing the snapshot.
func ParseModels(payload []byte) (model.Quota, error) {
	var resp modelsResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, fmt.Errorf("parse models response: %w", err)
	}
	if len(resp.Models) == 0 {
		return nil, fmt.Errorf("models response carried no models")
	}

	q := make(model.Quota, len(resp.Models))
	for _, m := range resp.Models {
		if m.Model == "" {
			continue
		}
		mq := model.ModelQuota{Percentage: clampPct(m.Percentage)}
		if m.ResetTime != "" {
			if t, err := time.Parse(time.RFC3339, m.ResetTime); err == nil {
				t = t.UTC()
				mq.ResetTime = &t
			}
		}
		q[m.Model] = mq
	}
	if len(q) == 0 {
		return nil, fmt.Errorf("models response carried no usable models")
	}
	return q, nil
}

func clampPct(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// Exhausted reports whether every model in the snapshot sits at zero.
func Exhausted(q model.Quota) bool {
	if len(q) == 0 {
		return false
	}
	for _, mq := range q {
		if mq.Percentage > 0 {
			return false
		}
	}
	return true
}

// EarliestReset returns the soonest known reset time across the snapshot.
func EarliestReset(q model.Quota) *time.Time {
	var earliest *time.Time
	for _, mq := range q {
		if mq.ResetTime == nil {
			continue
		}
		if earliest == nil || mq.ResetTime.Before(*earliest) {
			earliest = mq.ResetTime
		}
	}
	return earliest
}
