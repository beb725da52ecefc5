// Package provider classifies model identifiers into logical providers and
// aggregates per-model quota into provider groups and account-level stats.
package provider

import (
	"math"
	"sort"
	"time"

	"github.com/krishnakanthb13/AntigravityManager/internal/model"
)

// Info describes a logical provider for display purposes.
type Info struct {
	Name    string `json:"name"`
	Company string `json:"company"`
	Color   string `json:"color"`
}

// registryEntry binds a model-name prefix to its provider. Declaration order
// is significant: detection takes the first match, and groups sort in this
// order with "others" last.
type registryEntry struct {
	Prefix string
	Info   Info
}

var registry = []registryEntry{
	{Prefix: "claude-", Info: Info{Name: "claude", Company: "Anthropic", Color: "#D97757"}},
	{Prefix: "gemini-", Info: Info{Name: "gemini", Company: "Google", Color: "#4285F4"}},
}

// Others collects models matching no registered prefix.
var Others = Info{Name: "others", Company: "", Color: "#9CA3AF"}

// Detect returns the provider for a model identifier. Total: unmatched
// models map to Others.
func Detect(modelID string) Info {
	for _, e := range registry {
		if len(modelID) >= len(e.Prefix) && modelID[:len(e.Prefix)] == e.Prefix {
			return e.Info
		}
	}
	return Others
}

// ModelUsage is one model's quota inside a group.
type ModelUsage struct {
	Model      string     `json:"model"`
	Percentage float64    `json:"percentage"`
	ResetTime  *time.Time `json:"reset_time,omitempty"`
}

// Group is the aggregated view of one provider's visible models.
type Group struct {
	Info          Info         `json:"info"`
	Models        []ModelUsage `json:"models"`
	AvgPercentage float64      `json:"avg_percentage"`
	EarliestReset *time.Time   `json:"earliest_reset,omitempty"`
}

// AccountStats is the read-time aggregation over one account's quota.
type AccountStats struct {
	Groups            []Group            `json:"groups"`
	OverallPercentage float64            `json:"overall_percentage"`
	Health            model.HealthStatus `json:"health"`
}

// GroupModels builds AccountStats from a quota snapshot. visible gates which
// models participate; nil means all visible. An empty visible set yields
// overall 0 and no groups.
func GroupModels(q model.Quota, visible func(string) bool) AccountStats {
	byProvider := make(map[string][]ModelUsage)
	var sum float64
	var count int

	for modelID, mq := range q {
		if visible != nil && !visible(modelID) {
			continue
		}
		info := Detect(modelID)
		byProvider[info.Name] = append(byProvider[info.Name], ModelUsage{
			Model:      modelID,
			Percentage: mq.Percentage,
			ResetTime:  mq.ResetTime,
		})
		sum += mq.Percentage
		count++
	}

	ordered := make([]Info, 0, len(registry)+1)
	for _, e := range registry {
		ordered = append(ordered, e.Info)
	}
	ordered = append(ordered, Others)

	var groups []Group
	for _, info := range ordered {
		models := byProvider[info.Name]
		if len(models) == 0 {
			continue
		}
		sort.Slice(models, func(i, j int) bool { return models[i].Model < models[j].Model })
		groups = append(groups, Group{
			Info:          info,
			Models:        models,
			AvgPercentage: mean(models),
			EarliestReset: earliestReset(models),
		})
	}

	overall := 0.0
	if count > 0 {
		overall = round1(sum / float64(count))
	}
	return AccountStats{
		Groups:            groups,
		OverallPercentage: overall,
		Health:            model.HealthFor(overall),
	}
}

// GlobalStats aggregates quota across accounts as a flat mean over every
// visible model snapshot, not a mean of per-account means, so an account
// with many models weighs more than one with a single model.
type GlobalStats struct {
	Accounts          int                `json:"accounts"`
	OverallPercentage float64            `json:"overall_percentage"`
	Health            model.HealthStatus `json:"health"`
}

// Aggregate builds GlobalStats from the quota snapshots of all accounts.
func Aggregate(quotas []model.Quota, visible func(string) bool) GlobalStats {
	var sum float64
	var count int
	for _, q := range quotas {
		for modelID, mq := range q {
			if visible != nil && !visible(modelID) {
				continue
			}
			sum += mq.Percentage
			count++
		}
	}

	overall := 0.0
	if count > 0 {
		overall = round1(sum / float64(count))
	}
	return GlobalStats{
		Accounts:          len(quotas),
		OverallPercentage: overall,
		Health:            model.HealthFor(overall),
	}
}

func mean(models []ModelUsage) float64 {
	if len(models) == 0 {
		return 0
	}
	var sum float64
	for _, m := range models {
		sum += m.Percentage
	}
	return round1(sum / float64(len(models)))
}

func earliestReset(models []ModelUsage) *time.Time {
	var earliest *time.Time
	for _, m := range models {
		if m.ResetTime == nil {
			continue
		}
		if earliest == nil || m.ResetTime.Before(*earliest) {
			earliest = m.ResetTime
		}
	}
	return earliest
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
