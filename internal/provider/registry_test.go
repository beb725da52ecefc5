package provider

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krishnakanthb13/AntigravityManager/internal/model"
)

func TestDetectIsTotal(t *testing.T) {
	assert.Equal(t, "claude", Detect("claude-3-7-sonnet").Name)
	assert.Equal(t, "gemini", Detect("gemini-3-pro-preview").Name)
	assert.Equal(t, "others", Detect("gpt-4").Name)
	assert.Equal(t, "others", Detect("").Name)
	// Prefix must actually be a prefix.
	assert.Equal(t, "others", Detect("claud").Name)
}

func TestGroupModelsOrderAndOverall(t *testing.T) {
	q := model.Quota{
		"gpt-4":            {Percentage: 50},
		"gemini-2.0-flash": {Percentage: 60},
		"claude-3-7-sonnet": {Percentage: 70},
	}
	stats := GroupModels(q, nil)

	require.Len(t, stats.Groups, 3)
	assert.Equal(t, "claude", stats.Groups[0].Info.Name)
	assert.Equal(t, "gemini", stats.Groups[1].Info.Name)
	assert.Equal(t, "others", stats.Groups[2].Info.Name)

	assert.Equal(t, 60.0, stats.OverallPercentage)
	assert.Equal(t, model.HealthHealthy, stats.Health)
}

func TestGroupModelsVisibility(t *testing.T) {
	q := model.Quota{
		"gemini-2.0-flash":    {Percentage: 80},
		"gemini-3-pro-preview": {Percentage: 20},
	}
	visible := func(m string) bool { return m != "gemini-2.0-flash" }
	stats := GroupModels(q, visible)

	require.Len(t, stats.Groups, 1)
	assert.Equal(t, 20.0, stats.OverallPercentage)
	assert.Equal(t, model.HealthLimited, stats.Health)
}

func TestGroupModelsEmptyVisibleSet(t *testing.T) {
	q := model.Quota{"gemini-2.0-flash": {Percentage: 80}}
	stats := GroupModels(q, func(string) bool { return false })
	assert.Empty(t, stats.Groups)
	assert.Equal(t, 0.0, stats.OverallPercentage)
	assert.Equal(t, model.HealthCritical, stats.Health)
}

func TestGroupRounding(t *testing.T) {
	q := model.Quota{
		"gemini-a": {Percentage: 33},
		"gemini-b": {Percentage: 33},
		"gemini-c": {Percentage: 34},
	}
	stats := GroupModels(q, nil)
	assert.Equal(t, 33.3, stats.OverallPercentage)
}

func TestAggregateFlatMean(t *testing.T) {
	// One account with two models, one with a single model. The flat mean
	// weighs the first account twice.
	quotas := []model.Quota{
		{
			"gemini-a": {Percentage: 90},
			"gemini-b": {Percentage: 90},
		},
		{
			"gemini-a": {Percentage: 30},
		},
	}
	stats := Aggregate(quotas, nil)
	assert.Equal(t, 2, stats.Accounts)
	assert.Equal(t, 70.0, stats.OverallPercentage)
	assert.Equal(t, model.HealthHealthy, stats.Health)
}

func TestAggregateEmptyPool(t *testing.T) {
	stats := Aggregate(nil, nil)
	assert.Equal(t, 0, stats.Accounts)
	assert.Equal(t, 0.0, stats.OverallPercentage)
	assert.Equal(t, model.HealthCritical, stats.Health)
}

func TestEarliestReset(t *testing.T) {
	early := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	late := early.Add(2 * time.Hour)
	q := model.Quota{
		"gemini-a": {Percentage: 10, ResetTime: &late},
		"gemini-b": {Percentage: 10, ResetTime: &early},
		"gemini-c": {Percentage: 10}, // unknown reset, ignored
	}
	stats := GroupModels(q, nil)
	require.Len(t, stats.Groups, 1)
	require.NotNil(t, stats.Groups[0].EarliestReset)
	assert.True(t, stats.Groups[0].EarliestReset.Equal(early))
}
