package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8045, cfg.Port)
	assert.GreaterOrEqual(t, cfg.SignatureCacheSize, 256)
	assert.NotEmpty(t, cfg.DataDir)
}

func TestEnvURLListStripsTrailingSlashes(t *testing.T) {
	t.Setenv("AGM_INTERNAL_BASE_URLS", " https://a.example/v1internal/ , https://b.example/v1internal ")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"https://a.example/v1internal", "https://b.example/v1internal"}, cfg.InternalBaseURLs)
}

func TestLegacyEnvAliasesHonored(t *testing.T) {
	t.Setenv("ANTIGRAVITY_INTERNAL_BASE_URLS", "https://legacy.example/v1internal")
	t.Setenv("PROXY_REQUEST_USER_AGENT", "legacy-agent/1.0")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"https://legacy.example/v1internal"}, cfg.InternalBaseURLs)
	assert.Equal(t, "legacy-agent/1.0", cfg.RequestUserAgent)
}

func TestSettingsRoundTrip(t *testing.T) {
	dir := t.TempDir()
	st, err := NewSettingsStore(dir)
	require.NoError(t, err)

	s := st.Get()
	assert.True(t, s.ProviderGroupingsEnabled)
	assert.Equal(t, 120, s.RequestTimeoutSeconds)

	s.AutoSwitchEnabled = true
	s.RequestTimeoutSeconds = 0 // must clamp to 1
	s.InternalBaseURLs = []string{"https://x.example/v1internal//"}
	s.ModelVisibility = map[string]bool{"gemini-2.0-flash": false}
	require.NoError(t, st.Put(s))

	// Reload from disk.
	st2, err := NewSettingsStore(dir)
	require.NoError(t, err)
	got := st2.Get()
	assert.True(t, got.AutoSwitchEnabled)
	assert.Equal(t, 1, got.RequestTimeoutSeconds)
	assert.Equal(t, []string{"https://x.example/v1internal"}, got.InternalBaseURLs)
	assert.False(t, got.ModelVisible("gemini-2.0-flash"))
	assert.True(t, got.ModelVisible("claude-3-7-sonnet"))
}

func TestSettingsWriteIsAtomic(t *testing.T) {
	dir := t.TempDir()
	st, err := NewSettingsStore(dir)
	require.NoError(t, err)
	require.NoError(t, st.Put(st.Get()))

	// No temp files left behind after a successful write.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.Equal(t, "settings.json", filepath.Base(e.Name()))
	}
}
