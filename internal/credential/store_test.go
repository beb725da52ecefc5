package credential

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krishnakanthb13/AntigravityManager/internal/model"
)

// memSource is an in-memory key source for tests.
type memSource struct {
	name     string
	material string
	err      error
}

func (m memSource) Name() string { return m.name }

func (m memSource) Key() ([]byte, error) {
	if m.err != nil {
		return nil, m.err
	}
	return stretchKey([]byte(m.material))
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	s := NewStoreWithSources(memSource{name: "primary", material: "primary-secret"})

	bundle, err := s.Encrypt([]byte(`{"token":"abc"}`))
	require.NoError(t, err)

	parts := strings.Split(bundle, ":")
	require.Len(t, parts, 3)
	assert.Len(t, parts[0], 32) // 16-byte IV in hex
	assert.Len(t, parts[1], 32) // 16-byte tag in hex

	res, err := s.DecryptWithMigration(bundle)
	require.NoError(t, err)
	assert.Equal(t, `{"token":"abc"}`, string(res.Plaintext))
	assert.Empty(t, res.UsedFallback)
	assert.Empty(t, res.Reencrypted)
}

func TestLegacyBundleMigrates(t *testing.T) {
	legacy := memSource{name: "file-legacy", material: "old-secret"}

	// Seal under the legacy key only.
	legacyStore := NewStoreWithSources(legacy)
	bundle, err := legacyStore.Encrypt([]byte(`{"token":"legacy"}`))
	require.NoError(t, err)

	s := NewStoreWithSources(memSource{name: "primary", material: "new-secret"}, legacy)
	res, err := s.DecryptWithMigration(bundle)
	require.NoError(t, err)
	assert.Equal(t, `{"token":"legacy"}`, string(res.Plaintext))
	assert.Equal(t, "file-legacy", res.UsedFallback)
	require.NotEmpty(t, res.Reencrypted)

	// The re-encrypted bundle round-trips under the primary key alone.
	primaryOnly := NewStoreWithSources(memSource{name: "primary", material: "new-secret"})
	res2, err := primaryOnly.DecryptWithMigration(res.Reencrypted)
	require.NoError(t, err)
	assert.Equal(t, `{"token":"legacy"}`, string(res2.Plaintext))
	assert.Empty(t, res2.UsedFallback)
}

func TestDecryptUnknownKeyFails(t *testing.T) {
	other := NewStoreWithSources(memSource{name: "primary", material: "somebody-else"})
	bundle, err := other.Encrypt([]byte("secret"))
	require.NoError(t, err)

	s := NewStoreWithSources(memSource{name: "primary", material: "mine"})
	_, err = s.DecryptWithMigration(bundle)
	var coded *model.CodedError
	require.ErrorAs(t, err, &coded)
	assert.Equal(t, model.ErrCodeDataMigration, coded.Code)
	assert.Equal(t, "ERR_DATA_MIGRATION_FAILED|HINT_RELOGIN", coded.Wire())
}

func TestMalformedBundleRejected(t *testing.T) {
	s := NewStoreWithSources(memSource{name: "primary", material: "k"})
	for _, bundle := range []string{"", "abc", "zz:zz:zz", "0011:2233"} {
		_, err := s.DecryptWithMigration(bundle)
		var coded *model.CodedError
		require.ErrorAs(t, err, &coded, "bundle %q", bundle)
		assert.Equal(t, model.ErrCodeDataMigration, coded.Code)
	}
}

func TestPrimaryUnavailableSurfacesKeychainError(t *testing.T) {
	s := NewStoreWithSources(memSource{name: "primary", err: errors.New("keychain access denied")})
	_, err := s.Encrypt([]byte("x"))
	var coded *model.CodedError
	require.ErrorAs(t, err, &coded)
	assert.Equal(t, model.ErrCodeKeychainUnavailable, coded.Code)
	assert.Equal(t, model.HintKeychainDenied, coded.Hint)
}

func TestKeychainHintClassification(t *testing.T) {
	cases := map[string]string{
		"app translocation detected": model.HintKeychainTranslocation,
		"binary is unsigned":         model.HintKeychainUnsigned,
		"permission denied":          model.HintKeychainDenied,
	}
	for msg, hint := range cases {
		err := keychainError(errors.New(msg))
		var coded *model.CodedError
		require.ErrorAs(t, err, &coded)
		assert.Equal(t, hint, coded.Hint, "message %q", msg)
	}
}
