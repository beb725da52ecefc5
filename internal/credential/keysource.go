// Package credential encrypts account credential bundles at rest with
// AES-256-GCM and migrates bundles between key sources: bundles sealed under
// a legacy key are transparently re-sealed under the primary key on read.
package credential

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/zalando/go-keyring"
	"golang.org/x/crypto/hkdf"

	"github.com/krishnakanthb13/AntigravityManager/internal/model"
)

const (
	keyringService = "antigravity-manager"
	primaryEntry   = "primary"
	legacyEntry    = "legacy"
	legacyKeyFile  = "legacy_key.bin"

	keyLen = 32
)

// KeySource yields a 32-byte AES key. Primary sources may bootstrap a key on
// first use; legacy sources only ever return what already exists.
type KeySource interface {
	// Name identifies the source in migration results and logs.
	Name() string
	// Key returns the 32-byte key, or an error when the source is
	// unavailable or holds no key.
	Key() ([]byte, error)
}

// stretchKey derives exactly 32 bytes from raw material via HKDF-SHA256, so
// key sources may store material of any length.
func stretchKey(material []byte) ([]byte, error) {
	key := make([]byte, keyLen)
	r := hkdf.New(sha256.New, material, nil, []byte("antigravity-manager/credential"))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("credential: derive key: %w", err)
	}
	return key, nil
}

// KeychainPrimary is the OS-keychain-backed primary key source. A missing
// entry is generated and stored on first use.
type KeychainPrimary struct{}

func (KeychainPrimary) Name() string { return "keychain-primary" }

func (KeychainPrimary) Key() ([]byte, error) {
	secret, err := keyring.Get(keyringService, primaryEntry)
	if errors.Is(err, keyring.ErrNotFound) {
		raw := make([]byte, keyLen)
		if _, rerr := rand.Read(raw); rerr != nil {
			return nil, fmt.Errorf("credential: generate primary key: %w", rerr)
		}
		secret = hex.EncodeToString(raw)
		if serr := keyring.Set(keyringService, primaryEntry, secret); serr != nil {
			return nil, keychainError(serr)
		}
	} else if err != nil {
		return nil, keychainError(err)
	}
	return stretchKey([]byte(secret))
}

// KeychainLegacy reads the pre-migration keychain entry. Never creates one.
type KeychainLegacy struct{}

func (KeychainLegacy) Name() string { return "keychain-legacy" }

func (KeychainLegacy) Key() ([]byte, error) {
	secret, err := keyring.Get(keyringService, legacyEntry)
	if err != nil {
		return nil, fmt.Errorf("credential: legacy keychain entry: %w", err)
	}
	return stretchKey([]byte(secret))
}

// FileLegacy reads the file-scoped legacy key from the data directory.
type FileLegacy struct {
	Dir string
}

func (FileLegacy) Name() string { return "file-legacy" }

func (f FileLegacy) Key() ([]byte, error) {
	raw, err := os.ReadFile(filepath.Join(f.Dir, legacyKeyFile))
	if err != nil {
		return nil, fmt.Errorf("credential: legacy key file: %w", err)
	}
	return stretchKey([]byte(strings.TrimSpace(string(raw))))
}

// keychainError maps keyring failures to ERR_KEYCHAIN_UNAVAILABLE with the
// most specific hint the underlying error text supports.
func keychainError(err error) error {
	hint := model.HintKeychainDenied
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "translocat"):
		hint = model.HintKeychainTranslocation
	case strings.Contains(msg, "unsigned") || strings.Contains(msg, "signature"):
		hint = model.HintKeychainUnsigned
	}
	return model.NewCodedError(model.ErrCodeKeychainUnavailable, hint, "primary key unavailable", err)
}
