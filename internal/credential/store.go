package credential

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/krishnakanthb13/AntigravityManager/internal/model"
)

// ivLen matches the bundle format's 16-byte IV; GCM is configured with the
// same nonce size so bundles interoperate with previously written data.
const ivLen = 16

// Store seals and opens credential bundles of the form iv_hex:tag_hex:ct_hex.
// The primary key handle is cached process-wide; legacy sources are consulted
// only when the primary fails to authenticate a bundle.
type Store struct {
	primary   KeySource
	fallbacks []KeySource

	mu         sync.Mutex
	primaryKey []byte // lazily resolved; nil until first use
}

// NewStore builds a store over the default key sources for dataDir.
func NewStore(dataDir string) *Store {
	return &Store{
		primary:   KeychainPrimary{},
		fallbacks: []KeySource{KeychainLegacy{}, FileLegacy{Dir: dataDir}},
	}
}

// NewStoreWithSources builds a store over explicit sources (tests).
func NewStoreWithSources(primary KeySource, fallbacks ...KeySource) *Store {
	return &Store{primary: primary, fallbacks: fallbacks}
}

// Result is the outcome of DecryptWithMigration.
type Result struct {
	Plaintext []byte
	// UsedFallback names the legacy source that opened the bundle; empty
	// when the primary key succeeded.
	UsedFallback string
	// Reencrypted is the bundle re-sealed under the primary key; empty when
	// no migration happened. Callers should rewrite storage with it.
	Reencrypted string
}

func (s *Store) resolvePrimary() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.primaryKey != nil {
		return s.primaryKey, nil
	}
	key, err := s.primary.Key()
	if err != nil {
		var coded *model.CodedError
		if errors.As(err, &coded) {
			return nil, err
		}
		return nil, keychainError(err)
	}
	s.primaryKey = key
	return key, nil
}

// Encrypt seals plaintext under the primary key with a fresh 16-byte IV.
func (s *Store) Encrypt(plaintext []byte) (string, error) {
	key, err := s.resolvePrimary()
	if err != nil {
		return "", err
	}
	return sealWithKey(key, plaintext)
}

// DecryptWithMigration opens a bundle, trying the primary key first and then
// each legacy source in order. A successful legacy decrypt re-seals the
// plaintext under the primary key before returning.
func (s *Store) DecryptWithMigration(bundle string) (Result, error) {
	iv, tag, ct, err := parseBundle(bundle)
	if err != nil {
		return Result{}, model.NewCodedError(model.ErrCodeDataMigration, model.HintClearData, "malformed credential bundle", err)
	}

	primaryKey, err := s.resolvePrimary()
	if err != nil {
		return Result{}, err
	}
	if pt, oerr := openWithKey(primaryKey, iv, tag, ct); oerr == nil {
		return Result{Plaintext: pt}, nil
	}

	for _, src := range s.fallbacks {
		key, kerr := src.Key()
		if kerr != nil {
			continue
		}
		pt, oerr := openWithKey(key, iv, tag, ct)
		if oerr != nil {
			continue
		}
		resealed, serr := sealWithKey(primaryKey, pt)
		if serr != nil {
			return Result{}, serr
		}
		return Result{Plaintext: pt, UsedFallback: src.Name(), Reencrypted: resealed}, nil
	}

	return Result{}, model.NewCodedError(model.ErrCodeDataMigration, model.HintRelogin,
		"bundle decrypts under no known key", nil)
}

func sealWithKey(key, plaintext []byte) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}
	iv := make([]byte, ivLen)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", fmt.Errorf("credential: generate iv: %w", err)
	}
	sealed := gcm.Seal(nil, iv, plaintext, nil)
	// Seal appends the tag to the ciphertext; the bundle stores them apart.
	ct, tag := sealed[:len(sealed)-gcm.Overhead()], sealed[len(sealed)-gcm.Overhead():]
	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(tag) + ":" + hex.EncodeToString(ct), nil
}

func openWithKey(key, iv, tag, ct []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	sealed := make([]byte, 0, len(ct)+len(tag))
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)
	pt, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("credential: open: %w", err)
	}
	return pt, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("credential: cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, ivLen)
	if err != nil {
		return nil, fmt.Errorf("credential: gcm: %w", err)
	}
	return gcm, nil
}

func parseBundle(bundle string) (iv, tag, ct []byte, err error) {
	parts := strings.Split(bundle, ":")
	if len(parts) != 3 {
		return nil, nil, nil, fmt.Errorf("credential: bundle must have 3 segments, got %d", len(parts))
	}
	if iv, err = hex.DecodeString(parts[0]); err != nil {
		return nil, nil, nil, fmt.Errorf("credential: iv hex: %w", err)
	}
	if len(iv) != ivLen {
		return nil, nil, nil, fmt.Errorf("credential: iv must be %d bytes, got %d", ivLen, len(iv))
	}
	if tag, err = hex.DecodeString(parts[1]); err != nil {
		return nil, nil, nil, fmt.Errorf("credential: tag hex: %w", err)
	}
	if ct, err = hex.DecodeString(parts[2]); err != nil {
		return nil, nil, nil, fmt.Errorf("credential: ciphertext hex: %w", err)
	}
	return iv, tag, ct, nil
}
