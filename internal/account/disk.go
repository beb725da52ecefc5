package account

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/krishnakanthb13/AntigravityManager/internal/config"
	"github.com/krishnakanthb13/AntigravityManager/internal/model"
)

// diskStore persists one JSON document per account under <dataDir>/accounts.
// Writes go through the shared rename-on-write helper so a crash never leaves
// a torn document behind.
type diskStore struct {
	dir string
}

func newDiskStore(dataDir string) *diskStore {
	return &diskStore{dir: filepath.Join(dataDir, "accounts")}
}

func (d *diskStore) path(id uuid.UUID) string {
	return filepath.Join(d.dir, id.String()+".json")
}

// Load reads every account document. Unreadable documents are skipped and
// reported joined into the returned error alongside the accounts that did
// load.
func (d *diskStore) Load() ([]model.Account, error) {
	entries, err := os.ReadDir(d.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("account: read dir: %w", err)
	}

	var accounts []model.Account
	var errs []error
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(d.dir, name))
		if err != nil {
			errs = append(errs, fmt.Errorf("account: read %s: %w", name, err))
			continue
		}
		var a model.Account
		if err := json.Unmarshal(data, &a); err != nil {
			errs = append(errs, fmt.Errorf("account: parse %s: %w", name, err))
			continue
		}
		if a.ID == uuid.Nil {
			errs = append(errs, fmt.Errorf("account: %s has no id", name))
			continue
		}
		accounts = append(accounts, a)
	}
	return accounts, errors.Join(errs...)
}

func (d *diskStore) Save(a model.Account) error {
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return fmt.Errorf("account: marshal %s: %w", a.ID, err)
	}
	if err := config.WriteFileAtomic(d.path(a.ID), data); err != nil {
		return fmt.Errorf("account: write %s: %w", a.ID, err)
	}
	return nil
}

func (d *diskStore) Delete(id uuid.UUID) error {
	err := os.Remove(d.path(id))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("account: delete %s: %w", id, err)
	}
	return nil
}
