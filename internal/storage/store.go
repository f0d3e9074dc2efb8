package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"kiroproxy/internal/models"
)

const snapshotVersion = 1

// snapshotFile is the on-disk shape of the account list.
type snapshotFile struct {
	Version  int                `json:"version"`
	Accounts []snapshotAccount  `json:"accounts"`
}

type snapshotAccount struct {
	ID            string            `json:"id"`
	Credential    models.Credential `json:"credential"`
	Enabled       bool              `json:"enabled"`
	Status        string            `json:"status"`
	CooldownUntil *time.Time        `json:"cooldown_until,omitempty"`
	LastError     *models.LastError `json:"last_error,omitempty"`
}

// SnapshotStore persists the account list as a single JSON file. Writes are
// serialised and atomic (write-temp-then-rename). With an encryption key the
// two token fields are stored AES-GCM encrypted.
type SnapshotStore struct {
	path string
	enc  *Encryption

	mu sync.Mutex
}

// NewSnapshotStore creates a store writing to path. key is optional; when
// non-nil the access and refresh tokens are encrypted at rest.
func NewSnapshotStore(path string, key []byte) (*SnapshotStore, error) {
	s := &SnapshotStore{path: path}
	if len(key) > 0 {
		enc, err := NewEncryption(key)
		if err != nil {
			return nil, err
		}
		s.enc = enc
	}
	return s, nil
}

// Save writes the account list to disk. Runtime-only fields are not persisted.
func (s *SnapshotStore) Save(accounts []*models.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	file := snapshotFile{Version: snapshotVersion, Accounts: make([]snapshotAccount, 0, len(accounts))}
	for _, a := range accounts {
		cred := a.Credential
		if s.enc != nil {
			var err error
			if cred.AccessToken, err = s.enc.EncryptString(cred.AccessToken); err != nil {
				return fmt.Errorf("failed to encrypt access token: %w", err)
			}
			if cred.RefreshToken, err = s.enc.EncryptString(cred.RefreshToken); err != nil {
				return fmt.Errorf("failed to encrypt refresh token: %w", err)
			}
		}
		file.Accounts = append(file.Accounts, snapshotAccount{
			ID:            a.ID,
			Credential:    cred,
			Enabled:       a.Enabled,
			Status:        string(a.Status),
			CooldownUntil: a.CooldownUntil,
			LastError:     a.LastError,
		})
	}

	data, err := json.MarshalIndent(&file, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".config-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp snapshot: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace snapshot: %w", err)
	}
	return nil
}

// Load reads the account list from disk. A missing file yields an empty list.
// Statuses are normalised on load: a lapsed cooldown comes back Active, a
// disabled bit always wins.
func (s *SnapshotStore) Load() ([]*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}

	var file snapshotFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse snapshot: %w", err)
	}
	if file.Version != snapshotVersion {
		return nil, fmt.Errorf("%w: %d", ErrSnapshotVersion, file.Version)
	}

	now := time.Now()
	accounts := make([]*models.Account, 0, len(file.Accounts))
	for _, sa := range file.Accounts {
		cred := sa.Credential
		if s.enc != nil {
			if cred.AccessToken, err = s.enc.DecryptString(cred.AccessToken); err != nil {
				return nil, fmt.Errorf("failed to decrypt access token for %s: %w", sa.ID, err)
			}
			if cred.RefreshToken, err = s.enc.DecryptString(cred.RefreshToken); err != nil {
				return nil, fmt.Errorf("failed to decrypt refresh token for %s: %w", sa.ID, err)
			}
		}
		a := &models.Account{
			ID:            sa.ID,
			Credential:    cred,
			Enabled:       sa.Enabled,
			Status:        models.AccountStatus(sa.Status),
			CooldownUntil: sa.CooldownUntil,
			LastError:     sa.LastError,
		}
		switch {
		case !a.Enabled:
			a.Status = models.StatusDisabled
		case a.Status == models.StatusCooldown && (a.CooldownUntil == nil || !now.Before(*a.CooldownUntil)):
			a.Status = models.StatusActive
			a.CooldownUntil = nil
		case a.Status == models.StatusDisabled && a.Enabled:
			a.Status = models.StatusActive
		case a.Status == "":
			a.Status = models.StatusActive
		}
		accounts = append(accounts, a)
	}
	return accounts, nil
}
