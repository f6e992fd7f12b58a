package keyvault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dmitrykh/whisperline/cryptox"
	"github.com/dmitrykh/whisperline/storage"
)

// FileStore is a LocalStore keeping one JSON file per user id under a
// private directory. File mode is 0600 and the directory 0700: the private
// key must not be readable by other local users.
type FileStore struct {
	dir string
}

var _ LocalStore = (*FileStore)(nil)

// NewFileStore creates the directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", dir, err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(userID string) (string, error) {
	if userID == "" || strings.ContainsAny(userID, `/\`) || strings.Contains(userID, "..") {
		return "", fmt.Errorf("invalid user id %q", userID)
	}
	return filepath.Join(s.dir, userID+".json"), nil
}

func (s *FileStore) Load(_ context.Context, userID string) (*cryptox.KeyPair, error) {
	path, err := s.path(userID)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("read keypair: %w", err)
	}

	kp := &cryptox.KeyPair{}
	if err := json.Unmarshal(data, kp); err != nil {
		return nil, fmt.Errorf("decode keypair: %w", err)
	}
	if len(kp.Public) != cryptox.KeySize || len(kp.Private) != cryptox.KeySize {
		return nil, fmt.Errorf("keypair file %s: %w", path, cryptox.ErrInvalidKeySize)
	}
	return kp, nil
}

func (s *FileStore) Save(_ context.Context, userID string, kp *cryptox.KeyPair) error {
	path, err := s.path(userID)
	if err != nil {
		return err
	}

	data, err := json.Marshal(kp)
	if err != nil {
		return fmt.Errorf("encode keypair: %w", err)
	}

	// Write-then-rename so a crash never leaves a truncated keypair file.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write keypair: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename keypair: %w", err)
	}
	return nil
}
