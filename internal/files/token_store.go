package files

import (
	"errors"
	"os"
	"strings"
)

// TokenStore keeps the admin bearer credential between runs.
type TokenStore struct {
	path string
}

func NewTokenStore(path string) *TokenStore {
	return &TokenStore{path: path}
}

// Load returns the stored token, or "" when none is stored.
func (t *TokenStore) Load() (string, error) {
	b, err := os.ReadFile(t.path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

func (t *TokenStore) Save(token string) error {
	return writeFileAtomic(t.path, []byte(token), 0600)
}

func (t *TokenStore) Clear() error {
	err := os.Remove(t.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
