package files

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// LocalStore is a small durable key/value file for one installation.
// Every Set rewrites the file through a temp file and rename, so a crash
// leaves either the old or the new contents.
type LocalStore struct {
	path string

	mu     sync.Mutex
	values map[string]string
}

// OpenLocalStore loads path, creating an empty store if it does not exist.
func OpenLocalStore(path string) (*LocalStore, error) {
	s := &LocalStore{path: path, values: make(map[string]string)}
	blob, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, err
	}
	if len(blob) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(blob, &s.values); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return s, nil
}

// Get returns the value stored under key.
func (s *LocalStore) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok
}

// Set stores value and flushes to disk. The in-memory value is rolled
// back if the write fails.
func (s *LocalStore) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, had := s.values[key]
	s.values[key] = value
	if err := s.flush(); err != nil {
		if had {
			s.values[key] = prev
		} else {
			delete(s.values, key)
		}
		return err
	}
	return nil
}

// Delete removes key and flushes to disk.
func (s *LocalStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, had := s.values[key]
	if !had {
		return nil
	}
	delete(s.values, key)
	if err := s.flush(); err != nil {
		s.values[key] = prev
		return err
	}
	return nil
}

func (s *LocalStore) flush() error {
	plain, err := json.MarshalIndent(s.values, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(s.path, plain, 0600)
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), perm); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
