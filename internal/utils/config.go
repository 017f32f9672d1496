package utils

import (
	"os"
	"path/filepath"
)

// GetProjectRoot returns the absolute path to the project root directory.
func GetProjectRoot() string {
	dir, err := os.Getwd()
	if err != nil {
		return "." // fallback
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break // reached root
		}
		dir = parent
	}
	return "." // fallback
}

// GetDataDir returns base/sub, defaulting base to <project root>/data.
func GetDataDir(base, sub string) string {
	if base == "" {
		base = filepath.Join(GetProjectRoot(), "data")
	}
	return filepath.Join(base, sub)
}
