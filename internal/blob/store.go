// Package blob stores avatar images on the local filesystem and maps them
// to URLs served by the API.
package blob

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var ErrNotFound = errors.New("blob not found")

type Store struct {
	dir     string
	baseURL string
}

// New creates the storage directory if needed. baseURL is the public prefix
// under which stored blobs are reachable, e.g. http://host/api/avatars.
func New(dir, baseURL string) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("blob dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}
	return &Store{dir: dir, baseURL: strings.TrimSuffix(baseURL, "/")}, nil
}

// Put writes data under name and returns the public URL for it.
func (s *Store) Put(name string, data []byte) (string, error) {
	cleaned, err := s.cleanName(name)
	if err != nil {
		return "", err
	}
	path := filepath.Join(s.dir, cleaned)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write blob: %w", err)
	}
	return s.baseURL + "/" + cleaned, nil
}

// Path resolves name to a filesystem path inside the storage directory.
func (s *Store) Path(name string) (string, error) {
	cleaned, err := s.cleanName(name)
	if err != nil {
		return "", err
	}
	path := filepath.Join(s.dir, cleaned)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("stat blob: %w", err)
	}
	return path, nil
}

func (s *Store) cleanName(name string) (string, error) {
	cleaned := filepath.Base(strings.TrimSpace(name))
	if cleaned == "" || cleaned == "." || cleaned == string(filepath.Separator) {
		return "", errors.New("invalid blob name")
	}
	return cleaned, nil
}
