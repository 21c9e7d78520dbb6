// Package store persists the small record sets the server keeps in memory
// (users, roots, public links). Each set is saved whole under a key.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrNotFound is returned by Load when nothing has been saved under key.
var ErrNotFound = errors.New("record not found")

// Store loads and saves JSON-encodable values by key.
type Store interface {
	Load(key string, v any) error
	Save(key string, v any) error
	Close() error
}

// Open returns the store for driver ("json" or "bolt") rooted at dir.
func Open(driver, dir string) (Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "json":
		return NewJSONDir(dir)
	case "bolt", "bbolt":
		return OpenBolt(filepath.Join(dir, "rootshare.db"))
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}

// JSONDir keeps one <key>.json file per key.
type JSONDir struct {
	dir string
	mu  sync.Mutex
}

func NewJSONDir(dir string) (*JSONDir, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &JSONDir{dir: dir}, nil
}

func (s *JSONDir) path(key string) (string, error) {
	if key == "" || strings.ContainsAny(key, `/\.`) {
		return "", fmt.Errorf("invalid store key %q", key)
	}
	return filepath.Join(s.dir, key+".json"), nil
}

func (s *JSONDir) Load(key string, v any) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	b, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrNotFound
		}
		return err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decode %s: %w", filepath.Base(p), err)
	}
	return nil
}

// Save writes to a temp file and renames it over the old one so readers
// never see a partial file.
func (s *JSONDir) Save(key string, v any) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, p)
}

func (s *JSONDir) Close() error { return nil }
