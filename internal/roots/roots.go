// Package roots keeps the ordered set of directories users may browse and
// maps (root id, relative path) pairs onto the filesystem.
package roots

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"rootshare/internal/fsutil"
	"rootshare/internal/store"
)

var (
	ErrConflict    = errors.New("root already registered")
	ErrNotFound    = errors.New("root not found")
	ErrLastRoot    = errors.New("cannot remove the last root")
	ErrInvalidPath = errors.New("root path must be an absolute directory")
)

const storeKey = "roots"

type Root struct {
	ID   string `json:"id"`
	Path string `json:"path"`
}

type persisted struct {
	Roots []Root `json:"roots"`
}

// Registry is never empty once opened.
type Registry struct {
	mu     sync.RWMutex
	roots  []Root
	st     store.Store
	follow bool
}

// Open loads the registry from st. If nothing is stored, the defaults are
// registered (and created on disk) instead.
func Open(st store.Store, defaults []Root, followSymlinks bool) (*Registry, error) {
	r := &Registry{st: st, follow: followSymlinks}
	var p persisted
	err := st.Load(storeKey, &p)
	switch {
	case err == nil && len(p.Roots) > 0:
		r.roots = p.Roots
		return r, nil
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("load roots: %w", err)
	}
	if len(defaults) == 0 {
		return nil, errors.New("no roots configured")
	}
	for _, d := range defaults {
		if _, err := r.Add(d.ID, d.Path); err != nil && !errors.Is(err, ErrConflict) {
			return nil, fmt.Errorf("register root %s: %w", d.Path, err)
		}
	}
	return r, nil
}

// Resolve returns the canonical absolute path of rel inside root id.
// An unknown id is reported as a traversal so callers treat it the same
// way as any other out-of-bounds reference.
func (r *Registry) Resolve(id, rel string) (string, error) {
	root, err := r.Get(id)
	if err != nil {
		return "", fmt.Errorf("%w: unknown root", fsutil.ErrPathTraversal)
	}
	return fsutil.ResolveWithinRoot(root.Path, rel, r.follow)
}

func (r *Registry) Get(id string) (Root, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, root := range r.roots {
		if root.ID == id {
			return root, nil
		}
	}
	return Root{}, ErrNotFound
}

// List returns the roots in registration order.
func (r *Registry) List() []Root {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Root, len(r.roots))
	copy(out, r.roots)
	return out
}

// Add registers path under id, creating the directory if needed. An empty
// id is derived from the directory name.
func (r *Registry) Add(id, path string) (Root, error) {
	path = strings.TrimSpace(path)
	if path == "" || !filepath.IsAbs(path) {
		return Root{}, ErrInvalidPath
	}
	id = strings.TrimSpace(id)
	if id != "" {
		if err := ValidateID(id); err != nil {
			return Root{}, err
		}
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return Root{}, fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}
	st, err := os.Stat(path)
	if err != nil || !st.IsDir() {
		return Root{}, ErrInvalidPath
	}
	canon, err := fsutil.CanonicalDir(path)
	if err != nil {
		return Root{}, fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.roots {
		if existing.Path == canon || (id != "" && existing.ID == id) {
			return Root{}, ErrConflict
		}
	}
	if id == "" {
		id = r.uniqueIDLocked(Slug(filepath.Base(canon)))
	}
	root := Root{ID: id, Path: canon}
	r.roots = append(r.roots, root)
	if err := r.saveLocked(); err != nil {
		r.roots = r.roots[:len(r.roots)-1]
		return Root{}, err
	}
	return root, nil
}

// Remove unregisters id. Files on disk are left alone.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := -1
	for i, root := range r.roots {
		if root.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ErrNotFound
	}
	if len(r.roots) == 1 {
		return ErrLastRoot
	}
	prev := r.roots
	next := make([]Root, 0, len(prev)-1)
	next = append(next, prev[:idx]...)
	next = append(next, prev[idx+1:]...)
	r.roots = next
	if err := r.saveLocked(); err != nil {
		r.roots = prev
		return err
	}
	return nil
}

func (r *Registry) saveLocked() error {
	if r.st == nil {
		return nil
	}
	if err := r.st.Save(storeKey, persisted{Roots: r.roots}); err != nil {
		return fmt.Errorf("save roots: %w", err)
	}
	return nil
}

func (r *Registry) uniqueIDLocked(base string) string {
	taken := func(id string) bool {
		for _, root := range r.roots {
			if root.ID == id {
				return true
			}
		}
		return false
	}
	if !taken(base) {
		return base
	}
	for i := 2; ; i++ {
		id := base + "-" + strconv.Itoa(i)
		if !taken(id) {
			return id
		}
	}
}

// ValidateID accepts 1-32 characters of [a-z0-9_-].
func ValidateID(id string) error {
	if id == "" || len(id) > 32 {
		return fmt.Errorf("%w: root id must be 1-32 characters", ErrInvalidPath)
	}
	for _, c := range id {
		if !isSlugRune(c) {
			return fmt.Errorf("%w: root id contains %q", ErrInvalidPath, c)
		}
	}
	return nil
}

// Slug lowercases s and collapses anything outside [a-z0-9_-] into dashes.
func Slug(s string) string {
	var b strings.Builder
	dash := false
	for _, c := range strings.ToLower(s) {
		if isSlugRune(c) {
			b.WriteRune(c)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	out := strings.Trim(b.String(), "-")
	if len(out) > 24 {
		out = strings.Trim(out[:24], "-")
	}
	if out == "" {
		return "root"
	}
	return out
}

func isSlugRune(c rune) bool {
	return (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '-' || c == '_'
}
