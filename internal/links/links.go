// Package links manages public download tokens. A token names one file in
// one root and grants access to it without a session.
package links

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"rootshare/internal/fsutil"
	"rootshare/internal/store"
)

var (
	ErrNotFound = errors.New("link not found")
	ErrNotFile  = errors.New("link target is not a regular file")
)

const storeKey = "links"

type Link struct {
	Token     string    `json:"token"`
	Root      string    `json:"root"`
	Path      string    `json:"path"`
	CreatedBy string    `json:"created_by,omitempty"`
	Created   time.Time `json:"created"`
	// Expires is zero for links that live until deleted.
	Expires time.Time `json:"expires,omitempty"`
}

func (l Link) expired(now time.Time) bool {
	return !l.Expires.IsZero() && !now.Before(l.Expires)
}

// Resolver maps a root id and relative path to an absolute path.
// *roots.Registry satisfies it.
type Resolver interface {
	Resolve(rootID, rel string) (string, error)
}

type Options struct {
	// TTL bounds the life of new links; zero means they never expire.
	TTL time.Duration
	Now func() time.Time
}

type Registry struct {
	mu    sync.RWMutex
	links map[string]Link
	st    store.Store
	res   Resolver
	ttl   time.Duration
	now   func() time.Time
}

func Open(st store.Store, res Resolver, opts Options) (*Registry, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	r := &Registry{links: map[string]Link{}, st: st, res: res, ttl: opts.TTL, now: opts.Now}
	if st != nil {
		err := st.Load(storeKey, &r.links)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("load links: %w", err)
		}
		if r.links == nil {
			r.links = map[string]Link{}
		}
	}
	return r, nil
}

// Create returns a link for the file at rel in rootID. The path must
// resolve inside the root and name an existing regular file; otherwise no
// entry is made. A file that already has a live link gets that link back.
func (r *Registry) Create(rootID, rel, createdBy string) (Link, error) {
	abs, err := r.res.Resolve(rootID, rel)
	if err != nil {
		return Link{}, err
	}
	st, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Link{}, fmt.Errorf("%w: %s", ErrNotFound, rel)
		}
		return Link{}, err
	}
	if !st.Mode().IsRegular() {
		return Link{}, ErrNotFile
	}
	clean := fsutil.CleanRelPath(rel)

	tok, err := newToken()
	if err != nil {
		return Link{}, err
	}
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range r.links {
		if l.Root == rootID && l.Path == clean && !l.expired(now) {
			return l, nil
		}
	}
	l := Link{Token: tok, Root: rootID, Path: clean, CreatedBy: createdBy, Created: now}
	if r.ttl > 0 {
		l.Expires = now.Add(r.ttl)
	}
	r.links[tok] = l
	if err := r.saveLocked(); err != nil {
		delete(r.links, tok)
		return Link{}, err
	}
	return l, nil
}

// Resolve looks up token. Expired links are reported as missing.
func (r *Registry) Resolve(token string) (Link, error) {
	r.mu.RLock()
	l, ok := r.links[token]
	r.mu.RUnlock()
	if !ok || l.expired(r.now()) {
		return Link{}, ErrNotFound
	}
	return l, nil
}

// Target resolves token and then its path, so a link whose root went away
// or whose path now escapes fails here rather than at open time.
func (r *Registry) Target(token string) (Link, string, error) {
	l, err := r.Resolve(token)
	if err != nil {
		return Link{}, "", err
	}
	abs, err := r.res.Resolve(l.Root, l.Path)
	if err != nil {
		return Link{}, "", err
	}
	return l, abs, nil
}

func (r *Registry) Delete(token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.links[token]
	if !ok {
		return ErrNotFound
	}
	delete(r.links, token)
	if err := r.saveLocked(); err != nil {
		r.links[token] = l
		return err
	}
	return nil
}

// Clear removes every link.
func (r *Registry) Clear() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.links
	r.links = map[string]Link{}
	if err := r.saveLocked(); err != nil {
		r.links = prev
		return err
	}
	return nil
}

// DeleteForRoot drops every link into rootID and reports how many went.
func (r *Registry) DeleteForRoot(rootID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := make(map[string]Link, len(r.links))
	for tok, l := range r.links {
		if l.Root != rootID {
			next[tok] = l
		}
	}
	n := len(r.links) - len(next)
	if n == 0 {
		return 0, nil
	}
	prev := r.links
	r.links = next
	if err := r.saveLocked(); err != nil {
		r.links = prev
		return 0, err
	}
	return n, nil
}

// Prune removes expired links.
func (r *Registry) Prune() (int, error) {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for tok, l := range r.links {
		if l.expired(now) {
			delete(r.links, tok)
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}
	return n, r.saveLocked()
}

// List returns live links, oldest first.
func (r *Registry) List() []Link {
	now := r.now()
	r.mu.RLock()
	out := make([]Link, 0, len(r.links))
	for _, l := range r.links {
		if !l.expired(now) {
			out = append(out, l)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Created.Equal(out[j].Created) {
			return out[i].Token < out[j].Token
		}
		return out[i].Created.Before(out[j].Created)
	})
	return out
}

func (r *Registry) saveLocked() error {
	if r.st == nil {
		return nil
	}
	if err := r.st.Save(storeKey, r.links); err != nil {
		return fmt.Errorf("save links: %w", err)
	}
	return nil
}

func newToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate link token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
