package auth

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"unicode"

	"rootshare/internal/store"
)

const (
	usersKey = "users"

	DefaultAdminName     = "Admin"
	DefaultAdminPassword = "Password"
)

// record is the persisted form of a user.
type record struct {
	Hash string `json:"hashed_password"`
	Salt string `json:"salt"`
	Role Role   `json:"role"`
}

// User is what callers see; it never carries hash material.
type User struct {
	Username string `json:"username"`
	Role     Role   `json:"role"`
}

// Users is the credential store. Hashing always happens outside mu so a
// slow login never blocks other lookups.
type Users struct {
	mu     sync.RWMutex
	recs   map[string]record
	st     store.Store
	hasher Hasher

	dummyOnce sync.Once
	dummy     string
}

// OpenUsers loads users from st. When there is nothing to load, or the
// loaded set has no admin, the default admin account is created and
// bootstrapped is true.
func OpenUsers(st store.Store, h Hasher) (u *Users, bootstrapped bool, err error) {
	if h == nil {
		h = Bcrypt{}
	}
	u = &Users{recs: map[string]record{}, st: st, hasher: h}
	err = st.Load(usersKey, &u.recs)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, false, fmt.Errorf("load users: %w", err)
	}
	if u.recs == nil {
		u.recs = map[string]record{}
	}
	if u.adminCount() > 0 {
		return u, false, nil
	}
	if _, exists := u.recs[DefaultAdminName]; exists {
		if err := u.SetRole(DefaultAdminName, RoleAdmin); err != nil {
			return nil, false, err
		}
		return u, true, nil
	}
	if err := u.Create(DefaultAdminName, DefaultAdminPassword, RoleAdmin); err != nil {
		return nil, false, err
	}
	return u, true, nil
}

// ValidateUsername enforces the shape of account names.
func ValidateUsername(name string) error {
	if name == "" || len(name) > 64 {
		return fmt.Errorf("%w: username must be 1-64 characters", ErrBadInput)
	}
	if strings.TrimSpace(name) != name {
		return fmt.Errorf("%w: username has surrounding spaces", ErrBadInput)
	}
	for _, r := range name {
		if unicode.IsControl(r) || r == '/' || r == '\\' || r == ':' {
			return fmt.Errorf("%w: username contains %q", ErrBadInput, r)
		}
	}
	return nil
}

// MaxPasswordBytes is the longest password bcrypt accepts.
const MaxPasswordBytes = 72

func validatePassword(password string) error {
	if password == "" {
		return fmt.Errorf("%w: password is required", ErrBadInput)
	}
	if len(password) > MaxPasswordBytes {
		return fmt.Errorf("%w: password is longer than %d bytes", ErrBadInput, MaxPasswordBytes)
	}
	return nil
}

// Verify checks a username/password pair. Unknown users are compared
// against a dummy hash so they cost the same as a wrong password.
func (u *Users) Verify(username, password string) (User, error) {
	u.mu.RLock()
	rec, ok := u.recs[username]
	u.mu.RUnlock()

	hash := rec.Hash
	if !ok || hash == "" {
		hash = u.dummyHash()
	}
	match := u.hasher.Verify(hash, password)
	if !ok || !match {
		return User{}, ErrAuthFailure
	}
	return User{Username: username, Role: rec.Role}, nil
}

func (u *Users) dummyHash() string {
	u.dummyOnce.Do(func() {
		h, _, err := u.hasher.Hash("rootshare-timing-equalizer")
		if err == nil {
			u.dummy = h
		}
	})
	return u.dummy
}

func (u *Users) Create(username, password string, role Role) error {
	if err := ValidateUsername(username); err != nil {
		return err
	}
	if err := validatePassword(password); err != nil {
		return err
	}
	if !role.Valid() {
		return fmt.Errorf("%w: unknown role %q", ErrBadInput, role)
	}
	u.mu.RLock()
	_, exists := u.recs[username]
	u.mu.RUnlock()
	if exists {
		return ErrConflict
	}

	hash, salt, err := u.hasher.Hash(password)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	if _, exists := u.recs[username]; exists {
		return ErrConflict
	}
	u.recs[username] = record{Hash: hash, Salt: salt, Role: role}
	if err := u.saveLocked(); err != nil {
		delete(u.recs, username)
		return err
	}
	return nil
}

// ChangePassword re-salts and re-hashes the user's password.
func (u *Users) ChangePassword(username, password string) error {
	if err := validatePassword(password); err != nil {
		return err
	}
	if _, err := u.Get(username); err != nil {
		return err
	}
	hash, salt, err := u.hasher.Hash(password)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	old, ok := u.recs[username]
	if !ok {
		return ErrNotFound
	}
	u.recs[username] = record{Hash: hash, Salt: salt, Role: old.Role}
	if err := u.saveLocked(); err != nil {
		u.recs[username] = old
		return err
	}
	return nil
}

// SetRole changes a user's role, refusing to demote the last admin.
func (u *Users) SetRole(username string, role Role) error {
	if !role.Valid() {
		return fmt.Errorf("%w: unknown role %q", ErrBadInput, role)
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	old, ok := u.recs[username]
	if !ok {
		return ErrNotFound
	}
	if old.Role == role {
		return nil
	}
	if old.Role == RoleAdmin && u.adminCount() <= 1 {
		return ErrLastAdmin
	}
	rec := old
	rec.Role = role
	u.recs[username] = rec
	if err := u.saveLocked(); err != nil {
		u.recs[username] = old
		return err
	}
	return nil
}

func (u *Users) Delete(username string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	rec, ok := u.recs[username]
	if !ok {
		return ErrNotFound
	}
	if rec.Role == RoleAdmin && u.adminCount() <= 1 {
		return ErrLastAdmin
	}
	delete(u.recs, username)
	if err := u.saveLocked(); err != nil {
		u.recs[username] = rec
		return err
	}
	return nil
}

func (u *Users) Get(username string) (User, error) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	rec, ok := u.recs[username]
	if !ok {
		return User{}, ErrNotFound
	}
	return User{Username: username, Role: rec.Role}, nil
}

// List returns all users sorted by name.
func (u *Users) List() []User {
	u.mu.RLock()
	out := make([]User, 0, len(u.recs))
	for name, rec := range u.recs {
		out = append(out, User{Username: name, Role: rec.Role})
	}
	u.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}

func (u *Users) adminCount() int {
	n := 0
	for _, rec := range u.recs {
		if rec.Role == RoleAdmin {
			n++
		}
	}
	return n
}

func (u *Users) saveLocked() error {
	if u.st == nil {
		return nil
	}
	if err := u.st.Save(usersKey, u.recs); err != nil {
		return fmt.Errorf("save users: %w", err)
	}
	return nil
}
