package auth

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
)

// Common auth errors.
var (
	// ErrAuthFailure covers both unknown users and wrong passwords.
	ErrAuthFailure = errors.New("invalid username or password")

	// ErrInvalidSession means the token is missing, expired or bound elsewhere.
	ErrInvalidSession = errors.New("invalid session")

	ErrConflict  = errors.New("user already exists")
	ErrNotFound  = errors.New("user not found")
	ErrLastAdmin = errors.New("cannot remove or demote the last admin")
	ErrBadInput  = errors.New("invalid user input")
)

type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
)

func (r Role) Valid() bool {
	return r == RoleAdmin || r == RoleUser
}

// Perm is what a request needs in order to proceed.
type Perm int

const (
	PermRead Perm = iota + 1
	PermWrite
	PermAdmin
)

// Allowed reports whether role grants perm. Regular users read and write
// inside every root; destructive and management operations need admin.
func Allowed(role Role, perm Perm) bool {
	switch perm {
	case PermRead, PermWrite:
		return role.Valid()
	case PermAdmin:
		return role == RoleAdmin
	default:
		return false
	}
}

type ctxKey string

const sessionKey ctxKey = "rootshare.session"

func WithSession(ctx context.Context, s Session) context.Context {
	return context.WithValue(ctx, sessionKey, s)
}

func SessionFromContext(ctx context.Context) (Session, bool) {
	s, ok := ctx.Value(sessionKey).(Session)
	return s, ok
}

// UserFromContext returns the authenticated username or "".
func UserFromContext(ctx context.Context) string {
	s, _ := SessionFromContext(ctx)
	return s.Username
}

// ParseBasicAuth decodes an "Authorization: Basic ..." header value.
func ParseBasicAuth(v string) (user, pass string, ok bool) {
	const prefix = "Basic "
	if !strings.HasPrefix(v, prefix) {
		return "", "", false
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(strings.TrimPrefix(v, prefix)))
	if err != nil {
		return "", "", false
	}
	s := string(raw)
	i := strings.IndexByte(s, ':')
	if i < 0 {
		return "", "", false
	}
	u := s[:i]
	p := s[i+1:]
	if u == "" {
		return "", "", false
	}
	if strings.Contains(u, "\x00") || strings.Contains(p, "\x00") {
		return "", "", false
	}
	return u, p, true
}
