package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"sync"
	"time"
)

const DefaultSessionTTL = 5 * time.Hour

// Session is the state behind one issued token. Role is a snapshot taken
// at login.
type Session struct {
	Token    string    `json:"-"`
	Username string    `json:"username"`
	Role     Role      `json:"role"`
	Bound    string    `json:"-"`
	Issued   time.Time `json:"issued"`
	Expires  time.Time `json:"expires"`
}

type SessionOptions struct {
	TTL     time.Duration
	Binding Binding
	// SinglePerUser revokes a user's older tokens when a new one is issued.
	SinglePerUser bool
	// SweepInterval controls the background expiry loop; zero disables it.
	SweepInterval time.Duration
	Now           func() time.Time
}

// Sessions is the in-memory token table.
type Sessions struct {
	mu     sync.RWMutex
	tokens map[string]Session

	ttl     time.Duration
	binding Binding
	single  bool
	now     func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func NewSessions(opts SessionOptions) *Sessions {
	if opts.TTL <= 0 {
		opts.TTL = DefaultSessionTTL
	}
	if opts.Binding == nil {
		opts.Binding = IPBinding{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Sessions{
		tokens:  map[string]Session{},
		ttl:     opts.TTL,
		binding: opts.Binding,
		single:  opts.SinglePerUser,
		now:     opts.Now,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	if opts.SweepInterval > 0 {
		go s.sweepLoop(opts.SweepInterval)
	} else {
		close(s.done)
	}
	return s
}

// ClientKey is the binding key for r under the configured policy.
func (s *Sessions) ClientKey(r *http.Request) string {
	return s.binding.Key(r)
}

func (s *Sessions) Issue(username string, role Role, clientKey string) (Session, error) {
	tok, err := newToken()
	if err != nil {
		return Session{}, err
	}
	now := s.now()
	sess := Session{
		Token:    tok,
		Username: username,
		Role:     role,
		Bound:    clientKey,
		Issued:   now,
		Expires:  now.Add(s.ttl),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.single {
		s.revokeUserLocked(username)
	}
	s.tokens[tok] = sess
	return sess, nil
}

// Validate returns the session for token if it has not expired and the
// presented client key matches the bound one. It never mutates state.
func (s *Sessions) Validate(token, clientKey string) (Session, error) {
	if token == "" {
		return Session{}, ErrInvalidSession
	}
	s.mu.RLock()
	sess, ok := s.tokens[token]
	s.mu.RUnlock()
	if !ok {
		return Session{}, ErrInvalidSession
	}
	if !s.now().Before(sess.Expires) {
		return Session{}, ErrInvalidSession
	}
	if !s.binding.Match(sess.Bound, clientKey) {
		return Session{}, ErrInvalidSession
	}
	return sess, nil
}

// Extend slides the expiry of a live token to now+TTL. Expired tokens are
// not revived and the expiry never moves backwards.
func (s *Sessions) Extend(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.tokens[token]
	if !ok {
		return ErrInvalidSession
	}
	now := s.now()
	if !now.Before(sess.Expires) {
		return ErrInvalidSession
	}
	if next := now.Add(s.ttl); next.After(sess.Expires) {
		sess.Expires = next
		s.tokens[token] = sess
	}
	return nil
}

func (s *Sessions) Revoke(token string) {
	s.mu.Lock()
	delete(s.tokens, token)
	s.mu.Unlock()
}

// RevokeUser drops every token issued to username and returns how many
// were removed.
func (s *Sessions) RevokeUser(username string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.revokeUserLocked(username)
}

func (s *Sessions) revokeUserLocked(username string) int {
	n := 0
	for tok, sess := range s.tokens {
		if sess.Username == username {
			delete(s.tokens, tok)
			n++
		}
	}
	return n
}

// Sweep removes expired tokens.
func (s *Sessions) Sweep() int {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for tok, sess := range s.tokens {
		if !now.Before(sess.Expires) {
			delete(s.tokens, tok)
			n++
		}
	}
	return n
}

// Len is the number of tokens currently held, expired or not.
func (s *Sessions) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tokens)
}

func (s *Sessions) sweepLoop(every time.Duration) {
	defer close(s.done)
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			s.Sweep()
		case <-s.stop:
			return
		}
	}
}

// Close stops the sweep loop and waits for it to exit.
func (s *Sessions) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
	return nil
}

func newToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate session token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
