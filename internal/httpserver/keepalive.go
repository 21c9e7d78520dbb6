package httpserver

import (
	"io"
	"net/http"
	"time"
)

// keepalive slides the caller's session expiry while a transfer is moving
// bytes, at most once per interval. One keepalive serves one request, so
// it needs no locking.
type keepalive struct {
	extend func(token string) error
	token  string
	every  time.Duration
	last   time.Time
	now    func() time.Time
}

func (s *Server) keepaliveFor(r *http.Request) *keepalive {
	tok := sessionToken(r)
	if tok == "" {
		return nil
	}
	return &keepalive{
		extend: s.sessions.Extend,
		token:  tok,
		every:  s.cfg.Session.ExtendInterval,
		last:   time.Now(),
		now:    time.Now,
	}
}

// tick is called with the size of each chunk moved.
func (k *keepalive) tick(int) {
	if k == nil {
		return
	}
	now := k.now()
	if now.Sub(k.last) < k.every {
		return
	}
	k.last = now
	_ = k.extend(k.token)
}

// progress returns tick as a callback, or nil when there is no session.
func (k *keepalive) progress() func(int) {
	if k == nil {
		return nil
	}
	return k.tick
}

// reader wraps r so reads count as activity.
func (k *keepalive) reader(r io.Reader) io.Reader {
	if k == nil {
		return r
	}
	return activityReader{r: r, fn: k.tick}
}

type activityReader struct {
	r  io.Reader
	fn func(int)
}

func (a activityReader) Read(p []byte) (int, error) {
	n, err := a.r.Read(p)
	if n > 0 {
		a.fn(n)
	}
	return n, err
}
