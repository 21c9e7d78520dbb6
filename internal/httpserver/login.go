package httpserver

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"rootshare/internal/auth"
)

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// readCredentials accepts a JSON body or a urlencoded/multipart form.
func readCredentials(r *http.Request) (credentials, error) {
	var c credentials
	if strings.Contains(r.Header.Get("Content-Type"), "application/json") {
		if err := decodeJSON(r, &c); err != nil {
			return c, err
		}
		return c, nil
	}
	if err := r.ParseMultipartForm(1 << 20); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		return c, errBadJSON
	}
	c.Username = r.FormValue("username")
	c.Password = r.FormValue("password")
	return c, nil
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	ip := auth.ClientIP(r.RemoteAddr)
	if ok, wait := s.limiter.Allow("login:" + ip); !ok {
		w.Header().Set("Retry-After", retryAfterSeconds(wait))
		writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "too many login attempts"})
		return
	}
	c, err := readCredentials(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	user, err := s.users.Verify(strings.TrimSpace(c.Username), c.Password)
	if err != nil {
		s.log.Warn("login failed", "user", c.Username, "remote_ip", ip)
		s.writeError(w, r, err)
		return
	}
	sess, err := s.sessions.Issue(user.Username, user.Role, s.sessions.ClientKey(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.log.Info("login", "user", user.Username, "role", user.Role, "remote_ip", ip)

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    sess.Token,
		Path:     "/",
		Expires:  sess.Expires,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
		Secure:   r.TLS != nil,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"token":    sess.Token,
		"username": user.Username,
		"role":     user.Role,
		"expires":  sess.Expires,
	})
}

func clearSessionCookie(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
		Secure:   r.TLS != nil,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.sessions.Revoke(sessionToken(r))
	clearSessionCookie(w, r)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	sess, _ := auth.SessionFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"username": sess.Username,
		"role":     sess.Role,
		"expires":  sess.Expires,
	})
}

// handleOwnPassword changes the caller's password. Every session of the
// user, including this one, is revoked afterwards.
func (s *Server) handleOwnPassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Old string `json:"old"`
		New string `json:"new"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	user := auth.UserFromContext(r.Context())
	if _, err := s.users.Verify(user, req.Old); err != nil {
		s.writeError(w, r, errWrongOld)
		return
	}
	if err := s.users.ChangePassword(user, req.New); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.sessions.RevokeUser(user)
	clearSessionCookie(w, r)
	s.log.Info("password changed", "user", user)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "relogin": true})
}
