package httpserver

import (
	"net/http"
	"strings"

	"rootshare/internal/auth"
)

func (s *Server) handleAdminUsers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"users": s.users.List()})
}

func (s *Server) handleAdminUserCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string    `json:"username"`
		Password string    `json:"password"`
		Role     auth.Role `json:"role"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Role == "" {
		req.Role = auth.RoleUser
	}
	if err := s.users.Create(req.Username, req.Password, req.Role); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.log.Info("user created", "by", auth.UserFromContext(r.Context()), "user", req.Username, "role", req.Role)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleAdminUserDelete(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if name == auth.UserFromContext(r.Context()) {
		s.writeError(w, r, errSelf)
		return
	}
	if err := s.users.Delete(name); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.sessions.RevokeUser(name)
	s.log.Info("user deleted", "by", auth.UserFromContext(r.Context()), "user", name)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleAdminUserPassword resets another user's password and ends their
// sessions.
func (s *Server) handleAdminUserPassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	name := r.PathValue("name")
	if err := s.users.ChangePassword(name, req.Password); err != nil {
		s.writeError(w, r, err)
		return
	}
	n := s.sessions.RevokeUser(name)
	s.log.Info("password reset", "by", auth.UserFromContext(r.Context()), "user", name, "sessions_revoked", n)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleAdminUserRole(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Role auth.Role `json:"role"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	name := r.PathValue("name")
	if err := s.users.SetRole(name, req.Role); err != nil {
		s.writeError(w, r, err)
		return
	}
	// Live sessions carry the old role.
	s.sessions.RevokeUser(name)
	s.log.Info("role changed", "by", auth.UserFromContext(r.Context()), "user", name, "role", req.Role)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleAdminRoots(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"roots": s.roots.List()})
}

func (s *Server) handleAdminRootAdd(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID   string `json:"id"`
		Path string `json:"path"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	root, err := s.roots.Add(strings.TrimSpace(req.ID), strings.TrimSpace(req.Path))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.log.Info("root added", "by", auth.UserFromContext(r.Context()), "root", root.ID, "dir", root.Path)
	writeJSON(w, http.StatusOK, root)
}

// handleAdminRootRemove unregisters a root and drops everything keyed on
// it: public links and the WebDAV lock table.
func (s *Server) handleAdminRootRemove(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.roots.Remove(id); err != nil {
		s.writeError(w, r, err)
		return
	}
	n, err := s.links.DeleteForRoot(id)
	if err != nil {
		s.log.Error("drop links for root", "root", id, "err", err)
	}
	s.dropDAVLocks(id)
	s.log.Info("root removed", "by", auth.UserFromContext(r.Context()), "root", id, "links_dropped", n)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "linksDropped": n})
}

func (s *Server) handleAdminLinks(w http.ResponseWriter, r *http.Request) {
	list := s.links.List()
	out := make([]map[string]any, 0, len(list))
	for _, l := range list {
		out = append(out, linkView(l, s.publicURL(r, l.Token)))
	}
	writeJSON(w, http.StatusOK, map[string]any{"links": out})
}

func (s *Server) handleAdminLinkDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.links.Delete(r.PathValue("token")); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.log.Info("link deleted", "by", auth.UserFromContext(r.Context()))
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleAdminLinksClear(w http.ResponseWriter, r *http.Request) {
	if err := s.links.Clear(); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.log.Info("links cleared", "by", auth.UserFromContext(r.Context()))
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}
