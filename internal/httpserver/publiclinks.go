package httpserver

import (
	"net/http"
	"strings"

	"github.com/skip2/go-qrcode"

	"rootshare/internal/auth"
	"rootshare/internal/byterange"
	"rootshare/internal/links"
)

func (s *Server) handleLinkCreate(w http.ResponseWriter, r *http.Request) {
	var req pathRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	l, err := s.links.Create(req.Root, req.Path, auth.UserFromContext(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.log.Info("link created", "user", l.CreatedBy, "root", l.Root, "path", l.Path)
	writeJSON(w, http.StatusOK, linkView(l, s.publicURL(r, l.Token)))
}

func linkView(l links.Link, url string) map[string]any {
	out := map[string]any{
		"token":   l.Token,
		"url":     url,
		"root":    l.Root,
		"path":    l.Path,
		"created": l.Created,
		"by":      l.CreatedBy,
	}
	if !l.Expires.IsZero() {
		out["expires"] = l.Expires
	}
	return out
}

// publicURL builds the absolute /p/ URL, preferring links.base_url when set
// so links work behind a proxy.
func (s *Server) publicURL(r *http.Request, token string) string {
	base := strings.TrimRight(s.cfg.Links.BaseURL, "/")
	if base == "" {
		scheme := "http"
		if r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
			scheme = "https"
		}
		base = scheme + "://" + r.Host
	}
	return base + "/p/" + token
}

// handleLinkQR renders the public URL of a live link as a PNG.
func (s *Server) handleLinkQR(w http.ResponseWriter, r *http.Request) {
	l, err := s.links.Resolve(r.PathValue("token"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	png, err := qrcode.Encode(s.publicURL(r, l.Token), qrcode.Medium, 256)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(png)
}

// handlePublic serves a linked file without a session. Every failure,
// including a path that no longer resolves, is a plain 404.
func (s *Server) handlePublic(w http.ResponseWriter, r *http.Request) {
	_, abs, err := s.links.Target(r.PathValue("token"))
	if err != nil {
		s.log.Debug("public link rejected", "path", redactPath(r.URL.Path), "err", err)
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not found"})
		return
	}
	w.Header().Set("Access-Control-Allow-Origin", "*")
	s.serveFile(w, r, abs, byterange.Options{Attachment: r.URL.Query().Get("dl") == "1"})
}
