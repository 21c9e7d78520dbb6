package httpserver

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"rootshare/internal/auth"
	"rootshare/internal/byterange"
	"rootshare/internal/fsutil"
)

type rootItem struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Path string `json:"path,omitempty"`
}

type listItem struct {
	Name  string `json:"name"`
	Path  string `json:"path"` // rel
	IsDir bool   `json:"isDir"`
	Size  int64  `json:"size"`
	Mtime int64  `json:"mtime"`
	Mime  string `json:"mime,omitempty"`
	Thumb string `json:"thumb,omitempty"`
}

// Absolute paths are only shown to admins.
func (s *Server) handleRoots(w http.ResponseWriter, r *http.Request) {
	sess, _ := auth.SessionFromContext(r.Context())
	list := s.roots.List()
	out := make([]rootItem, 0, len(list))
	for _, root := range list {
		it := rootItem{ID: root.ID, Name: filepath.Base(root.Path)}
		if sess.Role == auth.RoleAdmin {
			it.Path = root.Path
		}
		out = append(out, it)
	}
	writeJSON(w, http.StatusOK, map[string]any{"roots": out})
}

// resolveQuery resolves the root and path query parameters.
func (s *Server) resolveQuery(r *http.Request) (rootID, rel, abs string, err error) {
	q := r.URL.Query()
	rootID = q.Get("root")
	raw := q.Get("path")
	abs, err = s.roots.Resolve(rootID, raw)
	if err != nil {
		return "", "", "", err
	}
	return rootID, fsutil.CleanRelPath(raw), abs, nil
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	rootID, rel, abs, err := s.resolveQuery(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	st, err := os.Stat(abs)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !st.IsDir() {
		s.writeError(w, r, errNotDir)
		return
	}
	ents, err := os.ReadDir(abs)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	items := make([]listItem, 0, len(ents))
	for _, e := range ents {
		info, err := e.Info()
		if err != nil {
			continue
		}
		items = append(items, s.itemFor(rootID, joinRel(rel, e.Name()), info))
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].IsDir != items[j].IsDir {
			return items[i].IsDir
		}
		return strings.ToLower(items[i].Name) < strings.ToLower(items[j].Name)
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"root":  rootID,
		"path":  rel,
		"items": items,
	})
}

func (s *Server) itemFor(rootID, rel string, info os.FileInfo) listItem {
	it := listItem{
		Name:  info.Name(),
		Path:  rel,
		IsDir: info.IsDir(),
		Size:  info.Size(),
		Mtime: info.ModTime().Unix(),
	}
	if it.IsDir {
		it.Size = 0
		return it
	}
	it.Mime = byterange.ContentType(it.Name)
	if isImageExt(strings.ToLower(filepath.Ext(it.Name))) {
		it.Thumb = "/thumb?root=" + url.QueryEscape(rootID) + "&path=" + url.QueryEscape(rel)
	}
	return it
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	rootID, rel, abs, err := s.resolveQuery(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		writeJSON(w, http.StatusOK, map[string]any{"items": []listItem{}, "seen": 0, "truncated": false})
		return
	}
	res := searchTree(r.Context(), abs, rel, q, defaultSearchLimits)
	items := make([]listItem, 0, len(res.Hits))
	for _, h := range res.Hits {
		items = append(items, s.itemFor(rootID, h.Rel, h.Info))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items":     items,
		"seen":      res.Seen,
		"truncated": res.Truncated,
		"reason":    res.Reason,
	})
}

// handleFile streams /f/<root>/<path> honoring Range. ?dl=1 forces a
// download instead of inline display.
func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	abs, err := s.roots.Resolve(r.PathValue("root"), r.PathValue("path"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ka := s.keepaliveFor(r)
	s.serveFile(w, r, abs, byterange.Options{
		Attachment: r.URL.Query().Get("dl") == "1",
		Progress:   ka.progress(),
	})
}

// serveFile opens abs and hands it to byterange.Serve.
func (s *Server) serveFile(w http.ResponseWriter, r *http.Request, abs string, opts byterange.Options) {
	f, err := os.Open(abs)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if st.IsDir() {
		s.writeError(w, r, errIsDir)
		return
	}
	opts.ModTime = st.ModTime()
	// User content never runs with the app's origin.
	w.Header().Set("Content-Security-Policy", "sandbox")
	err = byterange.Serve(w, r, f, st.Size(), st.Name(), opts)
	if err != nil && !errors.Is(err, byterange.ErrNotSatisfiable) {
		// Headers are gone; most of these are clients hanging up.
		s.log.Debug("stream ended early", "path", redactPath(r.URL.Path), "err", err)
	}
}

type pathRequest struct {
	Root string `json:"root"`
	Path string `json:"path"`
}

func (s *Server) handleMkdir(w http.ResponseWriter, r *http.Request) {
	var req pathRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	abs, err := s.roots.Resolve(req.Root, req.Path)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if st, err := os.Stat(abs); err == nil && !st.IsDir() {
		s.writeError(w, r, fmt.Errorf("%w: a file has that name", errExists))
		return
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleRename(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Root string `json:"root"`
		From string `json:"from"`
		To   string `json:"to"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if fsutil.CleanRelPath(req.From) == "" || fsutil.CleanRelPath(req.To) == "" {
		s.writeError(w, r, errRootPath)
		return
	}
	fromAbs, err := s.roots.Resolve(req.Root, req.From)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	toAbs, err := s.roots.Resolve(req.Root, req.To)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if _, err := os.Lstat(fromAbs); err != nil {
		s.writeError(w, r, err)
		return
	}
	if _, err := os.Lstat(toAbs); err == nil {
		s.writeError(w, r, errExists)
		return
	}
	if err := os.MkdirAll(filepath.Dir(toAbs), 0o755); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := os.Rename(fromAbs, toAbs); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	var req pathRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if fsutil.CleanRelPath(req.Path) == "" {
		s.writeError(w, r, errRootPath)
		return
	}
	abs, err := s.roots.Resolve(req.Root, req.Path)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if _, err := os.Lstat(abs); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := os.RemoveAll(abs); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.log.Info("deleted", "user", auth.UserFromContext(r.Context()), "root", req.Root, "path", fsutil.CleanRelPath(req.Path))
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func joinRel(parent, name string) string {
	if parent == "" {
		return name
	}
	return parent + "/" + name
}

func isImageExt(ext string) bool {
	switch ext {
	case ".jpg", ".jpeg", ".png", ".gif", ".webp":
		return true
	default:
		return false
	}
}
