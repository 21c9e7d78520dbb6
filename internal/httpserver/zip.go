package httpserver

import (
	"archive/zip"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"rootshare/internal/fsutil"
)

// handleZip streams a zip of one or more paths inside one root.
//   - GET  /api/zip?root=<id>&path=<rel>
//   - POST /api/zip (form: root=..&paths=..&paths=..&name=..)
//   - POST /api/zip (json: {"root":"..","paths":[..],"name":".."})
func (s *Server) handleZip(w http.ResponseWriter, r *http.Request) {
	var (
		rootID string
		paths  []string
		name   string
	)
	switch {
	case r.Method == http.MethodGet:
		rootID = r.URL.Query().Get("root")
		paths = []string{r.URL.Query().Get("path")}
	case strings.Contains(r.Header.Get("Content-Type"), "application/json"):
		var req struct {
			Root  string   `json:"root"`
			Paths []string `json:"paths"`
			Name  string   `json:"name"`
		}
		if err := decodeJSON(r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
		rootID, paths, name = req.Root, req.Paths, req.Name
	default:
		if err := r.ParseForm(); err != nil {
			s.writeError(w, r, errBadJSON)
			return
		}
		rootID, paths, name = r.FormValue("root"), r.Form["paths"], r.FormValue("name")
	}

	type item struct {
		rel string
		abs string
		st  os.FileInfo
	}
	items := make([]item, 0, len(paths))
	for _, p := range paths {
		abs, err := s.roots.Resolve(rootID, p)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		st, err := os.Stat(abs)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		items = append(items, item{rel: fsutil.CleanRelPath(p), abs: abs, st: st})
	}
	if len(items) == 0 {
		s.writeError(w, r, fmt.Errorf("%w: no paths", errBadJSON))
		return
	}
	if strings.TrimSpace(name) == "" {
		name = "download"
		if len(items) == 1 && items[0].rel != "" {
			name = path.Base(items[0].rel)
		}
	}
	name = sanitizeZipBaseName(name)

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name+".zip"))
	zw := zip.NewWriter(w)
	defer zw.Close()

	ctx := r.Context()
	ka := s.keepaliveFor(r)
	used := map[string]int{}
	uniqueTop := func(base string) string {
		base = sanitizeZipPath(base)
		if base == "" {
			base = "item"
		}
		n := used[base]
		used[base] = n + 1
		if n == 0 {
			return base
		}
		ext := path.Ext(base)
		return fmt.Sprintf("%s (%d)%s", strings.TrimSuffix(base, ext), n, ext)
	}
	addFile := func(abs, zipPath string, modified time.Time) error {
		f, err := os.Open(abs)
		if err != nil {
			return nil
		}
		defer f.Close()
		wr, err := zw.CreateHeader(&zip.FileHeader{Name: zipPath, Method: zip.Deflate, Modified: modified})
		if err != nil {
			return err
		}
		_, err = io.Copy(wr, ka.reader(f))
		return err
	}
	addDir := func(baseAbs, top string) error {
		return filepath.WalkDir(baseAbs, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// Symlinks are left out: their targets were never checked.
			if d.IsDir() || d.Type()&fs.ModeSymlink != 0 || !d.Type().IsRegular() {
				return nil
			}
			relp, err := filepath.Rel(baseAbs, p)
			if err != nil {
				return nil
			}
			zipPath := sanitizeZipPath(path.Join(top, filepath.ToSlash(relp)))
			if zipPath == "" {
				return nil
			}
			modified := time.Now()
			if info, err := d.Info(); err == nil {
				modified = info.ModTime()
			}
			return addFile(p, zipPath, modified)
		})
	}

	for _, it := range items {
		top := "root"
		if it.rel != "" {
			top = path.Base(it.rel)
		}
		top = uniqueTop(top)
		var err error
		if it.st.IsDir() {
			err = addDir(it.abs, top)
		} else {
			err = addFile(it.abs, top, it.st.ModTime())
		}
		if err != nil {
			s.log.Debug("zip ended early", "err", err)
			return
		}
	}
}

func sanitizeZipBaseName(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, ".zip")
	s = strings.ReplaceAll(s, "\x00", "")
	s = strings.NewReplacer("/", "-", "\\", "-", `"`, "").Replace(s)
	s = strings.Trim(s, ". ")
	if s == "" {
		return "download"
	}
	if len(s) > 120 {
		s = s[:120]
	}
	return s
}

func sanitizeZipPath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	p = strings.ReplaceAll(p, "\x00", "")
	p = path.Clean("/" + p)
	p = strings.Trim(p, "/")
	if p == "." || p == "" {
		return ""
	}
	if len(p) > 240 {
		p = p[:240]
	}
	return p
}
