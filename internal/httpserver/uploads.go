package httpserver

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"strconv"
	"strings"

	"rootshare/internal/auth"
	"rootshare/internal/upload"
)

// handleMultipartUpload streams each file part of a multipart body into
// the directory named by ?root=&path=. Parts are spooled and hashed, then
// moved into place so readers never see a partial file.
func (s *Server) handleMultipartUpload(w http.ResponseWriter, r *http.Request) {
	rootID, rel, absDir, err := s.resolveQuery(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	st, err := os.Stat(absDir)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !st.IsDir() {
		s.writeError(w, r, errNotDir)
		return
	}

	limit := s.cfg.MaxUploadBytes()
	if limit > 0 {
		// Headroom for multipart framing.
		r.Body = http.MaxBytesReader(w, r.Body, limit+1<<20)
	}
	mr, err := r.MultipartReader()
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %v", errBadJSON, err))
		return
	}

	ka := s.keepaliveFor(r)
	user := auth.UserFromContext(r.Context())
	var placed []map[string]any
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if part.FileName() == "" {
			_ = part.Close()
			continue
		}
		name := uploadName(part.FileName())
		if name == "" {
			_ = part.Close()
			s.writeError(w, r, fmt.Errorf("%w: bad file name", errBadJSON))
			return
		}
		dstRel := joinRel(rel, name)
		dst, err := s.roots.Resolve(rootID, dstRel)
		if err != nil {
			_ = part.Close()
			s.writeError(w, r, err)
			return
		}
		if st, err := os.Stat(dst); err == nil && st.IsDir() {
			_ = part.Close()
			s.writeError(w, r, errIsDir)
			return
		}

		rec, err := upload.Receive(r.Context(), s.uploads.TempDir(), ka.reader(part), limit)
		_ = part.Close()
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if err := upload.Place(rec.Path, dst); err != nil {
			_ = os.Remove(rec.Path)
			s.writeError(w, r, err)
			return
		}
		s.log.Info("uploaded", "user", user, "root", rootID, "path", dstRel, "size", rec.Size, "sha256", rec.SHA256)
		placed = append(placed, map[string]any{"path": dstRel, "sha256": rec.SHA256, "size": rec.Size})
	}
	if len(placed) == 0 {
		s.writeError(w, r, fmt.Errorf("%w: missing file", errBadJSON))
		return
	}
	resp := map[string]any{"ok": true, "files": placed}
	if len(placed) == 1 {
		resp["sha256"] = placed[0]["sha256"]
		resp["size"] = placed[0]["size"]
	}
	writeJSON(w, http.StatusOK, resp)
}

// uploadName reduces a client-supplied file name to its last element.
func uploadName(raw string) string {
	raw = strings.ReplaceAll(raw, "\\", "/")
	name := path.Base(strings.TrimSpace(raw))
	if name == "." || name == "/" || name == ".." || strings.ContainsRune(name, 0) {
		return ""
	}
	return name
}

func (s *Server) handleUploadCreate(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	total := int64(-1)
	if v := q.Get("size"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			s.writeError(w, r, fmt.Errorf("%w: bad size", errBadJSON))
			return
		}
		total = n
	}
	rootID := q.Get("root")
	if abs, err := s.roots.Resolve(rootID, q.Get("path")); err == nil {
		if st, err := os.Stat(abs); err == nil && st.IsDir() {
			s.writeError(w, r, errIsDir)
			return
		}
	}
	sess, err := s.uploads.Create(auth.UserFromContext(r.Context()), rootID, q.Get("path"), total)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, uploadView(sess))
}

func uploadView(sess upload.Session) map[string]any {
	return map[string]any{
		"id":     sess.ID,
		"root":   sess.Root,
		"dest":   sess.DestRel,
		"offset": sess.Offset,
		"size":   sess.Size,
	}
}

// ownedUpload returns the upload named in the path if the caller started
// it. Other users' uploads look missing, except to admins.
func (s *Server) ownedUpload(r *http.Request) (upload.Session, error) {
	sess, ok := s.uploads.Get(r.PathValue("id"))
	if !ok {
		return upload.Session{}, upload.ErrNotFound
	}
	who, _ := auth.SessionFromContext(r.Context())
	if sess.Owner != who.Username && who.Role != auth.RoleAdmin {
		return upload.Session{}, upload.ErrNotFound
	}
	return sess, nil
}

func (s *Server) handleUploadStatus(w http.ResponseWriter, r *http.Request) {
	sess, err := s.ownedUpload(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, uploadView(sess))
}

func (s *Server) handleUploadPatch(w http.ResponseWriter, r *http.Request) {
	sess, err := s.ownedUpload(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ka := s.keepaliveFor(r)
	sess, err = s.uploads.Patch(r.Context(), sess.ID, r.Header.Get("Content-Range"), ka.reader(r.Body))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, uploadView(sess))
}

func (s *Server) handleUploadAbort(w http.ResponseWriter, r *http.Request) {
	sess, err := s.ownedUpload(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.uploads.Abort(sess.ID); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleUploadFinish(w http.ResponseWriter, r *http.Request) {
	sess, err := s.ownedUpload(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.uploads.Finish(r.Context(), sess.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.log.Info("uploaded", "user", auth.UserFromContext(r.Context()), "root", res.Root, "path", res.Rel, "size", res.Size, "sha256", res.SHA256)
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":     true,
		"root":   res.Root,
		"path":   res.Rel,
		"sha256": res.SHA256,
		"size":   res.Size,
	})
}
