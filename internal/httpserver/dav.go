package httpserver

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/net/webdav"

	"rootshare/internal/auth"
	"rootshare/internal/fsutil"
	"rootshare/internal/upload"
)

const davRealm = `Basic realm="rootshare WebDAV"`

// davFS is a webdav.FileSystem over one root. Every name goes through the
// root registry, so symlink and traversal rules match the JSON API.
type davFS struct {
	s    *Server
	root string
}

// resolve maps a WebDAV name, which is always slash-rooted, into the root.
func (fs davFS) resolve(name string) (string, error) {
	return fs.s.roots.Resolve(fs.root, strings.TrimLeft(name, "/"))
}

func (fs davFS) Mkdir(ctx context.Context, name string, perm os.FileMode) error {
	p, err := fs.resolve(name)
	if err != nil {
		return err
	}
	return os.Mkdir(p, perm)
}

// OpenFile opens name. A truncating write (PUT, or the target of COPY)
// goes to a spool file that replaces name only on a clean Close, so
// readers never see a partial body.
func (fs davFS) OpenFile(ctx context.Context, name string, flag int, perm os.FileMode) (webdav.File, error) {
	p, err := fs.resolve(name)
	if err != nil {
		return nil, err
	}
	if flag&(os.O_WRONLY|os.O_RDWR) == 0 || flag&os.O_TRUNC == 0 {
		return os.OpenFile(p, flag, perm)
	}

	if st, err := os.Stat(p); err == nil && st.IsDir() {
		return nil, errIsDir
	} else if err == nil && flag&os.O_EXCL != 0 {
		return nil, os.ErrExist
	}
	if st, err := os.Stat(filepath.Dir(p)); err != nil {
		return nil, err
	} else if !st.IsDir() {
		return nil, os.ErrNotExist
	}
	tmpDir := fs.s.uploads.TempDir()
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return nil, err
	}
	tmp, err := os.CreateTemp(tmpDir, "dav-*.tmp")
	if err != nil {
		return nil, err
	}
	_ = tmp.Chmod(0o644)
	body, _ := ctx.Value(davBodyKey{}).(*davBody)
	return &davSpool{f: tmp, dst: p, limit: fs.s.cfg.MaxUploadBytes(), body: body}, nil
}

func (fs davFS) RemoveAll(ctx context.Context, name string) error {
	if fsutil.CleanRelPath(name) == "" {
		return os.ErrPermission
	}
	p, err := fs.resolve(name)
	if err != nil {
		return err
	}
	return os.RemoveAll(p)
}

func (fs davFS) Rename(ctx context.Context, oldName, newName string) error {
	if fsutil.CleanRelPath(oldName) == "" || fsutil.CleanRelPath(newName) == "" {
		return os.ErrPermission
	}
	oldP, err := fs.resolve(oldName)
	if err != nil {
		return err
	}
	newP, err := fs.resolve(newName)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(newP), 0o755); err != nil {
		return err
	}
	return os.Rename(oldP, newP)
}

func (fs davFS) Stat(ctx context.Context, name string) (os.FileInfo, error) {
	p, err := fs.resolve(name)
	if err != nil {
		return nil, err
	}
	return os.Stat(p)
}

var (
	_ webdav.FileSystem = davFS{}
	_ webdav.File       = (*davSpool)(nil)
)

// davSpool stands in for dst while a body is written. It does not embed
// *os.File so io.Copy cannot bypass Write through ReadFrom.
type davSpool struct {
	f      *os.File
	dst    string
	limit  int64
	n      int64
	failed bool
	body   *davBody
}

func (sp *davSpool) Read(p []byte) (int, error)                { return sp.f.Read(p) }
func (sp *davSpool) Seek(off int64, whence int) (int64, error) { return sp.f.Seek(off, whence) }
func (sp *davSpool) Readdir(int) ([]os.FileInfo, error)        { return nil, errNotDir }
func (sp *davSpool) Stat() (os.FileInfo, error)                { return sp.f.Stat() }

func (sp *davSpool) Write(p []byte) (int, error) {
	if sp.limit > 0 && sp.n+int64(len(p)) > sp.limit {
		sp.failed = true
		return 0, upload.ErrTooLarge
	}
	n, err := sp.f.Write(p)
	sp.n += int64(n)
	if err != nil {
		sp.failed = true
	}
	return n, err
}

// Close places the spooled body on dst, or discards it when a write
// failed or the request body ended early.
func (sp *davSpool) Close() error {
	tmp := sp.f.Name()
	err := sp.f.Close()
	if err == nil && (sp.failed || !sp.body.complete()) {
		err = errIncompleteBody
	}
	if err == nil {
		err = upload.Place(tmp, sp.dst)
	}
	if err != nil {
		_ = os.Remove(tmp)
	}
	return err
}

var errIncompleteBody = errors.New("request body incomplete")

type davBodyKey struct{}

// davBody counts what a PUT reads from the client and keeps the first
// read error.
type davBody struct {
	io.ReadCloser
	want int64
	n    int64
	err  error
}

func (b *davBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.n += int64(n)
	if err != nil && err != io.EOF && b.err == nil {
		b.err = err
	}
	return n, err
}

// complete reports whether the whole body arrived. A nil body (COPY) is
// always complete.
func (b *davBody) complete() bool {
	if b == nil {
		return true
	}
	return b.err == nil && (b.want < 0 || b.n == b.want)
}

// davLockSystem returns the lock table for root id, creating it on first use.
func (s *Server) davLockSystem(id string) webdav.LockSystem {
	s.davMu.Lock()
	defer s.davMu.Unlock()
	ls, ok := s.davLocks[id]
	if !ok {
		ls = webdav.NewMemLS()
		s.davLocks[id] = ls
	}
	return ls
}

func (s *Server) dropDAVLocks(id string) {
	s.davMu.Lock()
	delete(s.davLocks, id)
	s.davMu.Unlock()
}

// davPerm is the permission a WebDAV method needs.
func davPerm(method string) auth.Perm {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, "PROPFIND":
		return auth.PermRead
	case http.MethodDelete:
		return auth.PermAdmin
	default:
		return auth.PermWrite
	}
}

// davUser checks HTTP Basic credentials, sharing the login rate limit.
func (s *Server) davUser(w http.ResponseWriter, r *http.Request) (auth.User, bool) {
	ip := auth.ClientIP(r.RemoteAddr)
	key := "login:" + ip
	if blocked, wait := s.limiter.Blocked(key); blocked {
		w.Header().Set("Retry-After", retryAfterSeconds(wait))
		http.Error(w, "too many login attempts", http.StatusTooManyRequests)
		return auth.User{}, false
	}
	name, pass, ok := auth.ParseBasicAuth(r.Header.Get("Authorization"))
	if !ok {
		w.Header().Set("WWW-Authenticate", davRealm)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return auth.User{}, false
	}
	u, err := s.users.Verify(name, pass)
	if err != nil {
		s.limiter.Allow(key)
		s.log.Warn("webdav login failed", "user", name, "remote_ip", ip)
		w.Header().Set("WWW-Authenticate", davRealm)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return auth.User{}, false
	}
	return u, true
}

// handleDAV serves /dav/<root>/... with one webdav.Handler per request.
func (s *Server) handleDAV(w http.ResponseWriter, r *http.Request) {
	u, ok := s.davUser(w, r)
	if !ok {
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/dav/")
	id, _, _ := strings.Cut(rest, "/")
	if _, err := s.roots.Get(id); err != nil {
		http.NotFound(w, r)
		return
	}
	if !auth.Allowed(u.Role, davPerm(r.Method)) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	if r.Method == http.MethodPut {
		limit := s.cfg.MaxUploadBytes()
		if limit > 0 && r.ContentLength > limit {
			s.writeError(w, r, upload.ErrTooLarge)
			return
		}
		if limit > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, limit)
		}
		body := &davBody{ReadCloser: r.Body, want: r.ContentLength}
		r.Body = body
		r = r.WithContext(context.WithValue(r.Context(), davBodyKey{}, body))
	}

	dav := &webdav.Handler{
		Prefix:     "/dav/" + id,
		FileSystem: davFS{s: s, root: id},
		LockSystem: s.davLockSystem(id),
		Logger: func(r *http.Request, err error) {
			if err != nil {
				s.log.Warn("webdav request error", "method", r.Method, "path", r.URL.Path, "user", u.Username, "err", err)
			}
		},
	}
	dav.ServeHTTP(w, r)
}
