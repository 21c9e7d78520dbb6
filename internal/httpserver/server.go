package httpserver

import (
	"embed"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"sync"

	"golang.org/x/net/webdav"

	"rootshare/internal/auth"
	"rootshare/internal/config"
	"rootshare/internal/links"
	"rootshare/internal/logging"
	"rootshare/internal/roots"
	"rootshare/internal/upload"
)

type Options struct {
	Config   config.Config
	Logger   *slog.Logger
	Users    *auth.Users
	Sessions *auth.Sessions
	Roots    *roots.Registry
	Links    *links.Registry
	Uploads  *upload.Manager
}

type Server struct {
	cfg      config.Config
	log      *slog.Logger
	users    *auth.Users
	sessions *auth.Sessions
	roots    *roots.Registry
	links    *links.Registry
	uploads  *upload.Manager
	limiter  *fixedWindowLimiter

	davMu    sync.Mutex
	davLocks map[string]webdav.LockSystem

	webFS fs.FS
}

//go:embed web/index.html web/assets/*
var embeddedWeb embed.FS

func New(opts Options) (*Server, error) {
	if opts.Users == nil || opts.Sessions == nil || opts.Roots == nil || opts.Links == nil || opts.Uploads == nil {
		return nil, errors.New("httpserver: users, sessions, roots, links and uploads are required")
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	sub, err := fs.Sub(embeddedWeb, "web")
	if err != nil {
		return nil, err
	}
	return &Server{
		cfg:      opts.Config,
		log:      opts.Logger,
		users:    opts.Users,
		sessions: opts.Sessions,
		roots:    opts.Roots,
		links:    opts.Links,
		uploads:  opts.Uploads,
		limiter:  newFixedWindowLimiter(opts.Config.Login.MaxAttempts, opts.Config.Login.Window),
		davLocks: map[string]webdav.LockSystem{},
		webFS:    sub,
	}, nil
}

// Close stops background helpers owned by the server.
func (s *Server) Close() error {
	s.limiter.Stop()
	return nil
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// health
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(w, "ok\n")
	})

	// UI shell and static assets
	assets, _ := fs.Sub(s.webFS, "assets")
	mux.Handle("GET /assets/", http.StripPrefix("/assets/", http.FileServer(http.FS(assets))))
	mux.HandleFunc("GET /{$}", s.handleIndex)

	// session
	mux.HandleFunc("POST /api/login", s.handleLogin)
	mux.Handle("POST /api/logout", s.require(auth.PermRead, s.handleLogout))
	mux.Handle("GET /api/me", s.require(auth.PermRead, s.handleMe))
	mux.Handle("POST /api/password", s.require(auth.PermRead, s.handleOwnPassword))

	// browsing and downloads
	mux.Handle("GET /api/roots", s.require(auth.PermRead, s.handleRoots))
	mux.Handle("GET /api/list", s.require(auth.PermRead, s.handleList))
	mux.Handle("GET /api/search", s.require(auth.PermRead, s.handleSearch))
	mux.Handle("GET /f/{root}/{path...}", s.require(auth.PermRead, s.handleFile))
	mux.Handle("GET /thumb", s.require(auth.PermRead, s.handleThumb))
	mux.Handle("GET /api/zip", s.require(auth.PermRead, s.handleZip))
	mux.Handle("POST /api/zip", s.require(auth.PermRead, s.handleZip))

	// file management
	mux.Handle("POST /api/mkdir", s.require(auth.PermWrite, s.handleMkdir))
	mux.Handle("POST /api/rename", s.require(auth.PermWrite, s.handleRename))
	mux.Handle("POST /api/delete", s.require(auth.PermAdmin, s.handleDelete))

	// uploads
	mux.Handle("POST /api/upload", s.require(auth.PermWrite, s.handleMultipartUpload))
	mux.Handle("POST /api/uploads", s.require(auth.PermWrite, s.handleUploadCreate))
	mux.Handle("GET /api/uploads/{id}", s.require(auth.PermWrite, s.handleUploadStatus))
	mux.Handle("PATCH /api/uploads/{id}", s.require(auth.PermWrite, s.handleUploadPatch))
	mux.Handle("DELETE /api/uploads/{id}", s.require(auth.PermWrite, s.handleUploadAbort))
	mux.Handle("POST /api/uploads/{id}/finish", s.require(auth.PermWrite, s.handleUploadFinish))

	// public links
	mux.Handle("POST /api/links", s.require(auth.PermRead, s.handleLinkCreate))
	mux.Handle("GET /api/links/{token}/qr", s.require(auth.PermRead, s.handleLinkQR))
	mux.HandleFunc("GET /p/{token}", s.handlePublic)

	// admin
	mux.Handle("GET /api/admin/users", s.require(auth.PermAdmin, s.handleAdminUsers))
	mux.Handle("POST /api/admin/users", s.require(auth.PermAdmin, s.handleAdminUserCreate))
	mux.Handle("DELETE /api/admin/users/{name}", s.require(auth.PermAdmin, s.handleAdminUserDelete))
	mux.Handle("POST /api/admin/users/{name}/password", s.require(auth.PermAdmin, s.handleAdminUserPassword))
	mux.Handle("POST /api/admin/users/{name}/role", s.require(auth.PermAdmin, s.handleAdminUserRole))
	mux.Handle("GET /api/admin/roots", s.require(auth.PermAdmin, s.handleAdminRoots))
	mux.Handle("POST /api/admin/roots", s.require(auth.PermAdmin, s.handleAdminRootAdd))
	mux.Handle("DELETE /api/admin/roots/{id}", s.require(auth.PermAdmin, s.handleAdminRootRemove))
	mux.Handle("GET /api/admin/links", s.require(auth.PermAdmin, s.handleAdminLinks))
	mux.Handle("DELETE /api/admin/links/{token}", s.require(auth.PermAdmin, s.handleAdminLinkDelete))
	mux.Handle("POST /api/admin/links/clear", s.require(auth.PermAdmin, s.handleAdminLinksClear))

	// WebDAV, one tree per root
	mux.Handle("/dav/", http.HandlerFunc(s.handleDAV))

	return s.withRecover(s.withRequestLog(withHeaders(mux)))
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	b, err := fs.ReadFile(s.webFS, "index.html")
	if err != nil {
		http.Error(w, "missing ui", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(b)
}
