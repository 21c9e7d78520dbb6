package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"

	"rootshare/internal/auth"
	"rootshare/internal/byterange"
	"rootshare/internal/fsutil"
	"rootshare/internal/links"
	"rootshare/internal/roots"
	"rootshare/internal/upload"
)

var (
	errIsDir    = errors.New("is a directory")
	errNotDir   = errors.New("not a directory")
	errExists   = errors.New("destination already exists")
	errBadJSON  = errors.New("bad request body")
	errRootPath = errors.New("the root itself cannot be changed")
	errSelf     = errors.New("you cannot delete your own account")
	errWrongOld = errors.New("current password is incorrect")
)

type errorBody struct {
	Error string `json:"error"`
}

// statusFor maps an error to a status code and the message the client
// sees. Security-relevant failures get a fixed message with no detail.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, auth.ErrAuthFailure):
		return http.StatusUnauthorized, auth.ErrAuthFailure.Error()
	case errors.Is(err, auth.ErrInvalidSession):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, fsutil.ErrPathTraversal):
		return http.StatusBadRequest, "invalid path"
	case errors.Is(err, errWrongOld):
		return http.StatusForbidden, err.Error()

	case errors.Is(err, auth.ErrLastAdmin):
		return http.StatusConflict, "at least one admin account must remain; promote another user first"
	case errors.Is(err, roots.ErrLastRoot):
		return http.StatusConflict, "at least one root must remain; add another root first"
	case errors.Is(err, auth.ErrConflict), errors.Is(err, roots.ErrConflict), errors.Is(err, errExists):
		return http.StatusConflict, unwrapMessage(err)

	case errors.Is(err, auth.ErrNotFound), errors.Is(err, roots.ErrNotFound),
		errors.Is(err, links.ErrNotFound), errors.Is(err, upload.ErrNotFound),
		errors.Is(err, os.ErrNotExist):
		return http.StatusNotFound, "not found"

	case errors.Is(err, auth.ErrBadInput), errors.Is(err, roots.ErrInvalidPath):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, links.ErrNotFile), errors.Is(err, errIsDir), errors.Is(err, errNotDir),
		errors.Is(err, errBadJSON), errors.Is(err, errRootPath), errors.Is(err, errSelf):
		return http.StatusBadRequest, unwrapMessage(err)

	case errors.Is(err, byterange.ErrNotSatisfiable):
		return http.StatusRequestedRangeNotSatisfiable, "range not satisfiable"
	case errors.Is(err, upload.ErrTooLarge):
		return http.StatusRequestEntityTooLarge, "upload too large"
	case errors.Is(err, upload.ErrBadRange):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, upload.ErrOffsetMismatch), errors.Is(err, upload.ErrIncomplete), errors.Is(err, upload.ErrBusy):
		return http.StatusConflict, err.Error()
	case errors.Is(err, os.ErrPermission):
		return http.StatusForbidden, "permission denied"
	}
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		return http.StatusRequestEntityTooLarge, "upload too large"
	}
	return http.StatusInternalServerError, "server error"
}

// unwrapMessage returns the innermost error text, which for these
// sentinels never carries a filesystem path.
func unwrapMessage(err error) string {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err.Error()
		}
		err = next
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := statusFor(err)
	switch {
	case status >= 500:
		s.log.Error("request failed", "method", r.Method, "path", redactPath(r.URL.Path), "err", err)
	case errors.Is(err, fsutil.ErrPathTraversal):
		s.log.Warn("path rejected", "path", redactPath(r.URL.Path), "user", auth.UserFromContext(r.Context()), "remote_ip", auth.ClientIP(r.RemoteAddr))
	}
	writeJSON(w, status, errorBody{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

// decodeJSON reads a small JSON body into v.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		return errBadJSON
	}
	return nil
}
