package upload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"rootshare/internal/fsutil"
)

// A minimal resumable upload protocol:
// - POST   /api/uploads?root=<id>&path=<destRel>&size=<n>  => {id, offset}
// - PATCH  /api/uploads/<id> (Content-Range: bytes <start>-<end>/<total>) body=chunk
// - POST   /api/uploads/<id>/finish                        => place into dest
//
// State is stored on disk in <stateDir>/incoming/<id>.{part,json}

var (
	ErrNotFound       = errors.New("upload not found")
	ErrOffsetMismatch = errors.New("upload offset mismatch")
	ErrIncomplete     = errors.New("upload incomplete")
	ErrBusy           = errors.New("upload chunk already in progress")
	ErrBadRange       = errors.New("invalid Content-Range")
)

// Resolver maps a root id and relative path to an absolute path.
type Resolver interface {
	Resolve(rootID, rel string) (string, error)
}

type Session struct {
	ID      string `json:"id"`
	Owner   string `json:"owner"`
	Root    string `json:"root"`
	DestRel string `json:"destRel"`
	Size    int64  `json:"size"`   // total if known, else -1
	Offset  int64  `json:"offset"` // written bytes
	Created int64  `json:"created"`
	Updated int64  `json:"updated"`

	busy bool
}

// Result is a finished upload.
type Result struct {
	Path   string
	Root   string
	Rel    string
	SHA256 string
	Size   int64
}

type Manager struct {
	res      Resolver
	dir      string
	maxSize  int64
	mu       sync.Mutex
	sessions map[string]*Session
}

// New opens the manager under <stateDir>/incoming and picks up sessions
// left behind by a previous run. A positive maxSize caps declared and
// written sizes.
func New(res Resolver, stateDir string, maxSize int64) (*Manager, error) {
	dir := filepath.Join(stateDir, "incoming")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	m := &Manager{
		res:      res,
		dir:      dir,
		maxSize:  maxSize,
		sessions: map[string]*Session{},
	}
	if err := m.loadExisting(); err != nil {
		return nil, err
	}
	return m, nil
}

// TempDir is where one-shot uploads spool before placement.
func (m *Manager) TempDir() string {
	return filepath.Join(m.dir, "tmp")
}

func (m *Manager) loadExisting() error {
	ents, err := os.ReadDir(m.dir)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range ents {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		b, err := os.ReadFile(filepath.Join(m.dir, e.Name()))
		if err != nil {
			continue
		}
		var s Session
		if json.Unmarshal(b, &s) != nil || s.ID == "" {
			continue
		}
		// The part file is the source of truth for how much arrived.
		if st, err := os.Stat(m.partPath(s.ID)); err == nil && st.Size() < s.Offset {
			s.Offset = st.Size()
		}
		m.sessions[s.ID] = &s
	}
	return nil
}

// Create starts a resumable upload to destRel in rootID. The destination
// is resolved up front so a bad path fails before any bytes are sent.
func (m *Manager) Create(owner, rootID, destRel string, total int64) (Session, error) {
	if _, err := m.res.Resolve(rootID, destRel); err != nil {
		return Session{}, err
	}
	destRel = fsutil.CleanRelPath(destRel)
	if destRel == "" {
		return Session{}, fmt.Errorf("%w: destination must name a file", fsutil.ErrPathTraversal)
	}
	if total < 0 {
		total = -1
	}
	if m.maxSize > 0 && total > m.maxSize {
		return Session{}, ErrTooLarge
	}
	now := time.Now().Unix()
	s := &Session{
		ID:      uuid.NewString(),
		Owner:   owner,
		Root:    rootID,
		DestRel: destRel,
		Size:    total,
		Created: now,
		Updated: now,
	}
	if err := m.save(s); err != nil {
		return Session{}, err
	}
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
	return *s, nil
}

func (m *Manager) Get(id string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// Patch appends one chunk. contentRange is the request's Content-Range
// header; its start must equal the current offset.
func (m *Manager) Patch(ctx context.Context, id, contentRange string, body io.Reader) (Session, error) {
	start, end, total, err := parseContentRange(contentRange)
	if err != nil {
		return Session{}, err
	}

	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return Session{}, ErrNotFound
	}
	if s.busy {
		m.mu.Unlock()
		return Session{}, ErrBusy
	}
	if start != s.Offset {
		have := s.Offset
		m.mu.Unlock()
		return Session{}, fmt.Errorf("%w: have %d got %d", ErrOffsetMismatch, have, start)
	}
	if s.Size < 0 && total >= 0 {
		s.Size = total
	}
	if s.Size >= 0 && total >= 0 && s.Size != total {
		size := s.Size
		m.mu.Unlock()
		return Session{}, fmt.Errorf("%w: size %d, chunk says %d", ErrBadRange, size, total)
	}
	if s.Size >= 0 && end >= s.Size {
		m.mu.Unlock()
		return Session{}, fmt.Errorf("%w: chunk ends past declared size", ErrBadRange)
	}
	if m.maxSize > 0 && end >= m.maxSize {
		m.mu.Unlock()
		return Session{}, ErrTooLarge
	}
	s.busy = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		s.busy = false
		m.mu.Unlock()
	}()

	f, err := os.OpenFile(m.partPath(id), os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return Session{}, err
	}
	defer f.Close()
	if _, err := f.Seek(start, io.SeekStart); err != nil {
		return Session{}, err
	}

	want := (end - start) + 1
	wrote, err := io.CopyN(f, ctxReader{ctx: ctx, r: body}, want)
	if err != nil && !errors.Is(err, io.EOF) {
		return Session{}, err
	}
	if wrote != want {
		return Session{}, fmt.Errorf("%w: short chunk %d != %d", ErrBadRange, wrote, want)
	}
	if err := f.Sync(); err != nil {
		return Session{}, err
	}

	m.mu.Lock()
	s.Offset += wrote
	s.Updated = time.Now().Unix()
	cp := *s
	m.mu.Unlock()
	if err := m.save(&cp); err != nil {
		return Session{}, err
	}
	cp.busy = false
	return cp, nil
}

// Finish verifies the upload is complete, hashes it, and places it at its
// destination, re-resolving the path in case the tree changed meanwhile.
func (m *Manager) Finish(ctx context.Context, id string) (Result, error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return Result{}, ErrNotFound
	}
	if s.busy {
		m.mu.Unlock()
		return Result{}, ErrBusy
	}
	s.busy = true
	cp := *s
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		s.busy = false
		m.mu.Unlock()
	}()

	if cp.Size >= 0 && cp.Offset != cp.Size {
		return Result{}, fmt.Errorf("%w: offset=%d size=%d", ErrIncomplete, cp.Offset, cp.Size)
	}
	part := m.partPath(id)
	// Zero-length uploads never PATCH, and a failed chunk can leave bytes
	// past the offset; both are settled by sizing the part file to Offset.
	f, err := os.OpenFile(part, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return Result{}, err
	}
	err = f.Truncate(cp.Offset)
	_ = f.Close()
	if err != nil {
		return Result{}, err
	}
	sum, size, err := hashFile(ctx, part)
	if err != nil {
		return Result{}, err
	}
	if cp.Size >= 0 && size != cp.Size {
		return Result{}, fmt.Errorf("%w: file=%d expected=%d", ErrIncomplete, size, cp.Size)
	}
	dst, err := m.res.Resolve(cp.Root, cp.DestRel)
	if err != nil {
		return Result{}, err
	}
	if err := Place(part, dst); err != nil {
		return Result{}, err
	}

	_ = os.Remove(m.metaPath(id))
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()

	return Result{Path: dst, Root: cp.Root, Rel: cp.DestRel, SHA256: sum, Size: size}, nil
}

// Abort drops an unfinished upload and its data.
func (m *Manager) Abort(id string) error {
	m.mu.Lock()
	_, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	_ = os.Remove(m.partPath(id))
	_ = os.Remove(m.metaPath(id))
	return nil
}

// Prune aborts uploads that have not advanced for maxAge, and clears
// spool files of the same age from TempDir.
func (m *Manager) Prune(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	var stale []string
	m.mu.Lock()
	for id, s := range m.sessions {
		if !s.busy && time.Unix(s.Updated, 0).Before(cutoff) {
			stale = append(stale, id)
		}
	}
	m.mu.Unlock()
	n := 0
	for _, id := range stale {
		if m.Abort(id) == nil {
			n++
		}
	}
	ents, _ := os.ReadDir(m.TempDir())
	for _, e := range ents {
		info, err := e.Info()
		if err == nil && info.ModTime().Before(cutoff) {
			_ = os.Remove(filepath.Join(m.TempDir(), e.Name()))
		}
	}
	return n
}

func (m *Manager) partPath(id string) string { return filepath.Join(m.dir, id+".part") }
func (m *Manager) metaPath(id string) string { return filepath.Join(m.dir, id+".json") }

func (m *Manager) save(s *Session) error {
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	tmp := m.metaPath(s.ID) + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, m.metaPath(s.ID))
}

func parseContentRange(v string) (start, end, total int64, err error) {
	// "bytes <start>-<end>/<total>" where total may be "*"
	v = strings.TrimSpace(v)
	if !strings.HasPrefix(v, "bytes ") {
		return 0, 0, 0, fmt.Errorf("%w: expected bytes start-end/total", ErrBadRange)
	}
	rng, tot, ok := strings.Cut(strings.TrimPrefix(v, "bytes "), "/")
	if !ok {
		return 0, 0, 0, ErrBadRange
	}
	first, last, ok := strings.Cut(rng, "-")
	if !ok {
		return 0, 0, 0, ErrBadRange
	}
	start, err = strconv.ParseInt(first, 10, 64)
	if err != nil || start < 0 {
		return 0, 0, 0, fmt.Errorf("%w: start", ErrBadRange)
	}
	end, err = strconv.ParseInt(last, 10, 64)
	if err != nil || end < start {
		return 0, 0, 0, fmt.Errorf("%w: end", ErrBadRange)
	}
	if tot == "*" {
		return start, end, -1, nil
	}
	total, err = strconv.ParseInt(tot, 10, 64)
	if err != nil || total <= 0 || end >= total {
		return 0, 0, 0, fmt.Errorf("%w: total", ErrBadRange)
	}
	return start, end, total, nil
}
