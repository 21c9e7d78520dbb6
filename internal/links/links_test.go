package links

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rootshare/internal/fsutil"
	"rootshare/internal/roots"
	"rootshare/internal/store"
)

type fixture struct {
	reg   *Registry
	roots *roots.Registry
	st    store.Store
	dir   string
	now   time.Time
}

func newFixture(t *testing.T, ttl time.Duration) *fixture {
	t.Helper()
	base := t.TempDir()
	st, err := store.NewJSONDir(filepath.Join(base, "state"))
	require.NoError(t, err)
	dir := filepath.Join(base, "files")
	rr, err := roots.Open(st, []roots.Root{{ID: "files", Path: dir}}, false)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "report.pdf"), []byte("%PDF"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))

	f := &fixture{roots: rr, st: st, dir: dir, now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	f.reg, err = Open(st, rr, Options{TTL: ttl, Now: func() time.Time { return f.now }})
	require.NoError(t, err)
	return f
}

func TestCreateAndResolve(t *testing.T) {
	f := newFixture(t, 0)

	l, err := f.reg.Create("files", "report.pdf", "alice")
	require.NoError(t, err)
	assert.Len(t, l.Token, 43)
	assert.True(t, l.Expires.IsZero())

	got, err := f.reg.Resolve(l.Token)
	require.NoError(t, err)
	assert.Equal(t, l, got)

	_, abs, err := f.reg.Target(l.Token)
	require.NoError(t, err)
	assert.Equal(t, "report.pdf", filepath.Base(abs))

	// One link per file.
	again, err := f.reg.Create("files", "./report.pdf", "bob")
	require.NoError(t, err)
	assert.Equal(t, l.Token, again.Token)
	assert.Len(t, f.reg.List(), 1)
}

// TestCreateRejectsBeforeRegistering checks create and resolve agree on validity.
func TestCreateRejectsBeforeRegistering(t *testing.T) {
	f := newFixture(t, 0)

	for _, rel := range []string{"../state/users.json", "../../etc/passwd", "sub/../../x"} {
		_, err := f.reg.Create("files", rel, "mallory")
		assert.ErrorIs(t, err, fsutil.ErrPathTraversal, rel)
	}
	_, err := f.reg.Create("ghost-root", "report.pdf", "mallory")
	assert.ErrorIs(t, err, fsutil.ErrPathTraversal)

	_, err = f.reg.Create("files", "missing.txt", "alice")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.reg.Create("files", "sub", "alice")
	assert.ErrorIs(t, err, ErrNotFile)

	assert.Empty(t, f.reg.List())
}

func TestDeleteAndClear(t *testing.T) {
	f := newFixture(t, 0)
	require.NoError(t, os.WriteFile(filepath.Join(f.dir, "b.txt"), []byte("b"), 0o644))

	a, err := f.reg.Create("files", "report.pdf", "alice")
	require.NoError(t, err)
	f.now = f.now.Add(time.Second)
	b, err := f.reg.Create("files", "b.txt", "alice")
	require.NoError(t, err)

	list := f.reg.List()
	require.Len(t, list, 2)
	assert.Equal(t, a.Token, list[0].Token)

	require.NoError(t, f.reg.Delete(a.Token))
	_, err = f.reg.Resolve(a.Token)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, f.reg.Delete(a.Token), ErrNotFound)

	require.NoError(t, f.reg.Clear())
	assert.Empty(t, f.reg.List())
	_, err = f.reg.Resolve(b.Token)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestExpiryWhenTTLSet(t *testing.T) {
	f := newFixture(t, time.Hour)

	l, err := f.reg.Create("files", "report.pdf", "alice")
	require.NoError(t, err)
	assert.Equal(t, f.now.Add(time.Hour), l.Expires)

	f.now = f.now.Add(59 * time.Minute)
	_, err = f.reg.Resolve(l.Token)
	assert.NoError(t, err)

	f.now = f.now.Add(time.Minute)
	_, err = f.reg.Resolve(l.Token)
	assert.ErrorIs(t, err, ErrNotFound)

	// An expired link does not block a fresh one.
	fresh, err := f.reg.Create("files", "report.pdf", "alice")
	require.NoError(t, err)
	assert.NotEqual(t, l.Token, fresh.Token)

	n, err := f.reg.Prune()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestPersistedAcrossOpen(t *testing.T) {
	f := newFixture(t, 0)
	l, err := f.reg.Create("files", "report.pdf", "alice")
	require.NoError(t, err)

	reopened, err := Open(f.st, f.roots, Options{})
	require.NoError(t, err)
	got, err := reopened.Resolve(l.Token)
	require.NoError(t, err)
	assert.Equal(t, "report.pdf", got.Path)
}

func TestDeleteForRoot(t *testing.T) {
	f := newFixture(t, 0)
	_, err := f.reg.Create("files", "report.pdf", "alice")
	require.NoError(t, err)

	n, err := f.reg.DeleteForRoot("other")
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = f.reg.DeleteForRoot("files")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, f.reg.List())
}
