package fsutil

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCleanRelPath(t *testing.T) {
	cases := map[string]string{
		"":          "",
		".":         "",
		"/":         "",
		"a//b":      "a/b",
		`a\b`:       "a/b",
		"a/./b/":    "a/b",
		"a/b/../c":  "a/c",
		"  a/b.txt": "a/b.txt",
	}
	for in, want := range cases {
		assert.Equal(t, want, CleanRelPath(in), "input %q", in)
	}
}

// TestResolveWithinRootRejectsTraversal blocks .. escapes however they are spelled.
func TestResolveWithinRootRejectsTraversal(t *testing.T) {
	root := t.TempDir()
	bad := []string{
		"..",
		"../etc/passwd",
		"../../../../etc/passwd",
		"a/../../etc/passwd",
		`..\..\windows\system32`,
		"a/b/../../../x",
		"/etc/passwd",
		`\etc\passwd`,
		"C:/Windows",
		`c:\Windows`,
		"a/\x00b",
	}
	for _, rel := range bad {
		_, err := ResolveWithinRoot(root, rel, true)
		assert.ErrorIs(t, err, ErrPathTraversal, "rel %q", rel)
	}
}

func TestResolveWithinRootAcceptsInside(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "a", "b"), 0o755))
	canonRoot, err := CanonicalDir(root)
	require.NoError(t, err)

	got, err := ResolveWithinRoot(root, "", false)
	require.NoError(t, err)
	assert.Equal(t, canonRoot, got)

	got, err = ResolveWithinRoot(root, "a/b/../b/c.txt", false)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(canonRoot, "a", "b", "c.txt"), got)

	// Paths that do not exist yet still resolve (uploads, mkdir).
	got, err = ResolveWithinRoot(root, "new/dir/file.bin", false)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(canonRoot, "new", "dir", "file.bin"), got)
}

func TestResolveWithinRootIsIdempotent(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "f.txt"), []byte("x"), 0o644))

	first, err := ResolveWithinRoot(root, "./f.txt", false)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := ResolveWithinRoot(root, "./f.txt", false)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

// TestResolveWithinRootRejectsSymlinkEscape blocks symlink-based escapes.
func TestResolveWithinRootRejectsSymlinkEscape(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlink behavior varies on windows")
	}
	root := t.TempDir()
	outside := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(outside, "secret"), []byte("s"), 0o600))

	if err := os.Symlink(outside, filepath.Join(root, "link")); err != nil {
		t.Skipf("symlink not supported: %v", err)
	}

	_, err := ResolveWithinRoot(root, "link/secret", true)
	assert.ErrorIs(t, err, ErrPathTraversal)
	_, err = ResolveWithinRoot(root, "link/secret", false)
	assert.ErrorIs(t, err, ErrPathTraversal)
}

func TestResolveWithinRootInsideSymlink(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlink behavior varies on windows")
	}
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "real"), 0o755))
	if err := os.Symlink(filepath.Join(root, "real"), filepath.Join(root, "alias")); err != nil {
		t.Skipf("symlink not supported: %v", err)
	}

	_, err := ResolveWithinRoot(root, "alias/x", false)
	assert.ErrorIs(t, err, ErrPathTraversal)

	got, err := ResolveWithinRoot(root, "alias/x", true)
	require.NoError(t, err)
	canonRoot, err := CanonicalDir(root)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(canonRoot, "real", "x"), got)
}

func TestIsWithin(t *testing.T) {
	base := filepath.Join(string(filepath.Separator), "srv", "a")
	assert.True(t, IsWithin(base, base))
	assert.True(t, IsWithin(base, filepath.Join(base, "x")))
	assert.False(t, IsWithin(base, base+"b"))
	assert.False(t, IsWithin(base, filepath.Dir(base)))
}
