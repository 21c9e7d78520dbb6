package fsutil

import (
	"errors"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// ErrPathTraversal is returned for any path that cannot be proven to stay
// inside its root.
var ErrPathTraversal = errors.New("path escapes root")

// CleanRelPath takes a user path like "", ".", "a/b", "a//b", "a\\b" and
// returns a slash-based, no-leading-slash relative path ("" means root).
// It does not validate; use ResolveWithinRoot for that.
func CleanRelPath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" || p == "." || p == "/" {
		return ""
	}
	p = strings.ReplaceAll(p, "\\", "/")
	p = path.Clean("/" + p) // force absolute for stable cleaning
	p = strings.TrimPrefix(p, "/")
	if p == "." {
		return ""
	}
	return p
}

// CheckRelPath rejects user input that is not a plain relative path:
// NUL bytes, a leading separator, a drive or volume qualifier, or any ".."
// that climbs above the starting directory.
func CheckRelPath(p string) error {
	if strings.ContainsRune(p, 0) {
		return ErrPathTraversal
	}
	s := strings.ReplaceAll(p, "\\", "/")
	if strings.HasPrefix(s, "/") {
		return ErrPathTraversal
	}
	if hasVolume(s) || filepath.VolumeName(filepath.FromSlash(s)) != "" {
		return ErrPathTraversal
	}
	depth := 0
	for _, seg := range strings.Split(s, "/") {
		switch seg {
		case "", ".":
		case "..":
			depth--
			if depth < 0 {
				return ErrPathTraversal
			}
		default:
			depth++
		}
	}
	return nil
}

// hasVolume reports a DOS drive prefix ("C:") regardless of the host OS.
func hasVolume(s string) bool {
	if len(s) < 2 || s[1] != ':' {
		return false
	}
	c := s[0]
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

// ResolveWithinRoot maps rel onto the canonical absolute path under root.
//
// The returned path has every existing symlink resolved. The containment
// check runs on that canonical form, so a symlink inside the root that
// points elsewhere is rejected. With followSymlinks false any symlink
// component at all is rejected, even one that stays inside the root.
func ResolveWithinRoot(root, rel string, followSymlinks bool) (string, error) {
	if root == "" {
		return "", errors.New("root is required")
	}
	if err := CheckRelPath(rel); err != nil {
		return "", err
	}
	rootCanon, err := CanonicalDir(root)
	if err != nil {
		return "", err
	}
	clean := CleanRelPath(rel)
	joined := filepath.Join(rootCanon, filepath.FromSlash(clean))
	if !IsWithin(rootCanon, joined) {
		return "", ErrPathTraversal
	}
	if !followSymlinks && hasSymlinkComponent(rootCanon, joined) {
		return "", ErrPathTraversal
	}

	canon, err := canonicalize(joined)
	if err != nil {
		return "", err
	}
	if !IsWithin(rootCanon, canon) {
		return "", ErrPathTraversal
	}
	return canon, nil
}

// CanonicalDir returns the absolute, symlink-free form of dir.
func CanonicalDir(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	return canonicalize(abs)
}

// canonicalize resolves symlinks on the nearest existing ancestor of p and
// re-appends the components that do not exist yet.
func canonicalize(p string) (string, error) {
	p = filepath.Clean(p)
	existing, rest, err := nearestExisting(p)
	if err != nil {
		return "", err
	}
	resolved, err := filepath.EvalSymlinks(existing)
	if err != nil {
		return "", err
	}
	if rest == "" {
		return filepath.Clean(resolved), nil
	}
	return filepath.Join(resolved, rest), nil
}

// IsWithin reports whether candidate equals root or lives beneath it.
// Both are compared in cleaned OS form with the OS separator appended to
// root, so "/srv/a" never matches "/srv/ab".
func IsWithin(root, candidate string) bool {
	root = filepath.Clean(root)
	candidate = filepath.Clean(candidate)
	if root == candidate {
		return true
	}
	sep := string(filepath.Separator)
	if !strings.HasSuffix(root, sep) {
		root += sep
	}
	return strings.HasPrefix(candidate, root)
}

func hasSymlinkComponent(rootAbs, fullPath string) bool {
	rel, err := filepath.Rel(rootAbs, fullPath)
	if err != nil {
		return true
	}
	if rel == "." {
		return false
	}
	cur := rootAbs
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		if part == "" || part == "." {
			continue
		}
		cur = filepath.Join(cur, part)
		st, err := os.Lstat(cur)
		if err != nil {
			// Component doesn't exist (yet): nothing to traverse.
			return false
		}
		if st.Mode()&os.ModeSymlink != 0 {
			return true
		}
	}
	return false
}

// nearestExisting walks up from p until it finds a path that exists and
// returns it along with the non-existent remainder.
func nearestExisting(p string) (existing, rest string, err error) {
	cur := p
	for {
		_, err := os.Lstat(cur)
		if err == nil {
			r, err := filepath.Rel(cur, p)
			if err != nil {
				return "", "", err
			}
			if r == "." {
				r = ""
			}
			return cur, r, nil
		}
		if !os.IsNotExist(err) {
			return "", "", err
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return "", "", err
		}
		cur = parent
	}
}
