package upload

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

var ErrTooLarge = errors.New("upload exceeds size limit")

// Received describes a body spooled to a temporary file.
type Received struct {
	Path   string
	SHA256 string
	Size   int64
}

// Receive copies src into a new file under tmpDir while hashing it. A
// positive limit caps the number of bytes accepted.
func Receive(ctx context.Context, tmpDir string, src io.Reader, limit int64) (Received, error) {
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return Received{}, err
	}
	f, err := os.CreateTemp(tmpDir, "recv-*.tmp")
	if err != nil {
		return Received{}, err
	}
	tmp := f.Name()
	fail := func(err error) (Received, error) {
		_ = f.Close()
		_ = os.Remove(tmp)
		return Received{}, err
	}

	h := sha256.New()
	r := io.Reader(ctxReader{ctx: ctx, r: src})
	if limit > 0 {
		r = io.LimitReader(r, limit+1)
	}
	n, err := io.Copy(io.MultiWriter(f, h), r)
	if err != nil {
		return fail(err)
	}
	if limit > 0 && n > limit {
		return fail(ErrTooLarge)
	}
	if err := f.Sync(); err != nil {
		return fail(err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return Received{}, err
	}
	return Received{Path: tmp, SHA256: hex.EncodeToString(h.Sum(nil)), Size: n}, nil
}

// Place moves tmp onto dst, replacing any existing file. When a plain
// rename fails (typically a different filesystem) the data is copied into
// a hidden file next to dst and renamed from there, so dst never holds a
// partial body.
func Place(tmp, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	if st, err := os.Stat(dst); err == nil && st.IsDir() {
		return fmt.Errorf("place %s: destination is a directory", filepath.Base(dst))
	}
	if err := os.Rename(tmp, dst); err == nil {
		return nil
	}

	sibling := filepath.Join(filepath.Dir(dst), "."+filepath.Base(dst)+"."+uuid.NewString()[:8]+".part")
	if err := copyFile(tmp, sibling); err != nil {
		_ = os.Remove(sibling)
		return fmt.Errorf("place %s: %w", filepath.Base(dst), err)
	}
	if err := os.Rename(sibling, dst); err != nil {
		_ = os.Remove(sibling)
		return fmt.Errorf("place %s: %w", filepath.Base(dst), err)
	}
	_ = os.Remove(tmp)
	return nil
}

// hashFile returns the sha256 and size of the file at path.
func hashFile(ctx context.Context, path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := sha256.New()
	buf := make([]byte, 1024*1024)
	n, err := io.CopyBuffer(h, ctxReader{ctx: ctx, r: f}, buf)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	if err := out.Sync(); err != nil {
		return err
	}
	return out.Close()
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
