package httpserver

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	// decoders
	_ "image/gif"
	_ "image/png"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

const (
	thumbMax = 256
	// thumbMaxPixels caps the decoded size of a thumbnail source.
	thumbMaxPixels = 50_000_000
)

var errTooManyPixels = errors.New("image too large to thumbnail")

// handleThumb serves a JPEG preview of an image, cached under
// <state>/thumbs by root, path and mtime.
func (s *Server) handleThumb(w http.ResponseWriter, r *http.Request) {
	rootID, rel, abs, err := s.resolveQuery(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	st, err := os.Stat(abs)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if st.IsDir() || !isImageExt(strings.ToLower(filepath.Ext(abs))) {
		s.writeError(w, r, os.ErrNotExist)
		return
	}

	thumbDir := filepath.Join(s.cfg.StateDir, "thumbs")
	_ = os.MkdirAll(thumbDir, 0o755)
	thumbPath := filepath.Join(thumbDir, thumbKey(rootID, rel, st.ModTime().UnixNano())+".jpg")
	b, err := os.ReadFile(thumbPath)
	if err != nil {
		b, err = makeThumb(abs, thumbMax)
		if err != nil {
			s.log.Debug("thumbnail failed", "root", rootID, "path", rel, "err", err)
			s.writeError(w, r, os.ErrNotExist)
			return
		}
		_ = os.WriteFile(thumbPath, b, 0o644)
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "private, max-age=3600")
	_, _ = w.Write(b)
}

func thumbKey(rootID, rel string, mtime int64) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d", rootID, rel, mtime)))
	return hex.EncodeToString(sum[:16])
}

// makeThumb decodes the image at absPath and scales it so the longer side
// is at most max pixels.
func makeThumb(absPath string, max int) ([]byte, error) {
	f, err := os.Open(absPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return nil, err
	}
	if int64(cfg.Width)*int64(cfg.Height) > thumbMaxPixels {
		return nil, errTooManyPixels
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	src, _, err := image.Decode(f)
	if err != nil {
		return nil, err
	}
	b := src.Bounds()
	nw, nh := fitWithin(b.Dx(), b.Dy(), max)
	if nw == 0 {
		return nil, os.ErrInvalid
	}

	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)

	var out bytes.Buffer
	if err := jpeg.Encode(&out, dst, &jpeg.Options{Quality: 82}); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// fitWithin scales w x h down to fit a max x max box, keeping the aspect
// ratio. Images already small enough keep their size.
func fitWithin(w, h, max int) (int, int) {
	if w <= 0 || h <= 0 {
		return 0, 0
	}
	if max <= 0 {
		max = thumbMax
	}
	nw, nh := w, h
	switch {
	case w >= h && w > max:
		nw, nh = max, h*max/w
	case h > w && h > max:
		nw, nh = w*max/h, max
	}
	return maxInt(nw, 1), maxInt(nh, 1)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
