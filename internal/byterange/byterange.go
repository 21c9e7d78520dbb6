// Package byterange serves a file body honoring a single HTTP Range.
package byterange

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

var ErrNotSatisfiable = errors.New("range not satisfiable")

const bufSize = 32 << 10

// Span is the part of the file to send. Partial is false for a plain 200.
type Span struct {
	Start   int64
	Length  int64
	Partial bool
}

func (s Span) End() int64 { return s.Start + s.Length - 1 }

// Parse interprets a Range header against a body of size bytes. Only the
// first range of a multi-range request is honored. An explicit range must
// satisfy 0 <= start <= end < size; suffix ranges longer than the body
// cover all of it.
func Parse(header string, size int64) (Span, error) {
	full := Span{Start: 0, Length: size}
	h := strings.TrimSpace(header)
	if h == "" {
		return full, nil
	}
	unit, spec, ok := strings.Cut(h, "=")
	if !ok || !strings.EqualFold(strings.TrimSpace(unit), "bytes") {
		return full, nil
	}
	if size <= 0 {
		return Span{}, ErrNotSatisfiable
	}
	spec, _, _ = strings.Cut(spec, ",")
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return Span{}, ErrNotSatisfiable
	}
	if spec == "0-" {
		return full, nil
	}
	first, last, ok := strings.Cut(spec, "-")
	if !ok {
		return Span{}, ErrNotSatisfiable
	}
	first, last = strings.TrimSpace(first), strings.TrimSpace(last)

	if first == "" {
		n, err := parseUint(last)
		if err != nil || n == 0 {
			return Span{}, ErrNotSatisfiable
		}
		if n > size {
			n = size
		}
		return Span{Start: size - n, Length: n, Partial: true}, nil
	}

	start, err := parseUint(first)
	if err != nil || start >= size {
		return Span{}, ErrNotSatisfiable
	}
	end := size - 1
	if last != "" {
		e, err := parseUint(last)
		if err != nil || e < start || e >= size {
			return Span{}, ErrNotSatisfiable
		}
		end = e
	}
	return Span{Start: start, Length: end - start + 1, Partial: true}, nil
}

func parseUint(s string) (int64, error) {
	if s == "" || s[0] == '+' || s[0] == '-' {
		return 0, strconv.ErrSyntax
	}
	return strconv.ParseInt(s, 10, 64)
}

type Options struct {
	// Attachment forces Content-Disposition: attachment.
	Attachment bool
	ModTime    time.Time
	// Progress is called after each chunk reaches the client.
	Progress func(n int)
}

// Serve writes the response for content (size bytes, named name) to w.
// On ErrNotSatisfiable the 416 has already been written. Other errors
// come from the body copy, after headers went out.
func Serve(w http.ResponseWriter, r *http.Request, content io.ReaderAt, size int64, name string, opts Options) error {
	h := w.Header()
	h.Set("Accept-Ranges", "bytes")

	span, err := Parse(r.Header.Get("Range"), size)
	if err != nil {
		h.Set("Content-Range", fmt.Sprintf("bytes */%d", size))
		http.Error(w, "range not satisfiable", http.StatusRequestedRangeNotSatisfiable)
		return err
	}

	ct := ContentType(name)
	h.Set("Content-Type", ct)
	h.Set("Content-Disposition", Disposition(name, ct, opts.Attachment))
	h.Set("Content-Length", strconv.FormatInt(span.Length, 10))
	if !opts.ModTime.IsZero() {
		h.Set("Last-Modified", opts.ModTime.UTC().Format(http.TimeFormat))
	}
	status := http.StatusOK
	if span.Partial {
		h.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", span.Start, span.End(), size))
		status = http.StatusPartialContent
	}
	w.WriteHeader(status)
	if r.Method == http.MethodHead || span.Length == 0 {
		return nil
	}

	var dst io.Writer = w
	if opts.Progress != nil {
		dst = progressWriter{w: w, fn: opts.Progress}
	}
	buf := make([]byte, bufSize)
	_, err = io.CopyBuffer(dst, io.NewSectionReader(content, span.Start, span.Length), buf)
	return err
}

type progressWriter struct {
	w  io.Writer
	fn func(int)
}

func (p progressWriter) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	if n > 0 {
		p.fn(n)
	}
	return n, err
}

// ContentType guesses a MIME type from the extension of name.
func ContentType(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" {
		return "application/octet-stream"
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	// Fallbacks for systems with sparse mime tables.
	switch ext {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	case ".mp4", ".m4v":
		return "video/mp4"
	case ".webm":
		return "video/webm"
	case ".mkv":
		return "video/x-matroska"
	case ".mov":
		return "video/quicktime"
	case ".mp3":
		return "audio/mpeg"
	case ".m4a":
		return "audio/mp4"
	case ".wav":
		return "audio/wav"
	case ".ogg":
		return "audio/ogg"
	case ".flac":
		return "audio/flac"
	case ".pdf":
		return "application/pdf"
	case ".txt", ".log", ".md", ".csv":
		return "text/plain; charset=utf-8"
	case ".zip":
		return "application/zip"
	case ".gz":
		return "application/gzip"
	default:
		return "application/octet-stream"
	}
}

// Disposition picks inline for media, PDFs and plain text, attachment for
// everything else.
func Disposition(name, contentType string, forceAttachment bool) string {
	kind := "attachment"
	if !forceAttachment && inlineType(contentType) {
		kind = "inline"
	}
	return mime.FormatMediaType(kind, map[string]string{"filename": filepath.Base(name)})
}

// inlineType reports whether a browser may render ct in place. Anything
// that can carry script (SVG, HTML, other XML) is always an attachment.
func inlineType(ct string) bool {
	ct = strings.ToLower(ct)
	if strings.Contains(ct, "svg") || strings.Contains(ct, "xml") || strings.Contains(ct, "html") {
		return false
	}
	for _, p := range []string{"image/", "video/", "audio/", "application/pdf", "text/plain"} {
		if strings.HasPrefix(ct, p) {
			return true
		}
	}
	return false
}
