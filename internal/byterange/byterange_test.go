package byterange

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	cases := []struct {
		header string
		size   int64
		want   Span
		err    bool
	}{
		{"", 1000, Span{0, 1000, false}, false},
		{"items=0-5", 1000, Span{0, 1000, false}, false},
		{"bytes=0-", 1000, Span{0, 1000, false}, false},
		{"bytes=0-99", 1000, Span{0, 100, true}, false},
		{"bytes=500-", 1000, Span{500, 500, true}, false},
		{"bytes=900-999", 1000, Span{900, 100, true}, false},
		{"bytes=900-1000", 1000, Span{}, true},
		{"bytes=-100", 1000, Span{900, 100, true}, false},
		{"bytes=-5000", 1000, Span{0, 1000, true}, false},
		{"bytes=10-19, 40-49", 1000, Span{10, 10, true}, false},
		{"BYTES=1-1", 10, Span{1, 1, true}, false},
		{"bytes=2000-2100", 1000, Span{}, true},
		{"bytes=1000-", 1000, Span{}, true},
		{"bytes=500-400", 1000, Span{}, true},
		{"bytes=-0", 1000, Span{}, true},
		{"bytes=", 1000, Span{}, true},
		{"bytes=abc", 1000, Span{}, true},
		{"bytes=1-x", 1000, Span{}, true},
		{"bytes=+1-2", 1000, Span{}, true},
		{"bytes=0-0", 0, Span{}, true},
		{"", 0, Span{0, 0, false}, false},
	}
	for _, tc := range cases {
		got, err := Parse(tc.header, tc.size)
		if tc.err {
			assert.ErrorIs(t, err, ErrNotSatisfiable, tc.header)
			continue
		}
		require.NoError(t, err, tc.header)
		assert.Equal(t, tc.want, got, tc.header)
	}
}

func body(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

func serve(t *testing.T, method, rng string, content []byte, name string, opts Options) *httptest.ResponseRecorder {
	t.Helper()
	r := httptest.NewRequest(method, "/f/x", nil)
	if rng != "" {
		r.Header.Set("Range", rng)
	}
	w := httptest.NewRecorder()
	_ = Serve(w, r, bytes.NewReader(content), int64(len(content)), name, opts)
	return w
}

// TestServePartial checks the first 100 bytes of a 1000 byte file.
func TestServePartial(t *testing.T) {
	src := body(1000)
	w := serve(t, http.MethodGet, "bytes=0-99", src, "movie.mp4", Options{})

	assert.Equal(t, http.StatusPartialContent, w.Code)
	assert.Equal(t, "bytes 0-99/1000", w.Header().Get("Content-Range"))
	assert.Equal(t, "100", w.Header().Get("Content-Length"))
	assert.Equal(t, "bytes", w.Header().Get("Accept-Ranges"))
	assert.Equal(t, src[:100], w.Body.Bytes())
}

// TestServeUnsatisfiable checks a range wholly past the end.
func TestServeUnsatisfiable(t *testing.T) {
	w := serve(t, http.MethodGet, "bytes=2000-2100", body(1000), "movie.mp4", Options{})
	assert.Equal(t, http.StatusRequestedRangeNotSatisfiable, w.Code)
	assert.Equal(t, "bytes */1000", w.Header().Get("Content-Range"))

	w = serve(t, http.MethodGet, "bytes=0-1", nil, "empty.txt", Options{})
	assert.Equal(t, http.StatusRequestedRangeNotSatisfiable, w.Code)
	assert.Equal(t, "bytes */0", w.Header().Get("Content-Range"))
}

func TestServeFull(t *testing.T) {
	src := body(4096)
	w := serve(t, http.MethodGet, "", src, "notes.txt", Options{})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("Content-Range"))
	assert.Equal(t, "4096", w.Header().Get("Content-Length"))
	assert.True(t, strings.HasPrefix(w.Header().Get("Content-Disposition"), "inline"))
	assert.Equal(t, src, w.Body.Bytes())

	w = serve(t, http.MethodGet, "", nil, "empty.txt", Options{})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "0", w.Header().Get("Content-Length"))
	assert.Zero(t, w.Body.Len())
}

func TestServeSuffixAndHead(t *testing.T) {
	src := body(1000)
	w := serve(t, http.MethodGet, "bytes=-10", src, "a.bin", Options{})
	assert.Equal(t, http.StatusPartialContent, w.Code)
	assert.Equal(t, "bytes 990-999/1000", w.Header().Get("Content-Range"))
	assert.Equal(t, src[990:], w.Body.Bytes())

	w = serve(t, http.MethodHead, "bytes=0-99", src, "a.bin", Options{})
	assert.Equal(t, http.StatusPartialContent, w.Code)
	assert.Equal(t, "100", w.Header().Get("Content-Length"))
	assert.Zero(t, w.Body.Len())
}

func TestServeProgress(t *testing.T) {
	src := body(100 << 10)
	var total int
	w := serve(t, http.MethodGet, "", src, "big.bin", Options{Progress: func(n int) { total += n }})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, len(src), total)
}

func TestDisposition(t *testing.T) {
	assert.Equal(t, `inline; filename=photo.jpg`, Disposition("photo.jpg", "image/jpeg", false))
	assert.Equal(t, `attachment; filename=photo.jpg`, Disposition("photo.jpg", "image/jpeg", true))
	assert.Equal(t, `attachment; filename=setup.exe`, Disposition("dir/setup.exe", "application/octet-stream", false))
	assert.Equal(t, `attachment; filename=x.svg`, Disposition("x.svg", "image/svg+xml", false))
	assert.Equal(t, `attachment; filename=page.html`, Disposition("page.html", "text/html; charset=utf-8", false))
	assert.Equal(t, "application/octet-stream", ContentType("README"))
	assert.Equal(t, "application/pdf", ContentType("x.PDF"))
}
