package interceptor

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

func textHandler(contentType, body string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", contentType)
		_, _ = io.WriteString(w, body)
	})
}

func TestNegotiateEncoding(t *testing.T) {
	prefer := DefaultCompressConfig().PreferOrder

	tests := []struct {
		header string
		want   string
	}{
		{"", ""},
		{"identity", ""},
		{"gzip", EncodingGzip},
		{"gzip, br", EncodingBrotli},
		{"gzip, br, zstd", EncodingZstd},
		{"zstd;q=0, gzip", EncodingGzip},
		{"br;q=0.5", EncodingBrotli},
		{"*", EncodingZstd},
		{"*, zstd;q=0", EncodingBrotli},
		{"deflate", ""},
	}

	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			if got := negotiateEncoding(tt.header, prefer); got != tt.want {
				t.Errorf("negotiateEncoding(%q) = %q, want %q", tt.header, got, tt.want)
			}
		})
	}
}

func TestCompressHandler_NoAcceptEncoding(t *testing.T) {
	h := CompressHandler(textHandler("text/plain", strings.Repeat("hello world ", 100)))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))

	if got := rec.Header().Get("Content-Encoding"); got != "" {
		t.Errorf("Content-Encoding = %q, want empty", got)
	}
}

func TestCompressHandler_Encodings(t *testing.T) {
	original := strings.Repeat("hello world ", 100)

	tests := []struct {
		encoding string
		decode   func(io.Reader) ([]byte, error)
	}{
		{EncodingGzip, func(r io.Reader) ([]byte, error) {
			gr, err := gzip.NewReader(r)
			if err != nil {
				return nil, err
			}
			defer func() { _ = gr.Close() }()
			return io.ReadAll(gr)
		}},
		{EncodingBrotli, func(r io.Reader) ([]byte, error) {
			return io.ReadAll(brotli.NewReader(r))
		}},
		{EncodingZstd, func(r io.Reader) ([]byte, error) {
			zr, err := zstd.NewReader(r)
			if err != nil {
				return nil, err
			}
			defer zr.Close()
			return io.ReadAll(zr)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.encoding, func(t *testing.T) {
			h := CompressHandler(textHandler("text/plain", original))
			req := httptest.NewRequest("GET", "/", nil)
			req.Header.Set("Accept-Encoding", tt.encoding)
			rec := httptest.NewRecorder()

			h.ServeHTTP(rec, req)

			if got := rec.Header().Get("Content-Encoding"); got != tt.encoding {
				t.Fatalf("Content-Encoding = %q, want %q", got, tt.encoding)
			}
			if !strings.Contains(rec.Header().Get("Vary"), "Accept-Encoding") {
				t.Errorf("Vary = %q, want Accept-Encoding", rec.Header().Get("Vary"))
			}
			got, err := tt.decode(rec.Body)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if string(got) != original {
				t.Error("decompressed body mismatch")
			}
		})
	}
}

func TestCompressHandler_MinSize(t *testing.T) {
	h := CompressHandler(textHandler("text/plain", "hello"))
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if got := rec.Header().Get("Content-Encoding"); got != "" {
		t.Errorf("Content-Encoding = %q, want empty for small body", got)
	}
	if rec.Body.String() != "hello" {
		t.Errorf("body = %q, want %q", rec.Body.String(), "hello")
	}
}

func TestCompressHandler_NonCompressibleContentType(t *testing.T) {
	h := CompressHandler(textHandler("image/png", strings.Repeat("x", 1000)))
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if got := rec.Header().Get("Content-Encoding"); got != "" {
		t.Errorf("Content-Encoding = %q, want empty for image/png", got)
	}
	if rec.Body.Len() != 1000 {
		t.Errorf("body length = %d, want 1000", rec.Body.Len())
	}
}

func TestCompressHandler_AlreadyEncoded(t *testing.T) {
	h := CompressHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Header().Set("Content-Encoding", "gzip")
		_, _ = w.Write([]byte(strings.Repeat("x", 1000)))
	}))
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Accept-Encoding", "zstd")
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if got := rec.Header().Get("Content-Encoding"); got != "gzip" {
		t.Errorf("Content-Encoding = %q, want gzip", got)
	}
	if rec.Body.Len() != 1000 {
		t.Errorf("body length = %d, want 1000", rec.Body.Len())
	}
}

func TestCompressHandler_PreservesStatus(t *testing.T) {
	h := CompressHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"message":"`+strings.Repeat("a", 500)+`"}`)
	}))
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusCreated)
	}
	if got := rec.Header().Get("Content-Encoding"); got != "gzip" {
		t.Errorf("Content-Encoding = %q, want gzip", got)
	}
}

func TestCompressBytes_RoundTrip(t *testing.T) {
	data := []byte(strings.Repeat("hello world ", 100))

	for _, enc := range []string{EncodingGzip, EncodingZstd, EncodingBrotli} {
		t.Run(enc, func(t *testing.T) {
			compressed, err := CompressBytes(data, enc)
			if err != nil {
				t.Fatalf("CompressBytes(%s) error = %v", enc, err)
			}
			if len(compressed) >= len(data) {
				t.Errorf("compressed size %d >= original %d", len(compressed), len(data))
			}
			got, err := DecompressBytes(compressed, enc)
			if err != nil {
				t.Fatalf("DecompressBytes(%s) error = %v", enc, err)
			}
			if !bytes.Equal(got, data) {
				t.Errorf("round trip mismatch for %s", enc)
			}
		})
	}
}

func TestCompressBytes_Unknown(t *testing.T) {
	_, err := CompressBytes([]byte("hello"), "unknown")
	if !errors.Is(err, ErrUnsupportedEncoding) {
		t.Errorf("err = %v, want ErrUnsupportedEncoding", err)
	}
}

func TestDecompressBytes_Stacked(t *testing.T) {
	data := []byte("stacked content encodings")
	inner, err := CompressBytes(data, EncodingGzip)
	if err != nil {
		t.Fatal(err)
	}
	outer, err := CompressBytes(inner, EncodingBrotli)
	if err != nil {
		t.Fatal(err)
	}

	got, err := DecompressBytes(outer, "gzip, br")
	if err != nil {
		t.Fatalf("DecompressBytes() error = %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("got %q, want %q", got, data)
	}
}

func TestDecompressBytes_Errors(t *testing.T) {
	if _, err := DecompressBytes([]byte("x"), "compress"); !errors.Is(err, ErrUnsupportedEncoding) {
		t.Errorf("unknown coding err = %v, want ErrUnsupportedEncoding", err)
	}
	if _, err := DecompressBytes([]byte("not gzip"), "gzip"); err == nil {
		t.Error("expected error for corrupt gzip")
	}
	got, err := DecompressBytes([]byte("plain"), "identity")
	if err != nil || string(got) != "plain" {
		t.Errorf("identity = %q, %v", got, err)
	}
}

func TestDecompressBytesLimit(t *testing.T) {
	data := bytes.Repeat([]byte("a"), 64*KB)

	for _, enc := range []string{EncodingGzip, EncodingZstd, EncodingBrotli} {
		t.Run(enc, func(t *testing.T) {
			compressed, err := CompressBytes(data, enc)
			if err != nil {
				t.Fatal(err)
			}

			if _, err := DecompressBytesLimit(compressed, enc, KB); !errors.Is(err, ErrBodyTooLarge) {
				t.Errorf("DecompressBytesLimit(1KB) error = %v, want ErrBodyTooLarge", err)
			}

			got, err := DecompressBytesLimit(compressed, enc, int64(len(data)))
			if err != nil {
				t.Fatalf("DecompressBytesLimit(exact) error = %v", err)
			}
			if !bytes.Equal(got, data) {
				t.Errorf("round trip mismatch for %s", enc)
			}
		})
	}
}

func TestDecompressBytesLimit_Stacked(t *testing.T) {
	inner, err := CompressBytes(bytes.Repeat([]byte("z"), 32*KB), EncodingGzip)
	if err != nil {
		t.Fatal(err)
	}
	outer, err := CompressBytes(inner, EncodingBrotli)
	if err != nil {
		t.Fatal(err)
	}

	// The outer layer fits, the inner one does not.
	if _, err := DecompressBytesLimit(outer, "gzip, br", int64(len(inner))+1); !errors.Is(err, ErrBodyTooLarge) {
		t.Errorf("error = %v, want ErrBodyTooLarge", err)
	}
}

func BenchmarkCompressHandler_Zstd(b *testing.B) {
	h := CompressHandler(textHandler("application/json", strings.Repeat("hello world ", 1000)))
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Accept-Encoding", "zstd")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		h.ServeHTTP(httptest.NewRecorder(), req)
	}
}
