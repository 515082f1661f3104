package interceptor

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// Content-Encoding tokens.
const (
	EncodingGzip    = "gzip"
	EncodingZstd    = "zstd"
	EncodingBrotli  = "br"
	EncodingDeflate = "deflate"
)

// ErrUnsupportedEncoding is returned for Content-Encoding values this
// package cannot decode.
var ErrUnsupportedEncoding = errors.New("unsupported content encoding")

// CompressConfig controls admin response compression.
type CompressConfig struct {
	// MinSize is the smallest body worth compressing (default 256 bytes).
	MinSize int

	// Level is passed to the encoder. 0 means each encoder's default.
	Level int

	// ContentTypes lists content-type prefixes to compress. Empty uses
	// compressibleTypes.
	ContentTypes []string

	// PreferOrder picks among encodings the client accepts.
	PreferOrder []string
}

// DefaultCompressConfig returns the config used by the admin API.
func DefaultCompressConfig() CompressConfig {
	return CompressConfig{
		MinSize:     256,
		PreferOrder: []string{EncodingZstd, EncodingBrotli, EncodingGzip},
	}
}

var compressibleTypes = []string{
	"text/",
	"application/json",
	"application/javascript",
	"application/xml",
}

// CompressHandlerWithConfig wraps h so responses are compressed with the best
// encoding the client accepts. Small or non-text bodies pass through.
func CompressHandlerWithConfig(cfg CompressConfig, h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		enc := negotiateEncoding(r.Header.Get("Accept-Encoding"), cfg.PreferOrder)
		if enc == "" {
			h.ServeHTTP(w, r)
			return
		}
		cw := &compressWriter{ResponseWriter: w, encoding: enc, cfg: cfg, status: http.StatusOK}
		defer func() { _ = cw.Close() }()
		h.ServeHTTP(cw, r)
	})
}

// CompressHandler wraps h with DefaultCompressConfig.
func CompressHandler(h http.Handler) http.Handler {
	return CompressHandlerWithConfig(DefaultCompressConfig(), h)
}

// negotiateEncoding returns the first entry of prefer the client accepts
// with a non-zero q value. A "*" entry covers encodings not listed.
func negotiateEncoding(accept string, prefer []string) string {
	if accept == "" {
		return ""
	}
	if len(prefer) == 0 {
		prefer = DefaultCompressConfig().PreferOrder
	}

	accepted := make(map[string]bool)
	for _, part := range strings.Split(accept, ",") {
		name, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" || name == "identity" {
			continue
		}
		accepted[name] = qValue(params) > 0
	}

	for _, enc := range prefer {
		ok, listed := accepted[enc]
		if ok || (!listed && accepted["*"]) {
			return enc
		}
	}
	return ""
}

// qValue extracts q from "q=0.5" style parameters. Missing or malformed
// values count as 1.
func qValue(params string) float64 {
	for _, p := range strings.Split(params, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(p), "=")
		if !ok || strings.TrimSpace(k) != "q" {
			continue
		}
		q, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 1
		}
		return q
	}
	return 1
}

// compressWriter buffers until MinSize bytes have been written, then decides
// whether to compress based on the final headers.
type compressWriter struct {
	http.ResponseWriter
	encoding string
	cfg      CompressConfig
	status   int

	buf         []byte
	enc         io.WriteCloser
	decided     bool
	wroteHeader bool
}

func (cw *compressWriter) WriteHeader(status int) {
	if cw.wroteHeader {
		return
	}
	cw.wroteHeader = true
	cw.status = status
	if status < 200 || status == http.StatusNoContent || status == http.StatusNotModified {
		cw.decided = true
		cw.ResponseWriter.WriteHeader(status)
	}
}

func (cw *compressWriter) Write(b []byte) (int, error) {
	if !cw.wroteHeader {
		cw.WriteHeader(http.StatusOK)
	}
	if cw.decided {
		if cw.enc != nil {
			return cw.enc.Write(b)
		}
		return cw.ResponseWriter.Write(b)
	}

	cw.buf = append(cw.buf, b...)
	if len(cw.buf) < cw.minSize() {
		return len(b), nil
	}
	if err := cw.decide(true); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (cw *compressWriter) minSize() int {
	if cw.cfg.MinSize <= 0 {
		return 256
	}
	return cw.cfg.MinSize
}

// decide commits headers and flushes the buffer. big reports whether the
// buffered body reached MinSize.
func (cw *compressWriter) decide(big bool) error {
	cw.decided = true
	h := cw.Header()

	if big && h.Get("Content-Encoding") == "" && cw.compressible(h.Get("Content-Type")) {
		enc, err := newEncoder(cw.ResponseWriter, cw.encoding, cw.cfg.Level)
		if err == nil {
			h.Del("Content-Length")
			h.Set("Content-Encoding", cw.encoding)
			h.Add("Vary", "Accept-Encoding")
			cw.enc = enc
		}
	}

	cw.ResponseWriter.WriteHeader(cw.status)
	buf := cw.buf
	cw.buf = nil
	if len(buf) == 0 {
		return nil
	}
	if cw.enc != nil {
		_, err := cw.enc.Write(buf)
		return err
	}
	_, err := cw.ResponseWriter.Write(buf)
	return err
}

func (cw *compressWriter) compressible(contentType string) bool {
	if contentType == "" {
		return false
	}
	types := cw.cfg.ContentTypes
	if len(types) == 0 {
		types = compressibleTypes
	}
	contentType = strings.ToLower(contentType)
	for _, t := range types {
		if strings.HasPrefix(contentType, strings.ToLower(t)) {
			return true
		}
	}
	return false
}

// Close writes anything still buffered and finishes the encoder.
func (cw *compressWriter) Close() error {
	if !cw.decided {
		cw.wroteHeader = true
		if err := cw.decide(false); err != nil {
			return err
		}
	}
	if cw.enc != nil {
		return cw.enc.Close()
	}
	return nil
}

// Flush implements http.Flusher. A flush forces the compression decision.
func (cw *compressWriter) Flush() {
	if !cw.decided {
		_ = cw.decide(len(cw.buf) >= cw.minSize())
	}
	if f, ok := cw.enc.(interface{ Flush() error }); ok {
		_ = f.Flush()
	}
	if f, ok := cw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker.
func (cw *compressWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hj, ok := cw.ResponseWriter.(http.Hijacker); ok {
		return hj.Hijack()
	}
	return nil, nil, http.ErrNotSupported
}

func newEncoder(w io.Writer, encoding string, level int) (io.WriteCloser, error) {
	switch encoding {
	case EncodingGzip:
		if level == 0 {
			level = gzip.DefaultCompression
		}
		return gzip.NewWriterLevel(w, level)
	case EncodingZstd:
		l := zstd.SpeedDefault
		if level != 0 {
			l = zstd.EncoderLevelFromZstd(level)
		}
		return zstd.NewWriter(w, zstd.WithEncoderLevel(l))
	case EncodingBrotli:
		if level == 0 {
			level = brotli.DefaultCompression
		}
		return brotli.NewWriterLevel(w, level), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedEncoding, encoding)
	}
}

// CompressBytes encodes data with the given Content-Encoding.
func CompressBytes(data []byte, encoding string) ([]byte, error) {
	var buf bytes.Buffer
	w, err := newEncoder(&buf, encoding, 0)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

var zstdDecoderPool = sync.Pool{
	New: func() any {
		d, _ := zstd.NewReader(nil,
			zstd.WithDecoderConcurrency(1),
			zstd.WithDecoderMaxMemory(zstdMaxMemory))
		return d
	},
}

const zstdMaxMemory = 64 * MB

// DecompressBytes decodes a captured body according to its Content-Encoding
// header value. Stacked encodings ("gzip, br") are undone right to left.
func DecompressBytes(data []byte, encoding string) ([]byte, error) {
	return DecompressBytesLimit(data, encoding, 0)
}

// DecompressBytesLimit is DecompressBytes with every decoding step bounded
// to limit bytes of output. Exceeding it returns ErrBodyTooLarge. Zero means
// unbounded.
func DecompressBytesLimit(data []byte, encoding string, limit int64) ([]byte, error) {
	codings := strings.Split(encoding, ",")
	out := data
	for i := len(codings) - 1; i >= 0; i-- {
		var err error
		out, err = decompressOne(out, strings.ToLower(strings.TrimSpace(codings[i])), limit)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func decompressOne(data []byte, coding string, limit int64) ([]byte, error) {
	switch coding {
	case "", "identity":
		return data, nil
	case EncodingGzip, "x-gzip":
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		defer r.Close()
		return readLimited(r, limit)
	case EncodingDeflate:
		r, err := zlib.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("deflate: %w", err)
		}
		defer r.Close()
		return readLimited(r, limit)
	case EncodingZstd:
		d, _ := zstdDecoderPool.Get().(*zstd.Decoder)
		if d == nil {
			return nil, fmt.Errorf("zstd: decoder unavailable")
		}
		defer func() {
			_ = d.Reset(nil)
			zstdDecoderPool.Put(d)
		}()
		if err := d.Reset(bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		return readLimited(d, limit)
	case EncodingBrotli:
		return readLimited(brotli.NewReader(bytes.NewReader(data)), limit)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedEncoding, coding)
	}
}
