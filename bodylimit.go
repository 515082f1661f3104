package interceptor

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
)

// Common body size constants for convenience.
const (
	KB = 1024
	MB = 1024 * KB
)

// ErrBodyTooLarge is returned when a body exceeds the capture limit.
var ErrBodyTooLarge = errors.New("body too large")

// BodyCapture reads request bodies into memory so they can be recorded and
// relayed. With a zero MaxSize nothing is read and every captured body is
// empty.
type BodyCapture struct {
	// MaxSize is the largest body that is captured, in bytes.
	MaxSize int64

	// SkipMethods lists methods whose bodies are never read.
	SkipMethods []string
}

// NewBodyCapture creates a BodyCapture that skips bodyless methods.
func NewBodyCapture(maxSize int64) *BodyCapture {
	return &BodyCapture{
		MaxSize:     maxSize,
		SkipMethods: []string{http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace, http.MethodConnect},
	}
}

// Capture returns the request body. It fails with ErrBodyTooLarge when the
// declared or actual length exceeds MaxSize.
func (bc *BodyCapture) Capture(r *http.Request) ([]byte, error) {
	if bc == nil || bc.MaxSize <= 0 || r.Body == nil || r.Body == http.NoBody {
		return []byte{}, nil
	}
	if slices.Contains(bc.SkipMethods, r.Method) {
		return []byte{}, nil
	}

	if r.ContentLength > bc.MaxSize {
		return nil, fmt.Errorf("%w: content-length %d exceeds limit %d", ErrBodyTooLarge, r.ContentLength, bc.MaxSize)
	}

	body, err := io.ReadAll(&limitedReadCloser{ReadCloser: r.Body, remaining: bc.MaxSize, limit: bc.MaxSize})
	if err != nil {
		return nil, err
	}
	return body, nil
}

// limitedReadCloser fails once more than limit bytes have been read.
type limitedReadCloser struct {
	io.ReadCloser
	remaining int64
	limit     int64
}

func (l *limitedReadCloser) Read(p []byte) (n int, err error) {
	if l.remaining <= 0 {
		return 0, fmt.Errorf("%w: exceeded limit of %d bytes", ErrBodyTooLarge, l.limit)
	}

	if int64(len(p)) > l.remaining {
		p = p[:l.remaining]
	}

	n, err = l.ReadCloser.Read(p)
	l.remaining -= int64(n)

	// At the limit, peek one byte to tell "exactly full" from "too big".
	if l.remaining == 0 && err == nil {
		var peek [1]byte
		pn, perr := l.ReadCloser.Read(peek[:])
		if pn > 0 {
			return n, fmt.Errorf("%w: exceeded limit of %d bytes", ErrBodyTooLarge, l.limit)
		}
		if perr == io.EOF {
			err = io.EOF
		}
	}

	return n, err
}

// readLimited reads at most limit bytes of r. Zero or negative limits read
// everything.
func readLimited(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		return io.ReadAll(r)
	}
	body, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > limit {
		return nil, fmt.Errorf("%w: exceeded limit of %d bytes", ErrBodyTooLarge, limit)
	}
	return body, nil
}
