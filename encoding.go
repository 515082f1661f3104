package interceptor

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"unicode/utf8"
)

// ErrDecode is returned when input cannot be decoded.
var ErrDecode = errors.New("decode error")

// EncodeBase64 returns the standard base64 encoding of s.
func EncodeBase64(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

// DecodeBase64 decodes standard base64. The decoded bytes must be valid
// UTF-8.
func DecodeBase64(s string) (string, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if !utf8.Valid(b) {
		return "", fmt.Errorf("%w: decoded bytes are not valid UTF-8", ErrDecode)
	}
	return string(b), nil
}

// EncodeURL percent-encodes everything except RFC 3986 unreserved
// characters. Spaces become %20.
func EncodeURL(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

// DecodeURL reverses percent-encoding. It never fails: malformed escapes
// or a result that is not UTF-8 yield "".
func DecodeURL(s string) string {
	out, err := url.PathUnescape(s)
	if err != nil || !utf8.ValidString(out) {
		return ""
	}
	return out
}

// ExtractDomain returns the host portion of a request target. It accepts
// CONNECT request lines ("CONNECT host:port HTTP/1.1"), authority-form
// targets ("host:port"), and absolute URLs. Anything else is returned
// unchanged.
func ExtractDomain(raw string) string {
	s := strings.TrimSpace(raw)

	if fields := strings.Fields(s); len(fields) >= 2 && strings.EqualFold(fields[0], "CONNECT") {
		return authorityHost(fields[1])
	}

	if !strings.Contains(s, "://") {
		if strings.Contains(s, ":") {
			return authorityHost(s)
		}
		return raw
	}

	if u, err := url.Parse(s); err == nil && u.Hostname() != "" {
		return u.Hostname()
	}

	// url.Parse rejects some targets browsers send (bad escapes, spaces).
	_, rest, _ := strings.Cut(s, "://")
	if i := strings.IndexAny(rest, "/:?#"); i >= 0 {
		return rest[:i]
	}
	return rest
}

// authorityHost returns the host of a host:port authority. Bracketed IPv6
// literals lose their brackets.
func authorityHost(authority string) string {
	if host, _, err := net.SplitHostPort(authority); err == nil {
		return host
	}
	if strings.HasPrefix(authority, "[") {
		if end := strings.IndexByte(authority, ']'); end > 0 {
			return authority[1:end]
		}
	}
	host, _, _ := strings.Cut(authority, ":")
	return host
}
