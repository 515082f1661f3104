package interceptor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ErrTunnelUnsupported is returned when asked to forward a CONNECT request.
// Tunnelling and TLS interception are not implemented.
var ErrTunnelUnsupported = errors.New("CONNECT tunnelling is not supported")

// Version is reported by the acknowledgment forwarder and the admin API.
const Version = "1.0.0"

// Forwarder obtains the response for a request that no rule intercepted.
type Forwarder interface {
	Forward(ctx context.Context, req HTTPRequest) (HTTPResponse, error)
}

// ForwarderFunc is a function adapter for Forwarder.
type ForwarderFunc func(ctx context.Context, req HTTPRequest) (HTTPResponse, error)

// Forward calls f.
func (f ForwarderFunc) Forward(ctx context.Context, req HTTPRequest) (HTTPResponse, error) {
	return f(ctx, req)
}

// AckForwarder never contacts an upstream. It answers every request with a
// JSON acknowledgment describing what was received. This is the default
// forwarder and stands in for real relaying; use UpstreamForwarder to talk
// to actual servers.
type AckForwarder struct {
	// Name is reported in the X-Proxy-By header and the body message.
	Name string

	// Features are listed in the proxy_info section of the body.
	Features []string

	now func() time.Time
}

// NewAckForwarder creates an AckForwarder with default metadata.
func NewAckForwarder() *AckForwarder {
	return &AckForwarder{
		Name:     "PacketMind AI",
		Features: []string{"interception", "filtering", "rules", "har-export"},
		now:      time.Now,
	}
}

type ackBody struct {
	Message         string     `json:"message"`
	OriginalRequest ackRequest `json:"original_request"`
	ProxyInfo       ackInfo    `json:"proxy_info"`
}

type ackRequest struct {
	Method    string `json:"method"`
	URL       string `json:"url"`
	Timestamp string `json:"timestamp"`
}

type ackInfo struct {
	Version  string   `json:"version"`
	Features []string `json:"features"`
}

// Forward implements Forwarder.
func (f *AckForwarder) Forward(_ context.Context, req HTTPRequest) (HTTPResponse, error) {
	now := time.Now
	if f.now != nil {
		now = f.now
	}

	body, err := json.Marshal(ackBody{
		Message: "Proxied by " + f.Name,
		OriginalRequest: ackRequest{
			Method:    req.Method,
			URL:       req.URL,
			Timestamp: req.Timestamp.UTC().Format(time.RFC3339),
		},
		ProxyInfo: ackInfo{Version: Version, Features: f.Features},
	})
	if err != nil {
		return HTTPResponse{}, fmt.Errorf("encode acknowledgment: %w", err)
	}

	return HTTPResponse{
		Status: ackStatus(req.Method),
		Headers: map[string]string{
			"Content-Type": "application/json",
			"X-Proxy-By":   f.Name,
		},
		Body:      body,
		Timestamp: now(),
	}, nil
}

func ackStatus(method string) int {
	switch strings.ToUpper(method) {
	case http.MethodPost:
		return http.StatusCreated
	case http.MethodDelete:
		return http.StatusNoContent
	default:
		return http.StatusOK
	}
}

// UpstreamForwarder relays requests to their real destination over a
// TransportPool, optionally through a parent proxy.
type UpstreamForwarder struct {
	Pool *TransportPool

	// Upstream chains requests through a parent proxy (optional).
	Upstream *UpstreamProxy

	// MaxResponseSize bounds how much of a response body is read. Zero
	// means unbounded.
	MaxResponseSize int64

	// Timeout bounds a whole round trip. Zero means no timeout beyond the
	// caller's context.
	Timeout time.Duration
}

// NewUpstreamForwarder creates an UpstreamForwarder over pool. A nil pool
// gets a default one.
func NewUpstreamForwarder(pool *TransportPool) *UpstreamForwarder {
	if pool == nil {
		pool = NewTransportPool()
	}
	return &UpstreamForwarder{
		Pool:            pool,
		MaxResponseSize: 10 * MB,
		Timeout:         60 * time.Second,
	}
}

// Forward implements Forwarder. Redirects are returned to the client rather
// than followed.
func (f *UpstreamForwarder) Forward(ctx context.Context, req HTTPRequest) (HTTPResponse, error) {
	if strings.EqualFold(req.Method, http.MethodConnect) {
		return HTTPResponse{}, ErrTunnelUnsupported
	}

	if f.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.Timeout)
		defer cancel()
	}

	outReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return HTTPResponse{}, fmt.Errorf("build upstream request: %w", err)
	}
	if outReq.URL.Scheme == "" || outReq.URL.Host == "" {
		return HTTPResponse{}, fmt.Errorf("build upstream request: %q is not an absolute URL", req.URL)
	}
	for k, v := range req.Headers {
		outReq.Header.Set(k, v)
	}
	if host, ok := req.Headers["Host"]; ok {
		outReq.Host = host
	}
	removeHopByHopHeaders(outReq.Header)
	if f.Upstream != nil {
		f.Upstream.decorate(outReq)
	}

	var rt http.RoundTripper = http.DefaultTransport
	if f.Pool != nil {
		rt = f.Pool
	}

	resp, err := rt.RoundTrip(outReq)
	if err != nil {
		return HTTPResponse{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := readLimited(resp.Body, f.MaxResponseSize)
	if err != nil {
		return HTTPResponse{}, fmt.Errorf("read upstream response: %w", err)
	}

	removeHopByHopHeaders(resp.Header)
	headers := flattenHeader(resp.Header)
	delete(headers, "Content-Length")

	return HTTPResponse{
		Status:    resp.StatusCode,
		Headers:   headers,
		Body:      body,
		Timestamp: time.Now(),
	}, nil
}

// Hop-by-hop headers that should not be forwarded
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func removeHopByHopHeaders(h http.Header) {
	for _, name := range h.Values("Connection") {
		for _, field := range strings.Split(name, ",") {
			h.Del(strings.TrimSpace(field))
		}
	}
	for _, header := range hopByHopHeaders {
		h.Del(header)
	}
}
