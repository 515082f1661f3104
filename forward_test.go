package interceptor

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestAckForwarder(t *testing.T) {
	fixed := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	f := NewAckForwarder()
	f.now = func() time.Time { return fixed }

	req := HTTPRequest{Method: "POST", URL: "http://api.example/items", Timestamp: fixed}
	resp, err := f.Forward(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, http.StatusCreated, resp.Status)
	assert.Equal(t, "application/json", resp.Headers["Content-Type"])
	assert.Equal(t, "PacketMind AI", resp.Headers["X-Proxy-By"])
	assert.Equal(t, fixed, resp.Timestamp)

	body := string(resp.Body)
	require.True(t, gjson.Valid(body))
	assert.Equal(t, "Proxied by PacketMind AI", gjson.Get(body, "message").String())
	assert.Equal(t, "POST", gjson.Get(body, "original_request.method").String())
	assert.Equal(t, "http://api.example/items", gjson.Get(body, "original_request.url").String())
	assert.Equal(t, "2025-03-01T10:00:00Z", gjson.Get(body, "original_request.timestamp").String())
	assert.Equal(t, Version, gjson.Get(body, "proxy_info.version").String())
	assert.True(t, gjson.Get(body, "proxy_info.features.#").Int() > 0)
}

func TestAckStatus(t *testing.T) {
	tests := map[string]int{
		"GET":     http.StatusOK,
		"post":    http.StatusCreated,
		"DELETE":  http.StatusNoContent,
		"PATCH":   http.StatusOK,
		"CONNECT": http.StatusOK,
	}
	for method, want := range tests {
		assert.Equal(t, want, ackStatus(method), method)
	}
}

func TestForwarderFunc(t *testing.T) {
	f := ForwarderFunc(func(_ context.Context, req HTTPRequest) (HTTPResponse, error) {
		return HTTPResponse{Status: 299, Body: []byte(req.URL)}, nil
	})
	resp, err := f.Forward(context.Background(), HTTPRequest{URL: "u"})
	require.NoError(t, err)
	assert.Equal(t, 299, resp.Status)
	assert.Equal(t, "u", string(resp.Body))
}

func TestUpstreamForwarder_Relay(t *testing.T) {
	var seen *http.Request
	var seenBody string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r
		b, _ := io.ReadAll(r.Body)
		seenBody = string(b)
		w.Header().Set("Connection", "X-Hop")
		w.Header().Set("X-Hop", "secret")
		w.Header().Set("X-Reply", "yes")
		w.WriteHeader(http.StatusTeapot)
		_, _ = io.WriteString(w, "short and stout")
	}))
	defer upstream.Close()

	f := NewUpstreamForwarder(NewTransportPool())
	resp, err := f.Forward(context.Background(), HTTPRequest{
		Method: "PUT",
		URL:    upstream.URL + "/pot?x=1",
		Headers: map[string]string{
			"X-Custom":            "value",
			"Proxy-Authorization": "Basic leak",
			"Proxy-Connection":    "keep-alive",
		},
		Body: []byte("payload"),
	})
	require.NoError(t, err)

	assert.Equal(t, http.StatusTeapot, resp.Status)
	assert.Equal(t, "short and stout", string(resp.Body))
	assert.Equal(t, "yes", resp.Headers["X-Reply"])
	assert.NotContains(t, resp.Headers, "X-Hop")
	assert.NotContains(t, resp.Headers, "Content-Length")

	require.NotNil(t, seen)
	assert.Equal(t, "PUT", seen.Method)
	assert.Equal(t, "/pot", seen.URL.Path)
	assert.Equal(t, "x=1", seen.URL.RawQuery)
	assert.Equal(t, "value", seen.Header.Get("X-Custom"))
	assert.Empty(t, seen.Header.Get("Proxy-Authorization"))
	assert.Empty(t, seen.Header.Get("Proxy-Connection"))
	assert.Equal(t, "payload", seenBody)
}

func TestUpstreamForwarder_DoesNotFollowRedirects(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/elsewhere", http.StatusMovedPermanently)
	}))
	defer upstream.Close()

	resp, err := NewUpstreamForwarder(nil).Forward(context.Background(), HTTPRequest{Method: "GET", URL: upstream.URL})
	require.NoError(t, err)
	assert.Equal(t, http.StatusMovedPermanently, resp.Status)
	assert.Equal(t, "/elsewhere", resp.Headers["Location"])
}

func TestUpstreamForwarder_MaxResponseSize(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, strings.Repeat("x", 100))
	}))
	defer upstream.Close()

	f := NewUpstreamForwarder(nil)
	f.MaxResponseSize = 10
	_, err := f.Forward(context.Background(), HTTPRequest{Method: "GET", URL: upstream.URL})
	assert.ErrorIs(t, err, ErrBodyTooLarge)
}

func TestUpstreamForwarder_Timeout(t *testing.T) {
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer upstream.Close()
	defer close(release)

	f := NewUpstreamForwarder(nil)
	f.Timeout = 50 * time.Millisecond
	_, err := f.Forward(context.Background(), HTTPRequest{Method: "GET", URL: upstream.URL})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestUpstreamForwarder_Errors(t *testing.T) {
	f := NewUpstreamForwarder(nil)

	_, err := f.Forward(context.Background(), HTTPRequest{Method: "CONNECT", URL: "example.com:443"})
	assert.ErrorIs(t, err, ErrTunnelUnsupported)

	_, err = f.Forward(context.Background(), HTTPRequest{Method: "GET", URL: "/relative"})
	assert.Error(t, err)

	_, err = f.Forward(context.Background(), HTTPRequest{Method: "GET", URL: "http://bad host/"})
	assert.Error(t, err)
}

func TestUpstreamForwarder_NilPool(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "ok")
	}))
	defer upstream.Close()

	f := &UpstreamForwarder{}
	resp, err := f.Forward(context.Background(), HTTPRequest{Method: "GET", URL: upstream.URL})
	require.NoError(t, err)
	assert.Equal(t, "ok", string(resp.Body))
}

func TestRemoveHopByHopHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("Connection", "X-Custom-Hop, Keep-Alive")
	h.Set("X-Custom-Hop", "1")
	h.Set("Keep-Alive", "timeout=5")
	h.Set("Transfer-Encoding", "chunked")
	h.Set("Upgrade", "websocket")
	h.Set("X-Keep", "me")

	removeHopByHopHeaders(h)

	for _, name := range []string{"Connection", "X-Custom-Hop", "Keep-Alive", "Transfer-Encoding", "Upgrade"} {
		assert.Empty(t, h.Get(name), name)
	}
	assert.Equal(t, "me", h.Get("X-Keep"))
}

func TestUpstreamForwarder_ErrorsAreNotWrappedAsTunnel(t *testing.T) {
	_, err := NewUpstreamForwarder(nil).Forward(context.Background(), HTTPRequest{Method: "GET", URL: "/relative"})
	assert.False(t, errors.Is(err, ErrTunnelUnsupported))
}
