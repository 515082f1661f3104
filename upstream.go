package interceptor

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
)

// UpstreamProxy is a parent proxy that relayed traffic is chained through.
type UpstreamProxy struct {
	// URL is the parent proxy address (e.g., "http://proxy.corp:3128").
	URL *url.URL

	// Auth holds optional basic-auth credentials for the parent proxy.
	Auth *UpstreamAuth

	// NoProxy lists hosts that bypass the parent proxy.
	NoProxy []string
}

// UpstreamAuth holds basic-auth credentials for an upstream proxy.
type UpstreamAuth struct {
	Username string
	Password string
}

// NewUpstreamProxy parses a parent proxy URL. Credentials embedded in the
// URL become the proxy's Auth.
func NewUpstreamProxy(rawURL string) (*UpstreamProxy, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream proxy URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported upstream proxy scheme: %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("upstream proxy URL %q has no host", rawURL)
	}

	up := &UpstreamProxy{URL: u}
	if u.User != nil {
		pass, _ := u.User.Password()
		up.Auth = &UpstreamAuth{Username: u.User.Username(), Password: pass}
		stripped := *u
		stripped.User = nil
		up.URL = &stripped
	}
	return up, nil
}

// ProxyFunc returns a function suitable for [http.Transport.Proxy].
func (up *UpstreamProxy) ProxyFunc() func(*http.Request) (*url.URL, error) {
	return func(req *http.Request) (*url.URL, error) {
		host := req.URL.Hostname()
		for _, h := range up.NoProxy {
			if h == host {
				return nil, nil
			}
		}
		return up.URL, nil
	}
}

// Apply configures tp to chain through the parent proxy. Plain HTTP requests
// carry Proxy-Authorization directly; HTTPS tunnels send it on CONNECT.
func (up *UpstreamProxy) Apply(tp *TransportPool) {
	tp.Proxy = up.ProxyFunc()
	if up.Auth != nil {
		if tp.ProxyConnectHeader == nil {
			tp.ProxyConnectHeader = make(http.Header)
		}
		tp.ProxyConnectHeader.Set("Proxy-Authorization", up.authorization())
	}
	tp.Build()
}

// decorate adds the parent proxy credentials to a plain HTTP request.
func (up *UpstreamProxy) decorate(req *http.Request) {
	if up.Auth != nil && req.URL.Scheme == "http" {
		req.Header.Set("Proxy-Authorization", up.authorization())
	}
}

func (up *UpstreamProxy) authorization() string {
	return basicAuth(up.Auth.Username, up.Auth.Password)
}

func basicAuth(username, password string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(username+":"+password))
}
