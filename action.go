package interceptor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

var (
	// ErrUnknownAction is returned when a rule action has an unrecognized type.
	ErrUnknownAction = errors.New("unknown rule action")

	// ErrRewrite is returned when a rewrite script cannot be applied.
	ErrRewrite = errors.New("rewrite failed")
)

// ActionType names a rule action in its JSON form.
type ActionType string

// Supported action types.
const (
	ActionBlock    ActionType = "block"
	ActionRedirect ActionType = "redirect"
	ActionRewrite  ActionType = "rewrite"
	ActionMock     ActionType = "mock"
)

// Action is what a matching rule does instead of default forwarding. The
// set of implementations is closed: BlockAction, RedirectAction,
// RewriteAction and MockAction.
type Action interface {
	Type() ActionType
	isAction()
}

// BlockAction refuses the request without contacting any upstream.
type BlockAction struct{}

// RedirectAction answers with a redirect to Target.
type RedirectAction struct {
	Target string
}

// RewriteAction transforms the request with Script, then forwards it.
type RewriteAction struct {
	Script string
}

// MockAction answers with a canned response. Response is either the name of
// a response in the MockStore or an inline response document.
type MockAction struct {
	Response string
}

func (BlockAction) Type() ActionType    { return ActionBlock }
func (RedirectAction) Type() ActionType { return ActionRedirect }
func (RewriteAction) Type() ActionType  { return ActionRewrite }
func (MockAction) Type() ActionType     { return ActionMock }

func (BlockAction) isAction()    {}
func (RedirectAction) isAction() {}
func (RewriteAction) isAction()  {}
func (MockAction) isAction()     {}

func (a BlockAction) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type ActionType `json:"type"`
	}{a.Type()})
}

func (a RedirectAction) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type   ActionType `json:"type"`
		Target string     `json:"target"`
	}{a.Type(), a.Target})
}

func (a RewriteAction) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type   ActionType `json:"type"`
		Script string     `json:"script"`
	}{a.Type(), a.Script})
}

func (a MockAction) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type     ActionType `json:"type"`
		Response string     `json:"response"`
	}{a.Type(), a.Response})
}

// UnmarshalAction decodes the JSON form of an action. A bare string such as
// "block" is accepted for actions without arguments.
func UnmarshalAction(data []byte) (Action, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("%w: invalid JSON", ErrUnknownAction)
	}

	doc := gjson.ParseBytes(data)
	if doc.Type == gjson.String {
		return NewAction(doc.String(), "")
	}

	typ := doc.Get("type").String()
	var arg string
	switch ActionType(strings.ToLower(typ)) {
	case ActionRedirect:
		arg = doc.Get("target").String()
	case ActionRewrite:
		arg = doc.Get("script").String()
	case ActionMock:
		arg = doc.Get("response").String()
	}
	return NewAction(typ, arg)
}

// NewAction builds an action from its type name and argument.
func NewAction(typ, arg string) (Action, error) {
	switch ActionType(strings.ToLower(strings.TrimSpace(typ))) {
	case ActionBlock:
		return BlockAction{}, nil
	case ActionRedirect:
		if arg == "" {
			return nil, errors.New("redirect action requires a target")
		}
		return RedirectAction{Target: arg}, nil
	case ActionRewrite:
		return RewriteAction{Script: arg}, nil
	case ActionMock:
		return MockAction{Response: arg}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, typ)
	}
}

// MockResponse is a canned response served by a mock rule.
type MockResponse struct {
	Status  int               `json:"status" mapstructure:"status"`
	Headers map[string]string `json:"headers" mapstructure:"headers"`
	Body    string            `json:"body" mapstructure:"body"`
}

// HTTPResponse converts the template into a response stamped with now.
func (m MockResponse) HTTPResponse(now time.Time) HTTPResponse {
	status := m.Status
	switch {
	case status == 0:
		status = http.StatusOK
	case status < 200 || status > 999:
		// Informational codes cannot be a final response.
		status = http.StatusBadGateway
	}

	headers := maps.Clone(m.Headers)
	if headers == nil {
		headers = make(map[string]string)
	}
	if _, ok := headers["Content-Type"]; !ok {
		if gjson.Valid(m.Body) && strings.TrimSpace(m.Body) != "" {
			headers["Content-Type"] = "application/json"
		} else {
			headers["Content-Type"] = "text/plain; charset=utf-8"
		}
	}

	return HTTPResponse{
		Status:    status,
		Headers:   headers,
		Body:      []byte(m.Body),
		Timestamp: now,
	}
}

// ParseMockResponse parses an inline response document of the form
// {"status":200,"headers":{...},"body":...}. A body that is a JSON object or
// array is kept as raw JSON.
func ParseMockResponse(doc string) (MockResponse, bool) {
	if !gjson.Valid(doc) {
		return MockResponse{}, false
	}
	root := gjson.Parse(doc)
	if !root.IsObject() {
		return MockResponse{}, false
	}

	m := MockResponse{
		Status:  int(root.Get("status").Int()),
		Headers: make(map[string]string),
	}
	root.Get("headers").ForEach(func(k, v gjson.Result) bool {
		m.Headers[http.CanonicalHeaderKey(k.String())] = v.String()
		return true
	})

	body := root.Get("body")
	switch {
	case !body.Exists():
	case body.Type == gjson.String:
		m.Body = body.String()
	default:
		m.Body = body.Raw
	}
	return m, true
}

// MockStore holds named canned responses.
type MockStore struct {
	mu        sync.RWMutex
	responses map[string]MockResponse
}

// NewMockStore creates an empty MockStore.
func NewMockStore() *MockStore {
	return &MockStore{responses: make(map[string]MockResponse)}
}

// Set stores a named response, replacing any previous one.
func (s *MockStore) Set(name string, m MockResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses[name] = m
}

// Get returns the named response.
func (s *MockStore) Get(name string) (MockResponse, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.responses[name]
	return m, ok
}

// Delete removes a named response.
func (s *MockStore) Delete(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.responses, name)
}

// Names returns the stored response names, sorted.
func (s *MockStore) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Sorted(maps.Keys(s.responses))
}

// Replace swaps in a new set of responses.
func (s *MockStore) Replace(responses map[string]MockResponse) {
	next := maps.Clone(responses)
	if next == nil {
		next = make(map[string]MockResponse)
	}
	s.mu.Lock()
	s.responses = next
	s.mu.Unlock()
}

// Resolve turns a mock reference into a response template. Known names win,
// then inline documents; anything else is served verbatim as a 200 text
// body.
func (s *MockStore) Resolve(ref string) MockResponse {
	if s != nil {
		if m, ok := s.Get(ref); ok {
			return m
		}
	}
	if m, ok := ParseMockResponse(ref); ok {
		return m
	}
	return MockResponse{
		Status:  http.StatusOK,
		Headers: map[string]string{"Content-Type": "text/plain; charset=utf-8"},
		Body:    ref,
	}
}

// Rewriter applies a rewrite script to a captured request and returns the
// request to forward in its place. The input is never modified.
type Rewriter interface {
	Rewrite(ctx context.Context, req HTTPRequest, script string) (HTTPRequest, error)
}

// RewriterFunc is a function adapter for Rewriter.
type RewriterFunc func(ctx context.Context, req HTTPRequest, script string) (HTTPRequest, error)

// Rewrite calls f.
func (f RewriterFunc) Rewrite(ctx context.Context, req HTTPRequest, script string) (HTTPRequest, error) {
	return f(ctx, req, script)
}

// JSONRewriter interprets scripts written as a JSON object:
//
//	{
//	  "set_method": "POST",
//	  "set_url": "https://staging.example.com/api",
//	  "set_headers": {"X-Debug": "1"},
//	  "remove_headers": ["Cookie"],
//	  "replace_body": "raw body",
//	  "set_body": {"user.name": "alice", "flags.0": true}
//	}
//
// set_body keys are sjson paths applied to a JSON request body. Operations
// run in the order listed above.
type JSONRewriter struct{}

// Rewrite implements Rewriter.
func (JSONRewriter) Rewrite(_ context.Context, req HTTPRequest, script string) (HTTPRequest, error) {
	if !gjson.Valid(script) {
		return HTTPRequest{}, fmt.Errorf("%w: script is not valid JSON", ErrRewrite)
	}
	root := gjson.Parse(script)
	if !root.IsObject() {
		return HTTPRequest{}, fmt.Errorf("%w: script must be a JSON object", ErrRewrite)
	}

	out := req.clone()
	if out.Headers == nil {
		out.Headers = make(map[string]string)
	}

	if m := root.Get("set_method"); m.Exists() {
		out.Method = strings.ToUpper(m.String())
	}
	if u := root.Get("set_url"); u.Exists() {
		out.URL = u.String()
		// The captured Host names the old authority.
		delete(out.Headers, "Host")
		if parsed, err := url.Parse(out.URL); err == nil && parsed.Host != "" {
			out.Headers["Host"] = parsed.Host
		}
	}

	root.Get("set_headers").ForEach(func(k, v gjson.Result) bool {
		out.Headers[http.CanonicalHeaderKey(k.String())] = v.String()
		return true
	})
	root.Get("remove_headers").ForEach(func(_, v gjson.Result) bool {
		for name := range out.Headers {
			if strings.EqualFold(name, v.String()) {
				delete(out.Headers, name)
			}
		}
		return true
	})

	if b := root.Get("replace_body"); b.Exists() {
		out.Body = []byte(b.String())
	}

	var bodyErr error
	root.Get("set_body").ForEach(func(k, v gjson.Result) bool {
		body := out.Body
		if len(body) == 0 {
			body = []byte("{}")
		}
		next, err := sjson.SetRawBytes(body, k.String(), []byte(v.Raw))
		if err != nil {
			bodyErr = fmt.Errorf("%w: set_body %q: %v", ErrRewrite, k.String(), err)
			return false
		}
		out.Body = next
		return true
	})
	if bodyErr != nil {
		return HTTPRequest{}, bodyErr
	}

	return out, nil
}

func redirectResponse(target string, now time.Time) HTTPResponse {
	return HTTPResponse{
		Status: http.StatusFound,
		Headers: map[string]string{
			"Location":     target,
			"Content-Type": "text/plain; charset=utf-8",
		},
		Body:      []byte("Redirecting to " + target),
		Timestamp: now,
	}
}

func blockResponse(bp *BlockPage, req HTTPRequest, rule RequestRule, now time.Time) HTTPResponse {
	reason := "blocked by rule " + rule.Name
	headers := map[string]string{"X-Blocked-By": rule.ID}

	var body []byte
	if bp != nil {
		html, err := bp.RenderString(BlockPageData{
			Method:    req.Method,
			URL:       req.URL,
			Host:      ExtractDomain(req.URL),
			Rule:      rule.Name,
			Reason:    reason,
			Timestamp: now.UTC().Format(time.RFC1123),
		})
		if err == nil {
			body = []byte(html)
			headers["Content-Type"] = "text/html; charset=utf-8"
		}
	}
	if body == nil {
		body = []byte(reason)
		headers["Content-Type"] = "text/plain; charset=utf-8"
	}

	return HTTPResponse{
		Status:    http.StatusForbidden,
		Headers:   headers,
		Body:      body,
		Timestamp: now,
	}
}

func errorResponse(status int, err error, now time.Time) HTTPResponse {
	return HTTPResponse{
		Status:    status,
		Headers:   map[string]string{"Content-Type": "text/plain; charset=utf-8"},
		Body:      []byte(fmt.Sprintf("Proxy Error: %v", err)),
		Timestamp: now,
	}
}
