package interceptor

import (
	"maps"
	"net/http"
	"slices"
	"time"

	"github.com/google/uuid"
)

// Tags attached to transactions at capture time.
const (
	TagFiltered    = "filtered"
	TagRuleMatched = "rule"
	TagRateLimited = "rate_limited"
	TagError       = "error"
)

// HTTPRequest is a captured client request. It is never modified after
// capture; rewrite actions produce a new value instead.
type HTTPRequest struct {
	Method    string            `json:"method"`
	URL       string            `json:"url"`
	Headers   map[string]string `json:"headers"`
	Body      []byte            `json:"body"`
	Timestamp time.Time         `json:"timestamp"`
}

// HTTPResponse is the response delivered to the client, whether relayed
// from an upstream or synthesized by the proxy.
type HTTPResponse struct {
	Status    int               `json:"status"`
	Headers   map[string]string `json:"headers"`
	Body      []byte            `json:"body"`
	Timestamp time.Time         `json:"timestamp"`
}

// Transaction pairs one captured request with the response the proxy
// produced for it.
type Transaction struct {
	ID         string        `json:"id"`
	Request    HTTPRequest   `json:"request"`
	Response   *HTTPResponse `json:"response,omitempty"`
	Duration   time.Duration `json:"duration"`
	IsFavorite bool          `json:"is_favorite"`
	Tags       []string      `json:"tags"`

	// RuleID is the id of the rule whose action produced the response, if any.
	RuleID string `json:"rule_id,omitempty"`
}

// NewTransactionID returns a random, collision-free transaction id.
func NewTransactionID() string {
	return uuid.NewString()
}

// HasTag reports whether the transaction carries tag.
func (t Transaction) HasTag(tag string) bool {
	return slices.Contains(t.Tags, tag)
}

// Clone returns a deep copy so snapshots handed to callers cannot alias
// store-owned memory.
func (t Transaction) Clone() Transaction {
	out := t
	out.Request = t.Request.clone()
	if t.Response != nil {
		resp := t.Response.clone()
		out.Response = &resp
	}
	out.Tags = slices.Clone(t.Tags)
	return out
}

func (r HTTPRequest) clone() HTTPRequest {
	out := r
	out.Headers = maps.Clone(r.Headers)
	out.Body = slices.Clone(r.Body)
	return out
}

func (r HTTPResponse) clone() HTTPResponse {
	out := r
	out.Headers = maps.Clone(r.Headers)
	out.Body = slices.Clone(r.Body)
	return out
}

// flattenHeader collapses a multi-valued header into a single-valued map.
// When a key carries several values the last one wins.
func flattenHeader(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, vv := range h {
		if len(vv) == 0 {
			continue
		}
		out[k] = vv[len(vv)-1]
	}
	return out
}
