package interceptor

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ServeHTTP routes origin-form requests addressed to the proxy itself to the
// metrics, health and admin endpoints. Everything else is intercepted.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodConnect && !r.URL.IsAbs() {
		p.serveLocal(w, r)
		return
	}
	p.intercept(w, r)
}

// ControlHandler serves the same local endpoints without proxying, for a
// dedicated control listener that outlives Stop.
func (p *Proxy) ControlHandler() http.Handler {
	return http.HandlerFunc(p.serveLocal)
}

func (p *Proxy) serveLocal(w http.ResponseWriter, r *http.Request) {
	switch {
	case p.Metrics != nil && r.URL.Path == "/metrics":
		p.Metrics.Handler().ServeHTTP(w, r)
	case p.HealthChecker != nil && r.URL.Path == "/healthz":
		p.HealthChecker.HandleHealthz(w, r)
	case p.HealthChecker != nil && r.URL.Path == "/readyz":
		p.HealthChecker.HandleReadyz(w, r)
	case p.Admin != nil && strings.HasPrefix(r.URL.Path, p.Admin.PathPrefix):
		p.Admin.ServeHTTP(w, r)
	default:
		http.Error(w, "not a proxy request: use an absolute URL or CONNECT", http.StatusBadRequest)
	}
}

// outcome is what the pipeline decided for one request.
type outcome struct {
	resp   HTTPResponse
	rule   *RequestRule
	tags   []string
	err    error
	action ActionType
}

func (p *Proxy) intercept(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	if p.Metrics != nil {
		p.Metrics.IncActiveConns()
		defer p.Metrics.DecActiveConns()
		p.Metrics.RecordRequest(r.Method, requestScheme(r))
	}

	req, err := p.capture(r, start)
	var out outcome
	switch {
	case err != nil:
		status := http.StatusBadRequest
		if errors.Is(err, ErrBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		out = outcome{resp: errorResponse(status, err, time.Now()), tags: []string{TagError}, err: err}

	case p.RateLimiter != nil && !p.RateLimiter.Allow(r.RemoteAddr):
		resp := errorResponse(http.StatusTooManyRequests, errors.New("rate limit exceeded"), time.Now())
		resp.Headers["Retry-After"] = "1"
		out = outcome{resp: resp, tags: []string{TagRateLimited}}
		if p.Metrics != nil {
			p.Metrics.RecordRateLimited()
		}

	default:
		out = p.process(r.Context(), req)
	}

	tx := Transaction{
		ID:       NewTransactionID(),
		Request:  req,
		Response: &out.resp,
		Duration: time.Since(start),
		Tags:     out.tags,
	}
	if out.rule != nil {
		tx.RuleID = out.rule.ID
	}

	stored, _ := p.Store.Append(tx)
	p.commit(r, stored, out)
	writeResponse(w, r, out.resp)
}

// process runs the denylist, the rule engine and forwarding.
func (p *Proxy) process(ctx context.Context, req HTTPRequest) outcome {
	var out outcome

	if pattern, ok := p.Filters.Match(req.URL); ok {
		out.tags = append(out.tags, TagFiltered)
		p.logger().Debug("request matched filter", "url", req.URL, "filter", pattern)
		if p.Metrics != nil {
			p.Metrics.RecordFiltered()
		}
	}

	rule, ok := p.Rules.Match(req.URL)
	if !ok {
		out.resp, out.err = p.forward(ctx, req)
		if out.err != nil {
			out.tags = append(out.tags, TagError)
		}
		return out
	}

	out.rule = &rule
	out.action = rule.Action.Type()
	out.tags = append(out.tags, TagRuleMatched)
	if p.Metrics != nil {
		p.Metrics.RecordRuleAction(out.action)
	}
	p.logger().Debug("rule matched", "url", req.URL, "rule", rule.Name, "action", out.action)

	now := time.Now()
	switch a := rule.Action.(type) {
	case BlockAction:
		out.resp = blockResponse(p.BlockPage, req, rule, now)
	case RedirectAction:
		out.resp = redirectResponse(a.Target, now)
	case MockAction:
		out.resp = p.Mocks.Resolve(a.Response).HTTPResponse(now)
	case RewriteAction:
		rewritten, err := p.rewriter().Rewrite(ctx, req, a.Script)
		if err != nil {
			p.logger().Warn("rewrite failed", "rule", rule.Name, "error", err)
			out.resp, out.err = errorResponse(http.StatusBadGateway, err, now), err
			break
		}
		out.resp, out.err = p.forward(ctx, rewritten)
	default:
		err := ErrUnknownAction
		out.resp, out.err = errorResponse(http.StatusBadGateway, err, now), err
	}

	if out.err != nil {
		out.tags = append(out.tags, TagError)
	}
	return out
}

// forward asks the Forwarder for a response. Failures become 502 responses.
func (p *Proxy) forward(ctx context.Context, req HTTPRequest) (HTTPResponse, error) {
	fwd := p.Forwarder
	if fwd == nil {
		fwd = NewAckForwarder()
	}

	resp, err := fwd.Forward(ctx, req)
	if err != nil {
		p.logger().Error("forward request", "error", err, "url", req.URL)
		if p.Metrics != nil {
			p.Metrics.RecordUpstreamError(ExtractDomain(req.URL))
		}
		return errorResponse(http.StatusBadGateway, err, time.Now()), err
	}
	if resp.Headers == nil {
		resp.Headers = make(map[string]string)
	}
	return resp, nil
}

// capture snapshots the inbound request. On error the returned request is
// still usable for recording, with an empty body.
func (p *Proxy) capture(r *http.Request, now time.Time) (HTTPRequest, error) {
	target := r.URL.String()
	if r.Method == http.MethodConnect {
		target = r.RequestURI
		if target == "" {
			target = r.Host
		}
	}

	headers := flattenHeader(r.Header)
	if r.Host != "" {
		headers["Host"] = r.Host
	}

	req := HTTPRequest{
		Method:    r.Method,
		URL:       target,
		Headers:   headers,
		Body:      []byte{},
		Timestamp: now,
	}

	body, err := NewBodyCapture(p.MaxBodySize).Capture(r)
	if err != nil {
		return req, err
	}
	req.Body = body
	return req, nil
}

// commit runs everything that follows recording a transaction.
func (p *Proxy) commit(r *http.Request, t Transaction, out outcome) {
	if p.Archive != nil {
		if err := p.Archive.Save(context.WithoutCancel(r.Context()), t); err != nil {
			p.logger().Warn("archive save failed", "id", t.ID, "error", err)
		}
	}
	if p.Events != nil {
		p.Events.Publish(t)
	}
	if p.AccessLog != nil {
		p.AccessLog.LogTransaction(t, r.RemoteAddr, string(out.action), out.err)
	}
	if p.Metrics != nil {
		p.Metrics.RecordRequestDuration(t.Request.Method, out.resp.Status, t.Duration)
		p.Metrics.SetTransactionCount(p.Store.Len())
	}
}

func writeResponse(w http.ResponseWriter, r *http.Request, resp HTTPResponse) {
	h := w.Header()
	for k, v := range resp.Headers {
		h.Set(k, v)
	}

	bodyAllowed := resp.Status >= 200 &&
		resp.Status != http.StatusNoContent &&
		resp.Status != http.StatusNotModified &&
		r.Method != http.MethodHead

	if bodyAllowed {
		h.Set("Content-Length", strconv.Itoa(len(resp.Body)))
	} else {
		h.Del("Content-Length")
	}

	status := resp.Status
	if status < 200 || status > 999 {
		status = http.StatusBadGateway
	}
	w.WriteHeader(status)

	if bodyAllowed && len(resp.Body) > 0 {
		_, _ = w.Write(resp.Body)
	}
}

func requestScheme(r *http.Request) string {
	if r.Method == http.MethodConnect {
		return "https"
	}
	if r.URL.Scheme != "" {
		return r.URL.Scheme
	}
	return "http"
}

func (p *Proxy) rewriter() Rewriter {
	if p.Rewriter == nil {
		return JSONRewriter{}
	}
	return p.Rewriter
}
