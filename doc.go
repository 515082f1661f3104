// Package interceptor provides an intercepting HTTP proxy that records every
// request it handles, tags traffic against a keyword denylist and lets
// priority-ordered rules answer requests instead of forwarding them.
//
// # Architecture
//
// A [Proxy] accepts absolute-form HTTP requests and CONNECT requests. Each
// one is captured into an [HTTPRequest], tagged by the [FilterList],
// matched against the [RuleEngine] and answered either by the matched
// rule's [Action] or by the configured [Forwarder]. The resulting
// [Transaction] is appended to the [Store] before the response is written.
//
// Filtering is passive: a denylisted request is tagged "filtered" and still
// forwarded. Only rules change what the client receives.
//
// # Basic Proxy
//
//	p := interceptor.NewProxy(8080)
//	p.Filters.Add("doubleclick")
//	if err := p.Start(); err != nil {
//	    log.Fatal(err)
//	}
//	defer p.Stop()
//
// Start returns once the listener is bound; connections are served in the
// background. [Proxy.ListenAndServe] blocks instead.
//
// # Rules
//
// Rules are evaluated by descending priority and the first enabled match
// wins. A pattern wrapped in slashes is a regular expression; anything else
// is a case-sensitive substring of the URL:
//
//	p.AddRule(interceptor.RequestRule{
//	    Name:     "block ads",
//	    Pattern:  "ads.example.com",
//	    Action:   interceptor.BlockAction{},
//	    Enabled:  true,
//	    Priority: 10,
//	})
//
//	p.AddRule(interceptor.RequestRule{
//	    Name:     "moved api",
//	    Pattern:  `/^https?://api\.example\.com/v1/`,
//	    Action:   interceptor.RedirectAction{Target: "https://api.example.com/v2/"},
//	    Enabled:  true,
//	    Priority: 5,
//	})
//
// [MockAction] answers from a named [MockResponse] in [Proxy.Mocks] or an
// inline JSON template. [RewriteAction] runs a script through the
// [Rewriter] (by default [JSONRewriter]) and forwards the result.
//
// # Forwarding
//
// The default [AckForwarder] synthesizes a JSON acknowledgment so the proxy
// can run without network access. [UpstreamForwarder] relays to the real
// destination over a pooled transport, optionally through a parent
// [UpstreamProxy]:
//
//	pool := interceptor.NewTransportPool()
//	p.Forwarder = interceptor.NewUpstreamForwarder(pool)
//
// # Export
//
// [ExportHAR] renders transactions as a HAR 1.2 document. Transactions can
// also be persisted to SQLite with an [Archive] and restored on restart.
//
// # Control API
//
// [AdminAPI] exposes lifecycle, transaction queries, favorites, filter and
// rule mutation, HAR export and the encoding helpers as JSON under /api.
// Origin-form requests sent to the proxy port reach it directly, as do
// /metrics, /healthz and /readyz.
//
// # Configuration
//
// [LoadConfig] reads interceptor.yaml through viper, and [Config.NewProxy]
// builds a fully wired proxy from it.
package interceptor
