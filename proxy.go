package interceptor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrAlreadyRunning is returned by Start when the proxy is not stopped.
	ErrAlreadyRunning = errors.New("proxy is already running")

	// ErrNotRunning is returned by Stop when the proxy is not running.
	ErrNotRunning = errors.New("proxy is not running")
)

// State is the proxy lifecycle state.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	default:
		return "unknown"
	}
}

// sysProxyTimeout bounds a single system proxy toggle.
const sysProxyTimeout = 10 * time.Second

// Proxy is an intercepting HTTP proxy. Every request it handles is recorded
// as a Transaction, tagged by the denylist and optionally answered by a
// rule instead of being forwarded.
//
// Store, Filters and Rules are created once by NewProxy and are safe to use
// from the control surface while traffic flows.
type Proxy struct {
	// Host is the interface to bind (default "127.0.0.1").
	Host string

	// Port to bind. Zero picks a free port; see Addr.
	Port int

	Store   *Store
	Filters *FilterList
	Rules   *RuleEngine
	Mocks   *MockStore

	// Forwarder answers requests no rule intercepted (default AckForwarder).
	Forwarder Forwarder

	// Rewriter runs rewrite rule scripts (default JSONRewriter).
	Rewriter Rewriter

	// SystemProxy is toggled on Start and Stop (default NopSystemProxy).
	SystemProxy SystemProxy

	// BlockPage renders responses for block rules (optional).
	BlockPage *BlockPage

	// MaxBodySize bounds request body capture. Zero records empty bodies
	// and forwards none.
	MaxBodySize int64

	// Logger for proxy events
	Logger *slog.Logger

	// Metrics collects Prometheus metrics (optional)
	Metrics *Metrics

	// AccessLog writes one record per transaction (optional)
	AccessLog *AccessLogger

	// HealthChecker provides /healthz and /readyz endpoints (optional)
	HealthChecker *HealthChecker

	// Admin serves the control REST API under its PathPrefix for
	// origin-form requests (optional).
	Admin *AdminAPI

	// Archive persists transactions (optional).
	Archive *Archive

	// Events publishes committed transactions (optional).
	Events *EventBroker

	// RateLimiter throttles clients (optional).
	RateLimiter *RateLimiter

	// ReadHeaderTimeout and IdleTimeout configure the HTTP server.
	ReadHeaderTimeout time.Duration
	IdleTimeout       time.Duration

	mu       sync.Mutex // serializes Start/Stop
	state    atomic.Int32
	listener net.Listener
	srv      *http.Server
	served   chan struct{}
}

// NewProxy creates a stopped proxy bound to loopback on port.
func NewProxy(port int) *Proxy {
	return &Proxy{
		Host:              "127.0.0.1",
		Port:              port,
		Store:             NewStore(),
		Filters:           NewFilterList(),
		Rules:             NewRuleEngine(),
		Mocks:             NewMockStore(),
		Forwarder:         NewAckForwarder(),
		Rewriter:          JSONRewriter{},
		SystemProxy:       NopSystemProxy{},
		BlockPage:         NewBlockPage(),
		Logger:            slog.Default(),
		Events:            NewEventBroker(),
		ReadHeaderTimeout: 30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

// Start binds the listener and begins accepting connections in the
// background. A bind failure is returned and leaves the proxy stopped.
func (p *Proxy) Start() error {
	p.mu.Lock()

	if !p.state.CompareAndSwap(int32(StateStopped), int32(StateStarting)) {
		p.mu.Unlock()
		return ErrAlreadyRunning
	}

	addr := net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		p.state.Store(int32(StateStopped))
		p.mu.Unlock()
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           p,
		ReadHeaderTimeout: p.ReadHeaderTimeout,
		IdleTimeout:       p.IdleTimeout,
		ErrorLog:          slog.NewLogLogger(p.logger().Handler(), slog.LevelDebug),
	}
	served := make(chan struct{})

	p.listener, p.srv, p.served = ln, srv, served
	p.state.Store(int32(StateRunning))
	if p.HealthChecker != nil {
		p.HealthChecker.SetAlive(true)
		p.HealthChecker.SetReady(true)
	}
	p.mu.Unlock()

	go func() {
		defer close(served)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
			p.logger().Error("proxy accept loop ended", "error", err)
		}
	}()

	p.logger().Info("proxy listening", "addr", ln.Addr().String())

	host, port := p.systemProxyTarget(ln.Addr())
	ctx, cancel := context.WithTimeout(context.Background(), sysProxyTimeout)
	defer cancel()
	if err := p.systemProxy().Enable(ctx, host, port); err != nil {
		p.logger().Warn("could not enable system proxy", "error", err)
	}

	return nil
}

// ListenAndServe starts the proxy and blocks until it is stopped.
func (p *Proxy) ListenAndServe() error {
	if err := p.Start(); err != nil {
		return err
	}

	p.mu.Lock()
	served := p.served
	p.mu.Unlock()

	<-served
	return nil
}

// Stop stops accepting connections and restores the system proxy. Requests
// already being handled run to completion and are still recorded.
func (p *Proxy) Stop() error {
	p.mu.Lock()
	if State(p.state.Load()) != StateRunning {
		p.mu.Unlock()
		return ErrNotRunning
	}
	p.state.Store(int32(StateStopped))
	ln, srv := p.listener, p.srv
	if p.HealthChecker != nil {
		p.HealthChecker.SetReady(false)
	}
	p.mu.Unlock()

	srv.SetKeepAlivesEnabled(false)
	if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		p.logger().Warn("closing listener", "error", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), sysProxyTimeout)
	defer cancel()
	if err := p.systemProxy().Disable(ctx); err != nil {
		p.logger().Warn("could not restore system proxy", "error", err)
	}

	p.logger().Info("proxy stopped")
	return nil
}

// Shutdown stops the proxy if it is running and waits for in-flight
// requests to finish or ctx to end.
func (p *Proxy) Shutdown(ctx context.Context) error {
	if err := p.Stop(); err != nil && !errors.Is(err, ErrNotRunning) {
		return err
	}

	p.mu.Lock()
	srv := p.srv
	p.mu.Unlock()

	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	if p.HealthChecker != nil {
		p.HealthChecker.SetAlive(false)
	}
	return nil
}

// IsRunning reports whether the proxy is accepting connections.
func (p *Proxy) IsRunning() bool {
	return p.State() == StateRunning
}

// State returns the lifecycle state.
func (p *Proxy) State() State {
	return State(p.state.Load())
}

// Addr returns the bound address while running, or "".
func (p *Proxy) Addr() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listener == nil || State(p.state.Load()) != StateRunning {
		return ""
	}
	return p.listener.Addr().String()
}

// Transactions returns all recorded transactions in capture order.
func (p *Proxy) Transactions() []Transaction {
	return p.Store.List()
}

// Transaction returns one recorded transaction.
func (p *Proxy) Transaction(id string) (Transaction, bool) {
	return p.Store.Get(id)
}

// SearchTransactions returns the transactions matching f.
func (p *Proxy) SearchTransactions(f SearchFilter) []Transaction {
	return p.Store.Search(f.Match)
}

// ToggleFavorite flips a transaction's favorite flag and returns the new
// state. Unknown ids return false.
func (p *Proxy) ToggleFavorite(id string) bool {
	fav := p.Store.ToggleFavorite(id)
	if p.Archive != nil {
		if _, ok := p.Store.Get(id); ok {
			if err := p.Archive.SetFavorite(context.Background(), id, fav); err != nil {
				p.logger().Warn("archive favorite update failed", "id", id, "error", err)
			}
		}
	}
	return fav
}

// Favorites returns the favorited transactions in capture order.
func (p *Proxy) Favorites() []Transaction {
	return p.Store.Favorites()
}

// ClearTransactions drops every recorded transaction, including archived
// ones.
func (p *Proxy) ClearTransactions() {
	p.Store.Clear()
	if p.Archive != nil {
		if err := p.Archive.Clear(context.Background()); err != nil {
			p.logger().Warn("archive clear failed", "error", err)
		}
	}
	if p.Metrics != nil {
		p.Metrics.SetTransactionCount(0)
	}
}

// AddFilter adds a denylist pattern. It reports whether the list changed.
func (p *Proxy) AddFilter(pattern string) bool {
	added := p.Filters.Add(pattern)
	p.syncFilterMetrics()
	return added
}

// RemoveFilter removes a denylist pattern. It reports whether the list
// changed.
func (p *Proxy) RemoveFilter(pattern string) bool {
	removed := p.Filters.Remove(pattern)
	p.syncFilterMetrics()
	return removed
}

// FilterList returns the denylist patterns.
func (p *Proxy) FilterList() []string {
	return p.Filters.List()
}

// AddRule adds a rule and returns it with its assigned id.
func (p *Proxy) AddRule(r RequestRule) RequestRule {
	added := p.Rules.Add(r)
	p.syncRuleMetrics()
	return added
}

// RemoveRule removes a rule by id. Unknown ids return false.
func (p *Proxy) RemoveRule(id string) bool {
	removed := p.Rules.Remove(id)
	p.syncRuleMetrics()
	return removed
}

// RulesList returns the rules in evaluation order.
func (p *Proxy) RulesList() []RequestRule {
	return p.Rules.Rules()
}

// ExportHAR renders all recorded transactions as a HAR document.
func (p *Proxy) ExportHAR() string {
	return ExportHAR(p.Store.List())
}

// Reload replaces filters, rules and mocks with the output of fn.
func (p *Proxy) Reload(ctx context.Context, fn ReloadFunc) error {
	set, err := fn(ctx)
	if err != nil {
		if p.Metrics != nil {
			p.Metrics.RecordFilterReloadError()
		}
		return err
	}
	if set == nil {
		return nil
	}

	if set.Filters != nil {
		p.Filters.Replace(set.Filters)
		p.syncFilterMetrics()
		if p.Metrics != nil {
			p.Metrics.RecordFilterReload()
		}
	}
	if set.Rules != nil {
		p.Rules.Replace(set.Rules)
		p.syncRuleMetrics()
	}
	if set.Mocks != nil {
		p.Mocks.Replace(set.Mocks)
	}

	p.logger().Info("configuration reloaded",
		"filters", p.Filters.Count(),
		"rules", p.Rules.Count(),
		"mocks", len(p.Mocks.Names()))
	return nil
}

// RestoreFromArchive loads archived transactions into the store.
func (p *Proxy) RestoreFromArchive(ctx context.Context) (int, error) {
	if p.Archive == nil {
		return 0, nil
	}
	txs, err := p.Archive.Load(ctx)
	if err != nil {
		return 0, err
	}
	n := p.Store.Restore(txs)
	if p.Metrics != nil {
		p.Metrics.SetTransactionCount(p.Store.Len())
	}
	return n, nil
}

func (p *Proxy) syncFilterMetrics() {
	if p.Metrics != nil {
		p.Metrics.SetFilterCount(p.Filters.Count())
	}
}

func (p *Proxy) syncRuleMetrics() {
	if p.Metrics != nil {
		p.Metrics.SetRuleCount(p.Rules.Count())
	}
}

func (p *Proxy) logger() *slog.Logger {
	if p.Logger == nil {
		return slog.Default()
	}
	return p.Logger
}

func (p *Proxy) systemProxy() SystemProxy {
	if p.SystemProxy == nil {
		return NopSystemProxy{}
	}
	return p.SystemProxy
}

// systemProxyTarget is the address clients should be pointed at. A
// wildcard bind is advertised as loopback.
func (p *Proxy) systemProxyTarget(addr net.Addr) (string, int) {
	host := p.Host
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = "127.0.0.1"
	}
	port := p.Port
	if tcp, ok := addr.(*net.TCPAddr); ok {
		port = tcp.Port
	}
	return host, port
}
