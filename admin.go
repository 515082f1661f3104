package interceptor

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// AdminAPI is the control surface: lifecycle, transaction queries,
// favorites, filter and rule mutation, HAR export and the encoding helpers,
// as JSON over HTTP.
//
// The API is mounted at PathPrefix (default "/api") and uses [chi] for
// routing. It can be reached through the proxy port with origin-form
// requests, or served on its own listener via Handler so that /start works
// while the proxy is stopped.
type AdminAPI struct {
	// Proxy is the proxy instance to manage.
	Proxy *Proxy

	// Logger for admin API events.
	Logger *slog.Logger

	// PathPrefix is the URL path prefix for admin routes (default "/api").
	PathPrefix string

	// ReloadFunc backs POST /reload. If nil, the endpoint returns 501.
	ReloadFunc ReloadFunc

	// Compression configures compression of large responses (HAR export,
	// transaction listings). Nil uses DefaultCompressConfig.
	Compression *CompressConfig

	startTime time.Time
	router    chi.Router
}

// NewAdminAPI creates an AdminAPI wired to the given proxy.
func NewAdminAPI(proxy *Proxy) *AdminAPI {
	a := &AdminAPI{
		Proxy:      proxy,
		Logger:     slog.Default(),
		PathPrefix: "/api",
		startTime:  time.Now(),
	}
	a.buildRouter()
	return a
}

func (a *AdminAPI) buildRouter() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Group(func(r chi.Router) {
		r.Use(middleware.SetHeader("Content-Type", "application/json"))

		r.Get("/status", a.handleStatus)
		r.Post("/start", a.handleStart)
		r.Post("/stop", a.handleStop)

		r.Delete("/transactions", a.handleClearTransactions)
		r.Get("/transactions/{id}", a.handleGetTransaction)
		r.Post("/transactions/search", a.handleSearch)
		r.Post("/transactions/{id}/favorite", a.handleToggleFavorite)
		r.Get("/favorites", a.handleFavorites)

		r.Get("/filters", a.handleListFilters)
		r.Post("/filters", a.handleAddFilter)
		r.Delete("/filters", a.handleRemoveFilter)

		r.Get("/rules", a.handleListRules)
		r.Post("/rules", a.handleAddRule)
		r.Delete("/rules/{id}", a.handleDeleteRule)

		r.Post("/encode/{kind}", a.handleEncode)
		r.Post("/decode/{kind}", a.handleDecode)

		r.Post("/reload", a.handleReload)
	})

	// Potentially large bodies go through the compression middleware.
	r.Group(func(r chi.Router) {
		r.Use(func(next http.Handler) http.Handler {
			return CompressHandlerWithConfig(a.compression(), next)
		})
		r.Get("/transactions", a.handleListTransactions)
		r.Get("/export/har", a.handleExportHAR)
	})

	r.Get("/events", a.handleEvents)

	a.router = r
}

// Handler returns an http.Handler for the admin routes including the path
// prefix. Mount it on the proxy or a separate listener.
func (a *AdminAPI) Handler() http.Handler {
	return http.StripPrefix(a.PathPrefix, a.router)
}

// ServeHTTP implements http.Handler.
func (a *AdminAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.Handler().ServeHTTP(w, r)
}

// --------------------------------------------------------------------------
// Request and response types
// --------------------------------------------------------------------------

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	State        string              `json:"state"`
	Running      bool                `json:"running"`
	Addr         string              `json:"addr,omitempty"`
	Version      string              `json:"version"`
	Transactions int                 `json:"transactions"`
	Filters      int                 `json:"filters"`
	Rules        int                 `json:"rules"`
	Uptime       string              `json:"uptime"`
	Upstream     *TransportPoolStats `json:"upstream,omitempty"`
}

// TransactionsResponse is returned by transaction listings.
type TransactionsResponse struct {
	Count        int           `json:"count"`
	Transactions []Transaction `json:"transactions"`
}

// FavoriteResponse is returned by POST /transactions/{id}/favorite.
type FavoriteResponse struct {
	ID         string `json:"id"`
	IsFavorite bool   `json:"is_favorite"`
}

// FilterRequest is the body for POST and DELETE /filters.
type FilterRequest struct {
	Pattern string `json:"pattern"`
}

// FiltersResponse is returned by GET /filters.
type FiltersResponse struct {
	Count   int      `json:"count"`
	Filters []string `json:"filters"`
}

// RulesResponse is returned by GET /rules.
type RulesResponse struct {
	Count int           `json:"count"`
	Rules []RequestRule `json:"rules"`
}

// CodecRequest is the body for /encode/{kind} and /decode/{kind}.
type CodecRequest struct {
	Input string `json:"input"`
}

// CodecResponse is returned by /encode/{kind} and /decode/{kind}.
type CodecResponse struct {
	Output string `json:"output"`
}

// ErrorResponse is returned for error conditions.
type ErrorResponse struct {
	Error string `json:"error"`
}

// MessageResponse is returned for successful mutations.
type MessageResponse struct {
	Message string `json:"message"`
}

// --------------------------------------------------------------------------
// Handlers
// --------------------------------------------------------------------------

func (a *AdminAPI) handleStatus(w http.ResponseWriter, _ *http.Request) {
	p := a.Proxy
	resp := StatusResponse{
		State:        p.State().String(),
		Running:      p.IsRunning(),
		Addr:         p.Addr(),
		Version:      Version,
		Transactions: p.Store.Len(),
		Filters:      p.Filters.Count(),
		Rules:        p.Rules.Count(),
		Uptime:       time.Since(a.startTime).Truncate(time.Second).String(),
	}
	if uf, ok := p.Forwarder.(*UpstreamForwarder); ok && uf.Pool != nil {
		stats := uf.Pool.Stats()
		resp.Upstream = &stats
	}
	a.writeJSON(w, http.StatusOK, resp)
}

func (a *AdminAPI) handleStart(w http.ResponseWriter, _ *http.Request) {
	if err := a.Proxy.Start(); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ErrAlreadyRunning) {
			status = http.StatusConflict
		}
		a.writeJSON(w, status, ErrorResponse{Error: err.Error()})
		return
	}
	a.Logger.Info("proxy started via admin API", "addr", a.Proxy.Addr())
	a.writeJSON(w, http.StatusOK, MessageResponse{Message: "proxy started"})
}

func (a *AdminAPI) handleStop(w http.ResponseWriter, _ *http.Request) {
	if err := a.Proxy.Stop(); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ErrNotRunning) {
			status = http.StatusConflict
		}
		a.writeJSON(w, status, ErrorResponse{Error: err.Error()})
		return
	}
	a.Logger.Info("proxy stopped via admin API")
	a.writeJSON(w, http.StatusOK, MessageResponse{Message: "proxy stopped"})
}

func (a *AdminAPI) handleListTransactions(w http.ResponseWriter, _ *http.Request) {
	txs := a.Proxy.Transactions()
	w.Header().Set("Content-Type", "application/json")
	a.writeJSON(w, http.StatusOK, TransactionsResponse{Count: len(txs), Transactions: txs})
}

func (a *AdminAPI) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	t, ok := a.Proxy.Transaction(chi.URLParam(r, "id"))
	if !ok {
		a.writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "transaction not found"})
		return
	}
	a.writeJSON(w, http.StatusOK, t)
}

func (a *AdminAPI) handleClearTransactions(w http.ResponseWriter, _ *http.Request) {
	a.Proxy.ClearTransactions()
	a.Logger.Info("transactions cleared via admin API")
	a.writeJSON(w, http.StatusOK, MessageResponse{Message: "transactions cleared"})
}

func (a *AdminAPI) handleSearch(w http.ResponseWriter, r *http.Request) {
	var f SearchFilter
	if !a.decode(w, r, &f) {
		return
	}
	txs := a.Proxy.SearchTransactions(f)
	a.writeJSON(w, http.StatusOK, TransactionsResponse{Count: len(txs), Transactions: txs})
}

func (a *AdminAPI) handleToggleFavorite(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := a.Proxy.Transaction(id); !ok {
		a.writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "transaction not found"})
		return
	}
	fav := a.Proxy.ToggleFavorite(id)
	a.writeJSON(w, http.StatusOK, FavoriteResponse{ID: id, IsFavorite: fav})
}

func (a *AdminAPI) handleFavorites(w http.ResponseWriter, _ *http.Request) {
	txs := a.Proxy.Favorites()
	a.writeJSON(w, http.StatusOK, TransactionsResponse{Count: len(txs), Transactions: txs})
}

func (a *AdminAPI) handleListFilters(w http.ResponseWriter, _ *http.Request) {
	filters := a.Proxy.FilterList()
	a.writeJSON(w, http.StatusOK, FiltersResponse{Count: len(filters), Filters: filters})
}

func (a *AdminAPI) handleAddFilter(w http.ResponseWriter, r *http.Request) {
	var req FilterRequest
	if !a.decode(w, r, &req) {
		return
	}
	if req.Pattern == "" {
		a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "pattern is required"})
		return
	}
	if !a.Proxy.AddFilter(req.Pattern) {
		a.writeJSON(w, http.StatusOK, MessageResponse{Message: "filter already present"})
		return
	}
	a.Logger.Info("filter added via admin API", "pattern", req.Pattern)
	a.writeJSON(w, http.StatusCreated, MessageResponse{Message: "filter added"})
}

func (a *AdminAPI) handleRemoveFilter(w http.ResponseWriter, r *http.Request) {
	var req FilterRequest
	if !a.decode(w, r, &req) {
		return
	}
	if !a.Proxy.RemoveFilter(req.Pattern) {
		a.writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "filter not found"})
		return
	}
	a.Logger.Info("filter removed via admin API", "pattern", req.Pattern)
	a.writeJSON(w, http.StatusOK, MessageResponse{Message: "filter removed"})
}

func (a *AdminAPI) handleListRules(w http.ResponseWriter, _ *http.Request) {
	rules := a.Proxy.RulesList()
	a.writeJSON(w, http.StatusOK, RulesResponse{Count: len(rules), Rules: rules})
}

func (a *AdminAPI) handleAddRule(w http.ResponseWriter, r *http.Request) {
	var rule RequestRule
	if !a.decode(w, r, &rule) {
		return
	}
	if rule.Pattern == "" {
		a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "pattern is required"})
		return
	}

	added := a.Proxy.AddRule(rule)
	a.Logger.Info("rule added via admin API", "id", added.ID, "name", added.Name, "pattern", added.Pattern)
	a.writeJSON(w, http.StatusCreated, added)
}

func (a *AdminAPI) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !a.Proxy.RemoveRule(id) {
		a.writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "rule not found"})
		return
	}
	a.Logger.Info("rule removed via admin API", "id", id)
	a.writeJSON(w, http.StatusOK, MessageResponse{Message: "rule removed"})
}

func (a *AdminAPI) handleExportHAR(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", `attachment; filename="capture.har"`)
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, a.Proxy.ExportHAR())
}

func (a *AdminAPI) handleEncode(w http.ResponseWriter, r *http.Request) {
	var req CodecRequest
	if !a.decode(w, r, &req) {
		return
	}
	switch chi.URLParam(r, "kind") {
	case "base64":
		a.writeJSON(w, http.StatusOK, CodecResponse{Output: EncodeBase64(req.Input)})
	case "url":
		a.writeJSON(w, http.StatusOK, CodecResponse{Output: EncodeURL(req.Input)})
	default:
		a.writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "unknown encoding"})
	}
}

func (a *AdminAPI) handleDecode(w http.ResponseWriter, r *http.Request) {
	var req CodecRequest
	if !a.decode(w, r, &req) {
		return
	}
	switch chi.URLParam(r, "kind") {
	case "base64":
		out, err := DecodeBase64(req.Input)
		if err != nil {
			a.writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{Error: err.Error()})
			return
		}
		a.writeJSON(w, http.StatusOK, CodecResponse{Output: out})
	case "url":
		a.writeJSON(w, http.StatusOK, CodecResponse{Output: DecodeURL(req.Input)})
	default:
		a.writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "unknown encoding"})
	}
}

func (a *AdminAPI) handleReload(w http.ResponseWriter, r *http.Request) {
	if a.ReloadFunc == nil {
		a.writeJSON(w, http.StatusNotImplemented, ErrorResponse{Error: "reload not configured"})
		return
	}

	if err := a.Proxy.Reload(r.Context(), a.ReloadFunc); err != nil {
		a.Logger.Error("admin API reload failed", "error", err)
		a.writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "reload failed: " + err.Error()})
		return
	}

	a.Logger.Info("configuration reloaded via admin API")
	a.writeJSON(w, http.StatusOK, MessageResponse{Message: "reload successful"})
}

// handleEvents streams committed transactions as server-sent events until
// the client goes away.
func (a *AdminAPI) handleEvents(w http.ResponseWriter, r *http.Request) {
	if a.Proxy.Events == nil {
		w.Header().Set("Content-Type", "application/json")
		a.writeJSON(w, http.StatusNotImplemented, ErrorResponse{Error: "event stream not configured"})
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		w.Header().Set("Content-Type", "application/json")
		a.writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "streaming unsupported"})
		return
	}

	events, cancel := a.Proxy.Events.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case t, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(t)
			if err != nil {
				a.Logger.Error("encode event", "id", t.ID, "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: transaction\nid: %s\ndata: %s\n\n", t.ID, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// --------------------------------------------------------------------------
// Helpers
// --------------------------------------------------------------------------

func (a *AdminAPI) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid JSON: " + err.Error()})
		return false
	}
	return true
}

func (a *AdminAPI) compression() CompressConfig {
	if a.Compression != nil {
		return *a.Compression
	}
	return DefaultCompressConfig()
}

func (a *AdminAPI) writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.Logger.Error("admin API write error", "error", err)
	}
}
