// Package api exposes pagehook to users: a JSON HTTP API for rules, logs,
// settings and the authoring flow, a WebSocket stream of deliveries, and an
// MCP tool server.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/cors"

	"github.com/hazyhaar/pagehook/coordinator"
	"github.com/hazyhaar/pagehook/dispatch"
	"github.com/hazyhaar/pagehook/model"
	"github.com/hazyhaar/pagehook/relay"
	"github.com/hazyhaar/pagehook/schedule"
	"github.com/hazyhaar/pagehook/store"
)

// Server holds the HTTP handlers.
type Server struct {
	store  *store.Store
	coord  *coordinator.Coordinator
	relay  *relay.Relay
	hub    *Hub
	mcp     *mcp.Server
	origins *OriginPolicy
	status  StatusReporter
	logger  *slog.Logger
}

// StatusReporter reports the periodic scheduler's state on /health.
type StatusReporter interface {
	Status() schedule.Status
}

// Option configures a Server.
type Option func(*Server)

// WithHub mounts the WebSocket hub at /api/ws.
func WithHub(h *Hub) Option { return func(s *Server) { s.hub = h } }

// WithMCP mounts the streamable MCP endpoint at /mcp.
func WithMCP(srv *mcp.Server) Option { return func(s *Server) { s.mcp = srv } }

// WithOrigins sets the browser origins allowed to call the API. Default:
// loopback origins only.
func WithOrigins(p *OriginPolicy) Option { return func(s *Server) { s.origins = p } }

// WithStatus adds the scheduler status to /health.
func WithStatus(r StatusReporter) Option { return func(s *Server) { s.status = r } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Server) { s.logger = l } }

// New creates a Server.
func New(st *store.Store, coord *coordinator.Coordinator, r *relay.Relay, opts ...Option) *Server {
	s := &Server{store: st, coord: coord, relay: r, origins: NewOriginPolicy(), logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Handler returns the routed handler with CORS and the origin policy
// applied.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(apiHeaders)
	r.Use(s.origins.guard)

	r.Get("/health", s.health)

	r.Route("/api", func(r chi.Router) {
		r.Route("/rules", func(r chi.Router) {
			r.Get("/", s.listRules)
			r.Post("/", s.createRule)
			r.Get("/{id}", s.getRule)
			r.Put("/{id}", s.updateRule)
			r.Delete("/{id}", s.deleteRule)
			r.Post("/{id}/toggle", s.toggleRule)
		})
		r.Get("/logs", s.listLogs)
		r.Delete("/logs", s.clearLogs)
		r.Get("/settings", s.getSettings)
		r.Put("/settings", s.putSettings)
		r.Get("/wizard", s.getWizard)
		r.Put("/wizard", s.putWizard)
		r.Delete("/wizard", s.clearWizard)
		r.Get("/selection", s.takeSelection)
		r.Post("/relay", s.relayCall)
		if s.hub != nil {
			r.Handle("/ws", s.hub)
		}
	})

	if s.mcp != nil {
		h := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return s.mcp }, nil)
		r.Handle("/mcp", h)
	}

	c := cors.New(cors.Options{
		AllowOriginFunc: s.origins.Allow,
		AllowedMethods:  []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:  []string{"Content-Type", "Mcp-Session-Id", "Mcp-Protocol-Version", "Last-Event-ID"},
		ExposedHeaders:  []string{"Mcp-Session-Id"},
		MaxAge:          86400,
	})
	return c.Handler(r)
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{"status": "ok", "version": dispatch.Version}
	if s.status != nil {
		resp["schedule"] = s.status.Status()
	}
	if s.hub != nil {
		resp["ws_clients"] = s.hub.Clients()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) listRules(w http.ResponseWriter, r *http.Request) {
	rules, err := s.store.ListRules(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	if rules == nil {
		rules = []model.Rule{}
	}
	writeJSON(w, http.StatusOK, rules)
}

func (s *Server) createRule(w http.ResponseWriter, r *http.Request) {
	var rule model.Rule
	if err := decodeBody(r, &rule); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.coord.CreateRule(r.Context(), &rule); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

func (s *Server) getRule(w http.ResponseWriter, r *http.Request) {
	rule, err := s.store.GetRule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (s *Server) updateRule(w http.ResponseWriter, r *http.Request) {
	var rule model.Rule
	if err := decodeBody(r, &rule); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	rule.ID = chi.URLParam(r, "id")
	if err := s.coord.UpdateRule(r.Context(), &rule); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (s *Server) deleteRule(w http.ResponseWriter, r *http.Request) {
	if err := s.coord.DeleteRule(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// toggleRule sets enabled from the body, or flips it when the body is empty.
func (s *Server) toggleRule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req struct {
		Enabled *bool `json:"enabled"`
	}
	if err := decodeBody(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	rule, err := s.coord.ToggleRule(r.Context(), id, req.Enabled)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (s *Server) listLogs(w http.ResponseWriter, r *http.Request) {
	logs, err := s.store.ListLogs(r.Context(), queryInt(r, "limit", 0))
	if err != nil {
		s.fail(w, err)
		return
	}
	if logs == nil {
		logs = []model.LogEntry{}
	}
	writeJSON(w, http.StatusOK, logs)
}

func (s *Server) clearLogs(w http.ResponseWriter, r *http.Request) {
	if err := s.store.ClearLogs(r.Context()); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (s *Server) getSettings(w http.ResponseWriter, r *http.Request) {
	st, err := s.store.Settings(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) putSettings(w http.ResponseWriter, r *http.Request) {
	var o model.SettingsOverride
	if err := decodeBody(r, &o); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	st, err := s.store.SaveSettings(r.Context(), o)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) getWizard(w http.ResponseWriter, r *http.Request) {
	state, ok, err := s.store.LoadWizardState(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(state)
}

func (s *Server) putWizard(w http.ResponseWriter, r *http.Request) {
	var state json.RawMessage
	if err := decodeBody(r, &state); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.store.SaveWizardState(r.Context(), state); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "saved"})
}

func (s *Server) clearWizard(w http.ResponseWriter, r *http.Request) {
	if err := s.store.ClearWizardState(r.Context()); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

// takeSelection consumes the pending element selection.
func (s *Server) takeSelection(w http.ResponseWriter, r *http.Request) {
	sel, ok, err := s.store.TakePendingSelection(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, sel)
}

func (s *Server) relayCall(w http.ResponseWriter, r *http.Request) {
	var msg relay.Message
	if err := decodeBody(r, &msg); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, s.relay.Call(r.Context(), msg))
}

// fail maps store and validation errors to status codes.
func (s *Server) fail(w http.ResponseWriter, err error) {
	var verr *model.ValidationError
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": verr.Message, "field": verr.Field})
	default:
		s.logger.Error("api: request failed", "error", err)
		writeError(w, http.StatusInternalServerError, err)
	}
}

func decodeBody(r *http.Request, v any) error {
	return json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(v)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
