// Package gateway exposes the workspace's admin and observability surface
// over HTTP and a websocket event stream: folder management, the plugin
// registry's discovered/loaded backends, and a live feed of turn Notices
// (spec §2's component table lists this as the operator-facing surface
// alongside the chat transports; none of it is itself a chat transport).
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dohr-michael/ozzie-gateway/internal/gateway/ws"
	"github.com/dohr-michael/ozzie-gateway/internal/ids"
	"github.com/dohr-michael/ozzie-gateway/internal/pluginregistry"
	"github.com/dohr-michael/ozzie-gateway/internal/workspace"
)

// Server is the ozzie-gateway admin/observability HTTP server.
type Server struct {
	httpServer *http.Server
	hub        *ws.Hub
	bus        *Bus
	ws         *workspace.Workspace
	registry   *pluginregistry.Registry
}

// NewServer builds a Server bound to ws and registry, listening on
// host:port once Start is called.
func NewServer(wspace *workspace.Workspace, registry *pluginregistry.Registry, bus *Bus, host string, port int) *Server {
	hub := ws.NewHub[Notice](bus)

	s := &Server{
		hub:      hub,
		bus:      bus,
		ws:       wspace,
		registry: registry,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Get("/api/health", s.handleHealth)
	r.Get("/api/ws", hub.ServeWS)
	r.Get("/api/events", s.handleEvents)

	r.Get("/api/folders", s.handleListFolders)
	r.Post("/api/folders", s.handleAddFolder)
	r.Delete("/api/folders/{name}", s.handleRemoveFolder)

	r.Get("/api/plugins", s.handleListPlugins)

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", host, port),
		Handler: r,
	}
	return s
}

// Start begins listening. It blocks until the server is stopped.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	slog.Info("gateway listening", "addr", ln.Addr().String())
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		fmt.Sscanf(v, "%d", &limit)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.bus.History(limit))
}

func (s *Server) handleListFolders(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.ws.Config().Folders)
}

func (s *Server) handleAddFolder(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name         string `json:"name"`
		Path         string `json:"path"`
		PendingTopic bool   `json:"pending_topic"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if body.Name == "" || body.Path == "" {
		http.Error(w, "name and path are required", http.StatusBadRequest)
		return
	}
	if err := s.ws.AddFolder(body.Name, body.Path, body.PendingTopic); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleRemoveFolder(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.ws.RemoveFolder(name); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type pluginsSnapshot struct {
	Engines       []string `json:"engines_discovered"`
	EnginesLoaded []string `json:"engines_loaded"`
	Transports    []string `json:"transports_discovered"`
	Commands      []string `json:"commands_discovered"`
}

func (s *Server) handleListPlugins(w http.ResponseWriter, r *http.Request) {
	snap := pluginsSnapshot{
		Engines:       s.registry.EntryNames(ids.KindEngine),
		EnginesLoaded: s.registry.EngineNames(),
		Transports:    s.registry.EntryNames(ids.KindTransport),
		Commands:      s.registry.EntryNames(ids.KindCommand),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snap)
}
