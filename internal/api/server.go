// Package api serves the diagnostics HTTP API: registered graphs, player lifecycle,
// override validation and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bryanchriswhite/PipeScope/internal/camera"
	"github.com/bryanchriswhite/PipeScope/internal/diagnostics"
	"github.com/bryanchriswhite/PipeScope/internal/logger"
	"github.com/bryanchriswhite/PipeScope/internal/media"
	"github.com/bryanchriswhite/PipeScope/internal/override"
	"github.com/bryanchriswhite/PipeScope/internal/pipeline"
	"github.com/bryanchriswhite/PipeScope/internal/player"
	"github.com/bryanchriswhite/PipeScope/internal/registry"
)

// Version is reported by the health endpoint
const Version = "0.1.0"

// Server represents the HTTP API server
type Server struct {
	router     *mux.Router
	reg        *registry.Registry
	builder    *pipeline.Builder
	playerOpts player.Options
	gatherer   prometheus.Gatherer
	upgrader   websocket.Upgrader

	mu      sync.RWMutex
	players map[string]*player.Player
	cameras map[string]camera.Camera
}

// Options configures a Server
type Options struct {
	// Player is the template for players created through the API. Its Engine, Registry
	// and Resolver also serve graph inspection and override validation.
	Player player.Options

	// Gatherer backs /metrics; nil means prometheus.DefaultGatherer
	Gatherer prometheus.Gatherer
}

// NewServer creates a new API server
func NewServer(opts Options) *Server {
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		router: mux.NewRouter(),
		reg:    opts.Player.Registry,
		builder: pipeline.NewBuilder(opts.Player.Engine, opts.Player.Resolver,
			pipeline.WithTracer(opts.Player.Tracer),
		),
		playerOpts: opts.Player,
		gatherer:   opts.Gatherer,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for development
			},
		},
		players: make(map[string]*player.Player),
		cameras: make(map[string]camera.Camera),
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures the API routes
func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/health", s.handleHealth).Methods("GET")

	// Players
	api.HandleFunc("/players", s.handleListPlayers).Methods("GET")
	api.HandleFunc("/players", s.handleCreatePlayer).Methods("POST")
	api.HandleFunc("/players/{id}", s.handleDeletePlayer).Methods("DELETE")
	api.HandleFunc("/players/{id}/events", s.handlePlayerEvents)

	// Graphs; any registered ID works, including cameras
	api.HandleFunc("/graphs", s.handleListGraphs).Methods("GET")
	api.HandleFunc("/players/{id}/graph", s.handleGetGraph).Methods("GET")
	api.HandleFunc("/players/{id}/graph.dot", s.handleGetGraphDOT).Methods("GET")
	api.HandleFunc("/players/{id}/elements/{name}", s.handleGetElement).Methods("GET")

	// Cameras
	api.HandleFunc("/cameras", s.handleListCameras).Methods("GET")
	api.HandleFunc("/cameras/{id}/active", s.handleSetCameraActive).Methods("PUT")

	// Overrides
	api.HandleFunc("/overrides", s.handleGetOverrides).Methods("GET")
	api.HandleFunc("/overrides/validate", s.handleValidateOverride).Methods("POST")

	s.router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods("GET")
}

// Handler returns the router wrapped with CORS headers
func (s *Server) Handler() http.Handler {
	return s.enableCORS(s.router)
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.WithComponent("api").Info().Str("addr", addr).Msg("Starting server")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		logger.WithComponent("api").Info().Msg("Shutting down server")
		return srv.Shutdown(shutdownCtx)
	}
}

// AddPlayer exposes an existing player through the API
func (s *Server) AddPlayer(p *player.Player) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.players[p.ID()] = p
}

// AddCamera exposes a camera through the API
func (s *Server) AddCamera(c camera.Camera) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cameras[c.ID()] = c
}

// Close closes every player the server knows about, and every camera that can be closed
func (s *Server) Close() error {
	s.mu.Lock()
	players := s.players
	cameras := s.cameras
	s.players = make(map[string]*player.Player)
	s.cameras = make(map[string]camera.Camera)
	s.mu.Unlock()

	var errs []error
	for _, p := range players {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, c := range cameras {
		if closer, ok := c.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// enableCORS adds CORS headers
func (s *Server) enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.WithComponent("api").Debug().Err(err).Msg("Failed to write response")
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) player(id string) (*player.Player, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.players[id]
	return p, ok
}

// HTTP Handlers

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"version": Version,
		"graphs":  s.reg.Len(),
	})
}

// PlayerView is the JSON form of a player
type PlayerView struct {
	ID         string               `json:"id"`
	Source     string               `json:"source,omitempty"`
	Status     player.MediaStatus   `json:"status"`
	State      player.PlaybackState `json:"state"`
	Error      player.ErrorCode     `json:"error"`
	Message    string               `json:"message,omitempty"`
	Registered bool                 `json:"registered"`
}

func (s *Server) view(p *player.Player) PlayerView {
	code, msg := p.Error()
	_, registered := s.reg.Lookup(p.ID())
	return PlayerView{
		ID:         p.ID(),
		Source:     p.Source(),
		Status:     p.MediaStatus(),
		State:      p.PlaybackState(),
		Error:      code,
		Message:    msg,
		Registered: registered,
	}
}

func (s *Server) handleListPlayers(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	players := make([]*player.Player, 0, len(s.players))
	for _, p := range s.players {
		players = append(players, p)
	}
	s.mu.RUnlock()

	sort.Slice(players, func(i, j int) bool { return players[i].ID() < players[j].ID() })
	views := make([]PlayerView, 0, len(players))
	for _, p := range players {
		views = append(views, s.view(p))
	}
	writeJSON(w, http.StatusOK, views)
}

// CreatePlayerRequest is the body of POST /api/players
type CreatePlayerRequest struct {
	Source    string           `json:"source"`
	VideoSink *media.VideoSink `json:"video_sink,omitempty"`
}

// handleCreatePlayer builds a player. A graph that cannot be built still yields a player,
// reported with status invalid_media and a construction error.
func (s *Server) handleCreatePlayer(w http.ResponseWriter, r *http.Request) {
	var req CreatePlayerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	p, err := player.New(s.playerOpts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	sink := media.DefaultVideoSink()
	if req.VideoSink != nil {
		sink = *req.VideoSink
	}
	err = p.SetVideoSink(r.Context(), sink)
	if err == nil && req.Source != "" {
		err = p.SetSource(r.Context(), req.Source)
	}
	if err != nil && !pipeline.IsConstructionError(err) {
		_ = p.Close()
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	s.AddPlayer(p)
	logger.WithComponent("api").Info().Str("player", p.ID()).Str("source", req.Source).Msg("Player created")
	writeJSON(w, http.StatusCreated, s.view(p))
}

func (s *Server) handleDeletePlayer(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	s.mu.Lock()
	p, ok := s.players[id]
	delete(s.players, id)
	s.mu.Unlock()

	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("no player %s", id))
		return
	}
	if err := p.Close(); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListGraphs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.reg.Players())
}

func (s *Server) handleGetGraph(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	g, ok := s.reg.Lookup(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("no pipeline registered for %s", id))
		return
	}
	writeJSON(w, http.StatusOK, diagnostics.Snapshot(g))
}

func (s *Server) handleGetGraphDOT(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	g, ok := s.reg.Lookup(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("no pipeline registered for %s", id))
		return
	}
	w.Header().Set("Content-Type", "text/vnd.graphviz")
	if err := diagnostics.WriteDOT(w, diagnostics.Snapshot(g)); err != nil {
		logger.WithComponent("api").Debug().Err(err).Msg("Failed to write DOT")
	}
}

func (s *Server) handleGetElement(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	g, ok := s.reg.Lookup(vars["id"])
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("no pipeline registered for %s", vars["id"]))
		return
	}
	el, ok := g.FindByName(vars["name"])
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("no element %s in %s", vars["name"], g.Name()))
		return
	}
	writeJSON(w, http.StatusOK, diagnostics.Describe(el))
}

// CameraView is the JSON form of a camera
type CameraView struct {
	ID     string        `json:"id"`
	Device camera.Device `json:"device"`
	Status camera.Status `json:"status"`
	Active bool          `json:"active"`
}

func (s *Server) handleListCameras(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	views := make([]CameraView, 0, len(s.cameras))
	for _, c := range s.cameras {
		views = append(views, CameraView{ID: c.ID(), Device: c.Device(), Status: c.Status(), Active: c.IsActive()})
	}
	s.mu.RUnlock()

	sort.Slice(views, func(i, j int) bool { return views[i].ID < views[j].ID })
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleSetCameraActive(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	s.mu.RLock()
	c, ok := s.cameras[id]
	s.mu.RUnlock()
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("no camera %s", id))
		return
	}

	var req struct {
		Active bool `json:"active"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := c.SetActive(r.Context(), req.Active); err != nil {
		status := http.StatusInternalServerError
		switch {
		case pipeline.IsConstructionError(err):
			status = http.StatusUnprocessableEntity
		case errors.Is(err, camera.ErrAccessDenied):
			status = http.StatusForbidden
		case errors.Is(err, camera.ErrUnavailable), errors.Is(err, camera.ErrNoDevice):
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, CameraView{ID: c.ID(), Device: c.Device(), Status: c.Status(), Active: c.IsActive()})
}

// OverrideView reports how a stage resolves
type OverrideView struct {
	Stage      override.Stage `json:"stage"`
	Chain      string         `json:"chain,omitempty"`
	Overridden bool           `json:"overridden"`
	Raw        string         `json:"raw,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// ResolveAll resolves every stage of resolver without building anything
func ResolveAll(resolver *override.Resolver) []OverrideView {
	stages := resolver.Stages()
	views := make([]OverrideView, 0, len(stages))
	for _, stage := range stages {
		res, err := resolver.Resolve(stage)
		if err != nil {
			views = append(views, OverrideView{Stage: stage, Overridden: true, Error: err.Error()})
			continue
		}
		views = append(views, OverrideView{
			Stage:      stage,
			Chain:      res.Chain.String(),
			Overridden: res.Overridden,
			Raw:        res.Raw,
		})
	}
	return views
}

func (s *Server) handleGetOverrides(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ResolveAll(s.builder.Resolver()))
}

// ValidateResponse is returned for a description that parses and instantiates
type ValidateResponse struct {
	Chain    string   `json:"chain"`
	Elements []string `json:"elements"`
}

// handleValidateOverride answers 400 for a description that does not parse and 422 for
// one the engine cannot instantiate: an unknown element, a rejected property or a refused link
func (s *Server) handleValidateOverride(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Description string `json:"description"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	chain, err := override.ParseChain(req.Description)
	if err != nil {
		var pe *override.ParseError
		if errors.As(err, &pe) {
			writeJSON(w, http.StatusBadRequest, map[string]interface{}{
				"error":  err.Error(),
				"offset": pe.Offset,
			})
			return
		}
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.builder.Check(chain); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}

	factories := make([]string, 0, len(chain))
	for _, d := range chain {
		factories = append(factories, d.Factory)
	}
	writeJSON(w, http.StatusOK, ValidateResponse{Chain: chain.String(), Elements: factories})
}
