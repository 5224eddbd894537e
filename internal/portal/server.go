package portal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sai-cam/sai-cam/config"
	"github.com/sai-cam/sai-cam/internal/health"
	"github.com/sai-cam/sai-cam/internal/logger"
	"github.com/sai-cam/sai-cam/internal/storage"
	"github.com/sai-cam/sai-cam/internal/updater"
)

// socketTimeout bounds every call into the agent's sockets so a wedged
// agent cannot hang portal requests.
const socketTimeout = 2 * time.Second

// Server is the operator-facing HTTP service. It reads the agent's health
// socket, tails its log and serves thumbnails from the storage tree; it
// never touches cameras directly.
type Server struct {
	cfg        *config.Config
	configPath string
	version    string
	log        logger.Logger

	hub     *Hub
	tailer  *Tailer
	store   *storage.Manager
	updates *updater.Controller

	healthSocket  string
	controlSocket string
	agentLogPath  string

	httpServer *http.Server
}

// NewServer wires the portal together. agentLogPath is the log file the
// agent writes and the portal tails.
func NewServer(cfg *config.Config, configPath, version, healthSocket, controlSocket, agentLogPath string, log logger.Logger) (*Server, error) {
	store, err := storage.NewManager(&cfg.Storage, log)
	if err != nil {
		return nil, fmt.Errorf("portal: open storage tree: %w", err)
	}

	s := &Server{
		cfg:           cfg,
		configPath:    configPath,
		version:       version,
		log:           log,
		hub:           NewHub(log),
		tailer:        NewTailer(agentLogPath, log),
		store:         store,
		healthSocket:  healthSocket,
		controlSocket: controlSocket,
		agentLogPath:  agentLogPath,
	}
	s.updates = updater.NewController(&cfg.Updates, healthSocket, s.selfURL(), false, log)
	return s, nil
}

func (s *Server) selfURL() string {
	return fmt.Sprintf("http://%s:%d", s.cfg.Portal.Host, s.cfg.Portal.Port)
}

// Run serves HTTP until ctx is cancelled
func (s *Server) Run(ctx context.Context) error {
	go s.tailer.Run(ctx)
	go s.hub.RunEmitters(ctx,
		s.healthPayload,
		s.statusPayload,
		s.slowPayload,
		s.tailer.Lines(),
	)

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.cfg.Portal.Host, s.cfg.Portal.Port),
		Handler: s.router(),
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("Portal listening", "addr", s.httpServer.Addr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/api/status", s.handleStatus)
	r.Get("/api/health", s.handleHealth)
	r.Get("/api/logs", s.handleLogs)
	r.Get("/api/log_level", s.handleGetLogLevel)
	r.Post("/api/log_level", s.handleSetLogLevel)
	r.Handle("/api/events", s.hub)
	r.Get("/api/config", s.handleConfig)
	r.Get("/api/images/{camera}/latest", s.handleLatestImage)

	r.Post("/api/cameras/{camera}/capture", s.cameraControl("capture"))
	r.Post("/api/cameras/{camera}/restart", s.cameraControl("restart"))
	r.Post("/api/cameras/{camera}/position", s.handleSetPosition)

	r.Post("/api/wifi_ap/enable", s.handleWifiAP(true))
	r.Post("/api/wifi_ap/disable", s.handleWifiAP(false))

	r.Get("/api/update/status", s.handleUpdateStatus)
	r.Post("/api/update/check", s.handleUpdateCheck)

	r.Route("/api/fleet", func(r chi.Router) {
		r.Use(s.fleetAuth)
		r.Get("/ping", s.handleFleetPing)
		r.Post("/config", s.handleFleetConfig)
		r.Post("/restart", s.handleFleetRestart)
	})

	return r
}

// --- event stream payloads ---

func (s *Server) healthPayload() []byte {
	raw, err := health.Query(s.healthSocket, "full", socketTimeout)
	if err != nil {
		payload, _ := json.Marshal(map[string]interface{}{"agent_reachable": false})
		return payload
	}
	return raw
}

func (s *Server) statusPayload() interface{} {
	return map[string]interface{}{
		"network": networkInfo(),
		"wifi_ap": wifiAPInfo(s.cfg),
		"update":  updater.ReadState(s.cfg.Updates.StatePath),
		"version": s.version,
	}
}

func (s *Server) slowPayload() interface{} {
	return map[string]interface{}{
		"storage": s.store.GetTotals(),
	}
}

// --- handlers ---

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var agent map[string]interface{}
	agentReachable := true
	if raw, err := health.Query(s.healthSocket, "full", socketTimeout); err == nil {
		_ = json.Unmarshal(raw, &agent)
	} else {
		agentReachable = false
	}

	data := map[string]interface{}{
		"network": networkInfo(),
		"wifi_ap": wifiAPInfo(s.cfg),
		"update":  updater.ReadState(s.cfg.Updates.StatePath),
		"storage": s.store.GetTotals(),
	}
	if agent != nil {
		data["system"] = agent["system"]
		data["cameras"] = agent["cameras"]
		data["upload_backlog"] = agent["upload_backlog"]
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"node": map[string]interface{}{
			"id":          s.cfg.Device.ID,
			"location":    s.cfg.Device.Location,
			"description": s.cfg.Device.Description,
			"version":     s.version,
		},
		"features": map[string]bool{
			"cameras": len(s.cfg.Cameras) > 0,
			"wifi_ap": wifiAPActive(),
			"storage": true,
			"updates": s.cfg.Updates.Enabled,
		},
		"data":            data,
		"agent_reachable": agentReachable,
		"timestamp":       time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	raw, err := health.Query(s.healthSocket, "full", socketTimeout)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "agent unreachable"})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(raw)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	lines := 50
	if v := r.URL.Query().Get("lines"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 2000 {
			lines = n
		}
	}

	out, err := LastLines(s.agentLogPath, lines)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"logs": []string{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"logs": out})
}

func (s *Server) handleGetLogLevel(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"level": strings.ToUpper(s.log.Level())})
}

func (s *Server) handleSetLogLevel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Level string `json:"level"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}

	switch strings.ToUpper(body.Level) {
	case "WARNING", "INFO", "DEBUG":
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "level must be WARNING, INFO or DEBUG"})
		return
	}

	// Apply to the portal's own logger and forward to the agent.
	if err := s.log.SetLevel(body.Level); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := health.Control(s.controlSocket, health.ControlRequest{
		Action: "log_level",
		Value:  body.Level,
	}, socketTimeout); err != nil {
		s.log.Warn("Could not forward log level to agent", "error", err)
	}

	writeJSON(w, http.StatusOK, map[string]string{"level": strings.ToUpper(body.Level)})
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Sanitized())
}

func (s *Server) handleLatestImage(w http.ResponseWriter, r *http.Request) {
	cameraID := chi.URLParam(r, "camera")
	if _, err := s.cfg.GetCameraByID(cameraID); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown camera"})
		return
	}

	path, err := s.store.LatestImage(cameraID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no images found"})
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-cache")
	http.ServeFile(w, r, path)
}

func (s *Server) cameraControl(action string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cameraID := chi.URLParam(r, "camera")
		if _, err := s.cfg.GetCameraByID(cameraID); err != nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown camera"})
			return
		}

		err := health.Control(s.controlSocket, health.ControlRequest{
			Action:   action,
			CameraID: cameraID,
		}, 30*time.Second)
		if err != nil {
			writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func (s *Server) handleSetPosition(w http.ResponseWriter, r *http.Request) {
	cameraID := chi.URLParam(r, "camera")
	cam, err := s.cfg.GetCameraByID(cameraID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown camera"})
		return
	}

	var body struct {
		Position string `json:"position"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}

	// Update the running agent, our view, and the config file so the label
	// survives restarts.
	if err := health.Control(s.controlSocket, health.ControlRequest{
		Action:   "position",
		CameraID: cameraID,
		Value:    body.Position,
	}, socketTimeout); err != nil {
		s.log.Warn("Could not forward position to agent", "error", err)
	}
	cam.Position = body.Position

	if err := persistCameraPosition(s.configPath, cameraID, body.Position); err != nil {
		s.log.Error("Could not persist position", "camera_id", cameraID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "position applied but not persisted"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "position": body.Position})
}

func (s *Server) handleWifiAP(enable bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := toggleWifiAP(s.cfg, enable); err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"enabled": enable})
	}
}

func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, updater.ReadState(s.cfg.Updates.StatePath))
}

func (s *Server) handleUpdateCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	state, err := s.updates.CheckOnly(ctx)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]interface{}{
			"error": err.Error(),
			"state": state,
		})
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// --- fleet endpoints ---

// fleetAuth guards every /api/fleet route with the operator bearer token.
func (s *Server) fleetAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := s.cfg.Fleet.Token
		if token == "" {
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "fleet control not configured"})
			return
		}
		auth := r.Header.Get("Authorization")
		if auth != "Bearer "+token {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid token"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleFleetPing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"node":    s.cfg.Device.ID,
		"version": s.version,
	})
}

func (s *Server) handleFleetConfig(w http.ResponseWriter, r *http.Request) {
	var changes map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&changes); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}

	applied, rejected, err := applyFleetConfig(s.configPath, s.cfg.Fleet.AllowedConfigKeys, changes)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	// Nudge the agent to reload its runtime subset.
	if err := health.Control(s.controlSocket, health.ControlRequest{Action: "reload"}, socketTimeout); err != nil {
		s.log.Warn("Could not signal agent reload", "error", err)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"applied":  applied,
		"rejected": rejected,
	})
}

func (s *Server) handleFleetRestart(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "restarting"})
	go restartServices(s.log)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
