package portal

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sai-cam/sai-cam/config"
	"github.com/sai-cam/sai-cam/internal/logger"
	"github.com/sai-cam/sai-cam/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPortal(t *testing.T) *Server {
	t.Helper()
	tmp := t.TempDir()
	cfg := &config.Config{
		Device: config.DeviceConfig{ID: "node-01", Location: "ridge"},
		Cameras: []config.CameraSpec{
			{ID: "cam1", Type: "rtsp", RTSPURL: "rtsp://x/1", CaptureInterval: time.Second},
		},
		Storage: config.StorageConfig{
			BasePath:      filepath.Join(tmp, "storage"),
			MaxSizeGB:     1,
			RetentionDays: 7,
		},
		Updates: config.UpdatesConfig{
			StatePath: filepath.Join(tmp, "update-state.json"),
		},
		Fleet: config.FleetConfig{
			Token:             "fleettok",
			AllowedConfigKeys: []string{"logging.level"},
		},
		Portal: config.PortalConfig{Host: "127.0.0.1", Port: 0},
	}

	log := logger.NewNopLogger()
	store, err := storage.NewManager(&cfg.Storage, log)
	require.NoError(t, err)

	return &Server{
		cfg:           cfg,
		configPath:    filepath.Join(tmp, "config.yaml"),
		version:       "0.2.0",
		log:           log,
		hub:           NewHub(log),
		store:         store,
		healthSocket:  filepath.Join(tmp, "none.sock"),
		controlSocket: filepath.Join(tmp, "none-control.sock"),
		agentLogPath:  filepath.Join(tmp, "agent.log"),
	}
}

func doRequest(s *Server, method, path, token string, body string) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.router().ServeHTTP(rec, req)
	return rec
}

func TestStatusEndpointShape(t *testing.T) {
	s := newTestPortal(t)
	rec := doRequest(s, "GET", "/api/status", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var parsed struct {
		Node struct {
			ID      string `json:"id"`
			Version string `json:"version"`
		} `json:"node"`
		Features       map[string]bool        `json:"features"`
		Data           map[string]interface{} `json:"data"`
		AgentReachable bool                   `json:"agent_reachable"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &parsed))

	assert.Equal(t, "node-01", parsed.Node.ID)
	assert.Equal(t, "0.2.0", parsed.Node.Version)
	assert.True(t, parsed.Features["cameras"])
	assert.Contains(t, parsed.Data, "storage")
	assert.Contains(t, parsed.Data, "update")
	// No agent socket in this test; the portal must degrade, not fail.
	assert.False(t, parsed.AgentReachable)
}

func TestHealthEndpointAgentDown(t *testing.T) {
	s := newTestPortal(t)
	rec := doRequest(s, "GET", "/api/health", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestLogLevelValidation(t *testing.T) {
	s := newTestPortal(t)

	rec := doRequest(s, "POST", "/api/log_level", "", `{"level":"TRACE"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(s, "POST", "/api/log_level", "", `{"level":"DEBUG"}`)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(s, "GET", "/api/log_level", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestLatestImageUnknownCamera(t *testing.T) {
	s := newTestPortal(t)
	rec := doRequest(s, "GET", "/api/images/ghost/latest", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLatestImageNoImagesYet(t *testing.T) {
	s := newTestPortal(t)
	rec := doRequest(s, "GET", "/api/images/cam1/latest", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLatestImageServesNewest(t *testing.T) {
	s := newTestPortal(t)
	_, err := s.store.Store([]byte("jpegbytes"), storage.Metadata{
		CameraID:   "cam1",
		CapturedAt: time.Now().UTC(),
	})
	require.NoError(t, err)

	rec := doRequest(s, "GET", "/api/images/cam1/latest", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/jpeg", rec.Header().Get("Content-Type"))
	assert.Equal(t, "jpegbytes", rec.Body.String())
}

func TestUpdateStatusServesStateFile(t *testing.T) {
	s := newTestPortal(t)
	rec := doRequest(s, "GET", "/api/update/status", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var state map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &state))
	assert.Equal(t, "unknown", state["status"])
	assert.Equal(t, "0.0.0", state["current_version"])
}

func TestFleetRequiresToken(t *testing.T) {
	s := newTestPortal(t)

	rec := doRequest(s, "GET", "/api/fleet/ping", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(s, "GET", "/api/fleet/ping", "wrong", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(s, "GET", "/api/fleet/ping", "fleettok", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestFleetDisabledWithoutToken(t *testing.T) {
	s := newTestPortal(t)
	s.cfg.Fleet.Token = ""
	rec := doRequest(s, "GET", "/api/fleet/ping", "anything", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestConfigEndpointMasksSecrets(t *testing.T) {
	s := newTestPortal(t)
	s.cfg.Server.AuthToken = "supersecret"

	rec := doRequest(s, "GET", "/api/config", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "supersecret")
	assert.NotContains(t, rec.Body.String(), "fleettok")
}

func TestCameraControlAgentUnreachable(t *testing.T) {
	s := newTestPortal(t)
	rec := doRequest(s, "POST", "/api/cameras/cam1/capture", "", "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestLogsEndpointEmptyWhenNoFile(t *testing.T) {
	s := newTestPortal(t)
	rec := doRequest(s, "GET", "/api/logs?lines=20", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var parsed struct {
		Logs []string `json:"logs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &parsed))
	assert.Empty(t, parsed.Logs)
}
