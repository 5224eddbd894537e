package portal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

const fleetTestYAML = `
device:
  id: node-01
cameras:
  - id: cam1
    type: rtsp
    rtsp_url: rtsp://10.0.0.5/stream
    position: north ridge
  - id: cam2
    type: usb
server:
  url: https://inference.example.org/upload
logging:
  level: info
`

func writeTestConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(fleetTestYAML), 0o640))
	return path
}

func readTestConfig(t *testing.T, path string) map[string]interface{} {
	t.Helper()
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	doc := make(map[string]interface{})
	require.NoError(t, yaml.Unmarshal(raw, &doc))
	return doc
}

func TestApplyFleetConfigWhitelist(t *testing.T) {
	path := writeTestConfig(t)
	allowed := []string{"logging.level", "server"}

	applied, rejected, err := applyFleetConfig(path, allowed, map[string]interface{}{
		"logging.level": "debug",
		"server.url":    "https://new.example.org/upload",
		"device.id":     "evil-rename",
	})
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"logging.level", "server.url"}, applied)
	assert.Equal(t, []string{"device.id"}, rejected)

	doc := readTestConfig(t, path)
	logging := doc["logging"].(map[string]interface{})
	assert.Equal(t, "debug", logging["level"])
	server := doc["server"].(map[string]interface{})
	assert.Equal(t, "https://new.example.org/upload", server["url"])
	device := doc["device"].(map[string]interface{})
	assert.Equal(t, "node-01", device["id"])
}

func TestApplyFleetConfigNothingAllowed(t *testing.T) {
	path := writeTestConfig(t)
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	applied, rejected, err := applyFleetConfig(path, nil, map[string]interface{}{
		"logging.level": "debug",
	})
	require.NoError(t, err)
	assert.Empty(t, applied)
	assert.Equal(t, []string{"logging.level"}, rejected)

	// File untouched when nothing applied.
	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestPersistCameraPosition(t *testing.T) {
	path := writeTestConfig(t)

	require.NoError(t, persistCameraPosition(path, "cam1", "south slope"))

	doc := readTestConfig(t, path)
	cameras := doc["cameras"].([]interface{})
	cam1 := cameras[0].(map[string]interface{})
	assert.Equal(t, "south slope", cam1["position"])
	// The sibling camera is untouched.
	cam2 := cameras[1].(map[string]interface{})
	assert.Equal(t, "cam2", cam2["id"])
}

func TestPersistCameraPositionUnknownCamera(t *testing.T) {
	path := writeTestConfig(t)
	assert.Error(t, persistCameraPosition(path, "ghost", "x"))
}

func TestKeyAllowedPrefixes(t *testing.T) {
	allowed := []string{"logging", "server.url"}
	assert.True(t, keyAllowed(allowed, "logging"))
	assert.True(t, keyAllowed(allowed, "logging.level"))
	assert.True(t, keyAllowed(allowed, "server.url"))
	assert.False(t, keyAllowed(allowed, "server.auth_token"))
	assert.False(t, keyAllowed(allowed, "loggingx.level"))
}
