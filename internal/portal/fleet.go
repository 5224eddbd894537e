package portal

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Fleet config pushes edit the YAML file through a generic map tree:
// structure and unknown sections survive round-tripping, while all
// comments are dropped and keys are written back in sorted order.

// applyFleetConfig applies whitelisted dotted-key changes (for example
// "server.url" or "logging.level") to the config file. Returns which keys
// were applied and which were rejected by the whitelist.
func applyFleetConfig(configPath string, allowed []string, changes map[string]interface{}) (applied, rejected []string, err error) {
	doc, err := loadYAMLMap(configPath)
	if err != nil {
		return nil, nil, err
	}

	for key, value := range changes {
		if !keyAllowed(allowed, key) {
			rejected = append(rejected, key)
			continue
		}
		if err := setDotted(doc, key, value); err != nil {
			return nil, nil, fmt.Errorf("set %s: %w", key, err)
		}
		applied = append(applied, key)
	}

	if len(applied) == 0 {
		return applied, rejected, nil
	}
	return applied, rejected, saveYAMLMap(configPath, doc)
}

// persistCameraPosition updates one camera's position label in the config
// file so it survives restarts.
func persistCameraPosition(configPath, cameraID, position string) error {
	doc, err := loadYAMLMap(configPath)
	if err != nil {
		return err
	}

	cameras, ok := doc["cameras"].([]interface{})
	if !ok {
		return fmt.Errorf("no cameras section in config")
	}
	for _, entry := range cameras {
		cam, ok := entry.(map[string]interface{})
		if !ok {
			continue
		}
		if id, _ := cam["id"].(string); id == cameraID {
			cam["position"] = position
			return saveYAMLMap(configPath, doc)
		}
	}
	return fmt.Errorf("camera %s not in config file", cameraID)
}

func keyAllowed(allowed []string, key string) bool {
	for _, a := range allowed {
		if a == key {
			return true
		}
		// A whitelisted prefix like "logging" admits "logging.level".
		if strings.HasPrefix(key, a+".") {
			return true
		}
	}
	return false
}

func setDotted(doc map[string]interface{}, key string, value interface{}) error {
	parts := strings.Split(key, ".")
	node := doc
	for _, part := range parts[:len(parts)-1] {
		child, ok := node[part]
		if !ok {
			next := make(map[string]interface{})
			node[part] = next
			node = next
			continue
		}
		childMap, ok := child.(map[string]interface{})
		if !ok {
			return fmt.Errorf("%s is not a mapping", part)
		}
		node = childMap
	}
	node[parts[len(parts)-1]] = value
	return nil
}

func loadYAMLMap(path string) (map[string]interface{}, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	doc := make(map[string]interface{})
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return doc, nil
}

func saveYAMLMap(path string, doc map[string]interface{}) error {
	out, err := yaml.Marshal(doc)
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, out, 0o640); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
