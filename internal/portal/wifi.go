package portal

import (
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/sai-cam/sai-cam/config"
	"github.com/sai-cam/sai-cam/internal/logger"
)

// The access point itself is provisioned by the install scripts
// (NetworkManager connection "sai-cam-ap"); the portal only toggles and
// inspects it.

const apConnectionName = "sai-cam-ap"

// wifiAPActive reports whether wlan0 is currently in AP mode
func wifiAPActive() bool {
	out, err := exec.Command("iw", "dev", "wlan0", "info").Output()
	if err != nil {
		return false
	}
	return strings.Contains(string(out), "type AP")
}

// wifiAPInfo describes the AP when active: SSID, connected clients,
// channel.
func wifiAPInfo(cfg *config.Config) map[string]interface{} {
	if !wifiAPActive() {
		return nil
	}

	ssid := strings.ReplaceAll(cfg.WifiAP.SSIDTemplate, "{id}", cfg.Device.ID)
	if ssid == "" {
		ssid = "SAI-Node-" + cfg.Device.ID
	}

	clients := 0
	if out, err := exec.Command("iw", "dev", "wlan0", "station", "dump").Output(); err == nil {
		clients = strings.Count(string(out), "Station ")
	}

	channel := "N/A"
	if out, err := exec.Command("iw", "dev", "wlan0", "info").Output(); err == nil {
		for _, line := range strings.Split(string(out), "\n") {
			if strings.Contains(line, "channel") {
				fields := strings.Fields(strings.TrimSpace(line))
				if len(fields) >= 2 {
					channel = fields[1]
				}
				break
			}
		}
	}

	return map[string]interface{}{
		"ssid":              ssid,
		"connected_clients": clients,
		"channel":           channel,
		"interface":         "wlan0",
	}
}

// toggleWifiAP brings the provisioned AP connection up or down
func toggleWifiAP(cfg *config.Config, enable bool) error {
	action := "down"
	if enable {
		action = "up"
	}
	out, err := exec.Command("nmcli", "connection", action, apConnectionName).CombinedOutput()
	if err != nil {
		return fmt.Errorf("nmcli %s %s: %v: %s", action, apConnectionName, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// restartServices restarts both units after a short delay so the HTTP
// response gets out first. Used by the fleet restart endpoint.
func restartServices(log logger.Logger) {
	time.Sleep(2 * time.Second)
	for _, unit := range []string{"sai-cam-agent", "sai-cam-portal"} {
		if err := exec.Command("systemctl", "restart", unit).Run(); err != nil {
			log.Error("Service restart failed", "unit", unit, "error", err)
		}
	}
}
