package camera

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sai-cam/sai-cam/config"
	"github.com/sai-cam/sai-cam/internal/logger"
	goonvif "github.com/use-go/onvif"
	"github.com/use-go/onvif/device"
	"github.com/use-go/onvif/media"
	xsdonvif "github.com/use-go/onvif/xsd/onvif"
)

// onvifDriver speaks the management service of an ONVIF camera to discover
// its media profiles, then captures through the profile's snapshot URI with
// HTTP digest authentication. Only GetDeviceInformation, GetProfiles and
// GetSnapshotUri are used; the capability set is closed.
type onvifDriver struct {
	spec *config.CameraSpec
	adv  *config.AdvancedConfig
	log  logger.Logger

	dev         *goonvif.Device
	snapshotURI string
	detail      map[string]string
	httpClient  *http.Client
	connected   bool
}

func newONVIFDriver(spec *config.CameraSpec, adv *config.AdvancedConfig, log logger.Logger) *onvifDriver {
	return &onvifDriver{
		spec: spec,
		adv:  adv,
		log:  log,
		httpClient: &http.Client{
			Timeout: spec.Timeout,
		},
	}
}

// Setup connects to the device service, picks the first media profile and
// resolves its snapshot URI.
func (d *onvifDriver) Setup(ctx context.Context) error {
	xaddr := fmt.Sprintf("%s:%d", d.spec.Address, d.spec.Port)
	d.log.Info("Initializing ONVIF camera", "camera_id", d.spec.ID, "address", xaddr)

	dev, err := goonvif.NewDevice(goonvif.DeviceParams{
		Xaddr:    xaddr,
		Username: d.spec.Username,
		Password: d.spec.Password,
	})
	if err != nil {
		d.connected = false
		return Transient("unreachable", err)
	}
	d.dev = dev

	// Device identity is informational only; failure here is not fatal.
	if info, err := d.fetchDeviceInformation(); err == nil {
		d.detail = info
		d.log.Info("Connected to ONVIF device",
			"camera_id", d.spec.ID,
			"manufacturer", info["manufacturer"],
			"model", info["model"])
	} else {
		d.log.Warn("Could not read ONVIF device information",
			"camera_id", d.spec.ID, "error", err)
	}

	token, err := d.fetchFirstProfileToken()
	if err != nil {
		d.connected = false
		return err
	}

	uri, err := d.fetchSnapshotURI(token)
	if err != nil {
		d.connected = false
		return err
	}
	d.snapshotURI = uri
	d.connected = true

	d.log.Info("ONVIF snapshot URI obtained", "camera_id", d.spec.ID, "profile", token)
	return nil
}

func (d *onvifDriver) fetchDeviceInformation() (map[string]string, error) {
	resp, err := d.dev.CallMethod(device.GetDeviceInformation{})
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Manufacturer    string `xml:"Body>GetDeviceInformationResponse>Manufacturer"`
		Model           string `xml:"Body>GetDeviceInformationResponse>Model"`
		FirmwareVersion string `xml:"Body>GetDeviceInformationResponse>FirmwareVersion"`
		SerialNumber    string `xml:"Body>GetDeviceInformationResponse>SerialNumber"`
	}
	if err := decodeSOAP(resp, &parsed); err != nil {
		return nil, err
	}
	return map[string]string{
		"manufacturer": parsed.Manufacturer,
		"model":        parsed.Model,
		"firmware":     parsed.FirmwareVersion,
		"serial":       parsed.SerialNumber,
	}, nil
}

func (d *onvifDriver) fetchFirstProfileToken() (string, error) {
	resp, err := d.dev.CallMethod(media.GetProfiles{})
	if err != nil {
		return "", Transient("unreachable", err)
	}

	var parsed struct {
		Profiles []struct {
			Token string `xml:"token,attr"`
			Name  string `xml:"Name"`
		} `xml:"Body>GetProfilesResponse>Profiles"`
	}
	if err := decodeSOAP(resp, &parsed); err != nil {
		if resp.StatusCode == http.StatusUnauthorized {
			return "", Permanent("auth", err)
		}
		return "", Transient("http-error", err)
	}
	if len(parsed.Profiles) == 0 {
		return "", Permanent("no-profile", fmt.Errorf("device reported no media profiles"))
	}

	d.log.Debug("Using ONVIF profile",
		"camera_id", d.spec.ID,
		"profile", parsed.Profiles[0].Name)
	return parsed.Profiles[0].Token, nil
}

func (d *onvifDriver) fetchSnapshotURI(token string) (string, error) {
	resp, err := d.dev.CallMethod(media.GetSnapshotUri{
		ProfileToken: xsdonvif.ReferenceToken(token),
	})
	if err != nil {
		return "", Transient("unreachable", err)
	}

	var parsed struct {
		URI string `xml:"Body>GetSnapshotUriResponse>MediaUri>Uri"`
	}
	if err := decodeSOAP(resp, &parsed); err != nil {
		return "", Transient("http-error", err)
	}
	if parsed.URI == "" {
		return "", Permanent("no-profile", fmt.Errorf("empty snapshot URI for profile %s", token))
	}
	return parsed.URI, nil
}

// Capture downloads one snapshot over HTTP with digest authentication
func (d *onvifDriver) Capture(ctx context.Context) (*Frame, error) {
	if !d.connected || d.snapshotURI == "" {
		return nil, Transient("unreachable", fmt.Errorf("camera not set up"))
	}

	capturedAt := time.Now().UTC()
	resp, err := getWithDigest(d.httpClient, d.snapshotURI, d.spec.Username, d.spec.Password)
	if err != nil {
		return nil, Transient("unreachable", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, Permanent("auth", fmt.Errorf("snapshot returned 401"))
	default:
		return nil, Transient("http-error", fmt.Errorf("snapshot returned %d", resp.StatusCode))
	}

	jpeg, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, Transient("http-error", err)
	}
	if len(jpeg) == 0 {
		return nil, Transient("http-error", fmt.Errorf("empty snapshot body"))
	}

	return &Frame{JPEG: jpeg, CapturedAt: capturedAt}, nil
}

// Reconnect re-runs profile discovery with the configured attempts and delay
func (d *onvifDriver) Reconnect(ctx context.Context) error {
	d.Cleanup()

	var lastErr error
	for attempt := 1; attempt <= d.spec.RetryCount; attempt++ {
		d.log.Warn("Attempting ONVIF reconnection",
			"camera_id", d.spec.ID, "attempt", attempt)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d.spec.RetryDelay * time.Duration(attempt)):
		}

		if err := d.Setup(ctx); err != nil {
			lastErr = err
			if IsPermanent(err) {
				return err
			}
			continue
		}
		return nil
	}
	return fmt.Errorf("onvif reconnect failed after %d attempts: %w", d.spec.RetryCount, lastErr)
}

// Cleanup drops the device session and snapshot URI
func (d *onvifDriver) Cleanup() {
	d.dev = nil
	d.snapshotURI = ""
	d.connected = false
}

// Describe reports identity, connection state and device info when known
func (d *onvifDriver) Describe() Info {
	return Info{
		ID:        d.spec.ID,
		Type:      "onvif",
		Source:    fmt.Sprintf("%s:%d", d.spec.Address, d.spec.Port),
		Connected: d.connected,
		Detail:    d.detail,
	}
}

// decodeSOAP drains an ONVIF SOAP response into out. Field paths match by
// local element name, which tolerates the namespace prefixes that vary
// between vendors.
func decodeSOAP(resp *http.Response, out interface{}) error {
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("soap call returned %d", resp.StatusCode)
	}
	return xml.Unmarshal(body, out)
}
