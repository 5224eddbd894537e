package config

import (
	"bytes"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config represents the main configuration structure
type Config struct {
	Cameras    []CameraSpec     `json:"cameras" mapstructure:"cameras"`
	Storage    StorageConfig    `json:"storage" mapstructure:"storage"`
	Server     ServerConfig     `json:"server" mapstructure:"server"`
	Device     DeviceConfig     `json:"device" mapstructure:"device"`
	Monitoring MonitoringConfig `json:"monitoring" mapstructure:"monitoring"`
	Logging    LoggingConfig    `json:"logging" mapstructure:"logging"`
	Advanced   AdvancedConfig   `json:"advanced" mapstructure:"advanced"`
	Updates    UpdatesConfig    `json:"updates" mapstructure:"updates"`
	Portal     PortalConfig     `json:"portal" mapstructure:"portal"`
	Fleet      FleetConfig      `json:"fleet" mapstructure:"fleet"`
	WifiAP     WifiAPConfig     `json:"wifi_ap" mapstructure:"wifi_ap"`
	// Network is consumed by the install scripts; carried verbatim so a
	// fleet config push does not lose it.
	Network map[string]interface{} `json:"network" mapstructure:"network"`
}

// CameraSpec describes one configured camera. Immutable per run; changing a
// camera definition requires a full restart of that camera.
type CameraSpec struct {
	ID              string        `json:"id" mapstructure:"id"`
	Type            string        `json:"type" mapstructure:"type"` // usb, rtsp, onvif
	Source          string        `json:"source" mapstructure:"source"`
	RTSPURL         string        `json:"rtsp_url" mapstructure:"rtsp_url"`
	Address         string        `json:"address" mapstructure:"address"`
	Port            int           `json:"port" mapstructure:"port"`
	Username        string        `json:"username" mapstructure:"username"`
	Password        string        `json:"password" mapstructure:"password"`
	Resolution      []int         `json:"resolution" mapstructure:"resolution"`
	FPS             int           `json:"fps" mapstructure:"fps"`
	CaptureInterval time.Duration `json:"capture_interval" mapstructure:"capture_interval"`
	Position        string        `json:"position" mapstructure:"position"`
	Timeout         time.Duration `json:"timeout" mapstructure:"timeout"`
	RetryCount      int           `json:"retry_count" mapstructure:"retry_count"`
	RetryDelay      time.Duration `json:"retry_delay" mapstructure:"retry_delay"`
}

// StorageConfig represents local image storage configuration
type StorageConfig struct {
	BasePath           string  `json:"base_path" mapstructure:"base_path"`
	MaxSizeGB          float64 `json:"max_size_gb" mapstructure:"max_size_gb"`
	CleanupThresholdGB float64 `json:"cleanup_threshold_gb" mapstructure:"cleanup_threshold_gb"`
	RetentionDays      int     `json:"retention_days" mapstructure:"retention_days"`
}

// ServerConfig represents the central upload server configuration
type ServerConfig struct {
	URL       string        `json:"url" mapstructure:"url"`
	SSLVerify bool          `json:"ssl_verify" mapstructure:"ssl_verify"`
	CertPath  string        `json:"cert_path" mapstructure:"cert_path"`
	Timeout   time.Duration `json:"timeout" mapstructure:"timeout"`
	AuthToken string        `json:"auth_token" mapstructure:"auth_token"`
}

// DeviceConfig carries advisory labels for this node
type DeviceConfig struct {
	ID          string `json:"id" mapstructure:"id"`
	Location    string `json:"location" mapstructure:"location"`
	Description string `json:"description" mapstructure:"description"`
}

// MonitoringConfig represents health monitoring configuration
type MonitoringConfig struct {
	HealthCheckInterval time.Duration `json:"health_check_interval" mapstructure:"health_check_interval"`
	MaxCPUPercent       float64       `json:"max_cpu_percent" mapstructure:"max_cpu_percent"`
	MaxMemoryPercent    float64       `json:"max_memory_percent" mapstructure:"max_memory_percent"`
	MaxDiskPercent      float64       `json:"max_disk_percent" mapstructure:"max_disk_percent"`
	MaxTemperature      float64       `json:"max_temperature" mapstructure:"max_temperature"`
}

// LoggingConfig represents logger configuration
type LoggingConfig struct {
	Level         string `json:"level" mapstructure:"level"`
	LogDir        string `json:"log_dir" mapstructure:"log_dir"`
	LogFile       string `json:"log_file" mapstructure:"log_file"`
	ConsoleOutput bool   `json:"console_output" mapstructure:"console_output"`
	MaxSize       int    `json:"max_size" mapstructure:"max_size"` // MB before rotation
	MaxBackups    int    `json:"max_backups" mapstructure:"max_backups"`
	MaxAge        int    `json:"max_age" mapstructure:"max_age"` // days
	Compress      bool   `json:"compress" mapstructure:"compress"`
}

// AdvancedConfig holds backend tuning knobs
type AdvancedConfig struct {
	PollingInterval   time.Duration `json:"polling_interval" mapstructure:"polling_interval"`
	ReconnectAttempts int           `json:"reconnect_attempts" mapstructure:"reconnect_attempts"`
	ReconnectDelay    time.Duration `json:"reconnect_delay" mapstructure:"reconnect_delay"`
	CameraInitWait    time.Duration `json:"camera_init_wait" mapstructure:"camera_init_wait"`
	WarmupFrames      int           `json:"warmup_frames" mapstructure:"warmup_frames"`
	MaxWorkerRestarts int           `json:"max_worker_restarts" mapstructure:"max_worker_restarts"`
	FFmpegPath        string        `json:"ffmpeg_path" mapstructure:"ffmpeg_path"`
	HWAccel           string        `json:"hwaccel" mapstructure:"hwaccel"`
	UploadMaxAttempts int           `json:"upload_max_attempts" mapstructure:"upload_max_attempts"`
	UploadQueueSize   int           `json:"upload_queue_size" mapstructure:"upload_queue_size"`
}

// UpdatesConfig controls the self-update controller
type UpdatesConfig struct {
	Enabled          bool   `json:"enabled" mapstructure:"enabled"`
	Channel          string `json:"channel" mapstructure:"channel"` // stable, beta
	ApplyImmediately bool   `json:"apply_immediately" mapstructure:"apply_immediately"`
	ReleaseIndexURL  string `json:"release_index_url" mapstructure:"release_index_url"`
	InstallRoot      string `json:"install_root" mapstructure:"install_root"`
	StatePath        string `json:"state_path" mapstructure:"state_path"`
	InstallerPath    string `json:"installer_path" mapstructure:"installer_path"`
}

// PortalConfig holds the local HTTP service bind parameters
type PortalConfig struct {
	Host string `json:"host" mapstructure:"host"`
	Port int    `json:"port" mapstructure:"port"`
}

// FleetConfig guards the remote-control endpoints
type FleetConfig struct {
	Token             string   `json:"token" mapstructure:"token"`
	AllowedConfigKeys []string `json:"allowed_config_keys" mapstructure:"allowed_config_keys"`
}

// WifiAPConfig describes the fallback access point
type WifiAPConfig struct {
	SSIDTemplate string `json:"ssid_template" mapstructure:"ssid_template"`
	Password     string `json:"password" mapstructure:"password"`
	CountryCode  string `json:"country_code" mapstructure:"country_code"`
}

// DefaultEnvFile is loaded before expansion so ${VAR} substitution can see
// credentials kept out of the config file.
const DefaultEnvFile = "/etc/sai-cam/sai-cam.env"

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// ExpandEnv substitutes ${NAME} and ${NAME:-default} references in raw
// config bytes. Unset variables without a default are left untouched, so
// the literal ${NAME} text ends up in the loaded value; Validate does not
// check for such leftovers.
func ExpandEnv(raw []byte) []byte {
	return envPattern.ReplaceAllFunc(raw, func(m []byte) []byte {
		groups := envPattern.FindSubmatch(m)
		name := string(groups[1])
		if v, ok := os.LookupEnv(name); ok {
			return []byte(v)
		}
		if len(groups[2]) > 0 {
			return groups[3]
		}
		return m
	})
}

// Load reads, expands and validates the configuration file
func Load(path string) (*Config, error) {
	// Best effort: the env file is optional
	_ = godotenv.Load(DefaultEnvFile)

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(ExpandEnv(raw))
}

// Parse decodes already-expanded YAML bytes into a validated Config
func Parse(raw []byte) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)

	if err := v.ReadConfig(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate validates the configuration, filling defaults where a zero value
// has an unambiguous meaning and rejecting everything that would make the
// agent misbehave at runtime.
func (c *Config) Validate() error {
	if c.Device.ID == "" {
		return fmt.Errorf("device.id is required")
	}

	if len(c.Cameras) == 0 {
		return fmt.Errorf("at least one camera must be configured")
	}

	seen := make(map[string]bool, len(c.Cameras))
	for i := range c.Cameras {
		cam := &c.Cameras[i]
		if cam.ID == "" {
			return fmt.Errorf("cameras[%d]: id is required", i)
		}
		if seen[cam.ID] {
			return fmt.Errorf("cameras[%d]: duplicate camera id %q", i, cam.ID)
		}
		seen[cam.ID] = true

		switch cam.Type {
		case "usb":
			if cam.Source == "" {
				cam.Source = "/dev/video0"
			}
		case "rtsp":
			if cam.RTSPURL == "" {
				return fmt.Errorf("camera %s: rtsp_url is required for rtsp cameras", cam.ID)
			}
		case "onvif":
			if cam.Address == "" {
				return fmt.Errorf("camera %s: address is required for onvif cameras", cam.ID)
			}
			if cam.Port == 0 {
				cam.Port = 80
			}
			if cam.Username == "" {
				cam.Username = "admin"
			}
		default:
			return fmt.Errorf("camera %s: unknown type %q", cam.ID, cam.Type)
		}

		if cam.CaptureInterval <= 0 {
			return fmt.Errorf("camera %s: capture_interval must be positive", cam.ID)
		}
		if cam.Timeout <= 0 {
			cam.Timeout = 30 * time.Second
		}
		if cam.RetryCount <= 0 {
			cam.RetryCount = c.Advanced.ReconnectAttempts
		}
		if cam.RetryDelay <= 0 {
			cam.RetryDelay = c.Advanced.ReconnectDelay
		}
		if len(cam.Resolution) != 0 && len(cam.Resolution) != 2 {
			return fmt.Errorf("camera %s: resolution must be [width, height]", cam.ID)
		}
	}

	if c.Storage.BasePath == "" {
		return fmt.Errorf("storage.base_path is required")
	}
	if c.Storage.MaxSizeGB <= 0 {
		return fmt.Errorf("storage.max_size_gb must be positive")
	}
	if c.Storage.CleanupThresholdGB <= 0 || c.Storage.CleanupThresholdGB > c.Storage.MaxSizeGB {
		c.Storage.CleanupThresholdGB = c.Storage.MaxSizeGB * 0.8
	}
	if c.Storage.RetentionDays <= 0 {
		c.Storage.RetentionDays = 7
	}

	if c.Server.URL == "" {
		return fmt.Errorf("server.url is required")
	}
	if c.Server.Timeout <= 0 {
		c.Server.Timeout = 30 * time.Second
	}

	if c.Updates.Enabled {
		switch c.Updates.Channel {
		case "stable", "beta":
		default:
			return fmt.Errorf("updates.channel must be stable or beta, got %q", c.Updates.Channel)
		}
		// Deferred apply is not supported; reject rather than silently
		// behaving like apply_immediately=true.
		if !c.Updates.ApplyImmediately {
			return fmt.Errorf("updates.apply_immediately=false is not supported")
		}
	}

	return nil
}

// GetCameraByID returns camera configuration by ID
func (c *Config) GetCameraByID(id string) (*CameraSpec, error) {
	for i := range c.Cameras {
		if c.Cameras[i].ID == id {
			return &c.Cameras[i], nil
		}
	}
	return nil, fmt.Errorf("camera not found: %s", id)
}

// ApplyReloadable copies the hot-reloadable subset from a freshly loaded
// config. Camera definitions, storage layout, device identity and the
// portal bind address deliberately stay untouched; those need a restart.
func (c *Config) ApplyReloadable(fresh *Config) {
	c.Logging.Level = fresh.Logging.Level
	c.Monitoring = fresh.Monitoring
	c.Server = fresh.Server
	c.Advanced = fresh.Advanced
}

// Sanitized returns a copy with credentials masked, for the portal's
// config endpoint.
func (c *Config) Sanitized() Config {
	out := *c
	out.Cameras = make([]CameraSpec, len(c.Cameras))
	copy(out.Cameras, c.Cameras)
	for i := range out.Cameras {
		if out.Cameras[i].Password != "" {
			out.Cameras[i].Password = "***"
		}
	}
	if out.Server.AuthToken != "" {
		out.Server.AuthToken = "***"
	}
	if out.Fleet.Token != "" {
		out.Fleet.Token = "***"
	}
	if out.WifiAP.Password != "" {
		out.WifiAP.Password = "***"
	}
	return out
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("storage.retention_days", 7)

	v.SetDefault("server.ssl_verify", true)
	v.SetDefault("server.timeout", "30s")

	v.SetDefault("monitoring.health_check_interval", "300s")
	v.SetDefault("monitoring.max_cpu_percent", 90)
	v.SetDefault("monitoring.max_memory_percent", 90)
	v.SetDefault("monitoring.max_disk_percent", 90)
	v.SetDefault("monitoring.max_temperature", 80)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.log_dir", "/var/log/sai-cam")
	v.SetDefault("logging.log_file", "sai-cam.log")
	v.SetDefault("logging.console_output", true)
	v.SetDefault("logging.max_size", 10)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age", 14)
	v.SetDefault("logging.compress", true)

	v.SetDefault("advanced.polling_interval", "100ms")
	v.SetDefault("advanced.reconnect_attempts", 3)
	v.SetDefault("advanced.reconnect_delay", "5s")
	v.SetDefault("advanced.camera_init_wait", "2s")
	v.SetDefault("advanced.warmup_frames", 3)
	v.SetDefault("advanced.max_worker_restarts", 20)
	v.SetDefault("advanced.ffmpeg_path", "ffmpeg")
	v.SetDefault("advanced.upload_max_attempts", 5)
	v.SetDefault("advanced.upload_queue_size", 1000)

	v.SetDefault("updates.enabled", false)
	v.SetDefault("updates.channel", "stable")
	v.SetDefault("updates.apply_immediately", true)
	v.SetDefault("updates.install_root", "/opt/sai-cam")
	v.SetDefault("updates.state_path", "/var/lib/sai-cam/update-state.json")
	v.SetDefault("updates.installer_path", "/opt/sai-cam/current/install.sh")

	v.SetDefault("portal.host", "127.0.0.1")
	v.SetDefault("portal.port", 8780)
}
