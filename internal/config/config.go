package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"

	"github.com/CloudNativeWorks/otad/pkg/logger"
)

const (
	DefaultConfigDir = "/etc/otad"
	DefaultStateDir  = "/var/lib/otad"
	deviceIDFile     = ".otad_device_id" // File to store the device ID
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Release   ReleaseConfig   `mapstructure:"release"`
	Check     CheckConfig     `mapstructure:"check"`
	Install   InstallConfig   `mapstructure:"install"`
	Partition PartitionConfig `mapstructure:"partition"`
	Restart   RestartConfig   `mapstructure:"restart"`
	Device    DeviceConfig    `mapstructure:"device"`
}

// ServerConfig holds the local HTTP API configuration
type ServerConfig struct {
	Listen       string        `mapstructure:"listen"`
	RateLimit    float64       `mapstructure:"rate_limit"`
	Burst        int           `mapstructure:"burst"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxAge     int    `mapstructure:"max_age"`
	MaxBackups int    `mapstructure:"max_backups"`
	Compress   bool   `mapstructure:"compress"`
}

// ReleaseConfig points at the releases API. Empty owner or repo disables OTA.
type ReleaseConfig struct {
	APIBase          string        `mapstructure:"api_base"`
	Owner            string        `mapstructure:"owner"`
	Repo             string        `mapstructure:"repo"`
	Token            string        `mapstructure:"token"`
	Timeout          time.Duration `mapstructure:"timeout"`
	MaxResponseBytes int           `mapstructure:"max_response_bytes"`
	AssetSuffixes    []string      `mapstructure:"asset_suffixes"`
}

// CheckConfig holds retry and schedule settings of update checks
type CheckConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	RetryBaseDelay  time.Duration `mapstructure:"retry_base_delay"`
	AutoEnabled     bool          `mapstructure:"auto_enabled"`
	InitialDelay    time.Duration `mapstructure:"initial_delay"`
	Interval        time.Duration `mapstructure:"interval"`
	BreakerFailures uint32        `mapstructure:"breaker_failures"`
	BreakerTimeout  time.Duration `mapstructure:"breaker_timeout"`
}

// InstallConfig holds image transfer settings
type InstallConfig struct {
	RequestSize        int64         `mapstructure:"request_size"`
	ChunkSize          int           `mapstructure:"chunk_size"`
	EstimatedImageSize int64         `mapstructure:"estimated_image_size"`
	MaxUploadSize      int64         `mapstructure:"max_upload_size"`
	ImageMagic         int           `mapstructure:"image_magic"`
	YieldInterval      time.Duration `mapstructure:"yield_interval"`
	RestartDelay       time.Duration `mapstructure:"restart_delay"`
	UploadRestartDelay time.Duration `mapstructure:"upload_restart_delay"`
	DownloadTimeout    time.Duration `mapstructure:"download_timeout"`
}

// PartitionConfig locates the A/B slot directory
type PartitionConfig struct {
	Dir      string `mapstructure:"dir"`
	SlotSize int64  `mapstructure:"slot_size"`
}

// RestartConfig selects how the agent restarts after an install
type RestartConfig struct {
	Mode string `mapstructure:"mode"`
	Unit string `mapstructure:"unit"`
}

// DeviceConfig holds identity settings
type DeviceConfig struct {
	Name    string `mapstructure:"name"`
	IDFile  string `mapstructure:"id_file"`
	LogUnit string `mapstructure:"log_unit"`
}

// Restart modes.
const (
	RestartReboot = "reboot"
	RestartExit   = "exit"
	RestartNone   = "none"
)

// GetStoredDeviceID reads the device ID from its file, creating one on first use
func GetStoredDeviceID(path string) (string, error) {
	if path == "" {
		path = filepath.Join(DefaultStateDir, deviceIDFile)
	}
	if id, err := os.ReadFile(path); err == nil {
		return strings.TrimSpace(string(id)), nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("failed to create state directory: %v", err)
	}

	newID := uuid.New().String()
	err := os.WriteFile(path, []byte(newID), 0600)
	if err != nil {
		return "", fmt.Errorf("failed to save device ID: %v", err)
	}

	return newID, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen", "0.0.0.0:8080")
	v.SetDefault("server.rate_limit", 20)
	v.SetDefault("server.burst", 50)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "5m")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file", logger.DefaultFile)
	v.SetDefault("logging.max_size", 10)
	v.SetDefault("logging.max_age", 7)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.compress", true)

	// empty defaults keep the keys visible to AutomaticEnv
	v.SetDefault("release.owner", "")
	v.SetDefault("release.repo", "")
	v.SetDefault("release.token", "")
	v.SetDefault("release.api_base", "https://api.github.com")
	v.SetDefault("release.timeout", "10s")
	v.SetDefault("release.max_response_bytes", 64*1024)
	v.SetDefault("release.asset_suffixes", []string{".bin"})

	v.SetDefault("check.max_attempts", 3)
	v.SetDefault("check.retry_base_delay", "2s")
	v.SetDefault("check.auto_enabled", true)
	v.SetDefault("check.initial_delay", "60s")
	v.SetDefault("check.interval", "24h")
	v.SetDefault("check.breaker_failures", 3)
	v.SetDefault("check.breaker_timeout", "1h")

	v.SetDefault("install.request_size", 8*1024)
	v.SetDefault("install.chunk_size", 4*1024)
	v.SetDefault("install.estimated_image_size", 1100*1024)
	v.SetDefault("install.max_upload_size", 4*1024*1024)
	v.SetDefault("install.image_magic", 0xE9)
	v.SetDefault("install.yield_interval", "10ms")
	v.SetDefault("install.restart_delay", "1s")
	v.SetDefault("install.upload_restart_delay", "500ms")
	v.SetDefault("install.download_timeout", "10m")

	v.SetDefault("partition.dir", filepath.Join(DefaultStateDir, "slots"))
	v.SetDefault("partition.slot_size", 4*1024*1024)

	v.SetDefault("restart.mode", RestartReboot)
	v.SetDefault("restart.unit", "otad.service")

	v.SetDefault("device.name", "")
	v.SetDefault("device.id_file", filepath.Join(DefaultStateDir, deviceIDFile))
	v.SetDefault("device.log_unit", "otad.service")
}

// Load reads configuration from file and environment without touching the
// logger. An empty path searches the default locations.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	// Configuration file name and path
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.otad")
		v.AddConfigPath(DefaultConfigDir)
	}

	// Read environment variables, e.g. OTAD_RELEASE_OWNER
	v.SetEnvPrefix("OTAD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	err := v.ReadInConfig()
	if err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	// Bind configuration to struct
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// LoadConfig loads configuration and initializes the global logger
func LoadConfig(path string) (*Config, error) {
	config, err := Load(path)
	if err != nil {
		return nil, err
	}

	if err := initLogger(&config.Logging); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks value ranges that would otherwise fail at runtime
func (c *Config) Validate() error {
	if c.Server.Listen == "" {
		return fmt.Errorf("server.listen is required")
	}
	if c.Server.RateLimit <= 0 || c.Server.Burst <= 0 {
		return fmt.Errorf("server.rate_limit and server.burst must be positive")
	}
	if (c.Release.Owner == "") != (c.Release.Repo == "") {
		return fmt.Errorf("release.owner and release.repo must be set together")
	}
	if c.Check.MaxAttempts < 1 {
		return fmt.Errorf("check.max_attempts must be at least 1")
	}
	if c.Install.ImageMagic < 0 || c.Install.ImageMagic > 0xFF {
		return fmt.Errorf("install.image_magic must be a single byte, got %d", c.Install.ImageMagic)
	}
	if c.Install.MaxUploadSize <= 0 {
		return fmt.Errorf("install.max_upload_size must be positive")
	}
	if c.Partition.Dir == "" {
		return fmt.Errorf("partition.dir is required")
	}
	if c.Partition.SlotSize > 0 && c.Install.MaxUploadSize > c.Partition.SlotSize {
		return fmt.Errorf("install.max_upload_size (%d) exceeds partition.slot_size (%d)", c.Install.MaxUploadSize, c.Partition.SlotSize)
	}

	switch c.Restart.Mode {
	case RestartReboot, RestartExit, RestartNone:
	default:
		return fmt.Errorf("restart.mode must be one of reboot, exit, none; got %q", c.Restart.Mode)
	}
	return nil
}

// OTAEnabled reports whether a release repository is configured
func (c *Config) OTAEnabled() bool {
	return c.Release.Owner != "" && c.Release.Repo != ""
}

// initLogger initializes the logger with the provided configuration
func initLogger(cfg *LoggingConfig) error {
	logConfig := logger.Config{
		Level:      cfg.Level,
		Format:     cfg.Format,
		File:       cfg.File,
		MaxSize:    cfg.MaxSize,
		MaxAge:     cfg.MaxAge,
		MaxBackups: cfg.MaxBackups,
		Compress:   cfg.Compress,
	}

	return logger.Init(logConfig)
}
