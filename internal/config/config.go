// Package config loads tarsier settings from built-in defaults, an optional
// YAML file and TARSIER_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/dimpart/tarsier/c2dm"
	"github.com/dimpart/tarsier/fcm"
	"gopkg.in/yaml.v3"
)

// FileName is the config file looked up in the session directory.
const FileName = "config.yaml"

// Config holds all tarsier settings.
type Config struct {
	SessionDir string `yaml:"session_dir" env:"TARSIER_SESSION_DIR"`

	Session Session `yaml:"session"`
	App     App     `yaml:"app"`

	// Receiver is the logical address token reports are sent to.
	Receiver string `yaml:"receiver" env:"TARSIER_RECEIVER"`
	// Topic tags token reports; defaults to the app package.
	Topic    string `yaml:"topic" env:"TARSIER_TOPIC"`
	Platform string `yaml:"platform" env:"TARSIER_PLATFORM"`
	Channel  string `yaml:"channel" env:"TARSIER_CHANNEL"`

	// Device overrides the Android identity presented to Google.
	Device *fcm.AndroidDeviceInfo `yaml:"device,omitempty"`

	MetricsAddr string    `yaml:"metrics_addr" env:"TARSIER_METRICS_ADDR"`
	Reconnect   Reconnect `yaml:"reconnect"`
}

// Session configures the backend session channel.
type Session struct {
	HubURL      string `yaml:"hub_url" env:"TARSIER_HUB_URL"`
	AccessToken string `yaml:"access_token" env:"TARSIER_ACCESS_TOKEN"`
}

// App identifies the application push tokens are issued for.
type App struct {
	SenderID    string `yaml:"sender_id" env:"TARSIER_FCM_SENDER_ID"`
	Package     string `yaml:"package" env:"TARSIER_APP_PACKAGE"`
	CertSHA1    string `yaml:"cert_sha1" env:"TARSIER_APP_CERT_SHA1"`
	VersionCode string `yaml:"version_code" env:"TARSIER_APP_VERSION_CODE"`
}

// Reconnect paces MCS reconnection attempts.
type Reconnect struct {
	InitialInterval time.Duration `yaml:"initial_interval" env:"TARSIER_RECONNECT_INITIAL"`
	MaxInterval     time.Duration `yaml:"max_interval" env:"TARSIER_RECONNECT_MAX"`
}

// DefaultSessionDir returns ~/.tarsier.
func DefaultSessionDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".tarsier")
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		SessionDir: DefaultSessionDir(),
		Receiver:   c2dm.DefaultReceiver,
		Platform:   fcm.PlatformAndroid,
		Channel:    fcm.ChannelFirebase,
		Reconnect: Reconnect{
			InitialInterval: time.Second,
			MaxInterval:     5 * time.Minute,
		},
	}
}

// Load returns the defaults overlaid with the YAML file at path (skipped
// when path is empty) and then the environment. A missing file yields an
// error matching fs.ErrNotExist.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return cfg, err
		}
	}
	if err := cfg.LoadEnv(); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// LoadFile overlays the YAML file at path onto c.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config %s: %w", path, err)
	}
	return nil
}

// LoadEnv overlays TARSIER_* environment variables onto c.
func (c *Config) LoadEnv() error {
	// Device is file-only.
	device := c.Device
	defer func() { c.Device = device }()
	if err := env.Parse(c); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Validate checks settings that have no usable fallback.
func (c *Config) Validate() error {
	var errs []error
	if c.SessionDir == "" {
		errs = append(errs, errors.New("session_dir is empty"))
	}
	if c.Receiver == "" {
		errs = append(errs, errors.New("receiver is empty"))
	}
	if c.Reconnect.InitialInterval <= 0 || c.Reconnect.MaxInterval < c.Reconnect.InitialInterval {
		errs = append(errs, fmt.Errorf("reconnect intervals invalid: initial=%s max=%s",
			c.Reconnect.InitialInterval, c.Reconnect.MaxInterval))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// FCMApp returns the app settings in the form the push transport takes.
func (c *Config) FCMApp() fcm.App {
	return fcm.App{
		SenderID:    c.App.SenderID,
		Package:     c.App.Package,
		CertSHA1:    c.App.CertSHA1,
		VersionCode: c.App.VersionCode,
	}
}

// AndroidDevice returns the configured device identity or the default one.
func (c *Config) AndroidDevice() fcm.AndroidDeviceInfo {
	if c.Device != nil {
		return *c.Device
	}
	return fcm.DefaultAndroidDevice()
}

// ReportTopic returns the topic for token reports.
func (c *Config) ReportTopic() string {
	if c.Topic != "" {
		return c.Topic
	}
	return c.App.Package
}
