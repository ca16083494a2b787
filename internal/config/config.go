// Package config loads client and development backend settings.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/MattCruikshank/sokoni/internal/auth"
	"github.com/MattCruikshank/sokoni/internal/conversations"
)

type Config struct {
	Backend  BackendConfig  `yaml:"backend"`
	UI       UIConfig       `yaml:"ui"`
	Cache    CacheConfig    `yaml:"cache"`
	Delivery DeliveryConfig `yaml:"delivery"`
	Tailnet  TailnetConfig  `yaml:"tailnet"`
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
}

// BackendConfig locates the marketplace backend and the session credential.
type BackendConfig struct {
	URL           string `yaml:"url"`
	PushURL       string `yaml:"push_url"` // derived from URL when empty
	CookieName    string `yaml:"cookie_name"`
	SessionCookie string `yaml:"session_cookie"`
	UserID        string `yaml:"user_id"`
}

type UIConfig struct {
	Addr string `yaml:"addr"`
}

type CacheConfig struct {
	Path string `yaml:"path"` // empty disables the cache
}

type DeliveryConfig struct {
	PendingEventLimit int `yaml:"pending_event_limit"`
}

// TailnetConfig reaches the backend, or serves it, over a tsnet node.
type TailnetConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Hostname string `yaml:"hostname"`
	StateDir string `yaml:"state_dir"`
}

// ServerConfig configures the development backend.
type ServerConfig struct {
	Addr       string `yaml:"addr"`
	DBPath     string `yaml:"db_path"`
	AdminToken string `yaml:"admin_token"`
	Auth       string `yaml:"auth"` // "cookie" or "tailscale"
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns the settings used when nothing else is configured.
func Default() Config {
	dir := DefaultDir()
	return Config{
		Backend: BackendConfig{
			URL:        "http://localhost:8090",
			CookieName: auth.DefaultCookieName,
		},
		UI: UIConfig{Addr: "127.0.0.1:8080"},
		Cache: CacheConfig{
			Path: filepath.Join(dir, "client.db"),
		},
		Delivery: DeliveryConfig{
			PendingEventLimit: conversations.DefaultPendingLimit,
		},
		Tailnet: TailnetConfig{
			Hostname: "sokoni",
			StateDir: filepath.Join(dir, "tsnet"),
		},
		Server: ServerConfig{
			Addr:   ":8090",
			DBPath: filepath.Join(dir, "server.db"),
			Auth:   "cookie",
		},
		Log: LogConfig{Level: "info"},
	}
}

// DefaultDir is the directory holding local state.
func DefaultDir() string {
	if d := os.Getenv("SOKONI_HOME"); d != "" {
		return d
	}
	return filepath.Join(os.Getenv("HOME"), ".config", "sokoni")
}

// Load builds the configuration: defaults, then the YAML file at path (when
// path is not empty), then a .env file in the working directory, then
// SOKONI_* environment variables.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	// a missing .env is normal
	_ = godotenv.Load()

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Backend.URL = getEnv("SOKONI_BACKEND_URL", c.Backend.URL)
	c.Backend.PushURL = getEnv("SOKONI_PUSH_URL", c.Backend.PushURL)
	c.Backend.CookieName = getEnv("SOKONI_COOKIE_NAME", c.Backend.CookieName)
	c.Backend.SessionCookie = getEnv("SOKONI_SESSION_COOKIE", c.Backend.SessionCookie)
	c.Backend.UserID = getEnv("SOKONI_USER_ID", c.Backend.UserID)

	c.UI.Addr = getEnv("SOKONI_UI_ADDR", c.UI.Addr)
	c.Cache.Path = getEnv("SOKONI_CACHE_PATH", c.Cache.Path)
	c.Delivery.PendingEventLimit = getEnvInt("SOKONI_PENDING_EVENT_LIMIT", c.Delivery.PendingEventLimit)

	c.Tailnet.Enabled = getEnvBool("SOKONI_TAILNET", c.Tailnet.Enabled)
	c.Tailnet.Hostname = getEnv("SOKONI_HOSTNAME", c.Tailnet.Hostname)
	c.Tailnet.StateDir = getEnv("SOKONI_TAILNET_STATE_DIR", c.Tailnet.StateDir)

	c.Server.Addr = getEnv("SOKONI_SERVER_ADDR", c.Server.Addr)
	c.Server.DBPath = getEnv("SOKONI_SERVER_DB", c.Server.DBPath)
	c.Server.AdminToken = getEnv("SOKONI_ADMIN_TOKEN", c.Server.AdminToken)
	c.Server.Auth = getEnv("SOKONI_SERVER_AUTH", c.Server.Auth)

	c.Log.Level = getEnv("SOKONI_LOG_LEVEL", c.Log.Level)
}

// ResolvedPushURL returns the push socket URL, derived from the backend URL
// when not set explicitly.
func (c BackendConfig) ResolvedPushURL() (string, error) {
	if c.PushURL != "" {
		return c.PushURL, nil
	}
	u, err := url.Parse(c.URL)
	if err != nil {
		return "", fmt.Errorf("invalid backend url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return u.String(), nil
}

// ValidateClient checks the settings the client needs.
func (c Config) ValidateClient() error {
	var errs []error
	if err := checkURL("backend.url", c.Backend.URL, "http", "https"); err != nil {
		errs = append(errs, err)
	}
	if c.Backend.PushURL != "" {
		if err := checkURL("backend.push_url", c.Backend.PushURL, "ws", "wss"); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Backend.SessionCookie == "" {
		errs = append(errs, errors.New("backend.session_cookie (SOKONI_SESSION_COOKIE) is required"))
	}
	if c.Backend.UserID == "" {
		errs = append(errs, errors.New("backend.user_id (SOKONI_USER_ID) is required"))
	}
	if c.Delivery.PendingEventLimit < 0 {
		errs = append(errs, errors.New("delivery.pending_event_limit must not be negative"))
	}
	return errors.Join(errs...)
}

// ValidateServer checks the settings the development backend needs.
func (c Config) ValidateServer() error {
	var errs []error
	if c.Server.DBPath == "" {
		errs = append(errs, errors.New("server.db_path is required"))
	}
	switch c.Server.Auth {
	case "cookie":
	case "tailscale":
		if !c.Tailnet.Enabled {
			errs = append(errs, errors.New("server.auth tailscale requires tailnet.enabled"))
		}
	default:
		errs = append(errs, fmt.Errorf("server.auth must be cookie or tailscale, got %q", c.Server.Auth))
	}
	return errors.Join(errs...)
}

func checkURL(name, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return fmt.Errorf("%s must be an absolute URL, got %q", name, raw)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("%s must use %s, got %q", name, strings.Join(schemes, " or "), u.Scheme)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
