// Package config provides YAML-based configuration loading for the dm client.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables that override the two externally injected endpoints
// and keep chat bot tokens out of the config file.
const (
	EnvAPIURL          = "DATAMIND_API_URL"
	EnvWSURL           = "DATAMIND_WS_URL"
	EnvSlackBotToken   = "DATAMIND_SLACK_BOT_TOKEN"
	EnvDiscordBotToken = "DATAMIND_DISCORD_BOT_TOKEN"
)

// Config is the top-level client configuration, loaded from datamind.yaml.
type Config struct {
	APIURL        string              `yaml:"api_url"`
	WSURL         string              `yaml:"ws_url"`
	CookieFile    string              `yaml:"cookie_file"`
	Store         StoreConfig         `yaml:"store"`
	Chat          ChatConfig          `yaml:"chat"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Server        ServerConfig        `yaml:"server"`
}

// StoreConfig selects the local database holding non-credential session data.
type StoreConfig struct {
	Driver string `yaml:"driver"` // "sqlite" or "mysql"
	DSN    string `yaml:"dsn"`
}

// ChatConfig tunes the live channel and the request/response fallback.
type ChatConfig struct {
	Endpoint          string `yaml:"endpoint"`
	ReconnectDelaySec int    `yaml:"reconnect_delay_sec"`
	HeartbeatSec      int    `yaml:"heartbeat_sec"`
}

// NotificationsConfig controls unread alert polling.
type NotificationsConfig struct {
	PollIntervalSec int           `yaml:"poll_interval_sec"`
	Command         string        `yaml:"command"` // e.g. 'notify-send DataMind "$DM_MESSAGE"'
	Slack           ForwardConfig `yaml:"slack"`
	Discord         ForwardConfig `yaml:"discord"`
}

// ForwardConfig posts newly seen notifications to a chat channel. An empty
// BotToken disables forwarding.
type ForwardConfig struct {
	BotToken  string `yaml:"bot_token"`
	ChannelID string `yaml:"channel_id"`
}

// Enabled reports whether forwarding is configured.
func (f ForwardConfig) Enabled() bool {
	return f.BotToken != ""
}

// ServerConfig configures the development server started by `dm serve`.
type ServerConfig struct {
	Port          int    `yaml:"port"`
	JWTSecret     string `yaml:"jwt_secret"`
	AccessTTLSec  int    `yaml:"access_ttl_sec"`
	RefreshTTLSec int    `yaml:"refresh_ttl_sec"`
}

// ReconnectDelay returns the fixed live-channel reconnect delay.
func (c ChatConfig) ReconnectDelay() time.Duration {
	return time.Duration(c.ReconnectDelaySec) * time.Second
}

// Heartbeat returns the live-channel ping interval.
func (c ChatConfig) Heartbeat() time.Duration {
	return time.Duration(c.HeartbeatSec) * time.Second
}

// PollInterval returns the unread notification poll interval.
func (n NotificationsConfig) PollInterval() time.Duration {
	return time.Duration(n.PollIntervalSec) * time.Second
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// LoadOrDefault behaves like Load but falls back to Default when path does
// not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if err != nil && errors.Is(err, fs.ErrNotExist) {
		return Default()
	}
	return cfg, err
}

// Default returns a validated Config built only from defaults and the
// environment.
func Default() (*Config, error) {
	return Parse(nil)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv lets the environment inject the request and channel base URLs.
func (c *Config) applyEnv() {
	if v := os.Getenv(EnvAPIURL); v != "" {
		c.APIURL = v
	}
	if v := os.Getenv(EnvWSURL); v != "" {
		c.WSURL = v
	}
	if v := os.Getenv(EnvSlackBotToken); v != "" {
		c.Notifications.Slack.BotToken = v
	}
	if v := os.Getenv(EnvDiscordBotToken); v != "" {
		c.Notifications.Discord.BotToken = v
	}
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.APIURL == "" {
		c.APIURL = "http://localhost:8000/api/v1"
	}
	c.APIURL = strings.TrimRight(c.APIURL, "/")
	if c.WSURL == "" {
		c.WSURL = deriveWSURL(c.APIURL)
	}

	home, _ := os.UserHomeDir()
	dataDir := filepath.Join(home, ".datamind")
	if c.CookieFile == "" {
		c.CookieFile = filepath.Join(dataDir, "cookies.json")
	}
	if c.Store.Driver == "" {
		c.Store.Driver = "sqlite"
	}
	if c.Store.DSN == "" && c.Store.Driver == "sqlite" {
		c.Store.DSN = filepath.Join(dataDir, "session.db")
	}

	if c.Chat.Endpoint == "" {
		c.Chat.Endpoint = "/chat/message"
	}
	if c.Chat.ReconnectDelaySec == 0 {
		c.Chat.ReconnectDelaySec = 3
	}
	if c.Chat.HeartbeatSec == 0 {
		c.Chat.HeartbeatSec = 30
	}
	if c.Notifications.PollIntervalSec == 0 {
		c.Notifications.PollIntervalSec = 30
	}

	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Server.JWTSecret == "" {
		c.Server.JWTSecret = "datamind-dev-secret"
	}
	if c.Server.AccessTTLSec == 0 {
		c.Server.AccessTTLSec = 15 * 60
	}
	if c.Server.RefreshTTLSec == 0 {
		c.Server.RefreshTTLSec = 7 * 24 * 60 * 60
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if u, err := url.Parse(c.APIURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		errs = append(errs, fmt.Sprintf("api_url %q must be an http(s) URL", c.APIURL))
	}
	if u, err := url.Parse(c.WSURL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		errs = append(errs, fmt.Sprintf("ws_url %q must be a ws(s) URL", c.WSURL))
	}
	switch c.Store.Driver {
	case "sqlite", "mysql":
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q must be sqlite or mysql", c.Store.Driver))
	}
	if c.Store.DSN == "" {
		errs = append(errs, "store.dsn is required")
	}
	if c.Chat.ReconnectDelaySec < 0 {
		errs = append(errs, "chat.reconnect_delay_sec must not be negative")
	}
	if c.Notifications.PollIntervalSec < 0 {
		errs = append(errs, "notifications.poll_interval_sec must not be negative")
	}
	if c.Notifications.Slack.Enabled() && c.Notifications.Slack.ChannelID == "" {
		errs = append(errs, "notifications.slack.channel_id is required when a bot token is set")
	}
	if c.Notifications.Discord.Enabled() && c.Notifications.Discord.ChannelID == "" {
		errs = append(errs, "notifications.discord.channel_id is required when a bot token is set")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// deriveWSURL maps http://host:port/api/v1 to ws://host:port/ws.
func deriveWSURL(apiURL string) string {
	u, err := url.Parse(apiURL)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/ws"
	u.RawQuery = ""
	return u.String()
}
