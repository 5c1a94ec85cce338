// Package config provides configuration handling for the tunnel daemon and
// client.
package config

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/irctrakz/apptunnel/pkg/flowcontrol"
	"github.com/irctrakz/apptunnel/pkg/logging"
	"github.com/irctrakz/apptunnel/pkg/tunnel"
)

// Config represents the complete tunnel configuration.
type Config struct {
	// Server contains the listener configuration.
	Server ServerConfig `json:"server" yaml:"server"`

	// Flow contains the congestion-control parameters.
	Flow FlowConfig `json:"flow" yaml:"flow"`

	// Auth maps usernames to passwords.
	Auth AuthConfig `json:"auth" yaml:"auth"`

	// Client contains the client-side configuration.
	Client ClientConfig `json:"client" yaml:"client"`

	// Logging contains the logging configuration.
	Logging LoggingConfig `json:"logging" yaml:"logging"`
}

// ServerConfig contains the tunnel server settings.
type ServerConfig struct {
	// Listen is the host:port the server accepts tunnel peers on.
	Listen string `json:"listen" yaml:"listen"`

	// MaxClients caps concurrent tunnel sessions. Zero means unlimited.
	MaxClients int `json:"maxClients" yaml:"maxClients"`

	// MaxResponseSize caps a destination response in bytes.
	MaxResponseSize int `json:"maxResponseSize" yaml:"maxResponseSize"`

	// IdleTimeoutSec bounds each destination read in seconds.
	IdleTimeoutSec int `json:"idleTimeout" yaml:"idleTimeout"`

	// ConnectTimeoutSec bounds the outbound dial in seconds.
	ConnectTimeoutSec int `json:"connectTimeout" yaml:"connectTimeout"`

	// SessionIdleTimeoutSec tears idle sessions down. Zero disables.
	SessionIdleTimeoutSec int `json:"sessionIdleTimeout" yaml:"sessionIdleTimeout"`
}

// FlowConfig contains the congestion controller settings.
type FlowConfig struct {
	// MinWindow is the window floor in bytes.
	MinWindow int `json:"minWindow" yaml:"minWindow"`

	// InitialWindow is the starting window in bytes.
	InitialWindow int `json:"initialWindow" yaml:"initialWindow"`

	// MaxWindow is the window cap in bytes.
	MaxWindow int `json:"maxWindow" yaml:"maxWindow"`

	// SSThresh is the initial slow-start threshold in bytes.
	SSThresh int `json:"ssthresh" yaml:"ssthresh"`

	// AvgUnitSize converts byte counts into in-flight units for admission.
	AvgUnitSize int `json:"avgUnitSize" yaml:"avgUnitSize"`
}

// AuthConfig contains the credential store.
type AuthConfig struct {
	// Users maps username to password.
	Users map[string]string `json:"users" yaml:"users"`
}

// ClientConfig contains the tunnel client settings.
type ClientConfig struct {
	// ServerAddr is the tunnel server host:port.
	ServerAddr string `json:"serverAddr" yaml:"serverAddr"`

	// Username and Password authenticate the session.
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`

	// ProxyListen is the local HTTP proxy bind address.
	ProxyListen string `json:"proxyListen" yaml:"proxyListen"`

	// KeepaliveSec paces the keepalive loop in seconds. Zero disables.
	KeepaliveSec int `json:"keepalive" yaml:"keepalive"`
}

// LoggingConfig contains configuration for logging.
type LoggingConfig struct {
	// Level is the logging level (debug, info, warn, error).
	Level string `json:"level" yaml:"level"`

	// File is the log file path.
	File string `json:"file" yaml:"file"`

	// MaxSize is the maximum size of the log file in megabytes.
	MaxSize int `json:"maxSize" yaml:"maxSize"`

	// MaxBackups is the maximum number of old log files to retain.
	MaxBackups int `json:"maxBackups" yaml:"maxBackups"`

	// MaxAge is the maximum number of days to retain old log files.
	MaxAge int `json:"maxAge" yaml:"maxAge"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	flow := flowcontrol.DefaultSettings()
	return &Config{
		Server: ServerConfig{
			Listen:                "0.0.0.0:8888",
			MaxClients:            0,
			MaxResponseSize:       10 << 20,
			IdleTimeoutSec:        10,
			ConnectTimeoutSec:     10,
			SessionIdleTimeoutSec: 120,
		},
		Flow: FlowConfig{
			MinWindow:     flow.MinWindow,
			InitialWindow: flow.InitialWindow,
			MaxWindow:     flow.MaxWindow,
			SSThresh:      flow.SSThresh,
			AvgUnitSize:   flow.AvgUnitSize,
		},
		Auth: AuthConfig{
			Users: map[string]string{},
		},
		Client: ClientConfig{
			ServerAddr:   "127.0.0.1:8888",
			ProxyListen:  "127.0.0.1:8080",
			KeepaliveSec: 30,
		},
		Logging: LoggingConfig{
			Level:      "info",
			File:       "",
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     7,
		},
	}
}

// LoadFromFile loads configuration from a file.
func LoadFromFile(path string, config *Config) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	// Determine file format based on extension
	switch {
	case strings.HasSuffix(path, ".json"):
		if err := json.Unmarshal(data, config); err != nil {
			return fmt.Errorf("failed to parse JSON config: %w", err)
		}
	case strings.HasSuffix(path, ".yaml"), strings.HasSuffix(path, ".yml"):
		if err := yaml.Unmarshal(data, config); err != nil {
			return fmt.Errorf("failed to parse YAML config: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config file format: %s", path)
	}

	return nil
}

// LoadFromEnv loads configuration from environment variables.
func LoadFromEnv(config *Config) {
	// Server config
	if val := os.Getenv("TUNNEL_LISTEN"); val != "" {
		config.Server.Listen = val
	}
	if val := os.Getenv("TUNNEL_MAX_CLIENTS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			config.Server.MaxClients = n
		}
	}
	if val := os.Getenv("TUNNEL_MAX_RESPONSE"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			config.Server.MaxResponseSize = n
		}
	}
	if val := os.Getenv("TUNNEL_IDLE_TIMEOUT"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			config.Server.IdleTimeoutSec = n
		}
	}
	if val := os.Getenv("TUNNEL_CONNECT_TIMEOUT"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			config.Server.ConnectTimeoutSec = n
		}
	}
	if val := os.Getenv("TUNNEL_SESSION_IDLE_TIMEOUT"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			config.Server.SessionIdleTimeoutSec = n
		}
	}

	// Flow control config
	if val := os.Getenv("FLOW_MIN_WINDOW"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			config.Flow.MinWindow = n
		}
	}
	if val := os.Getenv("FLOW_INITIAL_WINDOW"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			config.Flow.InitialWindow = n
		}
	}
	if val := os.Getenv("FLOW_MAX_WINDOW"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			config.Flow.MaxWindow = n
		}
	}
	if val := os.Getenv("FLOW_SSTHRESH"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			config.Flow.SSThresh = n
		}
	}
	if val := os.Getenv("FLOW_AVG_UNIT_SIZE"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			config.Flow.AvgUnitSize = n
		}
	}

	// Auth config: "user:pass,user2:pass2"
	if val := os.Getenv("AUTH_USERS"); val != "" {
		users := map[string]string{}
		for _, pair := range strings.Split(val, ",") {
			if name, pass, ok := strings.Cut(pair, ":"); ok && name != "" {
				users[name] = pass
			}
		}
		if len(users) > 0 {
			config.Auth.Users = users
		}
	}

	// Client config
	if val := os.Getenv("CLIENT_SERVER_ADDR"); val != "" {
		config.Client.ServerAddr = val
	}
	if val := os.Getenv("CLIENT_USERNAME"); val != "" {
		config.Client.Username = val
	}
	if val := os.Getenv("CLIENT_PASSWORD"); val != "" {
		config.Client.Password = val
	}
	if val := os.Getenv("CLIENT_PROXY_LISTEN"); val != "" {
		config.Client.ProxyListen = val
	}
	if val := os.Getenv("CLIENT_KEEPALIVE"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			config.Client.KeepaliveSec = n
		}
	}

	// Logging config
	if val := os.Getenv("LOGGING_LEVEL"); val != "" {
		config.Logging.Level = val
	}
	if val := os.Getenv("LOGGING_FILE"); val != "" {
		config.Logging.File = val
	}
	if val := os.Getenv("LOGGING_MAX_SIZE"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			config.Logging.MaxSize = n
		}
	}
	if val := os.Getenv("LOGGING_MAX_BACKUPS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			config.Logging.MaxBackups = n
		}
	}
	if val := os.Getenv("LOGGING_MAX_AGE"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			config.Logging.MaxAge = n
		}
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.Server.Listen); err != nil {
		return fmt.Errorf("invalid listen address %q: %w", c.Server.Listen, err)
	}
	if c.Server.MaxClients < 0 {
		return fmt.Errorf("maxClients cannot be negative: %d", c.Server.MaxClients)
	}
	if c.Server.MaxResponseSize <= 0 {
		return fmt.Errorf("invalid max response size: %d", c.Server.MaxResponseSize)
	}
	if c.Server.IdleTimeoutSec <= 0 {
		return fmt.Errorf("invalid idle timeout: %d", c.Server.IdleTimeoutSec)
	}
	if c.Server.ConnectTimeoutSec <= 0 {
		return fmt.Errorf("invalid connect timeout: %d", c.Server.ConnectTimeoutSec)
	}

	if c.Flow.MinWindow <= 0 {
		return fmt.Errorf("invalid minimum window: %d", c.Flow.MinWindow)
	}
	if c.Flow.InitialWindow < c.Flow.MinWindow {
		return fmt.Errorf("initial window %d below minimum window %d", c.Flow.InitialWindow, c.Flow.MinWindow)
	}
	if c.Flow.MaxWindow < c.Flow.InitialWindow {
		return fmt.Errorf("maximum window %d below initial window %d", c.Flow.MaxWindow, c.Flow.InitialWindow)
	}
	if c.Flow.SSThresh <= 0 {
		return fmt.Errorf("invalid slow-start threshold: %d", c.Flow.SSThresh)
	}
	if c.Flow.AvgUnitSize <= 0 {
		return fmt.Errorf("invalid average unit size: %d", c.Flow.AvgUnitSize)
	}

	// Validate Logging config
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
		// Valid levels
	default:
		return fmt.Errorf("invalid logging level: %s", c.Logging.Level)
	}

	return nil
}

// Params converts the file-level settings into session parameters.
func (c *Config) Params() tunnel.Params {
	return tunnel.Params{
		Flow: flowcontrol.Settings{
			MinWindow:     c.Flow.MinWindow,
			InitialWindow: c.Flow.InitialWindow,
			MaxWindow:     c.Flow.MaxWindow,
			SSThresh:      c.Flow.SSThresh,
			AvgUnitSize:   c.Flow.AvgUnitSize,
		},
		MaxResponseSize:    c.Server.MaxResponseSize,
		IdleTimeout:        time.Duration(c.Server.IdleTimeoutSec) * time.Second,
		ConnectTimeout:     time.Duration(c.Server.ConnectTimeoutSec) * time.Second,
		SessionIdleTimeout: time.Duration(c.Server.SessionIdleTimeoutSec) * time.Second,
	}
}

// ApplyLogging applies the logging configuration.
func (c *Config) ApplyLogging() error {
	var level logging.Level
	switch c.Logging.Level {
	case "debug":
		level = logging.DebugLevel
	case "info":
		level = logging.InfoLevel
	case "warn":
		level = logging.WarnLevel
	case "error":
		level = logging.ErrorLevel
	default:
		level = logging.InfoLevel
	}
	logging.SetLevel(level)

	// Enable file logging if configured
	if c.Logging.File != "" {
		dir := "."
		filename := c.Logging.File
		if lastSlash := strings.LastIndex(c.Logging.File, "/"); lastSlash != -1 {
			dir = c.Logging.File[:lastSlash]
			filename = c.Logging.File[lastSlash+1:]
		}

		err := logging.EnableFileLogging(
			dir,
			filename,
			c.Logging.MaxSize,
			c.Logging.MaxBackups,
			c.Logging.MaxAge,
		)
		if err != nil {
			return fmt.Errorf("failed to enable file logging: %w", err)
		}
	}

	return nil
}

// SaveToFile saves the configuration to a file.
func (c *Config) SaveToFile(path string) error {
	var data []byte
	var err error

	// Determine file format based on extension
	switch {
	case strings.HasSuffix(path, ".json"):
		data, err = json.MarshalIndent(c, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal config to JSON: %w", err)
		}
	case strings.HasSuffix(path, ".yaml"), strings.HasSuffix(path, ".yml"):
		data, err = yaml.Marshal(c)
		if err != nil {
			return fmt.Errorf("failed to marshal config to YAML: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config file format: %s", path)
	}

	// Create directory if it doesn't exist
	if lastSlash := strings.LastIndex(path, "/"); lastSlash != -1 {
		if err := os.MkdirAll(path[:lastSlash], 0755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
