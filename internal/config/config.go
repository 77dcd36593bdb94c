// Package config loads and validates the typed configuration for an MCP
// server or client process.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-yaml"
)

// TransportKind selects which transport a server binds.
type TransportKind string

const (
	TransportStdio TransportKind = "stdio"
	TransportHTTP  TransportKind = "http"
)

// Identity describes the running server or client for the initialize handshake.
type Identity struct {
	Name    string `yaml:"name" validate:"required"`
	Title   string `yaml:"title"`
	Version string `yaml:"version" validate:"required"`
}

// Capabilities mirrors the subset of mcp.ServerCapabilities a deployer can
// toggle from config, without requiring a Go import of the mcp package.
type Capabilities struct {
	Tools               bool `yaml:"tools"`
	ToolsListChanged    bool `yaml:"tools_list_changed"`
	Resources           bool `yaml:"resources"`
	ResourcesSubscribe  bool `yaml:"resources_subscribe"`
	ResourcesListChange bool `yaml:"resources_list_changed"`
	Prompts             bool `yaml:"prompts"`
	PromptsListChanged  bool `yaml:"prompts_list_changed"`
	Logging             bool `yaml:"logging"`
	Completions         bool `yaml:"completions"`
}

// HTTPOptions configures the streamable-HTTP transport when Transport == http.
type HTTPOptions struct {
	Addr               string        `yaml:"addr" validate:"required"`
	AllowedHosts       []string      `yaml:"allowed_hosts"`
	MaxBodyBytes       int64         `yaml:"max_body_bytes"`
	SSEKeepalive       time.Duration `yaml:"sse_keepalive"`
	SessionIdleTimeout time.Duration `yaml:"session_idle_timeout"`
	ReplyTimeout       time.Duration `yaml:"reply_timeout"`
}

// OAuthOptions configures the OAuth 2.1 subsystem guarding the HTTP transport.
type OAuthOptions struct {
	Enabled              bool          `yaml:"enabled"`
	Issuer               string        `yaml:"issuer" validate:"required_if=Enabled true"`
	StoreDriver          string        `yaml:"store_driver" validate:"omitempty,oneof=memory sqlite"`
	DataDir              string        `yaml:"data_dir"`
	RequirePKCE          bool          `yaml:"require_pkce"`
	AccessTokenTTL       time.Duration `yaml:"access_token_ttl"`
	RefreshTokenTTL      time.Duration `yaml:"refresh_token_ttl"`
	AuthorizationCodeTTL time.Duration `yaml:"authorization_code_ttl"`
	RatePerSecond        float64       `yaml:"rate_per_second"`
	Burst                int           `yaml:"burst"`
}

// EngineOptions configures the protocol engine's timing behavior.
type EngineOptions struct {
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	DebounceWindow time.Duration `yaml:"debounce_window"`
	RetryAttempts  int           `yaml:"retry_attempts"`
}

// Config is the top-level typed configuration for an mcp-server process.
type Config struct {
	Identity     Identity      `yaml:"identity" validate:"required"`
	Capabilities Capabilities  `yaml:"capabilities"`
	Instructions string        `yaml:"instructions"`
	Transport    TransportKind `yaml:"transport" validate:"required,oneof=stdio http"`
	HTTP         HTTPOptions   `yaml:"http"`
	OAuth        OAuthOptions  `yaml:"oauth"`
	Engine       EngineOptions `yaml:"engine"`
	LogLevel     string        `yaml:"log_level" validate:"omitempty,oneof=debug info warn error"`
}

// Default returns a Config with the runtime's baseline defaults: stdio
// transport, no OAuth, info-level logging.
func Default() Config {
	return Config{
		Transport: TransportStdio,
		LogLevel:  "info",
		Capabilities: Capabilities{
			Tools:   true,
			Logging: true,
		},
		Engine: EngineOptions{
			DefaultTimeout: 30 * time.Second,
			DebounceWindow: 50 * time.Millisecond,
			RetryAttempts:  3,
		},
		OAuth: OAuthOptions{
			StoreDriver:          "memory",
			AccessTokenTTL:       time.Hour,
			RefreshTokenTTL:      30 * 24 * time.Hour,
			AuthorizationCodeTTL: 5 * time.Minute,
			RatePerSecond:        5,
			Burst:                10,
		},
	}
}

// Load reads and validates a YAML config file, starting from Default()
// and overlaying whatever the file specifies.
func Load(path string) (Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg, yaml.Strict()); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := validator.New().Struct(cfg); err != nil {
		return cfg, fmt.Errorf("config: invalid %s: %w", path, err)
	}
	return cfg, nil
}
