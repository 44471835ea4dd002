package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for Chat Gate.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Logging   LoggingConfig   `yaml:"logging"`
	IdP       IdPConfig       `yaml:"idp"`
	Auth      AuthConfig      `yaml:"auth"`
	Chat      ChatConfig      `yaml:"chat"`
	Database  DatabaseConfig  `yaml:"database"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
}

// ServerConfig contains HTTP API server settings.
type ServerConfig struct {
	Host     string              `yaml:"host"`
	Port     int                 `yaml:"port"`
	TLS      TLSConfig           `yaml:"tls"`
	Timeouts ServerTimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig          `yaml:"cors"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// ServerTimeoutConfig contains HTTP timeout settings (seconds).
type ServerTimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	MaxMessageSize int `yaml:"max_message_size"`
	PingInterval   int `yaml:"ping_interval"`
	PongTimeout    int `yaml:"pong_timeout"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// IdPConfig contains identity provider connection settings for the
// device-code flow. Endpoint overrides exist for testing and for providers
// that do not follow the {authority}/{tenant}/oauth2/v2.0/* layout.
type IdPConfig struct {
	// Authority is the base URL of the identity provider.
	Authority string `yaml:"authority"`

	// TenantID is the directory/tenant identifier. Required.
	TenantID string `yaml:"tenant_id"`

	// ClientID is the public client application identifier. Required.
	ClientID string `yaml:"client_id"`

	// Scopes requested during the device-code grant.
	Scopes []string `yaml:"scopes"`

	// DeviceEndpoint and TokenEndpoint override the derived endpoint URLs
	// when non-empty.
	DeviceEndpoint string `yaml:"device_endpoint"`
	TokenEndpoint  string `yaml:"token_endpoint"`

	// RequestTimeout bounds each network round-trip to the provider (seconds).
	RequestTimeout int `yaml:"request_timeout"`

	// DefaultPollInterval is used when the provider omits an interval (seconds).
	DefaultPollInterval int `yaml:"default_poll_interval"`

	// MaxPollRetries is the number of consecutive transient provider errors
	// tolerated during device-code polling before the flow fails.
	MaxPollRetries int `yaml:"max_poll_retries"`
}

// AuthConfig contains session and authorization settings.
type AuthConfig struct {
	// RefreshBufferMinutes is how far before token expiry a silent refresh
	// is triggered.
	RefreshBufferMinutes int `yaml:"refresh_buffer_minutes"`

	// RefreshCheckIntervalSeconds is the refresh scheduler tick interval.
	RefreshCheckIntervalSeconds int `yaml:"refresh_check_interval_seconds"`

	// RetentionMinutes is how long terminal sessions are kept before the
	// expiry sweep removes them.
	RetentionMinutes int `yaml:"retention_minutes"`

	// SweepIntervalSeconds is the session store sweep tick interval.
	SweepIntervalSeconds int `yaml:"sweep_interval_seconds"`

	// RoleMappings maps identity-provider group IDs to application role names.
	RoleMappings map[string]string `yaml:"role_mappings"`

	// AllowedRoles is the allow-list of recognised role names. A mapping to a
	// role outside this list is a configuration error.
	AllowedRoles []string `yaml:"allowed_roles"`

	// BearerHeader is the HTTP header carrying the bearer credential on
	// protected routes. Defaults to "Authorization"; deployments behind
	// proxies that strip standard auth headers may point this elsewhere.
	BearerHeader string `yaml:"bearer_header"`

	// SessionHeader is the HTTP header carrying the session identifier.
	SessionHeader string `yaml:"session_header"`
}

// ChatConfig contains language-model endpoint settings.
type ChatConfig struct {
	// Endpoint is the base URL of the chat-completion service. Required.
	Endpoint string `yaml:"endpoint"`

	// Deployment is the model deployment name.
	Deployment string `yaml:"deployment"`

	// APIVersion is the service API version query parameter.
	APIVersion string `yaml:"api_version"`

	// RequestTimeout bounds each completion request (seconds).
	RequestTimeout int `yaml:"request_timeout"`

	// MaxHistory is the maximum number of transcript entries returned by
	// history queries when the caller does not specify a limit.
	MaxHistory int `yaml:"max_history"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// InfluxDBConfig contains the optional metrics sink settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: CHATGATE_SECTION_KEY
// For example: CHATGATE_IDP_TENANT_ID, CHATGATE_SERVER_PORT
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8000,
			Timeouts: ServerTimeoutConfig{
				Read:  30,
				Write: 60,
				Idle:  120,
			},
			CORS: CORSConfig{
				AllowedOrigins: []string{"http://localhost:3000"},
			},
		},
		WebSocket: WebSocketConfig{
			MaxMessageSize: 65536,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		IdP: IdPConfig{
			Authority:           "https://login.microsoftonline.com",
			Scopes:              []string{"openid", "profile", "email", "offline_access"},
			RequestTimeout:      15,
			DefaultPollInterval: 5,
			MaxPollRetries:      5,
		},
		Auth: AuthConfig{
			RefreshBufferMinutes:        5,
			RefreshCheckIntervalSeconds: 60,
			RetentionMinutes:            60,
			SweepIntervalSeconds:        300,
			BearerHeader:                "Authorization",
			SessionHeader:               "X-Session-ID",
		},
		Chat: ChatConfig{
			Deployment:     "gpt-4",
			APIVersion:     "2025-01-01-preview",
			RequestTimeout: 60,
			MaxHistory:     50,
		},
		Database: DatabaseConfig{
			Path:        "./data/chatgate.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: CHATGATE_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Server
	if v := os.Getenv("CHATGATE_SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("CHATGATE_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}

	// Identity provider
	if v := os.Getenv("CHATGATE_IDP_AUTHORITY"); v != "" {
		cfg.IdP.Authority = v
	}
	if v := os.Getenv("CHATGATE_IDP_TENANT_ID"); v != "" {
		cfg.IdP.TenantID = v
	}
	if v := os.Getenv("CHATGATE_IDP_CLIENT_ID"); v != "" {
		cfg.IdP.ClientID = v
	}

	// Chat
	if v := os.Getenv("CHATGATE_CHAT_ENDPOINT"); v != "" {
		cfg.Chat.Endpoint = v
	}
	if v := os.Getenv("CHATGATE_CHAT_DEPLOYMENT"); v != "" {
		cfg.Chat.Deployment = v
	}

	// Database
	if v := os.Getenv("CHATGATE_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// InfluxDB
	if v := os.Getenv("CHATGATE_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Role mappings: GROUP_ID:ROLE,GROUP_ID:ROLE (flat-pair legacy format)
	if v := os.Getenv("CHATGATE_ROLE_MAPPINGS"); v != "" {
		if cfg.Auth.RoleMappings == nil {
			cfg.Auth.RoleMappings = make(map[string]string)
		}
		for _, pair := range strings.Split(v, ",") {
			groupID, role, ok := strings.Cut(pair, ":")
			if !ok {
				continue
			}
			cfg.Auth.RoleMappings[strings.TrimSpace(groupID)] = strings.TrimSpace(role)
		}
	}
	if v := os.Getenv("CHATGATE_ALLOWED_ROLES"); v != "" {
		roles := strings.Split(v, ",")
		cfg.Auth.AllowedRoles = cfg.Auth.AllowedRoles[:0]
		for _, r := range roles {
			if r = strings.TrimSpace(r); r != "" {
				cfg.Auth.AllowedRoles = append(cfg.Auth.AllowedRoles, r)
			}
		}
	}
}

// maxPort is the highest valid TCP port number.
const maxPort = 65535

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	// Server validation
	if c.Server.Port < 1 || c.Server.Port > maxPort {
		errs = append(errs, fmt.Sprintf("server.port must be 1-%d", maxPort))
	}
	if c.Server.TLS.Enabled {
		if c.Server.TLS.CertFile == "" || c.Server.TLS.KeyFile == "" {
			errs = append(errs, "server.tls requires cert_file and key_file when enabled")
		}
	}

	// Identity provider validation
	if c.IdP.TenantID == "" {
		errs = append(errs, "idp.tenant_id is required")
	}
	if c.IdP.ClientID == "" {
		errs = append(errs, "idp.client_id is required")
	}
	if c.IdP.RequestTimeout <= 0 {
		errs = append(errs, "idp.request_timeout must be positive")
	}
	if c.IdP.DefaultPollInterval <= 0 {
		errs = append(errs, "idp.default_poll_interval must be positive")
	}
	if c.IdP.MaxPollRetries < 0 {
		errs = append(errs, "idp.max_poll_retries must not be negative")
	}

	// Auth validation
	if c.Auth.RefreshBufferMinutes <= 0 {
		errs = append(errs, "auth.refresh_buffer_minutes must be positive")
	}
	if c.Auth.RefreshCheckIntervalSeconds <= 0 {
		errs = append(errs, "auth.refresh_check_interval_seconds must be positive")
	}
	if c.Auth.RetentionMinutes <= 0 {
		errs = append(errs, "auth.retention_minutes must be positive")
	}
	if c.Auth.SweepIntervalSeconds <= 0 {
		errs = append(errs, "auth.sweep_interval_seconds must be positive")
	}
	if c.Auth.BearerHeader == "" {
		errs = append(errs, "auth.bearer_header must not be empty")
	}
	if c.Auth.SessionHeader == "" {
		errs = append(errs, "auth.session_header must not be empty")
	}

	// Role mapping validation: every mapped role must be allow-listed.
	// A typo here would otherwise silently grant an unrecognised role.
	allowed := make(map[string]struct{}, len(c.Auth.AllowedRoles))
	for _, r := range c.Auth.AllowedRoles {
		allowed[r] = struct{}{}
	}
	for groupID, role := range c.Auth.RoleMappings {
		if groupID == "" {
			errs = append(errs, "auth.role_mappings contains an empty group id")
			continue
		}
		if role == "" {
			errs = append(errs, fmt.Sprintf("auth.role_mappings[%s] maps to an empty role", groupID))
			continue
		}
		if len(allowed) > 0 {
			if _, ok := allowed[role]; !ok {
				errs = append(errs, fmt.Sprintf("auth.role_mappings[%s] maps to unrecognised role %q", groupID, role))
			}
		}
	}

	// Chat validation
	if c.Chat.Endpoint == "" {
		errs = append(errs, "chat.endpoint is required")
	}
	if c.Chat.RequestTimeout <= 0 {
		errs = append(errs, "chat.request_timeout must be positive")
	}
	if c.Chat.MaxHistory <= 0 {
		errs = append(errs, "chat.max_history must be positive")
	}

	// Database validation
	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	// InfluxDB validation (only when enabled)
	if c.InfluxDB.Enabled {
		if c.InfluxDB.URL == "" {
			errs = append(errs, "influxdb.url is required when influxdb is enabled")
		}
		if c.InfluxDB.Org == "" || c.InfluxDB.Bucket == "" {
			errs = append(errs, "influxdb.org and influxdb.bucket are required when influxdb is enabled")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
