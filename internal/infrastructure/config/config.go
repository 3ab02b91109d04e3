package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Onecta API constants that bound configuration validation.
const (
	// DefaultAccountID is the account key used when none is configured.
	DefaultAccountID = "daikin_onecta"

	// DefaultScope is the OAuth scope requested for the integration.
	DefaultScope = "openid onecta:basic.integration"

	// DefaultStatusUpdateInterval is how often a device polls its management points (seconds).
	DefaultStatusUpdateInterval = 1800

	// MinStatusUpdateInterval is the smallest poll interval accepted (seconds).
	MinStatusUpdateInterval = 60

	// DailyRequestBudget is the cloud API limit per account per 24 hours.
	DailyRequestBudget = 200

	// MinuteRequestBudget is the cloud API limit per account per minute.
	MinuteRequestBudget = 20

	// minStateSecretLength is the minimum length of the state signing secret.
	minStateSecretLength = 32

	secondsPerDay = 24 * 60 * 60
)

// Config is the root configuration structure for the Onecta bridge.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Onecta    OnectaConfig    `yaml:"onecta"`
	Accounts  []AccountConfig `yaml:"accounts"`
	Devices   []DeviceConfig  `yaml:"devices"`
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
	Security  SecurityConfig  `yaml:"security"`
}

// OnectaConfig contains the cloud endpoints shared by all accounts.
type OnectaConfig struct {
	AuthBaseURL string `yaml:"auth_base_url"`
	APIBaseURL  string `yaml:"api_base_url"`
	HookPath    string `yaml:"hook_path"`
}

// AccountConfig describes one authorised cloud account (tenant).
type AccountConfig struct {
	ID           string `yaml:"id"`
	Active       *bool  `yaml:"active"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	Scope        string `yaml:"scope"`
	RedirectURI  string `yaml:"redirect_uri"`

	// Timeout is the connect timeout for cloud requests in milliseconds.
	Timeout int `yaml:"timeout"`
}

// IsActive reports whether the account is enabled. Accounts are active unless
// explicitly disabled.
func (a AccountConfig) IsActive() bool {
	return a.Active == nil || *a.Active
}

// ConnectTimeout returns the connect timeout as a Duration.
func (a AccountConfig) ConnectTimeout() time.Duration {
	return time.Duration(a.Timeout) * time.Millisecond
}

// DeviceConfig describes one provisioned device client.
type DeviceConfig struct {
	ID                   string `yaml:"id"`
	Account              string `yaml:"account"`
	DeviceID             string `yaml:"device_id"`
	Active               *bool  `yaml:"active"`
	StatusUpdateInterval int    `yaml:"status_update_interval"`
	DeviceModel          string `yaml:"device_model"`
	ModelInfo            string `yaml:"model_info"`
	SerialNumber         string `yaml:"serial_number"`
}

// IsActive reports whether the device is enabled.
func (d DeviceConfig) IsActive() bool {
	return d.Active == nil || *d.Active
}

// PollInterval returns the status update interval as a Duration.
func (d DeviceConfig) PollInterval() time.Duration {
	return time.Duration(d.StatusUpdateInterval) * time.Second
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled     bool                `yaml:"enabled"`
	Broker      MQTTBrokerConfig    `yaml:"broker"`
	Auth        MQTTAuthConfig      `yaml:"auth"`
	QoS         int                 `yaml:"qos"`
	Reconnect   MQTTReconnectConfig `yaml:"reconnect"`
	TopicPrefix string              `yaml:"topic_prefix"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
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
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// SecurityConfig contains security settings.
type SecurityConfig struct {
	// StateSecret signs the OAuth state parameter when ValidateState is on.
	StateSecret string `yaml:"state_secret"`

	// ValidateState rejects authorization redirects whose state was not
	// issued by this process. Off by default.
	ValidateState bool `yaml:"validate_state"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//  4. Per-account and per-device defaults
//
// Environment variables follow the pattern: ONECTA_SECTION_KEY
// For example: ONECTA_DATABASE_PATH, ONECTA_CLIENT_SECRET
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
	cfg.applyEntryDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Onecta: OnectaConfig{
			AuthBaseURL: "https://idp.onecta.daikineurope.com/v1/oidc",
			APIBaseURL:  "https://api.onecta.daikineurope.com",
			HookPath:    "/hook",
		},
		Database: DatabaseConfig{
			Path:        "./data/onecta.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Enabled: true,
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "onecta-bridge",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
				MaxAttempts:  0,
			},
			TopicPrefix: "onecta",
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: ONECTA_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Database
	if v := os.Getenv("ONECTA_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("ONECTA_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("ONECTA_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("ONECTA_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// API
	if v := os.Getenv("ONECTA_API_HOST"); v != "" {
		cfg.API.Host = v
	}

	// InfluxDB
	if v := os.Getenv("ONECTA_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Security
	if v := os.Getenv("ONECTA_STATE_SECRET"); v != "" {
		cfg.Security.StateSecret = v
	}

	// Client credentials apply to the first account; a bare environment
	// with no accounts section gets a default account.
	clientID := os.Getenv("ONECTA_CLIENT_ID")
	clientSecret := os.Getenv("ONECTA_CLIENT_SECRET")
	if clientID == "" && clientSecret == "" {
		return
	}
	if len(cfg.Accounts) == 0 {
		cfg.Accounts = append(cfg.Accounts, AccountConfig{})
	}
	if clientID != "" {
		cfg.Accounts[0].ClientID = clientID
	}
	if clientSecret != "" {
		cfg.Accounts[0].ClientSecret = clientSecret
	}
}

// applyEntryDefaults fills per-account and per-device defaults that cannot be
// expressed in defaultConfig because the entries come from the file.
func (c *Config) applyEntryDefaults() {
	for i := range c.Accounts {
		a := &c.Accounts[i]
		if a.ID == "" {
			a.ID = DefaultAccountID
		}
		if a.Scope == "" {
			a.Scope = DefaultScope
		}
		if a.Timeout <= 0 {
			a.Timeout = 5000
		}
		if a.RedirectURI == "" {
			a.RedirectURI = c.DefaultRedirectURI(a.ID)
		}
	}

	for i := range c.Devices {
		d := &c.Devices[i]
		if d.Account == "" && len(c.Accounts) == 1 {
			d.Account = c.Accounts[0].ID
		}
		if d.StatusUpdateInterval == 0 {
			d.StatusUpdateInterval = DefaultStatusUpdateInterval
		}
	}
}

// DefaultRedirectURI builds the redirect URI served by the local hook listener.
func (c *Config) DefaultRedirectURI(accountID string) string {
	host := c.API.Host
	if host == "" || host == "0.0.0.0" {
		host = "localhost"
	}
	return fmt.Sprintf("http://%s:%d%s/%s", host, c.API.Port, c.Onecta.HookPath, accountID)
}

// Account returns the account with the given id.
func (c *Config) Account(id string) (AccountConfig, bool) {
	for _, a := range c.Accounts {
		if a.ID == id {
			return a, true
		}
	}
	return AccountConfig{}, false
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of every validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Onecta.AuthBaseURL == "" {
		errs = append(errs, "onecta.auth_base_url is required")
	}
	if c.Onecta.APIBaseURL == "" {
		errs = append(errs, "onecta.api_base_url is required")
	}

	errs = append(errs, c.validateAccounts()...)
	errs = append(errs, c.validateDevices()...)

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if c.Security.ValidateState && len(c.Security.StateSecret) < minStateSecretLength {
		errs = append(errs, "security.state_secret must be at least 32 characters when validate_state is on (set ONECTA_STATE_SECRET)")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

func (c *Config) validateAccounts() []string {
	var errs []string
	seen := make(map[string]bool)
	for i, a := range c.Accounts {
		if a.ID == "" {
			errs = append(errs, fmt.Sprintf("accounts[%d].id is required", i))
			continue
		}
		if seen[a.ID] {
			errs = append(errs, fmt.Sprintf("accounts[%d].id %q is duplicated", i, a.ID))
		}
		seen[a.ID] = true
		if strings.ContainsAny(a.ID, "/?#") {
			errs = append(errs, fmt.Sprintf("accounts[%d].id %q must not contain '/', '?' or '#'", i, a.ID))
		}
	}
	return errs
}

func (c *Config) validateDevices() []string {
	var errs []string
	seenLocal := make(map[string]bool)
	seenRemote := make(map[string]string)
	dailyReads := make(map[string]int)

	for i, d := range c.Devices {
		if d.ID == "" {
			errs = append(errs, fmt.Sprintf("devices[%d].id is required", i))
		} else if seenLocal[d.ID] {
			errs = append(errs, fmt.Sprintf("devices[%d].id %q is duplicated", i, d.ID))
		}
		seenLocal[d.ID] = true

		if d.DeviceID == "" {
			errs = append(errs, fmt.Sprintf("devices[%d].device_id is required", i))
		} else if other, ok := seenRemote[d.DeviceID]; ok {
			errs = append(errs, fmt.Sprintf("devices[%d].device_id is already provisioned as %q", i, other))
		} else {
			seenRemote[d.DeviceID] = d.ID
		}

		if _, ok := c.Account(d.Account); !ok {
			errs = append(errs, fmt.Sprintf("devices[%d].account %q is not configured", i, d.Account))
		}

		if d.StatusUpdateInterval < MinStatusUpdateInterval {
			errs = append(errs, fmt.Sprintf("devices[%d].status_update_interval must be at least %d seconds", i, MinStatusUpdateInterval))
			continue
		}
		if d.IsActive() {
			dailyReads[d.Account] += secondsPerDay / d.StatusUpdateInterval
		}
	}

	for account, reads := range dailyReads {
		if reads > DailyRequestBudget {
			errs = append(errs, fmt.Sprintf("devices of account %q poll %d times per day, exceeding the %d requests/24h budget", account, reads, DailyRequestBudget))
		}
	}

	return errs
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}
