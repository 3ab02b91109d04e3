package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return configPath
}

func TestLoad_ValidConfig(t *testing.T) {
	content := `
accounts:
  - client_id: "client-abc"
    client_secret: "secret-xyz"
devices:
  - id: "living-room"
    device_id: "5a7c4a7e-0000-4000-8000-000000000001"
database:
  path: "/tmp/test.db"
api:
  host: "0.0.0.0"
  port: 8080
`
	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if len(cfg.Accounts) != 1 {
		t.Fatalf("len(Accounts) = %d, want 1", len(cfg.Accounts))
	}

	a := cfg.Accounts[0]
	if a.ID != DefaultAccountID {
		t.Errorf("Account.ID = %q, want %q", a.ID, DefaultAccountID)
	}
	if a.Scope != DefaultScope {
		t.Errorf("Account.Scope = %q, want %q", a.Scope, DefaultScope)
	}
	if a.Timeout != 5000 {
		t.Errorf("Account.Timeout = %d, want 5000", a.Timeout)
	}
	if !a.IsActive() {
		t.Error("Account should be active by default")
	}
	if a.RedirectURI != "http://localhost:8080/hook/daikin_onecta" {
		t.Errorf("Account.RedirectURI = %q", a.RedirectURI)
	}

	d := cfg.Devices[0]
	if d.Account != DefaultAccountID {
		t.Errorf("Device.Account = %q, want %q", d.Account, DefaultAccountID)
	}
	if d.StatusUpdateInterval != DefaultStatusUpdateInterval {
		t.Errorf("Device.StatusUpdateInterval = %d, want %d", d.StatusUpdateInterval, DefaultStatusUpdateInterval)
	}
	if got := d.PollInterval().Minutes(); got != 30 {
		t.Errorf("Device.PollInterval() = %v minutes, want 30", got)
	}

	if cfg.Database.Path != "/tmp/test.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "/tmp/test.db")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "invalid: [yaml: content"))
	if err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_ValidationFailure(t *testing.T) {
	content := `
accounts:
  - id: "home"
devices:
  - id: "bedroom"
    account: "office"
    device_id: "dev-1"
`
	_, err := Load(writeConfig(t, content))
	if err == nil {
		t.Fatal("Load() expected validation error for unknown account, got nil")
	}
	if !strings.Contains(err.Error(), `"office" is not configured`) {
		t.Errorf("error = %v, want unknown account message", err)
	}
}

func validConfig() *Config {
	cfg := defaultConfig()
	cfg.Accounts = []AccountConfig{{ID: "home", Timeout: 5000, Scope: DefaultScope}}
	cfg.Devices = []DeviceConfig{{
		ID:                   "living-room",
		Account:              "home",
		DeviceID:             "dev-1",
		StatusUpdateInterval: DefaultStatusUpdateInterval,
	}}
	return cfg
}

func TestConfig_Validate(t *testing.T) {
	validStateSecret := "test-secret-key-at-least-32-chars!"
	disabled := false

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid config",
			mutate: func(*Config) {},
		},
		{
			name:    "missing database path",
			mutate:  func(c *Config) { c.Database.Path = "" },
			wantErr: "database.path",
		},
		{
			name:    "invalid QoS",
			mutate:  func(c *Config) { c.MQTT.QoS = 3 },
			wantErr: "mqtt.qos",
		},
		{
			name:    "invalid port low",
			mutate:  func(c *Config) { c.API.Port = 0 },
			wantErr: "api.port",
		},
		{
			name:    "invalid port high",
			mutate:  func(c *Config) { c.API.Port = 70000 },
			wantErr: "api.port",
		},
		{
			name: "duplicate account id",
			mutate: func(c *Config) {
				c.Accounts = append(c.Accounts, AccountConfig{ID: "home"})
			},
			wantErr: "duplicated",
		},
		{
			name:    "account id with slash",
			mutate:  func(c *Config) { c.Accounts[0].ID = "a/b"; c.Devices[0].Account = "a/b" },
			wantErr: "must not contain",
		},
		{
			name: "duplicate remote device",
			mutate: func(c *Config) {
				c.Devices = append(c.Devices, DeviceConfig{
					ID: "bedroom", Account: "home", DeviceID: "dev-1", StatusUpdateInterval: 3600,
				})
			},
			wantErr: "already provisioned",
		},
		{
			name:    "missing device id",
			mutate:  func(c *Config) { c.Devices[0].DeviceID = "" },
			wantErr: "device_id is required",
		},
		{
			name:    "interval too short",
			mutate:  func(c *Config) { c.Devices[0].StatusUpdateInterval = 30 },
			wantErr: "at least 60 seconds",
		},
		{
			// 86400 / 300 = 288 reads a day
			name:    "daily budget exceeded",
			mutate:  func(c *Config) { c.Devices[0].StatusUpdateInterval = 300 },
			wantErr: "requests/24h budget",
		},
		{
			name: "inactive device does not count towards budget",
			mutate: func(c *Config) {
				c.Devices[0].StatusUpdateInterval = 300
				c.Devices[0].Active = &disabled
			},
		},
		{
			name: "budget summed across devices",
			mutate: func(c *Config) {
				// 2 x 144 = 288 reads a day
				c.Devices[0].StatusUpdateInterval = 600
				c.Devices = append(c.Devices, DeviceConfig{
					ID: "bedroom", Account: "home", DeviceID: "dev-2", StatusUpdateInterval: 600,
				})
			},
			wantErr: "requests/24h budget",
		},
		{
			name: "state validation without secret",
			mutate: func(c *Config) {
				c.Security.ValidateState = true
				c.Security.StateSecret = "short"
			},
			wantErr: "state_secret",
		},
		{
			name: "state validation with secret",
			mutate: func(c *Config) {
				c.Security.ValidateState = true
				c.Security.StateSecret = validStateSecret
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() error = nil, want %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_GetTimeouts(t *testing.T) {
	cfg := &Config{
		API: APIConfig{
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 45,
				Idle:  60,
			},
		},
	}

	if got := cfg.GetReadTimeout().Seconds(); got != 30 {
		t.Errorf("GetReadTimeout() = %v, want 30", got)
	}

	if got := cfg.GetWriteTimeout().Seconds(); got != 45 {
		t.Errorf("GetWriteTimeout() = %v, want 45", got)
	}

	if got := cfg.GetIdleTimeout().Seconds(); got != 60 {
		t.Errorf("GetIdleTimeout() = %v, want 60", got)
	}
}

func TestAccountConfig_ConnectTimeout(t *testing.T) {
	a := AccountConfig{Timeout: 2500}
	if got := a.ConnectTimeout().Milliseconds(); got != 2500 {
		t.Errorf("ConnectTimeout() = %dms, want 2500ms", got)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	cfg := defaultConfig()

	t.Setenv("ONECTA_DATABASE_PATH", "/custom/path.db")
	t.Setenv("ONECTA_MQTT_HOST", "mqtt.example.com")
	t.Setenv("ONECTA_MQTT_USERNAME", "testuser")
	t.Setenv("ONECTA_MQTT_PASSWORD", "testpass")
	t.Setenv("ONECTA_API_HOST", "192.168.1.1")
	t.Setenv("ONECTA_INFLUXDB_TOKEN", "secret-token")
	t.Setenv("ONECTA_STATE_SECRET", "state-secret")
	t.Setenv("ONECTA_CLIENT_ID", "env-client")
	t.Setenv("ONECTA_CLIENT_SECRET", "env-secret")

	applyEnvOverrides(cfg)

	if cfg.Database.Path != "/custom/path.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "/custom/path.db")
	}

	if cfg.MQTT.Broker.Host != "mqtt.example.com" {
		t.Errorf("MQTT.Broker.Host = %q, want %q", cfg.MQTT.Broker.Host, "mqtt.example.com")
	}

	if cfg.MQTT.Auth.Username != "testuser" {
		t.Errorf("MQTT.Auth.Username = %q, want %q", cfg.MQTT.Auth.Username, "testuser")
	}

	if cfg.MQTT.Auth.Password != "testpass" {
		t.Errorf("MQTT.Auth.Password = %q, want %q", cfg.MQTT.Auth.Password, "testpass")
	}

	if cfg.API.Host != "192.168.1.1" {
		t.Errorf("API.Host = %q, want %q", cfg.API.Host, "192.168.1.1")
	}

	if cfg.InfluxDB.Token != "secret-token" {
		t.Errorf("InfluxDB.Token = %q, want %q", cfg.InfluxDB.Token, "secret-token")
	}

	if cfg.Security.StateSecret != "state-secret" {
		t.Errorf("Security.StateSecret = %q, want %q", cfg.Security.StateSecret, "state-secret")
	}

	if len(cfg.Accounts) != 1 {
		t.Fatalf("len(Accounts) = %d, want 1 account created from env", len(cfg.Accounts))
	}
	if cfg.Accounts[0].ClientID != "env-client" || cfg.Accounts[0].ClientSecret != "env-secret" {
		t.Errorf("Accounts[0] credentials = %q/%q", cfg.Accounts[0].ClientID, cfg.Accounts[0].ClientSecret)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := defaultConfig()

	if cfg.Onecta.AuthBaseURL == "" || cfg.Onecta.APIBaseURL == "" {
		t.Error("defaultConfig should have cloud endpoints")
	}

	if cfg.Onecta.HookPath != "/hook" {
		t.Errorf("defaultConfig Onecta.HookPath = %q, want /hook", cfg.Onecta.HookPath)
	}

	if cfg.MQTT.TopicPrefix != "onecta" {
		t.Errorf("defaultConfig MQTT.TopicPrefix = %q, want onecta", cfg.MQTT.TopicPrefix)
	}

	if cfg.MQTT.Broker.Port != 1883 {
		t.Errorf("defaultConfig MQTT.Broker.Port = %d, want 1883", cfg.MQTT.Broker.Port)
	}

	if cfg.API.Port != 8080 {
		t.Errorf("defaultConfig API.Port = %d, want 8080", cfg.API.Port)
	}

	if cfg.Security.ValidateState {
		t.Error("defaultConfig should not validate state")
	}
}
