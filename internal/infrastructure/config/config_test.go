package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
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
gateway:
  id: "boiler-room"
serial:
  device: "/dev/ttyAMA0"
  read_timeout: 500ms
mqtt:
  broker:
    host: "broker.local"
    port: 1883
  qos: 0
controllers:
  F1:
    registers: [t0, set/lo, m0/name]
    overrides:
      t0:
        poll_interval: 30
        description: "Flow temperature"
  G2:
    entity_prefix: garage
    registers: [t1]
`
	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Gateway.ID != "boiler-room" {
		t.Errorf("Gateway.ID = %q, want %q", cfg.Gateway.ID, "boiler-room")
	}
	if cfg.Serial.Device != "/dev/ttyAMA0" {
		t.Errorf("Serial.Device = %q, want %q", cfg.Serial.Device, "/dev/ttyAMA0")
	}
	if cfg.Serial.ReadTimeout != 500*time.Millisecond {
		t.Errorf("Serial.ReadTimeout = %v, want 500ms", cfg.Serial.ReadTimeout)
	}
	if cfg.Serial.ResetTimeout != 100*time.Millisecond {
		t.Errorf("Serial.ResetTimeout = %v, want default 100ms", cfg.Serial.ResetTimeout)
	}
	if cfg.MQTT.Broker.Host != "broker.local" {
		t.Errorf("MQTT.Broker.Host = %q, want %q", cfg.MQTT.Broker.Host, "broker.local")
	}

	f1 := cfg.Controllers["F1"]
	if f1.EntityPrefix != "f1" {
		t.Errorf("F1 EntityPrefix = %q, want default %q", f1.EntityPrefix, "f1")
	}
	if len(f1.Registers) != 3 {
		t.Errorf("F1 registers = %v, want 3 entries", f1.Registers)
	}
	if got := f1.Overrides["t0"].PollInterval; got != 30 {
		t.Errorf("t0 poll_interval = %d, want 30", got)
	}
	if got := cfg.Controllers["G2"].EntityPrefix; got != "garage" {
		t.Errorf("G2 EntityPrefix = %q, want %q", got, "garage")
	}

	names := cfg.ControllerNames()
	if len(names) != 2 || names[0] != "F1" || names[1] != "G2" {
		t.Errorf("ControllerNames() = %v, want [F1 G2]", names)
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

func TestLoad_DuplicateControllerKey(t *testing.T) {
	content := `
controllers:
  F1:
    registers: [t0]
  F1:
    registers: [t1]
`
	if _, err := Load(writeConfig(t, content)); err == nil {
		t.Error("Load() expected error for duplicate controller, got nil")
	}
}

func TestLoad_ValidationFailure(t *testing.T) {
	content := `
gateway:
  id: ""
controllers:
  TOOLONGNAME:
    registers: [t0, t0]
`
	_, err := Load(writeConfig(t, content))
	if err == nil {
		t.Fatal("Load() expected validation error, got nil")
	}
	for _, want := range []string{"gateway.id", "longer than", "duplicate register"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}

func TestConfig_Validate(t *testing.T) {
	valid := func() *Config {
		cfg := defaultConfig()
		cfg.Controllers = map[string]ControllerConfig{
			"F1": {Registers: []string{"t0", "set/lo"}},
		}
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "valid config", mutate: func(*Config) {}},
		{name: "missing gateway id", mutate: func(c *Config) { c.Gateway.ID = "" }, wantErr: true},
		{name: "zero tick", mutate: func(c *Config) { c.Gateway.TickInterval = 0 }, wantErr: true},
		{name: "missing serial device", mutate: func(c *Config) { c.Serial.Device = "" }, wantErr: true},
		{name: "zero read timeout", mutate: func(c *Config) { c.Serial.ReadTimeout = 0 }, wantErr: true},
		{name: "invalid QoS", mutate: func(c *Config) { c.MQTT.QoS = 3 }, wantErr: true},
		{name: "wildcard in path", mutate: func(c *Config) { c.Discovery.Path = "fv/#" }, wantErr: true},
		{name: "relay port high", mutate: func(c *Config) { c.Relay.Port = 70000 }, wantErr: true},
		{name: "relay disabled ignores port", mutate: func(c *Config) { c.Relay.Enabled = false; c.Relay.Port = 0 }},
		{name: "api enabled port zero", mutate: func(c *Config) { c.API.Enabled = true; c.API.Port = 0 }, wantErr: true},
		{name: "capture without path", mutate: func(c *Config) { c.Capture.Enabled = true; c.Capture.Path = "" }, wantErr: true},
		{name: "register with space", mutate: func(c *Config) {
			c.Controllers["F1"] = ControllerConfig{Registers: []string{"t 0"}}
		}, wantErr: true},
		{name: "negative override", mutate: func(c *Config) {
			c.Controllers["F1"] = ControllerConfig{
				Registers: []string{"t0"},
				Overrides: map[string]RegisterOverride{"t0": {PollInterval: -1}},
			}
		}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateControllerName(t *testing.T) {
	tests := []struct {
		name    string
		wantErr bool
	}{
		{"F1", false},
		{"ABCDEFGH", false},
		{"", true},
		{"ABCDEFGHI", true},
		{"F 1", true},
		{"F/1", true},
		{"F#", true},
		{"Fé", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateControllerName(tt.name)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateControllerName(%q) error = %v, wantErr %v", tt.name, err, tt.wantErr)
			}
		})
	}
}

func TestAPITimeoutConfig_Durations(t *testing.T) {
	read, write, idle := APITimeoutConfig{Read: 30, Write: 45, Idle: 60}.Durations()
	if read != 30*time.Second || write != 45*time.Second || idle != time.Minute {
		t.Errorf("Durations() = %v, %v, %v", read, write, idle)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	cfg := defaultConfig()

	t.Setenv("FVGATEWAY_SERIAL_DEVICE", "/dev/ttyS1")
	t.Setenv("FVGATEWAY_SERIAL_BAUD_RATE", "19200")
	t.Setenv("FVGATEWAY_MQTT_HOST", "mqtt.example.com")
	t.Setenv("FVGATEWAY_MQTT_PORT", "8883")
	t.Setenv("FVGATEWAY_MQTT_USERNAME", "testuser")
	t.Setenv("FVGATEWAY_MQTT_PASSWORD", "testpass")
	t.Setenv("FVGATEWAY_DATABASE_PATH", "/custom/path.db")
	t.Setenv("FVGATEWAY_INFLUXDB_TOKEN", "secret-token")
	t.Setenv("FVGATEWAY_LOG_LEVEL", "debug")

	applyEnvOverrides(cfg)

	if cfg.Serial.Device != "/dev/ttyS1" {
		t.Errorf("Serial.Device = %q, want %q", cfg.Serial.Device, "/dev/ttyS1")
	}
	if cfg.Serial.BaudRate != 19200 {
		t.Errorf("Serial.BaudRate = %d, want 19200", cfg.Serial.BaudRate)
	}
	if cfg.MQTT.Broker.Host != "mqtt.example.com" {
		t.Errorf("MQTT.Broker.Host = %q, want %q", cfg.MQTT.Broker.Host, "mqtt.example.com")
	}
	if cfg.MQTT.Broker.Port != 8883 {
		t.Errorf("MQTT.Broker.Port = %d, want 8883", cfg.MQTT.Broker.Port)
	}
	if cfg.MQTT.Auth.Username != "testuser" {
		t.Errorf("MQTT.Auth.Username = %q, want %q", cfg.MQTT.Auth.Username, "testuser")
	}
	if cfg.MQTT.Auth.Password != "testpass" {
		t.Errorf("MQTT.Auth.Password = %q, want %q", cfg.MQTT.Auth.Password, "testpass")
	}
	if cfg.Database.Path != "/custom/path.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "/custom/path.db")
	}
	if cfg.InfluxDB.Token != "secret-token" {
		t.Errorf("InfluxDB.Token = %q, want %q", cfg.InfluxDB.Token, "secret-token")
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, "debug")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := defaultConfig()

	if cfg.Serial.ReadTimeout != time.Second {
		t.Errorf("defaultConfig Serial.ReadTimeout = %v, want 1s", cfg.Serial.ReadTimeout)
	}
	if cfg.MQTT.Broker.Port != 1883 {
		t.Errorf("defaultConfig MQTT.Broker.Port = %d, want 1883", cfg.MQTT.Broker.Port)
	}
	if cfg.Discovery.Prefix != "homeassistant" || cfg.Discovery.Path != "fvcontrol" {
		t.Errorf("defaultConfig Discovery = %+v", cfg.Discovery)
	}
	if cfg.Relay.Port != 1576 || cfg.Relay.Timeout != 10*time.Second {
		t.Errorf("defaultConfig Relay = %+v", cfg.Relay)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaultConfig does not validate: %v", err)
	}
}
