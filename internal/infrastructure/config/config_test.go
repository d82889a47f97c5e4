package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_ValidConfig(t *testing.T) {
	content := `
pool:
  name: "bay-pool"
  expected_ttl: 5
  expected_region: "US"
database:
  path: "/tmp/test.db"
  wal_mode: true
  busy_timeout: 5
transport:
  connect_timeout: 10
  response_timeout: 15
mqtt:
  broker:
    host: "localhost"
    port: 1883
    client_id: "test-client"
  qos: 1
`
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Pool.Name != "bay-pool" {
		t.Errorf("Pool.Name = %q, want %q", cfg.Pool.Name, "bay-pool")
	}
	if cfg.Pool.ExpectedTTL != 5 {
		t.Errorf("Pool.ExpectedTTL = %d, want 5", cfg.Pool.ExpectedTTL)
	}
	if cfg.Database.Path != "/tmp/test.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "/tmp/test.db")
	}
	if cfg.MQTT.Broker.Host != "localhost" {
		t.Errorf("MQTT.Broker.Host = %q, want %q", cfg.MQTT.Broker.Host, "localhost")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte("invalid: [yaml: content"), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	_, err := Load(configPath)
	if err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_ValidationFailure(t *testing.T) {
	content := `
pool:
  name: ""
  expected_ttl: 12
database:
  path: "/tmp/test.db"
`
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	_, err := Load(configPath)
	if err == nil {
		t.Error("Load() expected validation error, got nil")
	}
}

func TestLoadOrDefault_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadOrDefault("/nonexistent/path/config.yaml")
	if err != nil {
		t.Fatalf("LoadOrDefault() error = %v", err)
	}

	if cfg.Pool.ExpectedTTL != 7 {
		t.Errorf("Pool.ExpectedTTL = %d, want default 7", cfg.Pool.ExpectedTTL)
	}
	if cfg.MQTT.RootTopic != "msh" {
		t.Errorf("MQTT.RootTopic = %q, want default %q", cfg.MQTT.RootTopic, "msh")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("NODEPOOL_DATABASE_PATH", "/custom/nodepool.db")
	t.Setenv("NODEPOOL_EXPECTED_TTL", "3")
	t.Setenv("NODEPOOL_EXPECTED_REGION", "EU_868")

	cfg, err := LoadOrDefault("/nonexistent/path/config.yaml")
	if err != nil {
		t.Fatalf("LoadOrDefault() error = %v", err)
	}

	if cfg.Database.Path != "/custom/nodepool.db" {
		t.Errorf("Database.Path = %q, want env override", cfg.Database.Path)
	}
	if cfg.Pool.ExpectedTTL != 3 {
		t.Errorf("Pool.ExpectedTTL = %d, want 3", cfg.Pool.ExpectedTTL)
	}
	if cfg.Pool.ExpectedRegion != "EU_868" {
		t.Errorf("Pool.ExpectedRegion = %q, want EU_868", cfg.Pool.ExpectedRegion)
	}
}

func TestValidate_Timeouts(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:   "defaults are valid",
			mutate: func(_ *Config) {},
		},
		{
			name:    "zero connect timeout",
			mutate:  func(c *Config) { c.Transport.ConnectTimeout = 0 },
			wantErr: true,
		},
		{
			name:    "negative response timeout",
			mutate:  func(c *Config) { c.Transport.ResponseTimeout = -1 },
			wantErr: true,
		},
		{
			name:    "invalid qos",
			mutate:  func(c *Config) { c.MQTT.QoS = 3 },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
