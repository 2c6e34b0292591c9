package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

const validYAML = `
data_dir: /var/lib/monios
runtime:
  base_url: https://machines.example.com
  token: secret
queue:
  max_queue_size: 5
gateways:
  http:
    enabled: true
    listen_addr: ":9000"
janitor:
  enabled: true
`

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", validYAML)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Runtime.BaseURL != "https://machines.example.com" {
		t.Errorf("runtime.base_url = %q", cfg.Runtime.BaseURL)
	}
	if cfg.Queue.QueueSize() != 5 {
		t.Errorf("queue size = %d, want 5", cfg.Queue.QueueSize())
	}
	if cfg.Gateways.HTTP.Addr() != ":9000" {
		t.Errorf("http addr = %q", cfg.Gateways.HTTP.Addr())
	}
	if cfg.Janitor.CronSpec() != "@every 5m" {
		t.Errorf("janitor spec = %q", cfg.Janitor.CronSpec())
	}
	if cfg.DatabasePath() != "/var/lib/monios/monios.db" {
		t.Errorf("db path = %q", cfg.DatabasePath())
	}
	if cfg.SessionPath() != "/var/lib/monios/sessions.json" {
		t.Errorf("session path = %q", cfg.SessionPath())
	}
}

func TestLoadJSON(t *testing.T) {
	path := writeConfig(t, "config.json", `{
		"runtime": {"base_url": "https://api.example.com", "token": "tok"},
		"registry": {"driver": "sqlite", "path": "/tmp/reg.db"}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Registry.RegistryDriver() != "sqlite" {
		t.Errorf("registry driver = %q", cfg.Registry.RegistryDriver())
	}
	if cfg.DatabasePath() != "/tmp/reg.db" {
		t.Errorf("db path = %q", cfg.DatabasePath())
	}
}

func TestEnvOverridesWin(t *testing.T) {
	path := writeConfig(t, "config.yaml", validYAML)
	t.Setenv("MONIOS_RUNTIME_TOKEN", "env-token")
	t.Setenv("MONIOS_DATA_DIR", "/srv/monios")
	t.Setenv("MONIOS_REGISTRY_DSN", "postgres://monios@db/monios")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Runtime.Token != "env-token" {
		t.Errorf("token = %q, want env override", cfg.Runtime.Token)
	}
	if cfg.DataDir != "/srv/monios" {
		t.Errorf("data dir = %q, want env override", cfg.DataDir)
	}
	if cfg.Registry.RegistryDriver() != "postgres" || cfg.Registry.DSN == "" {
		t.Errorf("registry = %+v, want postgres via env", cfg.Registry)
	}
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{
			name: "http runtime without base url",
			yaml: "runtime:\n  token: t\n",
		},
		{
			name: "http runtime without token",
			yaml: "runtime:\n  base_url: https://x\n",
		},
		{
			name: "unknown runtime driver",
			yaml: "runtime:\n  driver: vmware\n",
		},
		{
			name: "postgres registry without dsn",
			yaml: "runtime:\n  driver: mock\nregistry:\n  driver: postgres\n",
		},
		{
			name: "unknown session driver",
			yaml: "runtime:\n  driver: mock\nsession:\n  driver: redis\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, "config.yaml", tt.yaml)
			if _, err := Load(path); err == nil {
				t.Error("Load should have failed")
			}
		})
	}
}

func TestDefaults(t *testing.T) {
	path := writeConfig(t, "config.yaml", "runtime:\n  driver: mock\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Registry.RegistryDriver() != "sqlite" {
		t.Errorf("default registry driver = %q", cfg.Registry.RegistryDriver())
	}
	if cfg.Session.SessionDriver() != "file" {
		t.Errorf("default session driver = %q", cfg.Session.SessionDriver())
	}
	if cfg.Queue.QueueSize() != 10 {
		t.Errorf("default queue size = %d", cfg.Queue.QueueSize())
	}
	if cfg.Gateways.WebSocket.WSPath() != "/v1/events" {
		t.Errorf("default ws path = %q", cfg.Gateways.WebSocket.WSPath())
	}
	if cfg.Observability != nil {
		t.Error("observability should default to nil")
	}
}
