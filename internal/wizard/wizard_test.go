package wizard

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/postalsys/tunnel-agent/internal/config"
)

func TestNew(t *testing.T) {
	w := New()
	if w == nil {
		t.Fatal("New() returned nil")
	}
	if w.theme == nil {
		t.Error("New() returned wizard without a theme")
	}
}

func TestBuildConfig(t *testing.T) {
	cfg := buildConfig(Answers{
		Name:          " edge-1 ",
		ControlURL:    "wss://relay.example.com/agent",
		Secret:        "s3cret",
		TCPOrigin:     "127.0.0.1:25565",
		UDPOrigin:     "",
		LogLevel:      "debug",
		HealthEnabled: true,
		HealthAddress: "127.0.0.1:9191",
	})

	if cfg.Agent.Name != "edge-1" {
		t.Errorf("Agent.Name = %q, want %q", cfg.Agent.Name, "edge-1")
	}
	if cfg.Agent.LogLevel != "debug" {
		t.Errorf("Agent.LogLevel = %q, want debug", cfg.Agent.LogLevel)
	}
	if cfg.Agent.LogFormat != "text" {
		t.Errorf("Agent.LogFormat = %q, want text", cfg.Agent.LogFormat)
	}
	if cfg.Control.URL != "wss://relay.example.com/agent" || cfg.Control.Secret != "s3cret" {
		t.Errorf("Control = %+v", cfg.Control)
	}
	if cfg.Origin.TCPAddress != "127.0.0.1:25565" || cfg.Origin.UDPAddress != "" {
		t.Errorf("Origin = %+v", cfg.Origin)
	}
	if !cfg.Health.Enabled || cfg.Health.Address != "127.0.0.1:9191" {
		t.Errorf("Health = %+v", cfg.Health)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("built config does not validate: %v", err)
	}
}

func TestBuildConfigDefaults(t *testing.T) {
	cfg := buildConfig(DefaultAnswers())
	def := config.Default()

	if cfg.Tunnel != def.Tunnel {
		t.Errorf("Tunnel = %+v, want defaults %+v", cfg.Tunnel, def.Tunnel)
	}
	if cfg.Control.DialTimeout != def.Control.DialTimeout {
		t.Errorf("DialTimeout = %v, want %v", cfg.Control.DialTimeout, def.Control.DialTimeout)
	}
	if cfg.Control.Secret != "${TUNNEL_AGENT_SECRET}" {
		t.Errorf("Secret = %q, want env reference", cfg.Control.Secret)
	}
	if cfg.Agent.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", cfg.Agent.LogLevel)
	}
}

func TestSecretHint(t *testing.T) {
	want := "Use ${TUNNEL_AGENT_SECRET} to read it from the environment"
	if secretHint != want {
		t.Errorf("secretHint = %q, want %q", secretHint, want)
	}
}

func TestWriteConfig(t *testing.T) {
	tmpDir := t.TempDir()

	cfg := buildConfig(Answers{
		ControlURL: "wss://relay.example.com/agent",
		Secret:     "s3cret",
		UDPOrigin:  "127.0.0.1:19132",
		LogLevel:   "debug",
	})

	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := writeConfig(cfg, configPath); err != nil {
		t.Fatalf("writeConfig failed: %v", err)
	}

	info, err := os.Stat(configPath)
	if err != nil {
		t.Fatalf("Config file was not created: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("config mode = %o, want 600", perm)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("Failed to read config file: %v", err)
	}
	content := string(data)

	if !strings.HasPrefix(content, "# Tunnel Agent Configuration") {
		t.Error("Config file missing header comment")
	}
	if !strings.Contains(content, "log_level: debug") {
		t.Error("Config file missing log_level value")
	}
	if !strings.Contains(content, "udp_address: 127.0.0.1:19132") {
		t.Error("Config file missing udp_address value")
	}

	// The written file loads back to the same settings.
	loaded, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("Load() of written config error = %v", err)
	}
	if loaded.Control != cfg.Control || loaded.Origin != cfg.Origin || loaded.Tunnel != cfg.Tunnel {
		t.Errorf("loaded config differs:\n got %+v\nwant %+v", loaded, cfg)
	}
}

func TestWriteConfigCreatesDirectory(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "subdir", "nested", "config.yaml")

	if err := writeConfig(buildConfig(DefaultAnswers()), configPath); err != nil {
		t.Fatalf("writeConfig failed: %v", err)
	}

	if _, err := os.Stat(configPath); err != nil {
		t.Fatalf("Config file was not created: %v", err)
	}
}

func TestWriteDefaults(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "agent.yaml")
	t.Setenv(SecretEnvVar, "from-env")

	res, err := New().WriteDefaults(configPath)
	if err != nil {
		t.Fatalf("WriteDefaults() error = %v", err)
	}
	if res.ConfigPath != configPath {
		t.Errorf("ConfigPath = %q, want %q", res.ConfigPath, configPath)
	}

	loaded, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.Control.Secret != "from-env" {
		t.Errorf("Secret = %q, want value from environment", loaded.Control.Secret)
	}
}

func TestValidators(t *testing.T) {
	tests := []struct {
		name    string
		fn      func(string) error
		input   string
		wantErr bool
	}{
		{"yaml path", validateConfigPath, "./config.yaml", false},
		{"yml path", validateConfigPath, "agent.yml", false},
		{"empty path", validateConfigPath, "", true},
		{"json path", validateConfigPath, "config.json", true},
		{"wss url", validateControlURL, "wss://relay.example.com/agent", false},
		{"ws url", validateControlURL, "ws://127.0.0.1:8080", false},
		{"http url", validateControlURL, "https://relay.example.com", true},
		{"no host", validateControlURL, "wss:///agent", true},
		{"empty origin", validateOptionalHostPort, "", false},
		{"origin", validateOptionalHostPort, "127.0.0.1:25565", false},
		{"origin without port", validateOptionalHostPort, "localhost", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.fn(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestOriginLabel(t *testing.T) {
	if got := originLabel(""); got != "echo" {
		t.Errorf("originLabel(\"\") = %q, want echo", got)
	}
	if got := originLabel("127.0.0.1:80"); got != "127.0.0.1:80" {
		t.Errorf("originLabel() = %q", got)
	}
}
