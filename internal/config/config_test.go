package config_test

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/icmptun/icmptun/internal/config"
)

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig()

	if cfg.Metrics.Addr != "" {
		t.Errorf("Metrics.Addr = %q, want empty (disabled by default)", cfg.Metrics.Addr)
	}
	if cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics.Path = %q, want %q", cfg.Metrics.Path, "/metrics")
	}
	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "info")
	}
	if cfg.Log.Format != "json" {
		t.Errorf("Log.Format = %q, want %q", cfg.Log.Format, "json")
	}

	// Endpoint has no default; DefaultConfig() alone must fail validation.
	if err := config.Validate(cfg); !errors.Is(err, config.ErrInvalidID) {
		t.Errorf("Validate(DefaultConfig()) = %v, want ErrInvalidID", err)
	}
}

func TestLoadFromYAML(t *testing.T) {
	t.Parallel()

	yamlContent := `
endpoint:
  id: 1
  peer: "198.51.100.2"
metrics:
  addr: ":9200"
  path: "/custom-metrics"
log:
  level: "debug"
  format: "text"
`
	path := writeTemp(t, yamlContent)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if cfg.Endpoint.ID != 1 {
		t.Errorf("Endpoint.ID = %d, want 1", cfg.Endpoint.ID)
	}
	if cfg.Endpoint.Peer != "198.51.100.2" {
		t.Errorf("Endpoint.Peer = %q, want %q", cfg.Endpoint.Peer, "198.51.100.2")
	}
	if cfg.Metrics.Addr != ":9200" {
		t.Errorf("Metrics.Addr = %q, want %q", cfg.Metrics.Addr, ":9200")
	}
	if cfg.Metrics.Path != "/custom-metrics" {
		t.Errorf("Metrics.Path = %q, want %q", cfg.Metrics.Path, "/custom-metrics")
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "debug")
	}
	if cfg.Log.Format != "text" {
		t.Errorf("Log.Format = %q, want %q", cfg.Log.Format, "text")
	}

	if err := config.Validate(cfg); err != nil {
		t.Errorf("Validate() on loaded config: %v", err)
	}
}

func TestLoadMergesDefaults(t *testing.T) {
	t.Parallel()

	// Partial YAML: only override endpoint and log.level. Metrics and
	// log.format should inherit from defaults.
	yamlContent := `
endpoint:
  id: 2
  peer: "198.51.100.1"
log:
  level: "warn"
`
	path := writeTemp(t, yamlContent)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if cfg.Log.Level != "warn" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "warn")
	}
	if cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics.Path = %q, want default %q", cfg.Metrics.Path, "/metrics")
	}
	if cfg.Log.Format != "json" {
		t.Errorf("Log.Format = %q, want default %q", cfg.Log.Format, "json")
	}
}

func TestLoadWithoutFile(t *testing.T) {
	// Not parallel: t.Setenv panics in parallel tests.
	t.Setenv("ICMPTUN_ENDPOINT_ID", "1")
	t.Setenv("ICMPTUN_ENDPOINT_PEER", "198.51.100.2")

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load(\"\") error: %v", err)
	}
	if cfg.Endpoint.ID != 1 {
		t.Errorf("Endpoint.ID = %d, want 1", cfg.Endpoint.ID)
	}
}

func TestValidateErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		modify  func(*config.Config)
		wantErr error
	}{
		{
			name: "zero id",
			modify: func(cfg *config.Config) {
				cfg.Endpoint.ID = 0
				cfg.Endpoint.Peer = "198.51.100.2"
			},
			wantErr: config.ErrInvalidID,
		},
		{
			name: "empty peer",
			modify: func(cfg *config.Config) {
				cfg.Endpoint.ID = 1
				cfg.Endpoint.Peer = ""
			},
			wantErr: config.ErrInvalidPeer,
		},
		{
			name: "unparsable peer",
			modify: func(cfg *config.Config) {
				cfg.Endpoint.ID = 1
				cfg.Endpoint.Peer = "not-an-address"
			},
			wantErr: config.ErrInvalidPeer,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := config.DefaultConfig()
			tt.modify(cfg)

			err := config.Validate(cfg)
			if err == nil {
				t.Fatal("Validate() returned nil, want error")
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestEndpointPeerAddrStripsPort(t *testing.T) {
	t.Parallel()

	ec := config.EndpointConfig{ID: 1, Peer: "198.51.100.2:0"}
	addr, err := ec.PeerAddr()
	if err != nil {
		t.Fatalf("PeerAddr() error: %v", err)
	}
	if addr.String() != "198.51.100.2" {
		t.Errorf("PeerAddr() = %s, want 198.51.100.2", addr)
	}
}

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input string
		want  slog.Level
	}{
		{input: "debug", want: slog.LevelDebug},
		{input: "DEBUG", want: slog.LevelDebug},
		{input: "info", want: slog.LevelInfo},
		{input: "warn", want: slog.LevelWarn},
		{input: "error", want: slog.LevelError},
		{input: "unknown", want: slog.LevelInfo},
		{input: "", want: slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()

			if got := config.ParseLogLevel(tt.input); got != tt.want {
				t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestLoadNonexistentFile(t *testing.T) {
	t.Parallel()

	_, err := config.Load("/nonexistent/path/icmptun.yml")
	if err == nil {
		t.Fatal("Load() returned nil error for nonexistent file")
	}
}

// writeTemp creates a temporary YAML file and returns its path. The file
// is automatically cleaned up when the test finishes.
func writeTemp(t *testing.T, content string) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "icmptun.yml")

	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write temp file: %v", err)
	}

	return path
}
