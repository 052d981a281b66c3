// Package config manages icmptun daemon configuration using koanf/v2.
//
// Supports YAML files and environment variables; CLI flag overrides are
// applied by the caller on the returned Config.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete icmptun configuration.
type Config struct {
	Endpoint EndpointConfig `koanf:"endpoint"`
	Metrics  MetricsConfig  `koanf:"metrics"`
	Log      LogConfig      `koanf:"log"`
	Privdrop PrivdropConfig `koanf:"privdrop"`
}

// EndpointConfig describes this side of the tunnel.
type EndpointConfig struct {
	// ID is the non-zero 8-bit tag this endpoint stamps on outbound
	// frames. Must differ from the peer's id.
	ID uint8 `koanf:"id"`

	// Peer is the remote host, as an IPv4 address. A port may be present
	// for operator convenience but is ignored at the ICMP layer.
	Peer string `koanf:"peer"`
}

// PeerAddr parses Peer as a netip.Addr. Peer may carry a port suffix for
// operator convenience (the port is irrelevant at the ICMP layer and is
// discarded).
func (ec EndpointConfig) PeerAddr() (netip.Addr, error) {
	if ec.Peer == "" {
		return netip.Addr{}, fmt.Errorf("endpoint peer: %w", ErrEmptyPeer)
	}

	if addrPort, err := netip.ParseAddrPort(ec.Peer); err == nil {
		return addrPort.Addr(), nil
	}

	if host, _, err := net.SplitHostPort(ec.Peer); err == nil {
		if addr, err := netip.ParseAddr(host); err == nil {
			return addr, nil
		}
	}

	addr, err := netip.ParseAddr(ec.Peer)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("parse endpoint peer %q: %w", ec.Peer, err)
	}
	return addr, nil
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint (e.g.,
	// ":9100"). Empty disables the endpoint.
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// PrivdropConfig names the unprivileged identity to assume after the raw
// socket is open. Empty fields skip privilege dropping entirely.
type PrivdropConfig struct {
	User  string `koanf:"user"`
	Group string `koanf:"group"`
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults. The
// endpoint id and peer have no sane default and must be supplied by the
// caller; DefaultConfig leaves Endpoint zero-valued.
func DefaultConfig() *Config {
	return &Config{
		Metrics: MetricsConfig{
			Addr: "",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for icmptun configuration.
// Variables are named ICMPTUN_<section>_<key>, e.g. ICMPTUN_ENDPOINT_ID.
const envPrefix = "ICMPTUN_"

// Load reads configuration from an optional YAML file at path, overlays
// environment variable overrides (ICMPTUN_ prefix), and merges on top of
// DefaultConfig(). A blank path skips the file layer. Missing fields
// inherit defaults. Load does not validate the result: callers apply any
// further overrides (such as CLI flags) and then call Validate.
//
// Environment variable mapping:
//
//	ICMPTUN_ENDPOINT_ID    -> endpoint.id
//	ICMPTUN_ENDPOINT_PEER  -> endpoint.peer
//	ICMPTUN_METRICS_ADDR   -> metrics.addr
//	ICMPTUN_METRICS_PATH   -> metrics.path
//	ICMPTUN_LOG_LEVEL      -> log.level
//	ICMPTUN_LOG_FORMAT     -> log.format
//	ICMPTUN_PRIVDROP_USER  -> privdrop.user
//	ICMPTUN_PRIVDROP_GROUP -> privdrop.group
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return cfg, nil
}

// envKeyMapper transforms ICMPTUN_ENDPOINT_ID -> endpoint.id. Strips the
// ICMPTUN_ prefix, lowercases, and replaces _ with .
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, "_", ".")
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"metrics.addr": defaults.Metrics.Addr,
		"metrics.path": defaults.Metrics.Path,
		"log.level":    defaults.Log.Level,
		"log.format":   defaults.Log.Format,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrEmptyPeer indicates the endpoint's peer address is unset.
	ErrEmptyPeer = errors.New("endpoint.peer must not be empty")

	// ErrInvalidID indicates the endpoint id is zero; zero is reserved to
	// mean "no signature, ordinary ICMP traffic".
	ErrInvalidID = errors.New("endpoint.id must be non-zero")

	// ErrInvalidPeer indicates the peer address could not be parsed.
	ErrInvalidPeer = errors.New("endpoint.peer is not a valid address")
)

// Validate checks the configuration for logical errors.
func Validate(cfg *Config) error {
	if cfg.Endpoint.ID == 0 {
		return ErrInvalidID
	}

	if _, err := cfg.Endpoint.PeerAddr(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPeer, err)
	}

	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the
// corresponding slog.Level. Unknown values default to slog.LevelInfo.
//
// Recognized values: "debug", "info", "warn", "error" (case-insensitive).
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
