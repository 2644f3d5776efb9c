// Package config loads the relay and generator TOML files. Keys present in
// a file override the defaults; absent keys keep them.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/danmuck/canrelay/internal/admin"
	"github.com/danmuck/canrelay/internal/bus"
	"github.com/danmuck/canrelay/internal/generator"
	"github.com/danmuck/canrelay/internal/relay"
)

// CaptureConfig enables the on-disk frame capture when Dir is set.
type CaptureConfig struct {
	Dir      string
	Prefix   string
	MaxLines int
}

// RelayConfig is everything relayctl needs to start.
type RelayConfig struct {
	Relay   relay.Config
	Bus     bus.Config
	Admin   admin.Config
	Capture CaptureConfig
}

func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		Relay: relay.DefaultConfig(),
		Bus:   bus.DefaultConfig(),
		Admin: admin.Config{NodeID: "canrelay"},
		Capture: CaptureConfig{
			Prefix:   "frames",
			MaxLines: 100000,
		},
	}
}

// GenConfig is everything genctl needs to start.
type GenConfig struct {
	Generator generator.Config
	Bus       bus.Config
	Admin     admin.Config
}

func DefaultGenConfig() GenConfig {
	return GenConfig{
		Generator: generator.DefaultConfig(),
		Bus:       bus.DefaultConfig(),
		Admin:     admin.Config{NodeID: "cangen"},
	}
}

// relay config.toml keys
type relayFile struct {
	ListenAddr      string   `toml:"listen_addr"`
	Backlog         int      `toml:"backlog"`
	ReceiveTimeout  string   `toml:"receive_timeout"`
	WriteTimeout    string   `toml:"write_timeout"`
	Mode            string   `toml:"mode"`
	QueueDepth      int      `toml:"queue_depth"`
	TLSEnabled      bool     `toml:"tls_enabled"`
	TLSMutual       bool     `toml:"tls_mutual"`
	TLSCertFile     string   `toml:"tls_cert_file"`
	TLSKeyFile      string   `toml:"tls_key_file"`
	TLSCAFile       string   `toml:"tls_ca_file"`
	BusDriver       string   `toml:"bus_driver"`
	BusChannel      string   `toml:"bus_channel"`
	BusLoop         bool     `toml:"bus_loop"`
	BusPace         bool     `toml:"bus_pace"`
	BusLoopback     bool     `toml:"bus_loopback"`
	AdminAddr       string   `toml:"admin_addr"`
	NodeID          string   `toml:"node_id"`
	CORSOrigins     []string `toml:"cors_origins"`
	CaptureDir      string   `toml:"capture_dir"`
	CapturePrefix   string   `toml:"capture_prefix"`
	CaptureMaxLines int      `toml:"capture_max_lines"`
}

// generator config.toml keys
type genFile struct {
	ArbitrationID string   `toml:"arbitration_id"`
	Interval      string   `toml:"interval"`
	SendTimeout   string   `toml:"send_timeout"`
	Count         int      `toml:"count"`
	BusDriver     string   `toml:"bus_driver"`
	BusChannel    string   `toml:"bus_channel"`
	BusLoopback   bool     `toml:"bus_loopback"`
	AdminAddr     string   `toml:"admin_addr"`
	NodeID        string   `toml:"node_id"`
	CORSOrigins   []string `toml:"cors_origins"`
}

func LoadRelayConfig(path string) (RelayConfig, error) {
	cfg := DefaultRelayConfig()

	var raw relayFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return RelayConfig{}, fmt.Errorf("load relay config: %w", err)
	}

	if meta.IsDefined("listen_addr") {
		cfg.Relay.ListenAddr = strings.TrimSpace(raw.ListenAddr)
	}
	if meta.IsDefined("backlog") {
		cfg.Relay.Backlog = raw.Backlog
	}
	if meta.IsDefined("receive_timeout") {
		if cfg.Relay.ReceiveTimeout, err = parseDuration("receive_timeout", raw.ReceiveTimeout); err != nil {
			return RelayConfig{}, err
		}
	}
	if meta.IsDefined("write_timeout") {
		if cfg.Relay.WriteTimeout, err = parseDuration("write_timeout", raw.WriteTimeout); err != nil {
			return RelayConfig{}, err
		}
	}
	if meta.IsDefined("mode") {
		mode, err := relay.ParseMode(raw.Mode)
		if err != nil {
			return RelayConfig{}, fmt.Errorf("load relay config: %w", err)
		}
		cfg.Relay.Mode = mode
	}
	if meta.IsDefined("queue_depth") {
		cfg.Relay.QueueDepth = raw.QueueDepth
	}
	if meta.IsDefined("tls_enabled") {
		cfg.Relay.TLS.Enabled = raw.TLSEnabled
	}
	if meta.IsDefined("tls_mutual") {
		cfg.Relay.TLS.Mutual = raw.TLSMutual
	}
	if meta.IsDefined("tls_cert_file") {
		cfg.Relay.TLS.CertFile = strings.TrimSpace(raw.TLSCertFile)
	}
	if meta.IsDefined("tls_key_file") {
		cfg.Relay.TLS.KeyFile = strings.TrimSpace(raw.TLSKeyFile)
	}
	if meta.IsDefined("tls_ca_file") {
		cfg.Relay.TLS.CAFile = strings.TrimSpace(raw.TLSCAFile)
	}
	if meta.IsDefined("bus_driver") {
		cfg.Bus.Driver = strings.TrimSpace(raw.BusDriver)
	}
	if meta.IsDefined("bus_channel") {
		cfg.Bus.Channel = strings.TrimSpace(raw.BusChannel)
	}
	if meta.IsDefined("bus_loop") {
		cfg.Bus.Loop = raw.BusLoop
	}
	if meta.IsDefined("bus_pace") {
		cfg.Bus.Pace = raw.BusPace
	}
	if meta.IsDefined("bus_loopback") {
		cfg.Bus.Loopback = raw.BusLoopback
	}
	if meta.IsDefined("admin_addr") {
		cfg.Admin.ListenAddr = strings.TrimSpace(raw.AdminAddr)
	}
	if meta.IsDefined("node_id") {
		cfg.Admin.NodeID = strings.TrimSpace(raw.NodeID)
	}
	if meta.IsDefined("cors_origins") {
		cfg.Admin.CORSOrigins = raw.CORSOrigins
	}
	if meta.IsDefined("capture_dir") {
		cfg.Capture.Dir = strings.TrimSpace(raw.CaptureDir)
	}
	if meta.IsDefined("capture_prefix") {
		cfg.Capture.Prefix = strings.TrimSpace(raw.CapturePrefix)
	}
	if meta.IsDefined("capture_max_lines") {
		cfg.Capture.MaxLines = raw.CaptureMaxLines
	}

	if err := ValidateRelayConfig(cfg); err != nil {
		return RelayConfig{}, fmt.Errorf("load relay config: %w", err)
	}
	return cfg, nil
}

func LoadGenConfig(path string) (GenConfig, error) {
	cfg := DefaultGenConfig()

	var raw genFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return GenConfig{}, fmt.Errorf("load generator config: %w", err)
	}

	if meta.IsDefined("arbitration_id") {
		id, err := parseID(raw.ArbitrationID)
		if err != nil {
			return GenConfig{}, err
		}
		cfg.Generator.ArbitrationID = id
	}
	if meta.IsDefined("interval") {
		if cfg.Generator.Interval, err = parseDuration("interval", raw.Interval); err != nil {
			return GenConfig{}, err
		}
	}
	if meta.IsDefined("send_timeout") {
		if cfg.Generator.SendTimeout, err = parseDuration("send_timeout", raw.SendTimeout); err != nil {
			return GenConfig{}, err
		}
	}
	if meta.IsDefined("count") {
		cfg.Generator.Count = raw.Count
	}
	if meta.IsDefined("bus_driver") {
		cfg.Bus.Driver = strings.TrimSpace(raw.BusDriver)
	}
	if meta.IsDefined("bus_channel") {
		cfg.Bus.Channel = strings.TrimSpace(raw.BusChannel)
	}
	if meta.IsDefined("bus_loopback") {
		cfg.Bus.Loopback = raw.BusLoopback
	}
	if meta.IsDefined("admin_addr") {
		cfg.Admin.ListenAddr = strings.TrimSpace(raw.AdminAddr)
	}
	if meta.IsDefined("node_id") {
		cfg.Admin.NodeID = strings.TrimSpace(raw.NodeID)
	}
	if meta.IsDefined("cors_origins") {
		cfg.Admin.CORSOrigins = raw.CORSOrigins
	}

	if err := ValidateGenConfig(cfg); err != nil {
		return GenConfig{}, fmt.Errorf("load generator config: %w", err)
	}
	return cfg, nil
}

func ValidateRelayConfig(cfg RelayConfig) error {
	if err := cfg.Relay.Validate(); err != nil {
		return err
	}
	if cfg.Relay.Backlog <= 0 {
		return fmt.Errorf("relay config backlog must be positive")
	}
	if cfg.Relay.Mode == relay.ModeBroadcast && cfg.Relay.QueueDepth <= 0 {
		return fmt.Errorf("relay config queue_depth must be positive in broadcast mode")
	}
	if err := cfg.Bus.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(cfg.Capture.Dir) != "" {
		if strings.TrimSpace(cfg.Capture.Prefix) == "" {
			return fmt.Errorf("relay config capture_prefix required when capture_dir is set")
		}
		if cfg.Capture.MaxLines < 0 {
			return fmt.Errorf("relay config capture_max_lines must not be negative")
		}
	}
	return nil
}

func ValidateGenConfig(cfg GenConfig) error {
	if err := cfg.Generator.Validate(); err != nil {
		return err
	}
	return cfg.Bus.Validate()
}

func parseDuration(key, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("config %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("config %s must be positive, got %s", key, raw)
	}
	return d, nil
}

// parseID accepts decimal or 0x-prefixed hex identifiers.
func parseID(raw string) (uint32, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(raw), 0, 32)
	if err != nil {
		return 0, fmt.Errorf("config arbitration_id %q: %w", raw, err)
	}
	return uint32(v), nil
}
