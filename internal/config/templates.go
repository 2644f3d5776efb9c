package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

const (
	KindRelay = "relay"
	KindGen   = "gen"
)

// Template renders the default configuration for kind as TOML.
func Template(kind string) (string, error) {
	var (
		header string
		body   any
	)
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case KindRelay:
		header = "# relayctl configuration\n# bus_driver: socketcan | replay | memory; mode: shared | broadcast | exclusive\n"
		cfg := DefaultRelayConfig()
		cfg.Relay.ListenAddr = "0.0.0.0:8000"
		body = relayFileFrom(cfg)
	case KindGen:
		header = "# genctl configuration\n"
		body = genFileFrom(DefaultGenConfig())
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
	out, err := toml.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("render %s template: %w", kind, err)
	}
	return header + string(out), nil
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

// Validate loads the file at path as kind and reports any error.
func Validate(path, kind string) error {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case KindRelay:
		_, err := LoadRelayConfig(path)
		return err
	case KindGen:
		_, err := LoadGenConfig(path)
		return err
	default:
		return fmt.Errorf("unknown config kind: %s", kind)
	}
}

// DefaultPath is where each binary looks for its config by default.
func DefaultPath(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case KindRelay:
		return "cmd/relayctl/config.toml", nil
	case KindGen:
		return "cmd/genctl/config.toml", nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}
