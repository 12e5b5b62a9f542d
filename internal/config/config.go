// Package config loads and validates the daemon's YAML configuration file:
// the declared interfaces, their zone bindings, and the control socket path.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	systemConfigPath  = "/etc/zonewatch/config.yaml"
	packagedConfigPath = "/usr/share/zonewatch/config.yaml"
)

// Interface describes one config-declared network interface.
type Interface struct {
	Name         string `yaml:"name"`
	DHCP         bool   `yaml:"dhcp,omitempty"`
	Address      string `yaml:"address,omitempty"`
	NftablesZone string `yaml:"nftables_zone,omitempty"`
}

// Config is the daemon's top-level configuration.
type Config struct {
	Interfaces        []Interface `yaml:"interfaces"`
	SocketPath        string      `yaml:"socket_path,omitempty"`
	NftablesRulesPath string      `yaml:"nftables_rules_path,omitempty"`
}

// Zones returns the set of distinct zone names declared across interfaces,
// in first-seen order. Interfaces with no nftables_zone contribute nothing.
func (c Config) Zones() []string {
	seen := make(map[string]struct{}, len(c.Interfaces))
	var out []string
	for _, iface := range c.Interfaces {
		if iface.NftablesZone == "" {
			continue
		}
		if _, ok := seen[iface.NftablesZone]; ok {
			continue
		}
		seen[iface.NftablesZone] = struct{}{}
		out = append(out, iface.NftablesZone)
	}
	return out
}

// InterfaceZone returns the zone bound to name, and whether one is bound.
func (c Config) InterfaceZone(name string) (string, bool) {
	for _, iface := range c.Interfaces {
		if iface.Name == name {
			if iface.NftablesZone == "" {
				return "", false
			}
			return iface.NftablesZone, true
		}
	}
	return "", false
}

// Path resolves the configuration file location.
//
// Order: explicit override -> canonical system path -> packaged default ->
// per-user config directory. A missing override is a hard error; every
// other "not present" case falls through to the next candidate.
func Path(override string) (string, error) {
	if override != "" {
		if _, err := os.Stat(override); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return "", fmt.Errorf("config override %q not found", override)
			}
			return "", fmt.Errorf("stat config override %q: %w", override, err)
		}
		return override, nil
	}

	if _, err := os.Stat(systemConfigPath); err == nil {
		return systemConfigPath, nil
	}

	if _, err := os.Stat(packagedConfigPath); err == nil {
		return packagedConfigPath, nil
	}

	if dir := userConfigDir(); dir != "" {
		userPath := filepath.Join(dir, "zonewatch", "config.yaml")
		if _, err := os.Stat(userPath); err == nil {
			return userPath, nil
		}
	}

	return "", fmt.Errorf(
		"configuration file not found: looked in %q, %q, %q",
		systemConfigPath, packagedConfigPath, filepath.Join(userConfigDir(), "zonewatch", "config.yaml"),
	)
}

func userConfigDir() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config")
}

// Load resolves the config path and parses it. A zero override lets Path
// fall through the discovery order; a non-zero override is used directly.
func Load(override string) (Config, error) {
	path, err := Path(override)
	if err != nil {
		return Config{}, fmt.Errorf("resolve config path: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %q: %w", path, err)
	}

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the semantic invariants spec.md requires at startup and
// reload: at least one interface, and every interface has a non-empty name.
func Validate(cfg Config) error {
	if len(cfg.Interfaces) == 0 {
		return errors.New("config must declare at least one interface")
	}
	for i, iface := range cfg.Interfaces {
		if strings.TrimSpace(iface.Name) == "" {
			return fmt.Errorf("interface at index %d has an empty name", i)
		}
	}
	return nil
}
