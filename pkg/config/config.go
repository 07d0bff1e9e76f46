// Package config loads the monitor's TOML configuration: which ports to
// open and how, buffer retention bounds, and the initial pattern and
// filter sets.
package config

import (
	"fmt"
	"os"
	"regexp"

	"github.com/BurntSushi/toml"
)

// Config is the full configuration file.
type Config struct {
	MaxEntries  int            `toml:"max_entries"`
	MaxBytes    int            `toml:"max_bytes"`
	MetricsAddr string         `toml:"metrics_addr"`
	Ports       []PortConfig   `toml:"ports"`
	Patterns    []NamedPattern `toml:"patterns"`
	Filters     []NamedPattern `toml:"filters"`
}

// PortConfig describes one serial link to open at startup.
type PortConfig struct {
	Name        string  `toml:"name"`
	Baud        int     `toml:"baud"`
	DataBits    int     `toml:"data_bits"`
	StopBits    float64 `toml:"stop_bits"`
	Parity      string  `toml:"parity"`
	FlowControl bool    `toml:"flow_control"`
}

// NamedPattern is a named byte pattern, used for both notification
// patterns and removal filters.
type NamedPattern struct {
	Name    string `toml:"name"`
	Pattern string `toml:"pattern"`
}

var parities = map[string]bool{
	"none": true, "even": true, "odd": true, "mark": true, "space": true,
}

// Load reads and validates the configuration at path, applying defaults
// for anything left unset.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	applyDefaults(&cfg)
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.MaxEntries == 0 {
		cfg.MaxEntries = 10000
	}
	if cfg.MaxBytes == 0 {
		cfg.MaxBytes = 1 << 20
	}
	for i := range cfg.Ports {
		p := &cfg.Ports[i]
		if p.Baud == 0 {
			p.Baud = 9600
		}
		if p.DataBits == 0 {
			p.DataBits = 8
		}
		if p.StopBits == 0 {
			p.StopBits = 1
		}
		if p.Parity == "" {
			p.Parity = "none"
		}
	}
}

// Validate checks every port and pattern entry; the first problem found
// is returned.
func Validate(cfg Config) error {
	for _, p := range cfg.Ports {
		if p.Name == "" {
			return fmt.Errorf("port with empty name")
		}
		if p.Baud <= 0 {
			return fmt.Errorf("port %s: invalid baud %d", p.Name, p.Baud)
		}
		if p.DataBits < 5 || p.DataBits > 8 {
			return fmt.Errorf("port %s: invalid data bits %d", p.Name, p.DataBits)
		}
		if p.StopBits != 1 && p.StopBits != 1.5 && p.StopBits != 2 {
			return fmt.Errorf("port %s: invalid stop bits %g", p.Name, p.StopBits)
		}
		if !parities[p.Parity] {
			return fmt.Errorf("port %s: invalid parity %q", p.Name, p.Parity)
		}
	}
	for _, group := range [][]NamedPattern{cfg.Patterns, cfg.Filters} {
		for _, np := range group {
			if np.Name == "" {
				return fmt.Errorf("pattern with empty name")
			}
			if _, err := regexp.Compile(np.Pattern); err != nil {
				return fmt.Errorf("pattern %s: %v", np.Name, err)
			}
		}
	}
	return nil
}
