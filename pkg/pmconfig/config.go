// Package pmconfig binds the package manager's process configuration:
// the environment variables and optional YAML settings file that control
// channel selection, cache/prefix locations, and transaction safety
// toggles (§6). No env-parsing library (envconfig, caarlos0/env, viper,
// ...) appears anywhere in the corpus, so binding is explicit os.Getenv
// reads, the same style source_date_epoch.go uses for SOURCE_DATE_EPOCH
// and cmd_layer_wheel.go's settings-file flag uses for everything else.
package pmconfig

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"sigs.k8s.io/yaml"

	"github.com/datawire/prefixctl/pkg/collab"
)

// Config is the resolved process configuration: environment variables
// read once at startup, plus whatever a settings file overrides.
type Config struct {
	RootPrefix      string   `json:"root_prefix,omitempty"`
	Channels        []string `json:"channels,omitempty"`
	ChannelPriority bool     `json:"channel_priority,omitempty"`
	PkgsDirs        []string `json:"pkgs_dirs,omitempty"`
	Offline         bool     `json:"offline,omitempty"`
	AlwaysYes       bool     `json:"always_yes,omitempty"`
	DisallowedPkgs  []string `json:"disallowed_packages,omitempty"`
	// SafetyChecks selects transaction.SafetyPolicy ("disabled", "warn",
	// or "enabled"); any other value (including unset) behaves like "warn".
	SafetyChecks string `json:"safety_checks,omitempty"`
}

// envPrefix namespaces this project's environment variables the way
// CONDA_ namespaces the original system's.
const envPrefix = "PREFIXCTL_"

// FromEnv builds a Config by reading the process environment, falling
// back to the given defaults for anything unset.
func FromEnv(defaults Config) Config {
	cfg := defaults

	if v, ok := lookupEnv("ROOT_PREFIX"); ok {
		cfg.RootPrefix = v
	}
	if v, ok := lookupEnv("CHANNELS"); ok {
		cfg.Channels = splitNonEmpty(v, ",")
	}
	if v, ok := lookupEnv("CHANNEL_PRIORITY"); ok {
		cfg.ChannelPriority = parseBool(v, cfg.ChannelPriority)
	}
	if v, ok := lookupEnv("PKGS_DIRS"); ok {
		cfg.PkgsDirs = splitNonEmpty(v, ",")
	}
	if v, ok := lookupEnv("OFFLINE"); ok {
		cfg.Offline = parseBool(v, cfg.Offline)
	}
	if v, ok := lookupEnv("ALWAYS_YES"); ok {
		cfg.AlwaysYes = parseBool(v, cfg.AlwaysYes)
	}
	if v, ok := lookupEnv("DISALLOWED_PACKAGES"); ok {
		cfg.DisallowedPkgs = splitNonEmpty(v, ",")
	}
	if v, ok := lookupEnv("SAFETY_CHECKS"); ok {
		cfg.SafetyChecks = v
	}

	return cfg
}

func lookupEnv(suffix string) (string, bool) {
	return os.LookupEnv(envPrefix + suffix)
}

func parseBool(v string, fallback bool) bool {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func splitNonEmpty(v, sep string) []string {
	var out []string
	for _, part := range strings.Split(v, sep) {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// LoadFile reads a YAML settings file, the same strict
// DisallowUnknownFields parse cmd_layer_wheel.go performs for its
// platform-file flag, applied here to .prefixctlrc-style settings.
func LoadFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("pmconfig: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg, yaml.DisallowUnknownFields); err != nil {
		return Config{}, fmt.Errorf("pmconfig: %s: %w", path, err)
	}
	return cfg, nil
}

// envConfig adapts Config to the collab.Config interface so core
// components that only need a handful of keys don't need to import this
// whole package.
type envConfig struct{ cfg Config }

// AsCollabConfig exposes cfg as a collab.Config.
func AsCollabConfig(cfg Config) collab.Config { return &envConfig{cfg: cfg} }

func (e *envConfig) Get(key string) (string, bool) {
	switch key {
	case "root_prefix":
		if e.cfg.RootPrefix == "" {
			return "", false
		}
		return e.cfg.RootPrefix, true
	case "offline":
		return strconv.FormatBool(e.cfg.Offline), true
	case "always_yes":
		return strconv.FormatBool(e.cfg.AlwaysYes), true
	case "channel_priority":
		return strconv.FormatBool(e.cfg.ChannelPriority), true
	default:
		return "", false
	}
}
