// pkg/config/sources.go
package config

import (
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

// EnvPrefix is the prefix for configuration environment variables.
const EnvPrefix = "CODELENS_"

// Source is one layer of configuration. Sources load into a shared koanf
// instance in Priority order; later (higher priority) sources override.
type Source interface {
	Name() string
	Priority() int
	Load(k *koanf.Koanf) error
}

// Source priorities, lowest loads first.
const (
	PriorityDefaults = 10
	PriorityFile     = 20
	PriorityEnv      = 30
	PriorityFlags    = 40
	// PriorityOverride sits above flags for programmatic overrides such
	// as --debug.
	PriorityOverride = 50
)

// DefaultSources assembles the standard source chain: defaults, optional
// YAML file, CODELENS_* environment, command-line flags, and the debug
// override.
func DefaultSources(configFilePath string, flags *pflag.FlagSet, debug bool) []Source {
	sources := []Source{
		DefaultsSource{},
		FileSource{Path: configFilePath},
		EnvSource{},
	}
	if flags != nil {
		sources = append(sources, FlagSource{Flags: flags})
	}
	if debug {
		sources = append(sources, OverrideSource{Values: map[string]any{"log.level": "debug"}})
	}
	return sources
}

// DefaultsSource loads the hardcoded defaults.
type DefaultsSource struct{}

func (DefaultsSource) Name() string  { return "defaults" }
func (DefaultsSource) Priority() int { return PriorityDefaults }

func (DefaultsSource) Load(k *koanf.Koanf) error {
	return k.Load(confmap.Provider(DefaultConfigAsMap(), "."), nil)
}

// FileSource loads an optional YAML config file. A missing file is not an
// error; a present but unparseable file is.
type FileSource struct {
	Path string
}

func (FileSource) Name() string  { return "file" }
func (FileSource) Priority() int { return PriorityFile }

func (s FileSource) Load(k *koanf.Koanf) error {
	if s.Path == "" {
		return nil
	}
	if _, err := os.Stat(s.Path); os.IsNotExist(err) {
		return nil
	}
	return k.Load(file.Provider(s.Path), yaml.Parser())
}

// EnvSource maps CODELENS_* environment variables onto config keys:
// CODELENS_LOG_LEVEL -> log.level.
type EnvSource struct{}

func (EnvSource) Name() string  { return "env" }
func (EnvSource) Priority() int { return PriorityEnv }

func (EnvSource) Load(k *koanf.Koanf) error {
	return k.Load(env.Provider(EnvPrefix, ".", func(key string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(key, EnvPrefix)), "_", ".")
	}), nil)
}

// FlagSource loads explicitly set pflag values.
type FlagSource struct {
	Flags *pflag.FlagSet
}

func (FlagSource) Name() string  { return "flags" }
func (FlagSource) Priority() int { return PriorityFlags }

func (s FlagSource) Load(k *koanf.Koanf) error {
	return k.Load(posflag.ProviderWithFlag(s.Flags, ".", k, func(f *pflag.Flag) (string, any) {
		if !f.Changed {
			return "", nil
		}
		return f.Name, posflag.FlagVal(s.Flags, f)
	}), nil)
}

// OverrideSource applies fixed key/value overrides above all other layers.
type OverrideSource struct {
	Values map[string]any
}

func (OverrideSource) Name() string  { return "override" }
func (OverrideSource) Priority() int { return PriorityOverride }

func (s OverrideSource) Load(k *koanf.Koanf) error {
	return k.Load(confmap.Provider(s.Values, "."), nil)
}
