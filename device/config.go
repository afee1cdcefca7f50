package device

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/gogpu/gpures/backend"
	"github.com/gogpu/gpures/memory"
)

// ErrInvalidConfig is returned when a configuration fails validation.
var ErrInvalidConfig = errors.New("device: invalid config")

// EnvPrefix is the prefix of environment variables read by LoadConfig,
// e.g. GPURES_BACKEND or GPURES_MEMORY_BUDGET_MB.
const EnvPrefix = "GPURES"

// Config holds device creation options.
type Config struct {
	// Backend is a backend name or "auto".
	Backend string `mapstructure:"backend"`

	// PreferDiscrete selects a discrete GPU over an integrated one.
	PreferDiscrete bool `mapstructure:"prefer_discrete"`

	// MemoryBudgetMB is the allocator budget in megabytes.
	MemoryBudgetMB int `mapstructure:"memory_budget_mb"`

	// RequiredFeatures must all be supported; see ParseFeatures for names.
	RequiredFeatures []string `mapstructure:"required_features"`

	// OptionalFeatures are enabled when supported and logged when not.
	OptionalFeatures []string `mapstructure:"optional_features"`

	// SerializeSubmissions makes every submit wait until all earlier
	// submissions on every queue have completed.
	SerializeSubmissions bool `mapstructure:"serialize_submissions"`

	// Label prefixes debug labels of objects the device creates.
	Label string `mapstructure:"label"`
}

// DefaultConfig returns the default device configuration.
func DefaultConfig() Config {
	return Config{
		Backend:        backend.Auto,
		PreferDiscrete: true,
		MemoryBudgetMB: memory.DefaultMaxMemoryMB,
		Label:          "gpures",
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.MemoryBudgetMB != 0 && c.MemoryBudgetMB < memory.MinMemoryMB {
		return fmt.Errorf("%w: memory_budget_mb %d is below the minimum of %d",
			ErrInvalidConfig, c.MemoryBudgetMB, memory.MinMemoryMB)
	}
	if _, err := ParseFeatures(c.RequiredFeatures); err != nil {
		return fmt.Errorf("%w: required_features: %w", ErrInvalidConfig, err)
	}
	if _, err := ParseFeatures(c.OptionalFeatures); err != nil {
		return fmt.Errorf("%w: optional_features: %w", ErrInvalidConfig, err)
	}
	return nil
}

// SetDefaults registers DefaultConfig values and the environment binding
// on v. Call it before binding command-line flags.
func SetDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("backend", d.Backend)
	v.SetDefault("prefer_discrete", d.PreferDiscrete)
	v.SetDefault("memory_budget_mb", d.MemoryBudgetMB)
	v.SetDefault("required_features", []string{})
	v.SetDefault("optional_features", []string{})
	v.SetDefault("serialize_submissions", d.SerializeSubmissions)
	v.SetDefault("label", d.Label)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
}

// Load decodes and validates a Config from v.
func Load(v *viper.Viper) (Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("device: decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// LoadConfig reads a JSON, YAML or TOML file at path (format by extension),
// overlays GPURES_* environment variables and returns the result.
// An empty path uses defaults and the environment only.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	SetDefaults(v)
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("device: read config %s: %w", path, err)
		}
	}
	return Load(v)
}
