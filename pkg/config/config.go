// Package config loads mapdebug settings from defaults, mapdebug.yaml,
// MAPDEBUG_* environment variables and command-line flags, in increasing
// order of precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/ormasoftchile/mapdebug/pkg/errors"
)

// EnvPrefix prefixes every environment variable, e.g. MAPDEBUG_BASE_URL.
const EnvPrefix = "MAPDEBUG"

// Preference backends.
const (
	BackendFile   = "file"
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Config is the full mapdebug configuration.
type Config struct {
	BaseURL  string `mapstructure:"base_url" json:"base_url,omitempty" jsonschema:"description=Resource store base URL"`
	Token    string `mapstructure:"token" json:"token,omitempty" jsonschema:"description=Bearer token or full Authorization value"`
	FHIRMode bool   `mapstructure:"fhir_mode" json:"fhir_mode,omitempty" jsonschema:"description=Read and write Questionnaires through the /fhir/ endpoints"`
	Timeout  string `mapstructure:"timeout" json:"timeout,omitempty" jsonschema:"description=Per-request timeout as a Go duration"`
	Journal  string `mapstructure:"journal" json:"journal,omitempty" jsonschema:"description=Append notifications to this JSONL file"`

	Prefs     PrefsConfig     `mapstructure:"prefs" json:"prefs,omitempty"`
	Log       LogConfig       `mapstructure:"log" json:"log,omitempty"`
	Reconcile ReconcileConfig `mapstructure:"reconcile" json:"reconcile,omitempty"`
}

// PrefsConfig selects where preferences are remembered.
type PrefsConfig struct {
	Backend  string `mapstructure:"backend" json:"backend,omitempty" jsonschema:"enum=file,enum=memory,enum=redis"`
	Path     string `mapstructure:"path" json:"path,omitempty"`
	RedisURL string `mapstructure:"redis_url" json:"redis_url,omitempty"`
	Prefix   string `mapstructure:"prefix" json:"prefix,omitempty"`
}

// LogConfig controls logging output.
type LogConfig struct {
	JSON  bool   `mapstructure:"json" json:"json,omitempty"`
	Level string `mapstructure:"level" json:"level,omitempty" jsonschema:"enum=debug,enum=info,enum=warn,enum=error"`
}

// ReconcileConfig tunes the reconciliation fan-out.
type ReconcileConfig struct {
	Parallelism int `mapstructure:"parallelism" json:"parallelism,omitempty" jsonschema:"minimum=1,maximum=32"`
}

// RequestTimeout parses Timeout.
func (c *Config) RequestTimeout() time.Duration {
	d, err := time.ParseDuration(c.Timeout)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}

// RequireStore reports an error when no resource store is configured.
func (c *Config) RequireStore() error {
	if strings.TrimSpace(c.BaseURL) == "" {
		return fmt.Errorf("no resource store configured: set base_url in mapdebug.yaml, %s_BASE_URL or --base-url", EnvPrefix)
	}
	return nil
}

// SetDefaults registers every key so environment variables bind to it.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("base_url", "")
	v.SetDefault("token", "")
	v.SetDefault("fhir_mode", false)
	v.SetDefault("timeout", "30s")
	v.SetDefault("journal", "")
	v.SetDefault("prefs.backend", BackendFile)
	v.SetDefault("prefs.path", "")
	v.SetDefault("prefs.redis_url", "")
	v.SetDefault("prefs.prefix", "mapdebug:")
	v.SetDefault("log.json", false)
	v.SetDefault("log.level", "info")
	v.SetDefault("reconcile.parallelism", 1)
}

// flagKeys maps CLI flag names to configuration keys.
var flagKeys = map[string]string{
	"base-url":      "base_url",
	"token":         "token",
	"fhir-mode":     "fhir_mode",
	"timeout":       "timeout",
	"journal":       "journal",
	"prefs-backend": "prefs.backend",
	"prefs-path":    "prefs.path",
	"redis-url":     "prefs.redis_url",
	"log-json":      "log.json",
	"log-level":     "log.level",
	"parallelism":   "reconcile.parallelism",
}

// Options tells Load where to look.
type Options struct {
	// File is an explicit config file; empty searches the working directory
	// and ~/.mapdebug for mapdebug.yaml.
	File string
	// Flags are bound on top of everything else when set.
	Flags *pflag.FlagSet
}

// Load builds the configuration. A config file that does not match the
// schema is rejected before it is decoded.
func Load(opts Options) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)

	v.SetConfigType("yaml")
	if opts.File != "" {
		v.SetConfigFile(opts.File)
	} else {
		v.SetConfigName("mapdebug")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".mapdebug"))
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if opts.File != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	if used := v.ConfigFileUsed(); used != "" {
		if errs := ValidateFile(used); len(errs) > 0 {
			return nil, joinValidation(used, errs)
		}
	}

	if opts.Flags != nil {
		for name, key := range flagKeys {
			if f := opts.Flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag --%s: %w", name, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if errs := ValidateDomain(&cfg); len(errs) > 0 {
		return nil, joinValidation("configuration", errs)
	}
	return &cfg, nil
}

func joinValidation(where string, errs []*ValidationError) error {
	msgs := make([]string, 0, len(errs))
	for _, e := range errs {
		msgs = append(msgs, e.Error())
	}
	return fmt.Errorf("invalid %s:\n  %s", where, strings.Join(msgs, "\n  "))
}
