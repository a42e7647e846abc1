package app

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/felixgeelhaar/converge/internal/domain/fault"
	"github.com/felixgeelhaar/converge/internal/domain/fleet/execution"
	"github.com/felixgeelhaar/converge/internal/domain/report"
	"github.com/felixgeelhaar/converge/internal/ports"
	"gopkg.in/yaml.v3"
)

// DefaultSettingsFile is read from the working directory when --config is
// not given. It is optional.
const DefaultSettingsFile = "converge.yaml"

// EnvPrefix prefixes environment overrides, e.g. CONVERGE_FORKS.
const EnvPrefix = "CONVERGE_"

// Settings are the tool's own settings: where things are and how to run
// them. Flags override the file, environment variables override both
// file and defaults but not flags.
type Settings struct {
	Inventory   string        `yaml:"inventory"`
	Forks       int           `yaml:"forks"`
	Strategy    string        `yaml:"strategy"`
	BatchSize   int           `yaml:"batch_size"`
	StopOnError bool          `yaml:"stop_on_error"`
	Timeout     time.Duration `yaml:"timeout"`
	Format      string        `yaml:"format"`
	Transport   string        `yaml:"transport"`
	LogLevel    string        `yaml:"log_level"`
	LogFormat   string        `yaml:"log_format"`
	SSH         SSHSettings   `yaml:"ssh"`
}

// SSHSettings tune the SSH transport.
type SSHSettings struct {
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	HostKeyChecking *bool         `yaml:"host_key_checking"`
	KnownHosts      []string      `yaml:"known_hosts"`
	IdentityFiles   []string      `yaml:"identity_files"`
}

// DefaultSettings returns the built-in defaults.
func DefaultSettings() Settings {
	return Settings{
		Forks:     execution.DefaultForks,
		Strategy:  string(execution.StrategyParallel),
		Format:    string(report.FormatText),
		Transport: "ssh",
		LogLevel:  "warn",
		LogFormat: "text",
		SSH: SSHSettings{
			ConnectTimeout: 30 * time.Second,
		},
	}
}

// LoadSettings reads a settings file over the defaults. A missing file is
// an error only when required is set.
func LoadSettings(path string, required bool) (Settings, error) {
	s := DefaultSettings()
	if path == "" {
		path = DefaultSettingsFile
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !required {
			return s, nil
		}
		return s, fault.ConfigError(fault.ErrCodeInvalidConfig, fmt.Sprintf("cannot read settings %s", path), err)
	}
	if err := yaml.Unmarshal(data, &s); err != nil {
		return s, fault.ConfigError(fault.ErrCodeParse, fmt.Sprintf("invalid settings %s", path), err)
	}
	return s, nil
}

// ApplyEnv applies CONVERGE_* overrides read through lookup.
func (s *Settings) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			*dst = v
		}
	}
	str("INVENTORY", &s.Inventory)
	str("STRATEGY", &s.Strategy)
	str("FORMAT", &s.Format)
	str("TRANSPORT", &s.Transport)
	str("LOG_LEVEL", &s.LogLevel)
	str("LOG_FORMAT", &s.LogFormat)

	if v, ok := lookup(EnvPrefix + "FORKS"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return envError("FORKS", v, err)
		}
		s.Forks = n
	}
	if v, ok := lookup(EnvPrefix + "BATCH_SIZE"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return envError("BATCH_SIZE", v, err)
		}
		s.BatchSize = n
	}
	if v, ok := lookup(EnvPrefix + "TIMEOUT"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return envError("TIMEOUT", v, err)
		}
		s.Timeout = d
	}
	if v, ok := lookup(EnvPrefix + "STOP_ON_ERROR"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return envError("STOP_ON_ERROR", v, err)
		}
		s.StopOnError = b
	}
	if v, ok := lookup(EnvPrefix + "HOST_KEY_CHECKING"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return envError("HOST_KEY_CHECKING", v, err)
		}
		s.SSH.HostKeyChecking = &b
	}
	return nil
}

func envError(name, value string, err error) error {
	return fault.ConfigError(fault.ErrCodeInvalidConfig,
		fmt.Sprintf("invalid %s%s=%q", EnvPrefix, name, value), err)
}

// Validate checks the settings and normalises names.
func (s *Settings) Validate() error {
	strategy, err := execution.ParseStrategy(s.Strategy)
	if err != nil {
		return fault.ConfigError(fault.ErrCodeInvalidConfig, err.Error(), nil)
	}
	s.Strategy = string(strategy)

	format, err := report.ParseFormat(s.Format)
	if err != nil {
		return fault.ConfigError(fault.ErrCodeInvalidConfig, err.Error(), nil)
	}
	s.Format = string(format)

	s.Transport = strings.ToLower(s.Transport)
	switch s.Transport {
	case "":
		s.Transport = "ssh"
	case "ssh", "local":
	default:
		return fault.ConfigError(fault.ErrCodeInvalidConfig,
			fmt.Sprintf("unknown transport %q (use ssh or local)", s.Transport), nil)
	}

	if s.Forks < 1 {
		return fault.ConfigError(fault.ErrCodeInvalidConfig,
			fmt.Sprintf("forks must be at least 1, got %d", s.Forks), nil)
	}
	if s.Timeout < 0 {
		return fault.ConfigError(fault.ErrCodeInvalidConfig, "timeout cannot be negative", nil)
	}
	if _, err := ports.ParseLevel(s.LogLevel); err != nil {
		return fault.ConfigError(fault.ErrCodeInvalidConfig, err.Error(), nil)
	}
	switch s.LogFormat {
	case "", "text", "json":
	default:
		return fault.ConfigError(fault.ErrCodeInvalidConfig,
			fmt.Sprintf("unknown log format %q (use text or json)", s.LogFormat), nil)
	}
	return nil
}

// ExecutorConfig maps the settings onto the executor's configuration.
func (s Settings) ExecutorConfig(check bool) execution.ExecutorConfig {
	return execution.ExecutorConfig{
		Strategy:    execution.Strategy(s.Strategy),
		Forks:       s.Forks,
		BatchSize:   s.BatchSize,
		StopOnError: s.StopOnError,
		Timeout:     s.Timeout,
		Check:       check,
	}
}
