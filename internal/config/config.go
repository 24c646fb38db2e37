package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the agent configuration as read from config.yaml.
type Config struct {
	Relay     RelayConfig     `yaml:"relay"`
	Workload  WorkloadConfig  `yaml:"workload"`
	Commands  CommandsConfig  `yaml:"commands"`
	Identity  IdentityConfig  `yaml:"identity"`
	State     StateConfig     `yaml:"state"`
	Autostart AutostartConfig `yaml:"autostart"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type RelayConfig struct {
	URL               string   `yaml:"url"`
	Token             string   `yaml:"token"`
	HeartbeatInterval Duration `yaml:"heartbeat_interval"`
	RequestTimeout    Duration `yaml:"request_timeout"`
	ResultRetries     int      `yaml:"result_retries"`
}

type WorkloadConfig struct {
	Executable     string   `yaml:"executable"`
	Args           []string `yaml:"args"`
	WorkDir        string   `yaml:"work_dir"`
	MaxRestarts    int      `yaml:"max_restarts"`
	RestartDelay   Duration `yaml:"restart_delay"`
	SimulatedRun   Duration `yaml:"simulated_run"`
	TerminateGrace Duration `yaml:"terminate_grace"`
	LogOutput      *bool    `yaml:"log_output"`
}

type CommandsConfig struct {
	ExecTimeout Duration `yaml:"exec_timeout"`
	Shell       []string `yaml:"shell"`
}

type IdentityConfig struct {
	Path       string `yaml:"path"`
	SystemType string `yaml:"system_type"`
	Version    string `yaml:"version"`
}

// StateConfig points at the run history database. Empty disables history.
type StateConfig struct {
	DBPath string `yaml:"db_path"`
}

// AutostartConfig controls boot-time registration. Method selects a
// registrar by name; empty picks the platform default.
type AutostartConfig struct {
	Enabled bool   `yaml:"enabled"`
	Name    string `yaml:"name"`
	Method  string `yaml:"method"`
}

type TelemetryConfig struct {
	Enabled             bool     `yaml:"enabled"`
	OTLPEndpoint        string   `yaml:"otlp_endpoint"`
	MonitoringAddr      string   `yaml:"monitoring_addr"`
	PprofAddr           string   `yaml:"pprof_addr"`
	HostMetricsInterval Duration `yaml:"host_metrics_interval"`
	FlushInterval       Duration `yaml:"flush_interval"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Duration unmarshals from YAML strings such as "30s" or bare integers (seconds).
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	raw := strings.TrimSpace(value.Value)
	if raw == "" {
		*d = 0
		return nil
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q: %w", value.Line, raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// ValidationError reports an invalid configuration value.
type ValidationError struct {
	Field   string
	Value   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s=%s: %s", e.Field, e.Value, e.Message)
}

// Default returns the configuration used when no file is present.
func Default() Config {
	logOutput := true
	return Config{
		Relay: RelayConfig{
			URL:               "http://127.0.0.1:8088",
			HeartbeatInterval: Duration(30 * time.Second),
			RequestTimeout:    Duration(10 * time.Second),
			ResultRetries:     2,
		},
		Workload: WorkloadConfig{
			Executable:     "renderer",
			WorkDir:        "work",
			MaxRestarts:    9999,
			RestartDelay:   Duration(5 * time.Second),
			SimulatedRun:   Duration(10 * time.Second),
			TerminateGrace: Duration(10 * time.Second),
			LogOutput:      &logOutput,
		},
		Commands: CommandsConfig{
			ExecTimeout: Duration(30 * time.Second),
		},
		Identity: IdentityConfig{
			Path:       "node_identity.json",
			SystemType: "render_node",
			Version:    "1.0",
		},
		Autostart: AutostartConfig{
			Name: "relaynode",
		},
		Telemetry: TelemetryConfig{
			HostMetricsInterval: Duration(30 * time.Second),
			FlushInterval:       Duration(30 * time.Second),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// DefaultPath resolves $XDG_CONFIG_HOME/relaynode/config.yaml or
// ~/.config/relaynode/config.yaml.
func DefaultPath() string {
	return filepath.Join(configDir(), "config.yaml")
}

func configDir() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "relaynode")
}

// Load reads YAML configuration from a path layered over Default(). If path is
// empty the default location is used, and a missing default file is not an
// error. Environment overrides are applied last.
func Load(path string) (Config, error) {
	cfg := Default()
	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}

	content, err := os.ReadFile(path)
	switch {
	case err == nil:
		expanded := expandEnvVars(string(content))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	case errors.Is(err, fs.ErrNotExist) && !explicit:
		// defaults only
	default:
		return cfg, fmt.Errorf("read config: %w", err)
	}

	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// BaseDir is the directory relative paths in the configuration are resolved
// against: the directory of the config file in use, or the working directory
// when no file is present.
func BaseDir(path string) (string, error) {
	if path == "" {
		if _, err := os.Stat(DefaultPath()); err == nil {
			path = DefaultPath()
		}
	}
	if path == "" {
		return os.Getwd()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve config path: %w", err)
	}
	return filepath.Dir(abs), nil
}

// ResolvePaths makes the on-disk state locations absolute against base so a
// relaunch from another working directory finds the same identity, work dir
// and history. A workload executable given as a bare name is left for PATH
// lookup.
func (c *Config) ResolvePaths(base string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(base, p)
	}
	c.Identity.Path = abs(c.Identity.Path)
	c.Workload.WorkDir = abs(c.Workload.WorkDir)
	c.State.DBPath = abs(c.State.DBPath)
	if strings.ContainsAny(c.Workload.Executable, `/\`) {
		c.Workload.Executable = abs(c.Workload.Executable)
	}
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} with the environment value, or "" if unset.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("RELAYNODE_RELAY_URL"); v != "" {
		cfg.Relay.URL = v
	}
	if v := os.Getenv("RELAYNODE_RELAY_TOKEN"); v != "" {
		cfg.Relay.Token = v
	}
	if v := os.Getenv("RELAYNODE_WORKLOAD"); v != "" {
		cfg.Workload.Executable = v
	}
	if v := os.Getenv("RELAYNODE_WORK_DIR"); v != "" {
		cfg.Workload.WorkDir = v
	}
	if v := os.Getenv("RELAYNODE_IDENTITY_PATH"); v != "" {
		cfg.Identity.Path = v
	}
}

// Validate checks required fields and ranges.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Relay.URL) == "" {
		return ValidationError{Field: "relay.url", Value: "", Message: "relay url is required"}
	}
	if !strings.HasPrefix(c.Relay.URL, "http://") && !strings.HasPrefix(c.Relay.URL, "https://") {
		return ValidationError{Field: "relay.url", Value: c.Relay.URL, Message: "must be an http or https url"}
	}
	positive := []struct {
		field string
		value Duration
	}{
		{"relay.heartbeat_interval", c.Relay.HeartbeatInterval},
		{"relay.request_timeout", c.Relay.RequestTimeout},
		{"commands.exec_timeout", c.Commands.ExecTimeout},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return ValidationError{Field: p.field, Value: p.value.Std().String(), Message: "must be positive"}
		}
	}
	if c.Workload.MaxRestarts < 0 {
		return ValidationError{Field: "workload.max_restarts", Value: strconv.Itoa(c.Workload.MaxRestarts), Message: "must not be negative"}
	}
	if c.Workload.RestartDelay < 0 || c.Workload.SimulatedRun < 0 || c.Workload.TerminateGrace < 0 {
		return ValidationError{Field: "workload", Value: "", Message: "delays must not be negative"}
	}
	if c.Relay.ResultRetries < 0 {
		return ValidationError{Field: "relay.result_retries", Value: strconv.Itoa(c.Relay.ResultRetries), Message: "must not be negative"}
	}
	if c.Identity.Path == "" {
		return ValidationError{Field: "identity.path", Value: "", Message: "identity path is required"}
	}
	return nil
}

// LogWorkloadOutput reports whether workload stdout/stderr should be logged.
func (w WorkloadConfig) LogWorkloadOutput() bool {
	return w.LogOutput == nil || *w.LogOutput
}
