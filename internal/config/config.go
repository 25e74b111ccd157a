// Package config provides configuration loading and validation for the
// screenruster daemon.
//
// Configuration file: ~/.config/screenruster/config.yaml (default, overridable
// with -c/--config).
//
// Top-level sections:
//   - timer:         heartbeat period and the idle/lock/blank deadlines.
//   - server:        session bus behaviour, including the ignored method
//     families (inhibit, throttle, suspend).
//   - auth:          authentication backend selection plus per-module tables.
//   - locker:        X11 display selection and DPMS usage.
//   - observability: metrics endpoint and logging.
//
// Validation:
//   - All violations are collected and reported in a single error.
//   - Invalid config on startup: the daemon refuses to start (fatal error).
//
// The configuration is immutable after load. The auth section is the one
// exception in shape (not mutability): its per-module tables sit behind a
// read-locked accessor because every auth backend queries them by name.

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// Version, GitCommit, BuildTime are injected at build time via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Config is the root configuration structure for screenruster.
// All fields have defaults; see Defaults() for values.
type Config struct {
	// Timer configures the deadline engine.
	Timer Timer `yaml:"timer"`

	// Server configures the session bus surface.
	Server Server `yaml:"server"`

	// Auth configures the authentication backend.
	Auth Auth `yaml:"auth"`

	// Locker configures the X11 locker.
	Locker Locker `yaml:"locker"`

	// Observability configures metrics and logging.
	Observability Observability `yaml:"observability"`
}

// Timer holds the deadline engine parameters. All values are in seconds.
type Timer struct {
	// Beat is the period of Heartbeat emissions. Default: 30.
	Beat uint32 `yaml:"beat"`

	// Timeout is the idle time before the saver starts. Default: 360.
	Timeout uint32 `yaml:"timeout"`

	// Lock is the time after saver start before the session locks.
	// 0 locks immediately at saver start. Default: 60.
	Lock uint32 `yaml:"lock"`

	// Blank is the idle time before the monitor is powered off via DPMS.
	// 0 disables blanking. Default: 0.
	Blank uint32 `yaml:"blank"`
}

// Server holds the session bus parameters.
type Server struct {
	// Ignore lists method families the bus surface rejects instead of
	// dispatching: any of "inhibit", "throttle", "suspend".
	Ignore []string `yaml:"ignore"`
}

// Ignores reports whether the given method family is in the ignore list.
func (s Server) Ignores(family string) bool {
	for _, f := range s.Ignore {
		if f == family {
			return true
		}
	}
	return false
}

// Auth holds the authentication backend selection and the per-module
// configuration tables.
type Auth struct {
	// Method names the compiled-in backend to use. Default: "pam".
	Method string `yaml:"method"`

	// Modules maps a backend name to its opaque key/value parameters.
	Modules map[string]map[string]string `yaml:"modules"`

	// mu protects Modules. A writer exists only at load time; every
	// backend lookup afterwards goes through Get.
	mu sync.RWMutex
}

// Get returns the configuration table for a specific authentication module.
// An unknown module yields an empty table.
func (a *Auth) Get(name string) map[string]string {
	a.mu.RLock()
	defer a.mu.RUnlock()

	table := make(map[string]string, len(a.Modules[name]))
	for k, v := range a.Modules[name] {
		table[k] = v
	}
	return table
}

// Locker holds the X11 locker parameters.
type Locker struct {
	// Display is the X11 display to connect to. Empty means $DISPLAY.
	Display string `yaml:"display"`

	// DPMS controls whether the locker may power the monitor down.
	// When false, blank deadlines are accepted but have no effect.
	// Default: true.
	DPMS bool `yaml:"dpms"`
}

// Observability holds metrics and logging parameters.
type Observability struct {
	// MetricsAddr is the Prometheus metrics HTTP bind address.
	// Empty disables the metrics server. Default: "".
	MetricsAddr string `yaml:"metrics_addr"`

	// LogLevel controls the minimum log level (debug, info, warn, error).
	// Default: info.
	LogLevel string `yaml:"log_level"`

	// LogFormat controls the log output format (json, console).
	// Default: console.
	LogFormat string `yaml:"log_format"`
}

// Defaults returns a Config populated with all default values.
func Defaults() Config {
	return Config{
		Timer: Timer{
			Beat:    30,
			Timeout: 360,
			Lock:    60,
			Blank:   0,
		},
		Auth: Auth{
			Method: "pam",
		},
		Locker: Locker{
			DPMS: true,
		},
		Observability: Observability{
			LogLevel:  "info",
			LogFormat: "console",
		},
	}
}

// DefaultPath returns the default configuration file location under the
// user's configuration directory.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("config.DefaultPath: %w", err)
	}
	return filepath.Join(dir, "screenruster", "config.yaml"), nil
}

// Load reads and validates a config file from the given path.
// Returns the merged config (defaults overridden by file values).
// Returns an error if the file cannot be read, parsed, or validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse %q: %w", path, err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks all config fields for correctness.
// Returns a descriptive error listing all violations found.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.Timer.Beat < 1 {
		errs = append(errs, fmt.Sprintf("timer.beat must be >= 1, got %d", cfg.Timer.Beat))
	}
	if cfg.Timer.Timeout < 1 {
		errs = append(errs, fmt.Sprintf("timer.timeout must be >= 1, got %d", cfg.Timer.Timeout))
	}
	for _, family := range cfg.Server.Ignore {
		switch family {
		case "inhibit", "throttle", "suspend":
		default:
			errs = append(errs, fmt.Sprintf("server.ignore: unknown method family %q (valid: inhibit throttle suspend)", family))
		}
	}
	if cfg.Auth.Method == "" {
		errs = append(errs, "auth.method must not be empty")
	}
	switch cfg.Observability.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("observability.log_level must be one of debug info warn error, got %q", cfg.Observability.LogLevel))
	}
	switch cfg.Observability.LogFormat {
	case "json", "console":
	default:
		errs = append(errs, fmt.Sprintf("observability.log_format must be json or console, got %q", cfg.Observability.LogFormat))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s",
			joinStrings(errs, "\n  - "))
	}
	return nil
}

// joinStrings joins a slice of strings with a separator.
func joinStrings(ss []string, sep string) string {
	if len(ss) == 0 {
		return ""
	}
	result := ss[0]
	for _, s := range ss[1:] {
		result += sep + s
	}
	return result
}
