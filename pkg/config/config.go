// Package config loads the host configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/vfhost/pkg/cache"
	"github.com/cuemby/vfhost/pkg/log"
)

// Duration is a time.Duration written as a string such as "2s".
type Duration time.Duration

// UnmarshalYAML accepts a Go duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML writes the duration string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the complete host configuration.
type Config struct {
	// WorkerPath is the binary spawned for workers. Empty means the
	// running executable.
	WorkerPath string `yaml:"worker_path"`

	// WorkerEnv is the entire environment of a worker process.
	WorkerEnv map[string]string `yaml:"worker_env"`

	// WorkerDir is where per-worker root directories are created.
	WorkerDir string `yaml:"worker_dir"`

	SecureValidatorMode bool `yaml:"secure_validator_mode"`

	HandshakeTimeout Duration `yaml:"handshake_timeout"`

	// KillGrace is carved out of the execute timeout: the worker stops the
	// job KillGrace before the host gives up on it and kills the worker.
	KillGrace Duration `yaml:"kill_grace"`

	// PrepareFailureCooldown is how long a compilation error is
	// remembered. Zero disables the memory.
	PrepareFailureCooldown Duration `yaml:"prepare_failure_cooldown"`

	Prepare PoolConfig    `yaml:"prepare"`
	Execute PoolConfig    `yaml:"execute"`
	Sandbox SandboxConfig `yaml:"sandbox"`
	Cache   CacheConfig   `yaml:"cache"`
	Limits  LimitsConfig  `yaml:"limits"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// PoolConfig sizes one worker pool.
type PoolConfig struct {
	Workers    int      `yaml:"workers"`
	Timeout    Duration `yaml:"timeout"`
	MaxRetries int      `yaml:"max_retries"`

	// MemoryPages limits wasm linear memory. Only meaningful for the
	// execute pool; prepare uses the execute value.
	MemoryPages uint32 `yaml:"memory_pages,omitempty"`
}

// SandboxConfig controls how workers are spawned.
type SandboxConfig struct {
	// Namespaces requests new user, mount, ipc, net, uts and pid
	// namespaces for each worker.
	Namespaces bool `yaml:"namespaces"`
}

// CacheConfig locates the artifact cache.
type CacheConfig struct {
	Dir         string `yaml:"dir"`
	Compression string `yaml:"compression"`
}

// LimitsConfig bounds message and code sizes.
type LimitsConfig struct {
	MaxFrameSize uint64 `yaml:"max_frame_size"`
	MaxCodeSize  uint64 `yaml:"max_code_size"`
}

// LogConfig configures pkg/log.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// MetricsConfig enables the metrics and health endpoint.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		WorkerEnv:              map[string]string{},
		WorkerDir:              os.TempDir(),
		HandshakeTimeout:       Duration(10 * time.Second),
		KillGrace:              Duration(250 * time.Millisecond),
		PrepareFailureCooldown: Duration(5 * time.Minute),
		Prepare: PoolConfig{
			Workers:    2,
			Timeout:    Duration(60 * time.Second),
			MaxRetries: 2,
		},
		Execute: PoolConfig{
			Workers:     4,
			Timeout:     Duration(2 * time.Second),
			MaxRetries:  2,
			MemoryPages: 1024,
		},
		Sandbox: SandboxConfig{Namespaces: true},
		Cache: CacheConfig{
			Dir:         "/var/lib/vfhost/cache",
			Compression: "zstd",
		},
		Limits: LimitsConfig{
			MaxFrameSize: 64 << 20,
			MaxCodeSize:  16 << 20,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads path over the defaults and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks value ranges and names.
func (c Config) Validate() error {
	var errs []error

	for _, pool := range []struct {
		name string
		cfg  PoolConfig
	}{{"prepare", c.Prepare}, {"execute", c.Execute}} {
		if pool.cfg.Workers < 1 {
			errs = append(errs, fmt.Errorf("%s.workers must be at least 1", pool.name))
		}
		if pool.cfg.Timeout <= 0 {
			errs = append(errs, fmt.Errorf("%s.timeout must be positive", pool.name))
		}
		if pool.cfg.MaxRetries < 0 {
			errs = append(errs, fmt.Errorf("%s.max_retries must not be negative", pool.name))
		}
	}

	if c.Execute.MemoryPages == 0 || c.Execute.MemoryPages > 65536 {
		errs = append(errs, errors.New("execute.memory_pages must be between 1 and 65536"))
	}
	if c.HandshakeTimeout <= 0 {
		errs = append(errs, errors.New("handshake_timeout must be positive"))
	}
	if c.KillGrace < 0 {
		errs = append(errs, errors.New("kill_grace must not be negative"))
	}
	if c.Execute.Timeout > 0 && c.KillGrace >= c.Execute.Timeout {
		errs = append(errs, errors.New("kill_grace must be below execute.timeout"))
	}
	if c.PrepareFailureCooldown < 0 {
		errs = append(errs, errors.New("prepare_failure_cooldown must not be negative"))
	}
	if c.Cache.Dir == "" {
		errs = append(errs, errors.New("cache.dir is required"))
	}
	if _, err := cache.ParseCompression(c.Cache.Compression); err != nil {
		errs = append(errs, fmt.Errorf("cache.compression: %w", err))
	}
	if c.Limits.MaxFrameSize == 0 {
		errs = append(errs, errors.New("limits.max_frame_size must be positive"))
	}
	if c.Limits.MaxCodeSize == 0 || c.Limits.MaxCodeSize >= c.Limits.MaxFrameSize {
		errs = append(errs, errors.New("limits.max_code_size must be positive and below limits.max_frame_size"))
	}
	switch log.Level(c.Log.Level) {
	case "", log.DebugLevel, log.InfoLevel, log.WarnLevel, log.ErrorLevel:
	default:
		errs = append(errs, fmt.Errorf("log.level: unknown level %q", c.Log.Level))
	}

	return errors.Join(errs...)
}

// LogSettings returns the pkg/log configuration.
func (c Config) LogSettings() log.Config {
	return log.Config{
		Level:      log.ParseLevel(c.Log.Level),
		JSONOutput: c.Log.JSON,
	}
}
