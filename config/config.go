// Package config loads orchestrator configuration from defaults, an optional
// config file in the data directory, environment variables, and CLI flags, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// ValidationError marks a configuration the program cannot run with, so the
// CLI can map it to its own exit code.
type ValidationError struct {
	msg string
}

func (e *ValidationError) Error() string { return e.msg }

// IsValidationError reports whether err is (or wraps) a ValidationError.
func IsValidationError(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

func validationErrorf(format string, args ...any) error {
	return &ValidationError{msg: fmt.Sprintf(format, args...)}
}

// Config is the resolved orchestrator configuration.
type Config struct {
	// DataDir is where the session snapshot and named snapshots live.
	DataDir string `mapstructure:"data_dir"`
	// RPCPort is the loopback TCP port the RPC hub listens on.
	RPCPort int `mapstructure:"rpc_port"`
	// MaxWorkers caps the number of live worker processes.
	MaxWorkers int `mapstructure:"max_workers"`
	// MaxConcurrentTasks caps tasks in the running state.
	MaxConcurrentTasks int `mapstructure:"max_concurrent_tasks"`
	// AutosaveInterval is how often the state manager writes a dirty snapshot.
	AutosaveInterval time.Duration `mapstructure:"autosave_interval"`
	// TickInterval is the orchestrator dispatch loop period.
	TickInterval time.Duration `mapstructure:"tick_interval"`
	// PollInterval is the worker resource poller period.
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// SpawnTimeout bounds worker startup before the partial worker is torn down.
	SpawnTimeout time.Duration `mapstructure:"spawn_timeout"`
	// OutputRingSize is the number of recent output lines kept per worker.
	OutputRingSize int `mapstructure:"output_ring_size"`
	// MaxCPUPercent is the estimated-CPU admission limit across running tasks.
	MaxCPUPercent float64 `mapstructure:"max_cpu_percent"`
	// MaxMemoryMB is the estimated-memory admission limit across running tasks.
	MaxMemoryMB float64 `mapstructure:"max_memory_mb"`
	// DefaultProgram is the program run inside new worker sessions.
	DefaultProgram string `mapstructure:"default_program"`
	// ExclusiveServices are services with an implicit capacity of one.
	ExclusiveServices []string `mapstructure:"exclusive_services"`
	// ServiceCapacity overrides the per-service concurrent-holder limit.
	ServiceCapacity map[string]int `mapstructure:"service_capacity"`
}

const ConfigFileName = "config"

// DefaultDataDir returns the default data directory under the user's home.
func DefaultDataDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ".taskmux"
	}
	return filepath.Join(homeDir, ".taskmux")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", DefaultDataDir())
	v.SetDefault("rpc_port", 7433)
	v.SetDefault("max_workers", 8)
	v.SetDefault("max_concurrent_tasks", 4)
	v.SetDefault("autosave_interval", 30*time.Second)
	v.SetDefault("tick_interval", time.Second)
	v.SetDefault("poll_interval", 5*time.Second)
	v.SetDefault("spawn_timeout", 30*time.Second)
	v.SetDefault("output_ring_size", 1000)
	v.SetDefault("max_cpu_percent", 80.0)
	v.SetDefault("max_memory_mb", 8192.0)
	v.SetDefault("default_program", "claude")
	v.SetDefault("exclusive_services", []string{"mysql", "postgres", "sqlite"})
	v.SetDefault("service_capacity", map[string]int{})
}

func bindEnv(v *viper.Viper) {
	// Explicit names, matching the documented environment surface.
	_ = v.BindEnv("data_dir", "DATA_DIR")
	_ = v.BindEnv("rpc_port", "RPC_PORT")
	_ = v.BindEnv("max_workers", "MAX_WORKERS")
	_ = v.BindEnv("max_concurrent_tasks", "MAX_CONCURRENT_TASKS")
}

// Overrides are CLI flag values; zero values mean "not set".
type Overrides struct {
	DataDir            string
	RPCPort            int
	MaxWorkers         int
	MaxConcurrentTasks int
	AutosaveMS         int
}

// Load resolves the configuration. The config file is optional; a missing file
// is not an error, a malformed one is.
func Load(ov Overrides) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	bindEnv(v)

	// The data dir must be resolved before the config file can be found in it.
	dataDir := v.GetString("data_dir")
	if ov.DataDir != "" {
		dataDir = ov.DataDir
	}

	v.SetConfigName(ConfigFileName)
	v.SetConfigType("yaml")
	v.AddConfigPath(dataDir)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	if ov.DataDir != "" {
		v.Set("data_dir", ov.DataDir)
	}
	if ov.RPCPort != 0 {
		v.Set("rpc_port", ov.RPCPort)
	}
	if ov.MaxWorkers != 0 {
		v.Set("max_workers", ov.MaxWorkers)
	}
	if ov.MaxConcurrentTasks != 0 {
		v.Set("max_concurrent_tasks", ov.MaxConcurrentTasks)
	}
	if ov.AutosaveMS != 0 {
		v.Set("autosave_interval", time.Duration(ov.AutosaveMS)*time.Millisecond)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the orchestrator cannot run with.
func (c *Config) Validate() error {
	if c.RPCPort < 0 || c.RPCPort > 65535 {
		return validationErrorf("invalid rpc_port %d", c.RPCPort)
	}
	if c.MaxWorkers < 1 {
		return validationErrorf("max_workers must be at least 1, got %d", c.MaxWorkers)
	}
	if c.MaxConcurrentTasks < 1 {
		return validationErrorf("max_concurrent_tasks must be at least 1, got %d", c.MaxConcurrentTasks)
	}
	if c.AutosaveInterval <= 0 {
		return validationErrorf("autosave_interval must be positive, got %v", c.AutosaveInterval)
	}
	if c.OutputRingSize < 1 {
		return validationErrorf("output_ring_size must be at least 1, got %d", c.OutputRingSize)
	}
	if c.MaxCPUPercent <= 0 || c.MaxMemoryMB <= 0 {
		return validationErrorf("resource limits must be positive (cpu=%v, memory=%v)", c.MaxCPUPercent, c.MaxMemoryMB)
	}
	return nil
}

// StatePath returns the path of the session snapshot file.
func (c *Config) StatePath() string {
	return filepath.Join(c.DataDir, "state.json")
}

// SnapshotsDir returns the directory holding named snapshots.
func (c *Config) SnapshotsDir() string {
	return filepath.Join(c.DataDir, "snapshots")
}

// IsExclusiveService reports whether the named service has capacity one.
func (c *Config) IsExclusiveService(name string) bool {
	for _, s := range c.ExclusiveServices {
		if s == name {
			return true
		}
	}
	return false
}

// ServiceLimit returns the concurrent-holder capacity for a service.
func (c *Config) ServiceLimit(name string) int {
	if c.IsExclusiveService(name) {
		return 1
	}
	if n, ok := c.ServiceCapacity[name]; ok && n > 0 {
		return n
	}
	return 4
}
