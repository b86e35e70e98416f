package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(Overrides{DataDir: dir})
	require.NoError(t, err)

	require.Equal(t, dir, cfg.DataDir)
	require.Equal(t, 7433, cfg.RPCPort)
	require.Equal(t, 8, cfg.MaxWorkers)
	require.Equal(t, 4, cfg.MaxConcurrentTasks)
	require.Equal(t, 30*time.Second, cfg.AutosaveInterval)
	require.Equal(t, time.Second, cfg.TickInterval)
	require.Equal(t, 5*time.Second, cfg.PollInterval)
	require.Equal(t, 30*time.Second, cfg.SpawnTimeout)
	require.Equal(t, 1000, cfg.OutputRingSize)
	require.Equal(t, "claude", cfg.DefaultProgram)
}

func TestLoadReadsConfigFile(t *testing.T) {
	dir := t.TempDir()
	yaml := "rpc_port: 9100\nmax_workers: 3\ndefault_program: \"bash\"\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	cfg, err := Load(Overrides{DataDir: dir})
	require.NoError(t, err)
	require.Equal(t, 9100, cfg.RPCPort)
	require.Equal(t, 3, cfg.MaxWorkers)
	require.Equal(t, "bash", cfg.DefaultProgram)
}

func TestLoadFlagsOverrideConfigFile(t *testing.T) {
	dir := t.TempDir()
	yaml := "rpc_port: 9100\nmax_workers: 3\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	cfg, err := Load(Overrides{
		DataDir:    dir,
		RPCPort:    9200,
		AutosaveMS: 500,
	})
	require.NoError(t, err)
	require.Equal(t, 9200, cfg.RPCPort)
	require.Equal(t, 3, cfg.MaxWorkers)
	require.Equal(t, 500*time.Millisecond, cfg.AutosaveInterval)
}

func TestLoadRejectsMalformedConfigFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("{not yaml"), 0o644))

	_, err := Load(Overrides{DataDir: dir})
	require.Error(t, err)
}

func TestValidateRejectsBadValues(t *testing.T) {
	base := func() *Config {
		return &Config{
			RPCPort:            7433,
			MaxWorkers:         8,
			MaxConcurrentTasks: 4,
			AutosaveInterval:   time.Second,
			OutputRingSize:     100,
			MaxCPUPercent:      80,
			MaxMemoryMB:        1024,
		}
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"negative port", func(c *Config) { c.RPCPort = -1 }},
		{"port too large", func(c *Config) { c.RPCPort = 70000 }},
		{"zero workers", func(c *Config) { c.MaxWorkers = 0 }},
		{"zero concurrent tasks", func(c *Config) { c.MaxConcurrentTasks = 0 }},
		{"zero autosave interval", func(c *Config) { c.AutosaveInterval = 0 }},
		{"zero ring size", func(c *Config) { c.OutputRingSize = 0 }},
		{"zero cpu limit", func(c *Config) { c.MaxCPUPercent = 0 }},
		{"zero memory limit", func(c *Config) { c.MaxMemoryMB = 0 }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			require.True(t, IsValidationError(err))
		})
	}

	require.NoError(t, base().Validate())
}

func TestPaths(t *testing.T) {
	c := &Config{DataDir: "/tmp/mux"}
	require.Equal(t, filepath.Join("/tmp/mux", "state.json"), c.StatePath())
	require.Equal(t, filepath.Join("/tmp/mux", "snapshots"), c.SnapshotsDir())
}

func TestServiceLimits(t *testing.T) {
	c := &Config{
		ExclusiveServices: []string{"mysql", "postgres"},
		ServiceCapacity:   map[string]int{"redis": 2},
	}
	require.True(t, c.IsExclusiveService("mysql"))
	require.False(t, c.IsExclusiveService("redis"))
	require.Equal(t, 1, c.ServiceLimit("postgres"))
	require.Equal(t, 2, c.ServiceLimit("redis"))
	require.Equal(t, 4, c.ServiceLimit("elasticsearch"))
}
