// Package config loads the scaler/agent runtime configuration (§4.5,
// §4.2) from flags, environment, and a config file via viper, validates
// it, and hot-reloads on file change via fsnotify.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/gabaker/thorium/packages/ledger"
	"github.com/gabaker/thorium/packages/scheduler"
)

var validate = validator.New()

// Config is the full runtime configuration of the scaler binary.
type Config struct {
	TickPeriod         time.Duration `mapstructure:"tick_period" validate:"required"`
	HeartbeatTimeout   time.Duration `mapstructure:"heartbeat_timeout" validate:"required"`
	SnapshotTTL        time.Duration `mapstructure:"snapshot_ttl" validate:"required"`
	GlobalCPUBudget    int64         `mapstructure:"global_cpu_budget"`
	GlobalMemoryBudget int64         `mapstructure:"global_memory_budget"`

	PerUserMaxRunning     int `mapstructure:"per_user_max_running"`
	PerGroupMaxRunning    int `mapstructure:"per_group_max_running"`
	PerPipelineMaxRunning int `mapstructure:"per_pipeline_max_running"`

	SpawnRateLimitPerSecond float64 `mapstructure:"spawn_rate_limit_per_second" validate:"required,gt=0"`
	SpawnRateLimitBurst     int     `mapstructure:"spawn_rate_limit_burst" validate:"required,gt=0"`

	KubeconfigPath string `mapstructure:"kubeconfig_path"`
	Namespace      string `mapstructure:"namespace"`
	StorePath      string `mapstructure:"store_path"`
	HTTPAddr       string `mapstructure:"http_addr" validate:"required"`

	// SearchDSN, when set, opens the optional Postgres-backed tag/result
	// search index (§6); empty disables it entirely.
	SearchDSN string `mapstructure:"search_dsn"`
}

// BindFlags registers the flags Load reads, following the teacher's
// flag-per-setting CLI but via pflag so cobra commands can share them.
func BindFlags(fs *pflag.FlagSet) {
	fs.Duration("tick-period", 10*time.Second, "scheduler tick period")
	fs.Duration("heartbeat-timeout", 60*time.Second, "worker heartbeat timeout (T_hb)")
	fs.Duration("snapshot-ttl", 10*time.Second, "backend snapshot cache TTL")
	fs.Int64("global-cpu-budget", 0, "global cpu budget in milli-units, 0 = unbounded")
	fs.Int64("global-memory-budget", 0, "global memory budget in bytes, 0 = unbounded")
	fs.Int("per-user-max-running", 0, "per-user running quota, 0 = unbounded")
	fs.Int("per-group-max-running", 0, "per-group running quota, 0 = unbounded")
	fs.Int("per-pipeline-max-running", 0, "per-pipeline running quota, 0 = unbounded")
	fs.Float64("spawn-rate-limit-per-second", 20, "spawn RPCs allowed per second per backend")
	fs.Int("spawn-rate-limit-burst", 40, "spawn RPC burst allowance per backend")
	fs.String("kubeconfig-path", "", "path to kubeconfig, empty uses in-cluster config")
	fs.String("namespace", "default", "kubernetes namespace for the k8s backend")
	fs.String("store-path", "", "badger store directory, empty uses in-memory")
	fs.String("http-addr", ":8080", "stats/admin HTTP listen address")
	fs.String("search-dsn", "", "Postgres DSN for the optional tag/result search index, empty disables it")
}

// Load reads configuration from fs (already parsed), THORIUM_-prefixed
// environment variables, and an optional file at configPath, in
// increasing precedence (file < env < flag, viper's default order).
func Load(fs *pflag.FlagSet, configPath string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("THORIUM")
	v.AutomaticEnv()

	// Flags are dashed (tick-period) while Config's keys are underscored
	// (tick_period), so each flag is bound under its underscored key.
	var bindErr error
	fs.VisitAll(func(f *pflag.Flag) {
		if err := v.BindPFlag(strings.ReplaceAll(f.Name, "-", "_"), f); err != nil && bindErr == nil {
			bindErr = err
		}
	})
	if bindErr != nil {
		return nil, fmt.Errorf("bind flags: %w", bindErr)
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", configPath, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// Watch hot-reloads configPath on change, invoking onChange with the
// newly parsed and validated Config. Reload errors are logged and the
// previous Config keeps running, matching §5's "well-defined init and
// teardown" without taking the process down on a bad edit.
func Watch(fs *pflag.FlagSet, configPath string, logger *slog.Logger, onChange func(*Config)) (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create config watcher: %w", err)
	}
	if err := watcher.Add(configPath); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watch config file %s: %w", configPath, err)
	}

	go func() {
		for event := range watcher.Events {
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := Load(fs, configPath)
			if err != nil {
				logger.Warn("config reload failed, keeping previous config", slog.Any("error", err))
				continue
			}
			logger.Info("config reloaded", slog.String("path", configPath))
			onChange(cfg)
		}
	}()
	return watcher, nil
}

// SchedulerConfig projects the scaler-relevant fields into
// scheduler.Config.
func (c *Config) SchedulerConfig() scheduler.Config {
	cfg := scheduler.DefaultConfig()
	cfg.TickPeriod = c.TickPeriod
	cfg.HeartbeatTimeout = c.HeartbeatTimeout
	cfg.SnapshotTTL = c.SnapshotTTL
	cfg.GlobalCPUBudget = c.GlobalCPUBudget
	cfg.GlobalMemoryBudget = c.GlobalMemoryBudget
	return cfg
}

// Quotas projects the fair-share quota fields into ledger.Quotas.
func (c *Config) Quotas() ledger.Quotas {
	return ledger.Quotas{
		PerUserMaxRunning:     c.PerUserMaxRunning,
		PerGroupMaxRunning:    c.PerGroupMaxRunning,
		PerPipelineMaxRunning: c.PerPipelineMaxRunning,
		GlobalCPUBudget:       c.GlobalCPUBudget,
		GlobalMemoryBudget:    c.GlobalMemoryBudget,
	}
}
