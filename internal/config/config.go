package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/mcfleet/mcfleet/internal/backup"
	"github.com/mcfleet/mcfleet/internal/gameserver"
	"github.com/mcfleet/mcfleet/internal/logger"
	"github.com/mcfleet/mcfleet/internal/worker"
)

// Config is the top-level TOML structure shared by the control plane and
// workers. Every interval, timeout and checkpoint the runtime uses lives
// here; nothing is hard-coded in the state machine.
type Config struct {
	// StateDir is the git working clone holding the document store.
	StateDir string `mapstructure:"state_dir"`
	// ServersDir is the base directory for per-server working directories.
	ServersDir string `mapstructure:"servers_dir"`

	Log    logger.Config `mapstructure:"log"`
	Pool   PoolConfig    `mapstructure:"pool"`
	Worker WorkerConfig  `mapstructure:"worker"`
	Backup BackupConfig  `mapstructure:"backup"`
	Server ServerConfig  `mapstructure:"server"`

	Dispatch DispatchConfig `mapstructure:"dispatch"`
	History  HistoryConfig  `mapstructure:"history"`
}

type PoolConfig struct {
	Domain string `mapstructure:"domain"`
	Prefix string `mapstructure:"prefix"`
	Size   int    `mapstructure:"size"`
}

type WorkerConfig struct {
	Port            int             `mapstructure:"port"`
	PollInterval    time.Duration   `mapstructure:"poll_interval"`
	ReadyTimeout    time.Duration   `mapstructure:"ready_timeout"`
	StopGrace       time.Duration   `mapstructure:"stop_grace"`
	WarnCheckpoints []time.Duration `mapstructure:"warn_checkpoints"`
	CountdownFrom   int             `mapstructure:"countdown_from"`
	RestartPolicy   string          `mapstructure:"restart_policy"`
}

type BackupConfig struct {
	Dir       string `mapstructure:"dir"`
	Retention int    `mapstructure:"retention"`
}

type ServerConfig struct {
	Listen string `mapstructure:"listen"`
}

type DispatchConfig struct {
	// Mode is "github" or "none".
	Mode  string `mapstructure:"mode"`
	Owner string `mapstructure:"owner"`
	Repo  string `mapstructure:"repo"`
	Ref   string `mapstructure:"ref"`
	// TokenEnv names the environment variable carrying the API token.
	TokenEnv string `mapstructure:"token_env"`
}

type HistoryConfig struct {
	// Path is the sqlite file for the lifecycle audit; empty disables it.
	Path string `mapstructure:"path"`
}

// Defaults returns the fixed defaults documented for each knob.
func Defaults() Config {
	return Config{
		StateDir:   ".",
		ServersDir: "servers",
		Pool: PoolConfig{
			Prefix: "mc",
			Size:   100,
		},
		Worker: WorkerConfig{
			Port:            gameserver.DefaultPort,
			PollInterval:    5 * time.Second,
			ReadyTimeout:    300 * time.Second,
			StopGrace:       30 * time.Second,
			WarnCheckpoints: []time.Duration{30 * time.Minute, 15 * time.Minute, 5 * time.Minute, time.Minute},
			CountdownFrom:   10,
			RestartPolicy:   string(worker.RestartInPlace),
		},
		Backup: BackupConfig{
			Retention: backup.DefaultRetention,
		},
		Server: ServerConfig{
			Listen: ":8080",
		},
		Dispatch: DispatchConfig{
			Mode:     "none",
			Ref:      "main",
			TokenEnv: "MCFLEET_GITHUB_TOKEN",
		},
	}
}

// Load reads a TOML file over the defaults. An empty path returns the
// defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path == "" {
		return cfg, nil
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Pool.Size <= 0 {
		return fmt.Errorf("config: pool.size must be positive, got %d", c.Pool.Size)
	}
	if c.Pool.Domain == "" {
		return fmt.Errorf("config: pool.domain is required")
	}
	switch worker.RestartPolicy(c.Worker.RestartPolicy) {
	case worker.RestartInPlace, worker.RestartRelaunch:
	default:
		return fmt.Errorf("config: worker.restart_policy must be inplace or relaunch, got %q", c.Worker.RestartPolicy)
	}
	switch c.Dispatch.Mode {
	case "none":
	case "github":
		if c.Dispatch.Owner == "" || c.Dispatch.Repo == "" {
			return fmt.Errorf("config: dispatch.owner and dispatch.repo are required for github mode")
		}
	default:
		return fmt.Errorf("config: dispatch.mode must be github or none, got %q", c.Dispatch.Mode)
	}
	return nil
}

// WorkerOptions maps the file config onto worker options for one server.
func (c Config) WorkerOptions(serverID string, flavor gameserver.Flavor, initOnly bool) worker.Options {
	return worker.Options{
		ServerID:        serverID,
		Flavor:          flavor,
		InitializeOnly:  initOnly,
		ServerDir:       filepath.Join(c.ServersDir, serverID),
		Port:            c.Worker.Port,
		PollInterval:    c.Worker.PollInterval,
		ReadyTimeout:    c.Worker.ReadyTimeout,
		StopGrace:       c.Worker.StopGrace,
		WarnCheckpoints: c.Worker.WarnCheckpoints,
		CountdownFrom:   c.Worker.CountdownFrom,
		RestartPolicy:   worker.RestartPolicy(c.Worker.RestartPolicy),
	}
}
