package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mcfleet/mcfleet/internal/gameserver"
	"github.com/mcfleet/mcfleet/internal/worker"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mcfleet.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

const sample = `
state_dir = "/var/lib/mcfleet/state"
servers_dir = "/var/lib/mcfleet/servers"

[log]
level = "debug"
dir = "/var/log/mcfleet"

[pool]
domain = "example.co.uk"
prefix = "mc"
size = 100

[worker]
poll_interval = "2s"
ready_timeout = "120s"
stop_grace = "15s"
warn_checkpoints = ["10m", "1m"]
countdown_from = 5
restart_policy = "relaunch"

[backup]
dir = "/var/lib/mcfleet/backups"
retention = 7

[server]
listen = ":9090"

[dispatch]
mode = "github"
owner = "acme"
repo = "fleet"
ref = "main"

[history]
path = "/var/lib/mcfleet/history.db"
`

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, sample))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Pool.Domain != "example.co.uk" || cfg.Pool.Size != 100 {
		t.Fatalf("pool config wrong: %+v", cfg.Pool)
	}
	if cfg.Worker.PollInterval != 2*time.Second || cfg.Worker.StopGrace != 15*time.Second {
		t.Fatalf("worker durations wrong: %+v", cfg.Worker)
	}
	if len(cfg.Worker.WarnCheckpoints) != 2 || cfg.Worker.WarnCheckpoints[0] != 10*time.Minute {
		t.Fatalf("warn checkpoints wrong: %v", cfg.Worker.WarnCheckpoints)
	}
	if cfg.Backup.Retention != 7 {
		t.Fatalf("retention = %d", cfg.Backup.Retention)
	}
	if cfg.Dispatch.Mode != "github" || cfg.Dispatch.Owner != "acme" {
		t.Fatalf("dispatch config wrong: %+v", cfg.Dispatch)
	}
	if cfg.History.Path == "" {
		t.Fatalf("history path lost")
	}
}

func TestLoadEmptyPathGivesDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Worker.PollInterval != 5*time.Second {
		t.Fatalf("default poll interval = %v", cfg.Worker.PollInterval)
	}
	if cfg.Worker.CountdownFrom != 10 || cfg.Backup.Retention != 5 {
		t.Fatalf("defaults wrong: %+v", cfg)
	}
	if cfg.Worker.RestartPolicy != string(worker.RestartInPlace) {
		t.Fatalf("default restart policy = %q", cfg.Worker.RestartPolicy)
	}
}

func TestValidation(t *testing.T) {
	cases := map[string]string{
		"bad restart policy": `
[pool]
domain = "example.co.uk"
[worker]
restart_policy = "sometimes"`,
		"github without repo": `
[pool]
domain = "example.co.uk"
[dispatch]
mode = "github"`,
		"zero pool": `
[pool]
domain = "example.co.uk"
size = -1`,
	}
	for name, body := range cases {
		if _, err := Load(writeConfig(t, body)); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestWorkerOptions(t *testing.T) {
	cfg, err := Load(writeConfig(t, sample))
	if err != nil {
		t.Fatal(err)
	}
	opts := cfg.WorkerOptions("abc123", gameserver.Paper, true)
	if opts.ServerDir != filepath.Join("/var/lib/mcfleet/servers", "abc123") {
		t.Fatalf("server dir = %s", opts.ServerDir)
	}
	if !opts.InitializeOnly || opts.Flavor != gameserver.Paper {
		t.Fatalf("options wrong: %+v", opts)
	}
	if opts.RestartPolicy != worker.RestartRelaunch {
		t.Fatalf("restart policy = %v", opts.RestartPolicy)
	}
	if !strings.HasPrefix(cfg.StateDir, "/var/lib") {
		t.Fatalf("state dir = %s", cfg.StateDir)
	}
}
