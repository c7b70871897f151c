package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/mcfleet/mcfleet/internal/backup"
	"github.com/mcfleet/mcfleet/internal/config"
	"github.com/mcfleet/mcfleet/internal/dispatch"
	"github.com/mcfleet/mcfleet/internal/pool"
	"github.com/mcfleet/mcfleet/internal/reconcile"
	"github.com/mcfleet/mcfleet/internal/registry"
	"github.com/mcfleet/mcfleet/internal/statestore"
	"github.com/mcfleet/mcfleet/internal/tunnel"
)

type command struct {
	flags *GlobalFlags
}

// loadConfig reads the TOML config named by --config, or the defaults.
func (c command) loadConfig() (config.Config, error) {
	return config.Load(c.flags.ConfigPath)
}

// newRegistry builds the control-plane facade over the configured store.
func (c command) newRegistry(cfg config.Config) (*registry.Registry, statestore.Docs, error) {
	store, err := statestore.Open(cfg.StateDir)
	if err != nil {
		return nil, nil, err
	}
	log := cfg.Log.New("mcfleet")
	p := pool.New(store, tunnel.NewRouteDNS(), cfg.Pool.Domain, cfg.Pool.Prefix, cfg.Pool.Size)
	d, err := newDispatcher(cfg)
	if err != nil {
		return nil, nil, err
	}
	return registry.New(store, p, d, log), store, nil
}

// newDispatcher picks the launch mechanism from config. The github token is
// read from the environment, never from the config file.
func newDispatcher(cfg config.Config) (dispatch.Dispatcher, error) {
	switch cfg.Dispatch.Mode {
	case "github":
		token := os.Getenv(cfg.Dispatch.TokenEnv)
		if token == "" {
			return nil, fmt.Errorf("dispatch token env %s is not set", cfg.Dispatch.TokenEnv)
		}
		return dispatch.NewGitHub(cfg.Dispatch.Owner, cfg.Dispatch.Repo, cfg.Dispatch.Ref, token, cfg.Log.New("dispatch")), nil
	default:
		return dispatch.Nop{}, nil
	}
}

func (c command) Create(f CreateFlags) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	reg, _, err := c.newRegistry(cfg)
	if err != nil {
		return err
	}
	rec, err := reg.Create(context.Background(), registry.CreateRequest{
		Name:              f.Name,
		Flavor:            f.Flavor,
		Memory:            f.Memory,
		MaxPlayers:        f.MaxPlayers,
		Difficulty:        f.Difficulty,
		Gamemode:          f.Gamemode,
		Seed:              f.Seed,
		MaxRuntimeMin:     f.MaxRuntime,
		BackupIntervalHrs: f.BackupInterval,
	})
	if err != nil {
		return err
	}
	printJSON(rec)
	return nil
}

func (c command) Start(f ServerFlags) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	reg, _, err := c.newRegistry(cfg)
	if err != nil {
		return err
	}
	if err := reg.Start(context.Background(), f.ID); err != nil {
		return err
	}
	fmt.Printf("Worker dispatched for server %s\n", f.ID)
	return nil
}

func (c command) Stop(f ServerFlags) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	reg, _, err := c.newRegistry(cfg)
	if err != nil {
		return err
	}
	if err := reg.Stop(f.ID); err != nil {
		return err
	}
	fmt.Printf("Shutdown requested for server %s\n", f.ID)
	return nil
}

func (c command) Delete(f ServerFlags) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	reg, _, err := c.newRegistry(cfg)
	if err != nil {
		return err
	}
	if err := reg.Delete(context.Background(), f.ID); err != nil {
		return err
	}
	fmt.Printf("Server %s deleted\n", f.ID)
	return nil
}

func (c command) SendCommand(f CommandFlags) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	reg, _, err := c.newRegistry(cfg)
	if err != nil {
		return err
	}
	if err := reg.SendCommand(f.ID, f.Command); err != nil {
		return err
	}
	fmt.Printf("Command queued for server %s\n", f.ID)
	return nil
}

func (c command) List() error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	reg, _, err := c.newRegistry(cfg)
	if err != nil {
		return err
	}
	recs, err := reg.List()
	if err != nil {
		return err
	}
	printJSON(recs)
	return nil
}

func (c command) Backup(f ServerFlags) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	m := backup.NewManager(cfg.Backup.Dir, cfg.Backup.Retention, cfg.Log.New("backup"))
	opts := cfg.WorkerOptions(f.ID, "", false)
	path, err := m.Snapshot(opts.ServerDir, f.ID, backup.ReasonScheduled)
	if err != nil {
		return err
	}
	fmt.Printf("Backup written to %s\n", path)
	return nil
}

func (c command) ValidateTunnels(f ValidateFlags) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	store, err := statestore.Open(cfg.StateDir)
	if err != nil {
		return err
	}
	rec := reconcile.New(store, reconcile.NewMultiLookup(), cfg.Log.New("reconcile"))
	rec.DryRun = f.DryRun
	mismatches, err := rec.Validate(context.Background(), f.FQDN)
	if err != nil {
		return err
	}
	if len(mismatches) == 0 {
		fmt.Println("All tunnel mappings match DNS")
		return nil
	}
	printJSON(mismatches)
	return nil
}

func printJSON(v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Printf("%+v\n", v)
		return
	}
	fmt.Println(string(b))
}
