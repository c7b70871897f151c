package main

import (
	"context"
	"fmt"

	"github.com/mcfleet/mcfleet/internal/backup"
	"github.com/mcfleet/mcfleet/internal/gameserver"
	"github.com/mcfleet/mcfleet/internal/history"
	"github.com/mcfleet/mcfleet/internal/reconcile"
	"github.com/mcfleet/mcfleet/internal/statestore"
	"github.com/mcfleet/mcfleet/internal/tunnel"
	"github.com/mcfleet/mcfleet/internal/worker"
)

// Worker runs one full worker lifecycle: <server_id> <type> [initialize_only].
// Any startup failure is fatal before the game server is touched; in
// particular a malformed credential table refuses to start rather than
// failing later at tunnel time.
func (c command) Worker(args []string) error {
	serverID := args[0]
	flavor, err := gameserver.ParseFlavor(args[1])
	if err != nil {
		return err
	}
	initOnly := false
	if len(args) == 3 {
		if args[2] != "initialize_only" {
			return fmt.Errorf("unknown worker mode %q, expected initialize_only", args[2])
		}
		initOnly = true
	}

	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	log := cfg.Log.New("worker-" + serverID)

	store, err := statestore.Open(cfg.StateDir)
	if err != nil {
		return err
	}

	opts := cfg.WorkerOptions(serverID, flavor, initOnly)

	creds, err := tunnel.LoadTable()
	if err != nil {
		return fmt.Errorf("tunnel credentials: %w", err)
	}

	var sink history.Sink = history.Nop{}
	if cfg.History.Path != "" {
		s, err := history.NewSQLiteSink(cfg.History.Path)
		if err != nil {
			return fmt.Errorf("history sink: %w", err)
		}
		defer func() { _ = s.Close() }()
		sink = s
	}

	dispatcher, err := newDispatcher(cfg)
	if err != nil {
		return err
	}

	w := worker.New(opts, worker.Deps{
		Store:      store,
		Provider:   tunnel.NewCloudflared(creds, opts.ServerDir, log),
		Backups:    backup.NewManager(cfg.Backup.Dir, cfg.Backup.Retention, log),
		Sink:       sink,
		Dispatcher: dispatcher,
		Reconciler: reconcile.New(store, reconcile.NewMultiLookup(), log),
		Log:        log,
		Console:    cfg.Log.Console("server-" + serverID),
	})
	return w.Run(context.Background())
}
