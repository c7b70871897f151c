package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mcfleet/mcfleet/internal/metrics"
	"github.com/mcfleet/mcfleet/internal/reconcile"
	"github.com/mcfleet/mcfleet/internal/server"
)

// Serve runs the admin API until SIGINT or SIGTERM.
func (c command) Serve(args []string) error {
	if len(args) > 0 {
		c.flags.ConfigPath = args[0]
	}
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		fmt.Printf("Warning: failed to register metrics: %v\n", err)
	}

	reg, store, err := c.newRegistry(cfg)
	if err != nil {
		return err
	}
	rec := reconcile.New(store, reconcile.NewMultiLookup(), cfg.Log.New("reconcile"))
	srv := server.NewServer(cfg.Server.Listen, reg, rec)
	fmt.Printf("Starting mcfleet server on %s\n", cfg.Server.Listen)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	fmt.Println("Shutting down...")
	return srv.Close()
}
