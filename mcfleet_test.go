package mcfleet

import (
	"errors"
	"testing"
	"time"

	"github.com/mcfleet/mcfleet/internal/statestore"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Worker.PollInterval != 5*time.Second {
		t.Fatalf("default poll interval = %v", cfg.Worker.PollInterval)
	}
	if cfg.Pool.Size != 100 || cfg.Pool.Prefix != "mc" {
		t.Fatalf("pool defaults wrong: %+v", cfg.Pool)
	}
}

func TestRegistryFacade(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatal(err)
	}
	cfg.Pool.Domain = "example.co.uk"
	reg := NewRegistry(cfg, statestore.NewMem(), nil)
	if _, err := reg.Get("missing1"); !errors.Is(err, statestore.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
	if recs, err := reg.List(); err != nil || len(recs) != 0 {
		t.Fatalf("empty list: %v %v", recs, err)
	}
}
