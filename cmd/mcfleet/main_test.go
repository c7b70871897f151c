package main

import (
	"testing"
)

func TestRootHasAllSubcommands(t *testing.T) {
	root := buildRoot()
	want := []string{
		"create", "start", "stop", "delete", "send-command",
		"list", "backup", "validate-tunnels", "worker", "serve",
	}
	have := map[string]bool{}
	for _, cmd := range root.Commands() {
		have[cmd.Name()] = true
	}
	for _, name := range want {
		if !have[name] {
			t.Errorf("missing subcommand %q", name)
		}
	}
}

func TestWorkerRejectsUnknownMode(t *testing.T) {
	c := command{flags: &GlobalFlags{}}
	if err := c.Worker([]string{"ab12cd34", "paper", "sometimes"}); err == nil {
		t.Fatalf("expected mode error")
	}
}

func TestWorkerRejectsUnknownFlavor(t *testing.T) {
	c := command{flags: &GlobalFlags{}}
	if err := c.Worker([]string{"ab12cd34", "spigot"}); err == nil {
		t.Fatalf("expected flavor error")
	}
}
