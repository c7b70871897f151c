package tunnel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mcfleet/mcfleet/internal/proc"
)

// Provider establishes and tears down the public endpoint for a local port.
type Provider interface {
	Establish(ctx context.Context, tunnelID, hostname string, port int) error
	Teardown() error
}

// connectedMarker is what cloudflared prints once an edge connection is up.
const connectedMarker = "Registered tunnel connection"

// ingressRule is one entry of the cloudflared config's ingress list.
type ingressRule struct {
	Hostname string `yaml:"hostname,omitempty"`
	Service  string `yaml:"service"`
}

type cloudflaredConfig struct {
	Tunnel          string        `yaml:"tunnel"`
	CredentialsFile string        `yaml:"credentials-file"`
	Ingress         []ingressRule `yaml:"ingress"`
}

// Cloudflared runs a pre-provisioned named tunnel as a supervised child.
type Cloudflared struct {
	Table Table
	// Dir holds config and credential files, ~/.cloudflared by default.
	Dir string
	// ConnectTimeout bounds the wait for the first edge connection.
	ConnectTimeout time.Duration

	Log *slog.Logger

	child *proc.Proc
}

func NewCloudflared(table Table, dir string, log *slog.Logger) *Cloudflared {
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".cloudflared")
		}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Cloudflared{Table: table, Dir: dir, ConnectTimeout: time.Minute, Log: log}
}

// Establish writes the per-tunnel credentials and config files and runs
// `cloudflared tunnel run` until the first edge connection registers.
func (c *Cloudflared) Establish(ctx context.Context, tunnelID, hostname string, port int) error {
	if c.child != nil {
		return fmt.Errorf("tunnel: %s already established", tunnelID)
	}
	configPath, err := c.writeFiles(tunnelID, hostname, port)
	if err != nil {
		return err
	}
	child, err := proc.Start(proc.Spec{
		Argv:   []string{"cloudflared", "tunnel", "--config", configPath, "run", tunnelID},
		Ready:  func(line string) bool { return strings.Contains(line, connectedMarker) },
		Output: slogWriter{c.Log},
	})
	if err != nil {
		return fmt.Errorf("tunnel: start cloudflared: %w", err)
	}
	if err := child.WaitReady(ctx, c.ConnectTimeout); err != nil {
		_ = child.Kill()
		return fmt.Errorf("tunnel: %s never connected: %w", tunnelID, err)
	}
	c.Log.Info("tunnel established", "tunnel_id", tunnelID, "hostname", hostname, "port", port)
	c.child = child
	return nil
}

// Teardown stops the cloudflared child.
func (c *Cloudflared) Teardown() error {
	if c.child == nil {
		return nil
	}
	err := c.child.Terminate(10 * time.Second)
	c.child = nil
	return err
}

func (c *Cloudflared) writeFiles(tunnelID, hostname string, port int) (string, error) {
	creds, err := c.Table.Lookup(tunnelID)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(c.Dir, 0o700); err != nil {
		return "", fmt.Errorf("tunnel: create %s: %w", c.Dir, err)
	}
	credsPath := filepath.Join(c.Dir, fmt.Sprintf("tunnel-%s.json", tunnelID))
	blob, err := json.Marshal(creds)
	if err != nil {
		return "", fmt.Errorf("tunnel: marshal credentials: %w", err)
	}
	if err := os.WriteFile(credsPath, blob, 0o600); err != nil {
		return "", fmt.Errorf("tunnel: write credentials: %w", err)
	}
	cfg := cloudflaredConfig{
		Tunnel:          tunnelID,
		CredentialsFile: credsPath,
		Ingress: []ingressRule{
			{Hostname: hostname, Service: fmt.Sprintf("tcp://localhost:%d", port)},
			{Service: "http_status:404"},
		},
	}
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("tunnel: marshal config: %w", err)
	}
	configPath := filepath.Join(c.Dir, fmt.Sprintf("config-%s.yaml", tunnelID))
	if err := os.WriteFile(configPath, out, 0o600); err != nil {
		return "", fmt.Errorf("tunnel: write config: %w", err)
	}
	return configPath, nil
}

// slogWriter forwards cloudflared's output lines into the worker log.
type slogWriter struct{ log *slog.Logger }

func (w slogWriter) Write(p []byte) (int, error) {
	w.log.Debug("cloudflared", "line", strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

// RouteDNS renames tunnel registrations with the cloudflared CLI. The DNS
// record for the retired name is left in place; the reconciler and the next
// occupant of that label overwrite it.
type RouteDNS struct {
	runner cmdRunner
}

func NewRouteDNS() *RouteDNS { return &RouteDNS{runner: execRunner{}} }

func (r *RouteDNS) Rename(ctx context.Context, tunnelID, oldFQDN, newFQDN string) error {
	out, err := r.runner.run(ctx, "cloudflared", "tunnel", "route", "dns", "--overwrite-dns", tunnelID, newFQDN)
	if err != nil {
		return fmt.Errorf("tunnel: route %s to %s: %w (%s)", newFQDN, tunnelID, err, strings.TrimSpace(out))
	}
	return nil
}

type cmdRunner interface {
	run(ctx context.Context, name string, args ...string) (string, error)
}

type execRunner struct{}

func (execRunner) run(ctx context.Context, name string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	return string(out), err
}
