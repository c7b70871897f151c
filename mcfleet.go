package mcfleet

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mcfleet/mcfleet/internal/backup"
	icfg "github.com/mcfleet/mcfleet/internal/config"
	"github.com/mcfleet/mcfleet/internal/dispatch"
	"github.com/mcfleet/mcfleet/internal/gameserver"
	"github.com/mcfleet/mcfleet/internal/history"
	"github.com/mcfleet/mcfleet/internal/metrics"
	"github.com/mcfleet/mcfleet/internal/pool"
	"github.com/mcfleet/mcfleet/internal/reconcile"
	"github.com/mcfleet/mcfleet/internal/record"
	"github.com/mcfleet/mcfleet/internal/registry"
	iapi "github.com/mcfleet/mcfleet/internal/server"
	"github.com/mcfleet/mcfleet/internal/statestore"
	"github.com/mcfleet/mcfleet/internal/tunnel"
	"github.com/mcfleet/mcfleet/internal/worker"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type ServerRecord = record.ServerRecord

type CreateRequest = registry.CreateRequest

type Config = icfg.Config

type Flavor = gameserver.Flavor

type Mismatch = reconcile.Mismatch

type HistoryEvent = history.Event

type HistorySink = history.Sink

type WorkerOptions = worker.Options

type WorkerDeps = worker.Deps

// LoadConfig reads the TOML config at path over the defaults.
func LoadConfig(path string) (Config, error) { return icfg.Load(path) }

// OpenStore opens the git-backed document store rooted at dir.
func OpenStore(dir string) (*statestore.Store, error) { return statestore.Open(dir) }

// Registry is a thin facade over internal/registry.Registry.
// It provides a stable public API for embedding.
type Registry struct{ inner *registry.Registry }

// NewRegistry builds a control plane over the store described by cfg. The
// dispatcher may be nil to disable worker launching.
func NewRegistry(cfg Config, store statestore.Docs, d dispatch.Dispatcher) *Registry {
	p := pool.New(store, tunnel.NewRouteDNS(), cfg.Pool.Domain, cfg.Pool.Prefix, cfg.Pool.Size)
	return &Registry{inner: registry.New(store, p, d, cfg.Log.New("mcfleet"))}
}

func (r *Registry) Create(ctx context.Context, req CreateRequest) (*ServerRecord, error) {
	return r.inner.Create(ctx, req)
}
func (r *Registry) Start(ctx context.Context, id string) error  { return r.inner.Start(ctx, id) }
func (r *Registry) Stop(id string) error                        { return r.inner.Stop(id) }
func (r *Registry) SendCommand(id, cmd string) error            { return r.inner.SendCommand(id, cmd) }
func (r *Registry) Delete(ctx context.Context, id string) error { return r.inner.Delete(ctx, id) }
func (r *Registry) Get(id string) (*ServerRecord, error)        { return r.inner.Get(id) }
func (r *Registry) List() ([]*ServerRecord, error)              { return r.inner.List() }

// NewWorker builds a worker over explicit collaborators. Most callers want
// the mcfleet worker command instead; this entry point exists for embedding
// and tests.
func NewWorker(opts WorkerOptions, deps WorkerDeps) *worker.Worker {
	return worker.New(opts, deps)
}

// NewBackupManager returns a snapshot manager writing archives under dest.
func NewBackupManager(cfg Config) *backup.Manager {
	return backup.NewManager(cfg.Backup.Dir, cfg.Backup.Retention, cfg.Log.New("backup"))
}

// NewReconciler returns a DNS reconciler over the store using the system
// resolver chain.
func NewReconciler(cfg Config, store statestore.Docs) *reconcile.Reconciler {
	return reconcile.New(store, reconcile.NewMultiLookup(), cfg.Log.New("reconcile"))
}

// NewHTTPServer starts the admin API on listen and returns the server.
func NewHTTPServer(listen string, r *Registry, rec *reconcile.Reconciler) *http.Server {
	return iapi.NewServer(listen, r.inner, rec)
}

// RegisterMetricsDefault registers the mcfleet collectors with the default
// Prometheus registry.
func RegisterMetricsDefault() error { return metrics.Register(prometheus.DefaultRegisterer) }

// MetricsHandler serves the Prometheus scrape endpoint.
func MetricsHandler() http.Handler { return metrics.Handler() }
