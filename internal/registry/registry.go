package registry

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/mcfleet/mcfleet/internal/dispatch"
	"github.com/mcfleet/mcfleet/internal/gameserver"
	"github.com/mcfleet/mcfleet/internal/metrics"
	"github.com/mcfleet/mcfleet/internal/pool"
	"github.com/mcfleet/mcfleet/internal/record"
	"github.com/mcfleet/mcfleet/internal/statestore"
)

var (
	// ErrServerActive is returned when an operation needs the server to be
	// down first.
	ErrServerActive = errors.New("registry: server is active")
	// ErrCommandPending is returned when a previous command has not been
	// delivered yet.
	ErrCommandPending = errors.New("registry: a command is already pending")
)

// Registry is the control-plane façade over the document store. It holds no
// authoritative state of its own: every operation resynchronizes from the
// store first, because a worker may have published between any two requests.
// The registry never talks to a game server process; it only edits
// documents and fires the dispatcher.
type Registry struct {
	store      statestore.Docs
	pool       *pool.Pool
	dispatcher dispatch.Dispatcher
	log        *slog.Logger

	now func() time.Time
}

func New(store statestore.Docs, p *pool.Pool, d dispatch.Dispatcher, log *slog.Logger) *Registry {
	if d == nil {
		d = dispatch.Nop{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Registry{store: store, pool: p, dispatcher: d, log: log, now: time.Now}
}

// CreateRequest carries the admin form fields for a new server.
type CreateRequest struct {
	Name              string  `json:"name"`
	Flavor            string  `json:"type"`
	Memory            string  `json:"memory"`
	MaxPlayers        int     `json:"max_players"`
	Difficulty        string  `json:"difficulty"`
	Gamemode          string  `json:"gamemode"`
	Seed              string  `json:"seed"`
	MaxRuntimeMin     int     `json:"max_runtime"`
	BackupIntervalHrs float64 `json:"backup_interval"`
}

// Create sanitizes the name, claims a pool identity and persists the new
// record. The server starts out inactive; Start launches it.
func (r *Registry) Create(ctx context.Context, req CreateRequest) (*record.ServerRecord, error) {
	flavor, err := gameserver.ParseFlavor(req.Flavor)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Name) == "" {
		return nil, errors.New("registry: server name is required")
	}

	records, err := r.List()
	if err != nil {
		return nil, err
	}
	taken := map[string]bool{}
	inUse := map[string]bool{}
	for _, rec := range records {
		if rec.Subdomain != "" {
			label, _, _ := strings.Cut(rec.Subdomain, ".")
			taken[label] = true
			inUse[rec.Subdomain] = true
		}
	}

	label, err := r.pool.Sanitize(req.Name, func(l string) bool { return taken[l] })
	if err != nil {
		return nil, err
	}
	fqdn, _, err := r.pool.Allocate(ctx, label, inUse)
	if err != nil {
		return nil, err
	}
	metrics.IncPoolAllocation()

	rec := &record.ServerRecord{
		ID:                newID(),
		Name:              req.Name,
		Flavor:            string(flavor),
		Memory:            req.Memory,
		MaxPlayers:        req.MaxPlayers,
		Difficulty:        req.Difficulty,
		Gamemode:          req.Gamemode,
		Seed:              req.Seed,
		MaxRuntimeMin:     req.MaxRuntimeMin,
		BackupIntervalHrs: req.BackupIntervalHrs,
		Subdomain:         fqdn,
		Address:           fqdn,
		CreatedAt:         r.now().Unix(),
	}
	if err := r.store.Save(record.Key(rec.ID), rec, fmt.Sprintf("Create server %s (%s)", rec.ID, rec.Name)); err != nil {
		return nil, fmt.Errorf("registry: persist record: %w", err)
	}
	r.log.Info("server created", "server", rec.ID, "name", rec.Name, "fqdn", fqdn)
	return rec, nil
}

// Start asks the dispatcher to launch a worker. The record is not touched:
// the worker itself publishes is_active once it is up.
func (r *Registry) Start(ctx context.Context, id string) error {
	rec, err := r.Get(id)
	if err != nil {
		return err
	}
	if rec.IsActive {
		return fmt.Errorf("%w: %s", ErrServerActive, id)
	}
	flavor, err := gameserver.ParseFlavor(rec.Flavor)
	if err != nil {
		return err
	}
	if err := r.dispatcher.Launch(ctx, id, flavor); err != nil {
		return fmt.Errorf("registry: dispatch %s: %w", id, err)
	}
	r.log.Info("worker launch dispatched", "server", id, "flavor", rec.Flavor)
	return nil
}

// Stop raises the shutdown flag. Only the worker ever clears it.
func (r *Registry) Stop(id string) error {
	rec, err := r.Get(id)
	if err != nil {
		return err
	}
	if rec.ShutdownRequest {
		return nil
	}
	rec.ShutdownRequest = true
	if err := r.store.Save(record.Key(id), rec, fmt.Sprintf("Request shutdown for %s", id)); err != nil {
		return fmt.Errorf("registry: persist shutdown request: %w", err)
	}
	r.log.Info("shutdown requested", "server", id)
	return nil
}

// SendCommand queues one console command. A still-pending previous command
// is a conflict, not a queue.
func (r *Registry) SendCommand(id, command string) error {
	if strings.TrimSpace(command) == "" {
		return errors.New("registry: empty command")
	}
	rec, err := r.Get(id)
	if err != nil {
		return err
	}
	if !rec.IsActive {
		return fmt.Errorf("registry: server %s is not running", id)
	}
	if rec.PendingCommand != "" {
		return fmt.Errorf("%w: %q", ErrCommandPending, rec.PendingCommand)
	}
	rec.PendingCommand = command
	if err := r.store.Save(record.Key(id), rec, fmt.Sprintf("Queue command for %s", id)); err != nil {
		return fmt.Errorf("registry: persist command: %w", err)
	}
	r.log.Info("command queued", "server", id, "command", command)
	return nil
}

// Delete removes a stopped server and releases its pool identity.
func (r *Registry) Delete(ctx context.Context, id string) error {
	rec, err := r.Get(id)
	if err != nil {
		return err
	}
	if rec.IsActive {
		return fmt.Errorf("%w: stop %s before deleting it", ErrServerActive, id)
	}
	if rec.Subdomain != "" {
		if err := r.pool.Release(ctx, rec.Subdomain); err != nil && !errors.Is(err, pool.ErrUnknownFQDN) {
			return fmt.Errorf("registry: release identity: %w", err)
		}
		metrics.IncPoolRelease()
	}
	if err := r.store.Delete(record.Key(id), fmt.Sprintf("Delete server %s", id)); err != nil {
		return fmt.Errorf("registry: delete record: %w", err)
	}
	r.log.Info("server deleted", "server", id)
	return nil
}

// Get loads one record fresh from the store.
func (r *Registry) Get(id string) (*record.ServerRecord, error) {
	var rec record.ServerRecord
	if err := r.store.Load(record.Key(id), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// List loads every server record, sorted by creation time then id.
func (r *Registry) List() ([]*record.ServerRecord, error) {
	keys, err := r.store.List("servers/")
	if err != nil {
		return nil, fmt.Errorf("registry: list records: %w", err)
	}
	out := make([]*record.ServerRecord, 0, len(keys))
	for _, key := range keys {
		var rec record.ServerRecord
		if err := r.store.Load(key, &rec); err != nil {
			r.log.Warn("skipping unreadable record", "key", key, "err", err)
			continue
		}
		out = append(out, &rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// newID is eight hex characters, short enough for subdomain-adjacent use
// and long enough to avoid collisions at fleet scale.
func newID() string {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
