package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/mcfleet/mcfleet/internal/metrics"
	"github.com/mcfleet/mcfleet/internal/record"
	"github.com/mcfleet/mcfleet/internal/statestore"
)

// The reconciler heals drift between the identity pool's recorded mapping
// and DNS. DNS is authoritative: it reflects where traffic is actually
// routed, so on mismatch the recorded tunnel id is overwritten with the
// observed one, never the reverse. Lookup failures are treated as unknown
// and skipped; they are not evidence of drift.

// Lookup resolves an fqdn to the tunnel id its CNAME currently points at.
type Lookup interface {
	CNAME(ctx context.Context, fqdn string) (tunnelID string, err error)
}

// Mismatch describes one divergent pool entry.
type Mismatch struct {
	FQDN     string `json:"fqdn"`
	Recorded string `json:"recorded_tunnel_id"`
	Observed string `json:"observed_tunnel_id"`
}

// Reconciler compares the pool mapping against DNS and writes corrections
// back through the state store.
type Reconciler struct {
	store  statestore.Docs
	lookup Lookup
	log    *slog.Logger

	// DryRun reports mismatches without persisting corrections.
	DryRun bool
}

func New(store statestore.Docs, lookup Lookup, log *slog.Logger) *Reconciler {
	if log == nil {
		log = slog.Default()
	}
	return &Reconciler{store: store, lookup: lookup, log: log}
}

// Validate checks one fqdn, or the whole mapping when scope is empty, and
// heals any drift it can observe. A pass is idempotent: with no external
// change a second run produces zero corrections.
func (r *Reconciler) Validate(ctx context.Context, scope string) ([]Mismatch, error) {
	var m map[string]string
	if err := r.store.Load(record.PoolKey, &m); err != nil {
		return nil, fmt.Errorf("reconcile: load mapping: %w", err)
	}

	fqdns := make([]string, 0, len(m))
	for fqdn := range m {
		if scope == "" || fqdn == scope {
			fqdns = append(fqdns, fqdn)
		}
	}
	if scope != "" && len(fqdns) == 0 {
		return nil, fmt.Errorf("reconcile: %s not in pool mapping", scope)
	}
	sort.Strings(fqdns)

	var mismatches []Mismatch
	skipped := 0
	for _, fqdn := range fqdns {
		observed, err := r.lookup.CNAME(ctx, fqdn)
		if err != nil {
			// Unknown, not a mismatch. Tooling availability varies by host
			// and a transient resolver error must never rewrite the map.
			r.log.Warn("cname lookup failed, skipping", "fqdn", fqdn, "err", err)
			skipped++
			continue
		}
		if observed != m[fqdn] {
			mismatches = append(mismatches, Mismatch{FQDN: fqdn, Recorded: m[fqdn], Observed: observed})
		}
	}

	if len(mismatches) > 0 && !r.DryRun {
		for _, mm := range mismatches {
			m[mm.FQDN] = mm.Observed
			metrics.IncReconcileCorrection()
			r.log.Info("healed tunnel mapping from dns",
				"fqdn", mm.FQDN, "recorded", mm.Recorded, "observed", mm.Observed)
		}
		msg := fmt.Sprintf("Reconcile %d tunnel mapping(s) against DNS", len(mismatches))
		if err := r.store.Save(record.PoolKey, m, msg); err != nil {
			return mismatches, fmt.Errorf("reconcile: persist corrections: %w", err)
		}
	}
	r.log.Info("reconciliation pass complete",
		"checked", len(fqdns), "mismatched", len(mismatches), "skipped", skipped)
	return mismatches, nil
}
