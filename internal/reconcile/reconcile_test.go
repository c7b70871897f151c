package reconcile

import (
	"context"
	"errors"
	"testing"

	"github.com/mcfleet/mcfleet/internal/record"
	"github.com/mcfleet/mcfleet/internal/statestore"
)

type fakeLookup struct {
	answers map[string]string
	fails   map[string]bool
}

func (f *fakeLookup) CNAME(_ context.Context, fqdn string) (string, error) {
	if f.fails[fqdn] {
		return "", errors.New("lookup timed out")
	}
	id, ok := f.answers[fqdn]
	if !ok {
		return "", errors.New("no such host")
	}
	return id, nil
}

func seedMapping(t *testing.T) (*statestore.Mem, map[string]string) {
	t.Helper()
	mem := statestore.NewMem()
	m := map[string]string{
		"mc-001.example.co.uk":      "aaa",
		"mc-002.example.co.uk":      "bbb",
		"mc-skyblock.example.co.uk": "ccc",
	}
	if err := mem.Save(record.PoolKey, m, "seed"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return mem, m
}

func loadMapping(t *testing.T, mem *statestore.Mem) map[string]string {
	t.Helper()
	var m map[string]string
	if err := mem.Load(record.PoolKey, &m); err != nil {
		t.Fatalf("load: %v", err)
	}
	return m
}

func TestValidateCorrectsExactlyTheInjectedMismatch(t *testing.T) {
	mem, m := seedMapping(t)
	dns := &fakeLookup{answers: map[string]string{}}
	for fqdn, id := range m {
		dns.answers[fqdn] = id
	}
	// Inject one drifted entry: DNS says bbb-drifted for mc-002.
	dns.answers["mc-002.example.co.uk"] = "bbb-drifted"

	r := New(mem, dns, nil)
	mismatches, err := r.Validate(context.Background(), "")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if len(mismatches) != 1 {
		t.Fatalf("want 1 mismatch, got %v", mismatches)
	}
	mm := mismatches[0]
	if mm.FQDN != "mc-002.example.co.uk" || mm.Recorded != "bbb" || mm.Observed != "bbb-drifted" {
		t.Fatalf("unexpected mismatch %+v", mm)
	}
	healed := loadMapping(t, mem)
	if healed["mc-002.example.co.uk"] != "bbb-drifted" {
		t.Fatalf("mapping not healed: %v", healed)
	}
	if healed["mc-001.example.co.uk"] != "aaa" || healed["mc-skyblock.example.co.uk"] != "ccc" {
		t.Fatalf("untouched entries changed: %v", healed)
	}

	// Second consecutive pass converges to zero corrections.
	mismatches, err = r.Validate(context.Background(), "")
	if err != nil {
		t.Fatalf("second validate: %v", err)
	}
	if len(mismatches) != 0 {
		t.Fatalf("expected convergence, got %v", mismatches)
	}
}

func TestLookupFailureIsUnknownNotMismatch(t *testing.T) {
	mem, m := seedMapping(t)
	dns := &fakeLookup{answers: map[string]string{}, fails: map[string]bool{
		"mc-001.example.co.uk": true,
	}}
	for fqdn, id := range m {
		dns.answers[fqdn] = id
	}
	r := New(mem, dns, nil)
	mismatches, err := r.Validate(context.Background(), "")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if len(mismatches) != 0 {
		t.Fatalf("lookup failure must not count as mismatch: %v", mismatches)
	}
	if loadMapping(t, mem)["mc-001.example.co.uk"] != "aaa" {
		t.Fatalf("entry rewritten despite unknown dns state")
	}
}

func TestValidateSingleScope(t *testing.T) {
	mem, _ := seedMapping(t)
	dns := &fakeLookup{answers: map[string]string{
		"mc-skyblock.example.co.uk": "observed",
	}}
	r := New(mem, dns, nil)
	mismatches, err := r.Validate(context.Background(), "mc-skyblock.example.co.uk")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if len(mismatches) != 1 || mismatches[0].Observed != "observed" {
		t.Fatalf("unexpected result %v", mismatches)
	}
	if _, err := r.Validate(context.Background(), "not-in-pool.example.co.uk"); err == nil {
		t.Fatalf("expected error for fqdn outside the pool")
	}
}

func TestDryRunReportsWithoutWriting(t *testing.T) {
	mem, _ := seedMapping(t)
	dns := &fakeLookup{answers: map[string]string{
		"mc-001.example.co.uk":      "drift",
		"mc-002.example.co.uk":      "bbb",
		"mc-skyblock.example.co.uk": "ccc",
	}}
	r := New(mem, dns, nil)
	r.DryRun = true
	mismatches, err := r.Validate(context.Background(), "")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if len(mismatches) != 1 {
		t.Fatalf("want 1 mismatch, got %v", mismatches)
	}
	if loadMapping(t, mem)["mc-001.example.co.uk"] != "aaa" {
		t.Fatalf("dry run must not persist corrections")
	}
}

func TestTunnelIDExtraction(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"abc123-def.cfargotunnel.com.", "abc123-def"},
		{"mc-001.example.co.uk canonical name = 99aa-bb.cfargotunnel.com", "99aa-bb"},
	}
	for _, c := range cases {
		got, ok := tunnelID(c.in)
		if !ok || got != c.want {
			t.Fatalf("tunnelID(%q) = %q/%v, want %q", c.in, got, ok, c.want)
		}
	}
	if _, ok := tunnelID("unrelated.example.com"); ok {
		t.Fatalf("extracted id from non-tunnel target")
	}
}
