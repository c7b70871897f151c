package pool

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/mcfleet/mcfleet/internal/record"
	"github.com/mcfleet/mcfleet/internal/statestore"
)

// The identity pool is a fixed set of pre-provisioned cloudflared tunnels.
// Each slot's tunnel id is immutable once provisioned; only the human-facing
// DNS name bound to it changes. Free slots carry reserved numeric labels
// (prefix-001..prefix-NNN) so the allocator can scan for the lowest free one
// deterministically. Creating tunnels on demand is not an option: tunnel
// provisioning is an expensive, externally rate-limited operation, so a full
// pool recycles slots instead.

var (
	// ErrReservedName is returned when a sanitized label collides with the
	// numeric slot namespace the pool uses for its own bookkeeping.
	ErrReservedName = errors.New("pool: name collides with reserved numeric slots")
	// ErrExhausted is returned when every slot is owned by a server and
	// nothing can be recycled.
	ErrExhausted = errors.New("pool: no servers to recycle")
	// ErrUnknownFQDN is returned when releasing a name the pool never issued.
	ErrUnknownFQDN = errors.New("pool: unknown fqdn")
)

// Renamer is the external registration capability: point newFQDN at the
// tunnel and retire oldFQDN. Implemented by the cloudflared CLI in
// production and by fakes in tests.
type Renamer interface {
	Rename(ctx context.Context, tunnelID, oldFQDN, newFQDN string) error
}

const maxLabelLen = 63

// Pool allocates and recycles members of the fixed-size identity pool. All
// mapping mutations go through the state store; concurrent control-plane
// requests are serialized only by its optimistic publish-retry, so callers
// must tolerate a retried allocation observing a different lowest free slot.
type Pool struct {
	store   statestore.Docs
	renamer Renamer
	domain  string
	prefix  string
	size    int
}

func New(store statestore.Docs, renamer Renamer, domain, prefix string, size int) *Pool {
	if size <= 0 {
		size = 100
	}
	return &Pool{store: store, renamer: renamer, domain: domain, prefix: prefix, size: size}
}

var labelStrip = regexp.MustCompile(`[^a-z0-9-]+`)

// Sanitize turns a user-supplied server name into a pool label:
// lowercased, whitespace and underscores become hyphens, everything outside
// [a-z0-9-] is dropped, hyphen runs collapse, the pool prefix is prepended
// and the result is truncated to the DNS label limit. taken reports whether
// a candidate label is already claimed; collisions get an incrementing
// numeric suffix.
func (p *Pool) Sanitize(name string, taken func(label string) bool) (string, error) {
	s := strings.ToLower(strings.TrimSpace(name))
	s = strings.NewReplacer(" ", "-", "\t", "-", "_", "-").Replace(s)
	s = labelStrip.ReplaceAllString(s, "")
	for strings.Contains(s, "--") {
		s = strings.ReplaceAll(s, "--", "-")
	}
	s = strings.Trim(s, "-")
	if s == "" {
		return "", fmt.Errorf("pool: name %q sanitizes to nothing", name)
	}
	if !strings.HasPrefix(s, p.prefix+"-") {
		s = p.prefix + "-" + s
	}
	label := truncate(s, maxLabelLen)
	if p.isReserved(label) {
		return "", fmt.Errorf("%w: %s", ErrReservedName, label)
	}
	if taken == nil || !taken(label) {
		return label, nil
	}
	for i := 2; ; i++ {
		suffix := fmt.Sprintf("-%d", i)
		candidate := truncate(label, maxLabelLen-len(suffix)) + suffix
		if !taken(candidate) {
			return candidate, nil
		}
	}
}

// Allocate binds label to a tunnel. inUse holds the fqdns currently owned by
// server records. The lowest-numbered free numeric slot is preferred; with
// no numeric slot free, the unowned entry whose label sorts lowest is
// recycled (oldest-by-name, a deterministic rule, not least-recently-used).
// The external rename runs before the mapping is persisted so a rename
// failure leaves no partial state.
func (p *Pool) Allocate(ctx context.Context, label string, inUse map[string]bool) (fqdn, tunnelID string, err error) {
	if p.isReserved(label) {
		return "", "", fmt.Errorf("%w: %s", ErrReservedName, label)
	}
	var m map[string]string
	if err := p.store.Load(record.PoolKey, &m); err != nil {
		return "", "", fmt.Errorf("pool: load mapping: %w", err)
	}
	newFQDN := p.FQDN(label)
	if _, exists := m[newFQDN]; exists {
		return "", "", fmt.Errorf("pool: %s already claimed", newFQDN)
	}

	oldFQDN := p.lowestFreeNumeric(m, inUse)
	if oldFQDN == "" {
		oldFQDN = lowestRecyclable(m, inUse)
	}
	if oldFQDN == "" {
		return "", "", ErrExhausted
	}
	tid := m[oldFQDN]

	if err := p.renamer.Rename(ctx, tid, oldFQDN, newFQDN); err != nil {
		return "", "", fmt.Errorf("pool: rename %s -> %s: %w", oldFQDN, newFQDN, err)
	}
	delete(m, oldFQDN)
	m[newFQDN] = tid
	msg := fmt.Sprintf("Allocate %s (was %s)", newFQDN, oldFQDN)
	if err := p.store.Save(record.PoolKey, m, msg); err != nil {
		return "", "", fmt.Errorf("pool: persist mapping: %w", err)
	}
	return newFQDN, tid, nil
}

// Release renames fqdn's tunnel back to the lowest currently-free numeric
// label, keeping the numeric namespace densely packed for allocation scans.
func (p *Pool) Release(ctx context.Context, fqdn string) error {
	var m map[string]string
	if err := p.store.Load(record.PoolKey, &m); err != nil {
		return fmt.Errorf("pool: load mapping: %w", err)
	}
	tid, ok := m[fqdn]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownFQDN, fqdn)
	}
	target := ""
	for i := 1; i <= p.size; i++ {
		candidate := p.FQDN(p.numericLabel(i))
		if candidate == fqdn {
			// Already parked on the lowest free numeric name.
			return nil
		}
		if _, claimed := m[candidate]; !claimed {
			target = candidate
			break
		}
	}
	if target == "" {
		return fmt.Errorf("pool: no free numeric slot to park %s", fqdn)
	}
	if err := p.renamer.Rename(ctx, tid, fqdn, target); err != nil {
		return fmt.Errorf("pool: rename %s -> %s: %w", fqdn, target, err)
	}
	delete(m, fqdn)
	m[target] = tid
	msg := fmt.Sprintf("Release %s (parked as %s)", fqdn, target)
	if err := p.store.Save(record.PoolKey, m, msg); err != nil {
		return fmt.Errorf("pool: persist mapping: %w", err)
	}
	return nil
}

// Mapping returns a copy of the current fqdn -> tunnel id mapping.
func (p *Pool) Mapping() (map[string]string, error) {
	var m map[string]string
	if err := p.store.Load(record.PoolKey, &m); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out, nil
}

// FQDN joins a label with the pool domain.
func (p *Pool) FQDN(label string) string { return label + "." + p.domain }

func (p *Pool) numericLabel(i int) string { return fmt.Sprintf("%s-%03d", p.prefix, i) }

func (p *Pool) lowestFreeNumeric(m map[string]string, inUse map[string]bool) string {
	for i := 1; i <= p.size; i++ {
		fqdn := p.FQDN(p.numericLabel(i))
		if _, ok := m[fqdn]; ok && !inUse[fqdn] {
			return fqdn
		}
	}
	return ""
}

func lowestRecyclable(m map[string]string, inUse map[string]bool) string {
	var candidates []string
	for fqdn := range m {
		if !inUse[fqdn] {
			candidates = append(candidates, fqdn)
		}
	}
	if len(candidates) == 0 {
		return ""
	}
	sort.Strings(candidates)
	return candidates[0]
}

var reservedRe = regexp.MustCompile(`^(.+)-(\d{3})$`)

// isReserved reports whether label falls inside the numeric slot namespace.
func (p *Pool) isReserved(label string) bool {
	mm := reservedRe.FindStringSubmatch(label)
	if mm == nil || mm[1] != p.prefix {
		return false
	}
	n := 0
	_, _ = fmt.Sscanf(mm[2], "%d", &n)
	return n >= 1 && n <= p.size
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.TrimRight(s[:n], "-")
}
