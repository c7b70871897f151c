package reconcile

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"regexp"
	"strings"
)

// MultiLookup resolves CNAMEs with whatever mechanism the host offers: the
// system resolver first, then dig, then nslookup. The original deployment
// ran on heterogeneous CI hosts where any one of these could be missing.
type MultiLookup struct {
	resolver *net.Resolver
}

func NewMultiLookup() *MultiLookup {
	return &MultiLookup{resolver: net.DefaultResolver}
}

// tunnelTargetRe extracts the tunnel id from a cloudflared CNAME target
// (<tunnel-id>.cfargotunnel.com).
var tunnelTargetRe = regexp.MustCompile(`([0-9a-f-]+)\.cfargotunnel\.com`)

func (l *MultiLookup) CNAME(ctx context.Context, fqdn string) (string, error) {
	var errs []error

	if target, err := l.resolver.LookupCNAME(ctx, fqdn); err == nil {
		if id, ok := tunnelID(target); ok {
			return id, nil
		}
		errs = append(errs, fmt.Errorf("resolver: %s is not a tunnel target", target))
	} else {
		errs = append(errs, fmt.Errorf("resolver: %w", err))
	}

	if id, err := l.viaCommand(ctx, "dig", "CNAME", fqdn, "+short"); err == nil {
		return id, nil
	} else {
		errs = append(errs, err)
	}

	if id, err := l.viaCommand(ctx, "nslookup", "-type=CNAME", fqdn); err == nil {
		return id, nil
	} else {
		errs = append(errs, err)
	}

	return "", errors.Join(errs...)
}

func (l *MultiLookup) viaCommand(ctx context.Context, name string, args ...string) (string, error) {
	if _, err := exec.LookPath(name); err != nil {
		return "", fmt.Errorf("%s: not installed", name)
	}
	out, err := exec.CommandContext(ctx, name, args...).Output()
	if err != nil {
		return "", fmt.Errorf("%s: %w", name, err)
	}
	if id, ok := tunnelID(string(out)); ok {
		return id, nil
	}
	return "", fmt.Errorf("%s: no tunnel target in output", name)
}

func tunnelID(s string) (string, bool) {
	m := tunnelTargetRe.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return "", false
	}
	return m[1], true
}
