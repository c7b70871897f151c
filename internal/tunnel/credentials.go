package tunnel

import (
	"encoding/json"
	"fmt"
	"os"
)

// CredsEnv is the environment variable holding the credential table: a
// single JSON object keyed by tunnel id. Workers receive it from the
// dispatcher as a secret.
const CredsEnv = "MCFLEET_TUNNEL_CREDS"

// Credentials is one tunnel's connector credential in cloudflared's own
// file format.
type Credentials struct {
	AccountTag   string `json:"AccountTag"`
	TunnelSecret string `json:"TunnelSecret"`
	TunnelID     string `json:"TunnelID"`
	Endpoint     string `json:"Endpoint,omitempty"`
}

// Table maps tunnel id to credentials for every slot in the identity pool.
type Table map[string]Credentials

// LoadTable parses the credential table from the environment. A missing or
// malformed blob is a single fatal startup error; nothing downstream should
// ever have to guess at credential shape.
func LoadTable() (Table, error) {
	return ParseTable(os.Getenv(CredsEnv))
}

// ParseTable parses a raw credential blob.
func ParseTable(raw string) (Table, error) {
	if raw == "" {
		return nil, fmt.Errorf("tunnel: %s not set", CredsEnv)
	}
	var t Table
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return nil, fmt.Errorf("tunnel: parse %s: %w", CredsEnv, err)
	}
	for id, c := range t {
		if c.AccountTag == "" || c.TunnelSecret == "" || c.TunnelID == "" {
			return nil, fmt.Errorf("tunnel: incomplete credentials for %s", id)
		}
		if c.TunnelID != id {
			return nil, fmt.Errorf("tunnel: credentials for %s carry TunnelID %s", id, c.TunnelID)
		}
	}
	return t, nil
}

// Lookup returns the credentials for one tunnel id.
func (t Table) Lookup(tunnelID string) (Credentials, error) {
	c, ok := t[tunnelID]
	if !ok {
		return Credentials{}, fmt.Errorf("tunnel: no credentials for %s", tunnelID)
	}
	return c, nil
}
