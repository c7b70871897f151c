package gameserver

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mcfleet/mcfleet/internal/record"
)

// DefaultPort is the port every server listens on locally; the public
// endpoint is whatever the tunnel binds it to.
const DefaultPort = 25565

// ConfigAllowList is the fixed set of config files carried into backups
// alongside the world directory.
var ConfigAllowList = []string{
	"server.properties",
	"ops.json",
	"whitelist.json",
	"banned-players.json",
	"banned-ips.json",
}

// PrepareDir makes dir runnable: accepts the EULA and writes a
// server.properties derived from the record when one is not already there.
// Existing files are never overwritten so operator edits survive restarts.
func PrepareDir(dir string, r *record.ServerRecord, port int) error {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("gameserver: create dir: %w", err)
	}
	eula := filepath.Join(dir, "eula.txt")
	if _, err := os.Stat(eula); os.IsNotExist(err) {
		if err := os.WriteFile(eula, []byte("eula=true\n"), 0o600); err != nil {
			return fmt.Errorf("gameserver: write eula: %w", err)
		}
	}
	props := filepath.Join(dir, "server.properties")
	if _, err := os.Stat(props); os.IsNotExist(err) {
		if err := os.WriteFile(props, []byte(properties(r, port)), 0o600); err != nil {
			return fmt.Errorf("gameserver: write properties: %w", err)
		}
	}
	return nil
}

func properties(r *record.ServerRecord, port int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "max-players=%d\n", r.MaxPlayers)
	fmt.Fprintf(&b, "difficulty=%s\n", r.Difficulty)
	fmt.Fprintf(&b, "gamemode=%s\n", r.Gamemode)
	fmt.Fprintf(&b, "server-port=%d\n", port)
	b.WriteString("enable-command-block=true\n")
	b.WriteString("spawn-protection=0\n")
	if r.Seed != "" {
		fmt.Fprintf(&b, "level-seed=%s\n", r.Seed)
	}
	return b.String()
}

// LevelName reads level-name from dir's server.properties, defaulting to
// "world" when the file or the key is absent.
func LevelName(dir string) string {
	f, err := os.Open(filepath.Join(dir, "server.properties"))
	if err != nil {
		return "world"
	}
	defer func() { _ = f.Close() }()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if name, ok := strings.CutPrefix(line, "level-name="); ok && name != "" {
			return name
		}
	}
	return "world"
}

// WorldExists reports whether dir already holds a generated world, which is
// how an initialize-only run decides it has nothing to do.
func WorldExists(dir string) bool {
	fi, err := os.Stat(filepath.Join(dir, LevelName(dir)))
	return err == nil && fi.IsDir()
}
