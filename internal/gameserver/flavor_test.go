package gameserver

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mcfleet/mcfleet/internal/record"
)

func TestParseFlavor(t *testing.T) {
	for _, s := range []string{"vanilla", "Paper", " FORGE ", "fabric", "bedrock"} {
		if _, err := ParseFlavor(s); err != nil {
			t.Fatalf("ParseFlavor(%q): %v", s, err)
		}
	}
	if _, err := ParseFlavor("spigot"); err == nil {
		t.Fatalf("expected error for unsupported flavor")
	}
}

func TestSpecJavaArgv(t *testing.T) {
	r := &record.ServerRecord{Memory: "2G"}
	s := Spec(Paper, "/srv/one", r)
	argv := strings.Join(s.Argv, " ")
	if !strings.HasPrefix(argv, "java -Xmx2G -Xms2G -XX:+UseG1GC") {
		t.Fatalf("unexpected paper argv: %s", argv)
	}
	if !strings.HasSuffix(argv, "-jar /srv/one/server.jar nogui") {
		t.Fatalf("unexpected jar args: %s", argv)
	}

	s = Spec(Vanilla, "/srv/one", &record.ServerRecord{})
	if s.Argv[1] != "-Xmx1024M" {
		t.Fatalf("empty memory should default, got %v", s.Argv)
	}
}

func TestSpecBedrock(t *testing.T) {
	s := Spec(Bedrock, "/srv/two", &record.ServerRecord{})
	if s.Argv[0] != "/srv/two/bedrock_server" {
		t.Fatalf("unexpected bedrock argv: %v", s.Argv)
	}
	if len(s.Env) != 1 || s.Env[0] != "LD_LIBRARY_PATH=." {
		t.Fatalf("bedrock must set LD_LIBRARY_PATH, got %v", s.Env)
	}
	if !s.Ready("[INFO] Server started.") {
		t.Fatalf("bedrock readiness marker not matched")
	}
}

func TestReadyRequiresAllMarkers(t *testing.T) {
	s := Spec(Vanilla, "/srv/one", &record.ServerRecord{})
	if s.Ready(`[12:00:01] [Server thread/INFO]: Done`) {
		t.Fatalf("partial marker must not be ready")
	}
	if !s.Ready(`[12:00:01] [Server thread/INFO]: Done (8.1s)! For help, type "help"`) {
		t.Fatalf("full readiness line not matched")
	}
}

func TestForgeJarResolution(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "forge-1.21.1-48.0.6.jar"), nil, 0o600); err != nil {
		t.Fatal(err)
	}
	s := Spec(Forge, dir, &record.ServerRecord{Memory: "2G"})
	if !strings.Contains(strings.Join(s.Argv, " "), "forge-1.21.1-48.0.6.jar") {
		t.Fatalf("forge jar not resolved: %v", s.Argv)
	}
}

func TestFormatCommand(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"say hello", "/say hello"},
		{"/give all diamond", "/give all diamond"},
		{"stop", "stop"},
		{"  list  ", "/list"},
	}
	for _, c := range cases {
		if got := FormatCommand(c.in); got != c.want {
			t.Fatalf("FormatCommand(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestPrepareDirWritesOnlyMissingFiles(t *testing.T) {
	dir := t.TempDir()
	r := &record.ServerRecord{MaxPlayers: 12, Difficulty: "hard", Gamemode: "survival", Seed: "404"}
	if err := PrepareDir(dir, r, DefaultPort); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	props, err := os.ReadFile(filepath.Join(dir, "server.properties"))
	if err != nil {
		t.Fatalf("read properties: %v", err)
	}
	for _, want := range []string{"max-players=12", "difficulty=hard", "gamemode=survival", "level-seed=404", "server-port=25565"} {
		if !strings.Contains(string(props), want) {
			t.Fatalf("properties missing %q:\n%s", want, props)
		}
	}
	eula, err := os.ReadFile(filepath.Join(dir, "eula.txt"))
	if err != nil || string(eula) != "eula=true\n" {
		t.Fatalf("eula not accepted: %q, %v", eula, err)
	}

	// Operator edits survive a second prepare.
	if err := os.WriteFile(filepath.Join(dir, "server.properties"), []byte("max-players=99\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := PrepareDir(dir, r, DefaultPort); err != nil {
		t.Fatalf("second prepare: %v", err)
	}
	props, _ = os.ReadFile(filepath.Join(dir, "server.properties"))
	if string(props) != "max-players=99\n" {
		t.Fatalf("prepare overwrote an existing file: %q", props)
	}
}

func TestLevelNameAndWorldExists(t *testing.T) {
	dir := t.TempDir()
	if got := LevelName(dir); got != "world" {
		t.Fatalf("default level name = %q", got)
	}
	if err := os.WriteFile(filepath.Join(dir, "server.properties"), []byte("motd=x\nlevel-name=skyworld\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if got := LevelName(dir); got != "skyworld" {
		t.Fatalf("level name = %q", got)
	}
	if WorldExists(dir) {
		t.Fatalf("world should not exist yet")
	}
	if err := os.Mkdir(filepath.Join(dir, "skyworld"), 0o750); err != nil {
		t.Fatal(err)
	}
	if !WorldExists(dir) {
		t.Fatalf("world directory not detected")
	}
}
