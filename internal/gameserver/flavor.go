package gameserver

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mcfleet/mcfleet/internal/record"
)

// Flavor is the closed set of supported game server distributions.
type Flavor string

const (
	Vanilla Flavor = "vanilla"
	Paper   Flavor = "paper"
	Forge   Flavor = "forge"
	Fabric  Flavor = "fabric"
	Bedrock Flavor = "bedrock"
)

// ParseFlavor validates a user-supplied flavor string.
func ParseFlavor(s string) (Flavor, error) {
	f := Flavor(strings.ToLower(strings.TrimSpace(s)))
	switch f {
	case Vanilla, Paper, Forge, Fabric, Bedrock:
		return f, nil
	}
	return "", fmt.Errorf("gameserver: unknown flavor %q", s)
}

// DispatchWorkflow returns the CI workflow file that launches a worker for
// this flavor.
func (f Flavor) DispatchWorkflow() string { return string(f) + "_server.yml" }

// LaunchSpec describes how to run one flavor in a server directory.
type LaunchSpec struct {
	Argv []string
	Env  []string // appended to the inherited environment

	// readyMarkers are substrings that must all appear in a single output
	// line before the server is considered ready to accept commands.
	readyMarkers []string
}

// Ready reports whether an output line signals readiness.
func (s LaunchSpec) Ready(line string) bool {
	for _, m := range s.readyMarkers {
		if !strings.Contains(line, m) {
			return false
		}
	}
	return len(s.readyMarkers) > 0
}

// StopCommand is the console command that shuts a server down cleanly.
// It is the same for every flavor.
const StopCommand = "stop"

// FormatCommand applies the console prefix rule: server commands are sent
// with a leading slash unless the operator already supplied one, except for
// the stop command which is always sent bare.
func FormatCommand(cmd string) string {
	cmd = strings.TrimSpace(cmd)
	if cmd == "" || cmd == StopCommand || strings.HasPrefix(cmd, "/") {
		return cmd
	}
	return "/" + cmd
}

// Spec builds the launch spec for a record in dir. Java flavors get their
// heap pinned to the record's memory setting; bedrock runs the native
// binary shipped in the server directory.
func Spec(f Flavor, dir string, r *record.ServerRecord) LaunchSpec {
	if f == Bedrock {
		return LaunchSpec{
			Argv:         []string{filepath.Join(dir, "bedrock_server")},
			Env:          []string{"LD_LIBRARY_PATH=."},
			readyMarkers: []string{"Server started."},
		}
	}
	argv := []string{"java"}
	argv = append(argv, javaArgs(f, r.Memory)...)
	argv = append(argv, "-jar", jarFile(f, dir), "nogui")
	return LaunchSpec{
		Argv:         argv,
		readyMarkers: []string{"Done", "For help, type"},
	}
}

// javaArgs mirrors the per-flavor JVM tuning the launch scripts have always
// used. Paper gets the G1 pause-target flags its docs recommend.
func javaArgs(f Flavor, memory string) []string {
	if memory == "" {
		memory = "1024M"
	}
	heap := []string{"-Xmx" + memory, "-Xms" + memory}
	switch f {
	case Paper:
		return append(heap, "-XX:+UseG1GC", "-XX:+ParallelRefProcEnabled", "-XX:MaxGCPauseMillis=200")
	case Forge:
		return append(heap, "-XX:+UseG1GC")
	default:
		return heap
	}
}

// jarFile resolves the server jar inside dir. Forge installers drop a
// versioned forge-*.jar and fabric ships fabric-server-launch.jar; both fall
// back to the conventional server.jar.
func jarFile(f Flavor, dir string) string {
	switch f {
	case Forge:
		if matches, _ := filepath.Glob(filepath.Join(dir, "forge-*.jar")); len(matches) > 0 {
			return matches[0]
		}
	case Fabric:
		launch := filepath.Join(dir, "fabric-server-launch.jar")
		if _, err := os.Stat(launch); err == nil {
			return launch
		}
	}
	return filepath.Join(dir, "server.jar")
}
