package backup

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/mcfleet/mcfleet/internal/gameserver"
)

// ErrNothingToBackup is returned when neither the world directory nor any
// allow-listed config file exists. Callers log it and continue; a server
// that has not generated a world yet is not an error condition.
var ErrNothingToBackup = errors.New("backup: nothing to back up")

// Reason tags why a snapshot was taken; it goes into logs and the history
// sink, not the archive name.
type Reason string

const (
	ReasonScheduled  Reason = "scheduled"
	ReasonShutdown   Reason = "shutdown"
	ReasonMaxRuntime Reason = "max_runtime"
)

// DefaultRetention is the number of archives kept per server.
const DefaultRetention = 5

// Manager snapshots one server directory into timestamped zip archives and
// prunes old ones.
type Manager struct {
	// Dest is where archives land. Empty means alongside the server dir.
	Dest string
	// Retention is the number of newest archives kept per server; zero
	// means DefaultRetention, negative disables pruning.
	Retention int

	Log *slog.Logger

	// now is swappable for tests.
	now func() time.Time
}

func NewManager(dest string, retention int, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{Dest: dest, Retention: retention, Log: log, now: time.Now}
}

// Snapshot archives serverDir's world directory plus the config allow-list
// into backup_<serverID>_<timestamp>.zip and prunes old archives. It
// returns the archive path.
func (m *Manager) Snapshot(serverDir, serverID string, reason Reason) (string, error) {
	world := filepath.Join(serverDir, gameserver.LevelName(serverDir))
	sources := m.collect(serverDir, world)
	if len(sources) == 0 {
		return "", fmt.Errorf("%w: %s", ErrNothingToBackup, serverDir)
	}

	dest := m.Dest
	if dest == "" {
		dest = serverDir
	}
	if err := os.MkdirAll(dest, 0o750); err != nil {
		return "", fmt.Errorf("backup: create dest: %w", err)
	}
	stamp := m.clock()().Format("20060102_150405")
	path := filepath.Join(dest, fmt.Sprintf("backup_%s_%s.zip", serverID, stamp))

	if err := writeArchive(path, serverDir, sources); err != nil {
		_ = os.Remove(path)
		return "", err
	}
	m.Log.Info("backup created", "server", serverID, "reason", string(reason), "archive", path)

	if err := m.prune(dest, serverID); err != nil {
		m.Log.Warn("backup pruning failed", "server", serverID, "err", err)
	}
	return path, nil
}

// collect returns the files to archive, relative to serverDir.
func (m *Manager) collect(serverDir, world string) []string {
	var sources []string
	_ = filepath.WalkDir(world, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		rel, rerr := filepath.Rel(serverDir, path)
		if rerr != nil {
			return nil
		}
		sources = append(sources, rel)
		return nil
	})
	for _, name := range gameserver.ConfigAllowList {
		if _, err := os.Stat(filepath.Join(serverDir, name)); err == nil {
			sources = append(sources, name)
		}
	}
	return sources
}

func writeArchive(path, serverDir string, sources []string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("backup: create archive: %w", err)
	}
	zw := zip.NewWriter(f)
	for _, rel := range sources {
		if err := addFile(zw, serverDir, rel); err != nil {
			_ = zw.Close()
			_ = f.Close()
			return err
		}
	}
	if err := zw.Close(); err != nil {
		_ = f.Close()
		return fmt.Errorf("backup: finalize archive: %w", err)
	}
	return f.Close()
}

func addFile(zw *zip.Writer, serverDir, rel string) error {
	src, err := os.Open(filepath.Join(serverDir, rel))
	if err != nil {
		return fmt.Errorf("backup: open %s: %w", rel, err)
	}
	defer func() { _ = src.Close() }()
	w, err := zw.Create(filepath.ToSlash(rel))
	if err != nil {
		return fmt.Errorf("backup: add %s: %w", rel, err)
	}
	if _, err := io.Copy(w, src); err != nil {
		return fmt.Errorf("backup: write %s: %w", rel, err)
	}
	return nil
}

// prune removes all but the newest Retention archives for serverID. Archive
// names embed a sortable timestamp, so lexical order is creation order.
func (m *Manager) prune(dest, serverID string) error {
	keep := m.Retention
	if keep == 0 {
		keep = DefaultRetention
	}
	if keep < 0 {
		return nil
	}
	pattern := filepath.Join(dest, fmt.Sprintf("backup_%s_*.zip", serverID))
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return err
	}
	if len(matches) <= keep {
		return nil
	}
	sort.Sort(sort.Reverse(sort.StringSlice(matches)))
	var errs []error
	for _, old := range matches[keep:] {
		if err := os.Remove(old); err != nil {
			errs = append(errs, err)
		} else {
			m.Log.Info("pruned old backup", "server", serverID, "archive", filepath.Base(old))
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) clock() func() time.Time {
	if m.now != nil {
		return m.now
	}
	return time.Now
}

// Archives lists serverID's archives in dest, newest first.
func (m *Manager) Archives(serverDir, serverID string) ([]string, error) {
	dest := m.Dest
	if dest == "" {
		dest = serverDir
	}
	matches, err := filepath.Glob(filepath.Join(dest, fmt.Sprintf("backup_%s_*.zip", serverID)))
	if err != nil {
		return nil, err
	}
	sort.Sort(sort.Reverse(sort.StringSlice(matches)))
	return matches, nil
}
