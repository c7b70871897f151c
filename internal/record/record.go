package record

import (
	"fmt"
	"time"
)

// ServerRecord is the per-server document shared between the control plane
// and the worker through the state store. The control plane only ever sets
// PendingCommand and ShutdownRequest; the worker clears them after acting.
// All other mutable runtime fields are owned by the single worker process
// that the dispatcher launches for this id.
type ServerRecord struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Flavor string `json:"type"`

	Memory     string `json:"memory"`
	MaxPlayers int    `json:"max_players"`
	Difficulty string `json:"difficulty"`
	Gamemode   string `json:"gamemode"`
	Seed       string `json:"seed"`

	// MaxRuntimeMin is in minutes, BackupIntervalHrs in hours. The units are
	// fixed per deployment and match what the admin forms collect.
	MaxRuntimeMin     int     `json:"max_runtime"`
	BackupIntervalHrs float64 `json:"backup_interval"`

	Subdomain string `json:"subdomain"`
	Address   string `json:"address,omitempty"`

	IsActive       bool   `json:"is_active"`
	LastStarted    int64  `json:"last_started"`
	LastStopped    int64  `json:"last_stopped"`
	LastBackup     int64  `json:"last_backup"`
	LastBackupFile string `json:"last_backup_file,omitempty"`

	PendingCommand      string `json:"pending_command"`
	LastCommandResponse string `json:"last_command_response,omitempty"`
	ShutdownRequest     bool   `json:"shutdown_request"`

	CreatedAt int64 `json:"created_at"`
}

// Key returns the state-store document key for a server id.
func Key(id string) string { return fmt.Sprintf("servers/%s.json", id) }

// PoolKey is the document holding the identity pool mapping (fqdn -> tunnel id).
const PoolKey = "tunnels/tunnel_id_map.json"

// MaxRuntime returns the runtime budget as a duration. Zero means unlimited.
func (r *ServerRecord) MaxRuntime() time.Duration {
	return time.Duration(r.MaxRuntimeMin) * time.Minute
}

// BackupInterval returns the scheduled backup period. Zero disables
// scheduled backups.
func (r *ServerRecord) BackupInterval() time.Duration {
	return time.Duration(r.BackupIntervalHrs * float64(time.Hour))
}

// BackupDue reports whether a scheduled backup should run at now.
func (r *ServerRecord) BackupDue(now time.Time) bool {
	iv := r.BackupInterval()
	if iv <= 0 {
		return false
	}
	if r.LastBackup == 0 {
		// First backup is anchored to the start of the run.
		return r.LastStarted != 0 && now.Sub(time.Unix(r.LastStarted, 0)) >= iv
	}
	return now.Sub(time.Unix(r.LastBackup, 0)) >= iv
}
