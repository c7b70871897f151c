package history

import (
	"context"
	"time"
)

// EventType is the kind of worker lifecycle event.
type EventType string

const (
	EventStarted EventType = "started"
	EventReady   EventType = "ready"
	EventCommand EventType = "command"
	EventBackup  EventType = "backup"
	EventStopped EventType = "stopped"
)

// Event is one audit entry. Detail carries the event-specific payload: the
// command text, the backup archive name, the stop reason.
type Event struct {
	Type       EventType `json:"type"`
	ServerID   string    `json:"server_id"`
	Detail     string    `json:"detail,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Sink is a destination for lifecycle events. Appends are best-effort local
// observability; the sink is never consulted for coordination decisions.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
	Close() error
}

// Nop discards events.
type Nop struct{}

func (Nop) Send(context.Context, Event) error { return nil }
func (Nop) Close() error                      { return nil }
