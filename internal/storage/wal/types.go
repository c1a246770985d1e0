package wal

// ============================================================================
// WAL Type Definitions
// Responsibility: define the audit-journal record for backlog submissions
// and outcomes.
//
// This journal never records in-flight dispatch state for replay purposes:
// only a coordinator.WorkerHandle knows an item is in flight, and that is
// never persisted. What gets journaled here is backlog history - an item
// was submitted, dispatched, acknowledged, retried or dead-lettered - kept
// for audit and for the status CLI command, never replayed to reconstruct
// in-flight work.
// ============================================================================

// EventType defines WAL event types
type EventType string

const (
	EventEnqueue  EventType = "ENQUEUE"  // item added to the pending queue
	EventDispatch EventType = "DISPATCH" // item popped via GetData
	EventAck      EventType = "ACK"      // worker returned a successful result
	EventRetry    EventType = "RETRY"    // item returned to the pending queue
	EventDead     EventType = "DEAD"     // item exceeded its retry budget
)

// Event represents a WAL event record
type Event struct {
	Seq       uint64    `json:"seq"`       // event sequence number (monotonically increasing)
	Type      EventType `json:"type"`      // event type
	ItemID    string    `json:"item_id"`   // work item ID
	Timestamp int64     `json:"timestamp"` // Unix millisecond timestamp
	Checksum  uint32    `json:"checksum"`  // CRC32 checksum
}

// EventHandler is the function type for processing WAL events
// Used during Replay to apply events to system state
type EventHandler func(event *Event) error
