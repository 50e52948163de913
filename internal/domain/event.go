package domain

import (
	"fmt"
	"time"
)

// NodeID is the stable opaque identifier the observed runtime assigns to a
// task or nursery. IDs are never reused, even after a node leaves the tree.
type NodeID string

// RootID is the reserved id of the synthetic root node. Incoming events must
// never use it as a subject.
const RootID NodeID = "@root"

// EventKind identifies one of the eight lifecycle notifications emitted by
// the observed runtime.
type EventKind string

const (
	EventTaskSpawned    EventKind = "task_spawned"
	EventTaskScheduled  EventKind = "task_scheduled"
	EventTaskSuspended  EventKind = "task_suspended"
	EventTaskExited     EventKind = "task_exited"
	EventTaskCancelled  EventKind = "task_cancelled"
	EventNurseryOpened  EventKind = "nursery_opened"
	EventNurseryClosing EventKind = "nursery_closing"
	EventNurseryClosed  EventKind = "nursery_closed"
)

// Kinds lists all valid event kinds in a stable order
var Kinds = []EventKind{
	EventTaskSpawned,
	EventTaskScheduled,
	EventTaskSuspended,
	EventTaskExited,
	EventTaskCancelled,
	EventNurseryOpened,
	EventNurseryClosing,
	EventNurseryClosed,
}

// Valid reports whether k is one of the eight lifecycle kinds
func (k EventKind) Valid() bool {
	switch k {
	case EventTaskSpawned, EventTaskScheduled, EventTaskSuspended,
		EventTaskExited, EventTaskCancelled,
		EventNurseryOpened, EventNurseryClosing, EventNurseryClosed:
		return true
	}
	return false
}

// TaskEvent reports whether the subject of k is a task
func (k EventKind) TaskEvent() bool {
	switch k {
	case EventTaskSpawned, EventTaskScheduled, EventTaskSuspended,
		EventTaskExited, EventTaskCancelled:
		return true
	}
	return false
}

// NurseryEvent reports whether the subject of k is a nursery
func (k EventKind) NurseryEvent() bool {
	switch k {
	case EventNurseryOpened, EventNurseryClosing, EventNurseryClosed:
		return true
	}
	return false
}

// RawEvent is a lifecycle notification as it appears on the wire: one JSON
// object per line in an event log, or the payload of an "event" envelope on
// the instrumentation socket. Producers may omit parent and name.
type RawEvent struct {
	Kind   string `json:"kind"`
	ID     string `json:"id"`
	Parent string `json:"parent,omitempty"`
	Name   string `json:"name,omitempty"`
	// TS is microseconds on the producer's monotonic clock
	TS int64 `json:"ts,omitempty"`
}

// Event is a validated lifecycle notification with resolved identities and
// an ingestion sequence number. Seq is 1-based and strictly increasing.
type Event struct {
	Kind    EventKind
	Subject NodeID
	Parent  NodeID
	Name    string
	Time    time.Time
	Seq     uint64
}

func (e Event) String() string {
	if e.Parent != "" {
		return fmt.Sprintf("%s %s<-%s", e.Kind, e.Subject, e.Parent)
	}
	return fmt.Sprintf("%s %s", e.Kind, e.Subject)
}
