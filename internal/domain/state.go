package domain

// NodeKind distinguishes the three node categories in the tree
type NodeKind string

const (
	NodeRoot    NodeKind = "root"
	NodeTask    NodeKind = "task"
	NodeNursery NodeKind = "nursery"
)

// TaskState represents the lifecycle state of a task
type TaskState string

const (
	TaskSpawned   TaskState = "spawned"
	TaskRunnable  TaskState = "runnable"
	TaskWaiting   TaskState = "waiting"
	TaskFinished  TaskState = "finished"
	TaskCancelled TaskState = "cancelled"
)

// Terminal reports whether no further transitions are possible
func (s TaskState) Terminal() bool {
	return s == TaskFinished || s == TaskCancelled
}

// NurseryState represents the lifecycle state of a nursery
type NurseryState string

const (
	NurseryOpen    NurseryState = "open"
	NurseryClosing NurseryState = "closing"
	NurseryClosed  NurseryState = "closed"
)

// Terminal reports whether the nursery has closed for good
func (s NurseryState) Terminal() bool {
	return s == NurseryClosed
}

// taskTransitions is the legal (state, event) -> state table for tasks.
// Pairs absent from the table are invariant violations and go through the
// repair path instead of being applied directly.
var taskTransitions = map[TaskState]map[EventKind]TaskState{
	TaskSpawned: {
		EventTaskScheduled: TaskRunnable,
		EventTaskExited:    TaskFinished,
	},
	TaskRunnable: {
		EventTaskSuspended: TaskWaiting,
		EventTaskExited:    TaskFinished,
		EventTaskCancelled: TaskCancelled,
	},
	TaskWaiting: {
		EventTaskScheduled: TaskRunnable,
		EventTaskExited:    TaskFinished,
		EventTaskCancelled: TaskCancelled,
	},
}

// nurseryTransitions is the legal (state, event) -> state table for
// nurseries. A direct open -> closed transition is allowed for scopes that
// never had to wait on children.
var nurseryTransitions = map[NurseryState]map[EventKind]NurseryState{
	NurseryOpen: {
		EventNurseryClosing: NurseryClosing,
		EventNurseryClosed:  NurseryClosed,
	},
	NurseryClosing: {
		EventNurseryClosed: NurseryClosed,
	},
}

// NextTaskState looks up the transition table for tasks
func NextTaskState(cur TaskState, kind EventKind) (TaskState, bool) {
	next, ok := taskTransitions[cur][kind]
	return next, ok
}

// NextNurseryState looks up the transition table for nurseries
func NextNurseryState(cur NurseryState, kind EventKind) (NurseryState, bool) {
	next, ok := nurseryTransitions[cur][kind]
	return next, ok
}

// SpawnState returns the task state a placeholder synthesized from the given
// event kind starts in. A task first seen through its exit notification is
// materialized directly in its terminal state.
func SpawnState(kind EventKind) TaskState {
	switch kind {
	case EventTaskScheduled:
		return TaskRunnable
	case EventTaskSuspended:
		return TaskWaiting
	case EventTaskExited:
		return TaskFinished
	case EventTaskCancelled:
		return TaskCancelled
	default:
		return TaskSpawned
	}
}

// OpenState returns the nursery state a placeholder synthesized from the
// given event kind starts in.
func OpenState(kind EventKind) NurseryState {
	switch kind {
	case EventNurseryClosing:
		return NurseryClosing
	case EventNurseryClosed:
		return NurseryClosed
	default:
		return NurseryOpen
	}
}
