package model

import "golemmarket/ids"

// TaskFSMState enumerates the Provider-side per-Agreement runtime lifecycle
// (spec.md §4.6). Distinct from AgreementState, which tracks the bilateral
// negotiation lifecycle.
type TaskFSMState string

const (
	TaskNew         TaskFSMState = "new"
	TaskInitialized TaskFSMState = "initialized"
	TaskComputing   TaskFSMState = "computing"
	TaskIdle        TaskFSMState = "idle"
	TaskClosed      TaskFSMState = "closed"
	TaskBroken      TaskFSMState = "broken"
)

// taskTransitions enumerates the legal stable-state targets for each stable
// source state. Broken is always reachable from any in-flight transition,
// handled separately in supervisor logic rather than here.
var taskTransitions = map[TaskFSMState]map[TaskFSMState]bool{
	TaskNew: {
		TaskInitialized: true,
		TaskBroken:      true,
		TaskClosed:      true,
	},
	TaskInitialized: {
		TaskComputing: true,
		TaskBroken:    true,
		TaskClosed:    true,
	},
	TaskComputing: {
		TaskIdle:   true,
		TaskBroken: true,
		TaskClosed: true,
	},
	TaskIdle: {
		TaskComputing: true,
		TaskBroken:    true,
		TaskClosed:    true,
	},
}

// CanStartTransition reports whether `from` may legally start_transition to
// `to`, when `from` is a stable (non-intermediate) state.
func CanStartTransition(from, to TaskFSMState) bool {
	targets, ok := taskTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// IsTaskTerminal reports whether state admits no further transitions.
func IsTaskTerminal(state TaskFSMState) bool {
	return state == TaskClosed || state == TaskBroken
}

// Transition captures the two-phase in-flight state: `current` is the last
// finished stable state, `Pending` is set between start_transition and
// finish_transition.
type Transition struct {
	Current TaskFSMState
	Pending *TaskFSMState
}

// InFlight reports whether a start_transition has been called without a
// matching finish_transition yet.
func (t Transition) InFlight() bool {
	return t.Pending != nil
}

// TaskState is the per-Agreement record the Provider Task Supervisor owns.
type TaskState struct {
	AgreementID ids.ProposalID
	Transition  Transition
	BrokenReason string
}

// IsFinalized implements the `is_agreement_finalized` predicate: current or
// pending is Closed or Broken.
func (t *TaskState) IsFinalized() bool {
	if t.Transition.Current == TaskClosed || t.Transition.Current == TaskBroken {
		return true
	}
	if t.Transition.Pending != nil &&
		(*t.Transition.Pending == TaskClosed || *t.Transition.Pending == TaskBroken) {
		return true
	}
	return false
}

// NotActive implements the `not_active` predicate: New, or stable
// Initialized, or stable Idle.
func (t *TaskState) NotActive() bool {
	if t.Transition.InFlight() {
		return false
	}
	switch t.Transition.Current {
	case TaskNew, TaskInitialized, TaskIdle:
		return true
	default:
		return false
	}
}

// TransitionEventKind distinguishes the two notifications emitted by every
// two-phase transition.
type TransitionEventKind string

const (
	EventTransitionStarted  TransitionEventKind = "transition_started"
	EventTransitionFinished TransitionEventKind = "transition_finished"
)

// TransitionEvent is broadcast to per-Agreement waiters.
type TransitionEvent struct {
	Kind        TransitionEventKind
	AgreementID ids.ProposalID
	Transition  Transition       // populated for TransitionStarted
	Finished    TaskFSMState     // populated for TransitionFinished
}
