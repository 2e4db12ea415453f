package model

import "testing"

func TestTaskFSMRejectsComputingFromNew(t *testing.T) {
	if CanStartTransition(TaskNew, TaskComputing) {
		t.Fatalf("New -> Computing should be invalid")
	}
}

func TestTaskFSMAllowsInitializedFromNew(t *testing.T) {
	if !CanStartTransition(TaskNew, TaskInitialized) {
		t.Fatalf("New -> Initialized should be legal")
	}
}

func TestTaskStateFinalizedPredicate(t *testing.T) {
	broken := TaskBroken
	ts := TaskState{Transition: Transition{Current: TaskIdle, Pending: &broken}}
	if !ts.IsFinalized() {
		t.Fatalf("pending Broken should be finalized")
	}

	closed := TaskState{Transition: Transition{Current: TaskClosed}}
	if !closed.IsFinalized() {
		t.Fatalf("stable Closed should be finalized")
	}

	active := TaskState{Transition: Transition{Current: TaskComputing}}
	if active.IsFinalized() {
		t.Fatalf("stable Computing should not be finalized")
	}
}

func TestTaskStateNotActivePredicate(t *testing.T) {
	for _, state := range []TaskFSMState{TaskNew, TaskInitialized, TaskIdle} {
		ts := TaskState{Transition: Transition{Current: state}}
		if !ts.NotActive() {
			t.Fatalf("stable %s should be not_active", state)
		}
	}
	computing := TaskState{Transition: Transition{Current: TaskComputing}}
	if computing.NotActive() {
		t.Fatalf("Computing should be active")
	}
	pending := TaskComputing
	inFlight := TaskState{Transition: Transition{Current: TaskIdle, Pending: &pending}}
	if inFlight.NotActive() {
		t.Fatalf("in-flight transition should not be not_active, even from a stable source")
	}
}
