// Package supervisor implements the Provider Task Supervisor (spec.md
// §4.6): a process-wide map from agreement_id to TaskState, mutated through
// two-phase start_transition/finish_transition calls, with a per-Agreement
// broadcast of TransitionEvent that waiters subscribe to.
package supervisor

import (
	"sync"

	"golemmarket/ids"
	"golemmarket/market/errkind"
	"golemmarket/market/model"
	"golemmarket/observability/metrics"
)

// entry is one Agreement's supervised state plus its subscriber registry,
// grounded on the teacher's per-subscriber channel map in
// core/pos_stream.go's POSFinalitySubscribe/publishPOSFinality pair.
type entry struct {
	mu        sync.Mutex
	state     model.TaskState
	subs      map[uint64]chan model.TransitionEvent
	nextSubID uint64
}

// Supervisor owns every Agreement's TaskState for this node.
type Supervisor struct {
	mu      sync.Mutex
	entries map[ids.ProposalID]*entry
}

// New builds an empty Supervisor.
func New() *Supervisor {
	return &Supervisor{entries: make(map[ids.ProposalID]*entry)}
}

func (s *Supervisor) entryFor(agreementID ids.ProposalID) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[agreementID]
	if !ok {
		e = &entry{
			state: model.TaskState{AgreementID: agreementID, Transition: model.Transition{Current: model.TaskNew}},
			subs:  make(map[uint64]chan model.TransitionEvent),
		}
		s.entries[agreementID] = e
	}
	return e
}

func (e *entry) publish(event model.TransitionEvent) {
	subscribers := make([]chan model.TransitionEvent, 0, len(e.subs))
	for _, ch := range e.subs {
		subscribers = append(subscribers, ch)
	}
	for _, ch := range subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}

// Get returns the current TaskState for an Agreement, creating it in state
// New on first reference.
func (s *Supervisor) Get(agreementID ids.ProposalID) model.TaskState {
	e := s.entryFor(agreementID)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// StartTransition begins a two-phase transition to `to`. From a stable
// state it must be a legal target per model.CanStartTransition, except
// Broken, which is always admissible. From an in-flight state (a prior
// start_transition with no matching finish_transition) only Broken is
// admissible.
func (s *Supervisor) StartTransition(agreementID ids.ProposalID, to model.TaskFSMState) (model.Transition, error) {
	e := s.entryFor(agreementID)
	e.mu.Lock()
	defer e.mu.Unlock()

	current := e.state.Transition.Current
	if model.IsTaskTerminal(current) {
		metrics.Supervisor().RecordRejection(string(current))
		return model.Transition{}, errkind.StateError(errkind.CodeInvalidTransition, "supervisor: agreement %s is terminal (%s)", agreementID, current)
	}
	if e.state.Transition.InFlight() {
		if to != model.TaskBroken {
			metrics.Supervisor().RecordRejection(string(current))
			return model.Transition{}, errkind.StateError(errkind.CodeInvalidTransition, "supervisor: agreement %s has a transition in flight, only Broken is admissible", agreementID)
		}
	} else if to != model.TaskBroken && !model.CanStartTransition(current, to) {
		metrics.Supervisor().RecordRejection(string(current))
		return model.Transition{}, errkind.StateError(errkind.CodeInvalidTransition, "supervisor: agreement %s cannot transition %s -> %s", agreementID, current, to)
	}

	pending := to
	e.state.Transition.Pending = &pending
	transition := e.state.Transition
	e.publish(model.TransitionEvent{Kind: model.EventTransitionStarted, AgreementID: agreementID, Transition: transition})
	return transition, nil
}

// FinishTransition completes the in-flight transition to `to`, which must
// match the pending target `StartTransition` recorded.
func (s *Supervisor) FinishTransition(agreementID ids.ProposalID, to model.TaskFSMState, reason string) error {
	e := s.entryFor(agreementID)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state.Transition.Pending == nil || *e.state.Transition.Pending != to {
		metrics.Supervisor().RecordRejection(string(e.state.Transition.Current))
		return errkind.StateError(errkind.CodeInvalidTransition, "supervisor: agreement %s has no pending transition to %s", agreementID, to)
	}

	e.state.Transition.Current = to
	e.state.Transition.Pending = nil
	if to == model.TaskBroken {
		e.state.BrokenReason = reason
	}
	metrics.Supervisor().RecordTransition(string(to))
	e.publish(model.TransitionEvent{Kind: model.EventTransitionFinished, AgreementID: agreementID, Finished: to})
	return nil
}

// Subscribe registers a waiter for an Agreement's transition events. The
// returned channel only observes events published after Subscribe returns;
// cancel releases the subscription.
func (s *Supervisor) Subscribe(agreementID ids.ProposalID) (<-chan model.TransitionEvent, func()) {
	e := s.entryFor(agreementID)
	e.mu.Lock()
	defer e.mu.Unlock()

	ch := make(chan model.TransitionEvent, 8)
	id := e.nextSubID
	e.nextSubID++
	e.subs[id] = ch

	cancel := func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.subs, id)
	}
	return ch, cancel
}

// IsAgreementFinalized implements the `is_agreement_finalized` predicate.
func (s *Supervisor) IsAgreementFinalized(agreementID ids.ProposalID) bool {
	state := s.Get(agreementID)
	return state.IsFinalized()
}

// NotActive implements the `not_active` predicate.
func (s *Supervisor) NotActive(agreementID ids.ProposalID) bool {
	state := s.Get(agreementID)
	return state.NotActive()
}

// ActiveCount reports the number of Agreements that are neither not_active
// nor finalized, feeding the SetActive gauge.
func (s *Supervisor) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, e := range s.entries {
		e.mu.Lock()
		active := !e.state.NotActive() && !e.state.IsFinalized()
		e.mu.Unlock()
		if active {
			count++
		}
	}
	metrics.Supervisor().SetActive(count)
	return count
}

// Remove drops an Agreement's entry entirely, e.g. once its Agreement has
// been Terminated and its task is already Closed/Broken. Any still-open
// subscriptions simply stop receiving further events.
func (s *Supervisor) Remove(agreementID ids.ProposalID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, agreementID)
}
