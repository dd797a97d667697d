package handover

import "fmt"

// coordinatorState is a small finite state machine. It has the following
// transitions:
//
//	∅                 → Starting
//	Starting          → AwaitingListeners (successor launched with takeover requested)
//	Starting          → BoundFresh        (no predecessor reachable, or takeover not requested)
//	AwaitingListeners → Accepting
//	BoundFresh        → Accepting
//	Accepting         → SignalReceived    (reconfiguration signal on the retiring process)
//	SignalReceived    → Transferring
//	Transferring      → Accepting         (transfer failed, roll back)
//	Transferring      → Draining
//	Draining          → Terminated
//
// Terminated is additionally reachable from every state, since a process can
// be stopped or fail at any point. Notably absent is any transition out of
// Transferring or Draining into SignalReceived: a reconfiguration signal that
// arrives while a handover attempt is already active is rejected by the
// transition table rather than interleaved with it.
type coordinatorState string

const (
	// stateStarting is the initial state, before the coordinator knows
	// whether it will inherit listeners or bind its own.
	stateStarting coordinatorState = "starting"
	// stateAwaitingListeners is the state of a successor process that has
	// reached a predecessor over the control channel and is waiting for the
	// listener set to arrive.
	stateAwaitingListeners coordinatorState = "awaiting-listeners"
	// stateBoundFresh is the state of a process that found no predecessor
	// and will bind listeners directly from configuration.
	stateBoundFresh coordinatorState = "bound-fresh"
	// stateAccepting is the steady state: this process owns the listener set
	// and is serving connections.
	stateAccepting coordinatorState = "accepting"
	// stateSignalReceived is entered when the reconfiguration signal arrives
	// on the currently accepting process.
	stateSignalReceived coordinatorState = "signal-received"
	// stateTransferring is the window during which listeners are being sent
	// to the successor.
	stateTransferring coordinatorState = "transferring"
	// stateDraining is the state of a retiring process that has handed its
	// listeners off and is waiting for in-flight connections to finish.
	stateDraining coordinatorState = "draining"
	// stateTerminated is terminal.
	stateTerminated coordinatorState = "terminated"
)

var validTransitions = map[coordinatorState][]coordinatorState{
	stateStarting: {
		stateAwaitingListeners,
		stateBoundFresh,
		stateTerminated,
	},
	stateAwaitingListeners: {
		stateAccepting,
		stateTerminated,
	},
	stateBoundFresh: {
		stateAccepting,
		stateTerminated,
	},
	stateAccepting: {
		stateSignalReceived,
		stateTerminated,
	},
	stateSignalReceived: {
		stateTransferring,
		stateTerminated,
	},
	stateTransferring: {
		stateAccepting,
		stateDraining,
		stateTerminated,
	},
	stateDraining: {
		stateDraining,
		stateTerminated,
	},
	stateTerminated: {
		stateTerminated,
	},
}

func (s *coordinatorState) canTransitionTo(state coordinatorState) error {
	for _, target := range validTransitions[*s] {
		if target == state {
			return nil
		}
	}
	return fmt.Errorf("unable to transition from %s to %s", *s, state)
}

func (s *coordinatorState) transitionTo(state coordinatorState) error {
	if err := s.canTransitionTo(state); err != nil {
		return err
	}
	*s = state
	return nil
}
