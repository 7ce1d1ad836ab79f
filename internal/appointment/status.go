package appointment

import "fmt"

type Status string

const (
	StatusPending         Status = "pending"
	StatusSessionWaiting  Status = "session_waiting"
	StatusSessionAttended Status = "session_attended"
	StatusCancelled       Status = "cancelled"
)

// Transition names a state machine edge trigger.
type Transition string

const (
	TransitionConfirm    Transition = "confirm"
	TransitionCancel     Transition = "cancel"
	TransitionReschedule Transition = "reschedule"
	TransitionAttend     Transition = "attend"
)

// transitions is the complete edge set. Anything missing is rejected.
var transitions = map[Status]map[Transition]Status{
	StatusPending: {
		TransitionConfirm: StatusSessionWaiting,
		TransitionCancel:  StatusCancelled,
	},
	StatusSessionWaiting: {
		TransitionCancel:     StatusCancelled,
		TransitionReschedule: StatusSessionWaiting,
		TransitionAttend:     StatusSessionAttended,
	},
	StatusSessionAttended: {},
	StatusCancelled:       {},
}

func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

func (s Status) Terminal() bool {
	edges, ok := transitions[s]
	return ok && len(edges) == 0
}

// Next returns the status reached by applying t, or ErrInvalidTransition.
func (s Status) Next(t Transition) (Status, error) {
	next, ok := transitions[s][t]
	if !ok {
		return s, fmt.Errorf("%w: %s from %s", ErrInvalidTransition, t, s)
	}
	return next, nil
}

func (s Status) Can(t Transition) bool {
	_, ok := transitions[s][t]
	return ok
}
