package flow

import (
	"errors"
	"fmt"
)

var (
	ErrFlowStateNotFound      = errors.New("no active flow state for appointment")
	ErrAlreadyCheckedIn       = errors.New("appointment already has an active flow state")
	ErrInvalidTransition      = errors.New("stage transition is not allowed")
	ErrInvalidStage           = errors.New("unknown stage value")
	ErrChairRequired          = errors.New("a chair is required to seat a patient")
	ErrConcurrentModification = errors.New("flow state was modified concurrently")
)

// TransitionError carries the attempted (from, to) pair so the boundary
// layer can explain exactly why a move was refused.
type TransitionError struct {
	From Stage
	To   Stage
	Err  error
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("transition %s → %s: %v", e.From, e.To, e.Err)
}

func (e *TransitionError) Unwrap() error {
	return e.Err
}
