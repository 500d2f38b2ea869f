package flow

import (
	"time"

	"github.com/google/uuid"
)

// stageOrder positions each stage on the forward chain:
//
//	checked_in → waiting → called → in_chair → completed → checked_out
var stageOrder = map[Stage]int{
	StageCheckedIn:  0,
	StageWaiting:    1,
	StageCalled:     2,
	StageInChair:    3,
	StageCompleted:  4,
	StageCheckedOut: 5,
}

// forwardFrom lists, per target stage, the current stages a forward
// transition may start from. Calling a patient straight from check-in
// (skipping the explicit waiting step) is allowed; everything else is
// strictly linear.
var forwardFrom = map[Stage][]Stage{
	StageWaiting:    {StageCheckedIn},
	StageCalled:     {StageCheckedIn, StageWaiting},
	StageInChair:    {StageCalled},
	StageCompleted:  {StageInChair},
	StageCheckedOut: {StageCompleted},
}

// revertTo lists, per current stage, the stages it may revert to.
// Exactly these backward edges are legal and no others.
var revertTo = map[Stage][]Stage{
	StageInChair:    {StageCalled, StageWaiting},
	StageCalled:     {StageWaiting, StageCheckedIn},
	StageWaiting:    {StageCheckedIn},
	StageCompleted:  {StageInChair},
	StageCheckedOut: {StageCompleted},
}

// stageTimestampColumn maps each stage to the flow-state column stamped
// when the stage is first entered. Waiting has no timestamp of its own;
// its clock is current_wait_started_at.
var stageTimestampColumn = map[Stage]string{
	StageCheckedIn:  "checked_in_at",
	StageCalled:     "called_at",
	StageInChair:    "seated_at",
	StageCompleted:  "completed_at",
	StageCheckedOut: "checked_out_at",
}

// CanAdvance reports whether a forward transition from → to is legal.
func CanAdvance(from, to Stage) bool {
	for _, s := range forwardFrom[to] {
		if s == from {
			return true
		}
	}
	return false
}

// CanRevert reports whether a backward transition from → to is legal.
func CanRevert(from, to Stage) bool {
	for _, s := range revertTo[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Patch is the set of flow-state column changes one transition applies,
// keyed by column name. A nil value clears the column. The repository
// applies a Patch only if the stored stage still matches the stage the
// caller read, which is what makes concurrent staff actions safe.
type Patch map[string]any

// Stage returns the target stage the patch moves to.
func (p Patch) Stage() Stage {
	s, _ := p["stage"].(Stage)
	return s
}

// ForwardPatch computes the column changes for a forward transition.
// chairID must be set when advancing to in_chair and is ignored
// otherwise.
func ForwardPatch(from, to Stage, chairID *uuid.UUID, now time.Time) (Patch, error) {
	if !to.IsValid() {
		return nil, &TransitionError{From: from, To: to, Err: ErrInvalidStage}
	}
	if !CanAdvance(from, to) {
		return nil, &TransitionError{From: from, To: to, Err: ErrInvalidTransition}
	}

	p := Patch{"stage": to}
	if col, ok := stageTimestampColumn[to]; ok {
		p[col] = now
	}

	// The wait clock survives the checked_in → waiting step so that the
	// wait measured for the patient is uninterrupted. Every other
	// forward step stops it.
	if to != StageWaiting {
		p["current_wait_started_at"] = nil
	}

	if to == StageInChair {
		if chairID == nil {
			return nil, &TransitionError{From: from, To: to, Err: ErrChairRequired}
		}
		p["chair_id"] = *chairID
	}

	return p, nil
}

// RevertPatch computes the column changes for a backward transition:
// every stage timestamp strictly after the target is cleared, the chair
// is dropped when reverting out of in_chair, and the wait clock
// restarts from now.
func RevertPatch(from, to Stage, now time.Time) (Patch, error) {
	if !to.IsValid() {
		return nil, &TransitionError{From: from, To: to, Err: ErrInvalidStage}
	}
	if !CanRevert(from, to) {
		return nil, &TransitionError{From: from, To: to, Err: ErrInvalidTransition}
	}

	p := Patch{"stage": to}
	for stage, col := range stageTimestampColumn {
		if stageOrder[stage] > stageOrder[to] {
			p[col] = nil
		}
	}

	if from == StageInChair && stageOrder[to] < stageOrder[StageInChair] {
		p["chair_id"] = nil
	}

	p["current_wait_started_at"] = now
	return p, nil
}

// ReleasesChair reports whether a revert from → to implies giving the
// chair back.
func ReleasesChair(from, to Stage) bool {
	return from == StageInChair && stageOrder[to] < stageOrder[StageInChair]
}
