package occupancy

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	ErrChairUnavailable = errors.New("chair is not available")
	ErrNotBlocked       = errors.New("chair is not blocked")
	ErrInvalidStatus    = errors.New("invalid occupancy status")
	ErrInvalidSubStage  = errors.New("invalid occupancy sub-stage")
)

// UnavailableError reports which chair refused a claim and why.
type UnavailableError struct {
	ChairID     uuid.UUID
	Status      Status
	BlockReason string
}

func (e *UnavailableError) Error() string {
	if e.BlockReason != "" {
		return fmt.Sprintf("chair %s unavailable (%s): %s", e.ChairID, e.Status, e.BlockReason)
	}
	return fmt.Sprintf("chair %s unavailable (%s)", e.ChairID, e.Status)
}

func (e *UnavailableError) Unwrap() error {
	return ErrChairUnavailable
}
