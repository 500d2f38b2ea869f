package v1

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/careops/clinicflow/internal/domain/appointment"
	"github.com/careops/clinicflow/internal/domain/flow"
	"github.com/careops/clinicflow/internal/domain/occupancy"
	"github.com/careops/clinicflow/internal/service"
)

type APIResponse[T any] struct {
	Data    T      `json:"data"`
	Message string `json:"message,omitempty"`
}

type ErrorResponse struct {
	Error   string            `json:"error"`
	Code    string            `json:"code,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

type ValidationErrorResponse struct {
	Error  string   `json:"error"`
	Fields []string `json:"fields"`
}

func respondOK(c *gin.Context, data any) {
	c.JSON(http.StatusOK, APIResponse[any]{Data: data})
}

func respondCreated(c *gin.Context, data any) {
	c.JSON(http.StatusCreated, APIResponse[any]{Data: data})
}

func respondError(c *gin.Context, status int, message string) {
	c.JSON(status, ErrorResponse{Error: message})
}

// respondServiceError maps domain errors to the HTTP contract: 404 for a
// missing flow state or appointment, 400 for an illegal transition or
// bad stage, 409 for chair contention and write conflicts.
func respondServiceError(c *gin.Context, err error) {
	var validErr *service.ValidationError
	if errors.As(err, &validErr) {
		c.JSON(http.StatusBadRequest, ValidationErrorResponse{
			Error:  "validation failed",
			Fields: validErr.Fields,
		})
		return
	}

	var transErr *flow.TransitionError
	if errors.As(err, &transErr) {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: transErr.Error(),
			Code:  "INVALID_TRANSITION",
			Details: map[string]string{
				"from_stage":      string(transErr.From),
				"attempted_stage": string(transErr.To),
			},
		})
		return
	}

	var unavailErr *occupancy.UnavailableError
	if errors.As(err, &unavailErr) {
		c.JSON(http.StatusConflict, ErrorResponse{
			Error: unavailErr.Error(),
			Code:  "CHAIR_UNAVAILABLE",
			Details: map[string]string{
				"chair_id":     unavailErr.ChairID.String(),
				"status":       string(unavailErr.Status),
				"block_reason": unavailErr.BlockReason,
			},
		})
		return
	}

	switch {
	case errors.Is(err, flow.ErrFlowStateNotFound),
		errors.Is(err, appointment.ErrAppointmentNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error()})

	case errors.Is(err, flow.ErrAlreadyCheckedIn):
		c.JSON(http.StatusConflict, ErrorResponse{Error: err.Error(), Code: "ALREADY_CHECKED_IN"})

	case errors.Is(err, flow.ErrConcurrentModification):
		c.JSON(http.StatusConflict, ErrorResponse{Error: err.Error(), Code: "CONCURRENT_MODIFICATION"})

	case errors.Is(err, occupancy.ErrChairUnavailable):
		c.JSON(http.StatusConflict, ErrorResponse{Error: err.Error(), Code: "CHAIR_UNAVAILABLE"})

	case errors.Is(err, flow.ErrInvalidTransition),
		errors.Is(err, flow.ErrInvalidStage),
		errors.Is(err, flow.ErrChairRequired),
		errors.Is(err, appointment.ErrAppointmentNotAdmittable),
		errors.Is(err, occupancy.ErrInvalidStatus),
		errors.Is(err, occupancy.ErrInvalidSubStage),
		errors.Is(err, occupancy.ErrNotBlocked):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})

	case errors.Is(err, service.ErrForbidden),
		errors.Is(err, service.ErrActorNotStaff):
		c.JSON(http.StatusForbidden, ErrorResponse{Error: "access denied"})

	case errors.Is(err, service.ErrInvalidCredentials):
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "invalid credentials"})

	case errors.Is(err, service.ErrAccountLocked):
		c.JSON(http.StatusTooManyRequests, ErrorResponse{
			Error: "account temporarily locked",
			Code:  "ACCOUNT_LOCKED",
		})

	default:
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
	}
}

func bindJSON(c *gin.Context, obj any) bool {
	if err := c.ShouldBindJSON(obj); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request: " + err.Error()})
		return false
	}

	return true
}

func parseUUID(c *gin.Context, param string) (uuid.UUID, bool) {
	raw := c.Param(param)
	id, err := uuid.Parse(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid " + param + ": must be a valid UUID"})
		return uuid.Nil, false
	}
	return id, true
}
