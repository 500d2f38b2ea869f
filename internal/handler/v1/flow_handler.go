package v1

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/careops/clinicflow/internal/domain/flow"
	"github.com/careops/clinicflow/internal/handler/middleware"
	"github.com/careops/clinicflow/internal/service"
)

type FlowHandler struct {
	svc *service.FlowService
}

func NewFlowHandler(svc *service.FlowService) *FlowHandler {
	return &FlowHandler{svc: svc}
}

// flowStateView decorates the flow state with the live wait-clock value
// the front desk displays.
type flowStateView struct {
	*flow.PatientFlowState
	WaitingSeconds int64 `json:"waiting_seconds"`
}

func newFlowStateView(fs *flow.PatientFlowState) flowStateView {
	return flowStateView{PatientFlowState: fs, WaitingSeconds: fs.WaitingSeconds(time.Now())}
}

func actorFrom(c *gin.Context) (service.Actor, bool) {
	claims, ok := middleware.ClaimsFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "authentication required"})
		return service.Actor{}, false
	}
	return service.Actor{
		UserID:   claims.UserID,
		StaffID:  claims.StaffID,
		Role:     claims.Role,
		ClinicID: claims.ClinicID,
		IP:       c.ClientIP(),
	}, true
}

type notesRequest struct {
	Notes string `json:"notes"`
}

type callRequest struct {
	ChairID *uuid.UUID `json:"chair_id"`
	Notes   string     `json:"notes"`
}

type seatRequest struct {
	ChairID uuid.UUID `json:"chair_id" binding:"required"`
	Notes   string    `json:"notes"`
}

type revertRequest struct {
	ToStage string `json:"to_stage" binding:"required"`
	Notes   string `json:"notes"`
}

// POST /flow/:appointmentId/check-in
func (h *FlowHandler) CheckIn(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}
	aptID, ok := parseUUID(c, "appointmentId")
	if !ok {
		return
	}

	var req notesRequest
	if c.Request.ContentLength > 0 && !bindJSON(c, &req) {
		return
	}

	fs, err := h.svc.CheckIn(c.Request.Context(), actor, aptID, req.Notes)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	respondCreated(c, newFlowStateView(fs))
}

// POST /flow/:appointmentId/move-to-waiting
func (h *FlowHandler) MoveToWaiting(c *gin.Context) {
	h.transition(c, func(actor service.Actor, aptID uuid.UUID, notes string) (*flow.PatientFlowState, error) {
		return h.svc.MoveToWaiting(c.Request.Context(), actor, aptID, notes)
	})
}

// POST /flow/:appointmentId/call
func (h *FlowHandler) Call(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}
	aptID, ok := parseUUID(c, "appointmentId")
	if !ok {
		return
	}

	var req callRequest
	if c.Request.ContentLength > 0 && !bindJSON(c, &req) {
		return
	}

	fs, err := h.svc.Call(c.Request.Context(), actor, aptID, req.ChairID, req.Notes)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	respondOK(c, newFlowStateView(fs))
}

// POST /flow/:appointmentId/seat
func (h *FlowHandler) Seat(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}
	aptID, ok := parseUUID(c, "appointmentId")
	if !ok {
		return
	}

	var req seatRequest
	if !bindJSON(c, &req) {
		return
	}

	fs, err := h.svc.Seat(c.Request.Context(), actor, aptID, req.ChairID, req.Notes)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	respondOK(c, newFlowStateView(fs))
}

// POST /flow/:appointmentId/complete
func (h *FlowHandler) Complete(c *gin.Context) {
	h.transition(c, func(actor service.Actor, aptID uuid.UUID, notes string) (*flow.PatientFlowState, error) {
		return h.svc.Complete(c.Request.Context(), actor, aptID, notes)
	})
}

// POST /flow/:appointmentId/check-out
func (h *FlowHandler) CheckOut(c *gin.Context) {
	h.transition(c, func(actor service.Actor, aptID uuid.UUID, notes string) (*flow.PatientFlowState, error) {
		return h.svc.CheckOut(c.Request.Context(), actor, aptID, notes)
	})
}

// POST /flow/:appointmentId/revert
func (h *FlowHandler) Revert(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}
	aptID, ok := parseUUID(c, "appointmentId")
	if !ok {
		return
	}

	var req revertRequest
	if !bindJSON(c, &req) {
		return
	}

	toStage := flow.Stage(req.ToStage)
	if !toStage.IsValid() {
		respondError(c, http.StatusBadRequest, "invalid to_stage: "+req.ToStage)
		return
	}

	fs, err := h.svc.Revert(c.Request.Context(), actor, aptID, toStage, req.Notes)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	respondOK(c, newFlowStateView(fs))
}

// GET /flow/:appointmentId
func (h *FlowHandler) GetState(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}
	aptID, ok := parseUUID(c, "appointmentId")
	if !ok {
		return
	}

	fs, err := h.svc.GetState(c.Request.Context(), actor, aptID)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	respondOK(c, newFlowStateView(fs))
}

// GET /flow/:appointmentId/history
func (h *FlowHandler) GetHistory(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}
	aptID, ok := parseUUID(c, "appointmentId")
	if !ok {
		return
	}

	rows, err := h.svc.GetHistory(c.Request.Context(), actor, aptID)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	respondOK(c, rows)
}

func (h *FlowHandler) transition(c *gin.Context, fn func(actor service.Actor, aptID uuid.UUID, notes string) (*flow.PatientFlowState, error)) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}
	aptID, ok := parseUUID(c, "appointmentId")
	if !ok {
		return
	}

	var req notesRequest
	if c.Request.ContentLength > 0 && !bindJSON(c, &req) {
		return
	}

	fs, err := fn(actor, aptID, req.Notes)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	respondOK(c, newFlowStateView(fs))
}
