package v1

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/careops/clinicflow/internal/domain/occupancy"
	"github.com/careops/clinicflow/internal/service"
)

type OccupancyHandler struct {
	svc *service.OccupancyService
}

func NewOccupancyHandler(svc *service.OccupancyService) *OccupancyHandler {
	return &OccupancyHandler{svc: svc}
}

type blockRequest struct {
	Status string     `json:"status" binding:"required"`
	Reason string     `json:"reason"`
	Until  *time.Time `json:"until"`
}

type subStageRequest struct {
	SubStage string `json:"sub_stage" binding:"required"`
}

// GET /chairs
func (h *OccupancyHandler) Board(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}

	rows, err := h.svc.Board(c.Request.Context(), actor)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	respondOK(c, rows)
}

// POST /chairs/:chairId/block
func (h *OccupancyHandler) Block(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}
	chairID, ok := parseUUID(c, "chairId")
	if !ok {
		return
	}

	var req blockRequest
	if !bindJSON(c, &req) {
		return
	}

	status := occupancy.Status(req.Status)
	occ, err := h.svc.Block(c.Request.Context(), actor, chairID, status, req.Reason, req.Until)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	respondOK(c, occ)
}

// POST /chairs/:chairId/unblock
func (h *OccupancyHandler) Unblock(c *gin.Context) {
	h.action(c, h.svc.Unblock)
}

// POST /chairs/:chairId/start-cleaning
func (h *OccupancyHandler) StartCleaning(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}
	chairID, ok := parseUUID(c, "chairId")
	if !ok {
		return
	}

	occ, err := h.svc.StartCleaning(c.Request.Context(), actor, chairID)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	respondOK(c, occ)
}

// POST /chairs/:chairId/finish-cleaning
func (h *OccupancyHandler) FinishCleaning(c *gin.Context) {
	h.action(c, h.svc.FinishCleaning)
}

// PUT /chairs/:chairId/sub-stage
func (h *OccupancyHandler) SetSubStage(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}
	chairID, ok := parseUUID(c, "chairId")
	if !ok {
		return
	}

	var req subStageRequest
	if !bindJSON(c, &req) {
		return
	}

	if err := h.svc.SetSubStage(c.Request.Context(), actor, chairID, occupancy.SubStage(req.SubStage)); err != nil {
		respondServiceError(c, err)
		return
	}
	respondOK(c, gin.H{"chair_id": chairID, "sub_stage": req.SubStage})
}

func (h *OccupancyHandler) action(c *gin.Context, fn func(ctx context.Context, actor service.Actor, chairID uuid.UUID) error) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}
	chairID, ok := parseUUID(c, "chairId")
	if !ok {
		return
	}

	if err := fn(c.Request.Context(), actor, chairID); err != nil {
		respondServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
