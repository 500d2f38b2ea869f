package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/careops/clinicflow/internal/domain"
	"github.com/careops/clinicflow/internal/domain/occupancy"
	"github.com/careops/clinicflow/pkg/metrics"
)

// OccupancyService handles the chair administration that happens outside
// a patient transition: blocking, maintenance, and the cleaning workflow
// that eventually frees a chair after treatment.
type OccupancyService struct {
	chairs   occupancy.Repository
	auditSvc *AuditService
	metrics  *metrics.Collector
	log      *zap.Logger
}

func NewOccupancyService(chairs occupancy.Repository, auditSvc *AuditService, col *metrics.Collector, log *zap.Logger) *OccupancyService {
	return &OccupancyService{chairs: chairs, auditSvc: auditSvc, metrics: col, log: log}
}

// Board lists every chair row in the clinic for the front-desk screen.
func (s *OccupancyService) Board(ctx context.Context, actor Actor) ([]*occupancy.Occupancy, error) {
	return s.chairs.ListByClinic(ctx, actor.ClinicID)
}

// Block takes a chair out of service. status must be blocked or
// maintenance; a chair holding a patient refuses with ChairUnavailable.
func (s *OccupancyService) Block(ctx context.Context, actor Actor, chairID uuid.UUID, status occupancy.Status, reason string, until *time.Time) (*occupancy.Occupancy, error) {
	staffID, err := actor.Staff()
	if err != nil {
		return nil, err
	}
	if status != occupancy.StatusBlocked && status != occupancy.StatusMaintenance {
		return nil, occupancy.ErrInvalidStatus
	}

	occ, err := s.chairs.Block(ctx, actor.ClinicID, chairID, status, reason, until, staffID)
	if err != nil {
		return nil, err
	}

	s.chairEvent(string(status))
	s.audit(ctx, actor, domain.ActionBlock, chairID, fmt.Sprintf(`{"status":%q,"reason":%q}`, status, reason))
	s.log.Info("chair blocked",
		zap.String("chair_id", chairID.String()),
		zap.String("status", string(status)),
	)
	return occ, nil
}

// Unblock returns a blocked or maintenance chair to service.
func (s *OccupancyService) Unblock(ctx context.Context, actor Actor, chairID uuid.UUID) error {
	if _, err := actor.Staff(); err != nil {
		return err
	}
	if err := s.chairs.Unblock(ctx, actor.ClinicID, chairID); err != nil {
		return err
	}
	s.chairEvent("unblocked")
	s.audit(ctx, actor, domain.ActionUnblock, chairID, "")
	return nil
}

// StartCleaning marks a free chair as being cleaned.
func (s *OccupancyService) StartCleaning(ctx context.Context, actor Actor, chairID uuid.UUID) (*occupancy.Occupancy, error) {
	staffID, err := actor.Staff()
	if err != nil {
		return nil, err
	}
	occ, err := s.chairs.StartCleaning(ctx, actor.ClinicID, chairID, staffID)
	if err != nil {
		return nil, err
	}
	s.chairEvent("cleaning")
	return occ, nil
}

// FinishCleaning frees the chair once cleaning is done. This is the step
// that actually releases a chair after a completed treatment.
func (s *OccupancyService) FinishCleaning(ctx context.Context, actor Actor, chairID uuid.UUID) error {
	if _, err := actor.Staff(); err != nil {
		return err
	}
	if err := s.chairs.FinishCleaning(ctx, actor.ClinicID, chairID); err != nil {
		return err
	}
	s.chairEvent("released")
	s.audit(ctx, actor, domain.ActionRelease, chairID, "")
	return nil
}

// SetSubStage records a treatment sub-phase on an occupied chair. A
// chair that is not occupied makes this a no-op.
func (s *OccupancyService) SetSubStage(ctx context.Context, actor Actor, chairID uuid.UUID, sub occupancy.SubStage) error {
	staffID, err := actor.Staff()
	if err != nil {
		return err
	}
	if !sub.IsValid() {
		return occupancy.ErrInvalidSubStage
	}
	return s.chairs.SetSubStage(ctx, actor.ClinicID, chairID, sub, staffID)
}

func (s *OccupancyService) audit(ctx context.Context, actor Actor, action domain.AuditAction, chairID uuid.UUID, details string) {
	if s.auditSvc == nil {
		return
	}
	s.auditSvc.LogAsync(ctx, AuditEntry{
		ClinicID:     actor.ClinicID,
		UserID:       actor.UserID,
		UserRole:     string(actor.Role),
		Action:       action,
		ResourceType: "chair",
		ResourceID:   chairID.String(),
		IPAddress:    actor.IP,
		Details:      details,
	})
}

func (s *OccupancyService) chairEvent(event string) {
	if s.metrics != nil {
		s.metrics.ChairEventsTotal.WithLabelValues(event).Inc()
	}
}
