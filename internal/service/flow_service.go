package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/careops/clinicflow/internal/domain"
	"github.com/careops/clinicflow/internal/domain/appointment"
	"github.com/careops/clinicflow/internal/domain/flow"
	"github.com/careops/clinicflow/internal/domain/occupancy"
	"github.com/careops/clinicflow/pkg/metrics"
)

// TxManager runs a function inside one storage transaction. Everything
// the callback does through the repositories commits or rolls back
// together.
type TxManager interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// FlowService is the orchestrator for a patient's progression through a
// visit. Every operation is a single bounded transaction: flow-state
// write, history ledger close+open, and any chair claim or release
// either all land or none do.
type FlowService struct {
	tx           TxManager
	flows        flow.Repository
	history      flow.HistoryRepository
	chairs       occupancy.Repository
	appointments appointment.Lookup
	auditSvc     *AuditService
	metrics      *metrics.Collector
	log          *zap.Logger
	tracer       trace.Tracer

	now func() time.Time
}

func NewFlowService(
	tx TxManager,
	flows flow.Repository,
	history flow.HistoryRepository,
	chairs occupancy.Repository,
	appointments appointment.Lookup,
	auditSvc *AuditService,
	col *metrics.Collector,
	log *zap.Logger,
) *FlowService {
	return &FlowService{
		tx:           tx,
		flows:        flows,
		history:      history,
		chairs:       chairs,
		appointments: appointments,
		auditSvc:     auditSvc,
		metrics:      col,
		log:          log,
		tracer:       otel.Tracer("clinicflow/flow"),
		now:          time.Now,
	}
}

// CheckIn admits the patient: verifies the appointment is real and still
// valid, creates the flow state at checked_in, and opens the first
// history interval. A second check-in for the same appointment fails
// with ErrAlreadyCheckedIn and changes nothing.
func (s *FlowService) CheckIn(ctx context.Context, actor Actor, appointmentID uuid.UUID, notes string) (*flow.PatientFlowState, error) {
	ctx, span := s.tracer.Start(ctx, "flow.CheckIn",
		trace.WithAttributes(attribute.String("appointment_id", appointmentID.String())))
	defer span.End()

	staffID, err := actor.Staff()
	if err != nil {
		return nil, err
	}

	apt, err := s.appointments.GetByID(ctx, actor.ClinicID, appointmentID)
	if err != nil {
		return nil, err
	}
	if !apt.Admittable() {
		return nil, appointment.ErrAppointmentNotAdmittable
	}

	now := s.now()
	fs := &flow.PatientFlowState{
		ClinicID:             actor.ClinicID,
		AppointmentID:        appointmentID,
		PatientID:            apt.PatientID,
		ProviderID:           apt.ProviderID,
		Stage:                flow.StageCheckedIn,
		CheckedInAt:          now,
		CurrentWaitStartedAt: &now,
		Notes:                notes,
		UpdatedBy:            staffID,
	}

	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.flows.Create(ctx, fs); err != nil {
			return err
		}
		return s.history.OpenInterval(ctx, &flow.FlowStageHistory{
			ClinicID:    actor.ClinicID,
			FlowStateID: fs.ID,
			Stage:       flow.StageCheckedIn,
			EnteredAt:   now,
			TriggeredBy: staffID,
			Notes:       notes,
		})
	})
	if err != nil {
		return nil, err
	}

	s.countTransition(flow.StageCheckedIn, "forward")
	s.audit(ctx, actor, domain.ActionCheckIn, fs.ID, flow.StageCheckedIn)

	s.log.Info("patient checked in",
		zap.String("appointment_id", appointmentID.String()),
		zap.String("flow_state_id", fs.ID.String()),
	)
	return fs, nil
}

// MoveToWaiting moves a checked-in patient to the waiting area. The wait
// clock keeps running uninterrupted.
func (s *FlowService) MoveToWaiting(ctx context.Context, actor Actor, appointmentID uuid.UUID, notes string) (*flow.PatientFlowState, error) {
	ctx, span := s.tracer.Start(ctx, "flow.MoveToWaiting")
	defer span.End()

	return s.advance(ctx, actor, appointmentID, notes, func(ctx context.Context, fs *flow.PatientFlowState, now time.Time) (flow.Patch, error) {
		return flow.ForwardPatch(fs.Stage, flow.StageWaiting, nil, now)
	})
}

// Call summons the patient. A chair may be suggested; it is validated as
// claimable but not yet occupied (occupation happens at Seat). Calling
// stops the wait clock.
func (s *FlowService) Call(ctx context.Context, actor Actor, appointmentID uuid.UUID, chairID *uuid.UUID, notes string) (*flow.PatientFlowState, error) {
	ctx, span := s.tracer.Start(ctx, "flow.Call")
	defer span.End()

	var waitStarted *time.Time
	var calledAt time.Time
	fs, err := s.advance(ctx, actor, appointmentID, notes, func(ctx context.Context, fs *flow.PatientFlowState, now time.Time) (flow.Patch, error) {
		if chairID != nil {
			occ, err := s.chairs.GetByChair(ctx, actor.ClinicID, *chairID)
			if err != nil {
				return nil, err
			}
			if occ != nil && !occ.ClaimableBy(appointmentID) {
				return nil, occ.Unavailable()
			}
		}
		waitStarted = fs.CurrentWaitStartedAt
		calledAt = now
		return flow.ForwardPatch(fs.Stage, flow.StageCalled, nil, now)
	})
	if err != nil {
		return nil, err
	}

	// Observed only once the transition has actually landed; a failed or
	// conflicted call must not skew the wait histogram.
	s.observeWaitEnd(waitStarted, calledAt)
	return fs, nil
}

// Seat puts the called patient in the chair. The chair claim and the
// stage advance share the transaction; a ChairUnavailable aborts both,
// so seating never partially succeeds.
func (s *FlowService) Seat(ctx context.Context, actor Actor, appointmentID, chairID uuid.UUID, notes string) (*flow.PatientFlowState, error) {
	ctx, span := s.tracer.Start(ctx, "flow.Seat",
		trace.WithAttributes(attribute.String("chair_id", chairID.String())))
	defer span.End()

	staffID, err := actor.Staff()
	if err != nil {
		return nil, err
	}

	fs, err := s.advance(ctx, actor, appointmentID, notes, func(ctx context.Context, fs *flow.PatientFlowState, now time.Time) (flow.Patch, error) {
		if _, err := s.chairs.TryOccupy(ctx, actor.ClinicID, chairID, appointmentID, fs.PatientID, staffID); err != nil {
			return nil, err
		}
		return flow.ForwardPatch(fs.Stage, flow.StageInChair, &chairID, now)
	})
	if err != nil {
		return nil, err
	}

	s.countChairEvent("occupied")
	return fs, nil
}

// Complete finishes treatment. The chair is deliberately not released:
// its sub-stage flips to cleaning and the cleaning workflow frees it
// later.
func (s *FlowService) Complete(ctx context.Context, actor Actor, appointmentID uuid.UUID, notes string) (*flow.PatientFlowState, error) {
	ctx, span := s.tracer.Start(ctx, "flow.Complete")
	defer span.End()

	staffID, err := actor.Staff()
	if err != nil {
		return nil, err
	}

	return s.advance(ctx, actor, appointmentID, notes, func(ctx context.Context, fs *flow.PatientFlowState, now time.Time) (flow.Patch, error) {
		if fs.ChairID != nil {
			if err := s.chairs.SetSubStage(ctx, actor.ClinicID, *fs.ChairID, occupancy.SubStageCleaning, staffID); err != nil {
				return nil, err
			}
		}
		return flow.ForwardPatch(fs.Stage, flow.StageCompleted, nil, now)
	})
}

// CheckOut closes the visit. The flow state is retained for history.
func (s *FlowService) CheckOut(ctx context.Context, actor Actor, appointmentID uuid.UUID, notes string) (*flow.PatientFlowState, error) {
	ctx, span := s.tracer.Start(ctx, "flow.CheckOut")
	defer span.End()

	return s.advance(ctx, actor, appointmentID, notes, func(ctx context.Context, fs *flow.PatientFlowState, now time.Time) (flow.Patch, error) {
		return flow.ForwardPatch(fs.Stage, flow.StageCheckedOut, nil, now)
	})
}

// Revert moves the patient backwards along the revert map. Timestamps
// past the target stage are cleared, the wait clock restarts, and
// reverting out of the chair releases it.
func (s *FlowService) Revert(ctx context.Context, actor Actor, appointmentID uuid.UUID, toStage flow.Stage, notes string) (*flow.PatientFlowState, error) {
	ctx, span := s.tracer.Start(ctx, "flow.Revert",
		trace.WithAttributes(attribute.String("to_stage", string(toStage))))
	defer span.End()

	// Reverts load through GetLatestByAppointment rather than the active
	// lookup: undoing a check-out must be able to reach the terminal
	// state, which no longer counts as active.
	fs, err := s.mutate(ctx, actor, appointmentID, notes, s.flows.GetLatestByAppointment, func(ctx context.Context, fs *flow.PatientFlowState, now time.Time) (flow.Patch, error) {
		if flow.ReleasesChair(fs.Stage, toStage) && fs.ChairID != nil {
			if err := s.chairs.Release(ctx, actor.ClinicID, *fs.ChairID, appointmentID); err != nil {
				return nil, err
			}
		}
		return flow.RevertPatch(fs.Stage, toStage, now)
	})
	if err != nil {
		return nil, err
	}

	s.countTransition(toStage, "revert")
	s.audit(ctx, actor, domain.ActionRevert, fs.ID, toStage)
	return fs, nil
}

// GetState returns the active flow state for an appointment.
func (s *FlowService) GetState(ctx context.Context, actor Actor, appointmentID uuid.UUID) (*flow.PatientFlowState, error) {
	return s.flows.GetActiveByAppointment(ctx, actor.ClinicID, appointmentID)
}

// GetHistory returns the stage interval ledger for the appointment's
// active visit, oldest first.
func (s *FlowService) GetHistory(ctx context.Context, actor Actor, appointmentID uuid.UUID) ([]*flow.FlowStageHistory, error) {
	fs, err := s.flows.GetActiveByAppointment(ctx, actor.ClinicID, appointmentID)
	if err != nil {
		return nil, err
	}
	return s.history.ListByFlowState(ctx, actor.ClinicID, fs.ID)
}

// advance runs a forward transition and records it.
func (s *FlowService) advance(ctx context.Context, actor Actor, appointmentID uuid.UUID, notes string, fn func(ctx context.Context, fs *flow.PatientFlowState, now time.Time) (flow.Patch, error)) (*flow.PatientFlowState, error) {
	fs, err := s.mutate(ctx, actor, appointmentID, notes, s.flows.GetActiveByAppointment, fn)
	if err != nil {
		return nil, err
	}
	s.countTransition(fs.Stage, "forward")
	s.audit(ctx, actor, domain.ActionTransition, fs.ID, fs.Stage)
	return fs, nil
}

// mutate is the transactional core shared by every transition: load the
// current state, let fn compute the patch (and perform any chair calls
// in the same transaction), then apply the conditional write and the
// ledger close+open. A ConcurrentModification is retried once with a
// fresh read; a second collision surfaces to the caller.
func (s *FlowService) mutate(ctx context.Context, actor Actor, appointmentID uuid.UUID, notes string, load func(ctx context.Context, clinicID, appointmentID uuid.UUID) (*flow.PatientFlowState, error), fn func(ctx context.Context, fs *flow.PatientFlowState, now time.Time) (flow.Patch, error)) (*flow.PatientFlowState, error) {
	staffID, err := actor.Staff()
	if err != nil {
		return nil, err
	}

	var updated *flow.PatientFlowState
	attempt := func() error {
		return s.tx.InTx(ctx, func(ctx context.Context) error {
			fs, err := load(ctx, actor.ClinicID, appointmentID)
			if err != nil {
				return err
			}

			now := s.now()
			patch, err := fn(ctx, fs, now)
			if err != nil {
				return err
			}

			updated, err = s.applyTransition(ctx, fs, patch, staffID, notes, now)
			return err
		})
	}

	if err := attempt(); err != nil {
		if !errors.Is(err, flow.ErrConcurrentModification) {
			return nil, err
		}
		s.countConflict()
		s.log.Debug("optimistic concurrency conflict, retrying once",
			zap.String("appointment_id", appointmentID.String()))
		if err := attempt(); err != nil {
			return nil, err
		}
	}
	return updated, nil
}

// applyTransition performs the conditional stage write and keeps the
// ledger in lock-step: close the outgoing interval before opening the
// incoming one, inside the caller's transaction.
func (s *FlowService) applyTransition(ctx context.Context, fs *flow.PatientFlowState, patch flow.Patch, staffID uuid.UUID, notes string, now time.Time) (*flow.PatientFlowState, error) {
	patch["updated_by"] = staffID
	if notes != "" {
		// Notes are append-only by convention.
		if fs.Notes != "" {
			patch["notes"] = fs.Notes + "\n" + notes
		} else {
			patch["notes"] = notes
		}
	}

	updated, err := s.flows.Transition(ctx, fs.ClinicID, fs.ID, fs.Stage, patch)
	if err != nil {
		return nil, err
	}

	closed, stageSecs, err := s.history.CloseOpenInterval(ctx, fs.ClinicID, fs.ID, fs.Stage, now)
	if err != nil {
		return nil, err
	}
	if closed {
		s.observeStageDuration(fs.Stage, stageSecs)
	} else {
		// Should not happen while the ledger invariant holds; a missing
		// open row must never block the new stage from opening.
		s.log.Warn("no open history interval to close",
			zap.String("flow_state_id", fs.ID.String()),
			zap.String("stage", string(fs.Stage)),
		)
	}

	err = s.history.OpenInterval(ctx, &flow.FlowStageHistory{
		ClinicID:    fs.ClinicID,
		FlowStateID: fs.ID,
		Stage:       patch.Stage(),
		EnteredAt:   now,
		TriggeredBy: staffID,
		Notes:       notes,
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *FlowService) audit(ctx context.Context, actor Actor, action domain.AuditAction, flowStateID uuid.UUID, to flow.Stage) {
	if s.auditSvc == nil {
		return
	}
	s.auditSvc.LogAsync(ctx, AuditEntry{
		ClinicID:     actor.ClinicID,
		UserID:       actor.UserID,
		UserRole:     string(actor.Role),
		Action:       action,
		ResourceType: "flow_state",
		ResourceID:   flowStateID.String(),
		IPAddress:    actor.IP,
		Details:      fmt.Sprintf(`{"stage":%q}`, to),
	})
}

func (s *FlowService) countTransition(stage flow.Stage, kind string) {
	if s.metrics != nil {
		s.metrics.FlowTransitionsTotal.WithLabelValues(string(stage), kind).Inc()
	}
}

func (s *FlowService) countConflict() {
	if s.metrics != nil {
		s.metrics.FlowConflictsTotal.Inc()
	}
}

func (s *FlowService) countChairEvent(event string) {
	if s.metrics != nil {
		s.metrics.ChairEventsTotal.WithLabelValues(event).Inc()
	}
}

func (s *FlowService) observeWaitEnd(start *time.Time, now time.Time) {
	if s.metrics == nil || start == nil {
		return
	}
	secs := int64(now.Sub(*start) / time.Second)
	if secs < 0 {
		secs = 0
	}
	s.metrics.WaitDurationSeconds.Observe(float64(secs))
}

func (s *FlowService) observeStageDuration(stage flow.Stage, seconds int64) {
	if s.metrics != nil {
		s.metrics.StageDurationSeconds.WithLabelValues(string(stage)).Observe(float64(seconds))
	}
}
