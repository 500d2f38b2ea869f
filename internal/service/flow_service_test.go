package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"go.uber.org/zap"

	"github.com/careops/clinicflow/internal/domain/appointment"
	"github.com/careops/clinicflow/internal/domain/flow"
	"github.com/careops/clinicflow/internal/domain/occupancy"
	"github.com/careops/clinicflow/pkg/metrics"
)

// testCollector registers on the process-wide default registry, so the
// test binary shares a single instance across all tests. Tests asserting
// on it compare counts before and after.
var testCollector = metrics.NewCollector("clinicflowtest")

// histogramCount reads a histogram's cumulative sample count.
func histogramCount(t *testing.T, m prometheus.Metric) uint64 {
	t.Helper()
	var pb dto.Metric
	if err := m.Write(&pb); err != nil {
		t.Fatalf("reading histogram: %v", err)
	}
	return pb.GetHistogram().GetSampleCount()
}

// passthroughTx satisfies TxManager without a database; the fakes below
// apply writes immediately, which is enough to exercise the
// orchestration rules.
type passthroughTx struct{}

func (passthroughTx) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

type fakeFlowRepo struct {
	mu     sync.Mutex
	states map[uuid.UUID]*flow.PatientFlowState
	order  []uuid.UUID

	// interceptTransition, when set, runs before a Transition applies and
	// may return an error to inject a conflict. It is cleared after one
	// use.
	interceptTransition func(r *fakeFlowRepo) error
}

func newFakeFlowRepo() *fakeFlowRepo {
	return &fakeFlowRepo{states: make(map[uuid.UUID]*flow.PatientFlowState)}
}

func copyState(fs *flow.PatientFlowState) *flow.PatientFlowState {
	c := *fs
	return &c
}

func (r *fakeFlowRepo) Create(ctx context.Context, fs *flow.PatientFlowState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.states {
		if s.AppointmentID == fs.AppointmentID && s.ClinicID == fs.ClinicID && !s.Stage.IsTerminal() {
			return flow.ErrAlreadyCheckedIn
		}
	}
	fs.ID = uuid.New()
	r.states[fs.ID] = copyState(fs)
	r.order = append(r.order, fs.ID)
	return nil
}

func (r *fakeFlowRepo) GetActiveByAppointment(ctx context.Context, clinicID, appointmentID uuid.UUID) (*flow.PatientFlowState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.states {
		if s.ClinicID == clinicID && s.AppointmentID == appointmentID && !s.Stage.IsTerminal() {
			return copyState(s), nil
		}
	}
	return nil, flow.ErrFlowStateNotFound
}

func (r *fakeFlowRepo) GetLatestByAppointment(ctx context.Context, clinicID, appointmentID uuid.UUID) (*flow.PatientFlowState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.order) - 1; i >= 0; i-- {
		s := r.states[r.order[i]]
		if s.ClinicID == clinicID && s.AppointmentID == appointmentID {
			return copyState(s), nil
		}
	}
	return nil, flow.ErrFlowStateNotFound
}

func (r *fakeFlowRepo) GetByID(ctx context.Context, clinicID, id uuid.UUID) (*flow.PatientFlowState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.states[id]
	if !ok || s.ClinicID != clinicID {
		return nil, flow.ErrFlowStateNotFound
	}
	return copyState(s), nil
}

func (r *fakeFlowRepo) Transition(ctx context.Context, clinicID, id uuid.UUID, expected flow.Stage, patch flow.Patch) (*flow.PatientFlowState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.interceptTransition != nil {
		fn := r.interceptTransition
		r.interceptTransition = nil
		if err := fn(r); err != nil {
			return nil, err
		}
	}

	s, ok := r.states[id]
	if !ok || s.ClinicID != clinicID {
		return nil, flow.ErrFlowStateNotFound
	}
	if s.Stage != expected {
		return nil, flow.ErrConcurrentModification
	}
	applyPatch(s, patch)
	return copyState(s), nil
}

func applyPatch(fs *flow.PatientFlowState, p flow.Patch) {
	for col, v := range p {
		switch col {
		case "stage":
			fs.Stage = v.(flow.Stage)
		case "chair_id":
			fs.ChairID = uuidPtr(v)
		case "checked_in_at":
			fs.CheckedInAt = v.(time.Time)
		case "called_at":
			fs.CalledAt = timePtr(v)
		case "seated_at":
			fs.SeatedAt = timePtr(v)
		case "completed_at":
			fs.CompletedAt = timePtr(v)
		case "checked_out_at":
			fs.CheckedOutAt = timePtr(v)
		case "current_wait_started_at":
			fs.CurrentWaitStartedAt = timePtr(v)
		case "updated_by":
			fs.UpdatedBy = v.(uuid.UUID)
		case "notes":
			fs.Notes = v.(string)
		}
	}
}

func timePtr(v any) *time.Time {
	if v == nil {
		return nil
	}
	t := v.(time.Time)
	return &t
}

func uuidPtr(v any) *uuid.UUID {
	if v == nil {
		return nil
	}
	id := v.(uuid.UUID)
	return &id
}

type fakeHistoryRepo struct {
	mu   sync.Mutex
	rows []*flow.FlowStageHistory
}

func (r *fakeHistoryRepo) OpenInterval(ctx context.Context, h *flow.FlowStageHistory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *h
	c.ID = uuid.New()
	r.rows = append(r.rows, &c)
	return nil
}

func (r *fakeHistoryRepo) CloseOpenInterval(ctx context.Context, clinicID, flowStateID uuid.UUID, stage flow.Stage, exitedAt time.Time) (bool, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, h := range r.rows {
		if h.ClinicID == clinicID && h.FlowStateID == flowStateID && h.Stage == stage && h.ExitedAt == nil {
			t := exitedAt
			h.ExitedAt = &t
			d := flow.IntervalSeconds(h.EnteredAt, exitedAt)
			h.DurationSeconds = &d
			return true, d, nil
		}
	}
	return false, 0, nil
}

func (r *fakeHistoryRepo) ListByFlowState(ctx context.Context, clinicID, flowStateID uuid.UUID) ([]*flow.FlowStageHistory, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*flow.FlowStageHistory
	for _, h := range r.rows {
		if h.ClinicID == clinicID && h.FlowStateID == flowStateID {
			c := *h
			out = append(out, &c)
		}
	}
	return out, nil
}

type fakeChairRepo struct {
	mu     sync.Mutex
	chairs map[uuid.UUID]*occupancy.Occupancy
}

func newFakeChairRepo() *fakeChairRepo {
	return &fakeChairRepo{chairs: make(map[uuid.UUID]*occupancy.Occupancy)}
}

func (r *fakeChairRepo) GetByChair(ctx context.Context, clinicID, chairID uuid.UUID) (*occupancy.Occupancy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.chairs[chairID]
	if !ok {
		return nil, nil
	}
	c := *o
	return &c, nil
}

func (r *fakeChairRepo) TryOccupy(ctx context.Context, clinicID, chairID, appointmentID, patientID, staffID uuid.UUID) (*occupancy.Occupancy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o := r.chairs[chairID]
	if !o.ClaimableBy(appointmentID) {
		return nil, o.Unavailable()
	}
	now := time.Now()
	sub := occupancy.SubStageReadyForDoctor
	occ := &occupancy.Occupancy{
		ClinicID:          clinicID,
		ChairID:           chairID,
		Status:            occupancy.StatusOccupied,
		AppointmentID:     &appointmentID,
		PatientID:         &patientID,
		OccupiedAt:        &now,
		ActivitySubStage:  &sub,
		SubStageStartedAt: &now,
		AssignedStaffID:   &staffID,
	}
	r.chairs[chairID] = occ
	c := *occ
	return &c, nil
}

func (r *fakeChairRepo) SetSubStage(ctx context.Context, clinicID, chairID uuid.UUID, sub occupancy.SubStage, staffID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.chairs[chairID]
	if !ok || o.Status != occupancy.StatusOccupied {
		return nil
	}
	now := time.Now()
	o.ActivitySubStage = &sub
	o.SubStageStartedAt = &now
	o.AssignedStaffID = &staffID
	return nil
}

func (r *fakeChairRepo) Release(ctx context.Context, clinicID, chairID, appointmentID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.chairs[chairID]
	if !ok || o.AppointmentID == nil || *o.AppointmentID != appointmentID {
		return nil
	}
	r.chairs[chairID] = &occupancy.Occupancy{ClinicID: clinicID, ChairID: chairID, Status: occupancy.StatusAvailable}
	return nil
}

func (r *fakeChairRepo) Block(ctx context.Context, clinicID, chairID uuid.UUID, status occupancy.Status, reason string, until *time.Time, staffID uuid.UUID) (*occupancy.Occupancy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if o := r.chairs[chairID]; o != nil && o.Status == occupancy.StatusOccupied {
		return nil, o.Unavailable()
	}
	occ := &occupancy.Occupancy{ClinicID: clinicID, ChairID: chairID, Status: status, BlockReason: reason, BlockedUntil: until}
	r.chairs[chairID] = occ
	c := *occ
	return &c, nil
}

func (r *fakeChairRepo) Unblock(ctx context.Context, clinicID, chairID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.chairs[chairID]
	if !ok || (o.Status != occupancy.StatusBlocked && o.Status != occupancy.StatusMaintenance) {
		return occupancy.ErrNotBlocked
	}
	r.chairs[chairID] = &occupancy.Occupancy{ClinicID: clinicID, ChairID: chairID, Status: occupancy.StatusAvailable}
	return nil
}

func (r *fakeChairRepo) StartCleaning(ctx context.Context, clinicID, chairID, staffID uuid.UUID) (*occupancy.Occupancy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if o := r.chairs[chairID]; o != nil && !o.IsFree() {
		return nil, o.Unavailable()
	}
	occ := &occupancy.Occupancy{ClinicID: clinicID, ChairID: chairID, Status: occupancy.StatusCleaning, AssignedStaffID: &staffID}
	r.chairs[chairID] = occ
	c := *occ
	return &c, nil
}

func (r *fakeChairRepo) FinishCleaning(ctx context.Context, clinicID, chairID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chairs[chairID] = &occupancy.Occupancy{ClinicID: clinicID, ChairID: chairID, Status: occupancy.StatusAvailable}
	return nil
}

func (r *fakeChairRepo) ListByClinic(ctx context.Context, clinicID uuid.UUID) ([]*occupancy.Occupancy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*occupancy.Occupancy
	for _, o := range r.chairs {
		if o.ClinicID == clinicID {
			c := *o
			out = append(out, &c)
		}
	}
	return out, nil
}

func (r *fakeChairRepo) CountByStatus(ctx context.Context) ([]occupancy.StatusCount, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tally := make(map[occupancy.Status]int64)
	for _, o := range r.chairs {
		tally[o.Status]++
	}
	var out []occupancy.StatusCount
	for s, n := range tally {
		out = append(out, occupancy.StatusCount{Status: s, Count: n})
	}
	return out, nil
}

type fakeAppointments struct {
	byID map[uuid.UUID]*appointment.Appointment
}

func (f *fakeAppointments) GetByID(ctx context.Context, clinicID, id uuid.UUID) (*appointment.Appointment, error) {
	a, ok := f.byID[id]
	if !ok || a.ClinicID != clinicID {
		return nil, appointment.ErrAppointmentNotFound
	}
	c := *a
	return &c, nil
}

// fixture wires a FlowService over the in-memory fakes with a
// controllable clock.
type fixture struct {
	svc     *FlowService
	flows   *fakeFlowRepo
	history *fakeHistoryRepo
	chairs  *fakeChairRepo
	apts    *fakeAppointments

	clinicID uuid.UUID
	aptID    uuid.UUID
	actor    Actor

	clock time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		flows:    newFakeFlowRepo(),
		history:  &fakeHistoryRepo{},
		chairs:   newFakeChairRepo(),
		clinicID: uuid.New(),
		aptID:    uuid.New(),
		clock:    time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC),
	}

	f.apts = &fakeAppointments{byID: map[uuid.UUID]*appointment.Appointment{
		f.aptID: {
			ID:         f.aptID,
			ClinicID:   f.clinicID,
			PatientID:  uuid.New(),
			ProviderID: uuid.New(),
			Status:     appointment.StatusConfirmed,
		},
	}}

	staffID := uuid.New()
	f.actor = Actor{
		UserID:   uuid.New(),
		StaffID:  &staffID,
		Role:     "receptionist",
		ClinicID: f.clinicID,
		IP:       "10.0.0.7",
	}

	f.svc = NewFlowService(passthroughTx{}, f.flows, f.history, f.chairs, f.apts, nil, testCollector, zap.NewNop())
	f.svc.now = func() time.Time { return f.clock }
	return f
}

func (f *fixture) advanceClock(d time.Duration) {
	f.clock = f.clock.Add(d)
}

func TestCheckInCreatesStateAndOpensLedger(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	fs, err := f.svc.CheckIn(ctx, f.actor, f.aptID, "walk-in early")
	if err != nil {
		t.Fatalf("CheckIn: %v", err)
	}
	if fs.Stage != flow.StageCheckedIn {
		t.Errorf("stage = %s, want checked_in", fs.Stage)
	}
	if !fs.CheckedInAt.Equal(f.clock) {
		t.Errorf("checked_in_at = %v, want %v", fs.CheckedInAt, f.clock)
	}
	if fs.CurrentWaitStartedAt == nil || !fs.CurrentWaitStartedAt.Equal(f.clock) {
		t.Errorf("current_wait_started_at = %v, want %v", fs.CurrentWaitStartedAt, f.clock)
	}

	rows, err := f.svc.GetHistory(ctx, f.actor, f.aptID)
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("ledger rows = %d, want 1", len(rows))
	}
	if rows[0].Stage != flow.StageCheckedIn || !rows[0].IsOpen() {
		t.Errorf("first interval = %s open=%v, want open checked_in", rows[0].Stage, rows[0].IsOpen())
	}
}

func TestCheckInTwiceFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.CheckIn(ctx, f.actor, f.aptID, ""); err != nil {
		t.Fatalf("first CheckIn: %v", err)
	}
	_, err := f.svc.CheckIn(ctx, f.actor, f.aptID, "")
	if !errors.Is(err, flow.ErrAlreadyCheckedIn) {
		t.Fatalf("second CheckIn err = %v, want ErrAlreadyCheckedIn", err)
	}

	rows, _ := f.svc.GetHistory(ctx, f.actor, f.aptID)
	if len(rows) != 1 {
		t.Errorf("duplicate check-in must not touch the ledger, rows = %d", len(rows))
	}
}

func TestCheckInRejectsCancelledAppointment(t *testing.T) {
	f := newFixture(t)
	f.apts.byID[f.aptID].Status = appointment.StatusCancelled

	_, err := f.svc.CheckIn(context.Background(), f.actor, f.aptID, "")
	if !errors.Is(err, appointment.ErrAppointmentNotAdmittable) {
		t.Fatalf("err = %v, want ErrAppointmentNotAdmittable", err)
	}
}

func TestCheckInRequiresStaffIdentity(t *testing.T) {
	f := newFixture(t)
	f.actor.StaffID = nil

	_, err := f.svc.CheckIn(context.Background(), f.actor, f.aptID, "")
	if !errors.Is(err, ErrActorNotStaff) {
		t.Fatalf("err = %v, want ErrActorNotStaff", err)
	}
}

func TestFullVisitLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	chairID := uuid.New()

	if _, err := f.svc.CheckIn(ctx, f.actor, f.aptID, ""); err != nil {
		t.Fatalf("CheckIn: %v", err)
	}

	f.advanceClock(2 * time.Minute)
	fs, err := f.svc.MoveToWaiting(ctx, f.actor, f.aptID, "")
	if err != nil {
		t.Fatalf("MoveToWaiting: %v", err)
	}
	if fs.Stage != flow.StageWaiting {
		t.Errorf("stage = %s, want waiting", fs.Stage)
	}
	if fs.CurrentWaitStartedAt == nil {
		t.Error("wait clock must survive checked_in → waiting")
	}

	f.advanceClock(10 * time.Minute)
	calledAt := f.clock
	fs, err = f.svc.Call(ctx, f.actor, f.aptID, &chairID, "")
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if fs.Stage != flow.StageCalled {
		t.Errorf("stage = %s, want called", fs.Stage)
	}
	if fs.CalledAt == nil || !fs.CalledAt.Equal(calledAt) {
		t.Errorf("called_at = %v, want %v", fs.CalledAt, calledAt)
	}
	if fs.CurrentWaitStartedAt != nil {
		t.Error("calling must stop the wait clock")
	}
	if occ, _ := f.chairs.GetByChair(ctx, f.clinicID, chairID); occ != nil {
		t.Error("call must not occupy the chair")
	}

	f.advanceClock(time.Minute)
	fs, err = f.svc.Seat(ctx, f.actor, f.aptID, chairID, "")
	if err != nil {
		t.Fatalf("Seat: %v", err)
	}
	if fs.Stage != flow.StageInChair {
		t.Errorf("stage = %s, want in_chair", fs.Stage)
	}
	if fs.ChairID == nil || *fs.ChairID != chairID {
		t.Errorf("chair_id = %v, want %v", fs.ChairID, chairID)
	}
	occ, _ := f.chairs.GetByChair(ctx, f.clinicID, chairID)
	if occ == nil || occ.Status != occupancy.StatusOccupied {
		t.Fatalf("chair should be occupied, got %+v", occ)
	}
	if occ.ActivitySubStage == nil || *occ.ActivitySubStage != occupancy.SubStageReadyForDoctor {
		t.Errorf("sub-stage = %v, want ready_for_doctor", occ.ActivitySubStage)
	}

	f.advanceClock(30 * time.Minute)
	fs, err = f.svc.Complete(ctx, f.actor, f.aptID, "")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if fs.Stage != flow.StageCompleted {
		t.Errorf("stage = %s, want completed", fs.Stage)
	}
	occ, _ = f.chairs.GetByChair(ctx, f.clinicID, chairID)
	if occ == nil || occ.Status != occupancy.StatusOccupied {
		t.Fatal("completing treatment keeps the chair occupied until cleaning finishes")
	}
	if occ.ActivitySubStage == nil || *occ.ActivitySubStage != occupancy.SubStageCleaning {
		t.Errorf("sub-stage = %v, want cleaning", occ.ActivitySubStage)
	}

	rows, err := f.svc.GetHistory(ctx, f.actor, f.aptID)
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	wantStages := []flow.Stage{flow.StageCheckedIn, flow.StageWaiting, flow.StageCalled, flow.StageInChair, flow.StageCompleted}
	if len(rows) != len(wantStages) {
		t.Fatalf("ledger rows = %d, want %d", len(rows), len(wantStages))
	}
	for i, h := range rows {
		if h.Stage != wantStages[i] {
			t.Errorf("interval %d stage = %s, want %s", i, h.Stage, wantStages[i])
		}
		if i < len(rows)-1 {
			if h.IsOpen() {
				t.Errorf("interval %d (%s) should be closed", i, h.Stage)
			}
			if h.DurationSeconds == nil {
				t.Errorf("interval %d (%s) missing duration", i, h.Stage)
			}
		}
	}
	if !rows[len(rows)-1].IsOpen() {
		t.Error("latest interval must be open")
	}
	// The waiting interval ran for ten minutes before the call.
	if d := rows[1].DurationSeconds; d == nil || *d != 600 {
		t.Errorf("waiting interval duration = %v, want 600", d)
	}

	f.advanceClock(5 * time.Minute)
	fs, err = f.svc.CheckOut(ctx, f.actor, f.aptID, "")
	if err != nil {
		t.Fatalf("CheckOut: %v", err)
	}
	if fs.Stage != flow.StageCheckedOut {
		t.Errorf("stage = %s, want checked_out", fs.Stage)
	}

	// Terminal state no longer counts as active.
	if _, err := f.svc.GetState(ctx, f.actor, f.aptID); !errors.Is(err, flow.ErrFlowStateNotFound) {
		t.Errorf("GetState after check-out err = %v, want ErrFlowStateNotFound", err)
	}
}

func TestCallRejectsBlockedChair(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	chairID := uuid.New()

	staffID, _ := f.actor.Staff()
	if _, err := f.chairs.Block(ctx, f.clinicID, chairID, occupancy.StatusBlocked, "compressor down", nil, staffID); err != nil {
		t.Fatalf("Block: %v", err)
	}

	if _, err := f.svc.CheckIn(ctx, f.actor, f.aptID, ""); err != nil {
		t.Fatalf("CheckIn: %v", err)
	}

	_, err := f.svc.Call(ctx, f.actor, f.aptID, &chairID, "")
	if !errors.Is(err, occupancy.ErrChairUnavailable) {
		t.Fatalf("err = %v, want ErrChairUnavailable", err)
	}
	var ue *occupancy.UnavailableError
	if !errors.As(err, &ue) || ue.BlockReason != "compressor down" {
		t.Errorf("error should carry the block reason, got %+v", ue)
	}

	// The failed call must not advance the stage or touch the ledger.
	fs, _ := f.svc.GetState(ctx, f.actor, f.aptID)
	if fs.Stage != flow.StageCheckedIn {
		t.Errorf("stage = %s, want checked_in after failed call", fs.Stage)
	}
	rows, _ := f.svc.GetHistory(ctx, f.actor, f.aptID)
	if len(rows) != 1 {
		t.Errorf("ledger rows = %d, want 1", len(rows))
	}
}

func TestSeatFailsWhenChairHeldByAnotherAppointment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	chairID := uuid.New()

	otherApt := uuid.New()
	if _, err := f.chairs.TryOccupy(ctx, f.clinicID, chairID, otherApt, uuid.New(), uuid.New()); err != nil {
		t.Fatalf("TryOccupy(other): %v", err)
	}

	if _, err := f.svc.CheckIn(ctx, f.actor, f.aptID, ""); err != nil {
		t.Fatalf("CheckIn: %v", err)
	}
	if _, err := f.svc.Call(ctx, f.actor, f.aptID, nil, ""); err != nil {
		t.Fatalf("Call: %v", err)
	}

	_, err := f.svc.Seat(ctx, f.actor, f.aptID, chairID, "")
	if !errors.Is(err, occupancy.ErrChairUnavailable) {
		t.Fatalf("err = %v, want ErrChairUnavailable", err)
	}

	fs, _ := f.svc.GetState(ctx, f.actor, f.aptID)
	if fs.Stage != flow.StageCalled {
		t.Errorf("stage = %s, want called after failed seat", fs.Stage)
	}
	occ, _ := f.chairs.GetByChair(ctx, f.clinicID, chairID)
	if occ.AppointmentID == nil || *occ.AppointmentID != otherApt {
		t.Error("the original occupant must keep the chair")
	}
}

func TestSeatIsIdempotentForHoldingAppointment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	chairID := uuid.New()

	if _, err := f.svc.CheckIn(ctx, f.actor, f.aptID, ""); err != nil {
		t.Fatalf("CheckIn: %v", err)
	}
	if _, err := f.svc.Call(ctx, f.actor, f.aptID, nil, ""); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if _, err := f.svc.Seat(ctx, f.actor, f.aptID, chairID, ""); err != nil {
		t.Fatalf("Seat: %v", err)
	}

	// Re-seating from in_chair is not a legal stage move, but the chair
	// claim itself must not be what fails.
	_, err := f.svc.Seat(ctx, f.actor, f.aptID, chairID, "")
	if !errors.Is(err, flow.ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
}

func TestRevertFromChairReleasesIt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	chairID := uuid.New()

	if _, err := f.svc.CheckIn(ctx, f.actor, f.aptID, ""); err != nil {
		t.Fatalf("CheckIn: %v", err)
	}
	if _, err := f.svc.Call(ctx, f.actor, f.aptID, nil, ""); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if _, err := f.svc.Seat(ctx, f.actor, f.aptID, chairID, ""); err != nil {
		t.Fatalf("Seat: %v", err)
	}

	f.advanceClock(3 * time.Minute)
	revertAt := f.clock
	fs, err := f.svc.Revert(ctx, f.actor, f.aptID, flow.StageWaiting, "patient needed a break")
	if err != nil {
		t.Fatalf("Revert: %v", err)
	}
	if fs.Stage != flow.StageWaiting {
		t.Errorf("stage = %s, want waiting", fs.Stage)
	}
	if fs.SeatedAt != nil || fs.CalledAt != nil {
		t.Errorf("seated_at = %v, called_at = %v, want both cleared", fs.SeatedAt, fs.CalledAt)
	}
	if fs.ChairID != nil {
		t.Errorf("chair_id = %v, want cleared", fs.ChairID)
	}
	if fs.CurrentWaitStartedAt == nil || !fs.CurrentWaitStartedAt.Equal(revertAt) {
		t.Errorf("current_wait_started_at = %v, want reset to %v", fs.CurrentWaitStartedAt, revertAt)
	}

	occ, _ := f.chairs.GetByChair(ctx, f.clinicID, chairID)
	if occ != nil && occ.Status != occupancy.StatusAvailable {
		t.Errorf("chair status = %s, want available after revert", occ.Status)
	}
}

func TestCallRevertCallRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.CheckIn(ctx, f.actor, f.aptID, ""); err != nil {
		t.Fatalf("CheckIn: %v", err)
	}
	if _, err := f.svc.MoveToWaiting(ctx, f.actor, f.aptID, ""); err != nil {
		t.Fatalf("MoveToWaiting: %v", err)
	}

	f.advanceClock(time.Minute)
	if _, err := f.svc.Call(ctx, f.actor, f.aptID, nil, ""); err != nil {
		t.Fatalf("Call: %v", err)
	}
	f.advanceClock(time.Minute)
	if _, err := f.svc.Revert(ctx, f.actor, f.aptID, flow.StageWaiting, ""); err != nil {
		t.Fatalf("Revert: %v", err)
	}
	f.advanceClock(time.Minute)
	if _, err := f.svc.Call(ctx, f.actor, f.aptID, nil, ""); err != nil {
		t.Fatalf("second Call: %v", err)
	}

	rows, err := f.svc.GetHistory(ctx, f.actor, f.aptID)
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	wantStages := []flow.Stage{flow.StageCheckedIn, flow.StageWaiting, flow.StageCalled, flow.StageWaiting, flow.StageCalled}
	if len(rows) != len(wantStages) {
		t.Fatalf("ledger rows = %d, want %d", len(rows), len(wantStages))
	}
	for i, h := range rows {
		if h.Stage != wantStages[i] {
			t.Errorf("interval %d stage = %s, want %s", i, h.Stage, wantStages[i])
		}
		wantOpen := i == len(rows)-1
		if h.IsOpen() != wantOpen {
			t.Errorf("interval %d (%s) open = %v, want %v", i, h.Stage, h.IsOpen(), wantOpen)
		}
	}
}

func TestConcurrentCallRetriesThenFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.CheckIn(ctx, f.actor, f.aptID, ""); err != nil {
		t.Fatalf("CheckIn: %v", err)
	}
	if _, err := f.svc.MoveToWaiting(ctx, f.actor, f.aptID, ""); err != nil {
		t.Fatalf("MoveToWaiting: %v", err)
	}

	// Simulate a rival request winning the race: between this request's
	// read (stage waiting) and its write, the stored stage flips to
	// called. The conditional write reports the conflict; the retry
	// re-reads, sees called, and a called → called move is illegal.
	f.flows.interceptTransition = func(r *fakeFlowRepo) error {
		for _, s := range r.states {
			if s.AppointmentID == f.aptID {
				now := f.clock
				s.Stage = flow.StageCalled
				s.CalledAt = &now
				s.CurrentWaitStartedAt = nil
			}
		}
		return nil
	}

	_, err := f.svc.Call(ctx, f.actor, f.aptID, nil, "")
	if !errors.Is(err, flow.ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition after the retry observes called", err)
	}

	fs, _ := f.svc.GetState(ctx, f.actor, f.aptID)
	if fs.Stage != flow.StageCalled {
		t.Errorf("stage = %s, want called (the winner's write stands)", fs.Stage)
	}
}

func TestRevertIllegalEdge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.CheckIn(ctx, f.actor, f.aptID, ""); err != nil {
		t.Fatalf("CheckIn: %v", err)
	}

	_, err := f.svc.Revert(ctx, f.actor, f.aptID, flow.StageInChair, "")
	if !errors.Is(err, flow.ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
}

func TestRevertReopensCheckedOutVisit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	chairID := uuid.New()

	// Drive a visit all the way through to check-out.
	if _, err := f.svc.CheckIn(ctx, f.actor, f.aptID, ""); err != nil {
		t.Fatalf("CheckIn: %v", err)
	}
	if _, err := f.svc.Call(ctx, f.actor, f.aptID, nil, ""); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if _, err := f.svc.Seat(ctx, f.actor, f.aptID, chairID, ""); err != nil {
		t.Fatalf("Seat: %v", err)
	}
	if _, err := f.svc.Complete(ctx, f.actor, f.aptID, ""); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if _, err := f.svc.CheckOut(ctx, f.actor, f.aptID, ""); err != nil {
		t.Fatalf("CheckOut: %v", err)
	}

	// Undoing an accidental check-out must still reach the terminal
	// state, even though it no longer counts as active.
	f.advanceClock(time.Minute)
	undoAt := f.clock
	fs, err := f.svc.Revert(ctx, f.actor, f.aptID, flow.StageCompleted, "checked out the wrong patient")
	if err != nil {
		t.Fatalf("Revert: %v", err)
	}
	if fs.Stage != flow.StageCompleted {
		t.Errorf("stage = %s, want completed", fs.Stage)
	}
	if fs.CheckedOutAt != nil {
		t.Errorf("checked_out_at = %v, want cleared", fs.CheckedOutAt)
	}
	if fs.CurrentWaitStartedAt == nil || !fs.CurrentWaitStartedAt.Equal(undoAt) {
		t.Errorf("current_wait_started_at = %v, want reset to %v", fs.CurrentWaitStartedAt, undoAt)
	}

	// The visit is active again.
	got, err := f.svc.GetState(ctx, f.actor, f.aptID)
	if err != nil {
		t.Fatalf("GetState after undo: %v", err)
	}
	if got.Stage != flow.StageCompleted {
		t.Errorf("active stage = %s, want completed", got.Stage)
	}

	// Ledger: the checked_out interval closed and a fresh completed one
	// opened.
	rows, err := f.svc.GetHistory(ctx, f.actor, f.aptID)
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	if len(rows) < 2 {
		t.Fatalf("ledger rows = %d, want at least 2", len(rows))
	}
	last := rows[len(rows)-1]
	if last.Stage != flow.StageCompleted || !last.IsOpen() {
		t.Errorf("latest interval = %s open=%v, want open completed", last.Stage, last.IsOpen())
	}
	prev := rows[len(rows)-2]
	if prev.Stage != flow.StageCheckedOut || prev.IsOpen() {
		t.Errorf("previous interval = %s open=%v, want closed checked_out", prev.Stage, prev.IsOpen())
	}
}

func TestWaitObservedOnlyOnSuccessfulCall(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	blocked := uuid.New()

	staffID, _ := f.actor.Staff()
	if _, err := f.chairs.Block(ctx, f.clinicID, blocked, occupancy.StatusBlocked, "water line leak", nil, staffID); err != nil {
		t.Fatalf("Block: %v", err)
	}
	if _, err := f.svc.CheckIn(ctx, f.actor, f.aptID, ""); err != nil {
		t.Fatalf("CheckIn: %v", err)
	}

	before := histogramCount(t, testCollector.WaitDurationSeconds)

	f.advanceClock(4 * time.Minute)
	if _, err := f.svc.Call(ctx, f.actor, f.aptID, &blocked, ""); err == nil {
		t.Fatal("calling to a blocked chair should fail")
	}
	if got := histogramCount(t, testCollector.WaitDurationSeconds); got != before {
		t.Errorf("wait observations = %d after failed call, want %d", got, before)
	}

	if _, err := f.svc.Call(ctx, f.actor, f.aptID, nil, ""); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if got := histogramCount(t, testCollector.WaitDurationSeconds); got != before+1 {
		t.Errorf("wait observations = %d after successful call, want %d", got, before+1)
	}
}

func TestStageDurationObservedWhenIntervalCloses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	waiting := testCollector.StageDurationSeconds.
		WithLabelValues(string(flow.StageWaiting)).(prometheus.Metric)
	before := histogramCount(t, waiting)

	if _, err := f.svc.CheckIn(ctx, f.actor, f.aptID, ""); err != nil {
		t.Fatalf("CheckIn: %v", err)
	}
	if _, err := f.svc.MoveToWaiting(ctx, f.actor, f.aptID, ""); err != nil {
		t.Fatalf("MoveToWaiting: %v", err)
	}

	// Still in waiting; nothing closed yet.
	if got := histogramCount(t, waiting); got != before {
		t.Errorf("waiting observations = %d before the interval closed, want %d", got, before)
	}

	f.advanceClock(7 * time.Minute)
	if _, err := f.svc.Call(ctx, f.actor, f.aptID, nil, ""); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if got := histogramCount(t, waiting); got != before+1 {
		t.Errorf("waiting observations = %d after the interval closed, want %d", got, before+1)
	}
}

func TestGetStateUnknownAppointment(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.GetState(context.Background(), f.actor, uuid.New())
	if !errors.Is(err, flow.ErrFlowStateNotFound) {
		t.Fatalf("err = %v, want ErrFlowStateNotFound", err)
	}
}
