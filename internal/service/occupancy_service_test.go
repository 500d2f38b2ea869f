package service

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/careops/clinicflow/internal/domain/occupancy"
)

func newOccupancyFixture() (*OccupancyService, *fakeChairRepo, Actor) {
	chairs := newFakeChairRepo()
	svc := NewOccupancyService(chairs, nil, nil, zap.NewNop())
	staffID := uuid.New()
	actor := Actor{
		UserID:   uuid.New(),
		StaffID:  &staffID,
		Role:     "nurse",
		ClinicID: uuid.New(),
	}
	return svc, chairs, actor
}

func TestBlockRejectsNonBlockingStatus(t *testing.T) {
	svc, _, actor := newOccupancyFixture()

	_, err := svc.Block(context.Background(), actor, uuid.New(), occupancy.StatusOccupied, "", nil)
	if !errors.Is(err, occupancy.ErrInvalidStatus) {
		t.Fatalf("err = %v, want ErrInvalidStatus", err)
	}
}

func TestBlockAndUnblock(t *testing.T) {
	svc, chairs, actor := newOccupancyFixture()
	ctx := context.Background()
	chairID := uuid.New()

	occ, err := svc.Block(ctx, actor, chairID, occupancy.StatusMaintenance, "annual service", nil)
	if err != nil {
		t.Fatalf("Block: %v", err)
	}
	if occ.Status != occupancy.StatusMaintenance || occ.BlockReason != "annual service" {
		t.Errorf("blocked chair = %+v", occ)
	}

	if err := svc.Unblock(ctx, actor, chairID); err != nil {
		t.Fatalf("Unblock: %v", err)
	}
	got, _ := chairs.GetByChair(ctx, actor.ClinicID, chairID)
	if !got.IsFree() {
		t.Errorf("chair status = %s, want available", got.Status)
	}
}

func TestBlockRefusesOccupiedChair(t *testing.T) {
	svc, chairs, actor := newOccupancyFixture()
	ctx := context.Background()
	chairID := uuid.New()

	if _, err := chairs.TryOccupy(ctx, actor.ClinicID, chairID, uuid.New(), uuid.New(), uuid.New()); err != nil {
		t.Fatalf("TryOccupy: %v", err)
	}

	_, err := svc.Block(ctx, actor, chairID, occupancy.StatusBlocked, "leak", nil)
	if !errors.Is(err, occupancy.ErrChairUnavailable) {
		t.Fatalf("err = %v, want ErrChairUnavailable", err)
	}
}

func TestUnblockNotBlocked(t *testing.T) {
	svc, _, actor := newOccupancyFixture()

	err := svc.Unblock(context.Background(), actor, uuid.New())
	if !errors.Is(err, occupancy.ErrNotBlocked) {
		t.Fatalf("err = %v, want ErrNotBlocked", err)
	}
}

func TestCleaningWorkflowFreesChair(t *testing.T) {
	svc, chairs, actor := newOccupancyFixture()
	ctx := context.Background()
	chairID := uuid.New()

	occ, err := svc.StartCleaning(ctx, actor, chairID)
	if err != nil {
		t.Fatalf("StartCleaning: %v", err)
	}
	if occ.Status != occupancy.StatusCleaning {
		t.Errorf("status = %s, want cleaning", occ.Status)
	}

	if err := svc.FinishCleaning(ctx, actor, chairID); err != nil {
		t.Fatalf("FinishCleaning: %v", err)
	}
	got, _ := chairs.GetByChair(ctx, actor.ClinicID, chairID)
	if !got.IsFree() {
		t.Errorf("status = %s, want available after cleaning", got.Status)
	}
}

func TestSetSubStageValidation(t *testing.T) {
	svc, _, actor := newOccupancyFixture()

	err := svc.SetSubStage(context.Background(), actor, uuid.New(), occupancy.SubStage("polishing"))
	if !errors.Is(err, occupancy.ErrInvalidSubStage) {
		t.Fatalf("err = %v, want ErrInvalidSubStage", err)
	}
}

func TestOccupancyActionsRequireStaff(t *testing.T) {
	svc, _, actor := newOccupancyFixture()
	actor.StaffID = nil
	ctx := context.Background()

	if _, err := svc.Block(ctx, actor, uuid.New(), occupancy.StatusBlocked, "", nil); !errors.Is(err, ErrActorNotStaff) {
		t.Errorf("Block err = %v, want ErrActorNotStaff", err)
	}
	if err := svc.FinishCleaning(ctx, actor, uuid.New()); !errors.Is(err, ErrActorNotStaff) {
		t.Errorf("FinishCleaning err = %v, want ErrActorNotStaff", err)
	}
}
