package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/careops/clinicflow/internal/domain/flow"
)

type FlowHistoryRepository struct {
	db *gorm.DB
}

func NewFlowHistoryRepository(db *gorm.DB) *FlowHistoryRepository {
	return &FlowHistoryRepository{db: db}
}

func (r *FlowHistoryRepository) OpenInterval(ctx context.Context, h *flow.FlowStageHistory) error {
	if err := handle(ctx, r.db).Create(h).Error; err != nil {
		return fmt.Errorf("opening history interval: %w", err)
	}
	return nil
}

func (r *FlowHistoryRepository) CloseOpenInterval(ctx context.Context, clinicID, flowStateID uuid.UUID, stage flow.Stage, exitedAt time.Time) (bool, int64, error) {
	h := handle(ctx, r.db)

	var open flow.FlowStageHistory
	err := h.Where("clinic_id = ? AND flow_state_id = ? AND stage = ? AND exited_at IS NULL", clinicID, flowStateID, stage).
		First(&open).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, 0, nil
		}
		return false, 0, fmt.Errorf("finding open interval: %w", err)
	}

	duration := flow.IntervalSeconds(open.EnteredAt, exitedAt)
	res := h.Model(&flow.FlowStageHistory{}).
		Where("id = ? AND exited_at IS NULL", open.ID).
		Updates(map[string]any{
			"exited_at":        exitedAt,
			"duration_seconds": duration,
		})
	if res.Error != nil {
		return false, 0, fmt.Errorf("closing interval: %w", res.Error)
	}
	return res.RowsAffected > 0, duration, nil
}

func (r *FlowHistoryRepository) ListByFlowState(ctx context.Context, clinicID, flowStateID uuid.UUID) ([]*flow.FlowStageHistory, error) {
	var rows []*flow.FlowStageHistory
	err := handle(ctx, r.db).
		Where("clinic_id = ? AND flow_state_id = ?", clinicID, flowStateID).
		Order("entered_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("listing history: %w", err)
	}
	return rows, nil
}
