package sqlite

import (
	"context"

	"tradecore/internal/store"
	"tradecore/internal/store/model"

	"gorm.io/gorm"
)

const signalBatchSize = 200

type signalRepo struct {
	db *gorm.DB
}

func NewSignalRepo(db *gorm.DB) *signalRepo {
	return &signalRepo{db: db}
}

func (r *signalRepo) InsertBatch(ctx context.Context, rows []model.SignalDecisionModel) error {
	if len(rows) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).CreateInBatches(rows, signalBatchSize).Error
}

func (r *signalRepo) List(ctx context.Context, filter store.SignalFilter) ([]model.SignalDecisionModel, error) {
	var rows []model.SignalDecisionModel
	q := r.db.WithContext(ctx).Model(&model.SignalDecisionModel{})
	if filter.RunID != "" {
		q = q.Where("run_id = ?", filter.RunID)
	}
	if filter.Symbol != "" {
		q = q.Where("symbol = ?", filter.Symbol)
	}
	if filter.AcceptedOnly {
		q = q.Where("accepted = ?", true)
	}
	q = q.Order("at ASC").Order("id ASC")
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *signalRepo) CountByReason(ctx context.Context, runID string) (map[string]int, error) {
	var groups []struct {
		Reason string
		Total  int
	}
	err := r.db.WithContext(ctx).Model(&model.SignalDecisionModel{}).
		Select("reason, COUNT(*) AS total").
		Where("run_id = ? AND accepted = ?", runID, false).
		Group("reason").
		Scan(&groups).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]int, len(groups))
	for _, g := range groups {
		out[g.Reason] = g.Total
	}
	return out, nil
}
