package repository

import (
	"context"
	"time"

	"github.com/bitfantasy/nimo-sfp/internal/forecast/entity"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// TrackingRepository 提交跟踪仓库
type TrackingRepository struct {
	db *gorm.DB
}

func NewTrackingRepository(db *gorm.DB) *TrackingRepository {
	return &TrackingRepository{db: db}
}

// Ensure 确保(cycle, rep)的跟踪记录存在
// 并发安全：唯一索引冲突时什么也不做
func (r *TrackingRepository) Ensure(ctx context.Context, cycleID, salesRepID string) error {
	now := time.Now()
	tracking := &entity.SubmissionTracking{
		ID:         uuid.New().String()[:32],
		CycleID:    cycleID,
		SalesRepID: salesRepID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "cycle_id"}, {Name: "sales_rep_id"}},
			DoNothing: true,
		}).
		Create(tracking).Error
}

// ClaimReminder 认领当日提醒
// 条件更新：仅当从未提醒过或上次提醒早于dayStart时写入新时间戳。
// 返回true表示本次调用抢到了发送权，同一天内的重复执行返回false，
// 提醒任务据此保证每人每天至多一条通知
func (r *TrackingRepository) ClaimReminder(ctx context.Context, cycleID, salesRepID string, now, dayStart time.Time) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&entity.SubmissionTracking{}).
		Where("cycle_id = ? AND sales_rep_id = ?", cycleID, salesRepID).
		Where("last_reminded_at IS NULL OR last_reminded_at < ?", dayStart).
		Updates(map[string]interface{}{
			"last_reminded_at": now,
			"updated_at":       now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// FindByCycleAndRep 查找跟踪记录
func (r *TrackingRepository) FindByCycleAndRep(ctx context.Context, cycleID, salesRepID string) (*entity.SubmissionTracking, error) {
	var tracking entity.SubmissionTracking
	err := r.db.WithContext(ctx).
		Where("cycle_id = ? AND sales_rep_id = ?", cycleID, salesRepID).
		First(&tracking).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &tracking, nil
}
