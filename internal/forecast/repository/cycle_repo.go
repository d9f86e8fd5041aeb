package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bitfantasy/nimo-sfp/internal/forecast/entity"
	"gorm.io/gorm"
)

// CycleRepository 预测周期仓库
type CycleRepository struct {
	db *gorm.DB
}

func NewCycleRepository(db *gorm.DB) *CycleRepository {
	return &CycleRepository{db: db}
}

// Create 创建周期
// (year, month)唯一约束冲突返回ErrDuplicate
func (r *CycleRepository) Create(ctx context.Context, cycle *entity.ForecastCycle) error {
	err := r.db.WithContext(ctx).Create(cycle).Error
	if err != nil && isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

// FindByID 根据ID查找周期
func (r *CycleRepository) FindByID(ctx context.Context, id string) (*entity.ForecastCycle, error) {
	var cycle entity.ForecastCycle
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&cycle).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &cycle, nil
}

// FindActive 查找当前open状态的周期，不存在返回ErrNotFound
// 最多一个open周期由写入时的条件更新和部分唯一索引保证，读取无需去重
func (r *CycleRepository) FindActive(ctx context.Context) (*entity.ForecastCycle, error) {
	var cycle entity.ForecastCycle
	err := r.db.WithContext(ctx).
		Where("status = ?", entity.CycleStatusOpen).
		First(&cycle).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &cycle, nil
}

// FindAll 查询周期列表
func (r *CycleRepository) FindAll(ctx context.Context, page, pageSize int, filters map[string]string) ([]entity.ForecastCycle, int64, error) {
	var items []entity.ForecastCycle
	var total int64

	query := r.db.WithContext(ctx).Model(&entity.ForecastCycle{})

	if status := filters["status"]; status != "" {
		query = query.Where("status = ?", status)
	}
	if year := filters["year"]; year != "" {
		query = query.Where("year = ?", year)
	}

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	offset := (page - 1) * pageSize
	err := query.
		Order("year DESC, month DESC").
		Offset(offset).
		Limit(pageSize).
		Find(&items).Error

	return items, total, err
}

// ListOverdueOpen 查找已过结束时间且允许自动关闭的open周期
func (r *CycleRepository) ListOverdueOpen(ctx context.Context, now time.Time) ([]entity.ForecastCycle, error) {
	var cycles []entity.ForecastCycle
	err := r.db.WithContext(ctx).
		Where("status = ? AND auto_close = ? AND end_date < ?", entity.CycleStatusOpen, true, now).
		Find(&cycles).Error
	return cycles, err
}

// ListOpenEndingWithin 查找结束时间落在提醒窗口内的open周期
func (r *CycleRepository) ListOpenEndingWithin(ctx context.Context, now time.Time, window time.Duration) ([]entity.ForecastCycle, error) {
	var cycles []entity.ForecastCycle
	err := r.db.WithContext(ctx).
		Where("status = ? AND end_date <= ?", entity.CycleStatusOpen, now.Add(window)).
		Find(&cycles).Error
	return cycles, err
}

// TransitionStatus 条件更新周期状态
// WHERE带上期望的当前状态，未命中说明状态已被并发推进，返回ErrStaleVersion
func (r *CycleRepository) TransitionStatus(ctx context.Context, id, from, to string, updates map[string]interface{}) error {
	if updates == nil {
		updates = map[string]interface{}{}
	}
	updates["status"] = to
	updates["updated_at"] = time.Now()

	res := r.db.WithContext(ctx).
		Model(&entity.ForecastCycle{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if res.Error != nil {
		if isUniqueViolation(res.Error) {
			// open周期的部分唯一索引兜底：并发开启时只有一个成功
			return ErrDuplicate
		}
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStaleVersion
	}
	return nil
}

// HasOpenCycle 是否存在open状态的周期（可排除指定ID）
func (r *CycleRepository) HasOpenCycle(ctx context.Context, excludeID string) (bool, error) {
	var count int64
	query := r.db.WithContext(ctx).
		Model(&entity.ForecastCycle{}).
		Where("status = ?", entity.CycleStatusOpen)
	if excludeID != "" {
		query = query.Where("id <> ?", excludeID)
	}
	if err := query.Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// isUniqueViolation 识别PostgreSQL唯一约束冲突(23505)
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLSTATE 23505") || strings.Contains(msg, "duplicate key value")
}
