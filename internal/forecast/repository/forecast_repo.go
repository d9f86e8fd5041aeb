package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bitfantasy/nimo-sfp/internal/forecast/entity"
	"gorm.io/gorm"
)

// ForecastRepository 预测单仓库
type ForecastRepository struct {
	db *gorm.DB
}

func NewForecastRepository(db *gorm.DB) *ForecastRepository {
	return &ForecastRepository{db: db}
}

// FindByID 根据ID查找预测单（含行项目）
func (r *ForecastRepository) FindByID(ctx context.Context, id string) (*entity.Forecast, error) {
	var forecast entity.Forecast
	err := r.db.WithContext(ctx).
		Preload("Lines", func(db *gorm.DB) *gorm.DB {
			return db.Order("month_index ASC")
		}).
		Where("id = ?", id).
		First(&forecast).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &forecast, nil
}

// FindCurrent 查找指定组合键的当前版本
func (r *ForecastRepository) FindCurrent(ctx context.Context, cycleID, salesRepID, customerID, productID string) (*entity.Forecast, error) {
	var forecast entity.Forecast
	err := r.db.WithContext(ctx).
		Preload("Lines", func(db *gorm.DB) *gorm.DB {
			return db.Order("month_index ASC")
		}).
		Where("cycle_id = ? AND sales_rep_id = ? AND customer_id = ? AND product_id = ? AND is_current = ?",
			cycleID, salesRepID, customerID, productID, true).
		First(&forecast).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &forecast, nil
}

// FindAllCurrent 查询周期内当前版本列表
func (r *ForecastRepository) FindAllCurrent(ctx context.Context, cycleID string, page, pageSize int, filters map[string]string) ([]entity.Forecast, int64, error) {
	var items []entity.Forecast
	var total int64

	query := r.db.WithContext(ctx).
		Model(&entity.Forecast{}).
		Where("cycle_id = ? AND is_current = ?", cycleID, true)

	if repID := filters["sales_rep_id"]; repID != "" {
		query = query.Where("sales_rep_id = ?", repID)
	}
	if status := filters["status"]; status != "" {
		query = query.Where("status = ?", status)
	}
	if customerID := filters["customer_id"]; customerID != "" {
		query = query.Where("customer_id = ?", customerID)
	}

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	offset := (page - 1) * pageSize
	err := query.
		Preload("Lines", func(db *gorm.DB) *gorm.DB {
			return db.Order("month_index ASC")
		}).
		Order("customer_id ASC, product_id ASC").
		Offset(offset).
		Limit(pageSize).
		Find(&items).Error

	return items, total, err
}

// ListCurrentByRep 查询某销售在周期内的全部当前版本
func (r *ForecastRepository) ListCurrentByRep(ctx context.Context, cycleID, salesRepID string) ([]entity.Forecast, error) {
	var items []entity.Forecast
	err := r.db.WithContext(ctx).
		Preload("Lines", func(db *gorm.DB) *gorm.DB {
			return db.Order("month_index ASC")
		}).
		Where("cycle_id = ? AND sales_rep_id = ? AND is_current = ?", cycleID, salesRepID, true).
		Order("customer_id ASC, product_id ASC").
		Find(&items).Error
	return items, err
}

// ListVersions 按组合键查询全部历史版本，版本号倒序
func (r *ForecastRepository) ListVersions(ctx context.Context, cycleID, salesRepID, customerID, productID string) ([]entity.Forecast, error) {
	var items []entity.Forecast
	err := r.db.WithContext(ctx).
		Preload("Lines", func(db *gorm.DB) *gorm.DB {
			return db.Order("month_index ASC")
		}).
		Where("cycle_id = ? AND sales_rep_id = ? AND customer_id = ? AND product_id = ?",
			cycleID, salesRepID, customerID, productID).
		Order("version DESC").
		Find(&items).Error
	return items, err
}

// CreateInitial 创建版本1
// 当前版本的部分唯一索引保证同一组合键并发创建只有一个成功
func (r *ForecastRepository) CreateInitial(ctx context.Context, forecast *entity.Forecast) error {
	err := r.db.WithContext(ctx).Create(forecast).Error
	if err != nil && isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

// CreateNextVersion 在同一事务内退位旧版本并写入新版本
// 退位是条件更新：要求旧版本仍是当前版且版本号等于调用方读到的值，
// 且所属周期仍为open。两个并发写入者中后到的一方必然未命中，返回ErrStaleVersion
func (r *ForecastRepository) CreateNextVersion(ctx context.Context, next *entity.Forecast, prevID string, prevVersion int) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&entity.Forecast{}).
			Where("id = ? AND is_current = ? AND version = ?", prevID, true, prevVersion).
			Where("EXISTS (SELECT 1 FROM forecast_cycles c WHERE c.id = forecasts.cycle_id AND c.status = ?)",
				entity.CycleStatusOpen).
			Updates(map[string]interface{}{
				"is_current": false,
				"updated_at": time.Now(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrStaleVersion
		}
		if err := tx.Create(next).Error; err != nil {
			if isUniqueViolation(err) {
				return ErrStaleVersion
			}
			return err
		}
		return nil
	})
}

// MarkSubmitted 条件更新草稿为已提交
// WHERE同时要求预测仍是draft当前版、所属周期仍为open，
// 周期关闭与提交的竞争由这里的条件写裁决，不加显式锁
func (r *ForecastRepository) MarkSubmitted(ctx context.Context, id string, at time.Time) error {
	res := r.db.WithContext(ctx).
		Model(&entity.Forecast{}).
		Where("id = ? AND status = ? AND is_current = ?", id, entity.ForecastStatusDraft, true).
		Where("EXISTS (SELECT 1 FROM forecast_cycles c WHERE c.id = forecasts.cycle_id AND c.status = ?)",
			entity.CycleStatusOpen).
		Updates(map[string]interface{}{
			"status":       entity.ForecastStatusSubmitted,
			"submitted_at": at,
			"updated_at":   at,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStaleVersion
	}
	return nil
}

// MarkReviewed 条件更新已提交为通过/驳回
// 审批不依赖周期状态，周期关闭后仍可审批
func (r *ForecastRepository) MarkReviewed(ctx context.Context, id, target, reviewerID, comment string, at time.Time) error {
	res := r.db.WithContext(ctx).
		Model(&entity.Forecast{}).
		Where("id = ? AND status = ? AND is_current = ?", id, entity.ForecastStatusSubmitted, true).
		Updates(map[string]interface{}{
			"status":         target,
			"reviewed_by":    reviewerID,
			"reviewed_at":    at,
			"review_comment": comment,
			"updated_at":     at,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStaleVersion
	}
	return nil
}

// RepCompletion 按销售归集的完成情况
type RepCompletion struct {
	SalesRepID string `json:"sales_rep_id"`
	Assigned   int64  `json:"assigned"`
	Submitted  int64  `json:"submitted"`
	Pending    int64  `json:"pending"`
}

// CompletionByRep 按销售统计当前版本的提交进度
// 直接从当前行聚合，不维护单独的计数器，避免统计漂移
func (r *ForecastRepository) CompletionByRep(ctx context.Context, cycleID string) ([]RepCompletion, error) {
	var rows []RepCompletion
	err := r.db.WithContext(ctx).
		Model(&entity.Forecast{}).
		Select(`sales_rep_id,
			COUNT(*) AS assigned,
			COUNT(*) FILTER (WHERE status IN ?) AS submitted,
			COUNT(*) FILTER (WHERE status NOT IN ?) AS pending`,
			[]string{entity.ForecastStatusSubmitted, entity.ForecastStatusApproved},
			[]string{entity.ForecastStatusSubmitted, entity.ForecastStatusApproved}).
		Where("cycle_id = ? AND is_current = ?", cycleID, true).
		Group("sales_rep_id").
		Order("sales_rep_id ASC").
		Scan(&rows).Error
	return rows, err
}

// SumCurrentRevenue 周期内当前版本的总预测金额
func (r *ForecastRepository) SumCurrentRevenue(ctx context.Context, cycleID string) (float64, error) {
	var total float64
	err := r.db.WithContext(ctx).
		Model(&entity.Forecast{}).
		Select("COALESCE(SUM(total_revenue), 0)").
		Where("cycle_id = ? AND is_current = ?", cycleID, true).
		Scan(&total).Error
	return total, err
}

// RepOutstanding 销售的未提交预测数
type RepOutstanding struct {
	SalesRepID  string `json:"sales_rep_id"`
	Outstanding int64  `json:"outstanding"`
}

// ListRepsWithOutstanding 查询周期内仍有未提交预测的销售
func (r *ForecastRepository) ListRepsWithOutstanding(ctx context.Context, cycleID string) ([]RepOutstanding, error) {
	var rows []RepOutstanding
	err := r.db.WithContext(ctx).
		Model(&entity.Forecast{}).
		Select("sales_rep_id, COUNT(*) AS outstanding").
		Where("cycle_id = ? AND is_current = ? AND status IN ?",
			cycleID, true, []string{entity.ForecastStatusDraft, entity.ForecastStatusRejected}).
		Group("sales_rep_id").
		Order("sales_rep_id ASC").
		Scan(&rows).Error
	return rows, err
}
