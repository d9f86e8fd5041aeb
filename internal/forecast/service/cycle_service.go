package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bitfantasy/nimo-sfp/internal/config"
	"github.com/bitfantasy/nimo-sfp/internal/forecast/entity"
	"github.com/bitfantasy/nimo-sfp/internal/forecast/repository"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CycleService 预测周期服务
type CycleService struct {
	cycleRepo    *repository.CycleRepository
	forecastRepo *repository.ForecastRepository
	trackingRepo *repository.TrackingRepository
	assignments  AssignmentSource
	prices       PriceSource
	audit        AuditSink
	cfg          *config.Config
	logger       *zap.Logger
}

// NewCycleService 创建周期服务
func NewCycleService(
	cycleRepo *repository.CycleRepository,
	forecastRepo *repository.ForecastRepository,
	trackingRepo *repository.TrackingRepository,
	assignments AssignmentSource,
	prices PriceSource,
	audit AuditSink,
	cfg *config.Config,
	logger *zap.Logger,
) *CycleService {
	return &CycleService{
		cycleRepo:    cycleRepo,
		forecastRepo: forecastRepo,
		trackingRepo: trackingRepo,
		assignments:  assignments,
		prices:       prices,
		audit:        audit,
		cfg:          cfg,
		logger:       logger,
	}
}

// CreateCycleRequest 创建周期请求
type CreateCycleRequest struct {
	Name      string    `json:"name"`
	Year      int       `json:"year" binding:"required"`
	Month     int       `json:"month" binding:"required"`
	StartDate time.Time `json:"start_date" binding:"required"`
	EndDate   time.Time `json:"end_date" binding:"required"`
	AutoClose *bool     `json:"auto_close"`
}

// Create 创建周期（draft状态）
// (year, month)重复返回ConflictError
func (s *CycleService) Create(ctx context.Context, userID string, req *CreateCycleRequest) (*entity.ForecastCycle, error) {
	var violations []string
	if req.Month < 1 || req.Month > 12 {
		violations = append(violations, fmt.Sprintf("month must be 1-12, got %d", req.Month))
	}
	if !req.EndDate.After(req.StartDate) {
		violations = append(violations, "end_date must be after start_date")
	}
	if len(violations) > 0 {
		return nil, &ValidationError{Violations: violations}
	}

	name := req.Name
	if name == "" {
		name = fmt.Sprintf("%04d-%02d预测周期", req.Year, req.Month)
	}
	autoClose := true
	if req.AutoClose != nil {
		autoClose = *req.AutoClose
	}

	now := time.Now()
	cycle := &entity.ForecastCycle{
		ID:        uuid.New().String()[:32],
		Name:      name,
		Year:      req.Year,
		Month:     req.Month,
		StartDate: req.StartDate,
		EndDate:   req.EndDate,
		Status:    entity.CycleStatusDraft,
		AutoClose: autoClose,
		CreatedBy: userID,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.cycleRepo.Create(ctx, cycle); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, &ConflictError{Reason: fmt.Sprintf("cycle for %04d-%02d already exists", req.Year, req.Month)}
		}
		return nil, fmt.Errorf("create cycle: %w", err)
	}

	s.audit.Record(ctx, "cycle", cycle.ID, entity.AuditActionCycleCreated, userID, map[string]interface{}{
		"name":  cycle.Name,
		"year":  cycle.Year,
		"month": cycle.Month,
	})

	return cycle, nil
}

// Get 获取周期详情
func (s *CycleService) Get(ctx context.Context, id string) (*entity.ForecastCycle, error) {
	cycle, err := s.cycleRepo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, &NotFoundError{Resource: "cycle"}
		}
		return nil, fmt.Errorf("find cycle: %w", err)
	}
	return cycle, nil
}

// GetActive 获取当前open周期，不存在时返回nil
func (s *CycleService) GetActive(ctx context.Context) (*entity.ForecastCycle, error) {
	cycle, err := s.cycleRepo.FindActive(ctx)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("find active cycle: %w", err)
	}
	return cycle, nil
}

// List 查询周期列表
func (s *CycleService) List(ctx context.Context, page, pageSize int, filters map[string]string) ([]entity.ForecastCycle, int64, error) {
	return s.cycleRepo.FindAll(ctx, page, pageSize, filters)
}

// Transition 推进周期状态
// 唯一的状态推进入口：手工关闭和自动关闭都走这里，约束只检查一次
func (s *CycleService) Transition(ctx context.Context, id, target, actorID string) (*entity.ForecastCycle, error) {
	cycle, err := s.cycleRepo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, &NotFoundError{Resource: "cycle"}
		}
		return nil, fmt.Errorf("find cycle: %w", err)
	}

	if !entity.CycleTransitionAllowed(cycle.Status, target) {
		return nil, &StateError{Entity: "cycle", Current: cycle.Status, Target: target}
	}

	now := time.Now()
	updates := map[string]interface{}{}

	if target == entity.CycleStatusOpen {
		// 同一时刻最多一个open周期，写入前校验，部分唯一索引兜底并发
		hasOpen, err := s.cycleRepo.HasOpenCycle(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("check open cycle: %w", err)
		}
		if hasOpen {
			return nil, &ConflictError{Reason: "another cycle is already open"}
		}
		updates["opened_at"] = now
	}
	if target == entity.CycleStatusClosed {
		updates["closed_at"] = now
	}

	if err := s.cycleRepo.TransitionStatus(ctx, id, cycle.Status, target, updates); err != nil {
		switch {
		case errors.Is(err, repository.ErrStaleVersion):
			return nil, &ConflictError{Reason: "cycle status changed concurrently"}
		case errors.Is(err, repository.ErrDuplicate):
			return nil, &ConflictError{Reason: "another cycle is already open"}
		}
		return nil, fmt.Errorf("transition cycle: %w", err)
	}

	s.audit.Record(ctx, "cycle", id, entity.AuditActionCycleTransition, actorID, map[string]interface{}{
		"from": cycle.Status,
		"to":   target,
	})

	if target == entity.CycleStatusOpen {
		s.generateForecasts(ctx, cycle)
	}

	return s.cycleRepo.FindByID(ctx, id)
}

// generateForecasts 开启周期时为每个有效的客户×产品×销售组合生成草稿预测
// 单个组合失败只记日志继续，不回滚整批
func (s *CycleService) generateForecasts(ctx context.Context, cycle *entity.ForecastCycle) {
	assignments, err := s.assignments.ListActiveAssignments(ctx)
	if err != nil {
		s.logger.Error("Failed to load assignments for cycle open",
			zap.String("cycle_id", cycle.ID),
			zap.Error(err),
		)
		return
	}

	horizon := s.cfg.Forecast.PlanningHorizon
	labels := entity.MonthLabels(cycle.Year, cycle.Month, horizon)
	created := 0

	for _, a := range assignments {
		forecast, err := s.buildInitialForecast(ctx, cycle.ID, a, labels)
		if err != nil {
			s.logger.Warn("Failed to build initial forecast",
				zap.String("cycle_id", cycle.ID),
				zap.String("sales_rep_id", a.SalesRepID),
				zap.String("customer_id", a.CustomerID),
				zap.String("product_id", a.ProductID),
				zap.Error(err),
			)
			continue
		}
		if err := s.forecastRepo.CreateInitial(ctx, forecast); err != nil {
			if errors.Is(err, repository.ErrDuplicate) {
				continue // 已存在，跳过
			}
			s.logger.Warn("Failed to create initial forecast",
				zap.String("cycle_id", cycle.ID),
				zap.String("sales_rep_id", a.SalesRepID),
				zap.Error(err),
			)
			continue
		}
		if err := s.trackingRepo.Ensure(ctx, cycle.ID, a.SalesRepID); err != nil {
			s.logger.Warn("Failed to ensure submission tracking",
				zap.String("cycle_id", cycle.ID),
				zap.String("sales_rep_id", a.SalesRepID),
				zap.Error(err),
			)
		}
		created++
	}

	s.logger.Info("Generated draft forecasts for cycle",
		zap.String("cycle_id", cycle.ID),
		zap.Int("assignments", len(assignments)),
		zap.Int("created", created),
	)
}

func (s *CycleService) buildInitialForecast(ctx context.Context, cycleID string, a Assignment, labels []string) (*entity.Forecast, error) {
	price, source, err := s.prices.ResolvePrice(ctx, a.CustomerID, a.ProductID, true)
	if err != nil {
		return nil, fmt.Errorf("resolve price: %w", err)
	}

	now := time.Now()
	forecast := &entity.Forecast{
		ID:               uuid.New().String()[:32],
		CycleID:          cycleID,
		SalesRepID:       a.SalesRepID,
		CustomerID:       a.CustomerID,
		ProductID:        a.ProductID,
		Status:           entity.ForecastStatusDraft,
		Version:          1,
		IsCurrent:        true,
		UseCustomerPrice: true,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	for i, label := range labels {
		forecast.Lines = append(forecast.Lines, entity.ForecastLine{
			ID:          uuid.New().String()[:32],
			ForecastID:  forecast.ID,
			MonthIndex:  i + 1,
			MonthLabel:  label,
			UnitPrice:   price,
			PriceSource: source,
		})
	}
	return forecast, nil
}
