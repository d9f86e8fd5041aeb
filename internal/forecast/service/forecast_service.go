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
)

// ForecastService 预测单服务
type ForecastService struct {
	forecastRepo *repository.ForecastRepository
	cycleRepo    *repository.CycleRepository
	prices       PriceSource
	audit        AuditSink
	cfg          *config.Config
}

// NewForecastService 创建预测单服务
func NewForecastService(
	forecastRepo *repository.ForecastRepository,
	cycleRepo *repository.CycleRepository,
	prices PriceSource,
	audit AuditSink,
	cfg *config.Config,
) *ForecastService {
	return &ForecastService{
		forecastRepo: forecastRepo,
		cycleRepo:    cycleRepo,
		prices:       prices,
		audit:        audit,
		cfg:          cfg,
	}
}

// LineInput 月度预测行输入，按月份顺序排列
// UnitPrice为空时按价格表解析，显式给出则作为覆盖价快照
type LineInput struct {
	Quantity  *float64 `json:"quantity"`
	UnitPrice *float64 `json:"unit_price"`
}

// CreateForecastRequest 创建预测单请求
type CreateForecastRequest struct {
	CycleID          string      `json:"cycle_id" binding:"required"`
	CustomerID       string      `json:"customer_id" binding:"required"`
	ProductID        string      `json:"product_id" binding:"required"`
	SalesRepID       string      `json:"sales_rep_id"`
	MonthlyForecasts []LineInput `json:"monthly_forecasts" binding:"required"`
	UseCustomerPrice *bool       `json:"use_customer_price"`
	Notes            string      `json:"notes"`
}

// UpdateForecastRequest 更新预测单请求，产生新版本
// ExpectedVersion是调用方读到的当前版本号，并发编辑的后写方会收到冲突
type UpdateForecastRequest struct {
	MonthlyForecasts []LineInput `json:"monthly_forecasts" binding:"required"`
	ExpectedVersion  int         `json:"expected_version" binding:"required"`
	Notes            *string     `json:"notes"`
}

// Create 创建预测单版本1
// 仅开放周期内允许，销售只能为自己创建，管理员可代建
func (s *ForecastService) Create(ctx context.Context, actorID string, roles []string, req *CreateForecastRequest) (*entity.Forecast, error) {
	cycle, err := s.cycleRepo.FindByID(ctx, req.CycleID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, &NotFoundError{Resource: "cycle"}
		}
		return nil, fmt.Errorf("find cycle: %w", err)
	}
	if cycle.Status != entity.CycleStatusOpen {
		return nil, &StateError{Entity: "cycle", Current: cycle.Status, Target: entity.CycleStatusOpen}
	}

	salesRepID := req.SalesRepID
	if salesRepID == "" {
		salesRepID = actorID
	}
	if salesRepID != actorID && !hasRole(roles, RoleAdmin) {
		return nil, &AuthorizationError{Reason: "forecast can only be created for yourself"}
	}

	horizon := s.cfg.Forecast.PlanningHorizon
	if len(req.MonthlyForecasts) != horizon {
		return nil, &ValidationError{Violations: []string{
			fmt.Sprintf("monthly_forecasts must contain %d lines, got %d", horizon, len(req.MonthlyForecasts)),
		}}
	}

	useCustomerPrice := true
	if req.UseCustomerPrice != nil {
		useCustomerPrice = *req.UseCustomerPrice
	}

	now := time.Now()
	forecast := &entity.Forecast{
		ID:               uuid.New().String()[:32],
		CycleID:          cycle.ID,
		SalesRepID:       salesRepID,
		CustomerID:       req.CustomerID,
		ProductID:        req.ProductID,
		Status:           entity.ForecastStatusDraft,
		Version:          1,
		IsCurrent:        true,
		UseCustomerPrice: useCustomerPrice,
		Notes:            req.Notes,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.fillLines(ctx, forecast, cycle, req.MonthlyForecasts); err != nil {
		return nil, err
	}
	forecast.ComputeTotals()

	if err := s.forecastRepo.CreateInitial(ctx, forecast); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, &ConflictError{Reason: "forecast already exists for this customer and product"}
		}
		return nil, fmt.Errorf("create forecast: %w", err)
	}

	s.audit.Record(ctx, "forecast", forecast.ID, entity.AuditActionForecastUpsert, actorID, map[string]interface{}{
		"cycle_id": cycle.ID,
		"version":  1,
	})

	return forecast, nil
}

// Update 修改预测单，产生version+1的新版本
// 旧版本退位是条件写：期望版本不匹配或周期已关闭都会返回冲突
func (s *ForecastService) Update(ctx context.Context, actorID string, roles []string, forecastID string, req *UpdateForecastRequest) (*entity.Forecast, error) {
	current, err := s.getOwned(ctx, actorID, roles, forecastID)
	if err != nil {
		return nil, err
	}
	if current.Status != entity.ForecastStatusDraft {
		return nil, &StateError{Entity: "forecast", Current: current.Status, Target: entity.ForecastStatusDraft}
	}

	cycle, err := s.cycleRepo.FindByID(ctx, current.CycleID)
	if err != nil {
		return nil, fmt.Errorf("find cycle: %w", err)
	}
	if cycle.Status != entity.CycleStatusOpen {
		return nil, &StateError{Entity: "cycle", Current: cycle.Status, Target: entity.CycleStatusOpen}
	}

	horizon := s.cfg.Forecast.PlanningHorizon
	if len(req.MonthlyForecasts) != horizon {
		return nil, &ValidationError{Violations: []string{
			fmt.Sprintf("monthly_forecasts must contain %d lines, got %d", horizon, len(req.MonthlyForecasts)),
		}}
	}

	next := s.nextVersion(current)
	if req.Notes != nil {
		next.Notes = *req.Notes
	}
	if err := s.fillLines(ctx, next, cycle, req.MonthlyForecasts); err != nil {
		return nil, err
	}
	next.ComputeTotals()

	if err := s.forecastRepo.CreateNextVersion(ctx, next, current.ID, req.ExpectedVersion); err != nil {
		if errors.Is(err, repository.ErrStaleVersion) {
			return nil, &ConflictError{Reason: fmt.Sprintf("forecast version %d is no longer current", req.ExpectedVersion)}
		}
		return nil, fmt.Errorf("create forecast version: %w", err)
	}

	s.audit.Record(ctx, "forecast", next.ID, entity.AuditActionForecastUpsert, actorID, map[string]interface{}{
		"cycle_id":         next.CycleID,
		"version":          next.Version,
		"previous_version": current.Version,
	})

	return next, nil
}

// Get 获取预测单详情（销售只能看自己的）
func (s *ForecastService) Get(ctx context.Context, actorID string, roles []string, id string) (*entity.Forecast, error) {
	forecast, err := s.forecastRepo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, &NotFoundError{Resource: "forecast"}
		}
		return nil, fmt.Errorf("find forecast: %w", err)
	}
	if forecast.SalesRepID != actorID && !hasRole(roles, RoleApprover) {
		return nil, &AuthorizationError{Reason: "forecast belongs to another sales rep"}
	}
	return forecast, nil
}

// ListByCycle 查询周期内当前版本列表
// 无审批/管理角色时强制只看自己的
func (s *ForecastService) ListByCycle(ctx context.Context, actorID string, roles []string, cycleID string, page, pageSize int, filters map[string]string) ([]entity.Forecast, int64, error) {
	if !hasRole(roles, RoleApprover) {
		filters["sales_rep_id"] = actorID
	}
	return s.forecastRepo.FindAllCurrent(ctx, cycleID, page, pageSize, filters)
}

// History 查询预测单全部历史版本
func (s *ForecastService) History(ctx context.Context, actorID string, roles []string, id string) ([]entity.Forecast, error) {
	forecast, err := s.Get(ctx, actorID, roles, id)
	if err != nil {
		return nil, err
	}
	return s.forecastRepo.ListVersions(ctx, forecast.CycleID, forecast.SalesRepID, forecast.CustomerID, forecast.ProductID)
}

// ValidateForSubmission 返回强制月份窗口内缺数量的月份标签列表，空列表为通过
func (s *ForecastService) ValidateForSubmission(forecast *entity.Forecast) []string {
	return forecast.MissingMandatoryMonths(s.cfg.Forecast.MandatoryMonths)
}

// getOwned 加载预测单并校验归属
func (s *ForecastService) getOwned(ctx context.Context, actorID string, roles []string, id string) (*entity.Forecast, error) {
	forecast, err := s.forecastRepo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, &NotFoundError{Resource: "forecast"}
		}
		return nil, fmt.Errorf("find forecast: %w", err)
	}
	if !forecast.IsCurrent {
		return nil, &ConflictError{Reason: "forecast version is no longer current"}
	}
	if forecast.SalesRepID != actorID && !hasRole(roles, RoleAdmin) {
		return nil, &AuthorizationError{Reason: "forecast belongs to another sales rep"}
	}
	return forecast, nil
}

// nextVersion 以当前版本为基础构造version+1的空壳
func (s *ForecastService) nextVersion(current *entity.Forecast) *entity.Forecast {
	now := time.Now()
	prevID := current.ID
	return &entity.Forecast{
		ID:                uuid.New().String()[:32],
		CycleID:           current.CycleID,
		SalesRepID:        current.SalesRepID,
		CustomerID:        current.CustomerID,
		ProductID:         current.ProductID,
		Status:            entity.ForecastStatusDraft,
		Version:           current.Version + 1,
		PreviousVersionID: &prevID,
		IsCurrent:         true,
		UseCustomerPrice:  current.UseCustomerPrice,
		Notes:             current.Notes,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

// fillLines 构造行项目并快照单价
// 显式覆盖价优先，否则按价格表解析；快照后价格表变更不回溯
func (s *ForecastService) fillLines(ctx context.Context, forecast *entity.Forecast, cycle *entity.ForecastCycle, inputs []LineInput) error {
	labels := entity.MonthLabels(cycle.Year, cycle.Month, len(inputs))

	var listPrice float64
	var listSource string
	needsList := false
	for _, in := range inputs {
		if in.UnitPrice == nil {
			needsList = true
			break
		}
	}
	if needsList {
		price, source, err := s.prices.ResolvePrice(ctx, forecast.CustomerID, forecast.ProductID, forecast.UseCustomerPrice)
		if err != nil {
			return fmt.Errorf("resolve price: %w", err)
		}
		listPrice, listSource = price, source
	}

	forecast.Lines = forecast.Lines[:0]
	for i, in := range inputs {
		line := entity.ForecastLine{
			ID:         uuid.New().String()[:32],
			ForecastID: forecast.ID,
			MonthIndex: i + 1,
			MonthLabel: labels[i],
			Quantity:   in.Quantity,
		}
		if in.UnitPrice != nil {
			line.UnitPrice = *in.UnitPrice
			line.PriceSource = entity.PriceSourceOverride
		} else {
			line.UnitPrice = listPrice
			line.PriceSource = listSource
		}
		forecast.Lines = append(forecast.Lines, line)
	}
	return nil
}
