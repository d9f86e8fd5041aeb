package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bitfantasy/nimo-sfp/internal/config"
	"github.com/bitfantasy/nimo-sfp/internal/forecast/entity"
	"github.com/bitfantasy/nimo-sfp/internal/forecast/repository"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const statsCacheTTL = 30 * time.Second

// SubmissionService 提交与审批服务
// 预测单状态机：draft --submit--> submitted --approve--> approved（终态）
// submitted --reject--> rejected --resubmit--> submitted（新版本，不经过draft）
type SubmissionService struct {
	forecastRepo *repository.ForecastRepository
	cycleRepo    *repository.CycleRepository
	forecastSvc  *ForecastService
	rdb          *redis.Client
	audit        AuditSink
	notifier     Notifier
	cfg          *config.Config
	logger       *zap.Logger
}

// NewSubmissionService 创建提交审批服务
func NewSubmissionService(
	forecastRepo *repository.ForecastRepository,
	cycleRepo *repository.CycleRepository,
	forecastSvc *ForecastService,
	rdb *redis.Client,
	audit AuditSink,
	notifier Notifier,
	cfg *config.Config,
	logger *zap.Logger,
) *SubmissionService {
	return &SubmissionService{
		forecastRepo: forecastRepo,
		cycleRepo:    cycleRepo,
		forecastSvc:  forecastSvc,
		rdb:          rdb,
		audit:        audit,
		notifier:     notifier,
		cfg:          cfg,
		logger:       logger,
	}
}

// Submit 提交预测单
// draft直接条件更新为submitted；rejected走重新提交，生成新版本直达submitted
func (s *SubmissionService) Submit(ctx context.Context, actorID string, roles []string, forecastID string) (*entity.Forecast, error) {
	forecast, err := s.forecastSvc.getOwned(ctx, actorID, roles, forecastID)
	if err != nil {
		return nil, err
	}

	switch forecast.Status {
	case entity.ForecastStatusDraft:
		return s.submitDraft(ctx, actorID, forecast)
	case entity.ForecastStatusRejected:
		return s.resubmit(ctx, actorID, forecast)
	default:
		return nil, &StateError{Entity: "forecast", Current: forecast.Status, Target: entity.ForecastStatusSubmitted}
	}
}

func (s *SubmissionService) submitDraft(ctx context.Context, actorID string, forecast *entity.Forecast) (*entity.Forecast, error) {
	cycle, err := s.cycleRepo.FindByID(ctx, forecast.CycleID)
	if err != nil {
		return nil, fmt.Errorf("find cycle: %w", err)
	}
	if cycle.Status != entity.CycleStatusOpen {
		return nil, &StateError{Entity: "cycle", Current: cycle.Status, Target: entity.CycleStatusOpen}
	}

	if violations := s.forecastSvc.ValidateForSubmission(forecast); len(violations) > 0 {
		return nil, &ValidationError{Violations: violations}
	}

	now := time.Now()
	if err := s.forecastRepo.MarkSubmitted(ctx, forecast.ID, now); err != nil {
		if errors.Is(err, repository.ErrStaleVersion) {
			// 周期并发关闭或预测被并发修改，条件写裁决
			return nil, &ConflictError{Reason: "forecast is no longer submittable"}
		}
		return nil, fmt.Errorf("submit forecast: %w", err)
	}

	s.afterSubmit(ctx, actorID, forecast.ID)
	return s.forecastRepo.FindByID(ctx, forecast.ID)
}

// resubmit 驳回后重新提交：生成新版本，直接进入submitted
func (s *SubmissionService) resubmit(ctx context.Context, actorID string, current *entity.Forecast) (*entity.Forecast, error) {
	cycle, err := s.cycleRepo.FindByID(ctx, current.CycleID)
	if err != nil {
		return nil, fmt.Errorf("find cycle: %w", err)
	}
	if cycle.Status != entity.CycleStatusOpen {
		return nil, &StateError{Entity: "cycle", Current: cycle.Status, Target: entity.CycleStatusOpen}
	}

	if violations := s.forecastSvc.ValidateForSubmission(current); len(violations) > 0 {
		return nil, &ValidationError{Violations: violations}
	}

	now := time.Now()
	next := s.forecastSvc.nextVersion(current)
	next.Status = entity.ForecastStatusSubmitted
	next.SubmittedAt = &now
	// 行项目照搬被驳回版本的快照，价格不重新解析
	for _, line := range current.Lines {
		next.Lines = append(next.Lines, entity.ForecastLine{
			ID:          uuid.New().String()[:32],
			ForecastID:  next.ID,
			MonthIndex:  line.MonthIndex,
			MonthLabel:  line.MonthLabel,
			Quantity:    line.Quantity,
			UnitPrice:   line.UnitPrice,
			PriceSource: line.PriceSource,
		})
	}
	next.ComputeTotals()

	if err := s.forecastRepo.CreateNextVersion(ctx, next, current.ID, current.Version); err != nil {
		if errors.Is(err, repository.ErrStaleVersion) {
			return nil, &ConflictError{Reason: "forecast changed concurrently"}
		}
		return nil, fmt.Errorf("resubmit forecast: %w", err)
	}

	s.afterSubmit(ctx, actorID, next.ID)
	return s.forecastRepo.FindByID(ctx, next.ID)
}

func (s *SubmissionService) afterSubmit(ctx context.Context, actorID, forecastID string) {
	s.audit.Record(ctx, "forecast", forecastID, entity.AuditActionForecastSubmit, actorID, nil)

	forecast, err := s.forecastRepo.FindByID(ctx, forecastID)
	if err != nil {
		return
	}
	s.invalidateStats(ctx, forecast.CycleID)
	if err := s.notifier.SendSubmitted(ctx, forecast); err != nil {
		s.logger.Warn("Failed to send submit notification",
			zap.String("forecast_id", forecastID),
			zap.Error(err),
		)
	}
}

// SkippedForecast 批量提交中被跳过的预测单
type SkippedForecast struct {
	ID      string   `json:"id"`
	Reasons []string `json:"reasons"`
}

// BulkSubmitResult 批量提交结果
type BulkSubmitResult struct {
	Submitted int               `json:"submitted"`
	Skipped   []SkippedForecast `json:"skipped"`
}

// BulkSubmit 批量提交某销售在周期内的全部draft预测单
// 每单独立尝试，单单失败不中断，返回提交数与逐单跳过原因
func (s *SubmissionService) BulkSubmit(ctx context.Context, actorID string, roles []string, cycleID, salesRepID string) (*BulkSubmitResult, error) {
	if salesRepID == "" {
		salesRepID = actorID
	}
	if salesRepID != actorID && !hasRole(roles, RoleAdmin) {
		return nil, &AuthorizationError{Reason: "bulk submit is limited to your own forecasts"}
	}

	forecasts, err := s.forecastRepo.ListCurrentByRep(ctx, cycleID, salesRepID)
	if err != nil {
		return nil, fmt.Errorf("list forecasts: %w", err)
	}

	result := &BulkSubmitResult{Skipped: []SkippedForecast{}}
	for _, f := range forecasts {
		if f.Status != entity.ForecastStatusDraft {
			continue
		}
		fc := f
		if _, err := s.submitDraft(ctx, actorID, &fc); err != nil {
			var verr *ValidationError
			reasons := []string{err.Error()}
			if errors.As(err, &verr) {
				reasons = verr.Violations
			}
			result.Skipped = append(result.Skipped, SkippedForecast{ID: f.ID, Reasons: reasons})
			continue
		}
		result.Submitted++
	}
	return result, nil
}

// Approve 审批通过（终态），需要审批角色
// 周期关闭后仍可审批
func (s *SubmissionService) Approve(ctx context.Context, actorID string, roles []string, forecastID, comment string) (*entity.Forecast, error) {
	return s.review(ctx, actorID, roles, forecastID, entity.ForecastStatusApproved, comment)
}

// Reject 驳回，审计要求必须填写驳回意见
func (s *SubmissionService) Reject(ctx context.Context, actorID string, roles []string, forecastID, comment string) (*entity.Forecast, error) {
	if comment == "" {
		return nil, &ValidationError{Violations: []string{"reject comment is required"}}
	}
	return s.review(ctx, actorID, roles, forecastID, entity.ForecastStatusRejected, comment)
}

func (s *SubmissionService) review(ctx context.Context, actorID string, roles []string, forecastID, target, comment string) (*entity.Forecast, error) {
	if !hasRole(roles, RoleApprover) {
		return nil, &AuthorizationError{Reason: "approver role required"}
	}

	forecast, err := s.forecastRepo.FindByID(ctx, forecastID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, &NotFoundError{Resource: "forecast"}
		}
		return nil, fmt.Errorf("find forecast: %w", err)
	}
	if forecast.Status != entity.ForecastStatusSubmitted {
		return nil, &StateError{Entity: "forecast", Current: forecast.Status, Target: target}
	}

	now := time.Now()
	if err := s.forecastRepo.MarkReviewed(ctx, forecastID, target, actorID, comment, now); err != nil {
		if errors.Is(err, repository.ErrStaleVersion) {
			return nil, &ConflictError{Reason: "forecast was reviewed concurrently"}
		}
		return nil, fmt.Errorf("review forecast: %w", err)
	}

	action := entity.AuditActionForecastApprove
	if target == entity.ForecastStatusRejected {
		action = entity.AuditActionForecastReject
	}
	s.audit.Record(ctx, "forecast", forecastID, action, actorID, map[string]interface{}{
		"comment": comment,
	})
	s.invalidateStats(ctx, forecast.CycleID)

	updated, err := s.forecastRepo.FindByID(ctx, forecastID)
	if err != nil {
		return nil, fmt.Errorf("reload forecast: %w", err)
	}
	if err := s.notifier.SendReviewResult(ctx, updated, target == entity.ForecastStatusApproved, comment); err != nil {
		s.logger.Warn("Failed to send review notification",
			zap.String("forecast_id", forecastID),
			zap.Error(err),
		)
	}
	return updated, nil
}

// CycleStats 周期完成度统计
type CycleStats struct {
	CycleID              string                     `json:"cycle_id"`
	Reps                 []repository.RepCompletion `json:"reps"`
	TotalAssigned        int64                      `json:"total_assigned"`
	TotalSubmitted       int64                      `json:"total_submitted"`
	CompletionPercentage float64                    `json:"completion_percentage"`
	TotalForecastAmount  float64                    `json:"total_forecast_amount"`
	GeneratedAt          time.Time                  `json:"generated_at"`
}

// CompletionStats 周期完成度
// 直接从当前行聚合，无事务快照，并发写入下允许读到瞬时值；
// 结果在redis短暂缓存，属于显式的尽力而为快照
func (s *SubmissionService) CompletionStats(ctx context.Context, cycleID string) (*CycleStats, error) {
	if s.rdb != nil {
		if cached, err := s.rdb.Get(ctx, statsCacheKey(cycleID)).Bytes(); err == nil {
			var stats CycleStats
			if json.Unmarshal(cached, &stats) == nil {
				return &stats, nil
			}
		}
	}

	if _, err := s.cycleRepo.FindByID(ctx, cycleID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, &NotFoundError{Resource: "cycle"}
		}
		return nil, fmt.Errorf("find cycle: %w", err)
	}

	reps, err := s.forecastRepo.CompletionByRep(ctx, cycleID)
	if err != nil {
		return nil, fmt.Errorf("completion by rep: %w", err)
	}
	totalAmount, err := s.forecastRepo.SumCurrentRevenue(ctx, cycleID)
	if err != nil {
		return nil, fmt.Errorf("sum revenue: %w", err)
	}

	stats := &CycleStats{
		CycleID:             cycleID,
		Reps:                reps,
		TotalForecastAmount: totalAmount,
		GeneratedAt:         time.Now(),
	}
	for _, r := range reps {
		stats.TotalAssigned += r.Assigned
		stats.TotalSubmitted += r.Submitted
	}
	if stats.TotalAssigned > 0 {
		stats.CompletionPercentage = float64(stats.TotalSubmitted) / float64(stats.TotalAssigned) * 100
	}

	if s.rdb != nil {
		if payload, err := json.Marshal(stats); err == nil {
			s.rdb.Set(ctx, statsCacheKey(cycleID), payload, statsCacheTTL)
		}
	}
	return stats, nil
}

func (s *SubmissionService) invalidateStats(ctx context.Context, cycleID string) {
	if s.rdb != nil {
		s.rdb.Del(ctx, statsCacheKey(cycleID))
	}
}

func statsCacheKey(cycleID string) string {
	return "sfp:cycle_stats:" + cycleID
}
