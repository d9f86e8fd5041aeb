package service

import (
	"context"

	"github.com/bitfantasy/nimo-sfp/internal/config"
	"github.com/bitfantasy/nimo-sfp/internal/forecast/entity"
	"github.com/bitfantasy/nimo-sfp/internal/forecast/repository"
	"github.com/minio/minio-go/v7"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// 角色
const (
	RoleAdmin    = "sfp_admin"
	RoleApprover = "sfp_approver"
	RoleRep      = "sfp_rep"
)

// Assignment 客户×产品×销售组合，来自主数据服务
type Assignment struct {
	SalesRepID string `json:"sales_rep_id"`
	CustomerID string `json:"customer_id"`
	ProductID  string `json:"product_id"`
}

// AssignmentSource 主数据侧的销售分配来源
// 主数据的增删改查不在本服务内，这里只消费接口
type AssignmentSource interface {
	ListActiveAssignments(ctx context.Context) ([]Assignment, error)
}

// PriceSource 价格解析来源
// 返回写入时刻的单价快照和价格来源（客户价/标准价）
type PriceSource interface {
	ResolvePrice(ctx context.Context, customerID, productID string, useCustomerPrice bool) (float64, string, error)
}

// Notifier 通知网关
// 发送失败由调用方记录日志，不阻断业务写入
type Notifier interface {
	SendDeadlineReminder(ctx context.Context, salesRepID string, cycle *entity.ForecastCycle, outstanding int64) error
	SendSubmitted(ctx context.Context, forecast *entity.Forecast) error
	SendReviewResult(ctx context.Context, forecast *entity.Forecast, approved bool, comment string) error
}

// AuditSink 审计事件接收器
// Record不返回错误：审计写入失败不回滚业务操作，由实现方记录日志
type AuditSink interface {
	Record(ctx context.Context, entityType, entityID, action, actorID string, detail map[string]interface{})
}

func hasRole(roles []string, role string) bool {
	for _, r := range roles {
		if r == role || r == RoleAdmin {
			return true
		}
	}
	return false
}

// Services 预测域服务集合
type Services struct {
	Cycle      *CycleService
	Forecast   *ForecastService
	Submission *SubmissionService
	Transfer   *TransferService
	Audit      AuditSink
}

// NewServices 创建服务集合
func NewServices(
	repos *repository.Repositories,
	rdb *redis.Client,
	minioClient *minio.Client,
	assignments AssignmentSource,
	prices PriceSource,
	notifier Notifier,
	cfg *config.Config,
	logger *zap.Logger,
) *Services {
	audit := NewDBAuditSink(repos.Audit, logger)
	forecastSvc := NewForecastService(repos.Forecast, repos.Cycle, prices, audit, cfg)
	cycleSvc := NewCycleService(repos.Cycle, repos.Forecast, repos.Tracking, assignments, prices, audit, cfg, logger)
	submissionSvc := NewSubmissionService(repos.Forecast, repos.Cycle, forecastSvc, rdb, audit, notifier, cfg, logger)
	transferSvc := NewTransferService(repos.Forecast, repos.Cycle, repos.Artifact, forecastSvc, minioClient, cfg.MinIO.Bucket, audit, cfg, logger)

	return &Services{
		Cycle:      cycleSvc,
		Forecast:   forecastSvc,
		Submission: submissionSvc,
		Transfer:   transferSvc,
		Audit:      audit,
	}
}
