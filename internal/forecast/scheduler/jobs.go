package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/bitfantasy/nimo-sfp/internal/config"
	"github.com/bitfantasy/nimo-sfp/internal/forecast/entity"
	"github.com/bitfantasy/nimo-sfp/internal/forecast/repository"
	"github.com/bitfantasy/nimo-sfp/internal/forecast/service"
	"github.com/minio/minio-go/v7"
	"go.uber.org/zap"
)

// Jobs 调度任务集合
type Jobs struct {
	cycleSvc     *service.CycleService
	cycleRepo    *repository.CycleRepository
	forecastRepo *repository.ForecastRepository
	trackingRepo *repository.TrackingRepository
	auditRepo    *repository.AuditRepository
	artifactRepo *repository.ArtifactRepository
	notifier     service.Notifier
	minioClient  *minio.Client
	bucketName   string
	cfg          *config.Config
	logger       *zap.Logger
}

// NewJobs 创建任务集合
func NewJobs(
	cycleSvc *service.CycleService,
	repos *repository.Repositories,
	notifier service.Notifier,
	minioClient *minio.Client,
	bucketName string,
	cfg *config.Config,
	logger *zap.Logger,
) *Jobs {
	return &Jobs{
		cycleSvc:     cycleSvc,
		cycleRepo:    repos.Cycle,
		forecastRepo: repos.Forecast,
		trackingRepo: repos.Tracking,
		auditRepo:    repos.Audit,
		artifactRepo: repos.Artifact,
		notifier:     notifier,
		minioClient:  minioClient,
		bucketName:   bucketName,
		cfg:          cfg,
		logger:       logger,
	}
}

// RunDeadlineReminder 截止日催办
// 对每个临近截止的open周期，给仍有未提交预测的销售发提醒。
// 去重靠提交跟踪记录上的时间戳认领：同一天重复运行时认领失败，不再发送
func (j *Jobs) RunDeadlineReminder(ctx context.Context) error {
	now := time.Now()
	window := time.Duration(j.cfg.Forecast.ReminderWindowDays) * 24 * time.Hour

	cycles, err := j.cycleRepo.ListOpenEndingWithin(ctx, now, window)
	if err != nil {
		return err
	}

	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	for _, cycle := range cycles {
		reps, err := j.forecastRepo.ListRepsWithOutstanding(ctx, cycle.ID)
		if err != nil {
			j.logger.Error("Failed to list reps with outstanding forecasts",
				zap.String("cycle_id", cycle.ID),
				zap.Error(err),
			)
			continue
		}

		for _, rep := range reps {
			if err := j.trackingRepo.Ensure(ctx, cycle.ID, rep.SalesRepID); err != nil {
				j.logger.Warn("Failed to ensure tracking record",
					zap.String("cycle_id", cycle.ID),
					zap.String("sales_rep_id", rep.SalesRepID),
					zap.Error(err),
				)
				continue
			}
			claimed, err := j.trackingRepo.ClaimReminder(ctx, cycle.ID, rep.SalesRepID, now, dayStart)
			if err != nil {
				j.logger.Warn("Failed to claim reminder",
					zap.String("cycle_id", cycle.ID),
					zap.String("sales_rep_id", rep.SalesRepID),
					zap.Error(err),
				)
				continue
			}
			if !claimed {
				continue // 今天已提醒过
			}
			if err := j.notifier.SendDeadlineReminder(ctx, rep.SalesRepID, &cycle, rep.Outstanding); err != nil {
				j.logger.Warn("Failed to send deadline reminder",
					zap.String("cycle_id", cycle.ID),
					zap.String("sales_rep_id", rep.SalesRepID),
					zap.Error(err),
				)
			}
		}
	}
	return nil
}

// RunAutoClose 自动关闭过期周期
// 关闭走CycleService.Transition这一个入口，和手工关闭检查同一套约束。
// 第二次运行时周期已是closed，查询为空，自然幂等
func (j *Jobs) RunAutoClose(ctx context.Context) error {
	cycles, err := j.cycleRepo.ListOverdueOpen(ctx, time.Now())
	if err != nil {
		return err
	}

	for _, cycle := range cycles {
		_, err := j.cycleSvc.Transition(ctx, cycle.ID, entity.CycleStatusClosed, "system:auto_close")
		if err != nil {
			var stateErr *service.StateError
			var conflictErr *service.ConflictError
			if errors.As(err, &stateErr) || errors.As(err, &conflictErr) {
				// 已被并发关闭，幂等跳过
				continue
			}
			j.logger.Error("Failed to auto-close cycle",
				zap.String("cycle_id", cycle.ID),
				zap.Error(err),
			)
			continue
		}
		j.logger.Info("Cycle auto-closed",
			zap.String("cycle_id", cycle.ID),
			zap.String("name", cycle.Name),
		)
	}
	return nil
}

// RunCleanup 清理保留期外的审计日志与报表文件
// 只动审计行和报表对象，绝不触碰周期和预测实体
func (j *Jobs) RunCleanup(ctx context.Context) error {
	retention := time.Duration(j.cfg.Forecast.RetentionDays) * 24 * time.Hour
	cutoff := time.Now().Add(-retention)

	deleted, err := j.auditRepo.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return err
	}

	artifacts, err := j.artifactRepo.ListOlderThan(ctx, cutoff)
	if err != nil {
		return err
	}
	removed := 0
	for _, artifact := range artifacts {
		if j.minioClient != nil {
			if err := j.minioClient.RemoveObject(ctx, j.bucketName, artifact.ObjectKey, minio.RemoveObjectOptions{}); err != nil {
				j.logger.Warn("Failed to remove report object",
					zap.String("object_key", artifact.ObjectKey),
					zap.Error(err),
				)
				continue
			}
		}
		if err := j.artifactRepo.Delete(ctx, artifact.ID); err != nil {
			j.logger.Warn("Failed to delete artifact record",
				zap.String("artifact_id", artifact.ID),
				zap.Error(err),
			)
			continue
		}
		removed++
	}

	j.logger.Info("Cleanup finished",
		zap.Int64("audit_rows_deleted", deleted),
		zap.Int("artifacts_removed", removed),
	)
	return nil
}
