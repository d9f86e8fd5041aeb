package scheduler

import (
	"context"
	"time"

	"github.com/bitfantasy/nimo-sfp/internal/config"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Scheduler 后台任务调度器
// 每个任务挂在独立的cron条目上，互不共享运行循环；
// 任务内部的panic和错误被各自的边界吸收，失败任务等待下一个tick重试，
// 不影响其他任务的节拍
type Scheduler struct {
	engine *cron.Cron
	jobs   *Jobs
	cfg    config.SchedulerConfig
	logger *zap.Logger
}

// New 创建调度器并注册任务
func New(jobs *Jobs, cfg config.SchedulerConfig, logger *zap.Logger) (*Scheduler, error) {
	s := &Scheduler{
		engine: cron.New(cron.WithLocation(time.Local)),
		jobs:   jobs,
		cfg:    cfg,
		logger: logger,
	}

	entries := []struct {
		name string
		spec string
		run  func(context.Context) error
	}{
		{"deadline_reminder", cfg.ReminderSpec, jobs.RunDeadlineReminder},
		{"auto_close", cfg.AutoCloseSpec, jobs.RunAutoClose},
		{"cleanup", cfg.CleanupSpec, jobs.RunCleanup},
	}

	for _, e := range entries {
		entry := e
		if _, err := s.engine.AddFunc(entry.spec, func() {
			s.runJob(entry.name, entry.run)
		}); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// runJob 单个任务的错误边界
// 任务必须幂等：无分布式锁保证单实例执行，重复运行对已完成的工作是空操作
func (s *Scheduler) runJob(name string, run func(context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Scheduler job panicked",
				zap.String("job", name),
				zap.Any("panic", r),
			)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.JobTimeout)
	defer cancel()

	start := time.Now()
	if err := run(ctx); err != nil {
		s.logger.Error("Scheduler job failed, will retry on next tick",
			zap.String("job", name),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err),
		)
		return
	}
	s.logger.Info("Scheduler job finished",
		zap.String("job", name),
		zap.Duration("elapsed", time.Since(start)),
	)
}

// Start 启动调度
func (s *Scheduler) Start() {
	s.engine.Start()
	s.logger.Info("Scheduler started",
		zap.String("reminder_spec", s.cfg.ReminderSpec),
		zap.String("auto_close_spec", s.cfg.AutoCloseSpec),
		zap.String("cleanup_spec", s.cfg.CleanupSpec),
	)
}

// Stop 停止调度并等待在跑任务收尾
func (s *Scheduler) Stop() {
	ctx := s.engine.Stop()
	<-ctx.Done()
	s.logger.Info("Scheduler stopped")
}
