package service

import (
	"context"
	"time"

	"github.com/bitfantasy/nimo-sfp/internal/forecast/entity"
	"github.com/bitfantasy/nimo-sfp/internal/forecast/repository"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DBAuditSink 落库的审计接收器
type DBAuditSink struct {
	repo   *repository.AuditRepository
	logger *zap.Logger
}

func NewDBAuditSink(repo *repository.AuditRepository, logger *zap.Logger) *DBAuditSink {
	return &DBAuditSink{repo: repo, logger: logger}
}

// Record 写入审计日志，失败只记日志不向上传播
func (s *DBAuditSink) Record(ctx context.Context, entityType, entityID, action, actorID string, detail map[string]interface{}) {
	log := &entity.AuditLog{
		ID:         uuid.New().String()[:32],
		EntityType: entityType,
		EntityID:   entityID,
		Action:     action,
		ActorID:    actorID,
		Detail:     entity.JSONB(detail),
		CreatedAt:  time.Now(),
	}
	if err := s.repo.Create(ctx, log); err != nil {
		s.logger.Error("Failed to write audit log",
			zap.String("entity_type", entityType),
			zap.String("entity_id", entityID),
			zap.String("action", action),
			zap.Error(err),
		)
	}
}
