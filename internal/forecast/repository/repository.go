package repository

import (
	"errors"

	"gorm.io/gorm"
)

var (
	ErrNotFound = errors.New("record not found")
	// ErrStaleVersion 条件写未命中：当前版本已被并发修改或状态不满足写入条件
	ErrStaleVersion = errors.New("stale version")
	ErrDuplicate    = errors.New("duplicate record")
)

// Repositories 预测域仓库集合
type Repositories struct {
	Cycle    *CycleRepository
	Forecast *ForecastRepository
	Tracking *TrackingRepository
	Audit    *AuditRepository
	Artifact *ArtifactRepository
}

// NewRepositories 创建仓库集合
func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		Cycle:    NewCycleRepository(db),
		Forecast: NewForecastRepository(db),
		Tracking: NewTrackingRepository(db),
		Audit:    NewAuditRepository(db),
		Artifact: NewArtifactRepository(db),
	}
}
