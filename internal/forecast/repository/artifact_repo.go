package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bitfantasy/nimo-sfp/internal/forecast/entity"
	"gorm.io/gorm"
)

// ArtifactRepository 报表文件登记仓库
type ArtifactRepository struct {
	db *gorm.DB
}

func NewArtifactRepository(db *gorm.DB) *ArtifactRepository {
	return &ArtifactRepository{db: db}
}

// Create 登记报表文件
func (r *ArtifactRepository) Create(ctx context.Context, artifact *entity.ReportArtifact) error {
	return r.db.WithContext(ctx).Create(artifact).Error
}

// FindByID 根据ID查找登记行
func (r *ArtifactRepository) FindByID(ctx context.Context, id string) (*entity.ReportArtifact, error) {
	var artifact entity.ReportArtifact
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&artifact).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &artifact, nil
}

// ListOlderThan 查询保留期外的报表文件
func (r *ArtifactRepository) ListOlderThan(ctx context.Context, cutoff time.Time) ([]entity.ReportArtifact, error) {
	var artifacts []entity.ReportArtifact
	err := r.db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Find(&artifacts).Error
	return artifacts, err
}

// Delete 删除登记行
func (r *ArtifactRepository) Delete(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Where("id = ?", id).Delete(&entity.ReportArtifact{}).Error
}
