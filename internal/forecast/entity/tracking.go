package entity

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// JSONB PostgreSQL jsonb字段
type JSONB map[string]interface{}

func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return nil
	}
	return json.Unmarshal(bytes, j)
}

// SubmissionTracking 提交跟踪记录
// 每个(cycle, rep)一条，记录提醒去重时间戳，催办提醒按这里判重而不是查邮件日志
type SubmissionTracking struct {
	ID             string     `json:"id" gorm:"primaryKey;size:32"`
	CycleID        string     `json:"cycle_id" gorm:"size:32;not null;uniqueIndex:idx_tracking_cycle_rep"`
	SalesRepID     string     `json:"sales_rep_id" gorm:"size:32;not null;uniqueIndex:idx_tracking_cycle_rep"`
	LastRemindedAt *time.Time `json:"last_reminded_at"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

func (SubmissionTracking) TableName() string {
	return "submission_trackings"
}

// 审计动作
const (
	AuditActionCycleCreated    = "cycle_created"
	AuditActionCycleTransition = "cycle_transition"
	AuditActionForecastUpsert  = "forecast_upsert"
	AuditActionForecastSubmit  = "forecast_submit"
	AuditActionForecastApprove = "forecast_approve"
	AuditActionForecastReject  = "forecast_reject"
	AuditActionBulkImport      = "bulk_import"
)

// AuditLog 审计日志
type AuditLog struct {
	ID         string    `json:"id" gorm:"primaryKey;size:32"`
	EntityType string    `json:"entity_type" gorm:"size:32;not null;index"`
	EntityID   string    `json:"entity_id" gorm:"size:32;not null;index"`
	Action     string    `json:"action" gorm:"size:32;not null"`
	ActorID    string    `json:"actor_id" gorm:"size:32;not null"`
	Detail     JSONB     `json:"detail" gorm:"type:jsonb"`
	CreatedAt  time.Time `json:"created_at" gorm:"index"`
}

func (AuditLog) TableName() string {
	return "audit_logs"
}

// ReportArtifact 报表文件登记
// 文件本体存MinIO，清理任务按保留期同时删除对象和登记行
type ReportArtifact struct {
	ID        string    `json:"id" gorm:"primaryKey;size:32"`
	CycleID   string    `json:"cycle_id" gorm:"size:32;not null;index"`
	ObjectKey string    `json:"object_key" gorm:"size:256;not null"`
	FileName  string    `json:"file_name" gorm:"size:128;not null"`
	SizeBytes int64     `json:"size_bytes" gorm:"not null;default:0"`
	CreatedBy string    `json:"created_by" gorm:"size:32;not null"`
	CreatedAt time.Time `json:"created_at" gorm:"index"`
}

func (ReportArtifact) TableName() string {
	return "report_artifacts"
}
