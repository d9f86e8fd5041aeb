package entity

import (
	"time"
)

// 预测周期状态
const (
	CycleStatusDraft  = "draft"
	CycleStatusOpen   = "open"
	CycleStatusClosed = "closed"
)

// ForecastCycle 预测周期
// 同一(year, month)只允许一个周期，同一时刻最多一个open状态的周期
type ForecastCycle struct {
	ID        string    `json:"id" gorm:"primaryKey;size:32"`
	Name      string    `json:"name" gorm:"size:128;not null"`
	Year      int       `json:"year" gorm:"not null;uniqueIndex:idx_cycle_year_month"`
	Month     int       `json:"month" gorm:"not null;uniqueIndex:idx_cycle_year_month"`
	StartDate time.Time `json:"start_date" gorm:"not null"`
	EndDate   time.Time `json:"end_date" gorm:"not null"`
	Status    string    `json:"status" gorm:"size:16;not null;default:draft"`
	AutoClose bool      `json:"auto_close" gorm:"not null;default:true"`
	OpenedAt  *time.Time `json:"opened_at"`
	ClosedAt  *time.Time `json:"closed_at"`
	CreatedBy string    `json:"created_by" gorm:"size:32;not null"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (ForecastCycle) TableName() string {
	return "forecast_cycles"
}

// CycleTransitionAllowed 判断周期状态是否允许单向推进
// 只允许 draft→open、open→closed
func CycleTransitionAllowed(current, target string) bool {
	switch {
	case current == CycleStatusDraft && target == CycleStatusOpen:
		return true
	case current == CycleStatusOpen && target == CycleStatusClosed:
		return true
	}
	return false
}
