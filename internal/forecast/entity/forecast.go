package entity

import (
	"fmt"
	"time"
)

// 预测单状态
const (
	ForecastStatusDraft     = "draft"
	ForecastStatusSubmitted = "submitted"
	ForecastStatusApproved  = "approved"
	ForecastStatusRejected  = "rejected"
)

// 行项目价格来源
const (
	PriceSourceCustomer = "customer_price"
	PriceSourceOverride = "override"
	PriceSourceStandard = "standard"
)

// Forecast 销售预测单（单个版本快照）
// 版本不可变：每次修改产生version+1的新记录，previous_version_id指向上一版
// 同一(cycle, rep, customer, product)只有一条is_current=true的当前版本
type Forecast struct {
	ID                string     `json:"id" gorm:"primaryKey;size:32"`
	CycleID           string     `json:"cycle_id" gorm:"size:32;not null;index"`
	SalesRepID        string     `json:"sales_rep_id" gorm:"size:32;not null;index"`
	CustomerID        string     `json:"customer_id" gorm:"size:32;not null"`
	ProductID         string     `json:"product_id" gorm:"size:32;not null"`
	Status            string     `json:"status" gorm:"size:16;not null;default:draft"`
	Version           int        `json:"version" gorm:"not null;default:1"`
	PreviousVersionID *string    `json:"previous_version_id" gorm:"size:32"`
	IsCurrent         bool       `json:"is_current" gorm:"not null;default:true;index"`
	UseCustomerPrice  bool       `json:"use_customer_price" gorm:"not null;default:true"`
	TotalQuantity     float64    `json:"total_quantity" gorm:"type:decimal(14,4);not null;default:0"`
	TotalRevenue      float64    `json:"total_revenue" gorm:"type:decimal(14,2);not null;default:0"`
	SubmittedAt       *time.Time `json:"submitted_at"`
	ReviewedBy        string     `json:"reviewed_by" gorm:"size:32"`
	ReviewedAt        *time.Time `json:"reviewed_at"`
	ReviewComment     string     `json:"review_comment" gorm:"type:text"`
	Notes             string     `json:"notes" gorm:"type:text"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`

	// 关联
	Cycle *ForecastCycle `json:"cycle,omitempty" gorm:"foreignKey:CycleID"`
	Lines []ForecastLine `json:"lines,omitempty" gorm:"foreignKey:ForecastID"`
}

func (Forecast) TableName() string {
	return "forecasts"
}

// ForecastLine 月度预测行
// unit_price在写入时从价格表快照，价格表后续变更不回溯已提交的预测
type ForecastLine struct {
	ID          string   `json:"id" gorm:"primaryKey;size:32"`
	ForecastID  string   `json:"forecast_id" gorm:"size:32;not null;index"`
	MonthIndex  int      `json:"month_index" gorm:"not null"`
	MonthLabel  string   `json:"month_label" gorm:"size:16;not null"`
	Quantity    *float64 `json:"quantity" gorm:"type:decimal(14,4)"`
	UnitPrice   float64  `json:"unit_price" gorm:"type:decimal(12,4);not null;default:0"`
	PriceSource string   `json:"price_source" gorm:"size:16;not null;default:standard"`
}

func (ForecastLine) TableName() string {
	return "forecast_lines"
}

// MonthLabels 生成规划期内的月份标签，从目标年月起连续horizon个月
// 格式 YYYY-MM，如 2025-11
func MonthLabels(year, month, horizon int) []string {
	labels := make([]string, 0, horizon)
	t := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < horizon; i++ {
		m := t.AddDate(0, i, 0)
		labels = append(labels, fmt.Sprintf("%04d-%02d", m.Year(), int(m.Month())))
	}
	return labels
}

// MissingMandatoryMonths 返回强制月份窗口内数量为空的月份标签
// 返回完整列表而不是布尔值，前端可以一次展示全部缺口
func (f *Forecast) MissingMandatoryMonths(mandatoryMonths int) []string {
	missing := []string{}
	for _, line := range f.Lines {
		if line.MonthIndex <= mandatoryMonths && line.Quantity == nil {
			missing = append(missing, line.MonthLabel)
		}
	}
	return missing
}

// ComputeTotals 从行项目推导总量与总金额
// 金额按写入时快照的单价计算，不回查实时价格表
func (f *Forecast) ComputeTotals() {
	var qty, revenue float64
	for _, line := range f.Lines {
		if line.Quantity == nil {
			continue
		}
		qty += *line.Quantity
		revenue += *line.Quantity * line.UnitPrice
	}
	f.TotalQuantity = qty
	f.TotalRevenue = revenue
}
