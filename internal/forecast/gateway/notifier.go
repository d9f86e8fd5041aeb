package gateway

import (
	"context"
	"fmt"

	"github.com/bitfantasy/nimo-sfp/internal/forecast/entity"
	"github.com/bitfantasy/nimo-sfp/internal/shared/feishu"
	"go.uber.org/zap"
)

// =============================================================================
// FeishuNotifier — 飞书通知网关
// 将预测业务事件转换为飞书消息卡片发送给销售
// 发送失败只记录日志由调用方处理，不影响业务写入
// =============================================================================

// FeishuNotifier 飞书通知实现
type FeishuNotifier struct {
	client *feishu.FeishuClient
	logger *zap.Logger
}

// NewFeishuNotifier 创建飞书通知网关
func NewFeishuNotifier(client *feishu.FeishuClient, logger *zap.Logger) *FeishuNotifier {
	return &FeishuNotifier{
		client: client,
		logger: logger,
	}
}

// SendDeadlineReminder 发送提交截止提醒
// 催办调度任务在截止窗口内每天最多触发一次
func (n *FeishuNotifier) SendDeadlineReminder(ctx context.Context, salesRepID string, cycle *entity.ForecastCycle, outstanding int64) error {
	card := feishu.NewDeadlineReminderCard(
		cycle.Name,
		cycle.EndDate.Format("2006-01-02"),
		outstanding,
	)
	if err := n.client.SendUserCard(ctx, salesRepID, card); err != nil {
		return fmt.Errorf("发送截止提醒失败(rep=%s): %w", salesRepID, err)
	}
	n.logger.Info("Deadline reminder sent",
		zap.String("sales_rep_id", salesRepID),
		zap.String("cycle_id", cycle.ID),
		zap.Int64("outstanding", outstanding))
	return nil
}

// SendSubmitted 发送提交成功确认
func (n *FeishuNotifier) SendSubmitted(ctx context.Context, forecast *entity.Forecast) error {
	card := feishu.NewForecastSubmittedCard(
		cycleName(forecast),
		forecast.CustomerID,
		forecast.ProductID,
		forecast.Version,
	)
	if err := n.client.SendUserCard(ctx, forecast.SalesRepID, card); err != nil {
		return fmt.Errorf("发送提交确认失败(forecast=%s): %w", forecast.ID, err)
	}
	return nil
}

// SendReviewResult 发送审核结果通知
func (n *FeishuNotifier) SendReviewResult(ctx context.Context, forecast *entity.Forecast, approved bool, comment string) error {
	card := feishu.NewForecastReviewCard(
		cycleName(forecast),
		forecast.CustomerID,
		forecast.ProductID,
		approved,
		comment,
	)
	if err := n.client.SendUserCard(ctx, forecast.SalesRepID, card); err != nil {
		return fmt.Errorf("发送审核结果失败(forecast=%s): %w", forecast.ID, err)
	}
	return nil
}

// cycleName 取周期名称，关联未预加载时降级为周期ID
func cycleName(forecast *entity.Forecast) string {
	if forecast.Cycle != nil {
		return forecast.Cycle.Name
	}
	return forecast.CycleID
}
