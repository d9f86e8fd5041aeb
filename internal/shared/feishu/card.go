package feishu

import (
	"context"
	"encoding/json"
	"fmt"
)

// =============================================================================
// 消息卡片服务 — 发送飞书交互式消息卡片
// 支持群聊和个人卡片发送，提供预测业务的通知卡片模板
// =============================================================================

// SendCard 向群聊发送消息卡片
// chatID: 群聊ID
// card: 交互式卡片内容
func (c *FeishuClient) SendCard(ctx context.Context, chatID string, card InteractiveCard) error {
	return c.sendCard(ctx, "chat_id", chatID, card)
}

// SendUserCard 向个人发送消息卡片
// userID: 用户ID（open_id）
// card: 交互式卡片内容
func (c *FeishuClient) SendUserCard(ctx context.Context, userID string, card InteractiveCard) error {
	return c.sendCard(ctx, "open_id", userID, card)
}

// sendCard 发送消息卡片的内部实现
func (c *FeishuClient) sendCard(ctx context.Context, idType, id string, card InteractiveCard) error {
	// 将卡片序列化为JSON字符串
	cardBytes, err := json.Marshal(card)
	if err != nil {
		return fmt.Errorf("序列化卡片内容失败: %w", err)
	}

	// 构造请求体
	reqBody := map[string]interface{}{
		"receive_id_type": idType,
		"receive_id":      id,
		"msg_type":        "interactive",
		"content":         string(cardBytes),
	}

	// 发送消息，query参数通过URL传递
	path := fmt.Sprintf("/open-apis/im/v1/messages?receive_id_type=%s", idType)

	var resp SendMessageResponse
	if err := c.doRequest(ctx, "POST", path, reqBody, &resp); err != nil {
		return fmt.Errorf("发送消息卡片失败: %w", err)
	}

	return nil
}

// =============================================================================
// 预设卡片模板 — 预测业务通知卡片
// =============================================================================

// NewDeadlineReminderCard 创建提交截止提醒卡片
// cycleName: 预测周期名称
// endDate: 提交截止日期（格式如 "2026-09-05"）
// outstanding: 尚未提交的预测数量
func NewDeadlineReminderCard(cycleName, endDate string, outstanding int64) InteractiveCard {
	return InteractiveCard{
		Config: &CardConfig{WideScreenMode: true},
		Header: &CardHeader{
			Title:    CardText{Tag: "plain_text", Content: "⏰ 销售预测提交提醒"},
			Template: "orange",
		},
		Elements: []CardElement{
			{
				Tag: "div",
				Fields: []CardField{
					{IsShort: true, Text: CardText{Tag: "lark_md", Content: fmt.Sprintf("**预测周期**\n%s", cycleName)}},
					{IsShort: true, Text: CardText{Tag: "lark_md", Content: fmt.Sprintf("**截止日期**\n%s", endDate)}},
					{IsShort: true, Text: CardText{Tag: "lark_md", Content: fmt.Sprintf("**待提交数**\n%d 条", outstanding)}},
				},
			},
			{Tag: "hr"},
			{
				Tag: "note",
				Elements: []CardElement{
					{Tag: "plain_text", Content: "周期截止后将自动关闭，请尽快完成填报并提交"},
				},
			},
		},
	}
}

// NewForecastSubmittedCard 创建预测提交成功卡片
// cycleName: 预测周期名称
// customerName: 客户名称
// productName: 产品名称
// version: 提交的版本号
func NewForecastSubmittedCard(cycleName, customerName, productName string, version int) InteractiveCard {
	return InteractiveCard{
		Config: &CardConfig{WideScreenMode: true},
		Header: &CardHeader{
			Title:    CardText{Tag: "plain_text", Content: "📤 销售预测已提交"},
			Template: "blue",
		},
		Elements: []CardElement{
			{
				Tag: "div",
				Fields: []CardField{
					{IsShort: true, Text: CardText{Tag: "lark_md", Content: fmt.Sprintf("**预测周期**\n%s", cycleName)}},
					{IsShort: true, Text: CardText{Tag: "lark_md", Content: fmt.Sprintf("**客户**\n%s", customerName)}},
					{IsShort: true, Text: CardText{Tag: "lark_md", Content: fmt.Sprintf("**产品**\n%s", productName)}},
					{IsShort: true, Text: CardText{Tag: "lark_md", Content: fmt.Sprintf("**版本**\nv%d", version)}},
				},
			},
			{Tag: "hr"},
			{
				Tag: "note",
				Elements: []CardElement{
					{Tag: "plain_text", Content: "预测已进入审核队列，审核结果将另行通知"},
				},
			},
		},
	}
}

// NewForecastReviewCard 创建预测审核结果卡片
// cycleName: 预测周期名称
// customerName: 客户名称
// productName: 产品名称
// approved: 是否审核通过
// comment: 审核意见
func NewForecastReviewCard(cycleName, customerName, productName string, approved bool, comment string) InteractiveCard {
	// 根据结果选择颜色模板
	template := "green"
	result := "✅ 已通过"
	if !approved {
		template = "red"
		result = "❌ 已驳回"
	}

	elements := []CardElement{
		{
			Tag: "div",
			Fields: []CardField{
				{IsShort: true, Text: CardText{Tag: "lark_md", Content: fmt.Sprintf("**预测周期**\n%s", cycleName)}},
				{IsShort: true, Text: CardText{Tag: "lark_md", Content: fmt.Sprintf("**审核结果**\n%s", result)}},
				{IsShort: true, Text: CardText{Tag: "lark_md", Content: fmt.Sprintf("**客户**\n%s", customerName)}},
				{IsShort: true, Text: CardText{Tag: "lark_md", Content: fmt.Sprintf("**产品**\n%s", productName)}},
			},
		},
	}

	// 添加审核意见（如果有）
	if comment != "" {
		elements = append(elements,
			CardElement{Tag: "hr"},
			CardElement{
				Tag:  "div",
				Text: &CardText{Tag: "lark_md", Content: fmt.Sprintf("**审核意见**\n%s", comment)},
			},
		)
	}

	// 驳回时提示重新提交
	if !approved {
		elements = append(elements,
			CardElement{
				Tag: "note",
				Elements: []CardElement{
					{Tag: "plain_text", Content: "请根据审核意见修改预测数据后重新提交"},
				},
			},
		)
	}

	return InteractiveCard{
		Config: &CardConfig{WideScreenMode: true},
		Header: &CardHeader{
			Title:    CardText{Tag: "plain_text", Content: "📝 销售预测审核结果"},
			Template: template,
		},
		Elements: elements,
	}
}
