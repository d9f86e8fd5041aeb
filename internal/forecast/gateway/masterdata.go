package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/bitfantasy/nimo-sfp/internal/config"
	"github.com/bitfantasy/nimo-sfp/internal/forecast/entity"
	"github.com/bitfantasy/nimo-sfp/internal/forecast/service"
)

// =============================================================================
// MasterDataClient — 主数据服务客户端
// 销售分配关系（客户×产品×销售）和价格表由主数据服务维护，
// 本服务只读消费，不做任何主数据写入
// =============================================================================

// MasterDataClient 主数据服务HTTP客户端
type MasterDataClient struct {
	baseURL    string       // 主数据服务地址
	token      string       // 服务间调用令牌
	httpClient *http.Client // HTTP客户端
}

// NewMasterDataClient 创建主数据客户端实例
func NewMasterDataClient(cfg config.MasterDataConfig) *MasterDataClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &MasterDataClient{
		baseURL: cfg.BaseURL,
		token:   cfg.Token,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// mdResponse 主数据服务统一响应结构
type mdResponse struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// ListActiveAssignments 拉取当前生效的销售分配关系
// 周期开启时用于生成初始预测单
func (c *MasterDataClient) ListActiveAssignments(ctx context.Context) ([]service.Assignment, error) {
	var assignments []service.Assignment
	if err := c.doRequest(ctx, "/api/v1/assignments?status=active", &assignments); err != nil {
		return nil, fmt.Errorf("拉取销售分配关系失败: %w", err)
	}
	return assignments, nil
}

// priceResult 价格解析响应
type priceResult struct {
	UnitPrice float64 `json:"unit_price"` // 解析出的单价
	Source    string  `json:"source"`     // 价格来源：customer_price / standard
}

// ResolvePrice 解析客户×产品的当前单价
// useCustomerPrice为true时优先取客户专属价，无客户价则回退标准价
func (c *MasterDataClient) ResolvePrice(ctx context.Context, customerID, productID string, useCustomerPrice bool) (float64, string, error) {
	q := url.Values{}
	q.Set("customer_id", customerID)
	q.Set("product_id", productID)
	if useCustomerPrice {
		q.Set("prefer", "customer")
	} else {
		q.Set("prefer", "standard")
	}

	var result priceResult
	if err := c.doRequest(ctx, "/api/v1/prices/resolve?"+q.Encode(), &result); err != nil {
		return 0, "", fmt.Errorf("解析价格失败(customer=%s, product=%s): %w", customerID, productID, err)
	}

	// 主数据返回的来源标识归一化为本服务的常量
	source := entity.PriceSourceStandard
	if result.Source == entity.PriceSourceCustomer {
		source = entity.PriceSourceCustomer
	}
	return result.UnitPrice, source, nil
}

// doRequest 执行主数据API的GET请求并解析统一响应结构
func (c *MasterDataClient) doRequest(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("创建HTTP请求失败: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP请求失败: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("读取响应体失败: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("主数据服务返回HTTP %d: %s", resp.StatusCode, string(respBody))
	}

	var envelope mdResponse
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return fmt.Errorf("解析响应结构失败: %w", err)
	}
	if envelope.Code != 0 && envelope.Code != 20000 {
		return fmt.Errorf("主数据服务错误[%d]: %s", envelope.Code, envelope.Message)
	}

	if out != nil {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return fmt.Errorf("解析响应数据失败: %w", err)
		}
	}
	return nil
}
