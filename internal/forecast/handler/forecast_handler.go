package handler

import (
	"github.com/bitfantasy/nimo-sfp/internal/forecast/service"
	"github.com/gin-gonic/gin"
)

// ForecastHandler 预测单处理器
type ForecastHandler struct {
	svc        *service.ForecastService
	submission *service.SubmissionService
}

// NewForecastHandler 创建预测单处理器
func NewForecastHandler(svc *service.ForecastService, submission *service.SubmissionService) *ForecastHandler {
	return &ForecastHandler{svc: svc, submission: submission}
}

// Create 创建预测单版本1
// POST /api/v1/forecasts
func (h *ForecastHandler) Create(c *gin.Context) {
	var req service.CreateForecastRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "Invalid request body: "+err.Error())
		return
	}

	forecast, err := h.svc.Create(c.Request.Context(), GetUserID(c), GetRoles(c), &req)
	if err != nil {
		RespondError(c, err)
		return
	}
	Created(c, forecast)
}

// Update 更新预测数据，产生新版本
// PUT /api/v1/forecasts/:id
func (h *ForecastHandler) Update(c *gin.Context) {
	var req service.UpdateForecastRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "Invalid request body: "+err.Error())
		return
	}

	forecast, err := h.svc.Update(c.Request.Context(), GetUserID(c), GetRoles(c), c.Param("id"), &req)
	if err != nil {
		RespondError(c, err)
		return
	}
	Success(c, forecast)
}

// Get 获取预测单详情（含月度明细）
// GET /api/v1/forecasts/:id
func (h *ForecastHandler) Get(c *gin.Context) {
	forecast, err := h.svc.Get(c.Request.Context(), GetUserID(c), GetRoles(c), c.Param("id"))
	if err != nil {
		RespondError(c, err)
		return
	}
	Success(c, forecast)
}

// ListByCycle 查询周期内的当前版本预测单
// 无审核角色时强制过滤为本人数据
// GET /api/v1/forecasts?cycle_id=&sales_rep_id=&status=&page=&page_size=
func (h *ForecastHandler) ListByCycle(c *gin.Context) {
	cycleID := c.Query("cycle_id")
	if cycleID == "" {
		BadRequest(c, "cycle_id is required")
		return
	}

	page, pageSize := GetPagination(c)
	filters := map[string]string{
		"sales_rep_id": c.Query("sales_rep_id"),
		"customer_id":  c.Query("customer_id"),
		"product_id":   c.Query("product_id"),
		"status":       c.Query("status"),
	}

	forecasts, total, err := h.svc.ListByCycle(c.Request.Context(), GetUserID(c), GetRoles(c), cycleID, page, pageSize, filters)
	if err != nil {
		RespondError(c, err)
		return
	}
	Success(c, ListResponse{
		Items: forecasts,
		Pagination: &Pagination{
			Page:       page,
			PageSize:   pageSize,
			Total:      int(total),
			TotalPages: totalPages(total, pageSize),
		},
	})
}

// History 查询预测单的完整版本链
// GET /api/v1/forecasts/:id/history
func (h *ForecastHandler) History(c *gin.Context) {
	versions, err := h.svc.History(c.Request.Context(), GetUserID(c), GetRoles(c), c.Param("id"))
	if err != nil {
		RespondError(c, err)
		return
	}
	Success(c, gin.H{"items": versions})
}

// Submit 提交预测单（draft或rejected的当前版本）
// POST /api/v1/forecasts/:id/submit
func (h *ForecastHandler) Submit(c *gin.Context) {
	forecast, err := h.submission.Submit(c.Request.Context(), GetUserID(c), GetRoles(c), c.Param("id"))
	if err != nil {
		RespondError(c, err)
		return
	}
	Success(c, forecast)
}

// reviewRequest 审核请求体
type reviewRequest struct {
	Comment string `json:"comment"`
}

// Approve 审核通过
// POST /api/v1/forecasts/:id/approve
func (h *ForecastHandler) Approve(c *gin.Context) {
	var req reviewRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		BadRequest(c, "Invalid request body: "+err.Error())
		return
	}

	forecast, err := h.submission.Approve(c.Request.Context(), GetUserID(c), GetRoles(c), c.Param("id"), req.Comment)
	if err != nil {
		RespondError(c, err)
		return
	}
	Success(c, forecast)
}

// Reject 审核驳回，意见必填
// POST /api/v1/forecasts/:id/reject
func (h *ForecastHandler) Reject(c *gin.Context) {
	var req reviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "Invalid request body: "+err.Error())
		return
	}

	forecast, err := h.submission.Reject(c.Request.Context(), GetUserID(c), GetRoles(c), c.Param("id"), req.Comment)
	if err != nil {
		RespondError(c, err)
		return
	}
	Success(c, forecast)
}

// BulkSubmit 批量提交某销售在周期内的全部草稿
// POST /api/v1/forecasts/bulk-submit
func (h *ForecastHandler) BulkSubmit(c *gin.Context) {
	var req struct {
		CycleID    string `json:"cycle_id" binding:"required"`
		SalesRepID string `json:"sales_rep_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "Invalid request body: "+err.Error())
		return
	}

	result, err := h.submission.BulkSubmit(c.Request.Context(), GetUserID(c), GetRoles(c), req.CycleID, req.SalesRepID)
	if err != nil {
		RespondError(c, err)
		return
	}
	Success(c, result)
}
