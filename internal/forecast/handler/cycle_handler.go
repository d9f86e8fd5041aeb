package handler

import (
	"github.com/bitfantasy/nimo-sfp/internal/forecast/service"
	"github.com/gin-gonic/gin"
)

// CycleHandler 预测周期处理器
type CycleHandler struct {
	svc        *service.CycleService
	submission *service.SubmissionService
}

// NewCycleHandler 创建周期处理器
func NewCycleHandler(svc *service.CycleService, submission *service.SubmissionService) *CycleHandler {
	return &CycleHandler{svc: svc, submission: submission}
}

// Create 创建预测周期（draft状态）
// POST /api/v1/forecast-cycles
func (h *CycleHandler) Create(c *gin.Context) {
	var req service.CreateCycleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "Invalid request body: "+err.Error())
		return
	}

	cycle, err := h.svc.Create(c.Request.Context(), GetUserID(c), &req)
	if err != nil {
		RespondError(c, err)
		return
	}
	Created(c, cycle)
}

// UpdateStatus 推进周期状态（draft→open→closed）
// PATCH /api/v1/forecast-cycles/:id/status
func (h *CycleHandler) UpdateStatus(c *gin.Context) {
	id := c.Param("id")

	var req struct {
		Status string `json:"status" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "Invalid request body: "+err.Error())
		return
	}

	cycle, err := h.svc.Transition(c.Request.Context(), id, req.Status, GetUserID(c))
	if err != nil {
		RespondError(c, err)
		return
	}
	Success(c, cycle)
}

// GetActive 获取当前开放的周期
// GET /api/v1/forecast-cycles/active
func (h *CycleHandler) GetActive(c *gin.Context) {
	cycle, err := h.svc.GetActive(c.Request.Context())
	if err != nil {
		RespondError(c, err)
		return
	}
	if cycle == nil {
		NotFound(c, "no open cycle")
		return
	}
	Success(c, cycle)
}

// List 查询周期列表
// GET /api/v1/forecast-cycles?status=&year=&page=&page_size=
func (h *CycleHandler) List(c *gin.Context) {
	page, pageSize := GetPagination(c)
	filters := map[string]string{
		"status": c.Query("status"),
		"year":   c.Query("year"),
	}

	cycles, total, err := h.svc.List(c.Request.Context(), page, pageSize, filters)
	if err != nil {
		RespondError(c, err)
		return
	}
	Success(c, ListResponse{
		Items: cycles,
		Pagination: &Pagination{
			Page:       page,
			PageSize:   pageSize,
			Total:      int(total),
			TotalPages: totalPages(total, pageSize),
		},
	})
}

// Get 获取周期详情
// GET /api/v1/forecast-cycles/:id
func (h *CycleHandler) Get(c *gin.Context) {
	cycle, err := h.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		RespondError(c, err)
		return
	}
	Success(c, cycle)
}

// Stats 周期完成度统计
// GET /api/v1/forecast-cycles/:id/stats
func (h *CycleHandler) Stats(c *gin.Context) {
	stats, err := h.submission.CompletionStats(c.Request.Context(), c.Param("id"))
	if err != nil {
		RespondError(c, err)
		return
	}
	Success(c, stats)
}
