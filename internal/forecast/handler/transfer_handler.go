package handler

import (
	"github.com/bitfantasy/nimo-sfp/internal/forecast/service"
	"github.com/gin-gonic/gin"
)

// TransferHandler 批量导入导出处理器
type TransferHandler struct {
	svc        *service.TransferService
	submission *service.SubmissionService
}

// NewTransferHandler 创建导入导出处理器
func NewTransferHandler(svc *service.TransferService, submission *service.SubmissionService) *TransferHandler {
	return &TransferHandler{svc: svc, submission: submission}
}

// DownloadTemplate 下载填报模板
// 模板预填当前销售在周期内的分配组合和已有数量
// GET /api/v1/forecast-cycles/:id/template
func (h *TransferHandler) DownloadTemplate(c *gin.Context) {
	f, filename, err := h.svc.BuildTemplate(c.Request.Context(), GetUserID(c), c.Param("id"))
	if err != nil {
		RespondError(c, err)
		return
	}
	defer f.Close()

	c.Header("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	c.Header("Content-Disposition", "attachment; filename=\""+filename+"\"")
	c.Header("Content-Transfer-Encoding", "binary")

	if err := f.Write(c.Writer); err != nil {
		InternalError(c, "write excel: "+err.Error())
	}
}

// Import 批量导入预测数据（xlsx或csv）
// 结构性错误拒绝整个文件，行级错误逐行收集
// POST /api/v1/forecast-cycles/:id/import
func (h *TransferHandler) Import(c *gin.Context) {
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		BadRequest(c, "请上传xlsx或csv文件")
		return
	}
	defer file.Close()

	result, err := h.svc.ImportForecasts(c.Request.Context(), GetUserID(c), GetRoles(c), c.Param("id"), header.Filename, file)
	if err != nil {
		RespondError(c, err)
		return
	}
	Success(c, result)
}

// Report 生成周期汇总报表并返回下载链接
// 报表归档到对象存储，链接带时效
// POST /api/v1/forecast-cycles/:id/report
func (h *TransferHandler) Report(c *gin.Context) {
	cycleID := c.Param("id")

	stats, err := h.submission.CompletionStats(c.Request.Context(), cycleID)
	if err != nil {
		RespondError(c, err)
		return
	}

	link, err := h.svc.ExportReport(c.Request.Context(), GetUserID(c), cycleID, stats)
	if err != nil {
		RespondError(c, err)
		return
	}
	Success(c, link)
}
