package handler

import (
	"errors"
	"strconv"

	"github.com/bitfantasy/nimo-sfp/internal/forecast/service"
	"github.com/gin-gonic/gin"
)

// Handlers 处理器集合
type Handlers struct {
	Cycle    *CycleHandler
	Forecast *ForecastHandler
	Transfer *TransferHandler
}

// NewHandlers 创建处理器集合
func NewHandlers(svc *service.Services) *Handlers {
	return &Handlers{
		Cycle:    NewCycleHandler(svc.Cycle, svc.Submission),
		Forecast: NewForecastHandler(svc.Forecast, svc.Submission),
		Transfer: NewTransferHandler(svc.Transfer, svc.Submission),
	}
}

// Response 通用响应结构
type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// ListResponse 列表响应结构
type ListResponse struct {
	Items      interface{} `json:"items"`
	Pagination *Pagination `json:"pagination"`
}

// Pagination 分页信息
type Pagination struct {
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	Total      int `json:"total"`
	TotalPages int `json:"total_pages"`
}

// Success 成功响应
func Success(c *gin.Context, data interface{}) {
	c.JSON(200, Response{
		Code:    0,
		Message: "success",
		Data:    data,
	})
}

// Created 创建成功响应
func Created(c *gin.Context, data interface{}) {
	c.JSON(201, Response{
		Code:    0,
		Message: "success",
		Data:    data,
	})
}

// Error 错误响应
func Error(c *gin.Context, code int, message string) {
	statusCode := code / 100
	if statusCode < 100 || statusCode > 599 {
		statusCode = 500
	}
	c.JSON(statusCode, Response{
		Code:    code,
		Message: message,
	})
}

// ErrorWithData 带附加数据的错误响应
// 校验类错误用它携带完整的违规列表
func ErrorWithData(c *gin.Context, code int, message string, data interface{}) {
	statusCode := code / 100
	if statusCode < 100 || statusCode > 599 {
		statusCode = 500
	}
	c.JSON(statusCode, Response{
		Code:    code,
		Message: message,
		Data:    data,
	})
}

// BadRequest 参数错误响应
func BadRequest(c *gin.Context, message string) {
	Error(c, 40000, message)
}

// Unauthorized 未授权响应
func Unauthorized(c *gin.Context, message string) {
	Error(c, 40100, message)
}

// Forbidden 禁止访问响应
func Forbidden(c *gin.Context, message string) {
	Error(c, 40300, message)
}

// NotFound 资源不存在响应
func NotFound(c *gin.Context, message string) {
	Error(c, 40400, message)
}

// Conflict 写入冲突响应
func Conflict(c *gin.Context, message string) {
	Error(c, 40900, message)
}

// UnprocessableEntity 业务校验失败响应
func UnprocessableEntity(c *gin.Context, message string, violations []string) {
	ErrorWithData(c, 42200, message, gin.H{"violations": violations})
}

// InternalError 服务器错误响应
func InternalError(c *gin.Context, message string) {
	Error(c, 50000, message)
}

// RespondError 按服务层错误类型映射HTTP响应
// 未识别的错误兜底为500，不向客户端泄露内部细节以外的内容
func RespondError(c *gin.Context, err error) {
	var (
		validationErr *service.ValidationError
		stateErr      *service.StateError
		conflictErr   *service.ConflictError
		authErr       *service.AuthorizationError
		notFoundErr   *service.NotFoundError
	)
	switch {
	case errors.As(err, &validationErr):
		UnprocessableEntity(c, "validation failed", validationErr.Violations)
	case errors.As(err, &stateErr):
		Conflict(c, stateErr.Error())
	case errors.As(err, &conflictErr):
		Conflict(c, conflictErr.Error())
	case errors.As(err, &authErr):
		Forbidden(c, authErr.Error())
	case errors.As(err, &notFoundErr):
		NotFound(c, notFoundErr.Error())
	default:
		InternalError(c, err.Error())
	}
}

// GetUserID 从上下文获取用户ID
func GetUserID(c *gin.Context) string {
	userID, _ := c.Get("user_id")
	if id, ok := userID.(string); ok {
		return id
	}
	return ""
}

// GetRoles 从上下文获取用户角色列表
func GetRoles(c *gin.Context) []string {
	roles, _ := c.Get("roles")
	if rs, ok := roles.([]string); ok {
		return rs
	}
	return nil
}

// GetPagination 从请求获取分页参数
func GetPagination(c *gin.Context) (page, pageSize int) {
	page = 1
	pageSize = 20

	if p := c.Query("page"); p != "" {
		if v, err := strconv.Atoi(p); err == nil && v > 0 {
			page = v
		}
	}

	if ps := c.Query("page_size"); ps != "" {
		if v, err := strconv.Atoi(ps); err == nil && v > 0 && v <= 100 {
			pageSize = v
		}
	}

	return page, pageSize
}

func totalPages(total int64, pageSize int) int {
	if pageSize <= 0 {
		return 0
	}
	pages := int(total) / pageSize
	if int(total)%pageSize > 0 {
		pages++
	}
	return pages
}
