package service

import (
	"fmt"
	"strings"
)

// ValidationError 校验失败，携带完整的违规列表
type ValidationError struct {
	Violations []string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Violations, ", ")
}

// StateError 非法的生命周期流转，报文中指明当前状态与目标状态
type StateError struct {
	Entity  string
	Current string
	Target  string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s transition not allowed: %s -> %s", e.Entity, e.Current, e.Target)
}

// ConflictError 写入冲突：重复记录、版本过期或并发状态竞争
type ConflictError struct {
	Reason string
}

func (e *ConflictError) Error() string {
	return e.Reason
}

// AuthorizationError 操作者无权执行该操作
type AuthorizationError struct {
	Reason string
}

func (e *AuthorizationError) Error() string {
	return e.Reason
}

// NotFoundError 资源不存在
type NotFoundError struct {
	Resource string
}

func (e *NotFoundError) Error() string {
	return e.Resource + " not found"
}
