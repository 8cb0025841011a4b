package dto

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"z-novel-studio/pkg/errors"
)

// PageRequest 分页请求参数
type PageRequest struct {
	Page     int `form:"page" json:"page"`
	PageSize int `form:"page_size" json:"page_size"`
}

// Normalize 规范化分页参数
func (r *PageRequest) Normalize() {
	if r.Page < 1 {
		r.Page = 1
	}
	if r.PageSize < 1 {
		r.PageSize = 20
	}
	if r.PageSize > 100 {
		r.PageSize = 100
	}
}

// BindPage 从 Gin Context 绑定分页参数
func BindPage(c *gin.Context) PageRequest {
	req := PageRequest{
		Page:     parseIntWithDefault(c.Query("page"), 1),
		PageSize: parseIntWithDefault(c.Query("page_size"), 20),
	}
	req.Normalize()
	return req
}

func parseIntWithDefault(s string, defaultVal int) int {
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}

// BindProjectID 从 URI 绑定项目 ID，必须为 UUID
func BindProjectID(c *gin.Context) (string, error) {
	return bindUUIDParam(c, "pid")
}

// BindBatchID 从 URI 绑定批量任务 ID，必须为 UUID
func BindBatchID(c *gin.Context) (string, error) {
	return bindUUIDParam(c, "bid")
}

func bindUUIDParam(c *gin.Context, name string) (string, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return "", errors.ErrInvalidParam.WithDetail("invalid " + name)
	}
	return id.String(), nil
}
