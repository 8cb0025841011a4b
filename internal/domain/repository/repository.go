package repository

import (
	"context"
)

// 分页默认值与上限
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// TxKey 事务在 context 中的键
type TxKey struct{}

// Transactor 事务管理接口；fn 内通过 ctx 取得事务连接
type Transactor interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// Pagination 分页参数，Page 从 1 开始
type Pagination struct {
	Page     int `json:"page"`
	PageSize int `json:"page_size"`
}

// NewPagination 创建分页参数，越界值被修正
func NewPagination(page, pageSize int) Pagination {
	return Pagination{Page: page, PageSize: pageSize}.normalize()
}

func (p Pagination) normalize() Pagination {
	if p.Page < 1 {
		p.Page = 1
	}
	switch {
	case p.PageSize < 1:
		p.PageSize = DefaultPageSize
	case p.PageSize > MaxPageSize:
		p.PageSize = MaxPageSize
	}
	return p
}

// Offset 偏移量
func (p Pagination) Offset() int {
	p = p.normalize()
	return (p.Page - 1) * p.PageSize
}

// Limit 单页数量
func (p Pagination) Limit() int {
	return p.normalize().PageSize
}

// PagedResult 分页结果
type PagedResult[T any] struct {
	Items      []T   `json:"items"`
	Total      int64 `json:"total"`
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	TotalPages int   `json:"total_pages"`
}

// NewPagedResult 创建分页结果
func NewPagedResult[T any](items []T, total int64, p Pagination) *PagedResult[T] {
	p = p.normalize()
	size := int64(p.PageSize)
	return &PagedResult[T]{
		Items:      items,
		Total:      total,
		Page:       p.Page,
		PageSize:   p.PageSize,
		TotalPages: int((total + size - 1) / size),
	}
}
