// Package entity 定义领域实体
package entity

import (
	"strings"
	"time"
	"unicode"
)

// ChapterStatus 章节状态
type ChapterStatus string

const (
	ChapterStatusDraft      ChapterStatus = "draft"
	ChapterStatusGenerating ChapterStatus = "generating"
	ChapterStatusCompleted  ChapterStatus = "completed"
	ChapterStatusFailed     ChapterStatus = "failed"
)

// GenerationMetadata 生成元数据
type GenerationMetadata struct {
	SessionID   string `json:"session_id,omitempty"`
	BatchID     string `json:"batch_id,omitempty"`
	Model       string `json:"model,omitempty"`
	Provider    string `json:"provider,omitempty"`
	LastError   string `json:"last_error,omitempty"`
	GeneratedAt string `json:"generated_at,omitempty"`
}

// Chapter 章节实体，批量生成中的"单元"
type Chapter struct {
	ID                 string              `json:"id" gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`
	ProjectID          string              `json:"project_id" gorm:"type:uuid;not null;uniqueIndex:idx_chapters_project_seq"`
	SeqNum             int                 `json:"seq_num" gorm:"not null;uniqueIndex:idx_chapters_project_seq"`
	Title              string              `json:"title,omitempty" gorm:"type:varchar(255)"`
	Outline            string              `json:"outline,omitempty" gorm:"type:text"`
	ContentText        string              `json:"content_text,omitempty" gorm:"type:text"`
	WordCount          int                 `json:"word_count" gorm:"default:0"`
	Status             ChapterStatus       `json:"status" gorm:"type:varchar(50);default:'draft'"`
	GenerationMetadata *GenerationMetadata `json:"generation_metadata,omitempty" gorm:"type:jsonb;serializer:json"`
	Version            int                 `json:"version" gorm:"default:1"`
	CreatedAt          time.Time           `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt          time.Time           `json:"updated_at" gorm:"autoUpdateTime"`
}

// TableName 指定表名
func (Chapter) TableName() string {
	return "chapters"
}

// NewChapter 创建新章节
func NewChapter(projectID string, seqNum int) *Chapter {
	now := time.Now()
	return &Chapter{
		ProjectID: projectID,
		SeqNum:    seqNum,
		WordCount: 0,
		Status:    ChapterStatusDraft,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// SetContent 设置章节内容
func (c *Chapter) SetContent(content string) {
	c.ContentText = content
	c.WordCount = CountWords(content)
	c.UpdatedAt = time.Now()
}

// IsReadyForGeneration 章节是否可以开始生成：草稿且正文为空
func (c *Chapter) IsReadyForGeneration() bool {
	return c.Status == ChapterStatusDraft && strings.TrimSpace(c.ContentText) == ""
}

// IncrementVersion 增加版本号
func (c *Chapter) IncrementVersion() {
	c.Version++
	c.UpdatedAt = time.Now()
}

// CountWords 统计字数：不计空白
func CountWords(content string) int {
	n := 0
	for _, r := range content {
		if !unicode.IsSpace(r) {
			n++
		}
	}
	return n
}
