// Package model 定义章节生成工作流的输入输出
package model

// ChapterGenerateInput 单章生成输入
type ChapterGenerateInput struct {
	ProjectID  string
	UnitNumber int
	Prompt     string
	TemplateID string

	// References 前文片段，按时间顺序排列，最后一段为上一章结尾
	References []string

	Provider string
	Model    string

	Temperature *float32
	MaxTokens   *int
}

// ChapterPlan 规划阶段产出的标题与大纲
type ChapterPlan struct {
	Title   string `json:"title"`
	Outline string `json:"outline"`
}
