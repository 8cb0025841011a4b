package dto

// GenerateChapterRequest 单章生成请求
type GenerateChapterRequest struct {
	UnitNumber  int      `json:"unit_number" binding:"required,min=1"`
	Prompt      string   `json:"prompt" binding:"max=4000"`
	TemplateID  string   `json:"template_id" binding:"max=64"`
	Provider    string   `json:"provider" binding:"max=32"`
	Model       string   `json:"model" binding:"max=64"`
	References  []string `json:"references" binding:"max=8"`
	Temperature *float32 `json:"temperature" binding:"omitempty,min=0,max=2"`
	MaxTokens   *int     `json:"max_tokens" binding:"omitempty,min=1,max=32000"`
}
