package entity

import "time"

// SessionStatus 生成会话状态
type SessionStatus string

const (
	SessionStatusIdle      SessionStatus = "idle"
	SessionStatusPreparing SessionStatus = "preparing"
	SessionStatusStreaming SessionStatus = "streaming"
	SessionStatusComplete  SessionStatus = "complete"
	SessionStatusErrored   SessionStatus = "errored"
)

// IsTerminal 是否为终态
func (s SessionStatus) IsTerminal() bool {
	return s == SessionStatusComplete || s == SessionStatusErrored
}

// PhaseEntry 阶段日志条目
type PhaseEntry struct {
	Kind SSEEventKind `json:"kind"`
	Step string       `json:"step,omitempty"`
	Text string       `json:"text"`
	At   time.Time    `json:"at"`
}

// SessionSnapshot 生成会话的只读快照
type SessionSnapshot struct {
	SessionID     string        `json:"session_id"`
	ProjectID     string        `json:"project_id,omitempty"`
	UnitNumber    int           `json:"unit_number"`
	Status        SessionStatus `json:"status"`
	RawText       string        `json:"raw_text"`
	FormattedText string        `json:"formatted_text"`
	PreviewText   string        `json:"preview_text,omitempty"`
	PhaseLog      []PhaseEntry  `json:"phase_log"`
	Title         string        `json:"title,omitempty"`
	Outline       string        `json:"outline,omitempty"`
	LastError     string        `json:"last_error,omitempty"`
	CharCount     int           `json:"char_count"`
	StartedAt     time.Time     `json:"started_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// GenerateRequest 章节生成请求
type GenerateRequest struct {
	ProjectID  string   `json:"-"`
	UnitNumber int      `json:"unit_number"`
	Prompt     string   `json:"prompt,omitempty"`
	TemplateID string   `json:"template_id,omitempty"`
	Provider   string   `json:"provider,omitempty"`
	Model      string   `json:"model,omitempty"`
	References []string `json:"references,omitempty"`
}
