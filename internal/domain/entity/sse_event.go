package entity

// SSEEventKind 生成流事件类型
type SSEEventKind string

const (
	EventPhase    SSEEventKind = "phase"
	EventOutline  SSEEventKind = "outline"
	EventMessage  SSEEventKind = "message"
	EventTitle    SSEEventKind = "title"
	EventProgress SSEEventKind = "progress"
	EventError    SSEEventKind = "error"
	EventDone     SSEEventKind = "done"
)

// SSEEvent 解释后的生成流事件
// Message 事件的 Text 为正文增量；Progress 事件的 Text 为进度描述，Step 为步骤标识
type SSEEvent struct {
	Kind SSEEventKind `json:"kind"`
	Text string       `json:"text,omitempty"`
	Step string       `json:"step,omitempty"`
}

// PhaseEvent 阶段事件
func PhaseEvent(text string) SSEEvent {
	return SSEEvent{Kind: EventPhase, Text: text}
}

// OutlineEvent 大纲事件
func OutlineEvent(text string) SSEEvent {
	return SSEEvent{Kind: EventOutline, Text: text}
}

// MessageEvent 正文增量事件
func MessageEvent(delta string) SSEEvent {
	return SSEEvent{Kind: EventMessage, Text: delta}
}

// TitleEvent 标题事件
func TitleEvent(text string) SSEEvent {
	return SSEEvent{Kind: EventTitle, Text: text}
}

// ProgressEvent 进度事件
func ProgressEvent(step, message string) SSEEvent {
	return SSEEvent{Kind: EventProgress, Step: step, Text: message}
}

// ErrorEvent 错误事件
func ErrorEvent(text string) SSEEvent {
	return SSEEvent{Kind: EventError, Text: text}
}

// DoneEvent 结束事件
func DoneEvent() SSEEvent {
	return SSEEvent{Kind: EventDone}
}

// IsPreparation 是否为准备阶段事件（写入阶段日志）
func (e SSEEvent) IsPreparation() bool {
	switch e.Kind {
	case EventPhase, EventOutline, EventProgress:
		return true
	}
	return false
}
