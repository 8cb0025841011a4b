package stream

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/tidwall/gjson"

	"z-novel-studio/internal/domain/entity"
)

// DefaultNoisePhrases 生成服务在正文通道上推送的状态短语
var DefaultNoisePhrases = []string{
	"preparing",
	"saving",
	"updating memory",
	"generating",
	"processing",
	"正在准备",
	"正在保存",
	"正在更新记忆",
	"正在生成",
	"正在处理",
	"准备中",
	"保存中",
	"生成中",
}

// noiseDecorationMaxRunes 短语之后允许的装饰长度，如 "(2/3)"、"50%"
const noiseDecorationMaxRunes = 8

// Interpreter 将记录解释为领域事件，无副作用
type Interpreter struct {
	noise []string
}

// NewInterpreter 创建解释器，extraNoise 追加到默认噪声短语之后
func NewInterpreter(extraNoise ...string) *Interpreter {
	noise := make([]string, 0, len(DefaultNoisePhrases)+len(extraNoise))
	for _, p := range append(append([]string{}, DefaultNoisePhrases...), extraNoise...) {
		p = normalizeNoise(p)
		if p != "" {
			noise = append(noise, p)
		}
	}
	return &Interpreter{noise: noise}
}

// Interpret 解释一条记录；返回 false 表示该记录不产生事件（如空增量）
func (i *Interpreter) Interpret(rec Record) (entity.SSEEvent, bool) {
	switch rec.Event {
	case "phase":
		return entity.PhaseEvent(namedText(rec.Data)), true
	case "outline":
		return entity.OutlineEvent(namedText(rec.Data)), true
	case "title":
		return entity.TitleEvent(strings.TrimSpace(namedText(rec.Data))), true
	case "error":
		return entity.ErrorEvent(errorText(rec.Data)), true
	case "progress":
		return progressEvent(rec.Data), true
	case "done":
		return entity.DoneEvent(), true
	}
	return i.interpretContent(rec.Data)
}

// interpretContent 处理未命名或未知通道：JSON 优先，失败时回退为原始文本
func (i *Interpreter) interpretContent(payload string) (entity.SSEEvent, bool) {
	if gjson.Valid(payload) {
		return interpretJSON(gjson.Parse(payload))
	}
	if i.IsNoise(payload) {
		return entity.ProgressEvent("", strings.TrimSpace(payload)), true
	}
	return messageOrSkip(payload)
}

// IsNoise 判断非 JSON 负载是否为状态短语
// 归一化后须与短语完全相同，或只多出不含文字的简短装饰
func (i *Interpreter) IsNoise(payload string) bool {
	n := normalizeNoise(payload)
	if n == "" {
		return false
	}
	for _, p := range i.noise {
		if n == p {
			return true
		}
		if rest, ok := strings.CutPrefix(n, p); ok && isDecoration(rest) {
			return true
		}
	}
	return false
}

func isDecoration(s string) bool {
	if utf8.RuneCountInString(s) > noiseDecorationMaxRunes {
		return false
	}
	for _, r := range s {
		if unicode.IsLetter(r) || isSentenceMark(r) {
			return false
		}
	}
	return true
}

func isSentenceMark(r rune) bool {
	switch r {
	case '。', '？', '！', '，', '；', '?', '!', ',', ';':
		return true
	}
	return false
}

func interpretJSON(r gjson.Result) (entity.SSEEvent, bool) {
	switch r.Type {
	case gjson.String:
		return messageOrSkip(r.Str)
	case gjson.Number:
		return entity.MessageEvent(r.Raw), true
	case gjson.True, gjson.False:
		return entity.MessageEvent(r.Raw), true
	case gjson.Null:
		return entity.SSEEvent{}, false
	}

	if r.IsArray() {
		var b strings.Builder
		r.ForEach(func(_, v gjson.Result) bool {
			switch v.Type {
			case gjson.String:
				b.WriteString(v.Str)
			case gjson.Number, gjson.True, gjson.False:
				b.WriteString(v.Raw)
			}
			return true
		})
		return messageOrSkip(b.String())
	}

	if !r.IsObject() {
		return entity.SSEEvent{}, false
	}
	if isProgressObject(r) {
		return entity.ProgressEvent(r.Get("step").String(), r.Get("message").String()), true
	}
	for _, path := range []string{"content", "generatedContent", "delta", "text", "choices.0.delta.content"} {
		if v := r.Get(path); v.Type == gjson.String {
			return messageOrSkip(v.Str)
		}
	}
	if v := r.Get("error"); v.Exists() {
		return entity.ErrorEvent(errorText(v.Raw)), true
	}
	return entity.SSEEvent{}, false
}

// isProgressObject 携带 {message, step} 的对象视为进度
func isProgressObject(r gjson.Result) bool {
	return r.Get("message").Exists() && r.Get("step").Exists()
}

func progressEvent(payload string) entity.SSEEvent {
	r := gjson.Parse(payload)
	if gjson.Valid(payload) {
		switch {
		case r.IsObject() && (r.Get("step").Exists() || r.Get("message").Exists()):
			return entity.ProgressEvent(r.Get("step").String(), r.Get("message").String())
		case r.Type == gjson.String:
			return entity.ProgressEvent("", r.Str)
		}
	}
	return entity.ProgressEvent("", payload)
}

// namedText 命名通道的文本：JSON 字符串去引号，对象取常见字段，其余原样返回
func namedText(payload string) string {
	if !gjson.Valid(payload) {
		return payload
	}
	r := gjson.Parse(payload)
	switch {
	case r.Type == gjson.String:
		return r.Str
	case r.IsObject():
		for _, key := range []string{"text", "content", "title", "outline", "message"} {
			if v := r.Get(key); v.Type == gjson.String {
				return v.Str
			}
		}
	}
	return payload
}

func errorText(payload string) string {
	if gjson.Valid(payload) {
		r := gjson.Parse(payload)
		if r.IsObject() {
			for _, key := range []string{"message", "error", "detail"} {
				if v := r.Get(key); v.Type == gjson.String && v.Str != "" {
					return v.Str
				}
			}
		}
	}
	text := strings.TrimSpace(namedText(payload))
	if text == "" {
		return "generation failed"
	}
	return text
}

func messageOrSkip(delta string) (entity.SSEEvent, bool) {
	if delta == "" {
		return entity.SSEEvent{}, false
	}
	return entity.MessageEvent(delta), true
}

// normalizeNoise 小写、去空白并去掉结尾的省略号与句点
func normalizeNoise(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.TrimRight(s, ".。…· ")
}
