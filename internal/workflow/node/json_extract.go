package node

import (
	"strings"

	"github.com/tidwall/gjson"

	wfmodel "z-novel-studio/internal/workflow/model"
)

// ExtractJSONObject 从模型输出中截取第一个 JSON 对象
// 模型常在 JSON 前后夹杂说明文字或代码块标记
func ExtractJSONObject(s string) string {
	raw := strings.TrimSpace(s)
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return raw
	}
	candidate := raw[start : end+1]
	if gjson.Valid(candidate) {
		return candidate
	}
	return raw
}

// ParseChapterPlan 解析规划输出；非 JSON 时整段视为大纲
func ParseChapterPlan(s string) wfmodel.ChapterPlan {
	raw := ExtractJSONObject(s)
	if !gjson.Valid(raw) {
		return wfmodel.ChapterPlan{Outline: strings.TrimSpace(s)}
	}
	r := gjson.Parse(raw)
	return wfmodel.ChapterPlan{
		Title:   strings.TrimSpace(r.Get("title").String()),
		Outline: strings.TrimSpace(r.Get("outline").String()),
	}
}
