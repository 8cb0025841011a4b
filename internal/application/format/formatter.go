// Package format 对生成中的中文正文做断句分段
//
// Format 是纯函数，只依赖完整的原始文本，因此流式过程中每次增量后重新对整段原文排版即可，
// 结果与一次性排版一致。
package format

import (
	"regexp"
	"strings"
	"unicode"
)

// paragraphBreak 段落分隔
const paragraphBreak = "\n\n"

var excessNewlines = regexp.MustCompile(`\n{3,}`)

func isLeftQuote(r rune) bool {
	switch r {
	case '“', '‘', '「', '『':
		return true
	}
	return false
}

func isRightQuote(r rune) bool {
	switch r {
	case '”', '’', '」', '』':
		return true
	}
	return false
}

// isEndMark 句末标点与省略号；连续出现时视为一个整体
func isEndMark(r rune) bool {
	switch r {
	case '。', '？', '！', '…':
		return true
	}
	return false
}

func isOpeningBracket(r rune) bool {
	switch r {
	case '（', '(', '【', '《', '〈', '［':
		return true
	}
	return false
}

// isContinuation 右引号后紧跟这些字符时不分段，如 “你好”，他说
// 左引号与开括号开启新的语句，不在此列
func isContinuation(r rune) bool {
	if isLeftQuote(r) || isOpeningBracket(r) {
		return false
	}
	return unicode.IsPunct(r) || r == '～' || r == '~'
}

// Format 对完整原文做断句分段
func Format(text string) string {
	return segment(text, false)
}

// FormatDelta 追加增量并重新排版
func FormatDelta(prevRaw, delta string) (newRaw, formatted string) {
	newRaw = prevRaw + delta
	return newRaw, Format(newRaw)
}

// Realtime 低延迟预览排版：句末标点与右引号后一律分段，不做前瞻
func Realtime(text string) string {
	return segment(text, true)
}

// RealtimeDelta 追加增量并生成实时预览
func RealtimeDelta(prevRaw, delta string) (newRaw, preview string) {
	newRaw = prevRaw + delta
	return newRaw, Realtime(newRaw)
}

type segmenter struct {
	b        strings.Builder
	inQuote  bool
	lineText bool // 当前行是否已有非空白字符
	last     rune
}

func (s *segmenter) write(r rune) {
	s.b.WriteRune(r)
	s.last = r
	if !unicode.IsSpace(r) {
		s.lineText = true
	}
}

// space 引号内的换行替换为一个空格
func (s *segmenter) space() {
	if s.last == ' ' {
		return
	}
	s.write(' ')
}

// breakLine 分段；当前行为空时不产生空段
func (s *segmenter) breakLine() {
	if !s.lineText {
		return
	}
	s.b.WriteString(paragraphBreak)
	s.lineText = false
	s.last = '\n'
}

func segment(text string, realtime bool) string {
	if text == "" {
		return ""
	}
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	rs := []rune(text)

	s := &segmenter{}
	s.b.Grow(len(text) + len(text)/8)

	for i := 0; i < len(rs); i++ {
		r := rs[i]
		switch {
		case r == '\n':
			if s.inQuote {
				s.space()
			} else {
				s.breakLine()
			}

		case isLeftQuote(r):
			s.write(r)
			s.inQuote = true

		case isRightQuote(r):
			s.write(r)
			s.inQuote = false
			if !realtime && i+1 < len(rs) && isContinuation(rs[i+1]) {
				continue
			}
			s.breakLine()

		case isEndMark(r) && !s.inQuote:
			j := i
			for j+1 < len(rs) && isEndMark(rs[j+1]) {
				j++
			}
			for _, m := range rs[i : j+1] {
				s.write(m)
			}
			i = j
			if realtime {
				s.breakLine()
				continue
			}

			// 跳过空白后检查下一个字符
			k := j + 1
			for k < len(rs) && unicode.IsSpace(rs[k]) {
				k++
			}
			i = k - 1
			// 右引号随后闭合当前语句，分段推迟到引号之后
			if k < len(rs) && isRightQuote(rs[k]) {
				continue
			}
			s.breakLine()

		default:
			s.write(r)
		}
	}

	return tidy(s.b.String())
}

// tidy 逐行去除首尾空白并把 3 个以上连续换行压缩为 2 个
func tidy(s string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	out := excessNewlines.ReplaceAllString(strings.Join(lines, "\n"), paragraphBreak)
	return strings.Trim(out, "\n")
}
