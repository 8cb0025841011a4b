package format

import (
	"strings"
	"testing"
	"unicode"
)

// TestFormat covers the quote and end-mark segmentation rules.
func TestFormat(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "empty", in: "", want: ""},
		{name: "quote suppresses inner end mark", in: "“夫人，我是周毅。”", want: "“夫人，我是周毅。”"},
		{name: "break after closing quote", in: "“夫人，我是周毅。”她抬起头。", want: "“夫人，我是周毅。”\n\n她抬起头。"},
		{name: "quote then punctuation", in: "“降维打击”。", want: "“降维打击”。"},
		{name: "quote then punctuation mid text", in: "这招叫“降维打击”。他笑了。", want: "这招叫“降维打击”。\n\n他笑了。"},
		{name: "deferred break before quote", in: "这一档了吧？\n”", want: "这一档了吧？”"},
		{name: "deferred break then text", in: "这一档了吧？ \n ”他问。", want: "这一档了吧？”\n\n他问。"},
		{name: "comma after quote", in: "“你好”，他说。", want: "“你好”，他说。"},
		{name: "consecutive dialogue", in: "“走吧。”“好。”", want: "“走吧。”\n\n“好。”"},
		{name: "ellipsis token", in: "他愣住了……然后笑了。", want: "他愣住了……\n\n然后笑了。"},
		{name: "end mark run", in: "真的吗？！你来了。", want: "真的吗？！\n\n你来了。"},
		{name: "newline inside quotes", in: "“第一句\n第二句”", want: "“第一句 第二句”"},
		{name: "newlines inside quotes do not double", in: "“第一句\n\n\n第二句”", want: "“第一句 第二句”"},
		{name: "blank lines collapse", in: "第一段\n\n\n\n第二段", want: "第一段\n\n第二段"},
		{name: "line whitespace trimmed", in: "  开头。  结尾  ", want: "开头。\n\n结尾"},
		{name: "crlf", in: "第一段\r\n第二段", want: "第一段\n\n第二段"},
		{name: "only right quotes defer", in: "他走了。）然后他回来了。", want: "他走了。\n\n）然后他回来了。"},
		{name: "corner quotes", in: "「来了。」他说。", want: "「来了。」\n\n他说。"},
		{name: "nested single quote", in: "他念道：『天行健』，然后停下。", want: "他念道：『天行健』，然后停下。"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Format(tt.in); got != tt.want {
				t.Fatalf("Format(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

var samples = []string{
	"“夫人，我是周毅。”她抬起头，目光落在他身上。“你来做什么？”",
	"这一档了吧？\n”他把茶杯放下。",
	"夜色很深……街道上只剩下风声。\n\n\n他推开门，“有人吗？”没有人回答。",
	"  第一段。\r\n\r\n  第二段！第三段？  ",
	"“好。”\n“不好。”\n“到底好不好？！”",
	"这招叫“降维打击”。懂了吗？",
	"（他笑了。）然后走了。「嗯。」",
	"他走了。）然后他回来了。",
	"“第一句\n第二句……\n第三句”，她说完就走了。",
	"没有任何标点的一整段文字",
	"……",
	"”“",
}

// TestFormatIdempotent re-formatting never adds further breaks.
func TestFormatIdempotent(t *testing.T) {
	for _, s := range samples {
		once := Format(s)
		twice := Format(once)
		if once != twice {
			t.Fatalf("Format not idempotent for %q:\nonce  = %q\ntwice = %q", s, once, twice)
		}
	}
}

// TestFormatKeepsContent formatting only moves whitespace around.
func TestFormatKeepsContent(t *testing.T) {
	for _, s := range samples {
		if got, want := stripSpace(Format(s)), stripSpace(s); got != want {
			t.Fatalf("content changed for %q: got %q, want %q", s, got, want)
		}
		if got, want := stripSpace(Realtime(s)), stripSpace(s); got != want {
			t.Fatalf("realtime content changed for %q: got %q, want %q", s, got, want)
		}
	}
}

// TestFormatDeltaConverges streaming deltas end in the same text as a single pass.
func TestFormatDeltaConverges(t *testing.T) {
	full := samples[0] + samples[1] + samples[2]
	raw, formatted := "", ""
	for _, r := range full {
		prev := raw
		raw, formatted = FormatDelta(raw, string(r))
		if !strings.HasPrefix(raw, prev) {
			t.Fatalf("raw text shrank: %q -> %q", prev, raw)
		}
		if formatted != Format(raw) {
			t.Fatalf("formatted text diverged from Format(raw) at %q", raw)
		}
	}
	if raw != full {
		t.Fatalf("raw = %q, want %q", raw, full)
	}
}

// TestRealtime breaks without lookahead.
func TestRealtime(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "break after quote even before punctuation", in: "“降维打击”。他笑了。", want: "“降维打击”\n\n。\n\n他笑了。"},
		{name: "no deferral", in: "这一档了吧？\n”", want: "这一档了吧？\n\n”"},
		{name: "inside quote untouched", in: "“夫人，我是周毅。”", want: "“夫人，我是周毅。”"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Realtime(tt.in); got != tt.want {
				t.Fatalf("Realtime(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}

	raw, preview := RealtimeDelta("“降维打击”", "。")
	if raw != "“降维打击”。" || preview != "“降维打击”\n\n。" {
		t.Fatalf("RealtimeDelta = (%q, %q)", raw, preview)
	}
}

func stripSpace(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}
