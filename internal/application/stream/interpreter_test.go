package stream

import (
	"reflect"
	"testing"

	"z-novel-studio/internal/domain/entity"
)

// TestInterpret covers named channels, JSON sniffing and raw-text fallback.
func TestInterpret(t *testing.T) {
	tests := []struct {
		name   string
		rec    Record
		want   entity.SSEEvent
		wantOK bool
	}{
		{name: "phase", rec: Record{Event: "phase", Data: "正在构思情节"}, want: entity.PhaseEvent("正在构思情节"), wantOK: true},
		{name: "outline json string", rec: Record{Event: "outline", Data: `"一、重逢"`}, want: entity.OutlineEvent("一、重逢"), wantOK: true},
		{name: "title trimmed", rec: Record{Event: "title", Data: " 第五章 归来 "}, want: entity.TitleEvent("第五章 归来"), wantOK: true},
		{name: "progress json", rec: Record{Event: "progress", Data: `{"step":"outline","message":"生成大纲"}`}, want: entity.ProgressEvent("outline", "生成大纲"), wantOK: true},
		{name: "progress plain", rec: Record{Event: "progress", Data: "加载上下文"}, want: entity.ProgressEvent("", "加载上下文"), wantOK: true},
		{name: "error object", rec: Record{Event: "error", Data: `{"message":"额度不足"}`}, want: entity.ErrorEvent("额度不足"), wantOK: true},
		{name: "error plain", rec: Record{Event: "error", Data: "upstream timeout"}, want: entity.ErrorEvent("upstream timeout"), wantOK: true},
		{name: "done channel", rec: Record{Event: "done"}, want: entity.DoneEvent(), wantOK: true},
		{name: "content field", rec: Record{Data: `{"content":"他推门而入"}`}, want: entity.MessageEvent("他推门而入"), wantOK: true},
		{name: "generatedContent field", rec: Record{Data: `{"generatedContent":"夜色"}`}, want: entity.MessageEvent("夜色"), wantOK: true},
		{name: "delta field", rec: Record{Data: `{"delta":"风"}`}, want: entity.MessageEvent("风"), wantOK: true},
		{name: "text field", rec: Record{Data: `{"text":"雨"}`}, want: entity.MessageEvent("雨"), wantOK: true},
		{name: "content wins over text", rec: Record{Data: `{"text":"b","content":"a"}`}, want: entity.MessageEvent("a"), wantOK: true},
		{name: "openai style delta", rec: Record{Event: "message", Data: `{"choices":[{"delta":{"content":"雪"}}]}`}, want: entity.MessageEvent("雪"), wantOK: true},
		{name: "json string", rec: Record{Data: `"“你好。”"`}, want: entity.MessageEvent("“你好。”"), wantOK: true},
		{name: "json number verbatim", rec: Record{Data: "1.50"}, want: entity.MessageEvent("1.50"), wantOK: true},
		{name: "json array", rec: Record{Data: `["第",1,"章"]`}, want: entity.MessageEvent("第1章"), wantOK: true},
		{name: "progress object on content channel", rec: Record{Event: "message", Data: `{"step":"save","message":"保存中"}`}, want: entity.ProgressEvent("save", "保存中"), wantOK: true},
		{name: "raw text fallback", rec: Record{Data: "他推门而入。"}, want: entity.MessageEvent("他推门而入。"), wantOK: true},
		{name: "noise chinese", rec: Record{Data: "正在保存..."}, want: entity.ProgressEvent("", "正在保存..."), wantOK: true},
		{name: "noise english", rec: Record{Data: "Updating memory…"}, want: entity.ProgressEvent("", "Updating memory…"), wantOK: true},
		{name: "noise with counter", rec: Record{Data: "正在生成 (2/3)"}, want: entity.ProgressEvent("", "正在生成 (2/3)"), wantOK: true},
		{name: "prose starting with status word", rec: Record{Data: "正在准备晚饭的母亲回头看了他一眼。"}, want: entity.MessageEvent("正在准备晚饭的母亲回头看了他一眼。"), wantOK: true},
		{name: "delta starting with status word", rec: Record{Data: "正在准备晚饭"}, want: entity.MessageEvent("正在准备晚饭"), wantOK: true},
		{name: "english prose starting with status word", rec: Record{Data: "Saving the child was all that mattered."}, want: entity.MessageEvent("Saving the child was all that mattered."), wantOK: true},
		{name: "event names are case sensitive", rec: Record{Event: "Phase", Data: "x"}, want: entity.MessageEvent("x"), wantOK: true},
		{name: "json null skipped", rec: Record{Data: "null"}, wantOK: false},
		{name: "empty content skipped", rec: Record{Data: `{"content":""}`}, wantOK: false},
		{name: "unknown object skipped", rec: Record{Data: `{"usage":{"total_tokens":12}}`}, wantOK: false},
	}

	interp := NewInterpreter()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := interp.Interpret(tt.rec)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v (event %#v)", ok, tt.wantOK, got)
			}
			if ok && !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("event = %#v, want %#v", got, tt.want)
			}
		})
	}
}

// TestInterpreterExtraNoise accepts configured status phrases.
func TestInterpreterExtraNoise(t *testing.T) {
	interp := NewInterpreter("正在润色")

	if !interp.IsNoise("正在润色……") {
		t.Fatal("configured phrase should be noise")
	}
	if NewInterpreter().IsNoise("正在润色……") {
		t.Fatal("phrase should not be noise without configuration")
	}
	long := "正在准备晚饭的母亲回过头来，看着门口站着的少年，眼里满是说不出的复杂情绪。"
	if interp.IsNoise(long) {
		t.Fatal("long prose sharing a noise prefix must stay in the manuscript")
	}
}

const sampleStream = "event: phase\ndata: 正在构思\n\n" +
	"event: progress\ndata: {\"step\":\"outline\",\"message\":\"生成大纲\"}\n\n" +
	": keepalive\n\n" +
	"event: title\ndata: 第五章 归来\n\n" +
	"data: {\"content\":\"“夫人，\"}\n\n" +
	"data: {\"content\":\"我是周毅。”\"}\n\n" +
	"data: 正在保存...\n\n" +
	"data: 她点了点头。\n\n" +
	"data: [DONE]\n\n"

func decodeChunks(chunks ...[]byte) []entity.SSEEvent {
	d := NewDecoder(nil)
	var out []entity.SSEEvent
	for _, c := range chunks {
		out = append(out, d.Feed(c)...)
	}
	return append(out, d.Flush()...)
}

// TestDecoderChunkBoundaryInvariance yields the same events for every two-way split.
func TestDecoderChunkBoundaryInvariance(t *testing.T) {
	raw := []byte(sampleStream)
	want := decodeChunks(raw)
	if len(want) != 7 {
		t.Fatalf("whole stream produced %d events, want 7: %#v", len(want), want)
	}

	for i := 0; i <= len(raw); i++ {
		got := decodeChunks(raw[:i], raw[i:])
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("split at %d: events = %#v, want %#v", i, got, want)
		}
	}
}

// TestDecoderByteByByte feeds one byte at a time.
func TestDecoderByteByByte(t *testing.T) {
	raw := []byte(sampleStream)
	chunks := make([][]byte, len(raw))
	for i := range raw {
		chunks[i] = raw[i : i+1]
	}
	got := decodeChunks(chunks...)
	want := decodeChunks(raw)
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("events = %#v, want %#v", got, want)
	}
}
