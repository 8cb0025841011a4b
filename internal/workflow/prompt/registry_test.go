package prompt

import (
	"context"
	"strings"
	"testing"
)

// TestChapterPromptID maps template ids and rejects unknown ones.
func TestChapterPromptID(t *testing.T) {
	tests := []struct {
		in      string
		want    PromptID
		wantErr bool
	}{
		{"", PromptChapterGenV1, false},
		{" chapter_gen_brief_v1 ", PromptChapterGenBriefV1, false},
		{"chapter_plan_v1", "", true},
		{"nope", "", true},
	}
	for _, tt := range tests {
		got, err := ChapterPromptID(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ChapterPromptID(%q) = %q, %v", tt.in, got, err)
		}
	}
}

// TestRegistryFormatsTemplates fills variables into embedded templates.
func TestRegistryFormatsTemplates(t *testing.T) {
	r := NewRegistry()
	for _, id := range []PromptID{PromptChapterPlanV1, PromptChapterGenV1, PromptChapterGenBriefV1} {
		tpl, err := r.ChatTemplate(id)
		if err != nil {
			t.Fatalf("ChatTemplate(%s) error = %v", id, err)
		}
		msgs, err := tpl.Format(context.Background(), map[string]any{
			"unit_number": 7,
			"prompt":      "主角夜探藏经阁",
			"references":  "前文参考：",
			"title":       "夜探",
			"outline":     "主角潜入藏经阁",
		})
		if err != nil {
			t.Fatalf("Format(%s) error = %v", id, err)
		}
		if len(msgs) != 2 || !strings.Contains(msgs[1].Content, "第 7 章") {
			t.Fatalf("Format(%s) user = %q", id, msgs[len(msgs)-1].Content)
		}
	}
	if _, err := r.ChatTemplate("missing"); err == nil {
		t.Fatal("ChatTemplate(missing) error = nil, want error")
	}
}
