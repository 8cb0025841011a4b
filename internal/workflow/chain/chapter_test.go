package chain

import (
	"context"
	"strings"
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	wfmodel "z-novel-studio/internal/workflow/model"
)

type fakeChatModel struct {
	reply  string
	chunks []string
	last   []*schema.Message
}

func (m *fakeChatModel) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	m.last = input
	return schema.AssistantMessage(m.reply, nil), nil
}

func (m *fakeChatModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	m.last = input
	msgs := make([]*schema.Message, 0, len(m.chunks))
	for _, c := range m.chunks {
		msgs = append(msgs, schema.AssistantMessage(c, nil))
	}
	return schema.StreamReaderFromArray(msgs), nil
}

type fakeFactory struct {
	m *fakeChatModel
}

func (f fakeFactory) Get(ctx context.Context, name string) (model.BaseChatModel, error) {
	return f.m, nil
}

// TestChapterChainPlan parses the JSON plan out of a fenced reply.
func TestChapterChainPlan(t *testing.T) {
	m := &fakeChatModel{reply: "好的：\n```json\n{\"title\": \"夜探\", \"outline\": \"主角潜入藏经阁\"}\n```"}
	c := NewChapterChain(fakeFactory{m: m})

	plan, err := c.Plan(context.Background(), &wfmodel.ChapterGenerateInput{UnitNumber: 3, References: []string{"上一章结尾"}})
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if plan.Title != "夜探" || plan.Outline != "主角潜入藏经阁" {
		t.Fatalf("Plan() = %+v", plan)
	}
	if !strings.Contains(m.last[1].Content, "上一章结尾") {
		t.Fatalf("plan prompt missing references: %q", m.last[1].Content)
	}
}

// TestChapterChainPlanDefaultTitle numbers the chapter when the reply has no title.
func TestChapterChainPlanDefaultTitle(t *testing.T) {
	c := NewChapterChain(fakeFactory{m: &fakeChatModel{reply: "只有一段大纲"}})
	plan, err := c.Plan(context.Background(), &wfmodel.ChapterGenerateInput{UnitNumber: 9})
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if plan.Title != "第9章" || plan.Outline != "只有一段大纲" {
		t.Fatalf("Plan() = %+v", plan)
	}
}

// TestChapterChainStream formats the outline into the prompt and relays chunks.
func TestChapterChainStream(t *testing.T) {
	m := &fakeChatModel{chunks: []string{"一", "二"}}
	c := NewChapterChain(fakeFactory{m: m})

	sr, err := c.Stream(context.Background(), &wfmodel.ChapterGenerateInput{UnitNumber: 4}, &wfmodel.ChapterPlan{Title: "夜探", Outline: "潜入"})
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	defer sr.Close()
	first, err := sr.Recv()
	if err != nil || first.Content != "一" {
		t.Fatalf("Recv() = %v, %v", first, err)
	}
	if !strings.Contains(m.last[1].Content, "《夜探》") || !strings.Contains(m.last[1].Content, "潜入") {
		t.Fatalf("stream prompt = %q", m.last[1].Content)
	}
}

// TestChapterChainValidation rejects bad input and unknown templates.
func TestChapterChainValidation(t *testing.T) {
	c := NewChapterChain(fakeFactory{m: &fakeChatModel{}})
	ctx := context.Background()
	if _, err := c.Plan(ctx, &wfmodel.ChapterGenerateInput{}); err == nil {
		t.Fatal("Plan(unit 0) error = nil, want error")
	}
	plan := &wfmodel.ChapterPlan{Title: "t"}
	if _, err := c.Stream(ctx, &wfmodel.ChapterGenerateInput{UnitNumber: 1, TemplateID: "x"}, plan); err == nil {
		t.Fatal("Stream(unknown template) error = nil, want error")
	}
	if _, err := c.Stream(ctx, &wfmodel.ChapterGenerateInput{UnitNumber: 1}, nil); err == nil {
		t.Fatal("Stream(nil plan) error = nil, want error")
	}
}
