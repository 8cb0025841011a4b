package chapter

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"z-novel-studio/internal/application/generation"
	"z-novel-studio/internal/application/session"
	"z-novel-studio/internal/domain/entity"
	"z-novel-studio/internal/domain/repository"
	"z-novel-studio/pkg/errors"
)

type memChapters struct {
	mu      sync.Mutex
	rows    map[string]*entity.Chapter
	saves   []entity.Chapter
	nextID  int
	failGet bool
}

func newMemChapters() *memChapters {
	return &memChapters{rows: map[string]*entity.Chapter{}}
}

func key(projectID string, seq int) string {
	return fmt.Sprintf("%s/%d", projectID, seq)
}

func (m *memChapters) Create(_ context.Context, ch *entity.Chapter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(ch.ProjectID, ch.SeqNum)
	if _, ok := m.rows[k]; ok {
		return stderrors.New("duplicate key value violates unique constraint")
	}
	m.nextID++
	ch.ID = fmt.Sprintf("ch-%d", m.nextID)
	cp := *ch
	m.rows[k] = &cp
	return nil
}

func (m *memChapters) GetByID(_ context.Context, id string) (*entity.Chapter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.rows {
		if ch.ID == id {
			cp := *ch
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memChapters) GetByProjectAndSeq(_ context.Context, projectID string, seq int) (*entity.Chapter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failGet {
		return nil, stderrors.New("connection refused")
	}
	ch, ok := m.rows[key(projectID, seq)]
	if !ok {
		return nil, nil
	}
	cp := *ch
	return &cp, nil
}

func (m *memChapters) SaveGeneration(_ context.Context, ch *entity.Chapter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *ch
	m.rows[key(ch.ProjectID, ch.SeqNum)] = &cp
	m.saves = append(m.saves, cp)
	return nil
}

func (m *memChapters) UpdateStatus(_ context.Context, id string, status entity.ChapterStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.rows {
		if ch.ID == id {
			ch.Status = status
			return nil
		}
	}
	return errors.ErrChapterNotFound
}

func (m *memChapters) ListByProject(_ context.Context, projectID string, p repository.Pagination) (*repository.PagedResult[*entity.Chapter], error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var items []*entity.Chapter
	for _, ch := range m.rows {
		if ch.ProjectID == projectID {
			items = append(items, ch)
		}
	}
	return repository.NewPagedResult(items, int64(len(items)), p), nil
}

func (m *memChapters) GetPrevious(_ context.Context, projectID string, seq int) (*entity.Chapter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *entity.Chapter
	for _, ch := range m.rows {
		if ch.ProjectID == projectID && ch.SeqNum < seq && (best == nil || ch.SeqNum > best.SeqNum) {
			best = ch
		}
	}
	if best == nil {
		return nil, nil
	}
	cp := *best
	return &cp, nil
}

func (m *memChapters) get(t *testing.T, projectID string, seq int) *entity.Chapter {
	t.Helper()
	ch, _ := m.GetByProjectAndSeq(context.Background(), projectID, seq)
	if ch == nil {
		t.Fatalf("chapter %s/%d not found", projectID, seq)
	}
	return ch
}

// TestCreateNextUnitIdempotent creates a draft once.
func TestCreateNextUnitIdempotent(t *testing.T) {
	repo := newMemChapters()
	u := NewUnits(repo, "p1")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := u.CreateNextUnit(ctx, 3); err != nil {
			t.Fatalf("CreateNextUnit() #%d error = %v", i, err)
		}
	}
	if len(repo.rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(repo.rows))
	}
	ready, err := u.IsUnitReady(ctx, 3)
	if err != nil || !ready {
		t.Fatalf("IsUnitReady() = %v, %v, want true", ready, err)
	}
}

// TestIsUnitReady reports missing and filled units as not ready.
func TestIsUnitReady(t *testing.T) {
	repo := newMemChapters()
	u := NewUnits(repo, "p1")
	ctx := context.Background()

	if ready, _ := u.IsUnitReady(ctx, 1); ready {
		t.Fatal("missing unit reported ready")
	}

	ch := entity.NewChapter("p1", 1)
	ch.SetContent("已有正文。")
	_ = repo.Create(ctx, ch)
	if ready, _ := u.IsUnitReady(ctx, 1); ready {
		t.Fatal("unit with content reported ready")
	}
}

// TestCreateNextUnitLookupError wraps repository failures.
func TestCreateNextUnitLookupError(t *testing.T) {
	repo := newMemChapters()
	repo.failGet = true
	err := NewUnits(repo, "p1").CreateNextUnit(context.Background(), 2)
	if !stderrors.Is(err, errors.ErrUnitCreateFailed) {
		t.Fatalf("CreateNextUnit() error = %v, want unit create error", err)
	}
}

// TestBridgeFinalWrite persists the formatted text on completion.
func TestBridgeFinalWrite(t *testing.T) {
	repo := newMemChapters()
	b := NewBridge(repo, time.Hour, entity.GenerationMetadata{BatchID: "b1", Model: "m"})

	sess := session.New(session.Options{ProjectID: "p1", UnitNumber: 4})
	if err := b.Attach(context.Background(), sess); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	sess.Apply(entity.TitleEvent("第四章"))
	sess.Apply(entity.MessageEvent("他走了。她笑了。"))
	sess.Apply(entity.DoneEvent())

	ch := repo.get(t, "p1", 4)
	if ch.Status != entity.ChapterStatusCompleted {
		t.Fatalf("status = %q, want completed", ch.Status)
	}
	if ch.ContentText != "他走了。\n\n她笑了。" || ch.Title != "第四章" {
		t.Fatalf("chapter = %+v", ch)
	}
	if ch.WordCount != 8 {
		t.Fatalf("word count = %d, want 8", ch.WordCount)
	}
	if ch.GenerationMetadata == nil || ch.GenerationMetadata.SessionID != sess.ID() || ch.GenerationMetadata.BatchID != "b1" {
		t.Fatalf("metadata = %+v", ch.GenerationMetadata)
	}
	// 去抖中的自动保存不会覆盖最终结果
	if len(repo.saves) != 1 {
		t.Fatalf("saves = %d, want 1", len(repo.saves))
	}
}

// TestBridgeAutosave writes partial text while streaming.
func TestBridgeAutosave(t *testing.T) {
	repo := newMemChapters()
	b := NewBridge(repo, 5*time.Millisecond, entity.GenerationMetadata{})

	sess := session.New(session.Options{ProjectID: "p1", UnitNumber: 1})
	if err := b.Attach(context.Background(), sess); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	sess.Apply(entity.MessageEvent("第一段。"))

	deadline := time.Now().Add(2 * time.Second)
	for {
		ch := repo.get(t, "p1", 1)
		if ch.Status == entity.ChapterStatusGenerating {
			if ch.ContentText != "第一段。" {
				t.Fatalf("autosaved content = %q", ch.ContentText)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("autosave never happened")
		}
		time.Sleep(5 * time.Millisecond)
	}

	sess.Apply(entity.ErrorEvent("连接中断"))
	ch := repo.get(t, "p1", 1)
	if ch.Status != entity.ChapterStatusFailed || ch.ContentText != "第一段。" {
		t.Fatalf("chapter after error = %+v", ch)
	}
	if ch.GenerationMetadata == nil || ch.GenerationMetadata.LastError != "连接中断" {
		t.Fatalf("metadata = %+v", ch.GenerationMetadata)
	}
}

// TestGeneratorAddsPreviousTail passes the previous chapter ending as context.
func TestGeneratorAddsPreviousTail(t *testing.T) {
	repo := newMemChapters()
	prev := entity.NewChapter("p1", 2)
	prev.SetContent("很久以前。故事的结尾")
	_ = repo.Create(context.Background(), prev)

	got := make(chan entity.GenerateRequest, 1)
	opener := openerFunc(func(_ context.Context, req entity.GenerateRequest) (io.ReadCloser, error) {
		got <- req
		return io.NopCloser(strings.NewReader("data: 正文。\n\n")), nil
	})
	svc := generation.NewService(opener, generation.Config{})
	g := NewGenerator(svc, repo, entity.GenerateRequest{ProjectID: "p1", Model: "m"}, 5)

	sess, err := g.Generate(context.Background(), 3)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	req := <-got
	if req.UnitNumber != 3 || req.Model != "m" {
		t.Fatalf("request = %+v", req)
	}
	if len(req.References) != 1 || req.References[0] != "故事的结尾" {
		t.Fatalf("references = %q, want previous tail", req.References)
	}
	select {
	case <-sess.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not finish")
	}
}

// TestTail counts runes, not bytes.
func TestTail(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"一二三四", 2, "三四"},
		{"一二", 5, "一二"},
		{"abc", 0, "abc"},
	}
	for _, tt := range tests {
		if got := Tail(tt.in, tt.n); got != tt.want {
			t.Errorf("Tail(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}

type openerFunc func(ctx context.Context, req entity.GenerateRequest) (io.ReadCloser, error)

func (f openerFunc) OpenStream(ctx context.Context, req entity.GenerateRequest) (io.ReadCloser, error) {
	return f(ctx, req)
}
