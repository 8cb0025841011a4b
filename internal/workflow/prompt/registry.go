// Package prompt 管理内嵌的章节生成提示词模板
package prompt

import (
	"embed"
	"fmt"
	"strings"
	"sync"

	einoprompt "github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"
)

//go:embed templates/*.txt
var templatesFS embed.FS

type PromptID string

const (
	PromptChapterPlanV1     PromptID = "chapter_plan_v1"
	PromptChapterGenV1      PromptID = "chapter_gen_v1"
	PromptChapterGenBriefV1 PromptID = "chapter_gen_brief_v1"
)

// ChapterPromptID 将请求中的 template_id 映射为正文模板，空值使用默认模板
func ChapterPromptID(templateID string) (PromptID, error) {
	switch PromptID(strings.TrimSpace(templateID)) {
	case "", PromptChapterGenV1:
		return PromptChapterGenV1, nil
	case PromptChapterGenBriefV1:
		return PromptChapterGenBriefV1, nil
	default:
		return "", fmt.Errorf("unknown template id: %s", templateID)
	}
}

type Registry struct {
	mu    sync.RWMutex
	cache map[PromptID]einoprompt.ChatTemplate
}

func NewRegistry() *Registry {
	return &Registry{
		cache: make(map[PromptID]einoprompt.ChatTemplate),
	}
}

func (r *Registry) ChatTemplate(id PromptID) (einoprompt.ChatTemplate, error) {
	r.mu.RLock()
	if tpl, ok := r.cache[id]; ok {
		r.mu.RUnlock()
		return tpl, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if tpl, ok := r.cache[id]; ok {
		return tpl, nil
	}

	system, err := readEmbeddedText(fmt.Sprintf("templates/%s.system.txt", id))
	if err != nil {
		return nil, fmt.Errorf("unknown prompt id: %s", id)
	}
	user, err := readEmbeddedText(fmt.Sprintf("templates/%s.user.txt", id))
	if err != nil {
		return nil, fmt.Errorf("unknown prompt id: %s", id)
	}

	tpl := einoprompt.FromMessages(
		schema.FString,
		schema.SystemMessage(system),
		schema.UserMessage(user),
	)
	r.cache[id] = tpl
	return tpl, nil
}

func readEmbeddedText(path string) (string, error) {
	b, err := templatesFS.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}
