package node

import (
	"fmt"
	"strings"
)

const maxReferenceRunes = 2000

// BuildReferencesBlock 拼装前文参考块，过长片段保留结尾
func BuildReferencesBlock(refs []string) string {
	lines := make([]string, 0, len(refs)+1)
	lines = append(lines, "前文参考：")
	for i, ref := range refs {
		ref = strings.TrimSpace(ref)
		if ref == "" {
			continue
		}
		lines = append(lines, fmt.Sprintf("[%d]\n%s", i+1, TailByRunes(ref, maxReferenceRunes)))
	}
	if len(lines) == 1 {
		return "（无，这是开篇章节）"
	}
	return strings.Join(lines, "\n\n")
}
