package knowledge

import (
	"fmt"
	"strings"

	"z-novel-narrator/internal/domain/entity"
)

// FormatFacts 渲染事实列表，每行一条，空列表返回 "(none yet)"
func FormatFacts(facts []entity.Fact) string {
	if len(facts) == 0 {
		return "(none yet)"
	}
	var b strings.Builder
	for i, f := range facts {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "- %s / %s: %s (#%d)", f.Subject, f.Slot, f.Statement, f.SourceSequence)
	}
	return b.String()
}
