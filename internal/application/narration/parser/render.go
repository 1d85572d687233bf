package parser

import (
	"strings"

	"z-novel-narrator/internal/domain/entity"
)

// Render 将日志条目还原为模型使用的行前缀记法
// 对白与带说话者的内心独白按说话者分块，块切换时输出 [Name] 行
func Render(items []entity.LogItem) string {
	var b strings.Builder
	block := ""
	for _, it := range items {
		switch it.Type {
		case entity.LogItemNarration:
			block = ""
			b.WriteString("> ")
			b.WriteString(it.Text)
			b.WriteByte('\n')

		case entity.LogItemDialogue, entity.LogItemInnerVoice:
			if it.Speaker == "" {
				if block != "" {
					// 结束当前块，避免无主独白被归到上一位说话者
					b.WriteByte('\n')
					block = ""
				}
			} else if it.Speaker != block {
				if block != "" {
					b.WriteByte('\n')
				}
				block = it.Speaker
				b.WriteString("[")
				b.WriteString(it.Speaker)
				b.WriteString("]\n")
			}
			if it.Type == entity.LogItemDialogue {
				b.WriteString(`"`)
				b.WriteString(it.Text)
				b.WriteString(`"`)
			} else {
				b.WriteString("< ")
				b.WriteString(it.Text)
			}
			b.WriteByte('\n')
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// LastSpeaker 返回条目序列中最后一个有名字的说话者
func LastSpeaker(items []entity.LogItem) string {
	for i := len(items) - 1; i >= 0; i-- {
		if items[i].Speaker != "" {
			return items[i].Speaker
		}
	}
	return ""
}
