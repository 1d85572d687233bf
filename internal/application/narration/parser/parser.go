// Package parser 将叙事模型的原始输出解析为日志条目
//
// 输出约定：模型回复中必须包含 <TAG>...</TAG> 区块（默认 NARRATION_LOG），
// 区块内按行前缀区分条目：
//
//	> 旁白（第三人称）
//	< 内心独白（第一人称），归属于当前块或最近一次点名的角色
//	[Name] 开启角色块，块内带引号的行为对白，< 行为该角色的内心独白
//
// 空行或旁白行结束角色块。[THINKING]/[/THINKING]、<plan></plan> 等结构标记
// 连同其包裹的草稿内容一并丢弃。无法识别的非空行保留为低置信度旁白。
package parser

import (
	"regexp"
	"strings"

	"z-novel-narrator/internal/domain/entity"
	apperrors "z-novel-narrator/pkg/errors"
)

const DefaultTag = "NARRATION_LOG"

// DefaultMarkers 默认的结构标记名
var DefaultMarkers = []string{"THINKING", "PLAN", "NOTES", "SCRATCHPAD", "REASONING", "DRAFT"}

var (
	speakerLine = regexp.MustCompile(`^\[([^\[\]/][^\[\]]*)\]\s*(.*)$`)
	bracketTag  = regexp.MustCompile(`^\[(/?)\s*([A-Za-z_ ]+?)\s*\]$`)
	angleTag    = regexp.MustCompile(`^<(/?)\s*([A-Za-z_]+)\s*>$`)
)

var normalizer = strings.NewReplacer(
	"**", "*",
	"“", `"`,
	"”", `"`,
	"‘", "'",
	"’", "'",
	"\r\n", "\n",
)

// Options 解析器配置
type Options struct {
	Tag     string
	Markers []string
}

// Parser 日志条目解析器，无状态，可并发使用
type Parser struct {
	openTag  string
	closeTag string
	markers  map[string]struct{}
}

// New 创建解析器
func New(opts Options) *Parser {
	tag := strings.TrimSpace(opts.Tag)
	if tag == "" {
		tag = DefaultTag
	}
	markers := opts.Markers
	if len(markers) == 0 {
		markers = DefaultMarkers
	}
	p := &Parser{
		openTag:  "<" + tag + ">",
		closeTag: "</" + tag + ">",
		markers:  make(map[string]struct{}, len(markers)),
	}
	for _, m := range markers {
		if m = strings.ToUpper(strings.TrimSpace(m)); m != "" {
			p.markers[m] = struct{}{}
		}
	}
	return p
}

// Tag 返回开闭标签
func (p *Parser) Tag() (open, close string) {
	return p.openTag, p.closeTag
}

// Normalize 统一弯引号与加粗标记
func Normalize(s string) string {
	return normalizer.Replace(s)
}

// ExtractBlock 截取首个完整的叙事日志区块内容
func (p *Parser) ExtractBlock(raw string) (string, bool) {
	text := Normalize(raw)

	start := strings.Index(text, p.openTag)
	if start < 0 {
		return "", false
	}
	start += len(p.openTag)
	end := strings.Index(text[start:], p.closeTag)
	if end < 0 {
		return "", false
	}
	return strings.TrimSpace(text[start : start+end]), true
}

// Parse 解析模型输出
// lastSpeaker 为此前日志中最近的说话者，用于归属开头处无块的内心独白
// 缺少区块或区块内没有可用条目时返回 MalformedOutput 且不返回任何条目
func (p *Parser) Parse(raw string, lastSpeaker string) ([]entity.LogItem, error) {
	block, ok := p.ExtractBlock(raw)
	if !ok {
		return nil, apperrors.ErrMalformedOutput.WithDetail("missing " + p.openTag + " block")
	}

	lines := strings.Split(block, "\n")
	st := &state{lastSpeaker: lastSpeaker}
	for i := 0; i < len(lines); i++ {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			st.block = ""
			continue
		}
		if name, closing, ok := p.marker(line); ok {
			if !closing {
				if j := p.findCloser(lines, i+1, name); j > 0 {
					i = j
				}
			}
			continue
		}
		p.parseLine(st, line)
	}

	if len(st.items) == 0 {
		return nil, apperrors.ErrMalformedOutput.WithDetail("no usable items in " + p.openTag + " block")
	}
	return st.items, nil
}

type state struct {
	items       []entity.LogItem
	block       string
	lastSpeaker string
}

func (s *state) add(item entity.LogItem) {
	if item.Text == "" {
		return
	}
	s.items = append(s.items, item)
}

func (p *Parser) parseLine(st *state, line string) {
	switch {
	case strings.HasPrefix(line, ">"):
		st.block = ""
		st.add(entity.LogItem{Type: entity.LogItemNarration, Text: strings.TrimSpace(line[1:])})

	case strings.HasPrefix(line, "<"):
		speaker := st.block
		if speaker == "" {
			speaker = st.lastSpeaker
		}
		st.add(entity.LogItem{
			Type:          entity.LogItemInnerVoice,
			Speaker:       speaker,
			Text:          strings.TrimSpace(line[1:]),
			LowConfidence: speaker == "",
		})

	case speakerLine.MatchString(line):
		m := speakerLine.FindStringSubmatch(line)
		st.block = strings.TrimSpace(m[1])
		st.lastSpeaker = st.block
		// [Name]: "..." 形式
		if rest := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(m[2]), ":")); rest != "" {
			p.parseLine(st, rest)
		}

	default:
		if st.block != "" {
			if text, quoted := unquote(line); quoted {
				st.add(entity.LogItem{Type: entity.LogItemDialogue, Speaker: st.block, Text: text})
				return
			}
		}
		// 无法识别的行结束角色块，按低置信度旁白保留
		st.block = ""
		st.add(entity.LogItem{Type: entity.LogItemNarration, Text: line, LowConfidence: true})
	}
}

// marker 判断是否为结构标记行
func (p *Parser) marker(line string) (name string, closing bool, ok bool) {
	for _, re := range []*regexp.Regexp{bracketTag, angleTag} {
		m := re.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		name = strings.ToUpper(strings.TrimSpace(m[2]))
		name = strings.TrimPrefix(name, "END ")
		if _, known := p.markers[name]; known {
			return name, m[1] == "/" || strings.HasPrefix(strings.ToUpper(m[2]), "END "), true
		}
	}
	return "", false, false
}

// findCloser 查找与 name 匹配的闭合标记，未找到返回 -1
func (p *Parser) findCloser(lines []string, from int, name string) int {
	for j := from; j < len(lines); j++ {
		n, closing, ok := p.marker(strings.TrimSpace(lines[j]))
		if ok && closing && n == name {
			return j
		}
	}
	return -1
}

func unquote(line string) (string, bool) {
	if len(line) >= 2 && strings.HasPrefix(line, `"`) && strings.HasSuffix(line, `"`) {
		return strings.TrimSpace(line[1 : len(line)-1]), true
	}
	return line, false
}
