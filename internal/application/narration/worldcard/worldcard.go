// Package worldcard 读取世界卡目录，为新章节提供默认设定
//
// 目录结构：
//
//	characters/*.md           每个文件一个角色，文件名为角色名
//	places.md 或 places/*.md  地点
//	facts.md                  世界事实
//	story_initial_context.md  开篇背景
//	vocabulary_guidance.md    用词指引
//	card.yaml                 可选元数据
package worldcard

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"z-novel-narrator/internal/domain/entity"
)

// Meta card.yaml 内容
type Meta struct {
	Title       string `yaml:"title"`
	Description string `yaml:"description"`
	// Beats 示例节拍脚本，"a // b // c" 形式
	Beats string `yaml:"beats"`
}

// Card 世界卡
type Card struct {
	Name string
	Meta Meta

	Characters         []entity.LoreEntry
	Places             []entity.LoreEntry
	Facts              string
	InitialContext     string
	VocabularyGuidance string
}

// Load 读取世界卡目录
func Load(dir string) (*Card, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("world card %s: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("world card %s is not a directory", dir)
	}

	c := &Card{Name: filepath.Base(dir)}

	if c.Characters, err = loadEntries(filepath.Join(dir, "characters")); err != nil {
		return nil, err
	}

	places, err := readOptional(filepath.Join(dir, "places.md"))
	if err != nil {
		return nil, err
	}
	if places != "" {
		c.Places = []entity.LoreEntry{{Description: places}}
	} else if c.Places, err = loadEntries(filepath.Join(dir, "places")); err != nil {
		return nil, err
	}

	if c.Facts, err = readOptional(filepath.Join(dir, "facts.md")); err != nil {
		return nil, err
	}
	if c.InitialContext, err = readOptional(filepath.Join(dir, "story_initial_context.md")); err != nil {
		return nil, err
	}
	if c.VocabularyGuidance, err = readOptional(filepath.Join(dir, "vocabulary_guidance.md")); err != nil {
		return nil, err
	}

	raw, err := readOptional(filepath.Join(dir, "card.yaml"))
	if err != nil {
		return nil, err
	}
	if raw != "" {
		if err := yaml.Unmarshal([]byte(raw), &c.Meta); err != nil {
			return nil, fmt.Errorf("parse card.yaml: %w", err)
		}
	}
	return c, nil
}

// Lore 转换为章节设定
func (c *Card) Lore() *entity.Lore {
	return &entity.Lore{
		OpeningSummary:     c.InitialContext,
		Characters:         append([]entity.LoreEntry(nil), c.Characters...),
		Places:             append([]entity.LoreEntry(nil), c.Places...),
		WorldFacts:         c.Facts,
		VocabularyGuidance: c.VocabularyGuidance,
	}
}

// MergeLore 用世界卡补齐章节设定中为空的字段，返回新对象
func MergeLore(chapter *entity.Lore, card *Card) *entity.Lore {
	out := &entity.Lore{}
	if chapter != nil {
		*out = *chapter
	}
	if card == nil {
		return out
	}
	def := card.Lore()
	if strings.TrimSpace(out.OpeningSummary) == "" {
		out.OpeningSummary = def.OpeningSummary
	}
	if len(out.Characters) == 0 {
		out.Characters = def.Characters
	}
	if len(out.Places) == 0 {
		out.Places = def.Places
	}
	if strings.TrimSpace(out.WorldFacts) == "" {
		out.WorldFacts = def.WorldFacts
	}
	if strings.TrimSpace(out.VocabularyGuidance) == "" {
		out.VocabularyGuidance = def.VocabularyGuidance
	}
	return out
}

func loadEntries(dir string) ([]entity.LoreEntry, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.md"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	var out []entity.LoreEntry
	for _, path := range matches {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		out = append(out, entity.LoreEntry{
			Name:        strings.TrimSuffix(filepath.Base(path), ".md"),
			Description: strings.TrimSpace(string(b)),
		})
	}
	return out, nil
}

func readOptional(path string) (string, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return strings.TrimSpace(string(b)), nil
}
