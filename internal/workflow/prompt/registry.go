package prompt

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	einoprompt "github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"
)

//go:embed templates/*.txt
var templatesFS embed.FS

type PromptID string

const (
	PromptNarrationV1   PromptID = "narration_v1"
	PromptFactExtractV1 PromptID = "fact_extract_v1"
)

// Registry 按 ID 缓存 ChatTemplate
// 配置了覆盖目录时，目录中存在的 <id>.system.txt / <id>.user.txt 优先于内置模板
type Registry struct {
	overrideDir string

	mu    sync.RWMutex
	cache map[PromptID]einoprompt.ChatTemplate
}

type Option func(*Registry)

// WithOverrideDir 设置模板覆盖目录，空字符串表示只用内置模板
func WithOverrideDir(dir string) Option {
	return func(r *Registry) { r.overrideDir = strings.TrimSpace(dir) }
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		cache: make(map[PromptID]einoprompt.ChatTemplate),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) ChatTemplate(id PromptID) (einoprompt.ChatTemplate, error) {
	if r == nil {
		return nil, fmt.Errorf("prompt registry is nil")
	}

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

	systemFile, userFile, err := resolvePromptFiles(id)
	if err != nil {
		return nil, err
	}
	system, err := r.readText(systemFile)
	if err != nil {
		return nil, err
	}
	user, err := r.readText(userFile)
	if err != nil {
		return nil, err
	}

	tpl := einoprompt.FromMessages(
		schema.FString,
		schema.SystemMessage(system),
		schema.UserMessage(user),
	)
	r.cache[id] = tpl
	return tpl, nil
}

func resolvePromptFiles(id PromptID) (systemFile string, userFile string, err error) {
	switch id {
	case PromptNarrationV1, PromptFactExtractV1:
		return string(id) + ".system.txt", string(id) + ".user.txt", nil
	default:
		return "", "", fmt.Errorf("unknown prompt id: %s", id)
	}
}

func (r *Registry) readText(name string) (string, error) {
	if r.overrideDir != "" {
		b, err := os.ReadFile(filepath.Join(r.overrideDir, name))
		switch {
		case err == nil:
			return strings.TrimSpace(string(b)), nil
		case !errors.Is(err, fs.ErrNotExist):
			return "", fmt.Errorf("read prompt override %s: %w", name, err)
		}
	}
	b, err := templatesFS.ReadFile("templates/" + name)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}
