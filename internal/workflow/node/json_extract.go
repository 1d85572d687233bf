package node

import (
	"encoding/json"
	"strings"
)

// ExtractJSONObject 从模型回复中取出 JSON 对象
// 依次尝试：去掉 ``` 代码围栏后的全文、第一个括号配平且合法的对象、首个 '{' 到末个 '}'。
// 都失败时返回去掉围栏后的文本，由调用方报告解析错误。
func ExtractJSONObject(s string) string {
	raw := stripFence(strings.TrimSpace(s))
	if raw == "" || json.Valid([]byte(raw)) {
		return raw
	}
	for i := strings.IndexByte(raw, '{'); i >= 0; {
		if obj, ok := balancedObject(raw[i:]); ok && json.Valid([]byte(obj)) {
			return obj
		}
		next := strings.IndexByte(raw[i+1:], '{')
		if next < 0 {
			break
		}
		i += next + 1
	}
	start, end := strings.IndexByte(raw, '{'), strings.LastIndexByte(raw, '}')
	if start >= 0 && end > start {
		return raw[start : end+1]
	}
	return raw
}

func stripFence(s string) string {
	open := strings.Index(s, "```")
	if open < 0 {
		return s
	}
	body := s[open+3:]
	// 语言标记，例如 ```json
	if nl := strings.IndexByte(body, '\n'); nl >= 0 && !strings.ContainsAny(body[:nl], "{[") {
		body = body[nl+1:]
	}
	if end := strings.Index(body, "```"); end >= 0 {
		body = body[:end]
	}
	return strings.TrimSpace(body)
}

// balancedObject 从 s[0]=='{' 开始按括号深度截取，忽略字符串内的括号
func balancedObject(s string) (string, bool) {
	depth := 0
	inString, escaped := false, false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[:i+1], true
			}
		}
	}
	return "", false
}
