package structured

import (
	"strings"
	"sync"
)

// DefaultJSONModePrefixes lists model families known to accept a
// response_format of json_object.
var DefaultJSONModePrefixes = []string{
	"gpt-4o",
	"gpt-4-turbo",
	"gpt-4.1",
	"gpt-3.5-turbo",
	"o1",
	"o3",
	"o4-mini",
	"deepseek-chat",
	"qwen",
	"glm-4",
	"moonshot",
	"mistral-large",
}

// JSONModeAllowList matches model names against case-insensitive prefixes.
type JSONModeAllowList struct {
	mu       sync.RWMutex
	prefixes []string
}

// NewJSONModeAllowList creates an allow-list; nil prefixes means the defaults.
func NewJSONModeAllowList(prefixes []string) *JSONModeAllowList {
	if prefixes == nil {
		prefixes = DefaultJSONModePrefixes
	}
	l := &JSONModeAllowList{}
	l.Add(prefixes...)
	return l
}

// Add extends the allow-list.
func (l *JSONModeAllowList) Add(prefixes ...string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, p := range prefixes {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			l.prefixes = append(l.prefixes, p)
		}
	}
}

// Supports reports whether model starts with any allowed prefix.
func (l *JSONModeAllowList) Supports(model string) bool {
	model = strings.ToLower(strings.TrimSpace(model))
	if model == "" {
		return false
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, p := range l.prefixes {
		if strings.HasPrefix(model, p) {
			return true
		}
	}
	return false
}
