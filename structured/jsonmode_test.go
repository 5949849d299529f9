package structured

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJSONModeAllowList_Defaults(t *testing.T) {
	l := NewJSONModeAllowList(nil)

	tests := []struct {
		model string
		want  bool
	}{
		{"gpt-4o", true},
		{"gpt-4o-mini", true},
		{"GPT-4-Turbo-2024-04-09", true},
		{"gpt-3.5-turbo-0125", true},
		{"deepseek-chat", true},
		{"qwen-max", true},
		{"llama3:8b", false},
		{"claude-3-5-sonnet", false},
		{"gpt-4", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			assert.Equal(t, tt.want, l.Supports(tt.model))
		})
	}
}

func TestJSONModeAllowList_Custom(t *testing.T) {
	l := NewJSONModeAllowList([]string{" Mistral ", ""})
	assert.True(t, l.Supports("mistral-small"))
	assert.False(t, l.Supports("gpt-4o"))

	l.Add("llama3")
	assert.True(t, l.Supports("llama3:70b"))

	empty := NewJSONModeAllowList([]string{})
	assert.False(t, empty.Supports("gpt-4o"))
}
