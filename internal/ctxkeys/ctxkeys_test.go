package ctxkeys

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContextHelpers(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		with func(context.Context, string) context.Context
		get  func(context.Context) (string, bool)
	}{
		{"trace", WithTraceID, TraceID},
		{"owner", WithOwnerID, OwnerID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := tt.get(context.Background())
			assert.False(t, ok)

			got, ok := tt.get(tt.with(context.Background(), "v1"))
			assert.True(t, ok)
			assert.Equal(t, "v1", got)

			_, ok = tt.get(tt.with(context.Background(), ""))
			assert.False(t, ok, "empty value reads as unset")
		})
	}

	// 两个键互不覆盖
	ctx := WithOwnerID(WithTraceID(context.Background(), "req-1"), "user-1")
	trace, _ := TraceID(ctx)
	owner, _ := OwnerID(ctx)
	assert.Equal(t, "req-1", trace)
	assert.Equal(t, "user-1", owner)
}
