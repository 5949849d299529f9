// Package ctxkeys 请求级标识在 context 中的读写。
package ctxkeys

import "context"

type key uint8

const (
	traceID key = iota
	ownerID
)

func with(ctx context.Context, k key, v string) context.Context {
	return context.WithValue(ctx, k, v)
}

// lookup 空串视同未设置
func lookup(ctx context.Context, k key) (string, bool) {
	v, _ := ctx.Value(k).(string)
	return v, v != ""
}

// WithTraceID 请求 ID 同时作为链路 ID 转发给上游补全服务
func WithTraceID(ctx context.Context, id string) context.Context { return with(ctx, traceID, id) }

func TraceID(ctx context.Context) (string, bool) { return lookup(ctx, traceID) }

// WithOwnerID 调用方身份，来自网关注入的 X-User-ID
func WithOwnerID(ctx context.Context, id string) context.Context { return with(ctx, ownerID, id) }

func OwnerID(ctx context.Context) (string, bool) { return lookup(ctx, ownerID) }
