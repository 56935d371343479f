package util

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
)

// contextKey 是一个私有类型，用于避免 context key 的冲突
type contextKey string

const opIDKey contextKey = "opID"

// NewOpID 生成一个随机的操作 ID
// 一次设备操作从提交、执行到结果投递都带着同一个 ID，便于在日志里串起来
func NewOpID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "op-unknown"
	}
	return hex.EncodeToString(b)
}

// ContextWithOpID 将操作 ID 注入到 Context 中
func ContextWithOpID(ctx context.Context, opID string) context.Context {
	return context.WithValue(ctx, opIDKey, opID)
}

// OpIDFromContext 从 Context 中提取操作 ID
func OpIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(opIDKey).(string)
	return id, ok
}

// Logger 返回附带操作 ID (如果有) 的 logger
func Logger(ctx context.Context, base *slog.Logger) *slog.Logger {
	if id, ok := OpIDFromContext(ctx); ok {
		return base.With("op_id", id)
	}
	return base
}
