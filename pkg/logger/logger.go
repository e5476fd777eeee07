package logger

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"mailpilot/pkg/trace"
)

// New 创建 JSON 格式的生产 logger，每条日志带 service 字段。
// level 为空或无法解析时使用 info。
func New(service, level string) *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if lvl, err := zapcore.ParseLevel(level); err == nil && level != "" {
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	if service != "" {
		cfg.InitialFields = map[string]any{"service": service}
	}

	l, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return l
}

// WithTrace 从 context 中提取 trace_id 并添加到 logger
func WithTrace(ctx context.Context, logger *zap.Logger) *zap.Logger {
	traceID := trace.FromContext(ctx)
	if traceID != "" {
		return logger.With(zap.String("trace_id", traceID))
	}
	return logger
}

// ForAccount 单个邮箱账号范围内的 logger
func ForAccount(ctx context.Context, logger *zap.Logger, userID, accountID int64) *zap.Logger {
	return WithTrace(ctx, logger).With(
		zap.Int64("user_id", userID),
		zap.Int64("account_id", accountID),
	)
}
