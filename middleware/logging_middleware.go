package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"svcbus/message"
)

func LoggingMiddleware(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *message.CallFrame) *message.ResponseFrame {
			start := time.Now()
			resp := next(ctx, call)
			fields := []zap.Field{
				zap.String("command", call.Command),
				zap.String("call_id", call.ID),
				zap.Int("args", len(call.Args)),
				zap.Duration("duration", time.Since(start)),
			}
			if er := resp.Err(); er != nil {
				logger.Warn("call failed", append(fields, zap.String("kind", er.Kind), zap.String("error", er.Message))...)
				return resp
			}
			logger.Debug("call served", fields...)
			return resp
		}
	}
}
