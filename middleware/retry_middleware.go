package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"svcbus/message"
)

// RetryMiddleware re-sends calls that failed with a timeout or transport error,
// doubling the delay each time. Handler and caller errors are returned immediately.
func RetryMiddleware(maxRetries int, baseDelay time.Duration, logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *message.CallFrame) *message.ResponseFrame {
			resp := next(ctx, call)
			for i := 0; i < maxRetries; i++ {
				if !retryable(resp) {
					return resp
				}
				logger.Info("retrying call",
					zap.Int("attempt", i+1),
					zap.String("command", call.Command),
					zap.String("target", call.Target),
					zap.String("kind", resp.Kind))

				select {
				case <-ctx.Done():
					return resp
				case <-time.After(baseDelay * time.Duration(1<<i)):
				}
				resp = next(ctx, call)
			}
			return resp
		}
	}
}

func retryable(resp *message.ResponseFrame) bool {
	return resp.IsError && (resp.Kind == message.KindTimeout || resp.Kind == message.KindTransport)
}
