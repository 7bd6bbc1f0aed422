package middleware

import (
	"context"
	"time"

	"svcbus/message"
)

// TimeOutMiddleware bounds next by timeout. next receives the derived context and is
// expected to return once it is done.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *message.CallFrame) *message.ResponseFrame {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.ResponseFrame, 1)
			go func() {
				done <- next(ctx, call)
			}()

			select {
			case resp := <-done:
				return resp
			case <-ctx.Done():
				return message.ErrorResponse(call.ID, message.Errorf(message.KindTimeout, "request timed out"))
			}
		}
	}
}
