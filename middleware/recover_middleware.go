package middleware

import (
	"context"

	"svcbus/message"
)

// RecoverMiddleware turns a panicking handler into an error response so one bad call
// cannot take the dispatch loop down.
func RecoverMiddleware() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *message.CallFrame) (resp *message.ResponseFrame) {
			defer func() {
				if r := recover(); r != nil {
					resp = message.ErrorResponse(call.ID, message.Errorf(message.KindPanic, "handler panicked: %v", r))
				}
			}()
			return next(ctx, call)
		}
	}
}
