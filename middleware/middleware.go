// Package middleware wraps call handling with cross-cutting behavior.
//
// The same HandlerFunc shape is used on both sides of the bus:
//   - the dispatcher wraps registry lookup + handler invocation (logging, recover, rate limit)
//   - the client wraps publishing a call and waiting for its response (timeout, retry)
package middleware

import (
	"context"

	"svcbus/message"
)

type HandlerFunc func(ctx context.Context, call *message.CallFrame) *message.ResponseFrame

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares so the first one is the outermost:
// Chain(A, B)(h) == A(B(h)).
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
