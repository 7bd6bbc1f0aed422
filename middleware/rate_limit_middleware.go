package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"svcbus/message"
)

// RateLimitMiddleware rejects calls beyond r per second (token bucket with the given burst).
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *message.CallFrame) *message.ResponseFrame {
			if !limiter.Allow() {
				return message.ErrorResponse(call.ID, message.Errorf(message.KindRateLimited, "rate limit exceeded"))
			}
			return next(ctx, call)
		}
	}
}
