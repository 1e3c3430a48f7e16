package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"rpcagent/message"
)

// ErrRateLimited is the response error of a call rejected by RateLimit.
const ErrRateLimited = "rate limit exceeded"

// RateLimit rejects calls beyond r per second, allowing bursts of burst calls.
func RateLimit(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			if !limiter.Allow() {
				return &message.RPCMessage{ServiceMethod: req.ServiceMethod, Error: ErrRateLimited}
			}
			return next(ctx, req)
		}
	}
}

// Throttle delays calls beyond r per second instead of rejecting them. A call whose context
// ends, or would end, before a token is available fails with ErrRateLimited.
func Throttle(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			if err := limiter.Wait(ctx); err != nil {
				return &message.RPCMessage{ServiceMethod: req.ServiceMethod, Error: ErrRateLimited}
			}
			return next(ctx, req)
		}
	}
}
