package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"rpcagent/message"
)

// Logging records the method, duration and outcome of every call.
func Logging(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			start := time.Now()
			resp := next(ctx, req)
			fields := []zap.Field{
				zap.String("method", req.ServiceMethod),
				zap.Duration("duration", time.Since(start)),
			}
			if resp.Error != "" {
				logger.Warn("call failed", append(fields, zap.String("error", resp.Error))...)
			} else {
				logger.Debug("call", fields...)
			}
			return resp
		}
	}
}
