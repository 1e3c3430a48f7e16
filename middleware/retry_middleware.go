package middleware

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"rpcagent/message"
)

// retryableMarkers identify failures that another attempt, possibly on another endpoint,
// may not hit.
var retryableMarkers = []string{
	"timed out",
	"timeout",
	"connection refused",
	"connection closed",
	"no available",
	"no endpoint",
}

// Retryable reports whether resp failed in a way worth retrying.
func Retryable(resp *message.RPCMessage) bool {
	if resp.Error == "" {
		return false
	}
	for _, m := range retryableMarkers {
		if strings.Contains(resp.Error, m) {
			return true
		}
	}
	return false
}

// Retry re-issues a call up to maxRetries times while it fails with a Retryable error,
// doubling the delay from baseDelay each time. It stops early when ctx ends.
func Retry(maxRetries int, baseDelay time.Duration, logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			resp := next(ctx, req)
			for i := 0; i < maxRetries && Retryable(resp); i++ {
				logger.Debug("retrying call",
					zap.String("method", req.ServiceMethod),
					zap.Int("attempt", i+1),
					zap.String("error", resp.Error))

				timer := time.NewTimer(baseDelay << i)
				select {
				case <-ctx.Done():
					timer.Stop()
					return resp
				case <-timer.C:
				}
				resp = next(ctx, req)
			}
			return resp
		}
	}
}
