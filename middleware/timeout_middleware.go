package middleware

import (
	"context"
	"time"

	"rpcagent/message"
)

// ErrTimedOut is the response error of a call cut short by Timeout.
const ErrTimedOut = "request timed out"

// Timeout bounds every call by d. The inner handler receives the derived context.
func Timeout(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()

			done := make(chan *message.RPCMessage, 1)
			go func() {
				done <- next(ctx, req)
			}()

			select {
			case resp := <-done:
				return resp
			case <-ctx.Done():
				return &message.RPCMessage{ServiceMethod: req.ServiceMethod, Error: ErrTimedOut}
			}
		}
	}
}
