package middleware

import (
	"golang.org/x/time/rate"

	"sessionnet/frame"
)

// RateLimitMiddleware bounds how fast inbound frames are routed to
// session handlers, using a token bucket shared across every frame this
// middleware instance sees (built once in the outer closure, not per
// frame — a fresh bucket per frame would defeat the limit entirely).
// A frame arriving with an empty bucket is silently dropped rather than
// queued. Nothing resends it: a dropped reply-expected frame surfaces
// on the sender's side as a MESSAGE_TIMEOUT from its reply registry.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(h frame.Header, body []byte) {
			if !limiter.Allow() {
				return
			}
			next(h, body)
		}
	}
}
