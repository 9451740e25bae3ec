// Package middleware implements the onion-model chain around inbound
// frame handling: each middleware can log, rate-limit, or otherwise
// wrap the call that routes one decoded frame to its session handler,
// without dispatch itself knowing any of it happened.
//
// Onion model execution order:
//
//	Chain(A, B, C)(handler)  →  A(B(C(handler)))
//
//	Frame in:  A.before → B.before → C.before → handler
//	Frame out: handler → C.after → B.after → A.after
package middleware

import "sessionnet/frame"

// HandlerFunc routes one already-decoded frame to its session handler.
type HandlerFunc func(h frame.Header, body []byte)

// Middleware wraps a HandlerFunc with cross-cutting behavior.
type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares so the first one listed is the outermost
// layer (runs first on the way in, last on the way out).
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
