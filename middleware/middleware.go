// Package middleware provides reusable links for listener handler chains.
//
// Each middleware is a listener.HandlerFunc that does its work and then
// advances the chain with msg.Next, forwarding the data it was given.
package middleware

import (
	"fmt"

	"go.uber.org/zap"

	"procmesh/listener"
)

// Recover stops a panicking handler further down the chain from taking the
// connection's reader goroutine with it. onPanic, if set, can still reply.
func Recover(logger *zap.Logger, onPanic func(msg *listener.Message, v any)) listener.HandlerFunc {
	return func(msg *listener.Message, data any) {
		defer func() {
			if v := recover(); v != nil {
				logger.Error("handler panic",
					zap.String("subject", msg.Subject),
					zap.String("id", msg.ID),
					zap.String("panic", fmt.Sprint(v)))
				if onPanic != nil {
					onPanic(msg, v)
				}
			}
		}()
		msg.Next(data)
	}
}
