package middleware

import (
	"time"

	"go.uber.org/zap"

	"procmesh/listener"
)

// Logging records every message that reaches it and how long the rest of the
// chain took to return.
func Logging(logger *zap.Logger) listener.HandlerFunc {
	return func(msg *listener.Message, data any) {
		start := time.Now()
		msg.Next(data)
		fields := []zap.Field{
			zap.String("subject", msg.Subject),
			zap.String("id", msg.ID),
			zap.Duration("duration", time.Since(start)),
		}
		if c := msg.Conn(); c != nil {
			fields = append(fields, zap.Uint64("conn", c.ID()))
		}
		logger.Debug("message handled", fields...)
	}
}
