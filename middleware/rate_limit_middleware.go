package middleware

import (
	"golang.org/x/time/rate"

	"procmesh/listener"
)

// RateLimit admits messages through a token bucket of r per second with the
// given burst. A rejected message is passed to reject instead of the rest of
// the chain; reject is responsible for replying.
func RateLimit(r float64, burst int, reject listener.HandlerFunc) listener.HandlerFunc {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(msg *listener.Message, data any) {
		if !limiter.Allow() {
			if reject != nil {
				reject(msg, data)
			}
			return
		}
		msg.Next(data)
	}
}
