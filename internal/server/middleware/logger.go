package middleware

import (
	"log/slog"
	"net/http"
	"time"
)

// NewRequestLogger creates a middleware that logs each incoming request and,
// once the handler returns, how long it was held. Upgraded websocket
// requests are held for the life of the connection.
func NewRequestLogger(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqMeta, ok := ReqMetadataFrom(r.Context())
			var ip string
			start := time.Now()
			if ok {
				ip = reqMeta.IP
				start = reqMeta.ReceivedAt
			}

			logger.Debug("Incoming HTTP request",
				slog.String("method", r.Method),
				slog.String("uri", r.RequestURI),
				slog.String("ip", ip),
			)
			next.ServeHTTP(w, r)
			logger.Debug("HTTP request finished",
				slog.String("uri", r.RequestURI),
				slog.String("ip", ip),
				slog.Duration("held", time.Since(start)),
			)
		})
	}
}
