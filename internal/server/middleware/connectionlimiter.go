package middleware

import (
	"log/slog"
	"net/http"
)

// AddressReserver hands out per-address connection slots.
type AddressReserver interface {
	ReserveAddress(ip string, max int) bool
	ReleaseAddress(ip string)
}

// NewConnectionLimiter caps concurrent connections per remote address. The
// slot is held until the wrapped handler returns, which for an upgraded
// websocket is when the connection ends. A max of zero disables the cap.
func NewConnectionLimiter(logger *slog.Logger, reserver AddressReserver, max int) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if max <= 0 {
				next.ServeHTTP(w, r)
				return
			}

			reqMeta, ok := ReqMetadataFrom(r.Context())
			if !ok {
				logger.Error("Connection limiter could not find request metadata in context. Check middleware order.")
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}

			if !reserver.ReserveAddress(reqMeta.IP, max) {
				logger.Warn("Address connection limit reached", slog.String("ip", reqMeta.IP), slog.Int("max", max))
				http.Error(w, "Too Many Connections", http.StatusTooManyRequests)
				return
			}
			defer reserver.ReleaseAddress(reqMeta.IP)
			next.ServeHTTP(w, r)
		})
	}
}
