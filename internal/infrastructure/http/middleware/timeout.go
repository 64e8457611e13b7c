package middleware

import (
	"context"
	"net/http"
	"time"
)

// ExtendedTimeout applies d to the request context of long operations such
// as batch emission and pushes the connection write deadline past the
// server's default WriteTimeout. Wrapping writers must implement Unwrap.
func ExtendedTimeout(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Recorders used in tests do not support deadlines.
			_ = http.NewResponseController(w).SetWriteDeadline(time.Now().Add(d + 5*time.Second))

			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
