package middleware

import (
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"

	"chatty/internal/chatty"
)

// Recovery catches panics from downstream handlers and forwards them to
// onError as untyped errors, which the boundary answers with a 500.
func Recovery(onError chatty.ErrorHandler) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				slog.Error("panic recovered",
					"panic", rec,
					"request_id", chatty.RequestIDFromContext(r.Context()),
					"stack", string(debug.Stack()),
				)
				onError(w, r, fmt.Errorf("panic: %v", rec))
			}()
			next.ServeHTTP(w, r)
		})
	}
}
