package middleware

import (
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
)

type logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// LoggerMiddleware logs every request; server errors are logged at error level
func LoggerMiddleware(l logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}

			args := []any{
				"method", r.Method,
				"uri", r.RequestURI,
				"duration", time.Since(start),
				"status", status,
				"size", ww.BytesWritten(),
			}
			if reqID := chimw.GetReqID(r.Context()); reqID != "" {
				args = append(args, "request_id", reqID)
			}

			if status >= http.StatusInternalServerError {
				l.Error("got HTTP request", args...)
				return
			}
			l.Info("got HTTP request", args...)
		})
	}
}
