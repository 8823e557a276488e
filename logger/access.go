package logger

import (
	"net/http"
	"time"

	"go.uber.org/zap"
)

// NewAccessLogger returns a narrow zap.Logger used only by the agent's
// status/health HTTP server: the legacy rotating logger above covers the
// reconciliation core, zap covers the newer HTTP edge (cns/healthserver).
func NewAccessLogger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	return cfg.Build()
}

// AccessLogMiddleware logs one line per request via the given zap.Logger.
func AccessLogMiddleware(zl *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			zl.Info("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Duration("elapsed", time.Since(start)),
			)
		})
	}
}
