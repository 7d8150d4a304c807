package handler

import (
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"family-assistant/internal/domain"
	"family-assistant/internal/usecase"
)

const (
	correlationHeader = "X-Correlation-Id"
	correlationKey    = "correlation_id"
	principalKey      = "principal"
	bearerPrefix      = "Bearer "
)

// correlationID echoes a caller supplied id or mints one, on every response.
func correlationID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(correlationHeader))
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		c.Set(correlationKey, id)
		c.Header(correlationHeader, id)
		c.Next()
	}
}

func correlationIDFrom(c *gin.Context) string {
	return c.GetString(correlationKey)
}

func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("correlation_id", correlationIDFrom(c)),
		}
		if p, ok := principalFrom(c); ok {
			fields = append(fields, zap.String("user_id", p.UserID))
		}
		log.Info("HTTP request", fields...)
	}
}

func recovery(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Error("panic recovered",
					zap.Any("panic", rec),
					zap.String("correlation_id", correlationIDFrom(c)),
					zap.ByteString("stack", debug.Stack()),
				)
				if !c.Writer.Written() {
					writeErrorCode(c, usecase.ErrorInternal, defaultMessages[usecase.ErrorInternal])
					return
				}
				c.Abort()
			}
		}()
		c.Next()
	}
}

// requireAuth resolves the bearer device token to a principal.
func (h *Handler) requireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, bearerPrefix) {
			writeErrorCode(c, usecase.ErrorUnauthorized, "Missing or invalid Authorization header")
			return
		}
		p, err := h.devices.Authenticate(c.Request.Context(), strings.TrimPrefix(header, bearerPrefix))
		if err != nil {
			h.writeError(c, err)
			return
		}
		c.Set(principalKey, p)
		c.Next()
	}
}

func requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		p, _ := principalFrom(c)
		if !p.IsAdmin() {
			writeErrorCode(c, usecase.ErrorForbidden, "Admin access required")
			return
		}
		c.Next()
	}
}

func principalFrom(c *gin.Context) (domain.Principal, bool) {
	v, ok := c.Get(principalKey)
	if !ok {
		return domain.Principal{}, false
	}
	p, ok := v.(domain.Principal)
	return p, ok
}

// FlushSafe lets gin stream through response writers that cannot flush, such as
// the Lambda Function URL streaming writer, which forwards every Write directly.
func FlushSafe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(flushWriter{w}, r)
	})
}

type flushWriter struct {
	http.ResponseWriter
}

func (f flushWriter) Flush() {
	if fl, ok := f.ResponseWriter.(http.Flusher); ok {
		fl.Flush()
	}
}
