package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	cua "github.com/onkernel/cua-agent"
)

// RequestID stamps every request with a UUIDv7 id, echoed back on
// X-Request-ID, so a caller and the access log can correlate one request.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := cua.NewID()
		c.Set("request_id", id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

// RequestLogger logs one line per completed request at info level.
func RequestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request completed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", c.GetString("request_id")),
		)
	}
}

// Recovery converts a panic inside a handler into a 500 response instead of
// crashing the process, logging the recovered value.
func Recovery(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("panic recovered",
					zap.Any("panic", r),
					zap.String("path", c.Request.URL.Path),
				)
				c.AbortWithStatusJSON(http.StatusInternalServerError, errorBody("internal_error", "an internal error occurred"))
			}
		}()
		c.Next()
	}
}

// BearerAuth requires an "Authorization: Bearer <secret>" header equal to
// secret, per §6's "authenticated by bearer token equal to a configured
// shared secret". An empty secret rejects every request — there is no
// implicit open-by-default mode for the batch endpoint.
func BearerAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			writeError(c, &cua.AuthError{Message: "batch endpoint is not configured with an API key secret"})
			c.Abort()
			return
		}
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token != secret {
			writeError(c, &cua.AuthError{Message: "missing or invalid bearer token"})
			c.Abort()
			return
		}
		c.Next()
	}
}
