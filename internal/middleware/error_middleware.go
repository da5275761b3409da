package middleware

import (
	"net/http"

	"podster/internal/transport/httpdto"
	"podster/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ErrorHandler renders the last error attached with c.Error. Server side and
// storage failures are logged with the request context.
func ErrorHandler(l *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}

		err := c.Errors.Last().Err
		status, body := httpdto.ErrorBody(err)
		if status >= http.StatusInternalServerError && l != nil {
			l.WithContext(c.Request.Context()).Error("request failed",
				zap.String("path", c.FullPath()),
				zap.Int("status", status),
				zap.Error(err),
			)
		}
		if c.Writer.Written() {
			return
		}
		c.JSON(status, body)
	}
}
