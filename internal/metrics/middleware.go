package metrics

import (
	"strconv"

	"github.com/gin-gonic/gin"
)

// RequestMiddleware counts requests per matched route and status class.
func RequestMiddleware(m *Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.IncRequest(route, strconv.Itoa(c.Writer.Status()/100)+"xx")
	}
}
