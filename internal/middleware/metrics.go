package middleware

import (
	"strconv"
	"time"

	"fastdrop-go/pkg/metrics"

	"github.com/gin-gonic/gin"
)

// Metrics 记录每个路由的请求数与耗时。路由使用注册时的模板，未匹配的请求记为 "unmatched"。
func Metrics(m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.HTTPRequests.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
		m.HTTPDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}
