package middleware

import (
	"strconv"
	"time"

	"crosspost/infrastructure/metrics"

	"github.com/gin-gonic/gin"
)

// Metrics records request counts and latency per route template.
func Metrics() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		start := time.Now()
		ctx.Next()
		endpoint := ctx.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		metrics.RecordRequest(ctx.Request.Method, endpoint, strconv.Itoa(ctx.Writer.Status()), time.Since(start).Seconds())
	}
}
