package middleware

import (
	"net/http"
	"os"

	"github.com/gin-gonic/gin"
)

// Maintenance answers 503 to every request while flagPath exists. Health
// checks stay reachable so orchestrators do not restart the process.
func Maintenance(flagPath string) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		if ctx.Request.URL.Path == "/health" {
			ctx.Next()
			return
		}
		if _, err := os.Stat(flagPath); err == nil {
			ctx.Header("Retry-After", "60")
			ctx.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"error": "service under maintenance, retry later",
			})
			return
		}
		ctx.Next()
	}
}
