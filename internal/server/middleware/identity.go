package middleware

import (
	"context"

	"github.com/calyx-ai/switchboard/internal/store"
	"github.com/gin-gonic/gin"
)

// Identity middleware extracts X-App-Name from headers so request logs can
// attribute traffic to a calling application.
func Identity() gin.HandlerFunc {
	return func(c *gin.Context) {
		appName := c.GetHeader("X-App-Name")
		if appName != "" {
			ctx := context.WithValue(c.Request.Context(), store.ContextKeyAppName, appName)
			c.Request = c.Request.WithContext(ctx)
		}
		c.Next()
	}
}
