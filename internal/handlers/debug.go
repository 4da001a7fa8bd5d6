package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"storefront-chat/internal/rabbitmq"
	"storefront-chat/internal/telemetry"
)

// RegisterDebugRoutes wires debug-only endpoints.
func RegisterDebugRoutes(router *gin.Engine, emitter *telemetry.AuditEmitter, publisher rabbitmq.Publisher, enabled bool) {
	if !enabled {
		return
	}

	router.GET("/debug/publisher", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"mode":   rabbitmq.PublisherMode(publisher),
			"reason": rabbitmq.PublisherNoopReason(publisher),
		})
	})

	router.GET("/debug/audit-test", func(c *gin.Context) {
		if emitter == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit emitter not configured"})
			return
		}
		emitter.Emit(c.Request.Context(), telemetry.AuditRecord{
			Level:     "INFO",
			Text:      "audit test",
			RequestID: requestIDFromContext(c),
			UserID:    userIDFromContext(c),
		})
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
}
