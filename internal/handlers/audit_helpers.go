package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"storefront-chat/internal/middleware"
	"storefront-chat/internal/models"
)

const requestIDContextKey = "request_id"

func requestIDFromContext(c *gin.Context) string {
	if val, ok := c.Get(requestIDContextKey); ok {
		if id, ok := val.(string); ok && id != "" {
			return id
		}
	}

	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		// fall back to the otelgin trace id
		if sc := trace.SpanContextFromContext(c.Request.Context()); sc.HasTraceID() {
			requestID = sc.TraceID().String()
		} else {
			requestID = uuid.NewString()
		}
	}
	c.Set(requestIDContextKey, requestID)
	return requestID
}

func userIDFromContext(c *gin.Context) string {
	return c.GetString(middleware.UserIDKey)
}

func roleFromContext(c *gin.Context) models.SenderRole {
	if val, ok := c.Get(middleware.RoleKey); ok {
		if role, ok := val.(models.SenderRole); ok {
			return role
		}
	}
	return ""
}
