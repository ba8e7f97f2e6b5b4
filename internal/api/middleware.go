package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const workspaceContextKey = "workspace_id"

// RequestLogger writes one access log line per request.
func RequestLogger(log *zap.Logger) gin.HandlerFunc {
	if log == nil {
		log = zap.NewNop()
	}
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		}
		if id, ok := WorkspaceIDFromContext(c); ok {
			fields = append(fields, zap.String("workspace", id))
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}
		log.Info("request", fields...)
	}
}

// requireWorkspace rejects malformed workspace ids and stores the id in the
// context.
func requireWorkspace() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if !validWorkspaceID(id) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid workspace id"})
			return
		}
		c.Set(workspaceContextKey, id)
		c.Next()
	}
}

// WorkspaceIDFromContext retrieves the workspace id captured by the middleware.
func WorkspaceIDFromContext(c *gin.Context) (string, bool) {
	val, ok := c.Get(workspaceContextKey)
	if !ok {
		return "", false
	}
	id, ok := val.(string)
	return id, ok
}

func validWorkspaceID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}
