package api

import (
	"net/http"

	"mediascribe/task"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Deps are the collaborators served over HTTP.
type Deps struct {
	Tasks *task.Manager
	// Media serves locally published files. Nil disables the route.
	Media   MediaServer
	Metrics http.Handler
	Log     *zap.Logger
}

func SetupRouter(d Deps) *gin.Engine {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	r := gin.New()
	r.Use(gin.Recovery(), RequestID(), AccessLog(d.Log), CORS())
	h := NewHandler(d.Tasks, d.Media, d.Log)

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if d.Metrics != nil {
		r.GET("/metrics", gin.WrapH(d.Metrics))
	}

	api := r.Group("/api")
	{
		api.POST("/generate", h.handleCreateTask)
		api.GET("/generate", h.handleListTasks)
		api.GET("/generate/:taskId", h.handleGetTaskStatus)
		api.POST("/generate/:taskId/cancel", h.handleCancelTask)

		// Vendors fetch published media anonymously; the signature guards it.
		if d.Media != nil {
			api.GET("/public-media/:fileId", h.handlePublicMedia)
		}
	}
	return r
}
