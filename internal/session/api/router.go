package api

import (
	"github.com/gin-gonic/gin"

	"github.com/droidpilot/droidpilot/internal/common/logger"
	"github.com/droidpilot/droidpilot/internal/session"
)

// SetupRoutes configures the session and task API routes
func SetupRoutes(router *gin.RouterGroup, mgr *session.Manager, modelAdmin ModelAdmin, log *logger.Logger) {
	handler := NewHandler(mgr, modelAdmin, log)

	// Session routes
	sessions := router.Group("/sessions")
	{
		sessions.POST("", handler.CreateSession)
		sessions.GET("", handler.ListSessions)
		sessions.GET("/:sessionId", handler.GetSession)
		sessions.POST("/:sessionId/stop", handler.StopSession)

		// Event stream
		sessions.GET("/:sessionId/ws", handler.StreamEvents)
	}

	// Task routes
	tasks := router.Group("/tasks")
	{
		tasks.POST("", handler.StartTask)
		tasks.GET("", handler.ListTasks)
		tasks.GET("/:taskId", handler.GetTask)
		tasks.POST("/:taskId/stop", handler.StopTask)
		tasks.GET("/:taskId/steps", handler.GetTaskSteps)
	}

	// Runtime configuration and model telemetry
	router.GET("/config", handler.GetConfig)
	router.PUT("/config", handler.UpdateConfig)
	router.GET("/model/stats", handler.GetModelStats)
}
