package api

import (
	"github.com/gin-gonic/gin"

	"github.com/droidpilot/droidpilot/internal/common/logger"
	"github.com/droidpilot/droidpilot/internal/device/apps"
)

// SetupRoutes configures the device API routes
func SetupRoutes(router *gin.RouterGroup, conns ConnectionService, registry *apps.Registry, log *logger.Logger) {
	handler := NewHandler(conns, registry, log)

	// Device routes
	devices := router.Group("/devices")
	{
		devices.GET("", handler.ListDevices)
		devices.GET("/connections", handler.ListConnections)
		devices.POST("/connect", handler.ConnectDevice)
		devices.POST("/disconnect", handler.DisconnectDevice)
		devices.POST("/:deviceId/tcpip", handler.EnableTcpip)
		devices.GET("/:deviceId/ip", handler.GetDeviceIP)
	}

	// App catalog
	router.GET("/apps", handler.ListApps)
}
