package api

import (
	"context"
	stderrors "errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/droidpilot/droidpilot/internal/common/errors"
	"github.com/droidpilot/droidpilot/internal/common/logger"
	"github.com/droidpilot/droidpilot/internal/device"
	"github.com/droidpilot/droidpilot/internal/device/apps"
	v1 "github.com/droidpilot/droidpilot/pkg/api/v1"
)

// ConnectionService is the connection manager surface needed by handlers
type ConnectionService interface {
	ListDevices(ctx context.Context) ([]v1.DeviceInfo, error)
	Connections() []device.ConnectionStatus
	Connect(ctx context.Context, address string) (bool, string)
	Disconnect(ctx context.Context, address string) (bool, string)
	EnableTcpip(ctx context.Context, deviceID string, port int) (bool, string)
	GetDeviceIP(ctx context.Context, deviceID string) (string, bool, string)
}

var _ ConnectionService = (*device.ConnectionManager)(nil)

// Handler contains HTTP handlers for the device API
type Handler struct {
	conns  ConnectionService
	apps   *apps.Registry
	logger *logger.Logger
}

// NewHandler creates a new device API handler
func NewHandler(conns ConnectionService, registry *apps.Registry, log *logger.Logger) *Handler {
	return &Handler{
		conns:  conns,
		apps:   registry,
		logger: log.WithFields(zap.String("component", "device-api")),
	}
}

// ListDevices returns all devices known to the adb server
// GET /api/v1/devices
func (h *Handler) ListDevices(c *gin.Context) {
	devices, err := h.conns.ListDevices(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to list devices", zap.Error(err))
		var appErr *errors.AppError
		if !stderrors.As(err, &appErr) {
			appErr = errors.InternalError("failed to list devices", err)
		}
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	c.JSON(http.StatusOK, DevicesListResponse{
		Devices: devices,
		Total:   len(devices),
	})
}

// ListConnections returns the tracked TCP/IP connection states
// GET /api/v1/devices/connections
func (h *Handler) ListConnections(c *gin.Context) {
	conns := h.conns.Connections()
	c.JSON(http.StatusOK, ConnectionsListResponse{
		Connections: conns,
		Total:       len(conns),
	})
}

// ConnectDevice establishes an adb TCP/IP connection. The outcome is
// reported in the body; only a malformed request is an HTTP error.
// POST /api/v1/devices/connect
func (h *Handler) ConnectDevice(c *gin.Context) {
	var req ConnectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest("invalid request body: " + err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	ok, msg := h.conns.Connect(c.Request.Context(), req.Address)
	c.JSON(http.StatusOK, ActionResponse{Success: ok, Message: msg})
}

// DisconnectDevice drops one TCP/IP connection, or all of them
// POST /api/v1/devices/disconnect
func (h *Handler) DisconnectDevice(c *gin.Context) {
	var req DisconnectRequest
	// Bind JSON body if present, but don't require it
	_ = c.ShouldBindJSON(&req)

	ok, msg := h.conns.Disconnect(c.Request.Context(), req.Address)
	c.JSON(http.StatusOK, ActionResponse{Success: ok, Message: msg})
}

// EnableTcpip switches a USB-attached device into TCP/IP mode
// POST /api/v1/devices/:deviceId/tcpip
func (h *Handler) EnableTcpip(c *gin.Context) {
	deviceID := c.Param("deviceId")

	var req TcpipRequest
	// Bind JSON body if present, but don't require it
	_ = c.ShouldBindJSON(&req)

	ok, msg := h.conns.EnableTcpip(c.Request.Context(), deviceID, req.Port)
	c.JSON(http.StatusOK, ActionResponse{Success: ok, Message: msg})
}

// GetDeviceIP looks up the device's WLAN address for use with connect
// GET /api/v1/devices/:deviceId/ip
func (h *Handler) GetDeviceIP(c *gin.Context) {
	deviceID := c.Param("deviceId")

	ip, ok, msg := h.conns.GetDeviceIP(c.Request.Context(), deviceID)
	c.JSON(http.StatusOK, DeviceIPResponse{Success: ok, IP: ip, Message: msg})
}

// ListApps returns the launchable app catalog
// GET /api/v1/apps
func (h *Handler) ListApps(c *gin.Context) {
	catalog := h.apps.ListSupported()
	c.JSON(http.StatusOK, AppsListResponse{
		Apps:  catalog,
		Total: len(catalog),
	})
}
