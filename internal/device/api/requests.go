// Package api provides HTTP handlers for device discovery, adb TCP/IP
// connection management, and the launchable app catalog.
package api

import (
	"github.com/droidpilot/droidpilot/internal/device"
	v1 "github.com/droidpilot/droidpilot/pkg/api/v1"
)

// ConnectRequest for establishing an adb TCP/IP connection
type ConnectRequest struct {
	Address string `json:"address" binding:"required"`
}

// DisconnectRequest for dropping one connection, or all when empty
type DisconnectRequest struct {
	Address string `json:"address"`
}

// TcpipRequest for switching a USB device into TCP/IP mode
type TcpipRequest struct {
	Port int `json:"port"`
}

// Response types

// ActionResponse reports the outcome of a connection workflow. The
// message is human-readable in the configured language.
type ActionResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// DeviceIPResponse for the device IP lookup
type DeviceIPResponse struct {
	Success bool   `json:"success"`
	IP      string `json:"ip,omitempty"`
	Message string `json:"message"`
}

// DevicesListResponse for listing attached devices
type DevicesListResponse struct {
	Devices []v1.DeviceInfo `json:"devices"`
	Total   int             `json:"total"`
}

// ConnectionsListResponse for listing tracked TCP/IP connections
type ConnectionsListResponse struct {
	Connections []device.ConnectionStatus `json:"connections"`
	Total       int                       `json:"total"`
}

// AppsListResponse for listing launchable apps
type AppsListResponse struct {
	Apps  []v1.AppInfo `json:"apps"`
	Total int          `json:"total"`
}
