package device

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/droidpilot/droidpilot/internal/common/logger"
	v1 "github.com/droidpilot/droidpilot/pkg/api/v1"
)

// ConnState is the tracked state of one TCP/IP device address.
type ConnState string

const (
	ConnStateUnknown      ConnState = "unknown"
	ConnStateConnecting   ConnState = "connecting"
	ConnStateConnected    ConnState = "connected"
	ConnStateFailed       ConnState = "failed"
	ConnStateDisconnected ConnState = "disconnected"
)

// ConnectionStatus is a snapshot of one tracked connection.
type ConnectionStatus struct {
	Address   string    `json:"address"`
	State     ConnState `json:"state"`
	LastError string    `json:"last_error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ConnectionManager tracks adb TCP/IP connections and wraps the connect,
// disconnect, and tcpip workflows. Human-readable results follow the
// configured language.
type ConnectionManager struct {
	ctrl     *Controller
	language string
	logger   *logger.Logger

	mu    sync.RWMutex
	conns map[string]*ConnectionStatus
}

// NewConnectionManager creates a ConnectionManager for the given language (cn, en).
func NewConnectionManager(ctrl *Controller, language string, log *logger.Logger) *ConnectionManager {
	return &ConnectionManager{
		ctrl:     ctrl,
		language: language,
		logger:   log,
		conns:    make(map[string]*ConnectionStatus),
	}
}

var connMessages = map[string]map[string]string{
	"connected":         {"cn": "已连接到 %s", "en": "connected to %s"},
	"connect_failed":    {"cn": "连接 %s 失败:%s", "en": "failed to connect to %s: %s"},
	"disconnected":      {"cn": "已断开 %s", "en": "disconnected %s"},
	"disconnected_all":  {"cn": "已断开所有 TCP/IP 设备", "en": "disconnected all TCP/IP devices"},
	"device_not_found":  {"cn": "未找到设备 %s", "en": "device %s not found"},
	"device_bad_state":  {"cn": "设备 %s 状态异常:%s", "en": "device %s is in state %s"},
	"tcpip_enabled":     {"cn": "设备已在端口 %d 开启 TCP/IP 模式,请用 connect <ip>:%d 连接", "en": "device is now listening on TCP/IP port %d; connect with <ip>:%d"},
	"tcpip_needs_usb":   {"cn": "开启 TCP/IP 模式需要 USB 连接的设备", "en": "enabling TCP/IP mode requires a USB-attached device"},
	"ip_found":          {"cn": "设备 IP:%s", "en": "device IP: %s"},
	"ip_not_found":      {"cn": "无法获取设备 IP", "en": "could not determine the device IP"},
	"no_device":         {"cn": "没有已连接的设备", "en": "no device connected"},
	"enable_tcpip_fail": {"cn": "开启 TCP/IP 模式失败:%s", "en": "failed to enable TCP/IP mode: %s"},
}

func (m *ConnectionManager) msg(key string, args ...interface{}) string {
	byLang, ok := connMessages[key]
	if !ok {
		return key
	}
	tmpl, ok := byLang[m.language]
	if !ok {
		tmpl = byLang["en"]
	}
	return fmt.Sprintf(tmpl, args...)
}

func (m *ConnectionManager) setState(address string, state ConnState, lastErr string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conns[address] = &ConnectionStatus{
		Address:   address,
		State:     state,
		LastError: lastErr,
		UpdatedAt: time.Now(),
	}
}

// Connections returns a snapshot of every tracked connection.
func (m *ConnectionManager) Connections() []ConnectionStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ConnectionStatus, 0, len(m.conns))
	for _, c := range m.conns {
		out = append(out, *c)
	}
	return out
}

// Connect establishes an adb TCP/IP connection to host:port. An address that
// lands in the offline state is kicked once (disconnect + reconnect) before
// giving up.
func (m *ConnectionManager) Connect(ctx context.Context, address string) (bool, string) {
	address = strings.TrimSpace(address)
	m.setState(address, ConnStateConnecting, "")

	runner := m.ctrl.Runner()
	timeout := m.ctrl.cfg.LaunchTimeoutDuration()

	if _, err := runner.RunText(ctx, timeout, "", "connect", address); err != nil {
		m.setState(address, ConnStateFailed, err.Error())
		return false, m.msg("connect_failed", address, err.Error())
	}

	state, found, err := m.lookupDeviceState(ctx, address)
	if err != nil {
		m.setState(address, ConnStateFailed, err.Error())
		return false, m.msg("connect_failed", address, err.Error())
	}

	if found && state == v1.DeviceStateOffline {
		// Stale registration; kick and retry once
		_, _ = runner.RunText(ctx, timeout, "", "disconnect", address)
		if _, err := runner.RunText(ctx, timeout, "", "connect", address); err != nil {
			m.setState(address, ConnStateFailed, err.Error())
			return false, m.msg("connect_failed", address, err.Error())
		}
		state, found, err = m.lookupDeviceState(ctx, address)
		if err != nil {
			m.setState(address, ConnStateFailed, err.Error())
			return false, m.msg("connect_failed", address, err.Error())
		}
	}

	if !found {
		m.setState(address, ConnStateFailed, "not registered after connect")
		return false, m.msg("device_not_found", address)
	}
	if state != v1.DeviceStateConnected {
		m.setState(address, ConnStateFailed, string(state))
		return false, m.msg("device_bad_state", address, string(state))
	}

	m.setState(address, ConnStateConnected, "")
	m.logger.Info("device connected", zap.String("address", address))
	return true, m.msg("connected", address)
}

// Disconnect drops one TCP/IP connection, or all of them when address is empty.
func (m *ConnectionManager) Disconnect(ctx context.Context, address string) (bool, string) {
	runner := m.ctrl.Runner()
	timeout := m.ctrl.cfg.InputTimeoutDuration()

	address = strings.TrimSpace(address)
	if address == "" {
		if _, err := runner.RunText(ctx, timeout, "", "disconnect"); err != nil {
			return false, err.Error()
		}
		m.mu.Lock()
		for addr, c := range m.conns {
			c.State = ConnStateDisconnected
			c.UpdatedAt = time.Now()
			m.conns[addr] = c
		}
		m.mu.Unlock()
		return true, m.msg("disconnected_all")
	}

	if _, err := runner.RunText(ctx, timeout, "", "disconnect", address); err != nil {
		return false, err.Error()
	}
	m.setState(address, ConnStateDisconnected, "")
	m.logger.Info("device disconnected", zap.String("address", address))
	return true, m.msg("disconnected", address)
}

// ListDevices enumerates devices and reconciles tracked connection states:
// a tracked address missing from the list is marked disconnected.
func (m *ConnectionManager) ListDevices(ctx context.Context) ([]v1.DeviceInfo, error) {
	devices, err := m.ctrl.ListDevices(ctx)
	if err != nil {
		return nil, err
	}

	present := make(map[string]v1.DeviceState, len(devices))
	for _, d := range devices {
		present[d.ID] = d.State
	}

	m.mu.Lock()
	for addr, c := range m.conns {
		if c.State != ConnStateConnected {
			continue
		}
		if state, ok := present[addr]; !ok || state != v1.DeviceStateConnected {
			c.State = ConnStateDisconnected
			c.UpdatedAt = time.Now()
			m.conns[addr] = c
			m.logger.Warn("tracked device lost", zap.String("address", addr))
		}
	}
	m.mu.Unlock()

	return devices, nil
}

// EnableTcpip switches a USB-attached device into TCP/IP mode on the given
// port. It does not connect; a follow-up Connect("<ip>:<port>") completes
// the transition.
func (m *ConnectionManager) EnableTcpip(ctx context.Context, deviceID string, port int) (bool, string) {
	if port <= 0 {
		port = 5555
	}

	devices, err := m.ctrl.ListDevices(ctx)
	if err != nil {
		return false, m.msg("enable_tcpip_fail", err.Error())
	}
	target, ok := pickDevice(devices, deviceID)
	if !ok {
		if deviceID == "" {
			return false, m.msg("no_device")
		}
		return false, m.msg("device_not_found", deviceID)
	}
	if target.Transport != v1.TransportUSB {
		return false, m.msg("tcpip_needs_usb")
	}

	runner := m.ctrl.Runner()
	if _, err := runner.RunText(ctx, m.ctrl.cfg.LaunchTimeoutDuration(), target.ID, "tcpip", strconv.Itoa(port)); err != nil {
		return false, m.msg("enable_tcpip_fail", err.Error())
	}
	m.logger.Info("tcpip mode enabled", zap.String("device_id", target.ID), zap.Int("port", port))
	return true, m.msg("tcpip_enabled", port, port)
}

// GetDeviceIP returns the device's WLAN address for use with Connect.
func (m *ConnectionManager) GetDeviceIP(ctx context.Context, deviceID string) (string, bool, string) {
	runner := m.ctrl.Runner()
	timeout := m.ctrl.cfg.DumpsysTimeoutDuration()

	out, err := runner.Shell(ctx, timeout, deviceID, "ip", "route")
	if err == nil {
		if ip := parseRouteSourceIP(out); ip != "" {
			return ip, true, m.msg("ip_found", ip)
		}
	}

	out, err = runner.Shell(ctx, timeout, deviceID, "ip", "addr", "show", "wlan0")
	if err == nil {
		if ip := parseInetIP(out); ip != "" {
			return ip, true, m.msg("ip_found", ip)
		}
	}

	return "", false, m.msg("ip_not_found")
}

func (m *ConnectionManager) lookupDeviceState(ctx context.Context, serial string) (v1.DeviceState, bool, error) {
	devices, err := m.ctrl.ListDevices(ctx)
	if err != nil {
		return "", false, err
	}
	for _, d := range devices {
		if d.ID == serial {
			return d.State, true, nil
		}
	}
	return "", false, nil
}

// pickDevice returns the device with the given id, or the sole attached
// device when id is empty.
func pickDevice(devices []v1.DeviceInfo, deviceID string) (v1.DeviceInfo, bool) {
	if deviceID != "" {
		for _, d := range devices {
			if d.ID == deviceID {
				return d, true
			}
		}
		return v1.DeviceInfo{}, false
	}
	for _, d := range devices {
		if d.State == v1.DeviceStateConnected {
			return d, true
		}
	}
	return v1.DeviceInfo{}, false
}

// parseRouteSourceIP extracts the token following "src" in ip route output.
func parseRouteSourceIP(out string) string {
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		for i, f := range fields {
			if f == "src" && i+1 < len(fields) {
				return fields[i+1]
			}
		}
	}
	return ""
}

// parseInetIP extracts the address from an "inet a.b.c.d/nn" line.
func parseInetIP(out string) string {
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(strings.TrimSpace(line))
		if len(fields) >= 2 && fields[0] == "inet" {
			return strings.SplitN(fields[1], "/", 2)[0]
		}
	}
	return ""
}
