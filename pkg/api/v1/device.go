package v1

// DeviceState represents what adb reports for a device
type DeviceState string

const (
	DeviceStateConnected    DeviceState = "device"
	DeviceStateOffline      DeviceState = "offline"
	DeviceStateUnauthorized DeviceState = "unauthorized"
)

// Transport is how the device is attached
type Transport string

const (
	TransportUSB   Transport = "usb"
	TransportTCPIP Transport = "tcpip"
)

// DeviceInfo describes one attached Android device
type DeviceInfo struct {
	ID             string      `json:"id"`
	State          DeviceState `json:"state"`
	Transport      Transport   `json:"transport"`
	ScreenWidth    int         `json:"screen_width,omitempty"`
	ScreenHeight   int         `json:"screen_height,omitempty"`
	Model          string      `json:"model,omitempty"`
	AndroidVersion string      `json:"android_version,omitempty"`
}

// AppInfo is a launchable app known to the registry
type AppInfo struct {
	Name    string   `json:"name"`
	Package string   `json:"package"`
	Aliases []string `json:"aliases,omitempty"`
}
