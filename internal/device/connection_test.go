package device

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	v1 "github.com/droidpilot/droidpilot/pkg/api/v1"
)

func newTestConnectionManager(t *testing.T, script, language string) *ConnectionManager {
	t.Helper()
	ctrl := newTestController(t, script)
	return NewConnectionManager(ctrl, language, newTestLogger(t))
}

func TestConnectTracksConnectedDevice(t *testing.T) {
	mgr := newTestConnectionManager(t, `case "$1" in
connect) echo "connected to 192.168.1.42:5555";;
devices) printf "List of devices attached\n192.168.1.42:5555 device product:redroid model:redroid_x86_64\n";;
esac`, "en")

	ok, msg := mgr.Connect(context.Background(), " 192.168.1.42:5555 ")
	if !ok {
		t.Fatalf("expected connect to succeed, got %q", msg)
	}
	if msg != "connected to 192.168.1.42:5555" {
		t.Errorf("unexpected message %q", msg)
	}

	conns := mgr.Connections()
	if len(conns) != 1 {
		t.Fatalf("expected 1 tracked connection, got %d", len(conns))
	}
	if conns[0].Address != "192.168.1.42:5555" || conns[0].State != ConnStateConnected {
		t.Errorf("unexpected tracked state: %+v", conns[0])
	}
}

func TestConnectKicksOfflineRegistration(t *testing.T) {
	dir := t.TempDir()
	kicked := filepath.Join(dir, "kicked")
	mgr := newTestConnectionManager(t, `case "$1" in
connect) echo "connected to 192.168.1.9:5555";;
disconnect) touch `+kicked+`;;
devices)
  if [ -f `+kicked+` ]; then
    printf "List of devices attached\n192.168.1.9:5555 device\n"
  else
    printf "List of devices attached\n192.168.1.9:5555 offline\n"
  fi;;
esac`, "en")

	ok, msg := mgr.Connect(context.Background(), "192.168.1.9:5555")
	if !ok {
		t.Fatalf("expected connect to recover from the offline state, got %q", msg)
	}
	if _, err := os.Stat(kicked); err != nil {
		t.Error("expected the stale registration to be kicked with a disconnect")
	}
}

func TestConnectFailureIsTracked(t *testing.T) {
	mgr := newTestConnectionManager(t, `if [ "$1" = "connect" ]; then
  echo "cannot connect to 10.0.0.1:5555" >&2
  exit 1
fi`, "en")

	ok, msg := mgr.Connect(context.Background(), "10.0.0.1:5555")
	if ok {
		t.Fatal("expected connect to fail")
	}
	if !strings.Contains(msg, "failed to connect to 10.0.0.1:5555") {
		t.Errorf("unexpected message %q", msg)
	}

	conns := mgr.Connections()
	if len(conns) != 1 || conns[0].State != ConnStateFailed {
		t.Errorf("expected a failed tracked state, got %+v", conns)
	}
	if conns[0].LastError == "" {
		t.Error("expected the failure reason to be recorded")
	}
}

func TestConnectUnregisteredDevice(t *testing.T) {
	mgr := newTestConnectionManager(t, `case "$1" in
connect) echo "connected to 10.0.0.2:5555";;
devices) echo "List of devices attached";;
esac`, "en")

	ok, msg := mgr.Connect(context.Background(), "10.0.0.2:5555")
	if ok {
		t.Fatal("expected connect to fail when the device never registers")
	}
	if !strings.Contains(msg, "not found") {
		t.Errorf("unexpected message %q", msg)
	}
}

func TestConnectLocalizedMessage(t *testing.T) {
	mgr := newTestConnectionManager(t, `if [ "$1" = "connect" ]; then exit 1; fi`, "cn")

	ok, msg := mgr.Connect(context.Background(), "10.0.0.3:5555")
	if ok {
		t.Fatal("expected connect to fail")
	}
	if !strings.Contains(msg, "失败") {
		t.Errorf("expected a Chinese failure message, got %q", msg)
	}
}

func TestDisconnectAll(t *testing.T) {
	mgr := newTestConnectionManager(t, `case "$1" in
connect) echo ok;;
disconnect) echo "disconnected everything";;
devices) printf "List of devices attached\n192.168.1.5:5555 device\n";;
esac`, "en")

	if ok, msg := mgr.Connect(context.Background(), "192.168.1.5:5555"); !ok {
		t.Fatalf("setup connect failed: %q", msg)
	}

	ok, msg := mgr.Disconnect(context.Background(), "")
	if !ok {
		t.Fatalf("expected disconnect-all to succeed, got %q", msg)
	}
	if msg != "disconnected all TCP/IP devices" {
		t.Errorf("unexpected message %q", msg)
	}
	for _, c := range mgr.Connections() {
		if c.State != ConnStateDisconnected {
			t.Errorf("expected %s disconnected, got %s", c.Address, c.State)
		}
	}
}

func TestListDevicesReconcilesLostConnections(t *testing.T) {
	dir := t.TempDir()
	gone := filepath.Join(dir, "gone")
	mgr := newTestConnectionManager(t, `case "$1" in
connect) echo ok;;
devices)
  if [ -f `+gone+` ]; then
    echo "List of devices attached"
  else
    printf "List of devices attached\n192.168.1.7:5555 device\n"
  fi;;
esac`, "en")

	if ok, msg := mgr.Connect(context.Background(), "192.168.1.7:5555"); !ok {
		t.Fatalf("setup connect failed: %q", msg)
	}

	if err := os.WriteFile(gone, nil, 0o644); err != nil {
		t.Fatalf("failed to write marker: %v", err)
	}
	if _, err := mgr.ListDevices(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	conns := mgr.Connections()
	if len(conns) != 1 || conns[0].State != ConnStateDisconnected {
		t.Errorf("expected the lost device marked disconnected, got %+v", conns)
	}
}

func TestEnableTcpip(t *testing.T) {
	mgr := newTestConnectionManager(t, `if [ "$1" = "devices" ]; then
  printf "List of devices attached\nRF8M33Z8XYZ device model:Pixel_7\n"
fi`, "en")

	ok, msg := mgr.EnableTcpip(context.Background(), "", 5555)
	if !ok {
		t.Fatalf("expected tcpip to succeed, got %q", msg)
	}
	if !strings.Contains(msg, "5555") {
		t.Errorf("expected the port in the message, got %q", msg)
	}
}

func TestEnableTcpipRejectsTcpipDevice(t *testing.T) {
	mgr := newTestConnectionManager(t, `if [ "$1" = "devices" ]; then
  printf "List of devices attached\n192.168.1.9:5555 device\n"
fi`, "en")

	ok, msg := mgr.EnableTcpip(context.Background(), "", 5555)
	if ok {
		t.Fatal("expected tcpip to be rejected for a TCP/IP device")
	}
	if !strings.Contains(msg, "USB") {
		t.Errorf("unexpected message %q", msg)
	}
}

func TestEnableTcpipUnknownDevice(t *testing.T) {
	mgr := newTestConnectionManager(t, `if [ "$1" = "devices" ]; then
  echo "List of devices attached"
fi`, "en")

	if ok, _ := mgr.EnableTcpip(context.Background(), "ghost", 5555); ok {
		t.Fatal("expected tcpip to fail for an unknown device")
	}
	if ok, msg := mgr.EnableTcpip(context.Background(), "", 5555); ok || !strings.Contains(msg, "no device") {
		t.Fatalf("expected a no-device message, got %q", msg)
	}
}

func TestGetDeviceIPFromRoute(t *testing.T) {
	mgr := newTestConnectionManager(t, `if [ "$3" = "route" ]; then
  echo "default via 192.168.1.1 dev wlan0 proto dhcp src 192.168.1.42 metric 600"
fi`, "en")

	ip, ok, msg := mgr.GetDeviceIP(context.Background(), "dev1")
	if !ok {
		t.Fatalf("expected an IP, got %q", msg)
	}
	if ip != "192.168.1.42" {
		t.Errorf("got %q, want 192.168.1.42", ip)
	}
}

func TestGetDeviceIPFallsBackToWlan0(t *testing.T) {
	mgr := newTestConnectionManager(t, `if [ "$3" = "addr" ]; then
  printf "4: wlan0: <BROADCAST,MULTICAST,UP>\n    inet 10.0.0.7/24 brd 10.0.0.255 scope global wlan0\n"
fi`, "en")

	ip, ok, _ := mgr.GetDeviceIP(context.Background(), "dev1")
	if !ok || ip != "10.0.0.7" {
		t.Errorf("got %q ok=%v, want 10.0.0.7 from wlan0", ip, ok)
	}
}

func TestGetDeviceIPNotFound(t *testing.T) {
	mgr := newTestConnectionManager(t, `exit 0`, "en")

	_, ok, msg := mgr.GetDeviceIP(context.Background(), "dev1")
	if ok {
		t.Fatal("expected no IP")
	}
	if msg != "could not determine the device IP" {
		t.Errorf("unexpected message %q", msg)
	}
}

func TestPickDevice(t *testing.T) {
	devices := []v1.DeviceInfo{
		{ID: "offline-1", State: v1.DeviceStateOffline},
		{ID: "usb-1", State: v1.DeviceStateConnected},
		{ID: "usb-2", State: v1.DeviceStateConnected},
	}

	if d, ok := pickDevice(devices, "usb-2"); !ok || d.ID != "usb-2" {
		t.Errorf("expected explicit pick of usb-2, got %+v ok=%v", d, ok)
	}
	if d, ok := pickDevice(devices, ""); !ok || d.ID != "usb-1" {
		t.Errorf("expected first connected device, got %+v ok=%v", d, ok)
	}
	if _, ok := pickDevice(devices, "ghost"); ok {
		t.Error("expected unknown id to miss")
	}
	if _, ok := pickDevice(nil, ""); ok {
		t.Error("expected empty list to miss")
	}
}

func TestParseRouteSourceIP(t *testing.T) {
	out := "10.0.0.0/24 dev wlan0 proto kernel scope link src 10.0.0.7\n"
	if ip := parseRouteSourceIP(out); ip != "10.0.0.7" {
		t.Errorf("got %q, want 10.0.0.7", ip)
	}
	if ip := parseRouteSourceIP("default via 10.0.0.1 dev wlan0"); ip != "" {
		t.Errorf("expected no IP without a src token, got %q", ip)
	}
}

func TestParseInetIP(t *testing.T) {
	out := "    inet 192.168.1.20/24 brd 192.168.1.255 scope global wlan0\n    inet6 fe80::1/64 scope link\n"
	if ip := parseInetIP(out); ip != "192.168.1.20" {
		t.Errorf("got %q, want 192.168.1.20", ip)
	}
	if ip := parseInetIP("no addresses"); ip != "" {
		t.Errorf("expected empty, got %q", ip)
	}
}
