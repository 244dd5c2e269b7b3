package kde

import (
	"context"
	"errors"
	"testing"

	"github.com/godbus/dbus/v5"
)

func TestPermissionSMS(t *testing.T) {
	d := Device{AndroidID: "abc", Plugins: map[string]struct{}{"kdeconnect_ping": {}}}
	if d.PermissionSMS() {
		t.Error("[ERROR] device without the sms plugin reported SMS permission")
	}
	if err := d.SendSMS(context.Background(), "+15551234567", "hi"); !errors.Is(err, ErrSMSPlugin) {
		t.Errorf("[ERROR] SendSMS must fail when the sms plugin is disabled, got %v", err)
	}
	d.Plugins[pluginSMS] = struct{}{}
	if !d.PermissionSMS() {
		t.Error("[ERROR] device with the sms plugin reported no SMS permission")
	}
}

func TestDeviceProps(t *testing.T) {
	var d Device
	values := map[string]interface{}{
		"isReachable":      true,
		"isTrusted":        true,
		"name":             "Pixel",
		"type":             "phone",
		"supportedPlugins": []string{"kdeconnect_ping", pluginSMS},
	}
	for _, p := range deviceProps {
		v, ok := values[p.name]
		if !ok {
			t.Fatalf("[ERROR] no test value for property %s", p.name)
		}
		if err := p.set(&d, dbus.MakeVariant(v)); err != nil {
			t.Fatalf("[ERROR] setting %s failed: %s", p.name, err)
		}
	}
	if !d.Reachable || !d.Trusted || d.Name != "Pixel" || d.Type != "phone" || !d.PermissionSMS() {
		t.Errorf("[ERROR] unexpected device %+v", d)
	}
	for _, p := range deviceProps {
		if p.name == "isReachable" {
			if err := p.set(&d, dbus.MakeVariant("yes")); err == nil {
				t.Error("[ERROR] string accepted for a bool property")
			}
		}
	}
}

func TestDevicePath(t *testing.T) {
	if got := devicePath("abc123"); got != "/modules/kdeconnect/devices/abc123" || !got.IsValid() {
		t.Errorf("[ERROR] unexpected path %s", got)
	}
}
