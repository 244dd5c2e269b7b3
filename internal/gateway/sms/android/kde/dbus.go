package kde

import (
	"fmt"

	"github.com/godbus/dbus/v5"
)

const (
	serviceName = "org.kde.kdeconnect"
	servicePath = "/modules/kdeconnect"
	pluginSMS   = "kdeconnect_sms"
)

// deviceProps are the org.kde.kdeconnect.device properties copied into a Device.
var deviceProps = []struct {
	name string
	set  func(d *Device, v dbus.Variant) error
}{
	{"isReachable", func(d *Device, v dbus.Variant) error { return store(v, &d.Reachable) }},
	{"isTrusted", func(d *Device, v dbus.Variant) error { return store(v, &d.Trusted) }},
	{"name", func(d *Device, v dbus.Variant) error { return store(v, &d.Name) }},
	{"type", func(d *Device, v dbus.Variant) error { return store(v, &d.Type) }},
	{"supportedPlugins", func(d *Device, v dbus.Variant) error {
		var plugins []string
		if err := store(v, &plugins); err != nil {
			return err
		}
		d.Plugins = make(map[string]struct{}, len(plugins))
		for _, p := range plugins {
			d.Plugins[p] = struct{}{}
		}
		return nil
	}},
}

func store(v dbus.Variant, dst interface{}) error {
	if err := dbus.Store([]interface{}{v.Value()}, dst); err != nil {
		return fmt.Errorf("unexpected value %s: %w", v, err)
	}
	return nil
}

func devicePath(androidID string) dbus.ObjectPath {
	return dbus.ObjectPath(servicePath + "/devices/" + androidID)
}
