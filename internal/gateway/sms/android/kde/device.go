package kde

import (
	"context"
	"errors"
	"fmt"

	"github.com/godbus/dbus/v5"
)

var (
	ErrNotPaired = errors.New("device not paired with KDE Connect")
	ErrSMSPlugin = errors.New("SMS plugin not enabled")
)

// Device is a phone paired with the KDE Connect daemon of the session bus.
type Device struct {
	AndroidID string
	Name      string
	Type      string
	Reachable bool
	Trusted   bool
	Plugins   map[string]struct{}
	Conn      *dbus.Conn `cbor:"-"`
}

// GetDeviceWithAndroidID returns the paired device with the given Android ID.
// The caller owns dev.Conn and must close it.
func GetDeviceWithAndroidID(ctx context.Context, androidID string) (*Device, error) {
	devs := make(Devices)
	conn, err := GetDevices(ctx, devs)
	if err != nil {
		if conn != nil {
			conn.Close()
		}
		return nil, fmt.Errorf("error while searching for KDE Connect devices: %w", err)
	}
	dev, exists := devs[androidID]
	if !exists {
		conn.Close()
		return nil, ErrNotPaired
	}
	return dev, nil
}

func (d Device) PermissionSMS() bool {
	_, exists := d.Plugins[pluginSMS]
	return exists
}

func (d Device) DBTable() string {
	return "gateway.sms.android.device"
}

func (d Device) DBKey() []byte {
	return []byte(d.AndroidID)
}

func (d Device) DeviceAndroidID() string {
	return d.AndroidID
}

func (d Device) DeviceName() string {
	return d.Name
}

func (d *Device) dbusGetProps() error {
	obj := d.Conn.Object(serviceName, devicePath(d.AndroidID))
	for _, p := range deviceProps {
		v, err := obj.GetProperty(serviceName + ".device." + p.name)
		if err != nil {
			return fmt.Errorf("reading property %s failed: %w", p.name, err)
		}
		if err := p.set(d, v); err != nil {
			return fmt.Errorf("property %s: %w", p.name, err)
		}
	}
	return nil
}

func (d *Device) SendSMS(ctx context.Context, to string, msg string) error {
	if !d.PermissionSMS() {
		return ErrSMSPlugin
	}
	obj := d.Conn.Object(serviceName, devicePath(d.AndroidID)+"/sms")
	err := obj.CallWithContext(ctx, serviceName+".device.sms.sendSms", 0, []interface{}{to}, msg, []interface{}{}).Err
	if err != nil {
		return fmt.Errorf("dbus call 'sendSms' failed: %w", err)
	}
	return nil
}
