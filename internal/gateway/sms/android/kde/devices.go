package kde

import (
	"context"
	"fmt"

	"github.com/godbus/dbus/v5"

	"go.r2bridge.org/internal/dbutil"
)

type Devices map[string]*Device

func (devs Devices) ToSliceOfSaveables() []dbutil.Saveable {
	s := make([]dbutil.Saveable, 0, len(devs))
	for _, dev := range devs {
		devCopy := *dev
		s = append(s, &devCopy)
	}
	return s
}

// GetDevices reads the paired devices over the session bus into devs.
// The returned connection is non-nil whenever the bus was reached; the caller closes it.
func GetDevices(ctx context.Context, devs Devices) (*dbus.Conn, error) {
	var androidIDs []string
	conn, err := dbus.ConnectSessionBus(dbus.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("dbus.ConnectSessionBus() failed: %s", err)
	}
	if err := conn.Object(serviceName, servicePath).CallWithContext(ctx, serviceName+".daemon.devices", 0, false, true).Store(&androidIDs); err != nil {
		return conn, fmt.Errorf("dbus call 'devices' failed: %s", err)
	}
	for _, androidID := range androidIDs {
		dev := &Device{
			AndroidID: androidID,
			Conn:      conn,
		}
		if err := dev.dbusGetProps(); err != nil {
			return conn, fmt.Errorf("device %s: %w", androidID, err)
		}
		devs[androidID] = dev
	}
	return conn, nil
}
