// Package bluez implements bluetooth.Adapter on top of the BlueZ D-Bus API.
package bluez

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/godbus/dbus/v5"

	"go.r2bridge.org/internal/bluetooth"
)

const (
	busName          = "org.bluez"
	adapterInterface = "org.bluez.Adapter1"
	deviceInterface  = "org.bluez.Device1"
	basePath         = "/org/bluez/"
)

var ErrAdapterOff = errors.New("bluetooth adapter is powered off")

type Adapter struct {
	conn        *dbus.Conn
	path        dbus.ObjectPath
	loggerDebug *log.Logger
}

var _ bluetooth.Adapter = (*Adapter)(nil)

// Connect opens the system bus and returns the adapter with the given name, e.g. "hci0".
func Connect(ctx context.Context, name string, loggerDebug *log.Logger) (*Adapter, error) {
	conn, err := dbus.ConnectSystemBus(dbus.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("dbus.ConnectSystemBus() failed: %w", err)
	}
	return NewAdapter(conn, name, loggerDebug), nil
}

func NewAdapter(conn *dbus.Conn, name string, loggerDebug *log.Logger) *Adapter {
	return &Adapter{
		conn:        conn,
		path:        dbus.ObjectPath(basePath + name),
		loggerDebug: log.New(loggerDebug.Writer(), loggerDebug.Prefix()+"[bluez] ", loggerDebug.Flags()),
	}
}

func (a *Adapter) Close() error {
	return a.conn.Close()
}

// RemoteDevice validates the address. BlueZ creates the device object on
// discovery or pairing, so a valid address may still fail at connect time.
func (a *Adapter) RemoteDevice(address string) (bluetooth.Device, error) {
	addr, err := bluetooth.ParseAddress(address)
	if err != nil {
		return bluetooth.Device{}, err
	}
	return bluetooth.Device{Address: addr}, nil
}

// GetProfileProxy asks BlueZ whether the adapter is powered without blocking,
// and hands the listener a proxy once the answer arrives.
func (a *Adapter) GetProfileProxy(ctx context.Context, profile bluetooth.Profile, listener bluetooth.ServiceListener) error {
	profileUUID, ok := profile.UUID()
	if !ok {
		return fmt.Errorf("unsupported profile %s", profile)
	}
	call := a.conn.Object(busName, a.path).GoWithContext(ctx, "org.freedesktop.DBus.Properties.Get", 0, nil, adapterInterface, "Powered")
	go func() {
		<-call.Done
		var powered dbus.Variant
		if err := call.Store(&powered); err != nil {
			a.loggerDebug.Printf("reading %s Powered failed: %s\n", a.path, err)
			listener.ServiceDisconnected(profile)
			return
		}
		if on, _ := powered.Value().(bool); !on {
			a.loggerDebug.Printf("%s: %s\n", a.path, ErrAdapterOff)
			listener.ServiceDisconnected(profile)
			return
		}
		proxy, err := newProfileProxy(ctx, a, profile, profileUUID.String(), listener)
		if err != nil {
			a.loggerDebug.Printf("creating %s proxy failed: %s\n", profile, err)
			listener.ServiceDisconnected(profile)
			return
		}
		listener.ServiceConnected(profile, proxy)
	}()
	return nil
}

// DevicePath maps AA:BB:CC:DD:EE:FF to <adapter>/dev_AA_BB_CC_DD_EE_FF.
func DevicePath(adapterPath dbus.ObjectPath, address string) dbus.ObjectPath {
	s := strings.ReplaceAll(strings.ToUpper(address), ":", "_")
	return dbus.ObjectPath(string(adapterPath) + "/dev_" + s)
}
