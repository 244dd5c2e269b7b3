package bluez

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"

	"go.r2bridge.org/internal/bluetooth"
)

// profileProxy connects one profile through org.bluez.Device1.ConnectProfile.
// It reports bluetoothd going away as ServiceDisconnected until closed.
type profileProxy struct {
	adapter    *Adapter
	profile    bluetooth.Profile
	uuid       string
	signals    chan *dbus.Signal
	matchOpts  []dbus.MatchOption
	cancel     context.CancelFunc
	closeOnce  sync.Once
	closeError error
}

func newProfileProxy(ctx context.Context, a *Adapter, profile bluetooth.Profile, uuid string, listener bluetooth.ServiceListener) (*profileProxy, error) {
	p := &profileProxy{
		adapter: a,
		profile: profile,
		uuid:    uuid,
		signals: make(chan *dbus.Signal, 1),
		matchOpts: []dbus.MatchOption{
			dbus.WithMatchInterface("org.freedesktop.DBus"),
			dbus.WithMatchMember("NameOwnerChanged"),
			dbus.WithMatchArg(0, busName),
		},
	}
	if err := a.conn.AddMatchSignalContext(ctx, p.matchOpts...); err != nil {
		return nil, fmt.Errorf("DBus.AddMatch failed for NameOwnerChanged: %w", err)
	}
	a.conn.Signal(p.signals)
	watchCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	go p.watch(watchCtx, listener)
	return p, nil
}

func (p *profileProxy) watch(ctx context.Context, listener bluetooth.ServiceListener) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-p.signals:
			if !ok {
				return
			}
			if sig.Name != "org.freedesktop.DBus.NameOwnerChanged" || len(sig.Body) != 3 {
				continue
			}
			name, _ := sig.Body[0].(string)
			newOwner, _ := sig.Body[2].(string)
			if name == busName && newOwner == "" {
				listener.ServiceDisconnected(p.profile)
				return
			}
		}
	}
}

func (p *profileProxy) ForceConnect(ctx context.Context, device bluetooth.Device) error {
	path := DevicePath(p.adapter.path, device.Address)
	err := p.adapter.conn.Object(busName, path).CallWithContext(ctx, deviceInterface+".ConnectProfile", 0, p.uuid).Err
	if isAlreadyConnected(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("ConnectProfile(%s) on %s failed: %w", p.uuid, path, err)
	}
	return nil
}

func (p *profileProxy) Close() error {
	p.closeOnce.Do(func() {
		p.cancel()
		p.adapter.conn.RemoveSignal(p.signals)
		p.closeError = p.adapter.conn.RemoveMatchSignal(p.matchOpts...)
	})
	return p.closeError
}

func isAlreadyConnected(err error) bool {
	var dbusErr dbus.Error
	if errors.As(err, &dbusErr) {
		return dbusErr.Name == "org.bluez.Error.AlreadyConnected"
	}
	return false
}
