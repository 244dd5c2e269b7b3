package android

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"

	bolt "go.etcd.io/bbolt"

	"go.r2bridge.org/internal/dbutil"
	"go.r2bridge.org/internal/errorbehavior"
	"go.r2bridge.org/internal/gateway"
	"go.r2bridge.org/internal/gateway/sms/android/adb"
	"go.r2bridge.org/internal/gateway/sms/android/kde"
)

// Device is an Android phone used as the default messaging service.
// It is reached through ADB when attached, otherwise through KDE Connect.
type Device struct {
	AndroidID string
	Name      string
	adb       *adb.Device
	kde       *kde.Device
	kdeConn   io.Closer

	loggerDebug *log.Logger
}

var _ gateway.SenderClient = (*Device)(nil)

func (d Device) DBTable() string {
	return "gateway.sms.android.device"
}

func (d Device) DBKey() []byte {
	return []byte(d.AndroidID)
}

func (d Device) GatewayName() string {
	return "android"
}

func (d Device) GetConcurrencyMax() int {
	return 1
}

func (d Device) String() string {
	return fmt.Sprintf("androidID: %v, name: %v", d.AndroidID, d.Name)
}

// NewSenderClient returns the device with the given Android ID.
// An empty androidID selects the default device from the settings.
func NewSenderClient(db *bolt.DB, androidID string, loggerDebug *log.Logger) (*Device, error) {
	if androidID == "" {
		var setting SettingDefaultDevice
		err := dbutil.GetByKey(db, setting.DBKey(), &setting)
		if err != nil && !errors.Is(err, dbutil.ErrNotFound) {
			return nil, fmt.Errorf("failed to read default device setting: %w", err)
		}
		androidID = string(setting)
	}
	if androidID == "" {
		return nil, fmt.Errorf("no Android device configured")
	}
	dev := Device{AndroidID: androidID}
	err := dbutil.GetByKey(db, dev.DBKey(), &dev)
	if err != nil && !errors.Is(err, dbutil.ErrNotFound) {
		return nil, fmt.Errorf("failed to read device from database: %w", err)
	}
	dev.loggerDebug = log.New(loggerDebug.Writer(), loggerDebug.Prefix()+"[android] ", loggerDebug.Flags())
	return &dev, nil
}

type deviceAble interface {
	DeviceAndroidID() string
	DeviceName() string
}

func FromDeviceable(d deviceAble) Device {
	return Device{
		AndroidID: d.DeviceAndroidID(),
		Name:      d.DeviceName(),
	}
}

var ErrDeviceUnreachable = errors.New("device unreachable")

// replaced in tests
var (
	findADB = adb.GetDeviceWithAndroidID
	findKDE = kde.GetDeviceWithAndroidID
)

func (d *Device) PreSend(ctx context.Context) error {
	if err := d.PostSend(ctx); err != nil && d.loggerDebug != nil {
		d.loggerDebug.Printf("closing previous connection to %s failed: %s\n", d.AndroidID, err)
	}
	devAdb, errAdb := findADB(d.AndroidID)
	devKde, errKde := findKDE(ctx, d.AndroidID)
	if errAdb != nil && errKde != nil {
		return errorbehavior.WrapRetryable(fmt.Errorf("failed to find connected device via ADB (error: %s) and KDE Connect (error: %s): %w", errAdb, errKde, ErrDeviceUnreachable))
	}
	var reachable bool
	if errAdb == nil {
		d.adb = &devAdb
		err := d.adb.PreSend()
		if err != nil {
			d.adb = nil
		}
		if err == nil && devAdb.Reachable() {
			reachable = true
		}
	}
	if errKde == nil {
		d.kde = devKde
		if devKde.Conn != nil {
			d.kdeConn = devKde.Conn
		}
		if devKde.Reachable {
			reachable = true
		}
	}
	if !reachable {
		return errorbehavior.WrapRetryable(ErrDeviceUnreachable)
	}
	return nil
}

func (d *Device) PostSend(ctx context.Context) error {
	d.adb = nil
	d.kde = nil
	conn := d.kdeConn
	d.kdeConn = nil
	if conn == nil {
		return nil
	}
	if err := conn.Close(); err != nil {
		return fmt.Errorf("failed to close kde connection to device: %w", err)
	}
	return nil
}

func (d *Device) Send(ctx context.Context, to string, msg string) error {
	msg = strings.TrimSpace(msg)
	if d.adb != nil {
		err := d.adb.SendSMS(to, msg)
		if err != nil {
			return errorbehavior.WrapNonRetryable(fmt.Errorf("failed to send SMS via ADB: %w", err))
		}
	} else if d.kde != nil && d.kde.Reachable {
		err := d.kde.SendSMS(ctx, to, msg)
		if err != nil {
			return errorbehavior.WrapNonRetryable(fmt.Errorf("failed to send SMS via KDE Connect: %w", err))
		}
	} else {
		return errorbehavior.WrapRetryable(fmt.Errorf("device is not connected: %w", ErrDeviceUnreachable))
	}
	return nil
}
