// Package adb sends SMS through a phone attached to the local ADB server.
package adb

import "fmt"

// shell is the part of gadb.Device the gateway uses.
type shell interface {
	RunShellCommand(cmd string, args ...string) (string, error)
	Serial() string
}

// Device is a phone attached through the ADB server, keyed by its Android ID.
type Device struct {
	AndroidID string
	Name      string
	sh        shell
	reachable bool
	isms      *ismsCall
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

func (d Device) Reachable() bool {
	return d.reachable
}

func (d Device) Serial() string {
	if d.sh == nil {
		return ""
	}
	return d.sh.Serial()
}

func (d Device) String() string {
	return fmt.Sprintf("%s (%s, serial %s)", d.Name, d.AndroidID, d.Serial())
}
