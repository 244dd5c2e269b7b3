// Package bluetooth connects the audio profiles of a remote device.
//
// The platform side is the Adapter: it resolves devices and hands out
// profile proxies asynchronously through a ServiceListener. The Connector
// turns each request into an Attempt that completes exactly once.
package bluetooth

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Profile numbers match the platform constants the shell already uses.
type Profile int

const (
	Headset Profile = 1
	A2DP    Profile = 2
)

// AudioProfiles are the profiles enableAudioProfiles connects.
var AudioProfiles = []Profile{A2DP, Headset}

var profileUUIDs = map[Profile]uuid.UUID{
	// remote device is the audio sink
	A2DP: uuid.MustParse("0000110b-0000-1000-8000-00805f9b34fb"),
	// remote device is the hands-free unit
	Headset: uuid.MustParse("0000111e-0000-1000-8000-00805f9b34fb"),
}

func (p Profile) String() string {
	switch p {
	case A2DP:
		return "A2DP"
	case Headset:
		return "HEADSET"
	}
	return fmt.Sprintf("profile(%d)", int(p))
}

// UUID is the service class the profile is connected through.
func (p Profile) UUID() (uuid.UUID, bool) {
	u, ok := profileUUIDs[p]
	return u, ok
}

// Device is a remote device resolved from its address.
type Device struct {
	Address string
}

func (d Device) String() string {
	return d.Address
}

// ParseAddress validates a "AA:BB:CC:DD:EE:FF" address and returns it upper-cased.
func ParseAddress(s string) (string, error) {
	if len(s) != 17 {
		return "", fmt.Errorf("invalid Bluetooth address %q", s)
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if i%3 == 2 {
			if c != ':' {
				return "", fmt.Errorf("invalid Bluetooth address %q", s)
			}
			continue
		}
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F') {
			return "", fmt.Errorf("invalid Bluetooth address %q", s)
		}
	}
	return strings.ToUpper(s), nil
}

// ProfileProxy is a short-lived handle on one profile service.
type ProfileProxy interface {
	// ForceConnect connects the proxy's profile to device.
	ForceConnect(ctx context.Context, device Device) error
	Close() error
}

// ServiceListener receives the outcome of Adapter.GetProfileProxy.
// Calls may arrive on any goroutine, in any order.
type ServiceListener interface {
	ServiceConnected(profile Profile, proxy ProfileProxy)
	ServiceDisconnected(profile Profile)
}

type Adapter interface {
	RemoteDevice(address string) (Device, error)
	// GetProfileProxy returns once the request is registered.
	// The listener is called later, or never.
	GetProfileProxy(ctx context.Context, profile Profile, listener ServiceListener) error
}
