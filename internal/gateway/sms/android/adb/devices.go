package adb

import (
	"fmt"
	"strings"

	"github.com/electricbubble/gadb"

	"go.r2bridge.org/internal/dbutil"
)

type Devices map[string]Device

func (devs Devices) ToSliceOfSaveables() []dbutil.Saveable {
	s := make([]dbutil.Saveable, 0, len(devs))
	for _, dev := range devs {
		s = append(s, dev)
	}
	return s
}

func GetDeviceWithAndroidID(androidID string) (Device, error) {
	devs := make(Devices)
	if err := GetDevices(devs); err != nil {
		return Device{}, fmt.Errorf("error while searching for ADB devices: %s", err)
	}
	dev, exists := devs[androidID]
	if !exists {
		return Device{}, fmt.Errorf("not found")
	}
	return dev, nil
}

// GetDevices lists the devices attached to the local ADB server into devs.
func GetDevices(devs Devices) error {
	client, err := gadb.NewClient()
	if err != nil {
		return fmt.Errorf("failed to create ADB client: %w", err)
	}
	list, err := client.DeviceList()
	if err != nil {
		return fmt.Errorf("DeviceList failed: %w", err)
	}
	shells := make([]shell, 0, len(list))
	for _, d := range list {
		shells = append(shells, d)
	}
	devs.refresh(shells)
	return nil
}

// refresh adds or updates the attached devices and marks the others unreachable.
// Devices that do not answer the android_id query are skipped.
func (devs Devices) refresh(attached []shell) {
	seen := make(map[string]struct{}, len(attached))
	for _, sh := range attached {
		aID, err := sh.RunShellCommand("settings", "get", "secure", "android_id")
		if err != nil {
			continue
		}
		aID = strings.TrimSpace(aID)
		if aID == "" || aID == "null" {
			continue
		}
		seen[aID] = struct{}{}
		dev, known := devs[aID]
		if !known {
			dev = Device{AndroidID: aID, Name: sh.Serial()}
			if hostname, err := sh.RunShellCommand("getprop", "net.hostname"); err == nil && strings.TrimSpace(hostname) != "" {
				dev.Name = strings.TrimSpace(hostname)
			}
		}
		dev.sh = sh
		dev.reachable = true
		devs[aID] = dev
	}
	for aID, dev := range devs {
		if _, ok := seen[aID]; !ok {
			dev.reachable = false
			devs[aID] = dev
		}
	}
}
