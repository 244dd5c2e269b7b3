package android

import (
	"context"
	"fmt"
	"sort"

	bolt "go.etcd.io/bbolt"

	"go.r2bridge.org/internal/dbutil"
	"go.r2bridge.org/internal/gateway/sms/android/adb"
	"go.r2bridge.org/internal/gateway/sms/android/kde"
)

// Discover lists the phones reachable via ADB or KDE Connect and saves them.
// It fails only if both transports fail.
func Discover(ctx context.Context, db *bolt.DB) ([]Device, error) {
	found := make(map[string]Device)
	devsAdb := make(adb.Devices)
	errAdb := adb.GetDevices(devsAdb)
	for _, s := range devsAdb.ToSliceOfSaveables() {
		d := FromDeviceable(s.(adb.Device))
		found[d.AndroidID] = d
	}
	devsKde := make(kde.Devices)
	conn, errKde := kde.GetDevices(ctx, devsKde)
	if conn != nil {
		defer conn.Close()
	}
	for _, s := range devsKde.ToSliceOfSaveables() {
		d := FromDeviceable(s.(*kde.Device))
		if _, exists := found[d.AndroidID]; !exists {
			found[d.AndroidID] = d
		}
	}
	if errAdb != nil && errKde != nil {
		return nil, fmt.Errorf("ADB: %s, KDE Connect: %s", errAdb, errKde)
	}
	devs := make([]Device, 0, len(found))
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, d := range found {
			if err := dbutil.UpsertSaveableTx(tx, d); err != nil {
				return err
			}
			devs = append(devs, d)
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	sort.Slice(devs, func(i, j int) bool { return devs[i].AndroidID < devs[j].AndroidID })
	return devs, nil
}
