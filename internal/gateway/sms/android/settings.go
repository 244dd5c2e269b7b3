package android

// SettingDefaultDevice is the Android ID used when the config names none.
type SettingDefaultDevice string

func (s SettingDefaultDevice) DBTable() string {
	return "settings"
}

func (s SettingDefaultDevice) DBKey() []byte {
	return []byte("gateway.sms.android.default_device")
}
