package types

import "time"

// Plant is a solar installation registered with the vendor cloud.
type Plant struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	TimeZone  string  `json:"timeZone"`
}

// Location returns the plant's time zone, falling back to UTC when the
// vendor reports something the tz database doesn't know.
func (p Plant) Location() *time.Location {
	if p.TimeZone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(p.TimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Session is an authenticated vendor session. A nil *Session means the
// client never logged in.
type Session struct {
	Token     string    `json:"-"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Expired reports whether the session can no longer be used at now.
func (s *Session) Expired(now time.Time) bool {
	return s == nil || now.After(s.ExpiresAt)
}

// DeviceType is the vendor's device class filter.
type DeviceType string

const DeviceTypeInverter DeviceType = "INV"

// SettingName names a writable inverter setting.
type SettingName string

const (
	SettingBatteryChargeCurrent    SettingName = "battery_charge_current"
	SettingBatteryDischargeCurrent SettingName = "battery_discharge_current"
)

// DeviceValueName names a live device reading.
type DeviceValueName string

const (
	DeviceValueBatterySOC DeviceValueName = "battery_soc"
)
