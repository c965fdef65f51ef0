package storage

import (
	"time"
)

// SwitchState is the binary state of a switch.
type SwitchState string

const (
	SwitchOn  SwitchState = "on"
	SwitchOff SwitchState = "off"
)

// ToggleSource identifies what triggered a switch transition.
type ToggleSource string

const (
	SourceApp      ToggleSource = "app"
	SourceSchedule ToggleSource = "schedule"
	SourceSensor   ToggleSource = "sensor"
	SourceSystem   ToggleSource = "system"
)

// ValidSource reports whether s is one of the known toggle sources.
func ValidSource(s ToggleSource) bool {
	switch s {
	case SourceApp, SourceSchedule, SourceSensor, SourceSystem:
		return true
	}
	return false
}

// SwitchEvent is one row of the append-only switch transition ledger.
// An ON row with Closed=false is the single open session slot for its switch.
// An OFF row that closed a session carries the computed runtime/energy/cost
// and a back-reference to the ON row it closed.
type SwitchEvent struct {
	ID        string       `gorm:"primaryKey;size:36" json:"id"`
	DeviceID  string       `gorm:"size:64;index:idx_events_device" json:"device_id"`
	SwitchID  string       `gorm:"size:64;index:idx_events_switch" json:"switch_id"`
	State     SwitchState  `gorm:"size:8" json:"state"`
	Source    ToggleSource `gorm:"size:16" json:"source"`
	Timestamp time.Time    `gorm:"index" json:"timestamp"`

	PowerRating       float64 `json:"power_rating_w"`
	PricePerUnit      float64 `json:"price_per_unit"`
	ConsumptionFactor float64 `json:"consumption_factor"`

	// Flagged marks events recorded with degraded data (unknown rating,
	// clock skew, duplicate ON) so they show up as a data-quality signal.
	Flagged    bool   `json:"flagged"`
	FlagReason string `gorm:"size:64" json:"flag_reason,omitempty"`

	// Session fields, set only on OFF rows that closed a session.
	RuntimeMinutes float64 `json:"runtime_minutes"`
	EnergyWh       float64 `json:"energy_wh"`
	Cost           float64 `json:"cost"`
	OnEventID      string  `gorm:"size:36;index" json:"on_event_id,omitempty"`

	// Closed is set on ON rows once a later OFF pairs with them.
	Closed bool `gorm:"index" json:"closed"`

	CreatedAt time.Time `json:"-"`
}

// ReadingStatus distinguishes live samples from offline-synced ones.
type ReadingStatus string

const (
	ReadingOnline      ReadingStatus = "online"
	ReadingOfflineSync ReadingStatus = "offline_synced"
)

// PowerReading is one periodic electrical sample. (DeviceID, Timestamp) is
// unique and is the system's sole duplicate-prevention key for samples.
type PowerReading struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	DeviceID  string    `gorm:"size:64;uniqueIndex:idx_readings_device_ts" json:"device_id"`
	Timestamp time.Time `gorm:"uniqueIndex:idx_readings_device_ts" json:"timestamp"`

	Voltage float64 `json:"voltage_v"`
	Current float64 `json:"current_a"`
	Power   float64 `json:"power_w"`

	// Occupancy snapshot reported alongside the sample: how many of the
	// device's switches were ON when it was taken.
	ActiveSwitches int `json:"active_switches"`
	TotalSwitches  int `json:"total_switches"`

	// IntervalSeconds is the clamped interval actually charged for this sample.
	IntervalSeconds float64       `json:"interval_seconds"`
	EnergyWh        float64       `json:"energy_wh"`
	Cost            float64       `json:"cost"`
	Status          ReadingStatus `gorm:"size:16" json:"status"`

	CreatedAt time.Time `json:"-"`
}

// DailyConsumption is the per-device daily rollup. Mutable while the date is
// "today"; Finalized is set once the day has rolled over and been aggregated
// at the finalization hour.
type DailyConsumption struct {
	ID       uint   `gorm:"primaryKey" json:"-"`
	DeviceID string `gorm:"size:64;uniqueIndex:idx_daily_device_date" json:"device_id"`
	// Date is the calendar date in YYYY-MM-DD form.
	Date string `gorm:"size:10;uniqueIndex:idx_daily_device_date" json:"date"`

	EnergyKwh    float64 `json:"energy_kwh"`
	CostINR      float64 `json:"cost_inr"`
	RuntimeHours float64 `json:"runtime_hours"`
	AvgPowerW    float64 `json:"avg_power_w"`
	ReadingCount int64   `json:"reading_count"`
	SessionCount int64   `json:"session_count"`
	Finalized    bool    `json:"finalized"`

	UpdatedAt time.Time `json:"updated_at"`
}

// DayBreakdown is one day inside a monthly rollup.
type DayBreakdown struct {
	Date         string  `json:"date"`
	EnergyKwh    float64 `json:"energy_kwh"`
	CostINR      float64 `json:"cost_inr"`
	RuntimeHours float64 `json:"runtime_hours"`
}

// MonthlyConsumption is the per-device monthly rollup with an embedded
// per-day breakdown.
type MonthlyConsumption struct {
	ID       uint   `gorm:"primaryKey" json:"-"`
	DeviceID string `gorm:"size:64;uniqueIndex:idx_monthly_device_ym" json:"device_id"`
	Year     int    `gorm:"uniqueIndex:idx_monthly_device_ym" json:"year"`
	Month    int    `gorm:"uniqueIndex:idx_monthly_device_ym" json:"month"`

	EnergyKwh    float64 `json:"energy_kwh"`
	CostINR      float64 `json:"cost_inr"`
	RuntimeHours float64 `json:"runtime_hours"`
	AvgPowerW    float64 `json:"avg_power_w"`
	ReadingCount int64   `json:"reading_count"`
	SessionCount int64   `json:"session_count"`

	DailyBreakdown []DayBreakdown `gorm:"serializer:json" json:"daily_breakdown"`

	UpdatedAt time.Time `json:"updated_at"`
}

// DeviceSettings holds per-device pricing, calibration and grouping.
// Changing it never rewrites historical rows; cost is computed and stored at
// record time.
type DeviceSettings struct {
	DeviceID          string  `gorm:"primaryKey;size:64" json:"device_id"`
	PricePerUnit      float64 `json:"price_per_unit"`
	ConsumptionFactor float64 `json:"consumption_factor"`

	// Classroom groups devices for room-level reporting. Empty means
	// unassigned.
	Classroom string `gorm:"size:64;index" json:"classroom,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}
