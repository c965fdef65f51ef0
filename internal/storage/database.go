package storage

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(path string) (*Database, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Auto-migrate the schema
	if err := db.AutoMigrate(
		&SwitchEvent{},
		&PowerReading{},
		&DailyConsumption{},
		&MonthlyConsumption{},
		&DeviceSettings{},
	); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Database{db: db}, nil
}

// ErrDuplicate reports whether err came from violating a unique index.
func ErrDuplicate(err error) bool {
	return errors.Is(err, gorm.ErrDuplicatedKey)
}

// --- Switch events ---

func (d *Database) CreateEvent(ev *SwitchEvent) error {
	return d.db.Create(ev).Error
}

// LatestOpenOnEvent returns the most recent unmatched ON event for the
// switch, or nil when the switch has no open session.
func (d *Database) LatestOpenOnEvent(deviceID, switchID string) (*SwitchEvent, error) {
	var ev SwitchEvent
	result := d.db.Where("device_id = ? AND switch_id = ? AND state = ? AND closed = ?",
		deviceID, switchID, SwitchOn, false).
		Order("timestamp desc").
		First(&ev)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, result.Error
	}
	return &ev, nil
}

// CloseSession stores the OFF event and marks the ON event it paired with as
// closed, in one transaction.
func (d *Database) CloseSession(off *SwitchEvent, onEventID string) error {
	return d.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(off).Error; err != nil {
			return err
		}
		return tx.Model(&SwitchEvent{}).
			Where("id = ?", onEventID).
			Update("closed", true).Error
	})
}

// OpenOnEvents lists unmatched ON events, for one device or (deviceID == "")
// for the whole fleet.
func (d *Database) OpenOnEvents(deviceID string) ([]SwitchEvent, error) {
	q := d.db.Where("state = ? AND closed = ?", SwitchOn, false)
	if deviceID != "" {
		q = q.Where("device_id = ?", deviceID)
	}
	var events []SwitchEvent
	if err := q.Order("timestamp asc").Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}

// ClosedEventsInRange returns OFF events whose timestamp falls in [from, to).
func (d *Database) ClosedEventsInRange(deviceID string, from, to time.Time) ([]SwitchEvent, error) {
	q := d.db.Where("state = ? AND timestamp >= ? AND timestamp < ?", SwitchOff, from, to)
	if deviceID != "" {
		q = q.Where("device_id = ?", deviceID)
	}
	var events []SwitchEvent
	if err := q.Order("timestamp asc").Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}

// --- Power readings ---

func (d *Database) CreateReading(r *PowerReading) error {
	return d.db.Create(r).Error
}

// LatestReading returns the newest reading for the device, or nil when the
// device has none.
func (d *Database) LatestReading(deviceID string) (*PowerReading, error) {
	var reading PowerReading
	result := d.db.Where("device_id = ?", deviceID).
		Order("timestamp desc").
		First(&reading)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, result.Error
	}
	return &reading, nil
}

func (d *Database) ReadingsInRange(deviceID string, from, to time.Time) ([]PowerReading, error) {
	q := d.db.Where("timestamp >= ? AND timestamp < ?", from, to)
	if deviceID != "" {
		q = q.Where("device_id = ?", deviceID)
	}
	var readings []PowerReading
	if err := q.Order("timestamp asc").Find(&readings).Error; err != nil {
		return nil, err
	}
	return readings, nil
}

// --- Rollups ---

var dailyUpdateColumns = []string{
	"energy_kwh", "cost_inr", "runtime_hours", "avg_power_w",
	"reading_count", "session_count", "updated_at",
}

func (d *Database) UpsertDaily(row *DailyConsumption) error {
	row.UpdatedAt = time.Now()
	return d.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "device_id"}, {Name: "date"}},
		DoUpdates: clause.AssignmentColumns(dailyUpdateColumns),
	}).Create(row).Error
}

func (d *Database) GetDaily(deviceID, date string) (*DailyConsumption, error) {
	var row DailyConsumption
	result := d.db.Where("device_id = ? AND date = ?", deviceID, date).First(&row)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, result.Error
	}
	return &row, nil
}

func (d *Database) DailyRowsForDate(date string) ([]DailyConsumption, error) {
	var rows []DailyConsumption
	err := d.db.Where("date = ?", date).Order("device_id asc").Find(&rows).Error
	return rows, err
}

// DailyRowsForMonth returns daily rows for the month, for one device or all.
func (d *Database) DailyRowsForMonth(deviceID string, year int, month time.Month) ([]DailyConsumption, error) {
	prefix := fmt.Sprintf("%04d-%02d-%%", year, int(month))
	q := d.db.Where("date LIKE ?", prefix)
	if deviceID != "" {
		q = q.Where("device_id = ?", deviceID)
	}
	var rows []DailyConsumption
	err := q.Order("date asc").Find(&rows).Error
	return rows, err
}

func (d *Database) DailyRowsForYear(deviceID string, year int) ([]DailyConsumption, error) {
	prefix := fmt.Sprintf("%04d-%%", year)
	q := d.db.Where("date LIKE ?", prefix)
	if deviceID != "" {
		q = q.Where("device_id = ?", deviceID)
	}
	var rows []DailyConsumption
	err := q.Order("date asc").Find(&rows).Error
	return rows, err
}

// MarkDayFinalized flags every rollup row of the date as finalized.
func (d *Database) MarkDayFinalized(date string) error {
	return d.db.Model(&DailyConsumption{}).
		Where("date = ?", date).
		Update("finalized", true).Error
}

// DayFinalized reports whether the date has rollup rows and all of them are
// finalized. A date with no rows is not considered finalized.
func (d *Database) DayFinalized(date string) (bool, error) {
	var total, open int64
	if err := d.db.Model(&DailyConsumption{}).Where("date = ?", date).Count(&total).Error; err != nil {
		return false, err
	}
	if total == 0 {
		return false, nil
	}
	err := d.db.Model(&DailyConsumption{}).
		Where("date = ? AND finalized = ?", date, false).
		Count(&open).Error
	return open == 0, err
}

var monthlyUpdateColumns = []string{
	"energy_kwh", "cost_inr", "runtime_hours", "avg_power_w",
	"reading_count", "session_count", "daily_breakdown", "updated_at",
}

func (d *Database) UpsertMonthly(row *MonthlyConsumption) error {
	row.UpdatedAt = time.Now()
	return d.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "device_id"}, {Name: "year"}, {Name: "month"}},
		DoUpdates: clause.AssignmentColumns(monthlyUpdateColumns),
	}).Create(row).Error
}

func (d *Database) GetMonthly(deviceID string, year int, month time.Month) (*MonthlyConsumption, error) {
	var row MonthlyConsumption
	result := d.db.Where("device_id = ? AND year = ? AND month = ?", deviceID, year, int(month)).First(&row)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, result.Error
	}
	return &row, nil
}

func (d *Database) MonthlyRowsForMonth(year int, month time.Month) ([]MonthlyConsumption, error) {
	var rows []MonthlyConsumption
	err := d.db.Where("year = ? AND month = ?", year, int(month)).
		Order("device_id asc").Find(&rows).Error
	return rows, err
}

func (d *Database) MonthlyRowsForYear(deviceID string, year int) ([]MonthlyConsumption, error) {
	q := d.db.Where("year = ?", year)
	if deviceID != "" {
		q = q.Where("device_id = ?", deviceID)
	}
	var rows []MonthlyConsumption
	err := q.Order("month asc").Find(&rows).Error
	return rows, err
}

// HourlyUsage is one hour's bucket of a day's consumption.
type HourlyUsage struct {
	Hour         int     `json:"hour"`
	EnergyWh     float64 `json:"energy_wh"`
	CostINR      float64 `json:"cost_inr"`
	AvgPowerW    float64 `json:"avg_power_w"`
	ReadingCount int     `json:"reading_count"`
	SessionCount int     `json:"session_count"`
}

// HourlyBreakdown buckets the device's readings and closed sessions of one
// day into 24 hourly slots. Sessions are attributed to the hour of their OFF
// timestamp.
func (d *Database) HourlyBreakdown(deviceID string, dayStart time.Time) ([]HourlyUsage, error) {
	dayEnd := dayStart.AddDate(0, 0, 1)

	readings, err := d.ReadingsInRange(deviceID, dayStart, dayEnd)
	if err != nil {
		return nil, err
	}
	events, err := d.ClosedEventsInRange(deviceID, dayStart, dayEnd)
	if err != nil {
		return nil, err
	}

	buckets := make([]HourlyUsage, 24)
	powerSums := make([]float64, 24)
	for i := range buckets {
		buckets[i].Hour = i
	}
	for _, r := range readings {
		h := r.Timestamp.In(dayStart.Location()).Hour()
		buckets[h].EnergyWh += r.EnergyWh
		buckets[h].CostINR += r.Cost
		buckets[h].ReadingCount++
		powerSums[h] += r.Power
	}
	for _, ev := range events {
		h := ev.Timestamp.In(dayStart.Location()).Hour()
		buckets[h].EnergyWh += ev.EnergyWh
		buckets[h].CostINR += ev.Cost
		if ev.OnEventID != "" {
			buckets[h].SessionCount++
		}
	}
	for i := range buckets {
		if buckets[i].ReadingCount > 0 {
			buckets[i].AvgPowerW = powerSums[i] / float64(buckets[i].ReadingCount)
		}
	}
	return buckets, nil
}

// RecentDailyRows returns up to limit most recent daily rollups for the
// device, oldest first.
func (d *Database) RecentDailyRows(deviceID string, limit int) ([]DailyConsumption, error) {
	var rows []DailyConsumption
	err := d.db.Where("device_id = ?", deviceID).
		Order("date desc").Limit(limit).Find(&rows).Error
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}
	return rows, nil
}

// --- Devices ---

// DeviceIDsWithActivity returns every device that produced a reading or a
// switch event inside [from, to).
func (d *Database) DeviceIDsWithActivity(from, to time.Time) ([]string, error) {
	seen := map[string]bool{}
	var ids []string

	var fromEvents []string
	if err := d.db.Model(&SwitchEvent{}).
		Where("timestamp >= ? AND timestamp < ?", from, to).
		Distinct("device_id").Pluck("device_id", &fromEvents).Error; err != nil {
		return nil, err
	}
	var fromReadings []string
	if err := d.db.Model(&PowerReading{}).
		Where("timestamp >= ? AND timestamp < ?", from, to).
		Distinct("device_id").Pluck("device_id", &fromReadings).Error; err != nil {
		return nil, err
	}

	for _, id := range append(fromEvents, fromReadings...) {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// --- Settings ---

// GetSettings returns the stored pricing row for the device, or nil when the
// device has never been configured.
func (d *Database) GetSettings(deviceID string) (*DeviceSettings, error) {
	var s DeviceSettings
	result := d.db.Where("device_id = ?", deviceID).First(&s)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, result.Error
	}
	return &s, nil
}

func (d *Database) SaveSettings(s *DeviceSettings) error {
	s.UpdatedAt = time.Now()
	return d.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "device_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"price_per_unit", "consumption_factor", "classroom", "updated_at"}),
	}).Create(s).Error
}

func (d *Database) AllSettings() ([]DeviceSettings, error) {
	var rows []DeviceSettings
	err := d.db.Order("device_id asc").Find(&rows).Error
	return rows, err
}

func (d *Database) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
