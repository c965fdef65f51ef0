package storage

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *Database {
	t.Helper()
	db, err := NewDatabase(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestReadingUniquePerDeviceAndTimestamp(t *testing.T) {
	db := newTestDB(t)
	ts := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	require.NoError(t, db.CreateReading(&PowerReading{DeviceID: "dev1", Timestamp: ts, Power: 100}))

	err := db.CreateReading(&PowerReading{DeviceID: "dev1", Timestamp: ts, Power: 200})
	require.Error(t, err)
	assert.True(t, ErrDuplicate(err))

	// Different device, same timestamp is a distinct reading.
	require.NoError(t, db.CreateReading(&PowerReading{DeviceID: "dev2", Timestamp: ts, Power: 100}))
}

func TestUpsertDailyPreservesFinalizedFlag(t *testing.T) {
	db := newTestDB(t)

	require.NoError(t, db.UpsertDaily(&DailyConsumption{
		DeviceID: "dev1", Date: "2026-03-10", EnergyKwh: 0.1,
	}))
	require.NoError(t, db.MarkDayFinalized("2026-03-10"))

	// A re-aggregation upsert must not un-finalize the row.
	require.NoError(t, db.UpsertDaily(&DailyConsumption{
		DeviceID: "dev1", Date: "2026-03-10", EnergyKwh: 0.3,
	}))

	row, err := db.GetDaily("dev1", "2026-03-10")
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.InDelta(t, 0.3, row.EnergyKwh, 1e-9)
	assert.True(t, row.Finalized)
}

func TestDayFinalized(t *testing.T) {
	db := newTestDB(t)

	// No rows: not finalized.
	done, err := db.DayFinalized("2026-03-10")
	require.NoError(t, err)
	assert.False(t, done)

	require.NoError(t, db.UpsertDaily(&DailyConsumption{DeviceID: "dev1", Date: "2026-03-10"}))
	require.NoError(t, db.UpsertDaily(&DailyConsumption{DeviceID: "dev2", Date: "2026-03-10"}))

	done, err = db.DayFinalized("2026-03-10")
	require.NoError(t, err)
	assert.False(t, done)

	require.NoError(t, db.MarkDayFinalized("2026-03-10"))
	done, err = db.DayFinalized("2026-03-10")
	require.NoError(t, err)
	assert.True(t, done)
}

func TestOpenSessionLifecycle(t *testing.T) {
	db := newTestDB(t)
	on := &SwitchEvent{
		ID: uuid.NewString(), DeviceID: "dev1", SwitchID: "sw1",
		State: SwitchOn, Source: SourceApp,
		Timestamp: time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC),
	}
	require.NoError(t, db.CreateEvent(on))

	open, err := db.LatestOpenOnEvent("dev1", "sw1")
	require.NoError(t, err)
	require.NotNil(t, open)
	assert.Equal(t, on.ID, open.ID)

	off := &SwitchEvent{
		ID: uuid.NewString(), DeviceID: "dev1", SwitchID: "sw1",
		State: SwitchOff, Source: SourceApp,
		Timestamp: on.Timestamp.Add(time.Hour),
		OnEventID: on.ID, Closed: true,
	}
	require.NoError(t, db.CloseSession(off, on.ID))

	open, err = db.LatestOpenOnEvent("dev1", "sw1")
	require.NoError(t, err)
	assert.Nil(t, open)

	fleet, err := db.OpenOnEvents("")
	require.NoError(t, err)
	assert.Empty(t, fleet)
}

func TestDeviceIDsWithActivity(t *testing.T) {
	db := newTestDB(t)
	from := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 0, 1)

	require.NoError(t, db.CreateReading(&PowerReading{
		DeviceID: "reader", Timestamp: from.Add(9 * time.Hour), Power: 100,
	}))
	require.NoError(t, db.CreateEvent(&SwitchEvent{
		ID: uuid.NewString(), DeviceID: "switcher", SwitchID: "sw1",
		State: SwitchOn, Source: SourceApp, Timestamp: from.Add(10 * time.Hour),
	}))
	require.NoError(t, db.CreateReading(&PowerReading{
		DeviceID: "outside", Timestamp: to.Add(time.Hour), Power: 100,
	}))

	ids, err := db.DeviceIDsWithActivity(from, to)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"reader", "switcher"}, ids)
}

func TestRecentDailyRowsOldestFirst(t *testing.T) {
	db := newTestDB(t)
	for i := 0; i < 5; i++ {
		require.NoError(t, db.UpsertDaily(&DailyConsumption{
			DeviceID: "dev1", Date: fmt.Sprintf("2026-03-%02d", 10+i), EnergyKwh: float64(i),
		}))
	}

	rows, err := db.RecentDailyRows("dev1", 3)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "2026-03-12", rows[0].Date)
	assert.Equal(t, "2026-03-14", rows[2].Date)
}

func TestMonthlyBreakdownRoundTrip(t *testing.T) {
	db := newTestDB(t)
	row := &MonthlyConsumption{
		DeviceID: "dev1", Year: 2026, Month: 3, EnergyKwh: 0.5,
		DailyBreakdown: []DayBreakdown{
			{Date: "2026-03-10", EnergyKwh: 0.2},
			{Date: "2026-03-11", EnergyKwh: 0.3},
		},
	}
	require.NoError(t, db.UpsertMonthly(row))

	got, err := db.GetMonthly("dev1", 2026, time.March)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Len(t, got.DailyBreakdown, 2)
	assert.Equal(t, "2026-03-10", got.DailyBreakdown[0].Date)
	assert.InDelta(t, 0.3, got.DailyBreakdown[1].EnergyKwh, 1e-9)
}

func TestSettingsUpsert(t *testing.T) {
	db := newTestDB(t)

	got, err := db.GetSettings("dev1")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, db.SaveSettings(&DeviceSettings{DeviceID: "dev1", PricePerUnit: 8, ConsumptionFactor: 1}))
	require.NoError(t, db.SaveSettings(&DeviceSettings{DeviceID: "dev1", PricePerUnit: 9, ConsumptionFactor: 1.2, Classroom: "lab-a"}))

	got, err = db.GetSettings("dev1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.InDelta(t, 9, got.PricePerUnit, 1e-9)
	assert.InDelta(t, 1.2, got.ConsumptionFactor, 1e-9)
	assert.Equal(t, "lab-a", got.Classroom)

	require.NoError(t, db.SaveSettings(&DeviceSettings{DeviceID: "dev2", PricePerUnit: 8, ConsumptionFactor: 1}))
	all, err := db.AllSettings()
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "dev1", all[0].DeviceID)
}
