package aggregator

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/firose-git/AutoVolt-sub003/internal/events"
	"github.com/firose-git/AutoVolt-sub003/internal/storage"
)

func newTestAggregator(t *testing.T) (*Service, *storage.Database, *events.Service) {
	t.Helper()
	db, err := storage.NewDatabase(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	eventSvc := events.NewService(db, events.PricingDefaults{PricePerUnit: 7.5, ConsumptionFactor: 1})
	svc := NewService(ServiceConfig{
		Database:     db,
		Events:       eventSvc,
		FinalizeHour: 2,
		Enabled:      true,
	})
	return svc, db, eventSvc
}

func seedReading(t *testing.T, db *storage.Database, deviceID string, ts time.Time, power, energyWh, cost float64) {
	t.Helper()
	require.NoError(t, db.CreateReading(&storage.PowerReading{
		DeviceID:        deviceID,
		Timestamp:       ts,
		Voltage:         230,
		Current:         power / 230,
		Power:           power,
		IntervalSeconds: 30,
		EnergyWh:        energyWh,
		Cost:            cost,
		Status:          storage.ReadingOnline,
	}))
}

func seedSession(t *testing.T, eventSvc *events.Service, deviceID, switchID string, on, off time.Time, rating float64) {
	t.Helper()
	_, err := eventSvc.RecordTransition(events.Transition{
		DeviceID: deviceID, SwitchID: switchID, State: storage.SwitchOn,
		Timestamp: on, PowerRating: rating, Source: storage.SourceApp,
	})
	require.NoError(t, err)
	_, err = eventSvc.RecordTransition(events.Transition{
		DeviceID: deviceID, SwitchID: switchID, State: storage.SwitchOff,
		Timestamp: off, PowerRating: rating, Source: storage.SourceApp,
	})
	require.NoError(t, err)
}

func TestDailyRollupCombinesReadingsAndSessions(t *testing.T) {
	svc, db, eventSvc := newTestAggregator(t)
	day := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

	seedReading(t, db, "dev1", day.Add(9*time.Hour), 400, 100, 0.75)
	seedReading(t, db, "dev1", day.Add(10*time.Hour), 200, 50, 0.375)
	// 40W fan on for two hours: 80Wh at 7.5/kWh.
	seedSession(t, eventSvc, "dev1", "sw1", day.Add(10*time.Hour), day.Add(12*time.Hour), 40)

	require.NoError(t, svc.AggregateDailyData(context.Background(), day))

	row, err := db.GetDaily("dev1", "2026-03-10")
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.InDelta(t, 0.23, row.EnergyKwh, 1e-9)
	assert.InDelta(t, 0.75+0.375+0.6, row.CostINR, 1e-9)
	assert.InDelta(t, 2.0, row.RuntimeHours, 1e-9)
	assert.InDelta(t, 300, row.AvgPowerW, 1e-9)
	assert.Equal(t, int64(2), row.ReadingCount)
	assert.Equal(t, int64(1), row.SessionCount)
	assert.False(t, row.Finalized)
}

func TestDailyRollupIdempotent(t *testing.T) {
	svc, db, eventSvc := newTestAggregator(t)
	day := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

	seedReading(t, db, "dev1", day.Add(9*time.Hour), 400, 100, 0.75)
	seedSession(t, eventSvc, "dev1", "sw1", day.Add(10*time.Hour), day.Add(11*time.Hour), 60)

	require.NoError(t, svc.AggregateDailyData(context.Background(), day))
	first, err := db.GetDaily("dev1", "2026-03-10")
	require.NoError(t, err)

	require.NoError(t, svc.AggregateDailyData(context.Background(), day))
	second, err := db.GetDaily("dev1", "2026-03-10")
	require.NoError(t, err)

	assert.Equal(t, first.EnergyKwh, second.EnergyKwh)
	assert.Equal(t, first.CostINR, second.CostINR)
	assert.Equal(t, first.RuntimeHours, second.RuntimeHours)
	assert.Equal(t, first.ReadingCount, second.ReadingCount)
	assert.Equal(t, first.SessionCount, second.SessionCount)
}

func TestRunOnceFinalizesYesterday(t *testing.T) {
	svc, db, _ := newTestAggregator(t)
	day := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	seedReading(t, db, "dev1", day.Add(9*time.Hour), 400, 100, 0.75)

	// Past the finalization hour of the following day.
	svc.now = func() time.Time { return time.Date(2026, 3, 11, 3, 0, 0, 0, time.UTC) }
	svc.RunOnce(context.Background())

	finalized, err := db.DayFinalized("2026-03-10")
	require.NoError(t, err)
	assert.True(t, finalized)

	status := svc.Status()
	assert.Equal(t, "2026-03-10", status.FinalizedThrough)
	assert.Equal(t, int64(1), status.TicksCompleted)
	assert.Empty(t, status.LastError)

	// Regular re-aggregation leaves the finalized row alone.
	seedReading(t, db, "dev1", day.Add(10*time.Hour), 200, 50, 0.375)
	require.NoError(t, svc.AggregateDailyData(context.Background(), day))
	row, err := db.GetDaily("dev1", "2026-03-10")
	require.NoError(t, err)
	assert.InDelta(t, 0.1, row.EnergyKwh, 1e-9)
	assert.Equal(t, int64(1), row.ReadingCount)
}

func TestRunOnceFinalizesBackloggedDays(t *testing.T) {
	svc, db, _ := newTestAggregator(t)
	day := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

	// Data from an outage window: two days that never got a finalize tick.
	seedReading(t, db, "dev1", day.AddDate(0, 0, -2).Add(9*time.Hour), 400, 100, 0.75)
	seedReading(t, db, "dev1", day.AddDate(0, 0, -1).Add(9*time.Hour), 400, 200, 1.5)
	seedReading(t, db, "dev1", day.Add(9*time.Hour), 400, 300, 2.25)

	svc.now = func() time.Time { return time.Date(2026, 3, 11, 3, 0, 0, 0, time.UTC) }
	svc.RunOnce(context.Background())

	for _, date := range []string{"2026-03-08", "2026-03-09", "2026-03-10"} {
		finalized, err := db.DayFinalized(date)
		require.NoError(t, err)
		assert.True(t, finalized, date)
	}

	row, err := db.GetDaily("dev1", "2026-03-08")
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.InDelta(t, 0.1, row.EnergyKwh, 1e-9)

	assert.Equal(t, "2026-03-10", svc.Status().FinalizedThrough)
}

func TestRunOnceBeforeFinalizeHourLeavesYesterdayOpen(t *testing.T) {
	svc, db, _ := newTestAggregator(t)
	day := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	seedReading(t, db, "dev1", day.Add(9*time.Hour), 400, 100, 0.75)

	svc.now = func() time.Time { return time.Date(2026, 3, 11, 1, 0, 0, 0, time.UTC) }
	svc.RunOnce(context.Background())

	finalized, err := db.DayFinalized("2026-03-10")
	require.NoError(t, err)
	assert.False(t, finalized)
}

func TestBackfillRecomputesFinalizedDays(t *testing.T) {
	svc, db, _ := newTestAggregator(t)
	day := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	seedReading(t, db, "dev1", day.Add(9*time.Hour), 400, 100, 0.75)

	require.NoError(t, svc.AggregateDailyData(context.Background(), day))
	require.NoError(t, db.MarkDayFinalized("2026-03-10"))

	// A late-arriving offline batch lands on the finalized day.
	seedReading(t, db, "dev1", day.Add(10*time.Hour), 200, 50, 0.375)
	require.NoError(t, svc.BackfillHistoricalData(context.Background(), day, day))

	row, err := db.GetDaily("dev1", "2026-03-10")
	require.NoError(t, err)
	assert.InDelta(t, 0.15, row.EnergyKwh, 1e-9)
	assert.Equal(t, int64(2), row.ReadingCount)
	assert.True(t, row.Finalized)

	monthly, err := db.GetMonthly("dev1", 2026, time.March)
	require.NoError(t, err)
	require.NotNil(t, monthly)
	assert.InDelta(t, 0.15, monthly.EnergyKwh, 1e-9)
}

func TestBackfillRejectsInvertedRange(t *testing.T) {
	svc, _, _ := newTestAggregator(t)
	start := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	err := svc.BackfillHistoricalData(context.Background(), start, start.AddDate(0, 0, -1))
	assert.Error(t, err)
}

func TestMonthlyRollupFoldsDailyRows(t *testing.T) {
	svc, db, _ := newTestAggregator(t)

	// Out of order on purpose; the breakdown must come back sorted.
	require.NoError(t, db.UpsertDaily(&storage.DailyConsumption{
		DeviceID: "dev1", Date: "2026-03-12",
		EnergyKwh: 0.3, CostINR: 2.25, RuntimeHours: 3, AvgPowerW: 100, ReadingCount: 10, SessionCount: 2,
	}))
	require.NoError(t, db.UpsertDaily(&storage.DailyConsumption{
		DeviceID: "dev1", Date: "2026-03-11",
		EnergyKwh: 0.1, CostINR: 0.75, RuntimeHours: 1, AvgPowerW: 400, ReadingCount: 30, SessionCount: 1,
	}))

	require.NoError(t, svc.AggregateMonthlyData(context.Background(), 2026, time.March))

	monthly, err := db.GetMonthly("dev1", 2026, time.March)
	require.NoError(t, err)
	require.NotNil(t, monthly)
	assert.InDelta(t, 0.4, monthly.EnergyKwh, 1e-9)
	assert.InDelta(t, 3.0, monthly.CostINR, 1e-9)
	assert.InDelta(t, 4.0, monthly.RuntimeHours, 1e-9)
	assert.Equal(t, int64(40), monthly.ReadingCount)
	assert.Equal(t, int64(3), monthly.SessionCount)
	// Reading-count weighted: (100*10 + 400*30) / 40.
	assert.InDelta(t, 325, monthly.AvgPowerW, 1e-9)

	require.Len(t, monthly.DailyBreakdown, 2)
	assert.Equal(t, "2026-03-11", monthly.DailyBreakdown[0].Date)
	assert.Equal(t, "2026-03-12", monthly.DailyBreakdown[1].Date)
}

func TestTickSkippedWhileRunning(t *testing.T) {
	svc, _, _ := newTestAggregator(t)

	svc.runMu.Lock()
	svc.RunOnce(context.Background())
	svc.runMu.Unlock()

	status := svc.Status()
	assert.Equal(t, int64(1), status.TicksSkipped)
	assert.Equal(t, int64(0), status.TicksCompleted)
}
