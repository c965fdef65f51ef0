package analytics

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/firose-git/AutoVolt-sub003/internal/events"
	"github.com/firose-git/AutoVolt-sub003/internal/storage"
)

func newTestAnalytics(t *testing.T) (*Service, *storage.Database) {
	t.Helper()
	db, err := storage.NewDatabase(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewService(db), db
}

func TestMovingAverageForecast(t *testing.T) {
	predictions, confidence := MovingAverageForecast([]float64{1, 2, 3}, 2)
	require.Len(t, predictions, 2)
	assert.InDelta(t, 2.0, predictions[0], 1e-9)
	// The prediction feeds back into the window: mean of 2, 3, 2.
	assert.InDelta(t, 7.0/3.0, predictions[1], 1e-9)
	assert.Equal(t, []float64{0.5, 0.5}, confidence)
}

func TestMovingAverageForecastShortHistory(t *testing.T) {
	predictions, _ := MovingAverageForecast([]float64{4}, 3)
	require.Len(t, predictions, 3)
	for _, p := range predictions {
		assert.InDelta(t, 4.0, p, 1e-9)
	}

	predictions, confidence := MovingAverageForecast(nil, 3)
	assert.Nil(t, predictions)
	assert.Nil(t, confidence)
}

func TestZScoreAnomalies(t *testing.T) {
	values := make([]float64, 12)
	for i := range values {
		values[i] = 100
	}
	values[7] = 1000

	indices, scores, err := ZScoreAnomalies(values)
	require.NoError(t, err)
	assert.Equal(t, []int{7}, indices)
	assert.Greater(t, scores[7], 3.0)
	assert.Less(t, scores[0], 1.0)
}

func TestZScoreAnomaliesFlatSeries(t *testing.T) {
	values := make([]float64, 15)
	for i := range values {
		values[i] = 60
	}
	indices, scores, err := ZScoreAnomalies(values)
	require.NoError(t, err)
	assert.Empty(t, indices)
	for _, s := range scores {
		assert.Zero(t, s)
	}
}

func TestZScoreAnomaliesNeedsEnoughPoints(t *testing.T) {
	_, _, err := ZScoreAnomalies([]float64{1, 2, 3})
	assert.Error(t, err)
}

func TestForecastDevice(t *testing.T) {
	svc, db := newTestAnalytics(t)
	base := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	for i, energy := range []float64{1, 2, 3} {
		require.NoError(t, db.UpsertDaily(&storage.DailyConsumption{
			DeviceID:  "dev1",
			Date:      base.AddDate(0, 0, i).Format("2006-01-02"),
			EnergyKwh: energy,
		}))
	}

	result, err := svc.ForecastDevice("dev1", 2)
	require.NoError(t, err)
	assert.Equal(t, 3, result.HistoryDays)
	require.Len(t, result.Forecast, 2)
	assert.InDelta(t, 2.0, result.Forecast[0], 1e-9)
	assert.InDelta(t, 7.0/3.0, result.Forecast[1], 1e-9)
}

func TestForecastDeviceWithoutHistory(t *testing.T) {
	svc, _ := newTestAnalytics(t)
	_, err := svc.ForecastDevice("ghost", 5)
	assert.Error(t, err)
}

func TestDetectAnomalies(t *testing.T) {
	svc, db := newTestAnalytics(t)
	now := time.Now()

	for i := 0; i < 11; i++ {
		require.NoError(t, db.CreateReading(&storage.PowerReading{
			DeviceID:  "dev1",
			Timestamp: now.Add(time.Duration(i-12) * time.Hour),
			Voltage:   230, Current: 100.0 / 230, Power: 100,
			Status: storage.ReadingOnline,
		}))
	}
	// Spike at the chronological end of the window.
	require.NoError(t, db.CreateReading(&storage.PowerReading{
		DeviceID:  "dev1",
		Timestamp: now.Add(-30 * time.Minute),
		Voltage:   230, Current: 1000.0 / 230, Power: 1000,
		Status: storage.ReadingOnline,
	}))

	result, err := svc.DetectAnomalies("dev1")
	require.NoError(t, err)
	assert.Equal(t, []int{11}, result.Anomalies)
	assert.Len(t, result.Scores, 12)
	assert.Greater(t, result.Scores[11], 3.0)
}

func TestCompareCosts(t *testing.T) {
	svc, db := newTestAnalytics(t)

	require.NoError(t, db.UpsertMonthly(&storage.MonthlyConsumption{
		DeviceID: "dev1", Year: 2026, Month: 2, EnergyKwh: 10, CostINR: 75,
	}))
	require.NoError(t, db.UpsertMonthly(&storage.MonthlyConsumption{
		DeviceID: "dev1", Year: 2026, Month: 3, EnergyKwh: 12, CostINR: 90,
	}))

	result, err := svc.CompareCosts("dev1", 2026, time.March)
	require.NoError(t, err)
	assert.InDelta(t, 90, result.Current.CostINR, 1e-9)
	assert.InDelta(t, 75, result.Previous.CostINR, 1e-9)
	assert.InDelta(t, 15, result.DeltaCostINR, 1e-9)
	assert.InDelta(t, 20, result.DeltaPct, 1e-9)
}

func TestCompareCostsAcrossYearBoundary(t *testing.T) {
	svc, db := newTestAnalytics(t)

	require.NoError(t, db.UpsertMonthly(&storage.MonthlyConsumption{
		DeviceID: "dev1", Year: 2025, Month: 12, EnergyKwh: 10, CostINR: 75,
	}))

	result, err := svc.CompareCosts("dev1", 2026, time.January)
	require.NoError(t, err)
	assert.Equal(t, 2025, result.Previous.Year)
	assert.Equal(t, 12, result.Previous.Month)
	assert.InDelta(t, -75, result.DeltaCostINR, 1e-9)
	assert.InDelta(t, -100, result.DeltaPct, 1e-9)
}

func TestCompareCostsWithoutPreviousMonth(t *testing.T) {
	svc, db := newTestAnalytics(t)

	require.NoError(t, db.UpsertMonthly(&storage.MonthlyConsumption{
		DeviceID: "dev1", Year: 2026, Month: 3, EnergyKwh: 12, CostINR: 90,
	}))

	result, err := svc.CompareCosts("dev1", 2026, time.March)
	require.NoError(t, err)
	assert.Zero(t, result.Previous.CostINR)
	assert.InDelta(t, 90, result.DeltaCostINR, 1e-9)
	// No baseline: the percentage is left at zero rather than inf.
	assert.Zero(t, result.DeltaPct)
}

func TestPeakHours(t *testing.T) {
	svc, db := newTestAnalytics(t)
	eventSvc := events.NewService(db, events.PricingDefaults{PricePerUnit: 7.5, ConsumptionFactor: 1})
	day := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

	seed := func(hour int, energyWh float64) {
		require.NoError(t, db.CreateReading(&storage.PowerReading{
			DeviceID:  "dev1",
			Timestamp: day.Add(time.Duration(hour) * time.Hour),
			Voltage:   230, Current: 1, Power: 230,
			EnergyWh: energyWh,
			Status:   storage.ReadingOnline,
		}))
	}
	seed(9, 100)
	seed(10, 50)
	seed(11, 200)

	// An 80Wh session, attributed to the hour it ended in.
	_, err := eventSvc.RecordTransition(events.Transition{
		DeviceID: "dev1", SwitchID: "sw1", State: storage.SwitchOn,
		Timestamp: day.Add(12 * time.Hour), PowerRating: 40, Source: storage.SourceApp,
	})
	require.NoError(t, err)
	_, err = eventSvc.RecordTransition(events.Transition{
		DeviceID: "dev1", SwitchID: "sw1", State: storage.SwitchOff,
		Timestamp: day.Add(14 * time.Hour), PowerRating: 40, Source: storage.SourceApp,
	})
	require.NoError(t, err)

	peaks, err := svc.PeakHours("dev1", day, 3)
	require.NoError(t, err)
	require.Len(t, peaks, 3)
	assert.Equal(t, PeakHour{Hour: 11, EnergyWh: 200}, peaks[0])
	assert.Equal(t, PeakHour{Hour: 9, EnergyWh: 100}, peaks[1])
	assert.Equal(t, PeakHour{Hour: 14, EnergyWh: 80}, peaks[2])
}
