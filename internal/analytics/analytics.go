package analytics

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/firose-git/AutoVolt-sub003/internal/storage"
)

const (
	forecastWindow   = 3
	minAnomalyPoints = 10
	anomalyZScore    = 3.0
)

// MovingAverageForecast predicts the next periods values from the history's
// rolling mean, feeding each prediction back into the window. Confidence is
// a flat 0.5 per period; a rolling mean earns no more than that.
func MovingAverageForecast(history []float64, periods int) (predictions, confidence []float64) {
	if len(history) == 0 || periods <= 0 {
		return nil, nil
	}
	window := forecastWindow
	if len(history) < window {
		window = len(history)
	}

	series := append([]float64(nil), history...)
	predictions = make([]float64, 0, periods)
	confidence = make([]float64, 0, periods)
	for i := 0; i < periods; i++ {
		sum := 0.0
		for _, v := range series[len(series)-window:] {
			sum += v
		}
		pred := sum / float64(window)
		predictions = append(predictions, pred)
		confidence = append(confidence, 0.5)
		series = append(series, pred)
	}
	return predictions, confidence
}

// ZScoreAnomalies flags values whose z-score against the sample mean exceeds
// the threshold. At least 10 points are required for a meaningful baseline.
func ZScoreAnomalies(values []float64) (indices []int, scores []float64, err error) {
	if len(values) < minAnomalyPoints {
		return nil, nil, fmt.Errorf("need at least %d data points, got %d", minAnomalyPoints, len(values))
	}

	mean := 0.0
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))

	variance := 0.0
	for _, v := range values {
		variance += (v - mean) * (v - mean)
	}
	std := math.Sqrt(variance / float64(len(values)))

	scores = make([]float64, len(values))
	for i, v := range values {
		if std == 0 {
			scores[i] = 0
			continue
		}
		scores[i] = (v - mean) / std
		if math.Abs(scores[i]) > anomalyZScore {
			indices = append(indices, i)
		}
	}
	return indices, scores, nil
}

// Service answers analytics queries over the rollups and raw readings.
type Service struct {
	db  *storage.Database
	now func() time.Time
}

func NewService(db *storage.Database) *Service {
	return &Service{db: db, now: time.Now}
}

// ForecastResult is a per-device consumption forecast in kWh per day.
type ForecastResult struct {
	DeviceID    string    `json:"device_id"`
	HistoryDays int       `json:"history_days"`
	Forecast    []float64 `json:"forecast"`
	Confidence  []float64 `json:"confidence"`
	GeneratedAt time.Time `json:"generated_at"`
}

// ForecastDevice forecasts the device's daily energy from its last 30 daily
// rollups.
func (s *Service) ForecastDevice(deviceID string, periods int) (*ForecastResult, error) {
	if periods <= 0 {
		periods = 5
	}
	rows, err := s.db.RecentDailyRows(deviceID, 30)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("no consumption history for device %s", deviceID)
	}
	history := make([]float64, len(rows))
	for i, row := range rows {
		history[i] = row.EnergyKwh
	}
	forecast, confidence := MovingAverageForecast(history, periods)
	return &ForecastResult{
		DeviceID:    deviceID,
		HistoryDays: len(history),
		Forecast:    forecast,
		Confidence:  confidence,
		GeneratedAt: s.now(),
	}, nil
}

// AnomalyResult flags unusual power samples in the device's recent readings.
type AnomalyResult struct {
	DeviceID    string      `json:"device_id"`
	Window      string      `json:"window"`
	Anomalies   []int       `json:"anomalies"`
	Scores      []float64   `json:"scores"`
	Timestamps  []time.Time `json:"timestamps"`
	GeneratedAt time.Time   `json:"generated_at"`
}

// DetectAnomalies scores the device's last 24 hours of power samples.
func (s *Service) DetectAnomalies(deviceID string) (*AnomalyResult, error) {
	now := s.now()
	readings, err := s.db.ReadingsInRange(deviceID, now.Add(-24*time.Hour), now)
	if err != nil {
		return nil, err
	}
	values := make([]float64, len(readings))
	timestamps := make([]time.Time, len(readings))
	for i, r := range readings {
		values[i] = r.Power
		timestamps[i] = r.Timestamp
	}
	indices, scores, err := ZScoreAnomalies(values)
	if err != nil {
		return nil, err
	}
	if indices == nil {
		indices = []int{}
	}
	return &AnomalyResult{
		DeviceID:    deviceID,
		Window:      "24h",
		Anomalies:   indices,
		Scores:      scores,
		Timestamps:  timestamps,
		GeneratedAt: now,
	}, nil
}

// PeriodCost is one month's cost and energy as aggregated in the monthly
// rollups.
type PeriodCost struct {
	Year      int     `json:"year"`
	Month     int     `json:"month"`
	EnergyKwh float64 `json:"energy_kwh"`
	CostINR   float64 `json:"cost_inr"`
}

// CostComparison contrasts a device's month against the month before it.
type CostComparison struct {
	DeviceID     string     `json:"device_id"`
	Current      PeriodCost `json:"current"`
	Previous     PeriodCost `json:"previous"`
	DeltaCostINR float64    `json:"delta_cost_inr"`
	DeltaPct     float64    `json:"delta_pct"`
	GeneratedAt  time.Time  `json:"generated_at"`
}

// CompareCosts reads the device's monthly rollups for the given month and
// the one preceding it. A month with no rollup contributes zeros.
func (s *Service) CompareCosts(deviceID string, year int, month time.Month) (*CostComparison, error) {
	prevYear, prevMonth := year, month-1
	if prevMonth < time.January {
		prevYear, prevMonth = year-1, time.December
	}

	result := &CostComparison{
		DeviceID:    deviceID,
		Current:     PeriodCost{Year: year, Month: int(month)},
		Previous:    PeriodCost{Year: prevYear, Month: int(prevMonth)},
		GeneratedAt: s.now(),
	}

	if row, err := s.db.GetMonthly(deviceID, year, month); err != nil {
		return nil, err
	} else if row != nil {
		result.Current.EnergyKwh = row.EnergyKwh
		result.Current.CostINR = row.CostINR
	}
	if row, err := s.db.GetMonthly(deviceID, prevYear, prevMonth); err != nil {
		return nil, err
	} else if row != nil {
		result.Previous.EnergyKwh = row.EnergyKwh
		result.Previous.CostINR = row.CostINR
	}

	result.DeltaCostINR = result.Current.CostINR - result.Previous.CostINR
	if result.Previous.CostINR > 0 {
		result.DeltaPct = result.DeltaCostINR / result.Previous.CostINR * 100
	}
	return result, nil
}

// PeakHour is one of a day's heaviest-usage hours.
type PeakHour struct {
	Hour     int     `json:"hour"`
	EnergyWh float64 `json:"energy_wh"`
}

// PeakHours returns the day's hours ranked by consumption, heaviest first,
// capped at top.
func (s *Service) PeakHours(deviceID string, dayStart time.Time, top int) ([]PeakHour, error) {
	if top <= 0 {
		top = 3
	}
	buckets, err := s.db.HourlyBreakdown(deviceID, dayStart)
	if err != nil {
		return nil, err
	}
	peaks := make([]PeakHour, 0, len(buckets))
	for _, b := range buckets {
		if b.EnergyWh > 0 {
			peaks = append(peaks, PeakHour{Hour: b.Hour, EnergyWh: b.EnergyWh})
		}
	}
	sort.Slice(peaks, func(i, j int) bool { return peaks[i].EnergyWh > peaks[j].EnergyWh })
	if len(peaks) > top {
		peaks = peaks[:top]
	}
	return peaks, nil
}
