package ingest

import (
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/firose-git/AutoVolt-sub003/internal/storage"
)

const (
	maxVoltage     = 300.0
	maxCurrent     = 50.0
	powerTolerance = 0.15
)

// Config bounds the dynamic interval math and batch ingestion.
type Config struct {
	MinInterval     time.Duration
	MaxInterval     time.Duration
	WarnInterval    time.Duration
	DefaultInterval time.Duration
	MaxBatchSize    int

	DefaultPricePerUnit      float64
	DefaultConsumptionFactor float64
}

// Service validates and persists periodic electrical samples. Handlers may
// run in parallel across devices; the per-device last-reading pointer is the
// only shared state.
type Service struct {
	db  *storage.Database
	cfg Config
	now func() time.Time

	mu          sync.Mutex
	lastReading map[string]time.Time
}

func NewService(db *storage.Database, cfg Config) *Service {
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = 10 * time.Second
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 24 * time.Hour
	}
	if cfg.WarnInterval <= 0 {
		cfg.WarnInterval = time.Hour
	}
	if cfg.DefaultInterval <= 0 {
		cfg.DefaultInterval = 30 * time.Second
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 1000
	}
	if cfg.DefaultPricePerUnit <= 0 {
		cfg.DefaultPricePerUnit = 7.5
	}
	if cfg.DefaultConsumptionFactor <= 0 {
		cfg.DefaultConsumptionFactor = 1.0
	}
	return &Service{
		db:          db,
		cfg:         cfg,
		now:         time.Now,
		lastReading: make(map[string]time.Time),
	}
}

// Validate checks the electrical sample against physical bounds and the
// power-calculation consistency rule.
func Validate(voltage, current, power float64) error {
	if voltage < 0 || voltage > maxVoltage {
		return &RangeError{Field: "voltage", Got: voltage, Min: 0, Max: maxVoltage}
	}
	if current < 0 || current > maxCurrent {
		return &RangeError{Field: "current", Got: current, Min: 0, Max: maxCurrent}
	}
	if power < 0 {
		return &RangeError{Field: "power", Got: power, Min: 0, Max: maxVoltage * maxCurrent}
	}
	calculated := voltage * current
	if diff := power - calculated; diff > powerTolerance*calculated || -diff > powerTolerance*calculated {
		return &MismatchError{Got: power, Expected: calculated, Tolerance: powerTolerance}
	}
	return nil
}

// clampInterval bounds the raw gap between samples, logging clock anomalies
// and suspiciously long gaps.
func (s *Service) clampInterval(deviceID string, raw time.Duration) time.Duration {
	if raw <= 0 {
		log.Printf("Device %s: non-positive reading interval %s (clock skew?), clamping to %s",
			deviceID, raw, s.cfg.MinInterval)
		return s.cfg.MinInterval
	}
	if raw > s.cfg.WarnInterval {
		log.Printf("Device %s: reading interval %s exceeds %s", deviceID, raw, s.cfg.WarnInterval)
	}
	if raw < s.cfg.MinInterval {
		return s.cfg.MinInterval
	}
	if raw > s.cfg.MaxInterval {
		return s.cfg.MaxInterval
	}
	return raw
}

func (s *Service) lastTimestamp(deviceID string) (time.Time, bool, error) {
	s.mu.Lock()
	ts, ok := s.lastReading[deviceID]
	s.mu.Unlock()
	if ok {
		return ts, true, nil
	}
	latest, err := s.db.LatestReading(deviceID)
	if err != nil {
		return time.Time{}, false, err
	}
	if latest == nil {
		return time.Time{}, false, nil
	}
	return latest.Timestamp, true, nil
}

func (s *Service) advancePointer(deviceID string, ts time.Time) {
	s.mu.Lock()
	if prev, ok := s.lastReading[deviceID]; !ok || ts.After(prev) {
		s.lastReading[deviceID] = ts
	}
	s.mu.Unlock()
}

func (s *Service) pricing(deviceID string) (price, factor float64) {
	price = s.cfg.DefaultPricePerUnit
	factor = s.cfg.DefaultConsumptionFactor
	settings, err := s.db.GetSettings(deviceID)
	if err != nil {
		log.Printf("Device %s: failed to load settings, using defaults: %v", deviceID, err)
		return price, factor
	}
	if settings != nil {
		if settings.PricePerUnit > 0 {
			price = settings.PricePerUnit
		}
		if settings.ConsumptionFactor > 0 {
			factor = settings.ConsumptionFactor
		}
	}
	return price, factor
}

// Sample is one live electrical sample, optionally carrying the occupancy
// counts the device reported with it.
type Sample struct {
	Timestamp      time.Time
	Voltage        float64
	Current        float64
	Power          float64
	ActiveSwitches int
	TotalSwitches  int
}

// SubmitReading is the voltage/current/power shorthand for SubmitSample.
func (s *Service) SubmitReading(deviceID string, voltage, current, power float64, ts time.Time) (*storage.PowerReading, error) {
	return s.SubmitSample(deviceID, Sample{
		Timestamp: ts,
		Voltage:   voltage,
		Current:   current,
		Power:     power,
	})
}

// SubmitSample validates and stores one live sample, computing incremental
// energy over the dynamic interval since the device's previous reading.
func (s *Service) SubmitSample(deviceID string, sample Sample) (*storage.PowerReading, error) {
	ts := sample.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}
	if err := Validate(sample.Voltage, sample.Current, sample.Power); err != nil {
		return nil, err
	}

	last, hasLast, err := s.lastTimestamp(deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up last reading: %w", err)
	}
	interval := s.cfg.DefaultInterval
	if hasLast {
		interval = s.clampInterval(deviceID, ts.Sub(last))
	}

	price, factor := s.pricing(deviceID)
	energyWh := sample.Power * interval.Hours()

	reading := &storage.PowerReading{
		DeviceID:        deviceID,
		Timestamp:       ts,
		Voltage:         sample.Voltage,
		Current:         sample.Current,
		Power:           sample.Power,
		ActiveSwitches:  sample.ActiveSwitches,
		TotalSwitches:   sample.TotalSwitches,
		IntervalSeconds: interval.Seconds(),
		EnergyWh:        energyWh,
		Cost:            (energyWh / 1000.0) * price * factor,
		Status:          storage.ReadingOnline,
	}
	if err := s.db.CreateReading(reading); err != nil {
		if storage.ErrDuplicate(err) {
			return nil, ErrDuplicateReading
		}
		return nil, fmt.Errorf("failed to store reading: %w", err)
	}

	s.advancePointer(deviceID, ts)
	return reading, nil
}

// BatchReading is one buffered sample inside an offline-sync batch.
type BatchReading struct {
	Timestamp time.Time `json:"timestamp"`
	Voltage   float64   `json:"voltage"`
	Current   float64   `json:"current"`
	Power     float64   `json:"power"`
}

// SyncResult reports what an offline batch produced.
type SyncResult struct {
	Inserted      int     `json:"inserted"`
	Duplicates    int     `json:"duplicates"`
	TotalEnergyWh float64 `json:"total_energy_wh"`
}

// SyncReadings ingests a batch of readings buffered while the device was
// offline. The batch is sorted chronologically, validated as a whole before
// anything is written, and inserted with duplicate detection against both
// the batch itself and previously stored readings. A checksum, when
// supplied, must match or the whole batch is refused.
func (s *Service) SyncReadings(deviceID string, readings []BatchReading, checksum string) (SyncResult, error) {
	var result SyncResult
	if len(readings) == 0 {
		return result, nil
	}
	if len(readings) > s.cfg.MaxBatchSize {
		return result, fmt.Errorf("%w: %d > %d", ErrBatchTooLarge, len(readings), s.cfg.MaxBatchSize)
	}

	if checksum != "" {
		if got := BatchChecksum(readings); got != checksum {
			return result, fmt.Errorf("%w: got %s, expected %s", ErrChecksumMismatch, got, checksum)
		}
	}

	// Validate everything first so a bad sample cannot partially ingest
	// the batch.
	for i, r := range readings {
		if r.Timestamp.IsZero() {
			return result, fmt.Errorf("reading %d: missing timestamp", i)
		}
		if err := Validate(r.Voltage, r.Current, r.Power); err != nil {
			return result, fmt.Errorf("reading %d: %w", i, err)
		}
	}

	// Interval math depends on chronological order.
	sorted := make([]BatchReading, len(readings))
	copy(sorted, readings)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })

	price, factor := s.pricing(deviceID)

	var prev time.Time
	hasPrev := false
	if latest, err := s.db.LatestReading(deviceID); err != nil {
		return result, fmt.Errorf("failed to look up last reading: %w", err)
	} else if latest != nil && latest.Timestamp.Before(sorted[0].Timestamp) {
		prev = latest.Timestamp
		hasPrev = true
	}

	seen := make(map[int64]bool, len(sorted))
	for _, r := range sorted {
		key := r.Timestamp.UnixNano()
		if seen[key] {
			result.Duplicates++
			continue
		}
		seen[key] = true

		interval := s.cfg.DefaultInterval
		if hasPrev {
			interval = s.clampInterval(deviceID, r.Timestamp.Sub(prev))
		}
		prev = r.Timestamp
		hasPrev = true

		energyWh := r.Power * interval.Hours()
		reading := &storage.PowerReading{
			DeviceID:        deviceID,
			Timestamp:       r.Timestamp,
			Voltage:         r.Voltage,
			Current:         r.Current,
			Power:           r.Power,
			IntervalSeconds: interval.Seconds(),
			EnergyWh:        energyWh,
			Cost:            (energyWh / 1000.0) * price * factor,
			Status:          storage.ReadingOfflineSync,
		}
		if err := s.db.CreateReading(reading); err != nil {
			if storage.ErrDuplicate(err) {
				result.Duplicates++
				continue
			}
			return result, fmt.Errorf("failed to store reading at %s: %w", r.Timestamp, err)
		}
		result.Inserted++
		result.TotalEnergyWh += energyWh
	}

	s.advancePointer(deviceID, sorted[len(sorted)-1].Timestamp)
	log.Printf("Device %s: synced %d reading(s), %d duplicate(s), %.2fWh",
		deviceID, result.Inserted, result.Duplicates, result.TotalEnergyWh)
	return result, nil
}
