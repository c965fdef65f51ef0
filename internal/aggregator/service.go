package aggregator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/firose-git/AutoVolt-sub003/internal/events"
	"github.com/firose-git/AutoVolt-sub003/internal/storage"
)

const dateLayout = "2006-01-02"

// finalizeLookbackDays bounds how far back a tick sweeps for days left
// unfinalized, covering a multi-day process outage without a manual backfill.
const finalizeLookbackDays = 7

// Service folds switch events and power readings into per-device daily and
// monthly rollups. Runs on a fixed period; ticks are single-flight so an
// overlapping run is skipped rather than double-counting partial sums.
type Service struct {
	db           *storage.Database
	events       *events.Service
	interval     time.Duration
	finalizeHour int
	reconcile    string
	enabled      bool
	now          func() time.Time

	runMu sync.Mutex

	statusMu         sync.Mutex
	running          bool
	lastRun          time.Time
	lastError        string
	ticksCompleted   int64
	ticksSkipped     int64
	finalizedThrough string
}

type ServiceConfig struct {
	Database     *storage.Database
	Events       *events.Service
	Interval     time.Duration
	FinalizeHour int
	// Startup policy for sessions left open across a restart
	// (events.ReconcileResume or events.ReconcileClose).
	StartupReconcile string
	Enabled          bool
}

func NewService(cfg ServiceConfig) *Service {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	finalizeHour := cfg.FinalizeHour
	if finalizeHour < 0 || finalizeHour > 23 {
		finalizeHour = 2
	}
	return &Service{
		db:           cfg.Database,
		events:       cfg.Events,
		interval:     interval,
		finalizeHour: finalizeHour,
		reconcile:    cfg.StartupReconcile,
		enabled:      cfg.Enabled,
		now:          time.Now,
	}
}

// Status is the aggregation service's control-plane view.
type Status struct {
	Enabled          bool      `json:"enabled"`
	Running          bool      `json:"running"`
	Interval         string    `json:"interval"`
	FinalizeHour     int       `json:"finalize_hour"`
	LastRun          time.Time `json:"last_run"`
	LastError        string    `json:"last_error,omitempty"`
	TicksCompleted   int64     `json:"ticks_completed"`
	TicksSkipped     int64     `json:"ticks_skipped"`
	FinalizedThrough string    `json:"finalized_through,omitempty"`
}

func (s *Service) Status() Status {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	return Status{
		Enabled:          s.enabled,
		Running:          s.running,
		Interval:         s.interval.String(),
		FinalizeHour:     s.finalizeHour,
		LastRun:          s.lastRun,
		LastError:        s.lastError,
		TicksCompleted:   s.ticksCompleted,
		TicksSkipped:     s.ticksSkipped,
		FinalizedThrough: s.finalizedThrough,
	}
}

// Start reconciles sessions left open by a previous process, then runs the
// aggregation loop until the context is cancelled.
func (s *Service) Start(ctx context.Context) error {
	if err := s.events.ReconcileStartup(s.reconcile); err != nil {
		return err
	}

	if !s.enabled {
		log.Println("Aggregation service is disabled")
		return nil
	}

	log.Printf("Starting aggregation service with interval %s", s.interval)

	// Initial run
	s.RunOnce(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("Aggregation service stopped")
			return nil
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce executes one aggregation tick: recompute today's rollups, finalize
// completed days once past the finalization hour, and refresh the current
// monthly rollup. A tick that arrives while another is still running is
// skipped. Failures are logged and retried on the next tick.
func (s *Service) RunOnce(ctx context.Context) {
	if !s.runMu.TryLock() {
		s.statusMu.Lock()
		s.ticksSkipped++
		s.statusMu.Unlock()
		log.Println("Aggregation tick skipped: previous run still in progress")
		return
	}
	defer s.runMu.Unlock()

	s.setRunning(true)
	defer s.setRunning(false)

	now := s.now()
	var errs []error

	if err := s.aggregateDay(ctx, now, false); err != nil {
		errs = append(errs, err)
	}

	if now.Hour() >= s.finalizeHour {
		if err := s.finalizePending(ctx, now); err != nil {
			errs = append(errs, err)
		}
	}

	if err := s.AggregateMonthlyData(ctx, now.Year(), now.Month()); err != nil {
		errs = append(errs, err)
	}

	err := errors.Join(errs...)
	s.statusMu.Lock()
	s.lastRun = now
	s.ticksCompleted++
	if err != nil {
		s.lastError = err.Error()
	} else {
		s.lastError = ""
	}
	s.statusMu.Unlock()

	if err != nil {
		log.Printf("Aggregation tick finished with errors: %v", err)
	}
}

func (s *Service) setRunning(v bool) {
	s.statusMu.Lock()
	s.running = v
	s.statusMu.Unlock()
}

// finalizePending finalizes every completed day from the lookback window up
// to yesterday, oldest first. An error stops the sweep so finalizedThrough
// never advances past a day that still needs work; the next tick retries.
func (s *Service) finalizePending(ctx context.Context, now time.Time) error {
	yesterday := now.AddDate(0, 0, -1)
	for i := finalizeLookbackDays - 1; i >= 0; i-- {
		day := yesterday.AddDate(0, 0, -i)
		date := day.Format(dateLayout)

		s.statusMu.Lock()
		done := s.finalizedThrough >= date
		s.statusMu.Unlock()
		if done {
			continue
		}

		if finalized, err := s.db.DayFinalized(date); err != nil {
			return err
		} else if !finalized {
			if err := s.aggregateDay(ctx, day, true); err != nil {
				return err
			}
			if err := s.db.MarkDayFinalized(date); err != nil {
				return err
			}
			log.Printf("Finalized daily rollups for %s", date)
		}

		s.statusMu.Lock()
		s.finalizedThrough = date
		s.statusMu.Unlock()
	}
	return nil
}

// AggregateDailyData recomputes and upserts the daily rollups of every
// device with activity on the given date. Finalized rows are left alone.
func (s *Service) AggregateDailyData(ctx context.Context, date time.Time) error {
	return s.aggregateDay(ctx, date, false)
}

func (s *Service) aggregateDay(ctx context.Context, date time.Time, force bool) error {
	dateStr := date.Format(dateLayout)
	start := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, date.Location())
	end := start.AddDate(0, 0, 1)

	devices, err := s.db.DeviceIDsWithActivity(start, end)
	if err != nil {
		return fmt.Errorf("failed to list active devices for %s: %w", dateStr, err)
	}

	var errs []error
	for _, deviceID := range devices {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := s.aggregateDeviceDay(deviceID, dateStr, start, end, force); err != nil {
			log.Printf("Device %s: daily aggregation for %s failed: %v", deviceID, dateStr, err)
			errs = append(errs, fmt.Errorf("device %s: %w", deviceID, err))
		}
	}
	return errors.Join(errs...)
}

// aggregateDeviceDay recomputes one (device, date) rollup from scratch. The
// upsert is keyed on device+date, so re-running it is idempotent.
func (s *Service) aggregateDeviceDay(deviceID, dateStr string, start, end time.Time, force bool) error {
	if !force {
		existing, err := s.db.GetDaily(deviceID, dateStr)
		if err != nil {
			return err
		}
		if existing != nil && existing.Finalized {
			return nil
		}
	}

	readings, err := s.db.ReadingsInRange(deviceID, start, end)
	if err != nil {
		return err
	}
	offEvents, err := s.db.ClosedEventsInRange(deviceID, start, end)
	if err != nil {
		return err
	}

	var energyWh, cost, runtimeMinutes, powerSum float64
	var sessionCount int64
	for _, r := range readings {
		energyWh += r.EnergyWh
		cost += r.Cost
		powerSum += r.Power
	}
	for _, ev := range offEvents {
		energyWh += ev.EnergyWh
		cost += ev.Cost
		runtimeMinutes += ev.RuntimeMinutes
		if ev.OnEventID != "" {
			sessionCount++
		}
	}

	avgPower := 0.0
	if len(readings) > 0 {
		avgPower = powerSum / float64(len(readings))
	}

	return s.db.UpsertDaily(&storage.DailyConsumption{
		DeviceID:     deviceID,
		Date:         dateStr,
		EnergyKwh:    energyWh / 1000.0,
		CostINR:      cost,
		RuntimeHours: runtimeMinutes / 60.0,
		AvgPowerW:    avgPower,
		ReadingCount: int64(len(readings)),
		SessionCount: sessionCount,
	})
}

// AggregateMonthlyData folds the month's daily rows (to date) into per-device
// monthly rollups with an embedded per-day breakdown.
func (s *Service) AggregateMonthlyData(ctx context.Context, year int, month time.Month) error {
	rows, err := s.db.DailyRowsForMonth("", year, month)
	if err != nil {
		return fmt.Errorf("failed to load daily rows for %04d-%02d: %w", year, int(month), err)
	}

	byDevice := map[string][]storage.DailyConsumption{}
	for _, row := range rows {
		byDevice[row.DeviceID] = append(byDevice[row.DeviceID], row)
	}

	var errs []error
	for deviceID, deviceRows := range byDevice {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		monthly := &storage.MonthlyConsumption{
			DeviceID: deviceID,
			Year:     year,
			Month:    int(month),
		}
		var powerWeight float64
		for _, row := range deviceRows {
			monthly.EnergyKwh += row.EnergyKwh
			monthly.CostINR += row.CostINR
			monthly.RuntimeHours += row.RuntimeHours
			monthly.ReadingCount += row.ReadingCount
			monthly.SessionCount += row.SessionCount
			powerWeight += row.AvgPowerW * float64(row.ReadingCount)
			monthly.DailyBreakdown = append(monthly.DailyBreakdown, storage.DayBreakdown{
				Date:         row.Date,
				EnergyKwh:    row.EnergyKwh,
				CostINR:      row.CostINR,
				RuntimeHours: row.RuntimeHours,
			})
		}
		if monthly.ReadingCount > 0 {
			monthly.AvgPowerW = powerWeight / float64(monthly.ReadingCount)
		}
		sort.Slice(monthly.DailyBreakdown, func(i, j int) bool {
			return monthly.DailyBreakdown[i].Date < monthly.DailyBreakdown[j].Date
		})

		if err := s.db.UpsertMonthly(monthly); err != nil {
			log.Printf("Device %s: monthly aggregation for %04d-%02d failed: %v",
				deviceID, year, int(month), err)
			errs = append(errs, fmt.Errorf("device %s: %w", deviceID, err))
		}
	}
	return errors.Join(errs...)
}

// BackfillHistoricalData re-runs daily aggregation for every date in
// [start, end] and refreshes the monthly rollups the range touches. Forced
// recomputes include finalized days, and the upserts are idempotent, so the
// backfill is safe to repeat. The context cancels an in-flight backfill
// between dates.
func (s *Service) BackfillHistoricalData(ctx context.Context, start, end time.Time) error {
	if end.Before(start) {
		return fmt.Errorf("backfill range end %s before start %s",
			end.Format(dateLayout), start.Format(dateLayout))
	}

	s.runMu.Lock()
	defer s.runMu.Unlock()
	s.setRunning(true)
	defer s.setRunning(false)

	log.Printf("Backfilling daily rollups from %s to %s",
		start.Format(dateLayout), end.Format(dateLayout))

	months := map[[2]int]bool{}
	var errs []error
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		if err := ctx.Err(); err != nil {
			log.Printf("Backfill cancelled at %s", d.Format(dateLayout))
			errs = append(errs, err)
			break
		}
		if err := s.aggregateDay(ctx, d, true); err != nil {
			errs = append(errs, err)
		}
		months[[2]int{d.Year(), int(d.Month())}] = true
	}

	for ym := range months {
		if err := ctx.Err(); err != nil {
			break
		}
		if err := s.AggregateMonthlyData(ctx, ym[0], time.Month(ym[1])); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// TriggerNow requests an immediate aggregation run in the background,
// without waiting for the next tick.
func (s *Service) TriggerNow() {
	go s.RunOnce(context.Background())
}
