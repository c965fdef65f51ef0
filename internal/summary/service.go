package summary

import (
	"log"
	"sort"
	"sync"
	"time"

	"github.com/firose-git/AutoVolt-sub003/internal/events"
	"github.com/firose-git/AutoVolt-sub003/internal/storage"
)

// PeriodTotals combines finalized rollup figures for a period with the
// energy currently accruing in open sessions, so the dashboard's real-time
// and historical views never diverge.
type PeriodTotals struct {
	EnergyKwh       float64 `json:"energy_kwh"`
	CostINR         float64 `json:"cost_inr"`
	RuntimeHours    float64 `json:"runtime_hours"`
	ActiveEnergyKwh float64 `json:"active_energy_kwh"`
	ActiveCostINR   float64 `json:"active_cost_inr"`
	TotalEnergyKwh  float64 `json:"total_energy_kwh"`
	TotalCostINR    float64 `json:"total_cost_inr"`
}

// DeviceTotals is the per-device dashboard breakdown.
type DeviceTotals struct {
	DeviceID        string  `json:"device_id"`
	TodayEnergyKwh  float64 `json:"today_energy_kwh"`
	TodayCostINR    float64 `json:"today_cost_inr"`
	MonthEnergyKwh  float64 `json:"month_energy_kwh"`
	MonthCostINR    float64 `json:"month_cost_inr"`
	ActiveSessions  int     `json:"active_sessions"`
	ActiveEnergyKwh float64 `json:"active_energy_kwh"`
}

// EnergySummary is the dashboard-facing totals payload.
type EnergySummary struct {
	Daily       PeriodTotals   `json:"daily"`
	Monthly     PeriodTotals   `json:"monthly"`
	Devices     []DeviceTotals `json:"devices"`
	GeneratedAt time.Time      `json:"generated_at"`
}

// Service computes dashboard totals with a short-TTL cache. ClearCache must
// be called whenever pricing or calibration settings change; the TTL is only
// a secondary safety net.
type Service struct {
	db     *storage.Database
	events *events.Service
	ttl    time.Duration
	now    func() time.Time

	mu       sync.Mutex
	cached   *EnergySummary
	cachedAt time.Time
}

func NewService(db *storage.Database, eventSvc *events.Service, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Service{
		db:     db,
		events: eventSvc,
		ttl:    ttl,
		now:    time.Now,
	}
}

// GetEnergySummary returns today's and this month's totals plus the
// per-device breakdown. On any underlying query error it logs and returns a
// zeroed, well-formed summary rather than propagating the failure to the
// dashboard caller.
func (s *Service) GetEnergySummary() EnergySummary {
	now := s.now()

	s.mu.Lock()
	if s.cached != nil && now.Sub(s.cachedAt) < s.ttl {
		cached := *s.cached
		s.mu.Unlock()
		return cached
	}
	s.mu.Unlock()

	summary, err := s.compute(now)
	if err != nil {
		log.Printf("Energy summary query failed, returning zeroed summary: %v", err)
		return EnergySummary{Devices: []DeviceTotals{}, GeneratedAt: now}
	}

	s.mu.Lock()
	s.cached = &summary
	s.cachedAt = now
	s.mu.Unlock()
	return summary
}

func (s *Service) compute(now time.Time) (EnergySummary, error) {
	summary := EnergySummary{GeneratedAt: now}

	today := now.Format("2006-01-02")
	dailyRows, err := s.db.DailyRowsForDate(today)
	if err != nil {
		return summary, err
	}
	monthlyRows, err := s.db.MonthlyRowsForMonth(now.Year(), now.Month())
	if err != nil {
		return summary, err
	}
	active, activeTotal, err := s.events.CalculateActiveEnergy("")
	if err != nil {
		return summary, err
	}

	devices := map[string]*DeviceTotals{}
	device := func(id string) *DeviceTotals {
		d, ok := devices[id]
		if !ok {
			d = &DeviceTotals{DeviceID: id}
			devices[id] = d
		}
		return d
	}

	for _, row := range dailyRows {
		summary.Daily.EnergyKwh += row.EnergyKwh
		summary.Daily.CostINR += row.CostINR
		summary.Daily.RuntimeHours += row.RuntimeHours
		d := device(row.DeviceID)
		d.TodayEnergyKwh += row.EnergyKwh
		d.TodayCostINR += row.CostINR
	}
	for _, row := range monthlyRows {
		summary.Monthly.EnergyKwh += row.EnergyKwh
		summary.Monthly.CostINR += row.CostINR
		summary.Monthly.RuntimeHours += row.RuntimeHours
		d := device(row.DeviceID)
		d.MonthEnergyKwh += row.EnergyKwh
		d.MonthCostINR += row.CostINR
	}
	for _, session := range active {
		d := device(session.DeviceID)
		d.ActiveSessions++
		d.ActiveEnergyKwh += session.EnergyWh / 1000.0
	}

	activeKwh := activeTotal.EnergyWh / 1000.0
	summary.Daily.ActiveEnergyKwh = activeKwh
	summary.Daily.ActiveCostINR = activeTotal.Cost
	summary.Monthly.ActiveEnergyKwh = activeKwh
	summary.Monthly.ActiveCostINR = activeTotal.Cost
	summary.Daily.TotalEnergyKwh = summary.Daily.EnergyKwh + activeKwh
	summary.Daily.TotalCostINR = summary.Daily.CostINR + activeTotal.Cost
	summary.Monthly.TotalEnergyKwh = summary.Monthly.EnergyKwh + activeKwh
	summary.Monthly.TotalCostINR = summary.Monthly.CostINR + activeTotal.Cost

	summary.Devices = make([]DeviceTotals, 0, len(devices))
	for _, d := range devices {
		summary.Devices = append(summary.Devices, *d)
	}
	sort.Slice(summary.Devices, func(i, j int) bool {
		return summary.Devices[i].DeviceID < summary.Devices[j].DeviceID
	})
	return summary, nil
}

// ClassroomTotals folds the per-device breakdown by the classroom assigned
// in device settings. Devices with no classroom land in "unassigned".
type ClassroomTotals struct {
	Classroom       string  `json:"classroom"`
	Devices         int     `json:"devices"`
	TodayEnergyKwh  float64 `json:"today_energy_kwh"`
	TodayCostINR    float64 `json:"today_cost_inr"`
	MonthEnergyKwh  float64 `json:"month_energy_kwh"`
	MonthCostINR    float64 `json:"month_cost_inr"`
	ActiveSessions  int     `json:"active_sessions"`
	ActiveEnergyKwh float64 `json:"active_energy_kwh"`
}

// GetClassroomSummary groups the dashboard's device totals by classroom. It
// reads through the same cache as GetEnergySummary.
func (s *Service) GetClassroomSummary() []ClassroomTotals {
	devices := s.GetEnergySummary().Devices

	settings, err := s.db.AllSettings()
	if err != nil {
		log.Printf("Classroom summary query failed, returning empty summary: %v", err)
		return []ClassroomTotals{}
	}
	classroomOf := map[string]string{}
	for _, row := range settings {
		if row.Classroom != "" {
			classroomOf[row.DeviceID] = row.Classroom
		}
	}

	byRoom := map[string]*ClassroomTotals{}
	for _, d := range devices {
		room, ok := classroomOf[d.DeviceID]
		if !ok {
			room = "unassigned"
		}
		ct, ok := byRoom[room]
		if !ok {
			ct = &ClassroomTotals{Classroom: room}
			byRoom[room] = ct
		}
		ct.Devices++
		ct.TodayEnergyKwh += d.TodayEnergyKwh
		ct.TodayCostINR += d.TodayCostINR
		ct.MonthEnergyKwh += d.MonthEnergyKwh
		ct.MonthCostINR += d.MonthCostINR
		ct.ActiveSessions += d.ActiveSessions
		ct.ActiveEnergyKwh += d.ActiveEnergyKwh
	}

	rooms := make([]ClassroomTotals, 0, len(byRoom))
	for _, ct := range byRoom {
		rooms = append(rooms, *ct)
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].Classroom < rooms[j].Classroom })
	return rooms
}

// ClearCache drops the cached summary. Call on any pricing or calibration
// change so the next read reflects it immediately.
func (s *Service) ClearCache() {
	s.mu.Lock()
	s.cached = nil
	s.cachedAt = time.Time{}
	s.mu.Unlock()
}
