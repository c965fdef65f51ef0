package events

import (
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/firose-git/AutoVolt-sub003/internal/storage"
)

// PricingDefaults fill in transitions whose producer did not supply a rate.
type PricingDefaults struct {
	PricePerUnit      float64
	ConsumptionFactor float64
}

// Service is the switch-state ledger and runtime energy calculator. Pairing
// of ON/OFF transitions is serialized per switch so concurrent toggles can
// never close the same session twice or leave two open sessions.
type Service struct {
	db       *storage.Database
	defaults PricingDefaults
	now      func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewService(db *storage.Database, defaults PricingDefaults) *Service {
	if defaults.PricePerUnit <= 0 {
		defaults.PricePerUnit = 7.5
	}
	if defaults.ConsumptionFactor <= 0 {
		defaults.ConsumptionFactor = 1.0
	}
	return &Service{
		db:       db,
		defaults: defaults,
		now:      time.Now,
		locks:    make(map[string]*sync.Mutex),
	}
}

// resolvePricing fills zeroed pricing fields from the device's stored
// settings, falling back to the configured defaults. The resolved values are
// snapshotted onto the event row so later settings edits cannot rewrite it.
func (s *Service) resolvePricing(t *Transition) {
	if t.PricePerUnit > 0 && t.ConsumptionFactor > 0 {
		return
	}
	price := s.defaults.PricePerUnit
	factor := s.defaults.ConsumptionFactor
	settings, err := s.db.GetSettings(t.DeviceID)
	if err != nil {
		log.Printf("Device %s: failed to load settings, using defaults: %v", t.DeviceID, err)
	} else if settings != nil {
		if settings.PricePerUnit > 0 {
			price = settings.PricePerUnit
		}
		if settings.ConsumptionFactor > 0 {
			factor = settings.ConsumptionFactor
		}
	}
	if t.PricePerUnit <= 0 {
		t.PricePerUnit = price
	}
	if t.ConsumptionFactor <= 0 {
		t.ConsumptionFactor = factor
	}
}

func (s *Service) switchLock(deviceID, switchID string) *sync.Mutex {
	key := deviceID + "/" + switchID
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	return l
}

// Transition is one raw switch toggle as delivered by a producer.
type Transition struct {
	DeviceID          string
	SwitchID          string
	State             storage.SwitchState
	Timestamp         time.Time
	PowerRating       float64
	PricePerUnit      float64
	ConsumptionFactor float64
	Source            storage.ToggleSource
}

// RecordTransition appends the transition to the ledger. An OFF transition
// closes the latest unmatched ON event for the same switch, computing
// runtime, energy and cost; if no open session exists the OFF is stored with
// zero energy and logged as a reconciliation gap. Transitions are never
// rejected: degraded data is recorded flagged instead.
func (s *Service) RecordTransition(t Transition) (*storage.SwitchEvent, error) {
	if t.Timestamp.IsZero() {
		t.Timestamp = s.now()
	}
	if !storage.ValidSource(t.Source) {
		t.Source = storage.SourceSystem
	}
	s.resolvePricing(&t)

	ev := &storage.SwitchEvent{
		ID:                uuid.NewString(),
		DeviceID:          t.DeviceID,
		SwitchID:          t.SwitchID,
		State:             t.State,
		Source:            t.Source,
		Timestamp:         t.Timestamp,
		PowerRating:       t.PowerRating,
		PricePerUnit:      t.PricePerUnit,
		ConsumptionFactor: t.ConsumptionFactor,
	}
	if t.PowerRating <= 0 {
		ev.PowerRating = 0
		ev.Flagged = true
		ev.FlagReason = "unknown_power_rating"
		log.Printf("Switch %s/%s: transition with unknown power rating, recording flagged",
			t.DeviceID, t.SwitchID)
	}

	lock := s.switchLock(t.DeviceID, t.SwitchID)
	lock.Lock()
	defer lock.Unlock()

	open, err := s.db.LatestOpenOnEvent(t.DeviceID, t.SwitchID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up open session: %w", err)
	}

	switch t.State {
	case storage.SwitchOn:
		if open != nil {
			// The earlier ON stays the single open session slot.
			ev.Closed = true
			ev.Flagged = true
			ev.FlagReason = "duplicate_on"
			log.Printf("Switch %s/%s: ON while session already open since %s, keeping original session",
				t.DeviceID, t.SwitchID, open.Timestamp.Format(time.RFC3339))
		}
		if err := s.db.CreateEvent(ev); err != nil {
			return nil, fmt.Errorf("failed to store ON event: %w", err)
		}
		return ev, nil

	case storage.SwitchOff:
		if open == nil {
			log.Printf("Switch %s/%s: OFF with no session to close", t.DeviceID, t.SwitchID)
			ev.Flagged = true
			ev.FlagReason = "no_open_session"
			if err := s.db.CreateEvent(ev); err != nil {
				return nil, fmt.Errorf("failed to store OFF event: %w", err)
			}
			return ev, nil
		}

		runtime := t.Timestamp.Sub(open.Timestamp)
		if runtime < 0 {
			log.Printf("Switch %s/%s: negative runtime %s (clock skew?), clamping to zero",
				t.DeviceID, t.SwitchID, runtime)
			runtime = 0
			ev.Flagged = true
			ev.FlagReason = "negative_runtime"
		}

		rating := open.PowerRating
		if rating <= 0 {
			rating = ev.PowerRating
		}

		// Price with the rate snapshotted on the ON event, the same one
		// CalculateActiveEnergy uses, so a mid-session settings change can
		// never make the in-flight and final costs diverge.
		price, factor := open.PricePerUnit, open.ConsumptionFactor
		if price <= 0 || factor <= 0 {
			price, factor = t.PricePerUnit, t.ConsumptionFactor
		}

		hours := runtime.Hours()
		ev.RuntimeMinutes = runtime.Minutes()
		ev.EnergyWh = rating * hours
		ev.Cost = (ev.EnergyWh / 1000.0) * price * factor
		ev.PricePerUnit = price
		ev.ConsumptionFactor = factor
		ev.OnEventID = open.ID

		if err := s.db.CloseSession(ev, open.ID); err != nil {
			return nil, fmt.Errorf("failed to close session: %w", err)
		}
		return ev, nil

	default:
		return nil, fmt.Errorf("unknown switch state %q", t.State)
	}
}

// Consumption is the summed runtime metering result over a period.
type Consumption struct {
	EnergyWh       float64 `json:"energy_wh"`
	Cost           float64 `json:"cost"`
	RuntimeMinutes float64 `json:"runtime_minutes"`
	Sessions       int64   `json:"sessions"`
}

// GetRuntimeConsumption sums energy, cost and runtime over all closed
// sessions of the device whose OFF timestamp falls in [from, to).
func (s *Service) GetRuntimeConsumption(deviceID string, from, to time.Time) (Consumption, error) {
	events, err := s.db.ClosedEventsInRange(deviceID, from, to)
	if err != nil {
		return Consumption{}, err
	}
	var c Consumption
	for _, ev := range events {
		c.EnergyWh += ev.EnergyWh
		c.Cost += ev.Cost
		c.RuntimeMinutes += ev.RuntimeMinutes
		if ev.OnEventID != "" {
			c.Sessions++
		}
	}
	return c, nil
}

// SwitchConsumption is the per-switch variant of Consumption.
type SwitchConsumption struct {
	SwitchID string `json:"switch_id"`
	Consumption
}

// GetPerSwitchConsumption breaks GetRuntimeConsumption down by switch.
func (s *Service) GetPerSwitchConsumption(deviceID string, from, to time.Time) ([]SwitchConsumption, error) {
	events, err := s.db.ClosedEventsInRange(deviceID, from, to)
	if err != nil {
		return nil, err
	}
	bySwitch := map[string]*SwitchConsumption{}
	for _, ev := range events {
		sc, ok := bySwitch[ev.SwitchID]
		if !ok {
			sc = &SwitchConsumption{SwitchID: ev.SwitchID}
			bySwitch[ev.SwitchID] = sc
		}
		sc.EnergyWh += ev.EnergyWh
		sc.Cost += ev.Cost
		sc.RuntimeMinutes += ev.RuntimeMinutes
		if ev.OnEventID != "" {
			sc.Sessions++
		}
	}
	out := make([]SwitchConsumption, 0, len(bySwitch))
	for _, sc := range bySwitch {
		out = append(out, *sc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SwitchID < out[j].SwitchID })
	return out, nil
}

// ActiveSession describes a currently-ON switch and the energy it has
// accrued so far. Nothing is persisted; the session stays open.
type ActiveSession struct {
	DeviceID       string    `json:"device_id"`
	SwitchID       string    `json:"switch_id"`
	OnSince        time.Time `json:"on_since"`
	PowerRating    float64   `json:"power_rating_w"`
	RuntimeMinutes float64   `json:"runtime_minutes"`
	EnergyWh       float64   `json:"energy_wh"`
	Cost           float64   `json:"cost"`
}

// CalculateActiveEnergy computes energy accrued by the device's open
// sessions from their ON timestamp to now, without closing them.
func (s *Service) CalculateActiveEnergy(deviceID string) ([]ActiveSession, Consumption, error) {
	open, err := s.db.OpenOnEvents(deviceID)
	if err != nil {
		return nil, Consumption{}, err
	}
	now := s.now()
	var total Consumption
	sessions := make([]ActiveSession, 0, len(open))
	for _, ev := range open {
		runtime := now.Sub(ev.Timestamp)
		if runtime < 0 {
			runtime = 0
		}
		energyWh := ev.PowerRating * runtime.Hours()
		cost := (energyWh / 1000.0) * ev.PricePerUnit * ev.ConsumptionFactor
		sessions = append(sessions, ActiveSession{
			DeviceID:       ev.DeviceID,
			SwitchID:       ev.SwitchID,
			OnSince:        ev.Timestamp,
			PowerRating:    ev.PowerRating,
			RuntimeMinutes: runtime.Minutes(),
			EnergyWh:       energyWh,
			Cost:           cost,
		})
		total.EnergyWh += energyWh
		total.Cost += cost
		total.RuntimeMinutes += runtime.Minutes()
		total.Sessions++
	}
	return sessions, total, nil
}

// Startup reconciliation policies for sessions left open across a restart.
const (
	ReconcileResume = "resume"
	ReconcileClose  = "close"
)

// ReconcileStartup applies the configured policy to sessions that were left
// open by a previous process. Under "resume" open sessions keep accruing
// from their original ON timestamp; under "close" each one is closed and
// priced up to the restart instant with a system-sourced OFF.
func (s *Service) ReconcileStartup(policy string) error {
	open, err := s.db.OpenOnEvents("")
	if err != nil {
		return fmt.Errorf("failed to list open sessions: %w", err)
	}
	if len(open) == 0 {
		return nil
	}

	switch policy {
	case ReconcileClose:
		now := s.now()
		for _, ev := range open {
			_, err := s.RecordTransition(Transition{
				DeviceID:          ev.DeviceID,
				SwitchID:          ev.SwitchID,
				State:             storage.SwitchOff,
				Timestamp:         now,
				PowerRating:       ev.PowerRating,
				PricePerUnit:      ev.PricePerUnit,
				ConsumptionFactor: ev.ConsumptionFactor,
				Source:            storage.SourceSystem,
			})
			if err != nil {
				return fmt.Errorf("failed to close stale session %s: %w", ev.ID, err)
			}
		}
		log.Printf("Startup reconciliation: closed %d stale session(s)", len(open))
	case ReconcileResume, "":
		log.Printf("Startup reconciliation: resuming %d open session(s)", len(open))
	default:
		return fmt.Errorf("unknown startup reconciliation policy %q", policy)
	}
	return nil
}
