package poller

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/firose-git/AutoVolt-sub003/config"
	"github.com/firose-git/AutoVolt-sub003/internal/ingest"
	"github.com/firose-git/AutoVolt-sub003/internal/modbusx"
)

// Meter pairs a configured Modbus energy meter with its client.
type Meter struct {
	cfg    config.MeterConfig
	client *modbusx.Client
}

// Sample is one electrical measurement read from a meter.
type Sample struct {
	Voltage float64
	Current float64
	Power   float64
}

// Read fetches voltage, current and power from the meter's configured
// registers, applying the per-register scale factors.
func (m *Meter) Read() (Sample, error) {
	var s Sample
	v, err := m.client.ReadUint16(m.cfg.VoltageReg)
	if err != nil {
		return s, err
	}
	i, err := m.client.ReadUint16(m.cfg.CurrentReg)
	if err != nil {
		return s, err
	}
	p, err := m.client.ReadUint32(m.cfg.PowerReg)
	if err != nil {
		return s, err
	}
	s.Voltage = float64(v) * m.scale(m.cfg.VoltageScale, 0.1)
	s.Current = float64(i) * m.scale(m.cfg.CurrentScale, 0.001)
	s.Power = float64(p) * m.scale(m.cfg.PowerScale, 0.1)
	return s, nil
}

func (m *Meter) scale(configured, fallback float64) float64 {
	if configured > 0 {
		return configured
	}
	return fallback
}

// Poller periodically reads wired Modbus meters and submits the samples
// through the same ingest path as pushed telemetry.
type Poller struct {
	meters   []*Meter
	ingest   *ingest.Service
	interval time.Duration
	enabled  bool
}

type PollerConfig struct {
	Meters   []config.MeterConfig
	Ingest   *ingest.Service
	Interval time.Duration
	Enabled  bool
}

func NewPoller(cfg PollerConfig) *Poller {
	meters := make([]*Meter, 0, len(cfg.Meters))
	for _, mc := range cfg.Meters {
		meters = append(meters, &Meter{
			cfg:    mc,
			client: modbusx.NewClient(mc.IP, mc.Port, mc.UnitID, mc.Timeout),
		})
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Poller{
		meters:   meters,
		ingest:   cfg.Ingest,
		interval: interval,
		enabled:  cfg.Enabled && len(meters) > 0,
	}
}

func (p *Poller) Start(ctx context.Context) error {
	if !p.enabled {
		log.Println("Meter poller is disabled")
		return nil
	}

	log.Printf("Starting meter poller for %d meter(s) with interval %s", len(p.meters), p.interval)

	// Initial poll
	p.pollAll()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("Meter poller stopped")
			return nil
		case <-ticker.C:
			p.pollAll()
		}
	}
}

func (p *Poller) pollAll() {
	for _, m := range p.meters {
		p.poll(m)
	}
}

func (p *Poller) poll(m *Meter) {
	if err := m.client.Connect(); err != nil {
		log.Printf("Meter %s: connect failed: %v", m.cfg.DeviceID, err)
		return
	}

	sample, err := m.Read()
	if err != nil {
		log.Printf("Meter %s: read failed: %v", m.cfg.DeviceID, err)
		if reconnErr := m.client.Reconnect(); reconnErr != nil {
			log.Printf("Meter %s: reconnect failed: %v", m.cfg.DeviceID, reconnErr)
			return
		}
		// Retry once after successful reconnect
		sample, err = m.Read()
		if err != nil {
			log.Printf("Meter %s: read failed after reconnect: %v", m.cfg.DeviceID, err)
			return
		}
	}

	_, err = p.ingest.SubmitReading(m.cfg.DeviceID, sample.Voltage, sample.Current, sample.Power, time.Time{})
	if err != nil && !errors.Is(err, ingest.ErrDuplicateReading) {
		log.Printf("Meter %s: sample rejected: %v", m.cfg.DeviceID, err)
	}
}

func (p *Poller) Stop() {
	for _, m := range p.meters {
		m.client.Close()
	}
}
