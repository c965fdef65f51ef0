package mqtt

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/firose-git/AutoVolt-sub003/internal/events"
	"github.com/firose-git/AutoVolt-sub003/internal/ingest"
	"github.com/firose-git/AutoVolt-sub003/internal/storage"
)

// Subscriber feeds device telemetry arriving over MQTT into the ingest
// service and the switch-event ledger. Topics:
//
//	<prefix>/<deviceID>/telemetry  electrical samples
//	<prefix>/<deviceID>/switch     ON/OFF transitions
type Subscriber struct {
	client  mqtt.Client
	ingest  *ingest.Service
	events  *events.Service
	prefix  string
	enabled bool
}

type SubscriberConfig struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	Enabled     bool
}

type telemetryMessage struct {
	Voltage        float64 `json:"voltage"`
	Current        float64 `json:"current"`
	Power          float64 `json:"power"`
	ActiveSwitches int     `json:"activeSwitches,omitempty"`
	TotalSwitches  int     `json:"totalSwitches,omitempty"`
	Timestamp      int64   `json:"timestamp,omitempty"`
}

type switchMessage struct {
	SwitchID          string  `json:"switch_id"`
	State             string  `json:"state"`
	Source            string  `json:"source,omitempty"`
	PowerRating       float64 `json:"power_rating,omitempty"`
	PricePerUnit      float64 `json:"price_per_unit,omitempty"`
	ConsumptionFactor float64 `json:"consumption_factor,omitempty"`
	Timestamp         int64   `json:"timestamp,omitempty"`
}

func NewSubscriber(cfg SubscriberConfig, ingestSvc *ingest.Service, eventSvc *events.Service) (*Subscriber, error) {
	if !cfg.Enabled {
		return &Subscriber{enabled: false}, nil
	}

	s := &Subscriber{
		ingest:  ingestSvc,
		events:  eventSvc,
		prefix:  cfg.TopicPrefix,
		enabled: true,
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetConnectionLostHandler(func(c mqtt.Client, err error) {
			log.Printf("MQTT connection lost: %v", err)
		}).
		SetOnConnectHandler(func(c mqtt.Client) {
			log.Println("MQTT connected")
			s.subscribe(c)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	s.client = client
	return s, nil
}

func (s *Subscriber) subscribe(c mqtt.Client) {
	topics := map[string]mqtt.MessageHandler{
		s.prefix + "/+/telemetry": s.handleTelemetry,
		s.prefix + "/+/switch":    s.handleSwitch,
	}
	for topic, handler := range topics {
		if token := c.Subscribe(topic, 1, handler); token.Wait() && token.Error() != nil {
			log.Printf("Failed to subscribe to %s: %v", topic, token.Error())
		}
	}
}

// deviceIDFromTopic extracts the device identifier from <prefix>/<id>/<kind>.
func (s *Subscriber) deviceIDFromTopic(topic string) string {
	rest := strings.TrimPrefix(topic, s.prefix+"/")
	if i := strings.IndexByte(rest, '/'); i > 0 {
		return rest[:i]
	}
	return ""
}

func (s *Subscriber) handleTelemetry(_ mqtt.Client, msg mqtt.Message) {
	deviceID := s.deviceIDFromTopic(msg.Topic())
	if deviceID == "" {
		log.Printf("Telemetry on unexpected topic %s", msg.Topic())
		return
	}

	var m telemetryMessage
	if err := json.Unmarshal(msg.Payload(), &m); err != nil {
		log.Printf("Device %s: malformed telemetry payload: %v", deviceID, err)
		return
	}

	var ts time.Time
	if m.Timestamp > 0 {
		ts = time.Unix(m.Timestamp, 0)
	}
	sample := ingest.Sample{
		Timestamp:      ts,
		Voltage:        m.Voltage,
		Current:        m.Current,
		Power:          m.Power,
		ActiveSwitches: m.ActiveSwitches,
		TotalSwitches:  m.TotalSwitches,
	}
	if _, err := s.ingest.SubmitSample(deviceID, sample); err != nil {
		if errors.Is(err, ingest.ErrDuplicateReading) {
			return
		}
		log.Printf("Device %s: telemetry rejected: %v", deviceID, err)
	}
}

func (s *Subscriber) handleSwitch(_ mqtt.Client, msg mqtt.Message) {
	deviceID := s.deviceIDFromTopic(msg.Topic())
	if deviceID == "" {
		log.Printf("Switch event on unexpected topic %s", msg.Topic())
		return
	}

	var m switchMessage
	if err := json.Unmarshal(msg.Payload(), &m); err != nil {
		log.Printf("Device %s: malformed switch payload: %v", deviceID, err)
		return
	}
	if m.SwitchID == "" {
		log.Printf("Device %s: switch payload missing switch_id", deviceID)
		return
	}

	var ts time.Time
	if m.Timestamp > 0 {
		ts = time.Unix(m.Timestamp, 0)
	}
	source := storage.ToggleSource(m.Source)
	if source == "" {
		source = storage.SourceSensor
	}

	_, err := s.events.RecordTransition(events.Transition{
		DeviceID:          deviceID,
		SwitchID:          m.SwitchID,
		State:             storage.SwitchState(strings.ToLower(m.State)),
		Timestamp:         ts,
		PowerRating:       m.PowerRating,
		PricePerUnit:      m.PricePerUnit,
		ConsumptionFactor: m.ConsumptionFactor,
		Source:            source,
	})
	if err != nil {
		log.Printf("Device %s: switch transition rejected: %v", deviceID, err)
	}
}

func (s *Subscriber) Close() {
	if s.enabled && s.client != nil {
		s.client.Disconnect(250)
	}
}
