package mqtt

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/eddielth/gadgetbridge-mqtt/logger"
	"github.com/eddielth/gadgetbridge-mqtt/transformer"
)

// discoveryPayload is the Home Assistant MQTT discovery config of one sensor.
// Field order is fixed so republishing yields identical bytes.
type discoveryPayload struct {
	Name                string          `json:"name"`
	UniqueID            string          `json:"unique_id"`
	ObjectID            string          `json:"object_id"`
	StateTopic          string          `json:"state_topic"`
	Unit                string          `json:"unit_of_measurement,omitempty"`
	DeviceClass         string          `json:"device_class,omitempty"`
	StateClass          string          `json:"state_class,omitempty"`
	Icon                string          `json:"icon,omitempty"`
	Options             []string        `json:"options,omitempty"`
	AvailabilityTopic   string          `json:"availability_topic"`
	PayloadAvailable    string          `json:"payload_available"`
	PayloadNotAvailable string          `json:"payload_not_available"`
	Device              discoveryDevice `json:"device"`
}

type discoveryDevice struct {
	Identifiers  []string    `json:"identifiers"`
	Name         string      `json:"name"`
	Model        string      `json:"model,omitempty"`
	Manufacturer string      `json:"manufacturer,omitempty"`
	Connections  [][2]string `json:"connections,omitempty"`
}

// DiscoveryPayload renders the retained config message for def.
func DiscoveryPayload(topics Topics, def transformer.SensorDefinition) ([]byte, error) {
	d := def.Device
	payload := discoveryPayload{
		Name:                def.Name,
		UniqueID:            def.UniqueID(),
		ObjectID:            d.ID + "_" + def.Metric,
		StateTopic:          topics.State(d.ID, def.Metric),
		Unit:                def.Unit,
		DeviceClass:         def.DeviceClass,
		StateClass:          def.StateClass,
		Icon:                def.Icon,
		Options:             def.Options,
		AvailabilityTopic:   topics.Availability(),
		PayloadAvailable:    PayloadOnline,
		PayloadNotAvailable: PayloadOffline,
		Device: discoveryDevice{
			Identifiers:  []string{"gadgetbridge_" + d.ID},
			Name:         d.Name,
			Model:        d.Model,
			Manufacturer: d.Manufacturer,
		},
	}
	if d.Connectivity == "bluetooth" && d.Identifier != "" {
		payload.Device.Connections = [][2]string{{"bluetooth", d.Identifier}}
	}
	return json.Marshal(payload)
}

// DiscoveryPublisher registers sensors with Home Assistant once per process.
// It is used from the scheduling goroutine only.
type DiscoveryPublisher struct {
	publisher  Publisher
	topics     Topics
	registered map[string]bool
}

// NewDiscoveryPublisher creates a discovery publisher
func NewDiscoveryPublisher(publisher Publisher, topics Topics) *DiscoveryPublisher {
	return &DiscoveryPublisher{
		publisher:  publisher,
		topics:     topics,
		registered: make(map[string]bool),
	}
}

// EnsureRegistered publishes the discovery config of def unless it was
// already published successfully. published reports whether a message was sent.
func (p *DiscoveryPublisher) EnsureRegistered(ctx context.Context, def transformer.SensorDefinition) (published bool, err error) {
	key := def.Key()
	if p.registered[key] {
		return false, nil
	}

	payload, err := DiscoveryPayload(p.topics, def)
	if err != nil {
		return false, fmt.Errorf("encode discovery config for %s: %w", key, err)
	}

	topic := p.topics.Discovery(def.Device.ID, def.Metric)
	if err := p.publisher.Publish(ctx, topic, 1, true, payload); err != nil {
		return false, fmt.Errorf("register %s: %w", key, err)
	}

	p.registered[key] = true
	logger.Info("published discovery config for %s", key)
	return true, nil
}

// Registered reports whether key has been registered in this process.
func (p *DiscoveryPublisher) Registered(key string) bool {
	return p.registered[key]
}
