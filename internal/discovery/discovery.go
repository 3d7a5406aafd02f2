package discovery

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nerrad567/gray-logic-ble/internal/bridges/ble"
)

// Defaults for the discovery namespace.
const (
	// DefaultPrefix is the discovery topic namespace Home Assistant
	// listens on out of the box.
	DefaultPrefix = "homeassistant"

	// DefaultConfigPrefix namespaces object ids so several bridges can
	// share one broker without clashing.
	DefaultConfigPrefix = "blb_"
)

// Config holds settings for the discovery publisher.
type Config struct {
	// Prefix is the discovery topic namespace. Defaults to DefaultPrefix.
	Prefix string

	// ConfigPrefix namespaces discovery object ids. Defaults to
	// DefaultConfigPrefix.
	ConfigPrefix string

	// BaseTopic is the bridge's base topic; device state topics are
	// published relative to it.
	BaseTopic string

	// BridgeAvailabilityTopic is the bridge-level online/offline topic
	// registered as the broker last will. Included in every entity's
	// availability list.
	BridgeAvailabilityTopic string

	// Version is the bridge version, sent as sw_version in the device
	// registry block.
	Version string

	// QoS applies to config publishes.
	QoS byte
}

// Publisher emits Home Assistant discovery configs through a broker
// session. It implements ble.ConfigPublisher.
type Publisher struct {
	cfg Config
}

// NewPublisher validates cfg and builds a publisher.
func NewPublisher(cfg Config) (*Publisher, error) {
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.ConfigPrefix == "" {
		cfg.ConfigPrefix = DefaultConfigPrefix
	}
	if cfg.BaseTopic == "" {
		return nil, fmt.Errorf("discovery: base topic is required")
	}
	if cfg.BridgeAvailabilityTopic == "" {
		return nil, fmt.Errorf("discovery: bridge availability topic is required")
	}
	return &Publisher{cfg: cfg}, nil
}

// PublishConfig publishes one retained config payload per entity of dev.
func (p *Publisher) PublishConfig(ctx context.Context, broker ble.BrokerClient, dev ble.Device) error {
	objectID := p.cfg.ConfigPrefix + dev.UniqueID()
	device := deviceBlock{
		Identifiers:  []string{objectID},
		Name:         dev.FriendlyName(),
		Model:        dev.Model(),
		Manufacturer: dev.Manufacturer(),
		SWVersion:    dev.Version(),
		ViaDevice:    p.cfg.ConfigPrefix + "bridge",
	}

	for _, entity := range dev.Entities() {
		if err := ctx.Err(); err != nil {
			return err
		}
		payload, err := p.entityPayload(dev, entity, device, objectID)
		if err != nil {
			return fmt.Errorf("discovery: encode %s/%s: %w", dev.UniqueID(), entity.Name, err)
		}
		topic := fmt.Sprintf("%s/%s/%s/%s/config",
			p.cfg.Prefix, entity.Component, objectID, entity.Name)
		if err := broker.Publish(topic, payload, p.cfg.QoS, true); err != nil {
			return fmt.Errorf("discovery: publish %s: %w", topic, err)
		}
	}
	return nil
}

// deviceBlock is the HA device registry entry shared by every entity of
// one peripheral.
type deviceBlock struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Model        string   `json:"model,omitempty"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	SWVersion    string   `json:"sw_version,omitempty"`
	ViaDevice    string   `json:"via_device,omitempty"`
}

// availabilityEntry is one topic HA watches to decide entity availability.
type availabilityEntry struct {
	Topic string `json:"topic"`
}

// entityPayload assembles the discovery payload for one entity. The
// entity's own Options are merged last and may override any generated key.
func (p *Publisher) entityPayload(dev ble.Device, entity ble.Entity, device deviceBlock, objectID string) ([]byte, error) {
	stateTopic := p.full(dev.EntityTopic(entity.Name))

	payload := map[string]any{
		"name":        entity.Name,
		"unique_id":   objectID + "_" + entity.Name,
		"state_topic": stateTopic,
		"availability": []availabilityEntry{
			{Topic: p.cfg.BridgeAvailabilityTopic},
			{Topic: p.full(dev.AvailabilityTopic())},
		},
		"availability_mode": "all",
		"device":            device,
	}
	if entity.DeviceClass != "" {
		payload["device_class"] = entity.DeviceClass
	}
	if entity.Unit != "" {
		payload["unit_of_measurement"] = entity.Unit
	}
	if entity.Icon != "" {
		payload["icon"] = "mdi:" + entity.Icon
	}
	if entity.EntityCategory != "" {
		payload["entity_category"] = entity.EntityCategory
	}

	p.addCommandTopics(payload, entity, stateTopic)

	for k, v := range entity.Options {
		payload[k] = v
	}
	return json.Marshal(payload)
}

// addCommandTopics fills in the component-specific command topic keys for
// writable entities. Read-only components get none.
func (p *Publisher) addCommandTopics(payload map[string]any, entity ble.Entity, stateTopic string) {
	switch entity.Component {
	case ble.ComponentSwitch, ble.ComponentSelect, ble.ComponentLight, ble.ComponentButton:
		payload["command_topic"] = stateTopic + "/" + ble.SetPostfix
	case ble.ComponentCover:
		payload["command_topic"] = stateTopic + "/" + ble.SetPostfix
		payload["position_topic"] = stateTopic
		payload["set_position_topic"] = stateTopic + "/" + ble.SetPositionPostfix
	case ble.ComponentClimate:
		payload["mode_command_topic"] = stateTopic + "/" + ble.SetModePostfix
		payload["temperature_command_topic"] = stateTopic + "/" + ble.SetTargetTemperaturePostfix
		payload["mode_state_topic"] = stateTopic
	}
}

// full prefixes a bridge-relative topic with the base topic.
func (p *Publisher) full(rel string) string {
	return p.cfg.BaseTopic + "/" + rel
}
