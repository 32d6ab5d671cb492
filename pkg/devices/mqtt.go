package devices

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"sort"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/effektvakt/effektvakt/pkg/log"
	"github.com/effektvakt/effektvakt/pkg/types"
	"github.com/levenlabs/go-lflag"
)

// MQTTHost talks to the home-automation bridge over MQTT. The bridge retains
// one state document per device under <prefix>/devices/<id>/state, publishes
// whole-house samples on <prefix>/power, and accepts capability writes on
// <prefix>/devices/<id>/set.
type MQTTHost struct {
	broker      string
	clientID    string
	username    string
	password    string
	topicPrefix string

	client  mqtt.Client
	samples chan PowerSample

	mu       sync.Mutex
	devices  map[string]types.DeviceSnapshot
	features Features
}

// configuredMQTT sets up the MQTT host. It registers flags for
// configuration; credentials come from the environment so they stay out of
// process listings.
func configuredMQTT() *MQTTHost {
	broker := lflag.String("mqtt-broker", "tcp://localhost:1883", "MQTT broker URL")
	clientID := lflag.String("mqtt-client-id", "effektvakt", "MQTT client ID")
	prefix := lflag.String("mqtt-topic-prefix", "effektvakt", "MQTT topic prefix")

	m := &MQTTHost{
		samples: make(chan PowerSample, 16),
		devices: map[string]types.DeviceSnapshot{},
	}

	lflag.Do(func() {
		m.broker = *broker
		m.clientID = *clientID
		m.topicPrefix = *prefix
		m.username = os.Getenv("MQTT_USERNAME")
		m.password = os.Getenv("MQTT_PASSWORD")
	})

	return m
}

// Connect dials the broker and subscribes to the state and power topics.
// Reconnection and resubscription are handled by the client.
func (m *MQTTHost) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(m.broker)
	opts.SetClientID(m.clientID)
	opts.SetUsername(m.username)
	opts.SetPassword(m.password)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)

	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.Ctx(ctx).WarnContext(ctx, "mqtt connection lost", slog.Any("error", err))
	})
	opts.SetOnConnectHandler(func(client mqtt.Client) {
		log.Ctx(ctx).InfoContext(ctx, "connected to mqtt broker",
			slog.String("broker", log.Sanitize(m.broker)),
		)
		m.subscribe(ctx, client)
	})

	m.client = mqtt.NewClient(opts)
	// with connect retry enabled the token only fails on a fatal error; a
	// slow broker keeps retrying in the background
	if token := m.client.Connect(); token.WaitTimeout(5*time.Second) && token.Error() != nil {
		return fmt.Errorf("failed to connect to mqtt broker: %w", token.Error())
	}
	return nil
}

func (m *MQTTHost) subscribe(ctx context.Context, client mqtt.Client) {
	stateTopic := m.topicPrefix + "/devices/+/state"
	if token := client.Subscribe(stateTopic, 0, func(_ mqtt.Client, msg mqtt.Message) {
		m.handleDeviceState(ctx, msg.Payload())
	}); token.Wait() && token.Error() != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to subscribe to device states", slog.Any("error", token.Error()))
	}

	powerTopic := m.topicPrefix + "/power"
	if token := client.Subscribe(powerTopic, 0, func(_ mqtt.Client, msg mqtt.Message) {
		m.handlePowerSample(ctx, msg.Payload())
	}); token.Wait() && token.Error() != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to subscribe to power samples", slog.Any("error", token.Error()))
	}
}

func (m *MQTTHost) handleDeviceState(ctx context.Context, payload []byte) {
	var snap types.DeviceSnapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "invalid device state payload", slog.Any("error", err))
		return
	}
	if snap.ID == "" {
		return
	}
	m.mu.Lock()
	m.devices[snap.ID] = snap
	if snap.HasCapability(types.CapMeterPower) {
		m.features.CumulativeMeter = true
	}
	m.mu.Unlock()
}

func (m *MQTTHost) handlePowerSample(ctx context.Context, payload []byte) {
	var sample struct {
		TotalW      float64  `json:"totalW"`
		ControlledW *float64 `json:"controlledW"`
		MeterKWh    *float64 `json:"meterKWh"`
	}
	if err := json.Unmarshal(payload, &sample); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "invalid power sample payload", slog.Any("error", err))
		return
	}

	out := PowerSample{TotalW: sample.TotalW, ControlledW: -1, MeterKWh: -1, At: time.Now()}
	if math.IsNaN(out.TotalW) || math.IsInf(out.TotalW, 0) {
		out.TotalW = 0
	}
	if sample.ControlledW != nil {
		out.ControlledW = *sample.ControlledW
	}
	if sample.MeterKWh != nil {
		out.MeterKWh = *sample.MeterKWh
	}

	select {
	case m.samples <- out:
	default:
		// a slow consumer drops the oldest semantics are not worth the
		// complexity; the next sample arrives within seconds
	}
}

// ListDevices returns the retained device snapshots, sorted by name for
// stable output.
func (m *MQTTHost) ListDevices(ctx context.Context) ([]types.DeviceSnapshot, error) {
	m.mu.Lock()
	out := make([]types.DeviceSnapshot, 0, len(m.devices))
	for _, d := range m.devices {
		out = append(out, d)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

type capabilityWrite struct {
	Capability string      `json:"capability"`
	Value      interface{} `json:"value"`
}

func (m *MQTTHost) publishWrite(ctx context.Context, deviceID string, w capabilityWrite) error {
	payload, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("failed to marshal capability write: %w", err)
	}
	topic := fmt.Sprintf("%s/devices/%s/set", m.topicPrefix, deviceID)
	token := m.client.Publish(topic, 1, false, payload)
	if !token.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("timed out publishing to %s", topic)
	}
	if token.Error() != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, token.Error())
	}
	log.Ctx(ctx).DebugContext(ctx, "capability written",
		slog.String("deviceID", deviceID),
		slog.String("capability", w.Capability),
	)
	return nil
}

func (m *MQTTHost) SetOnOff(ctx context.Context, deviceID string, on bool) error {
	return m.publishWrite(ctx, deviceID, capabilityWrite{Capability: types.CapOnOff, Value: on})
}

func (m *MQTTHost) SetTargetTemperature(ctx context.Context, deviceID string, target float64) error {
	return m.publishWrite(ctx, deviceID, capabilityWrite{Capability: types.CapTargetTemperature, Value: target})
}

func (m *MQTTHost) PowerSamples() <-chan PowerSample {
	return m.samples
}

func (m *MQTTHost) Features() Features {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.features
}

func (m *MQTTHost) Close() error {
	if m.client != nil && m.client.IsConnected() {
		m.client.Disconnect(250)
	}
	close(m.samples)
	return nil
}
