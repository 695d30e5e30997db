//go:build !no_mqtt

// Package mqtt mirrors mesh events onto an MQTT broker and accepts send and
// broadcast commands from it.
package mqtt

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"meshlink/internal/mesh"
	"meshlink/internal/protocol"
	"meshlink/internal/registry"
	"meshlink/internal/store"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	// HADiscovery publishes Home Assistant discovery for mesh devices.
	HADiscovery bool
}

// Mesh is the part of the mesh service the bridge uses.
type Mesh interface {
	OnAll(handler mesh.EventHandler) func()
	Status() mesh.Status
	LocalID() string
	Send(target string, payload []byte, typ protocol.MessageType) bool
	Broadcast(payload []byte) int
	Registry() *registry.Registry
}

// client is the subset of pahomqtt.Client the bridge calls.
type client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
	Subscribe(topic string, qos byte, callback pahomqtt.MessageHandler) pahomqtt.Token
	Disconnect(quiesce uint)
}

// Bridge connects the mesh service to MQTT.
type Bridge struct {
	client      client
	mesh        Mesh
	prefix      string
	haDiscovery bool
	logger      *slog.Logger
	unsub       func()

	mu        sync.Mutex
	announced map[string]bool // device ids with published HA discovery
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(m Mesh, cfg Config, logger *slog.Logger) (*Bridge, error) {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "meshlink"
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "meshlink"
	}
	b := newBridge(m, cfg, nil, logger)

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(cfg.TopicPrefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.onConnect()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	c := pahomqtt.NewClient(opts)
	b.client = c
	token := c.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return b, nil
}

func newBridge(m Mesh, cfg Config, c client, logger *slog.Logger) *Bridge {
	return &Bridge{
		client:      c,
		mesh:        m,
		prefix:      cfg.TopicPrefix,
		haDiscovery: cfg.HADiscovery,
		logger:      logger.With("component", "mqtt"),
		announced:   make(map[string]bool),
	}
}

// Start subscribes to mesh events and begins MQTT publishing.
func (b *Bridge) Start() {
	b.unsub = b.mesh.OnAll(b.handleEvent)
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	if b.unsub != nil {
		b.unsub()
	}
	b.publishBridgeState("offline")
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) onConnect() {
	b.publishBridgeState("online")
	b.publishStatus()
	b.mu.Lock()
	b.announced = make(map[string]bool)
	b.mu.Unlock()
	for _, dev := range b.mesh.Registry().List() {
		b.publishDevice(dev.ID)
	}
	b.subscribeCommands()
}

func (b *Bridge) subscribeCommands() {
	b.client.Subscribe(b.prefix+"/send", 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		if err := b.handleSend(msg.Payload()); err != nil {
			b.logger.Warn("send command rejected", "err", err)
		}
	})
	b.client.Subscribe(b.prefix+"/broadcast", 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		b.handleBroadcast(msg.Payload())
	})
}

type sendCommand struct {
	Target  string `json:"target"`
	Payload string `json:"payload"`
	Type    string `json:"type"`
}

func (b *Bridge) handleSend(payload []byte) error {
	var cmd sendCommand
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return fmt.Errorf("invalid send JSON: %w", err)
	}
	if cmd.Target == "" {
		return errors.New("send: target is required")
	}
	if !b.mesh.Send(cmd.Target, []byte(cmd.Payload), protocol.MessageType(cmd.Type)) {
		return fmt.Errorf("send to %s: not queued", cmd.Target)
	}
	return nil
}

// handleBroadcast accepts {"payload": "..."} or any raw bytes.
func (b *Bridge) handleBroadcast(payload []byte) int {
	var cmd struct {
		Payload *string `json:"payload"`
	}
	data := payload
	if err := json.Unmarshal(payload, &cmd); err == nil && cmd.Payload != nil {
		data = []byte(*cmd.Payload)
	}
	n := b.mesh.Broadcast(data)
	b.logger.Debug("broadcast command", "peers", n)
	return n
}

func (b *Bridge) handleEvent(event mesh.Event) {
	body := make(map[string]any, len(event.Data)+2)
	for k, v := range event.Data {
		body[k] = v
	}
	body["type"] = string(event.Kind)
	body["time"] = time.Now().UTC().Format(time.RFC3339)
	b.publish(b.prefix+"/events/"+string(event.Kind), mustJSON(body), false)

	switch event.Kind {
	case mesh.EventStateChanged:
		b.publishStatus()
	case mesh.EventDiscovered, mesh.EventConnected, mesh.EventDisconnected:
		if id, _ := event.Data["device_id"].(string); id != "" {
			b.publishDevice(id)
		}
	}
}

func (b *Bridge) publishBridgeState(state string) {
	b.publish(b.prefix+"/bridge/state", []byte(state), true)
}

func (b *Bridge) publishStatus() {
	b.publish(b.prefix+"/status", mustJSON(b.mesh.Status()), true)
}

// publishDevice publishes the retained device state and, on first sight,
// its HA discovery. Devices gone from the registry are withdrawn.
func (b *Bridge) publishDevice(id string) {
	dev, err := b.mesh.Registry().Get(id)
	if errors.Is(err, registry.ErrNotFound) {
		b.withdrawDevice(id)
		return
	}
	if err != nil {
		b.logger.Warn("read device", "id", id, "err", err)
		return
	}

	if b.haDiscovery {
		b.mu.Lock()
		first := !b.announced[id]
		b.announced[id] = true
		b.mu.Unlock()
		if first {
			for _, msg := range buildDiscovery(dev, b.prefix, b.mesh.LocalID()) {
				b.publish(msg.Topic, msg.Payload, true)
			}
			b.logger.Info("published HA discovery", "id", id)
		}
	}
	b.publish(deviceStateTopic(b.prefix, id), mustJSON(deviceState(dev)), true)
}

func (b *Bridge) withdrawDevice(id string) {
	b.mu.Lock()
	announced := b.announced[id]
	delete(b.announced, id)
	b.mu.Unlock()
	if announced {
		for _, msg := range buildRemoveDiscovery(id) {
			b.publish(msg.Topic, msg.Payload, true)
		}
	}
	b.publish(deviceStateTopic(b.prefix, id), nil, true)
}

func deviceState(dev *store.Device) map[string]any {
	conns := dev.Connections
	if conns == nil {
		conns = []string{}
	}
	return map[string]any{
		"id":          dev.ID,
		"type":        string(dev.Type),
		"status":      string(dev.Status),
		"signal":      dev.Signal,
		"connections": conns,
		"last_seen":   dev.LastSeen.Format(time.RFC3339),
	}
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
