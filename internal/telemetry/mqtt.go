// Package telemetry publishes meter output to an MQTT broker.
package telemetry

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/photonmeter/internal/config"
	"github.com/energizer-project/photonmeter/internal/events"
	"github.com/energizer-project/photonmeter/internal/meter"
	"github.com/energizer-project/photonmeter/internal/util"
)

// Topic suffixes appended to the configured prefix.
const (
	TopicSnapshot = "snapshot"
	TopicSession  = "session"
	TopicZone     = "zone"
	TopicStatus   = "status"
)

// MQTTHandler manages the MQTT connection and publishes meter events.
type MQTTHandler struct {
	mu sync.Mutex

	cfg    config.MQTTConfig
	bus    *events.Bus
	client mqtt.Client

	// send is swapped out in tests.
	send func(topic string, data []byte)

	lastSnapshot time.Time

	// Metadata included in every message
	metadata map[string]interface{}
}

// NewMQTTHandler creates a new MQTT telemetry handler.
func NewMQTTHandler(cfg config.MQTTConfig, bus *events.Bus) (*MQTTHandler, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("MQTT is disabled")
	}

	sysInfo := util.GetSystemInfo()
	h := &MQTTHandler{
		cfg:      cfg,
		bus:      bus,
		metadata: metadata(sysInfo),
	}

	opts := mqtt.NewClientOptions()
	scheme := "tcp"
	if cfg.UseTLS {
		scheme = "ssl"
	}
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, cfg.BrokerURL, cfg.Port))

	if cfg.ClientID != "" {
		opts.SetClientID(cfg.ClientID)
	} else {
		opts.SetClientID(fmt.Sprintf("photonmeter-%s", sysInfo.Hostname))
	}

	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetCleanSession(true)

	if cfg.UseTLS {
		tlsConfig := &tls.Config{
			MinVersion: tls.VersionTLS12,
		}

		// mTLS: load client certificate
		if cfg.CertFile != "" && cfg.KeyFile != "" {
			cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
			if err != nil {
				return nil, fmt.Errorf("failed to load MQTT TLS certificate: %w", err)
			}
			tlsConfig.Certificates = []tls.Certificate{cert}
		}

		opts.SetTLSConfig(tlsConfig)
	}

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		log.Info().Msg("MQTT connected")
	})
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.Warn().Err(err).Msg("MQTT connection lost")
	})

	h.client = mqtt.NewClient(opts)
	h.send = h.clientPublish
	return h, nil
}

func metadata(info util.SystemInfo) map[string]interface{} {
	return map[string]interface{}{
		"hostname":    info.Hostname,
		"platform":    info.OS,
		"cpu_model":   info.CPUModel,
		"cpu_cores":   info.CPUCores,
		"memory_mb":   info.TotalMemory,
		"app_version": info.Version,
	}
}

// Start connects to the broker, subscribes to the bus and blocks until ctx
// is cancelled.
func (h *MQTTHandler) Start(ctx context.Context) error {
	log.Info().
		Str("broker", h.cfg.BrokerURL).
		Int("port", h.cfg.Port).
		Msg("connecting to MQTT broker")

	token := h.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("MQTT connect failed: %w", token.Error())
	}

	h.subscribeEvents()

	<-ctx.Done()

	h.unsubscribeEvents()
	h.PublishShutdown()
	h.client.Disconnect(5000)
	log.Info().Msg("MQTT disconnected")

	return nil
}

func (h *MQTTHandler) subscribeEvents() {
	if h.cfg.PublishSnapshots {
		h.bus.Subscribe(events.EventSnapshot, "mqtt.snapshot", 4, h.onSnapshot)
	}
	if h.cfg.PublishSessions {
		h.bus.Subscribe(events.EventSessionArchived, "mqtt.session", events.DefaultBuffer, h.onSession)
	}
	h.bus.Subscribe(events.EventZoneChanged, "mqtt.zone", events.DefaultBuffer, h.onZone)
}

func (h *MQTTHandler) unsubscribeEvents() {
	h.bus.Unsubscribe(events.EventSnapshot, "mqtt.snapshot")
	h.bus.Unsubscribe(events.EventSessionArchived, "mqtt.session")
	h.bus.Unsubscribe(events.EventZoneChanged, "mqtt.zone")
}

// Topic returns the full topic for suffix.
func (h *MQTTHandler) Topic(suffix string) string {
	prefix := strings.TrimSuffix(h.cfg.TopicPrefix, "/")
	if prefix == "" {
		return suffix
	}
	return prefix + "/" + suffix
}

// publish sends a JSON message to an MQTT topic.
func (h *MQTTHandler) publish(suffix string, payload interface{}) {
	topic := h.Topic(suffix)
	data, err := json.Marshal(h.buildMessage(payload))
	if err != nil {
		log.Warn().Err(err).Str("topic", topic).Msg("failed to marshal MQTT message")
		return
	}
	h.send(topic, data)
}

func (h *MQTTHandler) clientPublish(topic string, data []byte) {
	if !h.client.IsConnected() {
		return
	}
	token := h.client.Publish(topic, 1, false, data) // QoS 1
	go func() {
		token.Wait()
		if token.Error() != nil {
			log.Warn().Err(token.Error()).Str("topic", topic).Msg("MQTT publish failed")
		}
	}()
}

// buildMessage combines metadata with the event payload.
func (h *MQTTHandler) buildMessage(payload interface{}) map[string]interface{} {
	msg := make(map[string]interface{}, len(h.metadata)+2)
	for k, v := range h.metadata {
		msg[k] = v
	}
	msg["payload"] = payload
	msg["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	return msg
}

// Event handlers

func (h *MQTTHandler) onSnapshot(ctx context.Context, event events.Event) error {
	snap, ok := event.Payload.(meter.Snapshot)
	if !ok {
		return fmt.Errorf("unexpected payload %T", event.Payload)
	}
	if !h.dueSnapshot(snap.Timestamp) {
		return nil
	}
	h.publish(TopicSnapshot, snap)
	return nil
}

// dueSnapshot throttles snapshots on packet time.
func (h *MQTTHandler) dueSnapshot(ts time.Time) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	every := time.Duration(h.cfg.SnapshotEverySec) * time.Second
	if !h.lastSnapshot.IsZero() && ts.Sub(h.lastSnapshot) < every && !ts.Before(h.lastSnapshot) {
		return false
	}
	h.lastSnapshot = ts
	return true
}

func (h *MQTTHandler) onSession(ctx context.Context, event events.Event) error {
	h.publish(TopicSession, event.Payload)
	return nil
}

func (h *MQTTHandler) onZone(ctx context.Context, event events.Event) error {
	h.publish(TopicZone, event.Payload)
	return nil
}

// PublishShutdown sends a shutdown message to the broker.
func (h *MQTTHandler) PublishShutdown() {
	h.publish(TopicStatus, map[string]interface{}{
		"event": "shutdown",
	})
}
