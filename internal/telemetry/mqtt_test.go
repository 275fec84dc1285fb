package telemetry

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/energizer-project/photonmeter/internal/config"
	"github.com/energizer-project/photonmeter/internal/events"
	"github.com/energizer-project/photonmeter/internal/meter"
	"github.com/energizer-project/photonmeter/internal/util"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type sent struct {
	topic string
	data  map[string]interface{}
}

type recorder struct {
	mu  sync.Mutex
	out []sent
}

func (r *recorder) send(t *testing.T) func(string, []byte) {
	return func(topic string, data []byte) {
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal(data, &m))
		r.mu.Lock()
		defer r.mu.Unlock()
		r.out = append(r.out, sent{topic: topic, data: m})
	}
}

func (r *recorder) all() []sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sent(nil), r.out...)
}

func newHandler(t *testing.T, bus *events.Bus) (*MQTTHandler, *recorder) {
	t.Helper()
	cfg := config.DefaultConfig().MQTT
	cfg.Enabled = true
	cfg.ClientID = "test"
	h, err := NewMQTTHandler(cfg, bus)
	require.NoError(t, err)
	rec := &recorder{}
	h.send = rec.send(t)
	return h, rec
}

func TestDisabled(t *testing.T) {
	_, err := NewMQTTHandler(config.MQTTConfig{}, events.NewBus())
	assert.Error(t, err)
}

func TestTopic(t *testing.T) {
	h, _ := newHandler(t, nil)
	assert.Equal(t, "photonmeter/snapshot", h.Topic(TopicSnapshot))
	h.cfg.TopicPrefix = ""
	assert.Equal(t, "session", h.Topic(TopicSession))
}

func TestMessageCarriesMetadata(t *testing.T) {
	h, rec := newHandler(t, nil)
	h.PublishShutdown()

	out := rec.all()
	require.Len(t, out, 1)
	assert.Equal(t, "photonmeter/status", out[0].topic)
	assert.Equal(t, util.Version, out[0].data["app_version"])
	assert.Equal(t, "shutdown", out[0].data["payload"].(map[string]interface{})["event"])
	assert.Contains(t, out[0].data, "timestamp")
}

func TestSnapshotThrottle(t *testing.T) {
	h, rec := newHandler(t, nil)
	ctx := context.Background()
	for _, off := range []time.Duration{0, time.Second, 4 * time.Second, 5 * time.Second, 6 * time.Second, 11 * time.Second} {
		require.NoError(t, h.onSnapshot(ctx, events.Event{Payload: meter.Snapshot{Timestamp: t0.Add(off)}}))
	}
	assert.Len(t, rec.all(), 3)
	assert.Error(t, h.onSnapshot(ctx, events.Event{Payload: "bogus"}))
}

func TestBusForwarding(t *testing.T) {
	bus := events.NewBus()
	defer bus.Stop()
	h, rec := newHandler(t, bus)
	h.subscribeEvents()

	bus.Publish(events.Event{Type: events.EventSessionArchived, Payload: meter.HistoryEntry{ID: "a"}})
	bus.Publish(events.Event{Type: events.EventZoneChanged, Payload: events.ZoneChangedPayload{Current: "1000"}})

	assert.Eventually(t, func() bool { return len(rec.all()) == 2 }, time.Second, 5*time.Millisecond)
	topics := map[string]bool{}
	for _, s := range rec.all() {
		topics[s.topic] = true
	}
	assert.True(t, topics["photonmeter/session"])
	assert.True(t, topics["photonmeter/zone"])

	h.unsubscribeEvents()
	assert.Zero(t, bus.HandlerCount(events.EventSessionArchived))
}
