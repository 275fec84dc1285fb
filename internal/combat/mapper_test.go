package combat

import (
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/energizer-project/photonmeter/internal/photon"
	"github.com/energizer-project/photonmeter/internal/protocol"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newMapper(t *testing.T, clamp bool) *Mapper {
	t.Helper()
	m, err := NewMapper(protocol.DefaultCodes(), MapperConfig{HealthTTL: 30 * time.Second, Clamp: clamp}, nil)
	require.NoError(t, err)
	return m
}

func health(target, causer int64, change, after float64) *protocol.Event {
	return &protocol.Event{Code: 1, Params: protocol.Parameters{
		0:   protocol.Long(target),
		2:   protocol.Float(change),
		3:   protocol.Float(after),
		6:   protocol.Long(causer),
		252: protocol.Short(6),
	}}
}

func TestNewMapperRejectsBadTTL(t *testing.T) {
	_, err := NewMapper(protocol.DefaultCodes(), MapperConfig{}, nil)
	assert.ErrorIs(t, err, ErrInvalidTTL)
}

func TestMapRegressionPayload(t *testing.T) {
	payload, err := hex.DecodeString("010009006b58170169002000310266c329000003664495c000046201056202066b5809076b0d34fc6b0006")
	require.NoError(t, err)

	events := newMapper(t, true).Map(photon.Message{Type: photon.MessageEvent, Code: 1, Payload: payload}, t0)
	require.Len(t, events, 1)
	assert.Equal(t, Damage, events[0].Kind)
	assert.Equal(t, uint64(169), events[0].Amount)
	assert.Equal(t, int64(22537), events[0].Source)
	assert.Equal(t, int64(22551), events[0].Target)
}

func TestMapOverkillClamp(t *testing.T) {
	m := newMapper(t, true)

	// Establish tracked health at 100.
	m.MapEvent(health(7, 1, -10, 100), t0)

	// A 500 damage killing blow reports 0 health left.
	events := m.MapEvent(health(7, 1, -500, 0), t0.Add(time.Second))
	require.Len(t, events, 1)
	assert.Equal(t, uint64(100), events[0].Amount)

	// Resulting health lower than prior minus raw never inflates the amount.
	m.MapEvent(health(8, 1, -1, 100), t0)
	events = m.MapEvent(health(8, 1, -20, 50), t0.Add(time.Second))
	require.Len(t, events, 1)
	assert.Equal(t, uint64(20), events[0].Amount)
}

func TestMapClampWithoutAfter(t *testing.T) {
	m := newMapper(t, true)
	m.MapEvent(health(7, 1, -1, 30), t0)

	ev := &protocol.Event{Code: 1, Params: protocol.Parameters{
		0: protocol.Long(7), 2: protocol.Float(-50), 6: protocol.Long(1), 252: protocol.Short(6),
	}}
	events := m.MapEvent(ev, t0.Add(time.Second))
	require.Len(t, events, 1)
	assert.Equal(t, uint64(30), events[0].Amount)

	// Tracked health is now zero, so further damage clamps away entirely.
	assert.Empty(t, m.MapEvent(ev, t0.Add(2*time.Second)))

	heal := &protocol.Event{Code: 1, Params: protocol.Parameters{
		0: protocol.Long(7), 2: protocol.Float(40), 252: protocol.Short(6),
	}}
	events = m.MapEvent(heal, t0.Add(3*time.Second))
	require.Len(t, events, 1)
	assert.Equal(t, Heal, events[0].Kind)
	assert.Equal(t, int64(7), events[0].Source, "missing causer defaults to target")

	events = m.MapEvent(ev, t0.Add(4*time.Second))
	require.Len(t, events, 1)
	assert.Equal(t, uint64(40), events[0].Amount)
}

func TestMapNoClamp(t *testing.T) {
	m := newMapper(t, false)
	m.MapEvent(health(7, 1, -10, 100), t0)
	events := m.MapEvent(health(7, 1, -500, 0), t0.Add(time.Second))
	require.Len(t, events, 1)
	assert.Equal(t, uint64(500), events[0].Amount)
}

func TestMapHealthTTLExpires(t *testing.T) {
	m := newMapper(t, true)
	m.MapEvent(health(7, 1, -10, 100), t0)
	assert.Equal(t, 1, m.Tracked())

	events := m.MapEvent(health(7, 1, -500, 0), t0.Add(31*time.Second))
	require.Len(t, events, 1)
	assert.Equal(t, uint64(500), events[0].Amount)

	m.MapEvent(&protocol.Event{Code: 99}, t0.Add(2*time.Minute))
	assert.Equal(t, 0, m.Tracked())
}

func TestMapParallelArrays(t *testing.T) {
	ev := &protocol.Event{Code: 1, Params: protocol.Parameters{
		0: protocol.Array{Elem: protocol.TypeLong, Items: []protocol.Value{
			protocol.Long(10), protocol.Long(11), protocol.Long(12), protocol.Long(13),
		}},
		2: protocol.Array{Elem: protocol.TypeFloat, Items: []protocol.Value{
			protocol.Float(-5), protocol.Float(0), protocol.Float(7.6), protocol.Float(-0.2),
		}},
		// Singleton causer broadcasts to every index.
		6:   protocol.IntArray{99},
		252: protocol.Short(7),
	}}

	events := newMapper(t, true).MapEvent(ev, t0)
	require.Len(t, events, 2)
	assert.Equal(t, Event{Timestamp: t0, Source: 99, Target: 10, Amount: 5, Kind: Damage}, events[0])
	assert.Equal(t, Event{Timestamp: t0, Source: 99, Target: 12, Amount: 8, Kind: Heal}, events[1])
}

func TestMapShortTargetListPads(t *testing.T) {
	ev := &protocol.Event{Code: 1, Params: protocol.Parameters{
		0:   protocol.IntArray{10, 11},
		2:   protocol.Array{Elem: protocol.TypeFloat, Items: []protocol.Value{protocol.Float(-5), protocol.Float(-6), protocol.Float(-7)}},
		252: protocol.Short(7),
	}}
	events := newMapper(t, true).MapEvent(ev, t0)
	require.Len(t, events, 2)
	assert.Equal(t, int64(11), events[1].Target)
}

func TestMapIgnoresOtherMessages(t *testing.T) {
	m := newMapper(t, true)
	assert.Empty(t, m.MapEvent(&protocol.Event{Code: 6, Params: protocol.Parameters{252: protocol.Short(29)}}, t0))
	assert.Empty(t, m.Map(photon.Message{Type: photon.MessageRequest, Payload: []byte{6, 0, 0}}, t0))

	var reasons []string
	sink := photon.SinkFunc(func(reason string, _ []byte) { reasons = append(reasons, reason) })
	m, err := NewMapper(protocol.DefaultCodes(), DefaultMapperConfig(), sink)
	require.NoError(t, err)
	assert.Empty(t, m.Map(photon.Message{Type: photon.MessageEvent, Payload: []byte{6, 0, 1}}, t0))
	assert.Len(t, reasons, 1)
}

func TestStateDecoder(t *testing.T) {
	codes := protocol.DefaultCodes()
	dec := NewStateDecoder(codes)

	ev := &protocol.Event{Code: 1, Params: protocol.Parameters{
		codes.CombatStateIDKey: protocol.Long(5),
		codes.CombatActiveKey:  protocol.Bool(true),
		codes.EventCodeKey:     protocol.Short(int16(codes.CombatState)),
	}}
	st, ok := dec.Decode(ev, t0)
	require.True(t, ok)
	assert.Equal(t, State{ID: 5, Active: true, Timestamp: t0}, st)
	assert.True(t, st.InCombat())

	_, ok = dec.Decode(health(1, 1, -1, 1), t0)
	assert.False(t, ok)
}
