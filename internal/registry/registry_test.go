package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/energizer-project/photonmeter/internal/photon"
	"github.com/energizer-project/photonmeter/internal/protocol"
)

func guid(b byte) protocol.GUID {
	var g protocol.GUID
	g[0] = b
	g[15] = b
	return g
}

func decode(t *testing.T, pkt []byte) *photon.Decoded {
	t.Helper()
	msgs, err := photon.NewFramer(nil).Frame(pkt)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	d, err := photon.Decode(msgs[0])
	require.NoError(t, err)
	return d
}

func TestObserveJoinAndNewCharacter(t *testing.T) {
	codes := protocol.DefaultCodes()
	r := NewMemory(codes)
	g := guid(1)

	r.Observe(decode(t, photon.NewPacketBuilder().Response(1, protocol.Parameters{
		codes.JoinSelfIDKey:    protocol.Long(100),
		codes.JoinGUIDKey:      protocol.ByteArray(g[:]),
		codes.JoinNameKey:      protocol.String("Alice"),
		codes.OperationCodeKey: protocol.Short(int16(codes.OpJoin)),
	}).Build()))

	r.Observe(decode(t, photon.NewPacketBuilder().Event(1, protocol.Parameters{
		codes.CharacterIDKey:   protocol.Long(200),
		codes.CharacterNameKey: protocol.String("Bob"),
		codes.EventCodeKey:     protocol.Short(int16(codes.NewCharacter)),
	}).Build()))

	name, ok := r.Lookup(100)
	assert.True(t, ok)
	assert.Equal(t, "Alice", name)
	name, _ = r.Lookup(200)
	assert.Equal(t, "Bob", name)
	assert.Equal(t, "Alice", r.GUIDNames()[g])
	assert.Equal(t, g, r.GUIDs()[100])

	_, ok = r.Lookup(300)
	assert.False(t, ok)
}

func TestObservePartyRosterAndLookupByGUID(t *testing.T) {
	codes := protocol.DefaultCodes()
	r := NewMemory(codes)
	g1, g2 := guid(1), guid(2)

	r.Observe(decode(t, photon.NewPacketBuilder().Event(1, protocol.Parameters{
		codes.PartyRosterGUIDsKey: protocol.Array{Elem: protocol.TypeByteArray, Items: []protocol.Value{
			protocol.ByteArray(g1[:]), protocol.ByteArray(g2[:]),
		}},
		codes.PartyRosterNamesKey: protocol.StringArray{"Alice", "Carol"},
		codes.EventCodeKey:        protocol.Short(int16(codes.PartyRoster)),
	}).Build()))
	assert.Len(t, r.GUIDNames(), 2)

	// A spawn carrying only the GUID resolves through the roster.
	r.Observe(decode(t, photon.NewPacketBuilder().Event(1, protocol.Parameters{
		codes.CharacterIDKey:   protocol.Long(55),
		codes.CharacterGUIDKey: protocol.ByteArray(g2[:]),
		codes.EventCodeKey:     protocol.Short(int16(codes.NewCharacter)),
	}).Build()))
	name, ok := r.Lookup(55)
	assert.True(t, ok)
	assert.Equal(t, "Carol", name)

	r.Record(55, "Override")
	name, _ = r.Lookup(55)
	assert.Equal(t, "Override", name)
	assert.Equal(t, map[int64]string{55: "Override"}, r.Names())
}

func TestRecordOverridesLearnedNames(t *testing.T) {
	codes := protocol.DefaultCodes()
	r := NewMemory(codes)
	g := guid(3)

	r.Record(100, "Manual")
	r.Observe(decode(t, photon.NewPacketBuilder().Response(1, protocol.Parameters{
		codes.JoinSelfIDKey:    protocol.Long(100),
		codes.JoinGUIDKey:      protocol.ByteArray(g[:]),
		codes.JoinNameKey:      protocol.String("Alice"),
		codes.OperationCodeKey: protocol.Short(int16(codes.OpJoin)),
	}).Build()))

	name, ok := r.Lookup(100)
	assert.True(t, ok)
	assert.Equal(t, "Manual", name)
	assert.Equal(t, g, r.GUIDs()[100], "GUIDs are still learned")
	assert.Equal(t, "Alice", r.GUIDNames()[g])
}
