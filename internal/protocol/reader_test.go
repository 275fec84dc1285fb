package protocol

import (
	"encoding/hex"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeValueRoundTrip(t *testing.T) {
	guid := ByteArray{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15}
	cases := []struct {
		name string
		v    Value
	}{
		{"null", Null{}},
		{"byte", Byte(200)},
		{"bool", Bool(true)},
		{"short", Short(-1234)},
		{"int", Int(-70000)},
		{"long", Long(1 << 40)},
		{"float", Float(-169)},
		{"double", Double(3.25)},
		{"string", String("Hëllo")},
		{"byte array", guid},
		{"string array", StringArray{"a", "", "ccc"}},
		{"int array", IntArray{1, -2, 3}},
		{"short array", Array{Elem: TypeShort, Items: []Value{Short(1), Short(-2)}}},
		{"nested array", Array{Elem: TypeArray, Items: []Value{
			Array{Elem: TypeByte, Items: []Value{Byte(1), Byte(2)}},
			Array{Elem: TypeByte, Items: []Value{}},
		}}},
		{"guid array", Array{Elem: TypeByteArray, Items: []Value{guid, guid}}},
		{"object array", ObjectArray{Int(1), String("x"), Null{}}},
		{"typed dictionary", Dictionary{KeyType: TypeByte, ValueType: TypeString, Entries: []Entry{
			{Key: Byte(1), Value: String("one")},
			{Key: Byte(2), Value: String("two")},
		}}},
		{"dynamic dictionary", Dictionary{KeyType: TypeUnknown, ValueType: TypeUnknown, Entries: []Entry{
			{Key: String("k"), Value: Long(9)},
			{Key: Int(3), Value: Dictionary{KeyType: TypeString, ValueType: TypeInteger, Entries: []Entry{
				{Key: String("inner"), Value: Int(7)},
			}}},
		}}},
		{"hashtable", Hashtable{{Key: Byte(1), Value: Bool(false)}}},
		{"dictionary array", Array{Elem: TypeDictionary, Items: []Value{
			Dictionary{KeyType: TypeString, ValueType: TypeUnknown, Entries: []Entry{
				{Key: String("a"), Value: Int(1)},
			}},
			Dictionary{KeyType: TypeString, ValueType: TypeUnknown, Entries: []Entry{}},
		}}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			buf := NewBuilder().Value(tc.v).Build()
			got, off, err := DecodeValue(buf, 0)
			require.NoError(t, err)
			assert.Equal(t, len(buf), off)
			assert.Equal(t, tc.v, got)
		})
	}
}

func TestDecodeDictionaryArraySharesTypeHeader(t *testing.T) {
	buf := []byte{
		0x79, 0x00, 0x02, 0x44, // array of two dictionaries
		0x62, 0x62, // byte keys, byte values
		0x00, 0x01, 0x01, 0x02,
		0x00, 0x01, 0x03, 0x04,
	}
	got, off, err := DecodeValue(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, len(buf), off)
	want := Array{Elem: TypeDictionary, Items: []Value{
		Dictionary{KeyType: TypeByte, ValueType: TypeByte, Entries: []Entry{{Key: Byte(1), Value: Byte(2)}}},
		Dictionary{KeyType: TypeByte, ValueType: TypeByte, Entries: []Entry{{Key: Byte(3), Value: Byte(4)}}},
	}}
	assert.Equal(t, want, got)
	assert.Equal(t, buf, NewBuilder().Value(want).Build())
}

func TestDecodeValueTruncated(t *testing.T) {
	values := []Value{
		Short(1), Int(1), Long(1), Float(1), Double(1), String("abc"),
		ByteArray{1, 2, 3}, StringArray{"x", "y"}, IntArray{1, 2},
		Array{Elem: TypeInteger, Items: []Value{Int(1), Int(2)}},
		Dictionary{KeyType: TypeByte, ValueType: TypeByte, Entries: []Entry{{Key: Byte(1), Value: Byte(2)}}},
	}
	for _, v := range values {
		buf := NewBuilder().Value(v).Build()
		for cut := 1; cut < len(buf); cut++ {
			_, _, err := DecodeValue(buf[:cut], 0)
			require.Error(t, err, "%T cut at %d", v, cut)
			assert.ErrorIs(t, err, ErrTruncated)
			assert.True(t, IsDecodeError(err))
		}
	}
}

func TestDecodeValueUnknownTag(t *testing.T) {
	_, off, err := DecodeValue([]byte{0x01, 0x00}, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownType)
	assert.Equal(t, 0, off)

	var de *DecodeError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, 1, de.Offset)
}

func TestDecodeValueNegativeLength(t *testing.T) {
	// String array with count 0xFFFF.
	_, _, err := DecodeValue([]byte{byte(TypeStringArray), 0xFF, 0xFF}, 0)
	assert.ErrorIs(t, err, ErrNegativeLength)

	// Byte array with a negative 32-bit length.
	_, _, err = DecodeValue([]byte{byte(TypeByteArray), 0x80, 0, 0, 0}, 0)
	assert.ErrorIs(t, err, ErrNegativeLength)
}

func TestDecodeValueNullConsumesNothing(t *testing.T) {
	v, off, err := DecodeValueOfType([]byte{0xAA}, 0, TypeNull)
	require.NoError(t, err)
	assert.Equal(t, Null{}, v)
	assert.Equal(t, 0, off)
}

func TestDecodeValueTooDeep(t *testing.T) {
	b := NewBuilder()
	for i := 0; i < maxDepth+2; i++ {
		b.Uint8(byte(TypeObjectArray)).Uint16(1)
	}
	b.Uint8(byte(TypeNull))
	_, _, err := DecodeValue(b.Build(), 0)
	assert.ErrorIs(t, err, ErrTooDeep)
}

func TestDecodeParameters(t *testing.T) {
	p := Parameters{
		0:   Short(22551),
		2:   Float(-169),
		252: Short(6),
	}
	buf := NewBuilder().Parameters(p).Build()

	got, off, err := DecodeParameters(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, len(buf), off)
	assert.Equal(t, p, got)

	_, _, err = DecodeParameters(buf[:len(buf)-1], 0)
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestDecodeEventRegressionPayload(t *testing.T) {
	buf, err := hex.DecodeString("010009006b58170169002000310266c329000003664495c000046201056202066b5809076b0d34fc6b0006")
	require.NoError(t, err)

	ev, err := DecodeEvent(buf)
	require.NoError(t, err)
	assert.Equal(t, byte(1), ev.Code)
	assert.Equal(t, 6, ev.SubType(252))
	assert.Equal(t, Short(22551), ev.Params[0])
	assert.Equal(t, Float(-169), ev.Params[2])
	assert.Equal(t, Float(1198), ev.Params[3])
	assert.Equal(t, Short(22537), ev.Params[6])
}

func TestEventSubTypeFallsBackToCode(t *testing.T) {
	ev, err := DecodeEvent(EncodeEvent(29, Parameters{0: Int(5)}))
	require.NoError(t, err)
	assert.Equal(t, 29, ev.SubType(252))
}

func TestDecodeOperationRequest(t *testing.T) {
	req, err := DecodeOperationRequest(EncodeOperationRequest(1, Parameters{1: Long(99), 253: Short(17)}))
	require.NoError(t, err)
	assert.Equal(t, 17, req.OpCode(253))
	n, ok := req.Params.Int64(1)
	assert.True(t, ok)
	assert.Equal(t, int64(99), n)
}

func TestDecodeOperationResponse(t *testing.T) {
	t.Run("tagged null debug", func(t *testing.T) {
		buf := EncodeOperationResponse(1, 0, nil, Parameters{0: Long(42), 253: Short(2)})
		resp, err := DecodeOperationResponse(buf)
		require.NoError(t, err)
		assert.False(t, resp.Legacy)
		assert.Empty(t, resp.DebugMessage)
		assert.Equal(t, 2, resp.OpCode(253))
	})

	t.Run("tagged string debug", func(t *testing.T) {
		buf := EncodeOperationResponse(1, -3, String("denied"), Parameters{})
		resp, err := DecodeOperationResponse(buf)
		require.NoError(t, err)
		assert.Equal(t, int16(-3), resp.ReturnCode)
		assert.Equal(t, "denied", resp.DebugMessage)
	})

	t.Run("legacy bare string", func(t *testing.T) {
		buf := EncodeLegacyOperationResponse(7, 0, "ok", Parameters{1: String("Alice")})
		resp, err := DecodeOperationResponse(buf)
		require.NoError(t, err)
		assert.True(t, resp.Legacy)
		assert.Equal(t, "ok", resp.DebugMessage)
		assert.Equal(t, byte(7), resp.Code)
		name, _ := resp.Params.String(1)
		assert.Equal(t, "Alice", name)
	})

	t.Run("both layouts fail", func(t *testing.T) {
		_, err := DecodeOperationResponse([]byte{1, 0})
		require.Error(t, err)
		assert.True(t, IsDecodeError(err))
	})
}
