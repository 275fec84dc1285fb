package protocol

import (
	"bytes"
	"encoding/binary"
	"math"
)

// Builder encodes Protocol16 values and message bodies in network byte order.
// It is the inverse of the decoder and is used to build fixtures and
// synthetic traffic.
type Builder struct {
	buf bytes.Buffer
}

// NewBuilder creates a new Builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// Reset clears the builder for reuse.
func (b *Builder) Reset() {
	b.buf.Reset()
}

// Uint8 writes a single byte.
func (b *Builder) Uint8(v byte) *Builder {
	b.buf.WriteByte(v)
	return b
}

// Uint16 writes a uint16 in big-endian order.
func (b *Builder) Uint16(v uint16) *Builder {
	binary.Write(&b.buf, binary.BigEndian, v)
	return b
}

// Uint32 writes a uint32 in big-endian order.
func (b *Builder) Uint32(v uint32) *Builder {
	binary.Write(&b.buf, binary.BigEndian, v)
	return b
}

// Uint64 writes a uint64 in big-endian order.
func (b *Builder) Uint64(v uint64) *Builder {
	binary.Write(&b.buf, binary.BigEndian, v)
	return b
}

// Raw writes bytes verbatim.
func (b *Builder) Raw(data []byte) *Builder {
	b.buf.Write(data)
	return b
}

// String writes a 16-bit length-prefixed string.
func (b *Builder) String(s string) *Builder {
	b.Uint16(uint16(len(s)))
	b.buf.WriteString(s)
	return b
}

// Value writes a type tag followed by the value.
func (b *Builder) Value(v Value) *Builder {
	if v == nil {
		v = Null{}
	}
	b.Uint8(byte(v.Type()))
	return b.Untyped(v)
}

// Untyped writes a value without its tag, as used inside homogeneous
// containers.
func (b *Builder) Untyped(v Value) *Builder {
	switch t := v.(type) {
	case nil, Null:
	case Byte:
		b.Uint8(byte(t))
	case Bool:
		if t {
			b.Uint8(1)
		} else {
			b.Uint8(0)
		}
	case Short:
		b.Uint16(uint16(t))
	case Int:
		b.Uint32(uint32(t))
	case Long:
		b.Uint64(uint64(t))
	case Float:
		b.Uint32(math.Float32bits(float32(t)))
	case Double:
		b.Uint64(math.Float64bits(float64(t)))
	case String:
		b.String(string(t))
	case ByteArray:
		b.Uint32(uint32(len(t)))
		b.Raw(t)
	case StringArray:
		b.Uint16(uint16(len(t)))
		for _, s := range t {
			b.String(s)
		}
	case IntArray:
		b.Uint32(uint32(len(t)))
		for _, n := range t {
			b.Uint32(uint32(n))
		}
	case Array:
		b.Uint16(uint16(len(t.Items)))
		b.Uint8(byte(t.Elem))
		if t.Elem == TypeDictionary {
			b.dictionaryArray(t.Items)
			break
		}
		for _, it := range t.Items {
			b.Untyped(it)
		}
	case ObjectArray:
		b.Uint16(uint16(len(t)))
		for _, it := range t {
			b.Value(it)
		}
	case Dictionary:
		b.Uint8(byte(t.KeyType))
		b.Uint8(byte(t.ValueType))
		b.Uint16(uint16(len(t.Entries)))
		for _, e := range t.Entries {
			b.side(t.KeyType, e.Key)
			b.side(t.ValueType, e.Value)
		}
	case Hashtable:
		b.Uint16(uint16(len(t)))
		for _, e := range t {
			b.Value(e.Key)
			b.Value(e.Value)
		}
	}
	return b
}

// dictionaryArray writes the shared key/value type header taken from the first
// item, then each item's count and entries.
func (b *Builder) dictionaryArray(items []Value) {
	var kt, vt TypeCode
	if len(items) > 0 {
		if d, ok := items[0].(Dictionary); ok {
			kt, vt = d.KeyType, d.ValueType
		}
	}
	b.Uint8(byte(kt))
	b.Uint8(byte(vt))
	for _, it := range items {
		d, _ := it.(Dictionary)
		b.Uint16(uint16(len(d.Entries)))
		for _, e := range d.Entries {
			b.side(kt, e.Key)
			b.side(vt, e.Value)
		}
	}
}

func (b *Builder) side(declared TypeCode, v Value) {
	if declared.isDynamic() {
		b.Value(v)
		return
	}
	b.Untyped(v)
}

// Parameters writes a parameter table with keys in ascending order.
func (b *Builder) Parameters(p Parameters) *Builder {
	b.Uint16(uint16(len(p)))
	for _, k := range p.Keys() {
		b.Uint8(k)
		b.Value(p[k])
	}
	return b
}

// Build returns the encoded bytes.
func (b *Builder) Build() []byte {
	out := make([]byte, b.buf.Len())
	copy(out, b.buf.Bytes())
	return out
}

// Len returns the current size of the encoding.
func (b *Builder) Len() int {
	return b.buf.Len()
}

// EncodeEvent builds an event body: code byte plus parameter table.
func EncodeEvent(code byte, p Parameters) []byte {
	return NewBuilder().Uint8(code).Parameters(p).Build()
}

// EncodeOperationRequest builds a request body.
func EncodeOperationRequest(code byte, p Parameters) []byte {
	return NewBuilder().Uint8(code).Parameters(p).Build()
}

// EncodeOperationResponse builds a response body with a tagged debug message.
// A nil debug value is written as null.
func EncodeOperationResponse(code byte, returnCode int16, debug Value, p Parameters) []byte {
	return NewBuilder().
		Uint8(code).
		Uint16(uint16(returnCode)).
		Value(debug).
		Parameters(p).
		Build()
}

// EncodeLegacyOperationResponse builds a response body whose debug message
// is a bare length-prefixed string.
func EncodeLegacyOperationResponse(code byte, returnCode int16, debug string, p Parameters) []byte {
	return NewBuilder().
		Uint8(code).
		Uint16(uint16(returnCode)).
		String(debug).
		Parameters(p).
		Build()
}
