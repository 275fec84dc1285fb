package protocol

import (
	"encoding/hex"
	"sort"
)

// TypeCode is the one-byte tag that precedes every typed Protocol16 value.
type TypeCode byte

const (
	TypeUnknown     TypeCode = 0x00
	TypeNull        TypeCode = 0x2A // '*'
	TypeDictionary  TypeCode = 0x44 // 'D'
	TypeStringArray TypeCode = 0x61 // 'a'
	TypeByte        TypeCode = 0x62 // 'b'
	TypeDouble      TypeCode = 0x64 // 'd'
	TypeFloat       TypeCode = 0x66 // 'f'
	TypeHashtable   TypeCode = 0x68 // 'h'
	TypeInteger     TypeCode = 0x69 // 'i'
	TypeShort       TypeCode = 0x6B // 'k'
	TypeLong        TypeCode = 0x6C // 'l'
	TypeIntArray    TypeCode = 0x6E // 'n'
	TypeBool        TypeCode = 0x6F // 'o'
	TypeString      TypeCode = 0x73 // 's'
	TypeByteArray   TypeCode = 0x78 // 'x'
	TypeArray       TypeCode = 0x79 // 'y'
	TypeObjectArray TypeCode = 0x7A // 'z'
)

// isDynamic reports whether a declared container type defers to per-entry tags.
func (t TypeCode) isDynamic() bool {
	return t == TypeUnknown || t == TypeNull
}

// Value is a decoded Protocol16 value. The set of implementations is closed:
// only the types in this file satisfy it.
type Value interface {
	Type() TypeCode
	isValue()
}

type (
	// Null is the absent value; it occupies no bytes after its tag.
	Null struct{}
	// Byte is an unsigned 8-bit integer.
	Byte uint8
	// Bool is a boolean encoded as a nonzero byte.
	Bool bool
	// Short is a big-endian signed 16-bit integer.
	Short int16
	// Int is a big-endian signed 32-bit integer.
	Int int32
	// Long is a big-endian signed 64-bit integer.
	Long int64
	// Float is a big-endian IEEE-754 single.
	Float float32
	// Double is a big-endian IEEE-754 double.
	Double float64
	// String is UTF-8 text with a 16-bit length prefix.
	String string
	// ByteArray is raw bytes with a 32-bit length prefix.
	ByteArray []byte
	// StringArray is a 16-bit count of 16-bit-length strings.
	StringArray []string
	// IntArray is a 32-bit count of signed 32-bit integers.
	IntArray []int32
	// ObjectArray is a 16-bit count of individually tagged values.
	ObjectArray []Value
	// Hashtable is a 16-bit count of individually tagged key/value pairs.
	Hashtable []Entry
)

// Array is a homogeneous array: every item shares the declared Elem type.
type Array struct {
	Elem  TypeCode
	Items []Value
}

// Dictionary carries declared key and value types. When either is
// TypeUnknown every entry carries its own tag for that side.
type Dictionary struct {
	KeyType   TypeCode
	ValueType TypeCode
	Entries   []Entry
}

// Entry is one key/value pair of a Dictionary or Hashtable.
type Entry struct {
	Key   Value
	Value Value
}

func (Null) Type() TypeCode        { return TypeNull }
func (Byte) Type() TypeCode        { return TypeByte }
func (Bool) Type() TypeCode        { return TypeBool }
func (Short) Type() TypeCode       { return TypeShort }
func (Int) Type() TypeCode         { return TypeInteger }
func (Long) Type() TypeCode        { return TypeLong }
func (Float) Type() TypeCode       { return TypeFloat }
func (Double) Type() TypeCode      { return TypeDouble }
func (String) Type() TypeCode      { return TypeString }
func (ByteArray) Type() TypeCode   { return TypeByteArray }
func (StringArray) Type() TypeCode { return TypeStringArray }
func (IntArray) Type() TypeCode    { return TypeIntArray }
func (ObjectArray) Type() TypeCode { return TypeObjectArray }
func (Hashtable) Type() TypeCode   { return TypeHashtable }
func (Array) Type() TypeCode       { return TypeArray }
func (Dictionary) Type() TypeCode  { return TypeDictionary }

func (Null) isValue()        {}
func (Byte) isValue()        {}
func (Bool) isValue()        {}
func (Short) isValue()       {}
func (Int) isValue()         {}
func (Long) isValue()        {}
func (Float) isValue()       {}
func (Double) isValue()      {}
func (String) isValue()      {}
func (ByteArray) isValue()   {}
func (StringArray) isValue() {}
func (IntArray) isValue()    {}
func (ObjectArray) isValue() {}
func (Hashtable) isValue()   {}
func (Array) isValue()       {}
func (Dictionary) isValue()  {}

// GUID is a 16-byte opaque identifier carried as a byte array.
type GUID [16]byte

// String returns the GUID as lowercase hex.
func (g GUID) String() string {
	return hex.EncodeToString(g[:])
}

// IsZero reports whether every byte is zero.
func (g GUID) IsZero() bool {
	return g == GUID{}
}

// Parameters is a decoded parameter table keyed by a one-byte parameter id.
type Parameters map[byte]Value

// Get returns the value stored under key, treating Null as absent.
func (p Parameters) Get(key byte) (Value, bool) {
	v, ok := p[key]
	if !ok {
		return nil, false
	}
	if _, isNull := v.(Null); isNull {
		return nil, false
	}
	return v, true
}

// Int64 returns the integer stored under key.
func (p Parameters) Int64(key byte) (int64, bool) {
	v, ok := p.Get(key)
	if !ok {
		return 0, false
	}
	return AsInt64(v)
}

// Float64 returns the numeric value stored under key.
func (p Parameters) Float64(key byte) (float64, bool) {
	v, ok := p.Get(key)
	if !ok {
		return 0, false
	}
	return AsFloat64(v)
}

// String returns the string stored under key.
func (p Parameters) String(key byte) (string, bool) {
	v, ok := p.Get(key)
	if !ok {
		return "", false
	}
	return AsString(v)
}

// Bool returns the boolean stored under key.
func (p Parameters) Bool(key byte) (bool, bool) {
	v, ok := p.Get(key)
	if !ok {
		return false, false
	}
	return AsBool(v)
}

// GUID returns the 16-byte identifier stored under key.
func (p Parameters) GUID(key byte) (GUID, bool) {
	v, ok := p.Get(key)
	if !ok {
		return GUID{}, false
	}
	return AsGUID(v)
}

// Keys returns the parameter keys in ascending order.
func (p Parameters) Keys() []byte {
	keys := make([]byte, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
