package protocol

// AsInt64 widens any integer variant. Floats and doubles are accepted only
// when they hold an integral value, since some servers ship ids as floats.
func AsInt64(v Value) (int64, bool) {
	switch t := v.(type) {
	case Byte:
		return int64(t), true
	case Short:
		return int64(t), true
	case Int:
		return int64(t), true
	case Long:
		return int64(t), true
	case Float:
		if f := float64(t); f == float64(int64(f)) {
			return int64(f), true
		}
	case Double:
		if f := float64(t); f == float64(int64(f)) {
			return int64(f), true
		}
	}
	return 0, false
}

// AsFloat64 widens any numeric variant.
func AsFloat64(v Value) (float64, bool) {
	switch t := v.(type) {
	case Byte:
		return float64(t), true
	case Short:
		return float64(t), true
	case Int:
		return float64(t), true
	case Long:
		return float64(t), true
	case Float:
		return float64(t), true
	case Double:
		return float64(t), true
	}
	return 0, false
}

// AsString returns the text of a String value.
func AsString(v Value) (string, bool) {
	if s, ok := v.(String); ok {
		return string(s), true
	}
	return "", false
}

// AsBool accepts Bool and the byte encoding some messages use for flags.
func AsBool(v Value) (bool, bool) {
	switch t := v.(type) {
	case Bool:
		return bool(t), true
	case Byte:
		return t != 0, true
	}
	return false, false
}

// AsGUID accepts a byte array of exactly 16 bytes.
func AsGUID(v Value) (GUID, bool) {
	b, ok := v.(ByteArray)
	if !ok || len(b) != len(GUID{}) {
		return GUID{}, false
	}
	var g GUID
	copy(g[:], b)
	return g, true
}

// List flattens array-like values into a slice of items. Scalars become a
// single-item slice so callers can broadcast them; Null yields nil.
func List(v Value) []Value {
	switch t := v.(type) {
	case nil, Null:
		return nil
	case Array:
		return t.Items
	case ObjectArray:
		return t
	case StringArray:
		out := make([]Value, len(t))
		for i, s := range t {
			out[i] = String(s)
		}
		return out
	case IntArray:
		out := make([]Value, len(t))
		for i, n := range t {
			out[i] = Int(n)
		}
		return out
	default:
		return []Value{v}
	}
}

// Strings returns the items of an array-like value that are strings,
// reporting false if any item is not.
func Strings(v Value) ([]string, bool) {
	if sa, ok := v.(StringArray); ok {
		return sa, true
	}
	items := List(v)
	if items == nil {
		return nil, false
	}
	if _, scalar := v.(String); scalar {
		return nil, false
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		s, ok := AsString(it)
		if !ok {
			return nil, false
		}
		out = append(out, s)
	}
	return out, true
}

// GUIDs returns the items of an array of 16-byte byte arrays.
func GUIDs(v Value) ([]GUID, bool) {
	arr, ok := v.(Array)
	if !ok {
		if oa, isObj := v.(ObjectArray); isObj {
			arr = Array{Elem: TypeByteArray, Items: oa}
		} else {
			return nil, false
		}
	}
	out := make([]GUID, 0, len(arr.Items))
	for _, it := range arr.Items {
		g, ok := AsGUID(it)
		if !ok {
			return nil, false
		}
		out = append(out, g)
	}
	return out, true
}
