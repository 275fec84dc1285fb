package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Decode failures. Every error returned by this package wraps one of these
// in a *DecodeError so callers can tell bad bytes from other failures.
var (
	ErrTruncated      = errors.New("truncated buffer")
	ErrNegativeLength = errors.New("negative length")
	ErrUnknownType    = errors.New("unknown type code")
	ErrTooDeep        = errors.New("nesting too deep")
)

// maxDepth bounds container recursion so hostile input cannot exhaust the stack.
const maxDepth = 32

// DecodeError reports where and while reading what a decode failed.
type DecodeError struct {
	Op     string
	Offset int
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("protocol: decode %s at offset %d: %v", e.Op, e.Offset, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// IsDecodeError reports whether err originated in this package's decoder.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

// reader walks a big-endian buffer. It never panics on short input.
type reader struct {
	buf   []byte
	off   int
	depth int
}

func (r *reader) fail(op string, err error) error {
	return &DecodeError{Op: op, Offset: r.off, Err: err}
}

func (r *reader) take(n int, op string) ([]byte, error) {
	if n < 0 {
		return nil, r.fail(op, ErrNegativeLength)
	}
	if r.off < 0 || r.off+n > len(r.buf) {
		return nil, r.fail(op, ErrTruncated)
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *reader) u8(op string) (byte, error) {
	b, err := r.take(1, op)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *reader) u16(op string) (uint16, error) {
	b, err := r.take(2, op)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (r *reader) u32(op string) (uint32, error) {
	b, err := r.take(4, op)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (r *reader) u64(op string) (uint64, error) {
	b, err := r.take(8, op)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

// count16 reads a signed 16-bit element count.
func (r *reader) count16(op string) (int, error) {
	start := r.off
	n, err := r.u16(op)
	if err != nil {
		return 0, err
	}
	if int16(n) < 0 {
		return 0, &DecodeError{Op: op, Offset: start, Err: ErrNegativeLength}
	}
	return int(int16(n)), nil
}

// count32 reads a signed 32-bit element count.
func (r *reader) count32(op string) (int, error) {
	start := r.off
	n, err := r.u32(op)
	if err != nil {
		return 0, err
	}
	if int32(n) < 0 {
		return 0, &DecodeError{Op: op, Offset: start, Err: ErrNegativeLength}
	}
	return int(int32(n)), nil
}

func (r *reader) str(op string) (string, error) {
	n, err := r.u16(op)
	if err != nil {
		return "", err
	}
	b, err := r.take(int(n), op)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// typed reads a tag byte followed by the value it describes.
func (r *reader) typed() (Value, error) {
	tag, err := r.u8("type tag")
	if err != nil {
		return nil, err
	}
	return r.value(TypeCode(tag))
}

// value reads an untagged value of the given type.
func (r *reader) value(tc TypeCode) (Value, error) {
	switch tc {
	case TypeUnknown, TypeNull:
		return Null{}, nil

	case TypeByte:
		b, err := r.u8("byte")
		return Byte(b), err

	case TypeBool:
		b, err := r.u8("bool")
		return Bool(b != 0), err

	case TypeShort:
		n, err := r.u16("short")
		return Short(int16(n)), err

	case TypeInteger:
		n, err := r.u32("integer")
		return Int(int32(n)), err

	case TypeLong:
		n, err := r.u64("long")
		return Long(int64(n)), err

	case TypeFloat:
		n, err := r.u32("float")
		return Float(math.Float32frombits(n)), err

	case TypeDouble:
		n, err := r.u64("double")
		return Double(math.Float64frombits(n)), err

	case TypeString:
		s, err := r.str("string")
		if err != nil {
			return nil, err
		}
		return String(s), nil

	case TypeByteArray:
		n, err := r.count32("byte array length")
		if err != nil {
			return nil, err
		}
		b, err := r.take(n, "byte array")
		if err != nil {
			return nil, err
		}
		return ByteArray(append([]byte(nil), b...)), nil

	case TypeStringArray:
		n, err := r.count16("string array count")
		if err != nil {
			return nil, err
		}
		out := make(StringArray, 0, n)
		for i := 0; i < n; i++ {
			s, err := r.str("string array item")
			if err != nil {
				return nil, err
			}
			out = append(out, s)
		}
		return out, nil

	case TypeIntArray:
		n, err := r.count32("int array count")
		if err != nil {
			return nil, err
		}
		if n*4 > len(r.buf)-r.off {
			return nil, r.fail("int array", ErrTruncated)
		}
		out := make(IntArray, n)
		for i := range out {
			v, err := r.u32("int array item")
			if err != nil {
				return nil, err
			}
			out[i] = int32(v)
		}
		return out, nil

	case TypeArray:
		return r.array()

	case TypeObjectArray:
		return r.objectArray()

	case TypeDictionary:
		return r.dictionary()

	case TypeHashtable:
		return r.hashtable()

	default:
		return nil, r.fail(fmt.Sprintf("value 0x%02X", byte(tc)), ErrUnknownType)
	}
}

func (r *reader) enter(op string) error {
	r.depth++
	if r.depth > maxDepth {
		return r.fail(op, ErrTooDeep)
	}
	return nil
}

func (r *reader) leave() {
	r.depth--
}

func (r *reader) array() (Value, error) {
	if err := r.enter("array"); err != nil {
		return nil, err
	}
	defer r.leave()

	n, err := r.count16("array count")
	if err != nil {
		return nil, err
	}
	elem, err := r.u8("array element type")
	if err != nil {
		return nil, err
	}
	arr := Array{Elem: TypeCode(elem), Items: make([]Value, 0, min(n, len(r.buf)-r.off))}
	if arr.Elem == TypeDictionary {
		// Dictionary arrays share one key/value type header across all items.
		kt, vt, err := r.dictionaryTypes()
		if err != nil {
			return nil, err
		}
		for i := 0; i < n; i++ {
			d, err := r.dictionaryEntries(kt, vt)
			if err != nil {
				return nil, err
			}
			arr.Items = append(arr.Items, d)
		}
		return arr, nil
	}
	for i := 0; i < n; i++ {
		v, err := r.value(arr.Elem)
		if err != nil {
			return nil, err
		}
		arr.Items = append(arr.Items, v)
	}
	return arr, nil
}

func (r *reader) objectArray() (Value, error) {
	if err := r.enter("object array"); err != nil {
		return nil, err
	}
	defer r.leave()

	n, err := r.count16("object array count")
	if err != nil {
		return nil, err
	}
	out := make(ObjectArray, 0, min(n, len(r.buf)-r.off))
	for i := 0; i < n; i++ {
		v, err := r.typed()
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (r *reader) dictionary() (Value, error) {
	if err := r.enter("dictionary"); err != nil {
		return nil, err
	}
	defer r.leave()

	kt, vt, err := r.dictionaryTypes()
	if err != nil {
		return nil, err
	}
	return r.dictionaryEntries(kt, vt)
}

func (r *reader) dictionaryTypes() (TypeCode, TypeCode, error) {
	kt, err := r.u8("dictionary key type")
	if err != nil {
		return 0, 0, err
	}
	vt, err := r.u8("dictionary value type")
	if err != nil {
		return 0, 0, err
	}
	return TypeCode(kt), TypeCode(vt), nil
}

func (r *reader) dictionaryEntries(kt, vt TypeCode) (Dictionary, error) {
	n, err := r.count16("dictionary count")
	if err != nil {
		return Dictionary{}, err
	}
	d := Dictionary{KeyType: kt, ValueType: vt, Entries: make([]Entry, 0, min(n, len(r.buf)-r.off))}
	for i := 0; i < n; i++ {
		k, err := r.side(d.KeyType)
		if err != nil {
			return Dictionary{}, err
		}
		v, err := r.side(d.ValueType)
		if err != nil {
			return Dictionary{}, err
		}
		d.Entries = append(d.Entries, Entry{Key: k, Value: v})
	}
	return d, nil
}

// side reads one half of a dictionary entry, honouring per-entry tags.
func (r *reader) side(declared TypeCode) (Value, error) {
	if declared.isDynamic() {
		return r.typed()
	}
	return r.value(declared)
}

func (r *reader) hashtable() (Value, error) {
	if err := r.enter("hashtable"); err != nil {
		return nil, err
	}
	defer r.leave()

	n, err := r.count16("hashtable count")
	if err != nil {
		return nil, err
	}
	out := make(Hashtable, 0, min(n, len(r.buf)-r.off))
	for i := 0; i < n; i++ {
		k, err := r.typed()
		if err != nil {
			return nil, err
		}
		v, err := r.typed()
		if err != nil {
			return nil, err
		}
		out = append(out, Entry{Key: k, Value: v})
	}
	return out, nil
}

func (r *reader) parameters() (Parameters, error) {
	n, err := r.count16("parameter count")
	if err != nil {
		return nil, err
	}
	params := make(Parameters, min(n, 64))
	for i := 0; i < n; i++ {
		key, err := r.u8("parameter key")
		if err != nil {
			return nil, err
		}
		v, err := r.typed()
		if err != nil {
			return nil, err
		}
		params[key] = v
	}
	return params, nil
}

// DecodeValue decodes one tagged value starting at off and returns it with
// the offset just past it.
func DecodeValue(buf []byte, off int) (Value, int, error) {
	r := &reader{buf: buf, off: off}
	v, err := r.typed()
	if err != nil {
		return nil, off, err
	}
	return v, r.off, nil
}

// DecodeValueOfType decodes an untagged value whose type is known up front.
func DecodeValueOfType(buf []byte, off int, tc TypeCode) (Value, int, error) {
	r := &reader{buf: buf, off: off}
	v, err := r.value(tc)
	if err != nil {
		return nil, off, err
	}
	return v, r.off, nil
}

// DecodeParameters decodes a parameter table: a 16-bit entry count followed
// by (key byte, type tag, value) triples.
func DecodeParameters(buf []byte, off int) (Parameters, int, error) {
	r := &reader{buf: buf, off: off}
	p, err := r.parameters()
	if err != nil {
		return nil, off, err
	}
	return p, r.off, nil
}
