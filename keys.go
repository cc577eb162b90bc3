package snapdb

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"strings"
	"time"
)

// ErrInvalidKey is returned when a value cannot be used as a primary or index key.
var ErrInvalidKey = errors.New("invalid key")

// Encoded keys are self-delimiting and compare bytewise in key order:
// number < time < string < binary < array.
const (
	keyTagEnd    byte = 0x00
	keyTagNumber byte = 0x10
	keyTagTime   byte = 0x20
	keyTagString byte = 0x30
	keyTagBinary byte = 0x40
	keyTagArray  byte = 0x50

	keyEscape    byte = 0xFF
	keyTerm      byte = 0x01
	maxKeyDepth       = 16
)

// KeyPath is one or more dotted field paths. A single path selects a scalar
// key; multiple paths build an array key. In JSON it is either a string or
// an array of strings.
type KeyPath []string

func (kp KeyPath) IsZero() bool {
	return len(kp) == 0
}

func (kp KeyPath) IsCompound() bool {
	return len(kp) > 1
}

func (kp KeyPath) String() string {
	return strings.Join(kp, ",")
}

func (kp KeyPath) Equal(other KeyPath) bool {
	if len(kp) != len(other) {
		return false
	}
	for i, p := range kp {
		if other[i] != p {
			return false
		}
	}
	return true
}

func (kp KeyPath) MarshalJSON() ([]byte, error) {
	if len(kp) == 1 {
		return json.Marshal(kp[0])
	}
	return json.Marshal([]string(kp))
}

func (kp *KeyPath) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	p, err := keyPathOf(v)
	if err != nil {
		return err
	}
	*kp = p
	return nil
}

// keyPathOf converts the loosely typed index declaration used by config
// files and JSON (a string, or a list of strings) into a KeyPath.
func keyPathOf(v any) (KeyPath, error) {
	switch v := v.(type) {
	case nil:
		return nil, nil
	case string:
		if v == "" {
			return nil, nil
		}
		return KeyPath{v}, nil
	case []string:
		return KeyPath(v), nil
	case []any:
		kp := make(KeyPath, 0, len(v))
		for _, el := range v {
			s, ok := el.(string)
			if !ok || s == "" {
				return nil, fmt.Errorf("key path elements must be non-empty strings, got %T %v", el, el)
			}
			kp = append(kp, s)
		}
		return kp, nil
	default:
		return nil, fmt.Errorf("key path must be a string or a list of strings, got %T", v)
	}
}

// lookupPath resolves a dotted path inside nested maps.
func lookupPath(rec Record, path string) (any, bool) {
	var cur any = map[string]any(rec)
	for {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		head, rest, more := splitByte(path, '.')
		cur, ok = m[head]
		if !ok {
			return nil, false
		}
		if !more {
			return cur, true
		}
		path = rest
	}
}

// extractKey evaluates a key path against a record. found is false when
// some path is missing from the record.
func extractKey(rec Record, kp KeyPath) (key any, found bool) {
	if len(kp) == 1 {
		return lookupPath(rec, kp[0])
	}
	arr := make([]any, len(kp))
	for i, p := range kp {
		v, ok := lookupPath(rec, p)
		if !ok {
			return nil, false
		}
		arr[i] = v
	}
	return arr, true
}

// EncodeKey returns the order-preserving binary form of a key.
func EncodeKey(key any) ([]byte, error) {
	return appendKey(nil, key, 0)
}

func appendKey(buf []byte, key any, depth int) ([]byte, error) {
	if depth > maxKeyDepth {
		return nil, fmt.Errorf("%w: nested too deeply", ErrInvalidKey)
	}
	switch v := key.(type) {
	case nil:
		return nil, fmt.Errorf("%w: nil", ErrInvalidKey)
	case string:
		buf = append(buf, keyTagString)
		return appendEscaped(buf, []byte(v)), nil
	case []byte:
		buf = append(buf, keyTagBinary)
		return appendEscaped(buf, v), nil
	case time.Time:
		buf = append(buf, keyTagTime)
		return appendFloatKey(buf, float64(v.UnixMilli())), nil
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
		return appendNumberKey(buf, f)
	case []any:
		buf = append(buf, keyTagArray)
		var err error
		for _, el := range v {
			buf, err = appendKey(buf, el, depth+1)
			if err != nil {
				return nil, err
			}
		}
		return append(buf, keyTagEnd), nil
	}

	rv := reflect.ValueOf(key)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return appendNumberKey(buf, float64(rv.Int()))
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return appendNumberKey(buf, float64(rv.Uint()))
	case reflect.Float32, reflect.Float64:
		return appendNumberKey(buf, rv.Float())
	case reflect.String:
		return appendKey(buf, rv.String(), depth)
	case reflect.Slice, reflect.Array:
		buf = append(buf, keyTagArray)
		var err error
		for i, n := 0, rv.Len(); i < n; i++ {
			buf, err = appendKey(buf, rv.Index(i).Interface(), depth+1)
			if err != nil {
				return nil, err
			}
		}
		return append(buf, keyTagEnd), nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrInvalidKey, key)
	}
}

func appendNumberKey(buf []byte, f float64) ([]byte, error) {
	if math.IsNaN(f) {
		return nil, fmt.Errorf("%w: NaN", ErrInvalidKey)
	}
	buf = append(buf, keyTagNumber)
	return appendFloatKey(buf, f), nil
}

func appendFloatKey(buf []byte, f float64) []byte {
	if f == 0 {
		f = 0 // fold -0 into +0
	}
	bits := math.Float64bits(f)
	if bits&(1<<63) != 0 {
		bits = ^bits
	} else {
		bits |= 1 << 63
	}
	return binary.BigEndian.AppendUint64(buf, bits)
}

func decodeFloatKey(b []byte) float64 {
	bits := binary.BigEndian.Uint64(b)
	if bits&(1<<63) != 0 {
		bits &^= 1 << 63
	} else {
		bits = ^bits
	}
	return math.Float64frombits(bits)
}

// appendEscaped writes b with 0x00 escaped as 0x00 0xFF, then the 0x00 0x01 terminator.
func appendEscaped(buf []byte, b []byte) []byte {
	for _, c := range b {
		buf = append(buf, c)
		if c == 0 {
			buf = append(buf, keyEscape)
		}
	}
	return append(buf, 0, keyTerm)
}

func decodeEscaped(raw []byte) (out []byte, n int, err error) {
	out = make([]byte, 0, len(raw))
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		if c != 0 {
			out = append(out, c)
			continue
		}
		if i+1 >= len(raw) {
			break
		}
		switch raw[i+1] {
		case keyEscape:
			out = append(out, 0)
			i++
		case keyTerm:
			return out, i + 2, nil
		default:
			return nil, 0, dataErrf(raw, i, nil, "invalid escape in key")
		}
	}
	return nil, 0, dataErrf(raw, len(raw), nil, "unterminated key")
}

// DecodeKey parses one encoded key, returning the key and the number of bytes consumed.
func DecodeKey(raw []byte) (any, int, error) {
	return decodeKey(raw, 0)
}

func decodeKey(raw []byte, depth int) (any, int, error) {
	if len(raw) == 0 {
		return nil, 0, dataErrf(raw, 0, nil, "empty key")
	}
	if depth > maxKeyDepth {
		return nil, 0, dataErrf(raw, 0, nil, "key nested too deeply")
	}
	switch raw[0] {
	case keyTagNumber, keyTagTime:
		if len(raw) < 9 {
			return nil, 0, dataErrf(raw, 1, nil, "truncated number key")
		}
		f := decodeFloatKey(raw[1:9])
		if raw[0] == keyTagTime {
			return time.UnixMilli(int64(f)), 9, nil
		}
		return f, 9, nil
	case keyTagString, keyTagBinary:
		b, n, err := decodeEscaped(raw[1:])
		if err != nil {
			return nil, 0, err
		}
		if raw[0] == keyTagString {
			return string(b), n + 1, nil
		}
		return b, n + 1, nil
	case keyTagArray:
		arr := []any{}
		off := 1
		for {
			if off >= len(raw) {
				return nil, 0, dataErrf(raw, off, nil, "unterminated array key")
			}
			if raw[off] == keyTagEnd {
				return arr, off + 1, nil
			}
			el, n, err := decodeKey(raw[off:], depth+1)
			if err != nil {
				return nil, 0, err
			}
			arr = append(arr, el)
			off += n
		}
	default:
		return nil, 0, dataErrf(raw, 0, nil, "unknown key tag %#x", raw[0])
	}
}

// keyLen returns the length of the first encoded key in raw.
func keyLen(raw []byte) (int, error) {
	_, n, err := decodeKey(raw, 0)
	return n, err
}

// CompareKeys orders two keys the way the engine does.
func CompareKeys(a, b any) (int, error) {
	ar, err := EncodeKey(a)
	if err != nil {
		return 0, err
	}
	br, err := EncodeKey(b)
	if err != nil {
		return 0, err
	}
	return bytes.Compare(ar, br), nil
}
