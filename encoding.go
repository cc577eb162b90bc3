package snapdb

import (
	"bytes"
	"fmt"
	"math"

	"github.com/vmihailenco/msgpack/v5"
)

// encodeMsgPack appends the msgpack form of v to buf. Map keys are sorted so
// equal records always produce equal bytes.
func encodeMsgPack(buf []byte, v any) ([]byte, error) {
	bb := bytesBuilder{buf}
	enc := msgpack.GetEncoder()
	enc.Reset(&bb)
	enc.SetSortMapKeys(true)
	err := enc.Encode(v)
	msgpack.PutEncoder(enc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %T using MsgPack: %w", v, err)
	}
	return bb.Buf, nil
}

// decodeRecord decodes a msgpack map. Integers come back as int64 (uint64 if
// they don't fit), floats as float64 and binary as []byte, regardless of
// their encoded width.
func decodeRecord(buf []byte) (Record, error) {
	var r bytes.Reader
	r.Reset(buf)
	dec := msgpack.GetDecoder()
	dec.Reset(&r)
	m, err := dec.DecodeMap()
	msgpack.PutDecoder(dec)
	if err != nil {
		return nil, dataErrf(buf, 0, err, "failed to decode msgpack record")
	}
	for k, v := range m {
		m[k] = widenDecoded(v)
	}
	return Record(m), nil
}

func widenDecoded(v any) any {
	switch v := v.(type) {
	case int8:
		return int64(v)
	case int16:
		return int64(v)
	case int32:
		return int64(v)
	case uint8:
		return int64(v)
	case uint16:
		return int64(v)
	case uint32:
		return int64(v)
	case uint64:
		if v <= math.MaxInt64 {
			return int64(v)
		}
		return v
	case float32:
		return float64(v)
	case map[string]any:
		for k, el := range v {
			v[k] = widenDecoded(el)
		}
		return v
	case []any:
		for i, el := range v {
			v[i] = widenDecoded(el)
		}
		return v
	default:
		return v
	}
}

func decodeMsgPack(buf []byte, v any) error {
	var r bytes.Reader
	r.Reset(buf)
	dec := msgpack.GetDecoder()
	dec.Reset(&r)
	err := dec.Decode(v)
	msgpack.PutDecoder(dec)
	if err != nil {
		return dataErrf(buf, 0, err, "failed to decode msgpack into %T", v)
	}
	return nil
}
