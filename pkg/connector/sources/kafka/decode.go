package kafka

import (
	"encoding/base64"
	"fmt"
	"unicode/utf8"

	"github.com/linkedin/goavro/v2"

	"github.com/ajitpratap0/nebula-connectors/pkg/json"
)

// ValueDecoder turns a message payload into a record value.
type ValueDecoder interface {
	Decode(data []byte) (any, error)
}

// JSONDecoder parses payloads as JSON, keeping large integers exact.
type JSONDecoder struct{}

// Decode implements ValueDecoder.
func (JSONDecoder) Decode(data []byte) (any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var v any
	if err := json.UnmarshalNumber(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// RawDecoder keeps UTF-8 payloads as strings and base64 encodes the rest.
type RawDecoder struct{}

// Decode implements ValueDecoder.
func (RawDecoder) Decode(data []byte) (any, error) {
	if data == nil {
		return nil, nil
	}
	if utf8.Valid(data) {
		return string(data), nil
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// AvroDecoder decodes Avro binary payloads with a fixed writer schema.
// With ConfluentFraming the 5-byte schema registry header is stripped.
type AvroDecoder struct {
	Codec            *goavro.Codec
	ConfluentFraming bool
}

// NewAvroDecoder compiles schema.
func NewAvroDecoder(schema string, confluent bool) (*AvroDecoder, error) {
	codec, err := goavro.NewCodec(schema)
	if err != nil {
		return nil, err
	}
	return &AvroDecoder{Codec: codec, ConfluentFraming: confluent}, nil
}

// Decode implements ValueDecoder.
func (d *AvroDecoder) Decode(data []byte) (any, error) {
	if d.ConfluentFraming {
		if len(data) < 5 || data[0] != 0 {
			return nil, fmt.Errorf("missing schema registry header")
		}
		data = data[5:]
	}
	native, rest, err := d.Codec.NativeFromBinary(data)
	if err != nil {
		return nil, err
	}
	if len(rest) > 0 {
		return nil, fmt.Errorf("%d trailing bytes after avro datum", len(rest))
	}
	return native, nil
}
