package codec

import (
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Format selects the marshalling of payloads before encryption and compression.
type Format int

const (
	FormatJSON Format = iota
	FormatMsgpack
)

func (f Format) String() string {
	switch f {
	case FormatJSON:
		return "json"
	case FormatMsgpack:
		return "msgpack"
	default:
		return fmt.Sprintf("format(%d)", int(f))
	}
}

// ParseFormat maps a configuration value to a Format. The empty string is JSON.
func ParseFormat(s string) (Format, error) {
	switch s {
	case "", "json":
		return FormatJSON, nil
	case "msgpack":
		return FormatMsgpack, nil
	default:
		return 0, fmt.Errorf("codec: unknown format %q", s)
	}
}

type marshaler interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	Name() string
}

func (f Format) marshaler() (marshaler, error) {
	switch f {
	case FormatJSON:
		return jsonMarshaler{}, nil
	case FormatMsgpack:
		return msgpackMarshaler{}, nil
	default:
		return nil, fmt.Errorf("codec: unknown format %d", int(f))
	}
}

type jsonMarshaler struct{}

func (jsonMarshaler) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonMarshaler) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonMarshaler) Name() string                       { return "json" }

type msgpackMarshaler struct{}

func (msgpackMarshaler) Marshal(v any) ([]byte, error)      { return msgpack.Marshal(v) }
func (msgpackMarshaler) Unmarshal(data []byte, v any) error { return msgpack.Unmarshal(data, v) }
func (msgpackMarshaler) Name() string                       { return "msgpack" }
