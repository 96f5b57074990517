package protocol

import (
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Codec encodes envelopes and payloads for one wire format.
type Codec interface {
	// Name is the value of the "encoding" query parameter selecting it.
	Name() string
	// Binary reports whether frames must be sent as binary messages.
	Binary() bool
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	Encode(msg *Message) ([]byte, error)
	Decode(data []byte) (*Message, error)
}

var (
	JSON Codec = jsonCodec{}
	CBOR Codec = cborCodec{}
)

// CodecByName returns the codec for an encoding name. The empty name
// selects JSON.
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", JSON.Name():
		return JSON, nil
	case CBOR.Name():
		return CBOR, nil
	}
	return nil, fmt.Errorf("unknown encoding %q", name)
}

type jsonEnvelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

type jsonCodec struct{}

func (jsonCodec) Name() string                       { return "json" }
func (jsonCodec) Binary() bool                       { return false }
func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

func (jsonCodec) Encode(msg *Message) ([]byte, error) {
	return json.Marshal(jsonEnvelope{
		Type:      msg.Type,
		Payload:   msg.Payload,
		Timestamp: msg.Timestamp,
	})
}

func (jsonCodec) Decode(data []byte) (*Message, error) {
	var env jsonEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	msg := &Message{Type: env.Type, Timestamp: env.Timestamp}
	if len(env.Payload) > 0 && string(env.Payload) != "null" {
		msg.Payload = env.Payload
	}
	return msg, nil
}

type cborEnvelope struct {
	Type      string          `cbor:"type"`
	Payload   cbor.RawMessage `cbor:"payload"`
	Timestamp time.Time       `cbor:"timestamp"`
}

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	var err error
	if cborEnc, err = encOptions.EncMode(); err != nil {
		panic("protocol: CBOR encoder initialization failed: " + err.Error())
	}
	cborDec, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("protocol: CBOR decoder initialization failed: " + err.Error())
	}
}

type cborCodec struct{}

func (cborCodec) Name() string                       { return "cbor" }
func (cborCodec) Binary() bool                       { return true }
func (cborCodec) Marshal(v any) ([]byte, error)      { return cborEnc.Marshal(v) }
func (cborCodec) Unmarshal(data []byte, v any) error { return cborDec.Unmarshal(data, v) }

func (cborCodec) Encode(msg *Message) ([]byte, error) {
	return cborEnc.Marshal(cborEnvelope{
		Type:      msg.Type,
		Payload:   msg.Payload,
		Timestamp: msg.Timestamp,
	})
}

func (cborCodec) Decode(data []byte) (*Message, error) {
	var env cborEnvelope
	if err := cborDec.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("invalid CBOR: %w", err)
	}
	msg := &Message{Type: env.Type, Timestamp: env.Timestamp}
	// 0xf6 is CBOR null.
	if len(env.Payload) > 0 && !(len(env.Payload) == 1 && env.Payload[0] == 0xf6) {
		msg.Payload = env.Payload
	}
	return msg, nil
}
