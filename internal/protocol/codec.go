package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// Codec converts envelopes to and from wire bytes. Implementations are
// stateless and safe for concurrent use.
type Codec interface {
	Name() string
	Encode(env Envelope) ([]byte, error)
	Decode(data []byte) (Envelope, error)
	MarshalPayload(v any) ([]byte, error)
	UnmarshalPayload(data []byte, v any) error
}

// Validator is implemented by payload types with required fields.
type Validator interface {
	Validate() error
}

// DecodePayload unmarshals the envelope payload into v and validates it.
// Every failure is reported as a *DecodeError.
func DecodePayload(c Codec, env Envelope, v any) error {
	if len(env.Payload) > 0 {
		if err := c.UnmarshalPayload(env.Payload, v); err != nil {
			return &DecodeError{Reason: "invalid payload for " + env.Command.String(), Err: err}
		}
	}
	if val, ok := v.(Validator); ok {
		if err := val.Validate(); err != nil {
			return &DecodeError{Reason: "invalid payload for " + env.Command.String(), Err: err}
		}
	}
	return nil
}

// NewEnvelope builds an envelope with payload encoded by c.
func NewEnvelope(c Codec, code Code, correlationID string, payload any) (Envelope, error) {
	data, err := c.MarshalPayload(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Command: code, Payload: data, CorrelationID: correlationID}, nil
}

var errNotObject = errors.New("payload must be an object")

// JSONCodec is the canonical text codec.
type JSONCodec struct{}

type jsonEnvelope struct {
	Command       *Code           `json:"command"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Error         *ErrorBody      `json:"error,omitempty"`
}

func (JSONCodec) Name() string { return "json" }

func (JSONCodec) Encode(env Envelope) ([]byte, error) {
	code := env.Command
	return json.Marshal(jsonEnvelope{
		Command:       &code,
		Payload:       json.RawMessage(env.Payload),
		CorrelationID: env.CorrelationID,
		Error:         env.Error,
	})
}

func (JSONCodec) Decode(data []byte) (Envelope, error) {
	var wire jsonEnvelope
	if err := json.Unmarshal(data, &wire); err != nil {
		return Envelope{}, &DecodeError{Reason: "malformed envelope", Err: err}
	}
	if wire.Command == nil {
		return Envelope{}, &DecodeError{Reason: "malformed envelope", Err: missing("command")}
	}
	payload := bytes.TrimSpace(wire.Payload)
	if bytes.Equal(payload, []byte("null")) {
		payload = nil
	}
	if len(payload) > 0 && payload[0] != '{' {
		return Envelope{}, &DecodeError{Reason: "malformed envelope", Err: errNotObject}
	}
	return Envelope{
		Command:       *wire.Command,
		Payload:       payload,
		CorrelationID: wire.CorrelationID,
		Error:         wire.Error,
	}, nil
}

func (JSONCodec) MarshalPayload(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func (JSONCodec) UnmarshalPayload(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// CBORCodec carries the same envelope as JSONCodec in binary frames, using
// core deterministic encoding so equal envelopes produce equal bytes.
type CBORCodec struct{}

type cborEnvelope struct {
	Command       *Code           `cbor:"command"`
	Payload       cbor.RawMessage `cbor:"payload,omitempty"`
	CorrelationID string          `cbor:"correlationId,omitempty"`
	Error         *ErrorBody      `cbor:"error,omitempty"`
}

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error
	encOpts := cbor.CoreDetEncOptions()
	encOpts.Time = cbor.TimeRFC3339Nano
	cborEnc, err = encOpts.EncMode()
	if err != nil {
		panic("protocol: CBOR encoder initialization failed: " + err.Error())
	}
	cborDec, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("protocol: CBOR decoder initialization failed: " + err.Error())
	}
}

const (
	cborMajorMask = 0xe0
	cborMajorMap  = 0xa0
	cborNull      = 0xf6
)

func (CBORCodec) Name() string { return "cbor" }

func (CBORCodec) Encode(env Envelope) ([]byte, error) {
	code := env.Command
	return cborEnc.Marshal(cborEnvelope{
		Command:       &code,
		Payload:       cbor.RawMessage(env.Payload),
		CorrelationID: env.CorrelationID,
		Error:         env.Error,
	})
}

func (CBORCodec) Decode(data []byte) (Envelope, error) {
	var wire cborEnvelope
	if err := cborDec.Unmarshal(data, &wire); err != nil {
		return Envelope{}, &DecodeError{Reason: "malformed envelope", Err: err}
	}
	if wire.Command == nil {
		return Envelope{}, &DecodeError{Reason: "malformed envelope", Err: missing("command")}
	}
	payload := []byte(wire.Payload)
	if len(payload) == 1 && payload[0] == cborNull {
		payload = nil
	}
	if len(payload) > 0 && payload[0]&cborMajorMask != cborMajorMap {
		return Envelope{}, &DecodeError{Reason: "malformed envelope", Err: errNotObject}
	}
	return Envelope{
		Command:       *wire.Command,
		Payload:       payload,
		CorrelationID: wire.CorrelationID,
		Error:         wire.Error,
	}, nil
}

func (CBORCodec) MarshalPayload(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return cborEnc.Marshal(v)
}

func (CBORCodec) UnmarshalPayload(data []byte, v any) error {
	return cborDec.Unmarshal(data, v)
}

// CodecFor returns the codec registered under name.
func CodecFor(name string) (Codec, bool) {
	switch name {
	case "json", "":
		return JSONCodec{}, true
	case "cbor":
		return CBORCodec{}, true
	default:
		return nil, false
	}
}
