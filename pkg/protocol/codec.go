package protocol

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// Codec encodes frames and their bodies for one connection.
type Codec interface {
	// Name identifies the codec ("json" or "cbor").
	Name() string
	// Binary reports whether encoded frames are binary websocket messages.
	Binary() bool
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	EncodeFrame(f *Frame) ([]byte, error)
	DecodeFrame(data []byte) (*Frame, error)
}

// CodecByName returns the codec registered under name.
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSON, nil
	case "cbor":
		return CBOR, nil
	default:
		return nil, fmt.Errorf("unknown codec: %s", name)
	}
}

// NewFrame builds a frame whose body is v encoded with c.
func NewFrame(c Codec, ft FrameType, address string, v any) (*Frame, error) {
	f := &Frame{Type: ft, Address: address}
	if v != nil {
		body, err := c.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal body: %w", err)
		}
		f.Body = body
	}
	return f, nil
}

// DecodeBody decodes the frame body into v.
func DecodeBody(c Codec, f *Frame, v any) error {
	if len(f.Body) == 0 {
		return fmt.Errorf("frame to %s has no body", f.Address)
	}
	if err := c.Unmarshal(f.Body, v); err != nil {
		return fmt.Errorf("failed to unmarshal body: %w", err)
	}
	return nil
}

// JSON is the text codec.
var JSON Codec = jsonCodec{}

type jsonCodec struct{}

type jsonFrame struct {
	Type         FrameType         `json:"type"`
	Address      string            `json:"address,omitempty"`
	ReplyAddress string            `json:"reply_address,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	Body         json.RawMessage   `json:"body,omitempty"`
}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Binary() bool { return false }

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

func (jsonCodec) EncodeFrame(f *Frame) ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("invalid frame: %w", err)
	}
	return json.Marshal(jsonFrame{
		Type:         f.Type,
		Address:      f.Address,
		ReplyAddress: f.ReplyAddress,
		Headers:      f.Headers,
		Body:         f.Body,
	})
}

func (jsonCodec) DecodeFrame(data []byte) (*Frame, error) {
	var wf jsonFrame
	if err := json.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("failed to unmarshal frame: %w", err)
	}
	f := &Frame{
		Type:         wf.Type,
		Address:      wf.Address,
		ReplyAddress: wf.ReplyAddress,
		Headers:      wf.Headers,
		Body:         []byte(wf.Body),
	}
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("invalid frame: %w", err)
	}
	return f, nil
}

// CBOR is the binary codec using Core Deterministic Encoding.
var CBOR Codec = newCBORCodec()

type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

type cborFrame struct {
	Type         FrameType         `cbor:"type"`
	Address      string            `cbor:"address,omitempty"`
	ReplyAddress string            `cbor:"reply_address,omitempty"`
	Headers      map[string]string `cbor:"headers,omitempty"`
	Body         cbor.RawMessage   `cbor:"body,omitempty"`
}

func newCBORCodec() cborCodec {
	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	enc, err := encOptions.EncMode()
	if err != nil {
		panic("protocol: CBOR encoder initialization failed: " + err.Error())
	}
	dec, err := cbor.DecOptions{
		// Decoded captures feed the condition evaluator, which wants string keys.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("protocol: CBOR decoder initialization failed: " + err.Error())
	}
	return cborCodec{enc: enc, dec: dec}
}

func (cborCodec) Name() string { return "cbor" }

func (cborCodec) Binary() bool { return true }

func (c cborCodec) Marshal(v any) ([]byte, error) { return c.enc.Marshal(v) }

func (c cborCodec) Unmarshal(data []byte, v any) error { return c.dec.Unmarshal(data, v) }

func (c cborCodec) EncodeFrame(f *Frame) ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("invalid frame: %w", err)
	}
	return c.enc.Marshal(cborFrame{
		Type:         f.Type,
		Address:      f.Address,
		ReplyAddress: f.ReplyAddress,
		Headers:      f.Headers,
		Body:         f.Body,
	})
}

func (c cborCodec) DecodeFrame(data []byte) (*Frame, error) {
	var wf cborFrame
	if err := c.dec.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("failed to unmarshal frame: %w", err)
	}
	f := &Frame{
		Type:         wf.Type,
		Address:      wf.Address,
		ReplyAddress: wf.ReplyAddress,
		Headers:      wf.Headers,
		Body:         []byte(wf.Body),
	}
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("invalid frame: %w", err)
	}
	return f, nil
}
