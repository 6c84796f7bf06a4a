// Package codec turns frame bodies into documents and back.
//
// The wire carries JSON only; the Codec interface exists so the listener and
// speaker do not depend on a particular JSON implementation.
package codec

import (
	"procmesh/errors"
	"procmesh/message"
)

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Name() string
}

// Default is the codec used when a component is not given one.
var Default Codec = &JSONCodec{}

// DecodeFrame decodes a request body. Any failure is a protocol error; the
// caller keeps reading the stream.
func DecodeFrame(c Codec, body []byte) (*message.Frame, error) {
	var f message.Frame
	if err := c.Decode(body, &f); err != nil {
		return nil, errors.Wrap(errors.KindProtocol, errors.ErrMalformedFrame, "codec", "DecodeFrame", err.Error())
	}
	return &f, nil
}

// DecodeReply decodes a reply body.
func DecodeReply(c Codec, body []byte) (*message.Reply, error) {
	var r message.Reply
	if err := c.Decode(body, &r); err != nil {
		return nil, errors.Wrap(errors.KindProtocol, errors.ErrMalformedFrame, "codec", "DecodeReply", err.Error())
	}
	return &r, nil
}

// Raw encodes v unless it already is encoded JSON.
func Raw(c Codec, v any) ([]byte, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case []byte:
		return t, nil
	case interface{ MarshalJSON() ([]byte, error) }:
		return t.MarshalJSON()
	}
	return c.Encode(v)
}
