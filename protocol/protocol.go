// Package protocol implements the frame protocol spoken between clients, the
// gateway and workers.
//
// It solves TCP's sticky packet problem by using a fixed-size 7-byte header
// followed by a variable-length JSON body. A reader that received a partial
// frame keeps the bytes and waits for more; a read that carried several
// frames yields all of them.
//
// Frame format:
//
//	0     2  3          7
//	┌─────┬──┬──────────┬───────────────┐
//	│magic│v │ bodyLen  │    body ...    │
//	│ pm  │01│  uint32  │ bodyLen bytes  │
//	└─────┴──┴──────────┴───────────────┘
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"

	"procmesh/errors"
)

// Magic bytes "pm" identify a procmesh frame and reject non-protocol
// connections (e.g., HTTP clients hitting the wrong port).
const (
	MagicByte1 byte = 0x70 // 'p'
	MagicByte2 byte = 0x6d // 'm'
	Version    byte = 0x01
	HeaderSize int  = 7 // 2 (magic) + 1 (version) + 4 (bodyLen)

	// MaxBodySize bounds a single document.
	MaxBodySize = 16 << 20
)

// Encode writes a complete frame (header + body) to w in a single Write, so
// concurrent writers holding a per-connection lock never interleave halves
// of two frames.
func Encode(w io.Writer, body []byte) error {
	if len(body) > MaxBodySize {
		return errors.Wrap(errors.KindProtocol, errors.ErrFrameTooLarge, "protocol", "Encode",
			fmt.Sprintf("%d bytes", len(body)))
	}
	buf := make([]byte, HeaderSize+len(body))
	buf[0] = MagicByte1
	buf[1] = MagicByte2
	buf[2] = Version
	binary.BigEndian.PutUint32(buf[3:7], uint32(len(body)))
	copy(buf[HeaderSize:], body)

	_, err := w.Write(buf)
	return err
}

// Tokenize splits buf into the bodies of every complete frame it holds and
// returns the bytes of a trailing partial frame as rest. The returned bodies
// alias buf.
//
// A header that is not a procmesh header is a protocol error: the stream
// cannot be resynchronized, and the caller should drop the connection.
func Tokenize(buf []byte) (bodies [][]byte, rest []byte, err error) {
	for {
		if len(buf) < HeaderSize {
			return bodies, buf, nil
		}
		if buf[0] != MagicByte1 || buf[1] != MagicByte2 {
			return bodies, buf, errors.Wrap(errors.KindProtocol, errors.ErrMalformedFrame, "protocol", "Tokenize",
				fmt.Sprintf("invalid magic number: %x", buf[0:2]))
		}
		if buf[2] != Version {
			return bodies, buf, errors.Wrap(errors.KindProtocol, errors.ErrMalformedFrame, "protocol", "Tokenize",
				fmt.Sprintf("unsupported version: %d", buf[2]))
		}
		bodyLen := binary.BigEndian.Uint32(buf[3:7])
		if bodyLen > MaxBodySize {
			return bodies, buf, errors.Wrap(errors.KindProtocol, errors.ErrFrameTooLarge, "protocol", "Tokenize",
				fmt.Sprintf("%d bytes", bodyLen))
		}
		end := HeaderSize + int(bodyLen)
		if len(buf) < end {
			return bodies, buf, nil
		}
		bodies = append(bodies, buf[HeaderSize:end])
		buf = buf[end:]
	}
}

// Decoder reads frame bodies from a byte stream whose reads may split or
// merge frames arbitrarily.
type Decoder struct {
	r       io.Reader
	buf     []byte
	pending [][]byte
	chunk   []byte
}

// NewDecoder returns a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r, chunk: make([]byte, 32*1024)}
}

// Next returns the body of the next complete frame. It returns io.EOF when
// the stream ends on a frame boundary and io.ErrUnexpectedEOF when it ends
// inside a frame.
func (d *Decoder) Next() ([]byte, error) {
	for len(d.pending) == 0 {
		n, readErr := d.r.Read(d.chunk)
		if n > 0 {
			d.buf = append(d.buf, d.chunk[:n]...)
			bodies, rest, err := Tokenize(d.buf)
			for _, b := range bodies {
				// Copy out: d.buf is reused for the next read.
				d.pending = append(d.pending, append([]byte(nil), b...))
			}
			d.buf = append(d.buf[:0], rest...)
			if err != nil && len(d.pending) == 0 {
				return nil, err
			}
			if err != nil {
				// Deliver what was decodable first; the next call reports err.
				d.r = errReader{err}
				d.buf = nil
			}
		}
		if readErr != nil && len(d.pending) == 0 {
			if readErr == io.EOF && len(d.buf) > 0 {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, readErr
		}
	}
	body := d.pending[0]
	d.pending = d.pending[1:]
	return body, nil
}

type errReader struct{ err error }

func (e errReader) Read([]byte) (int, error) { return 0, e.err }
