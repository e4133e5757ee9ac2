// Oscrelay - Real-time OSC and WebSocket Message Relay
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/oscrelay

package osc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/tomtom215/oscrelay/internal/models"
)

const bundleTag = "#bundle"

var (
	// ErrMalformedPacket is returned by Decode for bytes that are not a
	// valid OSC message or bundle.
	ErrMalformedPacket = errors.New("malformed OSC packet")

	// ErrFrameTooLarge is returned by ReadFrame when the size prefix exceeds
	// MaxFrameSize.
	ErrFrameTooLarge = errors.New("OSC frame too large")
)

// MaxFrameSize bounds a single size-prefixed TCP frame.
const MaxFrameSize = 256 << 20

// Encode serializes a message. Integers become 'i' when they fit in 32
// bits and 'h' otherwise. float32 becomes 'f'; float64 becomes 'f' when
// exactly representable in 32 bits and 'd' otherwise.
func Encode(msg models.Message) ([]byte, error) {
	if len(msg.Address) == 0 || msg.Address[0] != '/' {
		return nil, fmt.Errorf("%w: address %q must start with /", ErrMalformedPacket, msg.Address)
	}

	tags := []byte{','}
	var payload bytes.Buffer
	for i, arg := range msg.Args {
		switch v := arg.(type) {
		case string:
			tags = append(tags, 's')
			writeString(&payload, v)
		case int:
			tags = appendInt(&payload, tags, int64(v))
		case int32:
			tags = append(tags, 'i')
			_ = binary.Write(&payload, binary.BigEndian, v)
		case int64:
			tags = appendInt(&payload, tags, v)
		case float32:
			tags = append(tags, 'f')
			_ = binary.Write(&payload, binary.BigEndian, math.Float32bits(v))
		case float64:
			if f32 := float32(v); float64(f32) == v {
				tags = append(tags, 'f')
				_ = binary.Write(&payload, binary.BigEndian, math.Float32bits(f32))
			} else {
				tags = append(tags, 'd')
				_ = binary.Write(&payload, binary.BigEndian, math.Float64bits(v))
			}
		case []byte:
			tags = append(tags, 'b')
			_ = binary.Write(&payload, binary.BigEndian, int32(len(v)))
			payload.Write(v)
			payload.Write(make([]byte, pad(len(v))))
		default:
			return nil, fmt.Errorf("%w: argument %d has unsupported type %T", ErrMalformedPacket, i, arg)
		}
	}

	var out bytes.Buffer
	out.Grow(len(msg.Address) + len(tags) + payload.Len() + 8)
	writeString(&out, msg.Address)
	writeString(&out, string(tags))
	out.Write(payload.Bytes())
	return out.Bytes(), nil
}

func appendInt(payload *bytes.Buffer, tags []byte, v int64) []byte {
	if v >= math.MinInt32 && v <= math.MaxInt32 {
		_ = binary.Write(payload, binary.BigEndian, int32(v))
		return append(tags, 'i')
	}
	_ = binary.Write(payload, binary.BigEndian, v)
	return append(tags, 'h')
}

// writeString writes an OSC string: bytes, a NUL terminator, then padding
// to a multiple of four.
func writeString(buf *bytes.Buffer, s string) {
	buf.WriteString(s)
	buf.Write(make([]byte, 4-len(s)%4))
}

func pad(n int) int {
	return (4 - n%4) % 4
}

// Decode parses a packet into messages. Bundles are flattened in order;
// time tags are ignored. 'T' and 'F' decode to int32 1 and 0; 'N' and 'I'
// carry no value and are skipped.
func Decode(data []byte) ([]models.Message, error) {
	var out []models.Message
	if err := decodeInto(data, &out, 0); err != nil {
		return nil, err
	}
	return out, nil
}

func decodeInto(data []byte, out *[]models.Message, depth int) error {
	if depth > 8 {
		return fmt.Errorf("%w: bundles nested too deeply", ErrMalformedPacket)
	}
	if len(data) == 0 {
		return fmt.Errorf("%w: empty packet", ErrMalformedPacket)
	}

	r := &reader{data: data}
	head, err := r.string()
	if err != nil {
		return err
	}

	if head == bundleTag {
		if _, err := r.take(8); err != nil { // time tag
			return err
		}
		for r.remaining() > 0 {
			size, err := r.int32()
			if err != nil {
				return err
			}
			if size < 0 || int(size) > r.remaining() {
				return fmt.Errorf("%w: bundle element size %d", ErrMalformedPacket, size)
			}
			element, _ := r.take(int(size))
			if err := decodeInto(element, out, depth+1); err != nil {
				return err
			}
		}
		return nil
	}

	if head == "" || head[0] != '/' {
		return fmt.Errorf("%w: address %q", ErrMalformedPacket, head)
	}
	msg := models.Message{Address: head, Args: models.Args{}}

	// A message without a type tag string has no arguments.
	if r.remaining() == 0 {
		*out = append(*out, msg)
		return nil
	}
	tags, err := r.string()
	if err != nil {
		return err
	}
	if tags == "" || tags[0] != ',' {
		return fmt.Errorf("%w: type tags %q", ErrMalformedPacket, tags)
	}

	for _, tag := range tags[1:] {
		switch tag {
		case 'i':
			v, err := r.int32()
			if err != nil {
				return err
			}
			msg.Args = append(msg.Args, v)
		case 'h':
			b, err := r.take(8)
			if err != nil {
				return err
			}
			msg.Args = append(msg.Args, int64(binary.BigEndian.Uint64(b)))
		case 'f':
			b, err := r.take(4)
			if err != nil {
				return err
			}
			msg.Args = append(msg.Args, math.Float32frombits(binary.BigEndian.Uint32(b)))
		case 'd':
			b, err := r.take(8)
			if err != nil {
				return err
			}
			msg.Args = append(msg.Args, math.Float64frombits(binary.BigEndian.Uint64(b)))
		case 's', 'S':
			s, err := r.string()
			if err != nil {
				return err
			}
			msg.Args = append(msg.Args, s)
		case 'b':
			size, err := r.int32()
			if err != nil {
				return err
			}
			if size < 0 || int(size) > r.remaining() {
				return fmt.Errorf("%w: blob size %d", ErrMalformedPacket, size)
			}
			b, _ := r.take(int(size))
			blob := make([]byte, len(b))
			copy(blob, b)
			msg.Args = append(msg.Args, blob)
			if _, err := r.take(pad(int(size))); err != nil {
				return err
			}
		case 'T':
			msg.Args = append(msg.Args, int32(1))
		case 'F':
			msg.Args = append(msg.Args, int32(0))
		case 'N', 'I':
		default:
			return fmt.Errorf("%w: unsupported type tag %q", ErrMalformedPacket, tag)
		}
	}

	*out = append(*out, msg)
	return nil
}

type reader struct {
	data []byte
	pos  int
}

func (r *reader) remaining() int {
	return len(r.data) - r.pos
}

func (r *reader) take(n int) ([]byte, error) {
	if n > r.remaining() {
		return nil, fmt.Errorf("%w: truncated at offset %d", ErrMalformedPacket, r.pos)
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *reader) int32() (int32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(b)), nil
}

func (r *reader) string() (string, error) {
	end := bytes.IndexByte(r.data[r.pos:], 0)
	if end < 0 {
		return "", fmt.Errorf("%w: unterminated string at offset %d", ErrMalformedPacket, r.pos)
	}
	s := string(r.data[r.pos : r.pos+end])
	if _, err := r.take(end + 1 + pad(end+1)); err != nil {
		return "", err
	}
	return s, nil
}

// Frame returns packet with its size prefix, ready for a stream.
func Frame(packet []byte) []byte {
	out := make([]byte, 4+len(packet))
	binary.BigEndian.PutUint32(out, uint32(len(packet)))
	copy(out[4:], packet)
	return out
}

// ReadFrame reads one size-prefixed packet.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}
	packet := make([]byte, size)
	if _, err := io.ReadFull(r, packet); err != nil {
		return nil, err
	}
	return packet, nil
}
