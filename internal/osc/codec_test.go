// Oscrelay - Real-time OSC and WebSocket Message Relay
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/oscrelay

package osc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"reflect"
	"testing"

	"github.com/tomtom215/oscrelay/internal/models"
)

func TestEncodeDecode(t *testing.T) {
	tests := []struct {
		name string
		in   models.Args
		want models.Args
	}{
		{name: "no args", in: models.Args{}, want: models.Args{}},
		{name: "string", in: models.Args{"hello"}, want: models.Args{"hello"}},
		{name: "string on 4 byte boundary", in: models.Args{"abcd"}, want: models.Args{"abcd"}},
		{name: "small int", in: models.Args{42}, want: models.Args{int32(42)}},
		{name: "large int", in: models.Args{int64(1) << 40}, want: models.Args{int64(1) << 40}},
		{name: "float32", in: models.Args{float32(1.5)}, want: models.Args{float32(1.5)}},
		{name: "exact float64 narrows", in: models.Args{0.25}, want: models.Args{float32(0.25)}},
		{name: "precise float64 stays double", in: models.Args{0.1}, want: models.Args{0.1}},
		{name: "blob", in: models.Args{[]byte{1, 2, 3}}, want: models.Args{[]byte{1, 2, 3}}},
		{name: "mixed", in: models.Args{"a", 1, []byte{9}, "b"}, want: models.Args{"a", int32(1), []byte{9}, "b"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			packet, err := Encode(models.Message{Address: "/test/addr", Args: tt.in})
			if err != nil {
				t.Fatalf("Encode() error = %v", err)
			}
			if len(packet)%4 != 0 {
				t.Errorf("packet length %d is not 4-byte aligned", len(packet))
			}
			msgs, err := Decode(packet)
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if len(msgs) != 1 {
				t.Fatalf("Decode() returned %d messages", len(msgs))
			}
			if msgs[0].Address != "/test/addr" {
				t.Errorf("address = %q", msgs[0].Address)
			}
			if !reflect.DeepEqual(msgs[0].Args, tt.want) {
				t.Errorf("args = %#v, want %#v", msgs[0].Args, tt.want)
			}
		})
	}
}

func TestEncodeRejects(t *testing.T) {
	if _, err := Encode(models.Message{Address: "nope"}); !errors.Is(err, ErrMalformedPacket) {
		t.Errorf("Encode() bad address error = %v", err)
	}
	if _, err := Encode(models.Message{Address: "/a", Args: models.Args{true}}); !errors.Is(err, ErrMalformedPacket) {
		t.Errorf("Encode() bool error = %v", err)
	}
}

// encodeBundle wraps already encoded messages in an immediate bundle.
func encodeBundle(packets ...[]byte) []byte {
	var out bytes.Buffer
	writeString(&out, bundleTag)
	_ = binary.Write(&out, binary.BigEndian, uint64(1))
	for _, p := range packets {
		_ = binary.Write(&out, binary.BigEndian, int32(len(p)))
		out.Write(p)
	}
	return out.Bytes()
}

func TestDecodeBundleFlattensInOrder(t *testing.T) {
	first, _ := Encode(models.Message{Address: "/one", Args: models.Args{1}})
	second, _ := Encode(models.Message{Address: "/two", Args: models.Args{"x"}})
	inner := encodeBundle(second)
	bundle := encodeBundle(first, inner)

	msgs, err := Decode(bundle)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if len(msgs) != 2 || msgs[0].Address != "/one" || msgs[1].Address != "/two" {
		t.Errorf("Decode() = %+v", msgs)
	}
}

func TestDecodeBooleanAndNilTags(t *testing.T) {
	var buf bytes.Buffer
	writeString(&buf, "/flags")
	writeString(&buf, ",TFN")
	msgs, err := Decode(buf.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if want := (models.Args{int32(1), int32(0)}); !reflect.DeepEqual(msgs[0].Args, want) {
		t.Errorf("args = %#v, want %#v", msgs[0].Args, want)
	}
}

func TestDecodeMalformed(t *testing.T) {
	valid, _ := Encode(models.Message{Address: "/a", Args: models.Args{"text", []byte{1, 2, 3, 4, 5}}})

	tests := []struct {
		name string
		data []byte
	}{
		{name: "empty", data: nil},
		{name: "no terminator", data: []byte("/abc")},
		{name: "not an address", data: []byte("abc\x00")},
		{name: "truncated", data: valid[:len(valid)-4]},
		{name: "bad tag", data: append([]byte("/a\x00\x00,x\x00\x00"), 0, 0, 0, 0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode(tt.data); !errors.Is(err, ErrMalformedPacket) {
				t.Errorf("Decode() error = %v, want ErrMalformedPacket", err)
			}
		})
	}
}

func TestFraming(t *testing.T) {
	var buf bytes.Buffer
	packets := [][]byte{[]byte("first"), {}, bytes.Repeat([]byte{7}, 100000)}
	for _, p := range packets {
		buf.Write(Frame(p))
	}
	for i, want := range packets {
		got, err := ReadFrame(&buf)
		if err != nil {
			t.Fatalf("ReadFrame(%d) error = %v", i, err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("frame %d length %d, want %d", i, len(got), len(want))
		}
	}

	if !bytes.Equal(Frame([]byte("ab")), []byte{0, 0, 0, 2, 'a', 'b'}) {
		t.Errorf("Frame() = %v", Frame([]byte("ab")))
	}

	oversized := bytes.NewReader([]byte{0xff, 0xff, 0xff, 0xff})
	if _, err := ReadFrame(oversized); !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("ReadFrame() oversized error = %v", err)
	}
}
