// Oscrelay - Real-time OSC and WebSocket Message Relay
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/oscrelay

package models

import (
	"fmt"
	"math"
)

// Args is the ordered argument list of a message. Each element is a string,
// a number (int, int32, int64, float32, float64) or a binary blob ([]byte).
type Args []any

// Message is an address plus its arguments, the unit carried by every transport.
type Message struct {
	Address string `json:"address"`
	Args    Args   `json:"args"`
}

// ArgKind classifies a single argument.
type ArgKind int

const (
	ArgInvalid ArgKind = iota
	ArgString
	ArgInt
	ArgFloat
	ArgBlob
)

// String implements fmt.Stringer.
func (k ArgKind) String() string {
	switch k {
	case ArgString:
		return "string"
	case ArgInt:
		return "int"
	case ArgFloat:
		return "float"
	case ArgBlob:
		return "blob"
	default:
		return "invalid"
	}
}

// KindOf returns the kind of an argument value.
func KindOf(arg any) ArgKind {
	switch arg.(type) {
	case string:
		return ArgString
	case int, int32, int64:
		return ArgInt
	case float32, float64:
		return ArgFloat
	case []byte:
		return ArgBlob
	default:
		return ArgInvalid
	}
}

// Validate checks every argument kind. It returns an error naming the first
// offending position.
func (a Args) Validate() error {
	for i, arg := range a {
		if KindOf(arg) == ArgInvalid {
			return fmt.Errorf("argument %d has unsupported type %T", i, arg)
		}
	}
	return nil
}

// HasBlob reports whether any argument is a binary blob.
func (a Args) HasBlob() bool {
	for _, arg := range a {
		if _, ok := arg.([]byte); ok {
			return true
		}
	}
	return false
}

// Prepend returns a new argument list with v in first position.
func (a Args) Prepend(v any) Args {
	out := make(Args, 0, len(a)+1)
	out = append(out, v)
	return append(out, a...)
}

// AsInt converts a numeric argument to int. Floats are accepted when they
// carry an integral value, which is what JSON clients send.
func AsInt(arg any) (int, bool) {
	switch v := arg.(type) {
	case int:
		return v, true
	case int32:
		return int(v), true
	case int64:
		return int(v), true
	case float32:
		if float32(math.Trunc(float64(v))) == v {
			return int(v), true
		}
	case float64:
		if math.Trunc(v) == v && !math.IsInf(v, 0) {
			return int(v), true
		}
	}
	return 0, false
}
