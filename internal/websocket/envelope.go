// Oscrelay - Real-time OSC and WebSocket Message Relay
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/oscrelay

package websocket

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/tomtom215/oscrelay/internal/models"
	"github.com/tomtom215/oscrelay/internal/osc"
)

// Envelope commands.
const (
	CommandMessage = "message"
	CommandConnect = "connect"
)

// Connect handshake statuses.
const (
	StatusConnected = 0
	StatusRefused   = 1
)

// ReasonServerFull is the refusal reason sent above the socket cap.
const ReasonServerFull = "the server is full"

// ErrInvalidEnvelope is returned for frames that are not a valid envelope.
var ErrInvalidEnvelope = errors.New("invalid envelope")

// Envelope is the JSON frame exchanged with browsers.
//
//	{"command":"message","address":"/a","args":[1,"x"]}
//	{"command":"connect","status":0,"id":"..."}
//	{"command":"connect","status":1,"error":"the server is full"}
type Envelope struct {
	Command string      `json:"command"`
	Address string      `json:"address,omitempty"`
	Args    models.Args `json:"args,omitempty"`
	Status  *int        `json:"status,omitempty"`
	ID      string      `json:"id,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func connectEnvelope(id string) Envelope {
	status := StatusConnected
	return Envelope{Command: CommandConnect, Status: &status, ID: id}
}

func refusalEnvelope(reason string) Envelope {
	status := StatusRefused
	return Envelope{Command: CommandConnect, Status: &status, Error: reason}
}

// frame is one encoded websocket message.
type frame struct {
	kind int
	data []byte
}

// encodeMessage builds the frame for a routed message: a JSON text frame,
// or an OSC binary frame when an argument is a blob, since JSON has no
// binary type.
func encodeMessage(address string, args models.Args) (frame, error) {
	if args.HasBlob() {
		packet, err := osc.Encode(models.Message{Address: address, Args: args})
		if err != nil {
			return frame{}, err
		}
		return frame{kind: websocket.BinaryMessage, data: packet}, nil
	}
	if args == nil {
		args = models.Args{}
	}
	data, err := json.Marshal(Envelope{Command: CommandMessage, Address: address, Args: args})
	if err != nil {
		return frame{}, fmt.Errorf("marshal envelope: %w", err)
	}
	return frame{kind: websocket.TextMessage, data: data}, nil
}

func encodeEnvelope(env Envelope) (frame, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return frame{}, fmt.Errorf("marshal envelope: %w", err)
	}
	return frame{kind: websocket.TextMessage, data: data}, nil
}

// decodeMessages parses an inbound frame. Text frames carry a message
// envelope whose JSON numbers decode as float64; binary frames carry an
// OSC packet, possibly a bundle.
func decodeMessages(kind int, data []byte) ([]models.Message, error) {
	switch kind {
	case websocket.BinaryMessage:
		return osc.Decode(data)
	case websocket.TextMessage:
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
		}
		if env.Command != CommandMessage {
			return nil, fmt.Errorf("%w: unknown command %q", ErrInvalidEnvelope, env.Command)
		}
		if env.Args == nil {
			env.Args = models.Args{}
		}
		return []models.Message{{Address: env.Address, Args: env.Args}}, nil
	default:
		return nil, fmt.Errorf("%w: frame type %d", ErrInvalidEnvelope, kind)
	}
}
