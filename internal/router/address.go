// Oscrelay - Real-time OSC and WebSocket Message Relay
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/oscrelay

package router

import (
	"errors"
	"fmt"
	"strings"
)

// Reserved address prefixes.
const (
	// SystemPrefix holds control messages. Ordinary subscribe and send
	// against it are rejected.
	SystemPrefix = "/sys"

	// BroadcastPrefix holds server-originated lifecycle notifications.
	// Clients may subscribe to it but never send into it.
	BroadcastPrefix = "/broadcast"
)

// System message addresses shared by every transport.
const (
	SubscribeAddress       = SystemPrefix + "/subscribe"
	SubscribedAddress      = SystemPrefix + "/subscribed"
	ResendAddress          = SystemPrefix + "/resend"
	ConfigureAddress       = SystemPrefix + "/configure"
	ConfiguredAddress      = SystemPrefix + "/configured"
	ErrorAddress           = SystemPrefix + "/error"
	SendBlobAddress        = SystemPrefix + "/blob"
	ConnectionsListAddress = SystemPrefix + "/connections/sendlist"
	ConnectionsTakeAddress = SystemPrefix + "/connections/takelist"
)

// ConnectionOpenAddress is where the manager announces a newly opened
// connection of the given namespace.
func ConnectionOpenAddress(namespace string) string {
	return BroadcastPrefix + "/" + namespace + "/open"
}

// ConnectionCloseAddress is where the manager announces a closed connection.
func ConnectionCloseAddress(namespace string) string {
	return BroadcastPrefix + "/" + namespace + "/close"
}

// Protocol error causes. Use errors.Is against a *ProtocolError.
var (
	ErrInvalidAddress  = errors.New("invalid address")
	ErrReservedAddress = errors.New("reserved address")
	ErrInvalidArgs     = errors.New("invalid arguments")
)

// ProtocolError is a client mistake: a malformed address, a reserved
// address used where it is not allowed, or a bad argument list. It is
// reported back to the originating connection and never treated as a fault.
type ProtocolError struct {
	Address string
	Reason  string
	Err     error
}

func (e *ProtocolError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("%s: %v", e.Address, e.Err)
	}
	return fmt.Sprintf("%s: %v: %s", e.Address, e.Err, e.Reason)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

func protocolError(address string, err error, reason string) *ProtocolError {
	return &ProtocolError{Address: address, Err: err, Reason: reason}
}

// Normalize validates an address and strips exactly one trailing slash.
// The root "/" normalizes to itself.
func Normalize(address string) (string, error) {
	if address == "" || address[0] != '/' {
		return "", protocolError(address, ErrInvalidAddress, "address must start with /")
	}
	if address == "/" {
		return address, nil
	}
	normalized := strings.TrimSuffix(address, "/")
	if strings.Contains(normalized, "//") {
		return "", protocolError(address, ErrInvalidAddress, "empty path segment")
	}
	return normalized, nil
}

// Segments splits a normalized address into its path segments. The root
// has no segments.
func Segments(normalized string) []string {
	if normalized == "/" {
		return nil
	}
	return strings.Split(normalized[1:], "/")
}

// IsSystem reports whether a normalized address lies in the system space.
func IsSystem(normalized string) bool {
	return hasPrefix(normalized, SystemPrefix)
}

// IsBroadcast reports whether a normalized address lies in the broadcast space.
func IsBroadcast(normalized string) bool {
	return hasPrefix(normalized, BroadcastPrefix)
}

func hasPrefix(address, prefix string) bool {
	return address == prefix || strings.HasPrefix(address, prefix+"/")
}
