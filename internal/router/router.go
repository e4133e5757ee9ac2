// Oscrelay - Real-time OSC and WebSocket Message Relay
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/oscrelay

// Package router implements the address namespace tree: hierarchical
// addresses mapped to subscriber sets and last-sent arguments.
//
// A subscriber of /a receives every message sent to /a, /a/b, /a/b/c and so
// on, but nothing sent to /b. Dispatch cost is O(depth). Nodes are created
// lazily and never pruned.
//
// Router is not safe for concurrent use. The connection manager owns the
// single instance and serializes access to it.
package router

import (
	"sort"

	"github.com/tomtom215/oscrelay/internal/logging"
	"github.com/tomtom215/oscrelay/internal/metrics"
	"github.com/tomtom215/oscrelay/internal/models"
)

// Subscriber receives routed messages. Send must not call back into the
// router.
type Subscriber interface {
	Send(address string, args models.Args) error
}

// Node is one address in the tree.
type Node struct {
	address     string
	children    map[string]*Node
	subscribers []Subscriber
	last        models.Args
	sent        bool
}

// Address returns the normalized full address of the node.
func (n *Node) Address() string {
	return n.address
}

// Subscribers returns a copy of the node's subscriber set.
func (n *Node) Subscribers() []Subscriber {
	out := make([]Subscriber, len(n.subscribers))
	copy(out, n.subscribers)
	return out
}

func (n *Node) hasSubscriber(s Subscriber) bool {
	for _, existing := range n.subscribers {
		if existing == s {
			return true
		}
	}
	return false
}

func (n *Node) removeSubscriber(s Subscriber) {
	for i, existing := range n.subscribers {
		if existing == s {
			n.subscribers = append(n.subscribers[:i], n.subscribers[i+1:]...)
			return
		}
	}
}

func (n *Node) child(segment string) *Node {
	c, ok := n.children[segment]
	if !ok {
		address := n.address + "/" + segment
		if n.address == "/" {
			address = "/" + segment
		}
		c = &Node{address: address, children: make(map[string]*Node)}
		n.children[segment] = c
	}
	return c
}

// LastMessage is the tagged result of a last-message lookup.
type LastMessage struct {
	// Known is false when the address was never referenced at all.
	Known bool
	// Sent is false when the address exists but nothing was sent to it.
	Sent bool
	Args models.Args
}

// Router is the namespace tree.
type Router struct {
	root *Node
}

// New creates a router holding only the root node.
func New() *Router {
	return &Router{root: &Node{address: "/", children: make(map[string]*Node)}}
}

// Has reports whether the address exists in the tree. It never creates nodes.
func (r *Router) Has(address string) bool {
	normalized, err := Normalize(address)
	if err != nil {
		return false
	}
	return r.find(normalized) != nil
}

func (r *Router) find(normalized string) *Node {
	node := r.root
	for _, segment := range Segments(normalized) {
		next, ok := node.children[segment]
		if !ok {
			return nil
		}
		node = next
	}
	return node
}

// GetOrCreate walks from the root to address, creating missing nodes, and
// calls visit (when non-nil) on every node of the path, root included.
func (r *Router) GetOrCreate(address string, visit func(*Node)) (*Node, error) {
	normalized, err := Normalize(address)
	if err != nil {
		return nil, err
	}
	return r.walk(normalized, visit), nil
}

func (r *Router) walk(normalized string, visit func(*Node)) *Node {
	node := r.root
	if visit != nil {
		visit(node)
	}
	for _, segment := range Segments(normalized) {
		node = node.child(segment)
		if visit != nil {
			visit(node)
		}
	}
	return node
}

// Subscribe adds s to the subscriber set of address. Subscribing twice is
// a no-op. System addresses are rejected.
func (r *Router) Subscribe(s Subscriber, address string) error {
	normalized, err := Normalize(address)
	if err != nil {
		return err
	}
	if IsSystem(normalized) {
		return protocolError(normalized, ErrReservedAddress, "cannot subscribe to system addresses")
	}

	node := r.walk(normalized, nil)
	if !node.hasSubscriber(s) {
		node.subscribers = append(node.subscribers, s)
	}
	return nil
}

// Send delivers args to the subscribers of every node from the root down
// to address and records args as the last message of address only.
//
// A subscriber that fails is logged and skipped; it never prevents
// delivery to the others.
func (r *Router) Send(address string, args models.Args) error {
	normalized, err := Normalize(address)
	if err != nil {
		return err
	}
	if IsSystem(normalized) {
		return protocolError(normalized, ErrReservedAddress, "cannot send to system addresses")
	}
	if err := args.Validate(); err != nil {
		return protocolError(normalized, ErrInvalidArgs, err.Error())
	}

	target := r.walk(normalized, func(node *Node) {
		for _, s := range node.subscribers {
			if sendErr := s.Send(normalized, args); sendErr != nil {
				metrics.DeliveryErrors.Inc()
				logging.Warn().
					Err(sendErr).
					Str("address", normalized).
					Str("subscribed_to", node.address).
					Msg("delivery to subscriber failed")
				continue
			}
			metrics.Deliveries.Inc()
		}
	})
	target.last = args
	target.sent = true
	metrics.MessagesRouted.Inc()
	return nil
}

// LastMessage returns what was last sent to exactly address.
func (r *Router) LastMessage(address string) LastMessage {
	normalized, err := Normalize(address)
	if err != nil {
		return LastMessage{}
	}
	node := r.find(normalized)
	if node == nil {
		return LastMessage{}
	}
	if !node.sent {
		return LastMessage{Known: true}
	}
	return LastMessage{Known: true, Sent: true, Args: node.last}
}

// RemoveConnection removes s from every subscriber set in the tree.
func (r *Router) RemoveConnection(s Subscriber) {
	var visit func(*Node)
	visit = func(node *Node) {
		node.removeSubscriber(s)
		for _, c := range node.children {
			visit(c)
		}
	}
	visit(r.root)
}

// Snapshot flattens every node that has a last message. Blob arguments are
// replaced by the elided-blob marker. Nodes are ordered by address.
func (r *Router) Snapshot() []models.NodeState {
	var out []models.NodeState
	var visit func(*Node)
	visit = func(node *Node) {
		if node.sent {
			stored, err := models.StoreArgs(node.last)
			if err != nil {
				logging.Warn().Err(err).Str("address", node.address).Msg("skipping unserializable last message")
			} else {
				out = append(out, models.NodeState{Address: node.address, LastMessage: stored})
			}
		}
		keys := make([]string, 0, len(node.children))
		for k := range node.children {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			visit(node.children[k])
		}
	}
	visit(r.root)
	return out
}

// Restore rebuilds last messages from a snapshot. Entries that fail to
// decode are logged and skipped.
func (r *Router) Restore(nodes []models.NodeState) {
	for _, state := range nodes {
		normalized, err := Normalize(state.Address)
		if err != nil {
			logging.Warn().Err(err).Str("address", state.Address).Msg("skipping invalid snapshot address")
			continue
		}
		args, err := models.LoadArgs(state.LastMessage)
		if err != nil {
			logging.Warn().Err(err).Str("address", normalized).Msg("skipping invalid snapshot entry")
			continue
		}
		node := r.walk(normalized, nil)
		node.last = args
		node.sent = true
	}
}
